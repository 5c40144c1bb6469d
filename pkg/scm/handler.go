package scm

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/audit"
	loomauth "github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/httpserver"
	"github.com/ohitslaurence/loom/internal/policy"
)

// Handler exposes repo lifecycle, branch protection, mirror, and
// team-access management over HTTP. Every route is gated by internal/policy at
// the router-mounting layer below; the handler methods themselves trust
// that gate has already run.
type Handler struct {
	logger  *slog.Logger
	audit   *audit.Writer
	service *Service
	mirrors *MirrorService
	engine  *policy.Engine
}

func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, service *Service, mirrors *MirrorService, engine *policy.Engine) *Handler {
	return &Handler{logger: logger, audit: auditWriter, service: service, mirrors: mirrors, engine: engine}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(policy.RequireOwnedCreateAccess(h.engine, "owner_type", "owner_id")).Post("/repos", h.handleCreateRepo)
	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionRead, "repoID")).Get("/repos/{repoID}", h.handleGetRepo)
	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionWrite, "repoID")).Patch("/repos/{repoID}", h.handleUpdateRepo)
	r.With(policy.RequireRepoAccess(h.engine, h.service, "delete_repo", "repoID")).Delete("/repos/{repoID}", h.handleDeleteRepo)

	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionRead, "repoID")).Get("/repos/{repoID}/protection", h.handleListProtection)
	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionAdmin, "repoID")).Post("/repos/{repoID}/protection", h.handleCreateProtection)
	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionAdmin, "repoID")).Delete("/repos/{repoID}/protection/{ruleID}", h.handleDeleteProtection)

	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionRead, "repoID")).Get("/repos/{repoID}/mirrors", h.handleListMirrors)
	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionAdmin, "repoID")).Post("/repos/{repoID}/mirrors", h.handleCreateMirror)
	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionAdmin, "repoID")).Delete("/repos/{repoID}/mirrors/{mirrorID}", h.handleDeleteMirror)

	r.With(policy.RequireRepoAccess(h.engine, h.service, policy.ActionAdmin, "repoID")).Post("/repos/{repoID}/teams", h.handleGrantTeamAccess)
	return r
}

func parseURLUUID(r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	return id, err == nil
}

type createRepoRequest struct {
	OwnerType  string `json:"owner_type" validate:"required,oneof=user org"`
	OwnerID    string `json:"owner_id" validate:"required,uuid"`
	Name       string `json:"name" validate:"required"`
	Visibility string `json:"visibility" validate:"omitempty,oneof=private public"`
}

func (h *Handler) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid owner id"))
		return
	}
	repo, err := h.service.CreateRepo(r.Context(), OwnerType(req.OwnerType), ownerID, req.Name, Visibility(req.Visibility))
	if err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionRepoCreated, "repo", repo.ID, nil)
	}
	httpserver.Respond(w, http.StatusCreated, repo)
}

func (h *Handler) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	repo, err := h.service.GetRepo(r.Context(), repoID)
	if err != nil {
		writeScmError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, repo)
}

type updateRepoRequest struct {
	Visibility    string `json:"visibility" validate:"omitempty,oneof=private public"`
	DefaultBranch string `json:"default_branch"`
}

func (h *Handler) handleUpdateRepo(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	var req updateRepoRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	repo, err := h.service.UpdateRepo(r.Context(), repoID, Visibility(req.Visibility), req.DefaultBranch)
	if err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionRepoUpdated, "repo", repoID, nil)
	}
	httpserver.Respond(w, http.StatusOK, repo)
}

func (h *Handler) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	if err := h.service.DeleteRepo(r.Context(), repoID); err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionRepoDeleted, "repo", repoID, nil)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListProtection(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	rules, err := h.service.ListProtectionRules(r.Context(), repoID)
	if err != nil {
		writeScmError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"rules": rules})
}

type createProtectionRequest struct {
	Pattern         string `json:"pattern" validate:"required"`
	BlockDirectPush bool   `json:"block_direct_push"`
	BlockForcePush  bool   `json:"block_force_push"`
	BlockDeletion   bool   `json:"block_deletion"`
}

func (h *Handler) handleCreateProtection(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	var req createProtectionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	rule, err := h.service.AddProtectionRule(r.Context(), repoID, req.Pattern, req.BlockDirectPush, req.BlockForcePush, req.BlockDeletion)
	if err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionProtectionRuleChange, "repo", repoID, map[string]any{"pattern": rule.Pattern})
	}
	httpserver.Respond(w, http.StatusCreated, rule)
}

func (h *Handler) handleDeleteProtection(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	ruleID, ok := parseURLUUID(r, "ruleID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid rule id"))
		return
	}
	if err := h.service.DeleteProtectionRule(r.Context(), repoID, ruleID); err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionProtectionRuleChange, "repo", repoID, map[string]any{"deleted_rule": ruleID})
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListMirrors(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	mirrors, err := h.mirrors.ListByRepo(r.Context(), repoID)
	if err != nil {
		writeScmError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"mirrors": mirrors})
}

type createMirrorRequest struct {
	Platform  string `json:"platform" validate:"required,oneof=github gitlab"`
	RemoteURL string `json:"remote_url" validate:"required,url"`
	Direction string `json:"direction" validate:"required,oneof=pull push"`
}

func (h *Handler) handleCreateMirror(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	var req createMirrorRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	mirror, err := h.mirrors.CreateMirror(r.Context(), repoID, Platform(req.Platform), req.RemoteURL, MirrorDirection(req.Direction))
	if err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionMirrorCreated, "repo", repoID, map[string]any{"platform": mirror.Platform})
	}
	httpserver.Respond(w, http.StatusCreated, mirror)
}

func (h *Handler) handleDeleteMirror(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	mirrorID, ok := parseURLUUID(r, "mirrorID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid mirror id"))
		return
	}
	if err := h.mirrors.DeleteMirror(r.Context(), mirrorID); err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionMirrorDeleted, "repo", repoID, map[string]any{"mirror_id": mirrorID})
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type grantTeamAccessRequest struct {
	TeamID string `json:"team_id" validate:"required,uuid"`
	Role   string `json:"role" validate:"required,oneof=Read Write Admin read write admin"`
}

func (h *Handler) handleGrantTeamAccess(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	var req grantTeamAccessRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	teamID, err := uuid.Parse(req.TeamID)
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid team id"))
		return
	}
	role := loomauth.ParseRepoRole(req.Role)
	if err := h.service.GrantTeamAccess(r.Context(), repoID, teamID, role); err != nil {
		writeScmError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionRepoTeamAccessChange, "repo", repoID, map[string]any{"team_id": teamID, "role": role.String()})
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeScmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindNotFound, err.Error()))
	case errors.Is(err, ErrAlreadyExists):
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindConflict, err.Error()))
	default:
		var nameErr *InvalidNameError
		if errors.As(err, &nameErr) {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, nameErr.Error()))
			return
		}
		var violation *ProtectionViolation
		if errors.As(err, &violation) {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, violation.Error()))
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}
