package org

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/audit"
	loomauth "github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/httpserver"
	"github.com/ohitslaurence/loom/internal/policy"
)

// Handler exposes the ambient user/org/team management surface and the
// session login/logout endpoints that bootstrap C2 authentication.
type Handler struct {
	logger   *slog.Logger
	audit    *audit.Writer
	service  *Service
	sessions *loomauth.SessionStore
	maxAge   time.Duration
	engine   *policy.Engine
}

func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, service *Service, sessions *loomauth.SessionStore, sessionMaxAge time.Duration, engine *policy.Engine) *Handler {
	return &Handler{logger: logger, audit: auditWriter, service: service, sessions: sessions, maxAge: sessionMaxAge, engine: engine}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/users", h.handleCreateUser)
	r.Post("/orgs", h.handleCreateOrg)
	r.With(policy.RequireOrgAccess(h.engine, policy.ActionAdmin, "orgID")).Post("/orgs/{orgID}/members", h.handleSetMember)
	r.With(policy.RequireOrgAccess(h.engine, policy.ActionAdmin, "orgID")).Delete("/orgs/{orgID}/members/{userID}", h.handleRemoveMember)
	r.With(policy.RequireBodyOrgAccess(h.engine, policy.ActionAdmin)).Post("/teams", h.handleCreateTeam)
	r.With(h.requireTeamOrgAdmin).Post("/teams/{teamID}/members", h.handleAddTeamMember)
	r.Post("/auth/sessions", h.handleLogin)
	r.Delete("/auth/sessions", h.handleLogout)
	return r
}

type createUserRequest struct {
	DisplayName string  `json:"display_name" validate:"required"`
	Email       string  `json:"email" validate:"required,email"`
	Username    *string `json:"username,omitempty"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	u, personalOrg, err := h.service.CreateUser(r.Context(), req.DisplayName, req.Email, req.Username)
	if err != nil {
		h.logger.Error("creating user", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionUserCreated, "user", u.ID, nil)
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"user": u, "personal_org": personalOrg})
}

type createOrgRequest struct {
	Slug       string `json:"slug" validate:"required"`
	Visibility string `json:"visibility" validate:"required,oneof=private public"`
}

func (h *Handler) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	principal := loomauth.FromContext(r.Context())
	if principal == nil || principal.Kind != loomauth.PrincipalUser {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	var req createOrgRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	o, err := h.service.CreateOrg(r.Context(), req.Slug, Visibility(req.Visibility), principal.UserID)
	if err != nil {
		if err == ErrInvalidSlug {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, err.Error()))
			return
		}
		h.logger.Error("creating org", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create org")
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionOrgCreated, "org", o.ID, nil)
	}
	httpserver.Respond(w, http.StatusCreated, o)
}

type setMemberRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Role   string    `json:"role" validate:"required,oneof=owner admin member"`
}

func (h *Handler) handleSetMember(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid org id"))
		return
	}
	var req setMemberRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.SetMemberRole(r.Context(), orgID, req.UserID, OrgRole(req.Role)); err != nil {
		writeOrgServiceError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionOrgMemberRoleChanged, "org", orgID, nil)
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid org id"))
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid user id"))
		return
	}
	if err := h.service.RemoveMember(r.Context(), orgID, userID); err != nil {
		writeOrgServiceError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionOrgMemberRemoved, "org", orgID, nil)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// requireTeamOrgAdmin resolves {teamID}'s owning org and gates the request
// on org-admin access, since a team grant is itself an org-scoped change
// with no URL-level org id to key a generic policy.RequireOrgAccess off of.
func (h *Handler) requireTeamOrgAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamID, err := uuid.Parse(chi.URLParam(r, "teamID"))
		if err != nil {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid team id"))
			return
		}
		orgID, err := h.service.TeamOrgID(r.Context(), teamID)
		if err != nil {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindNotFound, "team not found"))
			return
		}
		principal := loomauth.FromContext(r.Context())
		decision := h.engine.Decide(r.Context(), principal, policy.ActionAdmin, policy.Resource{
			Kind:       policy.ResourceOrg,
			ID:         orgID,
			OwnerOrgID: &orgID,
		})
		if !decision.Allowed {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, decision.Reason))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeOrgServiceError(w http.ResponseWriter, err error) {
	switch err {
	case ErrLastOwner, ErrInvalidSlug:
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, err.Error()))
	case ErrNotMember:
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindNotFound, err.Error()))
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}

type createTeamRequest struct {
	OrgID uuid.UUID `json:"org_id" validate:"required"`
	Slug  string    `json:"slug" validate:"required"`
}

func (h *Handler) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	t, err := h.service.CreateTeam(r.Context(), req.OrgID, req.Slug)
	if err != nil {
		writeOrgServiceError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, t)
}

type addTeamMemberRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Role   string     `json:"role" validate:"required,oneof=maintainer member"`
}

func (h *Handler) handleAddTeamMember(w http.ResponseWriter, r *http.Request) {
	teamID, err := uuid.Parse(chi.URLParam(r, "teamID"))
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid team id"))
		return
	}
	var req addTeamMemberRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.AddTeamMember(r.Context(), teamID, req.UserID, TeamRole(req.Role)); err != nil {
		h.logger.Error("adding team member", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to add team member")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Type   string    `json:"type" validate:"required,oneof=web cli"`
}

// handleLogin issues a session for an already-authenticated user id. Real
// deployments front this with an external identity provider (that
// integration is treated as an external collaborator this system does not
// own); this endpoint is the one surface the identity layer itself owns:
// minting and hashing the session token.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	typ := loomauth.SessionTypeWeb
	if req.Type == "cli" {
		typ = loomauth.SessionTypeCLI
	}
	plaintext, sess, err := h.sessions.IssueSession(r.Context(), req.UserID, typ, h.maxAge)
	if err != nil {
		h.logger.Error("issuing session", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionLogin, "session", sess.ID, nil)
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"token": plaintext, "expires_at": sess.ExpiresAt})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := loomauth.FromContext(r.Context())
	if principal == nil || principal.Kind != loomauth.PrincipalUser {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	if err := h.sessions.Revoke(r.Context(), principal.SessionID); err != nil {
		h.logger.Error("revoking session", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to log out")
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionLogout, "session", principal.SessionID, nil)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
