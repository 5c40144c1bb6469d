package secrets

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/audit"
	loomauth "github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/httpserver"
	"github.com/ohitslaurence/loom/internal/policy"
)

// Handler exposes admin secret CRUD and the weaver token-exchange/read
// paths over HTTP. Each admin route is individually gated by internal/policy at
// the router-mounting layer below (matching the Rust original's stated
// contract that this package's Service does not itself gate the admin
// operations); the weaver read route is the exception, since
// Service.GetSecretForWeaver enforces its own SVID-scope check.
type Handler struct {
	logger       *slog.Logger
	audit        *audit.Writer
	service      *Service
	weaverAuth   *WeaverAuthService
	engine       *policy.Engine
	repoResolver policy.RepoResolver
}

func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, service *Service, weaverAuth *WeaverAuthService, engine *policy.Engine, repoResolver policy.RepoResolver) *Handler {
	return &Handler{logger: logger, audit: auditWriter, service: service, weaverAuth: weaverAuth, engine: engine, repoResolver: repoResolver}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(policy.RequireBodyOrgAccess(h.engine, policy.ActionAdmin)).Post("/secrets", h.handleCreateSecret)
	r.With(policy.RequireSecretAccess(h.engine, policy.ActionAdmin, "secretID")).Get("/secrets/{secretID}", h.handleGetSecret)
	r.With(policy.RequireSecretAccess(h.engine, policy.ActionAdmin, "secretID")).Delete("/secrets/{secretID}", h.handleDeleteSecret)
	r.With(policy.RequireSecretAccess(h.engine, policy.ActionAdmin, "secretID")).Post("/secrets/{secretID}/rotate", h.handleRotateSecret)
	r.With(policy.RequireOrgAccess(h.engine, policy.ActionAdmin, "orgID")).Get("/orgs/{orgID}/secrets", h.handleListByOrg)
	r.With(policy.RequireRepoAccess(h.engine, h.repoResolver, policy.ActionAdmin, "repoID")).Get("/repos/{repoID}/secrets", h.handleListByRepo)
	return r
}

// WeaverRoutes exposes the internal, unauthenticated-by-cookie endpoints a
// weaver pod calls: token exchange (proves identity via its K8s SA token)
// and secret reads (proves identity via the SVID minted from that
// exchange, checked by the auth middleware ahead of this router).
func (h *Handler) WeaverRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/weaver-auth/token", h.handleWeaverAuthToken)
	r.Get("/weaver-secrets/v1/secrets/{scope}/{name}", h.handleGetSecretForWeaver)
	return r
}

func parseURLUUID(r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	return id, err == nil
}

type createSecretRequest struct {
	OrgID    string `json:"org_id" validate:"required,uuid"`
	Scope    string `json:"scope" validate:"required,oneof=org repo weaver"`
	RepoID   string `json:"repo_id" validate:"omitempty,uuid"`
	WeaverID string `json:"weaver_id" validate:"omitempty,uuid"`
	Name     string `json:"name" validate:"required"`
	Value    string `json:"value" validate:"required"`
}

func (h *Handler) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req createSecretRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid org id"))
		return
	}
	input := CreateSecretInput{OrgID: orgID, Scope: Scope(req.Scope), Name: req.Name, Value: []byte(req.Value)}
	if req.RepoID != "" {
		repoID, err := uuid.Parse(req.RepoID)
		if err != nil {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
			return
		}
		input.RepoID = &repoID
	}
	if req.WeaverID != "" {
		weaverID, err := uuid.Parse(req.WeaverID)
		if err != nil {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid weaver id"))
			return
		}
		input.WeaverID = &weaverID
	}

	secret, err := h.service.CreateSecret(r.Context(), input)
	if err != nil {
		writeSecretsError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionSecretCreated, "secret", secret.ID, map[string]any{"name": secret.Name, "scope": secret.Scope})
	}
	httpserver.Respond(w, http.StatusCreated, secret)
}

func (h *Handler) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	secretID, ok := parseURLUUID(r, "secretID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid secret id"))
		return
	}
	secret, err := h.service.GetSecret(r.Context(), secretID)
	if err != nil {
		writeSecretsError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionSecretRead, "secret", secretID, map[string]any{"name": secret.Name})
	}
	httpserver.Respond(w, http.StatusOK, secret)
}

func (h *Handler) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	secretID, ok := parseURLUUID(r, "secretID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid secret id"))
		return
	}
	if err := h.service.DeleteSecret(r.Context(), secretID); err != nil {
		writeSecretsError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionSecretDeleted, "secret", secretID, nil)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type rotateSecretRequest struct {
	Value string `json:"value" validate:"required"`
}

func (h *Handler) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	secretID, ok := parseURLUUID(r, "secretID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid secret id"))
		return
	}
	var req rotateSecretRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	version, err := h.service.RotateSecret(r.Context(), secretID, []byte(req.Value))
	if err != nil {
		writeSecretsError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionSecretRotated, "secret", secretID, map[string]any{"new_version": version})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"version": version})
}

func (h *Handler) handleListByOrg(w http.ResponseWriter, r *http.Request) {
	orgID, ok := parseURLUUID(r, "orgID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid org id"))
		return
	}
	secrets, err := h.service.ListSecretsByOrg(r.Context(), orgID)
	if err != nil {
		writeSecretsError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"secrets": secrets})
}

func (h *Handler) handleListByRepo(w http.ResponseWriter, r *http.Request) {
	repoID, ok := parseURLUUID(r, "repoID")
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid repo id"))
		return
	}
	secrets, err := h.service.ListSecretsByRepo(r.Context(), repoID)
	if err != nil {
		writeSecretsError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"secrets": secrets})
}

type weaverTokenRequest struct {
	PodName      string `json:"pod_name" validate:"required"`
	PodNamespace string `json:"pod_namespace" validate:"required"`
}

func (h *Handler) handleWeaverAuthToken(w http.ResponseWriter, r *http.Request) {
	var req weaverTokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "missing service account bearer token"))
		return
	}
	token, claims, err := h.weaverAuth.ExchangeToken(r.Context(), req.PodName, req.PodNamespace, bearer)
	if err != nil {
		writeSecretsError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": claims.ExpiresAt,
		"spiffe_id":  claims.SpiffeID,
	})
}

func (h *Handler) handleGetSecretForWeaver(w http.ResponseWriter, r *http.Request) {
	principal := loomauth.FromContext(r.Context())
	if principal == nil || principal.Kind != loomauth.PrincipalWeaver {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, "this endpoint requires a weaver svid"))
		return
	}
	scope := Scope(chi.URLParam(r, "scope"))
	name := chi.URLParam(r, "name")

	claims := loomauth.SVIDClaims{WeaverID: principal.WeaverID, OrgID: principal.WeaverOrgID, RepoID: principal.WeaverRepo}
	value, err := h.service.GetSecretForWeaver(r.Context(), claims, scope, name)
	if err != nil {
		writeSecretsError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionSecretRead, "secret", value.SecretID, map[string]any{"name": value.Name, "version": value.Version, "weaver_id": principal.WeaverID})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"name": value.Name, "scope": scope, "version": value.Version, "value": string(value.Plain)})
}

func writeSecretsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindNotFound, err.Error()))
	case errors.Is(err, ErrAlreadyExists):
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindConflict, err.Error()))
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrBindingExpired):
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, err.Error()))
	case errors.Is(err, ErrDisabled):
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindConflict, err.Error()))
	default:
		var nameErr *InvalidNameError
		if errors.As(err, &nameErr) {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, nameErr.Error()))
			return
		}
		var scopeErr *ScopeMismatchError
		if errors.As(err, &scopeErr) {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, scopeErr.Error()))
			return
		}
		var tooLarge *ValueTooLargeError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, tooLarge.Error()))
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}
