package thread

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/audit"
	loomauth "github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/httpserver"
)

// Handler exposes the thread HTTP API.
type Handler struct {
	logger  *slog.Logger
	audit   *audit.Writer
	service *Service
}

func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, service *Service) *Handler {
	return &Handler{logger: logger, audit: auditWriter, service: service}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/search", h.handleSearch)
	r.Get("/", h.handleList)
	r.Put("/{id}", h.handleUpsert)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/visibility", h.handleSetVisibility)
	return r
}

// callerFrom resolves the authenticated caller and the two bypass flags
// the service layer distinguishes: isAdmin grants full owner-bypass
// (system admins only), isSupport grants nothing on its own but lets
// Service.Get additionally surface a thread marked is_shared_with_support.
func callerFrom(r *http.Request) (callerID uuid.UUID, isAdmin, isSupport, ok bool) {
	p := loomauth.FromContext(r.Context())
	if p == nil || p.Kind != loomauth.PrincipalUser {
		return uuid.Nil, false, false, false
	}
	return p.UserID, p.IsSystemAdmin, p.IsSupport, true
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, _, ok := callerFrom(r)
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	id := chi.URLParam(r, "id")

	var t Thread
	if !httpserver.DecodeAndValidate(w, r, &t) {
		return
	}
	t.ID = id

	var ifMatch *int64
	if raw := r.Header.Get("If-Match"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "If-Match must be an integer"))
			return
		}
		ifMatch = &v
	}

	updated, err := h.service.Upsert(r.Context(), callerID, isAdmin, t, ifMatch)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionThreadCreated, "thread", uuid.Nil, nil)
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, isSupport, ok := callerFrom(r)
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	t, err := h.service.Get(r.Context(), callerID, isAdmin, isSupport, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, _, ok := callerFrom(r)
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), callerID, isAdmin, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionThreadDeleted, "thread", uuid.Nil, nil)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func parseLimitOffset(r *http.Request) (int, int) {
	limit, offset := 20, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	callerID, _, _, ok := callerFrom(r)
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	limit, offset := parseLimitOffset(r)
	result, err := h.service.List(r.Context(), callerID, r.URL.Query().Get("workspace"), limit, offset)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list threads")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	callerID, _, _, ok := callerFrom(r)
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	limit, offset := parseLimitOffset(r)
	result, err := h.service.Search(r.Context(), callerID, r.URL.Query().Get("q"), limit, offset)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to search threads")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	callerID, isAdmin, _, ok := callerFrom(r)
	if !ok {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "authentication required"))
		return
	}
	id := chi.URLParam(r, "id")

	var req VisibilityRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	raw := r.Header.Get("If-Match")
	ifMatch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "If-Match header is required and must be an integer"))
		return
	}

	updated, err := h.service.SetVisibility(r.Context(), callerID, isAdmin, id, ifMatch, req.Visibility)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, audit.ActionThreadVisibility, "thread", uuid.Nil, nil)
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	if conflict, ok := err.(*Conflict); ok {
		httpserver.WriteError(w, httpserver.NewConflict(conflict.Expected, conflict.Actual))
		return
	}
	if err == ErrNotFound {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindNotFound, "thread not found"))
		return
	}
	h.logger.Error("thread operation failed", "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "thread operation failed")
}
