package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	loomauth "github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/httpserver"
)

// Handler exposes read access to the audit trail for system admins and
// users holding the auditor role flag.
type Handler struct {
	pool *pgxpool.Pool
}

func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

type entryView struct {
	ID             uuid.UUID       `json:"id"`
	EventType      string          `json:"event_type"`
	ActorID        *uuid.UUID      `json:"actor_id,omitempty"`
	ImpersonatorID *uuid.UUID      `json:"impersonator_id,omitempty"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     uuid.UUID       `json:"resource_id"`
	Action         string          `json:"action"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	principal := loomauth.FromContext(r.Context())
	if principal == nil || principal.Kind != loomauth.PrincipalUser || !(principal.IsSystemAdmin || principal.IsAuditor) {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindForbidden, "audit access requires system admin or auditor role"))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := h.pool.Query(ctx, `
		SELECT id, event_type, actor_id, impersonator_id, resource_type, resource_id, action, detail, created_at
		FROM audit_entries ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit entries")
		return
	}
	defer rows.Close()

	var items []entryView
	for rows.Next() {
		var e entryView
		if err := rows.Scan(&e.ID, &e.EventType, &e.ActorID, &e.ImpersonatorID, &e.ResourceType, &e.ResourceID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to scan audit entry")
			return
		}
		items = append(items, e)
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"entries": items})
}
