package events

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	loomauth "github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/httpserver"
)

const heartbeatInterval = 30 * time.Second

// Handler exposes the /stream/flags and /stream/crons SSE endpoints, each
// backed by its own Broadcaster.
type Handler struct {
	flags *Broadcaster
	crons *Broadcaster
}

func NewHandler(flags, crons *Broadcaster) *Handler {
	return &Handler{flags: flags, crons: crons}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/flags", h.stream(h.flags))
	r.Get("/crons", h.stream(h.crons))
	return r
}

// orgFromRequest resolves the org an SSE subscriber streams events for.
// Only API-key and weaver-SVID principals are org-scoped; user sessions
// have no single implicit org and must not reach this endpoint.
func orgFromRequest(r *http.Request) (uuid.UUID, bool) {
	p := loomauth.FromContext(r.Context())
	if p == nil {
		return uuid.Nil, false
	}
	switch p.Kind {
	case loomauth.PrincipalAPIKey:
		return p.OrgID, true
	case loomauth.PrincipalWeaver:
		return p.WeaverOrgID, true
	default:
		return uuid.Nil, false
	}
}

func (h *Handler) stream(b *Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgFromRequest(r)
		if !ok {
			httpserver.WriteError(w, httpserver.NewError(httpserver.KindUnauthenticated, "a scoped sdk key or svid is required"))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sub := b.Subscribe(orgID)
		defer sub.Unsubscribe()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		// An Init event always precedes any mutation event on a fresh
		// connection.
		if err := WriteSSE(w, Event{Type: EventInit, Timestamp: time.Now().UTC()}); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := WriteSSE(w, Event{Type: EventHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
					return
				}
				flusher.Flush()
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := WriteSSE(w, event); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
