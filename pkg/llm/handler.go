package llm

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ohitslaurence/loom/internal/httpserver"
)

// Handler exposes the provider-neutral request schema over Loom's own
// proxy-stream SSE dialect, so a weaver pod talks to Loom the same way it
// would talk directly to an upstream model provider, without holding
// upstream credentials itself.
type Handler struct {
	adapter Adapter
	logger  *slog.Logger
}

func NewHandler(adapter Adapter, logger *slog.Logger) *Handler {
	return &Handler{adapter: adapter, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stream", h.handleStream)
	return r
}

// handleStream decodes a provider-neutral Request, invokes the configured
// upstream Adapter, and re-encodes every Event the adapter produces as a
// Loom proxy frame until the adapter reports a terminal event or the
// request context is canceled.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "invalid request body"))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		httpserver.WriteError(w, httpserver.NewError(httpserver.KindValidation, "model and messages are required"))
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

	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- h.adapter.Stream(r.Context(), req, events)
		close(events)
	}()

	for event := range events {
		if err := WriteProxyFrame(w, event); err != nil {
			h.logger.Warn("writing llm proxy frame", "error", err)
			return
		}
		flusher.Flush()
	}

	if err := <-done; err != nil {
		h.logger.Warn("llm adapter stream ended with error", "error", err)
	}
}
