package auth

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// buildCheckOrigin returns the WebSocket upgrader's origin check. Outside
// production every origin is allowed (local tooling and tests connect from
// whatever port they happen to bind); in production LOOM_WS_ALLOWED_ORIGINS
// must list the exact origins permitted to open a session socket.
func buildCheckOrigin(logger *slog.Logger) func(r *http.Request) bool {
	env := os.Getenv("LOOM_ENV")
	allowedRaw := os.Getenv("LOOM_WS_ALLOWED_ORIGINS")

	if env == "production" {
		allowed := make(map[string]struct{})
		for _, origin := range strings.Split(allowedRaw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowed[origin] = struct{}{}
			}
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			if !ok {
				logger.Warn("websocket upgrade rejected: origin not allowlisted", "origin", origin)
			}
			return ok
		}
	}
	return func(r *http.Request) bool { return true }
}

// WSHandler upgrades HTTP connections to WebSocket for
// GET /v1/ws/sessions/{session_id} and drives the Pending->Authenticated
// handshake before handing the authenticated connection to a session
// callback.
type WSHandler struct {
	sessions *SessionStore
	apiKeys  *APIKeyStore
	svids    *SVIDIssuer
	users    UserLookup
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// OnSession is invoked once the handshake succeeds, with the request's
	// session_id path parameter and the resolved Principal, and owns the
	// connection for the remainder of its lifetime.
	OnSession func(conn *websocket.Conn, sessionID string, principal *Principal)
}

func NewWSHandler(sessions *SessionStore, apiKeys *APIKeyStore, svids *SVIDIssuer, users UserLookup, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		apiKeys:  apiKeys,
		svids:    svids,
		users:    users,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(logger),
		},
	}
}

// ServeHTTP upgrades the connection, runs the auth handshake, and either
// closes it with the appropriate app-specific close code or, on success,
// dispatches to OnSession.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "session_id", sessionID)
		return
	}

	principal, err := AuthenticateWebSocket(r.Context(), conn, h.sessions, h.apiKeys, h.svids, h.users)
	if err != nil {
		h.logger.Info("websocket auth handshake failed", "error", err, "session_id", sessionID)
		return
	}

	if h.OnSession == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "no session handler configured"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	h.OnSession(conn, sessionID, principal)
}
