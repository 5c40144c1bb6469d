package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket auth close codes, application-defined in the 4000-4999
// private-use range.
const (
	WSCloseAuthTimeout   = 4001
	WSCloseAuthInvalid   = 4002
	WSCloseAuthExpired   = 4003
	WSCloseAuthRevoked   = 4004
	WSCloseUserInactive  = 4005
	WSCloseMalformedMsg  = 4006
)

// wsAuthDeadline is the hard deadline for the first auth message: a fixed
// 5 seconds (see DESIGN.md's open-question log for why this overrides the
// longer deadline used elsewhere in the corpus).
const wsAuthDeadline = 5 * time.Second

// wsState is the WebSocket connection's auth state machine: Pending ->
// Authenticated, or closed on timeout/malformed/invalid message.
type wsState int

const (
	wsPending wsState = iota
	wsAuthenticated
	wsClosed
)

// authMessage is the single client->server message expected within the
// auth deadline: {"type":"auth", "token":"..."} or {"type":"auth",
// "session_token":"..."}.
type authMessage struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	SessionToken string `json:"session_token"`
}

// AuthenticateWebSocket drives the Pending -> Authenticated transition on a
// freshly-upgraded connection: it waits up to 5 seconds for a single auth
// message, authenticates the embedded token via the same
// chain Middleware uses, and returns the resolved Principal or closes the
// socket with the appropriate code.
func AuthenticateWebSocket(ctx context.Context, conn *websocket.Conn, sessions *SessionStore, apiKeys *APIKeyStore, svids *SVIDIssuer, users UserLookup) (*Principal, error) {
	state := wsPending
	deadlineCtx, cancel := context.WithTimeout(ctx, wsAuthDeadline)
	defer cancel()

	type readResult struct {
		msg []byte
		err error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		resultCh <- readResult{msg: msg, err: err}
	}()

	select {
	case <-deadlineCtx.Done():
		state = wsClosed
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(WSCloseAuthTimeout, "authentication timeout"),
			time.Now().Add(time.Second))
		return nil, errWSTimeout

	case res := <-resultCh:
		if res.err != nil {
			state = wsClosed
			_ = conn.Close()
			return nil, res.err
		}

		var msg authMessage
		if err := json.Unmarshal(res.msg, &msg); err != nil || msg.Type != "auth" {
			state = wsClosed
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(WSCloseMalformedMsg, "malformed auth message"),
				time.Now().Add(time.Second))
			return nil, errWSMalformed
		}

		token := msg.Token
		if token == "" {
			token = msg.SessionToken
		}
		if token == "" {
			state = wsClosed
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(WSCloseAuthInvalid, "missing token"),
				time.Now().Add(time.Second))
			return nil, errWSInvalid
		}

		principal, err := authenticateToken(ctx, token, sessions, apiKeys, svids, users)
		if err != nil {
			code := WSCloseAuthInvalid
			switch {
			case errors.Is(err, ErrSessionExpired):
				code = WSCloseAuthExpired
			case errors.Is(err, ErrAPIKeyRevoked):
				code = WSCloseAuthRevoked
			case errors.Is(err, ErrAPIKeyNotFound), errors.Is(err, ErrSessionNotFound):
				code = WSCloseAuthInvalid
			case errors.Is(err, ErrUserInactive):
				code = WSCloseUserInactive
			}
			state = wsClosed
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
			return nil, err
		}

		state = wsAuthenticated
		_ = state
		return principal, nil
	}
}

var (
	errWSTimeout   = errors.New("websocket auth timeout")
	errWSMalformed = errors.New("websocket auth message malformed")
	errWSInvalid   = errors.New("websocket auth invalid")
)

// authenticateToken authenticates a bare token against the same precedence
// chain Middleware uses for HTTP requests (API key, then session, then
// SVID), without needing an *http.Request.
func authenticateToken(ctx context.Context, token string, sessions *SessionStore, apiKeys *APIKeyStore, svids *SVIDIssuer, users UserLookup) (*Principal, error) {
	switch {
	case HasAPIKeyPrefix(token):
		key, err := apiKeys.LookupActive(ctx, token)
		if err != nil {
			return nil, err
		}
		scopes := make(map[string]struct{}, len(key.Scopes))
		for _, s := range key.Scopes {
			scopes[s] = struct{}{}
		}
		return &Principal{Kind: PrincipalAPIKey, APIKeyID: key.ID, OrgID: key.OrgID, Scopes: scopes}, nil

	case HasSessionTokenPrefix(token):
		sess, err := sessions.LookupSession(ctx, token)
		if err != nil {
			return nil, err
		}
		identity, err := users.Lookup(ctx, sess.UserID)
		if err != nil {
			return nil, err
		}
		if !identity.Active {
			return nil, ErrUserInactive
		}
		return &Principal{Kind: PrincipalUser, UserID: identity.ID, IsSystemAdmin: identity.IsSystemAdmin, IsSupport: identity.IsSupport, IsAuditor: identity.IsAuditor, SessionID: sess.ID}, nil

	default:
		claims, err := svids.Verify(token)
		if err != nil {
			return nil, err
		}
		return &Principal{Kind: PrincipalWeaver, WeaverID: claims.WeaverID, WeaverOrgID: claims.OrgID, WeaverRepo: claims.RepoID}, nil
	}
}
