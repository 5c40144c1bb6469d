package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserIdentity is the subset of a User row the middleware needs to build a
// Principal: role flags and lifecycle state. Implemented by pkg/org so
// internal/auth never imports the org package (it would cycle back: org's
// HTTP handlers import internal/auth for the middleware).
type UserIdentity struct {
	ID            uuid.UUID
	IsSystemAdmin bool
	IsSupport     bool
	IsAuditor     bool
	Active        bool
}

// UserLookup resolves a user id to its identity flags.
type UserLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (UserIdentity, error)
}

// ImpersonationLookup resolves the active impersonation session (if any)
// for a given admin user id.
type ImpersonationLookup interface {
	ActiveImpersonation(ctx context.Context, adminUserID uuid.UUID) (targetUserID uuid.UUID, ok bool)
}

// Middleware is the multi-mechanism authentication chain: the first
// successful match among API-key bearer, session bearer/cookie, and
// SVID bearer wins. It does not itself enforce that authentication
// succeeded; a route that needs a caller checks for the Principal itself
// or is wrapped in RequireAuth.
func Middleware(sessions *SessionStore, apiKeys *APIKeyStore, svids *SVIDIssuer, users UserLookup, impersonations ImpersonationLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticate(r, sessions, apiKeys, svids, users, impersonations)
			if err != nil {
				logger.Debug("authentication failed", "error", err)
				// Do not reject here: routes that need a caller check for a
				// Principal themselves (the SSE streams, for instance,
				// require an org-scoped one).
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after, true
	}
	if c, err := r.Cookie("loom_session"); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

func authenticate(r *http.Request, sessions *SessionStore, apiKeys *APIKeyStore, svids *SVIDIssuer, users UserLookup, impersonations ImpersonationLookup) (*Principal, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, ErrSessionNotFound
	}

	switch {
	case HasAPIKeyPrefix(token):
		key, err := apiKeys.LookupActive(r.Context(), token)
		if err != nil {
			return nil, err
		}
		scopes := make(map[string]struct{}, len(key.Scopes))
		for _, s := range key.Scopes {
			scopes[s] = struct{}{}
		}
		return &Principal{Kind: PrincipalAPIKey, APIKeyID: key.ID, OrgID: key.OrgID, Scopes: scopes}, nil

	case HasSessionTokenPrefix(token):
		sess, err := sessions.LookupSession(r.Context(), token)
		if err != nil {
			return nil, err
		}
		identity, err := users.Lookup(r.Context(), sess.UserID)
		if err != nil {
			return nil, err
		}
		if !identity.Active {
			return nil, ErrUserInactive
		}
		p := &Principal{
			Kind:          PrincipalUser,
			UserID:        identity.ID,
			IsSystemAdmin: identity.IsSystemAdmin,
			IsSupport:     identity.IsSupport,
			IsAuditor:     identity.IsAuditor,
			SessionID:     sess.ID,
		}
		if identity.IsSystemAdmin && impersonations != nil {
			if target, active := impersonations.ActiveImpersonation(r.Context(), identity.ID); active {
				actor := identity.ID
				p.UserID = target
				p.ImpersonatorID = &actor
			}
		}
		return p, nil

	default:
		claims, err := svids.Verify(token)
		if err != nil {
			return nil, err
		}
		if time.Now().UTC().After(claims.ExpiresAt) {
			return nil, ErrSessionExpired
		}
		return &Principal{Kind: PrincipalWeaver, WeaverID: claims.WeaverID, WeaverOrgID: claims.OrgID, WeaverRepo: claims.RepoID}, nil
	}
}

// ErrUserInactive is returned when a session resolves to a deactivated
// user (mirrors the WebSocket close-code 4005 case for HTTP).
var ErrUserInactive = errors.New("user is inactive")

// RequireAuth rejects any request that did not resolve a Principal.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated", "message": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
