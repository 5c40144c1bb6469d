// Package auth implements the multi-mechanism authentication layer: session
// cookies, bearer API keys, and SVID JWTs for agent-pod traffic, plus the
// WebSocket auth handshake and role helpers that the ABAC policy engine
// (internal/policy) composes into authorization decisions.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// PrincipalKind discriminates the three shapes of authenticated caller. It
// is a closed set, so Principal is a tagged union rather than an interface
// with dynamic dispatch.
type PrincipalKind int

const (
	PrincipalUser PrincipalKind = iota
	PrincipalAPIKey
	PrincipalWeaver
)

// Principal is the authenticated caller attached to every request context
// after the auth middleware runs. Exactly one of the per-kind fields is
// populated, selected by Kind.
type Principal struct {
	Kind PrincipalKind

	// PrincipalUser
	UserID        uuid.UUID
	IsSystemAdmin bool
	IsSupport     bool
	IsAuditor     bool
	SessionID     uuid.UUID

	// PrincipalAPIKey
	APIKeyID uuid.UUID
	OrgID    uuid.UUID
	Scopes   map[string]struct{}

	// PrincipalWeaver
	WeaverID    uuid.UUID
	WeaverOrgID uuid.UUID
	WeaverRepo  *uuid.UUID

	// Impersonation, set when an active ImpersonationSession covers this
	// request. ImpersonatorID is always the real authenticated user; UserID above
	// becomes the impersonation target so downstream handlers
	// operate as that user while audit entries retain both identities.
	ImpersonatorID *uuid.UUID
}

// HasScope reports whether an API-key principal's scope set includes the
// requested action string. Non-API-key principals
// always report false; callers should check Kind first, or rely on the
// policy engine which already does.
func (p *Principal) HasScope(action string) bool {
	if p == nil || p.Kind != PrincipalAPIKey {
		return false
	}
	_, ok := p.Scopes[action]
	return ok
}

type principalCtxKey struct{}

// WithPrincipal returns a child context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// FromContext returns the Principal attached by the auth middleware, or nil
// if the request was not authenticated (which should not happen downstream
// of RequireAuth).
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*Principal)
	return p
}
