package secrets

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/policy"
)

// AccessDelegate plugs secret-scope evaluation into policy.Engine as a
// policy.SecretDelegate. The engine routes every ResourceSecret decision
// here rather than through its own role-composition paths, since a
// secret's access rule (org role for users, API-key scope for keys, exact
// SVID binding for weavers) is evaluated identically regardless of
// principal kind, unlike a repo or thread.
//
// policy.Resource.SecretScope carries the target secret's ID (a stringified
// uuid.UUID), not a scope name: the engine only ever receives the resource
// a handler already loaded, and the secret's own Scope field is what
// determines which binding must match.
type AccessDelegate struct {
	store *Store
	roles policy.RoleLookup
}

func NewAccessDelegate(store *Store, roles policy.RoleLookup) *AccessDelegate {
	return &AccessDelegate{store: store, roles: roles}
}

func (d *AccessDelegate) EvaluateSecretAccess(ctx context.Context, principal *auth.Principal, secretIDStr string) (policy.Decision, error) {
	secretID, err := uuid.Parse(secretIDStr)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("parsing secret resource id: %w", err)
	}
	secret, err := d.store.GetSecret(ctx, secretID)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("loading secret for access check: %w", err)
	}

	switch principal.Kind {
	case auth.PrincipalWeaver:
		return d.evaluateForWeaver(principal, secret), nil
	case auth.PrincipalAPIKey:
		return d.evaluateForAPIKey(principal, secret), nil
	case auth.PrincipalUser:
		return d.evaluateForUser(ctx, principal, secret), nil
	default:
		return policy.Decision{Allowed: false, Reason: "unrecognized principal kind"}, nil
	}
}

func (d *AccessDelegate) evaluateForWeaver(p *auth.Principal, secret Secret) policy.Decision {
	if secret.OrgID != p.WeaverOrgID {
		return policy.Decision{Allowed: false, Reason: "weaver svid org mismatch"}
	}
	switch secret.Scope {
	case ScopeOrg:
		return policy.Decision{Allowed: true, Role: auth.RepoRoleRead, Reason: "org-scoped secret within weaver's org"}
	case ScopeRepo, ScopeWeaver:
		if secret.RepoID == nil || p.WeaverRepo == nil || *secret.RepoID != *p.WeaverRepo {
			return policy.Decision{Allowed: false, Reason: "weaver svid not bound to this secret's repo"}
		}
		if secret.Scope == ScopeWeaver && (secret.WeaverID == nil || *secret.WeaverID != p.WeaverID) {
			return policy.Decision{Allowed: false, Reason: "weaver svid not bound to this secret's weaver"}
		}
		return policy.Decision{Allowed: true, Role: auth.RepoRoleRead, Reason: "weaver svid scope match"}
	default:
		return policy.Decision{Allowed: false, Reason: "unknown secret scope"}
	}
}

func (d *AccessDelegate) evaluateForAPIKey(p *auth.Principal, secret Secret) policy.Decision {
	if secret.OrgID != p.OrgID {
		return policy.Decision{Allowed: false, Reason: "api key org mismatch"}
	}
	if !p.HasScope("secrets:read") && !p.HasScope("admin") {
		return policy.Decision{Allowed: false, Reason: "api key lacks secrets:read scope"}
	}
	return policy.Decision{Allowed: true, Role: auth.RepoRoleRead, Reason: "api key scope"}
}

func (d *AccessDelegate) evaluateForUser(ctx context.Context, p *auth.Principal, secret Secret) policy.Decision {
	if p.IsSystemAdmin {
		return policy.Decision{Allowed: true, Role: auth.RepoRoleAdmin, Reason: "system admin bypass"}
	}
	if d.roles == nil {
		return policy.Decision{Allowed: false, Reason: "no role lookup configured"}
	}
	role, ok := d.roles.OrgRole(ctx, secret.OrgID, p.UserID)
	if !ok {
		return policy.Decision{Allowed: false, Reason: "user has no role in this secret's org"}
	}
	if auth.OrgRoleToRepoRole(role) < auth.RepoRoleAdmin {
		return policy.Decision{Allowed: false, Reason: "secret access requires org admin or owner"}
	}
	return policy.Decision{Allowed: true, Role: auth.RepoRoleAdmin, Reason: "org admin"}
}
