// Package policy implements the ABAC authorization engine: a pure
// Decide fold over independent access paths (system admin bypass, direct
// ownership, org role, team grants, API-key scope, weaver SVID scope),
// each individually unit-testable without a database.
package policy

import (
	"context"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
)

// Action names a requested operation. Most are one of the three coarse
// repo-access levels; API-key scopes are matched against the literal
// string regardless of level.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// requiredRole maps a requested Action to the RepoRole that satisfies it.
// Actions outside the three coarse levels (used for API-key scope checks
// only) require Admin so they never succeed through the role-composition
// paths, only through an explicit scope grant.
func requiredRole(a Action) auth.RepoRole {
	switch a {
	case ActionRead:
		return auth.RepoRoleRead
	case ActionWrite:
		return auth.RepoRoleWrite
	default:
		return auth.RepoRoleAdmin
	}
}

// ResourceKind discriminates the typed resources the engine can evaluate.
type ResourceKind string

const (
	ResourceRepo   ResourceKind = "repo"
	ResourceOrg    ResourceKind = "org"
	ResourceThread ResourceKind = "thread"
	ResourceSecret ResourceKind = "secret"
)

// Resource describes the object an action targets, carrying just enough
// ownership metadata for the engine to compose a decision without
// re-querying the store for facts the caller already has in hand.
type Resource struct {
	Kind ResourceKind
	ID   uuid.UUID

	// Repo/Thread: the org that owns the resource, when org-owned.
	OwnerOrgID *uuid.UUID
	// Repo/Thread: the user that owns the resource directly, when
	// user-owned (a personal-org repo or a thread, which is always
	// owned by its creator).
	OwnerUserID *uuid.UUID

	// Secret: the scope string the secret is bound to, checked against a
	// weaver's SVID claims or an API key's scope set.
	SecretScope string
}

// Decision is the engine's verdict plus the effective role it computed,
// useful for audit detail and for handlers that need to distinguish "no
// access at all" from "read-only".
type Decision struct {
	Allowed bool
	Role    auth.RepoRole
	Reason  string
}

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

func allow(role auth.RepoRole, reason string) Decision {
	return Decision{Allowed: true, Role: role, Reason: reason}
}

// TeamGrant is a team's resolved access level on a repo, returned only for
// teams the caller is a member of.
type TeamGrant struct {
	TeamID uuid.UUID
	Role   auth.RepoRole
}

// RoleLookup resolves the membership facts the org-role and team-grant
// paths need. pkg/org and pkg/scm supply the concrete implementation once
// wired; the engine itself has no store dependency.
type RoleLookup interface {
	OrgRole(ctx context.Context, orgID, userID uuid.UUID) (auth.OrgRole, bool)
	TeamGrantsForUser(ctx context.Context, repoID, userID uuid.UUID) ([]TeamGrant, error)
}

// destructiveActions are excluded from the system-admin bypass; an admin
// must still hold an explicit role to delete or destroy a resource.
var destructiveActions = map[Action]struct{}{
	"delete_repo": {},
	"delete_org":  {},
}

// Engine composes the six access paths into a single Decide entrypoint.
// Protection-rule and secret-scope evaluation are delegated to the owning
// component (C7, C8) rather than reimplemented here.
type Engine struct {
	roles      RoleLookup
	protection ProtectionDelegate
	secrets    SecretDelegate
}

// ProtectionDelegate lets pkg/scm plug its branch-protection evaluation
// into the engine without the engine importing pkg/scm.
type ProtectionDelegate interface {
	EvaluateProtection(ctx context.Context, repoID uuid.UUID, action string) (Decision, error)
}

// SecretDelegate lets pkg/secrets plug its scope-routing evaluation into
// the engine without the engine importing pkg/secrets.
type SecretDelegate interface {
	EvaluateSecretAccess(ctx context.Context, principal *auth.Principal, scope string) (Decision, error)
}

func NewEngine(roles RoleLookup) *Engine {
	return &Engine{roles: roles}
}

func (e *Engine) WithProtection(p ProtectionDelegate) *Engine {
	e.protection = p
	return e
}

func (e *Engine) WithSecrets(s SecretDelegate) *Engine {
	e.secrets = s
	return e
}

// Decide evaluates (principal, action, resource). Every call site is
// expected to emit its own AccessGranted/AccessDenied audit entry from the
// returned Decision; the engine itself does not touch the audit writer so
// it stays testable without one.
func (e *Engine) Decide(ctx context.Context, principal *auth.Principal, action Action, resource Resource) Decision {
	if principal == nil {
		return deny("unauthenticated")
	}

	if resource.Kind == ResourceSecret && e.secrets != nil {
		d, err := e.secrets.EvaluateSecretAccess(ctx, principal, resource.SecretScope)
		if err != nil {
			return deny("secret scope evaluation failed: " + err.Error())
		}
		return d
	}

	switch principal.Kind {
	case auth.PrincipalUser:
		return e.decideForUser(ctx, principal, action, resource)
	case auth.PrincipalAPIKey:
		return e.decideForAPIKey(principal, action)
	case auth.PrincipalWeaver:
		return e.decideForWeaver(principal, action, resource)
	default:
		return deny("unrecognized principal kind")
	}
}

func (e *Engine) decideForUser(ctx context.Context, p *auth.Principal, action Action, res Resource) Decision {
	need := requiredRole(action)

	// 1. System admin bypass: all non-destructive admin actions.
	if p.IsSystemAdmin {
		if _, destructive := destructiveActions[action]; !destructive {
			return allow(auth.RepoRoleAdmin, "system admin bypass")
		}
	}

	best := auth.RepoRoleNone

	// 2. Direct ownership: the resource's user-owner has Admin.
	if res.OwnerUserID != nil && *res.OwnerUserID == p.UserID {
		best = auth.MaxRepoRole(best, auth.RepoRoleAdmin)
	}

	// 3. Org role: on an org-owned resource, Owner|Admin -> Admin,
	// Member -> Read. An org Owner is also, by definition, a direct
	// owner of everything the org holds, so this subsumes path 2 for
	// org-owned resources.
	if res.OwnerOrgID != nil && e.roles != nil {
		if role, ok := e.roles.OrgRole(ctx, *res.OwnerOrgID, p.UserID); ok {
			best = auth.MaxRepoRole(best, auth.OrgRoleToRepoRole(role))
		}
	}

	// 4. Team grants: the maximum role across teams that grant access to
	// the resource and contain the user.
	if res.Kind == ResourceRepo && e.roles != nil {
		grants, err := e.roles.TeamGrantsForUser(ctx, res.ID, p.UserID)
		if err == nil {
			for _, g := range grants {
				best = auth.MaxRepoRole(best, g.Role)
			}
		}
	}

	if res.Kind == ResourceRepo && e.protection != nil && (action == ActionWrite || action == "delete_repo") {
		d, err := e.protection.EvaluateProtection(ctx, res.ID, string(action))
		if err == nil && !d.Allowed {
			return d
		}
	}

	if best >= need {
		return allow(best, "role composition")
	}
	return deny("insufficient role")
}

func (e *Engine) decideForAPIKey(p *auth.Principal, action Action) Decision {
	if p.HasScope(string(action)) {
		return allow(requiredRole(action), "api key scope")
	}
	return deny("api key lacks required scope")
}

// decideForWeaver restricts an agent-pod's SVID to the org and repo bound
// in its claims: it may read or write within that scope, never admin.
func (e *Engine) decideForWeaver(p *auth.Principal, action Action, res Resource) Decision {
	if res.OwnerOrgID == nil || *res.OwnerOrgID != p.WeaverOrgID {
		return deny("weaver svid org mismatch")
	}
	if res.Kind == ResourceRepo {
		if p.WeaverRepo == nil || *p.WeaverRepo != res.ID {
			return deny("weaver svid not bound to this repo")
		}
	}
	if action == ActionAdmin {
		return deny("weaver svid cannot hold admin")
	}
	return allow(auth.RepoRoleWrite, "weaver svid scope")
}
