package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
)

type fakeLookup struct {
	orgRoles map[uuid.UUID]auth.OrgRole
	grants   map[uuid.UUID][]TeamGrant
}

func (f *fakeLookup) OrgRole(_ context.Context, orgID, _ uuid.UUID) (auth.OrgRole, bool) {
	r, ok := f.orgRoles[orgID]
	return r, ok
}

func (f *fakeLookup) TeamGrantsForUser(_ context.Context, repoID, _ uuid.UUID) ([]TeamGrant, error) {
	return f.grants[repoID], nil
}

func TestEngine_Decide(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	otherOrgID := uuid.New()
	repoID := uuid.New()

	lookup := &fakeLookup{
		orgRoles: map[uuid.UUID]auth.OrgRole{
			orgID: auth.OrgRoleMember,
		},
		grants: map[uuid.UUID][]TeamGrant{
			repoID: {{TeamID: uuid.New(), Role: auth.RepoRoleWrite}},
		},
	}
	engine := NewEngine(lookup)

	cases := []struct {
		name      string
		principal *auth.Principal
		action    Action
		resource  Resource
		wantAllow bool
	}{
		{
			name:      "nil principal denied",
			principal: nil,
			action:    ActionRead,
			resource:  Resource{Kind: ResourceRepo},
			wantAllow: false,
		},
		{
			name:      "system admin bypass allows admin action",
			principal: &auth.Principal{Kind: auth.PrincipalUser, IsSystemAdmin: true},
			action:    ActionAdmin,
			resource:  Resource{Kind: ResourceRepo},
			wantAllow: true,
		},
		{
			name:      "system admin bypass does not cover destructive actions",
			principal: &auth.Principal{Kind: auth.PrincipalUser, IsSystemAdmin: true},
			action:    "delete_repo",
			resource:  Resource{Kind: ResourceRepo, OwnerUserID: func() *uuid.UUID { id := uuid.New(); return &id }()},
			wantAllow: false,
		},
		{
			name:      "direct ownership grants admin",
			principal: &auth.Principal{Kind: auth.PrincipalUser, UserID: userID},
			action:    ActionAdmin,
			resource:  Resource{Kind: ResourceRepo, OwnerUserID: &userID},
			wantAllow: true,
		},
		{
			name:      "org member gets read but not write",
			principal: &auth.Principal{Kind: auth.PrincipalUser, UserID: userID},
			action:    ActionWrite,
			resource:  Resource{Kind: ResourceRepo, OwnerOrgID: &orgID},
			wantAllow: false,
		},
		{
			name:      "team grant raises role to write",
			principal: &auth.Principal{Kind: auth.PrincipalUser, UserID: userID},
			action:    ActionWrite,
			resource:  Resource{Kind: ResourceRepo, ID: repoID, OwnerOrgID: &orgID},
			wantAllow: true,
		},
		{
			name:      "unrelated org membership does not leak access",
			principal: &auth.Principal{Kind: auth.PrincipalUser, UserID: userID},
			action:    ActionRead,
			resource:  Resource{Kind: ResourceRepo, OwnerOrgID: &otherOrgID},
			wantAllow: false,
		},
		{
			name:      "api key with matching scope allowed",
			principal: &auth.Principal{Kind: auth.PrincipalAPIKey, Scopes: map[string]struct{}{"write": {}}},
			action:    ActionWrite,
			resource:  Resource{Kind: ResourceRepo},
			wantAllow: true,
		},
		{
			name:      "api key without scope denied",
			principal: &auth.Principal{Kind: auth.PrincipalAPIKey, Scopes: map[string]struct{}{"read": {}}},
			action:    ActionWrite,
			resource:  Resource{Kind: ResourceRepo},
			wantAllow: false,
		},
		{
			name:      "weaver bound to repo may write",
			principal: &auth.Principal{Kind: auth.PrincipalWeaver, WeaverOrgID: orgID, WeaverRepo: &repoID},
			action:    ActionWrite,
			resource:  Resource{Kind: ResourceRepo, ID: repoID, OwnerOrgID: &orgID},
			wantAllow: true,
		},
		{
			name:      "weaver outside bound repo denied",
			principal: &auth.Principal{Kind: auth.PrincipalWeaver, WeaverOrgID: orgID, WeaverRepo: &repoID},
			action:    ActionWrite,
			resource:  Resource{Kind: ResourceRepo, ID: uuid.New(), OwnerOrgID: &orgID},
			wantAllow: false,
		},
		{
			name:      "weaver can never hold admin",
			principal: &auth.Principal{Kind: auth.PrincipalWeaver, WeaverOrgID: orgID, WeaverRepo: &repoID},
			action:    ActionAdmin,
			resource:  Resource{Kind: ResourceRepo, ID: repoID, OwnerOrgID: &orgID},
			wantAllow: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.Decide(context.Background(), tc.principal, tc.action, tc.resource)
			if got.Allowed != tc.wantAllow {
				t.Errorf("Decide() allowed = %v, want %v (reason: %s)", got.Allowed, tc.wantAllow, got.Reason)
			}
		})
	}
}
