// Package org implements the User, Organization, and Team entities: user
// lifecycle, organization membership with the always-one-Owner invariant,
// personal orgs, and team membership as access-grant aggregates consumed by
// internal/policy.
package org

import (
	"time"

	"github.com/google/uuid"
)

// User is a principal's durable identity. Soft-deletable; never hard-deleted.
type User struct {
	ID          uuid.UUID  `json:"id"`
	DisplayName string     `json:"display_name"`
	Username    *string    `json:"username,omitempty"`
	Email       string     `json:"email"`

	IsSystemAdmin bool `json:"is_system_admin"`
	IsSupport     bool `json:"is_support"`
	IsAuditor     bool `json:"is_auditor"`

	Locale    string     `json:"locale"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the user may authenticate; soft-deleted users are
// rejected with the "user inactive" outcome (WebSocket close code 4005).
func (u User) Active() bool { return u.DeletedAt == nil }

// Visibility is an organization's discoverability.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Organization groups users and owns repos/secrets. Invariants: at least
// one Owner always exists; a personal org has exactly one Owner, the user
// it was created for.
type Organization struct {
	ID         uuid.UUID  `json:"id"`
	Slug       string     `json:"slug"`
	Visibility Visibility `json:"visibility"`
	IsPersonal bool       `json:"is_personal"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OrgRole mirrors internal/auth.OrgRole as a string for JSON wire use.
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
)

// OrgMembership is a (user, org, role) edge.
type OrgMembership struct {
	OrgID  uuid.UUID `json:"org_id"`
	UserID uuid.UUID `json:"user_id"`
	Role   OrgRole   `json:"role"`
}

// Team is an access-grant aggregate within an org.
type Team struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// TeamRole is a member's role within a team.
type TeamRole string

const (
	TeamRoleMaintainer TeamRole = "maintainer"
	TeamRoleMember     TeamRole = "member"
)

// TeamMembership is a (user, team, role) edge.
type TeamMembership struct {
	TeamID uuid.UUID `json:"team_id"`
	UserID uuid.UUID `json:"user_id"`
	Role   TeamRole  `json:"role"`
}
