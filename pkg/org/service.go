package org

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/db"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,62}[a-z0-9])?$`)

// ErrInvalidSlug, ErrLastOwner, ErrNotMember surface the org invariants to
// callers.
var (
	ErrInvalidSlug = errors.New("slug must be lowercase alphanumeric with hyphens")
	ErrLastOwner   = errors.New("organization must retain at least one owner")
	ErrNotMember   = errors.New("user is not a member of this organization")
)

// Service enforces the User/Organization/Team invariants on top of Store.
type Service struct {
	store  *Store
	logger *slog.Logger
}

func NewService(dbtx db.DBTX, logger *slog.Logger) *Service {
	return &Service{store: NewStore(dbtx), logger: logger}
}

// Lookup implements auth.UserLookup for the authentication middleware.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (auth.UserIdentity, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return auth.UserIdentity{}, err
	}
	return auth.UserIdentity{
		ID:            u.ID,
		IsSystemAdmin: u.IsSystemAdmin,
		IsSupport:     u.IsSupport,
		IsAuditor:     u.IsAuditor,
		Active:        u.Active(),
	}, nil
}

// OrgRole implements policy.RoleLookup's org-membership half: it resolves a
// user's role within an org as internal/auth's wire-neutral OrgRole, the
// type the ABAC engine composes against.
func (s *Service) OrgRole(ctx context.Context, orgID, userID uuid.UUID) (auth.OrgRole, bool) {
	role, ok := s.store.GetOrgRole(ctx, orgID, userID)
	if !ok {
		return "", false
	}
	switch role {
	case OrgRoleOwner:
		return auth.OrgRoleOwner, true
	case OrgRoleAdmin:
		return auth.OrgRoleAdmin, true
	case OrgRoleMember:
		return auth.OrgRoleMember, true
	default:
		return "", false
	}
}

// CreateUser creates a user and, simultaneously, the personal org every
// user owns: a personal org has exactly one Owner, the user itself.
func (s *Service) CreateUser(ctx context.Context, displayName, email string, username *string) (User, Organization, error) {
	u := User{ID: uuid.New(), DisplayName: displayName, Email: email, Username: username, Locale: "en-US"}
	u, err := s.store.CreateUser(ctx, u)
	if err != nil {
		return User{}, Organization{}, fmt.Errorf("creating user: %w", err)
	}

	slug := u.ID.String()
	if username != nil && slugPattern.MatchString(*username) {
		slug = *username
	}
	personalOrg := Organization{ID: uuid.New(), Slug: slug, Visibility: VisibilityPrivate, IsPersonal: true}
	personalOrg, err = s.store.CreateOrg(ctx, personalOrg)
	if err != nil {
		return User{}, Organization{}, fmt.Errorf("creating personal org: %w", err)
	}
	if err := s.store.AddOrgMember(ctx, OrgMembership{OrgID: personalOrg.ID, UserID: u.ID, Role: OrgRoleOwner}); err != nil {
		return User{}, Organization{}, fmt.Errorf("granting personal org ownership: %w", err)
	}

	return u, personalOrg, nil
}

// CreateOrg creates a shared (non-personal) organization with creatorID as
// its initial Owner.
func (s *Service) CreateOrg(ctx context.Context, slug string, visibility Visibility, creatorID uuid.UUID) (Organization, error) {
	if !slugPattern.MatchString(slug) {
		return Organization{}, ErrInvalidSlug
	}
	o, err := s.store.CreateOrg(ctx, Organization{ID: uuid.New(), Slug: slug, Visibility: visibility, IsPersonal: false})
	if err != nil {
		return Organization{}, fmt.Errorf("creating org: %w", err)
	}
	if err := s.store.AddOrgMember(ctx, OrgMembership{OrgID: o.ID, UserID: creatorID, Role: OrgRoleOwner}); err != nil {
		return Organization{}, fmt.Errorf("granting initial ownership: %w", err)
	}
	return o, nil
}

// SetMemberRole changes a member's role, refusing any change that would
// leave the org with zero Owners.
func (s *Service) SetMemberRole(ctx context.Context, orgID, userID uuid.UUID, newRole OrgRole) error {
	current, ok := s.store.GetOrgRole(ctx, orgID, userID)
	if !ok {
		return ErrNotMember
	}
	if current == OrgRoleOwner && newRole != OrgRoleOwner {
		owners, err := s.store.CountOrgOwners(ctx, orgID)
		if err != nil {
			return fmt.Errorf("counting owners: %w", err)
		}
		if owners <= 1 {
			return ErrLastOwner
		}
	}
	return s.store.AddOrgMember(ctx, OrgMembership{OrgID: orgID, UserID: userID, Role: newRole})
}

// RemoveMember removes a membership edge, refusing to remove the last Owner.
func (s *Service) RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error {
	current, ok := s.store.GetOrgRole(ctx, orgID, userID)
	if !ok {
		return ErrNotMember
	}
	if current == OrgRoleOwner {
		owners, err := s.store.CountOrgOwners(ctx, orgID)
		if err != nil {
			return fmt.Errorf("counting owners: %w", err)
		}
		if owners <= 1 {
			return ErrLastOwner
		}
	}
	return s.store.RemoveOrgMember(ctx, orgID, userID)
}

// CreateTeam creates a team within an org.
func (s *Service) CreateTeam(ctx context.Context, orgID uuid.UUID, slug string) (Team, error) {
	if !slugPattern.MatchString(slug) {
		return Team{}, ErrInvalidSlug
	}
	return s.store.CreateTeam(ctx, Team{ID: uuid.New(), OrgID: orgID, Slug: slug})
}

// AddTeamMember adds a user to a team with the given role.
func (s *Service) AddTeamMember(ctx context.Context, teamID, userID uuid.UUID, role TeamRole) error {
	return s.store.AddTeamMember(ctx, TeamMembership{TeamID: teamID, UserID: userID, Role: role})
}

// TeamOrgID resolves a team's owning org, letting the HTTP layer gate
// team-membership routes on org-admin access without the caller needing
// its own lookup.
func (s *Service) TeamOrgID(ctx context.Context, teamID uuid.UUID) (uuid.UUID, error) {
	t, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return uuid.Nil, err
	}
	return t.OrgID, nil
}
