package org

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

var ErrNotFound = errors.New("not found")

// Store provides database operations for users, organizations, teams, and
// their membership edges.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const userColumns = `id, display_name, username, email, is_system_admin, is_support, is_auditor, locale, created_at, updated_at, deleted_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Username, &u.Email, &u.IsSystemAdmin, &u.IsSupport, &u.IsAuditor, &u.Locale, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO users (id, display_name, username, email, is_system_admin, is_support, is_auditor, locale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+userColumns,
		u.ID, u.DisplayName, u.Username, u.Email, u.IsSystemAdmin, u.IsSupport, u.IsAuditor, u.Locale,
	)
	return scanUser(row)
}

func (s *Store) SoftDeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE users SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft deleting user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Organizations ---

const orgColumns = `id, slug, visibility, is_personal, created_at`

func scanOrg(row pgx.Row) (Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Slug, &o.Visibility, &o.IsPersonal, &o.CreatedAt)
	return o, err
}

func (s *Store) GetOrg(ctx context.Context, id uuid.UUID) (Organization, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	o, err := scanOrg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	return o, err
}

func (s *Store) CreateOrg(ctx context.Context, o Organization) (Organization, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO organizations (id, slug, visibility, is_personal)
		VALUES ($1, $2, $3, $4)
		RETURNING `+orgColumns,
		o.ID, o.Slug, o.Visibility, o.IsPersonal,
	)
	return scanOrg(row)
}

// AddOrgMember inserts or updates a membership edge.
func (s *Store) AddOrgMember(ctx context.Context, m OrgMembership) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO org_memberships (org_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.OrgID, m.UserID, m.Role,
	)
	return err
}

// RemoveOrgMember deletes a membership edge.
func (s *Store) RemoveOrgMember(ctx context.Context, orgID, userID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM org_memberships WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	return err
}

// GetOrgRole returns the caller's role on an org, or ("" , false) if not a member.
func (s *Store) GetOrgRole(ctx context.Context, orgID, userID uuid.UUID) (OrgRole, bool) {
	var role OrgRole
	row := s.dbtx.QueryRow(ctx, `SELECT role FROM org_memberships WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	if err := row.Scan(&role); err != nil {
		return "", false
	}
	return role, true
}

// CountOrgOwners returns the number of Owner-role members of an org, used
// to enforce the always-one-Owner invariant before a demotion or removal.
func (s *Store) CountOrgOwners(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM org_memberships WHERE org_id = $1 AND role = $2`, orgID, OrgRoleOwner).Scan(&n)
	return n, err
}

// ListOrgMembers returns every membership edge for an org.
func (s *Store) ListOrgMembers(ctx context.Context, orgID uuid.UUID) ([]OrgMembership, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT org_id, user_id, role FROM org_memberships WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing org members: %w", err)
	}
	defer rows.Close()
	var out []OrgMembership
	for rows.Next() {
		var m OrgMembership
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Teams ---

func (s *Store) CreateTeam(ctx context.Context, t Team) (Team, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO teams (id, org_id, slug) VALUES ($1, $2, $3)
		RETURNING id, org_id, slug, created_at`,
		t.ID, t.OrgID, t.Slug,
	)
	err := row.Scan(&t.ID, &t.OrgID, &t.Slug, &t.CreatedAt)
	return t, err
}

func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (Team, error) {
	var t Team
	row := s.dbtx.QueryRow(ctx, `SELECT id, org_id, slug, created_at FROM teams WHERE id = $1`, id)
	err := row.Scan(&t.ID, &t.OrgID, &t.Slug, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Team{}, ErrNotFound
	}
	return t, err
}

func (s *Store) AddTeamMember(ctx context.Context, m TeamMembership) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO team_memberships (team_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.TeamID, m.UserID, m.Role,
	)
	return err
}

func (s *Store) RemoveTeamMember(ctx context.Context, teamID, userID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM team_memberships WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	return err
}

// UserTeams returns every team within orgID that userID belongs to.
func (s *Store) UserTeams(ctx context.Context, orgID, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT tm.team_id FROM team_memberships tm
		JOIN teams t ON t.id = tm.team_id
		WHERE t.org_id = $1 AND tm.user_id = $2`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing user teams: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
