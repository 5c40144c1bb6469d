package scm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/db"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store provides database operations for repos and team access grants.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const repoColumns = `id, owner_type, owner_id, name, visibility, default_branch, deleted_at, created_at, updated_at`

func scanRepo(row pgx.Row) (Repository, error) {
	var r Repository
	err := row.Scan(&r.ID, &r.OwnerType, &r.OwnerID, &r.Name, &r.Visibility, &r.DefaultBranch, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) CreateRepo(ctx context.Context, r Repository) (Repository, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO repos (id, owner_type, owner_id, name, visibility, default_branch)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+repoColumns,
		r.ID, r.OwnerType, r.OwnerID, r.Name, r.Visibility, r.DefaultBranch,
	)
	repo, err := scanRepo(row)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return Repository{}, ErrAlreadyExists
	}
	return repo, err
}

func (s *Store) GetRepo(ctx context.Context, id uuid.UUID) (Repository, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+repoColumns+` FROM repos WHERE id = $1 AND deleted_at IS NULL`, id)
	r, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	return r, err
}

func (s *Store) GetRepoByOwnerAndName(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID, name string) (Repository, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+repoColumns+` FROM repos WHERE owner_type = $1 AND owner_id = $2 AND name = $3 AND deleted_at IS NULL`, ownerType, ownerID, name)
	r, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListReposByOwner(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID) ([]Repository, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+repoColumns+` FROM repos WHERE owner_type = $1 AND owner_id = $2 AND deleted_at IS NULL ORDER BY created_at`, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// ListAll enumerates every non-deleted repo, for the worker's global
// maintenance sweep: unlike ListReposByOwner it isn't scoped to one owner,
// since the sweep walks the whole fleet on a timer rather than reacting to
// a caller's request.
func (s *Store) ListAll(ctx context.Context) ([]Repository, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+repoColumns+` FROM repos WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *Store) UpdateRepo(ctx context.Context, id uuid.UUID, visibility Visibility, defaultBranch string) (Repository, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE repos SET visibility = $2, default_branch = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+repoColumns,
		id, visibility, defaultBranch,
	)
	r, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	return r, err
}

func (s *Store) SoftDeleteRepo(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE repos SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft deleting repo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) HardDeleteRepo(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM repos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard deleting repo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Team access grants ---

func (s *Store) GrantTeamAccess(ctx context.Context, repoID, teamID uuid.UUID, role auth.RepoRole) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO repo_team_access (repo_id, team_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (repo_id, team_id) DO UPDATE SET role = EXCLUDED.role`,
		repoID, teamID, role.String(),
	)
	return err
}

func (s *Store) RevokeTeamAccess(ctx context.Context, repoID, teamID uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM repo_team_access WHERE repo_id = $1 AND team_id = $2`, repoID, teamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListRepoTeamAccess(ctx context.Context, repoID uuid.UUID) ([]RepoTeamAccess, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT repo_id, team_id, role FROM repo_team_access WHERE repo_id = $1`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []RepoTeamAccess
	for rows.Next() {
		var g RepoTeamAccess
		var roleStr string
		if err := rows.Scan(&g.RepoID, &g.TeamID, &roleStr); err != nil {
			return nil, err
		}
		g.Role = auth.ParseRepoRole(roleStr)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// TeamGrantsForUser returns the repo-role grants held by every team repoID
// has granted access to that userID is a member of, implementing the
// team-grant half of policy.RoleLookup.
func (s *Store) TeamGrantsForUser(ctx context.Context, repoID, userID uuid.UUID) ([]RepoTeamAccess, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT rta.repo_id, rta.team_id, rta.role
		FROM repo_team_access rta
		JOIN team_memberships tm ON tm.team_id = rta.team_id
		WHERE rta.repo_id = $1 AND tm.user_id = $2`,
		repoID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []RepoTeamAccess
	for rows.Next() {
		var g RepoTeamAccess
		var roleStr string
		if err := rows.Scan(&g.RepoID, &g.TeamID, &roleStr); err != nil {
			return nil, err
		}
		g.Role = auth.ParseRepoRole(roleStr)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
