package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store provides database operations for secrets, their versions, and the
// DEK wrappers each version's ciphertext is keyed under.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const secretColumns = `id, org_id, repo_id, weaver_id, scope, name, created_at, updated_at`

func scanSecret(row pgx.Row) (Secret, error) {
	var s Secret
	err := row.Scan(&s.ID, &s.OrgID, &s.RepoID, &s.WeaverID, &s.Scope, &s.Name, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (s *Store) CreateSecret(ctx context.Context, secret Secret) (Secret, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO secrets (id, org_id, repo_id, weaver_id, scope, name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+secretColumns,
		secret.ID, secret.OrgID, secret.RepoID, secret.WeaverID, secret.Scope, secret.Name,
	)
	created, err := scanSecret(row)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return Secret{}, ErrAlreadyExists
	}
	return created, err
}

func (s *Store) GetSecret(ctx context.Context, id uuid.UUID) (Secret, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id)
	secret, err := scanSecret(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Secret{}, ErrNotFound
	}
	return secret, err
}

// GetSecretByScope looks a secret up by its scope-discriminated binding and
// name, the shape both the admin API and the weaver read path resolve
// against: org_id always matches, repo_id/weaver_id match only when the
// scope populates them (NULL = NULL comparisons never match in SQL, so this
// relies on IS NOT DISTINCT FROM rather than plain equality).
func (s *Store) GetSecretByScope(ctx context.Context, orgID uuid.UUID, repoID, weaverID *uuid.UUID, name string) (Secret, error) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT `+secretColumns+` FROM secrets
		WHERE org_id = $1 AND repo_id IS NOT DISTINCT FROM $2 AND weaver_id IS NOT DISTINCT FROM $3 AND name = $4`,
		orgID, repoID, weaverID, name,
	)
	secret, err := scanSecret(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Secret{}, ErrNotFound
	}
	return secret, err
}

func (s *Store) ListSecretsByOrg(ctx context.Context, orgID uuid.UUID) ([]Secret, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+secretColumns+` FROM secrets WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Secret
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}
	return out, rows.Err()
}

func (s *Store) ListSecretsByRepo(ctx context.Context, repoID uuid.UUID) ([]Secret, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+secretColumns+` FROM secrets WHERE repo_id = $1 ORDER BY name`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Secret
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSecret(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM secrets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Secret versions ---

const versionColumns = `id, secret_id, version, dek_id, ciphertext, nonce, enabled, created_at`

func scanVersion(row pgx.Row) (SecretVersion, error) {
	var v SecretVersion
	err := row.Scan(&v.ID, &v.SecretID, &v.Version, &v.DEKID, &v.Ciphertext, &v.Nonce, &v.Enabled, &v.CreatedAt)
	return v, err
}

// CreateVersion inserts a new version row, first disabling every prior
// version of the same secret in a separate statement, so readers only ever
// see one enabled version at a time.
func (s *Store) CreateVersion(ctx context.Context, v SecretVersion) (SecretVersion, error) {
	_, err := s.dbtx.Exec(ctx, `UPDATE secret_versions SET enabled = false WHERE secret_id = $1`, v.SecretID)
	if err != nil {
		return SecretVersion{}, fmt.Errorf("disabling prior versions: %w", err)
	}
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO secret_versions (id, secret_id, version, dek_id, ciphertext, nonce, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING `+versionColumns,
		v.ID, v.SecretID, v.Version, v.DEKID, v.Ciphertext, v.Nonce,
	)
	return scanVersion(row)
}

func (s *Store) GetEnabledVersion(ctx context.Context, secretID uuid.UUID) (SecretVersion, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+versionColumns+` FROM secret_versions WHERE secret_id = $1 AND enabled = true`, secretID)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SecretVersion{}, ErrNotFound
	}
	return v, err
}

func (s *Store) LatestVersionNumber(ctx context.Context, secretID uuid.UUID) (int, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM secret_versions WHERE secret_id = $1`, secretID)
	var max int
	err := row.Scan(&max)
	return max, err
}

func (s *Store) ListVersions(ctx context.Context, secretID uuid.UUID) ([]SecretVersion, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+versionColumns+` FROM secret_versions WHERE secret_id = $1 ORDER BY version DESC`, secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SecretVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- DEK wrappers ---

func scanWrapper(row pgx.Row) (DEKWrapper, error) {
	var w DEKWrapper
	err := row.Scan(&w.ID, &w.WrappedDEK, &w.KeyBackendName, &w.CreatedAt)
	return w, err
}

func (s *Store) CreateDEKWrapper(ctx context.Context, w DEKWrapper) (DEKWrapper, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO dek_wrappers (id, wrapped_dek, key_backend)
		VALUES ($1, $2, $3)
		RETURNING id, wrapped_dek, key_backend, created_at`,
		w.ID, w.WrappedDEK, w.KeyBackendName,
	)
	return scanWrapper(row)
}

func (s *Store) GetDEKWrapper(ctx context.Context, id uuid.UUID) (DEKWrapper, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT id, wrapped_dek, key_backend, created_at FROM dek_wrappers WHERE id = $1`, id)
	w, err := scanWrapper(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DEKWrapper{}, ErrNotFound
	}
	return w, err
}
