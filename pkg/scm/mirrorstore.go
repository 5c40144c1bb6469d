package scm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

// MirrorStore persists external mirror records.
type MirrorStore struct {
	dbtx db.DBTX
}

func NewMirrorStore(dbtx db.DBTX) *MirrorStore {
	return &MirrorStore{dbtx: dbtx}
}

const mirrorColumns = `id, repo_id, platform, remote_url, direction, last_synced_at, last_accessed_at, created_at`

func scanMirror(row pgx.Row) (ExternalMirror, error) {
	var m ExternalMirror
	err := row.Scan(&m.ID, &m.RepoID, &m.Platform, &m.RemoteURL, &m.Direction, &m.LastSyncedAt, &m.LastAccessedAt, &m.CreatedAt)
	return m, err
}

func (s *MirrorStore) Create(ctx context.Context, m ExternalMirror) (ExternalMirror, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO external_mirrors (id, repo_id, platform, remote_url, direction, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING `+mirrorColumns,
		m.ID, m.RepoID, m.Platform, m.RemoteURL, m.Direction,
	)
	return scanMirror(row)
}

func (s *MirrorStore) Get(ctx context.Context, id uuid.UUID) (ExternalMirror, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+mirrorColumns+` FROM external_mirrors WHERE id = $1`, id)
	m, err := scanMirror(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExternalMirror{}, ErrNotFound
	}
	return m, err
}

func (s *MirrorStore) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]ExternalMirror, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+mirrorColumns+` FROM external_mirrors WHERE repo_id = $1 ORDER BY created_at`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mirrors []ExternalMirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, rows.Err()
}

// FindStale returns every mirror whose last_accessed_at is older than
// threshold, the candidate set for a cleanup sweep pass.
func (s *MirrorStore) FindStale(ctx context.Context, threshold time.Time) ([]ExternalMirror, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+mirrorColumns+` FROM external_mirrors WHERE last_accessed_at < $1 ORDER BY last_accessed_at`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mirrors []ExternalMirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, rows.Err()
}

func (s *MirrorStore) TouchAccessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE external_mirrors SET last_accessed_at = now() WHERE id = $1`, id)
	return err
}

func (s *MirrorStore) MarkSynced(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE external_mirrors SET last_synced_at = now(), last_accessed_at = now() WHERE id = $1`, id)
	return err
}

func (s *MirrorStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM external_mirrors WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
