package thread

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

// Store provides database operations for threads.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a thread Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const threadColumns = `id, owner_id, version, workspace, model, provider,
	git_branch, git_initial_sha, git_current_sha, git_dirty, git_commits,
	conversation, agent_status, agent_retries, agent_last_error, agent_pending_tool_calls,
	visibility, is_private, is_shared_with_support, created_at, updated_at`

func scanThreadRow(row pgx.Row) (Thread, error) {
	var t Thread
	var conversation, pendingToolCalls []byte
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Version, &t.Workspace, &t.Model, &t.Provider,
		&t.Git.Branch, &t.Git.InitialSHA, &t.Git.CurrentSHA, &t.Git.Dirty, &t.Git.Commits,
		&conversation, &t.Agent.Status, &t.Agent.Retries, &t.Agent.LastError, &pendingToolCalls,
		&t.Visibility, &t.IsPrivate, &t.IsSharedWithSupport, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Thread{}, err
	}
	if len(conversation) > 0 {
		if err := json.Unmarshal(conversation, &t.Conversation); err != nil {
			return Thread{}, fmt.Errorf("decoding conversation: %w", err)
		}
	}
	if len(pendingToolCalls) > 0 {
		if err := json.Unmarshal(pendingToolCalls, &t.Agent.PendingToolCalls); err != nil {
			return Thread{}, fmt.Errorf("decoding pending tool calls: %w", err)
		}
	}
	return t, nil
}

// Get returns a thread by id regardless of owner; callers enforce ownership.
func (s *Store) Get(ctx context.Context, id string) (Thread, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanThreadRow(row)
}

// Insert creates a new thread row. The caller has already assigned owner and
// version.
func (s *Store) Insert(ctx context.Context, t Thread) (Thread, error) {
	conversation, err := json.Marshal(t.Conversation)
	if err != nil {
		return Thread{}, fmt.Errorf("encoding conversation: %w", err)
	}
	pendingToolCalls, err := json.Marshal(t.Agent.PendingToolCalls)
	if err != nil {
		return Thread{}, fmt.Errorf("encoding pending tool calls: %w", err)
	}

	query := `INSERT INTO threads (
		id, owner_id, version, workspace, model, provider,
		git_branch, git_initial_sha, git_current_sha, git_dirty, git_commits,
		conversation, agent_status, agent_retries, agent_last_error, agent_pending_tool_calls,
		visibility, is_private, is_shared_with_support
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	RETURNING ` + threadColumns

	row := s.dbtx.QueryRow(ctx, query,
		t.ID, t.OwnerID, t.Version, t.Workspace, t.Model, t.Provider,
		t.Git.Branch, t.Git.InitialSHA, t.Git.CurrentSHA, t.Git.Dirty, t.Git.Commits,
		conversation, t.Agent.Status, t.Agent.Retries, t.Agent.LastError, pendingToolCalls,
		t.Visibility, t.IsPrivate, t.IsSharedWithSupport,
	)
	return scanThreadRow(row)
}

// CompareAndSwap updates a thread only if the stored version equals
// expectedVersion, assigning newVersion. Returns (Thread{}, ErrNoRows) if no
// row matched — either the thread does not exist or the version mismatched;
// callers distinguish the two with a separate Get.
func (s *Store) CompareAndSwap(ctx context.Context, t Thread, expectedVersion int64) (Thread, error) {
	conversation, err := json.Marshal(t.Conversation)
	if err != nil {
		return Thread{}, fmt.Errorf("encoding conversation: %w", err)
	}
	pendingToolCalls, err := json.Marshal(t.Agent.PendingToolCalls)
	if err != nil {
		return Thread{}, fmt.Errorf("encoding pending tool calls: %w", err)
	}

	query := `UPDATE threads SET
		version = $3, workspace = $4, model = $5, provider = $6,
		git_branch = $7, git_initial_sha = $8, git_current_sha = $9, git_dirty = $10, git_commits = $11,
		conversation = $12, agent_status = $13, agent_retries = $14, agent_last_error = $15, agent_pending_tool_calls = $16,
		visibility = $17, is_private = $18, is_shared_with_support = $19, updated_at = now()
	WHERE id = $1 AND version = $2 AND deleted_at IS NULL
	RETURNING ` + threadColumns

	row := s.dbtx.QueryRow(ctx, query,
		t.ID, expectedVersion, t.Version, t.Workspace, t.Model, t.Provider,
		t.Git.Branch, t.Git.InitialSHA, t.Git.CurrentSHA, t.Git.Dirty, t.Git.Commits,
		conversation, t.Agent.Status, t.Agent.Retries, t.Agent.LastError, pendingToolCalls,
		t.Visibility, t.IsPrivate, t.IsSharedWithSupport,
	)
	return scanThreadRow(row)
}

// SetVisibility flips visibility under the same optimistic-concurrency rule.
func (s *Store) SetVisibility(ctx context.Context, id string, expectedVersion int64, vis Visibility) (Thread, error) {
	query := `UPDATE threads SET visibility = $3, version = version + 1, updated_at = now()
	WHERE id = $1 AND version = $2 AND deleted_at IS NULL
	RETURNING ` + threadColumns
	row := s.dbtx.QueryRow(ctx, query, id, expectedVersion, vis)
	return scanThreadRow(row)
}

// SoftDelete tombstones a thread and eagerly removes its FTS projection.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE threads SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft deleting thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	if _, err := s.dbtx.Exec(ctx, `DELETE FROM thread_fts WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("removing fts row: %w", err)
	}
	return nil
}

// ListFilters holds the optional filter parameters for listing threads.
type ListFilters struct {
	OwnerID   uuid.UUID
	Workspace string
}

// ListOwned returns thread summaries owned by the given user, paginated.
func (s *Store) ListOwned(ctx context.Context, f ListFilters, limit, offset int) ([]Summary, int, error) {
	where := `owner_id = $1 AND deleted_at IS NULL`
	args := []any{f.OwnerID}
	argN := 2
	if f.Workspace != "" {
		where += fmt.Sprintf(" AND workspace = $%d", argN)
		args = append(args, f.Workspace)
		argN++
	}

	var total int
	countQuery := `SELECT count(*) FROM threads WHERE ` + where
	if err := s.dbtx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting threads: %w", err)
	}

	listArgs := append(append([]any{}, args...), limit, offset)
	listQuery := fmt.Sprintf(
		`SELECT id, workspace, model, agent_status, agent_retries, agent_last_error, agent_pending_tool_calls, updated_at
		FROM threads WHERE %s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		where, argN, argN+1,
	)
	rows, err := s.dbtx.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var items []Summary
	for rows.Next() {
		var sm Summary
		var pendingToolCalls []byte
		if err := rows.Scan(&sm.ID, &sm.Workspace, &sm.Model, &sm.Agent.Status, &sm.Agent.Retries, &sm.Agent.LastError, &pendingToolCalls, &sm.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning thread summary: %w", err)
		}
		if len(pendingToolCalls) > 0 {
			if err := json.Unmarshal(pendingToolCalls, &sm.Agent.PendingToolCalls); err != nil {
				return nil, 0, fmt.Errorf("decoding pending tool calls: %w", err)
			}
		}
		items = append(items, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating threads: %w", err)
	}
	return items, total, nil
}

// Search performs a full-text search over the FTS projection, filtered by
// owner, and returns ranked summaries.
func (s *Store) Search(ctx context.Context, ownerID uuid.UUID, query string, limit, offset int) ([]SearchHit, error) {
	sql := `SELECT t.id, t.workspace, t.model, t.agent_status, t.agent_retries, t.agent_last_error,
		t.agent_pending_tool_calls, t.updated_at, ts_rank(f.document, q) AS rank
	FROM thread_fts f
	JOIN threads t ON t.id = f.thread_id
	CROSS JOIN plainto_tsquery('english', $2) q
	WHERE f.owner_id = $1 AND f.document @@ q AND t.deleted_at IS NULL
	ORDER BY rank DESC
	LIMIT $3 OFFSET $4`

	rows, err := s.dbtx.Query(ctx, sql, ownerID, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("searching threads: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var pendingToolCalls []byte
		if err := rows.Scan(&h.Summary.ID, &h.Summary.Workspace, &h.Summary.Model, &h.Summary.Agent.Status,
			&h.Summary.Agent.Retries, &h.Summary.Agent.LastError, &pendingToolCalls, &h.Summary.UpdatedAt, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		if len(pendingToolCalls) > 0 {
			if err := json.Unmarshal(pendingToolCalls, &h.Summary.Agent.PendingToolCalls); err != nil {
				return nil, fmt.Errorf("decoding pending tool calls: %w", err)
			}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search hits: %w", err)
	}
	return hits, nil
}
