package thread

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

// ErrNotFound is returned for both a genuinely absent thread and a thread
// owned by someone else. Ownership failures are deliberately
// indistinguishable from absence.
var ErrNotFound = errors.New("thread not found")

// Service enforces ownership and optimistic concurrency around Store.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService creates a thread Service backed by the given database
// connection.
func NewService(dbtx db.DBTX, logger *slog.Logger) *Service {
	return &Service{store: NewStore(dbtx), logger: logger}
}

// Upsert implements the PUT /threads/{id} behavior:
//   - no existing thread -> insert, owner = caller
//   - existing thread owned by someone else (and caller not admin) -> ErrNotFound
//   - ifMatch present and != stored version -> *Conflict
//   - otherwise write
func (s *Service) Upsert(ctx context.Context, callerID uuid.UUID, isAdmin bool, t Thread, ifMatch *int64) (Thread, error) {
	existing, err := s.store.Get(ctx, t.ID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		t.OwnerID = callerID
		return s.store.Insert(ctx, t)
	case err != nil:
		return Thread{}, err
	}

	if existing.OwnerID != callerID && !isAdmin {
		return Thread{}, ErrNotFound
	}

	if ifMatch != nil && existing.Version != *ifMatch {
		return Thread{}, &Conflict{Expected: existing.Version, Actual: *ifMatch}
	}

	updated, err := s.store.CompareAndSwap(ctx, t, existing.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		// The version moved between our Get and the CAS (a concurrent
		// writer won the race); report the latest known conflict.
		latest, getErr := s.store.Get(ctx, t.ID)
		if getErr != nil {
			return Thread{}, getErr
		}
		expected := existing.Version
		if ifMatch != nil {
			expected = *ifMatch
		}
		return Thread{}, &Conflict{Expected: latest.Version, Actual: expected}
	}
	return updated, err
}

// Get returns a thread the caller owns, or that a system admin can reach
// unconditionally, or that a support principal can read when the thread
// has been marked is_shared_with_support. Support's access is read-only:
// Delete and SetVisibility never consult isSupport, only isAdmin.
// Ownership failures and absence both surface as ErrNotFound.
func (s *Service) Get(ctx context.Context, callerID uuid.UUID, isAdmin, isSupport bool, id string) (Thread, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	if t.OwnerID == callerID || isAdmin {
		return t, nil
	}
	if isSupport && t.IsSharedWithSupport {
		return t, nil
	}
	return Thread{}, ErrNotFound
}

// Delete soft-deletes a thread the caller owns (or is system admin).
// Support access never reaches this path regardless of
// is_shared_with_support.
func (s *Service) Delete(ctx context.Context, callerID uuid.UUID, isAdmin bool, id string) error {
	if _, err := s.Get(ctx, callerID, isAdmin, false, id); err != nil {
		return err
	}
	if err := s.store.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// List returns paginated summaries owned by the caller.
func (s *Service) List(ctx context.Context, callerID uuid.UUID, workspace string, limit, offset int) (ListResult, error) {
	items, total, err := s.store.ListOwned(ctx, ListFilters{OwnerID: callerID, Workspace: workspace}, limit, offset)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Threads: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Search returns ranked summaries, always filtered by the caller's
// ownership.
func (s *Service) Search(ctx context.Context, callerID uuid.UUID, query string, limit, offset int) (SearchResult, error) {
	hits, err := s.store.Search(ctx, callerID, query, limit, offset)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Hits: hits, Limit: limit, Offset: offset}, nil
}

// SetVisibility flips visibility without touching the conversation,
// enforcing the same optimistic concurrency as Upsert. Support access
// never reaches this path regardless of is_shared_with_support.
func (s *Service) SetVisibility(ctx context.Context, callerID uuid.UUID, isAdmin bool, id string, ifMatch int64, vis Visibility) (Thread, error) {
	existing, err := s.Get(ctx, callerID, isAdmin, false, id)
	if err != nil {
		return Thread{}, err
	}
	if existing.Version != ifMatch {
		return Thread{}, &Conflict{Expected: existing.Version, Actual: ifMatch}
	}
	updated, err := s.store.SetVisibility(ctx, id, ifMatch, vis)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, &Conflict{Expected: existing.Version, Actual: ifMatch}
	}
	return updated, err
}
