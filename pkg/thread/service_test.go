package thread

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeThreadDB is a minimal in-memory stand-in for db.DBTX that understands
// exactly the queries Store issues for Get/Insert/CompareAndSwap, so the
// optimistic-concurrency and ownership seed scenarios in spec §8 can run
// without a live Postgres instance (the donor repo carries no test-database
// harness either — see SPEC_FULL.md's testing section).
type fakeThreadDB struct {
	mu   sync.Mutex
	rows map[string]Thread
}

func newFakeThreadDB() *fakeThreadDB {
	return &fakeThreadDB{rows: make(map[string]Thread)}
}

func (f *fakeThreadDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeThreadDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeThreadDB: Query not supported")
}

func (f *fakeThreadDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO threads"):
		return f.insert(args)
	case strings.Contains(sql, "version = version + 1"):
		return f.setVisibility(args)
	case strings.Contains(sql, "UPDATE threads SET"):
		return f.compareAndSwap(args)
	case strings.Contains(sql, "SELECT") && strings.Contains(sql, "FROM threads"):
		return f.get(args)
	default:
		return fakeRow{err: errors.New("fakeThreadDB: unrecognized query: " + sql)}
	}
}

func (f *fakeThreadDB) get(args []any) pgx.Row {
	id := args[0].(string)
	t, ok := f.rows[id]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{t: t}
}

// insert mirrors Store.Insert's 19 positional args.
func (f *fakeThreadDB) insert(args []any) pgx.Row {
	t := Thread{
		ID:        args[0].(string),
		OwnerID:   args[1].(uuid.UUID),
		Version:   args[2].(int64),
		Workspace: args[3].(string),
		Model:     args[4].(string),
		Provider:  args[5].(string),
		Git: GitMetadata{
			Branch:     args[6].(string),
			InitialSHA: args[7].(string),
			CurrentSHA: args[8].(string),
			Dirty:      args[9].(bool),
			Commits:    args[10].([]string),
		},
		Agent: AgentState{
			Status:    args[12].(AgentStatus),
			Retries:   args[13].(int),
			LastError: args[14].(string),
		},
		Visibility:          args[16].(Visibility),
		IsPrivate:           args[17].(bool),
		IsSharedWithSupport: args[18].(bool),
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	if raw, ok := args[11].([]byte); ok && len(raw) > 0 {
		_ = json.Unmarshal(raw, &t.Conversation)
	}
	if raw, ok := args[15].([]byte); ok && len(raw) > 0 {
		_ = json.Unmarshal(raw, &t.Agent.PendingToolCalls)
	}

	if _, exists := f.rows[t.ID]; exists {
		return fakeRow{err: errors.New("fakeThreadDB: duplicate insert")}
	}
	f.rows[t.ID] = t
	return fakeRow{t: t}
}

// compareAndSwap mirrors Store.CompareAndSwap's args: id, expectedVersion,
// newVersion, then the same body fields as insert starting at index 3.
func (f *fakeThreadDB) compareAndSwap(args []any) pgx.Row {
	id := args[0].(string)
	expectedVersion := args[1].(int64)

	existing, ok := f.rows[id]
	if !ok || existing.Version != expectedVersion {
		return fakeRow{err: pgx.ErrNoRows}
	}

	updated := existing
	updated.Version = args[2].(int64)
	updated.Workspace = args[3].(string)
	updated.Model = args[4].(string)
	updated.Provider = args[5].(string)
	updated.Git = GitMetadata{
		Branch:     args[6].(string),
		InitialSHA: args[7].(string),
		CurrentSHA: args[8].(string),
		Dirty:      args[9].(bool),
		Commits:    args[10].([]string),
	}
	if raw, ok := args[11].([]byte); ok {
		updated.Conversation = nil
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &updated.Conversation)
		}
	}
	updated.Agent.Status = args[12].(AgentStatus)
	updated.Agent.Retries = args[13].(int)
	updated.Agent.LastError = args[14].(string)
	if raw, ok := args[15].([]byte); ok {
		updated.Agent.PendingToolCalls = nil
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &updated.Agent.PendingToolCalls)
		}
	}
	updated.Visibility = args[16].(Visibility)
	updated.IsPrivate = args[17].(bool)
	updated.IsSharedWithSupport = args[18].(bool)
	updated.UpdatedAt = time.Now().UTC()

	f.rows[id] = updated
	return fakeRow{t: updated}
}

func (f *fakeThreadDB) setVisibility(args []any) pgx.Row {
	id := args[0].(string)
	expectedVersion := args[1].(int64)

	existing, ok := f.rows[id]
	if !ok || existing.Version != expectedVersion {
		return fakeRow{err: pgx.ErrNoRows}
	}
	existing.Visibility = args[2].(Visibility)
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	f.rows[id] = existing
	return fakeRow{t: existing}
}

// fakeRow implements pgx.Row by scanning out of a pre-built Thread in the
// same column order scanThreadRow expects.
type fakeRow struct {
	t   Thread
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	conversation, err := json.Marshal(r.t.Conversation)
	if err != nil {
		return err
	}
	pending, err := json.Marshal(r.t.Agent.PendingToolCalls)
	if err != nil {
		return err
	}

	values := []any{
		r.t.ID, r.t.OwnerID, r.t.Version, r.t.Workspace, r.t.Model, r.t.Provider,
		r.t.Git.Branch, r.t.Git.InitialSHA, r.t.Git.CurrentSHA, r.t.Git.Dirty, r.t.Git.Commits,
		conversation, r.t.Agent.Status, r.t.Agent.Retries, r.t.Agent.LastError, pending,
		r.t.Visibility, r.t.IsPrivate, r.t.IsSharedWithSupport, r.t.CreatedAt, r.t.UpdatedAt,
	}
	if len(dest) != len(values) {
		return errors.New("fakeRow: column count mismatch")
	}
	for i, v := range values {
		if err := scanInto(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

func scanInto(dest, src any) error {
	switch d := dest.(type) {
	case *string:
		*d = src.(string)
	case *uuid.UUID:
		*d = src.(uuid.UUID)
	case *int64:
		*d = src.(int64)
	case *bool:
		*d = src.(bool)
	case *[]string:
		*d = src.([]string)
	case *[]byte:
		*d = src.([]byte)
	case *AgentStatus:
		*d = src.(AgentStatus)
	case *int:
		*d = src.(int)
	case *Visibility:
		*d = src.(Visibility)
	case *time.Time:
		*d = src.(time.Time)
	default:
		return errors.New("fakeRow: unsupported scan destination type")
	}
	return nil
}

func i64(v int64) *int64 { return &v }

func newTestThread(id string, owner uuid.UUID, version int64) Thread {
	return Thread{
		ID:         id,
		OwnerID:    owner,
		Version:    version,
		Workspace:  "/ws",
		Visibility: VisibilityPrivate,
		Git:        GitMetadata{Branch: "main", Commits: []string{}},
		Agent:      AgentState{Status: AgentWaitingForUserInput},
	}
}

// TestUpsert_ConcurrencySeedScenario reproduces spec.md §8's scenario 1:
// a second upsert racing on a stale If-Match fails with the stored/header
// version pair, while a correctly chained upsert advances the version.
func TestUpsert_ConcurrencySeedScenario(t *testing.T) {
	svc := &Service{store: &Store{dbtx: newFakeThreadDB()}}
	ctx := context.Background()
	userA := uuid.New()

	t1 := newTestThread("T1", uuid.Nil, 1)
	stored, err := svc.Upsert(ctx, userA, false, t1, nil)
	if err != nil {
		t.Fatalf("initial upsert: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("stored version = %d, want 1", stored.Version)
	}

	t1v2 := stored
	t1v2.Version = 2
	stored2, err := svc.Upsert(ctx, userA, false, t1v2, i64(1))
	if err != nil {
		t.Fatalf("chained upsert: %v", err)
	}
	if stored2.Version != 2 {
		t.Fatalf("stored version = %d, want 2", stored2.Version)
	}

	t1v3 := stored2
	t1v3.Version = 3
	_, err = svc.Upsert(ctx, userA, false, t1v3, i64(1))
	var conflict *Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *Conflict, got %v", err)
	}
	if conflict.Expected != 2 || conflict.Actual != 1 {
		t.Fatalf("conflict = %+v, want {Expected:2 Actual:1}", conflict)
	}
}

// TestUpsert_OwnershipIsolationSeedScenario reproduces spec.md §8's scenario
// 2: a non-owner's Get/Delete both see ErrNotFound while an admin still
// sees the thread.
func TestUpsert_OwnershipIsolationSeedScenario(t *testing.T) {
	db := newFakeThreadDB()
	svc := &Service{store: &Store{dbtx: db}}
	ctx := context.Background()
	userA := uuid.New()
	userB := uuid.New()

	t2 := newTestThread("T2", uuid.Nil, 1)
	if _, err := svc.Upsert(ctx, userA, false, t2, nil); err != nil {
		t.Fatalf("creating T2: %v", err)
	}

	if _, err := svc.Get(ctx, userB, false, false, "T2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("user B Get: err = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, userB, false, "T2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("user B Delete: err = %v, want ErrNotFound", err)
	}

	if got, err := svc.Get(ctx, uuid.New(), true, false, "T2"); err != nil {
		t.Fatalf("admin Get: %v", err)
	} else if got.ID != "T2" {
		t.Fatalf("admin Get returned thread %q, want T2", got.ID)
	}
}

// TestGet_SupportBypassIsReadOnlyAndGatedBySharing reproduces the access
// control spec §4.3 requires: a support principal can read another user's
// thread only once it is marked is_shared_with_support, and even then
// gains no write access (Delete still sees ErrNotFound).
func TestGet_SupportBypassIsReadOnlyAndGatedBySharing(t *testing.T) {
	db := newFakeThreadDB()
	svc := &Service{store: &Store{dbtx: db}}
	ctx := context.Background()
	owner := uuid.New()
	support := uuid.New()

	t3 := newTestThread("T3", uuid.Nil, 1)
	if _, err := svc.Upsert(ctx, owner, false, t3, nil); err != nil {
		t.Fatalf("creating T3: %v", err)
	}

	if _, err := svc.Get(ctx, support, false, true, "T3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("support Get before sharing: err = %v, want ErrNotFound", err)
	}

	shared := t3
	shared.IsSharedWithSupport = true
	shared.Version = 1
	if _, err := svc.Upsert(ctx, owner, false, shared, i64(1)); err != nil {
		t.Fatalf("sharing T3: %v", err)
	}

	got, err := svc.Get(ctx, support, false, true, "T3")
	if err != nil {
		t.Fatalf("support Get after sharing: %v", err)
	}
	if got.ID != "T3" {
		t.Fatalf("support Get returned thread %q, want T3", got.ID)
	}

	if err := svc.Delete(ctx, support, false, "T3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("support Delete: err = %v, want ErrNotFound (support access is read-only)", err)
	}
}

func TestUpsert_NonOwnerUpsertIsNotFound(t *testing.T) {
	svc := &Service{store: &Store{dbtx: newFakeThreadDB()}}
	ctx := context.Background()
	userA := uuid.New()
	userB := uuid.New()

	t1 := newTestThread("T1", uuid.Nil, 1)
	if _, err := svc.Upsert(ctx, userA, false, t1, nil); err != nil {
		t.Fatalf("creating T1: %v", err)
	}

	_, err := svc.Upsert(ctx, userB, false, t1, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner upsert: err = %v, want ErrNotFound", err)
	}
}
