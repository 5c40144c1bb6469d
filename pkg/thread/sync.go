package thread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

// SyncOperation is the kind of replication a pending entry still owes the
// server.
type SyncOperation string

const (
	SyncOperationUpsert SyncOperation = "upsert"
	SyncOperationDelete SyncOperation = "delete"
)

// PendingSync is a replication attempt that failed and is owed a retry.
type PendingSync struct {
	ThreadID        string        `json:"thread_id"`
	Operation       SyncOperation `json:"operation"`
	LastError       string        `json:"last_error,omitempty"`
	Attempts        int           `json:"attempts"`
	LastAttemptedAt time.Time     `json:"last_attempted_at"`
}

const (
	pendingSyncBase = 500 * time.Millisecond
	pendingSyncMax  = 2 * time.Minute
	pendingSyncCap  = 10
)

// nextRetryAt applies the same min(base*2^n, max) backoff shape as the
// event-fabric reconnecting client.
func (p PendingSync) nextRetryAt() time.Time {
	n := p.Attempts
	if n > pendingSyncCap {
		n = pendingSyncCap
	}
	delay := time.Duration(float64(pendingSyncBase) * math.Pow(2, float64(n)))
	if delay > pendingSyncMax {
		delay = pendingSyncMax
	}
	return p.LastAttemptedAt.Add(delay)
}

func (p PendingSync) dueAt(now time.Time) bool {
	return !now.Before(p.nextRetryAt())
}

// PendingSyncStore persists the retry queue to a single JSON file. The
// load/modify/save cycle is short enough that a plain mutex around it is
// sufficient; there is no concurrent multi-process writer.
type PendingSyncStore struct {
	mu   sync.Mutex
	path string
}

func NewPendingSyncStore(path string) *PendingSyncStore {
	return &PendingSyncStore{path: path}
}

func (s *PendingSyncStore) load() ([]PendingSync, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []PendingSync
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PendingSyncStore) persist(entries []PendingSync) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Add upserts a pending entry for (threadID, op), bumping its attempt
// counter if one already exists.
func (s *PendingSyncStore) Add(threadID string, op SyncOperation, lastErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}

	for i, e := range entries {
		if e.ThreadID == threadID && e.Operation == op {
			entries[i].Attempts++
			entries[i].LastError = msg
			entries[i].LastAttemptedAt = now
			return s.persist(entries)
		}
	}
	entries = append(entries, PendingSync{ThreadID: threadID, Operation: op, LastError: msg, Attempts: 1, LastAttemptedAt: now})
	if err := s.persist(entries); err != nil {
		return err
	}
	telemetry.ThreadSyncPendingGauge.Set(float64(len(entries)))
	return nil
}

// Remove drops a (threadID, op) entry once it has synced successfully.
func (s *PendingSyncStore) Remove(threadID string, op SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.ThreadID == threadID && e.Operation == op {
			continue
		}
		out = append(out, e)
	}
	if err := s.persist(out); err != nil {
		return err
	}
	telemetry.ThreadSyncPendingGauge.Set(float64(len(out)))
	return nil
}

// Due returns the entries whose backoff window has elapsed.
func (s *PendingSyncStore) Due(now time.Time) ([]PendingSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	var due []PendingSync
	for _, e := range entries {
		if e.dueAt(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

// Len reports the queue depth.
func (s *PendingSyncStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// RemoteClient upserts and deletes threads against a running Loom server
// over HTTP, used by the offline sync queue to replicate local edits once
// connectivity returns.
type RemoteClient struct {
	baseURL   string
	http      *http.Client
	authToken string
}

func NewRemoteClient(baseURL string, httpClient *http.Client, authToken string) *RemoteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteClient{baseURL: baseURL, http: httpClient, authToken: authToken}
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return c.http.Do(req)
}

// UpsertThread PUTs a thread to the server; a 409 response surfaces as
// *Conflict.
func (c *RemoteClient) UpsertThread(ctx context.Context, t Thread) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPut, "/api/threads/"+t.ID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return &Conflict{}
	default:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sync upsert failed: %s: %s", resp.Status, msg)
	}
}

// DeleteThread deletes a thread on the server; a 404 is treated as success
// since the end state already matches.
func (c *RemoteClient) DeleteThread(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/threads/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sync delete failed: %s: %s", resp.Status, msg)
	}
}

// SyncingStore wraps a local Store with an optional remote client and
// pending-sync queue: writes always land locally first, then replicate
// in the background for threads that are not private.
type SyncingStore struct {
	local   *Store
	remote  *RemoteClient
	pending *PendingSyncStore
	logger  *slog.Logger
}

func NewSyncingStore(local *Store, remote *RemoteClient, pending *PendingSyncStore, logger *slog.Logger) *SyncingStore {
	return &SyncingStore{local: local, remote: remote, pending: pending, logger: logger}
}

// Save writes locally, then fires off a detached best-effort remote sync.
// Failures are swallowed here and enqueued for later retry; callers that
// need to know whether the sync itself succeeded should use SaveAndSync.
func (s *SyncingStore) Save(ctx context.Context, t Thread) error {
	if _, err := s.local.Insert(ctx, t); err != nil {
		return err
	}
	if t.IsPrivate || s.remote == nil {
		return nil
	}

	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.remote.UpsertThread(syncCtx, t); err != nil {
			s.logger.Warn("background thread sync failed", "thread_id", t.ID, "error", err)
			if s.pending != nil {
				if addErr := s.pending.Add(t.ID, SyncOperationUpsert, err); addErr != nil {
					s.logger.Error("recording pending sync failure", "thread_id", t.ID, "error", addErr)
				}
			}
			return
		}
		if s.pending != nil {
			_ = s.pending.Remove(t.ID, SyncOperationUpsert)
		}
	}()
	return nil
}

// SaveAndSync is the synchronous variant: it writes locally and blocks on
// the remote sync, surfacing any sync failure to the caller.
func (s *SyncingStore) SaveAndSync(ctx context.Context, t Thread) error {
	if _, err := s.local.Insert(ctx, t); err != nil {
		return err
	}
	if t.IsPrivate || s.remote == nil {
		return nil
	}
	if err := s.remote.UpsertThread(ctx, t); err != nil {
		if s.pending != nil {
			_ = s.pending.Add(t.ID, SyncOperationUpsert, err)
		}
		return err
	}
	if s.pending != nil {
		_ = s.pending.Remove(t.ID, SyncOperationUpsert)
	}
	return nil
}

// Delete removes the thread locally, then replicates the deletion in the
// background unless the thread was private.
func (s *SyncingStore) Delete(ctx context.Context, id string, private bool) error {
	if err := s.local.SoftDelete(ctx, id); err != nil {
		return err
	}
	if private || s.remote == nil {
		return nil
	}

	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.remote.DeleteThread(syncCtx, id); err != nil {
			s.logger.Warn("background thread delete sync failed", "thread_id", id, "error", err)
			if s.pending != nil {
				if addErr := s.pending.Add(id, SyncOperationDelete, err); addErr != nil {
					s.logger.Error("recording pending sync failure", "thread_id", id, "error", addErr)
				}
			}
			return
		}
		if s.pending != nil {
			_ = s.pending.Remove(id, SyncOperationDelete)
		}
	}()
	return nil
}

// RetryPending drains any pending sync entries whose backoff window has
// elapsed, returning the number that succeeded. Intended to be called
// periodically from a ticker.
func (s *SyncingStore) RetryPending(ctx context.Context) (int, error) {
	if s.remote == nil || s.pending == nil {
		return 0, nil
	}

	due, err := s.pending.Due(time.Now().UTC())
	if err != nil {
		return 0, err
	}

	successCount := 0
	for _, entry := range due {
		switch entry.Operation {
		case SyncOperationUpsert:
			t, err := s.local.Get(ctx, entry.ThreadID)
			if err != nil {
				continue
			}
			if err := s.remote.UpsertThread(ctx, t); err != nil {
				s.logger.Warn("pending upsert retry failed", "thread_id", entry.ThreadID, "error", err)
				_ = s.pending.Add(entry.ThreadID, SyncOperationUpsert, err)
				continue
			}
			_ = s.pending.Remove(entry.ThreadID, SyncOperationUpsert)
			successCount++
		case SyncOperationDelete:
			if err := s.remote.DeleteThread(ctx, entry.ThreadID); err != nil {
				s.logger.Warn("pending delete retry failed", "thread_id", entry.ThreadID, "error", err)
				_ = s.pending.Add(entry.ThreadID, SyncOperationDelete, err)
				continue
			}
			_ = s.pending.Remove(entry.ThreadID, SyncOperationDelete)
			successCount++
		}
	}
	return successCount, nil
}

// PendingCount reports the current retry-queue depth.
func (s *SyncingStore) PendingCount() (int, error) {
	if s.pending == nil {
		return 0, nil
	}
	return s.pending.Len()
}
