// Package audit implements an asynchronous audit log writer:
// security-relevant outcomes are enqueued from request handlers and
// flushed to the relational store by a background goroutine so audit
// writes never block the response.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	loomauth "github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/telemetry"
)

// Action names used across handlers.
const (
	ActionLogin                = "login"
	ActionLogout               = "logout"
	ActionUserCreated          = "user_created"
	ActionOrgCreated           = "org_created"
	ActionOrgMemberRoleChanged = "org_member_role_changed"
	ActionOrgMemberRemoved     = "org_member_removed"
	ActionAccessGranted        = "access_granted"
	ActionAccessDenied         = "access_denied"
	ActionAPIKeyCreated        = "api_key_created"
	ActionAPIKeyRevoked        = "api_key_revoked"
	ActionAPIKeyUsed           = "api_key_used"
	ActionThreadCreated        = "thread_created"
	ActionThreadUpdated        = "thread_updated"
	ActionThreadDeleted        = "thread_deleted"
	ActionThreadVisibility     = "thread_visibility_changed"
	ActionProtectionRuleChange = "protection_rule_changed"
	ActionMirrorCreated        = "mirror_created"
	ActionMirrorDeleted        = "mirror_deleted"
	ActionRepoCreated          = "repo_created"
	ActionRepoUpdated          = "repo_updated"
	ActionRepoDeleted          = "repo_deleted"
	ActionRepoTeamAccessChange = "repo_team_access_changed"
	ActionSecretRead           = "secret_read"
	ActionSecretCreated        = "secret_created"
	ActionSecretRotated        = "secret_rotated"
	ActionSecretDeleted        = "secret_deleted"
	ActionImpersonationStarted = "impersonation_started"
	ActionImpersonationEnded   = "impersonation_ended"
)

// Entry is a single audit record.
type Entry struct {
	EventType      string
	ActorID        *uuid.UUID
	ImpersonatorID *uuid.UUID
	ResourceType   string
	ResourceID     uuid.UUID
	Action         string
	Detail         json.RawMessage
	IPAddress      *netip.Addr
	UserAgent      *string
	At             time.Time
}

// Writer is an async, buffered audit log writer: writes must never block
// the handler's response.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{pool: pool, logger: logger, entries: make(chan Entry, bufferSize)}
}

// Start launches the background flush loop in a goroutine and returns
// immediately; the loop exits once ctx is canceled, and Close waits for it.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background loop to drain and exit.
func (w *Writer) Close() { w.wg.Wait() }

// Log enqueues an entry without blocking. A full buffer drops the entry and
// counts it in telemetry.AuditDroppedTotal rather than blocking the caller.
func (w *Writer) Log(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		telemetry.AuditDroppedTotal.Inc()
		w.logger.Warn("audit buffer full, dropping entry", "action", entry.Action, "resource", entry.ResourceType)
	}
}

// LogFromRequest extracts the acting principal, client IP, and user agent
// from the request context and enqueues an entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resourceType string, resourceID uuid.UUID, detail json.RawMessage) {
	entry := Entry{EventType: action, Action: action, ResourceType: resourceType, ResourceID: resourceID, Detail: detail}

	if p := loomauth.FromContext(r.Context()); p != nil {
		switch p.Kind {
		case loomauth.PrincipalUser:
			id := p.UserID
			entry.ActorID = &id
			entry.ImpersonatorID = p.ImpersonatorID
		case loomauth.PrincipalAPIKey:
			id := p.APIKeyID
			entry.ActorID = &id
		case loomauth.PrincipalWeaver:
			id := p.WeaverID
			entry.ActorID = &id
		}
	}

	if ip := clientIP(r); ip.IsValid() {
		entry.IPAddress = &ip
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for audit flush", "error", err)
		return
	}
	defer conn.Release()

	for _, e := range entries {
		_, err := conn.Exec(ctx, `
			INSERT INTO audit_entries (id, event_type, actor_id, impersonator_id, resource_type, resource_id, action, detail, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			uuid.New(), e.EventType, e.ActorID, e.ImpersonatorID, e.ResourceType, e.ResourceID, e.Action, e.Detail, e.IPAddress, e.UserAgent, e.At,
		)
		if err != nil {
			w.logger.Error("writing audit entry", "error", err, "action", e.Action, "resource", e.ResourceType)
		}
	}
}

// clientIP extracts the client address, preferring the standard forwarding
// headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
