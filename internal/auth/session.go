package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

// SessionType distinguishes a browser session from a CLI-issued one; both
// authenticate the same way, the distinction is informational.
type SessionType string

const (
	SessionTypeWeb SessionType = "web"
	SessionTypeCLI SessionType = "cli"
)

// sessionTokenPrefix is prepended to every plaintext session token, mirroring
// the "lk_"-style prefix convention used for API keys.
const sessionTokenPrefix = "lt_"

// Session is the persisted row. TokenHash is SHA-256 of the plaintext; the
// plaintext itself is never stored, only returned once at creation.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      SessionType
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore persists and looks up sessions by token hash.
type SessionStore struct {
	dbtx db.DBTX
}

func NewSessionStore(dbtx db.DBTX) *SessionStore {
	return &SessionStore{dbtx: dbtx}
}

// IssueSession generates a new 256-bit random token, stores only its
// SHA-256 hash, and returns the plaintext (format "lt_" + hex) to the
// caller; this is the only time the plaintext exists outside the client.
func (s *SessionStore) IssueSession(ctx context.Context, userID uuid.UUID, typ SessionType, ttl time.Duration) (plaintext string, sess Session, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", Session{}, fmt.Errorf("generating session token: %w", err)
	}
	plaintext = sessionTokenPrefix + hex.EncodeToString(raw)
	hash := HashToken(plaintext)

	now := time.Now().UTC()
	sess = Session{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      typ,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO sessions (id, user_id, type, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, user_id, type, token_hash, created_at, expires_at`,
		sess.ID, sess.UserID, sess.Type, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt,
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Type, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		return "", Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return plaintext, sess, nil
}

// ErrSessionExpired and ErrSessionNotFound distinguish the two ways a
// session lookup can fail; AuthenticateWebSocket maps them to close codes
// 4003 and 4002 respectively.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// LookupSession hashes the presented plaintext and point-queries the hash
// column.
func (s *SessionStore) LookupSession(ctx context.Context, plaintext string) (Session, error) {
	hash := HashToken(plaintext)
	row := s.dbtx.QueryRow(ctx, `
		SELECT id, user_id, type, token_hash, created_at, expires_at
		FROM sessions WHERE token_hash = $1`, hash)

	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Type, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("looking up session: %w", err)
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

// Revoke deletes a session by id, used by logout.
func (s *SessionStore) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// HashToken computes the at-rest hash for any opaque bearer token (session
// or, historically, API key prefix matching). Session tokens use a plain
// SHA-256 digest: unlike API keys, sessions are high-entropy random values
// with no human-chosen component, so a fast hash is correct here; Argon2 is
// reserved for API keys (internal/auth/apikey.go).
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two hex-encoded hashes without leaking timing
// information, used wherever a hash comparison happens outside a DB index
// lookup (e.g. in tests or secondary verification paths).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
