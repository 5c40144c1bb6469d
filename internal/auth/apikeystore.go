package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/db"
)

// APIKey is the persisted row for an org-scoped API key. Scopes is the set
// of action strings the key is authorized for; RevokedAt is permanent once
// set.
type APIKey struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Name       string
	ArgonHash  string
	Scopes     []string
	CreatedBy  uuid.UUID
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// Active reports whether the key has not been revoked.
func (k APIKey) Active() bool { return k.RevokedAt == nil }

// APIKeyStore persists API keys and supports the O(1)-indexed lookup a
// point query needs: a SHA-256 "lookup hash" of the plaintext indexes the
// row, and the Argon2id hash stored alongside it is the credential actually
// compared in constant time during verification. The lookup
// hash is an implementation detail, never treated as a credential on its
// own — a reader of the lookup_hash column alone cannot forge a key because
// verification still requires the Argon2id comparison to succeed.
type APIKeyStore struct {
	dbtx db.DBTX
}

func NewAPIKeyStore(dbtx db.DBTX) *APIKeyStore {
	return &APIKeyStore{dbtx: dbtx}
}

func lookupHash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Create generates a new API key for orgID, persists its Argon2id hash plus
// lookup hash, and returns the plaintext (shown once) alongside the row.
func (s *APIKeyStore) Create(ctx context.Context, orgID uuid.UUID, name string, scopes []string, createdBy uuid.UUID, params ArgonParams) (plaintext string, key APIKey, err error) {
	plaintext, argonHash, err := GenerateAPIKey(params)
	if err != nil {
		return "", APIKey{}, err
	}

	key = APIKey{
		ID:        uuid.New(),
		OrgID:     orgID,
		Name:      name,
		ArgonHash: argonHash,
		Scopes:    scopes,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}

	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO api_keys (id, org_id, name, argon_hash, lookup_hash, scopes, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, org_id, name, argon_hash, scopes, created_by, created_at, revoked_at`,
		key.ID, key.OrgID, key.Name, key.ArgonHash, lookupHash(plaintext), key.Scopes, key.CreatedBy, key.CreatedAt,
	)
	if err := scanAPIKey(row, &key); err != nil {
		return "", APIKey{}, fmt.Errorf("inserting api key: %w", err)
	}
	return plaintext, key, nil
}

func scanAPIKey(row pgx.Row, k *APIKey) error {
	return row.Scan(&k.ID, &k.OrgID, &k.Name, &k.ArgonHash, &k.Scopes, &k.CreatedBy, &k.CreatedAt, &k.RevokedAt)
}

var ErrAPIKeyNotFound = errors.New("api key not found")

// ErrAPIKeyRevoked is returned instead of ErrAPIKeyNotFound when the
// presented plaintext matches a key that exists and hashes correctly but
// has been revoked, so callers that need to distinguish the two (the
// WebSocket auth state machine's 4002 vs. 4004 close codes) can.
var ErrAPIKeyRevoked = errors.New("api key revoked")

// LookupActive finds the API key whose lookup hash matches the presented
// plaintext, then verifies the Argon2id hash in constant time. A
// plaintext that matches no row, or whose Argon2id comparison fails,
// returns ErrAPIKeyNotFound (the two are deliberately indistinguishable
// to callers); a plaintext that verifies against a row with revoked_at
// set returns ErrAPIKeyRevoked instead.
func (s *APIKeyStore) LookupActive(ctx context.Context, plaintext string) (APIKey, error) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT id, org_id, name, argon_hash, scopes, created_by, created_at, revoked_at
		FROM api_keys WHERE lookup_hash = $1`, lookupHash(plaintext))

	var key APIKey
	if err := scanAPIKey(row, &key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrAPIKeyNotFound
		}
		return APIKey{}, fmt.Errorf("looking up api key: %w", err)
	}

	ok, err := VerifyAPIKey(plaintext, key.ArgonHash)
	if err != nil {
		return APIKey{}, fmt.Errorf("verifying api key: %w", err)
	}
	if !ok {
		return APIKey{}, ErrAPIKeyNotFound
	}
	if !key.Active() {
		return APIKey{}, ErrAPIKeyRevoked
	}
	return key, nil
}

// ListByOrg returns every API key for an org, newest first, without
// exposing plaintext or argon hash.
func (s *APIKeyStore) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]APIKey, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, org_id, name, argon_hash, scopes, created_by, created_at, revoked_at
		FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var items []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.OrgID, &k.Name, &k.ArgonHash, &k.Scopes, &k.CreatedBy, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		items = append(items, k)
	}
	return items, rows.Err()
}

// Revoke permanently marks a key revoked; revocation never reverses.
func (s *APIKeyStore) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}
