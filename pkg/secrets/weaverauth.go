package secrets

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/db"
)

// WeaverBinding is registered by the scheduler at the moment it schedules a
// weaver pod, before the pod's first request: it records which weaver/org/
// repo a pod's K8s service-account token is allowed to mint an SVID for.
// This module has no Kubernetes API client, so it cannot perform a
// TokenReview against a live cluster; instead the scheduler stores the
// expected token's hash here out of band, and the exchange endpoint below
// matches the presented bearer token against it.
type WeaverBinding struct {
	PodName      string
	PodNamespace string
	TokenHash    string
	WeaverID     uuid.UUID
	OrgID        uuid.UUID
	RepoID       *uuid.UUID
	ExpiresAt    time.Time
}

// HashServiceAccountToken returns the binding lookup key for a raw K8s
// service-account token: a constant-size SHA-256 digest, so neither the
// database nor this module ever need to retain the token itself.
func HashServiceAccountToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type WeaverBindingStore struct {
	dbtx db.DBTX
}

func NewWeaverBindingStore(dbtx db.DBTX) *WeaverBindingStore {
	return &WeaverBindingStore{dbtx: dbtx}
}

func (s *WeaverBindingStore) Create(ctx context.Context, b WeaverBinding) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO weaver_bindings (pod_name, pod_namespace, token_hash, weaver_id, org_id, repo_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pod_name, pod_namespace) DO UPDATE SET
			token_hash = EXCLUDED.token_hash, weaver_id = EXCLUDED.weaver_id,
			org_id = EXCLUDED.org_id, repo_id = EXCLUDED.repo_id, expires_at = EXCLUDED.expires_at`,
		b.PodName, b.PodNamespace, b.TokenHash, b.WeaverID, b.OrgID, b.RepoID, b.ExpiresAt,
	)
	return err
}

func (s *WeaverBindingStore) GetByPod(ctx context.Context, podName, podNamespace string) (WeaverBinding, error) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT pod_name, pod_namespace, token_hash, weaver_id, org_id, repo_id, expires_at
		FROM weaver_bindings WHERE pod_name = $1 AND pod_namespace = $2`,
		podName, podNamespace,
	)
	var b WeaverBinding
	err := row.Scan(&b.PodName, &b.PodNamespace, &b.TokenHash, &b.WeaverID, &b.OrgID, &b.RepoID, &b.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return WeaverBinding{}, ErrNotFound
	}
	return b, err
}

func (s *WeaverBindingStore) DeleteExpired(ctx context.Context, now time.Time) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM weaver_bindings WHERE expires_at < $1`, now)
	return err
}

// ErrBindingExpired is returned when a pod's registered binding has aged
// past its scheduler-assigned TTL.
var ErrBindingExpired = errors.New("weaver binding expired")

// ErrTokenMismatch is returned when the presented bearer token does not
// match the hash the scheduler registered for this pod.
var ErrTokenMismatch = errors.New("service account token does not match registered binding")

// WeaverAuthService exchanges a weaver pod's K8s service-account token for
// a short-lived SVID, the consumer side of the flow internal/auth.SVIDIssuer
// implements the issuer side of.
type WeaverAuthService struct {
	bindings *WeaverBindingStore
	issuer   *auth.SVIDIssuer
	ttl      time.Duration
}

func NewWeaverAuthService(bindings *WeaverBindingStore, issuer *auth.SVIDIssuer, ttl time.Duration) *WeaverAuthService {
	return &WeaverAuthService{bindings: bindings, issuer: issuer, ttl: ttl}
}

// ExchangeToken validates the bearer token against the pod's registered
// binding and, if it matches and the binding has not expired, mints a
// fresh SVID for it.
func (s *WeaverAuthService) ExchangeToken(ctx context.Context, podName, podNamespace, bearerToken string) (token string, claims auth.SVIDClaims, err error) {
	binding, err := s.bindings.GetByPod(ctx, podName, podNamespace)
	if err != nil {
		return "", auth.SVIDClaims{}, fmt.Errorf("looking up weaver binding: %w", err)
	}
	if time.Now().After(binding.ExpiresAt) {
		return "", auth.SVIDClaims{}, ErrBindingExpired
	}

	presented := HashServiceAccountToken(bearerToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(binding.TokenHash)) != 1 {
		return "", auth.SVIDClaims{}, ErrTokenMismatch
	}

	return s.issuer.Mint(binding.WeaverID, binding.OrgID, binding.RepoID, s.ttl)
}
