package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
)

// CreateSecretInput is the admin-path request to create a new secret and
// its first version.
type CreateSecretInput struct {
	OrgID    uuid.UUID
	Scope    Scope
	RepoID   *uuid.UUID
	WeaverID *uuid.UUID
	Name     string
	Value    []byte
}

// Value is a decrypted secret, returned only from the weaver read path and
// never logged or persisted in this shape.
type Value struct {
	SecretID uuid.UUID
	Name     string
	Scope    Scope
	Version  int
	Plain    []byte
}

// Service composes the store and the active KeyBackend into secret
// lifecycle operations. Per the Rust original this service does not itself
// enforce user-level authorization for the admin operations
// (CreateSecret/GetSecret/ListSecrets/RotateSecret/DeleteSecret) — callers
// at the HTTP layer must check the caller's org role first. GetSecretForWeaver
// is the one path that enforces its own access check, since a weaver's SVID
// claims are the only authorization input it has.
type Service struct {
	store      *Store
	keyBackend KeyBackend
}

func NewService(store *Store, keyBackend KeyBackend) *Service {
	return &Service{store: store, keyBackend: keyBackend}
}

func validateCreateSecretInput(input CreateSecretInput) error {
	if err := ValidateSecretName(input.Name); err != nil {
		return err
	}
	if err := ValidateValue(input.Value); err != nil {
		return err
	}
	return ValidateScopeFields(input.Scope, input.RepoID, input.WeaverID)
}

// CreateSecret generates a fresh DEK, wraps it under the active key
// backend, encrypts the value, and persists the secret with its first
// (version 1) enabled version.
func (s *Service) CreateSecret(ctx context.Context, input CreateSecretInput) (Secret, error) {
	if err := validateCreateSecretInput(input); err != nil {
		return Secret{}, err
	}

	secret, err := s.store.CreateSecret(ctx, Secret{
		ID:       uuid.New(),
		OrgID:    input.OrgID,
		RepoID:   input.RepoID,
		WeaverID: input.WeaverID,
		Scope:    input.Scope,
		Name:     input.Name,
	})
	if err != nil {
		return Secret{}, fmt.Errorf("creating secret: %w", err)
	}

	if _, err := s.sealNewVersion(ctx, secret.ID, 1, input.Value); err != nil {
		return Secret{}, fmt.Errorf("sealing initial version: %w", err)
	}
	return secret, nil
}

// sealNewVersion generates a fresh DEK, wraps it, encrypts plaintext under
// it, and persists both the wrapper and the version row. Every call mints a
// brand new DEK; no version ever reuses another version's key.
func (s *Service) sealNewVersion(ctx context.Context, secretID uuid.UUID, version int, plaintext []byte) (SecretVersion, error) {
	dek, err := generateDEK()
	if err != nil {
		return SecretVersion{}, err
	}
	wrapped, err := s.keyBackend.Wrap(ctx, dek)
	if err != nil {
		return SecretVersion{}, fmt.Errorf("wrapping dek: %w", err)
	}
	wrapper, err := s.store.CreateDEKWrapper(ctx, DEKWrapper{
		ID:             uuid.New(),
		WrappedDEK:     wrapped,
		KeyBackendName: s.keyBackend.Name(),
	})
	if err != nil {
		return SecretVersion{}, fmt.Errorf("storing dek wrapper: %w", err)
	}

	ciphertext, nonce, err := sealValue(dek, plaintext)
	if err != nil {
		return SecretVersion{}, err
	}

	return s.store.CreateVersion(ctx, SecretVersion{
		ID:         uuid.New(),
		SecretID:   secretID,
		Version:    version,
		DEKID:      wrapper.ID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	})
}

// GetSecret returns a secret's metadata only; it never decrypts a value.
func (s *Service) GetSecret(ctx context.Context, id uuid.UUID) (Secret, error) {
	return s.store.GetSecret(ctx, id)
}

func (s *Service) GetSecretByScope(ctx context.Context, orgID uuid.UUID, repoID, weaverID *uuid.UUID, name string) (Secret, error) {
	return s.store.GetSecretByScope(ctx, orgID, repoID, weaverID, name)
}

func (s *Service) ListSecretsByOrg(ctx context.Context, orgID uuid.UUID) ([]Secret, error) {
	return s.store.ListSecretsByOrg(ctx, orgID)
}

func (s *Service) ListSecretsByRepo(ctx context.Context, repoID uuid.UUID) ([]Secret, error) {
	return s.store.ListSecretsByRepo(ctx, repoID)
}

func (s *Service) DeleteSecret(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteSecret(ctx, id)
}

// RotateSecret always mints a fresh DEK for the new value, rather than
// re-wrapping the previous version's key: a compromised wrapping key only
// ever recovers the versions encrypted while it was in use, not future
// ones, and a fresh DEK per version keeps that property even within a
// single wrapping key's lifetime.
func (s *Service) RotateSecret(ctx context.Context, secretID uuid.UUID, newValue []byte) (int, error) {
	if err := ValidateValue(newValue); err != nil {
		return 0, err
	}
	if _, err := s.store.GetSecret(ctx, secretID); err != nil {
		return 0, err
	}
	latest, err := s.store.LatestVersionNumber(ctx, secretID)
	if err != nil {
		return 0, fmt.Errorf("loading latest version number: %w", err)
	}
	next := latest + 1
	if _, err := s.sealNewVersion(ctx, secretID, next, newValue); err != nil {
		return 0, fmt.Errorf("sealing rotated version: %w", err)
	}
	return next, nil
}

// ErrDisabled maps to a conflict in the HTTP layer; nothing in this package
// returns it. A secret with no enabled version makes GetSecretForWeaver
// return ErrNotFound (from Store.GetEnabledVersion).
var ErrDisabled = errors.New("secret version disabled")

// ErrAccessDenied is returned by GetSecretForWeaver when the resolved
// secret's scope binding doesn't match the weaver's SVID claims.
var ErrAccessDenied = errors.New("weaver svid not authorized for this secret scope")

// GetSecretForWeaver resolves and decrypts the named secret for a weaver
// pod, deriving the org/repo/weaver binding to look up entirely from the
// weaver's validated SVID claims rather than from caller-supplied IDs: a
// weaver can never ask for a secret outside the scope its own token was
// minted for. This is the one read path that enforces its own
// authorization, independent of the policy engine, because an agent pod's
// SVID is the only credential it holds.
func (s *Service) GetSecretForWeaver(ctx context.Context, claims auth.SVIDClaims, scope Scope, name string) (Value, error) {
	if err := ValidateSecretName(name); err != nil {
		return Value{}, err
	}

	var repoID, weaverID *uuid.UUID
	switch scope {
	case ScopeRepo:
		if claims.RepoID == nil {
			return Value{}, fmt.Errorf("%w: weaver has no repo binding for a repo-scoped secret", ErrAccessDenied)
		}
		repoID = claims.RepoID
	case ScopeWeaver:
		if claims.RepoID == nil {
			return Value{}, fmt.Errorf("%w: weaver has no repo binding for a weaver-scoped secret", ErrAccessDenied)
		}
		repoID = claims.RepoID
		weaverID = &claims.WeaverID
	case ScopeOrg:
	default:
		return Value{}, fmt.Errorf("unknown scope %q", scope)
	}

	secret, err := s.store.GetSecretByScope(ctx, claims.OrgID, repoID, weaverID, name)
	if err != nil {
		return Value{}, err
	}

	if !s.weaverCanAccess(claims, secret) {
		return Value{}, ErrAccessDenied
	}

	version, err := s.store.GetEnabledVersion(ctx, secret.ID)
	if err != nil {
		return Value{}, err
	}

	plaintext, err := s.decryptVersion(ctx, version)
	if err != nil {
		return Value{}, err
	}

	return Value{SecretID: secret.ID, Name: secret.Name, Scope: secret.Scope, Version: version.Version, Plain: plaintext}, nil
}

// weaverCanAccess re-derives the scope check from the resolved secret
// itself rather than trusting the lookup alone: GetSecretByScope's
// IS NOT DISTINCT FROM matching already constrains which row comes back,
// but this second check keeps the authorization decision readable at the
// call site and independent of the store query's correctness.
func (s *Service) weaverCanAccess(claims auth.SVIDClaims, secret Secret) bool {
	if secret.OrgID != claims.OrgID {
		return false
	}
	switch secret.Scope {
	case ScopeOrg:
		return true
	case ScopeRepo:
		return secret.RepoID != nil && claims.RepoID != nil && *secret.RepoID == *claims.RepoID
	case ScopeWeaver:
		return secret.RepoID != nil && claims.RepoID != nil && *secret.RepoID == *claims.RepoID &&
			secret.WeaverID != nil && *secret.WeaverID == claims.WeaverID
	default:
		return false
	}
}

func (s *Service) decryptVersion(ctx context.Context, version SecretVersion) ([]byte, error) {
	wrapper, err := s.store.GetDEKWrapper(ctx, version.DEKID)
	if err != nil {
		return nil, fmt.Errorf("loading dek wrapper: %w", err)
	}
	dek, err := s.keyBackend.Unwrap(ctx, wrapper.WrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("unwrapping dek: %w", err)
	}
	return openValue(dek, version.Nonce, version.Ciphertext)
}
