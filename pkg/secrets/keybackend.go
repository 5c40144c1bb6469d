package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// KeyBackend wraps and unwraps data encryption keys. A DEK's plaintext
// bytes only ever exist transiently, inside Wrap/Unwrap and the
// seal/open calls immediately around them; everything persisted is the
// backend's wrapped form.
type KeyBackend interface {
	// Name identifies the backend a DEKWrapper was wrapped under, so an
	// unwrap request routes to the same backend that produced it even if
	// the service is configured with several over its lifetime.
	Name() string
	Wrap(ctx context.Context, dek []byte) (wrapped []byte, err error)
	Unwrap(ctx context.Context, wrapped []byte) (dek []byte, err error)
}

// LocalKeyBackend wraps DEKs with a single master key held in process
// memory (typically sourced from an environment variable or a mounted
// file, never from the database). It is the backend a self-hosted or
// development deployment runs with; a production deployment swaps in a
// KMS-backed implementation behind the same interface without touching
// pkg/secrets's service logic.
type LocalKeyBackend struct {
	aead cipher.AEAD
}

const localKeyBackendName = "local"

// NewLocalKeyBackend constructs a backend from a 32-byte AES-256 master
// key.
func NewLocalKeyBackend(masterKey []byte) (*LocalKeyBackend, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("constructing master key cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing master key aead: %w", err)
	}
	return &LocalKeyBackend{aead: aead}, nil
}

func (b *LocalKeyBackend) Name() string { return localKeyBackendName }

func (b *LocalKeyBackend) Wrap(_ context.Context, dek []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating wrap nonce: %w", err)
	}
	sealed := b.aead.Seal(nil, nonce, dek, nil)
	return append(nonce, sealed...), nil
}

func (b *LocalKeyBackend) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("wrapped dek shorter than nonce size")
	}
	nonce, sealed := wrapped[:nonceSize], wrapped[nonceSize:]
	dek, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping dek: %w", err)
	}
	return dek, nil
}
