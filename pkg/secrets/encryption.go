package secrets

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// dekSize is the length of a raw (unwrapped) data encryption key: a
// ChaCha20-Poly1305 key.
const dekSize = chacha20poly1305.KeySize

// generateDEK returns a fresh random data encryption key. Called once per
// secret version; never reused across versions or secrets.
func generateDEK() ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generating dek: %w", err)
	}
	return dek, nil
}

// sealValue encrypts plaintext under dek with a fresh random nonce,
// returning the ciphertext (with the AEAD tag appended) and the nonce used.
func sealValue(dek, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing aead: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// openValue decrypts ciphertext under dek and nonce, returning the
// plaintext or an error if the AEAD tag fails to verify (tampered
// ciphertext, or the wrong DEK — e.g. a stale wrapped key from a prior
// version, which must never successfully decrypt a later version's
// ciphertext).
func openValue(dek, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, fmt.Errorf("constructing aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret value: %w", err)
	}
	return plaintext, nil
}
