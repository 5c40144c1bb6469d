package secrets

import (
	"context"
	"testing"
)

func TestLocalKeyBackend_WrapUnwrapRoundtrip(t *testing.T) {
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	backend, err := NewLocalKeyBackend(masterKey)
	if err != nil {
		t.Fatalf("NewLocalKeyBackend: %v", err)
	}

	dek, err := generateDEK()
	if err != nil {
		t.Fatalf("generateDEK: %v", err)
	}
	ctx := context.Background()
	wrapped, err := backend.Wrap(ctx, dek)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if string(wrapped) == string(dek) {
		t.Error("wrapped dek must not equal the plaintext dek")
	}
	unwrapped, err := backend.Unwrap(ctx, wrapped)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if string(unwrapped) != string(dek) {
		t.Error("unwrap should recover the original dek")
	}
}

func TestLocalKeyBackend_UnwrapRejectsTamperedWrapper(t *testing.T) {
	masterKey := make([]byte, 32)
	backend, err := NewLocalKeyBackend(masterKey)
	if err != nil {
		t.Fatalf("NewLocalKeyBackend: %v", err)
	}
	dek, _ := generateDEK()
	ctx := context.Background()
	wrapped, err := backend.Wrap(ctx, dek)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	wrapped[len(wrapped)-1] ^= 0xFF
	if _, err := backend.Unwrap(ctx, wrapped); err == nil {
		t.Error("tampered wrapped dek should fail to unwrap")
	}
}
