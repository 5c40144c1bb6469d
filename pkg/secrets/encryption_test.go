package secrets

import "testing"

func TestSealOpenValue_Roundtrip(t *testing.T) {
	dek, err := generateDEK()
	if err != nil {
		t.Fatalf("generateDEK: %v", err)
	}
	plaintext := []byte("s3cr3t-value")
	ciphertext, nonce, err := sealValue(dek, plaintext)
	if err != nil {
		t.Fatalf("sealValue: %v", err)
	}
	got, err := openValue(dek, nonce, ciphertext)
	if err != nil {
		t.Fatalf("openValue: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("roundtrip = %q, want %q", got, plaintext)
	}
}

// TestRotation_FreshDEKCannotDecryptOtherVersion mirrors the seed scenario:
// create a secret with value "v1", rotate to "v2" — the two versions must
// carry distinct DEKs, and v2's DEK must not decrypt v1's ciphertext.
func TestRotation_FreshDEKCannotDecryptOtherVersion(t *testing.T) {
	dek1, err := generateDEK()
	if err != nil {
		t.Fatalf("generateDEK: %v", err)
	}
	dek2, err := generateDEK()
	if err != nil {
		t.Fatalf("generateDEK: %v", err)
	}

	ciphertext1, nonce1, err := sealValue(dek1, []byte("v1"))
	if err != nil {
		t.Fatalf("sealValue v1: %v", err)
	}
	ciphertext2, nonce2, err := sealValue(dek2, []byte("v2"))
	if err != nil {
		t.Fatalf("sealValue v2: %v", err)
	}

	if got, err := openValue(dek1, nonce1, ciphertext1); err != nil || string(got) != "v1" {
		t.Errorf("v1 should decrypt with its own dek: got %q, err %v", got, err)
	}
	if got, err := openValue(dek2, nonce2, ciphertext2); err != nil || string(got) != "v2" {
		t.Errorf("v2 should decrypt with its own dek: got %q, err %v", got, err)
	}
	if _, err := openValue(dek2, nonce1, ciphertext1); err == nil {
		t.Error("v1's ciphertext must not decrypt under v2's dek")
	}
}

func TestGenerateDEK_Unique(t *testing.T) {
	a, err := generateDEK()
	if err != nil {
		t.Fatalf("generateDEK: %v", err)
	}
	b, err := generateDEK()
	if err != nil {
		t.Fatalf("generateDEK: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two generated DEKs should not collide")
	}
}
