package auth

import "testing"

func TestGenerateAPIKey_FormatAndVerifyRoundTrip(t *testing.T) {
	plaintext, hash, err := GenerateAPIKey(FastTestArgonParams)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if len(plaintext) != len(apiKeyTokenPrefix)+64 {
		t.Fatalf("plaintext length = %d, want %d", len(plaintext), len(apiKeyTokenPrefix)+64)
	}

	ok, err := VerifyAPIKey(plaintext, hash)
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if !ok {
		t.Fatal("verify(plaintext, hash) = false, want true")
	}
}

func TestHashAPIKey_FreshSaltProducesDistinctHashes(t *testing.T) {
	const plaintext = "lk_" + "ab"
	h1, err := HashAPIKey(plaintext, FastTestArgonParams)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	h2, err := HashAPIKey(plaintext, FastTestArgonParams)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	if h1 == h2 {
		t.Fatal("two hashes of the same plaintext were identical; salt is not fresh")
	}

	for _, h := range []string{h1, h2} {
		ok, err := VerifyAPIKey(plaintext, h)
		if err != nil {
			t.Fatalf("VerifyAPIKey: %v", err)
		}
		if !ok {
			t.Fatalf("VerifyAPIKey(%q, %q) = false, want true", plaintext, h)
		}
	}
}

func TestVerifyAPIKey_WrongPlaintextRejected(t *testing.T) {
	plaintext, hash, err := GenerateAPIKey(FastTestArgonParams)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	cases := []string{
		plaintext + "x",
		plaintext[:len(plaintext)-1],
		"lk_0000000000000000000000000000000000000000000000000000000000000000",
		"",
	}
	for _, bad := range cases {
		ok, err := VerifyAPIKey(bad, hash)
		if err != nil {
			continue // malformed input is allowed to error instead of returning false
		}
		if ok {
			t.Fatalf("VerifyAPIKey(%q, hash) = true, want false", bad)
		}
	}
}

func TestHasAPIKeyPrefix(t *testing.T) {
	cases := []struct {
		token string
		want  bool
	}{
		{"lk_abc", true},
		{"lt_abc", false},
		{"", false},
	}
	for _, tt := range cases {
		if got := HasAPIKeyPrefix(tt.token); got != tt.want {
			t.Errorf("HasAPIKeyPrefix(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}
