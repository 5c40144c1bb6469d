package secrets

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient wires a Client at srv's URL with fake service-account
// token/namespace files, since nothing in this package (or the donor) has
// access to a real mounted projected volume in a test environment.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenPath, []byte("fake-sa-token"), 0o600); err != nil {
		t.Fatalf("writing fake sa token: %v", err)
	}

	client, err := NewClient(ClientConfig{
		ServerURL:   srv.URL,
		PodName:     "weaver-0",
		PodNamespace: "loom",
		SATokenPath: tokenPath,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

// TestClient_GetSecret_CachesSVIDAcrossCalls reproduces the spec §4.8
// caching requirement: a second GetSecret within the SVID's lifetime must
// not mint a new SVID.
func TestClient_GetSecret_CachesSVIDAcrossCalls(t *testing.T) {
	var tokenCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/weaver-auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		writeJSON(w, map[string]any{
			"token":      "svid-1",
			"expires_at": time.Now().Add(time.Hour).UTC(),
			"spiffe_id":  "spiffe://loom/weaver/weaver-0",
		})
	})
	mux.HandleFunc("/internal/weaver-secrets/v1/secrets/weaver/API_KEY", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svid-1" {
			t.Errorf("Authorization header = %q, want Bearer svid-1", got)
		}
		writeJSON(w, map[string]any{"name": "API_KEY", "scope": "weaver", "version": 1, "value": "s3cr3t"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv)
	ctx := t.Context()

	for i := 0; i < 2; i++ {
		got, err := client.GetSecret(ctx, ScopeWeaver, "API_KEY")
		if err != nil {
			t.Fatalf("call %d: GetSecret: %v", i, err)
		}
		if got.Expose() != "s3cr3t" {
			t.Errorf("call %d: value = %q, want s3cr3t", i, got.Expose())
		}
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1 (svid should be cached)", n)
	}
}

// TestClient_GetSecret_RefreshesWithinBuffer reproduces the 60-second
// refresh-buffer requirement: an SVID expiring inside the buffer window
// is treated as already expired and re-obtained rather than reused.
func TestClient_GetSecret_RefreshesWithinBuffer(t *testing.T) {
	var tokenCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/weaver-auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		writeJSON(w, map[string]any{
			"token":      "svid-short",
			"expires_at": time.Now().Add(30 * time.Second).UTC(),
			"spiffe_id":  "spiffe://loom/weaver/weaver-0",
		})
	})
	mux.HandleFunc("/internal/weaver-secrets/v1/secrets/weaver/API_KEY", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"name": "API_KEY", "scope": "weaver", "version": 1, "value": "s3cr3t"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv)
	ctx := t.Context()

	if _, err := client.GetSecret(ctx, ScopeWeaver, "API_KEY"); err != nil {
		t.Fatalf("first GetSecret: %v", err)
	}
	if _, err := client.GetSecret(ctx, ScopeWeaver, "API_KEY"); err != nil {
		t.Fatalf("second GetSecret: %v", err)
	}
	if n := tokenCalls.Load(); n != 2 {
		t.Errorf("token endpoint called %d times, want 2 (30s expiry is inside the 60s refresh buffer)", n)
	}
}

// TestClient_GetSecret_RetriesOnceOn401 reproduces the spec §4.8 retry
// requirement: a 401 on a secret read clears the cached SVID and retries
// exactly once with a freshly obtained one.
func TestClient_GetSecret_RetriesOnceOn401(t *testing.T) {
	var tokenCalls, secretCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/weaver-auth/token", func(w http.ResponseWriter, r *http.Request) {
		n := tokenCalls.Add(1)
		writeJSON(w, map[string]any{
			"token":      map[int64]string{1: "svid-stale", 2: "svid-fresh"}[n],
			"expires_at": time.Now().Add(time.Hour).UTC(),
			"spiffe_id":  "spiffe://loom/weaver/weaver-0",
		})
	})
	mux.HandleFunc("/internal/weaver-secrets/v1/secrets/weaver/API_KEY", func(w http.ResponseWriter, r *http.Request) {
		n := secretCalls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svid-fresh" {
			t.Errorf("retry Authorization header = %q, want Bearer svid-fresh", got)
		}
		writeJSON(w, map[string]any{"name": "API_KEY", "scope": "weaver", "version": 1, "value": "s3cr3t"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv)
	got, err := client.GetSecret(t.Context(), ScopeWeaver, "API_KEY")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if got.Expose() != "s3cr3t" {
		t.Errorf("value = %q, want s3cr3t", got.Expose())
	}
	if n := secretCalls.Load(); n != 2 {
		t.Errorf("secret endpoint called %d times, want 2 (one failure, one retry)", n)
	}
	if n := tokenCalls.Load(); n != 2 {
		t.Errorf("token endpoint called %d times, want 2 (cache must be cleared before the retry)", n)
	}
}

func TestRedactedValue_NeverPrintsExposedValue(t *testing.T) {
	v := RedactedValue("top-secret")
	if v.String() != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", v.String())
	}
	if v.Expose() != "top-secret" {
		t.Errorf("Expose() = %q, want top-secret", v.Expose())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
