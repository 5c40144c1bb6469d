package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Consumer-side client a weaver pod links against to read its own secrets,
// grounded on original_source's loom-weaver-secrets/src/client.rs:
// exchange the pod's mounted K8s service-account token for an SVID, cache
// it with a refresh buffer, and use it as the bearer for secret reads,
// retrying once on 401.

const (
	defaultSATokenPath     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultSANamespacePath = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	defaultServerURL       = "http://loom-server.loom.svc.cluster.local:8080"

	// svidRefreshBuffer mirrors SVID_REFRESH_BUFFER_SECS: a cached SVID is
	// treated as expired 60 seconds before its stated expiry, so a
	// request that starts just under the wire doesn't race the server's
	// own clock.
	svidRefreshBuffer = 60 * time.Second
)

// ErrSVIDRejected is returned when the secrets server responds 401 to a
// read that was presented with a cached SVID; the caller should treat
// this as a signal to clear the cache and retry once, which GetSecret
// does internally.
var ErrSVIDRejected = errors.New("weaver svid rejected by secrets server")

// RedactedValue wraps a decrypted secret so it can be passed around,
// logged, and printed without leaking its contents. Only Expose returns
// the real bytes; String and LogValue both collapse to a fixed
// placeholder, matching the client.rs original's SecretString redaction.
type RedactedValue string

func (RedactedValue) String() string       { return "[REDACTED]" }
func (RedactedValue) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }
func (v RedactedValue) Expose() string     { return string(v) }

// ClientConfig configures a Client. ServerURL, PodName, and PodNamespace
// all fall back to conventional defaults (the in-cluster service DNS name
// and the pod's own downward-API-free namespace file) so a weaver running
// with default wiring needs to set nothing.
type ClientConfig struct {
	ServerURL    string
	PodName      string
	PodNamespace string

	// SATokenPath and SANamespacePath override where the pod's mounted
	// service-account token and namespace are read from; left blank,
	// the standard projected-volume paths are used.
	SATokenPath    string
	SANamespacePath string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type cachedSVID struct {
	token     string
	expiresAt time.Time
}

// Client is the weaver pod's handle onto the secrets service: it turns
// the pod's mounted service-account token into a cached, self-refreshing
// SVID, then uses that SVID to read secret values over HTTP. Grounded on
// original_source's loom-weaver-secrets/src/client.rs SecretsClient, with
// the same cache/refresh-buffer/retry-once shape reimplemented as a
// synchronous net/http client guarded by a mutex instead of an async
// RwLock, styled like pkg/events/client.go's ReconnectingClient.
type Client struct {
	http         *http.Client
	logger       *slog.Logger
	serverURL    string
	podName      string
	podNamespace string
	saTokenPath  string

	mu   sync.Mutex
	svid *cachedSVID
}

// NewClient builds a Client from cfg, reading the pod's namespace from
// SANamespacePath when PodNamespace is left blank. PodName still has no
// reliable in-container source (Kubernetes only downward-API-injects the
// pod's own name, not via a fixed file path), so a caller that omits it
// gets a client that will fail token exchange with a clear error rather
// than silently defaulting to an empty identity.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	serverURL := cfg.ServerURL
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	saTokenPath := cfg.SATokenPath
	if saTokenPath == "" {
		saTokenPath = defaultSATokenPath
	}

	podNamespace := cfg.PodNamespace
	if podNamespace == "" {
		namespacePath := cfg.SANamespacePath
		if namespacePath == "" {
			namespacePath = defaultSANamespacePath
		}
		raw, err := os.ReadFile(namespacePath)
		if err != nil {
			return nil, fmt.Errorf("reading pod namespace: %w", err)
		}
		podNamespace = strings.TrimSpace(string(raw))
	}
	if cfg.PodName == "" {
		return nil, errors.New("weaver secrets client: pod name is required")
	}

	return &Client{
		http:         httpClient,
		logger:       logger,
		serverURL:    strings.TrimRight(serverURL, "/"),
		podName:      cfg.PodName,
		podNamespace: podNamespace,
		saTokenPath:  saTokenPath,
	}, nil
}

// GetSecret fetches scope/name. It obtains or refreshes the cached SVID as
// needed and, if the server still rejects the request with 401 (the SVID
// may have been revoked, or the server's clock disagrees with ours about
// expiry), clears the cache and retries exactly once, matching
// get_secret_with_retry in the original.
func (c *Client) GetSecret(ctx context.Context, scope Scope, name string) (RedactedValue, error) {
	value, err := c.getSecretOnce(ctx, scope, name)
	if errors.Is(err, ErrSVIDRejected) {
		c.clearSVID()
		value, err = c.getSecretOnce(ctx, scope, name)
	}
	return value, err
}

func (c *Client) getSecretOnce(ctx context.Context, scope Scope, name string) (RedactedValue, error) {
	svid, err := c.ensureSVID(ctx)
	if err != nil {
		return "", fmt.Errorf("obtaining svid: %w", err)
	}

	url := fmt.Sprintf("%s/internal/weaver-secrets/v1/secrets/%s/%s", c.serverURL, scope, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+svid)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching secret: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Name    string `json:"name"`
			Scope   string `json:"scope"`
			Version int    `json:"version"`
			Value   string `json:"value"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("decoding secret response: %w", err)
		}
		return RedactedValue(body.Value), nil
	case http.StatusUnauthorized:
		return "", ErrSVIDRejected
	case http.StatusForbidden:
		return "", ErrAccessDenied
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("fetching secret: unexpected status %s: %s", resp.Status, sanitizeBodyForError(resp.Body))
	}
}

// ensureSVID returns a cached SVID still valid past the refresh buffer,
// obtaining a fresh one from the server otherwise.
func (c *Client) ensureSVID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.svid != nil && time.Now().Add(svidRefreshBuffer).Before(c.svid.expiresAt) {
		token := c.svid.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	svid, err := c.obtainSVID(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.svid = svid
	c.mu.Unlock()
	return svid.token, nil
}

func (c *Client) clearSVID() {
	c.mu.Lock()
	c.svid = nil
	c.mu.Unlock()
}

// obtainSVID exchanges the pod's mounted service-account token for a
// fresh SVID via POST /internal/weaver-auth/token.
func (c *Client) obtainSVID(ctx context.Context) (*cachedSVID, error) {
	saToken, err := os.ReadFile(c.saTokenPath)
	if err != nil {
		return nil, fmt.Errorf("reading service account token: %w", err)
	}

	reqBody, err := json.Marshal(struct {
		PodName      string `json:"pod_name"`
		PodNamespace string `json:"pod_namespace"`
	}{PodName: c.podName, PodNamespace: c.podNamespace})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/internal/weaver-auth/token", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(saToken)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting svid: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting svid: unexpected status %s: %s", resp.Status, sanitizeBodyForError(resp.Body))
	}

	var parsed struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
		SpiffeID  string    `json:"spiffe_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding svid response: %w", err)
	}
	if c.logger != nil {
		c.logger.Debug("obtained weaver svid", "spiffe_id", parsed.SpiffeID, "expires_at", parsed.ExpiresAt)
	}

	return &cachedSVID{token: parsed.Token, expiresAt: parsed.ExpiresAt}, nil
}

// sanitizeBodyForError reads a short error-response body for inclusion in
// a wrapped error, bounding how much untrusted server output ends up in
// logs.
func sanitizeBodyForError(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 2048))
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "<empty body>"
	}
	return trimmed
}

// String implements fmt.Stringer without exposing the cached SVID,
// matching the original's Debug impl that prints only server_url and
// has_cached_svid.
func (c *Client) String() string {
	c.mu.Lock()
	hasSVID := c.svid != nil
	c.mu.Unlock()
	return fmt.Sprintf("secrets.Client{server_url: %q, pod: %q/%q, has_cached_svid: %t}", c.serverURL, c.podNamespace, c.podName, hasSVID)
}
