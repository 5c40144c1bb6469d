package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

// oauthCooldownPrefix namespaces the Redis keys that mark a credential as
// parked after a quota error; each key expires after the pool's cooldown.
const oauthCooldownPrefix = "llm:oauth:cooldown:"

// oauthSystemPromptPrefix is the system-prompt prefix that
// PrependOAuthSystemPrompt adds. Nothing in the request path (Handler, the
// adapters, app.buildLLMAdapter) calls PrependOAuthSystemPrompt, so
// requests reach the upstream without it.
const oauthSystemPromptPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

// OAuthCredential is one entry of a rotating pool of long-lived bearer
// tokens, typically loaded from a credential file alongside API keys.
type OAuthCredential struct {
	ID          string `json:"id"`
	BearerToken string `json:"bearer_token"`
}

// CredentialPool rotates among a fixed set of OAuth credentials for a
// single provider, parking any credential that hits a quota error in a
// Redis-backed cooldown cache, keyed by credential ID, until the cooldown
// elapses.
type CredentialPool struct {
	provider    string
	credentials []OAuthCredential
	cooldown    time.Duration
	rdb         *redis.Client
	logger      *slog.Logger

	mu   sync.Mutex
	next int
}

// LoadCredentialFile reads a JSON array of OAuthCredential from path.
func LoadCredentialFile(path string) ([]OAuthCredential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading oauth credential file: %w", err)
	}
	var creds []OAuthCredential
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("parsing oauth credential file: %w", err)
	}
	return creds, nil
}

func NewCredentialPool(provider string, credentials []OAuthCredential, cooldown time.Duration, rdb *redis.Client, logger *slog.Logger) *CredentialPool {
	return &CredentialPool{
		provider:    provider,
		credentials: credentials,
		cooldown:    cooldown,
		rdb:         rdb,
		logger:      logger,
	}
}

func (p *CredentialPool) cooldownKey(id string) string {
	return oauthCooldownPrefix + p.provider + ":" + id
}

// Acquire returns the next credential not currently in cooldown, round
// robin starting from the last position used. It returns ok=false if
// every credential in the pool is parked.
func (p *CredentialPool) Acquire(ctx context.Context) (cred OAuthCredential, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.credentials)
	if n == 0 {
		return OAuthCredential{}, false
	}

	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		c := p.credentials[idx]
		parked, err := p.rdb.Exists(ctx, p.cooldownKey(c.ID)).Result()
		if err != nil {
			p.logger.Warn("oauth cooldown lookup failed, treating credential as available", "error", err, "credential_id", c.ID)
			parked = 0
		}
		if parked == 0 {
			p.next = (idx + 1) % n
			return c, true
		}
	}
	return OAuthCredential{}, false
}

// ParkForCooldown marks a credential as unavailable for the pool's
// configured cooldown window, typically called after the credential's
// bearer token hits an upstream quota error.
func (p *CredentialPool) ParkForCooldown(ctx context.Context, credentialID string) {
	if err := p.rdb.Set(ctx, p.cooldownKey(credentialID), time.Now().UTC().Format(time.RFC3339), p.cooldown).Err(); err != nil {
		p.logger.Warn("failed to park oauth credential for cooldown", "error", err, "credential_id", credentialID)
	}
	telemetry.LLMOAuthCredentialCooldownTotal.WithLabelValues(p.provider).Inc()
}

// PrependOAuthSystemPrompt adds the bearer-token system-prompt prefix to
// req's first system message (or inserts a new leading system message if
// none exists). It is idempotent: a request whose system content already
// carries the prefix is returned unchanged.
func PrependOAuthSystemPrompt(req Request) Request {
	for i, m := range req.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if strings.HasPrefix(m.Content, oauthSystemPromptPrefix) {
			return req
		}
		req.Messages[i].Content = oauthSystemPromptPrefix + "\n\n" + m.Content
		return req
	}

	withPrefix := make([]Message, 0, len(req.Messages)+1)
	withPrefix = append(withPrefix, Message{Role: RoleSystem, Content: oauthSystemPromptPrefix})
	withPrefix = append(withPrefix, req.Messages...)
	req.Messages = withPrefix
	return req
}
