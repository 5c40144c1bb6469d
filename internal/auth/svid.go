package auth

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// SVIDClaims are the claims minted into a weaver's signed workload identity
// token, issued from POST /internal/weaver-auth/token. The secrets
// service's weaver read path (pkg/secrets) validates these against the
// scope it is asked to resolve.
type SVIDClaims struct {
	WeaverID  uuid.UUID  `json:"weaver_id"`
	OrgID     uuid.UUID  `json:"org_id"`
	RepoID    *uuid.UUID `json:"repo_id,omitempty"`
	SpiffeID  string     `json:"spiffe_id"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// SVIDIssuer mints and verifies SVID JWTs signed with HS256 under a single
// shared key. A production
// deployment would back this with an asymmetric key per trust domain; HS256
// with a config-supplied key needs no additional KMS
// wiring beyond what pkg/secrets already provides for DEK wrapping.
type SVIDIssuer struct {
	signingKey  []byte
	trustDomain string
}

func NewSVIDIssuer(signingKey, trustDomain string) (*SVIDIssuer, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("svid signing key must be at least 32 bytes")
	}
	return &SVIDIssuer{signingKey: []byte(signingKey), trustDomain: trustDomain}, nil
}

// SpiffeID formats the canonical spiffe:// identity for a weaver bound to an
// org and (optionally) a repo.
func (i *SVIDIssuer) SpiffeID(orgID uuid.UUID, repoID *uuid.UUID) string {
	if repoID != nil {
		return fmt.Sprintf("spiffe://%s/org/%s/repo/%s", i.trustDomain, orgID, *repoID)
	}
	return fmt.Sprintf("spiffe://%s/org/%s/weaver", i.trustDomain, orgID)
}

// Mint signs a new SVID JWT for the given weaver/org/repo binding, valid for ttl.
func (i *SVIDIssuer) Mint(weaverID, orgID uuid.UUID, repoID *uuid.UUID, ttl time.Duration) (token string, claims SVIDClaims, err error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: i.signingKey}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", SVIDClaims{}, fmt.Errorf("creating svid signer: %w", err)
	}

	now := time.Now().UTC()
	claims = SVIDClaims{
		WeaverID:  weaverID,
		OrgID:     orgID,
		RepoID:    repoID,
		SpiffeID:  i.SpiffeID(orgID, repoID),
		ExpiresAt: now.Add(ttl),
	}
	registered := jwt.Claims{
		Subject:   claims.SpiffeID,
		Issuer:    "loom-weaver-auth",
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(claims.ExpiresAt),
		NotBefore: jwt.NewNumericDate(now),
	}

	token, err = jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", SVIDClaims{}, fmt.Errorf("signing svid: %w", err)
	}
	return token, claims, nil
}

// Verify checks the signature and expiry of an SVID token and returns its claims.
func (i *SVIDIssuer) Verify(token string) (SVIDClaims, error) {
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return SVIDClaims{}, fmt.Errorf("parsing svid: %w", err)
	}

	var registered jwt.Claims
	var claims SVIDClaims
	if err := tok.Claims(i.signingKey, &registered, &claims); err != nil {
		return SVIDClaims{}, fmt.Errorf("verifying svid: %w", err)
	}
	if err := registered.ValidateWithLeeway(jwt.Expected{Issuer: "loom-weaver-auth", Time: time.Now()}, 5*time.Second); err != nil {
		return SVIDClaims{}, fmt.Errorf("validating svid claims: %w", err)
	}
	return claims, nil
}
