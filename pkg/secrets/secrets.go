// Package secrets implements envelope-encrypted secret storage scoped to an
// org, a repo, or a single weaver binding. Every secret value is encrypted
// under a per-version data encryption key (DEK); the DEK itself is wrapped
// by a pluggable KeyBackend so the plaintext DEK never touches the
// database. Rotation always mints a fresh DEK rather than re-wrapping the
// old one, so a compromised wrapping key cannot be used to recover a
// secret's history just by re-deriving one key.
package secrets

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Scope discriminates who a secret is bound to and therefore which
// principal kinds may read it.
type Scope string

const (
	ScopeOrg    Scope = "org"
	ScopeRepo   Scope = "repo"
	ScopeWeaver Scope = "weaver"
)

// MaxSecretValueSize bounds a secret's plaintext size before encryption.
const MaxSecretValueSize = 64 * 1024

// Secret is a named, scoped secret's metadata. The current value lives in
// its most recent enabled SecretVersion; Secret itself never carries
// plaintext or ciphertext.
type Secret struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     uuid.UUID  `json:"org_id"`
	RepoID    *uuid.UUID `json:"repo_id,omitempty"`
	WeaverID  *uuid.UUID `json:"weaver_id,omitempty"`
	Scope     Scope      `json:"scope"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SecretVersion is one encrypted value of a Secret. Only the most recent
// enabled version for a Secret is ever returned to a reader; older versions
// are retained for audit and rollback, not for direct access.
type SecretVersion struct {
	ID         uuid.UUID `json:"id"`
	SecretID   uuid.UUID `json:"secret_id"`
	Version    int       `json:"version"`
	DEKID      uuid.UUID `json:"dek_id"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// DEKWrapper stores one data encryption key, itself encrypted ("wrapped")
// by the active KeyBackend. A DEK is created fresh for every secret
// version; nothing ever unwraps and reuses a prior version's DEK.
type DEKWrapper struct {
	ID             uuid.UUID `json:"id"`
	WrappedDEK     []byte    `json:"-"`
	KeyBackendName string    `json:"key_backend"`
	CreatedAt      time.Time `json:"created_at"`
}

// InvalidNameError is returned by ValidateSecretName; Reason names the
// specific rule the candidate name violated.
type InvalidNameError struct {
	Reason string
}

func (e *InvalidNameError) Error() string { return "invalid secret name: " + e.Reason }

var secretNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,127}$`)

// ValidateSecretName enforces the SCREAMING_SNAKE_CASE convention secrets
// are injected into a weaver's environment under: an uppercase letter
// followed by up to 127 uppercase letters, digits, or underscores.
func ValidateSecretName(name string) error {
	if name == "" {
		return &InvalidNameError{Reason: "name cannot be empty"}
	}
	if !secretNamePattern.MatchString(name) {
		return &InvalidNameError{Reason: "name must match ^[A-Z][A-Z0-9_]{0,127}$"}
	}
	return nil
}

// ScopeMismatchError is returned when a Secret's scope-discriminated fields
// are inconsistent with its declared Scope.
type ScopeMismatchError struct {
	Reason string
}

func (e *ScopeMismatchError) Error() string { return "secret scope mismatch: " + e.Reason }

// ValidateScopeFields enforces that exactly the fields implied by scope are
// populated: an org-scoped secret carries no repo or weaver binding, a
// repo-scoped secret carries a repo but no weaver, and a weaver-scoped
// secret carries both (a weaver is always bound to the repo it runs
// against).
func ValidateScopeFields(scope Scope, repoID, weaverID *uuid.UUID) error {
	switch scope {
	case ScopeOrg:
		if repoID != nil || weaverID != nil {
			return &ScopeMismatchError{Reason: "org scope cannot carry a repo or weaver binding"}
		}
	case ScopeRepo:
		if repoID == nil {
			return &ScopeMismatchError{Reason: "repo scope requires a repo binding"}
		}
		if weaverID != nil {
			return &ScopeMismatchError{Reason: "repo scope cannot carry a weaver binding"}
		}
	case ScopeWeaver:
		if repoID == nil || weaverID == nil {
			return &ScopeMismatchError{Reason: "weaver scope requires both a repo and a weaver binding"}
		}
	default:
		return &ScopeMismatchError{Reason: fmt.Sprintf("unknown scope %q", scope)}
	}
	return nil
}

// ValueTooLargeError is returned when a secret's plaintext exceeds
// MaxSecretValueSize.
type ValueTooLargeError struct {
	Size int
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("secret value is %d bytes, exceeds the %d byte limit", e.Size, MaxSecretValueSize)
}

// ValidateValue enforces the plaintext size bound before encryption.
func ValidateValue(plaintext []byte) error {
	if len(plaintext) > MaxSecretValueSize {
		return &ValueTooLargeError{Size: len(plaintext)}
	}
	if len(plaintext) == 0 {
		return fmt.Errorf("secret value cannot be empty")
	}
	return nil
}
