// Package scm implements the repository lifecycle, branch protection,
// external mirror pull/push, and git maintenance sweep that make up
// Loom's source control core: the control plane for repos backed by an
// embedded go-git working copy, not a git wire-protocol server.
package scm

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
)

// OwnerType discriminates whether a repo is owned directly by a user
// (a personal-org repo, mirrored 1:1 with its owning user) or by an org.
type OwnerType string

const (
	OwnerTypeUser OwnerType = "user"
	OwnerTypeOrg  OwnerType = "org"
)

// Visibility is a repo's discoverability, independent of its owning org's.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Repository is a source repo Loom hosts a working copy of.
type Repository struct {
	ID            uuid.UUID  `json:"id"`
	OwnerType     OwnerType  `json:"owner_type"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	Name          string     `json:"name"`
	Visibility    Visibility `json:"visibility"`
	DefaultBranch string     `json:"default_branch"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RepoTeamAccess grants a team a resolved RepoRole on a repo; the highest
// grant across a user's teams is the team-path input to internal/policy's ABAC
// composition.
type RepoTeamAccess struct {
	RepoID uuid.UUID
	TeamID uuid.UUID
	Role   auth.RepoRole
}

// RepoPath derives the on-disk bare-repo path for a primary (non-mirror)
// repo from the configured data root, mirroring MirrorService's own
// repoID-keyed layout so primary and mirror storage sit side by side under
// the same root without colliding.
func RepoPath(dataRoot string, repoID uuid.UUID) string {
	return filepath.Join(dataRoot, repoID.String()+".git")
}

// InvalidNameError is returned by ValidateRepoName; Reason is the specific
// rule the name violated.
type InvalidNameError struct {
	Reason string
}

func (e *InvalidNameError) Error() string { return "invalid repo name: " + e.Reason }

const shellMetacharacters = ";&|`$(){}[]<>!"

// ValidateRepoName enforces the repo-name charset and path-safety rules: 1-100
// ASCII alphanumeric/-/_/. characters, no leading '.' or '-', never "." or
// "..", no ".." substring, no path separators, and none of the shell
// metacharacters that would be dangerous if a name were ever interpolated
// into a shell command (maintenance tasks shell out to the git binary).
func ValidateRepoName(name string) error {
	if len(name) == 0 || len(name) > 100 {
		return &InvalidNameError{Reason: "name must be 1-100 characters"}
	}
	if name == "." || name == ".." {
		return &InvalidNameError{Reason: "name cannot be '.' or '..'"}
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") {
		return &InvalidNameError{Reason: "name cannot start with '.' or '-'"}
	}
	if strings.Contains(name, "..") {
		return &InvalidNameError{Reason: "name cannot contain '..'"}
	}
	if strings.ContainsAny(name, "/\\") {
		return &InvalidNameError{Reason: "name cannot contain path separators"}
	}
	if strings.ContainsAny(name, shellMetacharacters) {
		return &InvalidNameError{Reason: "name cannot contain shell metacharacters"}
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return &InvalidNameError{Reason: fmt.Sprintf("disallowed character %q", c)}
		}
	}
	return nil
}
