package scm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/db"
	"github.com/ohitslaurence/loom/internal/policy"
)

// BranchProtectionRule guards a branch-name pattern on a repo against
// direct pushes, force pushes, and/or deletion.
type BranchProtectionRule struct {
	ID              uuid.UUID `json:"id"`
	RepoID          uuid.UUID `json:"repo_id"`
	Pattern         string    `json:"pattern"`
	BlockDirectPush bool      `json:"block_direct_push"`
	BlockForcePush  bool      `json:"block_force_push"`
	BlockDeletion   bool      `json:"block_deletion"`
	CreatedAt       time.Time `json:"created_at"`
}

// ViolationKind discriminates which protection rule a push tripped.
type ViolationKind string

const (
	ViolationDirectPushBlocked ViolationKind = "direct_push_blocked"
	ViolationForcePushBlocked  ViolationKind = "force_push_blocked"
	ViolationDeletionBlocked   ViolationKind = "deletion_blocked"
)

// ProtectionViolation is the typed error CheckPushAllowed returns on the
// first matching rule that blocks the push.
type ProtectionViolation struct {
	Kind    ViolationKind
	Branch  string
	Pattern string
}

func (v *ProtectionViolation) Error() string {
	switch v.Kind {
	case ViolationForcePushBlocked:
		return fmt.Sprintf("force push to branch %q is blocked by protection rule %q", v.Branch, v.Pattern)
	case ViolationDeletionBlocked:
		return fmt.Sprintf("deletion of branch %q is blocked by protection rule %q", v.Branch, v.Pattern)
	default:
		return fmt.Sprintf("direct push to branch %q is blocked by protection rule %q", v.Branch, v.Pattern)
	}
}

// PushCheck is the push Loom is deciding whether to allow.
type PushCheck struct {
	Branch       string
	IsForcePush  bool
	IsDeletion   bool
	UserIsAdmin  bool
}

// MatchesPattern reports whether pattern matches branch under the three
// supported forms: exact equality, "prefix/*" (matches any ref under
// prefix/), and "prefix*" (matches anything starting with prefix).
func MatchesPattern(pattern, branch string) bool {
	if pattern == branch {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(branch, prefix+"/")
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(branch, prefix)
	}
	return false
}

// CheckPushAllowed evaluates check against rules in order, returning the
// first violation. Admins bypass all rules. Per matching rule: deletion
// blocked first, then force-push blocked, then direct-push blocked — so a
// rule that only blocks deletion never blocks an ordinary fast-forward
// push to the same branch.
func CheckPushAllowed(rules []BranchProtectionRule, check PushCheck) error {
	if check.UserIsAdmin {
		return nil
	}
	for _, rule := range rules {
		if !MatchesPattern(rule.Pattern, check.Branch) {
			continue
		}
		if check.IsDeletion && rule.BlockDeletion {
			return &ProtectionViolation{Kind: ViolationDeletionBlocked, Branch: check.Branch, Pattern: rule.Pattern}
		}
		if check.IsForcePush && rule.BlockForcePush {
			return &ProtectionViolation{Kind: ViolationForcePushBlocked, Branch: check.Branch, Pattern: rule.Pattern}
		}
		if rule.BlockDirectPush {
			return &ProtectionViolation{Kind: ViolationDirectPushBlocked, Branch: check.Branch, Pattern: rule.Pattern}
		}
	}
	return nil
}

// ProtectionStore persists branch protection rules.
type ProtectionStore struct {
	dbtx db.DBTX
}

func NewProtectionStore(dbtx db.DBTX) *ProtectionStore {
	return &ProtectionStore{dbtx: dbtx}
}

const protectionColumns = `id, repo_id, pattern, block_direct_push, block_force_push, block_deletion, created_at`

func scanProtectionRule(row interface {
	Scan(dest ...any) error
}) (BranchProtectionRule, error) {
	var r BranchProtectionRule
	err := row.Scan(&r.ID, &r.RepoID, &r.Pattern, &r.BlockDirectPush, &r.BlockForcePush, &r.BlockDeletion, &r.CreatedAt)
	return r, err
}

func (s *ProtectionStore) Create(ctx context.Context, r BranchProtectionRule) (BranchProtectionRule, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO branch_protection_rules (id, repo_id, pattern, block_direct_push, block_force_push, block_deletion)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+protectionColumns,
		r.ID, r.RepoID, r.Pattern, r.BlockDirectPush, r.BlockForcePush, r.BlockDeletion,
	)
	return scanProtectionRule(row)
}

func (s *ProtectionStore) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]BranchProtectionRule, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+protectionColumns+` FROM branch_protection_rules WHERE repo_id = $1 ORDER BY created_at`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []BranchProtectionRule
	for rows.Next() {
		r, err := scanProtectionRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *ProtectionStore) Delete(ctx context.Context, repoID, ruleID uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM branch_protection_rules WHERE id = $1 AND repo_id = $2`, ruleID, repoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ProtectionService evaluates protection rules and plugs into
// policy.Engine as a policy.ProtectionDelegate, so the ABAC composition
// can veto a write/delete that a branch protection rule would block
// without internal/policy importing this package.
type ProtectionService struct {
	store *ProtectionStore
	repos *Store
}

func NewProtectionService(store *ProtectionStore, repos *Store) *ProtectionService {
	return &ProtectionService{store: store, repos: repos}
}

// EvaluateProtection checks whether action on repoID's default branch is
// blocked by a protection rule. The ABAC engine only knows coarse
// read/write/admin/delete_repo actions, not the branch a caller is
// actually pushing to, so this conservatively evaluates against the
// repo's default branch: a write is treated as a non-force direct push,
// delete_repo as a branch deletion. Per-branch push checks with the real
// branch name use CheckPushAllowed directly.
func (p *ProtectionService) EvaluateProtection(ctx context.Context, repoID uuid.UUID, action string) (policy.Decision, error) {
	repo, err := p.repos.GetRepo(ctx, repoID)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("loading repo for protection check: %w", err)
	}
	rules, err := p.store.ListByRepo(ctx, repoID)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("loading protection rules: %w", err)
	}
	check := PushCheck{
		Branch:     repo.DefaultBranch,
		IsDeletion: action == "delete_repo",
	}
	if err := CheckPushAllowed(rules, check); err != nil {
		return policy.Decision{Allowed: false, Reason: err.Error()}, nil
	}
	return policy.Decision{Allowed: true, Reason: "no protection rule blocks this action"}, nil
}
