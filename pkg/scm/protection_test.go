package scm

import (
	"errors"
	"testing"
)

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		pattern, branch string
		want            bool
	}{
		{"main", "main", true},
		{"main", "develop", false},
		{"release/*", "release/1.0", true},
		{"release/*", "release/1.0/hotfix", true},
		{"release/*", "releasex", false},
		{"feature", "feature/x", false},
		{"hotfix*", "hotfix-urgent", true},
		{"hotfix*", "hotfix", true},
		{"hotfix*", "other", false},
	}
	for _, c := range cases {
		if got := MatchesPattern(c.pattern, c.branch); got != c.want {
			t.Errorf("MatchesPattern(%q, %q) = %v, want %v", c.pattern, c.branch, got, c.want)
		}
	}
}

// TestCheckPushAllowed_ProtectionEvaluation mirrors the literal scenario:
// rules = [{pattern:"main", block_direct_push, block_force_push,
// block_deletion: all true}]. A non-admin direct push to main is blocked;
// an admin push is allowed; a push to an unrelated branch is allowed.
func TestCheckPushAllowed_ProtectionEvaluation(t *testing.T) {
	rules := []BranchProtectionRule{
		{Pattern: "main", BlockDirectPush: true, BlockForcePush: true, BlockDeletion: true},
	}

	err := CheckPushAllowed(rules, PushCheck{Branch: "main"})
	var violation *ProtectionViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected a ProtectionViolation, got %v", err)
	}
	if violation.Kind != ViolationDirectPushBlocked {
		t.Errorf("kind = %v, want %v", violation.Kind, ViolationDirectPushBlocked)
	}

	if err := CheckPushAllowed(rules, PushCheck{Branch: "main", UserIsAdmin: true}); err != nil {
		t.Errorf("admin push should be allowed, got %v", err)
	}

	if err := CheckPushAllowed(rules, PushCheck{Branch: "feature/x"}); err != nil {
		t.Errorf("push to unrelated branch should be allowed, got %v", err)
	}
}

func TestCheckPushAllowed_DeletionTakesPrecedenceOverDirectPush(t *testing.T) {
	rules := []BranchProtectionRule{
		{Pattern: "main", BlockDirectPush: true, BlockDeletion: true},
	}
	err := CheckPushAllowed(rules, PushCheck{Branch: "main", IsDeletion: true})
	var violation *ProtectionViolation
	if !errors.As(err, &violation) || violation.Kind != ViolationDeletionBlocked {
		t.Errorf("expected DeletionBlocked, got %v", err)
	}
}

func TestCheckPushAllowed_ForcePushOnlyRuleAllowsOrdinaryPush(t *testing.T) {
	rules := []BranchProtectionRule{
		{Pattern: "main", BlockForcePush: true},
	}
	if err := CheckPushAllowed(rules, PushCheck{Branch: "main"}); err != nil {
		t.Errorf("ordinary push should pass a force-push-only rule, got %v", err)
	}
	err := CheckPushAllowed(rules, PushCheck{Branch: "main", IsForcePush: true})
	var violation *ProtectionViolation
	if !errors.As(err, &violation) || violation.Kind != ViolationForcePushBlocked {
		t.Errorf("expected ForcePushBlocked, got %v", err)
	}
}

func TestCheckPushAllowed_NoMatchingRule(t *testing.T) {
	rules := []BranchProtectionRule{
		{Pattern: "release/*", BlockDirectPush: true},
	}
	if err := CheckPushAllowed(rules, PushCheck{Branch: "main"}); err != nil {
		t.Errorf("unrelated branch should pass, got %v", err)
	}
}
