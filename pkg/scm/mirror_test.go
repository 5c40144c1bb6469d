package scm

import (
	"context"
	"errors"
	"testing"

	"github.com/go-git/go-git/v5"
)

func TestIsDivergenceError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"non-fast-forward update", true},
		{"some refs were not updated", true},
		{"reference has changed since last read", true},
		{"fatal: repository not found", false},
		{"authentication failed", false},
	}
	for _, c := range cases {
		if got := isDivergenceError(errors.New(c.msg)); got != c.want {
			t.Errorf("isDivergenceError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
	if !isDivergenceError(git.ErrForceNeeded) {
		t.Error("git.ErrForceNeeded should be classified as a divergence error")
	}
	if isDivergenceError(nil) {
		t.Error("nil error should not be a divergence error")
	}
}

func TestCloneURL(t *testing.T) {
	if got := CloneURL(PlatformGitHub, "torvalds", "linux"); got != "https://github.com/torvalds/linux.git" {
		t.Errorf("github clone url = %q", got)
	}
	if got := CloneURL(PlatformGitLab, "gitlab-org", "gitlab"); got != "https://gitlab.com/gitlab-org/gitlab.git" {
		t.Errorf("gitlab clone url = %q", got)
	}
}

func TestRefsHash_Deterministic(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, true); err != nil {
		t.Fatalf("init bare repo: %v", err)
	}
	h1, err := refsHash(dir)
	if err != nil {
		t.Fatalf("refsHash: %v", err)
	}
	h2, err := refsHash(dir)
	if err != nil {
		t.Fatalf("refsHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("refsHash not deterministic: %q != %q", h1, h2)
	}
}

func TestValidateRemoteURL(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		url     string
		wantErr bool
	}{
		{"http://github.com/foo/bar.git", true},
		{"https://localhost/foo/bar.git", true},
		{"https://127.0.0.1/foo/bar.git", true},
		{"https://169.254.169.254/latest/meta-data", true},
		{"ftp://github.com/foo/bar.git", true},
	}
	for _, c := range cases {
		err := ValidateRemoteURL(ctx, c.url)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateRemoteURL(%q) error = %v, wantErr %v", c.url, err, c.wantErr)
		}
	}
}

func TestSplitOwnerRepo(t *testing.T) {
	owner, repo, ok := splitOwnerRepo("https://github.com/torvalds/linux.git")
	if !ok || owner != "torvalds" || repo != "linux" {
		t.Errorf("splitOwnerRepo = (%q, %q, %v)", owner, repo, ok)
	}
	if _, _, ok := splitOwnerRepo("not-a-url"); ok {
		t.Error("expected ok=false for an unparseable remote")
	}
}
