package scm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/db"
	"github.com/ohitslaurence/loom/internal/policy"
)

// DefaultBranchName is used for a repo created without an explicit default
// branch, matching the branch the embedded git working copy initializes.
const DefaultBranchName = "main"

// Service enforces repo lifecycle invariants on top of Store and bridges
// team-access grants into internal/policy's RoleLookup contract.
type Service struct {
	store      *Store
	protection *ProtectionStore
	logger     *slog.Logger
}

func NewService(dbtx db.DBTX, logger *slog.Logger) *Service {
	return &Service{
		store:      NewStore(dbtx),
		protection: NewProtectionStore(dbtx),
		logger:     logger,
	}
}

// TeamGrantsForUser implements policy.RoleLookup's team-grant half,
// resolving repoID's team access grants down to the teams userID belongs
// to.
func (s *Service) TeamGrantsForUser(ctx context.Context, repoID, userID uuid.UUID) ([]policy.TeamGrant, error) {
	grants, err := s.store.TeamGrantsForUser(ctx, repoID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]policy.TeamGrant, 0, len(grants))
	for _, g := range grants {
		out = append(out, policy.TeamGrant{TeamID: g.TeamID, Role: g.Role})
	}
	return out, nil
}

// ResolveRepoOwner implements policy.RepoResolver, translating a repo's
// stored OwnerType/OwnerID into the (orgID, userID) pair Decide's Resource
// expects — exactly one of the two is non-nil, matching OwnerType's two
// variants.
func (s *Service) ResolveRepoOwner(r *http.Request, repoID uuid.UUID) (orgID, userID *uuid.UUID, err error) {
	repo, err := s.store.GetRepo(r.Context(), repoID)
	if err != nil {
		return nil, nil, err
	}
	switch repo.OwnerType {
	case OwnerTypeOrg:
		id := repo.OwnerID
		return &id, nil, nil
	default:
		id := repo.OwnerID
		return nil, &id, nil
	}
}

// CreateRepo validates name and creates a repo owned by ownerType/ownerID,
// defaulting its branch to "main" and its visibility to private.
func (s *Service) CreateRepo(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID, name string, visibility Visibility) (Repository, error) {
	if err := ValidateRepoName(name); err != nil {
		return Repository{}, err
	}
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if _, err := s.store.GetRepoByOwnerAndName(ctx, ownerType, ownerID, name); err == nil {
		return Repository{}, ErrAlreadyExists
	} else if err != ErrNotFound {
		return Repository{}, fmt.Errorf("checking existing repo: %w", err)
	}
	return s.store.CreateRepo(ctx, Repository{
		ID:            uuid.New(),
		OwnerType:     ownerType,
		OwnerID:       ownerID,
		Name:          name,
		Visibility:    visibility,
		DefaultBranch: DefaultBranchName,
	})
}

func (s *Service) GetRepo(ctx context.Context, id uuid.UUID) (Repository, error) {
	return s.store.GetRepo(ctx, id)
}

func (s *Service) ListReposByOwner(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID) ([]Repository, error) {
	return s.store.ListReposByOwner(ctx, ownerType, ownerID)
}

// RepoPathEntries lists every hosted repo's id alongside its bare-repo disk
// path under dataRoot, for the worker's global maintenance sweep to walk.
func (s *Service) RepoPathEntries(ctx context.Context, dataRoot string) ([]RepoPathEntry, error) {
	repos, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repos for maintenance sweep: %w", err)
	}
	entries := make([]RepoPathEntry, 0, len(repos))
	for _, r := range repos {
		entries = append(entries, RepoPathEntry{RepoID: r.ID, Path: RepoPath(dataRoot, r.ID)})
	}
	return entries, nil
}

// UpdateRepo changes a repo's visibility and/or default branch. An empty
// defaultBranch leaves the current branch unchanged.
func (s *Service) UpdateRepo(ctx context.Context, id uuid.UUID, visibility Visibility, defaultBranch string) (Repository, error) {
	current, err := s.store.GetRepo(ctx, id)
	if err != nil {
		return Repository{}, err
	}
	if visibility == "" {
		visibility = current.Visibility
	}
	if defaultBranch == "" {
		defaultBranch = current.DefaultBranch
	}
	return s.store.UpdateRepo(ctx, id, visibility, defaultBranch)
}

// DeleteRepo soft-deletes a repo. The on-disk git working copy and the
// repo's mirror records are left in place: nothing here removes them, and
// RunCleanupSweep only removes mirrors idle past its stale threshold.
func (s *Service) DeleteRepo(ctx context.Context, id uuid.UUID) error {
	return s.store.SoftDeleteRepo(ctx, id)
}

// AddProtectionRule creates a branch protection rule, refusing a duplicate
// pattern on the same repo.
func (s *Service) AddProtectionRule(ctx context.Context, repoID uuid.UUID, pattern string, blockDirectPush, blockForcePush, blockDeletion bool) (BranchProtectionRule, error) {
	existing, err := s.protection.ListByRepo(ctx, repoID)
	if err != nil {
		return BranchProtectionRule{}, fmt.Errorf("listing existing protection rules: %w", err)
	}
	for _, r := range existing {
		if r.Pattern == pattern {
			return BranchProtectionRule{}, ErrAlreadyExists
		}
	}
	return s.protection.Create(ctx, BranchProtectionRule{
		ID:              uuid.New(),
		RepoID:          repoID,
		Pattern:         pattern,
		BlockDirectPush: blockDirectPush,
		BlockForcePush:  blockForcePush,
		BlockDeletion:   blockDeletion,
	})
}

func (s *Service) ListProtectionRules(ctx context.Context, repoID uuid.UUID) ([]BranchProtectionRule, error) {
	return s.protection.ListByRepo(ctx, repoID)
}

func (s *Service) DeleteProtectionRule(ctx context.Context, repoID, ruleID uuid.UUID) error {
	return s.protection.Delete(ctx, repoID, ruleID)
}

// CheckPush evaluates a concrete push (with its real branch name, force and
// deletion flags) against repoID's protection rules. Unlike
// ProtectionService.EvaluateProtection, which the ABAC engine calls with
// only a coarse action string, this is the entry point for callers that
// know the actual ref being pushed (e.g. a git-receive-pack front end).
func (s *Service) CheckPush(ctx context.Context, repoID uuid.UUID, branch string, isForcePush, isDeletion bool, callerRole auth.RepoRole) error {
	rules, err := s.protection.ListByRepo(ctx, repoID)
	if err != nil {
		return fmt.Errorf("loading protection rules: %w", err)
	}
	return CheckPushAllowed(rules, PushCheck{
		Branch:      branch,
		IsForcePush: isForcePush,
		IsDeletion:  isDeletion,
		UserIsAdmin: callerRole >= auth.RepoRoleAdmin,
	})
}

// GrantTeamAccess grants teamID a RepoRole on repoID.
func (s *Service) GrantTeamAccess(ctx context.Context, repoID, teamID uuid.UUID, role auth.RepoRole) error {
	return s.store.GrantTeamAccess(ctx, repoID, teamID, role)
}

func (s *Service) RevokeTeamAccess(ctx context.Context, repoID, teamID uuid.UUID) error {
	return s.store.RevokeTeamAccess(ctx, repoID, teamID)
}

func (s *Service) ListRepoTeamAccess(ctx context.Context, repoID uuid.UUID) ([]RepoTeamAccess, error) {
	return s.store.ListRepoTeamAccess(ctx, repoID)
}
