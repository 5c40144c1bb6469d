package scm

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

// MaintenanceTask is one of the git housekeeping operations Loom can run
// against a hosted repo.
type MaintenanceTask string

const (
	MaintenanceGC     MaintenanceTask = "gc"
	MaintenancePrune  MaintenanceTask = "prune"
	MaintenanceRepack MaintenanceTask = "repack"
	MaintenanceFsck   MaintenanceTask = "fsck"
	MaintenanceAll    MaintenanceTask = "all"
)

func ParseMaintenanceTask(s string) (MaintenanceTask, bool) {
	switch MaintenanceTask(s) {
	case MaintenanceGC, MaintenancePrune, MaintenanceRepack, MaintenanceFsck, MaintenanceAll:
		return MaintenanceTask(s), true
	default:
		return "", false
	}
}

// MaintenanceJobStatus tracks a scheduled maintenance job's lifecycle.
type MaintenanceJobStatus string

const (
	MaintenanceJobPending MaintenanceJobStatus = "pending"
	MaintenanceJobRunning MaintenanceJobStatus = "running"
	MaintenanceJobSuccess MaintenanceJobStatus = "success"
	MaintenanceJobFailed  MaintenanceJobStatus = "failed"
)

// MaintenanceJob is a persisted record of one maintenance run.
type MaintenanceJob struct {
	ID         uuid.UUID             `json:"id"`
	RepoID     *uuid.UUID            `json:"repo_id,omitempty"`
	Task       MaintenanceTask       `json:"task"`
	Status     MaintenanceJobStatus  `json:"status"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Error      *string               `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

func NewMaintenanceJob(repoID *uuid.UUID, task MaintenanceTask) MaintenanceJob {
	return MaintenanceJob{ID: uuid.New(), RepoID: repoID, Task: task, Status: MaintenanceJobPending}
}

// MaintenanceResult is the outcome of a single RunMaintenance invocation.
type MaintenanceResult struct {
	Task       MaintenanceTask
	Success    bool
	Error      string
	FsckIssues []string
}

// runGitCommand shells a git subcommand inside repoPath, matching the
// original's choice to shell repack rather than drive it through the
// embedded library: go-git has no pack-and-prune equivalent of its own, so
// gc, prune, and repack all go through the git binary here, not just
// repack.
func runGitCommand(ctx context.Context, repoPath string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runRepack(ctx context.Context, repoPath string) error {
	return runGitCommand(ctx, repoPath, "repack", "-a", "-d")
}

func runGC(ctx context.Context, repoPath string) error {
	return runGitCommand(ctx, repoPath, "gc", "--auto")
}

func runPrune(ctx context.Context, repoPath string) error {
	return runGitCommand(ctx, repoPath, "prune")
}

// runFsck walks every commit reachable from every ref and every tree/blob
// they reference via go-git's object store, reporting any object that
// fails to resolve as an issue string. This is a pragmatic approximation
// of `git fsck`: go-git exposes no connectivity-check equivalent of its
// own. Unlike the other three tasks, which shell out to the git binary,
// this one reads objects through the embedded library.
func runFsck(repoPath string) ([]string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repo for fsck: %w", err)
	}

	var issues []string
	refs, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("listing refs for fsck: %w", err)
	}
	defer refs.Close()

	seen := make(map[plumbing.Hash]bool)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		commitIter, walkErr := repo.Log(&git.LogOptions{From: ref.Hash()})
		if walkErr != nil {
			issues = append(issues, fmt.Sprintf("%s: cannot walk history from %s: %v", ref.Name(), ref.Hash(), walkErr))
			return nil
		}
		defer commitIter.Close()
		return commitIter.ForEach(func(c *object.Commit) error {
			if seen[c.Hash] {
				return nil
			}
			seen[c.Hash] = true
			tree, err := c.Tree()
			if err != nil {
				issues = append(issues, fmt.Sprintf("commit %s: missing tree: %v", c.Hash, err))
				return nil
			}
			return tree.Files().ForEach(func(f *object.File) error {
				if _, err := f.Contents(); err != nil {
					issues = append(issues, fmt.Sprintf("commit %s: missing blob for %s: %v", c.Hash, f.Name, err))
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("walking refs for fsck: %w", err)
	}
	return issues, nil
}

// RunMaintenance runs task against the bare repo at repoPath.
func RunMaintenance(ctx context.Context, repoPath string, task MaintenanceTask) (MaintenanceResult, error) {
	timer := time.Now()
	defer func() {
		telemetry.SCMMaintenanceDuration.WithLabelValues(string(task)).Observe(time.Since(timer).Seconds())
	}()

	switch task {
	case MaintenanceGC:
		if err := runGC(ctx, repoPath); err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		return MaintenanceResult{Task: task, Success: true}, nil

	case MaintenancePrune:
		if err := runPrune(ctx, repoPath); err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		return MaintenanceResult{Task: task, Success: true}, nil

	case MaintenanceRepack:
		if err := runRepack(ctx, repoPath); err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		return MaintenanceResult{Task: task, Success: true}, nil

	case MaintenanceFsck:
		issues, err := runFsck(repoPath)
		if err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		result := MaintenanceResult{Task: task, Success: len(issues) == 0, FsckIssues: issues}
		if len(issues) > 0 {
			result.Error = fmt.Sprintf("found %d issues", len(issues))
		}
		return result, nil

	case MaintenanceAll:
		if err := runGC(ctx, repoPath); err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		if err := runPrune(ctx, repoPath); err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		if err := runRepack(ctx, repoPath); err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		issues, err := runFsck(repoPath)
		if err != nil {
			return MaintenanceResult{Task: task, Error: err.Error()}, err
		}
		result := MaintenanceResult{Task: task, Success: len(issues) == 0, FsckIssues: issues}
		if len(issues) > 0 {
			result.Error = fmt.Sprintf("fsck found %d issues", len(issues))
		}
		return result, nil

	default:
		return MaintenanceResult{}, fmt.Errorf("unknown maintenance task %q", task)
	}
}

// RepoMaintenanceResult pairs a maintenance outcome with the repo it ran
// against, for RunGlobalSweep's caller to persist or log.
type RepoMaintenanceResult struct {
	RepoID   uuid.UUID
	RepoPath string
	Result   MaintenanceResult
	Err      error
}

// RunGlobalSweep runs task against every (repoID, repoPath) pair in
// repoPaths, sleeping staggerDelay between each so one repo's maintenance
// window never overlaps its neighbor's.
func RunGlobalSweep(ctx context.Context, repoPaths []RepoPathEntry, task MaintenanceTask, staggerDelay time.Duration, logger *slog.Logger) []RepoMaintenanceResult {
	results := make([]RepoMaintenanceResult, 0, len(repoPaths))
	for i, entry := range repoPaths {
		if i > 0 && staggerDelay > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(staggerDelay):
			}
		}
		result, err := RunMaintenance(ctx, entry.Path, task)
		logger.Info("maintenance run finished", "repo_id", entry.RepoID, "task", task, "success", err == nil)
		results = append(results, RepoMaintenanceResult{RepoID: entry.RepoID, RepoPath: entry.Path, Result: result, Err: err})
	}
	return results
}

// RepoPathEntry pairs a repo id with its on-disk bare-repo path for a
// global maintenance sweep.
type RepoPathEntry struct {
	RepoID uuid.UUID
	Path   string
}
