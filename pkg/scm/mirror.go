package scm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/db"
	"github.com/ohitslaurence/loom/internal/telemetry"
)

// Platform is the hosted third-party service a mirror tracks.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// MirrorDirection is whether Loom fetches from, or pushes to, the remote.
type MirrorDirection string

const (
	MirrorDirectionPull MirrorDirection = "pull"
	MirrorDirectionPush MirrorDirection = "push"
)

// ExternalMirror is a tracked replica of a repo on a third-party platform,
// either an inbound read-only pull mirror or an outbound push replica.
type ExternalMirror struct {
	ID             uuid.UUID       `json:"id"`
	RepoID         uuid.UUID       `json:"repo_id"`
	Platform       Platform        `json:"platform"`
	RemoteURL      string          `json:"remote_url"`
	Direction      MirrorDirection `json:"direction"`
	LastSyncedAt   *time.Time      `json:"last_synced_at,omitempty"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PullResult discriminates the outcome of a pull-mirror fetch attempt.
type PullResult string

const (
	PullResultUpdated   PullResult = "updated"
	PullResultNoChanges PullResult = "no_changes"
	PullResultRecloned  PullResult = "recloned"
)

// CloneURL builds the platform's canonical HTTPS clone URL for owner/repo.
func CloneURL(platform Platform, owner, repo string) string {
	switch platform {
	case PlatformGitLab:
		return fmt.Sprintf("https://gitlab.com/%s/%s.git", owner, repo)
	default:
		return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	}
}

// checkRepoExistsURL builds the platform API endpoint used to probe whether
// owner/repo is still present upstream.
func checkRepoExistsURL(platform Platform, owner, repo string) string {
	switch platform {
	case PlatformGitLab:
		return fmt.Sprintf("https://gitlab.com/api/v4/projects/%s%%2F%s", owner, repo)
	default:
		return fmt.Sprintf("https://api.github.com/repos/%s/%s", owner, repo)
	}
}

// divergenceSubstrings are go-git/v5's own error phrasings for a fetch that
// would require overwriting local history: re-derived from this library's
// error surface rather than ported from the original gix-based classifier,
// since the underlying Git library differs and its error text does too.
// go-git surfaces most of these through plain fmt errors from its
// server-info and reference-update code paths, not typed sentinels, so a
// substring match is the only stable way to classify them across versions.
var divergenceSubstrings = []string{
	"non-fast-forward",
	"not a simple fast-forward",
	"some refs were not updated",
	"reference has changed",
	"update reference failed",
	"already exists",
}

func isDivergenceError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, git.ErrForceNeeded) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, s := range divergenceSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// refsHash computes a deterministic digest of a bare repo's HEAD and every
// ref name/oid pair, sorted. Two calls against an unchanged repo produce
// the same digest; any ref addition, removal, or move changes it.
func refsHash(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("opening repo for ref hash: %w", err)
	}

	var lines []string
	if head, err := repo.Head(); err == nil {
		lines = append(lines, "HEAD "+head.Hash().String())
	}

	refs, err := repo.References()
	if err != nil {
		return "", fmt.Errorf("listing refs: %w", err)
	}
	defer refs.Close()
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		lines = append(lines, ref.Hash().String()+" "+ref.Name().String())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("iterating refs: %w", err)
	}

	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

func cloneBare(ctx context.Context, targetPath, cloneURL string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("creating mirror parent dir: %w", err)
	}
	_, err := git.PlainCloneContext(ctx, targetPath, true, &git.CloneOptions{URL: cloneURL})
	if err != nil {
		return fmt.Errorf("cloning bare mirror: %w", err)
	}
	return nil
}

// mirrorRefSpec fetches/pushes every ref, mirroring the original's
// mirror-semantics remote rather than tracking a single branch.
var mirrorRefSpec = config.RefSpec("+refs/*:refs/*")

// fetchUpdates fetches origin, which PlainClone already pointed at
// cloneURL; remoteURL is accepted for logging symmetry with clone, not
// re-applied, since origin's URL only ever drifts if the caller's platform
// mapping changes, which a reclone (not a fetch) is the right response to.
func fetchUpdates(ctx context.Context, targetPath, remoteURL string) error {
	repo, err := git.PlainOpen(targetPath)
	if err != nil {
		return fmt.Errorf("opening mirror repo: %w", err)
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{mirrorRefSpec},
		Force:      false,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// PullMirrorWithRecovery mirrors §4.7's external-mirror pull algorithm: clone
// if absent, else fetch; on a divergence error, delete the on-disk mirror
// and re-clone rather than attempting a merge (a bare mirror has no working
// tree to merge into).
func PullMirrorWithRecovery(ctx context.Context, platform Platform, owner, repo, targetPath string, logger *slog.Logger) (PullResult, error) {
	start := time.Now()
	cloneURL := CloneURL(platform, owner, repo)

	if _, err := os.Stat(targetPath); os.IsNotExist(err) {
		if err := cloneBare(ctx, targetPath, cloneURL); err != nil {
			telemetry.SCMMirrorPullTotal.WithLabelValues("error").Inc()
			return "", err
		}
		telemetry.SCMMirrorPullTotal.WithLabelValues(string(PullResultUpdated)).Inc()
		return PullResultUpdated, nil
	}

	before, err := refsHash(targetPath)
	if err != nil {
		telemetry.SCMMirrorPullTotal.WithLabelValues("error").Inc()
		return "", err
	}

	fetchErr := fetchUpdates(ctx, targetPath, cloneURL)
	if fetchErr == nil {
		after, err := refsHash(targetPath)
		if err != nil {
			telemetry.SCMMirrorPullTotal.WithLabelValues("error").Inc()
			return "", err
		}
		result := PullResultNoChanges
		if before != after {
			result = PullResultUpdated
		}
		telemetry.SCMMirrorPullTotal.WithLabelValues(string(result)).Inc()
		return result, nil
	}

	if !isDivergenceError(fetchErr) {
		telemetry.SCMMirrorPullTotal.WithLabelValues("error").Inc()
		return "", fetchErr
	}

	logger.Warn("mirror diverged from upstream, recloning", "path", targetPath, "error", fetchErr)
	if err := os.RemoveAll(targetPath); err != nil {
		return "", fmt.Errorf("removing diverged mirror: %w", err)
	}
	if err := cloneBare(ctx, targetPath, cloneURL); err != nil {
		telemetry.SCMMirrorPullTotal.WithLabelValues("error").Inc()
		return "", err
	}
	telemetry.SCMMirrorPullTotal.WithLabelValues(string(PullResultRecloned)).Inc()
	logger.Info("recloned mirror after divergence", "path", targetPath, "duration", time.Since(start))
	return PullResultRecloned, nil
}

// checkRepoExists GETs the platform API (GitHub or GitLab) and reports
// whether the response was 2xx.
func checkRepoExists(ctx context.Context, client *http.Client, platform Platform, owner, repo string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkRepoExistsURL(platform, owner, repo), nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// privateCIDRs are the SSRF-filtered address ranges: loopback, RFC1918
// private space, and the cloud-metadata link-local address.
var privateCIDRs = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"192.168.0.0/16",
	"172.16.0.0/12",
	"169.254.169.254/32",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// ErrSSRFRejected is returned by ValidateRemoteURL for any target that
// resolves to a private or metadata address, or that isn't plain HTTPS.
var ErrSSRFRejected = errors.New("remote url rejected: points at a private, loopback, or metadata address")

// ValidateRemoteURL enforces the push-mirror SSRF filter: only https://
// URLs are accepted, and the host may not be localhost or resolve into any
// of the reserved address ranges a cloud metadata service or internal
// network would occupy.
func ValidateRemoteURL(ctx context.Context, remote string) error {
	u, err := url.Parse(remote)
	if err != nil {
		return fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "https" {
		return ErrSSRFRejected
	}
	host := u.Hostname()
	if host == "" {
		return ErrSSRFRejected
	}
	if strings.EqualFold(host, "localhost") {
		return ErrSSRFRejected
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving remote host: %w", err)
	}
	for _, ip := range ips {
		if ip.IP.IsLoopback() || ip.IP.IsLinkLocalUnicast() {
			return ErrSSRFRejected
		}
		for _, n := range privateCIDRs {
			if n.Contains(ip.IP) {
				return ErrSSRFRejected
			}
		}
	}
	return nil
}

const pushMirrorRemoteName = "loom-push-mirror"

// PushMirror pushes repoPath's refs to remoteURL after validating it passes
// the SSRF filter, creating (or reusing) a dedicated remote pointed at the
// target rather than overloading origin.
func PushMirror(ctx context.Context, repoPath, remoteURL string) error {
	if err := ValidateRemoteURL(ctx, remoteURL); err != nil {
		return err
	}
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("opening repo to push: %w", err)
	}

	if _, err := repo.Remote(pushMirrorRemoteName); err != nil {
		if _, createErr := repo.CreateRemote(&config.RemoteConfig{Name: pushMirrorRemoteName, URLs: []string{remoteURL}}); createErr != nil {
			return fmt.Errorf("configuring push mirror remote: %w", createErr)
		}
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: pushMirrorRemoteName,
		RefSpecs:   []config.RefSpec{mirrorRefSpec},
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// CleanupDecision discriminates the outcome of a stale-mirror sweep pass.
type CleanupDecision string

const (
	CleanupDeleted    CleanupDecision = "deleted"
	CleanupKept       CleanupDecision = "kept"
	CleanupRemoteGone CleanupDecision = "remote_gone"
	CleanupError      CleanupDecision = "error"
)

type CleanupResult struct {
	MirrorID uuid.UUID
	Decision CleanupDecision
	Reason   string
}

// MirrorService persists external mirrors and drives the pull/cleanup
// lifecycle.
type MirrorService struct {
	store      *MirrorStore
	httpClient *http.Client
	logger     *slog.Logger
	basePath   string
}

func NewMirrorService(dbtx db.DBTX, httpClient *http.Client, logger *slog.Logger, basePath string) *MirrorService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &MirrorService{store: NewMirrorStore(dbtx), httpClient: httpClient, logger: logger, basePath: basePath}
}

func (m *MirrorService) CreateMirror(ctx context.Context, repoID uuid.UUID, platform Platform, remoteURL string, direction MirrorDirection) (ExternalMirror, error) {
	if direction == MirrorDirectionPush {
		if err := ValidateRemoteURL(ctx, remoteURL); err != nil {
			return ExternalMirror{}, err
		}
	}
	return m.store.Create(ctx, ExternalMirror{
		ID:        uuid.New(),
		RepoID:    repoID,
		Platform:  platform,
		RemoteURL: remoteURL,
		Direction: direction,
	})
}

func (m *MirrorService) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]ExternalMirror, error) {
	return m.store.ListByRepo(ctx, repoID)
}

func (m *MirrorService) DeleteMirror(ctx context.Context, id uuid.UUID) error {
	return m.store.Delete(ctx, id)
}

func (m *MirrorService) mirrorPath(repoID uuid.UUID) string {
	return filepath.Join(m.basePath, "mirrors", repoID.String()+".git")
}

// RunCleanupSweep finds mirrors idle past staleAfter and, for each, checks
// whether the upstream still exists: a gone remote always deletes the
// mirror, a present-but-stale one deletes only when deleteIfStale is set.
func (m *MirrorService) RunCleanupSweep(ctx context.Context, staleAfter time.Duration, deleteIfStale bool) ([]CleanupResult, error) {
	stale, err := m.store.FindStale(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("finding stale mirrors: %w", err)
	}

	results := make([]CleanupResult, 0, len(stale))
	for _, mirror := range stale {
		owner, repo, ok := splitOwnerRepo(mirror.RemoteURL)
		if !ok {
			results = append(results, CleanupResult{MirrorID: mirror.ID, Decision: CleanupError, Reason: "could not parse owner/repo from remote url"})
			continue
		}
		exists, err := checkRepoExists(ctx, m.httpClient, mirror.Platform, owner, repo)
		if err != nil {
			m.logger.Warn("cleanup sweep: failed to check remote existence, keeping mirror", "mirror_id", mirror.ID, "error", err)
			results = append(results, CleanupResult{MirrorID: mirror.ID, Decision: CleanupError, Reason: err.Error()})
			continue
		}
		if !exists {
			if err := m.deleteMirrorAndWorkingCopy(ctx, mirror); err != nil {
				results = append(results, CleanupResult{MirrorID: mirror.ID, Decision: CleanupError, Reason: err.Error()})
				continue
			}
			results = append(results, CleanupResult{MirrorID: mirror.ID, Decision: CleanupRemoteGone, Reason: "remote repository no longer exists"})
			continue
		}
		if deleteIfStale {
			if err := m.deleteMirrorAndWorkingCopy(ctx, mirror); err != nil {
				results = append(results, CleanupResult{MirrorID: mirror.ID, Decision: CleanupError, Reason: err.Error()})
				continue
			}
			results = append(results, CleanupResult{MirrorID: mirror.ID, Decision: CleanupDeleted, Reason: "stale and configured to delete"})
			continue
		}
		results = append(results, CleanupResult{MirrorID: mirror.ID, Decision: CleanupKept, Reason: "remote still exists"})
	}
	return results, nil
}

func (m *MirrorService) deleteMirrorAndWorkingCopy(ctx context.Context, mirror ExternalMirror) error {
	if err := os.RemoveAll(m.mirrorPath(mirror.RepoID)); err != nil {
		return fmt.Errorf("removing mirror working copy: %w", err)
	}
	return m.store.Delete(ctx, mirror.ID)
}

func splitOwnerRepo(remoteURL string) (owner, repo string, ok bool) {
	trimmed := strings.TrimSuffix(remoteURL, ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}
