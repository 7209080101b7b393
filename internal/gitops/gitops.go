// Package gitops is the pipeline's git collaborator: clone, branch, commit,
// and push, implemented as bounded subprocess calls to the system git
// binary. It mirrors the teacher's internal/project package in reaching for
// exec.Command directly for git plumbing (rather than a git library),
// generalized from a single read-only `rev-parse` probe to the full
// clone/branch/commit/push surface this pipeline needs.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/autorefactor/pipeline/internal/logging"
	"github.com/autorefactor/pipeline/pkg/types"
)

// Timeouts, matching the behavioral contract for clone/push and the
// shorter-lived local operations around them.
const (
	CloneTimeout    = 5 * time.Minute
	PushTimeout     = 5 * time.Minute
	branchTimeout   = 30 * time.Second
	addTimeout      = 30 * time.Second
	configTimeout   = 10 * time.Second
	commitTimeout   = 30 * time.Second
	revParseTimeout = 10 * time.Second
	remoteTimeout   = 10 * time.Second
)

const (
	defaultAuthorName  = "Refactor Bot"
	defaultAuthorEmail = "refactor-bot@pipeline.local"
	mockTokenSentinel  = "mock_token_for_testing"
)

// Error wraps a failed git operation with the subprocess's stderr, the way
// the original collaborator's GitRepositoryError carries the raw git
// output back to the caller rather than just an exit code.
type Error struct {
	Op     string
	Err    error
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("gitops: %s: %v: %s", e.Op, e.Err, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("gitops: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CloneTargetDir returns the directory under baseDir a new clone is created
// in, named <repo-name>_<epoch-seconds> to avoid collisions between sessions
// working against the same upstream.
func CloneTargetDir(baseDir, repoURL string) string {
	name := strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return filepath.Join(baseDir, fmt.Sprintf("%s_%d", name, time.Now().UnixMilli()/1000))
}

func injectToken(url, token string) string {
	if token == "" || token == mockTokenSentinel {
		logging.Warn().Msg("gitops: using empty or mock token, clone/push may fail against private repositories")
		return url
	}
	return strings.Replace(url, "https://", "https://"+token+"@", 1)
}

// Clone clones repoURL at branch into targetDir with a shallow, single-branch
// checkout, injecting the access token into the URL for authentication.
func Clone(ctx context.Context, repoURL, branch, accessToken, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return &Error{Op: "clone", Err: fmt.Errorf("create target dir: %w", err)}
	}
	authURL := injectToken(repoURL, accessToken)

	logging.Info().Str("repo_url", repoURL).Str("branch", branch).Msg("gitops: cloning repository")

	ctx, cancel := context.WithTimeout(ctx, CloneTimeout)
	defer cancel()

	_, stderr, err := run(ctx, "", "git", "clone", "--branch", branch, "--depth", "1", authURL, targetDir)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Op: "clone", Err: errors.New("timeout after 5 minutes")}
		}
		return &Error{Op: "clone", Err: err, Stderr: stderr}
	}
	return nil
}

// Cleanup best-effort removes a cloned repository root.
func Cleanup(repoRoot string) {
	if repoRoot == "" {
		return
	}
	if err := os.RemoveAll(repoRoot); err != nil {
		logging.Warn().Err(err).Str("repo_root", repoRoot).Msg("gitops: failed to clean up repository")
	}
}

// DefaultBranchName is the pipeline's fallback branch naming scheme when no
// override was supplied via a push confirmation.
func DefaultBranchName(sessionID string) string {
	return "repoai/" + sessionID
}

// CreateBranch creates and checks out a new branch in repoRoot.
func CreateBranch(ctx context.Context, repoRoot, branchName string) error {
	logging.Info().Str("branch", branchName).Msg("gitops: creating branch")

	ctx, cancel := context.WithTimeout(ctx, branchTimeout)
	defer cancel()

	_, stderr, err := run(ctx, repoRoot, "git", "checkout", "-b", branchName)
	if err != nil {
		return &Error{Op: "create_branch", Err: err, Stderr: stderr}
	}
	return nil
}

// Commit stages every change in repoRoot and commits it under the given
// author identity, returning the resulting commit hash. If there is nothing
// to commit, it returns an empty hash and a nil error, matching the
// original collaborator's "nothing to commit" special case rather than
// treating an empty working tree as a failure.
func Commit(ctx context.Context, repoRoot, message, authorName, authorEmail string) (string, error) {
	if authorName == "" {
		authorName = defaultAuthorName
	}
	if authorEmail == "" {
		authorEmail = defaultAuthorEmail
	}

	addCtx, cancel := context.WithTimeout(ctx, addTimeout)
	_, stderr, err := run(addCtx, repoRoot, "git", "add", "-A")
	cancel()
	if err != nil {
		return "", &Error{Op: "commit", Err: fmt.Errorf("stage changes: %w", err), Stderr: stderr}
	}

	for _, kv := range [][2]string{{"user.name", authorName}, {"user.email", authorEmail}} {
		cfgCtx, cancel := context.WithTimeout(ctx, configTimeout)
		_, stderr, err := run(cfgCtx, repoRoot, "git", "config", kv[0], kv[1])
		cancel()
		if err != nil {
			return "", &Error{Op: "commit", Err: fmt.Errorf("set %s: %w", kv[0], err), Stderr: stderr}
		}
	}

	commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	stdout, stderr, err := run(commitCtx, repoRoot, "git", "commit", "-m", message)
	cancel()
	if err != nil {
		if strings.Contains(strings.ToLower(stdout), "nothing to commit") {
			logging.Warn().Msg("gitops: nothing to commit")
			return "", nil
		}
		return "", &Error{Op: "commit", Err: err, Stderr: stderr}
	}

	revCtx, cancel := context.WithTimeout(ctx, revParseTimeout)
	hash, stderr, err := run(revCtx, repoRoot, "git", "rev-parse", "HEAD")
	cancel()
	if err != nil {
		return "", &Error{Op: "commit", Err: fmt.Errorf("resolve commit hash: %w", err), Stderr: stderr}
	}
	hash = strings.TrimSpace(hash)
	logging.Info().Str("commit", hash).Msg("gitops: committed changes")
	return hash, nil
}

// Push sets the authenticated remote URL and pushes branchName to origin.
func Push(ctx context.Context, repoRoot, branchName, repoURL, accessToken string) error {
	authURL := injectToken(repoURL, accessToken)

	remoteCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
	_, _, _ = run(remoteCtx, repoRoot, "git", "remote", "set-url", "origin", authURL)
	cancel()

	logging.Info().Str("branch", branchName).Msg("gitops: pushing branch")

	pushCtx, cancel := context.WithTimeout(ctx, PushTimeout)
	defer cancel()
	_, stderr, err := run(pushCtx, repoRoot, "git", "push", "-u", "origin", branchName)
	if err != nil {
		if errors.Is(pushCtx.Err(), context.DeadlineExceeded) {
			return &Error{Op: "push", Err: errors.New("timeout after 5 minutes")}
		}
		return &Error{Op: "push", Err: err, Stderr: stderr}
	}
	return nil
}

// BranchURL computes the web URL for a pushed branch from its GitHub-style
// repository URL, for the branch_link progress event.
func BranchURL(repoURL, branchName string) string {
	return strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git") + "/tree/" + branchName
}

// PushResult bundles the state a completed Git stage needs to report: the
// commit hash (empty if there was nothing to commit) and the branch URL.
type PushResult struct {
	CommitHash string
	BranchURL  string
}

// RunGitStage drives the full create-branch/commit/push sequence for a
// session's git collaborator, the way the pipeline controller's Git stage
// does in one pass rather than calling each step independently.
func RunGitStage(ctx context.Context, repoRoot string, creds *types.GitHubCredentials, branchName, commitMessage string) (PushResult, error) {
	if creds == nil || creds.RepositoryURL == "" {
		return PushResult{}, errors.New("gitops: no repository credentials configured")
	}
	if branchName == "" {
		return PushResult{}, errors.New("gitops: branch name required")
	}

	if err := CreateBranch(ctx, repoRoot, branchName); err != nil {
		return PushResult{}, err
	}

	hash, err := Commit(ctx, repoRoot, commitMessage, creds.AuthorName, creds.AuthorEmail)
	if err != nil {
		return PushResult{}, err
	}

	if err := Push(ctx, repoRoot, branchName, creds.RepositoryURL, creds.AccessToken); err != nil {
		return PushResult{}, err
	}

	return PushResult{CommitHash: hash, BranchURL: BranchURL(creds.RepositoryURL, branchName)}, nil
}

// run executes a git subcommand, returning trimmed stdout, raw stderr, and
// an error on nonzero exit or context cancellation.
func run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return out.String(), errBuf.String(), err
}
