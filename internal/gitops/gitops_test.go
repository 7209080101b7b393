package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/pkg/types"
)

// createBareRepo creates a local bare repository with one commit on
// branch "main" and returns its filesystem path, usable as a clone source
// without any network access.
func createBareRepo(t *testing.T) (path string) {
	t.Helper()
	srcDir := t.TempDir()
	runGit(t, srcDir, "init", "-b", "main")
	runGit(t, srcDir, "config", "user.name", "Seed")
	runGit(t, srcDir, "config", "user.email", "seed@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "README.md"), []byte("seed\n"), 0o644))
	runGit(t, srcDir, "add", "-A")
	runGit(t, srcDir, "commit", "-m", "seed commit")

	bareDir := t.TempDir()
	runGit(t, "", "clone", "--bare", srcDir, bareDir)
	return bareDir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
}

func TestCloneTargetDirDerivesNameFromURL(t *testing.T) {
	dir := CloneTargetDir("/tmp/base", "https://github.com/acme/widget.git")
	assert.Contains(t, dir, "widget_")
	assert.Equal(t, "/tmp/base", filepath.Dir(dir))
}

func TestInjectTokenRewritesHTTPSURL(t *testing.T) {
	got := injectToken("https://github.com/acme/widget", "ghp_secret")
	assert.Equal(t, "https://ghp_secret@github.com/acme/widget", got)
}

func TestInjectTokenLeavesMockTokenUnrewritten(t *testing.T) {
	got := injectToken("https://github.com/acme/widget", mockTokenSentinel)
	assert.Equal(t, "https://github.com/acme/widget", got)
}

func TestCloneAndBranchAndCommitAndPush(t *testing.T) {
	repoURL := createBareRepo(t)
	targetDir := filepath.Join(t.TempDir(), "clone")

	ctx := context.Background()
	err := Clone(ctx, repoURL, "main", "", targetDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(targetDir, "README.md"))

	err = CreateBranch(ctx, targetDir, "repoai/session-123")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "new.txt"), []byte("hi\n"), 0o644))
	hash, err := Commit(ctx, targetDir, "add new file", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	err = Push(ctx, targetDir, "repoai/session-123", repoURL, "")
	require.NoError(t, err)
}

func TestCommitWithNoChangesReturnsEmptyHashNoError(t *testing.T) {
	repoURL := createBareRepo(t)
	targetDir := filepath.Join(t.TempDir(), "clone")
	ctx := context.Background()
	require.NoError(t, Clone(ctx, repoURL, "main", "", targetDir))

	hash, err := Commit(ctx, targetDir, "no-op commit", "", "")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestDefaultBranchName(t *testing.T) {
	assert.Equal(t, "repoai/session-abc", DefaultBranchName("session-abc"))
}

func TestBranchURL(t *testing.T) {
	url := BranchURL("https://github.com/acme/widget.git", "feature/caching")
	assert.Equal(t, "https://github.com/acme/widget/tree/feature/caching", url)
}

func TestRunGitStageRejectsMissingCredentials(t *testing.T) {
	_, err := RunGitStage(context.Background(), t.TempDir(), nil, "branch", "msg")
	require.Error(t, err)
}

func TestRunGitStageEndToEnd(t *testing.T) {
	repoURL := createBareRepo(t)
	targetDir := filepath.Join(t.TempDir(), "clone")
	ctx := context.Background()
	require.NoError(t, Clone(ctx, repoURL, "main", "", targetDir))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "feature.txt"), []byte("x\n"), 0o644))

	creds := &types.GitHubCredentials{RepositoryURL: repoURL, AccessToken: ""}
	result, err := RunGitStage(ctx, targetDir, creds, "feature/caching", "add redis caching")
	require.NoError(t, err)
	assert.NotEmpty(t, result.CommitHash)
	assert.Contains(t, result.BranchURL, "/tree/feature/caching")
}

func TestCleanupRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	Cleanup(sub)
	_, err := os.Stat(sub)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupOnEmptyPathIsNoop(t *testing.T) {
	Cleanup("")
}
