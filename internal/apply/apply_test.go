package apply

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/internal/storage"
	"github.com/autorefactor/pipeline/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	repoRoot := t.TempDir()
	storeRoot := t.TempDir()
	return New(storage.New(storeRoot)), repoRoot
}

func TestCreateBackupApplyRestoreRoundTrip(t *testing.T) {
	engine, repoRoot := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "existing.go"), []byte("package x\n\nfunc Old() {}\n"), 0644))

	changes := []types.CodeChange{
		{FilePath: "existing.go", ChangeType: types.ChangeModified, ModifiedContent: "package x\n\nfunc New() {}\n"},
		{FilePath: "new.go", ChangeType: types.ChangeCreated, ModifiedContent: "package x\n\nfunc Brand() {}\n"},
	}

	manifest, err := engine.CreateBackup(context.Background(), "sess-1", repoRoot, changes)
	require.NoError(t, err)
	assert.Len(t, manifest.Entries, 2)

	require.NoError(t, engine.Apply(context.Background(), "sess-1", repoRoot, changes))

	existing, _ := os.ReadFile(filepath.Join(repoRoot, "existing.go"))
	assert.Contains(t, string(existing), "func New")
	_, err = os.Stat(filepath.Join(repoRoot, "new.go"))
	require.NoError(t, err)

	require.NoError(t, Restore(context.Background(), manifest))

	restored, _ := os.ReadFile(filepath.Join(repoRoot, "existing.go"))
	assert.Contains(t, string(restored), "func Old")
	_, err = os.Stat(filepath.Join(repoRoot, "new.go"))
	assert.True(t, os.IsNotExist(err), "newly created file should be removed on restore")
}

// TestApplyBacksUpFileNotDeclaredByCreateBackup exercises a change whose
// path was never passed to CreateBackup (the Transformer emitted an edit to
// a file outside any step's declared targets): Apply must still snapshot
// its prior content on the fly, so Restore can revert it.
func TestApplyBacksUpFileNotDeclaredByCreateBackup(t *testing.T) {
	engine, repoRoot := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "declared.go"), []byte("package x\n\nfunc Declared() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "sibling.go"), []byte("package x\n\nfunc Sibling() {}\n"), 0644))

	declared := []types.CodeChange{{FilePath: "declared.go", ChangeType: types.ChangeModified, ModifiedContent: "package x\n\nfunc Declared2() {}\n"}}
	manifest, err := engine.CreateBackup(context.Background(), "sess-4", repoRoot, declared)
	require.NoError(t, err)
	require.Len(t, manifest.Entries, 1)

	undeclared := []types.CodeChange{{FilePath: "sibling.go", ChangeType: types.ChangeModified, ModifiedContent: "package x\n\nfunc Sibling2() {}\n"}}
	require.NoError(t, engine.Apply(context.Background(), "sess-4", repoRoot, undeclared))

	reloaded, err := engine.LoadManifest(context.Background(), "sess-4")
	require.NoError(t, err)
	require.Len(t, reloaded.Entries, 2)

	require.NoError(t, Restore(context.Background(), reloaded))

	restoredSibling, err := os.ReadFile(filepath.Join(repoRoot, "sibling.go"))
	require.NoError(t, err)
	assert.Contains(t, string(restoredSibling), "func Sibling()")
	assert.NotContains(t, string(restoredSibling), "Sibling2")
}

func TestCreateBackupPersistsManifestAcrossEngineInstances(t *testing.T) {
	storeRoot := t.TempDir()
	repoRoot := t.TempDir()
	store := storage.New(storeRoot)

	engine1 := New(store)
	changes := []types.CodeChange{{FilePath: "a.go", ChangeType: types.ChangeCreated, ModifiedContent: "package a\n"}}
	manifest, err := engine1.CreateBackup(context.Background(), "sess-2", repoRoot, changes)
	require.NoError(t, err)

	engine2 := New(store)
	loaded, err := engine2.LoadManifest(context.Background(), "sess-2")
	require.NoError(t, err)
	assert.Equal(t, manifest.BackupDir, loaded.BackupDir)
}

func TestCleanupBackupRemovesDirAndManifest(t *testing.T) {
	engine, repoRoot := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "a.go"), []byte("package a\n"), 0644))

	changes := []types.CodeChange{{FilePath: "a.go", ChangeType: types.ChangeModified, ModifiedContent: "package a\n\n// changed\n"}}
	manifest, err := engine.CreateBackup(context.Background(), "sess-3", repoRoot, changes)
	require.NoError(t, err)

	require.NoError(t, engine.CleanupBackup(context.Background(), "sess-3"))

	_, err = os.Stat(manifest.BackupDir)
	assert.True(t, os.IsNotExist(err))

	_, err = engine.LoadManifest(context.Background(), "sess-3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestValidatePathsRejectsUnsafePath(t *testing.T) {
	err := ValidatePaths([]types.CodeChange{{FilePath: "../outside.go", ChangeType: types.ChangeCreated}})
	assert.Error(t, err)
}

func TestExclusivityGuardReportsUnsuppressedExternalWrite(t *testing.T) {
	repoRoot := t.TempDir()
	guard, err := NewExclusivityGuard(repoRoot)
	require.NoError(t, err)
	if guard == nil {
		t.Skip("fsnotify unavailable in this environment")
	}
	defer guard.Stop()
	guard.Start()

	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "external.txt"), []byte("x"), 0644))

	select {
	case name := <-guard.Violations():
		assert.Contains(t, name, "external.txt")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a violation to be reported")
	}
}
