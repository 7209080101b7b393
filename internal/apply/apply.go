// Package apply implements the File Apply Engine (C4):
// create_backup/apply/restore/validate_paths/cleanup_backup against a
// cloned repository, with an fsnotify-based exclusivity guard re-homing the
// teacher's VCS branch watcher as a concurrent-write detector instead.
package apply

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autorefactor/pipeline/internal/storage"
	"github.com/autorefactor/pipeline/pkg/types"
)

// Entry records one file's backup disposition: Existed=true means the file
// had prior content copied into the backup dir and must be restored from
// there; Existed=false means the file was newly created by apply and a
// restore should simply delete it.
type Entry struct {
	RelPath string `json:"rel_path"`
	Existed bool   `json:"existed"`
}

// Manifest is the crash-recoverable record of one backup window, persisted
// through internal/storage so a process restart mid-transformation can still
// restore the original files.
type Manifest struct {
	SessionID string    `json:"session_id"`
	RepoRoot  string    `json:"repo_root"`
	BackupDir string    `json:"backup_dir"`
	CreatedAt time.Time `json:"created_at"`
	Entries   []Entry   `json:"entries"`
}

// Engine wires backup persistence to a storage.Storage root.
type Engine struct {
	store *storage.Storage
}

func New(store *storage.Storage) *Engine {
	return &Engine{store: store}
}

func manifestPath(sessionID string) []string {
	return []string{"backups", sessionID}
}

// ValidatePaths rejects any change whose path is absolute or escapes the
// repository root. Exclude globs are not checked here.
func ValidatePaths(changes []types.CodeChange) error {
	for _, c := range changes {
		if !c.IsPathSafe() {
			return fmt.Errorf("apply: unsafe path %q", c.FilePath)
		}
	}
	return nil
}

// CreateBackup snapshots the current on-disk content of every file a set of
// changes is about to touch into a sibling directory named
// "<repo-name>_backup_<YYYYMMDD_HHMMSS>", and persists a manifest so the
// backup survives a process restart.
func (e *Engine) CreateBackup(ctx context.Context, sessionID, repoRoot string, changes []types.CodeChange) (*Manifest, error) {
	if err := ValidatePaths(changes); err != nil {
		return nil, err
	}

	now := time.Now()
	repoName := filepath.Base(repoRoot)
	backupDir := filepath.Join(filepath.Dir(repoRoot), fmt.Sprintf("%s_backup_%s", repoName, now.Format("20060102_150405")))

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("apply: cannot create backup dir: %w", err)
	}

	manifest := &Manifest{
		SessionID: sessionID,
		RepoRoot:  repoRoot,
		BackupDir: backupDir,
		CreatedAt: now,
	}

	for _, c := range changes {
		full := filepath.Join(repoRoot, filepath.FromSlash(c.FilePath))
		content, err := os.ReadFile(full)
		existed := err == nil

		entry := Entry{RelPath: c.FilePath, Existed: existed}
		manifest.Entries = append(manifest.Entries, entry)

		if !existed {
			continue
		}
		dest := filepath.Join(backupDir, filepath.FromSlash(c.FilePath))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("apply: cannot create backup subdir for %s: %w", c.FilePath, err)
		}
		if err := os.WriteFile(dest, content, 0644); err != nil {
			return nil, fmt.Errorf("apply: cannot snapshot %s: %w", c.FilePath, err)
		}
	}

	if err := e.store.Put(ctx, manifestPath(sessionID), manifest); err != nil {
		return nil, fmt.Errorf("apply: cannot persist backup manifest: %w", err)
	}

	return manifest, nil
}

// Apply writes every change's modified content (or removes the file, for a
// deletion) to the repository. Before touching any file not already present
// in sessionID's backup manifest, it snapshots that file's current on-disk
// content into the backup directory and records a new Entry for it first:
// the Transformer's emitted changes are LLM-controlled and not constrained
// to whatever a plan step's TargetFiles declared, so a file CreateBackup
// never anticipated (an import fix in a sibling file, say) still gets its
// pre-transformation content captured "on the fly", the moment Apply is
// about to overwrite or delete it, so Restore can always revert exactly
// what Apply touched. CreateBackup must have been called for sessionID
// first so a backup directory and manifest already exist to append to.
func (e *Engine) Apply(ctx context.Context, sessionID, repoRoot string, changes []types.CodeChange) error {
	if err := ValidatePaths(changes); err != nil {
		return err
	}

	manifest, err := e.LoadManifest(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("apply: no backup manifest for session %s: %w", sessionID, err)
	}

	backedUp := make(map[string]bool, len(manifest.Entries))
	for _, entry := range manifest.Entries {
		backedUp[entry.RelPath] = true
	}

	dirty := false
	for _, c := range changes {
		if backedUp[c.FilePath] {
			continue
		}
		full := filepath.Join(repoRoot, filepath.FromSlash(c.FilePath))
		content, readErr := os.ReadFile(full)
		existed := readErr == nil

		if existed {
			dest := filepath.Join(manifest.BackupDir, filepath.FromSlash(c.FilePath))
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("apply: cannot create backup subdir for %s: %w", c.FilePath, err)
			}
			if err := os.WriteFile(dest, content, 0644); err != nil {
				return fmt.Errorf("apply: cannot snapshot %s: %w", c.FilePath, err)
			}
		}
		manifest.Entries = append(manifest.Entries, Entry{RelPath: c.FilePath, Existed: existed})
		backedUp[c.FilePath] = true
		dirty = true
	}

	if dirty {
		if err := e.store.Put(ctx, manifestPath(sessionID), manifest); err != nil {
			return fmt.Errorf("apply: cannot persist backup manifest: %w", err)
		}
	}

	for _, c := range changes {
		full := filepath.Join(repoRoot, filepath.FromSlash(c.FilePath))
		switch c.ChangeType {
		case types.ChangeDeleted:
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("apply: cannot delete %s: %w", c.FilePath, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return fmt.Errorf("apply: cannot create directory for %s: %w", c.FilePath, err)
			}
			if err := os.WriteFile(full, []byte(c.ModifiedContent), 0644); err != nil {
				return fmt.Errorf("apply: cannot write %s: %w", c.FilePath, err)
			}
		}
	}
	return nil
}

// Restore reverts every entry in manifest: files that existed before the
// backup window are copied back from the backup directory; files that were
// newly created are deleted.
func Restore(ctx context.Context, manifest *Manifest) error {
	for _, entry := range manifest.Entries {
		target := filepath.Join(manifest.RepoRoot, filepath.FromSlash(entry.RelPath))
		if !entry.Existed {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("apply: cannot remove created file %s during restore: %w", entry.RelPath, err)
			}
			continue
		}
		src := filepath.Join(manifest.BackupDir, filepath.FromSlash(entry.RelPath))
		content, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("apply: cannot read backup for %s: %w", entry.RelPath, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("apply: cannot recreate directory for %s: %w", entry.RelPath, err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return fmt.Errorf("apply: cannot restore %s: %w", entry.RelPath, err)
		}
	}
	return nil
}

// CleanupBackup removes the on-disk backup directory and its manifest
// record. Per the session's terminal-state-only cleanup policy (see
// DESIGN.md), this must only be called once a session reaches a terminal
// status, never merely because a confirmation timed out.
func (e *Engine) CleanupBackup(ctx context.Context, sessionID string) error {
	var manifest Manifest
	if err := e.store.Get(ctx, manifestPath(sessionID), &manifest); err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("apply: cannot load manifest for cleanup: %w", err)
	}
	if manifest.BackupDir != "" {
		if err := os.RemoveAll(manifest.BackupDir); err != nil {
			return fmt.Errorf("apply: cannot remove backup dir: %w", err)
		}
	}
	return e.store.Delete(ctx, manifestPath(sessionID))
}

// LoadManifest retrieves a previously persisted backup manifest, used on
// process restart to resume a pending restore.
func (e *Engine) LoadManifest(ctx context.Context, sessionID string) (*Manifest, error) {
	var manifest Manifest
	if err := e.store.Get(ctx, manifestPath(sessionID), &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}
