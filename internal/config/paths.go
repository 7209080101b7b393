// Package config loads service configuration from a layered set of
// sources: defaults, an optional JSONC config file, and environment
// variables.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for refactor-pipeline data.
type Paths struct {
	Data   string // ~/.local/share/refactor-pipeline
	Config string // ~/.config/refactor-pipeline
	Cache  string // ~/.cache/refactor-pipeline
}

// GetPaths returns the standard paths for refactor-pipeline data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "refactor-pipeline"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "refactor-pipeline"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "refactor-pipeline"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.ClonedReposDir(), p.BackupsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// ClonedReposDir is the process-local directory holding cloned repository
// working trees.
func (p *Paths) ClonedReposDir() string {
	return filepath.Join(p.Data, "cloned_repos")
}

// BackupsDir is the process-local directory holding backup snapshots,
// stored alongside (not inside) their corresponding cloned repo.
func (p *Paths) BackupsDir() string {
	return p.ClonedReposDir()
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "refactor.json")
}

// ProjectConfigPath returns the path to a project-local config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".refactor-pipeline", "refactor.json")
}
