package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/autorefactor/pipeline/pkg/types"
)

// roleEnvVar maps a router role name to the CSV environment variable that
// overrides its ordered model fallback list, per spec.md §6's recognized
// environment.
var roleEnvVar = map[string]string{
	"INTAKE":       "MODEL_ROUTE_INTAKE",
	"PLANNER":      "MODEL_ROUTE_PLANNER",
	"CODER":        "MODEL_ROUTE_CODER",
	"PR_NARRATOR":  "MODEL_ROUTE_PR",
	"EMBEDDING":    "EMBEDDING_MODEL",
}

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.config/refactor-pipeline/refactor.json(c))
//  2. Project config (<directory>/.refactor-pipeline/refactor.json(c))
//  3. Environment variables
func Load(directory string) (*types.Config, error) {
	cfg := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Routes:   make(map[string]types.RouteConfig),
	}

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "refactor.json"), cfg)
	loadConfigFile(filepath.Join(globalPath, "refactor.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".refactor-pipeline", "refactor.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".refactor-pipeline", "refactor.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadConfigFile loads a single config file, tolerating its absence.
func loadConfigFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = stripJSONComments(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(cfg, &fileConfig)
	return nil
}

// stripJSONComments removes // and /* */ comments from JSONC.
func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	data = multiLine.ReplaceAll(data, nil)

	return data
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.Routes != nil {
		if target.Routes == nil {
			target.Routes = make(map[string]types.RouteConfig)
		}
		for k, v := range source.Routes {
			target.Routes[k] = v
		}
	}

	if len(source.CORSAllowedOrigins) > 0 {
		target.CORSAllowedOrigins = source.CORSAllowedOrigins
	}
	if source.ClonedReposDir != "" {
		target.ClonedReposDir = source.ClonedReposDir
	}
	if source.MaxRetriesDefault != 0 {
		target.MaxRetriesDefault = source.MaxRetriesDefault
	}
}

// applyEnvOverrides applies environment variable overrides: provider API
// keys, CORS origins, and per-role model route CSVs.
func applyEnvOverrides(cfg *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}
	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if cfg.Provider == nil {
				cfg.Provider = make(map[string]types.ProviderConfig)
			}
			p := cfg.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				cfg.Provider[provider] = p
			}
		}
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitCSV(origins)
	}

	if cfg.Routes == nil {
		cfg.Routes = make(map[string]types.RouteConfig)
	}
	for role, envVar := range roleEnvVar {
		if csv := os.Getenv(envVar); csv != "" {
			route := cfg.Routes[role]
			route.Models = splitCSV(csv)
			cfg.Routes[role] = route
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save saves the configuration to a file.
func Save(cfg *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
