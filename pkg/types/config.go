package types

// ProviderConfig holds configuration for a single LLM provider entry.
type ProviderConfig struct {
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`

	UseBedrock bool   `json:"use_bedrock,omitempty"`
	Region     string `json:"region,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

// RouteConfig is one role's ordered model fallback list plus per-role call
// defaults, as read from config or CSV env overrides.
type RouteConfig struct {
	Models      []string `json:"models,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Config is the refactor pipeline service's configuration, merged from
// defaults, a config file, and environment overrides (see
// internal/config.Load).
type Config struct {
	Provider map[string]ProviderConfig `json:"provider,omitempty"`
	Routes   map[string]RouteConfig    `json:"routes,omitempty"`

	CORSAllowedOrigins []string `json:"cors_allowed_origins,omitempty"`

	ClonedReposDir string `json:"cloned_repos_dir,omitempty"`

	MaxRetriesDefault int `json:"max_retries_default,omitempty"`
}
