// Package config loads refactor-pipeline service configuration.
//
// Load merges three sources in priority order: global config
// (~/.config/refactor-pipeline/refactor.json(c)), project config
// (<directory>/.refactor-pipeline/refactor.json(c)), then environment
// variables. JSONC files have // and /* */ comments stripped before
// unmarshaling.
package config
