package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/bmatcuk/doublestar/v4"
)

const globDescription = `Enumerates repository files matching a glob pattern.

Usage:
- Supports patterns like "**/*.java" or "src/**/*.ts"
- Honors the job scope's exclude globs
- Returns matching file paths sorted lexically, capped at a maximum count`

const maxGlobResults = 500

// GlobTool enumerates files under a repository root using doublestar
// pattern matching, standing in for the teacher's ripgrep-backed glob tool
// now that the service owns a cloned repo's filesystem directly rather than
// an IDE-attached workspace.
type GlobTool struct {
	repoRoot string
	excludes []string
}

type GlobInput struct {
	Pattern string `json:"pattern"`
}

func NewGlobTool(repoRoot string, excludes []string) *GlobTool {
	return &GlobTool{repoRoot: repoRoot, excludes: excludes}
}

func (t *GlobTool) ID() string          { return "glob" }
func (t *GlobTool) Description() string { return globDescription }

func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "The glob pattern to match files against, relative to the repository root"
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params GlobInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	root := t.repoRoot
	if toolCtx != nil && toolCtx.WorkDir != "" {
		root = toolCtx.WorkDir
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if t.isExcluded(rel) {
			return nil
		}
		ok, err := doublestar.Match(params.Pattern, rel)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: walk failed: %w", err)
	}

	sort.Strings(matches)

	truncated := false
	if len(matches) > maxGlobResults {
		matches = matches[:maxGlobResults]
		truncated = true
	}

	output := strings.Join(matches, "\n")
	if truncated {
		output += fmt.Sprintf("\n\n(showing first %d matches)", maxGlobResults)
	}
	if len(matches) == 0 {
		output = "no files matched the pattern"
	}

	return &Result{
		Title:  fmt.Sprintf("%d files matched", len(matches)),
		Output: output,
		Metadata: map[string]any{
			"pattern": params.Pattern,
			"count":   len(matches),
		},
	}, nil
}

func (t *GlobTool) isExcluded(rel string) bool {
	for _, pattern := range t.excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (t *GlobTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t, ctx: &Context{WorkDir: t.repoRoot}}
}
