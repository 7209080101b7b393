package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	einotool "github.com/cloudwego/eino/components/tool"
)

const writeDescription = `Creates a file or overwrites an existing one with new content.

Usage:
- filePath is relative to the repository root
- Parent directories are created as needed
- Returns diff metadata (lines added/removed) against any prior content`

// WriteTool creates or overwrites a file, used by the Transformer for
// brand-new files and wholesale rewrites where an Edit's exact-match
// contract doesn't apply.
type WriteTool struct {
	repoRoot string
}

type WriteInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

func NewWriteTool(repoRoot string) *WriteTool {
	return &WriteTool{repoRoot: repoRoot}
}

func (t *WriteTool) ID() string          { return "write_file" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "Path to the file, relative to the repository root"
			},
			"content": {
				"type": "string",
				"description": "The full file content to write"
			}
		},
		"required": ["filePath", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	root := t.repoRoot
	if toolCtx != nil && toolCtx.WorkDir != "" {
		root = toolCtx.WorkDir
	}

	full, err := resolveWithinRoot(root, params.FilePath)
	if err != nil {
		return nil, err
	}

	var before string
	if existing, err := os.ReadFile(full); err == nil {
		before = string(existing)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(full, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}

	diff, added, removed := BuildDiffMetadata(params.FilePath, before, params.Content, root)

	toolCtx.SetMetadata(fmt.Sprintf("Wrote %s", params.FilePath), map[string]any{
		"file": params.FilePath, "added": added, "removed": removed,
	})

	return &Result{
		Title:  fmt.Sprintf("Wrote %s", filepath.Base(params.FilePath)),
		Output: diff,
		Metadata: map[string]any{
			"file":    params.FilePath,
			"added":   added,
			"removed": removed,
			"created": before == "",
		},
	}, nil
}

func (t *WriteTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t, ctx: &Context{WorkDir: t.repoRoot}}
}
