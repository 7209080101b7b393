package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/autorefactor/pipeline/pkg/types"
)

const readDescription = `Reads a repository file's contents.

Usage:
- filePath is relative to the repository root
- Large files are truncated with a marker noting how much was cut`

const maxReadBytes = 256_000

// ReadTool reads a single file's content relative to a repository root,
// grounding the Planner's single-file analysis step.
type ReadTool struct {
	repoRoot string
}

type ReadInput struct {
	FilePath string `json:"filePath"`
}

func NewReadTool(repoRoot string) *ReadTool {
	return &ReadTool{repoRoot: repoRoot}
}

func (t *ReadTool) ID() string          { return "read_file" }
func (t *ReadTool) Description() string { return readDescription }

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "Path to the file, relative to the repository root"
			}
		},
		"required": ["filePath"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ReadInput
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

	content, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}

	text := string(content)
	truncated := false
	if len(text) > maxReadBytes {
		text = text[:maxReadBytes]
		truncated = true
	}
	if truncated {
		text += "\n\n(truncated)"
	}

	return &Result{
		Title:  filepath.Base(params.FilePath),
		Output: text,
		Metadata: map[string]any{
			"file":      params.FilePath,
			"bytes":     len(content),
			"truncated": truncated,
		},
	}, nil
}

func (t *ReadTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t, ctx: &Context{WorkDir: t.repoRoot}}
}

// resolveWithinRoot joins rel onto root and rejects any path that would
// escape it, the same boundary CodeChange.IsPathSafe enforces on the wire.
func resolveWithinRoot(root, rel string) (string, error) {
	cc := types.CodeChange{FilePath: rel}
	if !cc.IsPathSafe() {
		return "", fmt.Errorf("path %q is not safe (absolute or escapes repository root)", rel)
	}
	full := filepath.Join(root, rel)
	if !strings.HasPrefix(full, filepath.Clean(root)+string(os.PathSeparator)) && full != filepath.Clean(root) {
		return "", fmt.Errorf("path %q escapes repository root", rel)
	}
	return full, nil
}
