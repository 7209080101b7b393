package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
	einotool "github.com/cloudwego/eino/components/tool"
)

const editDescription = `Performs an exact string replacement in a file.

Usage:
- filePath is relative to the repository root
- oldString must exist in the file; the edit fails if it isn't unique
  unless replaceAll is set
- Falls back to line-ending-normalized and fuzzy matching before failing`

const fuzzyMatchThreshold = 0.7

// EditTool performs targeted in-place replacements, the Transformer's
// primary mutation primitive for changes smaller than a full file rewrite.
type EditTool struct {
	repoRoot string
}

type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

func NewEditTool(repoRoot string) *EditTool {
	return &EditTool{repoRoot: repoRoot}
}

func (t *EditTool) ID() string          { return "edit_file" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string", "description": "Path to the file, relative to the repository root"},
			"oldString": {"type": "string", "description": "The exact text to replace"},
			"newString": {"type": "string", "description": "The text to replace it with"},
			"replaceAll": {"type": "boolean", "description": "Replace all occurrences (default: false)"}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.OldString == params.NewString {
		return nil, fmt.Errorf("oldString and newString must be different")
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
		return nil, fmt.Errorf("edit_file: %w", err)
	}
	before := string(content)

	var after string
	var count int

	occurrences := strings.Count(before, params.OldString)
	switch {
	case occurrences == 0:
		return t.fuzzyReplace(full, before, params, root, toolCtx)
	case params.ReplaceAll:
		after = strings.ReplaceAll(before, params.OldString, params.NewString)
		count = occurrences
	case occurrences > 1:
		return nil, fmt.Errorf("oldString appears %d times; use replaceAll or provide more surrounding context", occurrences)
	default:
		after = strings.Replace(before, params.OldString, params.NewString, 1)
		count = 1
	}

	if err := os.WriteFile(full, []byte(after), 0644); err != nil {
		return nil, fmt.Errorf("edit_file: %w", err)
	}

	diff, added, removed := BuildDiffMetadata(params.FilePath, before, after, root)
	toolCtx.SetMetadata(fmt.Sprintf("Edited %s", params.FilePath), map[string]any{
		"file": params.FilePath, "replacements": count,
	})

	return &Result{
		Title:  fmt.Sprintf("Edited %s", filepath.Base(params.FilePath)),
		Output: diff,
		Metadata: map[string]any{
			"file": params.FilePath, "replacements": count, "added": added, "removed": removed,
		},
	}, nil
}

// fuzzyReplace retries a failed exact match after line-ending normalization,
// then against the closest Levenshtein-similar line or block.
func (t *EditTool) fuzzyReplace(full, before string, params EditInput, baseDir string, toolCtx *Context) (*Result, error) {
	normalizedOld := normalizeLineEndings(params.OldString)
	normalizedBefore := normalizeLineEndings(before)

	if strings.Contains(normalizedBefore, normalizedOld) {
		after := strings.Replace(normalizedBefore, normalizedOld, params.NewString, 1)
		if err := os.WriteFile(full, []byte(after), 0644); err != nil {
			return nil, fmt.Errorf("edit_file: %w", err)
		}
		diff, added, removed := BuildDiffMetadata(params.FilePath, before, after, baseDir)
		return &Result{
			Title:  fmt.Sprintf("Edited %s (line-ending normalized)", filepath.Base(params.FilePath)),
			Output: diff,
			Metadata: map[string]any{
				"file": params.FilePath, "added": added, "removed": removed, "fuzzy": "normalized",
			},
		}, nil
	}

	match, sim := findBestMatch(before, params.OldString)
	if match != "" && sim >= fuzzyMatchThreshold {
		after := strings.Replace(before, match, params.NewString, 1)
		if err := os.WriteFile(full, []byte(after), 0644); err != nil {
			return nil, fmt.Errorf("edit_file: %w", err)
		}
		diff, added, removed := BuildDiffMetadata(params.FilePath, before, after, baseDir)
		toolCtx.SetMetadata(fmt.Sprintf("Edited %s (fuzzy)", params.FilePath), map[string]any{
			"file": params.FilePath, "similarity": sim,
		})
		return &Result{
			Title:  fmt.Sprintf("Edited %s (%.0f%% match)", filepath.Base(params.FilePath), sim*100),
			Output: diff,
			Metadata: map[string]any{
				"file": params.FilePath, "added": added, "removed": removed, "similarity": sim,
			},
		}, nil
	}

	return nil, fmt.Errorf("oldString not found in %s: content may have drifted since the plan was made", params.FilePath)
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// findBestMatch locates the line (or, for multi-line targets, the
// contiguous block) most similar to target within text.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")

	bestMatch := ""
	bestSimilarity := 0.0

	if len(targetLines) == 1 {
		for _, line := range lines {
			if sim := similarity(line, target); sim > bestSimilarity {
				bestSimilarity, bestMatch = sim, line
			}
		}
		return bestMatch, bestSimilarity
	}

	targetLen := len(targetLines)
	for i := 0; i <= len(lines)-targetLen; i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		if sim := similarity(block, target); sim > bestSimilarity {
			bestSimilarity, bestMatch = sim, block
		}
	}
	return bestMatch, bestSimilarity
}

func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	if len(a) > 10000 || len(b) > 10000 {
		maxLen, minLen := max(len(a), len(b)), min(len(a), len(b))
		return float64(minLen) / float64(maxLen)
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := max(len(a), len(b))
	return 1.0 - float64(dist)/float64(maxLen)
}

func (t *EditTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t, ctx: &Context{WorkDir: t.repoRoot}}
}
