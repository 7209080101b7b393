package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// BuildDiffMetadata calculates a unified diff and line counts between two
// file contents, used both by the edit/write tools for their Result
// metadata and by the Streaming Transformer Adapter's CodeChange assembly.
func BuildDiffMetadata(path, before, after, baseDir string) (diff string, added, removed int) {
	if before == after {
		return "", 0, 0
	}

	relPath := relativePath(path, baseDir)

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += countLines(d.Text)
		}
	}

	patches := dmp.PatchMake(before, diffs)
	diffText := dmp.PatchToText(patches)
	if diffText == "" {
		return "", added, removed
	}

	var builder strings.Builder
	if relPath != "" {
		builder.WriteString(fmt.Sprintf("--- %s\n", relPath))
		builder.WriteString(fmt.Sprintf("+++ %s\n", relPath))
	}
	builder.WriteString(diffText)

	return builder.String(), added, removed
}

func relativePath(path, baseDir string) string {
	if path == "" {
		return ""
	}
	if baseDir == "" {
		return path
	}
	if rel, err := filepath.Rel(baseDir, path); err == nil {
		return rel
	}
	return path
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
