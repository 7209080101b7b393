package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestServerHasGlobReadAndScanTools(t *testing.T) {
	s := NewServer(t.TempDir(), nil)

	require.NotNil(t, s.GetTool("glob"))
	require.NotNil(t, s.GetTool("read_file"))
	require.NotNil(t, s.GetTool("static_scan"))
}

func TestGlobToolReturnsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "A.java", "class A {}\n")
	writeFile(t, dir, "B.txt", "not java\n")

	s := NewServer(dir, nil)
	globTool := s.GetTool("glob")
	require.NotNil(t, globTool)

	request := mcp.CallToolRequest{}
	request.Params.Name = "glob"
	request.Params.Arguments = map[string]any{"pattern": "*.java"}

	result, err := globTool.Handler(context.Background(), request)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "A.java")
	assert.NotContains(t, text.Text, "B.txt")
}

func TestGlobToolRejectsMissingPattern(t *testing.T) {
	s := NewServer(t.TempDir(), nil)
	globTool := s.GetTool("glob")
	require.NotNil(t, globTool)

	request := mcp.CallToolRequest{}
	request.Params.Name = "glob"
	request.Params.Arguments = map[string]any{}

	result, err := globTool.Handler(context.Background(), request)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestReadFileToolReturnsFileContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "A.java", "class A {}\n")

	s := NewServer(dir, nil)
	readTool := s.GetTool("read_file")
	require.NotNil(t, readTool)

	request := mcp.CallToolRequest{}
	request.Params.Name = "read_file"
	request.Params.Arguments = map[string]any{"filePath": "A.java"}

	result, err := readTool.Handler(context.Background(), request)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "class A {}")
}

func TestStaticScanToolReportsFindings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Leaky.java", `String password = "hunter2-hunter2";`+"\n")

	s := NewServer(dir, nil)
	scanTool := s.GetTool("static_scan")
	require.NotNil(t, scanTool)

	request := mcp.CallToolRequest{}
	request.Params.Name = "static_scan"
	request.Params.Arguments = map[string]any{"filePath": "Leaky.java", "check": "credentials"}

	result, err := scanTool.Handler(context.Background(), request)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "possible hardcoded credential")
}

func TestStaticScanToolRejectsUnknownCheck(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "A.java", "class A {}\n")

	s := NewServer(dir, nil)
	scanTool := s.GetTool("static_scan")
	require.NotNil(t, scanTool)

	request := mcp.CallToolRequest{}
	request.Params.Name = "static_scan"
	request.Params.Arguments = map[string]any{"filePath": "A.java", "check": "not_a_real_check"}

	result, err := scanTool.Handler(context.Background(), request)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
