// Package mcpserver exposes the Planner/Transformer's side-effect-free
// repository tools (file enumeration, file reads, static scans) over the
// Model Context Protocol, so an external inspector can drive the same
// checks the pipeline runs internally without a running session.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/autorefactor/pipeline/internal/tool"
)

// NewServer builds an MCP server exposing glob, read_file, and static_scan
// against repoRoot, the same three read-only tools internal/agent wires
// into the Planner and Validator runners.
func NewServer(repoRoot string, excludes []string) *server.MCPServer {
	s := server.NewMCPServer(
		"autorefactor-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	globTool := tool.NewGlobTool(repoRoot, excludes)
	globMCP := mcp.NewTool("glob",
		mcp.WithDescription(globTool.Description()),
		mcp.WithString("pattern",
			mcp.Required(),
			mcp.Description("Glob pattern to match files against, relative to the repository root"),
		),
	)
	s.AddTool(globMCP, wrapTool(globTool, func(req mcp.CallToolRequest) (map[string]any, error) {
		pattern, ok := req.GetArguments()["pattern"].(string)
		if !ok || pattern == "" {
			return nil, fmt.Errorf("pattern argument is required")
		}
		return map[string]any{"pattern": pattern}, nil
	}))

	readTool := tool.NewReadTool(repoRoot)
	readMCP := mcp.NewTool("read_file",
		mcp.WithDescription(readTool.Description()),
		mcp.WithString("filePath",
			mcp.Required(),
			mcp.Description("Path to the file, relative to the repository root"),
		),
	)
	s.AddTool(readMCP, wrapTool(readTool, func(req mcp.CallToolRequest) (map[string]any, error) {
		filePath, ok := req.GetArguments()["filePath"].(string)
		if !ok || filePath == "" {
			return nil, fmt.Errorf("filePath argument is required")
		}
		return map[string]any{"filePath": filePath}, nil
	}))

	scanTool := tool.NewScanTool(repoRoot)
	scanMCP := mcp.NewTool("static_scan",
		mcp.WithDescription(scanTool.Description()),
		mcp.WithString("filePath",
			mcp.Required(),
			mcp.Description("Path to the file, relative to the repository root"),
		),
		mcp.WithString("check",
			mcp.Required(),
			mcp.Description("One of: magic_numbers, credentials, crypto, sql_concat, naming, missing_validation"),
		),
	)
	s.AddTool(scanMCP, wrapTool(scanTool, func(req mcp.CallToolRequest) (map[string]any, error) {
		args := req.GetArguments()
		filePath, _ := args["filePath"].(string)
		check, _ := args["check"].(string)
		if filePath == "" || check == "" {
			return nil, fmt.Errorf("filePath and check arguments are required")
		}
		return map[string]any{"filePath": filePath, "check": check}, nil
	}))

	return s
}

// wrapTool adapts an internal/tool.Tool into an MCP handler: extract maps
// the request's arguments into the tool's own JSON input shape, then
// Execute runs exactly the code path the Planner/Validator runners use.
func wrapTool(t tool.Tool, extract func(mcp.CallToolRequest) (map[string]any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := extract(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		input, err := marshalInput(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := t.Execute(ctx, input, nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(result.Output), nil
	}
}

func marshalInput(args map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: marshal arguments: %w", err)
	}
	return b, nil
}
