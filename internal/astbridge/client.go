// Package astbridge is the client side of the AST-parser collaborator: a
// language-specific AST extraction service the pipeline treats as a
// contract-only external dependency (it supplies targeted method/field/
// import slices for a source file; this package never parses source
// itself). Connects over the Model Context Protocol using the official Go
// SDK, the same transport the teacher's internal/mcp.Client wires up,
// narrowed from a multi-server tool registry to a single upstream server
// exposing one tool.
package astbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultTimeout bounds the initial connection handshake.
const DefaultTimeout = 5 * time.Second

const extractContextTool = "extract_context"

// TransportKind selects how Connect reaches the upstream AST-parser server.
type TransportKind string

const (
	TransportStdio  TransportKind = "stdio"
	TransportRemote TransportKind = "remote"
)

// Config describes how to reach the AST-parser collaborator. A disabled
// Config is not an error: Connect returns a usable, permanently
// disconnected Client that callers can make ExtractContext calls against
// (all of which fail with ErrNotConnected), letting callers treat "no AST
// server configured" and "no AST server reachable" the same way.
type Config struct {
	Enabled     bool
	Kind        TransportKind
	Command     []string
	URL         string
	Environment map[string]string
	Timeout     time.Duration
}

// ErrNotConnected is returned by ExtractContext when no AST-parser server
// session is established.
var ErrNotConnected = errors.New("astbridge: not connected")

// ExtractedContext is the targeted slice of a source file the AST-parser
// collaborator returns: only the methods, fields, and imports whose names
// overlap the caller's intent keywords.
type ExtractedContext struct {
	Imports []string `json:"imports"`
	Fields  []string `json:"fields"`
	Methods []string `json:"methods"`
}

// Client holds one session against the AST-parser collaborator.
type Client struct {
	mu      sync.RWMutex
	session *sdkmcp.ClientSession
}

// Connect establishes (or deliberately skips establishing) a session per
// cfg. A disabled config yields a disconnected *Client rather than an
// error.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{}, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sdkClient := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "refactor-pipeline",
		Version: "1.0.0",
	}, nil)

	transport, err := buildTransport(cfg, timeout)
	if err != nil {
		return nil, err
	}

	session, err := sdkClient.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("astbridge: connect: %w", err)
	}

	return &Client{session: session}, nil
}

func buildTransport(cfg Config, timeout time.Duration) (sdkmcp.Transport, error) {
	switch cfg.Kind {
	case TransportRemote:
		if cfg.URL == "" {
			return nil, fmt.Errorf("astbridge: remote transport requires a URL")
		}
		return &sdkmcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: &http.Client{Timeout: timeout},
		}, nil

	case TransportStdio, "":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("astbridge: stdio transport requires a command")
		}
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		return &sdkmcp.CommandTransport{Command: cmd}, nil

	default:
		return nil, fmt.Errorf("astbridge: unknown transport kind %q", cfg.Kind)
	}
}

// Connected reports whether a live session backs this client.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Close tears down the session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// ExtractContext asks the AST-parser collaborator for the methods, fields,
// and imports of source whose names overlap keywords.
func (c *Client) ExtractContext(ctx context.Context, source string, keywords []string) (ExtractedContext, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return ExtractedContext{}, ErrNotConnected
	}

	params := &sdkmcp.CallToolParams{
		Name: extractContextTool,
		Arguments: map[string]any{
			"source":   source,
			"keywords": keywords,
		},
	}

	result, err := session.CallTool(ctx, params)
	if err != nil {
		return ExtractedContext{}, fmt.Errorf("astbridge: extract_context call failed: %w", err)
	}

	text := firstText(result.Content)
	if result.IsError {
		return ExtractedContext{}, fmt.Errorf("astbridge: extract_context tool error: %s", text)
	}

	return parseExtractedContext(text)
}

func firstText(content []sdkmcp.Content) string {
	var b strings.Builder
	for _, c := range content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func parseExtractedContext(text string) (ExtractedContext, error) {
	var ec ExtractedContext
	if err := json.Unmarshal([]byte(text), &ec); err != nil {
		return ExtractedContext{}, fmt.Errorf("astbridge: invalid extract_context response: %w", err)
	}
	return ec, nil
}
