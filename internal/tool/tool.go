// Package tool provides the tool framework the Agent Runners (C2) bind to
// their underlying chat models: repo enumeration, file read/edit/write, diff
// metadata, and the Validator's static-scan checks.
package tool

import (
	"context"
	"encoding/json"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// Tool defines the interface every tool in this package implements.
type Tool interface {
	ID() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error)
	EinoTool() einotool.InvokableTool
}

// Context carries per-call execution context into a tool: the repo root a
// Planner/Transformer/Validator run is scoped to, and an optional metadata
// sink the Progress Bus can subscribe updates from.
type Context struct {
	SessionID  string
	WorkDir    string
	AbortCh    <-chan struct{}
	OnMetadata func(title string, meta map[string]any)
}

func (c *Context) SetMetadata(title string, meta map[string]any) {
	if c != nil && c.OnMetadata != nil {
		c.OnMetadata(title, meta)
	}
}

func (c *Context) IsAborted() bool {
	if c == nil || c.AbortCh == nil {
		return false
	}
	select {
	case <-c.AbortCh:
		return true
	default:
		return false
	}
}

// Result is a tool invocation's output.
type Result struct {
	Title    string         `json:"title"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BaseTool provides the common Tool scaffolding; concrete tools embed it and
// supply ID/Description/Parameters/execute.
type BaseTool struct {
	id          string
	description string
	parameters  json.RawMessage
	execute     func(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error)
}

func NewBaseTool(id, description string, params json.RawMessage, execute func(context.Context, json.RawMessage, *Context) (*Result, error)) *BaseTool {
	return &BaseTool{id: id, description: description, parameters: params, execute: execute}
}

func (t *BaseTool) ID() string                  { return t.id }
func (t *BaseTool) Description() string         { return t.description }
func (t *BaseTool) Parameters() json.RawMessage { return t.parameters }

func (t *BaseTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	return t.execute(ctx, input, toolCtx)
}

func (t *BaseTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t, ctx: &Context{}}
}

// WithContext binds a concrete execution Context to a tool before it is
// handed to an Eino model as an InvokableTool, since Eino's tool interface
// has no notion of our own per-call Context.
func WithContext(t Tool, toolCtx *Context) einotool.InvokableTool {
	return &einoToolWrapper{tool: t, ctx: toolCtx}
}

type einoToolWrapper struct {
	tool Tool
	ctx  *Context
}

func (w *einoToolWrapper) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := parseJSONSchemaToParams(w.tool.Parameters())
	return &schema.ToolInfo{
		Name:        w.tool.ID(),
		Desc:        w.tool.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

func (w *einoToolWrapper) InvokableRun(ctx context.Context, argsJSON string, opts ...einotool.Option) (string, error) {
	result, err := w.tool.Execute(ctx, json.RawMessage(argsJSON), w.ctx)
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

// parseJSONSchemaToParams converts a JSON-Schema object description to
// Eino's ParameterInfo map.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool, len(jsonSchema.Required))
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(jsonSchema.Properties))
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}
