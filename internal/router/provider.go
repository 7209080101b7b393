// Package router implements the Model Router (C1): a role-based
// multiplexer over LLM providers with ordered per-role fallback.
package router

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider wraps a single configured LLM backend's Eino chat model.
type Provider interface {
	// ID returns the provider identifier, e.g. "anthropic".
	ID() string

	// ChatModel returns the Eino chat model for this provider.
	ChatModel() model.ToolCallingChatModel

	// Stream issues a streaming completion request.
	Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)

	// Generate issues a blocking completion request.
	Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ModelRef identifies a model as "provider/model", e.g.
// "anthropic/claude-sonnet-4-20250514".
type ModelRef struct {
	ProviderID string
	ModelID    string
}

// ParseModelRef splits a "provider/model" string. If no "/" is present, the
// whole string is treated as the model id with an empty provider id. The
// Router has no default provider, so such a ref fails provider construction.
func ParseModelRef(s string) ModelRef {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return ModelRef{ProviderID: s[:i], ModelID: s[i+1:]}
		}
	}
	return ModelRef{ModelID: s}
}

func (m ModelRef) String() string {
	if m.ProviderID == "" {
		return m.ModelID
	}
	return m.ProviderID + "/" + m.ModelID
}
