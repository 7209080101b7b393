package router

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/autorefactor/pipeline/pkg/types"
)

// genericProvider adapts any Eino model.ToolCallingChatModel to the Provider
// interface, mirroring the teacher's per-backend Provider implementations
// but collapsed into one adapter parameterized by the constructed chat
// model rather than one struct per vendor.
type genericProvider struct {
	id    string
	model model.ToolCallingChatModel
}

func (p *genericProvider) ID() string                                { return p.id }
func (p *genericProvider) ChatModel() model.ToolCallingChatModel      { return p.model }

func (p *genericProvider) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return p.model.Stream(ctx, messages, opts...)
}

func (p *genericProvider) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return p.model.Generate(ctx, messages, opts...)
}

// newProvider constructs the Eino chat model backing (providerID, modelID)
// from the service's provider credentials, dispatching on providerID the
// same way the teacher's registry.InitializeProviders switches on npm type.
func newProvider(ctx context.Context, providerID, modelID string, cfg *types.Config) (Provider, error) {
	pc := cfg.Provider[providerID]

	switch providerID {
	case "anthropic", "claude":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" && !pc.UseBedrock {
			return nil, fmt.Errorf("router: ANTHROPIC_API_KEY not set for model %s", modelID)
		}

		var chatModel model.ToolCallingChatModel
		var err error
		if pc.UseBedrock {
			chatModel, err = claude.NewChatModel(ctx, &claude.Config{
				ByBedrock: true,
				Region:    pc.Region,
				Profile:   pc.Profile,
				Model:     modelID,
			})
		} else {
			claudeCfg := &claude.Config{APIKey: apiKey, Model: modelID}
			if pc.BaseURL != "" {
				claudeCfg.BaseURL = &pc.BaseURL
			}
			chatModel, err = claude.NewChatModel(ctx, claudeCfg)
		}
		if err != nil {
			return nil, fmt.Errorf("router: failed to construct claude model %s: %w", modelID, err)
		}
		return &genericProvider{id: "anthropic", model: chatModel}, nil

	case "openai":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("router: OPENAI_API_KEY not set for model %s", modelID)
		}
		openaiCfg := &openai.ChatModelConfig{APIKey: apiKey, Model: modelID}
		if pc.BaseURL != "" {
			openaiCfg.BaseURL = pc.BaseURL
		}
		chatModel, err := openai.NewChatModel(ctx, openaiCfg)
		if err != nil {
			return nil, fmt.Errorf("router: failed to construct openai model %s: %w", modelID, err)
		}
		return &genericProvider{id: "openai", model: chatModel}, nil

	case "ark":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ARK_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("router: ARK_API_KEY not set for model %s", modelID)
		}
		arkCfg := &ark.ChatModelConfig{APIKey: apiKey, Model: modelID}
		if pc.BaseURL != "" {
			arkCfg.BaseURL = &pc.BaseURL
		}
		chatModel, err := ark.NewChatModel(ctx, arkCfg)
		if err != nil {
			return nil, fmt.Errorf("router: failed to construct ark model %s: %w", modelID, err)
		}
		return &genericProvider{id: "ark", model: chatModel}, nil

	default:
		return nil, fmt.Errorf("router: unknown provider %q for model %s", providerID, modelID)
	}
}
