package router

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/pkg/types"
)

// fakeProvider is a deterministic Provider double, standing in for the
// teacher's MockLLMServer now that calls go through the Provider interface
// rather than raw HTTP.
type fakeProvider struct {
	id        string
	failTimes int // Generate/Stream fail this many times before succeeding
	calls     int
	content   string
}

func (f *fakeProvider) ID() string                           { return f.id }
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (f *fakeProvider) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return nil, errors.New("fakeProvider: simulated failure")
	}
	return &schema.Message{Role: schema.Assistant, Content: f.content}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.calls++
	// Streaming success is exercised at the internal/transform layer, which
	// owns consuming a real *schema.StreamReader; here we only need the
	// fallback-on-error path, so a nil reader is sufficient.
	return nil, errors.New("fakeProvider: stream not implemented in this double")
}

func newTestRouter(t *testing.T, cfg *types.Config, providers map[string]*fakeProvider) *Router {
	t.Helper()
	r := New(cfg)
	r.newProviderFn = func(ctx context.Context, providerID, modelID string, cfg *types.Config) (Provider, error) {
		key := providerID + "/" + modelID
		p, ok := providers[key]
		if !ok {
			return nil, errors.New("router_test: no fake registered for " + key)
		}
		return p, nil
	}
	return r
}

func TestCallTextFallsBackToNextModelOnExhaustedRetries(t *testing.T) {
	cfg := &types.Config{
		Routes: map[string]types.RouteConfig{
			string(RoleCoder): {Models: []string{"anthropic/good-model", "anthropic/bad-model"}},
		},
	}
	// bad-model always fails; router should try it first per the configured
	// order below, exhaust its retries, then fall through to good-model.
	providers := map[string]*fakeProvider{
		"anthropic/bad-model":  {id: "anthropic", failTimes: 100},
		"anthropic/good-model": {id: "anthropic", content: "hello from good model"},
	}
	cfg.Routes[string(RoleCoder)] = types.RouteConfig{Models: []string{"anthropic/bad-model", "anthropic/good-model"}}

	r := newTestRouter(t, cfg, providers)

	text, result, err := r.CallText(context.Background(), RoleCoder, []*schema.Message{
		{Role: schema.User, Content: "do the thing"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from good model", text)
	assert.Equal(t, "anthropic/good-model", result.ModelID)
	assert.True(t, providers["anthropic/bad-model"].calls > 1, "expected bad model to be retried before falling back")
}

func TestCallTextReturnsLastErrorWhenAllModelsExhausted(t *testing.T) {
	cfg := &types.Config{
		Routes: map[string]types.RouteConfig{
			string(RoleIntake): {Models: []string{"anthropic/bad-one", "anthropic/bad-two"}},
		},
	}
	providers := map[string]*fakeProvider{
		"anthropic/bad-one": {id: "anthropic", failTimes: 100},
		"anthropic/bad-two": {id: "anthropic", failTimes: 100},
	}
	r := newTestRouter(t, cfg, providers)

	_, _, err := r.CallText(context.Background(), RoleIntake, []*schema.Message{{Role: schema.User, Content: "hi"}})
	require.Error(t, err)
}

func TestCallJSONUnmarshalsFirstValidResponse(t *testing.T) {
	cfg := &types.Config{
		Routes: map[string]types.RouteConfig{
			string(RolePlanner): {Models: []string{"anthropic/garbled", "anthropic/clean"}},
		},
	}
	providers := map[string]*fakeProvider{
		"anthropic/garbled": {id: "anthropic", content: "not json at all"},
		"anthropic/clean":   {id: "anthropic", content: `here is your plan: {"steps": 3} thanks`},
	}
	r := newTestRouter(t, cfg, providers)

	var out struct {
		Steps int `json:"steps"`
	}
	result, err := r.CallJSON(context.Background(), RolePlanner, []*schema.Message{{Role: schema.User, Content: "plan it"}}, `{"steps": "int"}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/clean", result.ModelID)
	assert.Equal(t, 3, out.Steps)
}

func TestGetModelsFallsBackToBuiltinDefaults(t *testing.T) {
	cfg := &types.Config{}
	r := New(cfg)
	assert.Equal(t, defaultModels[RoleCoder], r.GetModels(RoleCoder))
}

func TestGetSettingsHonorsConfigOverride(t *testing.T) {
	cfg := &types.Config{
		Routes: map[string]types.RouteConfig{
			string(RoleCoder): {Temperature: 0.9, MaxTokens: 777},
		},
	}
	r := New(cfg)
	s := r.GetSettings(RoleCoder)
	assert.Equal(t, 0.9, s.Temperature)
	assert.Equal(t, 777, s.MaxTokens)
}

// fakeToolCallingModel is a minimal model.ToolCallingChatModel double: its
// first Generate call returns one tool call, its second returns a final
// JSON answer. Used to exercise CallToolLoop's execute-then-continue shape
// without a real vendor SDK.
type fakeToolCallingModel struct {
	calls        int
	toolCallOnce bool
	finalContent string
}

func (f *fakeToolCallingModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.calls++
	if f.toolCallOnce && f.calls == 1 {
		return &schema.Message{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{
				{ID: "call-1", Function: schema.FunctionCall{Name: "echo", Arguments: `{"text":"hi"}`}},
			},
		}, nil
	}
	return &schema.Message{Role: schema.Assistant, Content: f.finalContent}, nil
}

func (f *fakeToolCallingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("fakeToolCallingModel: stream not used by CallToolLoop")
}

func (f *fakeToolCallingModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

type fakeChatModelProvider struct {
	id    string
	model *fakeToolCallingModel
}

func (f *fakeChatModelProvider) ID() string                           { return f.id }
func (f *fakeChatModelProvider) ChatModel() model.ToolCallingChatModel { return f.model }

func (f *fakeChatModelProvider) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("fakeChatModelProvider: Generate not used by CallToolLoop")
}

func (f *fakeChatModelProvider) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("fakeChatModelProvider: Stream not used by CallToolLoop")
}

func TestCallToolLoopExecutesToolThenReturnsFinalAnswer(t *testing.T) {
	cfg := &types.Config{
		Routes: map[string]types.RouteConfig{
			string(RoleOrchestrator): {Models: []string{"anthropic/tool-model"}},
		},
	}
	fakeModel := &fakeToolCallingModel{toolCallOnce: true, finalContent: `{"action": "approve", "confidence": 0.9}`}
	r := New(cfg)
	r.newProviderFn = func(ctx context.Context, providerID, modelID string, cfg *types.Config) (Provider, error) {
		return &fakeChatModelProvider{id: providerID, model: fakeModel}, nil
	}

	var invoked []string
	invoke := func(ctx context.Context, name, argsJSON string) (string, error) {
		invoked = append(invoked, name+":"+argsJSON)
		return `{"ok": true}`, nil
	}

	var out struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}
	tools := []*schema.ToolInfo{{Name: "echo", Desc: "echoes text"}}
	result, err := r.CallToolLoop(context.Background(), RoleOrchestrator,
		[]*schema.Message{{Role: schema.User, Content: "do it"}}, tools, invoke, `{"action":"string"}`, &out)

	require.NoError(t, err)
	assert.Equal(t, "anthropic/tool-model", result.ModelID)
	assert.Equal(t, "approve", out.Action)
	require.Len(t, invoked, 1)
	assert.Equal(t, `echo:{"text":"hi"}`, invoked[0])
	assert.Equal(t, 2, fakeModel.calls, "expected one tool-call round then one final round")
}

func TestCallToolLoopWithoutToolsFallsBackToPlainGenerate(t *testing.T) {
	cfg := &types.Config{
		Routes: map[string]types.RouteConfig{
			string(RoleOrchestrator): {Models: []string{"anthropic/plain"}},
		},
	}
	providers := map[string]*fakeProvider{
		"anthropic/plain": {id: "anthropic", content: `{"action": "clarify", "confidence": 0.2}`},
	}
	r := newTestRouter(t, cfg, providers)

	var out struct {
		Action string `json:"action"`
	}
	result, err := r.CallToolLoop(context.Background(), RoleOrchestrator,
		[]*schema.Message{{Role: schema.User, Content: "hi"}}, nil, nil, `{"action":"string"}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/plain", result.ModelID)
	assert.Equal(t, "clarify", out.Action)
}

func TestParseModelRef(t *testing.T) {
	ref := ParseModelRef("anthropic/claude-sonnet-4-20250514")
	assert.Equal(t, "anthropic", ref.ProviderID)
	assert.Equal(t, "claude-sonnet-4-20250514", ref.ModelID)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", ref.String())

	bare := ParseModelRef("text-embedding-3-small")
	assert.Equal(t, "", bare.ProviderID)
	assert.Equal(t, "text-embedding-3-small", bare.String())
}
