package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/autorefactor/pipeline/internal/logging"
	"github.com/autorefactor/pipeline/pkg/types"
)

// Role names the logical LLM role a call is made on behalf of.
type Role string

const (
	RoleIntake      Role = "INTAKE"
	RolePlanner     Role = "PLANNER"
	RoleCoder       Role = "CODER"
	RolePRNarrator  Role = "PR_NARRATOR"
	RoleOrchestrator Role = "ORCHESTRATOR"
	RoleEmbedding   Role = "EMBEDDING"
)

// Settings are the per-role call defaults.
type Settings struct {
	Temperature float64
	MaxTokens   int
}

// defaultModels is the built-in ordered fallback list per role, used when
// config/env supplies none. Mirrors the teacher's modelPriority-ranked
// defaults but expressed directly as ordered lists per role rather than a
// single global priority table, since each role favors a different model
// class (fast/cheap for Intake, strongest-reasoning for Planner/Coder).
var defaultModels = map[Role][]string{
	RoleIntake:       {"anthropic/claude-3-5-haiku-20241022", "openai/gpt-4o-mini"},
	RolePlanner:      {"anthropic/claude-sonnet-4-20250514", "openai/gpt-5"},
	RoleCoder:        {"anthropic/claude-sonnet-4-20250514", "anthropic/claude-opus-4-20250514"},
	RolePRNarrator:   {"anthropic/claude-3-5-haiku-20241022", "openai/gpt-4o-mini"},
	RoleOrchestrator: {"anthropic/claude-3-5-haiku-20241022", "anthropic/claude-sonnet-4-20250514"},
	RoleEmbedding:    {"openai/text-embedding-3-small"},
}

var defaultSettings = map[Role]Settings{
	RoleIntake:       {Temperature: 0.2, MaxTokens: 2048},
	RolePlanner:      {Temperature: 0.3, MaxTokens: 8192},
	RoleCoder:        {Temperature: 0.2, MaxTokens: 16384},
	RolePRNarrator:   {Temperature: 0.4, MaxTokens: 4096},
	RoleOrchestrator: {Temperature: 0.1, MaxTokens: 1024},
	RoleEmbedding:    {},
}

// DefaultSettings returns the built-in call defaults for a role, grounded
// on original_source/model_registry.py's per-role defaults table.
func DefaultSettings(role Role) Settings {
	if s, ok := defaultSettings[role]; ok {
		return s
	}
	return Settings{Temperature: 0.2, MaxTokens: 4096}
}

// Router is the Model Router (C1). Configuration is read once at
// construction; per-role fallback lists may be overridden by CSV env vars
// (applied already by internal/config.Load into cfg.Routes).
type Router struct {
	cfg *types.Config

	mu        sync.Mutex
	providers map[string]Provider // cache key: "providerID/modelID"

	// newProviderFn is swapped out in tests to avoid constructing real
	// vendor clients; production callers always get newProvider via New.
	newProviderFn func(ctx context.Context, providerID, modelID string, cfg *types.Config) (Provider, error)
}

// New constructs a Router from loaded service configuration.
func New(cfg *types.Config) *Router {
	return &Router{cfg: cfg, providers: make(map[string]Provider), newProviderFn: newProvider}
}

// WithProviderFactory overrides the Provider constructor used for every
// subsequent providerFor call and returns the Router for chaining. It
// exists so tests in other packages (e.g. internal/transform) can inject a
// fake Provider without constructing real vendor clients; production
// callers never need it since New already wires the real newProvider.
func (r *Router) WithProviderFactory(fn func(ctx context.Context, providerID, modelID string, cfg *types.Config) (Provider, error)) *Router {
	r.newProviderFn = fn
	return r
}

// GetModels returns the ordered fallback model list for a role.
func (r *Router) GetModels(role Role) []string {
	if route, ok := r.cfg.Routes[string(role)]; ok && len(route.Models) > 0 {
		return route.Models
	}
	return defaultModels[role]
}

// GetSettings returns the per-role call defaults, honoring any config
// override of temperature/max tokens.
func (r *Router) GetSettings(role Role) Settings {
	s := DefaultSettings(role)
	if route, ok := r.cfg.Routes[string(role)]; ok {
		if route.Temperature != 0 {
			s.Temperature = route.Temperature
		}
		if route.MaxTokens != 0 {
			s.MaxTokens = route.MaxTokens
		}
	}
	return s
}

// providerFor lazily constructs and caches the Provider for one model ref.
func (r *Router) providerFor(ctx context.Context, ref ModelRef) (Provider, error) {
	key := ref.String()
	r.mu.Lock()
	if p, ok := r.providers[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := r.newProviderFn(ctx, ref.ProviderID, ref.ModelID, r.cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.providers[key] = p
	r.mu.Unlock()
	return p, nil
}

// CallResult carries a router call's output plus bookkeeping metadata.
type CallResult struct {
	ModelID   string
	ElapsedMS int64
}

func newRetry(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	return backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)
}

// CallText performs a blocking text completion for role, trying each model
// in the role's fallback list in order. It returns the first successful
// response; if every model fails, it returns the last error.
func (r *Router) CallText(ctx context.Context, role Role, messages []*schema.Message) (string, CallResult, error) {
	settings := r.GetSettings(role)
	var lastErr error
	for _, modelStr := range r.GetModels(role) {
		ref := ParseModelRef(modelStr)
		start := time.Now()
		msg, err := r.callOneWithRetry(ctx, ref, settings, messages)
		if err != nil {
			lastErr = err
			logging.Warn().Str("role", string(role)).Str("model", modelStr).Err(err).Msg("router: model failed, trying next fallback")
			continue
		}
		return msg.Content, CallResult{ModelID: modelStr, ElapsedMS: time.Since(start).Milliseconds()}, nil
	}
	return "", CallResult{}, fmt.Errorf("router: all models exhausted for role %s: %w", role, lastErr)
}

// CallJSON performs a blocking, schema-validated JSON completion: the
// target schema description is appended as a system instruction, and the
// first model whose response unmarshals cleanly into out wins.
func (r *Router) CallJSON(ctx context.Context, role Role, messages []*schema.Message, schemaDesc string, out any) (CallResult, error) {
	jsonMessages := append(append([]*schema.Message{}, messages...), &schema.Message{
		Role:    schema.System,
		Content: "Respond with a single JSON object only, matching this schema: " + schemaDesc,
	})

	settings := r.GetSettings(role)
	var lastErr error
	for _, modelStr := range r.GetModels(role) {
		ref := ParseModelRef(modelStr)
		start := time.Now()
		msg, err := r.callOneWithRetry(ctx, ref, settings, jsonMessages)
		if err != nil {
			lastErr = err
			continue
		}
		content := extractJSON(msg.Content)
		if err := json.Unmarshal([]byte(content), out); err != nil {
			lastErr = fmt.Errorf("router: model %s returned invalid JSON: %w", modelStr, err)
			logging.Warn().Str("role", string(role)).Str("model", modelStr).Err(lastErr).Msg("router: JSON validation failed, trying next fallback")
			continue
		}
		return CallResult{ModelID: modelStr, ElapsedMS: time.Since(start).Milliseconds()}, nil
	}
	return CallResult{}, fmt.Errorf("router: all models exhausted for role %s: %w", role, lastErr)
}

// CallStream performs a streaming completion, trying each model in order
// until one successfully opens a stream (errors encountered mid-stream are
// the caller's concern, per spec.md's adaptive-degradation ownership at the
// transformer-adapter level, not the router's).
func (r *Router) CallStream(ctx context.Context, role Role, messages []*schema.Message) (*schema.StreamReader[*schema.Message], string, error) {
	settings := r.GetSettings(role)
	var lastErr error
	for _, modelStr := range r.GetModels(role) {
		ref := ParseModelRef(modelStr)
		p, err := r.providerFor(ctx, ref)
		if err != nil {
			lastErr = err
			continue
		}
		stream, err := p.Stream(ctx, messages, model.WithMaxTokens(settings.MaxTokens), model.WithTemperature(float32(settings.Temperature)))
		if err != nil {
			lastErr = err
			logging.Warn().Str("role", string(role)).Str("model", modelStr).Err(err).Msg("router: stream open failed, trying next fallback")
			continue
		}
		return stream, modelStr, nil
	}
	return nil, "", fmt.Errorf("router: all models exhausted for role %s: %w", role, lastErr)
}

// maxToolSteps bounds a CallToolLoop run, mirroring the teacher's
// runLoop step limit that guards against a model stuck calling tools
// forever.
const maxToolSteps = 8

// ToolInvoker executes one tool call by name against JSON-encoded
// arguments and returns its JSON-encodable string result.
type ToolInvoker func(ctx context.Context, name, argsJSON string) (string, error)

// CallToolLoop runs an agentic tool-calling completion: the model may
// respond with tool calls instead of a final answer, in which case each
// call is executed via invoke and its result is fed back as a Tool-role
// message before the model is called again, up to maxToolSteps rounds.
// The first response with no tool calls is treated as final and
// schema-validated exactly like CallJSON. Mirrors the teacher's
// runLoop/executeToolCalls shape (tool_calls finish reason -> execute ->
// continue; stop finish reason -> return), generalized from a
// single-model per-session loop to the router's per-role fallback list.
func (r *Router) CallToolLoop(ctx context.Context, role Role, messages []*schema.Message, tools []*schema.ToolInfo, invoke ToolInvoker, schemaDesc string, out any) (CallResult, error) {
	settings := r.GetSettings(role)
	jsonInstruction := &schema.Message{
		Role:    schema.System,
		Content: "Respond with a single JSON object only, matching this schema: " + schemaDesc,
	}

	var lastErr error
	for _, modelStr := range r.GetModels(role) {
		ref := ParseModelRef(modelStr)
		start := time.Now()
		content, err := r.runToolLoopOnce(ctx, ref, settings, messages, jsonInstruction, tools, invoke)
		if err != nil {
			lastErr = err
			logging.Warn().Str("role", string(role)).Str("model", modelStr).Err(err).Msg("router: tool loop failed, trying next fallback")
			continue
		}
		if unmarshalErr := json.Unmarshal([]byte(extractJSON(content)), out); unmarshalErr != nil {
			lastErr = fmt.Errorf("router: model %s returned invalid JSON: %w", modelStr, unmarshalErr)
			continue
		}
		return CallResult{ModelID: modelStr, ElapsedMS: time.Since(start).Milliseconds()}, nil
	}
	return CallResult{}, fmt.Errorf("router: all models exhausted for role %s: %w", role, lastErr)
}

func (r *Router) runToolLoopOnce(ctx context.Context, ref ModelRef, settings Settings, messages []*schema.Message, jsonInstruction *schema.Message, tools []*schema.ToolInfo, invoke ToolInvoker) (string, error) {
	p, err := r.providerFor(ctx, ref)
	if err != nil {
		return "", err
	}

	chatModel := p.ChatModel()
	if chatModel != nil && len(tools) > 0 {
		bound, bindErr := chatModel.WithTools(tools)
		if bindErr != nil {
			return "", bindErr
		}
		chatModel = bound
	}
	if chatModel == nil {
		msg, err := r.callOneWithRetry(ctx, ref, settings, append(append([]*schema.Message{}, messages...), jsonInstruction))
		if err != nil {
			return "", err
		}
		return msg.Content, nil
	}

	history := append([]*schema.Message{}, messages...)
	history = append(history, jsonInstruction)

	for step := 0; step < maxToolSteps; step++ {
		msg, err := chatModel.Generate(ctx, history, model.WithMaxTokens(settings.MaxTokens), model.WithTemperature(float32(settings.Temperature)))
		if err != nil {
			return "", err
		}
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		history = append(history, msg)
		for _, call := range msg.ToolCalls {
			result, invokeErr := invoke(ctx, call.Function.Name, call.Function.Arguments)
			if invokeErr != nil {
				result = fmt.Sprintf(`{"error": %q}`, invokeErr.Error())
			}
			history = append(history, &schema.Message{Role: schema.Tool, Content: result, ToolCallID: call.ID})
		}
	}
	return "", fmt.Errorf("router: tool loop exceeded %d steps without a final answer", maxToolSteps)
}

func (r *Router) callOneWithRetry(ctx context.Context, ref ModelRef, settings Settings, messages []*schema.Message) (*schema.Message, error) {
	p, err := r.providerFor(ctx, ref)
	if err != nil {
		return nil, err
	}

	var msg *schema.Message
	operation := func() error {
		var genErr error
		msg, genErr = p.Generate(ctx, messages, model.WithMaxTokens(settings.MaxTokens), model.WithTemperature(float32(settings.Temperature)))
		return genErr
	}

	if err := backoff.Retry(operation, newRetry(ctx)); err != nil {
		return nil, err
	}
	return msg, nil
}

// extractJSON trims a model response down to its outermost JSON object,
// tolerating markdown code fences some models wrap structured output in.
func extractJSON(s string) string {
	start, end := -1, -1
	for i, c := range s {
		if c == '{' && start == -1 {
			start = i
		}
		if c == '}' {
			end = i
		}
	}
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
