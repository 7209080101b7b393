package transform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/internal/astbridge"
	"github.com/autorefactor/pipeline/internal/router"
	"github.com/autorefactor/pipeline/pkg/types"
)

// fakeStreamProvider is a deterministic Provider double whose Stream method
// pipes a fixed sequence of chunks through a real schema.Pipe, the same
// producer/consumer construction the pack's echoryn agent runner uses to
// hand a StreamReader to a caller while a goroutine fills it.
type fakeStreamProvider struct {
	id        string
	chunks    []string
	streamErr error // sent as the pipe's final item, if set
	failOpen  error // returned directly from Stream, if set
}

func (f *fakeStreamProvider) ID() string                           { return f.id }
func (f *fakeStreamProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (f *fakeStreamProvider) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("fakeStreamProvider: Generate not used by transform")
}

func (f *fakeStreamProvider) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if f.failOpen != nil {
		return nil, f.failOpen
	}
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range f.chunks {
			sw.Send(&schema.Message{Role: schema.Assistant, Content: c}, nil)
		}
		if f.streamErr != nil {
			sw.Send(nil, f.streamErr)
		}
	}()
	return sr, nil
}

func newTestAdapter(t *testing.T, batchSize int, providers map[string]*fakeStreamProvider) *Adapter {
	t.Helper()
	cfg := &types.Config{}
	r := router.New(cfg).WithProviderFactory(func(ctx context.Context, providerID, modelID string, cfg *types.Config) (router.Provider, error) {
		key := providerID + "/" + modelID
		p, ok := providers[key]
		if !ok {
			return nil, errors.New("transform_test: no fake registered for " + key)
		}
		return p, nil
	})
	return New(r, batchSize, "", nil)
}

func plannedStep(n int, action string, files ...string) types.PlanStep {
	return types.PlanStep{StepNumber: n, Action: action, Description: "do " + action, TargetFiles: files}
}

func collect(t *testing.T, ch <-chan Tuple) []Tuple {
	t.Helper()
	var tuples []Tuple
	for tuple := range ch {
		tuples = append(tuples, tuple)
	}
	return tuples
}

func TestStreamBatchEmitsEachNewlyObservedFileOnce(t *testing.T) {
	modelID := router.ParseModelRef(defaultModelForTest(t)).String()
	chunks := []string{
		`{"plan_id":"p1","changes":[`,
		`{"file_path":"A.java","change_type":"created","modified_content":"class A {}\n"}`,
		`]}`,
	}
	providers := map[string]*fakeStreamProvider{
		modelID: {id: "anthropic", chunks: chunks},
	}
	adapter := newTestAdapter(t, DefaultBatchSize, providers)

	plan := &types.RefactorPlan{PlanID: "p1", Steps: []types.PlanStep{plannedStep(1, "create class", "A.java")}}
	tuples := collect(t, adapter.Run(context.Background(), "sess-1", plan))

	var fileTuples []Tuple
	for _, tp := range tuples {
		if tp.Change != nil {
			fileTuples = append(fileTuples, tp)
		}
		require.Nil(t, tp.Err)
	}
	require.Len(t, fileTuples, 1)
	assert.Equal(t, "A.java", fileTuples[0].Change.FilePath)
	assert.Equal(t, types.ChangeCreated, fileTuples[0].Change.ChangeType)
	assert.Equal(t, 1, fileTuples[0].Change.LinesAdded, "fallback non-blank line count should apply since the model omitted lines_added")
}

func TestRunEmitsBatchStartedAndCompletedAroundFileEvents(t *testing.T) {
	modelID := router.ParseModelRef(defaultModelForTest(t)).String()
	chunks := []string{`{"plan_id":"p1","changes":[{"file_path":"A.java","change_type":"created","modified_content":"class A {}\n"}]}`}
	providers := map[string]*fakeStreamProvider{modelID: {id: "anthropic", chunks: chunks}}
	adapter := newTestAdapter(t, DefaultBatchSize, providers)

	plan := &types.RefactorPlan{PlanID: "p1", Steps: []types.PlanStep{plannedStep(1, "create class", "A.java")}}
	tuples := collect(t, adapter.Run(context.Background(), "sess-1", plan))

	require.Len(t, tuples, 3)
	assert.Equal(t, types.EventBatchStarted, tuples[0].Progress.EventType)
	assert.NotNil(t, tuples[1].Change)
	assert.Equal(t, types.EventBatchCompleted, tuples[2].Progress.EventType)
}

func TestAdaptiveDegradationHalvesBatchOnTokenLimitError(t *testing.T) {
	// Every CODER fallback model hits the limit, so the error the router
	// returns (the last model's) is the token-limit one.
	tokenLimit := &fakeStreamProvider{id: "anthropic", failOpen: errors.New("400 maximum context length exceeded for this model")}
	providers := map[string]*fakeStreamProvider{}
	for _, m := range router.New(&types.Config{}).GetModels(router.RoleCoder) {
		providers[router.ParseModelRef(m).String()] = tokenLimit
	}
	adapter := newTestAdapter(t, 2, providers)
	plan := &types.RefactorPlan{
		PlanID: "p1",
		Steps: []types.PlanStep{
			plannedStep(1, "step one", "A.java"),
			plannedStep(2, "step two", "B.java"),
		},
	}

	// First call (batch of 2) fails with a token-limit error; the adapter
	// should recurse into two sub-batches of size 1, which also fail at
	// stream-open time since the fake always returns failOpen — the error
	// returned to the caller should still be wrapped as a batch failure,
	// not a raw provider error, proving the halving path was taken.
	tuples := collect(t, adapter.Run(context.Background(), "sess-1", plan))
	last := tuples[len(tuples)-1]
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "batch of 1 step(s) failed")
}

func TestNonTokenLimitErrorPropagatesWithoutHalving(t *testing.T) {
	goodModel := router.ParseModelRef(defaultModelForTest(t)).String()
	providers := map[string]*fakeStreamProvider{
		goodModel: {id: "anthropic", failOpen: errors.New("401 unauthorized")},
	}
	adapter := newTestAdapter(t, 2, providers)
	plan := &types.RefactorPlan{
		PlanID: "p1",
		Steps: []types.PlanStep{
			plannedStep(1, "step one", "A.java"),
			plannedStep(2, "step two", "B.java"),
		},
	}

	tuples := collect(t, adapter.Run(context.Background(), "sess-1", plan))
	last := tuples[len(tuples)-1]
	require.Error(t, last.Err)
	assert.Contains(t, last.Err.Error(), "batch of 2 step(s) failed")
}

func TestBatchStepsCollapsesToSingleBatchOnSentinel(t *testing.T) {
	steps := []types.PlanStep{plannedStep(1, "a"), plannedStep(2, "b"), plannedStep(3, "c")}

	assert.Len(t, batchSteps(steps, 0), 1)
	assert.Len(t, batchSteps(steps, 10), 1)

	batches := batchSteps(steps, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
}

func TestApplyLineCountFallbackComputesFromContentWhenCountersZero(t *testing.T) {
	created := types.CodeChange{ChangeType: types.ChangeCreated, ModifiedContent: "a\n\nb\n"}
	applyLineCountFallback(&created)
	assert.Equal(t, 2, created.LinesAdded)
	assert.Equal(t, 0, created.LinesRemoved)

	original := "x\ny\n"
	modified := types.CodeChange{
		ChangeType:      types.ChangeModified,
		FilePath:        "a.txt",
		OriginalContent: &original,
		ModifiedContent: "x\n",
	}
	applyLineCountFallback(&modified)
	assert.Equal(t, 1, modified.LinesAdded)
	assert.Equal(t, 2, modified.LinesRemoved)
	assert.NotEmpty(t, modified.Diff)
}

func TestExtractJSONObjectToleratesIncompletePrefix(t *testing.T) {
	assert.Equal(t, "", extractJSONObject(`no object here`))
	assert.Equal(t, `{"a":1}`, extractJSONObject(`garbage {"a":1}`))
	assert.Equal(t, "", extractJSONObject(`{"a": {"b": 1}`)) // unbalanced, still growing
}

// defaultModelForTest returns the first CODER fallback model so test fakes
// key themselves off whatever the router would actually resolve.
func defaultModelForTest(t *testing.T) string {
	t.Helper()
	cfg := &types.Config{}
	r := router.New(cfg)
	models := r.GetModels(router.RoleCoder)
	require.NotEmpty(t, models)
	return models[0]
}

func TestStepKeywordsDedupesLowercasesAndDropsShortWords(t *testing.T) {
	step := types.PlanStep{
		Action:        "rename_class",
		Description:   "Rename the Foo class to Bar for clarity",
		TargetClasses: []string{"Foo", "Bar"},
	}
	keywords := stepKeywords(step)
	assert.Contains(t, keywords, "rename")
	assert.Contains(t, keywords, "foo")
	assert.Contains(t, keywords, "bar")
	assert.Contains(t, keywords, "clarity")
	assert.NotContains(t, keywords, "the")
	assert.NotContains(t, keywords, "for")

	seen := make(map[string]bool)
	for _, k := range keywords {
		assert.False(t, seen[k], "keyword %q should appear only once", k)
		seen[k] = true
	}
}

func TestFetchTargetedContextReturnsEmptyWithoutRepoRoot(t *testing.T) {
	a := &Adapter{}
	got := a.fetchTargetedContext(context.Background(), types.PlanStep{TargetFiles: []string{"a.go"}})
	assert.Empty(t, got)
}

func TestFetchTargetedContextInlinesSmallFileFullText(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\n"), 0o644))

	a := &Adapter{repoRoot: dir}
	got := a.fetchTargetedContext(context.Background(), types.PlanStep{TargetFiles: []string{"a.go"}})
	assert.Contains(t, got, "package main")
	assert.Contains(t, got, "--- a.go ---")
}

func TestFetchTargetedContextSkipsMissingFile(t *testing.T) {
	dir := t.TempDir()
	a := &Adapter{repoRoot: dir}
	got := a.fetchTargetedContext(context.Background(), types.PlanStep{TargetFiles: []string{"missing.go"}})
	assert.Empty(t, got)
}

func TestFetchTargetedContextFallsBackToFullTextWhenBridgeDisconnected(t *testing.T) {
	dir := t.TempDir()
	large := strings.Repeat("x", contextSizeThreshold+1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.go"), []byte(large), 0o644))

	disconnected, err := astbridge.Connect(context.Background(), astbridge.Config{Enabled: false})
	require.NoError(t, err)

	a := &Adapter{repoRoot: dir, bridge: disconnected}
	got := a.fetchTargetedContext(context.Background(), types.PlanStep{TargetFiles: []string{"big.go"}})
	assert.Contains(t, got, "--- big.go ---")
	assert.Contains(t, got, large)
}
