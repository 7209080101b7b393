package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/internal/router"
	"github.com/autorefactor/pipeline/pkg/types"
)

// fakeProvider is a deterministic Provider double with no bound ChatModel,
// exercising CallToolLoop's plain-Generate fallback path the same way
// internal/router's own tests do.
type fakeProvider struct {
	id      string
	content string
	err     error
}

func (f *fakeProvider) ID() string                           { return f.id }
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (f *fakeProvider) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Message{Role: schema.Assistant, Content: f.content}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("fakeProvider: stream not used by agent")
}

func newTestRunners(t *testing.T, content string) *Runners {
	t.Helper()
	cfg := &types.Config{}
	p := &fakeProvider{id: "anthropic", content: content}
	r := router.New(cfg).WithProviderFactory(func(ctx context.Context, providerID, modelID string, cfg *types.Config) (router.Provider, error) {
		return p, nil
	})
	return New(r)
}

// fakeToolCallingModel returns one tool call on its first Generate, then a
// final answer, letting tests exercise the dispatcher wiring end to end
// without a real vendor SDK.
type fakeToolCallingModel struct {
	calls        int
	toolName     string
	toolArgs     string
	finalContent string
}

func (f *fakeToolCallingModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.calls++
	if f.calls == 1 {
		return &schema.Message{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{
				{ID: "call-1", Function: schema.FunctionCall{Name: f.toolName, Arguments: f.toolArgs}},
			},
		}, nil
	}
	return &schema.Message{Role: schema.Assistant, Content: f.finalContent}, nil
}

func (f *fakeToolCallingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("fakeToolCallingModel: stream not used")
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
	return nil, errors.New("fakeChatModelProvider: Generate not used")
}
func (f *fakeChatModelProvider) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("fakeChatModelProvider: Stream not used")
}

func newToolCallingRunners(t *testing.T, fakeModel *fakeToolCallingModel) *Runners {
	t.Helper()
	cfg := &types.Config{}
	r := router.New(cfg).WithProviderFactory(func(ctx context.Context, providerID, modelID string, cfg *types.Config) (router.Provider, error) {
		return &fakeChatModelProvider{id: providerID, model: fakeModel}, nil
	})
	return New(r)
}

func TestIntakeProducesJobSpec(t *testing.T) {
	content := `{"job_id": "job_01", "intent": "rename the Foo class to Bar", ` +
		`"scope": {"target_file_globs": ["**/*Foo*"], "source_language": "java"}, ` +
		`"requirements": ["preserve public API"], "constraints": []}`
	r := newTestRunners(t, content)

	spec, err := r.Intake(context.Background(), "rename Foo to Bar", "a java maven project")
	require.NoError(t, err)
	assert.Equal(t, "job_01", spec.JobID)
	assert.Equal(t, "rename the Foo class to Bar", spec.Intent)
	assert.Equal(t, "java", spec.Scope.SourceLanguage)
	assert.Equal(t, []string{"preserve public API"}, spec.Requirements)
}

func TestIntakeInvokesGenerateJobIDTool(t *testing.T) {
	fakeModel := &fakeToolCallingModel{
		toolName:     "generate_job_id",
		toolArgs:     `{}`,
		finalContent: `{"job_id": "job_placeholder", "intent": "x", "scope": {}}`,
	}
	r := newToolCallingRunners(t, fakeModel)

	spec, err := r.Intake(context.Background(), "do something", "repo summary")
	require.NoError(t, err)
	assert.Equal(t, "job_placeholder", spec.JobID)
	assert.Equal(t, 2, fakeModel.calls, "expected one tool round then one final round")
}

func TestIntakeFailurePropagatesAsError(t *testing.T) {
	cfg := &types.Config{}
	p := &fakeProvider{id: "anthropic", err: errors.New("provider down")}
	r := router.New(cfg).WithProviderFactory(func(ctx context.Context, providerID, modelID string, cfg *types.Config) (router.Provider, error) {
		return p, nil
	})
	runners := New(r)

	_, err := runners.Intake(context.Background(), "do something", "summary")
	require.Error(t, err)
}

func TestPlannerSetsPlanAndJobIDAndValidatesDependencies(t *testing.T) {
	content := `{"steps": [` +
		`{"step_number": 1, "action": "create_interface", "target_files": ["a.go"], "description": "add interface", "risk_level": 2, "estimated_minutes": 10}, ` +
		`{"step_number": 2, "action": "implement_interface", "target_files": ["b.go"], "description": "implement it", "dependencies": [1], "risk_level": 4, "estimated_minutes": 20}` +
		`], "risk_assessment": {"overall_risk": 4, "breaking_change": false, "compilation_risk": false}, "estimated_duration": 30}`
	r := newTestRunners(t, content)

	spec := types.JobSpec{JobID: "job_01", Intent: "add interface"}
	plan, err := r.Planner(context.Background(), spec, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "job_01", plan.JobID)
	assert.NotEmpty(t, plan.PlanID)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, []int{1}, plan.Steps[1].Dependencies)
}

func TestPlannerRejectsInvalidDependencyGraph(t *testing.T) {
	content := `{"steps": [` +
		`{"step_number": 1, "action": "implement_interface", "description": "bad", "dependencies": [2]}` +
		`], "risk_assessment": {"overall_risk": 1}, "estimated_duration": 5}`
	r := newTestRunners(t, content)

	_, err := r.Planner(context.Background(), types.JobSpec{JobID: "job_01"}, t.TempDir())
	require.Error(t, err)
}

func TestPlannerEnumerateToolSeesRepositoryFiles(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "Widget.java"), []byte("package demo;\npublic class Widget {}\n"), 0o644))

	fakeModel := &fakeToolCallingModel{
		toolName:     "enumerate_source_files",
		toolArgs:     `{"pattern": "**/*.java"}`,
		finalContent: `{"steps": [], "risk_assessment": {"overall_risk": 0}, "estimated_duration": 0}`,
	}
	r := newToolCallingRunners(t, fakeModel)

	_, err := r.Planner(context.Background(), types.JobSpec{JobID: "job_01"}, repoRoot)
	require.NoError(t, err)
	assert.Equal(t, 2, fakeModel.calls)
}

// TestValidatorOverwritesCompilationPassedWithFactualBuildResult plants a
// repository that genuinely fails to compile, while the fake model's own
// final JSON lies in the opposite direction (compilation_passed: true). The
// independent build.Compile re-run inside Validator must win: the model's
// self-report is never trusted for the deterministic pass/fail signal.
func TestValidatorOverwritesCompilationPassedWithFactualBuildResult(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "go.mod"), []byte("module example.com/demo\n\ngo 1.22\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "broken.go"), []byte("package demo\n\nfunc Broken( {\n"), 0o644))

	content := `{"passed": true, "compilation_passed": true, "checks": [{"name": "compile", "passed": true}], "test_coverage": 0.5}`
	r := newTestRunners(t, content)

	result, err := r.Validator(context.Background(), "plan_01", repoRoot, []string{"broken.go"})
	require.NoError(t, err)
	assert.Equal(t, "plan_01", result.PlanID)
	assert.False(t, result.CompilationPassed, "the factual build re-run must override the model's false compilation_passed=true claim")
	assert.False(t, result.Passed, "compilation_passed=false must force passed=false")
}

// TestValidatorOverwritesTestTotalsWithFactualRunResult plants a repo whose
// real `go test ./...` run succeeds, while the fake model's final JSON
// claims an inflated test_totals.run the real run never reported. Validator
// must replace it with the independently parsed, factual totals.
func TestValidatorOverwritesTestTotalsWithFactualRunResult(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "go.mod"), []byte("module example.com/demo\n\ngo 1.22\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "demo_test.go"), []byte(
		"package demo\n\nimport \"testing\"\n\nfunc TestOK(t *testing.T) {}\n"), 0o644))

	content := `{"passed": true, "compilation_passed": true, "test_totals": {"run": 999, "passed": 999, "failed": 0, "skipped": 0}, "test_coverage": 1.0}`
	r := newTestRunners(t, content)

	result, err := r.Validator(context.Background(), "plan_01", repoRoot, []string{"demo_test.go"})
	require.NoError(t, err)
	require.NotNil(t, result.TestTotals)
	assert.NotEqual(t, 999, result.TestTotals.Run, "the model's claimed test_totals must never survive into the result")
}

func TestValidatorFailsWhenBuildSystemUndetected(t *testing.T) {
	r := newTestRunners(t, `{"passed": true, "compilation_passed": true}`)
	_, err := r.Validator(context.Background(), "plan_01", t.TempDir(), nil)
	require.Error(t, err)
}

func TestNarratorSetsPlanID(t *testing.T) {
	content := `{"title": "Rename Foo to Bar", "summary": "renamed the class across the module", ` +
		`"file_descriptions": [{"file_path": "Bar.java", "category": "refactoring", "description": "renamed from Foo"}], ` +
		`"breaking_changes": [], "testing_notes": "all checks passed"}`
	r := newTestRunners(t, content)

	changes := types.CodeChanges{PlanID: "plan_01", Changes: []types.CodeChange{
		{FilePath: "Bar.java", ChangeType: types.ChangeModified, LinesAdded: 3, LinesRemoved: 1},
	}}
	validation := types.ValidationResult{PlanID: "plan_01", Passed: true, CompilationPassed: true, TestCoverage: 1}

	pr, err := r.Narrator(context.Background(), "plan_01", changes, validation)
	require.NoError(t, err)
	assert.Equal(t, "plan_01", pr.PlanID)
	assert.Equal(t, "Rename Foo to Bar", pr.Title)
	require.Len(t, pr.FileDescriptions, 1)
	assert.Equal(t, "refactoring", pr.FileDescriptions[0].Category)
}

func TestDispatcherErrorsOnUnknownTool(t *testing.T) {
	d := dispatcher(intakeTools())
	_, err := d(context.Background(), "no_such_tool", `{}`)
	require.Error(t, err)
}

func TestDispatcherGenerateJobIDRoundTrips(t *testing.T) {
	d := dispatcher(intakeTools())
	out, err := d(context.Background(), "generate_job_id", `{}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"job_id"`)
}

func TestIsValidModuleName(t *testing.T) {
	assert.True(t, isValidModuleName("com.example.widgets", "java"))
	assert.False(t, isValidModuleName("Com.Example", "java"))
	assert.True(t, isValidModuleName("github.com/foo/bar", "go"))
	assert.False(t, isValidModuleName("", "go"))
}

func TestSuggestGlobsFallsBackToWildcardOnEmptyKeywords(t *testing.T) {
	assert.Equal(t, []string{"**/*"}, suggestGlobs(nil))
	assert.Equal(t, []string{"**/*widget*"}, suggestGlobs([]string{"Widget"}))
}

func TestComputeRiskEscalatesForBreakingPublicAPI(t *testing.T) {
	base := computeRisk("rename_class", false, false)
	escalated := computeRisk("rename_class", true, true)
	assert.Greater(t, escalated, base)
}

func TestSuggestDependenciesLinksImplementAfterCreate(t *testing.T) {
	prior := []types.PlanStep{{StepNumber: 1, Action: "create_interface", TargetClasses: []string{"Shape"}}}
	deps := suggestDependencies("implement_interface", []string{"Shape"}, prior)
	assert.Equal(t, []int{1}, deps)
}

func TestCategorizeFile(t *testing.T) {
	assert.Equal(t, "tests", categorizeFile("src/test/java/WidgetTest.java"))
	assert.Equal(t, "docs", categorizeFile("README.md"))
	assert.Equal(t, "configuration", categorizeFile("application.yaml"))
	assert.Equal(t, "features", categorizeFile("src/main/java/Widget.java"))
}

func TestEstimateCoverageCapsAtOne(t *testing.T) {
	assert.Equal(t, 1.0, estimateCoverage(10, 3))
	assert.Equal(t, 0.5, estimateCoverage(2, 4))
	assert.Equal(t, 0.0, estimateCoverage(0, 0))
}
