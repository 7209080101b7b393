// Package agent implements the pipeline's LLM-driven Agent Runners: Intake,
// Planner, Validator, and Narrator. Each runner drives an agentic tool-call
// loop through the router (the Transformer runner is instead implemented by
// internal/transform, which streams code changes rather than calling tools),
// mirroring how the teacher's session loop drives a single model through a
// bounded tool-call round trip per turn rather than hand-parsing free text.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/autorefactor/pipeline/internal/build"
	"github.com/autorefactor/pipeline/internal/router"
	"github.com/autorefactor/pipeline/pkg/types"
)

// Runners bundles the four agent entry points against a shared router, the
// way the teacher wires every session-loop caller through one shared
// provider registry rather than constructing a client per call site.
type Runners struct {
	router *router.Router
}

func New(r *router.Router) *Runners {
	return &Runners{router: r}
}

const jsonOnlyInstruction = "Respond with a single JSON object matching the requested schema, and nothing else. " +
	"Use the provided tools as needed before producing your final answer."

func systemMessage(role string) *schema.Message {
	return &schema.Message{Role: schema.System, Content: role + " " + jsonOnlyInstruction}
}

// --- Intake -------------------------------------------------------------

const intakeSystemPrompt = "You are the intake stage of a code refactoring pipeline. " +
	"Given a user's raw natural-language request and a repository summary, decompose it into " +
	"a structured job specification: a job id, a short intent statement, a file/module scope, " +
	"and explicit requirements and constraints. Use the tools to generate the job id, validate " +
	"any package/module name the user mentions, and derive file globs and exclusions from the " +
	"request's keywords."

const jobSpecSchemaDesc = `{"job_id": "string", "intent": "string", ` +
	`"scope": {"target_file_globs": ["string"], "target_modules": ["string"], "source_language": "string", ` +
	`"build_system": "string", "exclude_file_globs": ["string"]}, ` +
	`"requirements": ["string"], "constraints": ["string"]}`

// Intake turns a raw user prompt into a JobSpec, per the teacher's pattern
// of a single tool-assisted round trip per pipeline stage.
func (r *Runners) Intake(ctx context.Context, userPrompt, repoSummary string) (types.JobSpec, error) {
	messages := []*schema.Message{
		systemMessage(intakeSystemPrompt),
		{Role: schema.User, Content: fmt.Sprintf("Repository summary:\n%s\n\nUser request:\n%s", repoSummary, userPrompt)},
	}
	tools := intakeTools()
	var spec types.JobSpec
	_, err := r.router.CallToolLoop(ctx, router.RoleIntake, messages, toolInfos(tools), dispatcher(tools), jobSpecSchemaDesc, &spec)
	if err != nil {
		return types.JobSpec{}, fmt.Errorf("agent: intake failed: %w", err)
	}
	return spec, nil
}

// --- Planner --------------------------------------------------------------

const plannerSystemPrompt = "You are the planning stage of a code refactoring pipeline. " +
	"Given a job specification, enumerate the repository's relevant source files, analyze the " +
	"ones that matter to the requested change, and produce an ordered, dependency-tracked plan " +
	"of steps. Use the tools to list files, analyze file structure, estimate each step's " +
	"duration and risk, suggest step dependencies, and suggest mitigation strategies for the " +
	"plan's overall risk."

const refactorPlanSchemaDesc = `{"plan_id": "string", "job_id": "string", "steps": [{"step_number": "int", ` +
	`"action": "string", "target_files": ["string"], "target_classes": ["string"], "description": "string", ` +
	`"dependencies": ["int"], "risk_level": "int 0..10", "estimated_minutes": "int"}], ` +
	`"risk_assessment": {"overall_risk": "int 0..10", "breaking_change": "boolean", "compilation_risk": "boolean", ` +
	`"affected_modules": ["string"], "mitigation_strategies": ["string"]}, "estimated_duration": "int"}`

// Planner turns a JobSpec into a RefactorPlan.
func (r *Runners) Planner(ctx context.Context, spec types.JobSpec, repoRoot string) (types.RefactorPlan, error) {
	jobJSON := fmt.Sprintf("job_id=%s intent=%q build_system=%q target_globs=%v requirements=%v constraints=%v",
		spec.JobID, spec.Intent, spec.Scope.BuildSystem, spec.Scope.TargetFileGlobs, spec.Requirements, spec.Constraints)
	messages := []*schema.Message{
		systemMessage(plannerSystemPrompt),
		{Role: schema.User, Content: "Job specification:\n" + jobJSON},
	}
	tools := plannerTools(repoRoot)
	var plan types.RefactorPlan
	_, err := r.router.CallToolLoop(ctx, router.RolePlanner, messages, toolInfos(tools), dispatcher(tools), refactorPlanSchemaDesc, &plan)
	if err != nil {
		return types.RefactorPlan{}, fmt.Errorf("agent: planning failed: %w", err)
	}
	plan.PlanID = types.NewID("plan")
	plan.JobID = spec.JobID
	if err := plan.ValidateDependencies(); err != nil {
		return types.RefactorPlan{}, fmt.Errorf("agent: planner produced an invalid dependency graph: %w", err)
	}
	return plan, nil
}

// --- Validator --------------------------------------------------------------

const validatorSystemPrompt = "You are the validation stage of a code refactoring pipeline. " +
	"Given a plan id and the set of files it touched, run the build compile step, run the test " +
	"suite, run static scans for common issues (magic numbers, naming, weak crypto, hard-coded " +
	"credentials, SQL string concatenation, missing parameter validation), and estimate test " +
	"coverage. Compilation failing always forces the overall result to fail, regardless of any " +
	"other check."

const validationResultSchemaDesc = `{"plan_id": "string", "passed": "boolean", "compilation_passed": "boolean", ` +
	`"checks": [{"name": "string", "passed": "boolean", "issues": ["string"], "compilation_errors": ["string"]}], ` +
	`"test_coverage": "number 0..1", "test_totals": {"run": "int", "passed": "int", "failed": "int", "skipped": "int"}, ` +
	`"security_vulnerabilities": [{"kind": "string", "file_path": "string", "line": "int", "description": "string", "severity": "string"}], ` +
	`"confidence_metrics": {"<metric>": "number"}, "recommendations": ["string"]}`

// Validator runs compile/test/scan checks against a plan's touched files and
// produces a ValidationResult. The Build Driver's compile/test outcome is
// factual (not LLM-judged): the model may call run_build_compile/
// run_test_suite itself while assembling its checks and recommendations,
// but its own compilation_passed/test_totals claims are never trusted.
// After the tool loop returns, Validator independently re-runs build.Compile
// and build.RunTests against the same repoRoot and overwrites
// result.CompilationPassed/result.TestTotals with those factual outcomes,
// so a model that misreports what its own tool call returned can never
// flip the deterministic pass/fail signal downstream consumers rely on.
// Normalize is then applied to enforce the compilation_passed invariant.
func (r *Runners) Validator(ctx context.Context, planID, repoRoot string, touchedFiles []string) (types.ValidationResult, error) {
	sys, err := build.Detect(repoRoot)
	if err != nil {
		return types.ValidationResult{}, fmt.Errorf("agent: build system detection failed: %w", err)
	}
	messages := []*schema.Message{
		systemMessage(validatorSystemPrompt),
		{Role: schema.User, Content: fmt.Sprintf("plan_id=%s build_system=%s touched_files=%s",
			planID, sys, strings.Join(touchedFiles, ", "))},
	}
	tools := validatorTools(repoRoot, sys)
	var result types.ValidationResult
	_, err = r.router.CallToolLoop(ctx, router.RoleCoder, messages, toolInfos(tools), dispatcher(tools), validationResultSchemaDesc, &result)
	if err != nil {
		return types.ValidationResult{}, fmt.Errorf("agent: validation failed: %w", err)
	}
	result.PlanID = planID

	compileResult, compileErr := build.Compile(ctx, repoRoot, sys, "")
	result.CompilationPassed = compileErr == nil && compileResult != nil && compileResult.Compiled

	if testResult, testErr := build.RunTests(ctx, repoRoot, sys, ""); testErr == nil && testResult != nil {
		totals := build.ParseTestTotals(sys, testResult.Output)
		result.TestTotals = &types.TestTotals{
			Run: totals.Run, Passed: totals.Passed, Failed: totals.Failed, Skipped: totals.Skipped,
		}
	}

	result.Normalize()
	return result, nil
}

// --- Narrator --------------------------------------------------------------

const narratorSystemPrompt = "You are the narration stage of a code refactoring pipeline. " +
	"Given a plan id, the code changes made, and the validation result, write a PR description: " +
	"a title, a summary, a per-file description with category, a list of breaking changes drawn " +
	"from modified public signatures and removed dependencies, and a testing-notes paragraph " +
	"summarizing the validation result. Use the categorize_file tool to classify each touched file."

const prDescriptionSchemaDesc = `{"plan_id": "string", "title": "string", "summary": "string", ` +
	`"file_descriptions": [{"file_path": "string", "category": "string", "description": "string"}], ` +
	`"breaking_changes": ["string"], "migration_guide": "string", "testing_notes": "string"}`

// Narrator turns a plan's code changes and validation result into a
// PRDescription.
func (r *Runners) Narrator(ctx context.Context, planID string, changes types.CodeChanges, validation types.ValidationResult) (types.PRDescription, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "plan_id=%s\n\nChanges:\n", planID)
	for _, c := range changes.Changes {
		fmt.Fprintf(&b, "- %s (%s): +%d/-%d\n", c.FilePath, c.ChangeType, c.LinesAdded, c.LinesRemoved)
		for _, m := range c.MethodsAdded {
			fmt.Fprintf(&b, "    + method %s\n", m)
		}
	}
	fmt.Fprintf(&b, "\nValidation: passed=%t compilation_passed=%t test_coverage=%.2f\n",
		validation.Passed, validation.CompilationPassed, validation.TestCoverage)
	if digest := validation.ErrorDigest(); digest != "" {
		fmt.Fprintf(&b, "Outstanding issues: %s\n", digest)
	}

	messages := []*schema.Message{
		systemMessage(narratorSystemPrompt),
		{Role: schema.User, Content: b.String()},
	}
	tools := narratorTools()
	var pr types.PRDescription
	_, err := r.router.CallToolLoop(ctx, router.RolePRNarrator, messages, toolInfos(tools), dispatcher(tools), prDescriptionSchemaDesc, &pr)
	if err != nil {
		return types.PRDescription{}, fmt.Errorf("agent: narration failed: %w", err)
	}
	pr.PlanID = planID
	return pr, nil
}
