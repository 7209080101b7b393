package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/autorefactor/pipeline/internal/build"
	"github.com/autorefactor/pipeline/internal/tool"
	"github.com/autorefactor/pipeline/pkg/types"
)

// boundTool pairs the schema.ToolInfo the model sees with the closure that
// actually runs it; router.CallToolLoop dispatches purely by name, so this
// package never needs to implement the full tool.Tool interface for its
// small, LLM-only helper tools (job id generation, risk scoring, and the
// like) the way internal/tool does for repository-mutating tools.
type boundTool struct {
	info   *schema.ToolInfo
	invoke func(ctx context.Context, argsJSON string) (string, error)
}

func toolInfos(tools []boundTool) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		infos[i] = t.info
	}
	return infos
}

func dispatcher(tools []boundTool) func(ctx context.Context, name, argsJSON string) (string, error) {
	byName := make(map[string]boundTool, len(tools))
	for _, t := range tools {
		byName[t.info.Name] = t
	}
	return func(ctx context.Context, name, argsJSON string) (string, error) {
		t, ok := byName[name]
		if !ok {
			return "", fmt.Errorf("agent: no such tool %q", name)
		}
		return t.invoke(ctx, argsJSON)
	}
}

func params(props map[string]*schema.ParameterInfo) *schema.ParamsOneOf {
	return schema.NewParamsOneOfByParams(props)
}

func strParam(desc string, required bool) *schema.ParameterInfo {
	return &schema.ParameterInfo{Type: schema.String, Desc: desc, Required: required}
}

// --- Intake tools -----------------------------------------------------

func intakeTools() []boundTool {
	return []boundTool{
		{
			info: &schema.ToolInfo{Name: "generate_job_id", Desc: "Generates a new unique job id.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				return fmt.Sprintf(`{"job_id": %q}`, types.NewID("job")), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "validate_module_name", Desc: "Checks whether a string is a syntactically valid package/module name for a given language grammar (java, go, javascript, python).",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"name":     strParam("the candidate package/module name", true),
					"language": strParam("one of: java, go, javascript, python", true),
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct{ Name, Language string }
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				return fmt.Sprintf(`{"valid": %t}`, isValidModuleName(in.Name, in.Language)), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "suggest_file_globs", Desc: "Suggests candidate file glob patterns from intent keywords.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"keywords": {Type: schema.Array, Desc: "intent keywords extracted from the user prompt, as a JSON array of strings", Required: true},
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct{ Keywords []string }
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				globs := suggestGlobs(in.Keywords)
				out, _ := json.Marshal(map[string]any{"globs": globs})
				return string(out), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "suggest_standard_exclusions", Desc: "Returns the standard set of build-output/vendor exclude globs for a build system.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"build_system": strParam("one of: maven, gradle, npm, go", false),
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				out, _ := json.Marshal(map[string]any{"excludes": standardExclusions()})
				return string(out), nil
			},
		},
	}
}

var moduleNamePatterns = map[string]*regexp.Regexp{
	"java":       regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`),
	"go":         regexp.MustCompile(`^[a-z][a-z0-9_\-./]*$`),
	"javascript": regexp.MustCompile(`^(@[a-z0-9\-~][a-z0-9\-._~]*/)?[a-z0-9\-~][a-z0-9\-._~]*$`),
	"python":     regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`),
}

func isValidModuleName(name, language string) bool {
	if name == "" {
		return false
	}
	pattern, ok := moduleNamePatterns[strings.ToLower(language)]
	if !ok {
		pattern = moduleNamePatterns["java"]
	}
	return pattern.MatchString(name)
}

func suggestGlobs(keywords []string) []string {
	globs := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		slug := strings.ReplaceAll(kw, " ", "")
		globs = append(globs, fmt.Sprintf("**/*%s*", slug))
	}
	if len(globs) == 0 {
		globs = []string{"**/*"}
	}
	return globs
}

func standardExclusions() []string {
	return []string{
		"**/node_modules/**", "**/target/**", "**/build/**", "**/dist/**",
		"**/.git/**", "**/vendor/**", "**/*.min.js", "**/coverage/**",
	}
}

// --- Planner tools ------------------------------------------------------

func plannerTools(repoRoot string) []boundTool {
	globTool := tool.NewGlobTool(repoRoot, standardExclusions())
	readTool := tool.NewReadTool(repoRoot)

	return []boundTool{
		{
			info: &schema.ToolInfo{Name: "enumerate_source_files", Desc: globTool.Description(),
				ParamsOneOf: params(map[string]*schema.ParameterInfo{"pattern": strParam("glob pattern relative to the repository root", true)})},
			invoke: execTool(globTool, nil),
		},
		{
			info: &schema.ToolInfo{Name: "analyze_source_file", Desc: "Parses a single source file and returns its class/interface name, package, methods with parameter types, fields, implemented interfaces, and parent type.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{"path": strParam("file path relative to the repository root", true)})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct{ Path string }
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				result, err := readTool.Execute(ctx, json.RawMessage(fmt.Sprintf(`{"filePath": %q}`, in.Path)), &tool.Context{WorkDir: repoRoot})
				if err != nil {
					return "", err
				}
				structure := analyzeSource(in.Path, result.Output)
				out, _ := json.Marshal(structure)
				return string(out), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "estimate_step_duration", Desc: "Estimates minutes required for a plan step given its action and number of target files.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"action":      strParam("the step's action, e.g. create_interface, implement_interface, rename_class", true),
					"file_count":  {Type: schema.Integer, Desc: "number of target files", Required: true},
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct {
					Action    string
					FileCount int `json:"file_count"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				return fmt.Sprintf(`{"estimated_minutes": %d}`, estimateMinutes(in.Action, in.FileCount)), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "compute_risk_level", Desc: "Computes a 0-10 risk level from an action and flags (breaking, public_api).",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"action":     strParam("the step's action", true),
					"breaking":   {Type: schema.Boolean, Desc: "whether the change is expected to break callers"},
					"public_api": {Type: schema.Boolean, Desc: "whether the change touches a public API surface"},
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct {
					Action    string
					Breaking  bool
					PublicAPI bool `json:"public_api"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				return fmt.Sprintf(`{"risk_level": %d}`, computeRisk(in.Action, in.Breaking, in.PublicAPI)), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "suggest_step_dependencies", Desc: "Suggests which earlier step numbers a step should depend on, from action semantics (e.g. implement_interface depends on a prior create_interface targeting the same class).",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"action":         strParam("the step's action", true),
					"target_classes": {Type: schema.Array, Desc: "classes this step targets, as a JSON array of strings"},
					"prior_steps":    strParam("JSON array of {step_number, action, target_classes} for earlier steps", true),
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct {
					Action        string
					TargetClasses []string `json:"target_classes"`
					PriorSteps    json.RawMessage `json:"prior_steps"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				var prior []types.PlanStep
				_ = json.Unmarshal(in.PriorSteps, &prior)
				deps := suggestDependencies(in.Action, in.TargetClasses, prior)
				out, _ := json.Marshal(map[string]any{"dependencies": deps})
				return string(out), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "suggest_mitigation_strategies", Desc: "Suggests mitigation strategies given the plan's overall risk level and whether it is a breaking change.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"overall_risk":    {Type: schema.Integer, Desc: "0-10 overall risk", Required: true},
					"breaking_change": {Type: schema.Boolean, Desc: "whether any step is a breaking change"},
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct {
					OverallRisk    int `json:"overall_risk"`
					BreakingChange bool `json:"breaking_change"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				out, _ := json.Marshal(map[string]any{"mitigation_strategies": suggestMitigations(in.OverallRisk, in.BreakingChange)})
				return string(out), nil
			},
		},
	}
}

func execTool(t tool.Tool, toolCtx *tool.Context) func(ctx context.Context, argsJSON string) (string, error) {
	return func(ctx context.Context, argsJSON string) (string, error) {
		result, err := t.Execute(ctx, json.RawMessage(argsJSON), toolCtx)
		if err != nil {
			return "", err
		}
		return result.Output, nil
	}
}

type sourceStructure struct {
	Name        string   `json:"name"`
	Package     string   `json:"package"`
	Implements  []string `json:"implements,omitempty"`
	Extends     string   `json:"extends,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	Fields      []string `json:"fields,omitempty"`
}

var (
	packagePattern    = regexp.MustCompile(`(?m)^\s*package\s+([\w.]+)`)
	typeDeclPattern   = regexp.MustCompile(`(?m)^\s*(?:public\s+|private\s+|protected\s+)?(?:abstract\s+|final\s+)?(?:class|interface|enum)\s+(\w+)(?:\s+extends\s+(\w+))?(?:\s+implements\s+([\w,\s]+))?`)
	methodPattern     = regexp.MustCompile(`(?m)^\s*(?:public|private|protected)\s+[\w<>\[\],\s]+?\s+(\w+)\s*\(([^)]*)\)`)
	fieldPattern      = regexp.MustCompile(`(?m)^\s*(?:public|private|protected)\s+(?:static\s+|final\s+)*[\w<>\[\],]+\s+(\w+)\s*[;=]`)
)

// analyzeSource extracts a rough structural summary from source text via
// pattern matching rather than a real per-language parser, mirroring the
// lightweight, best-effort style of the teacher's own tool outputs (whose
// tools return plain text summaries, not a compiler-grade AST).
func analyzeSource(path, content string) sourceStructure {
	var s sourceStructure
	if m := packagePattern.FindStringSubmatch(content); m != nil {
		s.Package = m[1]
	}
	if m := typeDeclPattern.FindStringSubmatch(content); m != nil {
		s.Name = m[1]
		s.Extends = m[2]
		if m[3] != "" {
			for _, iface := range strings.Split(m[3], ",") {
				s.Implements = append(s.Implements, strings.TrimSpace(iface))
			}
		}
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	for _, m := range methodPattern.FindAllStringSubmatch(content, -1) {
		s.Methods = append(s.Methods, fmt.Sprintf("%s(%s)", m[1], strings.TrimSpace(m[2])))
	}
	for _, m := range fieldPattern.FindAllStringSubmatch(content, -1) {
		s.Fields = append(s.Fields, m[1])
	}
	return s
}

func estimateMinutes(action string, fileCount int) int {
	base := map[string]int{
		"create_interface":    10,
		"create_class":        15,
		"implement_interface": 20,
		"rename_class":        5,
		"extract_method":      10,
		"delete_file":         2,
		"add_dependency":      3,
	}
	minutes, ok := base[action]
	if !ok {
		minutes = 15
	}
	if fileCount > 1 {
		minutes += (fileCount - 1) * 5
	}
	return minutes
}

func computeRisk(action string, breaking, publicAPI bool) int {
	risk := map[string]int{
		"delete_file":          7,
		"rename_class":         6,
		"implement_interface":  4,
		"create_interface":     2,
		"create_class":         2,
		"extract_method":       3,
		"add_dependency":       3,
	}[action]
	if risk == 0 {
		risk = 3
	}
	if breaking {
		risk += 3
	}
	if publicAPI {
		risk += 1
	}
	if risk > 10 {
		risk = 10
	}
	return risk
}

func suggestDependencies(action string, targetClasses []string, prior []types.PlanStep) []int {
	needsPriorCreate := map[string]string{
		"implement_interface": "create_interface",
		"extend_class":        "create_class",
	}
	requiredAction, ok := needsPriorCreate[action]
	if !ok {
		return nil
	}
	var deps []int
	for _, step := range prior {
		if step.Action != requiredAction {
			continue
		}
		if sharesClass(step.TargetClasses, targetClasses) {
			deps = append(deps, step.StepNumber)
		}
	}
	return deps
}

func sharesClass(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if set[c] {
			return true
		}
	}
	return false
}

func suggestMitigations(overallRisk int, breakingChange bool) []string {
	var strategies []string
	if overallRisk >= 7 {
		strategies = append(strategies, "run the full test suite before and after each step", "stage the rollout behind a feature branch")
	}
	if breakingChange {
		strategies = append(strategies, "publish a migration guide for downstream consumers", "deprecate the old surface for one release before removal")
	}
	if len(strategies) == 0 {
		strategies = append(strategies, "standard code review is sufficient")
	}
	return strategies
}

// --- Validator tools ------------------------------------------------------

func validatorTools(repoRoot string, sys build.System) []boundTool {
	scanTool := tool.NewScanTool(repoRoot)
	return []boundTool{
		{
			info: &schema.ToolInfo{Name: "run_build_compile", Desc: "Compiles the repository using its detected build system and returns pass/fail plus captured output.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				result, err := build.Compile(ctx, repoRoot, sys, "")
				if err != nil {
					return "", err
				}
				out, _ := json.Marshal(result)
				return string(out), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "run_test_suite", Desc: "Runs the repository's test suite and returns pass/fail plus captured output.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				result, err := build.RunTests(ctx, repoRoot, sys, "")
				if err != nil {
					return "", err
				}
				out, _ := json.Marshal(result)
				return string(out), nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "static_scan", Desc: scanTool.Description(),
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"path":  strParam("file path relative to the repository root to scan", true),
					"check": strParam("one of: magic_numbers, credentials, crypto, sql_concat, naming, missing_validation", true),
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct{ Path, Check string }
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				args, _ := json.Marshal(map[string]string{"filePath": in.Path, "check": in.Check})
				result, err := scanTool.Execute(ctx, args, &tool.Context{WorkDir: repoRoot})
				if err != nil {
					return "", err
				}
				return result.Output, nil
			},
		},
		{
			info: &schema.ToolInfo{Name: "estimate_test_coverage", Desc: "Estimates coverage as min(1, test_methods / public_methods) from method counts.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{
					"test_methods":   {Type: schema.Integer, Desc: "number of test methods found", Required: true},
					"public_methods": {Type: schema.Integer, Desc: "number of public methods found", Required: true},
				})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct {
					TestMethods   int `json:"test_methods"`
					PublicMethods int `json:"public_methods"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				return fmt.Sprintf(`{"coverage": %s}`, strconv.FormatFloat(estimateCoverage(in.TestMethods, in.PublicMethods), 'f', 3, 64)), nil
			},
		},
	}
}

func estimateCoverage(testMethods, publicMethods int) float64 {
	if publicMethods <= 0 {
		return 0
	}
	coverage := float64(testMethods) / float64(publicMethods)
	if coverage > 1 {
		coverage = 1
	}
	return coverage
}

// --- Narrator tools ---------------------------------------------------

func narratorTools() []boundTool {
	return []boundTool{
		{
			info: &schema.ToolInfo{Name: "categorize_file", Desc: "Categorizes a file path as one of: features, refactoring, tests, configuration, docs.",
				ParamsOneOf: params(map[string]*schema.ParameterInfo{"path": strParam("file path", true)})},
			invoke: func(ctx context.Context, argsJSON string) (string, error) {
				var in struct{ Path string }
				if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
					return "", err
				}
				return fmt.Sprintf(`{"category": %q}`, categorizeFile(in.Path)), nil
			},
		},
	}
}

func categorizeFile(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "test") || strings.Contains(lower, "spec"):
		return "tests"
	case strings.HasSuffix(lower, ".md") || strings.Contains(lower, "/docs/"):
		return "docs"
	case strings.Contains(lower, "config") || strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") ||
		strings.HasSuffix(lower, ".properties") || strings.HasSuffix(lower, ".json"):
		return "configuration"
	case strings.Contains(lower, "refactor"):
		return "refactoring"
	default:
		return "features"
	}
}
