// Package decision implements the Decision Engine (C6): four
// ORCHESTRATOR-role entry points that turn a user's free-form reply (or a
// validation digest) into a structured types.OrchestratorDecision, plus a
// closed-vocabulary fast path that classifies conversational input without
// ever calling a model. Grounded on the original orchestrator's
// _interpret_user_intent/_decide_retry_strategy call shape (build a prompt,
// call the model with a schema, fall back to a synthetic low-confidence
// decision on any error) and on the teacher's internal/permission.Checker
// rendezvous style for "this needs a decision, and it might come back
// low-confidence".
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/autorefactor/pipeline/internal/router"
	"github.com/autorefactor/pipeline/pkg/types"
)

// Engine is the Decision Engine. Every call goes through the ORCHESTRATOR
// role, which is already fallback-enabled and budgeted for small token
// counts by internal/router's defaults.
type Engine struct {
	router *router.Router
}

func New(r *router.Router) *Engine {
	return &Engine{router: r}
}

const systemPreamble = "You are the orchestrator of a code refactoring pipeline. " +
	"You resolve ambiguous human input into one of a small set of structured decisions. " +
	"Always respond with a single JSON object matching the requested schema."

const decisionSchemaDesc = `{"action": "string", "reasoning": "string", "confidence": "number 0..1", ` +
	`"modifications": "string, optional", "next_step": "string, optional", ` +
	`"estimated_success_probability": "number 0..1, optional"}`

// refactoringVocabulary is the small closed set of tokens whose presence in
// user text always marks it as a refactoring request, short-circuiting the
// greeting/capability fast-reject checks below.
var refactoringVocabulary = []string{
	"refactor", "refactoring", "rename", "extract", "migrate", "migration",
	"upgrade", "modernize", "restructure", "reorganize", "convert",
	"optimize", "clean up", "cleanup", "decouple", "split", "merge",
	"deprecate", "rewrite", "inline", "abstract", "interface", "package",
	"module", "dependency", "dependencies", "test coverage", "bug", "fix",
}

var greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good morning|good afternoon|good evening|yo|sup)\b`)
var capabilityPattern = regexp.MustCompile(`(?i)(thank|thanks|what can you do|what do you do|help me understand|capabilit)`)

// ClassifyConversational tests whether text is a refactoring request. It
// never calls a model when the text is long, contains refactoring
// vocabulary, or matches the greeting/capability fast-reject patterns at a
// short enough word count; only a short (<10 word), vocabulary-free,
// non-matching text is ambiguous enough to consult the LLM.
func (e *Engine) ClassifyConversational(ctx context.Context, text string) (bool, error) {
	wc := len(strings.Fields(text))
	hasVocab := containsVocabularyToken(text)

	if !hasVocab {
		if wc < 5 && greetingPattern.MatchString(text) {
			return false, nil
		}
		if wc < 15 && capabilityPattern.MatchString(text) {
			return false, nil
		}
	}

	if hasVocab || wc >= 10 {
		return true, nil
	}

	return e.classifyConversationalWithLLM(ctx, text)
}

func containsVocabularyToken(text string) bool {
	lower := strings.ToLower(text)
	for _, token := range refactoringVocabulary {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func (e *Engine) classifyConversationalWithLLM(ctx context.Context, text string) (bool, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: systemPreamble},
		{Role: schema.User, Content: fmt.Sprintf(
			"Is the following user message a refactoring request for a codebase, "+
				"or just conversational chit-chat? Respond with JSON {\"is_request\": true|false}.\n\nMessage: %q", text)},
	}
	var out struct {
		IsRequest bool `json:"is_request"`
	}
	if _, err := e.router.CallJSON(ctx, router.RoleOrchestrator, messages, `{"is_request": "boolean"}`, &out); err != nil {
		// Ambiguous short text the LLM couldn't classify: default to
		// treating it as a request, since silently dropping a real
		// refactoring ask is worse than one extra intake round-trip.
		return true, nil
	}
	return out.IsRequest, nil
}

// InterpretPlanConfirmation produces approve | modify | abort | clarify
// from the user's free-form reply to a plan summary. modify must carry
// specific instructions in Modifications; clarify is the confidence<0.7
// fallback.
func (e *Engine) InterpretPlanConfirmation(ctx context.Context, userReply, planSummary string) types.OrchestratorDecision {
	prompt := fmt.Sprintf(
		"Plan summary:\n%s\n\nUser reply:\n%q\n\n"+
			"Decide the user's intent: approve (proceed as-is), modify (proceed with the changes "+
			"named in Modifications), abort (cancel), or clarify (reply too ambiguous to act on).",
		planSummary, userReply)

	decision, err := e.call(ctx, prompt)
	if err != nil {
		return syntheticDecision(types.DecisionClarify, 0, err)
	}
	if decision.Action == types.DecisionModify && decision.Modifications == "" {
		return syntheticDecision(types.DecisionClarify, 0.5, fmt.Errorf("decision: modify action carried no modifications"))
	}
	if decision.Confidence < 0.7 {
		decision.Action = types.DecisionClarify
	}
	return decision
}

// InterpretPushConfirmation produces approve | cancel | clarify, extracting
// optional branch/commit_message overrides from the reply's key-line
// prefixes ("branch:", "commit_message:") with a legacy free-text fallback
// when no key-line is present.
func (e *Engine) InterpretPushConfirmation(ctx context.Context, userReply string) types.OrchestratorDecision {
	prompt := fmt.Sprintf(
		"User reply to a push confirmation prompt:\n%q\n\n"+
			"Decide: approve (push now), cancel (do not push), or clarify (ambiguous). "+
			"If the reply specifies an alternate branch name or commit message, "+
			"put them in Modifications as lines prefixed \"branch: \" and \"commit_message: \".",
		userReply)

	decision, err := e.call(ctx, prompt)
	if err != nil {
		return syntheticDecision(types.DecisionClarify, 0, err)
	}
	if decision.Modifications == "" {
		decision.Modifications = legacyPushOverrides(userReply)
	}
	if decision.Confidence < 0.7 {
		decision.Action = types.DecisionClarify
	}
	return decision
}

var branchLinePattern = regexp.MustCompile(`(?im)^\s*branch:\s*(\S+)\s*$`)
var commitMessageLinePattern = regexp.MustCompile(`(?im)^\s*commit_message:\s*(.+)\s*$`)

// ParsePushOverrides extracts the branch name and commit message override
// from a decision's Modifications field, trying the key-line prefixes
// first and falling back to legacy free-text phrasing.
func ParsePushOverrides(modifications string) (branch, commitMessage string) {
	if m := branchLinePattern.FindStringSubmatch(modifications); m != nil {
		branch = m[1]
	}
	if m := commitMessageLinePattern.FindStringSubmatch(modifications); m != nil {
		commitMessage = strings.TrimSpace(m[1])
	}
	return branch, commitMessage
}

// legacyPushOverrides is the fallback extraction path for replies that
// name a branch or commit message in prose rather than key-line form, e.g.
// "use branch feature/foo instead" or "call the commit 'fix imports'".
func legacyPushOverrides(reply string) string {
	var lines []string
	if m := regexp.MustCompile(`(?i)branch\s+(?:name\s+)?["']?([\w./-]+)["']?`).FindStringSubmatch(reply); m != nil {
		lines = append(lines, "branch: "+m[1])
	}
	if m := regexp.MustCompile(`(?i)commit(?:\s+message)?\s+["']([^"']+)["']`).FindStringSubmatch(reply); m != nil {
		lines = append(lines, "commit_message: "+m[1])
	}
	return strings.Join(lines, "\n")
}

// InterpretValidationChoice produces a decision whose Modifications is
// exactly one of full | compile_only | skip, defaulting to full on parse
// failure.
func (e *Engine) InterpretValidationChoice(ctx context.Context, userReply string) types.OrchestratorDecision {
	prompt := fmt.Sprintf(
		"User reply choosing a validation mode:\n%q\n\n"+
			"Decide the validation mode the user wants: full, compile_only, or skip. "+
			"Put exactly one of those three words in Modifications.",
		userReply)

	decision, err := e.call(ctx, prompt)
	mode := strings.ToLower(strings.TrimSpace(decision.Modifications))
	if err != nil || (mode != "full" && mode != "compile_only" && mode != "skip") {
		decision.Modifications = "full"
		decision.Action = types.DecisionApprove
		if err != nil {
			decision.Reasoning = "defaulted to full validation: " + err.Error()
			decision.Confidence = 0.5
		}
		return decision
	}
	decision.Modifications = mode
	return decision
}

// DecideRetryStrategy produces retry | modify | abort | escalate from a
// ValidationResult digest plus retry history. reasoning is streamed when
// possible so the caller can forward it as an llm_reasoning progress
// event; onReasoning may be nil.
func (e *Engine) DecideRetryStrategy(ctx context.Context, result *types.ValidationResult, retryCount, maxRetries int, onReasoning func(string)) types.OrchestratorDecision {
	prompt := fmt.Sprintf(
		"Validation error digest:\n%s\n\nRetry context: attempt %d of %d, failed checks: %d.\n\n"+
			"Decide the retry strategy: retry (re-run a targeted fix with the same plan), "+
			"modify (re-run the planner with adjusted requirements, then re-transform), "+
			"escalate (stop and flag for human review), or abort (stop without further attempts).",
		result.ErrorDigest(), retryCount+1, maxRetries+1, countFailedChecks(result))

	messages := []*schema.Message{
		{Role: schema.System, Content: systemPreamble},
		{Role: schema.User, Content: prompt},
	}

	stream, _, err := e.router.CallStream(ctx, router.RoleOrchestrator, messages)
	if err != nil {
		return syntheticDecision(types.DecisionAbort, 0.5, err)
	}
	defer stream.Close()

	var reasoning strings.Builder
	for {
		msg, recvErr := stream.Recv()
		if recvErr != nil {
			break
		}
		if msg.Content != "" {
			reasoning.WriteString(msg.Content)
			if onReasoning != nil {
				onReasoning(msg.Content)
			}
		}
	}

	var decision types.OrchestratorDecision
	if jsonErr := parseDecisionJSON(reasoning.String(), &decision); jsonErr != nil {
		return syntheticDecision(types.DecisionAbort, 0.5, jsonErr)
	}
	return decision
}

func countFailedChecks(result *types.ValidationResult) int {
	n := 0
	for _, c := range result.Checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

// call is the shared blocking path used by the three non-streaming entry
// points: build the full message set and run a schema-validated JSON call.
func (e *Engine) call(ctx context.Context, prompt string) (types.OrchestratorDecision, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: systemPreamble},
		{Role: schema.User, Content: prompt},
	}
	var decision types.OrchestratorDecision
	if _, err := e.router.CallJSON(ctx, router.RoleOrchestrator, messages, decisionSchemaDesc, &decision); err != nil {
		return types.OrchestratorDecision{}, err
	}
	return decision, nil
}

func parseDecisionJSON(text string, out *types.OrchestratorDecision) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return fmt.Errorf("decision: no JSON object in streamed reasoning")
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}

func syntheticDecision(action types.DecisionAction, confidence float64, err error) types.OrchestratorDecision {
	return types.OrchestratorDecision{
		Action:     action,
		Reasoning:  err.Error(),
		Confidence: confidence,
	}
}
