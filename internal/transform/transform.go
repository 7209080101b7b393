// Package transform implements the Streaming Transformer Adapter (C5): it
// wraps a streaming CODER-role call over a batch of plan steps, assembles
// partial CodeChanges snapshots as they arrive, and emits each newly
// observed file as an individual tuple in arrival order. Batching,
// adaptive degradation on token-limit-shaped errors, and per-change line
// count fallbacks are specific to this adapter; the streaming-accumulation
// shape is carried over from the teacher's session.processStream/runLoop
// (incremental schema.Message assembly over a schema.StreamReader).
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/schema"

	"github.com/autorefactor/pipeline/internal/astbridge"
	"github.com/autorefactor/pipeline/internal/router"
	"github.com/autorefactor/pipeline/internal/tool"
	"github.com/autorefactor/pipeline/pkg/types"
)

// DefaultBatchSize is the configurable batch size's built-in default.
const DefaultBatchSize = 4

// enlargedTokenMultiplier scales the CODER role's token budget into the
// figure runBatchWithDegradation hands streamBatch for a single "all at once"
// batch. streamBatch does not forward that figure: router.CallStream always
// uses the role's configured MaxTokens, so the model call is not enlarged.
const enlargedTokenMultiplier = 4

const stepDelimiter = "\n---STEP---\n"

// Tuple is one item the adapter's producer yields. Change is nil for a bare
// progress event (batch_started/batch_completed); Err is set only on the
// final tuple of a failed run, after which the channel is closed.
type Tuple struct {
	Change   *types.CodeChange
	Progress types.ProgressEvent
	Err      error
}

// Adapter streams Transformer output for a RefactorPlan, batch by batch.
type Adapter struct {
	router    *router.Router
	batchSize int
	repoRoot  string
	bridge    *astbridge.Client
}

// New constructs an Adapter. batchSize <= 0 (the "all at once" sentinel) or
// >= the plan's step count collapses every run to a single batch; callers wanting the built-in default pass transform.DefaultBatchSize
// explicitly. bridge may be nil (or disconnected): target files are then
// always included as full text rather than AST-targeted context.
func New(r *router.Router, batchSize int, repoRoot string, bridge *astbridge.Client) *Adapter {
	return &Adapter{router: r, batchSize: batchSize, repoRoot: repoRoot, bridge: bridge}
}

// Run starts streaming the plan's transformation in the background and
// returns the tuple channel immediately; the channel closes once every
// batch completes or a non-recoverable error occurs.
func (a *Adapter) Run(ctx context.Context, sessionID string, plan *types.RefactorPlan) <-chan Tuple {
	out := make(chan Tuple, 16)
	go a.run(ctx, sessionID, plan, out)
	return out
}

func (a *Adapter) run(ctx context.Context, sessionID string, plan *types.RefactorPlan, out chan<- Tuple) {
	defer close(out)

	batches := batchSteps(plan.Steps, a.batchSize)
	enlarged := a.batchSize <= 0 || a.batchSize >= len(plan.Steps)

	for _, batch := range batches {
		if err := a.runBatchWithDegradation(ctx, sessionID, batch, enlarged, out); err != nil {
			out <- Tuple{Err: err}
			return
		}
	}
}

// batchSteps partitions steps into contiguous batches of size; the
// "all at once" sentinel (size<=0 or size>=len(steps)) collapses to a
// single batch.
func batchSteps(steps []types.PlanStep, size int) [][]types.PlanStep {
	if len(steps) == 0 {
		return nil
	}
	if size <= 0 || size >= len(steps) {
		return [][]types.PlanStep{steps}
	}
	var batches [][]types.PlanStep
	for i := 0; i < len(steps); i += size {
		end := i + size
		if end > len(steps) {
			end = len(steps)
		}
		batches = append(batches, steps[i:end])
	}
	return batches
}

// runBatchWithDegradation streams one batch; on a token-limit-shaped
// provider error with batch size >1, it halves the batch and retries each
// half independently, continuing to halve down to size 1. A non-matching
// error propagates immediately.
func (a *Adapter) runBatchWithDegradation(ctx context.Context, sessionID string, batch []types.PlanStep, enlarged bool, out chan<- Tuple) error {
	out <- Tuple{Progress: batchStartedEvent(sessionID, batch)}

	maxTokens := a.router.GetSettings(router.RoleCoder).MaxTokens
	if enlarged {
		maxTokens *= enlargedTokenMultiplier
	}

	changes, err := a.streamBatch(ctx, sessionID, batch, maxTokens, out)
	if err != nil {
		if len(batch) > 1 && isTokenLimitError(err) {
			mid := len(batch) / 2
			if err := a.runBatchWithDegradation(ctx, sessionID, batch[:mid], false, out); err != nil {
				return err
			}
			return a.runBatchWithDegradation(ctx, sessionID, batch[mid:], false, out)
		}
		return fmt.Errorf("transform: batch of %d step(s) failed: %w", len(batch), err)
	}

	out <- Tuple{Progress: batchCompletedEvent(sessionID, batch, changes)}
	return nil
}

// streamBatch opens one streaming CODER call for batch, accumulates the
// response, and emits each newly observed CodeChange as soon as its
// snapshot parses cleanly.
func (a *Adapter) streamBatch(ctx context.Context, sessionID string, batch []types.PlanStep, maxTokens int, out chan<- Tuple) (types.CodeChanges, error) {
	messages := a.buildBatchMessages(ctx, batch)
	stream, _, err := a.router.CallStream(ctx, router.RoleCoder, messages)
	if err != nil {
		return types.CodeChanges{}, err
	}
	defer stream.Close()

	seen := make(map[string]bool, len(batch))
	var accumulated string
	var aggregate types.CodeChanges

	for {
		select {
		case <-ctx.Done():
			return aggregate, ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return aggregate, err
		}

		accumulated = accumulateContent(accumulated, msg.Content)

		var snapshot types.CodeChanges
		if jsonErr := json.Unmarshal([]byte(extractJSONObject(accumulated)), &snapshot); jsonErr != nil {
			continue // snapshot not yet a complete JSON object
		}

		for i := range snapshot.Changes {
			ch := snapshot.Changes[i]
			if seen[ch.FilePath] {
				continue
			}
			seen[ch.FilePath] = true

			applyLineCountFallback(&ch)

			aggregate.Changes = append(aggregate.Changes, ch)
			out <- Tuple{
				Change: &ch,
				Progress: types.ProgressEvent{
					SessionID: sessionID,
					Stage:     types.StageTransformation,
					Status:    types.StatusRunning,
					EventType: types.FileChangeEventType(ch.ChangeType),
					FilePath:  ch.FilePath,
					Message:   fmt.Sprintf("%s %s", ch.ChangeType, ch.FilePath),
				},
			}
		}
	}

	aggregate.PlanID = snapshotPlanID(accumulated)
	return aggregate, nil
}

// accumulateContent mirrors the teacher's processMessageChunk delta logic:
// a provider may send either the full accumulated text each chunk (new
// content starts with the old) or a bare delta.
func accumulateContent(prev, chunk string) string {
	if chunk == "" {
		return prev
	}
	if strings.HasPrefix(chunk, prev) {
		return chunk
	}
	return prev + chunk
}

// extractJSONObject trims s down to its outermost balanced {...} span,
// tolerating markdown code fences and trailing partial content the stream
// hasn't finished sending yet.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return "" // unbalanced so far; caller's unmarshal will fail and it retries next chunk
}

func snapshotPlanID(accumulated string) string {
	var snapshot types.CodeChanges
	if err := json.Unmarshal([]byte(extractJSONObject(accumulated)), &snapshot); err == nil {
		return snapshot.PlanID
	}
	return ""
}

// applyLineCountFallback fills in lines_added/lines_removed from content
// when the model didn't supply either (both zero): a created file's added
// count is its non-blank line count with removed at zero; a modified
// file's counts are the non-blank line counts of modified vs original.
func applyLineCountFallback(ch *types.CodeChange) {
	if ch.LinesAdded != 0 || ch.LinesRemoved != 0 {
		return
	}
	switch ch.ChangeType {
	case types.ChangeCreated:
		ch.LinesAdded = countNonBlankLines(ch.ModifiedContent)
	case types.ChangeModified:
		var original string
		if ch.OriginalContent != nil {
			original = *ch.OriginalContent
		}
		ch.LinesAdded = countNonBlankLines(ch.ModifiedContent)
		ch.LinesRemoved = countNonBlankLines(original)
	}

	if ch.Diff == "" && ch.ChangeType != types.ChangeDeleted {
		var original string
		if ch.OriginalContent != nil {
			original = *ch.OriginalContent
		}
		diff, _, _ := tool.BuildDiffMetadata(ch.FilePath, original, ch.ModifiedContent, "")
		ch.Diff = diff
	}
}

func countNonBlankLines(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// tokenLimitPatterns are substrings (matched case-insensitively) of
// provider error messages that indicate the request was too large for the
// model's context window or tool-call budget, rather than a transient or
// auth failure.
var tokenLimitPatterns = []string{
	"context_length_exceeded",
	"maximum context length",
	"context length exceeded",
	"too many tokens",
	"token limit",
	"request too large",
	"reduce the length",
	"prompt is too long",
	"output token maximum",
}

func isTokenLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range tokenLimitPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func (a *Adapter) buildBatchMessages(ctx context.Context, batch []types.PlanStep) []*schema.Message {
	var b strings.Builder
	for i, step := range batch {
		if i > 0 {
			b.WriteString(stepDelimiter)
		}
		b.WriteString(stepTemplate(step))
		b.WriteString(a.fetchTargetedContext(ctx, step))
	}

	return []*schema.Message{
		{
			Role: schema.System,
			Content: "You are the Transformer agent of a code refactoring pipeline. " +
				"Given a batch of plan steps, emit a single JSON object " +
				`{"plan_id": "...", "changes": [...]} ` +
				"whose changes array grows incrementally as you produce each file; " +
				"every change has file_path, change_type (created|modified|deleted), " +
				"modified_content, and, when available, original_content, diff, " +
				"lines_added, lines_removed, imports_added, methods_added, annotations_added.",
		},
		{
			Role:    schema.User,
			Content: b.String(),
		},
	}
}

func stepTemplate(step types.PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d: %s\n%s\n", step.StepNumber, step.Action, step.Description)
	if len(step.TargetFiles) > 0 {
		fmt.Fprintf(&b, "Target files: %s\n", strings.Join(step.TargetFiles, ", "))
	}
	if len(step.TargetClasses) > 0 {
		fmt.Fprintf(&b, "Target classes: %s\n", strings.Join(step.TargetClasses, ", "))
	}
	return b.String()
}

// contextSizeThreshold is the file size above which fetchTargetedContext
// prefers an AST-narrowed excerpt over the file's full text.
const contextSizeThreshold = 8_000

// fetchTargetedContext reads each of step's target files and appends either
// their full text (small files, a disconnected bridge, or an extraction
// failure) or, for larger files with a connected astbridge.Client, only the
// methods/fields/imports whose names overlap the step's intent keywords.
func (a *Adapter) fetchTargetedContext(ctx context.Context, step types.PlanStep) string {
	if a.repoRoot == "" || len(step.TargetFiles) == 0 {
		return ""
	}

	var b strings.Builder
	for _, f := range step.TargetFiles {
		content, err := os.ReadFile(filepath.Join(a.repoRoot, f))
		if err != nil {
			continue // file does not exist yet, e.g. a step that creates it
		}

		if len(content) <= contextSizeThreshold || a.bridge == nil || !a.bridge.Connected() {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f, content)
			continue
		}

		extracted, err := a.bridge.ExtractContext(ctx, string(content), stepKeywords(step))
		if err != nil {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f, content)
			continue
		}
		fmt.Fprintf(&b, "\n--- %s (targeted context) ---\nimports: %s\nfields: %s\nmethods: %s\n",
			f, strings.Join(extracted.Imports, ", "), strings.Join(extracted.Fields, ", "), strings.Join(extracted.Methods, ", "))
	}
	return b.String()
}

// stepKeywords derives the intent keywords an AST extraction is narrowed
// against from the step's own action/description/target-class fields, the
// same source the Planner's own suggest_file_globs tool reads from.
func stepKeywords(step types.PlanStep) []string {
	fields := append([]string{step.Action, step.Description}, step.TargetClasses...)
	seen := make(map[string]bool)
	var keywords []string
	for _, field := range fields {
		for _, word := range strings.FieldsFunc(field, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
			word = strings.ToLower(word)
			if len(word) < 3 || stepKeywordStopwords[word] || seen[word] {
				continue
			}
			seen[word] = true
			keywords = append(keywords, word)
		}
	}
	return keywords
}

var stepKeywordStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true, "from": true,
}

func batchStartedEvent(sessionID string, batch []types.PlanStep) types.ProgressEvent {
	stepNumbers := make([]int, len(batch))
	actions := make([]string, len(batch))
	for i, s := range batch {
		stepNumbers[i] = s.StepNumber
		actions[i] = s.Action
	}
	return types.ProgressEvent{
		SessionID: sessionID,
		Stage:     types.StageTransformation,
		Status:    types.StatusRunning,
		EventType: types.EventBatchStarted,
		Message:   fmt.Sprintf("starting batch of %d step(s)", len(batch)),
		Data: map[string]any{
			"step_numbers": stepNumbers,
			"actions":      actions,
		},
	}
}

func batchCompletedEvent(sessionID string, batch []types.PlanStep, changes types.CodeChanges) types.ProgressEvent {
	summary := make([]map[string]any, len(changes.Changes))
	for i, c := range changes.Changes {
		summary[i] = map[string]any{
			"file_path":     c.FilePath,
			"change_type":   c.ChangeType,
			"lines_added":   c.LinesAdded,
			"lines_removed": c.LinesRemoved,
		}
	}
	return types.ProgressEvent{
		SessionID: sessionID,
		Stage:     types.StageTransformation,
		Status:    types.StatusRunning,
		EventType: types.EventBatchCompleted,
		Message:   fmt.Sprintf("completed batch of %d step(s), %d file(s) changed", len(batch), len(changes.Changes)),
		Data:      map[string]any{"files": summary},
	}
}
