package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/autorefactor/pipeline/internal/apply"
	"github.com/autorefactor/pipeline/internal/build"
	"github.com/autorefactor/pipeline/internal/confirm"
	"github.com/autorefactor/pipeline/internal/decision"
	"github.com/autorefactor/pipeline/internal/gitops"
	"github.com/autorefactor/pipeline/internal/logging"
	"github.com/autorefactor/pipeline/pkg/types"
)

// retryKeywords triggers a Narrator re-run during the push gate when the
// user's message override asks for a reworded commit message rather than a
// literal one.
var retryKeywords = []string{"regenerate", "rewrite", "improve", "better"}

func repoSummary(repoRoot string) string {
	if repoRoot == "" {
		return "no repository configured"
	}
	sys, err := build.Detect(repoRoot)
	if err != nil {
		return "build system unknown"
	}
	return fmt.Sprintf("build_system=%s repo_root=%s", sys, repoRoot)
}

func (c *Controller) runIntake(ctx context.Context, rs *runState) error {
	c.setStage(rs, types.StageIntake, types.StatusRunning)
	spec, err := c.agents.Intake(ctx, rs.userPrompt, repoSummary(rs.repoRoot))
	if err != nil {
		return err
	}
	rs.jobSpec = spec
	c.sync(rs, func(s *types.Session) { s.JobSpec = &spec })
	c.publish(rs, types.ProgressEvent{
		Stage:   types.StageIntake,
		Status:  types.StatusRunning,
		Message: "intake complete: " + spec.Intent,
	})
	return nil
}

// runPlanningWithConfirmation runs the Planner and, in interactive-detailed
// mode, loops through the plan confirmation cycle until the user approves
// or aborts.
func (c *Controller) runPlanningWithConfirmation(ctx context.Context, rs *runState) error {
	if err := c.runPlanner(ctx, rs); err != nil {
		return err
	}

	if rs.mode != types.ModeInteractiveDetailed {
		return nil
	}

	for {
		c.setStage(rs, types.StageAwaitingPlanConfirmation, types.StatusPaused)
		c.sync(rs, func(s *types.Session) { s.AwaitingConfirmation = types.AwaitingPlan })
		c.publish(rs, types.ProgressEvent{
			Stage:                types.StageAwaitingPlanConfirmation,
			Status:               types.StatusPaused,
			EventType:            types.EventPlanReady,
			Message:              "plan ready for review",
			RequiresConfirmation: true,
			ConfirmationType:     types.AwaitingPlan,
			Data:                 rs.plan,
		})

		payload, err := c.confirm.Await(ctx, rs.sessionID, types.AwaitingPlan)
		if err != nil {
			return err
		}
		c.sync(rs, func(s *types.Session) { s.AwaitingConfirmation = types.AwaitingNone })

		action, modifications := c.resolvePlanDecision(ctx, rs, payload)
		switch action {
		case types.DecisionApprove:
			c.setStage(rs, types.StagePlanning, types.StatusRunning)
			return nil
		case types.DecisionModify:
			rs.jobSpec = rs.jobSpec.WithAppendedRequirements(
				"critical directive: "+modifications,
				truncatedPriorValidationErrors(rs.validation),
			)
			if err := c.runPlanner(ctx, rs); err != nil {
				return err
			}
			continue
		case types.DecisionAbort, types.DecisionCancel:
			return errAborted
		default: // clarify, or anything unrecognized
			c.publish(rs, types.ProgressEvent{
				Stage:     types.StageAwaitingPlanConfirmation,
				Status:    types.StatusPaused,
				EventType: types.EventPlanReady,
				Message:   "could not interpret your reply; approve, modify, or cancel?",
			})
			continue
		}
	}
}

func (c *Controller) runPlanner(ctx context.Context, rs *runState) error {
	c.setStage(rs, types.StagePlanning, types.StatusRunning)
	plan, err := c.agents.Planner(ctx, rs.jobSpec, rs.repoRoot)
	if err != nil {
		return err
	}
	rs.plan = plan
	c.sync(rs, func(s *types.Session) { s.Plan = &plan })
	c.publish(rs, types.ProgressEvent{
		Stage:     types.StagePlanning,
		Status:    types.StatusRunning,
		EventType: types.EventPlanReady,
		Message:   fmt.Sprintf("plan ready: %d step(s), overall risk %d", len(plan.Steps), plan.RiskAssessment.OverallRisk),
		Data:      plan,
	})
	return nil
}

func (c *Controller) resolvePlanDecision(ctx context.Context, rs *runState, payload types.ConfirmationPayload) (types.DecisionAction, string) {
	if payload.IsNaturalLanguage() {
		d := c.decisions.InterpretPlanConfirmation(ctx, payload.UserResponse, planSummary(rs.plan))
		return d.Action, d.Modifications
	}
	return types.DecisionAction(payload.PlanAction), payload.PlanModifications
}

func planSummary(plan types.RefactorPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d step(s), overall risk %d/10, breaking_change=%t\n", len(plan.Steps), plan.RiskAssessment.OverallRisk, plan.RiskAssessment.BreakingChange)
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "%d. %s: %s\n", s.StepNumber, s.Action, s.Description)
	}
	return b.String()
}

func truncatedPriorValidationErrors(v types.ValidationResult) string {
	digest := v.ErrorDigest()
	if digest == "" {
		return "prior validation errors: none"
	}
	const maxLen = 500
	if len(digest) > maxLen {
		digest = digest[:maxLen] + "..."
	}
	return "prior validation errors: " + digest
}

// declaredChanges derives the set of files a plan's steps name as targets,
// used to seed a pre-transformation backup before any actual edit content
// is known.
func declaredChanges(plan types.RefactorPlan) []types.CodeChange {
	seen := make(map[string]bool)
	var out []types.CodeChange
	for _, step := range plan.Steps {
		for _, f := range step.TargetFiles {
			if seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, types.CodeChange{FilePath: f, ChangeType: types.ChangeModified})
		}
	}
	return out
}

func (c *Controller) ensureBackup(ctx context.Context, rs *runState) error {
	if _, err := c.applyEng.LoadManifest(ctx, rs.sessionID); err == nil {
		return nil
	}
	_, err := c.applyEng.CreateBackup(ctx, rs.sessionID, rs.repoRoot, declaredChanges(rs.plan))
	return err
}

func (c *Controller) restoreBackup(ctx context.Context, rs *runState) {
	manifest, err := c.applyEng.LoadManifest(ctx, rs.sessionID)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", rs.sessionID).Msg("pipeline: no backup manifest to restore from")
		return
	}
	if err := apply.Restore(ctx, manifest); err != nil {
		logging.Error().Err(err).Str("session_id", rs.sessionID).Msg("pipeline: restore from backup failed")
	}
}

// runTransformation backs up every file the plan declares as a target,
// then streams the Transformer's output tuple by tuple: each file change is
// applied to the repository and aggregated into rs.changes as it arrives,
// and any stream failure (token-limit exhaustion at the smallest batch size
// or any other non-recoverable error) restores the backup and propagates,
// since the spec draws no distinction between those two failure shapes at
// the controller level.
func (c *Controller) runTransformation(ctx context.Context, rs *runState) error {
	c.setStage(rs, types.StageTransformation, types.StatusRunning)

	if err := c.ensureBackup(ctx, rs); err != nil {
		return fmt.Errorf("pipeline: backup before transformation: %w", err)
	}

	rs.changes = types.CodeChanges{PlanID: rs.plan.PlanID}

	tuples := c.transform.Run(ctx, rs.sessionID, &rs.plan)
	for t := range tuples {
		if t.Err != nil {
			c.restoreBackup(ctx, rs)
			return fmt.Errorf("pipeline: transformation failed: %w", t.Err)
		}

		if t.Change != nil {
			if err := c.applyEng.Apply(ctx, rs.sessionID, rs.repoRoot, []types.CodeChange{*t.Change}); err != nil {
				c.restoreBackup(ctx, rs)
				return fmt.Errorf("pipeline: applying %s: %w", t.Change.FilePath, err)
			}
			rs.changes.Changes = append(rs.changes.Changes, *t.Change)
		}

		c.publish(rs, t.Progress)
	}

	counters := rs.changes.Counters()
	c.sync(rs, func(s *types.Session) { s.Changes = &rs.changes })
	c.publish(rs, types.ProgressEvent{
		Stage:  types.StageTransformation,
		Status: types.StatusRunning,
		Message: fmt.Sprintf("transformation complete: %d created, %d modified, %d deleted",
			counters.Created, counters.Modified, counters.Deleted),
	})
	return nil
}

func (c *Controller) touchedFiles(rs *runState) []string {
	files := make([]string, 0, len(rs.changes.Changes))
	for _, ch := range rs.changes.Changes {
		files = append(files, ch.FilePath)
	}
	return files
}

// runValidationModeGate asks the user which validation mode to run, in
// interactive-detailed mode only; every other mode runs full validation
// without pausing. A confirmation timeout defaults to full rather than
// failing the session, since the build driver is safe to just run.
func (c *Controller) runValidationModeGate(ctx context.Context, rs *runState) error {
	if rs.mode != types.ModeInteractiveDetailed {
		rs.validationMode = "full"
		return nil
	}

	c.setStage(rs, types.StageAwaitingValidationConfirmation, types.StatusPaused)
	c.sync(rs, func(s *types.Session) { s.AwaitingConfirmation = types.AwaitingValidation })
	c.publish(rs, types.ProgressEvent{
		Stage:                types.StageAwaitingValidationConfirmation,
		Status:               types.StatusPaused,
		EventType:            types.EventValidationReady,
		Message:              "choose a validation mode: full, compile_only, or skip",
		RequiresConfirmation: true,
		ConfirmationType:     types.AwaitingValidation,
	})

	payload, err := c.confirm.Await(ctx, rs.sessionID, types.AwaitingValidation)
	if err != nil {
		if errors.Is(err, confirm.ErrTimeout) {
			rs.validationMode = "full"
			return nil
		}
		return err
	}
	c.sync(rs, func(s *types.Session) { s.AwaitingConfirmation = types.AwaitingNone })

	mode := payload.ValidationMode
	if payload.IsNaturalLanguage() {
		mode = c.decisions.InterpretValidationChoice(ctx, payload.UserResponse).Modifications
	}
	if mode != "full" && mode != "compile_only" && mode != "skip" {
		mode = "full"
	}
	rs.validationMode = mode
	c.sync(rs, func(s *types.Session) { s.ValidationMode = mode })
	return nil
}

// runValidationWithRetry runs the Validator under rs.validationMode and
// loops on failure through the Decision Engine's retry strategy: retry
// re-runs a targeted fix against the same plan, modify re-plans from
// scratch, and abort/escalate stop the loop and let the session proceed to
// narration with passed=false. Every branch of this loop proceeds to
// narration, even the ones that ultimately fail.
func (c *Controller) runValidationWithRetry(ctx context.Context, rs *runState) error {
	if rs.validationMode == "skip" {
		rs.validation = types.ValidationResult{PlanID: rs.plan.PlanID, Passed: true, CompilationPassed: true}
		c.sync(rs, func(s *types.Session) { s.ValidationResult = &rs.validation })
		return nil
	}

	retryWait := newValidationRetryBackoff(ctx)

	for {
		c.setStage(rs, types.StageValidation, types.StatusRunning)

		result, err := c.agents.Validator(ctx, rs.plan.PlanID, rs.repoRoot, c.touchedFiles(rs))
		if err != nil {
			return err
		}
		rs.validation = result
		c.sync(rs, func(s *types.Session) { s.ValidationResult = &rs.validation })

		c.publish(rs, types.ProgressEvent{
			Stage:     types.StageValidation,
			Status:    types.StatusRunning,
			EventType: types.EventBuildOutput,
			Message:   fmt.Sprintf("validation: passed=%t compilation_passed=%t", result.Passed, result.CompilationPassed),
			Data:      result,
		})

		if result.Passed || (rs.validationMode == "compile_only" && result.CompilationPassed) {
			return nil
		}

		c.publish(rs, types.ProgressEvent{
			Stage: types.StageValidation, Status: types.StatusRunning,
			EventType: types.EventValidationFailed, Message: result.ErrorDigest(),
		})

		if rs.retryCount >= rs.maxRetries {
			return nil
		}

		decision := c.decisions.DecideRetryStrategy(ctx, &rs.validation, rs.retryCount, rs.maxRetries, func(reasoning string) {
			c.publish(rs, types.ProgressEvent{
				Stage: types.StageValidation, Status: types.StatusRetrying,
				EventType: types.EventLLMReasoning, Message: reasoning,
			})
		})

		switch decision.Action {
		case types.DecisionRetry:
			rs.retryCount++
			if err := waitBackoff(ctx, retryWait); err != nil {
				return err
			}
			c.setStage(rs, types.StageValidation, types.StatusRetrying)
			if err := c.runTargetedFix(ctx, rs); err != nil {
				return err
			}
		case types.DecisionModify:
			rs.retryCount++
			if err := waitBackoff(ctx, retryWait); err != nil {
				return err
			}
			rs.jobSpec = rs.jobSpec.WithAppendedRequirements(
				"fix the following validation failures: "+result.ErrorDigest(),
			)
			if err := c.runPlanner(ctx, rs); err != nil {
				return err
			}
			if err := c.runTransformation(ctx, rs); err != nil {
				return err
			}
		case types.DecisionAbort, types.DecisionEscalate:
			return nil
		default:
			return nil
		}
	}
}

// newValidationRetryBackoff builds the exponential backoff paced between
// validation retry attempts, the same construction the teacher's session
// loop uses between tool-call retries.
func newValidationRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

func waitBackoff(ctx context.Context, b backoff.BackOff) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTargetedFix re-runs the streaming Transformer against a synthetic,
// single-step plan describing the validation failure, rather than
// inventing a parallel "fix" mechanism: the Transformer already knows how
// to turn a plan step's description into edits against TargetFiles.
func (c *Controller) runTargetedFix(ctx context.Context, rs *runState) error {
	fixPlan := types.RefactorPlan{
		PlanID: rs.plan.PlanID,
		JobID:  rs.plan.JobID,
		Steps: []types.PlanStep{{
			StepNumber:  1,
			Action:      "targeted_fix",
			TargetFiles: c.touchedFiles(rs),
			Description: "Fix the following validation failures without changing unrelated code: " + rs.validation.ErrorDigest(),
			RiskLevel:   rs.plan.RiskAssessment.OverallRisk,
		}},
		RiskAssessment: rs.plan.RiskAssessment,
	}

	for t := range c.transform.Run(ctx, rs.sessionID, &fixPlan) {
		if t.Err != nil {
			c.restoreBackup(ctx, rs)
			return fmt.Errorf("pipeline: targeted fix failed: %w", t.Err)
		}
		if t.Change != nil {
			if err := c.applyEng.Apply(ctx, rs.sessionID, rs.repoRoot, []types.CodeChange{*t.Change}); err != nil {
				c.restoreBackup(ctx, rs)
				return fmt.Errorf("pipeline: applying targeted fix to %s: %w", t.Change.FilePath, err)
			}
			rs.changes.Changes = append(rs.changes.Changes, *t.Change)
		}
		c.publish(rs, t.Progress)
	}
	c.sync(rs, func(s *types.Session) { s.Changes = &rs.changes })
	return nil
}

func (c *Controller) runNarration(ctx context.Context, rs *runState) error {
	c.setStage(rs, types.StageNarration, types.StatusRunning)
	pr, err := c.agents.Narrator(ctx, rs.plan.PlanID, rs.changes, rs.validation)
	if err != nil {
		return err
	}
	rs.pr = pr
	c.sync(rs, func(s *types.Session) { s.PRDescription = &pr })
	c.publish(rs, types.ProgressEvent{
		Stage: types.StageNarration, Status: types.StatusRunning,
		Message: "PR description ready: " + pr.Title, Data: pr,
	})
	return nil
}

// runPushGate asks the user to approve pushing the branch, in
// interactive-detailed mode only; every other mode proceeds straight to the
// Git stage. A regenerate-style reply re-runs the Narrator before looping
// back to ask again, rather than pushing a PR description the user just
// rejected.
func (c *Controller) runPushGate(ctx context.Context, rs *runState) error {
	if rs.mode != types.ModeInteractiveDetailed {
		return nil
	}

	for {
		c.setStage(rs, types.StageAwaitingPushConfirmation, types.StatusPaused)
		c.sync(rs, func(s *types.Session) { s.AwaitingConfirmation = types.AwaitingPush })
		c.publish(rs, types.ProgressEvent{
			Stage:                types.StageAwaitingPushConfirmation,
			Status:               types.StatusPaused,
			EventType:            types.EventPushReady,
			Message:              "PR description ready for review: approve to push, cancel to stop here",
			RequiresConfirmation: true,
			ConfirmationType:     types.AwaitingPush,
			Data:                 rs.pr,
		})

		payload, err := c.confirm.Await(ctx, rs.sessionID, types.AwaitingPush)
		if err != nil {
			return err
		}
		c.sync(rs, func(s *types.Session) { s.AwaitingConfirmation = types.AwaitingNone })

		action, branchOverride, commitOverride := c.resolvePushDecision(ctx, rs, payload)
		switch action {
		case types.DecisionApprove:
			rs.branchOverride = branchOverride
			rs.commitOverride = commitOverride
			return nil
		case types.DecisionCancel, types.DecisionAbort:
			return errAborted
		default:
			if containsAny(payload.UserResponse, retryKeywords) {
				if err := c.runNarration(ctx, rs); err != nil {
					return err
				}
				continue
			}
			c.publish(rs, types.ProgressEvent{
				Stage: types.StageAwaitingPushConfirmation, Status: types.StatusPaused,
				EventType: types.EventPushReady, Message: "could not interpret your reply; approve or cancel?",
			})
			continue
		}
	}
}

func (c *Controller) resolvePushDecision(ctx context.Context, rs *runState, payload types.ConfirmationPayload) (types.DecisionAction, string, string) {
	if payload.IsNaturalLanguage() {
		d := c.decisions.InterpretPushConfirmation(ctx, payload.UserResponse)
		branch, commitMessage := decision.ParsePushOverrides(d.Modifications)
		return d.Action, branch, commitMessage
	}
	action := types.DecisionApprove
	if payload.PushAction == "cancel" {
		action = types.DecisionCancel
	}
	return action, payload.BranchNameOverride, payload.CommitMessageOverride
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// runGitStage commits and pushes whenever credentials are configured,
// regardless of session mode: the push confirmation above gates whether
// interactive-detailed sessions pause for review, not whether the Git
// stage itself runs.
func (c *Controller) runGitStage(ctx context.Context, rs *runState) error {
	if rs.creds == nil || rs.creds.RepositoryURL == "" {
		return nil
	}

	c.setStage(rs, types.StageGitOperations, types.StatusRunning)

	branch := rs.branchOverride
	if branch == "" {
		branch = gitops.DefaultBranchName(rs.sessionID)
	}
	commitMessage := rs.commitOverride
	if commitMessage == "" {
		commitMessage = rs.pr.Title
	}

	c.publish(rs, types.ProgressEvent{
		Stage: types.StageGitOperations, Status: types.StatusRunning,
		EventType: types.EventGitOperation, Message: "creating branch " + branch,
	})

	result, err := gitops.RunGitStage(ctx, rs.repoRoot, rs.creds, branch, commitMessage)
	if err != nil {
		return fmt.Errorf("pipeline: git stage: %w", err)
	}

	c.sync(rs, func(s *types.Session) { s.BranchURL = result.BranchURL })
	c.publish(rs, types.ProgressEvent{
		Stage: types.StageGitOperations, Status: types.StatusRunning,
		EventType: types.EventBranchLink, Message: "pushed " + branch, Data: result,
	})
	return nil
}
