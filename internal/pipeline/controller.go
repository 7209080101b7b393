package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autorefactor/pipeline/internal/agent"
	"github.com/autorefactor/pipeline/internal/apply"
	"github.com/autorefactor/pipeline/internal/confirm"
	"github.com/autorefactor/pipeline/internal/decision"
	"github.com/autorefactor/pipeline/internal/gitops"
	"github.com/autorefactor/pipeline/internal/logging"
	"github.com/autorefactor/pipeline/internal/progress"
	"github.com/autorefactor/pipeline/internal/transform"
	"github.com/autorefactor/pipeline/pkg/types"
)

// Controller is the Pipeline Controller (C10): it drives one Session
// through the canonical stage sequence, calling the Agent Runners and
// Streaming Transformer, applying results via the File Apply Engine,
// publishing to the Progress Bus, consulting the Decision Engine at every
// ambiguous juncture, and suspending on the Confirmation Channel. Grounded
// on the teacher's internal/session.runLoop step/select/finish-reason shape
// (recover-at-top, ctx.Done() check at every suspension point, a switch
// over the thing that ends one step and decides the next), restructured
// around the refactor pipeline's ten canonical stages instead of an
// agentic tool-call loop.
type Controller struct {
	store     *Store
	agents    *agent.Runners
	transform *transform.Adapter
	decisions *decision.Engine
	applyEng  *apply.Engine
	confirm   *confirm.Channel
	bus       *progress.Bus

	clonedReposDir string
}

// New wires a Controller from its collaborators.
func New(
	store *Store,
	agents *agent.Runners,
	transformer *transform.Adapter,
	decisions *decision.Engine,
	applyEng *apply.Engine,
	confirmCh *confirm.Channel,
	bus *progress.Bus,
	clonedReposDir string,
) *Controller {
	return &Controller{
		store:          store,
		agents:         agents,
		transform:      transformer,
		decisions:      decisions,
		applyEng:       applyEng,
		confirm:        confirmCh,
		bus:            bus,
		clonedReposDir: clonedReposDir,
	}
}

// NewSession registers a new session in the terminal-free Pending/Intake
// state and returns it. Callers must invoke Start to actually run it.
func (c *Controller) NewSession(userID, userPrompt string, mode types.Mode, maxRetries int, creds *types.GitHubCredentials) *types.Session {
	now := time.Now().UnixMilli()
	session := &types.Session{
		SessionID:            types.NewID("session"),
		UserID:               userID,
		UserPrompt:           userPrompt,
		Mode:                 mode,
		MaxRetries:           maxRetries,
		Stage:                types.StageIntake,
		Status:               types.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		StageTimingsMS:       make(map[string]int64),
		AwaitingConfirmation: types.AwaitingNone,
		Credentials:          creds,
	}
	c.store.Create(session)
	return session
}

// Start runs sessionID's pipeline in the background. The caller's ctx
// governs cancellation for the whole session lifetime.
func (c *Controller) Start(ctx context.Context, sessionID string) {
	go c.run(ctx, sessionID)
}

// runState is the Controller's own working copy of a session's mutable
// pipeline artifacts. Stage methods read and write rs directly; sync
// pushes the fields external viewers care about into the Store under its
// per-session lock, rather than taking that lock for every intermediate
// read during a stage's work.
type runState struct {
	sessionID  string
	userPrompt string
	mode       types.Mode
	maxRetries int
	creds      *types.GitHubCredentials
	repoRoot   string
	clonedRoot string // only set if this Controller cloned the repo itself

	jobSpec    types.JobSpec
	plan       types.RefactorPlan
	changes    types.CodeChanges
	validation types.ValidationResult
	pr         types.PRDescription

	validationMode string
	retryCount     int

	branchOverride string
	commitOverride string

	currentStage   types.Stage
	stageStartedAt time.Time
}

func (c *Controller) sync(rs *runState, fn func(*types.Session)) {
	if err := c.store.Mutate(rs.sessionID, fn); err != nil {
		logging.Warn().Err(err).Str("session_id", rs.sessionID).Msg("pipeline: sync against missing session")
	}
}

// setStage transitions rs to a new stage/status pair, first crediting the
// elapsed time since the previous setStage call to the stage that's ending
// (a repeated call for the same stage, e.g. a retry loop, keeps
// accumulating into the same key rather than resetting it).
func (c *Controller) setStage(rs *runState, stage types.Stage, status types.Status) {
	now := time.Now()
	if rs.currentStage != "" && !rs.stageStartedAt.IsZero() {
		elapsed := now.Sub(rs.stageStartedAt).Milliseconds()
		prevStage := string(rs.currentStage)
		c.sync(rs, func(s *types.Session) {
			s.StageTimingsMS[prevStage] += elapsed
		})
	}
	if stage != rs.currentStage {
		rs.currentStage = stage
		rs.stageStartedAt = now
	}

	c.sync(rs, func(s *types.Session) {
		s.Stage = stage
		s.Status = status
	})
}

func (c *Controller) publish(rs *runState, evt types.ProgressEvent) {
	evt.SessionID = rs.sessionID
	c.bus.Publish(rs.sessionID, evt)
}

func (c *Controller) run(ctx context.Context, sessionID string) {
	rs := &runState{sessionID: sessionID}

	defer func() {
		if r := recover(); r != nil {
			c.failRunState(rs, fmt.Sprintf("panic: %v", r))
		}
	}()

	e, ok := c.store.lookup(sessionID)
	if !ok {
		logging.Error().Str("session_id", sessionID).Msg("pipeline: run invoked for unregistered session")
		return
	}
	e.mu.Lock()
	rs.mode = e.session.Mode
	rs.maxRetries = e.session.MaxRetries
	rs.creds = e.session.Credentials
	rs.userPrompt = e.session.UserPrompt
	e.mu.Unlock()

	conversational, err := c.decisions.ClassifyConversational(ctx, rs.userPrompt)
	if err != nil {
		c.failRunState(rs, err.Error())
		return
	}
	if conversational {
		c.publish(rs, types.ProgressEvent{
			Stage:   types.StageComplete,
			Status:  types.StatusCompleted,
			Message: "Hi! Tell me what code change you'd like and I'll get started.",
		})
		c.setStage(rs, types.StageComplete, types.StatusCompleted)
		c.bus.End(sessionID)
		return
	}

	if rs.creds != nil && rs.creds.RepositoryURL != "" {
		target := gitops.CloneTargetDir(c.clonedReposDir, rs.creds.RepositoryURL)
		if err := gitops.Clone(ctx, rs.creds.RepositoryURL, "main", rs.creds.AccessToken, target); err != nil {
			c.failRunState(rs, err.Error())
			return
		}
		rs.repoRoot = target
		rs.clonedRoot = target
		c.sync(rs, func(s *types.Session) { s.RepoRoot = target })
	}

	if err := c.runIntake(ctx, rs); err != nil {
		c.failRunState(rs, err.Error())
		return
	}

	if err := c.runPlanningWithConfirmation(ctx, rs); err != nil {
		c.concludeOnError(rs, err)
		return
	}

	if err := c.runTransformation(ctx, rs); err != nil {
		c.failRunState(rs, err.Error())
		return
	}

	if err := c.runValidationModeGate(ctx, rs); err != nil {
		c.concludeOnError(rs, err)
		return
	}

	if err := c.runValidationWithRetry(ctx, rs); err != nil {
		c.failRunState(rs, err.Error())
		return
	}

	if err := c.runNarration(ctx, rs); err != nil {
		c.failRunState(rs, err.Error())
		return
	}

	if err := c.runPushGate(ctx, rs); err != nil {
		c.concludeOnError(rs, err)
		return
	}

	if err := c.runGitStage(ctx, rs); err != nil {
		c.failRunState(rs, err.Error())
		return
	}

	c.terminate(rs)
}

// concludeOnError inspects a cancellation/timeout sentinel surfaced from a
// confirmation wait and routes it to the right terminal status, falling
// back to a generic failure for anything else.
func (c *Controller) concludeOnError(rs *runState, err error) {
	switch {
	case errors.Is(err, confirm.ErrTimeout):
		c.failRunState(rs, "confirmation timeout")
	case errors.Is(err, context.Canceled):
		c.cancelRunState(rs)
	case errors.Is(err, errAborted):
		c.cancelRunState(rs)
	default:
		c.failRunState(rs, err.Error())
	}
}

// errAborted is the sentinel a confirmation-interpreting stage returns when
// the user's decision resolves to abort/cancel rather than any transport or
// timeout failure.
var errAborted = errors.New("pipeline: user cancelled")

func (c *Controller) cleanupBestEffort(rs *runState) {
	if rs.sessionID == "" {
		return
	}
	if err := c.applyEng.CleanupBackup(context.Background(), rs.sessionID); err != nil {
		logging.Warn().Err(err).Str("session_id", rs.sessionID).Msg("pipeline: best-effort backup cleanup failed")
	}
	if rs.clonedRoot != "" {
		gitops.Cleanup(rs.clonedRoot)
	}
}

func (c *Controller) failRunState(rs *runState, message string) {
	c.cleanupBestEffort(rs)
	c.publish(rs, types.ProgressEvent{Stage: types.StageFailed, Status: types.StatusFailed, EventType: types.EventError, Message: message})
	c.sync(rs, func(s *types.Session) {
		s.Stage = types.StageFailed
		s.Status = types.StatusFailed
		s.Errors = append(s.Errors, message)
	})
	c.bus.End(rs.sessionID)
}

func (c *Controller) cancelRunState(rs *runState) {
	c.cleanupBestEffort(rs)
	c.publish(rs, types.ProgressEvent{Stage: types.StageCancelled, Status: types.StatusCancelled, Message: "session cancelled"})
	c.setStage(rs, types.StageCancelled, types.StatusCancelled)
	c.bus.End(rs.sessionID)
}

func (c *Controller) terminate(rs *runState) {
	finalStage := types.StageComplete
	finalStatus := types.StatusCompleted
	if !rs.validation.Passed {
		finalStage = types.StageFailed
		finalStatus = types.StatusFailed
	}

	c.publish(rs, types.ProgressEvent{
		Stage:     finalStage,
		Status:    finalStatus,
		EventType: types.EventPipelineCompleted,
		Message:   "pipeline completed",
		Data:      rs.validation,
	})

	c.cleanupBestEffort(rs)

	c.sync(rs, func(s *types.Session) {
		s.Stage = finalStage
		s.Status = finalStatus
	})
	c.bus.End(rs.sessionID)
}
