// Package types provides the core data types shared across the refactor
// pipeline service: sessions, pipeline artifacts, and progress events.
package types

// Mode selects how much human-in-the-loop interaction a session requires.
type Mode string

const (
	ModeAutonomous          Mode = "autonomous"
	ModeInteractive         Mode = "interactive"
	ModeInteractiveDetailed Mode = "interactive-detailed"
)

// Stage is the pipeline's coarse state-machine position.
type Stage string

const (
	StageIntake                        Stage = "intake"
	StagePlanning                      Stage = "planning"
	StageAwaitingPlanConfirmation      Stage = "awaiting_plan_confirmation"
	StageTransformation                Stage = "transformation"
	StageAwaitingValidationConfirmation Stage = "awaiting_validation_confirmation"
	StageValidation                    Stage = "validation"
	StageNarration                      Stage = "narration"
	StageAwaitingPushConfirmation       Stage = "awaiting_push_confirmation"
	StageGitOperations                  Stage = "git_operations"
	StageComplete                       Stage = "complete"
	StageFailed                         Stage = "failed"
	StageCancelled                      Stage = "cancelled"
)

// Status is the lifecycle flag, orthogonal to Stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AwaitingConfirmation names which confirmation type, if any, a session is
// blocked on.
type AwaitingConfirmation string

const (
	AwaitingNone       AwaitingConfirmation = "none"
	AwaitingPlan       AwaitingConfirmation = "plan"
	AwaitingValidation AwaitingConfirmation = "validation"
	AwaitingPush       AwaitingConfirmation = "push"
)

// GitHubCredentials carries the optional push credentials supplied at
// session creation.
type GitHubCredentials struct {
	RepositoryURL string `json:"repository_url"`
	AccessToken   string `json:"access_token,omitempty"`
	AuthorName    string `json:"author_name,omitempty"`
	AuthorEmail   string `json:"author_email,omitempty"`
}

// Session is the per-request mutable state object the Pipeline Controller
// drives from Intake to a terminal stage. It is owned exclusively by the
// worker goroutine running its pipeline; all other readers receive
// snapshots (see Snapshot), never the live pointer.
type Session struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	UserPrompt string `json:"user_prompt"`
	Mode       Mode   `json:"mode"`
	MaxRetries int    `json:"max_retries"`

	Stage  Stage  `json:"stage"`
	Status Status `json:"status"`

	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`

	RetryCount int      `json:"retry_count"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`

	// StageTimingsMS maps a stage name to elapsed milliseconds spent in it.
	StageTimingsMS map[string]int64 `json:"stage_timings_ms,omitempty"`

	AwaitingConfirmation AwaitingConfirmation `json:"awaiting_confirmation"`
	ConfirmationData     any                  `json:"confirmation_data,omitempty"`

	Credentials *GitHubCredentials `json:"-"`

	RepoRoot   string `json:"-"`
	BackupRoot string `json:"-"`

	JobSpec          *JobSpec          `json:"job_spec,omitempty"`
	Plan             *RefactorPlan     `json:"plan,omitempty"`
	Changes          *CodeChanges      `json:"changes,omitempty"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`
	PRDescription    *PRDescription    `json:"pr_description,omitempty"`

	ValidationMode string `json:"validation_mode,omitempty"` // full | compile_only | skip

	BranchURL string `json:"branch_url,omitempty"`
}

// IsTerminal reports whether the session has reached a stage from which no
// further mutation (except cleanup) is permitted.
func (s *Session) IsTerminal() bool {
	return s.Stage == StageComplete || s.Stage == StageFailed || s.Stage == StageCancelled
}

// StatusView is the read-only projection handed to HTTP/WS callers. It never
// aliases fields owned by the live Session.
type StatusView struct {
	SessionID            string               `json:"session_id"`
	Stage                Stage                `json:"stage"`
	Status               Status               `json:"status"`
	CreatedAt            int64                `json:"created_at"`
	UpdatedAt            int64                `json:"updated_at"`
	RetryCount           int                  `json:"retry_count"`
	MaxRetries           int                  `json:"max_retries"`
	Errors               []string             `json:"errors,omitempty"`
	Warnings             []string             `json:"warnings,omitempty"`
	AwaitingConfirmation AwaitingConfirmation `json:"awaiting_confirmation"`
	JobSpec              *JobSpec             `json:"job_spec,omitempty"`
	Plan                  *RefactorPlan        `json:"plan,omitempty"`
	Changes                *CodeChanges         `json:"changes,omitempty"`
	ValidationResult       *ValidationResult    `json:"validation_result,omitempty"`
	PRDescription          *PRDescription       `json:"pr_description,omitempty"`
	BranchURL              string               `json:"branch_url,omitempty"`
}

// Snapshot produces an immutable, by-value projection of the session for
// the status endpoint and WS transport. Pointer-typed artifact fields are
// shallow-copied; callers must not mutate the pointees.
func (s *Session) Snapshot() StatusView {
	errs := append([]string(nil), s.Errors...)
	warns := append([]string(nil), s.Warnings...)
	return StatusView{
		SessionID:            s.SessionID,
		Stage:                s.Stage,
		Status:               s.Status,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		RetryCount:           s.RetryCount,
		MaxRetries:           s.MaxRetries,
		Errors:               errs,
		Warnings:             warns,
		AwaitingConfirmation: s.AwaitingConfirmation,
		JobSpec:              s.JobSpec,
		Plan:                 s.Plan,
		Changes:              s.Changes,
		ValidationResult:     s.ValidationResult,
		PRDescription:        s.PRDescription,
		BranchURL:            s.BranchURL,
	}
}
