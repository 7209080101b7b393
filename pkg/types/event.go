package types

// EventType enumerates the structured event_type values a ProgressEvent may
// carry. The Progress Bus and Pipeline Controller settle on this structured
// form at the transport boundary, rather than emitting ad-hoc JSON strings
// in some paths and structured objects in others.
type EventType string

const (
	EventPlanReady          EventType = "plan_ready"
	EventFileCreated        EventType = "file_created"
	EventFileModified       EventType = "file_modified"
	EventFileDeleted        EventType = "file_deleted"
	EventBuildOutput        EventType = "build_output"
	EventGitOperation       EventType = "git_operation"
	EventValidationReady    EventType = "validation_ready"
	EventValidationFailed   EventType = "validation_failed"
	EventLLMReasoning       EventType = "llm_reasoning"
	EventBatchStarted       EventType = "batch_started"
	EventBatchCompleted     EventType = "batch_completed"
	EventPushReady          EventType = "push_ready"
	EventPipelineCompleted  EventType = "pipeline_completed"
	EventBranchLink         EventType = "branch_link"
	EventError              EventType = "error"
)

// ProgressEvent is the Progress Bus's transport element.
type ProgressEvent struct {
	SessionID            string    `json:"session_id"`
	Stage                Stage     `json:"stage"`
	Status                Status    `json:"status"`
	Progress               float64   `json:"progress"` // 0..1
	Message                string    `json:"message"`
	EventType              EventType `json:"event_type,omitempty"`
	FilePath                string    `json:"file_path,omitempty"`
	RequiresConfirmation     bool      `json:"requires_confirmation,omitempty"`
	ConfirmationType         AwaitingConfirmation `json:"confirmation_type,omitempty"`
	Data                     any       `json:"data,omitempty"`
}

// FileChangeEventType maps a ChangeType to its corresponding structured
// event_type.
func FileChangeEventType(ct ChangeType) EventType {
	switch ct {
	case ChangeCreated:
		return EventFileCreated
	case ChangeDeleted:
		return EventFileDeleted
	default:
		return EventFileModified
	}
}
