package types

// DecisionAction enumerates the tagged-union of OrchestratorDecision
// outcomes. Which subset is meaningful depends on which Decision Engine
// entry point produced it (see internal/decision).
type DecisionAction string

const (
	DecisionApprove    DecisionAction = "approve"
	DecisionModify     DecisionAction = "modify"
	DecisionRetry      DecisionAction = "retry"
	DecisionSkip       DecisionAction = "skip"
	DecisionAbort      DecisionAction = "abort"
	DecisionClarify    DecisionAction = "clarify"
	DecisionEscalate   DecisionAction = "escalate"
	DecisionCancel     DecisionAction = "cancel"
)

// OrchestratorDecision is the Decision Engine's uniform output shape across
// all four entry points.
type OrchestratorDecision struct {
	Action                       DecisionAction `json:"action"`
	Reasoning                    string         `json:"reasoning"`
	Confidence                   float64        `json:"confidence"` // 0..1
	Modifications                string         `json:"modifications,omitempty"`
	NextStep                     string         `json:"next_step,omitempty"`
	EstimatedSuccessProbability  *float64       `json:"estimated_success_probability,omitempty"`
}
