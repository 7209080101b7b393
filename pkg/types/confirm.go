package types

// ConfirmationPayload is the typed form delivered from an HTTP confirmation
// endpoint (or the WS transport's "response" frame) into the Confirmation
// Channel. Exactly one of UserResponse or a structured field must be set;
// callers enforce that invariant before constructing this value.
type ConfirmationPayload struct {
	UserResponse string `json:"user_response,omitempty"`

	// Plan confirmation fields.
	PlanAction        string `json:"action,omitempty"` // approve | modify | cancel
	PlanModifications string `json:"modifications,omitempty"`

	// Validation confirmation fields.
	ValidationMode string `json:"validation_mode,omitempty"` // full | compile_only | skip

	// Push confirmation fields.
	PushAction               string `json:"push_action,omitempty"` // approve | cancel
	BranchNameOverride       string `json:"branch_name_override,omitempty"`
	CommitMessageOverride    string `json:"commit_message_override,omitempty"`
}

// IsNaturalLanguage reports whether the payload carries only a free-form
// user reply rather than a structured field.
func (p ConfirmationPayload) IsNaturalLanguage() bool {
	return p.UserResponse != ""
}

// HasStructuredField reports whether any structured (non-natural-language)
// field is populated.
func (p ConfirmationPayload) HasStructuredField() bool {
	return p.PlanAction != "" || p.ValidationMode != "" || p.PushAction != "" ||
		p.BranchNameOverride != "" || p.CommitMessageOverride != ""
}
