package types

// JobScope narrows a JobSpec to the files, modules, and build system it
// targets.
type JobScope struct {
	TargetFileGlobs   []string `json:"target_file_globs,omitempty"`
	TargetModules     []string `json:"target_modules,omitempty"`
	SourceLanguage    string   `json:"source_language,omitempty"`
	BuildSystem       string   `json:"build_system,omitempty"`
	ExcludeFileGlobs  []string `json:"exclude_file_globs,omitempty"`
}

// JobSpec is the Intake agent's output: an immutable decomposition of the
// raw user prompt into a structured job description. It is regenerable
// during a retry with synthetic requirements appended, but never mutated in
// place.
type JobSpec struct {
	JobID        string   `json:"job_id"`
	Intent       string   `json:"intent"`
	Scope        JobScope `json:"scope"`
	Requirements []string `json:"requirements,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
}

// WithAppendedRequirements returns a new JobSpec (the original is left
// untouched per the immutability invariant) carrying the additional
// requirement strings appended in order.
func (j JobSpec) WithAppendedRequirements(extra ...string) JobSpec {
	next := j
	next.Requirements = append(append([]string(nil), j.Requirements...), extra...)
	return next
}
