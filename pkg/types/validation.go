package types

// CheckResult is one static/compile/test check's outcome within a
// ValidationResult.
type CheckResult struct {
	Name               string   `json:"name"`
	Passed             bool     `json:"passed"`
	Issues             []string `json:"issues,omitempty"`
	CompilationErrors  []string `json:"compilation_errors,omitempty"`
}

// TestTotals carries the factual JUnit-style counts from the Build Driver.
type TestTotals struct {
	Run     int `json:"run"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// SecurityVulnerability is one item in a ValidationResult's security scan
// output.
type SecurityVulnerability struct {
	Kind        string `json:"kind"`
	FilePath    string `json:"file_path,omitempty"`
	Line        int    `json:"line,omitempty"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

// ValidationResult is the Validator agent's output, annotated with the
// Build Driver's factual compile/test outcome. Per the invariant,
// compilation_passed=false forces passed=false.
//
// Every field here is intentionally optional/zero-valuable: one of the
// flagged ambiguities in the source this system was distilled from is a
// fallback path that omits fields a stricter schema would require, so this
// type follows the "always safe to leave unset" contract rather than the
// stricter one.
type ValidationResult struct {
	PlanID               string                  `json:"plan_id"`
	Passed               bool                    `json:"passed"`
	CompilationPassed     bool                    `json:"compilation_passed"`
	Checks               []CheckResult           `json:"checks,omitempty"`
	TestCoverage          float64                 `json:"test_coverage"` // 0..1
	TestTotals            *TestTotals             `json:"test_totals,omitempty"`
	SecurityVulnerabilities []SecurityVulnerability `json:"security_vulnerabilities,omitempty"`
	ConfidenceMetrics      map[string]float64      `json:"confidence_metrics,omitempty"`
	Recommendations        []string                `json:"recommendations,omitempty"`
}

// Normalize enforces the compilation_passed ⇒ passed invariant. Call after
// constructing a ValidationResult from any source (LLM output or a
// synthetic fallback) before storing it on a Session.
func (v *ValidationResult) Normalize() {
	if !v.CompilationPassed {
		v.Passed = false
	}
}

// ErrorDigest renders a short, stable digest of the validation failures
// suitable for embedding in a retry-strategy or targeted-fix prompt.
func (v *ValidationResult) ErrorDigest() string {
	var issues []string
	for _, c := range v.Checks {
		if !c.Passed {
			issues = append(issues, c.Issues...)
			issues = append(issues, c.CompilationErrors...)
		}
	}
	digest := ""
	for i, s := range issues {
		if i > 0 {
			digest += "; "
		}
		digest += s
	}
	return digest
}
