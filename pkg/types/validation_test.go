package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeForcesFailOnCompilationFailure(t *testing.T) {
	v := ValidationResult{Passed: true, CompilationPassed: false}
	v.Normalize()
	assert.False(t, v.Passed, "compilation_passed=false must force passed=false")
}

func TestNormalizeLeavesPassedAloneWhenCompilationPassed(t *testing.T) {
	v := ValidationResult{Passed: false, CompilationPassed: true}
	v.Normalize()
	assert.False(t, v.Passed, "Normalize only forces the failure direction, it never flips passed to true on its own")
}
