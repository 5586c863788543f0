package harness

import (
	"fmt"

	"github.com/roach88/fhirengine/internal/engine"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Errors lists the failed checks.
	Errors []string `json:"errors,omitempty"`

	// Values is the evaluation result. Nil when the scenario expected
	// evaluation to fail.
	Values *engine.Result `json:"values,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}
