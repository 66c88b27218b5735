package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by the store, the orchestrator and the HTTP layer.
// Wrap these with context; match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrValidation         = errors.New("validation error")
	ErrUpstream           = errors.New("upstream failure")
)

// ValidationError lists every problem found in a request or result body
type ValidationError struct {
	Subject  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

// Unwrap lets errors.Is match ErrValidation
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError returns a ValidationError, or nil when there are no problems
func NewValidationError(subject string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Subject: subject, Problems: problems}
}
