package publishing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a profile, run or item reference does not exist.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded is returned when a profile has used its daily cap.
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	// ErrRunFinished is returned when mutating a run that is already terminal.
	ErrRunFinished = errors.New("run already finished")
	// ErrRunActive is returned when another executor holds the run.
	ErrRunActive = errors.New("run already executing")
	// ErrEntryExists is returned when a pair is logged twice on one run.
	ErrEntryExists = errors.New("run entry already recorded")
)

// ValidationError lists the problems found in a profile or run request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// NewValidationError builds a ValidationError from one or more problems.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// TransientError marks a collaborator failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// AuthError means the target site rejected an author's credentials.
type AuthError struct {
	Username   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credentials rejected for %q (status %d): %v", e.Username, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GenerationError means the generator declined to produce content.
type GenerationError struct {
	Reason string
}

func (e *GenerationError) Error() string {
	return "generation declined: " + e.Reason
}

// RemoteError is a non-retryable rejection from the target site.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected post (status %d): %s", e.StatusCode, e.Body)
}

// StageError attributes a failure to the pipeline stage that raised it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
