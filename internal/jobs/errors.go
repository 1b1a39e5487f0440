package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a subtask failure so the dispatcher can branch on
// the class instead of matching error text.
type ErrorKind int

const (
	// KindRetryable covers upstream failures worth another attempt:
	// timeouts, non-2xx responses, empty model output.
	KindRetryable ErrorKind = iota
	// KindTerminal covers failures no retry can fix: missing input
	// entity, invalid configuration, malformed persisted state. These
	// never consume retry budget and require a user-triggered retry.
	KindTerminal
	// KindSystem covers unexpected panics and infrastructure faults
	// caught at the dispatcher boundary.
	KindSystem
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindTerminal:
		return "terminal"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Stage names for subtask execution, recorded alongside failures so
// operators can see where the pipeline broke.
const (
	StageResolve = "resolve"
	StagePrompt  = "prompt"
	StageCall    = "call"
	StageRender  = "render"
	StagePublish = "publish"
)

// StageError tags an error with the pipeline stage it occurred at and
// whether it is worth retrying.
type StageError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable wraps an upstream failure that another attempt might clear
func Retryable(stage string, err error) *StageError {
	return &StageError{Kind: KindRetryable, Stage: stage, Err: err}
}

// Terminal wraps a failure that no retry can fix
func Terminal(stage string, err error) *StageError {
	return &StageError{Kind: KindTerminal, Stage: stage, Err: err}
}

// System wraps an unexpected infrastructure fault
func System(stage string, err error) *StageError {
	return &StageError{Kind: KindSystem, Stage: stage, Err: err}
}

// KindOf extracts the error kind, defaulting to retryable for untagged
// errors so unknown upstream conditions still get their attempts.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRetryable
}

// StageOf extracts the stage name, empty for untagged errors
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

var (
	// ErrJobNotFound is returned when a job id resolves to nothing
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidStatus is returned when an operation is illegal for the
	// job's current status.
	ErrInvalidStatus = errors.New("invalid job status for operation")
	// ErrNoSubtask is returned when a job has no eligible queue row
	ErrNoSubtask = errors.New("no eligible subtask")
)
