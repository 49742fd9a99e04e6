package job

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSource is returned when a submission names a source with no queue.
	ErrUnknownSource = errors.New("unknown source")

	// ErrBackendUnavailable is returned when the durable queue backend cannot be reached.
	ErrBackendUnavailable = errors.New("queue backend unavailable")

	// ErrNotInitialized is returned when the manager is used before Initialize.
	ErrNotInitialized = errors.New("queue manager not initialized")

	// ErrClosed is returned once the manager or a queue has been shut down.
	ErrClosed = errors.New("queue closed")

	// ErrJobNotActive is returned when a transition targets a job that is not running.
	ErrJobNotActive = errors.New("job not active")

	// ErrJobCancelled is returned when a running job finishes after being cancelled.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrStalled marks an attempt that stopped reporting activity.
	ErrStalled = errors.New("job stalled")

	ErrTransientExtraction = errors.New("transient extraction failure")
	ErrTerminalExtraction  = errors.New("terminal extraction failure")
)

// UnknownSourceError wraps ErrUnknownSource with the offending source id.
type UnknownSourceError struct {
	SourceID string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source: %s", e.SourceID)
}

func (e *UnknownSourceError) Unwrap() error {
	return ErrUnknownSource
}

func (e *UnknownSourceError) Is(target error) bool {
	return target == ErrUnknownSource
}

// BackendUnavailableError wraps ErrBackendUnavailable with the failed operation.
type BackendUnavailableError struct {
	Op  string
	Err error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("queue backend unavailable: %s", e.Op)
	}
	return fmt.Sprintf("queue backend unavailable: %s: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// ExtractionError records one failed orchestrator attempt. Terminal is set
// once the attempt budget is spent.
type ExtractionError struct {
	SourceID string
	JobID    string
	Attempt  int
	Terminal bool
	Err      error
}

func (e *ExtractionError) Error() string {
	kind := "transient"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("%s extraction failure (source %s, job %s, attempt %d): %v", kind, e.SourceID, e.JobID, e.Attempt, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func (e *ExtractionError) Is(target error) bool {
	if e.Terminal {
		return target == ErrTerminalExtraction
	}
	return target == ErrTransientExtraction
}

// IsUnknownSource reports whether err is (or wraps) ErrUnknownSource.
func IsUnknownSource(err error) bool {
	return errors.Is(err, ErrUnknownSource)
}

// IsBackendUnavailable reports whether err is (or wraps) ErrBackendUnavailable.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
