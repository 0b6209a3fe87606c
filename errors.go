package stepifi

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a job id is unknown, already deleted, or past
// its TTL. Callers treat it as an expected condition, never a crash.
var ErrNotFound = errors.New("job not found")

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("queue is full")

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("queue is closed")

// ValidationError rejects a submission synchronously at admission.
// A job is never created when admission fails.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SubprocessError indicates the engine binary could not be spawned at all,
// as opposed to running and failing.
type SubprocessError struct {
	Err error
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("engine failed to launch: %v", e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// TimeoutError indicates the engine exceeded the wall-clock bound and was killed.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("conversion timed out after %s", e.After)
}

// ParseError indicates the engine exited zero but its output carried no valid
// result line. Both streams are retained for diagnostics; this is never
// silently swallowed.
type ParseError struct {
	Reason string
	Stdout string
	Stderr string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparsable engine result: %s", e.Reason)
}

// EngineError indicates the engine ran and reported failure, either through a
// nonzero exit (Message holds stderr verbatim) or an explicit success=false
// result line (Message holds the reported error, Stage the failing phase).
type EngineError struct {
	Stage   string
	Message string
}

func (e *EngineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("engine failed at %s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("engine failed: %s", e.Message)
}
