package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrTerminalTask      = errors.New("schedule task is in a terminal state")
	ErrInvalidTransition = errors.New("invalid schedule task transition")
)

// ValidationError reports a malformed recurrence rule, retry policy or
// notification request. It is only returned at construction time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionTimeoutError is recorded when the trigger handler did not report
// back within the task timeout. The scheduler treats it as a failure.
type ExecutionTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string { return "execution_timeout" }

// ChannelDeliveryError is returned by channel senders. Retryable separates a
// transient failure (network blip) from a permanent one (invalid address).
type ChannelDeliveryError struct {
	Channel   Channel
	Reason    string
	Retryable bool
	Err       error
}

func (e *ChannelDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s delivery: %s", e.Channel, e.Reason)
}

func (e *ChannelDeliveryError) Unwrap() error { return e.Err }

// Permanent builds a non-retryable delivery error.
func Permanent(ch Channel, reason string, err error) error {
	return &ChannelDeliveryError{Channel: ch, Reason: reason, Err: err}
}

// Transient builds a retryable delivery error.
func Transient(ch Channel, reason string, err error) error {
	return &ChannelDeliveryError{Channel: ch, Reason: reason, Retryable: true, Err: err}
}

// IsRetryable classifies a sender error. Errors that are not a
// ChannelDeliveryError are treated as transient.
func IsRetryable(err error) bool {
	var de *ChannelDeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

// ConcurrencyConflictError is raised when a tick tries to dispatch a task
// whose previous execution still holds the in-flight lock.
type ConcurrencyConflictError struct {
	TaskID string
	RunID  string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("task %s already executing (run %s)", e.TaskID, e.RunID)
}

// SchedulerPersistenceError wraps a repository failure in the middle of a
// transition. The in-memory task is left in its pre-transition state.
type SchedulerPersistenceError struct {
	TaskID string
	Op     string
	Err    error
}

func (e *SchedulerPersistenceError) Error() string {
	return fmt.Sprintf("persist task %s (%s): %v", e.TaskID, e.Op, e.Err)
}

func (e *SchedulerPersistenceError) Unwrap() error { return e.Err }
