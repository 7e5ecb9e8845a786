// Package errors provides centralized error definitions and error handling utilities
// for panecrew. It defines the sentinel errors shared by the task store, the pane
// supervisor and the orchestrator, typed errors that carry task/worker/pane
// context, and classification helpers.
//
// # Error Types
//
// Domain-specific errors:
//   - TaskError: failures touching a task record (read, write, transition)
//   - PaneError: failures talking to a tmux pane or session
//   - SpawnError: a worker could not be spawned; carries a stable Reason string
//
// Semantic errors:
//   - ValidationError: invalid input (team names, jobs, configuration)
//
// # Propagation
//
// Claim contention is not an error: store operations report it through a bool
// return value. Spawn failures are returned as *SpawnError so callers can branch
// on [SpawnReason]. Everything else is wrapped with fmt.Errorf("...: %w").
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityWarning is for errors that are tolerated (fail-open paths).
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that stop the team (watchdog circuit breaker).
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Task store sentinel errors
var (
	// ErrTaskNotFound indicates that no task record exists for the id.
	ErrTaskNotFound = New("task not found")
	// ErrInvalidTransition indicates a status change outside the transition table.
	ErrInvalidTransition = New("invalid status transition")
	// ErrLockBusy indicates the task lock stayed held by someone else.
	ErrLockBusy = New("task lock busy")
	// ErrTaskClaimed indicates the task was no longer pending when a claim was attempted.
	ErrTaskClaimed = New("task already claimed")
)

// Pane sentinel errors
var (
	// ErrSessionNotFound indicates the tmux session does not exist.
	ErrSessionNotFound = New("tmux session not found")
	// ErrPaneNotFound indicates the pane does not exist.
	ErrPaneNotFound = New("tmux pane not found")
	// ErrPaneInCopyMode indicates the pane is in a mode where keystrokes are not delivered.
	ErrPaneInCopyMode = New("pane is in copy mode")
	// ErrDeliveryFailed indicates a message stayed in the worker's input after all retries.
	ErrDeliveryFailed = New("message delivery failed")
)

// Team sentinel errors
var (
	// ErrInvalidName indicates a team or worker name failed path-safety validation.
	ErrInvalidName = New("invalid name")
	// ErrAgentUnavailable indicates an agent executable could not be resolved.
	ErrAgentUnavailable = New("agent executable not available")
	// ErrWatchdogFailed indicates the watchdog tripped its circuit breaker.
	ErrWatchdogFailed = New("watchdog failed")
	// ErrTeamRunning indicates a team with the same name still has a live session.
	ErrTeamRunning = New("team already running")
	// ErrNoWorkers indicates unfinished tasks remain but no worker is active to run them.
	ErrNoWorkers = New("no active workers")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message  string
	cause    error
	severity Severity
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

func formatWithContext(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// TaskError represents a failure touching a task record.
//
// Example:
//
//	err := errors.NewTaskError("finish task", errors.ErrInvalidTransition).WithTaskID("3")
//	fmt.Println(err) // "task error [task=3]: finish task: invalid status transition"
type TaskError struct {
	baseError
	TaskID string
	Worker string
}

// NewTaskError creates a new TaskError.
func NewTaskError(message string, cause error) *TaskError {
	return &TaskError{baseError: baseError{message: message, cause: cause, severity: SeverityError}}
}

// WithTaskID adds a task id to the error context.
func (e *TaskError) WithTaskID(id string) *TaskError {
	e.TaskID = id
	return e
}

// WithWorker adds a worker name to the error context.
func (e *TaskError) WithWorker(name string) *TaskError {
	e.Worker = name
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.Worker != "" {
		parts = append(parts, "worker="+e.Worker)
	}
	return formatWithContext("task error", parts, e.message, e.cause)
}

// PaneError represents a failure talking to tmux.
type PaneError struct {
	baseError
	PaneID  string
	Session string
}

// NewPaneError creates a new PaneError.
func NewPaneError(message string, cause error) *PaneError {
	return &PaneError{baseError: baseError{message: message, cause: cause, severity: SeverityError}}
}

// WithPane adds a pane id to the error context.
func (e *PaneError) WithPane(id string) *PaneError {
	e.PaneID = id
	return e
}

// WithSession adds a tmux session name to the error context.
func (e *PaneError) WithSession(name string) *PaneError {
	e.Session = name
	return e
}

// Error returns the formatted error message.
func (e *PaneError) Error() string {
	var parts []string
	if e.PaneID != "" {
		parts = append(parts, "pane="+e.PaneID)
	}
	if e.Session != "" {
		parts = append(parts, "tmux="+e.Session)
	}
	return formatWithContext("pane error", parts, e.message, e.cause)
}

// Spawn failure reasons. The notify reasons are built with NotifyFailed so the
// stage is always appended the same way.
const (
	ReasonPaneFailed   = "worker_pane_failed"
	ReasonPaneNotReady = "worker_pane_not_ready"
	ReasonSlotBusy     = "worker_slot_busy"
	reasonNotifyPrefix = "worker_notify_failed"
)

// Notification stages reported in worker_notify_failed reasons.
const (
	StageInbox  = "inbox"
	StageLaunch = "launch"
	StageTrust  = "trust"
	StageSend   = "send"
)

// NotifyFailed returns the reason string for a notification failure at stage.
func NotifyFailed(stage string) string {
	return reasonNotifyPrefix + ":" + stage
}

// SpawnError reports that a worker could not be brought up for a task. The task
// has already been rolled back to pending and any partial pane removed by the
// time a SpawnError is returned.
type SpawnError struct {
	baseError
	Reason string
	Worker string
	TaskID string
}

// NewSpawnError creates a SpawnError with a stable reason string.
func NewSpawnError(reason string, cause error) *SpawnError {
	return &SpawnError{
		baseError: baseError{message: reason, cause: cause, severity: SeverityError},
		Reason:    reason,
	}
}

// WithWorker adds the worker name to the error context.
func (e *SpawnError) WithWorker(name string) *SpawnError {
	e.Worker = name
	return e
}

// WithTaskID adds the task id to the error context.
func (e *SpawnError) WithTaskID(id string) *SpawnError {
	e.TaskID = id
	return e
}

// Error returns the formatted error message.
func (e *SpawnError) Error() string {
	var parts []string
	if e.Worker != "" {
		parts = append(parts, "worker="+e.Worker)
	}
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	return formatWithContext("spawn error", parts, e.Reason, e.cause)
}

// SpawnReason extracts the reason string from a SpawnError anywhere in err's
// chain. It returns "" when err is not a spawn failure.
func SpawnReason(err error) string {
	var se *SpawnError
	if As(err, &se) {
		return se.Reason
	}
	return ""
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("must match ^[a-z0-9][a-z0-9_-]*$").WithField("team").WithValue("../x")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{baseError: baseError{message: message, severity: SeverityWarning}}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrInvalidInput {
		return true
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

type severer interface {
	Severity() Severity
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that carry no severity.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	if Is(err, ErrWatchdogFailed) {
		return SeverityCritical
	}
	var s severer
	if As(err, &s) {
		return s.Severity()
	}
	return SeverityError
}

// IsContention reports whether err only means "someone else holds this task".
// Callers move on to the next candidate instead of failing.
func IsContention(err error) bool {
	return Is(err, ErrTaskClaimed) || Is(err, ErrLockBusy)
}
