package taskstore

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/panecrew/internal/errors"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the task is waiting to be claimed.
	StatusPending Status = "pending"

	// StatusInProgress indicates a worker owns the task.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the worker reported success.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the worker reported failure or died.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Task is the persisted record at tasks/<id>.json.
type Task struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Owner       string     `json:"owner,omitempty"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Result      string     `json:"result,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	// Attempts counts successful claims, including ones later rolled back.
	Attempts int `json:"attempts"`
}

// Outcome is what a terminal transition records.
type Outcome struct {
	Status  Status
	Summary string
	// Result names how the outcome was determined (e.g. "done_signal", "pane_exited").
	Result string
}

func invalidTransition(t *Task, to Status) error {
	return errors.NewTaskError(
		fmt.Sprintf("cannot move from %s to %s", t.Status, to),
		errors.ErrInvalidTransition,
	).WithTaskID(t.ID)
}

func (t *Task) claim(owner string, now time.Time) error {
	if !CanTransition(t.Status, StatusInProgress) {
		return invalidTransition(t, StatusInProgress)
	}
	t.Status = StatusInProgress
	t.Owner = owner
	t.AssignedAt = &now
	t.Attempts++
	return nil
}

// finish applies a terminal outcome. It reports false when the task already
// carries that terminal status and nothing changed.
func (t *Task) finish(o Outcome, now time.Time) (bool, error) {
	if t.Status == o.Status && t.Status.IsTerminal() {
		return false, nil
	}
	if !o.Status.IsTerminal() || !CanTransition(t.Status, o.Status) {
		return false, invalidTransition(t, o.Status)
	}
	t.Status = o.Status
	t.Owner = ""
	t.Summary = o.Summary
	t.Result = o.Result
	if o.Status == StatusCompleted {
		t.CompletedAt = &now
	} else {
		t.FailedAt = &now
	}
	return true, nil
}

func (t *Task) rollback() error {
	if !CanTransition(t.Status, StatusPending) {
		return invalidTransition(t, StatusPending)
	}
	t.Status = StatusPending
	t.Owner = ""
	t.AssignedAt = nil
	return nil
}

// Counts is a snapshot of how many tasks are in each status.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// AllTerminal reports whether every counted task has finished.
func (c Counts) AllTerminal() bool {
	return c.Pending == 0 && c.InProgress == 0
}

// CountTasks tallies tasks by status.
func CountTasks(tasks []*Task) Counts {
	c := Counts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}
