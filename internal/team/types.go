package team

import (
	"time"

	"github.com/Iron-Ham/panecrew/internal/taskstore"
)

// Phase represents the lifecycle phase of a team runtime.
type Phase string

const (
	// PhaseStarting indicates the session is being acquired and workers spawned.
	PhaseStarting Phase = "starting"

	// PhaseRunning indicates the watchdog is supervising workers.
	PhaseRunning Phase = "running"

	// PhaseStopping indicates shutdown is in progress.
	PhaseStopping Phase = "stopping"

	// PhaseStopped indicates the team was shut down.
	PhaseStopped Phase = "stopped"

	// PhaseFailed indicates the watchdog gave up.
	PhaseFailed Phase = "failed"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true if this phase represents a final state.
func (p Phase) IsTerminal() bool {
	return p == PhaseStopped || p == PhaseFailed
}

// Worker is one active worker pane and the task it is running.
type Worker struct {
	Name         string    `json:"name"`
	PaneID       string    `json:"paneId"`
	TaskID       string    `json:"taskId"`
	AgentType    string    `json:"agentType"`
	SpawnedAt    time.Time `json:"spawnedAt"`
	Interop      bool      `json:"interop,omitempty"`
	AcksShutdown bool      `json:"acksShutdown,omitempty"`
	// StallCount is the number of consecutive ticks with a stale heartbeat.
	StallCount int `json:"stallCount"`
}

// ShutdownOptions controls ShutdownTeam.
type ShutdownOptions struct {
	// Reason is recorded in shutdown.json.
	Reason string
	// AckTimeout bounds the wait for workers whose agent acknowledges shutdown.
	// Zero skips the wait.
	AckTimeout time.Duration
	// KeepState leaves the team directory on disk.
	KeepState bool
}

// Result statuses reported by ResultStatus.
const (
	ResultCompleted      = "completed"
	ResultFailed         = "failed"
	ResultIncomplete     = "incomplete"
	ResultWatchdogFailed = "watchdog_failed"
)

// Result is the final report of a team run.
type Result struct {
	Team   string            `json:"team"`
	RunID  string            `json:"runId"`
	Status string            `json:"status"`
	Counts taskstore.Counts  `json:"counts"`
	Tasks  []*taskstore.Task `json:"tasks"`
}

// ResultStatus summarizes a run: completed when every task completed, failed
// when all finished but some failed, incomplete when some never finished.
func ResultStatus(tasks []*taskstore.Task, watchdogFailed bool) string {
	if watchdogFailed {
		return ResultWatchdogFailed
	}
	c := taskstore.CountTasks(tasks)
	switch {
	case !c.AllTerminal():
		return ResultIncomplete
	case c.Failed > 0:
		return ResultFailed
	default:
		return ResultCompleted
	}
}
