package event

import "time"

// Event is implemented by everything published on a Bus.
type Event interface {
	// EventType returns the "category.action" identifier.
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeTeamStarted       = "team.started"
	TypeTeamStopped       = "team.stopped"
	TypeWorkerSpawned     = "worker.spawned"
	TypeWorkerSpawnFailed = "worker.spawn_failed"
	TypeWorkerStalled     = "worker.stalled"
	TypeWorkerRemoved     = "worker.removed"
	TypeTaskFinished      = "task.finished"
	TypeWatchdogFailed    = "watchdog.failed"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// TeamStartedEvent is emitted once a team's initial workers are spawned.
type TeamStartedEvent struct {
	baseEvent
	Team    string
	RunID   string
	Session string
	Workers int
	Resumed bool
}

// NewTeamStartedEvent creates a TeamStartedEvent.
func NewTeamStartedEvent(team, runID, session string, workers int, resumed bool) TeamStartedEvent {
	return TeamStartedEvent{
		baseEvent: newBaseEvent(TypeTeamStarted),
		Team:      team,
		RunID:     runID,
		Session:   session,
		Workers:   workers,
		Resumed:   resumed,
	}
}

// TeamStoppedEvent is emitted after shutdown tears the team down.
type TeamStoppedEvent struct {
	baseEvent
	Team   string
	Reason string
}

// NewTeamStoppedEvent creates a TeamStoppedEvent.
func NewTeamStoppedEvent(team, reason string) TeamStoppedEvent {
	return TeamStoppedEvent{baseEvent: newBaseEvent(TypeTeamStopped), Team: team, Reason: reason}
}

// WorkerSpawnedEvent is emitted when a worker pane is running a task.
type WorkerSpawnedEvent struct {
	baseEvent
	Worker    string
	AgentType string
	TaskID    string
	PaneID    string
}

// NewWorkerSpawnedEvent creates a WorkerSpawnedEvent.
func NewWorkerSpawnedEvent(worker, agentType, taskID, paneID string) WorkerSpawnedEvent {
	return WorkerSpawnedEvent{
		baseEvent: newBaseEvent(TypeWorkerSpawned),
		Worker:    worker,
		AgentType: agentType,
		TaskID:    taskID,
		PaneID:    paneID,
	}
}

// WorkerSpawnFailedEvent is emitted when a spawn is abandoned and its task
// rolled back.
type WorkerSpawnFailedEvent struct {
	baseEvent
	Worker string
	TaskID string
	Reason string // SpawnError reason string
}

// NewWorkerSpawnFailedEvent creates a WorkerSpawnFailedEvent.
func NewWorkerSpawnFailedEvent(worker, taskID, reason string) WorkerSpawnFailedEvent {
	return WorkerSpawnFailedEvent{
		baseEvent: newBaseEvent(TypeWorkerSpawnFailed),
		Worker:    worker,
		TaskID:    taskID,
		Reason:    reason,
	}
}

// WorkerStalledEvent is emitted for every tick a worker's heartbeat is stale.
type WorkerStalledEvent struct {
	baseEvent
	Worker     string
	TaskID     string
	StallCount int
	Threshold  int
}

// NewWorkerStalledEvent creates a WorkerStalledEvent.
func NewWorkerStalledEvent(worker, taskID string, count, threshold int) WorkerStalledEvent {
	return WorkerStalledEvent{
		baseEvent:  newBaseEvent(TypeWorkerStalled),
		Worker:     worker,
		TaskID:     taskID,
		StallCount: count,
		Threshold:  threshold,
	}
}

// WorkerRemovedEvent is emitted after a worker's pane is killed.
type WorkerRemovedEvent struct {
	baseEvent
	Worker string
	PaneID string
	Cause  string // "done", "pane_dead", "stalled"
}

// NewWorkerRemovedEvent creates a WorkerRemovedEvent.
func NewWorkerRemovedEvent(worker, paneID, cause string) WorkerRemovedEvent {
	return WorkerRemovedEvent{
		baseEvent: newBaseEvent(TypeWorkerRemoved),
		Worker:    worker,
		PaneID:    paneID,
		Cause:     cause,
	}
}

// TaskFinishedEvent is emitted when the watchdog moves a task to a terminal status.
type TaskFinishedEvent struct {
	baseEvent
	TaskID  string
	Worker  string
	Status  string
	Summary string
}

// NewTaskFinishedEvent creates a TaskFinishedEvent.
func NewTaskFinishedEvent(taskID, worker, status, summary string) TaskFinishedEvent {
	return TaskFinishedEvent{
		baseEvent: newBaseEvent(TypeTaskFinished),
		TaskID:    taskID,
		Worker:    worker,
		Status:    status,
		Summary:   summary,
	}
}

// WatchdogFailedEvent is emitted when the watchdog stops after repeated failures.
type WatchdogFailedEvent struct {
	baseEvent
	Team                string
	ConsecutiveFailures int
	LastError           string
}

// NewWatchdogFailedEvent creates a WatchdogFailedEvent.
func NewWatchdogFailedEvent(team string, failures int, lastErr string) WatchdogFailedEvent {
	return WatchdogFailedEvent{
		baseEvent:           newBaseEvent(TypeWatchdogFailed),
		Team:                team,
		ConsecutiveFailures: failures,
		LastError:           lastErr,
	}
}
