// Package team runs a team of agent workers in tmux panes and supervises
// them until every task is finished.
//
// # Architecture
//
// The central type is [Orchestrator], which owns the team lifecycle:
//
//   - [Orchestrator.StartTeam] validates a [Job], records its tasks, acquires
//     a tmux session and spawns one worker per slot.
//   - [Orchestrator.SpawnWorkerForTask] claims a task, writes the worker's
//     inbox, splits a pane for the agent and delivers the first message.
//   - [Orchestrator.Tick] is one watchdog pass. It consumes done signals,
//     fails tasks whose pane exited, escalates stalled workers and hands the
//     freed slot the next pending task.
//   - [Orchestrator.StartWatchdog] runs Tick on an interval, plus an early
//     tick whenever a worker writes done.json, and stops for good after too
//     many consecutive failures.
//   - [Orchestrator.ShutdownTeam] and [Orchestrator.ResumeTeam] end or
//     re-attach to a team.
//
// Per-team state lives in a [Runtime]. The task files under the team
// directory are the source of truth; a Runtime can always be rebuilt from
// them and the surviving panes.
//
// # Event Integration
//
// When the orchestrator is given an [event.Bus], worker and task lifecycle
// events (WorkerSpawnedEvent, TaskFinishedEvent, WorkerStalledEvent,
// WatchdogFailedEvent, ...) are published on it.
package team
