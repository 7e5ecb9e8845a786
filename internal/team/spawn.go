package team

import (
	"context"
	"fmt"
	"maps"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/pane"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
)

// Environment variables every worker is launched with.
const (
	EnvTeam      = "PANECREW_TEAM"
	EnvWorker    = "PANECREW_WORKER"
	EnvTaskID    = "PANECREW_TASK_ID"
	EnvStateDir  = "PANECREW_STATE_DIR"
	EnvWorkerDir = "PANECREW_WORKER_DIR"
)

// SpawnWorkerForTask claims taskID for worker and brings up a pane running
// agentType on it. When the task is not claimable it returns an error
// matching ErrTaskClaimed and changes nothing. Any later failure kills the
// partial pane, rolls the task back to pending and returns a *SpawnError.
func (o *Orchestrator) SpawnWorkerForTask(ctx context.Context, rt *Runtime, worker, agentType, taskID string) error {
	if err := teamdir.ValidateName("worker", worker); err != nil {
		return err
	}
	if cur, busy := rt.Worker(worker); busy {
		return errors.NewSpawnError(errors.ReasonSlotBusy, fmt.Errorf("worker already runs task %s", cur.TaskID)).
			WithWorker(worker).WithTaskID(taskID)
	}
	claimed, err := rt.Store.MarkInProgress(ctx, taskID, worker)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !claimed {
		return errors.NewTaskError("claim task", errors.ErrTaskClaimed).WithTaskID(taskID).WithWorker(worker)
	}

	log := o.logger.WithTeam(rt.Team).WithWorker(worker).WithTask(taskID)
	abort := func(paneID, reason string, cause error) error {
		return o.abortSpawn(ctx, rt, worker, taskID, paneID, reason, cause)
	}

	task, err := rt.Store.Read(taskID)
	if err != nil {
		return abort("", errors.NotifyFailed(errors.StageInbox), err)
	}

	spawnedAt := o.now().UTC()
	if err := rt.Dir.WriteHeartbeat(worker, teamdir.Heartbeat{UpdatedAt: spawnedAt, CurrentTaskID: taskID}); err != nil {
		return abort("", errors.NotifyFailed(errors.StageInbox), err)
	}
	if err := rt.Dir.RemoveDone(worker); err != nil {
		log.Warn("could not clear old done signal", "error", err.Error())
	}

	bc := o.bootstrapContext(rt, worker, agentType, task)
	instruction, err := o.boot.Instruction(bc)
	if err != nil {
		return abort("", errors.NotifyFailed(errors.StageInbox), err)
	}
	if err := rt.Dir.WriteInbox(worker, instruction); err != nil {
		return abort("", errors.NotifyFailed(errors.StageInbox), err)
	}

	spec, err := o.agents.Resolve(agentType, rt.resolve)
	if err != nil {
		return abort("", errors.NotifyFailed(errors.StageLaunch), err)
	}
	trigger := agent.TriggerMessage(bc.InboxPath)
	command, err := o.panes.LaunchCommand(pane.LaunchRequest{
		Env:    o.launchEnv(rt, worker, taskID, spec.Env),
		Binary: spec.Binary,
		Args:   spec.ArgsWithPrompt(trigger),
	})
	if err != nil {
		return abort("", errors.NotifyFailed(errors.StageLaunch), err)
	}

	paneID, err := o.panes.CreateWorkerPane(ctx, rt.Session, rt.lastWorkerPane(), worker, rt.Cwd, command)
	if err != nil {
		return abort("", errors.ReasonPaneFailed, err)
	}
	log = log.With("pane_id", paneID)

	w := &Worker{
		Name:         worker,
		PaneID:       paneID,
		TaskID:       taskID,
		AgentType:    agentType,
		SpawnedAt:    spawnedAt,
		Interop:      spec.Interop && o.interop != nil,
		AcksShutdown: spec.AcksShutdown,
	}
	if w.Interop {
		o.interopBootstrap(ctx, rt, w)
	}

	if !spec.PromptMode.Supported {
		ready, err := o.panes.WaitForReady(ctx, paneID)
		if err != nil {
			return abort(paneID, errors.ReasonPaneNotReady, err)
		}
		if !ready {
			log.Warn("no prompt detected before timeout, sending anyway")
		}
		if _, err := o.panes.AnswerTrustPrompt(ctx, paneID); err != nil {
			return abort(paneID, errors.NotifyFailed(errors.StageTrust), err)
		}
		if err := o.panes.SendToWorker(ctx, paneID, trigger); err != nil {
			return abort(paneID, errors.NotifyFailed(errors.StageSend), err)
		}
	}

	if !rt.register(w) {
		return abort(paneID, errors.ReasonSlotBusy, fmt.Errorf("worker %s was registered by another spawn", worker))
	}
	rt.layout.RequestLayout()
	log.Info("worker spawned", "agent_type", agentType, "prompt_mode", spec.PromptMode.Supported)
	o.bus.Publish(event.NewWorkerSpawnedEvent(worker, agentType, taskID, paneID))
	return nil
}

// abortSpawn undoes a partial spawn. Cleanup runs even if ctx was cancelled.
func (o *Orchestrator) abortSpawn(ctx context.Context, rt *Runtime, worker, taskID, paneID, reason string, cause error) error {
	cleanup := context.WithoutCancel(ctx)
	log := o.logger.WithTeam(rt.Team).WithWorker(worker).WithTask(taskID)

	if paneID != "" {
		if err := o.panes.KillPane(cleanup, paneID); err != nil {
			log.Warn("failed to kill pane of aborted spawn", "pane_id", paneID, "error", err.Error())
		}
	}
	if _, err := rt.Store.Rollback(cleanup, taskID, worker); err != nil {
		log.Error("failed to roll back task after spawn failure", "error", err.Error())
	}

	log.Warn("spawn failed", "reason", reason, "error", cause.Error())
	o.bus.Publish(event.NewWorkerSpawnFailedEvent(worker, taskID, reason))
	return errors.NewSpawnError(reason, cause).WithWorker(worker).WithTaskID(taskID)
}

func (o *Orchestrator) launchEnv(rt *Runtime, worker, taskID string, extra map[string]string) map[string]string {
	env := maps.Clone(extra)
	if env == nil {
		env = make(map[string]string, 5)
	}
	env[EnvTeam] = rt.Team
	env[EnvWorker] = worker
	env[EnvTaskID] = taskID
	env[EnvStateDir] = rt.Dir.Root()
	env[EnvWorkerDir] = rt.Dir.WorkerDir(worker)
	return env
}

func (o *Orchestrator) interopContext(rt *Runtime, w *Worker) agent.InteropContext {
	return agent.InteropContext{Team: rt.Team, Worker: w.Name, TaskID: w.TaskID, Dir: rt.Dir}
}

// interopBootstrap runs the interop bootstrap hook. Failures are recorded
// and otherwise ignored.
func (o *Orchestrator) interopBootstrap(ctx context.Context, rt *Runtime, w *Worker) {
	if err := o.interop.Bootstrap(ctx, o.interopContext(rt, w)); err != nil {
		o.recordInteropError(rt, w.Name, "bootstrap", err)
	}
}

func (o *Orchestrator) recordInteropError(rt *Runtime, worker, stage string, err error) {
	o.logger.WithTeam(rt.Team).WithWorker(worker).Warn("interop hook failed", "stage", stage, "error", err.Error())
	ie := teamdir.InteropError{Stage: stage, Error: err.Error(), At: o.now().UTC()}
	if werr := rt.Dir.WriteInteropError(worker, ie); werr != nil {
		o.logger.WithTeam(rt.Team).WithWorker(worker).Debug("could not record interop error", "error", werr.Error())
	}
}
