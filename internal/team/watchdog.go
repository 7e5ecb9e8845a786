package team

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/layout"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/Iron-Ham/panecrew/internal/util"
)

// Summaries recorded when the watchdog fails a task on a worker's behalf.
const (
	summaryPaneExited = "worker pane exited before reporting completion"
	summaryStalled    = "worker stalled: no heartbeat for %s"
)

// Outcome results recorded by the watchdog.
const (
	resultDoneSignal = "done_signal"
	resultPaneExited = "pane_exited"
	resultStalled    = "stalled"
)

// Worker removal causes reported in WorkerRemovedEvent.
const (
	causeDone    = "done"
	causeDead    = "pane_dead"
	causeStalled = "stalled"
)

// observation is what one tick learned about a worker.
type observation struct {
	done      *teamdir.DoneSignal
	staleDone bool
	alive     bool
	aliveErr  error
	heartbeat *teamdir.Heartbeat
}

// ErrTickSkipped is returned by Tick when another tick, or a slot change
// holding the same guard, is already in progress.
var ErrTickSkipped = errors.New("tick already in progress")

// Tick runs one supervision pass over the active workers, then fills idle
// slots from the pending tasks and settles an outstanding layout request.
// A tick that starts while another is running returns ErrTickSkipped.
func (o *Orchestrator) Tick(ctx context.Context, rt *Runtime) error {
	if !rt.ticking.CompareAndSwap(false, true) {
		return ErrTickSkipped
	}
	defer rt.ticking.Store(false)

	var errs []error
	if workers := rt.Workers(); len(workers) > 0 {
		observations := iter.Map(workers, func(w *Worker) observation {
			return o.observe(ctx, rt, *w)
		})
		for i, w := range workers {
			if err := o.handleWorker(ctx, rt, w, observations[i]); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", w.Name, err))
			}
		}
	}

	if err := o.fillIdleSlots(ctx, rt); err != nil {
		errs = append(errs, err)
	}
	if rt.layout.State() != layout.StateIdle {
		if err := rt.layout.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("layout: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) observe(ctx context.Context, rt *Runtime, w Worker) observation {
	var ob observation
	log := o.logger.WithTeam(rt.Team).WithWorker(w.Name)

	sig, err := rt.Dir.ReadDone(w.Name)
	if err != nil {
		// Usually a file caught mid-write; the next tick sees it whole.
		log.Debug("done signal unreadable", "error", err.Error())
	}
	if sig != nil && sig.TaskID != "" && sig.TaskID != w.TaskID {
		log.Warn("ignoring done signal for another task", "task_id", w.TaskID, "signal_task_id", sig.TaskID)
		ob.staleDone = true
		sig = nil
	}
	if sig == nil && w.Interop {
		polled, err := o.interop.PollCompletion(ctx, o.interopContext(rt, &w))
		if err != nil {
			o.recordInteropError(rt, w.Name, "poll", err)
		}
		sig = polled
	}
	ob.done = sig

	ob.alive, ob.aliveErr = o.panes.IsWorkerAlive(ctx, w.PaneID)

	hb, err := rt.Dir.ReadHeartbeat(w.Name)
	if err != nil {
		log.Debug("heartbeat unreadable", "error", err.Error())
	}
	ob.heartbeat = hb
	return ob
}

// handleWorker applies the first matching rule: a done signal finishes the
// task, a dead pane fails it, and a stale heartbeat counts toward a stall.
func (o *Orchestrator) handleWorker(ctx context.Context, rt *Runtime, w Worker, ob observation) error {
	log := o.logger.WithTeam(rt.Team).WithWorker(w.Name).WithTask(w.TaskID)

	if ob.staleDone {
		if err := rt.Dir.RemoveDone(w.Name); err != nil {
			log.Warn("could not remove stale done signal", "error", err.Error())
		}
	}

	if ob.done != nil {
		status := taskstore.Status(ob.done.Status)
		if !status.IsTerminal() {
			log.Warn("done signal has unknown status, recording failure", "status", ob.done.Status)
			status = taskstore.StatusFailed
		}
		return o.retireWorker(ctx, rt, w, taskstore.Outcome{
			Status:  status,
			Summary: ob.done.Summary,
			Result:  resultDoneSignal,
		}, causeDone)
	}

	if ob.aliveErr != nil {
		return fmt.Errorf("check pane %s: %w", w.PaneID, ob.aliveErr)
	}
	if !ob.alive {
		log.Warn("worker pane exited without reporting", "pane_id", w.PaneID)
		return o.retireWorker(ctx, rt, w, taskstore.Outcome{
			Status:  taskstore.StatusFailed,
			Summary: summaryPaneExited,
			Result:  resultPaneExited,
		}, causeDead)
	}

	baseline := w.SpawnedAt
	if ob.heartbeat != nil && ob.heartbeat.UpdatedAt.After(baseline) {
		baseline = ob.heartbeat.UpdatedAt
	}
	age := o.now().Sub(baseline)
	stallAfter := o.cfg.Watchdog.StallAfter()
	if stallAfter <= 0 || age <= stallAfter {
		rt.resetStall(w.Name)
		return nil
	}

	threshold := max(o.cfg.Watchdog.KillAfterStalls, 1)
	count := rt.noteStall(w.Name)
	o.bus.Publish(event.NewWorkerStalledEvent(w.Name, w.TaskID, count, threshold))
	if count < threshold {
		log.Warn("worker heartbeat is stale",
			"heartbeat_age", age.Round(time.Second).String(),
			"stall_count", count,
			"threshold", threshold,
		)
		return nil
	}

	rt.resetStall(w.Name)
	log.Error("worker stalled, treating as dead", "stall_count", count)
	return o.retireWorker(ctx, rt, w, taskstore.Outcome{
		Status:  taskstore.StatusFailed,
		Summary: fmt.Sprintf(summaryStalled, age.Round(time.Second)),
		Result:  resultStalled,
	}, causeStalled)
}

// retireWorker records the task outcome, kills the worker's pane, drops the
// worker and hands its slot the next pending task.
func (o *Orchestrator) retireWorker(ctx context.Context, rt *Runtime, w Worker, out taskstore.Outcome, cause string) error {
	log := o.logger.WithTeam(rt.Team).WithWorker(w.Name).WithTask(w.TaskID)

	if err := rt.Store.Finish(ctx, w.TaskID, out); err != nil {
		if !errors.Is(err, errors.ErrInvalidTransition) && !errors.Is(err, errors.ErrTaskNotFound) {
			return fmt.Errorf("finish task %s: %w", w.TaskID, err)
		}
		log.Warn("task outcome not recorded", "status", string(out.Status), "error", err.Error())
	}
	if cause == causeDone {
		if err := rt.Dir.RemoveDone(w.Name); err != nil {
			log.Warn("could not remove done signal", "error", err.Error())
		}
	}

	if err := o.panes.KillPane(ctx, w.PaneID); err != nil {
		log.Warn("failed to kill worker pane", "pane_id", w.PaneID, "error", err.Error())
	}
	rt.remove(w.Name, w.PaneID)
	rt.layout.RequestLayout()

	log.Info("task finished",
		"status", string(out.Status),
		"result", out.Result,
		"summary", util.TruncateString(out.Summary, 200),
	)
	o.bus.Publish(event.NewTaskFinishedEvent(w.TaskID, w.Name, string(out.Status), out.Summary))
	o.bus.Publish(event.NewWorkerRemovedEvent(w.Name, w.PaneID, cause))

	return o.reassign(ctx, rt, w)
}

// reassign spawns a replacement under the same worker name and agent type
// for the next pending task. Spawn failures are logged, not returned; the
// task was rolled back and stays pending.
func (o *Orchestrator) reassign(ctx context.Context, rt *Runtime, w Worker) error {
	finished, err := rt.Store.AllTerminal()
	if err != nil {
		return err
	}
	if finished {
		return nil
	}
	pending, err := rt.Store.Pending()
	if err != nil {
		return err
	}
	for _, t := range pending {
		err := o.SpawnWorkerForTask(ctx, rt, w.Name, w.AgentType, t.ID)
		if err == nil {
			return nil
		}
		if errors.IsContention(err) {
			continue
		}
		if reason := errors.SpawnReason(err); reason != "" {
			o.logger.WithTeam(rt.Team).WithWorker(w.Name).Warn("reassignment failed",
				"task_id", t.ID, "reason", reason, "error", err.Error())
			return nil
		}
		return err
	}
	return nil
}

// fillIdleSlots starts workers in empty slots while pending tasks remain,
// such as tasks added by another process or left by a failed spawn.
func (o *Orchestrator) fillIdleSlots(ctx context.Context, rt *Runtime) error {
	if p := rt.Phase(); p != PhaseRunning {
		return nil
	}
	idle := rt.idleSlots()
	if len(idle) == 0 {
		return nil
	}
	pending, err := rt.Store.Pending()
	if err != nil || len(pending) == 0 {
		return err
	}
	for _, s := range idle {
		err := o.fillSlot(ctx, rt, s)
		if err == nil {
			continue
		}
		if reason := errors.SpawnReason(err); reason != "" {
			o.logger.WithTeam(rt.Team).WithWorker(s.Name).Warn("could not fill idle slot", "reason", reason, "error", err.Error())
			continue
		}
		return err
	}
	return nil
}

// StartWatchdog runs Tick every watchdog interval until ctx is cancelled,
// the returned stop func is called, or MaxFailures consecutive ticks fail.
// Calling it again returns the running watchdog's stop func.
func (o *Orchestrator) StartWatchdog(ctx context.Context, rt *Runtime) func() {
	rt.watchMu.Lock()
	defer rt.watchMu.Unlock()
	if rt.stopWatchdog != nil {
		return rt.stopWatchdog
	}

	ctx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)
	if o.cfg.Watchdog.WatchFiles {
		o.watchDoneFiles(ctx, rt, wake)
	}
	go o.watchLoop(ctx, rt, wake)

	var once sync.Once
	rt.stopWatchdog = func() {
		once.Do(func() {
			cancel()
			<-rt.done
		})
	}
	return rt.stopWatchdog
}

func (o *Orchestrator) watchLoop(ctx context.Context, rt *Runtime, wake <-chan struct{}) {
	defer close(rt.done)
	log := o.logger.WithTeam(rt.Team)

	interval := o.cfg.Watchdog.Interval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	maxFailures := max(o.cfg.Watchdog.MaxFailures, 1)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		err := o.safeTick(ctx, rt)
		if errors.Is(err, ErrTickSkipped) {
			continue
		}
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		log.Warn("watchdog tick failed", "consecutive_failures", failures, "error", err.Error())
		if failures < maxFailures {
			continue
		}

		f := teamdir.WatchdogFailure{
			FailedAt:            o.now().UTC(),
			ConsecutiveFailures: failures,
			LastError:           err.Error(),
		}
		rt.fail(f)
		if werr := rt.Dir.WriteWatchdogFailed(f); werr != nil {
			log.Error("could not write watchdog failure marker", "error", werr.Error())
		}
		log.Error("watchdog stopped after repeated failures", "consecutive_failures", failures)
		o.bus.Publish(event.NewWatchdogFailedEvent(rt.Team, failures, err.Error()))
		return
	}
}

// safeTick runs Tick, turning a panic in a collaborator into a failed tick.
func (o *Orchestrator) safeTick(ctx context.Context, rt *Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Panics in per-worker observations arrive wrapped by conc.
			if rec, ok := r.(*panics.Recovered); ok {
				r = rec.Value
			}
			o.logger.WithTeam(rt.Team).Error("watchdog tick panicked", "panic", fmt.Sprint(r))
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return o.Tick(ctx, rt)
}

// watchDoneFiles wakes the watchdog when a worker writes done.json. Without
// a watcher the interval ticker still runs.
func (o *Orchestrator) watchDoneFiles(ctx context.Context, rt *Runtime, wake chan<- struct{}) {
	log := o.logger.WithTeam(rt.Team)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("file watcher unavailable, using interval ticks only", "error", err.Error())
		return
	}
	workersDir := rt.Dir.WorkersDir()
	if err := watcher.Add(workersDir); err != nil {
		log.Warn("cannot watch workers directory", "error", err.Error())
		_ = watcher.Close()
		return
	}
	for _, s := range rt.slots {
		_ = watcher.Add(rt.Dir.WorkerDir(s.Name))
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == workersDir {
					_ = watcher.Add(ev.Name)
					continue
				}
				if filepath.Base(ev.Name) != teamdir.DoneFileName || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug("file watcher error", "error", err.Error())
			}
		}
	}()
}
