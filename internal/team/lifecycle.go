package team

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/pane"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/Iron-Ham/panecrew/internal/util"
)

// ackPollInterval is how often ShutdownTeam checks for acknowledgements.
const ackPollInterval = 200 * time.Millisecond

// ShutdownTeam asks workers to stop, waits for the ones whose agent
// acknowledges shutdown, stops supervision and removes the team's panes.
// It returns the tasks as they stood before the team directory was removed.
func (o *Orchestrator) ShutdownTeam(ctx context.Context, rt *Runtime, opts ShutdownOptions) ([]*taskstore.Task, error) {
	log := o.logger.WithTeam(rt.Team)
	reason := opts.Reason
	if reason == "" {
		reason = "requested"
	}
	rt.setPhase(PhaseStopping)

	if err := rt.Dir.WriteShutdown(teamdir.ShutdownRequest{Reason: reason, RequestedAt: o.now().UTC()}); err != nil {
		log.Warn("could not write shutdown marker", "error", err.Error())
	}

	if opts.AckTimeout > 0 {
		o.awaitShutdownAcks(ctx, rt, opts.AckTimeout)
	}

	rt.watchMu.Lock()
	stop := rt.stopWatchdog
	rt.watchMu.Unlock()
	if stop != nil {
		stop()
	}
	rt.layout.Dispose()

	tasks, listErr := rt.Store.List()
	if listErr != nil {
		log.Warn("could not read final task state", "error", listErr.Error())
	}

	teardownErr := o.panes.Teardown(context.WithoutCancel(ctx), rt.Session, rt.WorkerPanes())
	if teardownErr != nil {
		log.Warn("teardown incomplete", "error", teardownErr.Error())
	}
	rt.clearWorkers()
	rt.setPhase(PhaseStopped)

	if !opts.KeepState {
		if err := rt.Dir.Remove(); err != nil {
			log.Warn("could not remove team directory", "team_dir", rt.Dir.Root(), "error", err.Error())
		}
	}

	log.Info("team shut down", "reason", reason, "kept_state", opts.KeepState)
	o.bus.Publish(event.NewTeamStoppedEvent(rt.Team, reason))
	return tasks, errors.Join(listErr, teardownErr)
}

// awaitShutdownAcks polls until every acknowledging worker has written its
// ack file or timeout passes.
func (o *Orchestrator) awaitShutdownAcks(ctx context.Context, rt *Runtime, timeout time.Duration) {
	var waiting []string
	for _, w := range rt.Workers() {
		if w.AcksShutdown {
			waiting = append(waiting, w.Name)
		}
	}
	if len(waiting) == 0 {
		return
	}

	log := o.logger.WithTeam(rt.Team)
	var waited time.Duration
	for {
		waiting = slices.DeleteFunc(waiting, rt.Dir.HasShutdownAck)
		if len(waiting) == 0 {
			log.Debug("all workers acknowledged shutdown")
			return
		}
		if waited >= timeout {
			log.Warn("shutdown not acknowledged", "workers", waiting)
			return
		}
		if err := o.sleep(ctx, ackPollInterval); err != nil {
			return
		}
		waited += ackPollInterval
	}
}

// Attach rebuilds a Runtime for a team started by another process, without
// starting the watchdog. The team's session must still exist.
func (o *Orchestrator) Attach(ctx context.Context, team string) (*Runtime, error) {
	dir, store, err := o.OpenTeam(team)
	if err != nil {
		return nil, err
	}
	snap, err := dir.ReadSnapshot()
	if err != nil {
		return nil, err
	}

	alive, err := o.panes.SessionAlive(ctx, snap.Session)
	if err != nil {
		return nil, fmt.Errorf("check session %s: %w", snap.Session, err)
	}
	if !alive {
		return nil, fmt.Errorf("team %q session %s: %w", team, snap.Session, errors.ErrSessionNotFound)
	}

	sess := &pane.Session{Name: snap.Session, LeaderPane: snap.LeaderPane, Owned: snap.Owned}
	panes, err := o.panes.ListPanes(ctx, sess.Target())
	if err != nil {
		return nil, err
	}
	if len(panes) == 0 {
		return nil, fmt.Errorf("team %q session %s has no panes: %w", team, snap.Session, errors.ErrSessionNotFound)
	}
	if !slices.ContainsFunc(panes, func(p pane.PaneInfo) bool { return p.ID == sess.LeaderPane }) {
		sess.LeaderPane = panes[0].ID
	}

	rt := o.newRuntime(team, snap.RunID, dir, store, sess)
	rt.Cwd = snap.Cwd
	rt.resolve = agent.ResolveOptions{Model: snap.Model, ExtraArgs: snap.AgentArgs}
	rt.slots = snap.Workers

	var workerPanes []pane.PaneInfo
	for _, p := range panes {
		if p.ID != sess.LeaderPane {
			workerPanes = append(workerPanes, p)
		}
	}
	if err := o.adoptWorkers(ctx, rt, snap.AgentTypes, workerPanes); err != nil {
		return nil, err
	}

	snap.LeaderPane = sess.LeaderPane
	snap.ProcessID = os.Getpid()
	if err := dir.WriteSnapshot(snap); err != nil {
		o.logger.WithTeam(team).Warn("could not update team config", "error", err.Error())
	}
	rt.setPhase(PhaseRunning)
	return rt, nil
}

// adoptWorkers pairs every in-progress task with a surviving pane: first by
// the worker option set on the pane, then by creation order. A task with no
// pane left is rolled back so it can be run again.
func (o *Orchestrator) adoptWorkers(ctx context.Context, rt *Runtime, agentTypes []string, panes []pane.PaneInfo) error {
	log := o.logger.WithTeam(rt.Team)
	inProgress, err := rt.Store.InProgress()
	if err != nil {
		return err
	}

	owners := make(map[string]bool, len(inProgress))
	for _, t := range inProgress {
		owners[t.Owner] = true
	}
	byWorker := make(map[string]string, len(panes))
	for _, p := range panes {
		if p.Worker != "" {
			byWorker[p.Worker] = p.ID
		}
	}
	used := make(map[string]bool, len(panes))
	nextUnclaimed := func() string {
		for _, p := range panes {
			if !used[p.ID] && !owners[p.Worker] {
				return p.ID
			}
		}
		return ""
	}

	// Every surviving pane is tracked, in creation order, so teardown
	// removes panes that no task was paired with.
	rt.mu.Lock()
	for _, p := range panes {
		rt.workerPanes = append(rt.workerPanes, p.ID)
	}
	rt.mu.Unlock()

	now := o.now().UTC()
	for _, t := range inProgress {
		paneID, ok := byWorker[t.Owner]
		if !ok || used[paneID] {
			paneID = nextUnclaimed()
		}
		if paneID == "" {
			log.Warn("no pane left for in-progress task, returning it to pending", "task_id", t.ID, "worker", t.Owner)
			if _, err := rt.Store.Rollback(ctx, t.ID, t.Owner); err != nil {
				return fmt.Errorf("roll back orphaned task %s: %w", t.ID, err)
			}
			continue
		}
		used[paneID] = true

		w := &Worker{Name: t.Owner, PaneID: paneID, TaskID: t.ID, SpawnedAt: now}
		if s, ok := rt.slot(t.Owner); ok {
			w.AgentType = s.AgentType
		} else if len(agentTypes) > 0 {
			w.AgentType = agentTypes[0]
		}
		if spec, err := o.agents.Resolve(w.AgentType, rt.resolve); err == nil {
			w.AcksShutdown = spec.AcksShutdown
			w.Interop = spec.Interop && o.interop != nil
		}
		if !rt.register(w) {
			log.Warn("worker already adopted for another task, returning it to pending", "task_id", t.ID, "worker", t.Owner)
			if _, err := rt.Store.Rollback(ctx, t.ID, t.Owner); err != nil {
				return fmt.Errorf("roll back orphaned task %s: %w", t.ID, err)
			}
			continue
		}
		log.Info("worker adopted", "worker", w.Name, "task_id", t.ID, "pane_id", paneID)
	}

	return nil
}

// ResumeTeam re-attaches to a team and restarts supervision. Adopted
// workers keep running untouched. Slots whose worker did not survive are
// refilled from the pending tasks before the watchdog starts.
func (o *Orchestrator) ResumeTeam(ctx context.Context, team string) (*Runtime, error) {
	if pid, ok := o.Owner(team); ok {
		return nil, fmt.Errorf("team %q is supervised by pid %d: %w", team, pid, errors.ErrTeamRunning)
	}
	rt, err := o.Attach(ctx, team)
	if err != nil {
		return nil, err
	}
	if err := o.fillIdleSlots(ctx, rt); err != nil {
		o.logger.WithTeam(team).Warn("could not refill slots on resume", "error", err.Error())
	}
	o.StartWatchdog(ctx, rt)
	o.logger.WithTeam(team).Info("team resumed", "run_id", rt.RunID, "workers", rt.ActiveCount())
	o.bus.Publish(event.NewTeamStartedEvent(team, rt.RunID, rt.Session.Name, rt.ActiveCount(), true))
	return rt, nil
}

// Owner returns the pid of another live process supervising team, if any.
func (o *Orchestrator) Owner(team string) (int, bool) {
	dir, err := teamdir.New(o.StateDir(), team)
	if err != nil {
		return 0, false
	}
	snap, err := dir.ReadSnapshot()
	if err != nil || snap.ProcessID == 0 || snap.ProcessID == os.Getpid() {
		return 0, false
	}
	if !util.IsProcessAlive(snap.ProcessID) {
		return 0, false
	}
	return snap.ProcessID, true
}
