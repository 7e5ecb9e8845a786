package team

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/layout"
	"github.com/Iron-Ham/panecrew/internal/logging"
	"github.com/Iron-Ham/panecrew/internal/pane"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/Iron-Ham/panecrew/internal/util"
)

// PaneManager is the part of the pane supervisor the orchestrator drives.
// *pane.Supervisor implements it.
type PaneManager interface {
	AcquireSession(ctx context.Context, team, cwd string) (*pane.Session, error)
	CreateWorkerPane(ctx context.Context, sess *pane.Session, lastWorkerPane, worker, cwd, command string) (string, error)
	LaunchCommand(req pane.LaunchRequest) (string, error)
	WaitForReady(ctx context.Context, paneID string) (bool, error)
	AnswerTrustPrompt(ctx context.Context, paneID string) (bool, error)
	SendToWorker(ctx context.Context, paneID, text string) error
	IsWorkerAlive(ctx context.Context, paneID string) (bool, error)
	KillPane(ctx context.Context, paneID string) error
	Teardown(ctx context.Context, sess *pane.Session, workerPanes []string) error
	ListPanes(ctx context.Context, target string) ([]pane.PaneInfo, error)
	SessionAlive(ctx context.Context, name string) (bool, error)
	ApplyLayout(ctx context.Context, sess *pane.Session)
}

// Deps holds the collaborators of an Orchestrator. Panes and Agents are
// required; everything else has a default.
type Deps struct {
	Panes        PaneManager
	Agents       agent.LaunchContract
	Bootstrapper agent.Bootstrapper
	// Interop is engaged for workers whose agent type asks for it. Nil
	// disables interop entirely.
	Interop agent.Interop
	Config  *config.Config
	Logger  *logging.Logger
	Bus     *event.Bus
	// OpenStore opens a team's task store. Nil uses taskstore.New with the
	// lock settings from Config.
	OpenStore func(dir string) (*taskstore.Store, error)
	// Now replaces time.Now.
	Now func() time.Time
	// Sleep replaces the context-aware sleep used while polling for shutdown
	// acknowledgements.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator starts, supervises and stops teams.
type Orchestrator struct {
	panes     PaneManager
	agents    agent.LaunchContract
	boot      agent.Bootstrapper
	interop   agent.Interop
	cfg       *config.Config
	logger    *logging.Logger
	bus       *event.Bus
	openStore func(dir string) (*taskstore.Store, error)
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Panes == nil {
		return nil, errors.New("team: Panes is required")
	}
	if deps.Agents == nil {
		return nil, errors.New("team: Agents is required")
	}

	o := &Orchestrator{
		panes:     deps.Panes,
		agents:    deps.Agents,
		boot:      deps.Bootstrapper,
		interop:   deps.Interop,
		cfg:       deps.Config,
		logger:    deps.Logger,
		bus:       deps.Bus,
		openStore: deps.OpenStore,
		now:       deps.Now,
		sleep:     deps.Sleep,
	}
	if o.boot == nil {
		o.boot = agent.DefaultBootstrapper()
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.openStore == nil {
		o.openStore = func(dir string) (*taskstore.Store, error) {
			return taskstore.New(dir,
				taskstore.WithStaleAfter(o.cfg.Lock.StaleAfter()),
				taskstore.WithRetry(o.cfg.Lock.RetryAttempts, o.cfg.Lock.RetryDelay()),
				taskstore.WithClock(o.now),
				taskstore.WithLogger(o.logger),
			)
		}
	}
	return o, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StateDir returns the root that team directories live under.
func (o *Orchestrator) StateDir() string {
	return o.cfg.Paths.ResolveStateDir()
}

// OpenTeam opens an existing team's directory and task store.
func (o *Orchestrator) OpenTeam(team string) (*teamdir.Dir, *taskstore.Store, error) {
	dir, err := teamdir.New(o.StateDir(), team)
	if err != nil {
		return nil, nil, err
	}
	if !dir.Exists() {
		return nil, nil, fmt.Errorf("team %q has no state at %s: %w", team, dir.Root(), errors.ErrSessionNotFound)
	}
	store, err := o.openStore(dir.TasksDir())
	if err != nil {
		return nil, nil, err
	}
	return dir, store, nil
}

func (o *Orchestrator) newRuntime(team, runID string, dir *teamdir.Dir, store *taskstore.Store, sess *pane.Session) *Runtime {
	rt := newRuntime(team, runID, dir, store, sess)
	if iv := o.cfg.Watchdog.Interval(); iv > 0 {
		rt.poll = iv
	}
	rt.layout = layout.New(func(ctx context.Context) {
		o.panes.ApplyLayout(ctx, rt.Session)
	}, o.cfg.Layout.Debounce())
	return rt
}

// StartTeam validates job, records its tasks and spawns a worker per slot,
// then starts the watchdog. Failed spawns are logged and skipped; their
// tasks stay pending for the next free slot.
func (o *Orchestrator) StartTeam(ctx context.Context, job *Job) (*Runtime, error) {
	if err := job.Validate(o.cfg.Team.MaxWorkers); err != nil {
		return nil, err
	}
	resolve := agent.ResolveOptions{Model: job.Model, ExtraArgs: job.AgentArgs}
	slots := job.Slots()
	for i, s := range slots {
		spec, err := o.agents.Resolve(s.AgentType, resolve)
		if err != nil {
			return nil, fmt.Errorf("agent type %q: %w", s.AgentType, err)
		}
		slots[i].Interop = spec.Interop
	}

	dir, err := teamdir.New(o.StateDir(), job.Team)
	if err != nil {
		return nil, err
	}
	if err := o.clearPreviousRun(ctx, dir); err != nil {
		return nil, err
	}
	if err := dir.Ensure(); err != nil {
		return nil, err
	}
	store, err := o.openStore(dir.TasksDir())
	if err != nil {
		return nil, err
	}

	cwd := job.Cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
	}

	log := o.logger.WithTeam(job.Team)
	for _, jt := range job.Tasks {
		if _, err := store.Create(jt.Subject, jt.Description); err != nil {
			return nil, fmt.Errorf("create task %q: %w", jt.Subject, err)
		}
	}

	runID := uuid.NewString()
	rt := o.newRuntime(job.Team, runID, dir, store, nil)
	rt.Cwd = cwd
	rt.resolve = resolve
	rt.slots = slots

	for _, s := range slots {
		text, err := o.boot.Overlay(o.bootstrapContext(rt, s.Name, s.AgentType, nil))
		if err != nil {
			return nil, fmt.Errorf("render overlay for %s: %w", s.Name, err)
		}
		if err := dir.WriteOverlay(s.Name, text); err != nil {
			return nil, fmt.Errorf("write overlay for %s: %w", s.Name, err)
		}
	}

	sess, err := o.panes.AcquireSession(ctx, job.Team, cwd)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	rt.Session = sess

	snap := &teamdir.Snapshot{
		Team:       job.Team,
		RunID:      runID,
		Session:    sess.Name,
		LeaderPane: sess.LeaderPane,
		Owned:      sess.Owned,
		Cwd:        cwd,
		Model:      job.Model,
		AgentArgs:  job.AgentArgs,
		AgentTypes: job.DistinctAgentTypes(),
		Workers:    slots,
		TmuxSocket: o.cfg.Pane.TmuxSocket,
		CreatedAt:  o.now().UTC(),
		ProcessID:  os.Getpid(),
	}
	if err := dir.WriteSnapshot(snap); err != nil {
		return nil, err
	}

	log.Info("team starting",
		"run_id", runID,
		"session", sess.Name,
		"owned_session", sess.Owned,
		"tasks", len(job.Tasks),
		"slots", len(slots),
	)

	for _, s := range slots {
		if err := o.fillSlot(ctx, rt, s); err != nil {
			log.Warn("initial spawn failed", "worker", s.Name, "error", err.Error())
		}
	}

	rt.setPhase(PhaseRunning)
	o.StartWatchdog(ctx, rt)
	o.bus.Publish(event.NewTeamStartedEvent(job.Team, runID, sess.Name, rt.ActiveCount(), false))
	return rt, nil
}

// clearPreviousRun removes state left by an earlier run of the same team
// name. A run whose orchestrator or dedicated session is still alive is
// refused; it has to be resumed or shut down first.
func (o *Orchestrator) clearPreviousRun(ctx context.Context, dir *teamdir.Dir) error {
	if !dir.Exists() {
		return nil
	}
	if snap, err := dir.ReadSnapshot(); err == nil {
		running := snap.ProcessID != os.Getpid() && util.IsProcessAlive(snap.ProcessID)
		if snap.Owned && snap.Session != "" {
			alive, err := o.panes.SessionAlive(ctx, snap.Session)
			if err != nil {
				return fmt.Errorf("check previous session: %w", err)
			}
			running = running || alive
		}
		if running {
			return fmt.Errorf("team %q (session %s): %w", snap.Team, snap.Session, errors.ErrTeamRunning)
		}
	}
	o.logger.Info("removing state from a previous run", "team_dir", dir.Root())
	if err := dir.Remove(); err != nil {
		return fmt.Errorf("remove previous team state: %w", err)
	}
	return nil
}

// fillSlot spawns a worker for the first pending task it can claim.
// Tasks claimed elsewhere are skipped. It returns nil when there is nothing
// left to run.
func (o *Orchestrator) fillSlot(ctx context.Context, rt *Runtime, s teamdir.WorkerSlot) error {
	pending, err := rt.Store.Pending()
	if err != nil {
		return err
	}
	for _, t := range pending {
		err := o.SpawnWorkerForTask(ctx, rt, s.Name, s.AgentType, t.ID)
		if err == nil || !errors.IsContention(err) {
			return err
		}
	}
	return nil
}

// AssignTask adds a pending task to a running team and, when a worker slot
// is idle, spawns a worker for it. While a tick is in flight the task is
// left pending for the watchdog to hand out. A spawn failure is returned
// alongside the created task, which stays pending.
func (o *Orchestrator) AssignTask(ctx context.Context, rt *Runtime, subject, description string) (*taskstore.Task, error) {
	if subject == "" {
		return nil, errors.NewValidationError("subject is required").WithField("subject")
	}
	t, err := rt.Store.Create(subject, description)
	if err != nil {
		return nil, err
	}
	o.logger.WithTeam(rt.Team).WithTask(t.ID).Info("task assigned", "subject", subject)

	if !rt.ticking.CompareAndSwap(false, true) {
		return t, nil
	}
	defer rt.ticking.Store(false)

	idle := rt.idleSlots()
	if len(idle) == 0 {
		return t, nil
	}
	if err := o.SpawnWorkerForTask(ctx, rt, idle[0].Name, idle[0].AgentType, t.ID); err != nil && !errors.IsContention(err) {
		return t, err
	}
	return t, nil
}

func (o *Orchestrator) bootstrapContext(rt *Runtime, worker, agentType string, t *taskstore.Task) agent.BootstrapContext {
	bc := agent.BootstrapContext{
		Team:          rt.Team,
		Worker:        worker,
		AgentType:     agentType,
		WorkerDir:     rt.Dir.WorkerDir(worker),
		InboxPath:     rt.Dir.InboxPath(worker),
		DonePath:      rt.Dir.DonePath(worker),
		HeartbeatPath: rt.Dir.HeartbeatPath(worker),
		ShutdownPath:  rt.Dir.ShutdownPath(),
		AckPath:       rt.Dir.ShutdownAckPath(worker),
	}
	if t != nil {
		bc.Task = agent.TaskInfo{ID: t.ID, Subject: t.Subject, Description: t.Description}
	}
	return bc
}
