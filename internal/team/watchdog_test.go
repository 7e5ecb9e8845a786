package team

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/pane"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/Iron-Ham/panecrew/internal/testutil"
	"github.com/Iron-Ham/panecrew/internal/util"
)

func TestTick_DoneSignalCompletesAndReassigns(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "first", "second"))
	first := h.worker(rt, "worker-1")

	h.done(rt, "worker-1", "1", "completed", "wrote the docs")
	h.tick(rt)

	task := h.task(rt, "1")
	if task.Status != taskstore.StatusCompleted || task.Summary != "wrote the docs" || task.Result != resultDoneSignal {
		t.Errorf("task 1 = %+v", task)
	}
	if h.fake.Pane(first.PaneID) != nil {
		t.Error("finished worker's pane should be killed")
	}
	if sig, _ := rt.Dir.ReadDone("worker-1"); sig != nil {
		t.Error("consumed done signal should be removed")
	}

	next := h.worker(rt, "worker-1")
	if next.TaskID != "2" || next.PaneID == first.PaneID {
		t.Errorf("replacement = %+v, want task 2 on a new pane", next)
	}
	if next.AgentType != "claude" {
		t.Errorf("replacement agent = %q, want same agent type", next.AgentType)
	}

	h.done(rt, "worker-1", "2", "failed", "could not reproduce")
	h.tick(rt)
	if h.task(rt, "2").Status != taskstore.StatusFailed {
		t.Error("task 2 should record the failed status")
	}
	if rt.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 once all tasks finished", rt.ActiveCount())
	}
	if err := rt.Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}

	if got := h.rec.count(event.TypeTaskFinished); got != 2 {
		t.Errorf("task finished events = %d, want 2", got)
	}
	removed, ok := h.rec.last(event.TypeWorkerRemoved).(event.WorkerRemovedEvent)
	if !ok || removed.Cause != causeDone {
		t.Errorf("removed event = %+v", removed)
	}
}

func TestTick_DeadPaneFailsTask(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "first", "second"))
	w := h.worker(rt, "worker-1")

	h.fake.Update(w.PaneID, func(p *testutil.FakePane) { p.Dead = true })
	h.tick(rt)

	task := h.task(rt, "1")
	if task.Status != taskstore.StatusFailed || task.Summary != summaryPaneExited || task.Result != resultPaneExited {
		t.Errorf("task 1 = %+v", task)
	}
	if next := h.worker(rt, "worker-1"); next.TaskID != "2" {
		t.Errorf("worker-1 should move on to task 2, got %+v", next)
	}
	removed, _ := h.rec.last(event.TypeWorkerRemoved).(event.WorkerRemovedEvent)
	if removed.Cause != causeDead {
		t.Errorf("removal cause = %q, want %q", removed.Cause, causeDead)
	}
}

func TestTick_VanishedPaneFailsTask(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "only"))
	w := h.worker(rt, "worker-1")

	if err := h.sup.KillPane(context.Background(), w.PaneID); err != nil {
		t.Fatalf("KillPane: %v", err)
	}
	h.tick(rt)

	if h.task(rt, "1").Status != taskstore.StatusFailed {
		t.Error("a pane that no longer exists counts as dead")
	}
}

func TestTick_DoneSignalWinsOverDeadPane(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "only"))
	w := h.worker(rt, "worker-1")

	h.done(rt, "worker-1", "1", "completed", "finished then exited")
	h.fake.Update(w.PaneID, func(p *testutil.FakePane) { p.Dead = true })
	h.tick(rt)

	if task := h.task(rt, "1"); task.Status != taskstore.StatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
}

func TestTick_DoneSignalEdgeCases(t *testing.T) {
	t.Run("unknown status is a failure", func(t *testing.T) {
		h := newHarness(t)
		rt := h.start(jobWith([]string{"claude"}, "only"))
		h.done(rt, "worker-1", "1", "mostly-done", "")
		h.tick(rt)
		if h.task(rt, "1").Status != taskstore.StatusFailed {
			t.Error("a non-terminal status should be recorded as failed")
		}
	})

	t.Run("signal for another task is ignored", func(t *testing.T) {
		h := newHarness(t)
		rt := h.start(jobWith([]string{"claude"}, "only"))
		h.done(rt, "worker-1", "99", "completed", "leftover")
		h.tick(rt)
		if h.task(rt, "1").Status != taskstore.StatusInProgress {
			t.Error("a stale signal must not finish the current task")
		}
		if sig, _ := rt.Dir.ReadDone("worker-1"); sig != nil {
			t.Error("stale signal should be removed")
		}
		if _, ok := rt.Worker("worker-1"); !ok {
			t.Error("worker should stay active")
		}
	})

	t.Run("signal without a task id applies to the current task", func(t *testing.T) {
		h := newHarness(t)
		rt := h.start(jobWith([]string{"claude"}, "only"))
		h.done(rt, "worker-1", "", "completed", "done")
		h.tick(rt)
		if h.task(rt, "1").Status != taskstore.StatusCompleted {
			t.Error("signal should complete the current task")
		}
	})
}

func TestTick_StallEscalation(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "first", "second"))
	first := h.worker(rt, "worker-1")

	h.clock.Advance(61 * time.Second)
	for i := 1; i < 3; i++ {
		h.tick(rt)
		w := h.worker(rt, "worker-1")
		if w.StallCount != i || w.TaskID != "1" {
			t.Fatalf("after tick %d: %+v", i, w)
		}
	}
	if h.rec.count(event.TypeWorkerStalled) != 2 {
		t.Errorf("stalled events = %d, want 2", h.rec.count(event.TypeWorkerStalled))
	}

	h.tick(rt)
	task := h.task(rt, "1")
	if task.Status != taskstore.StatusFailed || task.Result != resultStalled {
		t.Fatalf("task 1 = %+v", task)
	}
	if !strings.HasPrefix(task.Summary, "worker stalled: no heartbeat for") {
		t.Errorf("summary = %q", task.Summary)
	}
	if h.fake.Pane(first.PaneID) != nil {
		t.Error("stalled pane should be killed")
	}
	next := h.worker(rt, "worker-1")
	if next.TaskID != "2" || next.StallCount != 0 {
		t.Errorf("replacement = %+v", next)
	}
}

func TestTick_FreshHeartbeatResetsStall(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "only"))

	h.clock.Advance(61 * time.Second)
	h.tick(rt)
	h.tick(rt)
	if w := h.worker(rt, "worker-1"); w.StallCount != 2 {
		t.Fatalf("StallCount = %d, want 2", w.StallCount)
	}

	hb := teamdir.Heartbeat{UpdatedAt: h.clock.Now(), CurrentTaskID: "1"}
	if err := rt.Dir.WriteHeartbeat("worker-1", hb); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	h.tick(rt)
	if w := h.worker(rt, "worker-1"); w.StallCount != 0 {
		t.Errorf("StallCount = %d, want reset to 0", w.StallCount)
	}
	if h.task(rt, "1").Status != taskstore.StatusInProgress {
		t.Error("task should still be running")
	}
}

func TestTick_StallDisabled(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *config.Config) { cfg.Watchdog.StallAfterSeconds = 0 }))
	rt := h.start(jobWith([]string{"claude"}, "only"))

	h.clock.Advance(24 * time.Hour)
	for range 5 {
		h.tick(rt)
	}
	if w := h.worker(rt, "worker-1"); w.StallCount != 0 {
		t.Errorf("StallCount = %d with stall detection off", w.StallCount)
	}
}

func TestTick_ReassignSkipsFailedSpawn(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "first", "second"))

	h.fake.SetFail("split-window", errors.New("no space for new pane"))
	h.done(rt, "worker-1", "1", "completed", "")
	h.tick(rt)

	if h.task(rt, "2").Status != taskstore.StatusPending {
		t.Error("task 2 should be rolled back after the failed respawn")
	}
	if rt.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", rt.ActiveCount())
	}
}

func TestTick_NoWorkers(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "only"))
	h.done(rt, "worker-1", "1", "completed", "")
	h.tick(rt)

	calls := len(h.fake.Calls())
	h.tick(rt)
	if len(h.fake.Calls()) != calls {
		t.Error("a tick with no workers should not touch tmux")
	}
}

func TestTick_NotReentrant(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "only"))
	h.done(rt, "worker-1", "1", "completed", "")

	rt.ticking.Store(true)
	if err := h.orch.Tick(context.Background(), rt); !errors.Is(err, ErrTickSkipped) {
		t.Fatalf("overlapping Tick = %v, want ErrTickSkipped", err)
	}
	if h.task(rt, "1").Status != taskstore.StatusInProgress {
		t.Error("a tick overlapping another must do nothing")
	}

	rt.ticking.Store(false)
	h.tick(rt)
	if h.task(rt, "1").Status != taskstore.StatusCompleted {
		t.Error("the next tick should process the signal")
	}
}

func TestTick_ReportsLivenessErrors(t *testing.T) {
	flaky := &flakyPanes{}
	h := newHarness(t, withPanes(flaky.wrap))
	rt := h.start(jobWith([]string{"claude"}, "only"))

	flaky.failAlive.Store(true)
	err := h.orch.Tick(context.Background(), rt)
	if err == nil || !strings.Contains(err.Error(), "worker-1") {
		t.Fatalf("Tick = %v, want an error naming the worker", err)
	}
	if h.task(rt, "1").Status != taskstore.StatusInProgress {
		t.Error("an unknown liveness must not fail the task")
	}
}

// flakyPanes lets a test break liveness checks on demand. A script, when
// set, decides the next liveness checks one by one: true fails the check.
type flakyPanes struct {
	*pane.Supervisor
	failAlive atomic.Bool

	mu     sync.Mutex
	script []bool
}

func (f *flakyPanes) wrap(s *pane.Supervisor) PaneManager {
	f.Supervisor = s
	return f
}

func (f *flakyPanes) setScript(script ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = script
}

func (f *flakyPanes) scriptDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.script) == 0
}

func (f *flakyPanes) IsWorkerAlive(ctx context.Context, paneID string) (bool, error) {
	f.mu.Lock()
	fail := f.failAlive.Load()
	if len(f.script) > 0 {
		fail, f.script = f.script[0], f.script[1:]
	}
	f.mu.Unlock()
	if fail {
		return false, errors.New("tmux server not responding")
	}
	return f.Supervisor.IsWorkerAlive(ctx, paneID)
}

func TestWatchdog_CircuitBreaker(t *testing.T) {
	flaky := &flakyPanes{}
	h := newHarness(t, withPanes(flaky.wrap), withConfig(func(cfg *config.Config) {
		cfg.Watchdog.IntervalMs = 5
		cfg.Watchdog.MaxFailures = 3
	}))
	rt := h.start(jobWith([]string{"claude"}, "only"))

	flaky.failAlive.Store(true)
	select {
	case <-rt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not trip")
	}

	if err := rt.Failed(); !errors.Is(err, errors.ErrWatchdogFailed) {
		t.Fatalf("Failed = %v, want ErrWatchdogFailed", err)
	}
	if rt.Phase() != PhaseFailed {
		t.Errorf("phase = %s, want failed", rt.Phase())
	}
	f, err := rt.Dir.ReadWatchdogFailed()
	if err != nil || f == nil {
		t.Fatalf("ReadWatchdogFailed = %+v, %v", f, err)
	}
	if f.ConsecutiveFailures != 3 || !strings.Contains(f.LastError, "tmux server not responding") {
		t.Errorf("failure marker = %+v", f)
	}
	if h.rec.count(event.TypeWatchdogFailed) != 1 {
		t.Error("watchdog failure should be published once")
	}
	if err := rt.Wait(context.Background()); !errors.Is(err, errors.ErrWatchdogFailed) {
		t.Errorf("Wait = %v, want ErrWatchdogFailed", err)
	}
	if errors.GetSeverity(rt.Failed()) != errors.SeverityCritical {
		t.Error("watchdog failure should be critical")
	}
}

func TestWatchdog_SuccessResetsFailureCount(t *testing.T) {
	flaky := &flakyPanes{}
	// Four failures in all, never three in a row.
	flaky.setScript(true, true, false, true, true)
	h := newHarness(t, withPanes(flaky.wrap), withConfig(func(cfg *config.Config) {
		cfg.Watchdog.IntervalMs = 5
		cfg.Watchdog.MaxFailures = 3
	}))
	rt := h.start(jobWith([]string{"claude"}, "only"))

	deadline := time.Now().Add(5 * time.Second)
	for !flaky.scriptDone() {
		if time.Now().After(deadline) {
			t.Fatal("watchdog did not run the scripted ticks")
		}
		select {
		case <-rt.Done():
			t.Fatalf("watchdog stopped early: %v", rt.Failed())
		case <-time.After(time.Millisecond):
		}
	}

	h.done(rt, "worker-1", "1", "completed", "")
	if err := rt.Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if rt.Failed() != nil {
		t.Errorf("Failed = %v, want nil", rt.Failed())
	}
	if f, _ := rt.Dir.ReadWatchdogFailed(); f != nil {
		t.Errorf("failure marker written: %+v", f)
	}
	if h.rec.count(event.TypeWatchdogFailed) != 0 {
		t.Error("no watchdog failure should be published")
	}
}

func TestWatchdog_SkippedTicksDoNotResetFailures(t *testing.T) {
	flaky := &flakyPanes{}
	h := newHarness(t, withPanes(flaky.wrap), withConfig(func(cfg *config.Config) {
		cfg.Watchdog.IntervalMs = 5
		cfg.Watchdog.MaxFailures = 3
	}))
	rt := h.start(jobWith([]string{"claude"}, "only"))

	// Each failing tick is followed by ticks that find the guard held.
	flaky.failAlive.Store(true)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			if rt.ticking.CompareAndSwap(false, true) {
				time.Sleep(7 * time.Millisecond)
				rt.ticking.Store(false)
			}
		}
	}()

	select {
	case <-rt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("skipped ticks kept the watchdog from tripping")
	}
	if err := rt.Failed(); !errors.Is(err, errors.ErrWatchdogFailed) {
		t.Errorf("Failed = %v, want ErrWatchdogFailed", err)
	}
}

// panickingInterop panics when asked for completion.
type panickingInterop struct{}

func (panickingInterop) Bootstrap(context.Context, agent.InteropContext) error { return nil }

func (panickingInterop) PollCompletion(context.Context, agent.InteropContext) (*teamdir.DoneSignal, error) {
	panic("interop poll blew up")
}

func TestWatchdog_PanicCountsAsFailure(t *testing.T) {
	h := newHarness(t,
		withDeps(func(d *Deps) { d.Interop = panickingInterop{} }),
		withConfig(func(cfg *config.Config) {
			cfg.Watchdog.IntervalMs = 5
			cfg.Watchdog.MaxFailures = 2
		}),
	)
	rt := h.start(jobWith([]string{"foreign"}, "bridged"))

	select {
	case <-rt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not trip")
	}
	if err := rt.Failed(); !errors.Is(err, errors.ErrWatchdogFailed) {
		t.Fatalf("Failed = %v, want ErrWatchdogFailed", err)
	}
	f, err := rt.Dir.ReadWatchdogFailed()
	if err != nil || f == nil {
		t.Fatalf("ReadWatchdogFailed = %+v, %v", f, err)
	}
	if f.ConsecutiveFailures != 2 || !strings.Contains(f.LastError, "interop poll blew up") {
		t.Errorf("failure marker = %+v", f)
	}
	if rt.ticking.Load() {
		t.Error("a panicking tick must release the tick guard")
	}
}

func TestStartWatchdog_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "only"))

	stop := h.orch.StartWatchdog(context.Background(), rt)
	again := h.orch.StartWatchdog(context.Background(), rt)
	stop()
	again()

	select {
	case <-rt.Done():
	default:
		t.Fatal("Done should be closed after stop")
	}
	if rt.Failed() != nil {
		t.Error("a stopped watchdog is not a failed one")
	}
}

func TestWatchdog_DoneFileWakesEarly(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *config.Config) { cfg.Watchdog.WatchFiles = true }))
	rt := h.start(jobWith([]string{"claude"}, "only"))

	h.done(rt, "worker-1", "1", "completed", "")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task, err := rt.Store.Read("1"); err == nil && task.Status == taskstore.StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("done.json did not trigger a tick before the hour-long interval")
}

func TestTick_Interop(t *testing.T) {
	interop := agent.NewStatusFileInterop()
	h := newHarness(t, withDeps(func(d *Deps) { d.Interop = interop }))
	rt := h.start(jobWith([]string{"foreign"}, "bridged"))

	w := h.worker(rt, "worker-1")
	if !w.Interop {
		t.Fatal("foreign agent should run with interop")
	}
	var ft agent.ForeignTask
	if err := util.ReadJSON(agent.ForeignTaskPath(rt.Dir, "worker-1"), &ft); err != nil {
		t.Fatalf("bootstrap record: %v", err)
	}
	if ft.ID != "1" || ft.State != "open" {
		t.Errorf("foreign task = %+v", ft)
	}

	h.tick(rt)
	if h.task(rt, "1").Status != taskstore.StatusInProgress {
		t.Fatal("open foreign task must not finish")
	}

	ft.State, ft.Summary = "resolved", "bridged ok"
	if err := util.WriteJSON(agent.ForeignTaskPath(rt.Dir, "worker-1"), ft); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	h.tick(rt)
	task := h.task(rt, "1")
	if task.Status != taskstore.StatusCompleted || task.Summary != "bridged ok" {
		t.Errorf("task = %+v", task)
	}
}

// brokenInterop fails every hook.
type brokenInterop struct{}

func (brokenInterop) Bootstrap(context.Context, agent.InteropContext) error {
	return errors.New("bootstrap exploded")
}

func (brokenInterop) PollCompletion(context.Context, agent.InteropContext) (*teamdir.DoneSignal, error) {
	return nil, errors.New("poll exploded")
}

func TestTick_InteropFailuresAreRecorded(t *testing.T) {
	h := newHarness(t, withDeps(func(d *Deps) { d.Interop = brokenInterop{} }))
	rt := h.start(jobWith([]string{"foreign"}, "bridged"))

	if _, ok := rt.Worker("worker-1"); !ok {
		t.Fatal("a failing bootstrap hook must not abort the spawn")
	}
	var ie teamdir.InteropError
	if err := util.ReadJSON(rt.Dir.InteropErrorPath("worker-1"), &ie); err != nil {
		t.Fatalf("interop error not recorded: %v", err)
	}
	if ie.Stage != "bootstrap" {
		t.Errorf("stage = %q, want bootstrap", ie.Stage)
	}

	h.tick(rt)
	if err := util.ReadJSON(rt.Dir.InteropErrorPath("worker-1"), &ie); err != nil || ie.Stage != "poll" {
		t.Errorf("poll failure = %+v, %v", ie, err)
	}

	// The native signal still works.
	h.done(rt, "worker-1", "1", "completed", "")
	h.tick(rt)
	if h.task(rt, "1").Status != taskstore.StatusCompleted {
		t.Error("native done signal should complete the task")
	}
}

func TestTick_InteropDisabledWithoutAdapter(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"foreign"}, "bridged"))
	if w := h.worker(rt, "worker-1"); w.Interop {
		t.Error("without an adapter interop stays off")
	}
}

func TestTick_FillsIdleSlots(t *testing.T) {
	t.Run("task added by another process", func(t *testing.T) {
		h := newHarness(t)
		rt := h.start(jobWith([]string{"claude"}, "first"))
		h.done(rt, "worker-1", "1", "completed", "")
		h.tick(rt)
		if rt.ActiveCount() != 0 {
			t.Fatalf("ActiveCount = %d, want 0", rt.ActiveCount())
		}

		late, err := rt.Store.Create("late", "added from the command line")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		h.tick(rt)
		if w := h.worker(rt, "worker-1"); w.TaskID != late.ID {
			t.Errorf("worker-1 runs %q, want %q", w.TaskID, late.ID)
		}
	})

	t.Run("initial spawn failure is retried", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetFail("split-window", errors.New("no space for new pane"))
		rt := h.start(jobWith([]string{"claude"}, "first"))
		if rt.ActiveCount() != 0 {
			t.Fatal("spawn should have failed")
		}

		h.tick(rt)
		if rt.ActiveCount() != 0 || h.task(rt, "1").Status != taskstore.StatusPending {
			t.Fatal("a failing spawn keeps the task pending")
		}

		h.fake.SetFail("split-window", nil)
		h.tick(rt)
		if w := h.worker(rt, "worker-1"); w.TaskID != "1" {
			t.Errorf("worker-1 = %+v", w)
		}
	})

	t.Run("not while stopping", func(t *testing.T) {
		h := newHarness(t)
		rt := h.start(jobWith([]string{"claude"}, "first"))
		h.done(rt, "worker-1", "1", "completed", "")
		h.tick(rt)
		if _, err := rt.Store.Create("late", ""); err != nil {
			t.Fatalf("Create: %v", err)
		}

		rt.setPhase(PhaseStopping)
		h.tick(rt)
		if rt.ActiveCount() != 0 {
			t.Error("no worker should be started during shutdown")
		}
	})
}
