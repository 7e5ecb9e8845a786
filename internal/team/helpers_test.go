package team

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/pane"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/Iron-Ham/panecrew/internal/testutil"
	"github.com/Iron-Ham/panecrew/internal/tmux"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) last(eventType string) event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType() == eventType {
			return r.events[i]
		}
	}
	return nil
}

type harness struct {
	t     *testing.T
	fake  *testutil.FakeTmux
	cfg   *config.Config
	clock *fakeClock
	rec   *recorder
	env   map[string]string
	sup   *pane.Supervisor
	orch  *Orchestrator

	// wrapPanes replaces the pane manager handed to the orchestrator.
	wrapPanes func(*pane.Supervisor) PaneManager
	deps      Deps
}

type harnessOption func(h *harness)

func withConfig(fn func(cfg *config.Config)) harnessOption {
	return func(h *harness) { fn(h.cfg) }
}

func withEnv(env map[string]string) harnessOption {
	return func(h *harness) { h.env = env }
}

func withPanes(wrap func(*pane.Supervisor) PaneManager) harnessOption {
	return func(h *harness) { h.wrapPanes = wrap }
}

func withDeps(fn func(d *Deps)) harnessOption {
	return func(h *harness) { fn(&h.deps) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Pane.Shell = "/bin/sh"
	cfg.Watchdog.IntervalMs = int(time.Hour / time.Millisecond)
	cfg.Watchdog.WatchFiles = false
	cfg.Layout.DebounceMs = 1
	cfg.Agents = map[string]config.AgentConfig{
		"ackbot":  {Binary: "ackbot", PromptPositional: true, AcksShutdown: true},
		"foreign": {Binary: "foreign", PromptPositional: true, Interop: true},
	}

	h := &harness{
		t:     t,
		fake:  testutil.NewFakeTmux(),
		cfg:   cfg,
		clock: newFakeClock(),
		rec:   &recorder{},
		env:   map[string]string{},
	}
	for _, opt := range opts {
		opt(h)
	}

	bus := event.NewBus()
	bus.SubscribeAll(h.rec.record)

	env := h.env
	h.sup = pane.NewSupervisor(tmux.NewClient(h.fake),
		pane.WithSettings(pane.SettingsFromConfig(cfg)),
		pane.WithEnv(func(k string) string { return env[k] }),
		pane.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)

	deps := h.deps
	deps.Panes = h.sup
	if h.wrapPanes != nil {
		deps.Panes = h.wrapPanes(h.sup)
	}
	deps.Agents = agent.NewRegistry(cfg.Agents, agent.WithLookPath(func(name string) (string, error) {
		return "/usr/local/bin/" + name, nil
	}))
	deps.Config = cfg
	deps.Bus = bus
	deps.Now = h.clock.Now
	if deps.Sleep == nil {
		deps.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	}

	orch, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	return h
}

// start runs StartTeam and stops the runtime's background work when the
// test ends.
func (h *harness) start(job *Job) *Runtime {
	h.t.Helper()
	rt, err := h.orch.StartTeam(context.Background(), job)
	if err != nil {
		h.t.Fatalf("StartTeam: %v", err)
	}
	h.cleanup(rt)
	return rt
}

func (h *harness) cleanup(rt *Runtime) {
	h.t.Cleanup(func() {
		rt.watchMu.Lock()
		stop := rt.stopWatchdog
		rt.watchMu.Unlock()
		if stop != nil {
			stop()
		}
		rt.layout.Dispose()
	})
}

func (h *harness) tick(rt *Runtime) {
	h.t.Helper()
	if err := h.orch.Tick(context.Background(), rt); err != nil {
		h.t.Fatalf("Tick: %v", err)
	}
}

func (h *harness) task(rt *Runtime, id string) *taskstore.Task {
	h.t.Helper()
	task, err := rt.Store.Read(id)
	if err != nil {
		h.t.Fatalf("Read(%s): %v", id, err)
	}
	return task
}

func (h *harness) worker(rt *Runtime, name string) Worker {
	h.t.Helper()
	w, ok := rt.Worker(name)
	if !ok {
		h.t.Fatalf("worker %s is not active", name)
	}
	return w
}

func (h *harness) done(rt *Runtime, worker, taskID, status, summary string) {
	h.t.Helper()
	sig := teamdir.DoneSignal{TaskID: taskID, Status: status, Summary: summary, CompletedAt: h.clock.Now()}
	if err := rt.Dir.WriteDone(worker, sig); err != nil {
		h.t.Fatalf("WriteDone: %v", err)
	}
}

func (h *harness) submitted(paneID, text string) bool {
	var ok bool
	h.fake.Update(paneID, func(p *testutil.FakePane) { ok = slices.Contains(p.Submitted, text) })
	return ok
}

func jobWith(agentTypes []string, subjects ...string) *Job {
	j := &Job{Team: "alpha", AgentTypes: agentTypes, Cwd: "/work"}
	for _, s := range subjects {
		j.Tasks = append(j.Tasks, JobTask{Subject: s, Description: s + " in detail"})
	}
	return j
}
