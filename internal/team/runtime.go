package team

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/layout"
	"github.com/Iron-Ham/panecrew/internal/pane"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
)

// Runtime is the in-memory state of one supervised team.
// It is safe for concurrent use.
type Runtime struct {
	Team    string
	RunID   string
	Session *pane.Session
	Dir     *teamdir.Dir
	Store   *taskstore.Store
	Cwd     string

	resolve agent.ResolveOptions
	slots   []teamdir.WorkerSlot
	layout  *layout.Stabilizer
	poll    time.Duration

	mu          sync.Mutex
	phase       Phase
	workerPanes []string
	active      map[string]*Worker
	failure     *teamdir.WatchdogFailure

	// ticking serializes Tick, AssignTask spawns and the idle check.
	ticking atomic.Bool

	watchMu      sync.Mutex
	stopWatchdog func()
	done         chan struct{}
}

func newRuntime(team, runID string, dir *teamdir.Dir, store *taskstore.Store, sess *pane.Session) *Runtime {
	return &Runtime{
		Team:    team,
		RunID:   runID,
		Session: sess,
		Dir:     dir,
		Store:   store,
		phase:   PhaseStarting,
		active:  make(map[string]*Worker),
		poll:    time.Second,
		done:    make(chan struct{}),
	}
}

// Phase returns the current lifecycle phase.
func (rt *Runtime) Phase() Phase {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.phase
}

func (rt *Runtime) setPhase(p Phase) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.phase.IsTerminal() {
		return
	}
	rt.phase = p
}

// Slots returns the team's worker slots.
func (rt *Runtime) Slots() []teamdir.WorkerSlot {
	return slices.Clone(rt.slots)
}

func (rt *Runtime) slot(name string) (teamdir.WorkerSlot, bool) {
	for _, s := range rt.slots {
		if s.Name == name {
			return s, true
		}
	}
	return teamdir.WorkerSlot{}, false
}

// Workers returns a copy of the active workers ordered by name.
func (rt *Runtime) Workers() []Worker {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]Worker, 0, len(rt.active))
	for _, name := range slices.Sorted(maps.Keys(rt.active)) {
		out = append(out, *rt.active[name])
	}
	return out
}

// Worker returns the active worker with the given name.
func (rt *Runtime) Worker(name string) (Worker, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	w, ok := rt.active[name]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// ActiveCount returns the number of active workers.
func (rt *Runtime) ActiveCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.active)
}

// WorkerPanes returns every worker pane id created for the team, in order.
func (rt *Runtime) WorkerPanes() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return slices.Clone(rt.workerPanes)
}

func (rt *Runtime) lastWorkerPane() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.workerPanes) == 0 {
		return ""
	}
	return rt.workerPanes[len(rt.workerPanes)-1]
}

// register adds w to the active workers. It refuses a name that another
// pane is already running under.
func (rt *Runtime) register(w *Worker) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cur, ok := rt.active[w.Name]; ok && cur.PaneID != w.PaneID {
		return false
	}
	rt.active[w.Name] = w
	if !slices.Contains(rt.workerPanes, w.PaneID) {
		rt.workerPanes = append(rt.workerPanes, w.PaneID)
	}
	return true
}

// remove drops a worker whose pane has been killed.
func (rt *Runtime) remove(name, paneID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if w, ok := rt.active[name]; ok && w.PaneID == paneID {
		delete(rt.active, name)
	}
	rt.workerPanes = slices.DeleteFunc(rt.workerPanes, func(id string) bool { return id == paneID })
}

func (rt *Runtime) clearWorkers() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	clear(rt.active)
	rt.workerPanes = nil
}

// noteStall increments a worker's stall counter and returns the new value.
func (rt *Runtime) noteStall(name string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	w, ok := rt.active[name]
	if !ok {
		return 0
	}
	w.StallCount++
	return w.StallCount
}

func (rt *Runtime) resetStall(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if w, ok := rt.active[name]; ok {
		w.StallCount = 0
	}
}

func (rt *Runtime) idleSlots() []teamdir.WorkerSlot {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var idle []teamdir.WorkerSlot
	for _, s := range rt.slots {
		if _, busy := rt.active[s.Name]; !busy {
			idle = append(idle, s)
		}
	}
	return idle
}

func (rt *Runtime) fail(f teamdir.WatchdogFailure) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failure = &f
	rt.phase = PhaseFailed
}

// Failed returns an error matching ErrWatchdogFailed once the watchdog has
// given up, and nil before that.
func (rt *Runtime) Failed() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.failure == nil {
		return nil
	}
	return fmt.Errorf("%w after %d consecutive failures: %s",
		errors.ErrWatchdogFailed, rt.failure.ConsecutiveFailures, rt.failure.LastError)
}

// Done is closed when the watchdog loop exits.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.done
}

// Wait blocks until every task has finished, the watchdog stops, a shutdown
// is requested, or ctx is cancelled. It returns an error matching
// ErrNoWorkers when tasks remain but nothing is running them.
func (rt *Runtime) Wait(ctx context.Context) error {
	ticker := time.NewTicker(rt.poll)
	defer ticker.Stop()

	for {
		if err := rt.Failed(); err != nil {
			return err
		}
		// Sampled before the task check: with no worker and no tick in
		// flight, nothing can finish a task in between.
		idle := rt.idle()
		finished, err := rt.Store.AllTerminal()
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
		if req, _ := rt.Dir.ReadShutdown(); req != nil {
			return nil
		}
		if idle {
			return fmt.Errorf("team %s: %w", rt.Team, errors.ErrNoWorkers)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.done:
			if err := rt.Failed(); err != nil {
				return err
			}
			if finished, err := rt.Store.AllTerminal(); err == nil && finished {
				return nil
			}
			if p := rt.Phase(); p == PhaseStopping || p == PhaseStopped {
				return nil
			}
			return fmt.Errorf("team %s: watchdog stopped with tasks unfinished", rt.Team)
		case <-ticker.C:
		}
	}
}

// idle reports whether no worker is active while no tick is in flight. A
// tick briefly empties the map between retiring a worker and spawning its
// replacement, so the check excludes ticks.
func (rt *Runtime) idle() bool {
	if !rt.ticking.CompareAndSwap(false, true) {
		return false
	}
	defer rt.ticking.Store(false)
	return rt.ActiveCount() == 0
}
