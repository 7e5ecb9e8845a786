package team

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/testutil"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{Agents: agent.NewRegistry(nil)}); err == nil {
		t.Error("New without Panes should fail")
	}
	h := newHarness(t)
	if _, err := New(Deps{Panes: h.sup}); err == nil {
		t.Error("New without Agents should fail")
	}
}

func TestStartTeam_SpawnsOneWorkerPerSlot(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "first", "second"))

	if rt.Phase() != PhaseRunning {
		t.Errorf("phase = %s, want running", rt.Phase())
	}
	if rt.RunID == "" {
		t.Error("run id not assigned")
	}
	if !rt.Session.Owned || rt.Session.Name != "panecrew-alpha" {
		t.Errorf("session = %+v", rt.Session)
	}

	w := h.worker(rt, "worker-1")
	if w.TaskID != "1" || w.AgentType != "claude" {
		t.Errorf("worker = %+v", w)
	}
	if got := rt.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	task := h.task(rt, "1")
	if task.Status != taskstore.StatusInProgress || task.Owner != "worker-1" {
		t.Errorf("task 1 = %s owner %q", task.Status, task.Owner)
	}
	if h.task(rt, "2").Status != taskstore.StatusPending {
		t.Error("task 2 should wait for a free slot")
	}

	inbox, err := os.ReadFile(rt.Dir.InboxPath("worker-1"))
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if !strings.Contains(string(inbox), "Task 1: first") || !strings.Contains(string(inbox), rt.Dir.DonePath("worker-1")) {
		t.Errorf("inbox = %q", inbox)
	}
	if _, err := os.Stat(rt.Dir.OverlayPath("worker-1")); err != nil {
		t.Errorf("overlay not written: %v", err)
	}
	hb, err := rt.Dir.ReadHeartbeat("worker-1")
	if err != nil || hb == nil || hb.CurrentTaskID != "1" {
		t.Errorf("heartbeat = %+v, %v", hb, err)
	}

	trigger := agent.TriggerMessage(rt.Dir.InboxPath("worker-1"))
	if !h.submitted(w.PaneID, trigger) {
		t.Error("trigger message was not submitted to the worker pane")
	}
	cmd := h.fake.Pane(w.PaneID).Command
	for _, want := range []string{EnvTeam + "=", EnvWorker + "=", EnvTaskID + "=", "/usr/local/bin/claude"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("launch command %q missing %q", cmd, want)
		}
	}

	snap, err := rt.Dir.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.RunID != rt.RunID || snap.Session != "panecrew-alpha" || len(snap.Workers) != 1 || snap.Cwd != "/work" {
		t.Errorf("snapshot = %+v", snap)
	}

	if h.rec.count(event.TypeWorkerSpawned) != 1 || h.rec.count(event.TypeTeamStarted) != 1 {
		t.Errorf("events: spawned=%d started=%d", h.rec.count(event.TypeWorkerSpawned), h.rec.count(event.TypeTeamStarted))
	}
}

func TestStartTeam_PromptModeSkipsSend(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude", "codex"}, "a", "b", "c"))

	if rt.ActiveCount() != 2 {
		t.Fatalf("ActiveCount = %d, want 2", rt.ActiveCount())
	}
	codex := h.worker(rt, "worker-2")
	if codex.AgentType != "codex" {
		t.Fatalf("worker-2 agent = %q", codex.AgentType)
	}
	trigger := agent.TriggerMessage(rt.Dir.InboxPath("worker-2"))
	if !strings.Contains(h.fake.Pane(codex.PaneID).Command, "Read your inbox at") {
		t.Errorf("prompt-mode agent should get the trigger as an argument: %q", h.fake.Pane(codex.PaneID).Command)
	}
	if h.submitted(codex.PaneID, trigger) {
		t.Error("prompt-mode agent should not be typed into")
	}

	claude := h.worker(rt, "worker-1")
	if !h.submitted(claude.PaneID, agent.TriggerMessage(rt.Dir.InboxPath("worker-1"))) {
		t.Error("interactive agent should be sent the trigger")
	}
}

func TestStartTeam_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		job     *Job
		wantErr error
	}{
		{name: "bad team name", job: &Job{Team: "Bad Name", AgentTypes: []string{"claude"}, Tasks: []JobTask{{Subject: "x"}}}, wantErr: errors.ErrInvalidName},
		{name: "no tasks", job: &Job{Team: "alpha", AgentTypes: []string{"claude"}}, wantErr: errors.ErrInvalidInput},
		{name: "unknown agent", job: jobWith([]string{"nope"}, "x"), wantErr: errors.ErrAgentUnavailable},
		{name: "too many workers", job: &Job{Team: "alpha", AgentTypes: []string{"claude"}, WorkerCount: 9, Tasks: []JobTask{{Subject: "x"}}}, wantErr: errors.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.orch.StartTeam(context.Background(), tt.job)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartTeam = %v, want %v", err, tt.wantErr)
			}
			if h.fake.CallCount("new-session") != 0 {
				t.Error("no session should be created for a rejected job")
			}
		})
	}
}

func TestStartTeam_RefusesLiveTeam(t *testing.T) {
	h := newHarness(t)
	h.start(jobWith([]string{"claude"}, "a"))

	_, err := h.orch.StartTeam(context.Background(), jobWith([]string{"claude"}, "b"))
	if !errors.Is(err, errors.ErrTeamRunning) {
		t.Fatalf("second StartTeam = %v, want ErrTeamRunning", err)
	}
}

func TestStartTeam_ReplacesStaleState(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "old"))
	if _, err := h.orch.ShutdownTeam(context.Background(), rt, ShutdownOptions{KeepState: true}); err != nil {
		t.Fatalf("ShutdownTeam: %v", err)
	}

	rt2 := h.start(jobWith([]string{"claude"}, "new"))
	tasks, err := rt2.Store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Subject != "new" {
		t.Errorf("tasks = %+v, want only the new run's task", tasks)
	}
	if req, _ := rt2.Dir.ReadShutdown(); req != nil {
		t.Error("old shutdown marker survived")
	}
}

func TestStartTeam_SpawnFailureLeavesTaskPending(t *testing.T) {
	h := newHarness(t)
	h.fake.SetFail("split-window", errors.New("no space for new pane"))

	rt := h.start(jobWith([]string{"claude"}, "a"))
	if rt.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", rt.ActiveCount())
	}
	if h.task(rt, "1").Status != taskstore.StatusPending {
		t.Error("task should be rolled back to pending")
	}
	ev, ok := h.rec.last(event.TypeWorkerSpawnFailed).(event.WorkerSpawnFailedEvent)
	if !ok || ev.Reason != errors.ReasonPaneFailed {
		t.Errorf("spawn failed event = %+v", ev)
	}
	if err := rt.Wait(context.Background()); !errors.Is(err, errors.ErrNoWorkers) {
		t.Errorf("Wait = %v, want ErrNoWorkers", err)
	}
}

func TestSpawnWorkerForTask_Failures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *testutil.FakeTmux)
		wantReason string
		wantPane   bool
	}{
		{
			name:       "split fails",
			setup:      func(f *testutil.FakeTmux) { f.SetFail("split-window", errors.New("no space for new pane")) },
			wantReason: errors.ReasonPaneFailed,
		},
		{
			name: "pane dies before prompt",
			setup: func(f *testutil.FakeTmux) {
				f.SetOnSplit(func(p *testutil.FakePane) { p.Dead, p.Prompt = true, "" })
			},
			wantReason: errors.ReasonPaneNotReady,
			wantPane:   true,
		},
		{
			name:       "pane cannot be captured",
			setup:      func(f *testutil.FakeTmux) { f.SetFail("capture-pane", errors.New("capture broke")) },
			wantReason: errors.NotifyFailed(errors.StageTrust),
			wantPane:   true,
		},
		{
			name:       "pane in copy mode",
			setup:      func(f *testutil.FakeTmux) { f.SetOnSplit(func(p *testutil.FakePane) { p.InMode = true }) },
			wantReason: errors.NotifyFailed(errors.StageSend),
			wantPane:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rt := h.start(jobWith([]string{"claude"}, "a"))
			// Free the slot so the test drives the spawn by hand.
			w := h.worker(rt, "worker-1")
			if err := h.orch.panes.KillPane(context.Background(), w.PaneID); err != nil {
				t.Fatalf("KillPane: %v", err)
			}
			rt.remove(w.Name, w.PaneID)
			if _, err := rt.Store.Rollback(context.Background(), "1", "worker-1"); err != nil {
				t.Fatalf("Rollback: %v", err)
			}
			panesBefore := len(h.fake.PaneIDs("panecrew-alpha"))
			splitsBefore := h.fake.CallCount("split-window")

			tt.setup(h.fake)
			err := h.orch.SpawnWorkerForTask(context.Background(), rt, "worker-1", "claude", "1")

			var serr *errors.SpawnError
			if !errors.As(err, &serr) {
				t.Fatalf("SpawnWorkerForTask = %v, want *SpawnError", err)
			}
			if serr.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", serr.Reason, tt.wantReason)
			}
			if errors.SpawnReason(err) != tt.wantReason {
				t.Errorf("SpawnReason = %q", errors.SpawnReason(err))
			}

			task := h.task(rt, "1")
			if task.Status != taskstore.StatusPending || task.Owner != "" {
				t.Errorf("task = %s owner %q, want pending and unowned", task.Status, task.Owner)
			}
			if _, ok := rt.Worker("worker-1"); ok {
				t.Error("failed spawn must not register a worker")
			}
			if got := len(h.fake.PaneIDs("panecrew-alpha")); got != panesBefore {
				t.Errorf("panes = %d, want %d (partial pane killed)", got, panesBefore)
			}
			if tt.wantPane && h.fake.CallCount("split-window") != splitsBefore+1 {
				t.Error("expected a pane to have been split before the failure")
			}
		})
	}
}

func TestSpawnWorkerForTask_ClaimedTask(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "a"))
	splits := h.fake.CallCount("split-window")

	err := h.orch.SpawnWorkerForTask(context.Background(), rt, "worker-2", "claude", "1")
	if !errors.Is(err, errors.ErrTaskClaimed) || !errors.IsContention(err) {
		t.Fatalf("SpawnWorkerForTask = %v, want ErrTaskClaimed", err)
	}
	if h.fake.CallCount("split-window") != splits {
		t.Error("no pane should be created for a claimed task")
	}
	if h.task(rt, "1").Owner != "worker-1" {
		t.Error("original claim must be untouched")
	}
}

func TestSpawnWorkerForTask_InvalidWorkerName(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "a", "b"))

	err := h.orch.SpawnWorkerForTask(context.Background(), rt, "../../etc", "claude", "2")
	if !errors.Is(err, errors.ErrInvalidName) {
		t.Fatalf("SpawnWorkerForTask = %v, want ErrInvalidName", err)
	}
	if h.task(rt, "2").Status != taskstore.StatusPending {
		t.Error("task must stay pending")
	}
}

func TestAssignTask(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "a"))

	// Busy slot: the task waits.
	queued, err := h.orch.AssignTask(context.Background(), rt, "queued", "")
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if h.task(rt, queued.ID).Status != taskstore.StatusPending {
		t.Error("task should wait while every slot is busy")
	}

	// Finishing task 1 hands the slot the queued task.
	h.done(rt, "worker-1", "1", "completed", "ok")
	h.tick(rt)
	if w := h.worker(rt, "worker-1"); w.TaskID != queued.ID {
		t.Fatalf("worker-1 runs %s, want %s", w.TaskID, queued.ID)
	}
	h.done(rt, "worker-1", queued.ID, "completed", "ok")
	h.tick(rt)
	if rt.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0", rt.ActiveCount())
	}

	// Idle slot: the task is spawned right away.
	direct, err := h.orch.AssignTask(context.Background(), rt, "direct", "do it now")
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if w := h.worker(rt, "worker-1"); w.TaskID != direct.ID {
		t.Errorf("worker-1 runs %s, want %s", w.TaskID, direct.ID)
	}

	if _, err := h.orch.AssignTask(context.Background(), rt, "", ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty subject = %v, want ErrInvalidInput", err)
	}
}

func TestAssignTask_DuringReassignment(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "first", "second"))

	// Assign while the tick is bringing up worker-1's replacement.
	var assigned *taskstore.Task
	var assignErr error
	var fired atomic.Bool
	h.fake.SetOnSplit(func(*testutil.FakePane) {
		if fired.CompareAndSwap(false, true) {
			assigned, assignErr = h.orch.AssignTask(context.Background(), rt, "late", "")
		}
	})
	h.done(rt, "worker-1", "1", "completed", "ok")
	h.tick(rt)

	if !fired.Load() {
		t.Fatal("the tick should have spawned a replacement")
	}
	if assignErr != nil {
		t.Fatalf("AssignTask: %v", assignErr)
	}
	if w := h.worker(rt, "worker-1"); w.TaskID != "2" {
		t.Fatalf("worker-1 runs %s, want 2", w.TaskID)
	}
	if task := h.task(rt, assigned.ID); task.Status != taskstore.StatusPending || task.Owner != "" {
		t.Fatalf("assigned task = %s owner %q, want pending and unowned", task.Status, task.Owner)
	}
	if got := len(h.fake.PaneIDs("panecrew-alpha")); got != 2 {
		t.Errorf("panes = %d, want leader and one worker", got)
	}

	h.done(rt, "worker-1", "2", "completed", "ok")
	h.tick(rt)
	if w := h.worker(rt, "worker-1"); w.TaskID != assigned.ID {
		t.Fatalf("worker-1 runs %s, want %s", w.TaskID, assigned.ID)
	}
	h.done(rt, "worker-1", assigned.ID, "completed", "ok")
	h.tick(rt)

	tasks, err := rt.Store.List()
	if err != nil {
		t.Fatal(err)
	}
	if counts := taskstore.CountTasks(tasks); counts.Completed != 3 || counts.InProgress != 0 {
		t.Errorf("counts = %+v, want 3 completed", counts)
	}
}

func TestSpawnWorkerForTask_BusyWorker(t *testing.T) {
	h := newHarness(t)
	rt := h.start(jobWith([]string{"claude"}, "a", "b"))
	busy := h.worker(rt, "worker-1")
	splits := h.fake.CallCount("split-window")

	err := h.orch.SpawnWorkerForTask(context.Background(), rt, "worker-1", "claude", "2")
	if errors.SpawnReason(err) != errors.ReasonSlotBusy {
		t.Fatalf("SpawnWorkerForTask = %v, want %s", err, errors.ReasonSlotBusy)
	}
	if h.task(rt, "2").Status != taskstore.StatusPending {
		t.Error("task must stay pending")
	}
	if h.fake.CallCount("split-window") != splits {
		t.Error("no pane should be split for a busy worker")
	}
	if w := h.worker(rt, "worker-1"); w != busy {
		t.Errorf("worker-1 = %+v, want %+v", w, busy)
	}

	if rt.register(&Worker{Name: "worker-1", PaneID: "%99", TaskID: "2"}) {
		t.Error("register must refuse a second pane under a live worker name")
	}
	if !rt.register(&busy) {
		t.Error("re-registering the same pane is allowed")
	}
}

func TestOpenTeam_Missing(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.orch.OpenTeam("ghost"); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("OpenTeam = %v, want ErrSessionNotFound", err)
	}
}

func TestStartTeam_ModelAndArgs(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *config.Config) { cfg.Team.MaxWorkers = 2 }))
	job := jobWith([]string{"claude"}, "a")
	job.Model = "opus"
	job.AgentArgs = []string{"--verbose"}
	rt := h.start(job)

	cmd := h.fake.Pane(h.worker(rt, "worker-1").PaneID).Command
	for _, want := range []string{"--model", "opus", "--verbose"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("launch command %q missing %q", cmd, want)
		}
	}
	snap, err := rt.Dir.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Model != "opus" || len(snap.AgentArgs) != 1 {
		t.Errorf("snapshot model/args = %q %v", snap.Model, snap.AgentArgs)
	}
}
