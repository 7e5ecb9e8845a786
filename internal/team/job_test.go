package team

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
)

func TestDecodeJob(t *testing.T) {
	tests := []struct {
		name   string
		format string
		input  string
	}{
		{
			name:   "json",
			format: FormatJSON,
			input: `{"team": "alpha", "agentTypes": ["claude", "codex"], "workerCount": 3,
				"tasks": [{"subject": "write docs", "description": "all of them"}]}`,
		},
		{
			name:   "yaml",
			format: FormatYAML,
			input: `team: alpha
agentTypes: [claude, codex]
workerCount: 3
tasks:
  - subject: write docs
    description: all of them
`,
		},
		{
			name:   "toml",
			format: FormatTOML,
			input: `team = "alpha"
agentTypes = ["claude", "codex"]
workerCount = 3

[[tasks]]
subject = "write docs"
description = "all of them"
`,
		},
		{
			name:  "sniffed json",
			input: `  {"team": "alpha", "agentTypes": ["claude", "codex"], "workerCount": 3, "tasks": [{"subject": "write docs", "description": "all of them"}]}`,
		},
		{
			name: "sniffed toml",
			input: `team = "alpha"
agentTypes = ["claude", "codex"]
workerCount = 3
tasks = [{subject = "write docs", description = "all of them"}]
`,
		},
		{
			name: "sniffed yaml",
			input: `team: alpha
agentTypes:
  - claude
  - codex
workerCount: 3
tasks:
  - subject: write docs
    description: all of them
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob(strings.NewReader(tt.input), tt.format)
			if err != nil {
				t.Fatalf("DecodeJob: %v", err)
			}
			if job.Team != "alpha" || job.WorkerCount != 3 {
				t.Errorf("job = %+v", job)
			}
			if len(job.AgentTypes) != 2 || job.AgentTypes[1] != "codex" {
				t.Errorf("AgentTypes = %v", job.AgentTypes)
			}
			if len(job.Tasks) != 1 || job.Tasks[0].Subject != "write docs" || job.Tasks[0].Description != "all of them" {
				t.Errorf("Tasks = %+v", job.Tasks)
			}
			if err := job.Validate(8); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestDecodeJob_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		input  string
	}{
		{name: "empty", input: "  \n"},
		{name: "unknown format", format: "xml", input: "<job/>"},
		{name: "unknown json field", format: FormatJSON, input: `{"team": "alpha", "bogus": 1}`},
		{name: "malformed yaml", format: FormatYAML, input: "team: [alpha"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeJob(strings.NewReader(tt.input), tt.format); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]string{
		"job.json":      FormatJSON,
		"job.YAML":      FormatYAML,
		"dir/job.yml":   FormatYAML,
		"job.toml":      FormatTOML,
		"job.txt":       "",
		"no-extension":  "",
		"/abs/job.json": FormatJSON,
	}
	for path, want := range tests {
		if got := FormatFromPath(path); got != want {
			t.Errorf("FormatFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func validJob() *Job {
	return &Job{
		Team:       "alpha",
		AgentTypes: []string{"claude"},
		Tasks:      []JobTask{{Subject: "one"}},
	}
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(j *Job)
		wantField string
		wantName  bool
	}{
		{name: "valid"},
		{name: "missing team", mutate: func(j *Job) { j.Team = "" }, wantField: "Team"},
		{name: "unsafe team name", mutate: func(j *Job) { j.Team = "../escape" }, wantField: "Team", wantName: true},
		{name: "team name with spaces", mutate: func(j *Job) { j.Team = "my team" }, wantField: "Team", wantName: true},
		{name: "no agent types", mutate: func(j *Job) { j.AgentTypes = nil }, wantField: "AgentTypes"},
		{name: "blank agent type", mutate: func(j *Job) { j.AgentTypes = []string{"claude", ""} }, wantField: "AgentTypes[1]"},
		{name: "no tasks", mutate: func(j *Job) { j.Tasks = nil }, wantField: "Tasks"},
		{name: "task without subject", mutate: func(j *Job) { j.Tasks = append(j.Tasks, JobTask{}) }, wantField: "Tasks[1].Subject"},
		{name: "negative worker count", mutate: func(j *Job) { j.WorkerCount = -1 }, wantField: "WorkerCount"},
		{name: "too many workers", mutate: func(j *Job) { j.WorkerCount = 9 }, wantField: "WorkerCount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			if tt.mutate != nil {
				tt.mutate(j)
			}
			err := j.Validate(8)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Fatalf("Validate = %v, want ErrInvalidInput", err)
			}
			var verr *errors.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.wantField {
				t.Errorf("field = %v, want %q", err, tt.wantField)
			}
			if got := errors.Is(err, errors.ErrInvalidName); got != tt.wantName {
				t.Errorf("Is(ErrInvalidName) = %v, want %v", got, tt.wantName)
			}
		})
	}
}

func TestJobValidate_NoWorkerCap(t *testing.T) {
	j := validJob()
	j.WorkerCount = 20
	if err := j.Validate(0); err != nil {
		t.Errorf("Validate(0) = %v, want no cap", err)
	}
}

func TestJobSlots(t *testing.T) {
	tests := []struct {
		name       string
		agentTypes []string
		count      int
		want       []string
	}{
		{name: "one per distinct type", agentTypes: []string{"claude", "codex", "claude"}, want: []string{"claude", "codex"}},
		{name: "round robin", agentTypes: []string{"claude", "codex"}, count: 5, want: []string{"claude", "codex", "claude", "codex", "claude"}},
		{name: "fewer slots than types", agentTypes: []string{"claude", "codex", "gemini"}, count: 2, want: []string{"claude", "codex"}},
		{name: "no types", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{AgentTypes: tt.agentTypes, WorkerCount: tt.count}
			slots := j.Slots()
			if len(slots) != len(tt.want) {
				t.Fatalf("got %d slots, want %d", len(slots), len(tt.want))
			}
			for i, s := range slots {
				if s.AgentType != tt.want[i] {
					t.Errorf("slot %d agent = %q, want %q", i, s.AgentType, tt.want[i])
				}
				if want := "worker-" + string(rune('1'+i)); s.Name != want {
					t.Errorf("slot %d name = %q, want %q", i, s.Name, want)
				}
			}
		})
	}
}

func TestResultStatus(t *testing.T) {
	task := func(s taskstore.Status) *taskstore.Task { return &taskstore.Task{Status: s} }

	tests := []struct {
		name     string
		tasks    []*taskstore.Task
		watchdog bool
		want     string
	}{
		{name: "all completed", tasks: []*taskstore.Task{task(taskstore.StatusCompleted), task(taskstore.StatusCompleted)}, want: ResultCompleted},
		{name: "some failed", tasks: []*taskstore.Task{task(taskstore.StatusCompleted), task(taskstore.StatusFailed)}, want: ResultFailed},
		{name: "still pending", tasks: []*taskstore.Task{task(taskstore.StatusCompleted), task(taskstore.StatusPending)}, want: ResultIncomplete},
		{name: "still running", tasks: []*taskstore.Task{task(taskstore.StatusInProgress)}, want: ResultIncomplete},
		{name: "watchdog failed wins", tasks: []*taskstore.Task{task(taskstore.StatusCompleted)}, watchdog: true, want: ResultWatchdogFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultStatus(tt.tasks, tt.watchdog); got != tt.want {
				t.Errorf("ResultStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPhase(t *testing.T) {
	for _, p := range []Phase{PhaseStarting, PhaseRunning, PhaseStopping} {
		if p.IsTerminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseStopped, PhaseFailed} {
		if !p.IsTerminal() {
			t.Errorf("%s should be terminal", p)
		}
	}
}
