package agent

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/Iron-Ham/panecrew/internal/util"
)

// InteropContext identifies the worker an interop hook runs for.
type InteropContext struct {
	Team   string
	Worker string
	TaskID string
	Dir    *teamdir.Dir
}

// Interop bridges workers that track tasks in a foreign convention. Both
// hooks are fail-open: the orchestrator logs and records errors, then carries
// on with native signals.
type Interop interface {
	// Bootstrap runs once after a worker's pane is created.
	Bootstrap(ctx context.Context, c InteropContext) error
	// PollCompletion runs every watchdog tick and returns a done signal once
	// the foreign task record is terminal, or nil while it is still running.
	PollCompletion(ctx context.Context, c InteropContext) (*teamdir.DoneSignal, error)
}

// StatusFileInterop bridges agents that report progress by editing a small
// task record of their own instead of writing done.json. Bootstrap seeds
// <worker>/interop/task.json with state "open"; the agent moves it to a
// terminal state and PollCompletion translates that into a done signal.
type StatusFileInterop struct {
	now func() time.Time
}

// NewStatusFileInterop creates the adapter.
func NewStatusFileInterop() *StatusFileInterop {
	return &StatusFileInterop{now: time.Now}
}

// ForeignTask is the record kept by interop workers.
type ForeignTask struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Summary string `json:"summary,omitempty"`
}

var foreignStates = map[string]string{
	"done":      "completed",
	"closed":    "completed",
	"resolved":  "completed",
	"completed": "completed",
	"error":     "failed",
	"failed":    "failed",
	"cancelled": "failed",
	"abandoned": "failed",
}

// ForeignTaskPath returns where the foreign record lives for a worker.
func ForeignTaskPath(d *teamdir.Dir, worker string) string {
	return filepath.Join(d.WorkerDir(worker), "interop", "task.json")
}

func (i *StatusFileInterop) Bootstrap(_ context.Context, c InteropContext) error {
	path := ForeignTaskPath(c.Dir, c.Worker)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create interop dir: %w", err)
	}
	return util.WriteJSON(path, ForeignTask{ID: c.TaskID, State: "open"})
}

func (i *StatusFileInterop) PollCompletion(_ context.Context, c InteropContext) (*teamdir.DoneSignal, error) {
	var ft ForeignTask
	if err := util.ReadJSON(ForeignTaskPath(c.Dir, c.Worker), &ft); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read foreign task: %w", err)
	}
	if ft.ID != "" && ft.ID != c.TaskID {
		return nil, nil
	}
	status, terminal := foreignStates[strings.ToLower(ft.State)]
	if !terminal {
		return nil, nil
	}
	return &teamdir.DoneSignal{
		TaskID:      c.TaskID,
		Status:      status,
		Summary:     ft.Summary,
		CompletedAt: i.now().UTC(),
	}, nil
}
