package teamdir

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/util"
)

// WorkerSlot records which agent type serves a worker name.
type WorkerSlot struct {
	Name      string `json:"name"`
	AgentType string `json:"agentType"`
	Interop   bool   `json:"interop,omitempty"`
}

// Snapshot is config.json: what a later process needs to resume supervision.
type Snapshot struct {
	Team       string       `json:"team"`
	RunID      string       `json:"runId"`
	Session    string       `json:"session"`
	LeaderPane string       `json:"leaderPane"`
	Owned      bool         `json:"owned"`
	Cwd        string       `json:"cwd,omitempty"`
	Model      string       `json:"model,omitempty"`
	AgentArgs  []string     `json:"agentArgs,omitempty"`
	AgentTypes []string     `json:"agentTypes"`
	Workers    []WorkerSlot `json:"workers"`
	TmuxSocket string       `json:"tmuxSocket,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	ProcessID  int          `json:"pid"`
}

// Slot returns the slot recorded for worker, if any.
func (s *Snapshot) Slot(worker string) (WorkerSlot, bool) {
	for _, w := range s.Workers {
		if w.Name == worker {
			return w, true
		}
	}
	return WorkerSlot{}, false
}

// WriteSnapshot writes config.json.
func (d *Dir) WriteSnapshot(s *Snapshot) error {
	if err := util.WriteJSON(d.ConfigPath(), s); err != nil {
		return fmt.Errorf("write team config: %w", err)
	}
	return nil
}

// ReadSnapshot reads config.json. A missing file matches ErrSessionNotFound
// since there is nothing to resume.
func (d *Dir) ReadSnapshot() (*Snapshot, error) {
	var s Snapshot
	if err := util.ReadJSON(d.ConfigPath(), &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no team config at %s: %w", d.ConfigPath(), errors.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("read team config: %w", err)
	}
	return &s, nil
}
