package cmd

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
)

var (
	statusOwner  string
	statusFilter string
)

var statusCmd = &cobra.Command{
	Use:   "status <team>",
	Short: "Show a team's tasks as JSON",
	Long: `Show a team's tasks as JSON, with per-status counts and whether an
orchestrator is currently supervising the team.

--owner takes a glob matched against task owners, e.g. 'worker-[12]'.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusOwner, "owner", "", "only tasks whose owner matches this glob")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only tasks with this status")
}

// statusReport is the output of the status command.
type statusReport struct {
	Team            string                   `json:"team"`
	RunID           string                   `json:"runId,omitempty"`
	Session         string                   `json:"session,omitempty"`
	Supervised      bool                     `json:"supervised"`
	OwnerPID        int                      `json:"ownerPid,omitempty"`
	Counts          taskstore.Counts         `json:"counts"`
	WatchdogFailure *teamdir.WatchdogFailure `json:"watchdogFailure,omitempty"`
	Tasks           []*taskstore.Task        `json:"tasks"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	name := args[0]
	a, err := newApp(cmd, name)
	if err != nil {
		return err
	}
	defer a.Close()

	dir, store, err := a.orch.OpenTeam(name)
	if err != nil {
		return err
	}
	tasks, err := store.List()
	if err != nil {
		return err
	}

	report := statusReport{Team: name, Counts: taskstore.CountTasks(tasks)}
	if snap, err := dir.ReadSnapshot(); err == nil {
		report.RunID = snap.RunID
		report.Session = snap.Session
	}
	if pid, ok := a.orch.Owner(name); ok {
		report.Supervised = true
		report.OwnerPID = pid
	}
	if f, err := dir.ReadWatchdogFailed(); err == nil {
		report.WatchdogFailure = f
	}

	report.Tasks, err = filterTasks(tasks, statusOwner, statusFilter)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

// filterTasks keeps the tasks whose owner matches the ownerPattern glob and
// whose status equals status. Empty arguments match everything.
func filterTasks(tasks []*taskstore.Task, ownerPattern, status string) ([]*taskstore.Task, error) {
	var owner glob.Glob
	if ownerPattern != "" {
		g, err := glob.Compile(ownerPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid --owner pattern %q: %w", ownerPattern, errors.Join(errors.ErrInvalidInput, err))
		}
		owner = g
	}
	if status != "" && !taskstore.Status(status).Valid() {
		return nil, fmt.Errorf("unknown task status %q: %w", status, errors.ErrInvalidInput)
	}

	out := make([]*taskstore.Task, 0, len(tasks))
	for _, t := range tasks {
		if owner != nil && !owner.Match(t.Owner) {
			continue
		}
		if status != "" && string(t.Status) != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
