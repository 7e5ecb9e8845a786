package cmd

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/team"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/spf13/cobra"
)

var (
	shutdownReason    string
	shutdownKeepState bool
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <team>",
	Short: "Stop a team and remove its panes",
	Long: `Stop a team and remove its panes.

When another panecrew process is supervising the team, a shutdown request
is left for it and that process tears the team down. Otherwise the team is
torn down here. Leftover state of a team whose session is gone is removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runShutdown,
}

func init() {
	rootCmd.AddCommand(shutdownCmd)
	shutdownCmd.Flags().StringVar(&shutdownReason, "reason", "cli", "reason recorded in the shutdown request")
	shutdownCmd.Flags().BoolVar(&shutdownKeepState, "keep-state", false, "keep the team directory")
}

func runShutdown(cmd *cobra.Command, args []string) error {
	name := args[0]
	a, err := newApp(cmd, name)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	dir, store, err := a.orch.OpenTeam(name)
	if err != nil {
		return err
	}

	if pid, ok := a.orch.Owner(name); ok {
		req := teamdir.ShutdownRequest{Reason: shutdownReason, RequestedAt: time.Now().UTC()}
		if err := dir.WriteShutdown(req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Shutdown requested; team %s is stopped by its orchestrator (pid %d)\n", name, pid)
		return nil
	}

	rt, err := a.orch.Attach(ctx, name)
	if errors.Is(err, errors.ErrSessionNotFound) {
		return removeStaleTeam(cmd, dir, store, name, shutdownKeepState || a.cfg.Shutdown.KeepState)
	}
	if err != nil {
		return err
	}

	tasks, err := a.orch.ShutdownTeam(ctx, rt, team.ShutdownOptions{
		Reason:     shutdownReason,
		AckTimeout: a.cfg.Shutdown.AckTimeout(),
		KeepState:  shutdownKeepState || a.cfg.Shutdown.KeepState,
	})
	if printErr := printJSON(cmd.OutOrStdout(), team.Result{
		Team:   name,
		RunID:  rt.RunID,
		Status: team.ResultStatus(tasks, false),
		Counts: taskstore.CountTasks(tasks),
		Tasks:  tasks,
	}); printErr != nil {
		return printErr
	}
	return err
}

// removeStaleTeam reports and removes the state of a team whose tmux session
// no longer exists.
func removeStaleTeam(cmd *cobra.Command, dir *teamdir.Dir, store *taskstore.Store, name string, keep bool) error {
	tasks, err := store.List()
	if err != nil {
		return err
	}
	result := team.Result{
		Team:   name,
		Status: team.ResultStatus(tasks, false),
		Counts: taskstore.CountTasks(tasks),
		Tasks:  tasks,
	}
	if snap, err := dir.ReadSnapshot(); err == nil {
		result.RunID = snap.RunID
	}
	if !keep {
		if err := dir.Remove(); err != nil {
			return fmt.Errorf("failed to remove team state: %w", err)
		}
	}
	return printJSON(cmd.OutOrStdout(), result)
}
