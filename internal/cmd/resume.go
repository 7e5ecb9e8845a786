package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resumeKeepState bool

var resumeCmd = &cobra.Command{
	Use:   "resume <team>",
	Short: "Resume supervising a team whose orchestrator exited",
	Long: `Resume supervising a team whose tmux session outlived its orchestrator.

Surviving worker panes are adopted, in-progress tasks without a pane go
back to pending, and the team then runs to completion like 'start'.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().BoolVar(&resumeKeepState, "keep-state", false, "keep the team directory after shutdown")
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := a.orch.ResumeTeam(ctx, args[0])
	if err != nil {
		return err
	}
	return a.superviseAndReport(ctx, cmd, rt, resumeKeepState)
}
