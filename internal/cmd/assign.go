package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/panecrew/internal/errors"
)

var (
	assignSubject     string
	assignDescription string
)

var assignCmd = &cobra.Command{
	Use:   "assign <team>",
	Short: "Add a task to a team",
	Long: `Add a pending task to a team's task list.

The supervising orchestrator hands it to the next idle worker slot. A team
that is not being supervised picks it up after 'panecrew resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runAssign,
}

func init() {
	rootCmd.AddCommand(assignCmd)
	assignCmd.Flags().StringVarP(&assignSubject, "subject", "s", "", "task subject (required)")
	assignCmd.Flags().StringVarP(&assignDescription, "description", "d", "", "task description")
	_ = assignCmd.MarkFlagRequired("subject")
}

func runAssign(cmd *cobra.Command, args []string) error {
	name := args[0]
	if assignSubject == "" {
		return errors.NewValidationError("subject is required").WithField("subject")
	}

	a, err := newApp(cmd, name)
	if err != nil {
		return err
	}
	defer a.Close()

	_, store, err := a.orch.OpenTeam(name)
	if err != nil {
		return err
	}
	t, err := store.Create(assignSubject, assignDescription)
	if err != nil {
		return err
	}
	a.logger.WithTeam(name).WithTask(t.ID).Info("task assigned", "subject", t.Subject)

	if _, ok := a.orch.Owner(name); !ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "No orchestrator is supervising team %s; run 'panecrew resume %s' to run the task\n", name, name)
	}
	return printJSON(cmd.OutOrStdout(), t)
}
