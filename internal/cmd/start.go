package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/team"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	startJobFile   string
	startFormat    string
	startKeepState bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a team and supervise it until its tasks are done",
	Long: `Start a team from a job description and supervise it until every task
has finished, then shut it down and print the run result as JSON.

The job is read from --job or from stdin. Its format is taken from --format,
then from the file extension, and is otherwise detected from the content.

Example job (YAML):
  team: docs
  agentTypes: [claude, codex]
  tasks:
    - subject: Document the config package
    - subject: Add examples to the README`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVarP(&startJobFile, "job", "j", "", "job description file (default stdin)")
	startCmd.Flags().StringVar(&startFormat, "format", "", "job format: json, yaml or toml")
	startCmd.Flags().BoolVar(&startKeepState, "keep-state", false, "keep the team directory after shutdown")
}

// stdinIsTerminal reports whether stdin is an interactive terminal.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func runStart(cmd *cobra.Command, args []string) error {
	job, err := readJob(cmd.InOrStdin(), startJobFile, startFormat)
	if err != nil {
		return err
	}
	// The worker cap is checked by StartTeam once the config is loaded.
	if err := job.Validate(0); err != nil {
		return err
	}

	a, err := newApp(cmd, job.Team)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := a.orch.StartTeam(ctx, job)
	if err != nil {
		return err
	}
	return a.superviseAndReport(ctx, cmd, rt, startKeepState)
}

// readJob decodes the job from path, or from stdin when path is empty or "-".
func readJob(stdin io.Reader, path, format string) (*team.Job, error) {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open job file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
		if format == "" {
			format = team.FormatFromPath(path)
		}
	} else if stdinIsTerminal() {
		return nil, fmt.Errorf("no job given: pass --job <file> or pipe a job description on stdin: %w", errors.ErrInvalidInput)
	}
	return team.DecodeJob(r, format)
}
