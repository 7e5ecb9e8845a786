package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/event"
	"github.com/Iron-Ham/panecrew/internal/logging"
	"github.com/Iron-Ham/panecrew/internal/pane"
	"github.com/Iron-Ham/panecrew/internal/taskstore"
	"github.com/Iron-Ham/panecrew/internal/team"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
	"github.com/Iron-Ham/panecrew/internal/tmux"
	"github.com/spf13/cobra"
)

// app is the wiring shared by the commands that drive a team.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	orch   *team.Orchestrator
}

// newApp loads the configuration and builds an orchestrator whose log goes
// to the named team's log file. For an existing team the tmux socket
// recorded at start is used when none is configured.
func newApp(cmd *cobra.Command, teamName string) (*app, error) {
	if err := teamdir.ValidateName("team", teamName); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	socket := cfg.Pane.TmuxSocket
	if socket == "" {
		if dir, err := teamdir.New(cfg.Paths.ResolveStateDir(), teamName); err == nil {
			if snap, err := dir.ReadSnapshot(); err == nil {
				socket = snap.TmuxSocket
			}
		}
	}

	logger, err := logging.NewLogger(cfg.LogFile(teamName), cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	client := tmux.NewClient(tmux.ExecRunner{Socket: socket, Timeout: cfg.Pane.CommandTimeout()})
	panes := pane.NewSupervisor(client,
		pane.WithSettings(pane.SettingsFromConfig(cfg)),
		pane.WithLogger(logger),
	)

	bus := event.NewBus(logger)
	if verbose {
		bus.SubscribeAll(progressPrinter(cmd.ErrOrStderr()))
	}

	orch, err := team.New(team.Deps{
		Panes:   panes,
		Agents:  agent.NewRegistry(cfg.Agents),
		Interop: agent.NewStatusFileInterop(),
		Config:  cfg,
		Logger:  logger,
		Bus:     bus,
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, orch: orch}, nil
}

func (a *app) Close() {
	_ = a.logger.Close()
}

// superviseAndReport waits for rt to finish, shuts it down and prints the
// run result. The returned error reflects how the run ended.
func (a *app) superviseAndReport(ctx context.Context, cmd *cobra.Command, rt *team.Runtime, keepState bool) error {
	waitErr := rt.Wait(ctx)
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		log := a.logger.WithTeam(rt.Team)
		if errors.GetSeverity(waitErr) == errors.SeverityCritical {
			log.Error("team run failed", "error", waitErr.Error())
		} else {
			log.Warn("team run ended early", "error", waitErr.Error())
		}
	}

	reason := stopReason(waitErr)
	if waitErr == nil {
		if req, _ := rt.Dir.ReadShutdown(); req != nil && req.Reason != "" {
			reason = req.Reason
		}
	}

	tasks, shutdownErr := a.orch.ShutdownTeam(context.WithoutCancel(ctx), rt, team.ShutdownOptions{
		Reason:     reason,
		AckTimeout: a.cfg.Shutdown.AckTimeout(),
		KeepState:  keepState || a.cfg.Shutdown.KeepState,
	})
	if shutdownErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: shutdown incomplete: %v\n", shutdownErr)
	}

	result := team.Result{
		Team:   rt.Team,
		RunID:  rt.RunID,
		Status: team.ResultStatus(tasks, rt.Failed() != nil),
		Counts: taskstore.CountTasks(tasks),
		Tasks:  tasks,
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// stopReason maps how Wait returned to the reason recorded in shutdown.json.
func stopReason(waitErr error) string {
	switch {
	case waitErr == nil:
		return "completed"
	case errors.Is(waitErr, errors.ErrWatchdogFailed):
		return "watchdog_failed"
	case errors.Is(waitErr, errors.ErrNoWorkers):
		return "no_workers"
	case errors.Is(waitErr, context.Canceled):
		return "interrupted"
	default:
		return "error"
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressPrinter renders team events as one line each.
func progressPrinter(w io.Writer) event.Handler {
	return func(e event.Event) {
		ts := e.Timestamp().Format(time.TimeOnly)
		switch ev := e.(type) {
		case event.TeamStartedEvent:
			verb := "started"
			if ev.Resumed {
				verb = "resumed"
			}
			fmt.Fprintf(w, "%s team %s %s in session %s with %d worker(s)\n", ts, ev.Team, verb, ev.Session, ev.Workers)
		case event.TeamStoppedEvent:
			fmt.Fprintf(w, "%s team %s stopped (%s)\n", ts, ev.Team, ev.Reason)
		case event.WorkerSpawnedEvent:
			fmt.Fprintf(w, "%s %s started task %s (%s, pane %s)\n", ts, ev.Worker, ev.TaskID, ev.AgentType, ev.PaneID)
		case event.WorkerSpawnFailedEvent:
			fmt.Fprintf(w, "%s %s could not start task %s: %s\n", ts, ev.Worker, ev.TaskID, ev.Reason)
		case event.WorkerStalledEvent:
			fmt.Fprintf(w, "%s %s stalled on task %s (%d/%d)\n", ts, ev.Worker, ev.TaskID, ev.StallCount, ev.Threshold)
		case event.WorkerRemovedEvent:
			fmt.Fprintf(w, "%s %s removed: %s\n", ts, ev.Worker, ev.Cause)
		case event.TaskFinishedEvent:
			fmt.Fprintf(w, "%s task %s %s by %s\n", ts, ev.TaskID, ev.Status, ev.Worker)
		case event.WatchdogFailedEvent:
			fmt.Fprintf(w, "%s watchdog gave up after %d failures: %s\n", ts, ev.ConsecutiveFailures, ev.LastError)
		default:
			fmt.Fprintf(w, "%s %s\n", ts, e.EventType())
		}
	}
}
