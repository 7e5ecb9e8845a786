package pane

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/logging"
	"github.com/Iron-Ham/panecrew/internal/tmux"
)

// WorkerOption is the pane option that records which worker owns a pane.
const WorkerOption = "@panecrew_worker"

const (
	readyInitialDelay = 100 * time.Millisecond
	readyMaxDelay     = 2 * time.Second
	paneListFormat    = "#{pane_id}\t#{pane_dead}\t#{" + WorkerOption + "}"
	mainLayout        = "main-vertical"
)

// Settings tunes a Supervisor.
type Settings struct {
	SessionPrefix string
	Width         int
	Height        int
	ReadyTimeout  time.Duration
	SubmitRounds  int
	SubmitDelay   time.Duration
	AdaptiveRetry bool
	Shell         string
	SourceRC      bool
}

// DefaultSettings returns the built-in tuning.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default())
}

// SettingsFromConfig extracts pane settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SessionPrefix: cfg.Team.SessionPrefix,
		Width:         cfg.Pane.Width,
		Height:        cfg.Pane.Height,
		ReadyTimeout:  cfg.Pane.ReadyTimeout(),
		SubmitRounds:  cfg.Pane.SubmitRounds,
		SubmitDelay:   cfg.Pane.SubmitDelay(),
		AdaptiveRetry: !cfg.Pane.DisableAdaptiveRetry,
		Shell:         cfg.Pane.Shell,
		SourceRC:      cfg.Pane.SourceRC(),
	}
}

// Session is the tmux session a team's panes live in.
type Session struct {
	Name       string `json:"name"`
	LeaderPane string `json:"leaderPane"`
	// Owned is true when the session was created for the team. A shared
	// session belongs to the user and only worker panes are ever killed.
	Owned bool `json:"owned"`
}

// Target returns the tmux target for session-wide queries.
func (s *Session) Target() string {
	if s.Owned || s.LeaderPane == "" {
		return s.Name
	}
	return s.LeaderPane
}

// PaneInfo describes one pane of a session window.
type PaneInfo struct {
	ID     string
	Worker string
	Dead   bool
}

// Supervisor drives tmux on behalf of the orchestrator.
type Supervisor struct {
	client   *tmux.Client
	detector Detector
	settings Settings
	logger   *logging.Logger
	getenv   func(string) string
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDetector replaces the text heuristics.
func WithDetector(d Detector) Option {
	return func(s *Supervisor) { s.detector = d }
}

// WithSettings replaces the tuning.
func WithSettings(st Settings) Option {
	return func(s *Supervisor) { s.settings = st }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnv replaces os.Getenv for $TMUX, $TMUX_PANE and $SHELL lookups.
func WithEnv(getenv func(string) string) Option {
	return func(s *Supervisor) { s.getenv = getenv }
}

// WithSleeper replaces the context-aware sleep used while polling.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = sleep }
}

// NewSupervisor creates a Supervisor over client.
func NewSupervisor(client *tmux.Client, opts ...Option) *Supervisor {
	s := &Supervisor{
		client:   client,
		detector: NewPatternDetector(),
		settings: DefaultSettings(),
		logger:   logging.NopLogger(),
		getenv:   os.Getenv,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings.SubmitRounds <= 0 {
		s.settings.SubmitRounds = 1
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Settings returns the active tuning.
func (s *Supervisor) Settings() Settings {
	return s.settings
}

// SessionName derives the dedicated session name for a team.
func (s *Supervisor) SessionName(team string) string {
	prefix := s.settings.SessionPrefix
	if prefix == "" {
		prefix = "panecrew"
	}
	return prefix + "-" + team
}

// InsideTmux reports whether the orchestrator itself runs in a tmux pane.
func (s *Supervisor) InsideTmux() bool {
	return s.getenv("TMUX") != ""
}

// AcquireSession returns the session the team's workers will be split into.
// Inside tmux the caller's own window is reused and its pane becomes the
// leader. Otherwise a detached session with a fixed geometry is created,
// replacing any leftover session of the same name.
func (s *Supervisor) AcquireSession(ctx context.Context, team, cwd string) (*Session, error) {
	if s.InsideTmux() {
		leader := s.getenv("TMUX_PANE")
		if leader == "" {
			id, err := s.client.Display(ctx, "", "#{pane_id}")
			if err != nil {
				return nil, errors.NewPaneError("resolve leader pane", err)
			}
			leader = id
		}
		name, err := s.client.Display(ctx, leader, "#{session_name}")
		if err != nil {
			return nil, errors.NewPaneError("resolve current session", err).WithPane(leader)
		}
		s.logger.Info("reusing current tmux session", "session", name, "pane_id", leader)
		return &Session{Name: name, LeaderPane: leader}, nil
	}

	name := s.SessionName(team)
	if err := s.client.KillSession(ctx, name); err != nil {
		s.logger.Warn("failed to kill leftover session", "session", name, "error", err.Error())
	}
	leader, err := s.client.NewSession(ctx, name, cwd, s.settings.Width, s.settings.Height)
	if err != nil {
		return nil, errors.NewPaneError("create session", err).WithSession(name)
	}
	s.logger.Info("created tmux session", "session", name, "pane_id", leader)
	return &Session{Name: name, LeaderPane: leader, Owned: true}, nil
}

// CreateWorkerPane splits a pane for worker running command. The first
// worker splits right of the leader; later workers split below the most
// recent worker pane. Pass "" as lastWorkerPane for the first worker.
func (s *Supervisor) CreateWorkerPane(ctx context.Context, sess *Session, lastWorkerPane, worker, cwd, command string) (string, error) {
	target, horizontal := lastWorkerPane, false
	if target == "" {
		target, horizontal = sess.LeaderPane, true
	}
	id, err := s.client.SplitWindow(ctx, target, horizontal, cwd, command)
	if err != nil {
		return "", errors.NewPaneError("split window", err).WithPane(target).WithSession(sess.Name)
	}
	if id == "" {
		return "", errors.NewPaneError("split window returned no pane id", errors.ErrPaneNotFound).WithSession(sess.Name)
	}

	// Keep exited panes around so liveness checks see pane_dead instead of
	// a vanished pane.
	if err := s.client.SetPaneOption(ctx, id, "remain-on-exit", "on"); err != nil {
		s.logger.Warn("failed to set remain-on-exit", "pane_id", id, "error", err.Error())
	}
	if err := s.client.SetPaneOption(ctx, id, WorkerOption, worker); err != nil {
		s.logger.Warn("failed to tag worker pane", "pane_id", id, "worker", worker, "error", err.Error())
	}
	return id, nil
}

// LaunchCommand fills in the shell settings and builds the pane command.
func (s *Supervisor) LaunchCommand(req LaunchRequest) (string, error) {
	if req.Shell == "" {
		req.Shell = s.settings.Shell
	}
	if req.Shell == "" {
		req.Shell = s.getenv("SHELL")
	}
	req.SourceRC = s.settings.SourceRC
	return BuildLaunchCommand(req)
}

// WaitForReady polls the pane until the detector sees a prompt, backing off
// from 100ms up to 2s between captures. It gives up after the ready timeout
// and returns false so the caller can proceed anyway. An error is returned
// only when the pane is gone or its process exited.
func (s *Supervisor) WaitForReady(ctx context.Context, paneID string) (bool, error) {
	delay := readyInitialDelay
	var waited time.Duration
	for {
		capture, err := s.client.CapturePane(ctx, paneID, 0)
		if err != nil {
			if tmux.IsNotFound(err) {
				return false, errors.NewPaneError("pane vanished before ready", errors.ErrPaneNotFound).WithPane(paneID)
			}
			s.logger.Debug("capture failed while waiting for prompt", "pane_id", paneID, "error", err.Error())
		} else if s.detector.IsReady(capture) {
			return true, nil
		}

		if waited >= s.settings.ReadyTimeout {
			alive, aerr := s.IsWorkerAlive(ctx, paneID)
			if aerr == nil && !alive {
				return false, errors.NewPaneError("pane exited before ready", errors.ErrPaneNotFound).WithPane(paneID)
			}
			return false, nil
		}
		if err := s.sleep(ctx, delay); err != nil {
			return false, err
		}
		waited += delay
		delay = min(delay*2, readyMaxDelay)
	}
}

// AnswerTrustPrompt accepts a folder trust dialog if one is showing.
func (s *Supervisor) AnswerTrustPrompt(ctx context.Context, paneID string) (bool, error) {
	capture, err := s.client.CapturePane(ctx, paneID, 0)
	if err != nil {
		return false, errors.NewPaneError("capture pane", err).WithPane(paneID)
	}
	if !s.detector.HasTrustPrompt(capture) {
		return false, nil
	}
	if err := s.client.SendKeys(ctx, paneID, "Enter"); err != nil {
		return false, errors.NewPaneError("answer trust prompt", err).WithPane(paneID)
	}
	s.logger.Info("answered trust prompt", "pane_id", paneID)
	return true, nil
}

// SendToWorker types text into the pane and submits it, verifying after
// each submit that the text left the input area. Newlines are flattened so
// the message is submitted once.
func (s *Supervisor) SendToWorker(ctx context.Context, paneID, text string) error {
	text = strings.Join(strings.Fields(text), " ")

	mode, err := s.client.Display(ctx, paneID, "#{pane_in_mode}")
	if err != nil {
		if tmux.IsNotFound(err) {
			return errors.NewPaneError("send to worker", errors.ErrPaneNotFound).WithPane(paneID)
		}
		return errors.NewPaneError("query pane mode", err).WithPane(paneID)
	}
	if mode == "1" {
		return errors.NewPaneError("send to worker", errors.ErrPaneInCopyMode).WithPane(paneID)
	}

	if _, err := s.AnswerTrustPrompt(ctx, paneID); err != nil {
		return err
	}

	capture, err := s.client.CapturePane(ctx, paneID, 0)
	if err != nil {
		return errors.NewPaneError("capture pane", err).WithPane(paneID)
	}
	busy := s.detector.IsBusy(capture)

	if err := s.client.SendLiteral(ctx, paneID, text); err != nil {
		return errors.NewPaneError("type message", err).WithPane(paneID)
	}

	for round := 1; round <= s.settings.SubmitRounds; round++ {
		keys := []string{"Enter"}
		if busy {
			keys = []string{"Tab", "Enter"}
		}
		submitted, err := s.submit(ctx, paneID, text, keys...)
		if err != nil {
			return err
		}
		if submitted {
			return nil
		}
		s.logger.Debug("message still pending after submit", "pane_id", paneID, "round", round)
	}

	if s.settings.AdaptiveRetry {
		s.logger.Info("retrying message delivery with cleared input", "pane_id", paneID)
		if err := s.client.SendKeys(ctx, paneID, "C-u"); err != nil {
			return errors.NewPaneError("clear input", err).WithPane(paneID)
		}
		if err := s.client.SendLiteral(ctx, paneID, text); err != nil {
			return errors.NewPaneError("retype message", err).WithPane(paneID)
		}
		submitted, err := s.submit(ctx, paneID, text, "Enter")
		if err != nil {
			return err
		}
		if submitted {
			return nil
		}
	}

	return errors.NewPaneError("message still pending after "+strconv.Itoa(s.settings.SubmitRounds)+" rounds",
		errors.ErrDeliveryFailed).WithPane(paneID)
}

// submit presses keys, waits, and reports whether text left the input area.
func (s *Supervisor) submit(ctx context.Context, paneID, text string, keys ...string) (bool, error) {
	if err := s.client.SendKeys(ctx, paneID, keys...); err != nil {
		return false, errors.NewPaneError("submit message", err).WithPane(paneID)
	}
	if err := s.sleep(ctx, s.settings.SubmitDelay); err != nil {
		return false, err
	}
	capture, err := s.client.CapturePane(ctx, paneID, 0)
	if err != nil {
		return false, errors.NewPaneError("capture pane", err).WithPane(paneID)
	}
	return !s.detector.IsPending(capture, text), nil
}

// IsWorkerAlive reports whether the pane's process is still running. A pane
// that no longer exists is dead, not an error.
func (s *Supervisor) IsWorkerAlive(ctx context.Context, paneID string) (bool, error) {
	out, err := s.client.Display(ctx, paneID, "#{pane_dead}")
	if err != nil {
		if tmux.IsNotFound(err) {
			return false, nil
		}
		return false, errors.NewPaneError("query pane liveness", err).WithPane(paneID)
	}
	return out != "1", nil
}

// KillPane kills a pane. A missing pane is not an error.
func (s *Supervisor) KillPane(ctx context.Context, paneID string) error {
	if err := s.client.KillPane(ctx, paneID); err != nil {
		return errors.NewPaneError("kill pane", err).WithPane(paneID)
	}
	return nil
}

// Teardown removes a team's panes. An owned session is killed outright; in a
// shared session only the worker panes go and the leader is left alone.
func (s *Supervisor) Teardown(ctx context.Context, sess *Session, workerPanes []string) error {
	if sess == nil {
		return nil
	}
	if sess.Owned {
		if err := s.client.KillSession(ctx, sess.Name); err != nil {
			return errors.NewPaneError("kill session", err).WithSession(sess.Name)
		}
		return nil
	}
	var errs []error
	for _, id := range workerPanes {
		if id == sess.LeaderPane {
			continue
		}
		if err := s.KillPane(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListPanes returns the panes of the window containing target, in index order.
func (s *Supervisor) ListPanes(ctx context.Context, target string) ([]PaneInfo, error) {
	lines, err := s.client.ListPanes(ctx, target, paneListFormat)
	if err != nil {
		if tmux.IsNotFound(err) {
			return nil, errors.NewPaneError("list panes", errors.ErrSessionNotFound).WithSession(target)
		}
		return nil, errors.NewPaneError("list panes", err).WithSession(target)
	}
	panes := make([]PaneInfo, 0, len(lines))
	for _, line := range lines {
		fields := strings.SplitN(line, "\t", 3)
		info := PaneInfo{ID: fields[0]}
		if len(fields) > 1 {
			info.Dead = fields[1] == "1"
		}
		if len(fields) > 2 {
			info.Worker = fields[2]
		}
		panes = append(panes, info)
	}
	return panes, nil
}

// SessionAlive reports whether the named session exists.
func (s *Supervisor) SessionAlive(ctx context.Context, name string) (bool, error) {
	return s.client.HasSession(ctx, name)
}

// ApplyLayout arranges the leader as the main pane with workers stacked
// beside it. Each step is best effort; a failing step is logged and the
// rest still run.
func (s *Supervisor) ApplyLayout(ctx context.Context, sess *Session) {
	if sess == nil {
		return
	}
	leader := sess.LeaderPane

	if err := s.client.SelectLayout(ctx, leader, mainLayout); err != nil {
		s.logger.Debug("layout: select-layout failed", "pane_id", leader, "error", err.Error())
	}

	width, err := s.client.Display(ctx, leader, "#{window_width}")
	if err == nil {
		var w int
		w, err = strconv.Atoi(width)
		if err == nil && w > 0 {
			err = s.client.SetWindowOption(ctx, leader, "main-pane-width", strconv.Itoa(w/2))
			if err == nil {
				err = s.client.SelectLayout(ctx, leader, mainLayout)
			}
		}
	}
	if err != nil {
		s.logger.Debug("layout: main pane width failed", "pane_id", leader, "error", err.Error())
	}

	if err := s.client.SelectPane(ctx, leader); err != nil {
		s.logger.Debug("layout: select-pane failed", "pane_id", leader, "error", err.Error())
	}
}
