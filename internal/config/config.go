package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete panecrew configuration
type Config struct {
	Team     TeamConfig             `mapstructure:"team"`
	Watchdog WatchdogConfig         `mapstructure:"watchdog"`
	Pane     PaneConfig             `mapstructure:"pane"`
	Lock     LockConfig             `mapstructure:"lock"`
	Layout   LayoutConfig           `mapstructure:"layout"`
	Shutdown ShutdownConfig         `mapstructure:"shutdown"`
	Logging  LoggingConfig          `mapstructure:"logging"`
	Paths    PathsConfig            `mapstructure:"paths"`
	Agents   map[string]AgentConfig `mapstructure:"agents"`
}

// TeamConfig controls team sizing and naming
type TeamConfig struct {
	// MaxWorkers caps the number of concurrent worker panes (default: 8)
	MaxWorkers int `mapstructure:"max_workers"`
	// SessionPrefix prefixes dedicated tmux session names: <prefix>-<team> (default: "panecrew")
	SessionPrefix string `mapstructure:"session_prefix"`
}

// WatchdogConfig controls the supervision loop
type WatchdogConfig struct {
	// IntervalMs is the tick interval in milliseconds (default: 1000)
	IntervalMs int `mapstructure:"interval_ms"`
	// StallAfterSeconds is how old a heartbeat may get before the worker counts as stalled (default: 60)
	StallAfterSeconds int `mapstructure:"stall_after_seconds"`
	// KillAfterStalls is the number of consecutive stalled ticks before a worker is
	// treated as dead (default: 3)
	KillAfterStalls int `mapstructure:"kill_after_stalls"`
	// MaxFailures is the number of consecutive failed ticks that stops the watchdog (default: 3)
	MaxFailures int `mapstructure:"max_failures"`
	// WatchFiles triggers an early tick when a worker writes done.json (default: true)
	WatchFiles bool `mapstructure:"watch_files"`
}

// PaneConfig controls how worker panes are created and driven
type PaneConfig struct {
	// Width and Height set the geometry of dedicated sessions (default: 220x50)
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
	// TmuxSocket selects a tmux server with -L. Empty uses the default server.
	TmuxSocket string `mapstructure:"tmux_socket"`
	// CommandTimeoutMs bounds each tmux invocation (default: 10000)
	CommandTimeoutMs int `mapstructure:"command_timeout_ms"`
	// Shell is the login shell used in launch commands. Empty means $SHELL, then /bin/sh.
	Shell string `mapstructure:"shell"`
	// SourceShellRC sources ~/.zshrc or ~/.bashrc before exec'ing the agent (default: true)
	SourceShellRC bool `mapstructure:"source_shell_rc"`
	// SkipShellRC overrides SourceShellRC. Bound to PANECREW_SKIP_SHELL_RC.
	SkipShellRC bool `mapstructure:"skip_shell_rc"`
	// ReadyTimeoutMs bounds the wait for a shell prompt (default: 15000).
	// Bound to PANECREW_SHELL_READY_TIMEOUT_MS.
	ReadyTimeoutMs int `mapstructure:"ready_timeout_ms"`
	// SubmitRounds is the number of Enter/verify rounds when sending a message (default: 4)
	SubmitRounds int `mapstructure:"submit_rounds"`
	// SubmitDelayMs is the pause between submitting and verifying (default: 150)
	SubmitDelayMs int `mapstructure:"submit_delay_ms"`
	// DisableAdaptiveRetry turns off the clear-and-resend retry.
	// Bound to PANECREW_DISABLE_ADAPTIVE_RETRY.
	DisableAdaptiveRetry bool `mapstructure:"disable_adaptive_retry"`
}

// LockConfig controls per-task lock files
type LockConfig struct {
	// StaleAfterSeconds is the minimum lock age before a dead holder's lock is reclaimed (default: 30)
	StaleAfterSeconds int `mapstructure:"stale_after_seconds"`
	// RetryAttempts bounds lock retries for finish and rollback (default: 20)
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryDelayMs is the pause between lock retries (default: 25)
	RetryDelayMs int `mapstructure:"retry_delay_ms"`
}

// LayoutConfig controls the layout stabilizer
type LayoutConfig struct {
	// DebounceMs collapses bursts of layout requests (default: 150)
	DebounceMs int `mapstructure:"debounce_ms"`
}

// ShutdownConfig controls team teardown
type ShutdownConfig struct {
	// AckTimeoutMs bounds the wait for workers that acknowledge shutdown (default: 10000)
	AckTimeoutMs int `mapstructure:"ack_timeout_ms"`
	// KeepState leaves the team directory on disk after shutdown (default: false)
	KeepState bool `mapstructure:"keep_state"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Stderr writes logs to stderr instead of <state_dir>/logs/<team>.log (default: false)
	Stderr bool `mapstructure:"stderr"`
}

// PathsConfig controls where team state is kept
type PathsConfig struct {
	// StateDir is the root for team directories and logs.
	// Empty means $XDG_STATE_HOME/panecrew, then ~/.local/state/panecrew.
	StateDir string `mapstructure:"state_dir"`
}

// AgentConfig declares or overrides an agent type
type AgentConfig struct {
	// Binary is the executable name or path
	Binary string `mapstructure:"binary"`
	// Args are extra arguments placed before any prompt argument
	Args []string `mapstructure:"args"`
	// Model is passed with ModelFlag when both are set
	Model     string `mapstructure:"model"`
	ModelFlag string `mapstructure:"model_flag"`
	// PromptFlag passes the initial message as "<flag> <message>"
	PromptFlag string `mapstructure:"prompt_flag"`
	// PromptPositional passes the initial message as a trailing argument
	PromptPositional bool `mapstructure:"prompt_positional"`
	// AcksShutdown means the agent writes shutdown-ack.json when asked to stop
	AcksShutdown bool `mapstructure:"acks_shutdown"`
	// Interop engages the interop adapter for workers of this agent type
	Interop bool `mapstructure:"interop"`
	// Env is added to the worker's launch environment
	Env map[string]string `mapstructure:"env"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Team: TeamConfig{
			MaxWorkers:    8,
			SessionPrefix: "panecrew",
		},
		Watchdog: WatchdogConfig{
			IntervalMs:        1000,
			StallAfterSeconds: 60,
			KillAfterStalls:   3,
			MaxFailures:       3,
			WatchFiles:        true,
		},
		Pane: PaneConfig{
			Width:            220,
			Height:           50,
			CommandTimeoutMs: 10000,
			SourceShellRC:    true,
			ReadyTimeoutMs:   15000,
			SubmitRounds:     4,
			SubmitDelayMs:    150,
		},
		Lock: LockConfig{
			StaleAfterSeconds: 30,
			RetryAttempts:     20,
			RetryDelayMs:      25,
		},
		Layout: LayoutConfig{
			DebounceMs: 150,
		},
		Shutdown: ShutdownConfig{
			AckTimeoutMs: 10000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Interval returns the watchdog tick interval as a time.Duration
func (c *WatchdogConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// StallAfter returns the heartbeat staleness threshold as a time.Duration
func (c *WatchdogConfig) StallAfter() time.Duration {
	return time.Duration(c.StallAfterSeconds) * time.Second
}

// CommandTimeout returns the per-call tmux timeout as a time.Duration
func (c *PaneConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// ReadyTimeout returns the shell readiness timeout as a time.Duration
func (c *PaneConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMs) * time.Millisecond
}

// SubmitDelay returns the submit verification delay as a time.Duration
func (c *PaneConfig) SubmitDelay() time.Duration {
	return time.Duration(c.SubmitDelayMs) * time.Millisecond
}

// SourceRC reports whether launch commands should source the shell rc file.
func (c *PaneConfig) SourceRC() bool {
	return c.SourceShellRC && !c.SkipShellRC
}

// StaleAfter returns the lock staleness threshold as a time.Duration
func (c *LockConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// RetryDelay returns the lock retry delay as a time.Duration
func (c *LockConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Debounce returns the layout debounce as a time.Duration
func (c *LayoutConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// AckTimeout returns the shutdown acknowledgement timeout as a time.Duration
func (c *ShutdownConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// ResolveStateDir returns the state root. A leading ~ is expanded.
func (p *PathsConfig) ResolveStateDir() string {
	if p.StateDir != "" {
		return expandHome(p.StateDir)
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "panecrew")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".panecrew"
	}
	return filepath.Join(home, ".local", "state", "panecrew")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// LogFile returns the log path for a team: <state_dir>/logs/<team>.log.
func (c *Config) LogFile(team string) string {
	if c.Logging.Stderr {
		return ""
	}
	return filepath.Join(c.Paths.ResolveStateDir(), "logs", team+".log")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Team defaults
	viper.SetDefault("team.max_workers", defaults.Team.MaxWorkers)
	viper.SetDefault("team.session_prefix", defaults.Team.SessionPrefix)

	// Watchdog defaults
	viper.SetDefault("watchdog.interval_ms", defaults.Watchdog.IntervalMs)
	viper.SetDefault("watchdog.stall_after_seconds", defaults.Watchdog.StallAfterSeconds)
	viper.SetDefault("watchdog.kill_after_stalls", defaults.Watchdog.KillAfterStalls)
	viper.SetDefault("watchdog.max_failures", defaults.Watchdog.MaxFailures)
	viper.SetDefault("watchdog.watch_files", defaults.Watchdog.WatchFiles)

	// Pane defaults
	viper.SetDefault("pane.width", defaults.Pane.Width)
	viper.SetDefault("pane.height", defaults.Pane.Height)
	viper.SetDefault("pane.tmux_socket", defaults.Pane.TmuxSocket)
	viper.SetDefault("pane.command_timeout_ms", defaults.Pane.CommandTimeoutMs)
	viper.SetDefault("pane.shell", defaults.Pane.Shell)
	viper.SetDefault("pane.source_shell_rc", defaults.Pane.SourceShellRC)
	viper.SetDefault("pane.skip_shell_rc", defaults.Pane.SkipShellRC)
	viper.SetDefault("pane.ready_timeout_ms", defaults.Pane.ReadyTimeoutMs)
	viper.SetDefault("pane.submit_rounds", defaults.Pane.SubmitRounds)
	viper.SetDefault("pane.submit_delay_ms", defaults.Pane.SubmitDelayMs)
	viper.SetDefault("pane.disable_adaptive_retry", defaults.Pane.DisableAdaptiveRetry)

	// Lock defaults
	viper.SetDefault("lock.stale_after_seconds", defaults.Lock.StaleAfterSeconds)
	viper.SetDefault("lock.retry_attempts", defaults.Lock.RetryAttempts)
	viper.SetDefault("lock.retry_delay_ms", defaults.Lock.RetryDelayMs)

	// Layout defaults
	viper.SetDefault("layout.debounce_ms", defaults.Layout.DebounceMs)

	// Shutdown defaults
	viper.SetDefault("shutdown.ack_timeout_ms", defaults.Shutdown.AckTimeoutMs)
	viper.SetDefault("shutdown.keep_state", defaults.Shutdown.KeepState)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.stderr", defaults.Logging.Stderr)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// BindEnv binds the environment variables that predate the PANECREW_<SECTION>_<KEY>
// naming scheme. Both spellings are accepted.
func BindEnv() error {
	bindings := map[string][]string{
		"pane.ready_timeout_ms":       {"PANECREW_PANE_READY_TIMEOUT_MS", "PANECREW_SHELL_READY_TIMEOUT_MS"},
		"pane.disable_adaptive_retry": {"PANECREW_PANE_DISABLE_ADAPTIVE_RETRY", "PANECREW_DISABLE_ADAPTIVE_RETRY"},
		"pane.skip_shell_rc":          {"PANECREW_PANE_SKIP_SHELL_RC", "PANECREW_SKIP_SHELL_RC"},
	}
	for key, envs := range bindings {
		if err := viper.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "panecrew")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".panecrew"
	}
	return filepath.Join(home, ".config", "panecrew")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
