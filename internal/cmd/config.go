package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/panecrew/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify panecrew configuration",
	Long: `View or modify panecrew configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  panecrew config set watchdog.interval_ms 500
  panecrew config set pane.tmux_socket panecrew
  panecrew config set shutdown.keep_state true

Run 'panecrew config show' to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/panecrew/config.yaml.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}

	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	typedValue, err := parseConfigValue(key, value)
	if err != nil {
		return err
	}

	// Ensure config directory exists
	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)
	if _, err := config.Load(); err != nil {
		return err
	}

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, typedValue, configFile)
	return nil
}

// parseConfigValue converts value to the type of key's default.
func parseConfigValue(key, value string) (any, error) {
	if !slices.Contains(viper.AllKeys(), key) {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'panecrew config show' to see valid keys", key)
	}

	switch viper.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	default:
		return value, nil
	}
}

const defaultConfigContent = `# panecrew configuration

team:
  # Maximum number of worker panes per team
  max_workers: 8
  # Dedicated sessions are named <prefix>-<team>
  session_prefix: panecrew

watchdog:
  # Supervision tick interval
  interval_ms: 1000
  # A heartbeat older than this counts as a stall
  stall_after_seconds: 60
  # Consecutive stalled ticks before a worker is replaced
  kill_after_stalls: 3
  # Consecutive failed ticks before supervision stops
  max_failures: 3
  # Tick early when a worker reports completion
  watch_files: true

pane:
  width: 220
  height: 50
  # tmux server socket (-L). Empty uses the default server.
  tmux_socket: ""
  command_timeout_ms: 10000
  # Shell used to launch agents. Empty means $SHELL.
  shell: ""
  source_shell_rc: true
  ready_timeout_ms: 15000
  submit_rounds: 4
  submit_delay_ms: 150

lock:
  # A lock whose holder is dead is reclaimed once it is this old
  stale_after_seconds: 30
  retry_attempts: 20
  retry_delay_ms: 25

layout:
  debounce_ms: 150

shutdown:
  # How long to wait for agents that acknowledge shutdown
  ack_timeout_ms: 10000
  keep_state: false

logging:
  # debug, info, warn or error
  level: info
  # Log to stderr instead of <state_dir>/logs/<team>.log
  stderr: false

paths:
  # Empty uses $XDG_STATE_HOME/panecrew
  state_dir: ""

# Agent types, merged over the built-in ones
# agents:
#   claude:
#     model: sonnet
#   mybot:
#     binary: mybot
#     prompt_positional: true
#     acks_shutdown: true
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'panecrew config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. $HOME/.config/panecrew/config.yaml")
	fmt.Fprintln(out, "  3. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: PANECREW_* (e.g., PANECREW_WATCHDOG_INTERVAL_MS)")
	fmt.Fprintln(out, "A .env file in the current directory is loaded first.")
	return nil
}
