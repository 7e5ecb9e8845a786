package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "watchdog.interval_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// agentNameRegex matches agent type names usable as config keys and worker labels
var agentNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// sessionPrefixRegex keeps tmux target syntax (":" and ".") out of session names
var sessionPrefixRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateTeam()...)
	errors = append(errors, c.validateWatchdog()...)
	errors = append(errors, c.validatePane()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateLayout()...)
	errors = append(errors, c.validateShutdown()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateAgents()...)

	return errors
}

func positive(field string, value int) []ValidationError {
	if value > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be positive"}}
}

func nonNegative(field string, value int) []ValidationError {
	if value >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be non-negative"}}
}

func (c *Config) validateTeam() []ValidationError {
	errors := positive("team.max_workers", c.Team.MaxWorkers)

	const maxWorkers = 32
	if c.Team.MaxWorkers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "team.max_workers",
			Value:   c.Team.MaxWorkers,
			Message: fmt.Sprintf("exceeds maximum of %d", maxWorkers),
		})
	}

	if !sessionPrefixRegex.MatchString(c.Team.SessionPrefix) {
		errors = append(errors, ValidationError{
			Field:   "team.session_prefix",
			Value:   c.Team.SessionPrefix,
			Message: "must start with alphanumeric and contain only alphanumeric, hyphen, or underscore",
		})
	}
	return errors
}

func (c *Config) validateWatchdog() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("watchdog.interval_ms", c.Watchdog.IntervalMs)...)
	errors = append(errors, positive("watchdog.stall_after_seconds", c.Watchdog.StallAfterSeconds)...)
	errors = append(errors, positive("watchdog.kill_after_stalls", c.Watchdog.KillAfterStalls)...)
	errors = append(errors, positive("watchdog.max_failures", c.Watchdog.MaxFailures)...)

	// Sub-50ms ticks would hammer tmux with one display-message per worker
	if c.Watchdog.IntervalMs > 0 && c.Watchdog.IntervalMs < 50 {
		errors = append(errors, ValidationError{
			Field:   "watchdog.interval_ms",
			Value:   c.Watchdog.IntervalMs,
			Message: "must be at least 50",
		})
	}
	return errors
}

func (c *Config) validatePane() []ValidationError {
	var errors []ValidationError

	const minWidth, minHeight = 40, 10
	if c.Pane.Width < minWidth {
		errors = append(errors, ValidationError{
			Field:   "pane.width",
			Value:   c.Pane.Width,
			Message: fmt.Sprintf("must be at least %d", minWidth),
		})
	}
	if c.Pane.Height < minHeight {
		errors = append(errors, ValidationError{
			Field:   "pane.height",
			Value:   c.Pane.Height,
			Message: fmt.Sprintf("must be at least %d", minHeight),
		})
	}

	errors = append(errors, positive("pane.command_timeout_ms", c.Pane.CommandTimeoutMs)...)
	errors = append(errors, nonNegative("pane.ready_timeout_ms", c.Pane.ReadyTimeoutMs)...)
	errors = append(errors, positive("pane.submit_rounds", c.Pane.SubmitRounds)...)
	errors = append(errors, nonNegative("pane.submit_delay_ms", c.Pane.SubmitDelayMs)...)

	if c.Pane.TmuxSocket != "" && strings.ContainsAny(c.Pane.TmuxSocket, "/ ") {
		errors = append(errors, ValidationError{
			Field:   "pane.tmux_socket",
			Value:   c.Pane.TmuxSocket,
			Message: "must be a socket name, not a path",
		})
	}
	return errors
}

func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("lock.stale_after_seconds", c.Lock.StaleAfterSeconds)...)
	errors = append(errors, positive("lock.retry_attempts", c.Lock.RetryAttempts)...)
	errors = append(errors, nonNegative("lock.retry_delay_ms", c.Lock.RetryDelayMs)...)
	return errors
}

func (c *Config) validateLayout() []ValidationError {
	return nonNegative("layout.debounce_ms", c.Layout.DebounceMs)
}

func (c *Config) validateShutdown() []ValidationError {
	return nonNegative("shutdown.ack_timeout_ms", c.Shutdown.AckTimeoutMs)
}

func (c *Config) validateLogging() []ValidationError {
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		return []ValidationError{{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		}}
	}
	return nil
}

func (c *Config) validatePaths() []ValidationError {
	if strings.ContainsRune(c.Paths.StateDir, '\x00') {
		return []ValidationError{{
			Field:   "paths.state_dir",
			Value:   c.Paths.StateDir,
			Message: "path contains invalid null character",
		}}
	}
	return nil
}

func (c *Config) validateAgents() []ValidationError {
	var errors []ValidationError

	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		agent := c.Agents[name]
		prefix := "agents." + name
		if !agentNameRegex.MatchString(name) {
			errors = append(errors, ValidationError{
				Field:   prefix,
				Value:   name,
				Message: "agent names must be lowercase alphanumeric, hyphen, or underscore",
			})
		}
		if agent.PromptFlag != "" && agent.PromptPositional {
			errors = append(errors, ValidationError{
				Field:   prefix + ".prompt_flag",
				Value:   agent.PromptFlag,
				Message: "cannot be combined with prompt_positional",
			})
		}
		if agent.Model != "" && agent.ModelFlag == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".model_flag",
				Value:   agent.ModelFlag,
				Message: "required when model is set",
			})
		}
	}
	return errors
}
