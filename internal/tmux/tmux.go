// Package tmux provides the command layer for panecrew's tmux operations.
//
// Every tmux invocation goes through a [Runner], so the pane supervisor can be
// exercised against a scripted fake in tests. [ExecRunner] runs the real
// binary, optionally against a dedicated server selected with -L, and bounds
// each call with a timeout.
//
// [Client] wraps a Runner with typed helpers for exactly the subcommands the
// supervisor uses.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds a single tmux invocation when no timeout is configured.
const DefaultCommandTimeout = 10 * time.Second

// Runner executes a tmux subcommand and returns its standard output.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs the tmux executable.
type ExecRunner struct {
	// Socket selects a tmux server with -L. Empty uses the default server,
	// which is what a caller already inside tmux expects.
	Socket string
	// Timeout bounds each call. Zero means DefaultCommandTimeout.
	Timeout time.Duration
	// Binary overrides the executable name. Empty means "tmux".
	Binary string
}

// CommandArgs returns the full argument list for a tmux subcommand,
// including the socket selection when one is set.
func CommandArgs(socket string, args ...string) []string {
	if socket == "" {
		return append([]string(nil), args...)
	}
	return append([]string{"-L", socket}, args...)
}

// CommandContext creates a context-aware exec.Cmd for tmux.
func (r ExecRunner) CommandContext(ctx context.Context, args ...string) *exec.Cmd {
	bin := r.Binary
	if bin == "" {
		bin = "tmux"
	}
	return exec.CommandContext(ctx, bin, CommandArgs(r.Socket, args...)...)
}

// Run executes tmux with args. Stderr is folded into the returned error so
// callers can classify failures with IsNotFound.
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := r.CommandContext(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		sub := ""
		if len(args) > 0 {
			sub = args[0]
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("tmux %s: %w: %s", sub, err, msg)
		}
		return stdout.String(), fmt.Errorf("tmux %s: %w", sub, err)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// notFoundMarkers are the messages tmux prints when the target or the server
// does not exist.
var notFoundMarkers = []string{
	"can't find pane",
	"can't find session",
	"can't find window",
	"session not found",
	"no server running",
	"error connecting to",
}

// IsNotFound reports whether err means the target pane, session, or server is gone.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
