package pane

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/Iron-Ham/panecrew/internal/errors"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LaunchRequest describes what a worker pane should run. Exactly one of
// Binary or ShellCommand is set.
type LaunchRequest struct {
	Env map[string]string
	// Binary and Args are exec'd directly.
	Binary string
	Args   []string
	// ShellCommand is run as-is by the shell.
	ShellCommand string
	// Shell runs the command. Empty means /bin/sh.
	Shell string
	// SourceRC sources the shell's rc file first.
	SourceRC bool
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// rcFile returns the interactive rc file for a shell, or "" when unknown.
func rcFile(shell string) string {
	switch filepath.Base(shell) {
	case "zsh":
		return "~/.zshrc"
	case "bash":
		return "~/.bashrc"
	default:
		return ""
	}
}

// BuildLaunchCommand renders a request as a single command string for
// split-window:
//
//	env K='v' ... <shell> -lc '<rc>; exec <binary> <args>'
//
// The target is exec'd so no extra shell stays in the pane's process tree.
func BuildLaunchCommand(req LaunchRequest) (string, error) {
	if (req.Binary == "") == (req.ShellCommand == "") {
		return "", errors.NewValidationError("launch request needs exactly one of binary or shell command").
			WithField("binary")
	}

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		if !envKeyPattern.MatchString(k) {
			return "", errors.NewValidationError(fmt.Sprintf("invalid environment variable name %q", k)).
				WithField("env").WithValue(k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var script strings.Builder
	shell := req.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	if rc := rcFile(shell); req.SourceRC && rc != "" {
		fmt.Fprintf(&script, "[ -f %[1]s ] && . %[1]s >/dev/null 2>&1; ", rc)
	}
	if req.Binary != "" {
		script.WriteString("exec ")
		script.WriteString(ShellQuote(req.Binary))
		for _, a := range req.Args {
			script.WriteString(" ")
			script.WriteString(ShellQuote(a))
		}
	} else {
		script.WriteString(req.ShellCommand)
	}

	parts := []string{"env"}
	for _, k := range keys {
		parts = append(parts, k+"="+ShellQuote(req.Env[k]))
	}
	parts = append(parts, ShellQuote(shell), "-lc", ShellQuote(script.String()))
	return strings.Join(parts, " "), nil
}
