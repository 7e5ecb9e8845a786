package tmux

import (
	"context"
	"strconv"
	"strings"
)

// Client issues typed tmux subcommands through a Runner.
type Client struct {
	r Runner
}

// NewClient creates a Client. A nil runner uses ExecRunner on the default server.
func NewClient(r Runner) *Client {
	if r == nil {
		r = ExecRunner{}
	}
	return &Client{r: r}
}

// Runner returns the underlying runner.
func (c *Client) Runner() Runner {
	return c.r
}

// NewSession creates a detached session with a fixed geometry and returns the
// id of its first pane.
func (c *Client) NewSession(ctx context.Context, name, cwd string, width, height int) (string, error) {
	args := []string{"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(width), "-y", strconv.Itoa(height)}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, "-P", "-F", "#{pane_id}")
	out, err := c.r.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// KillSession kills a session. A missing session is not an error.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.r.Run(ctx, "kill-session", "-t", name)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// HasSession reports whether a session exists.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.r.Run(ctx, "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// SplitWindow splits target and runs command in the new pane, returning its id.
// horizontal places the new pane to the right (-h), otherwise below (-v).
// The new pane does not take focus.
func (c *Client) SplitWindow(ctx context.Context, target string, horizontal bool, cwd, command string) (string, error) {
	dir := "-v"
	if horizontal {
		dir = "-h"
	}
	args := []string{"split-window", dir, "-d", "-t", target}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, "-P", "-F", "#{pane_id}")
	if command != "" {
		args = append(args, command)
	}
	out, err := c.r.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SelectLayout applies a named layout to the window containing target.
func (c *Client) SelectLayout(ctx context.Context, target, layout string) error {
	_, err := c.r.Run(ctx, "select-layout", "-t", target, layout)
	return err
}

// SelectPane makes target the active pane.
func (c *Client) SelectPane(ctx context.Context, target string) error {
	_, err := c.r.Run(ctx, "select-pane", "-t", target)
	return err
}

// SetWindowOption sets a window option on the window containing target.
func (c *Client) SetWindowOption(ctx context.Context, target, key, value string) error {
	_, err := c.r.Run(ctx, "set-option", "-w", "-t", target, key, value)
	return err
}

// SetPaneOption sets a pane option (including @user options) on target.
func (c *Client) SetPaneOption(ctx context.Context, target, key, value string) error {
	_, err := c.r.Run(ctx, "set-option", "-p", "-t", target, key, value)
	return err
}

// Display expands a format string in the context of target.
func (c *Client) Display(ctx context.Context, target, format string) (string, error) {
	args := []string{"display-message", "-p"}
	if target != "" {
		args = append(args, "-t", target)
	}
	args = append(args, format)
	out, err := c.r.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CapturePane returns the visible contents of target. A positive history
// includes that many scrollback lines.
func (c *Client) CapturePane(ctx context.Context, target string, history int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", target}
	if history > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(history))
	}
	return c.r.Run(ctx, args...)
}

// SendLiteral types text into target without interpreting key names.
func (c *Client) SendLiteral(ctx context.Context, target, text string) error {
	_, err := c.r.Run(ctx, "send-keys", "-t", target, "-l", "--", text)
	return err
}

// SendKeys sends named keys (Enter, Tab, C-u, ...) to target.
func (c *Client) SendKeys(ctx context.Context, target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	_, err := c.r.Run(ctx, args...)
	return err
}

// KillPane kills target. A missing pane is not an error.
func (c *Client) KillPane(ctx context.Context, target string) error {
	_, err := c.r.Run(ctx, "kill-pane", "-t", target)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// ListPanes returns one formatted line per pane in the window containing target.
func (c *Client) ListPanes(ctx context.Context, target, format string) ([]string, error) {
	out, err := c.r.Run(ctx, "list-panes", "-t", target, "-F", format)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
