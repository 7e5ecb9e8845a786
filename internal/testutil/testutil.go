// Package testutil provides testing utilities for panecrew tests.
//
// The main piece is [FakeTmux], an in-memory tmux server that implements the
// tmux.Runner interface. It understands the subcommands the pane supervisor
// issues, keeps per-pane options and input buffers, and lets tests mark panes
// dead, put them in copy mode, or make them swallow Enter.
package testutil

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// DefaultPrompt is what a fresh fake pane shows once its shell is ready.
const DefaultPrompt = "$ "

// FakePane is one pane of the fake tmux server.
type FakePane struct {
	ID      string
	Session string
	Command string
	Options map[string]string
	Dead    bool
	InMode  bool
	// Screen is the output above the input line.
	Screen string
	// Prompt precedes the input buffer on the last line.
	Prompt string
	// Input holds typed but unsubmitted text.
	Input string
	// Submitted records every input that Enter accepted.
	Submitted []string
	// Keys records every named key sent to the pane.
	Keys []string
	// SwallowEnter makes the next N Enter presses do nothing.
	SwallowEnter int
}

// FakeTmux is an in-memory stand-in for the tmux executable.
// It is safe for concurrent use.
type FakeTmux struct {
	mu       sync.Mutex
	calls    [][]string
	sessions map[string][]string // session name -> pane ids in creation order
	panes    map[string]*FakePane
	nextPane int

	// Fail makes a subcommand return the given error.
	Fail map[string]error
	// OnSplit runs after a pane is created by split-window.
	OnSplit func(p *FakePane)
	// OnSubmit runs after Enter submits a pane's input.
	OnSubmit func(p *FakePane, input string)
	// WindowWidth is reported for #{window_width}.
	WindowWidth int
}

// NewFakeTmux creates an empty fake server.
func NewFakeTmux() *FakeTmux {
	return &FakeTmux{
		sessions:    make(map[string][]string),
		panes:       make(map[string]*FakePane),
		Fail:        make(map[string]error),
		WindowWidth: 220,
	}
}

// AddSession creates a session with a single pane, as if the user had
// started tmux themselves. It returns the pane id.
func (f *FakeTmux) AddSession(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addPaneLocked(name, "")
}

func (f *FakeTmux) addPaneLocked(session, command string) string {
	id := "%" + strconv.Itoa(f.nextPane)
	f.nextPane++
	f.panes[id] = &FakePane{
		ID:      id,
		Session: session,
		Command: command,
		Options: make(map[string]string),
		Prompt:  DefaultPrompt,
	}
	f.sessions[session] = append(f.sessions[session], id)
	return id
}

// Pane returns a pane by id, or nil.
func (f *FakeTmux) Pane(id string) *FakePane {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panes[id]
}

// Update runs fn on a pane under the server lock.
func (f *FakeTmux) Update(id string, fn func(p *FakePane)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.panes[id]; p != nil {
		fn(p)
	}
}

// SetFail makes sub return err, or clears the failure when err is nil.
// Use it instead of writing Fail once panes are being driven concurrently.
func (f *FakeTmux) SetFail(sub string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, sub)
		return
	}
	f.Fail[sub] = err
}

// SetOnSplit replaces the split hook under the server lock.
func (f *FakeTmux) SetOnSplit(fn func(p *FakePane)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OnSplit = fn
}

// PaneIDs returns the pane ids of a session in creation order.
func (f *FakeTmux) PaneIDs(session string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sessions[session])
}

// HasSession reports whether the fake session exists.
func (f *FakeTmux) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

// Calls returns a copy of every invocation so far.
func (f *FakeTmux) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = slices.Clone(c)
	}
	return out
}

// CallCount returns how many times a subcommand was invoked.
func (f *FakeTmux) CallCount(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > 0 && c[0] == sub {
			n++
		}
	}
	return n
}

// Run implements tmux.Runner.
func (f *FakeTmux) Run(ctx context.Context, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", fmt.Errorf("tmux: no command")
	}

	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(args))
	if err := f.Fail[args[0]]; err != nil {
		f.mu.Unlock()
		return "", err
	}
	out, hook, err := f.dispatchLocked(args)
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, err
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, flag string) bool {
	return slices.Contains(args, flag)
}

func (f *FakeTmux) resolveLocked(target string) (*FakePane, error) {
	if strings.HasPrefix(target, "%") {
		if p, ok := f.panes[target]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("tmux: can't find pane: %s", target)
	}
	ids, ok := f.sessions[target]
	if !ok || len(ids) == 0 {
		return nil, fmt.Errorf("tmux: can't find session: %s", target)
	}
	return f.panes[ids[0]], nil
}

func (f *FakeTmux) dispatchLocked(args []string) (string, func(), error) {
	target := flagValue(args, "-t")

	switch args[0] {
	case "new-session":
		name := flagValue(args, "-s")
		if _, exists := f.sessions[name]; exists {
			return "", nil, fmt.Errorf("tmux: duplicate session: %s", name)
		}
		return f.addPaneLocked(name, ""), nil, nil

	case "kill-session":
		ids, ok := f.sessions[target]
		if !ok {
			return "", nil, fmt.Errorf("tmux: can't find session: %s", target)
		}
		for _, id := range ids {
			delete(f.panes, id)
		}
		delete(f.sessions, target)
		return "", nil, nil

	case "has-session":
		if _, ok := f.sessions[target]; !ok {
			return "", nil, fmt.Errorf("tmux: can't find session: %s", target)
		}
		return "", nil, nil

	case "split-window":
		parent, err := f.resolveLocked(target)
		if err != nil {
			return "", nil, err
		}
		command := ""
		last := args[len(args)-1]
		if len(args) > 1 && args[len(args)-2] != "-F" && !strings.HasPrefix(last, "-") {
			command = last
		}
		id := f.addPaneLocked(parent.Session, command)
		p := f.panes[id]
		if f.OnSplit != nil {
			hook := f.OnSplit
			return id, func() { hook(p) }, nil
		}
		return id, nil, nil

	case "select-layout", "select-pane":
		_, err := f.resolveLocked(target)
		return "", nil, err

	case "set-option":
		p, err := f.resolveLocked(target)
		if err != nil {
			return "", nil, err
		}
		n := len(args)
		p.Options[args[n-2]] = args[n-1]
		return "", nil, nil

	case "display-message":
		p, err := f.resolveLocked(target)
		if err != nil {
			return "", nil, err
		}
		return f.expandLocked(p, args[len(args)-1]), nil, nil

	case "capture-pane":
		p, err := f.resolveLocked(target)
		if err != nil {
			return "", nil, err
		}
		return p.render(), nil, nil

	case "send-keys":
		p, err := f.resolveLocked(target)
		if err != nil {
			return "", nil, err
		}
		if hasFlag(args, "-l") {
			if !p.InMode {
				p.Input += args[len(args)-1]
			}
			return "", nil, nil
		}
		var hook func()
		for _, key := range args[3:] {
			p.Keys = append(p.Keys, key)
			if p.InMode {
				continue
			}
			switch key {
			case "Enter":
				if p.SwallowEnter > 0 {
					p.SwallowEnter--
					continue
				}
				input := p.Input
				p.Submitted = append(p.Submitted, input)
				p.Input = ""
				if f.OnSubmit != nil {
					cb := f.OnSubmit
					hook = func() { cb(p, input) }
				}
			case "C-u":
				p.Input = ""
			}
		}
		return "", hook, nil

	case "kill-pane":
		p, err := f.resolveLocked(target)
		if err != nil {
			return "", nil, err
		}
		delete(f.panes, p.ID)
		ids := f.sessions[p.Session]
		f.sessions[p.Session] = slices.DeleteFunc(ids, func(id string) bool { return id == p.ID })
		return "", nil, nil

	case "list-panes":
		p, err := f.resolveLocked(target)
		if err != nil {
			return "", nil, err
		}
		format := flagValue(args, "-F")
		var lines []string
		for _, id := range f.sessions[p.Session] {
			lines = append(lines, f.expandLocked(f.panes[id], format))
		}
		return strings.Join(lines, "\n"), nil, nil
	}

	return "", nil, fmt.Errorf("tmux: unknown command: %s", args[0])
}

var formatVar = regexp.MustCompile(`#\{([^}]+)\}`)

func (f *FakeTmux) expandLocked(p *FakePane, format string) string {
	return formatVar.ReplaceAllStringFunc(format, func(m string) string {
		name := m[2 : len(m)-1]
		switch name {
		case "pane_id":
			return p.ID
		case "pane_dead":
			return boolFlag(p.Dead)
		case "pane_in_mode":
			return boolFlag(p.InMode)
		case "window_width":
			return strconv.Itoa(f.WindowWidth)
		case "session_name":
			return p.Session
		}
		if strings.HasPrefix(name, "@") {
			return p.Options[name]
		}
		return ""
	})
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (p *FakePane) render() string {
	var sb strings.Builder
	if p.Screen != "" {
		sb.WriteString(p.Screen)
		if !strings.HasSuffix(p.Screen, "\n") {
			sb.WriteString("\n")
		}
	}
	sb.WriteString(p.Prompt)
	sb.WriteString(p.Input)
	return sb.String()
}
