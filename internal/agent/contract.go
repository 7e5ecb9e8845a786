package agent

import (
	"fmt"
	"maps"
	"os/exec"
	"slices"

	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/Iron-Ham/panecrew/internal/errors"
)

// PromptMode describes how an agent accepts its first message at launch.
type PromptMode struct {
	// Supported means the message is passed on the command line and the
	// agent is never typed into.
	Supported bool
	// Flag precedes the message. Empty means the message is a trailing
	// positional argument.
	Flag string
}

// LaunchSpec is everything needed to start one agent process.
type LaunchSpec struct {
	AgentType    string
	Binary       string // absolute path
	Args         []string
	Env          map[string]string
	PromptMode   PromptMode
	AcksShutdown bool
	Interop      bool
}

// ArgsWithPrompt returns Args with message appended per the prompt convention.
// Without prompt mode it returns Args unchanged.
func (s LaunchSpec) ArgsWithPrompt(message string) []string {
	args := slices.Clone(s.Args)
	if !s.PromptMode.Supported || message == "" {
		return args
	}
	if s.PromptMode.Flag != "" {
		args = append(args, s.PromptMode.Flag)
	}
	return append(args, message)
}

// ResolveOptions adjusts a launch for one team.
type ResolveOptions struct {
	// Model overrides the agent's configured model.
	Model string
	// ExtraArgs are appended after the agent's own arguments.
	ExtraArgs []string
}

// LaunchContract resolves agent types to launch specs.
type LaunchContract interface {
	// Resolve fails with ErrAgentUnavailable when the agent type is unknown
	// or its executable cannot be found.
	Resolve(agentType string, opts ResolveOptions) (LaunchSpec, error)
}

// Definition is one agent type known to a Registry.
type Definition struct {
	Binary           string
	Args             []string
	Model            string
	ModelFlag        string
	PromptFlag       string
	PromptPositional bool
	AcksShutdown     bool
	Interop          bool
	Env              map[string]string
}

// Builtins are the agent types known without configuration.
var Builtins = map[string]Definition{
	"claude": {
		Binary:    "claude",
		ModelFlag: "--model",
	},
	"codex": {
		Binary:           "codex",
		ModelFlag:        "--model",
		PromptPositional: true,
	},
	"gemini": {
		Binary:     "gemini",
		ModelFlag:  "--model",
		PromptFlag: "--prompt-interactive",
	},
	"opencode": {
		Binary:     "opencode",
		ModelFlag:  "--model",
		PromptFlag: "--prompt",
	},
}

// Registry is the default LaunchContract.
type Registry struct {
	defs     map[string]Definition
	lookPath func(string) (string, error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLookPath replaces exec.LookPath.
func WithLookPath(fn func(string) (string, error)) RegistryOption {
	return func(r *Registry) { r.lookPath = fn }
}

// NewRegistry builds a registry from the built-ins overlaid with configured
// agents. A configured agent with a built-in name overrides the fields it sets.
func NewRegistry(agents map[string]config.AgentConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		defs:     maps.Clone(Builtins),
		lookPath: exec.LookPath,
	}
	for name, ac := range agents {
		r.defs[name] = merge(r.defs[name], ac)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func merge(d Definition, ac config.AgentConfig) Definition {
	if ac.Binary != "" {
		d.Binary = ac.Binary
	}
	if len(ac.Args) > 0 {
		d.Args = slices.Clone(ac.Args)
	}
	if ac.Model != "" {
		d.Model = ac.Model
	}
	if ac.ModelFlag != "" {
		d.ModelFlag = ac.ModelFlag
	}
	if ac.PromptFlag != "" {
		d.PromptFlag, d.PromptPositional = ac.PromptFlag, false
	}
	if ac.PromptPositional {
		d.PromptFlag, d.PromptPositional = "", true
	}
	d.AcksShutdown = d.AcksShutdown || ac.AcksShutdown
	d.Interop = d.Interop || ac.Interop
	if len(ac.Env) > 0 {
		env := maps.Clone(d.Env)
		if env == nil {
			env = make(map[string]string, len(ac.Env))
		}
		maps.Copy(env, ac.Env)
		d.Env = env
	}
	return d
}

// Names returns the known agent types, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.defs))
}

// Resolve implements LaunchContract.
func (r *Registry) Resolve(agentType string, opts ResolveOptions) (LaunchSpec, error) {
	def, ok := r.defs[agentType]
	if !ok || def.Binary == "" {
		return LaunchSpec{}, fmt.Errorf("unknown agent type %q: %w", agentType, errors.ErrAgentUnavailable)
	}
	path, err := r.lookPath(def.Binary)
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("agent %q: %s not found in PATH: %w", agentType, def.Binary,
			errors.Join(errors.ErrAgentUnavailable, err))
	}

	args := slices.Clone(def.Args)
	model := def.Model
	if opts.Model != "" {
		model = opts.Model
	}
	if model != "" && def.ModelFlag != "" {
		args = append(args, def.ModelFlag, model)
	}
	args = append(args, opts.ExtraArgs...)

	return LaunchSpec{
		AgentType: agentType,
		Binary:    path,
		Args:      args,
		Env:       maps.Clone(def.Env),
		PromptMode: PromptMode{
			Supported: def.PromptFlag != "" || def.PromptPositional,
			Flag:      def.PromptFlag,
		},
		AcksShutdown: def.AcksShutdown,
		Interop:      def.Interop,
	}, nil
}
