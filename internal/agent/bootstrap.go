package agent

import (
	"bytes"
	"fmt"
	"text/template"
)

// TaskInfo is the part of a task a worker is told about.
type TaskInfo struct {
	ID          string
	Subject     string
	Description string
}

// BootstrapContext identifies the worker and task being bootstrapped.
type BootstrapContext struct {
	Team          string
	Worker        string
	AgentType     string
	Task          TaskInfo
	WorkerDir     string
	InboxPath     string
	DonePath      string
	HeartbeatPath string
	ShutdownPath  string
	AckPath       string
}

// Bootstrapper produces the text a worker reads. The orchestrator treats the
// result as opaque.
type Bootstrapper interface {
	// Instruction is written to the worker's inbox for its current task.
	Instruction(BootstrapContext) (string, error)
	// Overlay is written once per worker at team start.
	Overlay(BootstrapContext) (string, error)
}

// TriggerMessage is what a worker is told once it is running: go read the inbox.
func TriggerMessage(inboxPath string) string {
	return fmt.Sprintf("Read your inbox at %s and follow the instructions there.", inboxPath)
}

const instructionTemplate = `# Task {{.Task.ID}}: {{.Task.Subject}}

You are {{.Worker}} on team {{.Team}}.

{{if .Task.Description}}{{.Task.Description}}

{{end}}## When you finish

Write {{.DonePath}} containing JSON:

    {"taskId": "{{.Task.ID}}", "status": "completed", "summary": "<one line>", "completedAt": "<RFC3339 time>"}

Use "status": "failed" if you could not complete the task. Do not write the
file until you are done; it ends your assignment.

## While you work

Every minute or so, write {{.HeartbeatPath}} containing JSON:

    {"updatedAt": "<RFC3339 time>", "currentTaskId": "{{.Task.ID}}"}

A worker without a fresh heartbeat is eventually treated as stuck.
`

const overlayTemplate = `# {{.Worker}} ({{.AgentType}}) on team {{.Team}}

Your working files live in {{.WorkerDir}}.

- Instructions for your current task: {{.InboxPath}}
- Completion signal you write: {{.DonePath}}
- Heartbeat you keep fresh: {{.HeartbeatPath}}

If {{.ShutdownPath}} appears, stop what you are doing{{if .AckPath}} and create {{.AckPath}}{{end}}.
`

// TemplateBootstrapper renders instruction and overlay text from Go templates.
type TemplateBootstrapper struct {
	instruction *template.Template
	overlay     *template.Template
}

// NewTemplateBootstrapper parses the given templates. Empty strings select
// the built-in text.
func NewTemplateBootstrapper(instruction, overlay string) (*TemplateBootstrapper, error) {
	if instruction == "" {
		instruction = instructionTemplate
	}
	if overlay == "" {
		overlay = overlayTemplate
	}
	it, err := template.New("instruction").Parse(instruction)
	if err != nil {
		return nil, fmt.Errorf("parse instruction template: %w", err)
	}
	ot, err := template.New("overlay").Parse(overlay)
	if err != nil {
		return nil, fmt.Errorf("parse overlay template: %w", err)
	}
	return &TemplateBootstrapper{instruction: it, overlay: ot}, nil
}

// DefaultBootstrapper returns a TemplateBootstrapper with the built-in text.
func DefaultBootstrapper() *TemplateBootstrapper {
	b, err := NewTemplateBootstrapper("", "")
	if err != nil {
		panic(err)
	}
	return b
}

func (b *TemplateBootstrapper) Instruction(c BootstrapContext) (string, error) {
	return render(b.instruction, c)
}

func (b *TemplateBootstrapper) Overlay(c BootstrapContext) (string, error) {
	return render(b.overlay, c)
}

func render(t *template.Template, c BootstrapContext) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
