package team

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/teamdir"
)

// JobTask is one task of a job description.
type JobTask struct {
	Subject     string `json:"subject" yaml:"subject" toml:"subject" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
}

// Job describes a team to start.
type Job struct {
	Team       string    `json:"team" yaml:"team" toml:"team" validate:"required,teamname"`
	AgentTypes []string  `json:"agentTypes" yaml:"agentTypes" toml:"agentTypes" validate:"min=1,dive,required"`
	Tasks      []JobTask `json:"tasks" yaml:"tasks" toml:"tasks" validate:"min=1,dive"`
	// WorkerCount overrides the number of worker slots. Zero means one slot
	// per distinct agent type.
	WorkerCount int `json:"workerCount,omitempty" yaml:"workerCount" toml:"workerCount" validate:"gte=0"`
	// Cwd is where worker panes start. Empty means the current directory.
	Cwd string `json:"cwd,omitempty" yaml:"cwd" toml:"cwd"`
	// Model is passed to every agent that takes a model flag.
	Model string `json:"model,omitempty" yaml:"model" toml:"model"`
	// AgentArgs are appended to every agent's arguments.
	AgentArgs []string `json:"agentArgs,omitempty" yaml:"agentArgs" toml:"agentArgs"`
}

// Job formats accepted by DecodeJob.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("teamname", func(fl validator.FieldLevel) bool {
		return teamdir.ValidateName("team", fl.Field().String()) == nil
	})
	return v
}

// FormatFromPath guesses a job format from a file extension. It returns ""
// when the extension is not recognized.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	}
	return ""
}

// DecodeJob reads a job description. An empty format sniffs the input: a
// leading '{' is JSON, anything else is tried as TOML and then YAML.
func DecodeJob(r io.Reader, format string) (*Job, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.NewValidationError("job description is empty")
	}

	var job Job
	switch strings.ToLower(format) {
	case FormatJSON:
		err = decodeJSON(data, &job)
	case FormatYAML:
		err = yaml.Unmarshal(data, &job)
	case FormatTOML:
		_, err = toml.Decode(string(data), &job)
	case "":
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
			err = decodeJSON(data, &job)
			break
		}
		if _, tomlErr := toml.Decode(string(data), &job); tomlErr != nil {
			job = Job{}
			if yamlErr := yaml.Unmarshal(data, &job); yamlErr != nil {
				err = fmt.Errorf("not TOML (%v) or YAML (%w)", tomlErr, yamlErr)
			}
		}
	default:
		return nil, errors.NewValidationError("unknown job format").WithField("format").WithValue(format)
	}
	if err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	return &job, nil
}

func decodeJSON(data []byte, job *Job) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(job)
}

// Validate checks the job's fields. maxWorkers caps the slot count; zero
// disables the cap.
func (j *Job) Validate(maxWorkers int) error {
	if err := validate.Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return fmt.Errorf("validate job: %w", err)
		}
		fe := verrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "Job.")
		verr := errors.NewValidationError(fmt.Sprintf("failed %q rule", fe.Tag())).WithField(field).WithValue(fe.Value())
		if fe.Tag() == "teamname" {
			verr = verr.WithCause(errors.ErrInvalidName)
		}
		return verr
	}
	if maxWorkers > 0 && j.SlotCount() > maxWorkers {
		return errors.NewValidationError(fmt.Sprintf("at most %d workers are allowed", maxWorkers)).
			WithField("WorkerCount").WithValue(j.SlotCount())
	}
	return nil
}

// DistinctAgentTypes returns the agent types in first-seen order without repeats.
func (j *Job) DistinctAgentTypes() []string {
	var out []string
	for _, a := range j.AgentTypes {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// SlotCount is the number of worker slots the job asks for.
func (j *Job) SlotCount() int {
	if j.WorkerCount > 0 {
		return j.WorkerCount
	}
	return len(j.DistinctAgentTypes())
}

// Slots names the worker slots and assigns agent types round-robin.
func (j *Job) Slots() []teamdir.WorkerSlot {
	types := j.DistinctAgentTypes()
	if len(types) == 0 {
		return nil
	}
	n := j.SlotCount()
	slots := make([]teamdir.WorkerSlot, n)
	for i := range n {
		slots[i] = teamdir.WorkerSlot{
			Name:      teamdir.WorkerName(i + 1),
			AgentType: types[i%len(types)],
		}
	}
	return slots
}
