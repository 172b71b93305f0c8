package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/change"
)

// Scenario defines a sync conformance scenario.
// A scenario drives one client store against an in-memory server through a
// list of steps, then checks the final local and remote state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// CycleID is the fixed cycle id stamped on every report of the run.
	// Defaults to "test-cycle-default".
	CycleID string `yaml:"cycle_id,omitempty"`

	// Steps run in order. Each step does exactly one thing.
	Steps []Step `yaml:"steps"`

	// Expect validates the state after the last step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	// Seed applies changes on the server as if another client pushed them.
	// Same shape as the pull/push "changes" object.
	Seed map[string]any `yaml:"seed,omitempty"`

	// Create, Update and Delete are local writes.
	Create *WriteStep `yaml:"create,omitempty"`
	Update *WriteStep `yaml:"update,omitempty"`
	Delete *WriteStep `yaml:"delete,omitempty"`

	// FailPushes and FailPulls make the next n server calls answer 503.
	FailPushes int `yaml:"fail_pushes,omitempty"`
	FailPulls  int `yaml:"fail_pulls,omitempty"`

	// Sync runs one cycle and checks its report.
	Sync *SyncStep `yaml:"sync,omitempty"`

	// Compact drops local tombstones with no pending mutations.
	Compact bool `yaml:"compact,omitempty"`
}

// WriteStep is a local create, update or delete.
type WriteStep struct {
	Table  string         `yaml:"table"`
	ID     string         `yaml:"id"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// SyncStep runs one cycle. Unset expectations are not checked.
type SyncStep struct {
	// Outcome is "success" or "failed". Defaults to "success".
	Outcome string `yaml:"outcome,omitempty"`

	// FailedAt is the phase name a failed cycle stopped in (e.g. "PUSHING").
	FailedAt string `yaml:"failed_at,omitempty"`

	// Code is the error category of a failed cycle (e.g. "TRANSPORT").
	Code string `yaml:"code,omitempty"`

	Pulled    *int `yaml:"pulled,omitempty"`
	Pushed    *int `yaml:"pushed,omitempty"`
	Conflicts *int `yaml:"conflicts,omitempty"`
}

// Expect validates the final state.
type Expect struct {
	// Cursor is the expected persisted last pulled version.
	Cursor *int64 `yaml:"cursor,omitempty"`

	// Pending is the expected number of unpushed mutation log entries.
	Pending *int `yaml:"pending,omitempty"`

	// ServerVersion is the expected server version.
	ServerVersion *int64 `yaml:"server_version,omitempty"`

	// Local and Server list the expected live records per table, ordered by
	// id. Every listed key must match; unlisted keys are ignored. The set of
	// ids must match exactly.
	Local  map[string][]map[string]any `yaml:"local,omitempty"`
	Server map[string][]map[string]any `yaml:"server,omitempty"`
}

// Step kinds.
const (
	StepSeed       = "seed"
	StepCreate     = "create"
	StepUpdate     = "update"
	StepDelete     = "delete"
	StepFailPushes = "fail_pushes"
	StepFailPulls  = "fail_pulls"
	StepSync       = "sync"
	StepCompact    = "compact"
)

// Kind names the action of a step, or "" if none is set.
func (s Step) Kind() string {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (s Step) kinds() []string {
	var out []string
	if s.Seed != nil {
		out = append(out, StepSeed)
	}
	if s.Create != nil {
		out = append(out, StepCreate)
	}
	if s.Update != nil {
		out = append(out, StepUpdate)
	}
	if s.Delete != nil {
		out = append(out, StepDelete)
	}
	if s.FailPushes > 0 {
		out = append(out, StepFailPushes)
	}
	if s.FailPulls > 0 {
		out = append(out, StepFailPulls)
	}
	if s.Sync != nil {
		out = append(out, StepSync)
	}
	if s.Compact {
		out = append(out, StepCompact)
	}
	return out
}

// SeedChanges decodes the seed step through the wire codec.
func (s Step) SeedChanges() (change.Changes, error) {
	return decodeChanges(s.Seed)
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	kinds := step.kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: no action set", i)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: exactly one action allowed, got %v", i, kinds)
	}

	switch kinds[0] {
	case StepSeed:
		if _, err := step.SeedChanges(); err != nil {
			return fmt.Errorf("steps[%d].seed: %w", i, err)
		}
	case StepCreate, StepUpdate, StepDelete:
		w := step.Create
		if w == nil {
			w = step.Update
		}
		if w == nil {
			w = step.Delete
		}
		if w.Table == "" {
			return fmt.Errorf("steps[%d].%s: table is required", i, kinds[0])
		}
		if w.ID == "" {
			return fmt.Errorf("steps[%d].%s: id is required", i, kinds[0])
		}
	case StepSync:
		switch step.Sync.Outcome {
		case "", "success", "failed":
		default:
			return fmt.Errorf("steps[%d].sync: unknown outcome %q", i, step.Sync.Outcome)
		}
		if step.Sync.FailedAt != "" && step.Sync.Outcome != "failed" {
			return fmt.Errorf("steps[%d].sync: failed_at requires outcome failed", i)
		}
	}
	return nil
}

// decodeChanges converts a YAML changes object into change.Changes by way of
// JSON, so seeds go through the same codec as pull responses.
func decodeChanges(raw map[string]any) (change.Changes, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out change.Changes
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
