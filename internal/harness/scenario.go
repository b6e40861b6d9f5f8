package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/record"
)

// Scenario is a scripted session against one resource store: seed the
// backend, run a flow of client actions and link changes, then assert on
// the final snapshot, queue and backend.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Resource is the resource the store is opened on.
	Resource string `yaml:"resource"`

	// Query shapes the store's snapshot.
	Query record.Query `yaml:"query,omitempty"`

	// Schema is an optional CUE file constraining the resource's records.
	// A relative path is resolved against the scenario file's directory.
	Schema string `yaml:"schema,omitempty"`

	// Seed rows are loaded into the backend before the flow starts.
	Seed []map[string]any `yaml:"seed,omitempty"`

	// StartOffline opens the store with the link already down.
	StartOffline bool `yaml:"start_offline,omitempty"`

	// Flow is the ordered list of steps.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one action in the flow.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// ID names the record for update, remove and remote_* actions. For a
	// record inserted offline, "$local" refers to the most recent local
	// identifier.
	ID string `yaml:"id,omitempty"`

	// Args is the payload for insert, update and remote_* actions. For
	// fail_next it holds {op: <backend op>, transient: bool}.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect optionally validates the step's outcome.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect validates a single step.
type Expect struct {
	// Error, when set, requires the step to fail (true) or succeed (false).
	Error *bool `yaml:"error,omitempty"`

	// IDs is the expected snapshot identifier order after the step.
	IDs []string `yaml:"ids,omitempty"`

	// Queue is the expected number of pending mutations after the step.
	Queue *int `yaml:"queue,omitempty"`
}

// Step actions.
const (
	ActionFetch        = "fetch"
	ActionInsert       = "insert"
	ActionUpdate       = "update"
	ActionRemove       = "remove"
	ActionOffline      = "offline"
	ActionOnline       = "online"
	ActionDrain        = "drain"
	ActionRemoteInsert = "remote_insert"
	ActionRemoteUpdate = "remote_update"
	ActionRemoteDelete = "remote_delete"
	ActionFailNext     = "fail_next"
)

var validActions = map[string]bool{
	ActionFetch:        true,
	ActionInsert:       true,
	ActionUpdate:       true,
	ActionRemove:       true,
	ActionOffline:      true,
	ActionOnline:       true,
	ActionDrain:        true,
	ActionRemoteInsert: true,
	ActionRemoteUpdate: true,
	ActionRemoteDelete: true,
	ActionFailNext:     true,
}

// LocalRef stands in for the most recent local identifier in Step.ID.
const LocalRef = "$local"

// Assertion validates the state after the flow.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// IDs is the expected snapshot identifier order (snapshot_ids).
	IDs []string `yaml:"ids,omitempty"`

	// Count is the expected number of entries (queue_length,
	// remote_count).
	Count *int `yaml:"count,omitempty"`

	// Ops is the expected backend call sequence, including query and
	// subscribe calls (remote_calls). The log is cleared by every online
	// step, so only calls since the last one are compared.
	Ops []string `yaml:"ops,omitempty"`

	// ID selects a row (remote_row, snapshot_row).
	ID string `yaml:"id,omitempty"`

	// Expect holds field values; subset match (remote_row, snapshot_row).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Online is the expected link state (status).
	Online *bool `yaml:"online,omitempty"`

	// Stale is the expected stale flag of the store (status).
	Stale *bool `yaml:"stale,omitempty"`
}

// Assertion types.
const (
	AssertSnapshotIDs = "snapshot_ids"
	AssertSnapshotRow = "snapshot_row"
	AssertQueueLength = "queue_length"
	AssertRemoteCalls = "remote_calls"
	AssertRemoteCount = "remote_count"
	AssertRemoteRow   = "remote_row"
	AssertStatus      = "status"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected and a relative schema path is resolved against the file's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Schema != "" && !filepath.IsAbs(s.Schema) {
		s.Schema = filepath.Join(filepath.Dir(path), s.Schema)
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if !validActions[step.Action] {
		return fmt.Errorf("unknown action %q", step.Action)
	}
	switch step.Action {
	case ActionUpdate, ActionRemove, ActionRemoteUpdate, ActionRemoteDelete:
		if step.ID == "" {
			return fmt.Errorf("%s requires id", step.Action)
		}
	case ActionFailNext:
		if op, _ := step.Args["op"].(string); op == "" {
			return fmt.Errorf("fail_next requires args.op")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertSnapshotIDs:
		if a.IDs == nil {
			return fmt.Errorf("snapshot_ids requires ids")
		}
	case AssertQueueLength, AssertRemoteCount:
		if a.Count == nil {
			return fmt.Errorf("%s requires count", a.Type)
		}
	case AssertRemoteCalls:
		if len(a.Ops) == 0 {
			return fmt.Errorf("remote_calls requires ops")
		}
	case AssertRemoteRow, AssertSnapshotRow:
		if a.ID == "" || len(a.Expect) == 0 {
			return fmt.Errorf("%s requires id and expect", a.Type)
		}
	case AssertStatus:
		if a.Online == nil && a.Stale == nil {
			return fmt.Errorf("status requires online or stale")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
