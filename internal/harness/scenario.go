package harness

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultNamespace is the log namespace used when a scenario names none.
const DefaultNamespace = "316ea470-ce35-4adf-9c61-e0de6e289c59"

// Scenario defines a sync scenario: a set of replicas sharing one remote
// log, a sequence of steps against them, and assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Namespace is the remote log namespace. Defaults to DefaultNamespace.
	Namespace string `yaml:"namespace,omitempty"`

	// ListLimit is the server's page size for list-after. Zero keeps the
	// server default.
	ListLimit int `yaml:"list_limit,omitempty"`

	// Replicas names the local stores, in order. The position of a replica
	// fixes the ids it allocates, so reordering changes every trace.
	Replicas []string `yaml:"replicas"`

	// Steps run in order against the replicas and the remote.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	// Supported types: converged, remote_chain, datoms, pending, fact
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Exactly one of Transact, Sync and Seed is set.
type Step struct {
	// Transact commits Parts as a local transaction on the named replica.
	Transact string `yaml:"transact,omitempty"`

	// Sync runs one sync pass for the named replica.
	Sync string `yaml:"sync,omitempty"`

	// Mode restricts a sync pass: "pull", "push" or empty for both.
	Mode string `yaml:"mode,omitempty"`

	// Seed writes a transaction straight into the remote log, bypassing
	// every client-side check.
	Seed *SeedStep `yaml:"seed,omitempty"`

	// Parts are wire-form transaction parts (transact only).
	Parts []map[string]any `yaml:"parts,omitempty"`

	// Expect validates the step outcome. If nil, the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// SeedStep is a transaction written directly to the remote.
type SeedStep struct {
	// ID is the transaction UUID.
	ID string `yaml:"id"`

	// Parent defaults to the current remote head.
	Parent string `yaml:"parent,omitempty"`

	// Parts are wire-form transaction parts.
	Parts []map[string]any `yaml:"parts"`
}

// ExpectClause specifies the expected outcome of a step.
// Unset counters are not checked.
type ExpectClause struct {
	// Error is the expected error kind (e.g. "BAD_REMOTE_STATE").
	// Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	Pulled  *int `yaml:"pulled,omitempty"`
	Applied *int `yaml:"applied,omitempty"`
	Skipped *int `yaml:"skipped,omitempty"`
	Pushed  *int `yaml:"pushed,omitempty"`
	Chunks  *int `yaml:"chunks,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "converged": every listed replica (all when empty) holds the remote
	//   head, has nothing pending, and holds the same datoms
	// - "remote_chain": the remote chain has exactly Count transactions
	// - "datoms": Replica holds exactly Count datoms
	// - "pending": Replica has exactly Count unpushed transactions
	// - "fact": Replica holds an asserted datom Entity Attribute Value
	Type string `yaml:"type"`

	// Replica is the replica inspected (datoms, pending, fact).
	Replica string `yaml:"replica,omitempty"`

	// Replicas restricts converged to a subset.
	Replicas []string `yaml:"replicas,omitempty"`

	// Count is the expected number (remote_chain, datoms, pending).
	Count *int `yaml:"count,omitempty"`

	// Entity, Attribute and Value identify a fact.
	Entity    string `yaml:"entity,omitempty"`
	Attribute string `yaml:"attribute,omitempty"`
	Value     any    `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged   = "converged"
	AssertRemoteChain = "remote_chain"
	AssertDatoms      = "datoms"
	AssertPending     = "pending"
	AssertFact        = "fact"
)

// Sync modes.
const (
	ModePull = "pull"
	ModePush = "push"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:"
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

// NamespaceID returns the parsed namespace, or DefaultNamespace.
func (s *Scenario) NamespaceID() (uuid.UUID, error) {
	if s.Namespace == "" {
		return uuid.MustParse(DefaultNamespace), nil
	}
	return uuid.Parse(s.Namespace)
}

// validateScenario checks required fields and cross-references.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := s.NamespaceID(); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	if s.ListLimit < 0 {
		return fmt.Errorf("list_limit must not be negative")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("at least one replica is required")
	}

	known := make(map[string]bool, len(s.Replicas))
	for i, name := range s.Replicas {
		if name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if known[name] {
			return fmt.Errorf("replicas[%d]: duplicate replica %q", i, name)
		}
		known[name] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range s.Steps {
		if err := validateStep(step, known); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, known); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, known map[string]bool) error {
	set := 0
	for _, ok := range []bool{step.Transact != "", step.Sync != "", step.Seed != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of transact, sync and seed is required")
	}

	switch {
	case step.Transact != "":
		if !known[step.Transact] {
			return fmt.Errorf("unknown replica %q", step.Transact)
		}
		if len(step.Parts) == 0 {
			return fmt.Errorf("transact needs parts")
		}
		if step.Mode != "" {
			return fmt.Errorf("mode only applies to sync")
		}
	case step.Sync != "":
		if !known[step.Sync] {
			return fmt.Errorf("unknown replica %q", step.Sync)
		}
		if len(step.Parts) > 0 {
			return fmt.Errorf("parts only apply to transact")
		}
		if step.Mode != "" && step.Mode != ModePull && step.Mode != ModePush {
			return fmt.Errorf("mode must be %q or %q, got %q", ModePull, ModePush, step.Mode)
		}
	default:
		if step.Expect != nil {
			return fmt.Errorf("seed steps take no expect clause")
		}
		if len(step.Parts) > 0 || step.Mode != "" {
			return fmt.Errorf("seed takes its parts inside the seed block")
		}
		if _, err := uuid.Parse(step.Seed.ID); err != nil {
			return fmt.Errorf("seed id: %w", err)
		}
		if step.Seed.Parent != "" {
			if _, err := uuid.Parse(step.Seed.Parent); err != nil {
				return fmt.Errorf("seed parent: %w", err)
			}
		}
		if len(step.Seed.Parts) == 0 {
			return fmt.Errorf("seed needs parts")
		}
	}
	return nil
}

func validateAssertion(a Assertion, known map[string]bool) error {
	needReplica := func() error {
		if a.Replica == "" {
			return fmt.Errorf("%s requires replica", a.Type)
		}
		if !known[a.Replica] {
			return fmt.Errorf("unknown replica %q", a.Replica)
		}
		return nil
	}

	switch a.Type {
	case AssertConverged:
		for _, name := range a.Replicas {
			if !known[name] {
				return fmt.Errorf("unknown replica %q", name)
			}
		}
	case AssertRemoteChain:
		if a.Count == nil {
			return fmt.Errorf("remote_chain requires count")
		}
	case AssertDatoms, AssertPending:
		if err := needReplica(); err != nil {
			return err
		}
		if a.Count == nil {
			return fmt.Errorf("%s requires count", a.Type)
		}
	case AssertFact:
		if err := needReplica(); err != nil {
			return err
		}
		if _, err := uuid.Parse(a.Entity); err != nil {
			return fmt.Errorf("fact entity: %w", err)
		}
		if a.Attribute == "" {
			return fmt.Errorf("fact requires attribute")
		}
		if a.Value == nil {
			return fmt.Errorf("fact requires value")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
