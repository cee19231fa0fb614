package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/factsync/internal/ir"
)

// TraceSnapshot captures the complete observable outcome of a scenario.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string            `json:"scenario_name"`
	Trace        []TraceEvent      `json:"trace"`
	LocalHeads   map[string]string `json:"local_heads"`
	RemoteHead   string            `json:"remote_head"`
	ChainDigest  string            `json:"chain_digest"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"step": event.Step,
			"op":   event.Op,
		}
		if event.Replica != "" {
			eventMap["replica"] = event.Replica
		}
		if len(event.Args) > 0 {
			eventMap["args"] = event.Args
		}
		traceList[i] = eventMap
	}

	heads := make(map[string]any, len(s.LocalHeads))
	for name, head := range s.LocalHeads {
		heads[name] = head
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"local_heads":   heads,
		"remote_head":   s.RemoteHead,
		"chain_digest":  s.ChainDigest,
	}
}

func snapshotOf(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		LocalHeads:   result.LocalHeads,
		RemoteHead:   result.RemoteHead,
		ChainDigest:  result.ChainDigest,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := snapshotOf(scenarioName, result)
	traceJSON, err := ir.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
