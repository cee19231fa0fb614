package harness

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/factsync/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		if event.Op == OpTransact || event.Op == OpSeed || event.Op == OpSync {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s %v\n", i+1, event.Step, event.Replica, event.Op, event.Args)
		}
	}

	return buf.String()
}

// assertConverged checks that the replicas agree with the remote and with
// each other.
func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	names := a.Replicas
	if len(names) == 0 {
		names = h.order
	}

	remoteHead, err := h.ns.Head(ctx)
	if err != nil {
		return err
	}

	var (
		reference []string
		refName   string
	)
	for _, name := range names {
		r := h.replicas[name]

		head, err := r.store.CurrentLocalHead(ctx)
		if err != nil {
			return err
		}
		if head != remoteHead {
			return h.fail(AssertConverged,
				fmt.Sprintf("%s local head %s", name, remoteHead),
				fmt.Sprintf("%s local head %s", name, head))
		}

		pending, err := r.store.PendingCount(ctx)
		if err != nil {
			return err
		}
		if pending != 0 {
			return h.fail(AssertConverged,
				fmt.Sprintf("%s has nothing pending", name),
				fmt.Sprintf("%s has %d pending transaction(s)", name, pending))
		}

		facts, err := h.datomSet(ctx, name)
		if err != nil {
			return err
		}
		if reference == nil {
			reference, refName = facts, name
			continue
		}
		if !slices.Equal(reference, facts) {
			return h.fail(AssertConverged,
				fmt.Sprintf("%s holds the %d datoms of %s", name, len(reference), refName),
				fmt.Sprintf("%s holds %d datoms, differing from %s", name, len(facts), refName))
		}
	}
	return nil
}

// assertRemoteChain checks the length of the remote chain.
func (h *Harness) assertRemoteChain(ctx context.Context, a Assertion) error {
	chain, err := h.ns.ListAfter(ctx, ir.EmptyHead, 0)
	if err != nil {
		return err
	}
	if len(chain) != *a.Count {
		return h.fail(AssertRemoteChain,
			fmt.Sprintf("%d transaction(s) on the remote chain", *a.Count),
			fmt.Sprintf("%d transaction(s)", len(chain)))
	}
	return nil
}

// assertDatoms checks how many datoms a replica holds.
func (h *Harness) assertDatoms(ctx context.Context, a Assertion) error {
	datoms, err := h.replicas[a.Replica].store.Datoms(ctx)
	if err != nil {
		return err
	}
	if len(datoms) != *a.Count {
		return h.fail(AssertDatoms,
			fmt.Sprintf("%s holds %d datom(s)", a.Replica, *a.Count),
			fmt.Sprintf("%d datom(s)", len(datoms)))
	}
	return nil
}

// assertPending checks how many local transactions await a push.
func (h *Harness) assertPending(ctx context.Context, a Assertion) error {
	n, err := h.replicas[a.Replica].store.PendingCount(ctx)
	if err != nil {
		return err
	}
	if n != *a.Count {
		return h.fail(AssertPending,
			fmt.Sprintf("%s has %d pending transaction(s)", a.Replica, *a.Count),
			fmt.Sprintf("%d pending", n))
	}
	return nil
}

// assertFact checks that a replica holds an asserted datom. A string value
// also matches a reference to the entity it names.
func (h *Harness) assertFact(ctx context.Context, a Assertion) error {
	e := uuid.MustParse(a.Entity)
	want, err := ir.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("fact value: %w", err)
	}
	wantJSON, err := ir.MarshalValue(want)
	if err != nil {
		return fmt.Errorf("fact value: %w", err)
	}

	datoms, err := h.replicas[a.Replica].store.EntityDatoms(ctx, e)
	if err != nil {
		return err
	}

	var seen []string
	for _, d := range datoms {
		if d.A != a.Attribute || !d.Added {
			continue
		}
		if d.Ref != nil {
			if s, ok := a.Value.(string); ok && s == d.Ref.String() {
				return nil
			}
			seen = append(seen, "ref "+d.Ref.String())
			continue
		}
		got, err := ir.MarshalValue(d.V)
		if err != nil {
			return err
		}
		if bytes.Equal(got, wantJSON) {
			return nil
		}
		seen = append(seen, string(got))
	}

	actual := "no such attribute"
	if len(seen) > 0 {
		actual = "values " + strings.Join(seen, ", ")
	}
	return h.fail(AssertFact,
		fmt.Sprintf("%s holds %s %s %s", a.Replica, a.Entity, a.Attribute, wantJSON),
		actual)
}

// datomSet renders a replica's datoms as sorted strings for comparison.
func (h *Harness) datomSet(ctx context.Context, name string) ([]string, error) {
	datoms, err := h.replicas[name].store.Datoms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(datoms))
	for _, d := range datoms {
		var v string
		if d.Ref != nil {
			v = "ref:" + d.Ref.String()
		} else {
			b, err := ir.MarshalValue(d.V)
			if err != nil {
				return nil, err
			}
			v = string(b)
		}
		out = append(out, fmt.Sprintf("%s %s %s %t", d.E, d.A, v, d.Added))
	}
	slices.Sort(out)
	return out, nil
}

func (h *Harness) fail(kind, expected, actual string) error {
	return &AssertionError{
		Type:     kind,
		Expected: expected,
		Actual:   actual,
		Trace:    h.result.Trace,
	}
}

// EvaluateAssertions evaluates all assertions against the harness state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertConverged:
			err = h.assertConverged(ctx, assertion)
		case AssertRemoteChain:
			err = h.assertRemoteChain(ctx, assertion)
		case AssertDatoms:
			err = h.assertDatoms(ctx, assertion)
		case AssertPending:
			err = h.assertPending(ctx, assertion)
		case AssertFact:
			err = h.assertFact(ctx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
