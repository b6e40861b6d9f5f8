package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/offsync/internal/record"
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

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Step, event.Action)
			if event.ID != "" {
				fmt.Fprintf(&buf, " %s", event.ID)
			}
			if event.Error != "" {
				fmt.Fprintf(&buf, " (error: %s)", event.Error)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// evaluate checks one assertion against the harness's final state.
func (h *Harness) evaluate(ctx context.Context, a Assertion, trace []TraceEvent) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: trace}
	}

	switch a.Type {
	case AssertSnapshotIDs:
		got := idStrings(h.store.Data())
		if !slices.Equal(got, a.IDs) {
			return fail(fmt.Sprintf("snapshot ids %v", a.IDs), fmt.Sprintf("%v", got))
		}
		return nil

	case AssertSnapshotRow:
		return matchRow(h.store.Data(), a, fail)

	case AssertQueueLength:
		q, err := h.engine.Queue(ctx)
		if err != nil {
			return fail(fmt.Sprintf("%d queued", *a.Count), err.Error())
		}
		if got := q.Len(); got != *a.Count {
			return fail(fmt.Sprintf("%d queued", *a.Count), fmt.Sprintf("%d queued", got))
		}
		return nil

	case AssertRemoteCalls:
		calls := h.backend.Calls()
		got := make([]string, len(calls))
		for i, c := range calls {
			got[i] = c.Op
		}
		if !slices.Equal(got, a.Ops) {
			return fail(fmt.Sprintf("calls %v", a.Ops), fmt.Sprintf("%v", got))
		}
		return nil

	case AssertRemoteCount:
		if got := len(h.backend.Rows(h.scenario.Resource)); got != *a.Count {
			return fail(fmt.Sprintf("%d rows", *a.Count), fmt.Sprintf("%d rows", got))
		}
		return nil

	case AssertRemoteRow:
		return matchRow(h.backend.Rows(h.scenario.Resource), a, fail)

	case AssertStatus:
		status := h.engine.Status()
		if a.Online != nil && status.Online != *a.Online {
			return fail(fmt.Sprintf("online=%t", *a.Online), fmt.Sprintf("online=%t", status.Online))
		}
		if a.Stale != nil {
			if stale := h.store.State().Stale; stale != *a.Stale {
				return fail(fmt.Sprintf("stale=%t", *a.Stale), fmt.Sprintf("stale=%t", stale))
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// matchRow finds the row with a.ID and checks a.Expect as a subset of it.
func matchRow(rows record.Snapshot, a Assertion, fail func(expected, actual string) error) error {
	i := rows.IndexOf(record.ID(a.ID), record.DefaultIDField)
	if i < 0 {
		return fail(fmt.Sprintf("row %s", a.ID), "not found")
	}
	row := rows[i]

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := row[k]
		if !ok {
			return fail(fmt.Sprintf("row %s field %s=%v", a.ID, k, a.Expect[k]), "field missing")
		}
		if !record.Equal(got, a.Expect[k]) {
			return fail(fmt.Sprintf("row %s field %s=%v", a.ID, k, a.Expect[k]), fmt.Sprintf("%v", got))
		}
	}
	return nil
}
