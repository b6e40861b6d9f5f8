package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/remote/memremote"
	"github.com/roach88/offsync/internal/resource"
	"github.com/roach88/offsync/internal/schema"
	"github.com/roach88/offsync/internal/testutil"
)

// Epoch is the frozen wall-clock time every scenario runs at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrInjected is the cause of failures planted by fail_next steps.
var ErrInjected = errors.New("injected failure")

// Harness holds the collaborators of one scenario run.
type Harness struct {
	scenario *Scenario
	backend  *memremote.Backend
	engine   *engine.Engine
	store    *resource.Store
	online   bool
	local    record.ID
	logger   *slog.Logger
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh in-memory backend and key-value store, a frozen
// clock at Epoch and sequential identifiers, so the trace is identical
// from run to run. The returned error covers setup problems only; failed
// expectations and assertions are reported in Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		backend:  memremote.New(),
		online:   !scenario.StartOffline,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	for _, row := range scenario.Seed {
		h.backend.Seed(scenario.Resource, record.Record(row))
	}
	h.backend.SetDown(!h.online)

	engineOpts := []engine.Option{
		engine.WithIDGenerator(testutil.NewSequenceGenerator("s")),
		engine.WithNow(testutil.NewWallClock(Epoch).Now),
		engine.WithLogger(h.logger),
	}
	if scenario.Schema != "" {
		v, err := loadSchema(scenario.Resource, scenario.Schema)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithChecker(v))
	}
	h.engine = engine.New(kv.NewMemory(), h.backend, engineOpts...)
	defer func() {
		_ = h.engine.Close()
	}()

	if err := h.engine.SetOnline(ctx, h.online); err != nil {
		return nil, fmt.Errorf("set initial link state: %w", err)
	}

	// A failed initial fetch is expected when starting offline; the store
	// records it in its state.
	store, err := h.engine.Resource(ctx, scenario.Resource, scenario.Query)
	if store == nil {
		return nil, fmt.Errorf("open resource %s: %w", scenario.Resource, err)
	}
	h.store = store

	result := NewResult()
	for i, step := range scenario.Flow {
		event, stepErr := h.executeStep(ctx, i+1, step)
		result.Trace = append(result.Trace, event)
		h.checkExpect(i+1, step, stepErr, result)
	}

	for _, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result.Trace); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func loadSchema(resourceName, path string) (*schema.Validator, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	v, err := schema.Compile(map[string]string{resourceName: string(src)})
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", path, err)
	}
	return v, nil
}

// executeStep runs one step and captures the state it leaves behind.
func (h *Harness) executeStep(ctx context.Context, n int, step Step) (TraceEvent, error) {
	err := h.apply(ctx, step)

	event := TraceEvent{
		Step:     n,
		Action:   step.Action,
		ID:       step.ID,
		Args:     step.Args,
		Online:   h.engine.Status().Online,
		Snapshot: h.store.Data(),
		Queue:    h.pending(ctx),
	}
	if event.Snapshot == nil {
		event.Snapshot = record.Snapshot{}
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event, err
}

func (h *Harness) apply(ctx context.Context, step Step) error {
	name := h.scenario.Resource
	id := h.ref(step.ID)

	switch step.Action {
	case ActionFetch:
		return h.store.Fetch(ctx)

	case ActionInsert:
		row, err := h.store.Insert(ctx, record.Record(step.Args))
		if err != nil {
			return err
		}
		if rid, ok := record.IDOf(row, record.DefaultIDField); ok && rid.IsLocal() {
			h.local = rid
		}
		return nil

	case ActionUpdate:
		_, err := h.store.Update(ctx, id, record.Record(step.Args))
		return err

	case ActionRemove:
		return h.store.Remove(ctx, id)

	case ActionOffline:
		h.online = false
		h.backend.SetDown(true)
		return h.engine.SetOnline(ctx, false)

	case ActionOnline:
		h.online = true
		h.backend.SetDown(false)
		h.backend.ResetCalls()
		return h.engine.SetOnline(ctx, true)

	case ActionDrain:
		_, err := h.engine.Drain(ctx)
		return err

	case ActionRemoteInsert:
		_, err := h.backend.Insert(ctx, name, record.Record(step.Args))
		return err

	case ActionRemoteUpdate:
		_, err := h.backend.Update(ctx, name, id, record.Record(step.Args))
		return err

	case ActionRemoteDelete:
		return h.backend.Delete(ctx, name, id)

	case ActionFailNext:
		op, _ := step.Args["op"].(string)
		transient, _ := step.Args["transient"].(bool)
		var err error = remote.Rejected(name, op, ErrInjected)
		if transient {
			err = remote.Transient(name, op, ErrInjected)
		}
		h.backend.FailNext(op, err)
		return nil

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// ref resolves LocalRef to the last local identifier handed out.
func (h *Harness) ref(id string) record.ID {
	if id == LocalRef {
		return h.local
	}
	return record.ID(id)
}

func (h *Harness) pending(ctx context.Context) []QueuedMutation {
	out := []QueuedMutation{}
	q, err := h.engine.Queue(ctx)
	if err != nil {
		return out
	}
	for _, m := range q.List() {
		out = append(out, QueuedMutation{
			Op:       string(m.Op),
			Resource: m.Resource,
			RecordID: string(m.RecordID),
			Payload:  m.Payload,
		})
	}
	return out
}

func (h *Harness) checkExpect(n int, step Step, err error, result *Result) {
	if step.Expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", n, step.Action, err))
		}
		return
	}

	exp := step.Expect
	wantErr := exp.Error != nil && *exp.Error
	switch {
	case wantErr && err == nil:
		result.AddError(fmt.Sprintf("step %d (%s): expected an error, got none", n, step.Action))
	case !wantErr && err != nil:
		result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", n, step.Action, err))
	}

	if exp.IDs != nil {
		got := idStrings(h.store.Data())
		if !slices.Equal(got, exp.IDs) {
			result.AddError(fmt.Sprintf("step %d (%s): snapshot ids %v, want %v", n, step.Action, got, exp.IDs))
		}
	}
	if exp.Queue != nil {
		if got := len(result.Trace[n-1].Queue); got != *exp.Queue {
			result.AddError(fmt.Sprintf("step %d (%s): queue length %d, want %d", n, step.Action, got, *exp.Queue))
		}
	}
}

func idStrings(s record.Snapshot) []string {
	ids := s.IDs(record.DefaultIDField)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
