// Package memremote is an in-process remote.Backend.
//
// It keeps one ordered table per resource, assigns integer identifiers on
// insert, and fans committed writes out to change-feed subscribers
// synchronously, after the write and outside its lock. Tests and the demo
// command use it; it also records every call and can simulate a lost link
// or a one-off failure.
package memremote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

// ErrUnreachable is the cause attached to every call made while the
// backend is marked down.
var ErrUnreachable = errors.New("backend unreachable")

// Call is one recorded backend invocation.
type Call struct {
	Op       string
	Resource string
	ID       record.ID
	Payload  record.Record
	Err      error
}

// Backend is an in-memory remote.Backend.
type Backend struct {
	idField string

	mu       sync.Mutex
	tables   map[string]record.Snapshot
	nextID   int64
	subs     map[string]map[int]remote.Handler
	nextSub  int
	calls    []Call
	down     bool
	failNext map[string]error
}

// Option configures a Backend.
type Option func(*Backend)

// WithIDField sets the identifier field. Defaults to record.DefaultIDField.
func WithIDField(field string) Option {
	return func(b *Backend) {
		b.idField = field
	}
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		idField:  record.DefaultIDField,
		tables:   make(map[string]record.Snapshot),
		subs:     make(map[string]map[int]remote.Handler),
		failNext: make(map[string]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Seed appends rows to a resource without emitting feed events. The id
// counter moves past any numeric identifier seen.
func (b *Backend) Seed(resource string, rows ...record.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.tables[resource] = append(b.tables[resource], r.Clone())
		if id, ok := record.IDOf(r, b.idField); ok {
			if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && n > b.nextID {
				b.nextID = n
			}
		}
	}
}

// SetDown simulates losing (true) or regaining (false) the link.
func (b *Backend) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// FailNext makes the next call of op ("query", "insert", "update",
// "delete", "subscribe") fail with err.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = err
}

// Calls returns every recorded call in order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// ResetCalls clears the call log.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Rows returns a copy of a resource's table in storage order.
func (b *Backend) Rows(resource string) record.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables[resource].Clone()
}

// Subscribers returns the number of live feed subscriptions for resource.
func (b *Backend) Subscribers(resource string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[resource])
}

// Emit delivers ev to the resource's subscribers without touching the
// table, as if another client's write was pushed.
func (b *Backend) Emit(ev remote.Event) {
	b.deliver(ev)
}

// Query returns the rows matching q.
func (b *Backend) Query(_ context.Context, resource string, q record.Query) (record.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked("query", resource, "", nil); err != nil {
		return nil, err
	}
	rows := b.tables[resource].Clone()
	return rows.Shape(q, b.idField), nil
}

// Insert stores payload under a new server-assigned identifier.
func (b *Backend) Insert(_ context.Context, resource string, payload record.Record) (record.Record, error) {
	b.mu.Lock()
	if err := b.checkLocked("insert", resource, "", payload); err != nil {
		b.mu.Unlock()
		return nil, err
	}

	row := payload.Without(b.idField)
	b.nextID++
	row[b.idField] = b.nextID
	b.tables[resource] = append(b.tables[resource], row)
	out := row.Clone()
	b.mu.Unlock()

	b.deliver(remote.Event{Resource: resource, Op: remote.OpInsert, Record: out.Clone()})
	return out, nil
}

// Update merges payload into the row with id. A missing row is rejected.
func (b *Backend) Update(_ context.Context, resource string, id record.ID, payload record.Record) (record.Record, error) {
	b.mu.Lock()
	if err := b.checkLocked("update", resource, id, payload); err != nil {
		b.mu.Unlock()
		return nil, err
	}

	table := b.tables[resource]
	i := table.IndexOf(id, b.idField)
	if i < 0 {
		b.mu.Unlock()
		return nil, &remote.Error{Code: remote.CodeRejected, Resource: resource, Op: "update", Status: 404,
			Err: fmt.Errorf("no row with %s=%s", b.idField, id)}
	}

	prev := table[i]
	row := prev.Merge(payload.Without(b.idField))
	table[i] = row
	out := row.Clone()
	b.mu.Unlock()

	b.deliver(remote.Event{Resource: resource, Op: remote.OpUpdate, Record: out.Clone(), Previous: prev.Clone()})
	return out, nil
}

// Delete removes the row with id. Deleting a missing row succeeds without
// emitting an event.
func (b *Backend) Delete(_ context.Context, resource string, id record.ID) error {
	b.mu.Lock()
	if err := b.checkLocked("delete", resource, id, nil); err != nil {
		b.mu.Unlock()
		return err
	}

	table := b.tables[resource]
	i := table.IndexOf(id, b.idField)
	if i < 0 {
		b.mu.Unlock()
		return nil
	}
	prev := table[i]
	b.tables[resource], _ = table.Remove(id, b.idField)
	b.mu.Unlock()

	b.deliver(remote.Event{Resource: resource, Op: remote.OpDelete, Previous: prev.Clone()})
	return nil
}

// Subscribe registers handler for the resource's change feed.
func (b *Backend) Subscribe(_ context.Context, resource string, handler remote.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked("subscribe", resource, "", nil); err != nil {
		return nil, err
	}
	if b.subs[resource] == nil {
		b.subs[resource] = make(map[int]remote.Handler)
	}
	id := b.nextSub
	b.nextSub++
	b.subs[resource][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[resource], id)
		})
	}, nil
}

// checkLocked records the call and returns any simulated failure.
func (b *Backend) checkLocked(op, resource string, id record.ID, payload record.Record) error {
	var err error
	switch {
	case b.down:
		err = remote.Transient(resource, op, ErrUnreachable)
	case b.failNext[op] != nil:
		err = b.failNext[op]
		delete(b.failNext, op)
	}
	b.calls = append(b.calls, Call{Op: op, Resource: resource, ID: id, Payload: payload.Clone(), Err: err})
	return err
}

func (b *Backend) deliver(ev remote.Event) {
	b.mu.Lock()
	handlers := make([]remote.Handler, 0, len(b.subs[ev.Resource]))
	for _, h := range b.subs[ev.Resource] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
