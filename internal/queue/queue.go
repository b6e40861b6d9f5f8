package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

// Mutation is one queued offline operation.
type Mutation struct {
	// Seq is the global arrival position from the queue Clock.
	Seq int64 `json:"seq"`

	// ID uniquely identifies the queued entry (UUIDv7).
	ID string `json:"id"`

	Resource string    `json:"resource"`
	Op       remote.Op `json:"op"`

	// RecordID targets update and delete. For an insert it holds the
	// local-* identifier the record was shown under; Rebind rewrites later
	// entries that reference it once the backend assigns the real one.
	RecordID record.ID `json:"record_id,omitempty"`

	// Payload is the caller's original partial record. Inserts never
	// carry a synthesized local identifier.
	Payload record.Record `json:"payload,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Replayer applies one mutation against the remote backend.
type Replayer interface {
	Replay(ctx context.Context, m Mutation) error
}

// ReplayFunc adapts a function to the Replayer interface.
type ReplayFunc func(ctx context.Context, m Mutation) error

// Replay calls f(ctx, m).
func (f ReplayFunc) Replay(ctx context.Context, m Mutation) error {
	return f(ctx, m)
}

// DrainResult summarises one drain cycle.
type DrainResult struct {
	// Replayed counts mutations confirmed by the backend and removed.
	Replayed int `json:"replayed"`

	// Remaining is the queue length when the cycle ended.
	Remaining int `json:"remaining"`

	// Skipped is true when another drain was already running.
	Skipped bool `json:"skipped,omitempty"`

	// Err is the single failure that halted the cycle, if any.
	Err error `json:"-"`

	// Warnings collects non-fatal persistence failures.
	Warnings []error `json:"-"`
}

// DrainError reports the mutation that halted a drain cycle.
type DrainError struct {
	Mutation Mutation
	Err      error
}

// Error implements the error interface.
func (e *DrainError) Error() string {
	return fmt.Sprintf("drain halted at seq=%d (%s %s %s): %v",
		e.Mutation.Seq, e.Mutation.Op, e.Mutation.Resource, e.Mutation.RecordID, e.Err)
}

// Unwrap returns the replay failure.
func (e *DrainError) Unwrap() error {
	return e.Err
}

// Queue is the durable, process-wide FIFO of pending mutations.
//
// Thread-safety: all methods are safe for concurrent use. Enqueue may run
// while a drain is in progress; new entries are appended behind the ones
// being replayed.
type Queue struct {
	store  kv.Store
	clock  *Clock
	ids    record.IDGenerator
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	pending  []Mutation // ascending Seq
	draining bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator overrides the UUIDv7 mutation id generator.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(q *Queue) {
		q.ids = g
	}
}

// WithNow overrides the wall clock used for EnqueuedAt.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// Open loads persisted mutations from store and resumes the clock.
//
// Open always returns a usable queue. A non-nil error is a
// *kv.PersistenceError warning: the queue then starts empty and in-memory
// for the session.
func Open(ctx context.Context, store kv.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:  store,
		ids:    record.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	pending, err := load(ctx, store)
	if err != nil {
		q.logger.Warn("mutation queue unavailable, continuing in memory", "error", err)
		q.clock = NewClock()
		return q, err
	}

	q.pending = pending
	var maxSeq int64
	if n := len(pending); n > 0 {
		maxSeq = pending[n-1].Seq
	}
	q.clock = NewClockAt(maxSeq)

	if len(pending) > 0 {
		q.logger.Info("mutation queue restored", "pending", len(pending), "seq", maxSeq)
	}
	return q, nil
}

// load merges every persisted per-resource list into global Seq order.
func load(ctx context.Context, store kv.Store) ([]Mutation, error) {
	keys, err := store.Keys(ctx, kv.QueuePrefix)
	if err != nil {
		return nil, err
	}

	var all []Mutation
	for _, key := range keys {
		data, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		list, err := decodeList(data)
		if err != nil {
			return nil, &kv.PersistenceError{Op: "load", Key: key, Err: err}
		}
		all = append(all, list...)
	}

	slices.SortStableFunc(all, func(a, b Mutation) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	return all, nil
}

// Enqueue appends a mutation. It never fails fatally: the returned error,
// when non-nil, is a *kv.PersistenceError meaning the entry is queued in
// memory only and will not survive a restart.
func (q *Queue) Enqueue(ctx context.Context, resource string, op remote.Op, id record.ID, payload record.Record) (Mutation, error) {
	m := Mutation{
		ID:         q.ids.Generate(),
		Resource:   resource,
		Op:         op,
		RecordID:   id,
		Payload:    payload.Clone(),
		EnqueuedAt: q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m.Seq = q.clock.Next()
	q.pending = append(q.pending, m)

	q.logger.Debug("mutation enqueued",
		"seq", m.Seq,
		"resource", resource,
		"op", op,
		"record_id", id,
	)

	if err := q.persistLocked(ctx, resource); err != nil {
		q.logger.Warn("mutation not persisted, kept in memory",
			"seq", m.Seq,
			"resource", resource,
			"error", err,
		)
		return m, err
	}
	return m, nil
}

// Drain replays queued mutations in global Seq order, removing each one
// only after the backend confirms it. It halts on the first failure,
// leaving that mutation and everything behind it queued.
//
// The failure, if any, is reported once in DrainResult.Err wrapped in a
// *DrainError. A context cancellation between replays halts the cycle the
// same way.
func (q *Queue) Drain(ctx context.Context, r Replayer) DrainResult {
	q.mu.Lock()
	if q.draining {
		remaining := len(q.pending)
		q.mu.Unlock()
		return DrainResult{Skipped: true, Remaining: remaining}
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		m, ok := q.peek()
		if !ok {
			break
		}

		if err := r.Replay(ctx, m); err != nil {
			res.Err = &DrainError{Mutation: m, Err: err}
			q.logger.Warn("drain halted",
				"seq", m.Seq,
				"resource", m.Resource,
				"op", m.Op,
				"error", err,
			)
			break
		}

		if err := q.confirm(ctx, m); err != nil {
			// Already committed remotely; replaying it again would duplicate it.
			res.Warnings = append(res.Warnings, err)
			q.logger.Warn("confirmed mutation not removed from durable queue",
				"seq", m.Seq,
				"resource", m.Resource,
				"error", err,
			)
		}
		res.Replayed++
	}

	res.Remaining = q.Len()
	return res
}

func (q *Queue) peek() (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Mutation{}, false
	}
	return q.pending[0], true
}

// confirm removes a replayed mutation and persists its resource's list.
func (q *Queue) confirm(ctx context.Context, m Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := slices.IndexFunc(q.pending, func(p Mutation) bool { return p.ID == m.ID })
	if i < 0 {
		return nil
	}
	q.pending = slices.Delete(q.pending, i, i+1)
	return q.persistLocked(ctx, m.Resource)
}

// Rebind rewrites the pending update and delete entries of resource that
// target local so they target assigned, and persists the resource's list.
// It returns the number of entries rewritten. A non-nil error is a
// *kv.PersistenceError: the rewrite holds in memory for the session.
func (q *Queue) Rebind(ctx context.Context, resource string, local, assigned record.ID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.pending {
		m := &q.pending[i]
		if m.Op == remote.OpInsert || m.RecordID != local {
			continue
		}
		if kv.QueueKey(m.Resource) != kv.QueueKey(resource) {
			continue
		}
		m.RecordID = assigned
		n++
	}
	if n == 0 {
		return 0, nil
	}

	q.logger.Debug("queued mutations rebound",
		"resource", resource,
		"local", local,
		"assigned", assigned,
		"count", n,
	)
	return n, q.persistLocked(ctx, resource)
}

// persistLocked writes the resource's pending list. Caller holds q.mu.
func (q *Queue) persistLocked(ctx context.Context, resource string) error {
	if q.store == nil {
		return &kv.PersistenceError{Op: "put", Key: kv.QueueKey(resource), Err: errors.New("no durable store")}
	}

	key := kv.QueueKey(resource)
	list := q.resourceLocked(resource)
	if len(list) == 0 {
		return q.store.Delete(ctx, key)
	}

	data, err := json.Marshal(list)
	if err != nil {
		return &kv.PersistenceError{Op: "encode", Key: key, Err: err}
	}
	return q.store.Put(ctx, key, data)
}

func (q *Queue) resourceLocked(resource string) []Mutation {
	var out []Mutation
	for _, m := range q.pending {
		if kv.QueueKey(m.Resource) == kv.QueueKey(resource) {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of pending mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// List returns a copy of all pending mutations in replay order.
func (q *Queue) List() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

// ListResource returns the pending mutations for one resource in replay
// order.
func (q *Queue) ListResource(resource string) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resourceLocked(resource)
}

// Draining reports whether a drain cycle is in progress.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func decodeList(data []byte) ([]Mutation, error) {
	var list []Mutation
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&list); err != nil {
		return nil, fmt.Errorf("decode mutations: %w", err)
	}
	return list, nil
}
