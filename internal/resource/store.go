// Package resource implements the per-resource local store: an ordered,
// deduplicated snapshot of records with CRUD that applies optimistically
// and queues while offline, plus a cached snapshot for reads without
// network.
//
// # Online vs offline
//
// Every mutation checks the connectivity state first:
//   - online: call the backend; on success apply the server's record; on
//     failure return the error and leave the snapshot untouched
//   - offline: apply the change to the snapshot immediately and queue the
//     mutation for replay
//
// Optimistic changes are never rolled back. The change feed and the next
// Fetch are the only paths that reconcile local state with the server.
//
// # Snapshot invariants
//
//   - identifiers are unique
//   - order follows the query's ordering key when set, else newest first
//     (inserts and feed inserts prepend)
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/offsync/internal/feed"
	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

// Connectivity reports the current link state.
type Connectivity interface {
	Online() bool
}

// Enqueuer accepts mutations for later replay. A non-nil error from
// Enqueue is a non-fatal persistence warning; the mutation is still queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, resource string, op remote.Op, id record.ID, payload record.Record) (queue.Mutation, error)
}

// Checker validates a payload before it is sent or queued. partial is
// true for updates.
type Checker interface {
	Check(resource string, payload record.Record, partial bool) error
}

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("resource store closed")

// State is the consumer view of a store.
type State struct {
	Data    record.Snapshot `json:"data"`
	Loading bool            `json:"loading"`
	Err     error           `json:"-"`

	// Stale is true when Data came from the cached snapshot because the
	// backend could not be reached while offline.
	Stale bool `json:"stale"`

	// Warning is the last *kv.PersistenceError from queueing an offline
	// mutation. The mutation is held in memory and will not survive a
	// restart. A later mutation that persists clears it.
	Warning error `json:"-"`
}

// Store is the local mirror of one resource.
//
// Thread-safety: all methods are safe for concurrent use. Remote calls are
// made without the lock held, so a feed event and an in-flight mutation
// for the same identifier may interleave; the last write to the snapshot
// wins.
type Store struct {
	name    string
	query   record.Query
	idField string

	backend remote.Backend
	queue   Enqueuer
	conn    Connectivity
	cache   kv.Store
	ids     record.IDGenerator
	checker Checker
	logger  *slog.Logger

	mu      sync.Mutex
	data    record.Snapshot
	loading bool
	err     error
	stale   bool
	warning error
	closed  bool
	sub     *feed.Subscription
	watches map[int]func(State)
	nextW   int
}

// Option configures a Store.
type Option func(*Store)

// WithQuery sets the filter and ordering.
func WithQuery(q record.Query) Option {
	return func(s *Store) {
		s.query = q
	}
}

// WithIDField sets the identifier field. Defaults to record.DefaultIDField.
func WithIDField(field string) Option {
	return func(s *Store) {
		if field != "" {
			s.idField = field
		}
	}
}

// WithIDGenerator overrides the generator used for local identifiers.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// WithChecker validates insert and update payloads on both the online and
// the offline path. A failed check is a remote rejection and nothing is
// applied or queued.
func WithChecker(c Checker) Option {
	return func(s *Store) {
		s.checker = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store for resource. cache may be nil, in which case no
// cached snapshot is read or written.
func New(name string, backend remote.Backend, q Enqueuer, conn Connectivity, cache kv.Store, opts ...Option) *Store {
	s := &Store{
		name:    name,
		idField: record.DefaultIDField,
		backend: backend,
		queue:   q,
		conn:    conn,
		cache:   cache,
		ids:     record.UUIDv7Generator{},
		logger:  slog.Default(),
		data:    record.Snapshot{},
		watches: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("resource", name)
	return s
}

// Name returns the resource name.
func (s *Store) Name() string {
	return s.name
}

// Query returns the configured query shape.
func (s *Store) Query() record.Query {
	return s.query
}

// State returns a copy of the current data, loading flag and error.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Data returns a copy of the current snapshot.
func (s *Store) Data() record.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

func (s *Store) stateLocked() State {
	return State{Data: s.data.Clone(), Loading: s.loading, Err: s.err, Stale: s.stale, Warning: s.warning}
}

// Watch registers fn to receive the state after every change. The
// returned function detaches it and may be called more than once.
func (s *Store) Watch(fn func(State)) (unwatch func()) {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watches[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watches, id)
			s.mu.Unlock()
		})
	}
}

// commit runs fn under the lock unless the store is closed and notifies
// watchers when fn reports a change. It returns that report.
func (s *Store) commit(fn func() bool) bool {
	s.mu.Lock()
	if s.closed || !fn() {
		s.mu.Unlock()
		return false
	}
	state := s.stateLocked()
	fns := make([]func(State), 0, len(s.watches))
	for _, w := range s.watches {
		fns = append(fns, w)
	}
	s.mu.Unlock()

	for _, w := range fns {
		w(state)
	}
	return true
}

// Attach subscribes the store to the backend change feed.
func (s *Store) Attach(ctx context.Context) error {
	sub, err := feed.Attach(ctx, s.backend, s.name, s.Apply)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	prev := s.sub
	s.sub = sub
	s.mu.Unlock()

	prev.Unsubscribe()
	return nil
}

// Attached reports whether a live change-feed subscription is held.
func (s *Store) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && s.sub.Active()
}

// Close detaches the change feed. Later snapshot side effects, including
// those of mutations still in flight, become no-ops. Safe to call twice.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	sub.Unsubscribe()
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) online() bool {
	return s.conn == nil || s.conn.Online()
}

func (s *Store) shapeLocked() {
	s.data = s.data.Dedupe(s.idField)
	s.data.Sort(s.query.Order)
}

func (s *Store) String() string {
	return fmt.Sprintf("resource(%s)", s.name)
}
