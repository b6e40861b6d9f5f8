package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/resource"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("engine closed")

// Engine owns the shared sync state.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	store   kv.Store
	backend remote.Backend
	monitor *connectivity.Monitor
	idField string
	ids     record.IDGenerator
	checker resource.Checker
	now     func() time.Time
	logger  *slog.Logger

	initMu sync.Mutex
	queue  *queue.Queue

	mu       sync.Mutex
	stores   map[*resource.Store]struct{}
	localIDs map[record.ID]record.ID
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMonitor injects the connectivity monitor. By default the engine
// creates one that starts online.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(e *Engine) {
		e.monitor = m
	}
}

// WithIDField sets the identifier field for every resource.
func WithIDField(field string) Option {
	return func(e *Engine) {
		if field != "" {
			e.idField = field
		}
	}
}

// WithIDGenerator sets the generator for mutation and local identifiers.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithChecker validates payloads in every resource store.
func WithChecker(c resource.Checker) Option {
	return func(e *Engine) {
		e.checker = c
	}
}

// WithNow sets the wall clock used for queue timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New wires an engine around a key-value store and a backend. The engine
// takes ownership of store and closes it in Close.
func New(store kv.Store, backend remote.Backend, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		backend:  backend,
		idField:  record.DefaultIDField,
		ids:      record.UUIDv7Generator{},
		now:      time.Now,
		logger:   slog.Default(),
		stores:   make(map[*resource.Store]struct{}),
		localIDs: make(map[record.ID]record.ID),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.monitor == nil {
		e.monitor = connectivity.New(connectivity.WithLogger(e.logger), connectivity.WithNow(e.now))
	}
	e.monitor.OnReconnect(e.reconnect)
	return e
}

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor {
	return e.monitor
}

// Backend returns the remote backend.
func (e *Engine) Backend() remote.Backend {
	return e.backend
}

// Status returns the connectivity status.
func (e *Engine) Status() connectivity.Status {
	return e.monitor.Status()
}

// SetOnline feeds a link signal to the monitor. Going online runs the
// reconnect flow and returns the drain failure, if any.
func (e *Engine) SetOnline(ctx context.Context, online bool) error {
	return e.monitor.SetLink(ctx, online)
}

// Queue returns the mutation queue, loading it on first use.
func (e *Engine) Queue(ctx context.Context) (*queue.Queue, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.init(ctx), nil
}

// init loads the queue once. A load failure is a persistence warning; the
// queue still works in memory.
func (e *Engine) init(ctx context.Context) *queue.Queue {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.queue != nil {
		return e.queue
	}
	q, err := queue.Open(ctx, e.store,
		queue.WithIDGenerator(e.ids),
		queue.WithNow(e.now),
		queue.WithLogger(e.logger),
	)
	if err != nil {
		e.logger.Warn("queue not loaded from disk, starting empty in memory", "error", err)
	}
	e.queue = q
	e.logger.Debug("engine initialised", "pending", q.Len())
	return q
}

// Resource creates a store for name, fetches it and attaches it to the
// change feed. The store is returned even when the fetch fails; the
// error is also recorded in its State. A failed feed attach is logged and
// retried on the next reconnect.
func (e *Engine) Resource(ctx context.Context, name string, q record.Query) (*resource.Store, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("resource name is required")
	}

	opts := []resource.Option{
		resource.WithQuery(q),
		resource.WithIDField(e.idField),
		resource.WithIDGenerator(e.ids),
		resource.WithLogger(e.logger),
	}
	if e.checker != nil {
		opts = append(opts, resource.WithChecker(e.checker))
	}
	s := resource.New(name, e.backend, e.init(ctx), e.monitor, e.store, opts...)

	e.mu.Lock()
	e.stores[s] = struct{}{}
	e.mu.Unlock()

	fetchErr := s.Fetch(ctx)
	if err := s.Attach(ctx); err != nil {
		e.logger.Warn("change feed not attached", "resource", name, "error", err)
	}
	return s, fetchErr
}

// Release closes s and forgets it.
func (e *Engine) Release(s *resource.Store) {
	if s == nil {
		return
	}
	s.Close()
	e.mu.Lock()
	delete(e.stores, s)
	e.mu.Unlock()
}

// Stores returns the live stores for name, or all of them when name is
// empty.
func (e *Engine) Stores(name string) []*resource.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*resource.Store
	for s := range e.stores {
		if name == "" || s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// Drain replays the queue inside the monitor's syncing region. A drain
// already in progress makes this call a no-op with Skipped set.
func (e *Engine) Drain(ctx context.Context) (queue.DrainResult, error) {
	if err := e.checkOpen(); err != nil {
		return queue.DrainResult{}, err
	}
	q := e.init(ctx)

	var res queue.DrainResult
	ran, err := e.monitor.Sync(ctx, func(ctx context.Context) error {
		res = q.Drain(ctx, queue.ReplayFunc(e.replay))
		return res.Err
	})
	if !ran {
		return queue.DrainResult{Skipped: true, Remaining: q.Len()}, nil
	}
	if res.Replayed > 0 || err != nil {
		e.logger.Info("drain finished",
			"replayed", res.Replayed,
			"remaining", res.Remaining,
			"error", err,
		)
	}
	return res, err
}

// reconnect is the monitor's hook. It runs inside the syncing region.
func (e *Engine) reconnect(ctx context.Context) error {
	if e.checkOpen() != nil {
		return nil
	}
	for _, s := range e.Stores("") {
		if s.Attached() || s.Closed() {
			continue
		}
		if err := s.Attach(ctx); err != nil {
			e.logger.Warn("change feed re-attach failed", "resource", s.Name(), "error", err)
		}
	}

	res := e.init(ctx).Drain(ctx, queue.ReplayFunc(e.replay))
	e.logger.Info("reconnect drain finished",
		"replayed", res.Replayed,
		"remaining", res.Remaining,
	)
	return res.Err
}

// replay routes one queued mutation to the backend.
func (e *Engine) replay(ctx context.Context, m queue.Mutation) error {
	switch m.Op {
	case remote.OpInsert:
		row, err := e.backend.Insert(ctx, m.Resource, m.Payload)
		if err != nil {
			return err
		}
		if m.RecordID.IsLocal() {
			if id, ok := record.IDOf(row, e.idField); ok {
				e.mu.Lock()
				e.localIDs[m.RecordID] = id
				e.mu.Unlock()
				if _, err := e.init(ctx).Rebind(ctx, m.Resource, m.RecordID, id); err != nil {
					e.logger.Warn("rebound mutations not persisted",
						"resource", m.Resource,
						"local", m.RecordID,
						"assigned", id,
						"error", err,
					)
				}
				for _, s := range e.Stores(m.Resource) {
					s.Rebind(m.RecordID, id)
				}
			}
		}
		return nil

	case remote.OpUpdate:
		_, err := e.backend.Update(ctx, m.Resource, e.resolve(m.RecordID), m.Payload)
		return err

	case remote.OpDelete:
		return e.backend.Delete(ctx, m.Resource, e.resolve(m.RecordID))

	default:
		return remote.Rejected(m.Resource, string(m.Op), fmt.Errorf("unknown mutation op %q", m.Op))
	}
}

// resolve maps a local-* identifier to the one the backend assigned during
// this session. Queued entries are rewritten durably by Queue.Rebind.
func (e *Engine) resolve(id record.ID) record.ID {
	if !id.IsLocal() {
		return id
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if assigned, ok := e.localIDs[id]; ok {
		return assigned
	}
	return id
}

// Close releases every store and closes the key-value store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stores := make([]*resource.Store, 0, len(e.stores))
	for s := range e.stores {
		stores = append(stores, s)
	}
	e.stores = make(map[*resource.Store]struct{})
	e.mu.Unlock()

	for _, s := range stores {
		s.Close()
	}
	e.monitor.OnReconnect(nil)
	return e.store.Close()
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}
