// Package connectivity tracks online/offline transitions and sync activity
// and publishes a tri-state status: online, syncing, last sync time.
//
// Only transport-level link signals change the online flag. A single
// failed request never flips the client offline, since it may be a
// transient remote error. Regaining the link triggers the reconnect hook
// (the engine registers a queue drain there) inside the syncing region.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the process-wide connectivity state.
type Status struct {
	Online   bool       `json:"is_online"`
	Syncing  bool       `json:"is_syncing"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// SyncFunc runs inside the syncing region.
type SyncFunc func(ctx context.Context) error

// Monitor holds the connectivity state.
//
// Thread-safety: all methods are safe for concurrent use. Subscribers and
// the reconnect hook are called without the internal lock held.
type Monitor struct {
	now         func() time.Time
	logger      *slog.Logger
	onReconnect SyncFunc

	mu       sync.Mutex
	online   bool
	syncing  bool
	lastSync time.Time
	subs     map[int]func(Status)
	nextSub  int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithOnline sets the initial link state. Defaults to online.
func WithOnline(online bool) Option {
	return func(m *Monitor) {
		m.online = online
	}
}

// WithNow overrides the wall clock used for LastSync.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithReconnect registers the function run when the link comes back.
func WithReconnect(fn SyncFunc) Option {
	return func(m *Monitor) {
		m.onReconnect = fn
	}
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		now:    time.Now,
		logger: slog.Default(),
		online: true,
		subs:   make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnReconnect replaces the reconnect hook.
func (m *Monitor) OnReconnect(fn SyncFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Status returns a snapshot of the current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Online reports the current link state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) statusLocked() Status {
	s := Status{Online: m.online, Syncing: m.syncing}
	if !m.lastSync.IsZero() {
		t := m.lastSync
		s.LastSync = &t
	}
	return s
}

// SetLink records a transport-level link signal. An offline→online
// transition runs the reconnect hook synchronously in the syncing region
// and returns its error. Repeated signals with the same state are no-ops.
func (m *Monitor) SetLink(ctx context.Context, online bool) error {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return nil
	}
	m.online = online
	hook := m.onReconnect
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.Info("link state changed", "online", online)
	m.publish(status)

	if !online || hook == nil {
		return nil
	}
	_, err := m.Sync(ctx, hook)
	return err
}

// Sync runs fn in the syncing region. If a sync is already running the
// call is a no-op and ran is false. LastSync is stamped only when fn
// succeeds.
func (m *Monitor) Sync(ctx context.Context, fn SyncFunc) (ran bool, err error) {
	if !m.BeginSync() {
		m.logger.Debug("sync already in progress, trigger ignored")
		return false, nil
	}
	defer func() {
		m.EndSync(err == nil)
	}()
	return true, fn(ctx)
}

// BeginSync enters the syncing region. It returns false when another sync
// holds it.
func (m *Monitor) BeginSync() bool {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return false
	}
	m.syncing = true
	status := m.statusLocked()
	m.mu.Unlock()

	m.publish(status)
	return true
}

// EndSync leaves the syncing region, stamping LastSync on success.
func (m *Monitor) EndSync(success bool) {
	m.mu.Lock()
	m.syncing = false
	if success {
		m.lastSync = m.now().UTC()
	}
	status := m.statusLocked()
	m.mu.Unlock()

	m.publish(status)
}

// Subscribe registers fn for status changes. The returned function
// detaches it; calling it twice is harmless.
func (m *Monitor) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) publish(s Status) {
	m.mu.Lock()
	fns := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
