package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/offsync/internal/remote"
)

// Subscription is a resource-scoped attachment to the backend change feed.
//
// Unsubscribe stops further deliveries to the apply function and releases
// the backend stream. It may be called any number of times.
type Subscription struct {
	resource string
	active   atomic.Bool
	once     sync.Once

	mu      sync.Mutex
	release func()
}

// Attach subscribes apply to the resource's change feed. Events for other
// resources are dropped.
func Attach(ctx context.Context, b remote.Backend, resource string, apply func(remote.Event)) (*Subscription, error) {
	s := &Subscription{resource: resource}
	s.active.Store(true)

	release, err := b.Subscribe(ctx, resource, func(ev remote.Event) {
		if !s.active.Load() {
			return
		}
		if ev.Resource != "" && ev.Resource != resource {
			return
		}
		apply(ev)
	})
	if err != nil {
		s.active.Store(false)
		return nil, fmt.Errorf("subscribe %s: %w", resource, err)
	}

	s.mu.Lock()
	s.release = release
	s.mu.Unlock()

	// Unsubscribe may have raced with Subscribe returning.
	if !s.active.Load() && release != nil {
		release()
	}
	return s, nil
}

// Resource returns the subscribed resource name.
func (s *Subscription) Resource() string {
	return s.resource
}

// Active reports whether events are still being delivered.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Unsubscribe detaches from the feed. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.active.Store(false)

		s.mu.Lock()
		release := s.release
		s.release = nil
		s.mu.Unlock()

		if release != nil {
			release()
		}
	})
}
