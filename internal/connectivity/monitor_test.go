package connectivity

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/testutil"
)

func TestMonitor_DefaultsOnline(t *testing.T) {
	m := New()

	s := m.Status()
	assert.True(t, s.Online)
	assert.False(t, s.Syncing)
	assert.Nil(t, s.LastSync)
}

func TestMonitor_ReconnectRunsHookInSyncingRegion(t *testing.T) {
	clock := testutil.NewWallClock(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC))

	var m *Monitor
	var sawSyncing bool
	m = New(
		WithOnline(false),
		WithNow(clock.Now),
		WithReconnect(func(ctx context.Context) error {
			sawSyncing = m.Status().Syncing
			return nil
		}),
	)

	require.NoError(t, m.SetLink(context.Background(), true))

	s := m.Status()
	assert.True(t, sawSyncing, "hook runs with Syncing=true")
	assert.True(t, s.Online)
	assert.False(t, s.Syncing)
	require.NotNil(t, s.LastSync)
	assert.Equal(t, clock.Now(), *s.LastSync)
}

func TestMonitor_FailedSyncKeepsLastSync(t *testing.T) {
	m := New(
		WithOnline(false),
		WithReconnect(func(ctx context.Context) error { return errors.New("backend down") }),
	)

	err := m.SetLink(context.Background(), true)
	require.Error(t, err)

	s := m.Status()
	assert.True(t, s.Online)
	assert.False(t, s.Syncing)
	assert.Nil(t, s.LastSync)
}

func TestMonitor_SameSignalIsNoop(t *testing.T) {
	var calls atomic.Int32
	m := New(WithReconnect(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, m.SetLink(context.Background(), true))
	assert.Equal(t, int32(0), calls.Load(), "already online")

	require.NoError(t, m.SetLink(context.Background(), false))
	require.NoError(t, m.SetLink(context.Background(), false))
	require.NoError(t, m.SetLink(context.Background(), true))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMonitor_SecondSyncIsNoop(t *testing.T) {
	m := New()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ran, err := m.Sync(context.Background(), func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
		assert.True(t, ran)
		assert.NoError(t, err)
	}()

	<-entered
	ran, err := m.Sync(context.Background(), func(ctx context.Context) error {
		t.Error("second sync must not run")
		return nil
	})
	assert.False(t, ran)
	assert.NoError(t, err)
	assert.True(t, m.Status().Syncing)

	close(release)
	<-done
	assert.False(t, m.Status().Syncing)
}

func TestMonitor_SubscribePublishesChanges(t *testing.T) {
	m := New()

	var mu sync.Mutex
	var seen []Status
	unsubscribe := m.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	require.NoError(t, m.SetLink(context.Background(), false))
	unsubscribe()
	unsubscribe()
	require.NoError(t, m.SetLink(context.Background(), true))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.False(t, seen[0].Online)
}

func TestWatchLink_FeedsProbeResults(t *testing.T) {
	var up atomic.Bool
	var syncs atomic.Int32
	m := New(WithOnline(false), WithReconnect(func(ctx context.Context) error {
		syncs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchLink(ctx, m, func(ctx context.Context) error {
			if up.Load() {
				return nil
			}
			return errors.New("no route to host")
		}, 5*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.Online())

	up.Store(true)
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return syncs.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	probe := DialProbe(addr, time.Second)
	assert.NoError(t, probe(context.Background()))

	require.NoError(t, ln.Close())
	assert.Error(t, probe(context.Background()))
}
