package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/remote/memremote"
	"github.com/roach88/offsync/internal/testutil"
)

var start = time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, store kv.Store, mem *memremote.Backend) *Engine {
	t.Helper()
	clock := testutil.NewWallClock(start)
	e := New(store, mem,
		WithIDGenerator(testutil.NewSequenceGenerator("id")),
		WithNow(clock.Now),
	)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func goOffline(t *testing.T, e *Engine, mem *memremote.Backend) {
	t.Helper()
	mem.SetDown(true)
	require.NoError(t, e.SetOnline(context.Background(), false))
}

func goOnline(t *testing.T, e *Engine, mem *memremote.Backend) error {
	t.Helper()
	mem.SetDown(false)
	return e.SetOnline(context.Background(), true)
}

func TestEngine_LazyInit(t *testing.T) {
	mem := memremote.New()
	e := newEngine(t, kv.NewMemory(), mem)

	assert.Nil(t, e.queue, "nothing loaded before first attach")

	_, err := e.Resource(context.Background(), "weight_logs", record.Query{})
	require.NoError(t, err)
	assert.NotNil(t, e.queue)
	assert.Len(t, e.Stores("weight_logs"), 1)
	assert.Equal(t, 1, mem.Subscribers("weight_logs"))
}

func TestEngine_OfflineRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := memremote.New()
	e := newEngine(t, kv.NewMemory(), mem)

	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.NoError(t, err)

	goOffline(t, e, mem)
	row, err := s.Insert(ctx, record.Record{"weight": 82})
	require.NoError(t, err)
	localID, _ := record.IDOf(row, "id")
	assert.True(t, localID.IsLocal())

	q, err := e.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, []record.ID{localID}, s.Data().IDs("id"))

	require.NoError(t, goOnline(t, e, mem))
	assert.Equal(t, 0, q.Len())

	require.NoError(t, s.Fetch(ctx))
	assert.Equal(t, []record.ID{"1"}, s.Data().IDs("id"), "server id replaces the synthesized one")

	st := e.Status()
	assert.True(t, st.Online)
	assert.False(t, st.Syncing)
	require.NotNil(t, st.LastSync)
	assert.Equal(t, start, *st.LastSync)
}

func TestEngine_DrainIsFIFO(t *testing.T) {
	ctx := context.Background()
	mem := memremote.New()
	mem.Seed("weight_logs", record.Record{"id": 1, "weight": 80}, record.Record{"id": 2, "weight": 81})
	e := newEngine(t, kv.NewMemory(), mem)

	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.NoError(t, err)

	goOffline(t, e, mem)
	_, err = s.Update(ctx, "1", record.Record{"weight": 79})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "2"))
	_, err = s.Insert(ctx, record.Record{"weight": 85})
	require.NoError(t, err)

	mem.ResetCalls()
	require.NoError(t, goOnline(t, e, mem))

	var ops []string
	for _, c := range mem.Calls() {
		ops = append(ops, c.Op+":"+string(c.ID))
	}
	assert.Equal(t, []string{"update:1", "delete:2", "insert:"}, ops)
	assert.ElementsMatch(t, []record.ID{"1", "3"}, s.Data().IDs("id"))
}

func TestEngine_RewritesLocalIDsOnReplay(t *testing.T) {
	ctx := context.Background()
	mem := memremote.New()
	e := newEngine(t, kv.NewMemory(), mem)

	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.NoError(t, err)

	goOffline(t, e, mem)
	row, err := s.Insert(ctx, record.Record{"weight": 82})
	require.NoError(t, err)
	localID, _ := record.IDOf(row, "id")
	_, err = s.Update(ctx, localID, record.Record{"weight": 90})
	require.NoError(t, err)

	require.NoError(t, goOnline(t, e, mem))

	rows := mem.Rows("weight_logs")
	require.Len(t, rows, 1)
	assert.Equal(t, 90, rows[0]["weight"])
	assert.Equal(t, []record.ID{"1"}, s.Data().IDs("id"))
	assert.Equal(t, 90, s.Data()[0]["weight"])
}

func TestEngine_DrainHaltsAndReportsOnce(t *testing.T) {
	ctx := context.Background()
	mem := memremote.New()
	mem.Seed("weight_logs", record.Record{"id": 1})
	e := newEngine(t, kv.NewMemory(), mem)

	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.NoError(t, err)

	goOffline(t, e, mem)
	_, err = s.Update(ctx, "1", record.Record{"weight": 1})
	require.NoError(t, err)
	_, err = s.Update(ctx, "1", record.Record{"weight": 2})
	require.NoError(t, err)

	boom := errors.New("boom")
	mem.FailNext("update", boom)
	err = goOnline(t, e, mem)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var de *queue.DrainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int64(1), de.Mutation.Seq)

	q, _ := e.Queue(ctx)
	assert.Equal(t, 2, q.Len(), "failed entry and everything after it stay queued")
	assert.Nil(t, e.Status().LastSync, "failed sync does not stamp LastSync")

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 2, mem.Rows("weight_logs")[0]["weight"])
}

func TestEngine_DrainSkippedWhileSyncing(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, kv.NewMemory(), memremote.New())

	require.True(t, e.Monitor().BeginSync())
	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	e.Monitor().EndSync(true)
}

func TestEngine_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offsync.db")
	mem := memremote.New()
	mem.SetDown(true)

	store, err := kv.OpenSQLite(path)
	require.NoError(t, err)
	e := New(store, mem,
		WithIDGenerator(testutil.NewSequenceGenerator("a")),
		WithMonitor(connectivity.New(connectivity.WithOnline(false))),
	)
	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.Error(t, err, "offline with no cache")
	_, err = s.Insert(ctx, record.Record{"weight": 82})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.Empty(t, mem.Rows("weight_logs"))

	mem.SetDown(false)
	store, err = kv.OpenSQLite(path)
	require.NoError(t, err)
	e = New(store, mem, WithIDGenerator(testutil.NewSequenceGenerator("b")))
	t.Cleanup(func() { _ = e.Close() })

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Len(t, mem.Rows("weight_logs"), 1)
}

func TestEngine_RestartAfterPartialDrainKeepsLocalReferences(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offsync.db")
	mem := memremote.New()
	mem.SetDown(true)

	store, err := kv.OpenSQLite(path)
	require.NoError(t, err)
	e := New(store, mem,
		WithIDGenerator(testutil.NewSequenceGenerator("a")),
		WithMonitor(connectivity.New(connectivity.WithOnline(false))),
	)
	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.Error(t, err, "offline with no cache")
	row, err := s.Insert(ctx, record.Record{"weight": 82})
	require.NoError(t, err)
	localID, _ := record.IDOf(row, "id")
	require.True(t, localID.IsLocal())
	_, err = s.Update(ctx, localID, record.Record{"weight": 90})
	require.NoError(t, err)

	mem.SetDown(false)
	mem.FailNext("update", remote.Transient("weight_logs", "update", errors.New("connection reset")))
	err = e.SetOnline(ctx, true)
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))
	require.Len(t, mem.Rows("weight_logs"), 1, "insert replayed before the failure")
	require.NoError(t, e.Close())

	store, err = kv.OpenSQLite(path)
	require.NoError(t, err)
	e = New(store, mem, WithIDGenerator(testutil.NewSequenceGenerator("b")))
	t.Cleanup(func() { _ = e.Close() })

	q, err := e.Queue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
	assert.Equal(t, record.ID("1"), q.List()[0].RecordID, "queued update targets the server id")

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, res.Remaining)

	rows := mem.Rows("weight_logs")
	require.Len(t, rows, 1)
	assert.Equal(t, "90", fmt.Sprint(rows[0]["weight"]))
}

func TestEngine_ReattachesFeedOnReconnect(t *testing.T) {
	ctx := context.Background()
	mem := memremote.New()
	e := New(kv.NewMemory(), mem, WithMonitor(connectivity.New(connectivity.WithOnline(false))))
	t.Cleanup(func() { _ = e.Close() })
	mem.SetDown(true)

	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.Error(t, err)
	assert.False(t, s.Attached())

	require.NoError(t, goOnline(t, e, mem))
	assert.True(t, s.Attached())

	mem.Emit(remote.Event{Resource: "weight_logs", Op: remote.OpInsert, Record: record.Record{"id": 9}})
	assert.Equal(t, []record.ID{"9"}, s.Data().IDs("id"))
}

func TestEngine_ReleaseAndClose(t *testing.T) {
	ctx := context.Background()
	mem := memremote.New()
	e := New(kv.NewMemory(), mem)

	s, err := e.Resource(ctx, "weight_logs", record.Query{})
	require.NoError(t, err)
	e.Release(s)
	e.Release(nil)
	assert.True(t, s.Closed())
	assert.Empty(t, e.Stores(""))
	assert.Equal(t, 0, mem.Subscribers("weight_logs"))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Resource(ctx, "weight_logs", record.Query{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Drain(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
