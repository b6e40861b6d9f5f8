package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/remote/memremote"
	"github.com/roach88/offsync/internal/testutil"
)

type link struct {
	up atomic.Bool
}

func newLink(online bool) *link {
	l := &link{}
	l.up.Store(online)
	return l
}

func (l *link) Online() bool { return l.up.Load() }

type fixture struct {
	backend *memremote.Backend
	queue   *queue.Queue
	cache   *kv.Memory
	link    *link
	store   *Store
}

func newFixture(t *testing.T, online bool, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		backend: memremote.New(),
		cache:   kv.NewMemory(),
		link:    newLink(online),
	}
	q, err := queue.Open(ctx, f.cache, queue.WithIDGenerator(testutil.NewSequenceGenerator("m")))
	require.NoError(t, err)
	f.queue = q

	opts = append([]Option{WithIDGenerator(testutil.NewSequenceGenerator("gen"))}, opts...)
	f.store = New("weight_logs", f.backend, q, f.link, f.cache, opts...)
	t.Cleanup(f.store.Close)
	return f
}

func (f *fixture) goOffline() {
	f.link.up.Store(false)
	f.backend.SetDown(true)
}

func TestFetch_ReplacesSnapshotWithRemoteSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.backend.Seed("weight_logs", record.Record{"id": 1, "weight": 80}, record.Record{"id": 2, "weight": 81})

	require.NoError(t, f.store.Fetch(ctx))

	st := f.store.State()
	assert.ElementsMatch(t, []record.ID{"1", "2"}, st.Data.IDs("id"))
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)
	assert.False(t, st.Stale)

	cached, ok, err := f.cache.Get(ctx, kv.CacheKey("weight_logs"))
	require.NoError(t, err)
	require.True(t, ok, "cache overwritten on success")
	snap, err := record.DecodeSnapshot(cached)
	require.NoError(t, err)
	assert.ElementsMatch(t, []record.ID{"1", "2"}, snap.IDs("id"))
}

func TestFetch_AppliesQueryShape(t *testing.T) {
	f := newFixture(t, true, WithQuery(record.Query{
		Filter: &record.Filter{Field: "user_id", Value: "u1"},
		Order:  &record.Order{Field: "recorded_at", Desc: true},
	}))
	f.backend.Seed("weight_logs",
		record.Record{"id": 1, "user_id": "u1", "recorded_at": "2024-01-01"},
		record.Record{"id": 2, "user_id": "u2", "recorded_at": "2024-01-03"},
		record.Record{"id": 3, "user_id": "u1", "recorded_at": "2024-01-02"},
	)

	require.NoError(t, f.store.Fetch(context.Background()))
	assert.Equal(t, []record.ID{"3", "1"}, f.store.Data().IDs("id"))
}

func TestFetch_OfflineFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.backend.Seed("weight_logs", record.Record{"id": 1, "weight": 80})
	require.NoError(t, f.store.Fetch(ctx))

	f.goOffline()
	require.NoError(t, f.store.Refetch(ctx))

	st := f.store.State()
	assert.Equal(t, []record.ID{"1"}, st.Data.IDs("id"))
	assert.True(t, st.Stale)
	assert.NoError(t, st.Err)
}

func TestFetch_OfflineWithoutCacheSurfacesErrorAndEmpties(t *testing.T) {
	f := newFixture(t, false)
	f.backend.SetDown(true)

	err := f.store.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))

	st := f.store.State()
	assert.Empty(t, st.Data)
	assert.Error(t, st.Err)
	assert.False(t, st.Loading)
}

func TestFetch_OnlineFailureLeavesSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.backend.Seed("weight_logs", record.Record{"id": 1})
	require.NoError(t, f.store.Fetch(ctx))

	boom := errors.New("boom")
	f.backend.FailNext("query", boom)
	err := f.store.Fetch(ctx)
	assert.ErrorIs(t, err, boom)

	st := f.store.State()
	assert.Equal(t, []record.ID{"1"}, st.Data.IDs("id"))
	assert.ErrorIs(t, st.Err, boom)
}

func TestInsert_OnlinePrependsServerRecordOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.backend.Seed("weight_logs", record.Record{"id": 1, "weight": 80})
	require.NoError(t, f.store.Fetch(ctx))
	require.NoError(t, f.store.Attach(ctx))

	row, err := f.store.Insert(ctx, record.Record{"id": "ignored", "weight": 82})
	require.NoError(t, err)

	id, _ := record.IDOf(row, "id")
	assert.Equal(t, record.ID("2"), id)
	assert.Equal(t, []record.ID{"2", "1"}, f.store.Data().IDs("id"), "feed echo does not duplicate")
	assert.Equal(t, 0, f.queue.Len())
}

func TestInsert_OnlineFailureLeavesSnapshotAndQueue(t *testing.T) {
	f := newFixture(t, true)
	boom := remote.Rejected("weight_logs", "insert", errors.New("invalid"))
	f.backend.FailNext("insert", boom)

	_, err := f.store.Insert(context.Background(), record.Record{"weight": 82})
	require.Error(t, err)
	assert.True(t, remote.IsRejection(err))
	assert.Empty(t, f.store.Data())
	assert.Equal(t, 0, f.queue.Len(), "online failures are not queued")
}

func TestInsert_OfflineIsOptimisticAndQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	row, err := f.store.Insert(ctx, record.Record{"weight": 82})
	require.NoError(t, err)
	assert.Equal(t, "local-gen-1", row["id"])
	assert.Equal(t, []record.ID{"local-gen-1"}, f.store.Data().IDs("id"))

	pending := f.queue.List()
	require.Len(t, pending, 1)
	assert.Equal(t, remote.OpInsert, pending[0].Op)
	assert.Equal(t, record.ID("local-gen-1"), pending[0].RecordID)
	assert.Equal(t, record.Record{"weight": 82}, pending[0].Payload, "synthesized id stays local")
	assert.Empty(t, f.backend.Calls(), "no remote call while offline")
}

func TestUpdate_OfflineMergesInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.backend.Seed("weight_logs", record.Record{"id": 1, "weight": 80, "note": "am"})
	require.NoError(t, f.store.Fetch(ctx))
	f.goOffline()

	row, err := f.store.Update(ctx, "1", record.Record{"weight": 79})
	require.NoError(t, err)
	assert.Equal(t, record.Record{"id": 1, "weight": 79, "note": "am"}, row)
	assert.Equal(t, record.Snapshot{{"id": 1, "weight": 79, "note": "am"}}, f.store.Data())

	pending := f.queue.List()
	require.Len(t, pending, 1)
	assert.Equal(t, record.ID("1"), pending[0].RecordID)
	assert.Equal(t, record.Record{"weight": 79}, pending[0].Payload)
}

func TestUpdateAndRemove_AbsentIDIsSnapshotNoopButQueuedOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	row, err := f.store.Update(ctx, "9", record.Record{"weight": 1})
	require.NoError(t, err)
	assert.Nil(t, row)
	require.NoError(t, f.store.Remove(ctx, "9"))

	assert.Empty(t, f.store.Data())
	assert.Equal(t, 2, f.queue.Len())
}

func TestRemove_OnlineAndOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.backend.Seed("weight_logs", record.Record{"id": 1}, record.Record{"id": 2})
	require.NoError(t, f.store.Fetch(ctx))

	require.NoError(t, f.store.Remove(ctx, "1"))
	assert.Equal(t, []record.ID{"2"}, f.store.Data().IDs("id"))
	assert.Len(t, f.backend.Rows("weight_logs"), 1)

	f.goOffline()
	require.NoError(t, f.store.Remove(ctx, "2"))
	assert.Empty(t, f.store.Data())
	assert.Len(t, f.backend.Rows("weight_logs"), 1, "remote untouched until replay")
	assert.Equal(t, 1, f.queue.Len())
}

func TestApply_InsertIsIdempotentAndFiltered(t *testing.T) {
	f := newFixture(t, true, WithQuery(record.Query{Filter: &record.Filter{Field: "user_id", Value: "u1"}}))

	ev := remote.Event{Resource: "weight_logs", Op: remote.OpInsert, Record: record.Record{"id": 5, "user_id": "u1"}}
	f.store.Apply(ev)
	f.store.Apply(ev)
	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 6, "user_id": "u2"}})

	assert.Equal(t, []record.ID{"5"}, f.store.Data().IDs("id"))
}

func TestApply_ConfirmedInsertReplacesOptimisticRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.store.Insert(ctx, record.Record{"weight": 82})
	require.NoError(t, err)
	_, err = f.store.Insert(ctx, record.Record{"weight": 83})
	require.NoError(t, err)

	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 7, "weight": 82, "created_at": "now"}})

	assert.Equal(t, []record.ID{"7", "local-gen-2"}, f.store.Data().IDs("id"))
}

func TestApply_ResortsByOrderKey(t *testing.T) {
	f := newFixture(t, true, WithQuery(record.Query{Order: &record.Order{Field: "recorded_at"}}))

	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 1, "recorded_at": "2024-01-02"}})
	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 2, "recorded_at": "2024-01-01"}})
	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 3, "recorded_at": "2024-01-03"}})

	assert.Equal(t, []record.ID{"2", "1", "3"}, f.store.Data().IDs("id"))
}

func TestClose_StopsMergesAndRejectsMutations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	require.NoError(t, f.store.Attach(ctx))
	assert.Equal(t, 1, f.backend.Subscribers("weight_logs"))

	f.store.Close()
	f.store.Close()
	assert.Equal(t, 0, f.backend.Subscribers("weight_logs"))

	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 1}})
	assert.Empty(t, f.store.Data())

	_, err := f.store.Insert(ctx, record.Record{"weight": 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.store.Fetch(ctx), ErrClosed)
}

func TestWatch_ReceivesChanges(t *testing.T) {
	f := newFixture(t, true)

	var seen [][]record.ID
	unwatch := f.store.Watch(func(st State) {
		seen = append(seen, st.Data.IDs("id"))
	})

	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 1}})
	f.store.Apply(remote.Event{Op: remote.OpUpdate, Record: record.Record{"id": 9}})
	unwatch()
	unwatch()
	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 2}})

	assert.Equal(t, [][]record.ID{{"1"}}, seen, "no-op merges do not notify")
}

type rejectAll struct{}

func (rejectAll) Check(string, record.Record, bool) error { return errors.New("weight: out of range") }

func TestChecker_RejectsBeforeQueueing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, WithChecker(rejectAll{}))

	_, err := f.store.Insert(ctx, record.Record{"weight": -1})
	require.Error(t, err)
	assert.True(t, remote.IsRejection(err))

	_, err = f.store.Update(ctx, "1", record.Record{"weight": -1})
	assert.True(t, remote.IsRejection(err))

	assert.Empty(t, f.store.Data())
	assert.Equal(t, 0, f.queue.Len(), "rejected payloads are never queued")
}

func TestRebind_RenamesOrDropsOptimisticRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.store.Insert(ctx, record.Record{"weight": 82})
	require.NoError(t, err)
	_, err = f.store.Insert(ctx, record.Record{"weight": 83})
	require.NoError(t, err)

	f.store.Rebind("local-gen-1", "10")
	assert.Equal(t, []record.ID{"local-gen-2", "10"}, f.store.Data().IDs("id"))

	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 11, "weight": 99}})
	f.store.Rebind("local-gen-2", "11")
	assert.Equal(t, []record.ID{"11", "10"}, f.store.Data().IDs("id"), "confirmed record already present")

	f.store.Rebind("local-missing", "12")
	assert.Len(t, f.store.Data(), 2)
}

// flakyStore fails queue writes while fail is set.
type flakyStore struct {
	*kv.Memory
	fail atomic.Bool
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if f.fail.Load() {
		return &kv.PersistenceError{Op: "put", Key: key, Err: errors.New("disk full")}
	}
	return f.Memory.Put(ctx, key, value)
}

func TestOfflineWrite_SurfacesPersistenceWarning(t *testing.T) {
	ctx := context.Background()
	disk := &flakyStore{Memory: kv.NewMemory()}
	q, err := queue.Open(ctx, disk)
	require.NoError(t, err)
	s := New("weight_logs", memremote.New(), q, newLink(false), nil,
		WithIDGenerator(testutil.NewSequenceGenerator("gen")))
	t.Cleanup(s.Close)

	var seen []State
	s.Watch(func(st State) { seen = append(seen, st) })

	disk.fail.Store(true)
	row, err := s.Insert(ctx, record.Record{"weight": 82})
	require.Error(t, err)
	assert.True(t, kv.IsPersistence(err))
	require.NotNil(t, row, "optimistic record still returned")
	assert.Equal(t, []record.ID{"local-gen-1"}, s.Data().IDs("id"))
	assert.Equal(t, 1, q.Len(), "kept in memory")

	st := s.State()
	require.Error(t, st.Warning)
	assert.True(t, kv.IsPersistence(st.Warning))
	require.NotEmpty(t, seen)
	assert.Error(t, seen[len(seen)-1].Warning, "watchers see the warning")

	disk.fail.Store(false)
	_, err = s.Update(ctx, "local-gen-1", record.Record{"weight": 83})
	require.NoError(t, err)
	assert.NoError(t, s.State().Warning, "cleared once a write persists")
}

func TestInsert_OnlineRowOutsideFilterIsNotShown(t *testing.T) {
	f := newFixture(t, true, WithQuery(record.Query{Filter: &record.Filter{Field: "user_id", Value: "u1"}}))

	row, err := f.store.Insert(context.Background(), record.Record{"user_id": "u2", "weight": 70})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Empty(t, f.store.Data())
	assert.Len(t, f.backend.Rows("weight_logs"), 1)
}

func TestApply_UpdateLeavingFilterRemovesRecord(t *testing.T) {
	f := newFixture(t, true, WithQuery(record.Query{Filter: &record.Filter{Field: "user_id", Value: "u1"}}))

	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 5, "user_id": "u1"}})
	f.store.Apply(remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 6, "user_id": "u1"}})
	require.Len(t, f.store.Data(), 2)

	f.store.Apply(remote.Event{
		Op:       remote.OpUpdate,
		Record:   record.Record{"id": 5, "user_id": "u2"},
		Previous: record.Record{"id": 5, "user_id": "u1"},
	})
	assert.Equal(t, []record.ID{"6"}, f.store.Data().IDs("id"))

	f.store.Apply(remote.Event{Op: remote.OpUpdate, Record: record.Record{"id": 9, "user_id": "u2"}})
	assert.Equal(t, []record.ID{"6"}, f.store.Data().IDs("id"))
}

func TestUpdate_LeavingFilterRemovesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, WithQuery(record.Query{Filter: &record.Filter{Field: "user_id", Value: "u1"}}))
	f.backend.Seed("weight_logs",
		record.Record{"id": 1, "user_id": "u1"},
		record.Record{"id": 2, "user_id": "u1"},
	)
	require.NoError(t, f.store.Fetch(ctx))

	_, err := f.store.Update(ctx, "1", record.Record{"user_id": "u3"})
	require.NoError(t, err)
	assert.Equal(t, []record.ID{"2"}, f.store.Data().IDs("id"))

	f.goOffline()
	merged, err := f.store.Update(ctx, "2", record.Record{"user_id": "u2"})
	require.NoError(t, err)
	assert.Equal(t, "u2", merged["user_id"])
	assert.Empty(t, f.store.Data())
	assert.Equal(t, 1, f.queue.Len())
}
