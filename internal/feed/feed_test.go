package feed

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/remote/memremote"
)

const idField = record.DefaultIDField

func base() record.Snapshot {
	return record.Snapshot{
		{"id": 1, "weight": 80},
		{"id": 2, "weight": 81},
	}
}

func TestMerge_InsertPrepends(t *testing.T) {
	s, changed := Merge(base(), remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 3, "weight": 82}}, idField)

	assert.True(t, changed)
	assert.Equal(t, []record.ID{"3", "1", "2"}, s.IDs(idField))
}

func TestMerge_InsertIsIdempotent(t *testing.T) {
	ev := remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 3, "weight": 82}}

	s, _ := Merge(base(), ev, idField)
	s, changed := Merge(s, ev, idField)

	assert.False(t, changed)
	assert.Equal(t, []record.ID{"3", "1", "2"}, s.IDs(idField))
}

func TestMerge_InsertOfExistingIDIsIgnored(t *testing.T) {
	s, changed := Merge(base(), remote.Event{Op: remote.OpInsert, Record: record.Record{"id": 1.0, "weight": 99}}, idField)

	assert.False(t, changed)
	assert.Equal(t, 80, s[0]["weight"])
}

func TestMerge_UpdateReplaces(t *testing.T) {
	s, changed := Merge(base(), remote.Event{Op: remote.OpUpdate, Record: record.Record{"id": 2, "weight": 79}}, idField)

	assert.True(t, changed)
	assert.Equal(t, 79, s[1]["weight"])
	assert.Len(t, s, 2)
}

func TestMerge_UpdateOfMissingIsIgnored(t *testing.T) {
	s, changed := Merge(base(), remote.Event{Op: remote.OpUpdate, Record: record.Record{"id": 9}}, idField)

	assert.False(t, changed)
	assert.Equal(t, []record.ID{"1", "2"}, s.IDs(idField), "no insertion on update")
}

func TestMerge_DeleteUsesPrevious(t *testing.T) {
	s, changed := Merge(base(), remote.Event{Op: remote.OpDelete, Previous: record.Record{"id": 1}}, idField)
	assert.True(t, changed)
	assert.Equal(t, []record.ID{"2"}, s.IDs(idField))

	s, changed = Merge(s, remote.Event{Op: remote.OpDelete, Record: record.Record{"id": 2}}, idField)
	assert.True(t, changed)
	assert.Empty(t, s)

	s, changed = Merge(s, remote.Event{Op: remote.OpDelete, Previous: record.Record{"id": 2}}, idField)
	assert.False(t, changed)
	assert.Empty(t, s)
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	in := base()
	_, _ = Merge(in, remote.Event{Op: remote.OpUpdate, Record: record.Record{"id": 1, "weight": 0}}, idField)
	_, _ = Merge(in, remote.Event{Op: remote.OpDelete, Previous: record.Record{"id": 2}}, idField)

	assert.Equal(t, base(), in)
}

func TestMerge_EventWithoutIDIsIgnored(t *testing.T) {
	for _, op := range []remote.Op{remote.OpInsert, remote.OpUpdate, remote.OpDelete, "truncate"} {
		s, changed := Merge(base(), remote.Event{Op: op, Record: record.Record{"weight": 1}}, idField)
		assert.False(t, changed, string(op))
		assert.Len(t, s, 2)
	}
}

func TestSubscription_DeliversAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	b := memremote.New()

	var mu sync.Mutex
	var got []remote.Event
	sub, err := Attach(ctx, b, "weight_logs", func(ev remote.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)
	assert.True(t, sub.Active())
	assert.Equal(t, "weight_logs", sub.Resource())

	_, err = b.Insert(ctx, "weight_logs", record.Record{"weight": 80})
	require.NoError(t, err)
	b.Emit(remote.Event{Resource: "weight_logs", Op: remote.OpInsert, Record: record.Record{"id": 50}})

	sub.Unsubscribe()
	assert.False(t, sub.Active())
	assert.Equal(t, 0, b.Subscribers("weight_logs"), "stream released")

	_, err = b.Insert(ctx, "weight_logs", record.Record{"weight": 81})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2)
}

func TestSubscription_DoubleUnsubscribeIsNoop(t *testing.T) {
	sub, err := Attach(context.Background(), memremote.New(), "weight_logs", func(remote.Event) {})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		sub.Unsubscribe()
		sub.Unsubscribe()
	})

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Unsubscribe)
}

func TestSubscription_AttachFailure(t *testing.T) {
	b := memremote.New()
	b.SetDown(true)

	sub, err := Attach(context.Background(), b, "weight_logs", func(remote.Event) {})
	require.Error(t, err)
	assert.Nil(t, sub)
	assert.True(t, remote.IsTransient(err))
	assert.True(t, errors.Is(err, memremote.ErrUnreachable))
}
