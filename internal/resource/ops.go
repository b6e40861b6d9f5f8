package resource

import (
	"context"
	"fmt"

	"github.com/roach88/offsync/internal/feed"
	"github.com/roach88/offsync/internal/kv"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

// Fetch queries the backend for the full matching set.
//
// On success the snapshot is replaced wholesale and the cached snapshot
// overwritten. On failure while offline the cached snapshot is loaded if
// one exists (State.Stale is set and nil is returned); with no cache the
// snapshot is emptied and the error surfaced. On failure while online the
// error is surfaced and the snapshot left untouched.
func (s *Store) Fetch(ctx context.Context) error {
	if !s.commit(func() bool { s.loading = true; return true }) {
		return ErrClosed
	}

	rows, err := s.backend.Query(ctx, s.name, s.query)
	if err == nil {
		rows = rows.Shape(s.query, s.idField)
		s.commit(func() bool {
			s.data = rows
			s.loading, s.err, s.stale = false, nil, false
			return true
		})
		s.writeCache(ctx, rows)
		return nil
	}

	err = fmt.Errorf("fetch %s: %w", s.name, err)
	if s.online() {
		s.logger.Warn("fetch failed", "error", err)
		s.commit(func() bool {
			s.loading, s.err = false, err
			return true
		})
		return err
	}

	cached, ok := s.readCache(ctx)
	if ok {
		s.logger.Info("serving cached snapshot", "records", len(cached))
		s.commit(func() bool {
			s.data = cached
			s.loading, s.err, s.stale = false, nil, true
			return true
		})
		return nil
	}

	s.logger.Warn("fetch failed offline with no cache", "error", err)
	s.commit(func() bool {
		s.data = record.Snapshot{}
		s.loading, s.err, s.stale = false, err, false
		return true
	})
	return err
}

// Refetch is Fetch, for callers that want to force a reload.
func (s *Store) Refetch(ctx context.Context) error {
	return s.Fetch(ctx)
}

// Insert creates a record.
//
// Online, the backend's returned record is placed at the front of the
// snapshot. Offline, a local-* identifier is synthesized, the record is
// prepended at once and the payload (without that identifier) queued.
//
// Offline writes return the optimistic record together with a
// *kv.PersistenceError when the queue could not persist the mutation; the
// write still stands for the session. Update and Remove behave the same.
func (s *Store) Insert(ctx context.Context, partial record.Record) (record.Record, error) {
	if s.Closed() {
		return nil, ErrClosed
	}
	payload := partial.Without(s.idField)
	if err := s.check(payload, false); err != nil {
		return nil, err
	}

	if s.online() {
		row, err := s.backend.Insert(ctx, s.name, payload)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", s.name, err)
		}
		s.commit(func() bool {
			s.placeLocked(row.Clone())
			return true
		})
		return row, nil
	}

	id := record.LocalID(s.ids)
	row := payload.Clone()
	row[s.idField] = string(id)
	s.commit(func() bool {
		s.placeLocked(row.Clone())
		return true
	})
	return row, s.enqueue(ctx, remote.OpInsert, id, payload)
}

// Update merges partial into the record with id.
//
// Online, the backend's returned record replaces the local one. Offline,
// the fields are merged in place and the change queued. An identifier
// absent from the snapshot leaves the snapshot alone and returns a nil
// record; offline the mutation is queued anyway.
func (s *Store) Update(ctx context.Context, id record.ID, partial record.Record) (record.Record, error) {
	if s.Closed() {
		return nil, ErrClosed
	}
	payload := partial.Without(s.idField)
	if err := s.check(payload, true); err != nil {
		return nil, err
	}

	if s.online() {
		row, err := s.backend.Update(ctx, s.name, id, payload)
		if err != nil {
			return nil, fmt.Errorf("update %s/%s: %w", s.name, id, err)
		}
		s.commit(func() bool {
			return s.replaceLocked(id, row.Clone())
		})
		return row, nil
	}

	var merged record.Record
	s.commit(func() bool {
		i := s.data.IndexOf(id, s.idField)
		if i < 0 {
			return false
		}
		merged = s.data[i].Merge(payload)
		return s.replaceLocked(id, merged)
	})
	return merged.Clone(), s.enqueue(ctx, remote.OpUpdate, id, payload)
}

// Remove deletes the record with id. Online the local removal follows a
// confirmed remote delete; offline it happens at once and the delete is
// queued.
func (s *Store) Remove(ctx context.Context, id record.ID) error {
	if s.Closed() {
		return ErrClosed
	}

	online := s.online()
	if online {
		if err := s.backend.Delete(ctx, s.name, id); err != nil {
			return fmt.Errorf("remove %s/%s: %w", s.name, id, err)
		}
	}

	s.commit(func() bool {
		next, ok := s.data.Remove(id, s.idField)
		s.data = next
		return ok
	})

	if !online {
		return s.enqueue(ctx, remote.OpDelete, id, nil)
	}
	return nil
}

// Apply folds a change-feed event into the snapshot.
//
// Inserts that do not match the query filter are ignored and updates that
// move a record out of it remove the record. A confirmed insert also drops
// the optimistic local-* record it stands in for.
func (s *Store) Apply(ev remote.Event) {
	s.commit(func() bool {
		switch {
		case ev.Op == remote.OpInsert && !s.query.Filter.Match(ev.Record):
			return false
		case ev.Op == remote.OpUpdate && !s.query.Filter.Match(ev.Record):
			id, ok := record.IDOf(ev.Record, s.idField)
			if !ok {
				return false
			}
			next, removed := s.data.Remove(id, s.idField)
			s.data = next
			return removed
		}
		next, changed := feed.Merge(s.data, ev, s.idField)
		if !changed {
			return false
		}
		if ev.Op == remote.OpInsert {
			next = dropOptimistic(next, ev.Record, s.idField)
		}
		next.Sort(s.query.Order)
		s.data = next
		return true
	})
}

// Rebind moves the optimistic record shown under local to the identifier
// the backend assigned. If the confirmed record is already present the
// optimistic one is dropped instead.
func (s *Store) Rebind(local, assigned record.ID) {
	s.commit(func() bool {
		i := s.data.IndexOf(local, s.idField)
		if i < 0 {
			return false
		}
		if s.data.Contains(assigned, s.idField) {
			s.data, _ = s.data.Remove(local, s.idField)
			return true
		}
		r := s.data[i].Clone()
		r[s.idField] = string(assigned)
		s.data, _ = s.data.Replace(local, s.idField, r)
		return true
	})
}

// placeLocked puts r at the front, or replaces the record with the same
// identifier if the change feed already delivered it. A record outside the
// query filter is not shown.
func (s *Store) placeLocked(r record.Record) {
	id, ok := record.IDOf(r, s.idField)
	if !s.query.Filter.Match(r) {
		if ok {
			s.data, _ = s.data.Remove(id, s.idField)
		}
		return
	}
	if ok {
		if next, replaced := s.data.Replace(id, s.idField, r); replaced {
			s.data = next
			s.data.Sort(s.query.Order)
			return
		}
	}
	s.data = s.data.Prepend(r)
	s.data.Sort(s.query.Order)
}

// replaceLocked swaps in r for the record with id, or drops that record
// when r no longer matches the query filter. It reports whether the
// snapshot held id.
func (s *Store) replaceLocked(id record.ID, r record.Record) bool {
	if !s.query.Filter.Match(r) {
		next, removed := s.data.Remove(id, s.idField)
		s.data = next
		return removed
	}
	next, ok := s.data.Replace(id, s.idField, r)
	if ok {
		s.data = next
		s.data.Sort(s.query.Order)
	}
	return ok
}

func (s *Store) check(payload record.Record, partial bool) error {
	if s.checker == nil {
		return nil
	}
	if err := s.checker.Check(s.name, payload, partial); err != nil {
		op := "insert"
		if partial {
			op = "update"
		}
		return remote.Rejected(s.name, op, err)
	}
	return nil
}

// enqueue queues an offline mutation. The returned error is the queue's
// persistence warning, also recorded in State.Warning.
func (s *Store) enqueue(ctx context.Context, op remote.Op, id record.ID, payload record.Record) error {
	if s.queue == nil {
		s.logger.Error("no queue configured, dropping offline mutation", "op", op, "id", id)
		return nil
	}
	m, err := s.queue.Enqueue(ctx, s.name, op, id, payload)
	if err != nil {
		s.logger.Warn("mutation queued in memory only", "mutation", m.ID, "error", err)
	} else {
		s.logger.Debug("mutation queued", "mutation", m.ID, "op", op, "id", id)
	}
	s.commit(func() bool {
		changed := s.warning != nil || err != nil
		s.warning = err
		return changed
	})
	return err
}

// dropOptimistic removes the first local-* record whose fields are carried
// by confirmed. An exact field match is preferred over a subset match.
func dropOptimistic(s record.Snapshot, confirmed record.Record, idField string) record.Snapshot {
	match := func(exact bool) (record.ID, bool) {
		for _, r := range s {
			id, ok := record.IDOf(r, idField)
			if !ok || !id.IsLocal() {
				continue
			}
			if exact && r.SameFields(confirmed, idField) || !exact && r.SubsetOf(confirmed, idField) {
				return id, true
			}
		}
		return "", false
	}

	id, ok := match(true)
	if !ok {
		id, ok = match(false)
	}
	if !ok {
		return s
	}
	out, _ := s.Remove(id, idField)
	return out
}

func (s *Store) writeCache(ctx context.Context, rows record.Snapshot) {
	if s.cache == nil {
		return
	}
	data, err := rows.Encode()
	if err == nil {
		err = s.cache.Put(ctx, kv.CacheKey(s.name), data)
	}
	if err != nil {
		s.logger.Warn("cache write failed", "error", err)
	}
}

func (s *Store) readCache(ctx context.Context) (record.Snapshot, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok, err := s.cache.Get(ctx, kv.CacheKey(s.name))
	if err != nil {
		s.logger.Warn("cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	rows, err := record.DecodeSnapshot(data)
	if err != nil {
		s.logger.Warn("cache corrupt, ignoring", "error", err)
		return nil, false
	}
	return rows.Shape(s.query, s.idField), true
}
