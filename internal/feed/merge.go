// Package feed folds change-feed events into a resource snapshot and
// manages the lifetime of a resource's feed subscription.
//
// Merge rules, applied regardless of which client caused the write:
//   - insert: prepend unless a record with the same identifier exists
//   - update: replace the record with the same identifier; ignore if absent
//   - delete: remove the record with the same identifier if present
//
// The insert guard makes redelivery of the same event harmless and stops
// an event from duplicating a record already placed by an online insert.
package feed

import (
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

// Merge applies ev to s and returns the resulting snapshot. The second
// result reports whether anything changed. s is never modified in place.
func Merge(s record.Snapshot, ev remote.Event, idField string) (record.Snapshot, bool) {
	switch ev.Op {
	case remote.OpInsert:
		id, ok := record.IDOf(ev.Record, idField)
		if !ok || s.Contains(id, idField) {
			return s, false
		}
		return s.Prepend(ev.Record.Clone()), true

	case remote.OpUpdate:
		id, ok := record.IDOf(ev.Record, idField)
		if !ok {
			return s, false
		}
		return s.Replace(id, idField, ev.Record.Clone())

	case remote.OpDelete:
		id, ok := eventID(ev, idField)
		if !ok {
			return s, false
		}
		return s.Remove(id, idField)

	default:
		return s, false
	}
}

// eventID prefers the old row for deletes, falling back to Record for
// feeds that only send the new image.
func eventID(ev remote.Event, idField string) (record.ID, bool) {
	if id, ok := record.IDOf(ev.Previous, idField); ok {
		return id, true
	}
	return record.IDOf(ev.Record, idField)
}
