package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Snapshot is an ordered sequence of records with unique identifiers.
type Snapshot []Record

// IndexOf returns the position of the record with the given identifier,
// or -1 if absent.
func (s Snapshot) IndexOf(id ID, field string) int {
	for i, r := range s {
		if rid, ok := IDOf(r, field); ok && rid == id {
			return i
		}
	}
	return -1
}

// Contains reports whether a record with the identifier is present.
func (s Snapshot) Contains(id ID, field string) bool {
	return s.IndexOf(id, field) >= 0
}

// IDs returns the identifiers in snapshot order.
func (s Snapshot) IDs(field string) []ID {
	ids := make([]ID, 0, len(s))
	for _, r := range s {
		if id, ok := IDOf(r, field); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone copies the slice and every record in it.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for i, r := range s {
		out[i] = r.Clone()
	}
	return out
}

// Prepend returns a snapshot with r at the front.
func (s Snapshot) Prepend(r Record) Snapshot {
	out := make(Snapshot, 0, len(s)+1)
	out = append(out, r)
	return append(out, s...)
}

// Replace returns a snapshot where the record with id is swapped for r.
// The second result is false when id is absent.
func (s Snapshot) Replace(id ID, field string, r Record) (Snapshot, bool) {
	i := s.IndexOf(id, field)
	if i < 0 {
		return s, false
	}
	out := slices.Clone(s)
	out[i] = r
	return out, true
}

// Remove returns a snapshot without the record with id.
// The second result is false when id is absent.
func (s Snapshot) Remove(id ID, field string) (Snapshot, bool) {
	i := s.IndexOf(id, field)
	if i < 0 {
		return s, false
	}
	out := make(Snapshot, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...), true
}

// Dedupe keeps the first occurrence of every identifier. Records without
// an identifier are kept as-is.
func (s Snapshot) Dedupe(field string) Snapshot {
	seen := make(map[ID]struct{}, len(s))
	out := make(Snapshot, 0, len(s))
	for _, r := range s {
		if id, ok := IDOf(r, field); ok {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}

// Sort orders the snapshot in place by o. Sorting is stable so records
// with equal keys keep their insertion/event order. A nil order is a no-op.
func (s Snapshot) Sort(o *Order) {
	if o == nil || o.Field == "" {
		return
	}
	slices.SortStableFunc(s, func(a, b Record) int {
		c := Compare(a[o.Field], b[o.Field])
		if o.Desc && a[o.Field] != nil && b[o.Field] != nil {
			return -c
		}
		return c
	})
}

// Filter returns the records matching f.
func (s Snapshot) Filter(f *Filter) Snapshot {
	if f == nil || f.Field == "" {
		return s
	}
	out := make(Snapshot, 0, len(s))
	for _, r := range s {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Shape applies a query to a raw result set: filter, dedupe, order.
func (s Snapshot) Shape(q Query, field string) Snapshot {
	out := s.Filter(q.Filter).Dedupe(field)
	out.Sort(q.Order)
	return out
}

// Encode serialises the snapshot as a JSON list of records.
func (s Snapshot) Encode() ([]byte, error) {
	if s == nil {
		s = Snapshot{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a JSON list of records, preserving large integers
// as json.Number.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s == nil {
		s = Snapshot{}
	}
	return s, nil
}
