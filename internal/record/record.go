package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultIDField is the identifier field used when a resource does not
// configure its own.
const DefaultIDField = "id"

// LocalIDPrefix marks identifiers synthesized on the client while offline.
// Such identifiers never reach the remote backend.
const LocalIDPrefix = "local-"

// Record is one addressable entity: an untyped map of fields.
type Record map[string]any

// ID is the canonical string form of a record identifier.
type ID string

// IsLocal reports whether the identifier was synthesized on the client.
func (id ID) IsLocal() bool {
	return strings.HasPrefix(string(id), LocalIDPrefix)
}

// FormatID canonicalises an identifier value.
// Integral numbers render without a fractional part so that a JSON 2 and
// a Go int 2 produce the same ID.
func FormatID(v any) (ID, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case ID:
		return val, val != ""
	case string:
		return ID(val), val != ""
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return ID(strconv.FormatInt(i, 10)), true
		}
		f, err := val.Float64()
		if err != nil {
			return ID(val.String()), val != ""
		}
		return formatFloatID(f), true
	case int:
		return ID(strconv.FormatInt(int64(val), 10)), true
	case int32:
		return ID(strconv.FormatInt(int64(val), 10)), true
	case int64:
		return ID(strconv.FormatInt(val, 10)), true
	case uint:
		return ID(strconv.FormatUint(uint64(val), 10)), true
	case uint32:
		return ID(strconv.FormatUint(uint64(val), 10)), true
	case uint64:
		return ID(strconv.FormatUint(val, 10)), true
	case float32:
		return formatFloatID(float64(val)), true
	case float64:
		return formatFloatID(val), true
	case fmt.Stringer:
		s := val.String()
		return ID(s), s != ""
	default:
		return "", false
	}
}

func formatFloatID(f float64) ID {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return ID(strconv.FormatInt(int64(f), 10))
	}
	return ID(strconv.FormatFloat(f, 'f', -1, 64))
}

// IDOf returns the identifier of r stored under field.
func IDOf(r Record, field string) (ID, bool) {
	if r == nil {
		return "", false
	}
	return FormatID(r[field])
}

// Clone returns a shallow copy of r. Nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every field of partial applied on top.
func (r Record) Merge(partial Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(partial))
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Without returns a copy of r with field removed. The result is never nil.
func (r Record) Without(field string) Record {
	out := r.Clone()
	if out == nil {
		return Record{}
	}
	delete(out, field)
	return out
}

// SameFields reports whether every field of other, except skip, has an
// equal value in r and r has no extra fields besides skip.
func (r Record) SameFields(other Record, skip string) bool {
	count := 0
	for k, v := range other {
		if k == skip {
			continue
		}
		count++
		rv, ok := r[k]
		if !ok || !Equal(rv, v) {
			return false
		}
	}
	for k := range r {
		if k != skip {
			count--
		}
	}
	return count == 0
}

// Decode parses a JSON object into a Record, preserving large integers
// as json.Number.
func Decode(data []byte) (Record, error) {
	var r Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// SubsetOf reports whether every field of r, except skip, has an equal
// value in other. other may carry extra fields such as server timestamps.
func (r Record) SubsetOf(other Record, skip string) bool {
	for k, v := range r {
		if k == skip {
			continue
		}
		ov, ok := other[k]
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}
