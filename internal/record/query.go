package record

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Filter is an optional equality filter on a single field.
type Filter struct {
	Field string `json:"field" yaml:"field"`
	Value any    `json:"value" yaml:"value"`
}

// Match reports whether r satisfies the filter. A nil filter matches all.
func (f *Filter) Match(r Record) bool {
	if f == nil || f.Field == "" {
		return true
	}
	v, ok := r[f.Field]
	if !ok {
		return false
	}
	return Equal(v, f.Value)
}

// Order is an optional ordering key and direction.
type Order struct {
	Field string `json:"field" yaml:"field"`
	Desc  bool   `json:"desc" yaml:"desc"`
}

// Query is the shape of a resource subscription: zero or one filter and
// zero or one ordering key.
type Query struct {
	Filter *Filter `json:"filter,omitempty" yaml:"filter,omitempty"`
	Order  *Order  `json:"order,omitempty" yaml:"order,omitempty"`
}

// Equal compares two field values. Numbers compare numerically across Go
// and JSON representations; everything else falls back to deep equality.
func Equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two field values: numbers numerically, times
// chronologically, strings lexically, false before true. A missing (nil)
// value sorts after every present value. Values of mixed kinds compare by
// kind rank so the ordering stays total.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmpFloat(af, bf)
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	return cmpInt(kindRank(a), kindRank(b))
}

func kindRank(v any) int {
	if _, ok := toFloat(v); ok {
		return 0
	}
	switch v.(type) {
	case string:
		return 1
	case time.Time:
		return 2
	case bool:
		return 3
	default:
		return 4
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
