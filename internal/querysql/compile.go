// Package querysql compiles record queries to parameterized SQL for SQLite.
//
// Rows are stored as JSON documents, one per table row, so fields are read
// with json_extract. Every compiled query ends in an ORDER BY that falls
// back to the insertion sequence, which keeps results deterministic and
// matches the stable in-memory sort used by record.Snapshot.Shape.
//
// Values are always bound as parameters, never interpolated.
package querysql

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/offsync/internal/record"
)

// Compiler compiles queries against one table.
type Compiler struct {
	// Table is the table name.
	Table string

	// Scope is the column naming the resource a row belongs to.
	Scope string

	// Data is the column holding the JSON document.
	Data string

	// Seq is the insertion sequence column used as the final sort key.
	Seq string
}

// Default matches the table layout used by sqlremote.
var Default = Compiler{Table: "records", Scope: "resource", Data: "data", Seq: "seq"}

// Select compiles q into a query returning the Data column of every
// matching row of resource, in query order.
//
// Filter semantics follow record.Filter.Match: numbers compare
// numerically, strings exactly, and a field that is absent never
// matches. Ordering follows record.Snapshot.Sort for single-kind fields,
// with missing values last in either direction.
func (c Compiler) Select(resource string, q record.Query) (string, []any, error) {
	var sb strings.Builder
	params := []any{resource}

	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s = ?", c.Data, c.Table, c.Scope)

	if f := q.Filter; f != nil && f.Field != "" {
		cond, condParams, err := c.compileFilter(f)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		sb.WriteString(" AND ")
		sb.WriteString(cond)
		params = append(params, condParams...)
	}

	sb.WriteString(" ORDER BY ")
	if o := q.Order; o != nil && o.Field != "" {
		path, err := jsonPath(o.Field)
		if err != nil {
			return "", nil, fmt.Errorf("compile order: %w", err)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, "json_extract(%s, ?) IS NULL, json_extract(%s, ?) %s, ", c.Data, c.Data, dir)
		params = append(params, path, path)
	}
	fmt.Fprintf(&sb, "%s ASC", c.Seq)

	return sb.String(), params, nil
}

// compileFilter returns the condition for an equality filter. The JSON
// type is checked alongside the value so that, say, true never equals 1.
func (c Compiler) compileFilter(f *record.Filter) (string, []any, error) {
	path, err := jsonPath(f.Field)
	if err != nil {
		return "", nil, err
	}

	switch v := f.Value.(type) {
	case nil:
		return fmt.Sprintf("json_type(%s, ?) = 'null'", c.Data), []any{path}, nil
	case bool:
		lit := "false"
		if v {
			lit = "true"
		}
		return fmt.Sprintf("json_type(%s, ?) = ?", c.Data), []any{path, lit}, nil
	case string:
		return fmt.Sprintf("json_type(%s, ?) = 'text' AND json_extract(%s, ?) = ?", c.Data, c.Data),
			[]any{path, path, v}, nil
	}

	n, ok := number(f.Value)
	if !ok {
		return "", nil, fmt.Errorf("field %q: unsupported filter value %T", f.Field, f.Value)
	}
	return fmt.Sprintf("json_type(%s, ?) IN ('integer', 'real') AND json_extract(%s, ?) = ?", c.Data, c.Data),
		[]any{path, path, n}, nil
}

// jsonPath quotes field as a single JSON path member.
func jsonPath(field string) (string, error) {
	if strings.ContainsAny(field, `"\`) {
		return "", fmt.Errorf("field %q: quotes and backslashes are not supported", field)
	}
	return `$."` + field + `"`, nil
}

func number(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		return f, err == nil
	}
	return nil, false
}
