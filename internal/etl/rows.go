package etl

import (
	"fmt"
	"sort"
)

// Record is one row keyed by column name.
type Record = map[string]any

// Rows is the tabular payload exchanged by the built-in connectors.
type Rows []Record

// Columns returns the union of column names, sorted.
func (r Rows) Columns() []string {
	seen := make(map[string]struct{})
	for _, rec := range r {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Clone returns a shallow copy of every record so transforms never mutate the
// payload of an earlier stage.
func (r Rows) Clone() Rows {
	out := make(Rows, len(r))
	for i, rec := range r {
		c := make(Record, len(rec))
		for k, v := range rec {
			c[k] = v
		}
		out[i] = c
	}
	return out
}

// AsRows normalises a payload into Rows. Besides Rows itself it accepts the
// shapes a JSON round trip produces, which is how checkpointed payloads come back.
func AsRows(payload any) (Rows, error) {
	switch v := payload.(type) {
	case nil:
		return Rows{}, nil
	case Rows:
		return v, nil
	case []map[string]any:
		return Rows(v), nil
	case []any:
		out := make(Rows, 0, len(v))
		for i, item := range v {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("row %d: expected object, got %T", i, item)
			}
			out = append(out, rec)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected rows, got %T", payload)
	}
}
