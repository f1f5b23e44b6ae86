package etl

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BartekS5/etlrunner/pkg/utils"
)

// Params carries the arguments of one transform step. Each step reads only
// the fields it needs.
type Params struct {
	Columns []string
	Target  string
	Types   map[string]string
	Format  string
	Mapping map[string]string
}

// Step names a transform and its parameters.
type Step struct {
	Name string
	Params
}

// RowsFunc is a named transform over rows.
type RowsFunc func(rows Rows, p Params) (Rows, error)

// Transformer holds the transforms a pipeline may apply, by name.
type Transformer struct {
	funcs map[string]RowsFunc
}

// NewTransformer returns a Transformer with the built-in steps:
// clean_columns, row_hash, normalize_text, cast and rename.
func NewTransformer() *Transformer {
	t := &Transformer{funcs: make(map[string]RowsFunc)}
	t.Register("clean_columns", func(rows Rows, _ Params) (Rows, error) { return CleanColumns(rows), nil })
	t.Register("row_hash", func(rows Rows, p Params) (Rows, error) { return RowHash(rows, p.Columns, p.Target) })
	t.Register("normalize_text", func(rows Rows, p Params) (Rows, error) { return NormalizeText(rows, p.Columns), nil })
	t.Register("cast", func(rows Rows, p Params) (Rows, error) { return CastColumns(rows, p.Types, p.Format) })
	t.Register("rename", func(rows Rows, p Params) (Rows, error) { return RenameColumns(rows, p.Mapping), nil })
	return t
}

// Register adds or replaces a transform.
func (t *Transformer) Register(name string, fn RowsFunc) {
	t.funcs[name] = fn
}

// Names lists registered transforms, sorted.
func (t *Transformer) Names() []string {
	names := make([]string, 0, len(t.funcs))
	for n := range t.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply runs steps in order. An unknown step is a Validation error.
func (t *Transformer) Apply(rows Rows, steps []Step) (Rows, error) {
	for _, s := range steps {
		fn, ok := t.funcs[s.Name]
		if !ok {
			return nil, NewError(Validation, "transform %q is not registered", s.Name)
		}
		var err error
		rows, err = fn(rows, s.Params)
		if err != nil {
			return nil, Wrap(Validation, err, "transform %s", s.Name)
		}
	}
	return rows, nil
}

// Chain checks every step name up front and returns a TransformFunc that
// applies them followed by v, when v is not nil.
func (t *Transformer) Chain(steps []Step, v *Validator) (TransformFunc, error) {
	for _, s := range steps {
		if _, ok := t.funcs[s.Name]; !ok {
			return nil, fmt.Errorf("unknown transform %q (known: %s)", s.Name, strings.Join(t.Names(), ", "))
		}
	}
	return RowsTransform(func(_ context.Context, rows Rows) (Rows, error) {
		out, err := t.Apply(rows, steps)
		if err != nil {
			return nil, err
		}
		if v != nil {
			if err := v.Validate(out); err != nil {
				return nil, err
			}
		}
		return out, nil
	}), nil
}

// StripAccents removes diacritics: "Ação" becomes "Acao".
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// CleanColumnName strips accents and surrounding space, lowercases, turns
// spaces into underscores and drops dots.
func CleanColumnName(col string) string {
	c := strings.ToLower(strings.TrimSpace(StripAccents(col)))
	c = strings.ReplaceAll(c, " ", "_")
	return strings.ReplaceAll(c, ".", "")
}

// CleanColumns renames every column with CleanColumnName.
func CleanColumns(rows Rows) Rows {
	for i, rec := range rows {
		out := make(Record, len(rec))
		for k, v := range rec {
			out[CleanColumnName(k)] = v
		}
		rows[i] = out
	}
	return rows
}

// RowHash stores in target (default "row_hash") the MD5 of the key columns
// joined with ';'.
func RowHash(rows Rows, keys []string, target string) (Rows, error) {
	if len(keys) == 0 {
		return nil, NewError(Validation, "row_hash needs key columns")
	}
	if target == "" {
		target = "row_hash"
	}
	parts := make([]string, len(keys))
	for i, rec := range rows {
		for j, k := range keys {
			v, ok := rec[k]
			if !ok {
				return nil, NewError(Validation, "row %d: missing key column %q", i, k)
			}
			parts[j] = utils.ToString(v)
		}
		sum := md5.Sum([]byte(strings.Join(parts, ";")))
		rec[target] = hex.EncodeToString(sum[:])
	}
	return rows, nil
}

// NormalizeText strips accents and lowercases the given columns; nil becomes "".
func NormalizeText(rows Rows, cols []string) Rows {
	for _, rec := range rows {
		for _, c := range cols {
			v, ok := rec[c]
			if !ok {
				continue
			}
			if v == nil {
				rec[c] = ""
				continue
			}
			rec[c] = strings.ToLower(StripAccents(utils.ToString(v)))
		}
	}
	return rows
}

// CastColumns converts columns to the types named in types (see utils.Cast).
func CastColumns(rows Rows, types map[string]string, format string) (Rows, error) {
	for i, rec := range rows {
		for col, typ := range types {
			v, ok := rec[col]
			if !ok {
				continue
			}
			converted, err := utils.Cast(v, typ, format)
			if err != nil {
				return nil, NewError(Validation, "row %d column %s: %v", i, col, err)
			}
			rec[col] = converted
		}
	}
	return rows, nil
}

// RenameColumns renames columns according to mapping (old name -> new name).
func RenameColumns(rows Rows, mapping map[string]string) Rows {
	for _, rec := range rows {
		for from, to := range mapping {
			if v, ok := rec[from]; ok {
				delete(rec, from)
				rec[to] = v
			}
		}
	}
	return rows
}
