// Package table holds the row-oriented dataset that feeds the chart form and
// the ingestion step that builds it from raw JSON or CSV text.
package table

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Row maps a field name to its cell value. A field missing from the map, or
// mapped to nil, is an absent cell.
type Row map[string]any

// Table is an ingested dataset.
//
// Invariants:
//   - Fields is ordered by first appearance in the input.
//   - Rows keeps input order; charts may depend on it.
//   - Every row is addressable by every field (absent cells read as nil).
type Table struct {
	Fields []string `json:"headers"`
	Rows   []Row    `json:"rows"`
}

// Format identifies which interpretation strategy produced a Table.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Rows) }

// HasField reports whether name is one of the table's fields.
func (t Table) HasField(name string) bool {
	for _, f := range t.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Value returns the cell at (row i, field). Out-of-range rows and absent cells
// both read as nil.
func (t Table) Value(i int, field string) any {
	if i < 0 || i >= len(t.Rows) {
		return nil
	}
	return t.Rows[i][field]
}

// Distinct returns the distinct values of column field, in order of first
// appearance across rows. Absent cells contribute a single nil entry.
//
// Edge cases:
//   - An unknown field yields one nil per table with rows (every cell is absent),
//     and an empty slice for an empty table.
//   - Non-comparable JSON values (arrays, objects) are compared by their JSON encoding.
func (t Table) Distinct(field string) []any {
	seen := make(map[any]struct{}, len(t.Rows))
	out := make([]any, 0)
	for _, r := range t.Rows {
		v := r[field]
		k := distinctKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// distinctKey returns a comparable key for v. Comparable values keep their
// dynamic type so json.Number("1") and "1" stay distinct; slices, maps and
// other non-comparable values are keyed by their JSON encoding.
func distinctKey(v any) any {
	if v == nil {
		return nil
	}
	if reflect.TypeOf(v).Comparable() {
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("\x00%T:%v", v, v)
	}
	return "\x00json:" + string(b)
}

// ValueKey is the exported form of the key used by Distinct. Callers that need
// to test membership of a value in an option list use it to compare consistently.
func ValueKey(v any) any { return distinctKey(v) }
