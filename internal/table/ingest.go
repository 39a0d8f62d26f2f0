package table

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var errNotColumnar = errors.New("json: root is not a columnar object")

// Ingest turns raw text into a Table. It never fails: the text is first read as
// a JSON columnar object ({"field": [v0, v1, ...]}) and, when that does not
// work for any reason, as CSV with a header row, comma delimiter and blank
// lines skipped.
//
// The returned Format tells which strategy succeeded.
func Ingest(raw string) (Table, Format) {
	if t, err := ingestColumnarJSON(raw); err == nil {
		return t, FormatJSON
	}
	return ingestCSV(raw), FormatCSV
}

// ingestColumnarJSON decodes a root object whose members are arrays and
// transposes it into rows.
//
// Column length policy:
//   - The row count is the length of the first field's array.
//   - Shorter columns leave trailing cells absent; longer columns are truncated.
//   - A member that is neither an array nor null is a zero-length column.
//   - A null member fails the read when it is the first field, or when any
//     other column would be indexed (at least one row).
//
// Duplicate keys keep the position of their first appearance and the value of
// the last one.
func ingestColumnarJSON(raw string) (Table, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Table{}, fmt.Errorf("json: read first token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Table{}, errNotColumnar
	}

	var fields []string
	columns := map[string][]any{}
	nulls := map[string]bool{}

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return Table{}, fmt.Errorf("json: read key: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return Table{}, fmt.Errorf("json: unexpected key token %T", kt)
		}

		var member json.RawMessage
		if err := dec.Decode(&member); err != nil {
			return Table{}, fmt.Errorf("json: decode column %q: %w", key, err)
		}
		col, isNull, err := decodeColumn(member)
		if err != nil {
			return Table{}, fmt.Errorf("json: decode column %q: %w", key, err)
		}

		if _, dup := columns[key]; !dup {
			fields = append(fields, key)
		}
		columns[key] = col
		nulls[key] = isNull
	}

	if end, err := dec.Token(); err != nil {
		return Table{}, fmt.Errorf("json: read object end: %w", err)
	} else if end != json.Delim('}') {
		return Table{}, fmt.Errorf("json: expected object end '}', got %v", end)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Table{}, errors.New("json: trailing data after root object")
	}
	if len(fields) == 0 {
		return Table{}, errNotColumnar
	}
	if nulls[fields[0]] {
		return Table{}, fmt.Errorf("json: first column %q is null", fields[0])
	}

	n := len(columns[fields[0]])
	if n > 0 {
		for _, f := range fields {
			if nulls[f] {
				return Table{}, fmt.Errorf("json: column %q is null", f)
			}
		}
	}
	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		row := make(Row, len(fields))
		for _, f := range fields {
			col := columns[f]
			if i < len(col) {
				row[f] = col[i]
			} else {
				row[f] = nil
			}
		}
		rows[i] = row
	}

	return Table{Fields: fields, Rows: rows}, nil
}

// decodeColumn reads one member value. Arrays decode to their elements,
// null reports isNull, and any other value is an empty column.
func decodeColumn(member json.RawMessage) (col []any, isNull bool, err error) {
	trimmed := bytes.TrimSpace(member)
	switch {
	case len(trimmed) == 0:
		return nil, false, errors.New("empty value")
	case trimmed[0] == '[':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&col); err != nil {
			return nil, false, err
		}
		if col == nil {
			col = []any{}
		}
		return col, false, nil
	case bytes.Equal(trimmed, []byte("null")):
		return nil, true, nil
	default:
		return []any{}, false, nil
	}
}

// ingestCSV reads header + records. Cells beyond the header width are dropped;
// missing trailing cells are absent (nil). Empty cells stay "".
func ingestCSV(raw string) Table {
	cr := csv.NewReader(strings.NewReader(raw))
	cr.Comma = ','
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err != nil {
		return Table{Fields: []string{}, Rows: []Row{}}
	}

	fields := make([]string, 0, len(hdr))
	colIx := make([]int, 0, len(hdr))
	pos := map[string]int{}
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if p, ok := pos[h]; ok {
			colIx[p] = i
			continue
		}
		pos[h] = len(fields)
		fields = append(fields, h)
		colIx = append(colIx, i)
	}

	rows := make([]Row, 0)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			break
		}

		row := make(Row, len(fields))
		for t, f := range fields {
			si := colIx[t]
			if si < len(rec) {
				row[f] = rec[si]
			} else {
				row[f] = nil
			}
		}
		rows = append(rows, row)
	}

	return Table{Fields: fields, Rows: rows}
}
