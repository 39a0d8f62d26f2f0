package form

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Edit is one user change to one control. Which payload field is read depends
// on Field:
//   - xAxis, yAxis: Fields
//   - chartType, groupByFunction, groupBy: Text (nil clears groupBy)
//   - xSelect, ySelect: Values
type Edit struct {
	Field  Field
	Fields []string
	Text   *string
	Values []any
}

func AxisEdit(f Field, fields ...string) Edit {
	return Edit{Field: f, Fields: append([]string{}, fields...)}
}

func TextEdit(f Field, s string) Edit {
	return Edit{Field: f, Text: &s}
}

func SelectEdit(f Field, values ...any) Edit {
	return Edit{Field: f, Values: append([]any{}, values...)}
}

func (e Edit) text() string {
	if e.Text == nil {
		return ""
	}
	return *e.Text
}

// DecodeEdit builds an Edit from a control name and its JSON value, as sent by
// API clients. Numbers decode as json.Number so they compare equal to values
// ingested from JSON.
func DecodeEdit(field string, raw json.RawMessage) (Edit, error) {
	f := Field(field)
	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(raw))
		d.UseNumber()
		return d.Decode(v)
	}

	switch f {
	case FieldXAxis, FieldYAxis:
		var fields []string
		if err := dec(&fields); err != nil {
			return Edit{}, fmt.Errorf("form: %s: want array of field names: %w", f, err)
		}
		return AxisEdit(f, fields...), nil

	case FieldChartType, FieldGroupByFunction:
		var s string
		if err := dec(&s); err != nil {
			return Edit{}, fmt.Errorf("form: %s: want string: %w", f, err)
		}
		return TextEdit(f, s), nil

	case FieldGroupBy:
		var s *string
		if err := dec(&s); err != nil {
			return Edit{}, fmt.Errorf("form: %s: want string or null: %w", f, err)
		}
		return Edit{Field: f, Text: s}, nil

	case FieldXSelect, FieldYSelect:
		var values []any
		if err := dec(&values); err != nil {
			return Edit{}, fmt.Errorf("form: %s: want array: %w", f, err)
		}
		return SelectEdit(f, values...), nil
	}

	return Edit{}, fmt.Errorf("form: unknown control %q", field)
}
