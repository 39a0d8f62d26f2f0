package form

import (
	"errors"
	"fmt"

	"chartform/internal/table"
)

var (
	// ErrControlDisabled is returned when an edit targets a disabled control.
	ErrControlDisabled = errors.New("form: control is disabled")
	// ErrUnknownField is returned when an axis or groupBy names a field the
	// loaded table does not have.
	ErrUnknownField = errors.New("form: unknown field")
	// ErrUnknownOption is returned when a select value is not one of its options.
	ErrUnknownOption = errors.New("form: value is not an available option")
)

// Hooks are the Machine's outbound notifications. Both are optional and are
// called synchronously; they must not edit the Machine.
type Hooks struct {
	// OptionsPublished runs when a select has new options and before its value
	// is set to all of them. Machine.State observed from here shows the select
	// enabled with its options and no value.
	OptionsPublished func(axis Axis, options []any)

	// ArgumentsChanged runs once per settled edit, reset included.
	ArgumentsChanged func(args Arguments)
}

// Machine owns the form state for one dataset.
//
// Every edit goes through a single dispatcher that applies, in order:
//  1. the xAxis rule (xAxis edits), which always re-runs the yAxis rule,
//  2. the yAxis rule (yAxis edits),
//  3. the groupBy rule (xAxis, yAxis and chartType edits),
//
// on a private copy of the state, then commits in two phases: first the copy
// with new select options, then the select values. Rules never trigger each
// other, so an edit settles in one pass.
//
// Concurrency:
//   - Machine is not safe for concurrent use; callers serialize access.
type Machine struct {
	table table.Table
	state State
	hooks Hooks
}

// New returns a Machine over an empty table with settled default state.
// It does not call ArgumentsChanged.
func New(h Hooks) *Machine {
	m := &Machine{hooks: h, table: table.Table{Fields: []string{}, Rows: []table.Row{}}}
	m.state = settledDefaults(m.table)
	return m
}

func settledDefaults(t table.Table) State {
	s := Defaults()
	// Defaults have no single-field axis, so no assignments are produced.
	_ = applyXAxisRule(&s, t)
	applyGroupByRule(&s)
	return s
}

// Load replaces the dataset and resets every control to its default, so no
// selection can reference a field of the previous dataset.
func (m *Machine) Load(t table.Table) {
	m.table = t
	m.Reset()
}

// Reset restores the default control values and emits the argument set.
func (m *Machine) Reset() {
	m.commit(settledDefaults(m.table), nil)
}

// Table returns the dataset the options are computed from.
func (m *Machine) Table() table.Table { return m.table }

// State returns a copy of the current control state.
func (m *Machine) State() State { return m.state.clone() }

// Arguments returns the current argument set.
func (m *Machine) Arguments() Arguments { return m.state.Arguments() }

// Options returns the published options of an axis select, or nil when the
// select is disabled.
func (m *Machine) Options(a Axis) []any {
	sel := m.state.selectFor(a)
	if !sel.Enabled {
		return nil
	}
	return cloneValues(sel.Options)
}

func (m *Machine) SetXAxis(fields ...string) error { return m.Apply(AxisEdit(FieldXAxis, fields...)) }
func (m *Machine) SetYAxis(fields ...string) error { return m.Apply(AxisEdit(FieldYAxis, fields...)) }

func (m *Machine) SetChartType(ct ChartType) error {
	return m.Apply(TextEdit(FieldChartType, string(ct)))
}

func (m *Machine) SetGroupByFunction(fn GroupByFunction) error {
	return m.Apply(TextEdit(FieldGroupByFunction, string(fn)))
}

// SetGroupBy sets or, with nil, clears groupBy. It is only editable for
// scatter charts.
func (m *Machine) SetGroupBy(field *string) error {
	return m.Apply(Edit{Field: FieldGroupBy, Text: field})
}

func (m *Machine) SetXSelect(values ...any) error { return m.Apply(SelectEdit(FieldXSelect, values...)) }
func (m *Machine) SetYSelect(values ...any) error { return m.Apply(SelectEdit(FieldYSelect, values...)) }

// Apply validates and applies one edit. On error the state is unchanged and
// nothing is emitted.
func (m *Machine) Apply(e Edit) error {
	next := m.state.clone()
	var pending []assignment

	switch e.Field {
	case FieldXAxis:
		if err := m.checkFields(e.Fields); err != nil {
			return err
		}
		next.XAxis = append([]string{}, e.Fields...)
		pending = applyXAxisRule(&next, m.table)
		applyGroupByRule(&next)

	case FieldYAxis:
		if err := m.checkFields(e.Fields); err != nil {
			return err
		}
		next.YAxis = append([]string{}, e.Fields...)
		pending = applyYAxisRule(&next, m.table)
		applyGroupByRule(&next)

	case FieldChartType:
		ct, err := ParseChartType(e.text())
		if err != nil {
			return err
		}
		next.ChartType = ct
		applyGroupByRule(&next)

	case FieldGroupByFunction:
		fn, err := ParseGroupByFunction(e.text())
		if err != nil {
			return err
		}
		next.GroupByFunction = fn

	case FieldGroupBy:
		if !next.GroupByEnabled {
			return fmt.Errorf("%w: %s", ErrControlDisabled, FieldGroupBy)
		}
		if e.Text != nil {
			if err := m.checkFields([]string{*e.Text}); err != nil {
				return err
			}
			next.GroupBy = strPtr(*e.Text)
		} else {
			next.GroupBy = nil
		}

	case FieldXSelect, FieldYSelect:
		axis := AxisX
		if e.Field == FieldYSelect {
			axis = AxisY
		}
		sel := next.selectFor(axis)
		if !sel.Enabled {
			return fmt.Errorf("%w: %s", ErrControlDisabled, e.Field)
		}
		if err := checkOptions(sel.Options, e.Values); err != nil {
			return err
		}
		sel.Value = append([]any{}, e.Values...)

	default:
		return fmt.Errorf("form: unknown control %q", e.Field)
	}

	m.commit(next, pending)
	return nil
}

// commit publishes next with select values unassigned, notifies option
// consumers, then assigns the values and emits the settled argument set.
func (m *Machine) commit(next State, pending []assignment) {
	m.state = next

	if m.hooks.OptionsPublished != nil {
		for _, p := range pending {
			m.hooks.OptionsPublished(p.axis, cloneValues(m.state.selectFor(p.axis).Options))
		}
	}

	for _, p := range pending {
		m.state.selectFor(p.axis).Value = p.value
	}

	if m.hooks.ArgumentsChanged != nil {
		m.hooks.ArgumentsChanged(m.state.Arguments())
	}
}

func (m *Machine) checkFields(fields []string) error {
	for _, f := range fields {
		if !m.table.HasField(f) {
			return fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
	}
	return nil
}

func checkOptions(options, values []any) error {
	allowed := make(map[any]struct{}, len(options))
	for _, o := range options {
		allowed[table.ValueKey(o)] = struct{}{}
	}
	for _, v := range values {
		if _, ok := allowed[table.ValueKey(v)]; !ok {
			return fmt.Errorf("%w: %v", ErrUnknownOption, v)
		}
	}
	return nil
}
