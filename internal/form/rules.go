package form

import "chartform/internal/table"

// assignment is a select value that must be set only after the select's new
// options have been published.
type assignment struct {
	axis  Axis
	value []any
}

// applyXAxisRule enables xSelect when xAxis names exactly one field, filling
// its options from that column, and disables it otherwise. The yAxis rule
// always runs afterwards because xSelect decides ySelect's eligibility.
func applyXAxisRule(s *State, t table.Table) []assignment {
	var out []assignment
	if len(s.XAxis) == 1 {
		out = append(out, openSelect(&s.XSelect, AxisX, t.Distinct(s.XAxis[0])))
	} else {
		closeSelect(&s.XSelect)
	}
	return append(out, applyYAxisRule(s, t)...)
}

// applyYAxisRule enables ySelect when yAxis names exactly one field and
// xSelect is disabled. At most one select is ever enabled.
func applyYAxisRule(s *State, t table.Table) []assignment {
	if len(s.YAxis) == 1 && !s.XSelect.Enabled {
		return []assignment{openSelect(&s.YSelect, AxisY, t.Distinct(s.YAxis[0]))}
	}
	closeSelect(&s.YSelect)
	return nil
}

// applyGroupByRule derives groupBy for line and bar charts and hands it back
// to the user, cleared, for scatter charts.
func applyGroupByRule(s *State) {
	switch {
	case s.ChartType.derivesGroupBy():
		s.GroupByEnabled = false
		if len(s.XAxis) > 1 && len(s.YAxis) > 0 {
			s.GroupBy = strPtr(s.YAxis[0])
		} else if len(s.XAxis) == 1 {
			s.GroupBy = strPtr(s.XAxis[0])
		}
	case s.ChartType == ChartScatter:
		s.GroupByEnabled = true
		s.GroupBy = nil
	}
}

// openSelect publishes options with the value still unassigned; the returned
// assignment selects every option once the options are visible.
func openSelect(sel *Select, axis Axis, options []any) assignment {
	sel.Enabled = true
	sel.Options = options
	sel.Value = nil
	return assignment{axis: axis, value: cloneValues(options)}
}

func closeSelect(sel *Select) {
	sel.Enabled = false
	sel.Options = nil
	sel.Value = nil
}

func strPtr(s string) *string { return &s }
