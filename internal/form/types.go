// Package form implements the chart argument form: the named controls a user
// edits to configure a chart, and the dependency rules that enable, disable and
// fill those controls as axis selections and the chart type change.
package form

import (
	"fmt"
	"strings"
)

// ChartType selects the chart renderer and which group-by rules apply.
type ChartType string

const (
	ChartLine    ChartType = "line"
	ChartBar     ChartType = "bar"
	ChartScatter ChartType = "scatter"
)

// ChartTypes lists the supported chart types in display order.
var ChartTypes = []ChartType{ChartLine, ChartBar, ChartScatter}

// ParseChartType accepts a chart type name in any letter case.
func ParseChartType(s string) (ChartType, error) {
	v := ChartType(strings.ToLower(strings.TrimSpace(s)))
	for _, ct := range ChartTypes {
		if v == ct {
			return ct, nil
		}
	}
	return "", fmt.Errorf("form: unknown chart type %q", s)
}

// derivesGroupBy reports whether the chart type computes groupBy from the axes.
func (c ChartType) derivesGroupBy() bool {
	return c == ChartLine || c == ChartBar
}

// GroupByFunction is the aggregation applied to rows sharing a group key.
type GroupByFunction string

const (
	GroupSum   GroupByFunction = "sum"
	GroupMax   GroupByFunction = "max"
	GroupMin   GroupByFunction = "min"
	GroupProd  GroupByFunction = "prod"
	GroupFirst GroupByFunction = "first"
	GroupLast  GroupByFunction = "last"
)

// GroupByFunctions lists the supported aggregations in display order.
var GroupByFunctions = []GroupByFunction{GroupSum, GroupMax, GroupMin, GroupProd, GroupFirst, GroupLast}

// ParseGroupByFunction accepts an aggregation name in any letter case.
func ParseGroupByFunction(s string) (GroupByFunction, error) {
	v := GroupByFunction(strings.ToLower(strings.TrimSpace(s)))
	for _, fn := range GroupByFunctions {
		if v == fn {
			return fn, nil
		}
	}
	return "", fmt.Errorf("form: unknown group-by function %q", s)
}

// Axis names one of the two chart axes.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
)

// Field names a form control.
type Field string

const (
	FieldXAxis           Field = "xAxis"
	FieldYAxis           Field = "yAxis"
	FieldChartType       Field = "chartType"
	FieldGroupByFunction Field = "groupByFunction"
	FieldGroupBy         Field = "groupBy"
	FieldXSelect         Field = "xSelect"
	FieldYSelect         Field = "ySelect"
)

// Select is a per-axis value filter. It is offered only while its axis has
// exactly one field; Options are that column's distinct values.
type Select struct {
	Enabled bool  `json:"enabled"`
	Options []any `json:"options"`
	Value   []any `json:"value"`
}

func (s Select) clone() Select {
	return Select{
		Enabled: s.Enabled,
		Options: cloneValues(s.Options),
		Value:   cloneValues(s.Value),
	}
}

// State is a snapshot of every control.
type State struct {
	XAxis           []string        `json:"xAxis"`
	YAxis           []string        `json:"yAxis"`
	ChartType       ChartType       `json:"chartType"`
	GroupByFunction GroupByFunction `json:"groupByFunction"`
	GroupBy         *string         `json:"groupBy"`
	GroupByEnabled  bool            `json:"groupByEnabled"`
	XSelect         Select          `json:"xSelect"`
	YSelect         Select          `json:"ySelect"`
}

// Defaults returns the initial control values, before any rule has run.
func Defaults() State {
	return State{
		XAxis:           []string{},
		YAxis:           []string{},
		ChartType:       ChartLine,
		GroupByFunction: GroupSum,
		GroupByEnabled:  true,
		XSelect:         Select{Enabled: true},
		YSelect:         Select{Enabled: true},
	}
}

func (s State) clone() State {
	out := s
	out.XAxis = append([]string{}, s.XAxis...)
	out.YAxis = append([]string{}, s.YAxis...)
	if s.GroupBy != nil {
		g := *s.GroupBy
		out.GroupBy = &g
	}
	out.XSelect = s.XSelect.clone()
	out.YSelect = s.YSelect.clone()
	return out
}

func (s *State) selectFor(a Axis) *Select {
	if a == AxisX {
		return &s.XSelect
	}
	return &s.YSelect
}

// Arguments is the chart argument set derived from a State: the part of the
// chart request that the form owns. Disabled selects encode as null.
type Arguments struct {
	XAxis           []string        `json:"xAxis"`
	YAxis           []string        `json:"yAxis"`
	ChartType       ChartType       `json:"chartType"`
	GroupByFunction GroupByFunction `json:"groupByFunction"`
	GroupBy         *string         `json:"groupBy"`
	XSelect         []any           `json:"xSelect"`
	YSelect         []any           `json:"ySelect"`
}

// Arguments derives the argument set from the snapshot.
func (s State) Arguments() Arguments {
	c := s.clone()
	a := Arguments{
		XAxis:           c.XAxis,
		YAxis:           c.YAxis,
		ChartType:       c.ChartType,
		GroupByFunction: c.GroupByFunction,
		GroupBy:         c.GroupBy,
	}
	if c.XSelect.Enabled {
		a.XSelect = nonNil(c.XSelect.Value)
	}
	if c.YSelect.Enabled {
		a.YSelect = nonNil(c.YSelect.Value)
	}
	return a
}

func cloneValues(v []any) []any {
	if v == nil {
		return nil
	}
	return append(make([]any, 0, len(v)), v...)
}

func nonNil(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}
