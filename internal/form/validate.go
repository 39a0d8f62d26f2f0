package form

import (
	"fmt"
	"strings"
)

// ValidationError lists every submission check that failed.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "form: invalid arguments: " + strings.Join(e.Problems, "; ")
}

// Validate runs the submission-time checks. Editing never enforces them.
//
// Checks:
//   - xAxis and yAxis are non-empty.
//   - At most one axis names more than one field.
//   - Every axis field exists in the loaded table.
func (m *Machine) Validate() error {
	s := m.state
	var problems []string

	if len(s.XAxis) == 0 {
		problems = append(problems, "xAxis is required")
	}
	if len(s.YAxis) == 0 {
		problems = append(problems, "yAxis is required")
	}
	if len(s.XAxis) > 1 && len(s.YAxis) > 1 {
		problems = append(problems, "only one axis may have multiple fields")
	}
	for _, f := range s.XAxis {
		if !m.table.HasField(f) {
			problems = append(problems, fmt.Sprintf("xAxis field %q not in %v", f, m.table.Fields))
		}
	}
	for _, f := range s.YAxis {
		if !m.table.HasField(f) {
			problems = append(problems, fmt.Sprintf("yAxis field %q not in %v", f, m.table.Fields))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
