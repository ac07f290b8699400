package expr

import "strings"

// LocationFilter keeps or drops response locations. A nil filter keeps
// everything.
type LocationFilter struct {
	program Program
}

// NewLocationFilter compiles expression. A blank expression yields a nil
// filter and no error.
func NewLocationFilter(env *Environment, expression string) (*LocationFilter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, err
	}
	return &LocationFilter{program: program}, nil
}

// Keep evaluates the filter for one location of one property.
func (f *LocationFilter) Keep(endpoint string, property, location map[string]any) (bool, error) {
	if f == nil {
		return true, nil
	}
	return f.program.EvalBool(map[string]any{
		"endpoint": endpoint,
		"property": property,
		"location": location,
	})
}

// Source returns the expression text, or "" for a nil filter.
func (f *LocationFilter) Source() string {
	if f == nil {
		return ""
	}
	return f.program.Source()
}
