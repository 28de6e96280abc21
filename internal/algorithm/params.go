package algorithm

import (
	"fmt"
	"strconv"
	"strings"
)

// ParamType is the type of an algorithm parameter.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "str"
)

// ParamDef declares an algorithm parameter and its default.
type ParamDef struct {
	Name    string
	Type    ParamType
	Default any
	Choices []string
}

// Params holds typed parameter values.
type Params map[string]any

// Int returns an int parameter, or 0.
func (p Params) Int(name string) int {
	v, _ := p[name].(int)
	return v
}

// Float returns a float parameter, or 0.
func (p Params) Float(name string) float64 {
	v, _ := p[name].(float64)
	return v
}

// String returns a string parameter, or "".
func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

// SplitParams turns "name:value" strings into a map. A repeated name keeps
// the last value.
func SplitParams(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, r := range raw {
		name, value, ok := strings.Cut(r, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid algorithm parameter %q, expected name:value", r)
		}
		out[name] = value
	}
	return out, nil
}

// ParseParams converts raw string values to typed values, filling in
// defaults for parameters not given.
func ParseParams(defs []ParamDef, raw map[string]string) (Params, error) {
	byName := make(map[string]ParamDef, len(defs))
	params := make(Params, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
		params[d.Name] = d.Default
	}

	for name, value := range raw {
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
		}
		switch d.Type {
		case ParamInt:
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: invalid int %q", name, value)
			}
			params[name] = n
		case ParamFloat:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: invalid float %q", name, value)
			}
			params[name] = f
		default:
			if len(d.Choices) > 0 && !contains(d.Choices, value) {
				return nil, fmt.Errorf("parameter %s: %q not in %v", name, value, d.Choices)
			}
			params[name] = value
		}
	}
	return params, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
