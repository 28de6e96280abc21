package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintDef_Different(t *testing.T) {
	c := ConstraintDef{Name: "c", Type: ConstraintDifferent, Variables: []string{"v1", "v2", "v3"}, Weight: 2}
	require.NoError(t, c.Validate())

	cost, ok := c.Eval(map[string]string{"v1": "R", "v2": "R", "v3": "R"})
	require.True(t, ok)
	assert.Equal(t, 6.0, cost)

	cost, ok = c.Eval(map[string]string{"v1": "R", "v2": "G", "v3": "B"})
	require.True(t, ok)
	assert.Equal(t, 0.0, cost)
}

func TestConstraintDef_EqualDefaultWeight(t *testing.T) {
	c := ConstraintDef{Name: "c", Type: ConstraintEqual, Variables: []string{"v1", "v2"}}

	cost, ok := c.Eval(map[string]string{"v1": "R", "v2": "G"})
	require.True(t, ok)
	assert.Equal(t, 1.0, cost)
}

func TestConstraintDef_Extensional(t *testing.T) {
	c := ConstraintDef{
		Name:      "c",
		Type:      ConstraintExtensional,
		Variables: []string{"v1", "v2"},
		Default:   10,
		Table: []TableRow{
			{Assignment: []string{"R", "G"}, Cost: 1},
			{Assignment: []string{"G", "R"}, Cost: 2},
		},
	}
	require.NoError(t, c.Validate())

	cost, _ := c.Eval(map[string]string{"v1": "G", "v2": "R"})
	assert.Equal(t, 2.0, cost)
	cost, _ = c.Eval(map[string]string{"v1": "R", "v2": "R"})
	assert.Equal(t, 10.0, cost)
}

func TestConstraintDef_EvalUnassigned(t *testing.T) {
	c := ConstraintDef{Name: "c", Type: ConstraintDifferent, Variables: []string{"v1", "v2"}}
	_, ok := c.Eval(map[string]string{"v1": "R"})
	assert.False(t, ok)
}

func TestConstraintDef_Validate(t *testing.T) {
	tests := []struct {
		name string
		c    ConstraintDef
	}{
		{"missing name", ConstraintDef{Type: ConstraintDifferent, Variables: []string{"a", "b"}}},
		{"no variables", ConstraintDef{Name: "c", Type: ConstraintDifferent}},
		{"unary different", ConstraintDef{Name: "c", Type: ConstraintDifferent, Variables: []string{"a"}}},
		{"unknown type", ConstraintDef{Name: "c", Type: "intention", Variables: []string{"a"}}},
		{"row arity", ConstraintDef{
			Name: "c", Type: ConstraintExtensional, Variables: []string{"a", "b"},
			Table: []TableRow{{Assignment: []string{"x"}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.c.Validate())
		})
	}
}
