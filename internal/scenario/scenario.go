// Package scenario describes the timeline of external events applied to a
// running system and replays it.
//
// A scenario file is a YAML document:
//
//	events:
//	  - id: w
//	    delay: 2
//	  - id: e1
//	    actions:
//	      - type: remove_agent
//	        agent: a2
//	      - type: set_value
//	        computation: v1
//	        value: G
//
// An event either waits (delay, in time units) or applies its actions, in
// declared order.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dcop/internal/ir"
)

// Action types.
const (
	RemoveAgent      = "remove_agent"
	SetValue         = "set_value"
	ChangeConstraint = "change_constraint"
)

// ErrUnknownAction is returned when loading a scenario with an action type
// the player cannot apply.
var ErrUnknownAction = errors.New("unknown action type")

// Scenario is an ordered list of events.
type Scenario struct {
	Events []Event `yaml:"events" json:"events"`
}

// Event is either a delay or a list of actions.
type Event struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Delay is a wait expressed in time units.
	Delay *float64 `yaml:"delay,omitempty" json:"delay,omitempty"`

	Actions []Action `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// IsDelay reports whether the event only waits.
func (e Event) IsDelay() bool { return e.Delay != nil }

// Action is one change applied to the live agents.
type Action struct {
	Type        string            `yaml:"type" json:"type"`
	Agent       string            `yaml:"agent,omitempty" json:"agent,omitempty"`
	Computation string            `yaml:"computation,omitempty" json:"computation,omitempty"`
	Value       string            `yaml:"value,omitempty" json:"value,omitempty"`
	Constraint  *ir.ConstraintDef `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

func (a Action) String() string {
	switch a.Type {
	case RemoveAgent:
		return fmt.Sprintf("%s(%s)", a.Type, a.Agent)
	case SetValue:
		return fmt.Sprintf("%s(%s=%s)", a.Type, a.Computation, a.Value)
	case ChangeConstraint:
		if a.Constraint != nil {
			return fmt.Sprintf("%s(%s)", a.Type, a.Constraint.Name)
		}
	}
	return a.Type
}

// Duration returns the total delay of the scenario in time units.
func (s *Scenario) Duration() float64 {
	total := 0.0
	for _, e := range s.Events {
		if e.Delay != nil {
			total += *e.Delay
		}
	}
	return total
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scenario, rejecting unknown fields and action types.
// Events without an id are named after their position.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	for i := range s.Events {
		if s.Events[i].ID == "" {
			s.Events[i].ID = fmt.Sprintf("e%d", i+1)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks every event and action is complete.
func (s *Scenario) Validate() error {
	for i, e := range s.Events {
		switch {
		case e.Delay != nil && len(e.Actions) > 0:
			return fmt.Errorf("event %s: delay and actions are exclusive", e.ID)
		case e.Delay == nil && len(e.Actions) == 0:
			return fmt.Errorf("event %s: needs a delay or actions", e.ID)
		case e.Delay != nil && *e.Delay < 0:
			return fmt.Errorf("event %s: negative delay %g", e.ID, *e.Delay)
		}
		for j, a := range e.Actions {
			if err := a.validate(); err != nil {
				return fmt.Errorf("events[%d].actions[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (a Action) validate() error {
	switch a.Type {
	case RemoveAgent:
		if a.Agent == "" {
			return fmt.Errorf("%s: agent is required", a.Type)
		}
	case SetValue:
		if a.Computation == "" || a.Value == "" {
			return fmt.Errorf("%s: computation and value are required", a.Type)
		}
	case ChangeConstraint:
		if a.Constraint == nil || a.Constraint.Name == "" {
			return fmt.Errorf("%s: constraint with a name is required", a.Type)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownAction, a.Type)
	}
	return nil
}
