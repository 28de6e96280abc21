package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/dcop/internal/ir"
)

// marshalAssignment serializes an assignment to canonical JSON.
// A nil assignment is stored as {}.
func marshalAssignment(a map[string]string) (string, error) {
	if a == nil {
		a = map[string]string{}
	}
	data, err := ir.MarshalCanonical(a)
	if err != nil {
		return "", fmt.Errorf("marshal assignment: %w", err)
	}
	return string(data), nil
}

func unmarshalAssignment(data string) (map[string]string, error) {
	out := map[string]string{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal assignment: %w", err)
	}
	return out, nil
}

// marshalInputs serializes the command inputs of a run to canonical JSON.
func marshalInputs(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	data, err := ir.MarshalCanonical(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal inputs: %w", err)
	}
	return string(data), nil
}

func unmarshalInputs(data string) (map[string]any, error) {
	out := map[string]any{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	return out, nil
}

// The report struct declares its fields in key order, so encoding/json
// already yields sorted keys.
func marshalReport(r ir.RunReport) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(data), nil
}

func unmarshalReport(data string) (*ir.RunReport, error) {
	var r ir.RunReport
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
