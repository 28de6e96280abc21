package problem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dcop/internal/ir"
)

// fileModel is the on-disk shape of a problem file. YAML and CUE files
// share it; CUE files are exported to JSON first.
type fileModel struct {
	Name        string                      `yaml:"name" json:"name"`
	Description string                      `yaml:"description,omitempty" json:"description,omitempty"`
	Objective   string                      `yaml:"objective" json:"objective"`
	Domains     map[string]Domain           `yaml:"domains" json:"domains"`
	Variables   map[string]variableModel    `yaml:"variables" json:"variables"`
	Constraints map[string]ir.ConstraintDef `yaml:"constraints" json:"constraints"`
	Agents      map[string]ir.AgentDef      `yaml:"agents" json:"agents"`
	Hints       ir.Hints                    `yaml:"distribution_hints" json:"distribution_hints"`
}

type variableModel struct {
	Domain  string             `yaml:"domain" json:"domain"`
	Initial string             `yaml:"initial_value,omitempty" json:"initial_value,omitempty"`
	Costs   map[string]float64 `yaml:"costs,omitempty" json:"costs,omitempty"`
}

// Load reads one or more problem files and merges them in order. Files
// ending in .cue are evaluated with CUE, everything else is parsed as YAML.
// A name defined in two files is an error.
func Load(paths ...string) (*Problem, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one problem file is required")
	}

	var models []fileModel
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read problem file: %w", err)
		}
		var m fileModel
		if filepath.Ext(path) == ".cue" {
			m, err = parseCUE(data, path)
		} else {
			m, err = parseYAML(data)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		models = append(models, m)
	}
	return build(models)
}

// Parse parses a single YAML problem document.
func Parse(data []byte) (*Problem, error) {
	m, err := parseYAML(data)
	if err != nil {
		return nil, err
	}
	return build([]fileModel{m})
}

// ParseCUE evaluates a single CUE problem document.
func ParseCUE(data []byte, filename string) (*Problem, error) {
	m, err := parseCUE(data, filename)
	if err != nil {
		return nil, err
	}
	return build([]fileModel{m})
}

func parseYAML(data []byte) (fileModel, error) {
	var m fileModel
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return m, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return m, nil
}

func parseCUE(data []byte, filename string) (fileModel, error) {
	var m fileModel
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return m, formatCUEError(err)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return m, formatCUEError(err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&m); err != nil {
		return m, fmt.Errorf("failed to decode CUE value: %w", err)
	}
	return m, nil
}

// formatCUEError keeps the first CUE error with its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		pos := positions[0]
		return fmt.Errorf("%s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), first.Error())
	}
	return first
}

func build(models []fileModel) (*Problem, error) {
	p := New("")
	p.Objective = ""
	p.Hints.MustHost = make(map[string][]string)

	for _, m := range models {
		if p.Name == "" {
			p.Name = m.Name
		}
		if m.Objective != "" {
			if p.Objective != "" && p.Objective != m.Objective {
				return nil, fmt.Errorf("conflicting objectives %q and %q", p.Objective, m.Objective)
			}
			p.Objective = m.Objective
		}
		for name, d := range m.Domains {
			if _, dup := p.Domains[name]; dup {
				return nil, fmt.Errorf("domain %s defined twice", name)
			}
			d.Name = name
			p.Domains[name] = d
		}
	}
	if p.Objective == "" {
		p.Objective = Minimize
	}

	// Variables may reference domains from any file, so resolve after all
	// domains are known.
	for _, m := range models {
		for _, name := range ir.SortedKeys(m.Variables) {
			vm := m.Variables[name]
			if _, dup := p.Variables[name]; dup {
				return nil, fmt.Errorf("variable %s defined twice", name)
			}
			d, ok := p.Domains[vm.Domain]
			if !ok {
				return nil, fmt.Errorf("variable %s: unknown domain %q", name, vm.Domain)
			}
			p.Variables[name] = ir.VariableDef{
				Name:    name,
				Domain:  append([]string(nil), d.Values...),
				Initial: vm.Initial,
				Costs:   vm.Costs,
			}
		}
		for name, c := range m.Constraints {
			if _, dup := p.Constraints[name]; dup {
				return nil, fmt.Errorf("constraint %s defined twice", name)
			}
			c.Name = name
			p.Constraints[name] = c
		}
		for name, a := range m.Agents {
			if _, dup := p.Agents[name]; dup {
				return nil, fmt.Errorf("agent %s defined twice", name)
			}
			a.Name = name
			p.Agents[name] = a
		}
		for agent, comps := range m.Hints.MustHost {
			p.Hints.MustHost[agent] = append(p.Hints.MustHost[agent], comps...)
		}
	}

	for name := range p.Variables {
		if _, clash := p.Constraints[name]; clash {
			return nil, fmt.Errorf("name %s used by a variable and a constraint", name)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid problem: %w", err)
	}
	return p, nil
}
