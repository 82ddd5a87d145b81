// File: registry/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Static tool catalog. One table drives parameter validation, the
// playground schema dump and the tool→engine-method mapping, so the
// three can never diverge.

package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ParamType enumerates the primitive parameter types.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeNumber ParamType = "number"
	TypeBool   ParamType = "bool"
	TypeEnum   ParamType = "enum"
)

// Param describes one tool parameter.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// Tool is an immutable descriptor resolving to an engine method.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Method      string  `json:"method"` // engine method name
	Params      []Param `json:"params"`
}

// MaxValidationErrors caps the structured error list in a validation
// failure; the cap is part of the client contract.
const MaxValidationErrors = 32

// FieldError is one structured validation error entry.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult enumerates, in order, missing fields, unknown
// fields, a supported-fields string and the structured error list.
type ValidationResult struct {
	OK              bool
	MissingFields   []string
	UnknownFields   []string
	SupportedFields string
	Errors          []FieldError
}

// Registry is the process-wide immutable catalog.
type Registry struct {
	tools map[string]*Tool
	names []string
}

// New builds a registry from descriptors. Duplicate names are a
// programming error and rejected.
func New(tools []Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for i := range tools {
		t := &tools[i]
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		r.tools[t.Name] = t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string { return r.names }

// All returns descriptors in sorted-name order, for /tools and the
// playground schema.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tools[n])
	}
	return out
}

// Validate checks paramsJSON against the named tool's declared
// parameters. It always terminates: every outcome is either OK or a
// populated error list.
func (r *Registry) Validate(name string, paramsJSON []byte) ValidationResult {
	tool, ok := r.tools[name]
	if !ok {
		return ValidationResult{
			SupportedFields: "supported tools: " + strings.Join(r.names, ", "),
			Errors:          []FieldError{{Field: "tool", Message: fmt.Sprintf("unknown tool %q", name)}},
		}
	}
	res := ValidationResult{SupportedFields: tool.supportedFields()}

	params := map[string]json.RawMessage{}
	if len(paramsJSON) > 0 && string(paramsJSON) != "null" {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			res.Errors = []FieldError{{Field: "params", Message: "params must be a JSON object"}}
			return res
		}
	}

	declared := make(map[string]*Param, len(tool.Params))
	for i := range tool.Params {
		declared[tool.Params[i].Name] = &tool.Params[i]
	}

	// Missing first, then unknown, then per-field type errors: the
	// ordering is normative for client tooling.
	for _, p := range tool.Params {
		if _, present := params[p.Name]; p.Required && !present {
			res.MissingFields = append(res.MissingFields, p.Name)
			res.addError(p.Name, "required parameter is missing")
		}
	}
	unknown := make([]string, 0)
	for name := range params {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		res.UnknownFields = append(res.UnknownFields, name)
		res.addError(name, "unknown parameter")
	}
	for _, p := range tool.Params {
		raw, present := params[p.Name]
		if !present {
			continue
		}
		if msg := checkType(&p, raw); msg != "" {
			res.addError(p.Name, msg)
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

func (v *ValidationResult) addError(field, message string) {
	if len(v.Errors) < MaxValidationErrors {
		v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
	}
}

func (t *Tool) supportedFields() string {
	parts := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		s := fmt.Sprintf("%s (%s", p.Name, p.Type)
		if p.Required {
			s += ", required"
		}
		s += ")"
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "no parameters"
	}
	return strings.Join(parts, ", ")
}

func checkType(p *Param, raw json.RawMessage) string {
	switch p.Type {
	case TypeString:
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return "expected a string"
		}
	case TypeInt:
		var f float64
		if json.Unmarshal(raw, &f) != nil || f != float64(int64(f)) {
			return "expected an integer"
		}
	case TypeNumber:
		var f float64
		if json.Unmarshal(raw, &f) != nil {
			return "expected a number"
		}
	case TypeBool:
		var b bool
		if json.Unmarshal(raw, &b) != nil {
			return "expected a boolean"
		}
	case TypeEnum:
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return "expected a string"
		}
		for _, choice := range p.Enum {
			if s == choice {
				return ""
			}
		}
		return fmt.Sprintf("must be one of: %s", strings.Join(p.Enum, ", "))
	}
	return ""
}
