// Package capability implements the capability registry: the catalog mapping
// a tool identifier to its owning worker domain, its input-parameter schema
// and the tag of the parser that understands its output.
//
// The registry is populated explicitly at startup (built-in catalog, config,
// MCP discovery) and sealed before the first assessment runs. After Seal it is
// read-only and safe for concurrent reads.
package capability

import (
	"fmt"
	"math"
	"sort"
)

// Kind is the value type of a tool parameter.
type Kind string

const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindEnum   Kind = "enum"
	KindString Kind = "string"
	KindBool   Kind = "bool"
)

// Params is a tool parameter set keyed by parameter name.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Choice is one allowed value of an enum parameter, with the coverage and
// cost it contributes when selected. Both hints are in [0,1].
type Choice struct {
	Value    string  `json:"value" yaml:"value"`
	Coverage float64 `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Cost     float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// ParamSpec describes a single tool parameter.
//
// For numeric and bool parameters, Coverage and Cost are the contributions
// at the maximum setting, scaled linearly with the value's position in
// [Min, Max]. String parameters are never searched by the optimizer.
type ParamSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Kind        Kind     `json:"kind" yaml:"kind"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Min         float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max         float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Choices     []Choice `json:"choices,omitempty" yaml:"choices,omitempty"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Coverage    float64  `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Cost        float64  `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// Searchable reports whether the optimizer may choose a value for this parameter.
func (s ParamSpec) Searchable() bool {
	switch s.Kind {
	case KindInt, KindFloat, KindEnum, KindBool:
		return true
	}
	return false
}

// ChoiceValues returns the allowed enum values in declaration order.
func (s ParamSpec) ChoiceValues() []string {
	out := make([]string, len(s.Choices))
	for i, c := range s.Choices {
		out[i] = c.Value
	}
	return out
}

func (s ParamSpec) check() error {
	if s.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	switch s.Kind {
	case KindInt, KindFloat:
		if math.IsNaN(s.Min) || math.IsNaN(s.Max) || s.Min > s.Max {
			return fmt.Errorf("parameter %q: invalid range [%v, %v]", s.Name, s.Min, s.Max)
		}
		if s.Kind == KindInt && (s.Min != math.Trunc(s.Min) || s.Max != math.Trunc(s.Max)) {
			return fmt.Errorf("parameter %q: int range bounds must be integral", s.Name)
		}
	case KindEnum:
		if len(s.Choices) == 0 {
			return fmt.Errorf("parameter %q: enum requires at least one choice", s.Name)
		}
		seen := make(map[string]bool, len(s.Choices))
		for _, c := range s.Choices {
			if seen[c.Value] {
				return fmt.Errorf("parameter %q: duplicate choice %q", s.Name, c.Value)
			}
			seen[c.Value] = true
		}
	case KindString, KindBool:
	default:
		return fmt.Errorf("parameter %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.Default != nil {
		if reason := s.checkValue(s.Default); reason != "" {
			return fmt.Errorf("parameter %q: default %s", s.Name, reason)
		}
	}
	return nil
}

// checkValue returns a non-empty reason when v does not conform to s.
func (s ParamSpec) checkValue(v any) string {
	switch s.Kind {
	case KindInt:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return fmt.Sprintf("expected integer, got %T", v)
		}
		if f < s.Min || f > s.Max {
			return fmt.Sprintf("value %v outside [%v, %v]", f, s.Min, s.Max)
		}
	case KindFloat:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return fmt.Sprintf("expected number, got %T", v)
		}
		if f < s.Min || f > s.Max {
			return fmt.Sprintf("value %v outside [%v, %v]", f, s.Min, s.Max)
		}
	case KindEnum:
		str, ok := v.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", v)
		}
		for _, c := range s.Choices {
			if c.Value == str {
				return ""
			}
		}
		return fmt.Sprintf("value %q not one of %v", str, s.ChoiceValues())
	case KindString:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("expected string, got %T", v)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("expected bool, got %T", v)
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Descriptor is the registry entry for one tool.
type Descriptor struct {
	ToolID       string      `json:"tool_id" yaml:"tool_id"`
	Domain       string      `json:"domain" yaml:"domain"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	Params       []ParamSpec `json:"params" yaml:"params"`
	OutputSchema string      `json:"output_schema" yaml:"output_schema"`
	TargetParam  string      `json:"target_param,omitempty" yaml:"target_param,omitempty"`             // Parameter receiving the task target. Default: "target".
	Timeout      float64     `json:"timeout_multiplier,omitempty" yaml:"timeout_multiplier,omitempty"` // Multiplier on the default task timeout. 0 = 1.
	CostHint     float64     `json:"cost_hint,omitempty" yaml:"cost_hint,omitempty"`                   // Relative invocation cost in [0,1], scales the optimizer's cost penalty.
}

// TargetParamName returns the parameter that receives the task's target.
func (d Descriptor) TargetParamName() string {
	if d.TargetParam != "" {
		return d.TargetParam
	}
	return "target"
}

// TimeoutMultiplier returns the per-tool timeout multiplier.
func (d Descriptor) TimeoutMultiplier() float64 {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 1
}

// Spec returns the named parameter spec.
func (d Descriptor) Spec(name string) (ParamSpec, bool) {
	for _, s := range d.Params {
		if s.Name == name {
			return s, true
		}
	}
	return ParamSpec{}, false
}

// SearchSpace returns the parameters the optimizer may choose values for.
// The target parameter is excluded since the supervisor binds it.
func (d Descriptor) SearchSpace() []ParamSpec {
	var out []ParamSpec
	for _, s := range d.Params {
		if s.Searchable() && s.Name != d.TargetParamName() {
			out = append(out, s)
		}
	}
	return out
}

// Defaults returns the declared default values.
func (d Descriptor) Defaults() Params {
	out := make(Params)
	for _, s := range d.Params {
		if s.Default != nil {
			out[s.Name] = s.Default
		}
	}
	return out
}

// JSONSchema renders the parameter specs as a JSON Schema object, the form
// MCP servers and the HTTP API expose.
func (d Descriptor) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, s := range d.Params {
		p := map[string]any{}
		if s.Description != "" {
			p["description"] = s.Description
		}
		switch s.Kind {
		case KindInt:
			p["type"] = "integer"
			p["minimum"], p["maximum"] = s.Min, s.Max
		case KindFloat:
			p["type"] = "number"
			p["minimum"], p["maximum"] = s.Min, s.Max
		case KindEnum:
			p["type"] = "string"
			p["enum"] = s.ChoiceValues()
		case KindString:
			p["type"] = "string"
		case KindBool:
			p["type"] = "boolean"
		}
		if s.Default != nil {
			p["default"] = s.Default
		}
		props[s.Name] = p
		if s.Required {
			required = append(required, s.Name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// FromJSONSchema converts a JSON Schema "properties" object and its required
// list into parameter specs. Unsupported property types become string specs.
func FromJSONSchema(properties map[string]any, required []string) []ParamSpec {
	req := make(map[string]bool, len(required))
	for _, r := range required {
		req[r] = true
	}
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]ParamSpec, 0, len(names))
	for _, name := range names {
		prop, _ := properties[name].(map[string]any)
		spec := ParamSpec{Name: name, Kind: KindString, Required: req[name]}
		if desc, ok := prop["description"].(string); ok {
			spec.Description = desc
		}
		typ, _ := prop["type"].(string)
		switch {
		case prop["enum"] != nil:
			switch values := prop["enum"].(type) {
			case []any:
				for _, v := range values {
					if s, ok := v.(string); ok {
						spec.Choices = append(spec.Choices, Choice{Value: s})
					}
				}
			case []string:
				for _, s := range values {
					spec.Choices = append(spec.Choices, Choice{Value: s})
				}
			}
			if len(spec.Choices) > 0 {
				spec.Kind = KindEnum
			}
		case typ == "integer" || typ == "number":
			lo, hasLo := toFloat(prop["minimum"])
			hi, hasHi := toFloat(prop["maximum"])
			if hasLo && hasHi && lo <= hi {
				spec.Kind, spec.Min, spec.Max = KindFloat, lo, hi
				if typ == "integer" {
					spec.Kind = KindInt
					spec.Min, spec.Max = math.Ceil(lo), math.Floor(hi)
					if spec.Min > spec.Max {
						spec.Kind, spec.Min, spec.Max = KindString, 0, 0
					}
				}
			}
		case typ == "boolean":
			spec.Kind = KindBool
		}
		if def, ok := prop["default"]; ok && spec.checkValue(def) == "" {
			spec.Default = def
		}
		specs = append(specs, spec)
	}
	return specs
}
