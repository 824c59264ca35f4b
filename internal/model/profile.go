package model

import "time"

// DependsOn makes a parameter relevant only while another parameter of the
// same profile holds a specific value.
type DependsOn struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Value Value  `json:"value" yaml:"value"`
}

// ParameterDefinition describes one tunable brewing parameter. Definitions
// are immutable once their profile version is published.
type ParameterDefinition struct {
	Name        string        `json:"name" yaml:"name" validate:"required,paramname"`
	Kind        ParameterKind `json:"type" yaml:"type" validate:"required,oneof=int float bool enum"`
	Min         *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	Step        *float64      `json:"step,omitempty" yaml:"step,omitempty" validate:"omitempty,gt=0"`
	Choices     []string      `json:"choices,omitempty" yaml:"choices,omitempty" validate:"omitempty,unique,dive,required"`
	Default     Value         `json:"default" yaml:"default"`
	Unit        string        `json:"unit,omitempty" yaml:"unit,omitempty"`
	Description string        `json:"description" yaml:"description"`
	DependsOn   *DependsOn    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Numeric reports whether the definition has a bounded numeric range.
func (d ParameterDefinition) Numeric() bool {
	return d.Kind == KindInt || d.Kind == KindFloat
}

// MethodProfile is one published schema version of a (method, variant) pair.
type MethodProfile struct {
	MethodID      string                `json:"method_id" yaml:"method_id" validate:"required,profileid"`
	VariantID     string                `json:"variant_id" yaml:"variant_id" validate:"required,profileid"`
	SchemaVersion int                   `json:"schema_version" yaml:"schema_version" validate:"gte=1"`
	Parameters    []ParameterDefinition `json:"parameters" yaml:"parameters" validate:"required,min=1,dive"`
	CreatedAt     time.Time             `json:"created_at" yaml:"-"`
}

// Parameter returns the definition with the given name.
func (p MethodProfile) Parameter(name string) (ParameterDefinition, bool) {
	for _, d := range p.Parameters {
		if d.Name == name {
			return d, true
		}
	}
	return ParameterDefinition{}, false
}

// Defaults returns every parameter's default value.
func (p MethodProfile) Defaults() ParamSet {
	out := make(ParamSet, len(p.Parameters))
	for _, d := range p.Parameters {
		out[d.Name] = d.Default
	}
	return out
}
