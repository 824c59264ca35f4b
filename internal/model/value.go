package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParameterKind is the data type of a brewing parameter.
type ParameterKind string

const (
	KindInt   ParameterKind = "int"
	KindFloat ParameterKind = "float"
	KindBool  ParameterKind = "bool"
	KindEnum  ParameterKind = "enum"
)

// Valid reports whether k is one of the four supported kinds.
func (k ParameterKind) Valid() bool {
	switch k {
	case KindInt, KindFloat, KindBool, KindEnum:
		return true
	default:
		return false
	}
}

// Value is a single parameter value. Exactly one of the typed payloads is
// meaningful, selected by Kind. The zero Value has no kind and is never valid.
type Value struct {
	kind ParameterKind
	i    int64
	f    float64
	b    bool
	s    string
}

func IntValue(v int64) Value     { return Value{kind: KindInt, i: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }
func BoolValue(v bool) Value     { return Value{kind: KindBool, b: v} }
func EnumValue(v string) Value   { return Value{kind: KindEnum, s: v} }

// Kind returns the kind carried by v, or "" for the zero Value.
func (v Value) Kind() ParameterKind { return v.kind }

// IsZero reports whether v carries no value at all.
func (v Value) IsZero() bool { return v.kind == "" }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Bool returns the boolean payload.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Enum returns the enum payload.
func (v Value) Enum() (string, bool) { return v.s, v.kind == KindEnum }

// Float returns the float payload. Integer values widen to float; bools and
// enums never do.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// Numeric returns v as float64 for numeric kinds and 0/1 for bools. It is
// used by the samplers, which treat booleans as a two-point axis.
func (v Value) Numeric() (float64, bool) {
	if b, ok := v.Bool(); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return v.Float()
}

// Equal compares kind and payload. Floats are compared exactly.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindEnum:
		return v.s == o.s
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindEnum:
		return v.s
	default:
		return "<none>"
	}
}

// MarshalJSON encodes the payload as a bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("model: cannot encode non-finite float %v", v.f)
		}
		s := strconv.FormatFloat(v.f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			// Keep integral floats distinguishable from ints on decode.
			s += ".0"
		}
		return []byte(s), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindEnum:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a JSON scalar. Integer literals become int values,
// numbers with a fraction or exponent become float values.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*v = Value{}
		return nil
	case string(data) == "true":
		*v = BoolValue(true)
		return nil
	case string(data) == "false":
		*v = BoolValue(false)
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = EnumValue(s)
		return nil
	}

	lit := string(data)
	if !strings.ContainsAny(lit, ".eE") {
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			*v = IntValue(n)
			return nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("model: unsupported parameter value %s", lit)
	}
	*v = FloatValue(f)
	return nil
}

// UnmarshalYAML lets seed files spell values as plain YAML scalars.
func (v *Value) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Value{}
	case bool:
		*v = BoolValue(x)
	case int:
		*v = IntValue(int64(x))
	case int64:
		*v = IntValue(x)
	case uint64:
		*v = IntValue(int64(x)) //nolint:gosec // seed values are small
	case float64:
		*v = FloatValue(x)
	case string:
		*v = EnumValue(x)
	default:
		return fmt.Errorf("model: unsupported YAML value %v", raw)
	}
	return nil
}

// ParamSet maps parameter names to values.
type ParamSet map[string]Value

// Names returns the parameter names in sorted order.
func (p ParamSet) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy; Values are immutable so this is a full copy.
func (p ParamSet) Clone() ParamSet {
	if p == nil {
		return nil
	}
	out := make(ParamSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same names with equal values.
func (p ParamSet) Equal(o ParamSet) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Normalize widens int values of float parameters to float values so that a
// validated set carries exactly the kinds its profile declares.
func (p ParamSet) Normalize(profile MethodProfile) ParamSet {
	out := p.Clone()
	for _, def := range profile.Parameters {
		v, ok := out[def.Name]
		if !ok || def.Kind != KindFloat {
			continue
		}
		if n, isInt := v.Int(); isInt {
			out[def.Name] = FloatValue(float64(n))
		}
	}
	return out
}

// CanonicalJSON encodes the set with sorted keys and no whitespace. The
// encoding is stable across processes and used for content hashing.
func (p ParamSet) CanonicalJSON() ([]byte, error) {
	// encoding/json sorts map keys.
	return json.Marshal(map[string]Value(p))
}
