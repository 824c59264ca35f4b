package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StepTolerance is how far, in units of one step, a float value may sit off
// the step grid and still count as on it.
const StepTolerance = 1e-6

// Check validates one value against the definition. It returns "" when v is
// acceptable, else the violation code and a human-readable reason. A bool
// never satisfies a numeric definition; an int satisfies a float definition.
func (d ParameterDefinition) Check(v Value) (Code, string) {
	switch d.Kind {
	case KindInt:
		n, ok := v.Int()
		if !ok {
			return CodeInvalidParameterType, typeReason(d.Kind, v)
		}
		return d.checkRange(float64(n), 1e-9)
	case KindFloat:
		x, ok := v.Float()
		if !ok {
			return CodeInvalidParameterType, typeReason(d.Kind, v)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return CodeInvalidParameterType, "must be a finite number"
		}
		return d.checkRange(x, StepTolerance)
	case KindBool:
		if _, ok := v.Bool(); !ok {
			return CodeInvalidParameterType, typeReason(d.Kind, v)
		}
		return "", ""
	case KindEnum:
		s, ok := v.Enum()
		if !ok {
			return CodeInvalidParameterType, typeReason(d.Kind, v)
		}
		for _, c := range d.Choices {
			if c == s {
				return "", ""
			}
		}
		return CodeInvalidParameterChoice, fmt.Sprintf("must be one of [%s]", strings.Join(d.Choices, ", "))
	default:
		return CodeInvalidProfile, fmt.Sprintf("unknown parameter type %q", d.Kind)
	}
}

func (d ParameterDefinition) checkRange(x, tol float64) (Code, string) {
	if d.Min == nil || d.Max == nil {
		return CodeInvalidProfile, "numeric parameter has no bounds"
	}
	if x < *d.Min || x > *d.Max {
		return CodeParameterOutOfRange, fmt.Sprintf("must be within [%s, %s]", fmtNum(*d.Min), fmtNum(*d.Max))
	}
	if d.Step != nil && *d.Step > 0 {
		k := (x - *d.Min) / *d.Step
		if math.Abs(k-math.Round(k)) > tol {
			return CodeParameterOutOfRange, fmt.Sprintf("must be %s plus a multiple of %s", fmtNum(*d.Min), fmtNum(*d.Step))
		}
	}
	return "", ""
}

func typeReason(want ParameterKind, got Value) string {
	if got.IsZero() {
		return fmt.Sprintf("expected %s, got null", want)
	}
	return fmt.Sprintf("expected %s, got %s", want, got.Kind())
}

func fmtNum(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}

// Normalized returns a copy of p whose float defaults and depends_on values
// carry float kind even when they were written as integer literals.
func (p MethodProfile) Normalized() MethodProfile {
	kinds := make(map[string]ParameterKind, len(p.Parameters))
	for _, d := range p.Parameters {
		kinds[d.Name] = d.Kind
	}
	out := p
	out.Parameters = make([]ParameterDefinition, len(p.Parameters))
	for i, d := range p.Parameters {
		if d.Kind == KindFloat {
			d.Default = widen(d.Default)
		}
		if d.DependsOn != nil {
			dep := *d.DependsOn
			if kinds[dep.Name] == KindFloat {
				dep.Value = widen(dep.Value)
			}
			d.DependsOn = &dep
		}
		out.Parameters[i] = d
	}
	return out
}

func widen(v Value) Value {
	if n, ok := v.Int(); ok {
		return FloatValue(float64(n))
	}
	return v
}
