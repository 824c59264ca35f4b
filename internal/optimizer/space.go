package optimizer

import (
	"math"
	"strconv"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// Distribution is the sampling domain of one parameter, derived 1:1 from its
// definition.
type Distribution struct {
	Name string
	Kind model.ParameterKind
	Low  float64
	High float64
	// Step is nil for a continuous float range.
	Step      *float64
	Choices   []string
	Default   model.Value
	DependsOn *model.DependsOn
}

// Space is an ordered set of distributions in profile order.
type Space []Distribution

// SpaceFromProfile derives the search space of a profile. Int ranges default
// to a step of 1; bools become a two-choice categorical; enums need at least
// one choice.
func SpaceFromProfile(p model.MethodProfile) (Space, error) {
	space := make(Space, 0, len(p.Parameters))
	for _, def := range p.Parameters {
		d := Distribution{
			Name:      def.Name,
			Kind:      def.Kind,
			Default:   def.Default,
			DependsOn: def.DependsOn,
		}
		switch def.Kind {
		case model.KindInt, model.KindFloat:
			if def.Min == nil || def.Max == nil || *def.Min > *def.Max {
				return nil, invalidProfile(p, def.Name, "numeric parameter needs min <= max")
			}
			d.Low, d.High = *def.Min, *def.Max
			d.Step = def.Step
			if d.Step == nil && def.Kind == model.KindInt {
				one := 1.0
				d.Step = &one
			}
			if d.Step != nil && *d.Step <= 0 {
				return nil, invalidProfile(p, def.Name, "step must be positive")
			}
		case model.KindBool:
			d.Choices = []string{"false", "true"}
		case model.KindEnum:
			if len(def.Choices) == 0 {
				return nil, invalidProfile(p, def.Name, "enum parameter has no choices")
			}
			d.Choices = append([]string(nil), def.Choices...)
		default:
			return nil, invalidProfile(p, def.Name, "unknown parameter type "+string(def.Kind))
		}
		space = append(space, d)
	}
	return space, nil
}

func invalidProfile(p model.MethodProfile, field, reason string) error {
	return model.NewError(model.CodeInvalidProfile, "profile %s/%s v%d is malformed",
		p.MethodID, p.VariantID, p.SchemaVersion).
		WithFields(map[string]string{field: reason})
}

// Categorical reports whether d is sampled from a choice list.
func (d Distribution) Categorical() bool {
	return d.Kind == model.KindBool || d.Kind == model.KindEnum
}

// gridSize returns the number of reachable grid points for stepped ranges.
func (d Distribution) gridSize() int {
	return int(math.Floor((d.High-d.Low)/(*d.Step)+1e-9)) + 1
}

// valueAt converts a position on the numeric axis into a value that honors
// bounds and step exactly.
func (d Distribution) valueAt(x float64) model.Value {
	x = math.Max(d.Low, math.Min(d.High, x))
	if d.Step != nil {
		k := math.Round((x - d.Low) / *d.Step)
		if maxK := float64(d.gridSize() - 1); k > maxK {
			k = maxK
		}
		x = d.Low + k*(*d.Step)
	}
	if d.Kind == model.KindInt {
		return model.IntValue(int64(math.Round(x)))
	}
	return model.FloatValue(cleanFloat(x))
}

// choiceValue converts a choice index into a value.
func (d Distribution) choiceValue(i int) model.Value {
	if d.Kind == model.KindBool {
		return model.BoolValue(i == 1)
	}
	return model.EnumValue(d.Choices[i])
}

// choiceIndex finds v among the choices, or -1.
func (d Distribution) choiceIndex(v model.Value) int {
	switch d.Kind {
	case model.KindBool:
		b, ok := v.Bool()
		if !ok {
			return -1
		}
		if b {
			return 1
		}
		return 0
	case model.KindEnum:
		s, ok := v.Enum()
		if !ok {
			return -1
		}
		for i, c := range d.Choices {
			if c == s {
				return i
			}
		}
	}
	return -1
}

// cleanFloat strips accumulated binary noise such as 15.500000000000002.
func cleanFloat(x float64) float64 {
	s := strconv.FormatFloat(x, 'g', 12, 64)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return x
	}
	return f
}

// pinUnmetDependencies replaces parameters whose depends_on predicate does
// not hold with their default value. Chains are resolved to a fixed point.
func pinUnmetDependencies(space Space, params model.ParamSet) {
	for range space {
		changed := false
		for _, d := range space {
			if d.DependsOn == nil {
				continue
			}
			if params[d.DependsOn.Name].Equal(d.DependsOn.Value) {
				continue
			}
			if !params[d.Name].Equal(d.Default) {
				params[d.Name] = d.Default
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}
