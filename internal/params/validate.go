// Package params validates concrete parameter sets against method profiles.
//
// Validation is all-or-nothing and reports every offending field at once:
// unknown keys, then missing keys, then per-value checks, then dependency
// predicates, then domain hard caps. The first failing stage wins.
package params

import (
	"sort"
	"strings"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// Validate checks set against profile using DefaultCaps.
func Validate(profile model.MethodProfile, set model.ParamSet) error {
	return ValidateWithCaps(profile, set, DefaultCaps)
}

// ValidateWithCaps checks set against profile and the given hard caps.
func ValidateWithCaps(profile model.MethodProfile, set model.ParamSet, caps []Cap) error {
	if err := checkKeys(profile, set); err != nil {
		return err
	}
	set = set.Normalize(profile)
	if err := checkValues(profile, set); err != nil {
		return err
	}
	if err := checkDependencies(profile, set); err != nil {
		return err
	}
	return checkCaps(profile, set, caps)
}

func checkKeys(profile model.MethodProfile, set model.ParamSet) error {
	defined := make(map[string]bool, len(profile.Parameters))
	for _, d := range profile.Parameters {
		defined[d.Name] = true
	}

	var unknown []string
	for name := range set {
		if !defined[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return keysError(model.CodeUnknownParameterKeys, "unknown parameter keys", unknown, "not defined by profile")
	}

	var missing []string
	for _, d := range profile.Parameters {
		if _, ok := set[d.Name]; !ok {
			missing = append(missing, d.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return keysError(model.CodeMissingRequiredParameters, "missing required parameters", missing, "required")
	}
	return nil
}

func keysError(code model.Code, msg string, names []string, reason string) error {
	fields := make(map[string]string, len(names))
	for _, n := range names {
		fields[n] = reason
	}
	return model.NewError(code, "%s: %s", msg, strings.Join(names, ", ")).WithFields(fields)
}

// checkValues collects every per-value violation. The error code is that of
// the first violation in profile order.
func checkValues(profile model.MethodProfile, set model.ParamSet) error {
	var (
		first  model.Code
		fields map[string]string
	)
	for _, d := range profile.Parameters {
		code, reason := d.Check(set[d.Name])
		if code == "" {
			continue
		}
		if fields == nil {
			first = code
			fields = map[string]string{}
		}
		fields[d.Name] = reason
	}
	if fields == nil {
		return nil
	}
	return model.NewError(first, "invalid parameter values for %s/%s", profile.MethodID, profile.VariantID).
		WithFields(fields)
}

// checkDependencies verifies that every depends_on predicate refers to a
// parameter of the same profile with a comparable value. A broken predicate
// is a profile bug, not a caller error. Unmet predicates are not violations:
// the dependent value is still present and validated.
func checkDependencies(profile model.MethodProfile, set model.ParamSet) error {
	fields := map[string]string{}
	for _, d := range profile.Parameters {
		if d.DependsOn == nil {
			continue
		}
		target, ok := profile.Parameter(d.DependsOn.Name)
		if !ok || target.Name == d.Name {
			fields[d.Name] = "depends_on refers to an unusable parameter"
			continue
		}
		if d.DependsOn.Value.Kind() != set[target.Name].Kind() {
			fields[d.Name] = "depends_on value has the wrong type"
		}
	}
	if len(fields) > 0 {
		return model.NewError(model.CodeInvalidProfile, "profile %s/%s v%d has broken dependencies",
			profile.MethodID, profile.VariantID, profile.SchemaVersion).WithFields(fields)
	}
	return nil
}

// DependencyMet reports whether d's depends_on predicate holds in set.
// Parameters without a predicate are always relevant.
func DependencyMet(d model.ParameterDefinition, set model.ParamSet) bool {
	if d.DependsOn == nil {
		return true
	}
	return set[d.DependsOn.Name].Equal(d.DependsOn.Value)
}
