package profiles

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

var (
	paramNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	// Method and variant ids never contain '|' or ':', keeping context keys
	// collision-free.
	profileIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// newValidate returns a validator with the profile tags registered.
func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("paramname", func(fl validator.FieldLevel) bool {
		return paramNameRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("profileid", func(fl validator.FieldLevel) bool {
		return profileIDRe.MatchString(fl.Field().String())
	})
	return v
}

var validate = newValidate()

// ValidateProfile checks a profile's structure: field tags first, then the
// cross-field rules tags cannot express. Failures are invalid_profile errors
// whose Fields name each offending parameter.
func ValidateProfile(p model.MethodProfile) error {
	fields := map[string]string{}

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("profiles: validate %s/%s: %w", p.MethodID, p.VariantID, err)
		}
		for _, fe := range verrs {
			fields[fieldPath(fe)] = fmt.Sprintf("failed %q", fe.Tag())
		}
	}

	byName := make(map[string]model.ParameterDefinition, len(p.Parameters))
	for _, d := range p.Parameters {
		if _, dup := byName[d.Name]; dup {
			fields[d.Name] = "duplicate parameter name"
		}
		byName[d.Name] = d
	}

	for _, d := range p.Parameters {
		if reason := checkDefinition(d); reason != "" {
			fields[d.Name] = reason
			continue
		}
		if d.DependsOn == nil {
			continue
		}
		target, ok := byName[d.DependsOn.Name]
		switch {
		case d.DependsOn.Name == d.Name:
			fields[d.Name] = "depends_on refers to itself"
		case !ok:
			fields[d.Name] = fmt.Sprintf("depends_on refers to unknown parameter %q", d.DependsOn.Name)
		default:
			if code, reason := target.Check(d.DependsOn.Value); code != "" {
				fields[d.Name] = "depends_on value: " + reason
			}
		}
	}

	if len(fields) > 0 {
		return model.NewError(model.CodeInvalidProfile, "profile %s/%s v%d is malformed",
			p.MethodID, p.VariantID, p.SchemaVersion).WithFields(fields)
	}
	return nil
}

func checkDefinition(d model.ParameterDefinition) string {
	switch d.Kind {
	case model.KindInt, model.KindFloat:
		if d.Min == nil || d.Max == nil {
			return "numeric parameter needs min and max"
		}
		if *d.Min > *d.Max {
			return "min exceeds max"
		}
		if len(d.Choices) > 0 {
			return "numeric parameter cannot declare choices"
		}
	case model.KindEnum:
		if len(d.Choices) == 0 {
			return "enum parameter needs at least one choice"
		}
	case model.KindBool:
		if len(d.Choices) > 0 {
			return "bool parameter cannot declare choices"
		}
	}
	if d.Default.IsZero() {
		return "default is required"
	}
	if _, reason := d.Check(d.Default); reason != "" {
		return "default: " + reason
	}
	return ""
}

// fieldPath turns "MethodProfile.Parameters[2].Name" into "parameters[2].name".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}
