package params_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/params"
	"github.com/AhmedAldahshoury/coffee/internal/profiles"
)

func seedProfile(t *testing.T, method, variant string, version int) model.MethodProfile {
	t.Helper()
	seed, err := profiles.DefaultSeed()
	require.NoError(t, err)
	for _, p := range seed {
		if p.MethodID == method && p.VariantID == variant && p.SchemaVersion == version {
			return p
		}
	}
	t.Fatalf("no seed profile %s/%s v%d", method, variant, version)
	return model.MethodProfile{}
}

func modelError(t *testing.T, err error) *model.Error {
	t.Helper()
	require.Error(t, err)
	var merr *model.Error
	require.True(t, errors.As(err, &merr), "expected *model.Error, got %T: %v", err, err)
	return merr
}

func TestValidate_DefaultsPassForEverySeedProfile(t *testing.T) {
	seed, err := profiles.DefaultSeed()
	require.NoError(t, err)
	for _, p := range seed {
		assert.NoError(t, params.Validate(p, p.Defaults()), "%s/%s v%d", p.MethodID, p.VariantID, p.SchemaVersion)
	}
}

func TestValidate_MissingReportsAllSorted(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_standard", 1)
	set := p.Defaults()
	delete(set, "water_g")
	delete(set, "dose_g")

	merr := modelError(t, params.Validate(p, set))
	assert.Equal(t, model.CodeMissingRequiredParameters, merr.Code)
	assert.Equal(t, map[string]string{"dose_g": "required", "water_g": "required"}, merr.Fields)
	assert.Contains(t, merr.Message, "dose_g, water_g")
}

func TestValidate_UnknownReportsAll(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_standard", 1)
	set := p.Defaults()
	set["zeta"] = model.IntValue(1)
	set["alpha"] = model.BoolValue(true)

	merr := modelError(t, params.Validate(p, set))
	assert.Equal(t, model.CodeUnknownParameterKeys, merr.Code)
	assert.Len(t, merr.Fields, 2)
	assert.Contains(t, merr.Message, "alpha, zeta")
}

func TestValidate_UnknownBeatsMissing(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_standard", 1)
	set := p.Defaults()
	delete(set, "dose_g")
	set["bogus"] = model.IntValue(1)

	merr := modelError(t, params.Validate(p, set))
	assert.Equal(t, model.CodeUnknownParameterKeys, merr.Code)
	assert.Equal(t, map[string]string{"bogus": "not defined by profile"}, merr.Fields)

	delete(set, "bogus")
	merr = modelError(t, params.Validate(p, set))
	assert.Equal(t, model.CodeMissingRequiredParameters, merr.Code)
	assert.Contains(t, merr.Fields, "dose_g")
}

func TestValidate_DoseOutOfRange(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_standard", 2)
	set := p.Defaults()
	set["dose_g"] = model.FloatValue(21)

	err := params.Validate(p, set)
	assert.True(t, errors.Is(err, model.ErrParameterOutOfRange))
	merr := modelError(t, err)
	assert.Contains(t, merr.Fields, "dose_g")
}

func TestValidate_PerValueChecks(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_standard", 2)
	tests := []struct {
		name  string
		field string
		value model.Value
		code  model.Code
	}{
		{"bool never satisfies int", "grind_step", model.BoolValue(true), model.CodeInvalidParameterType},
		{"float rejected for int", "grind_step", model.FloatValue(18.5), model.CodeInvalidParameterType},
		{"enum rejected for float", "dose_g", model.EnumValue("15"), model.CodeInvalidParameterType},
		{"off float step", "dose_g", model.FloatValue(15.25), model.CodeParameterOutOfRange},
		{"off int step", "steep_s", model.IntValue(62), model.CodeParameterOutOfRange},
		{"below min", "stir_count", model.IntValue(-1), model.CodeParameterOutOfRange},
		{"unknown choice", "filter_type", model.EnumValue("cloth"), model.CodeInvalidParameterChoice},
		{"int for bool", "double_filter", model.IntValue(1), model.CodeInvalidParameterType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := p.Defaults()
			set[tt.field] = tt.value
			merr := modelError(t, params.Validate(p, set))
			assert.Equal(t, tt.code, merr.Code)
			assert.Contains(t, merr.Fields, tt.field)
		})
	}
}

func TestValidate_AcceptsWithinTolerance(t *testing.T) {
	p := seedProfile(t, "v60", "v60_default", 1)
	set := p.Defaults()
	set["ratio"] = model.FloatValue(16.500000001)
	set["dose_g"] = model.IntValue(15) // int literal for a float parameter
	assert.NoError(t, params.Validate(p, set))
}

func TestValidate_CollectsAllValueViolations(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_standard", 1)
	set := p.Defaults()
	set["dose_g"] = model.BoolValue(true)
	set["grind_step"] = model.IntValue(99)

	merr := modelError(t, params.Validate(p, set))
	// dose_g comes first in profile order.
	assert.Equal(t, model.CodeInvalidParameterType, merr.Code)
	assert.Len(t, merr.Fields, 2)
	assert.Contains(t, merr.Fields, "grind_step")
}

func TestValidate_AeropressContactTimeCap(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_inverted", 1)
	set := p.Defaults()
	set["steep_s"] = model.IntValue(150)
	set["plunge_s"] = model.IntValue(45)

	err := params.Validate(p, set)
	assert.True(t, errors.Is(err, model.ErrInvalidSuggestedParams))
	assert.Contains(t, modelError(t, err).Fields, "steep_s")

	set["plunge_s"] = model.IntValue(30)
	assert.NoError(t, params.Validate(p, set))
}

func TestValidate_V60BloomCap(t *testing.T) {
	minT, maxT := 10.0, 300.0
	p := model.MethodProfile{
		MethodID: "v60", VariantID: "v60_fast", SchemaVersion: 1,
		Parameters: []model.ParameterDefinition{
			{Name: "bloom_s", Kind: model.KindInt, Min: &minT, Max: &maxT, Default: model.IntValue(30)},
			{Name: "total_time_s", Kind: model.KindInt, Min: &minT, Max: &maxT, Default: model.IntValue(180)},
		},
	}
	require.NoError(t, params.Validate(p, p.Defaults()))

	merr := modelError(t, params.Validate(p, model.ParamSet{
		"bloom_s":      model.IntValue(60),
		"total_time_s": model.IntValue(60),
	}))
	assert.Equal(t, model.CodeInvalidSuggestedParams, merr.Code)
	assert.Contains(t, merr.Fields, "bloom_s")

	merr = modelError(t, params.Validate(p, model.ParamSet{
		"bloom_s":      model.IntValue(30),
		"total_time_s": model.IntValue(250),
	}))
	assert.Contains(t, merr.Fields, "total_time_s")
}

func TestValidate_CapsSkippedForOtherMethods(t *testing.T) {
	p := seedProfile(t, "v60", "v60_default", 1)
	assert.NoError(t, params.ValidateWithCaps(p, p.Defaults(), []params.Cap{{
		MethodID: "aeropress",
		Field:    "x",
		Check:    func(model.ParamSet) string { return "always" },
	}}))
}

func TestDependencyMet(t *testing.T) {
	p := seedProfile(t, "aeropress", "aeropress_standard", 2)
	d, ok := p.Parameter("double_filter")
	require.True(t, ok)

	set := p.Defaults()
	assert.True(t, params.DependencyMet(d, set))
	set["filter_type"] = model.EnumValue("metal")
	assert.False(t, params.DependencyMet(d, set))
	// An unmet predicate does not make the set invalid.
	assert.NoError(t, params.Validate(p, set))
}
