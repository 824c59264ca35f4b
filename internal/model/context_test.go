package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

func TestScopeKey_Format(t *testing.T) {
	owner := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bean := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	s := model.Scope{OwnerID: owner, MethodID: "v60", VariantID: "v60_default", BeanID: &bean}
	assert.Equal(t,
		"u:11111111-1111-1111-1111-111111111111|m:v60|v:v60_default|e:none|b:22222222-2222-2222-2222-222222222222",
		s.Key())
}

func TestScopeKey_Deterministic(t *testing.T) {
	owner := uuid.New()
	equip := uuid.New()
	a := model.Scope{OwnerID: owner, MethodID: "aeropress", VariantID: "aeropress_standard", EquipmentID: &equip}
	eqCopy := equip
	b := model.Scope{OwnerID: owner, MethodID: "aeropress", VariantID: "aeropress_standard", EquipmentID: &eqCopy}
	assert.Equal(t, a.Key(), b.Key())
	assert.True(t, a.SameScope(b))
}

func TestScopeKey_PairwiseDistinct(t *testing.T) {
	owners := []uuid.UUID{uuid.New(), uuid.New()}
	refs := []*uuid.UUID{nil, ptr(uuid.New()), ptr(uuid.New())}
	methods := [][2]string{{"v60", "v60_default"}, {"aeropress", "aeropress_standard"}, {"aeropress", "aeropress_inverted"}}

	seen := map[string]string{}
	for _, o := range owners {
		for _, m := range methods {
			for _, e := range refs {
				for _, b := range refs {
					s := model.Scope{OwnerID: o, MethodID: m[0], VariantID: m[1], EquipmentID: e, BeanID: b}
					desc := fmt.Sprintf("%v/%v/%v/%v", o, m, e, b)
					if prev, dup := seen[s.Key()]; dup {
						t.Fatalf("key collision between %s and %s", prev, desc)
					}
					seen[s.Key()] = desc
				}
			}
		}
	}
	assert.Len(t, seen, 2*3*3*3)
}

func TestScopeKey_EquipmentAndBeanNotInterchangeable(t *testing.T) {
	owner := uuid.New()
	id := uuid.New()
	a := model.Scope{OwnerID: owner, MethodID: "v60", VariantID: "v60_default", EquipmentID: &id}
	b := model.Scope{OwnerID: owner, MethodID: "v60", VariantID: "v60_default", BeanID: &id}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.False(t, a.SameScope(b))
}

func TestErrorIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("apply: %w", model.NewError(model.CodeAlreadyApplied, "suggestion %s already applied", "x"))
	assert.True(t, errors.Is(err, model.ErrAlreadyApplied))
	assert.False(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, model.CodeAlreadyApplied, model.CodeOf(err))
	assert.Equal(t, model.Code(""), model.CodeOf(errors.New("boom")))
}

func TestErrorMessage_IncludesSortedFields(t *testing.T) {
	err := model.NewError(model.CodeMissingRequiredParameters, "missing parameters").
		WithFields(map[string]string{"ratio": "required", "dose_g": "required"})
	assert.Equal(t, "missing_required_parameters: missing parameters (dose_g: required; ratio: required)", err.Error())
}

func TestCodeCategory(t *testing.T) {
	assert.Equal(t, model.CategoryInvalidInput, model.CodeInvalidScore.Category())
	assert.Equal(t, model.CategoryNotFound, model.CodeTrialNotFound.Category())
	assert.Equal(t, model.CategoryConflict, model.CodeAlreadyApplied.Category())
	assert.Equal(t, model.CategoryInternal, model.CodeInvalidProfile.Category())
}

func ptr[T any](v T) *T { return &v }
