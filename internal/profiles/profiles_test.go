package profiles_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/profiles"
)

// memRepo is an in-memory profiles.Repository.
type memRepo struct {
	mu   sync.Mutex
	rows []model.MethodProfile
}

func (r *memRepo) CountProfiles(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows), nil
}

func (r *memRepo) InsertProfile(_ context.Context, p model.MethodProfile) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.MethodID == p.MethodID && row.VariantID == p.VariantID && row.SchemaVersion == p.SchemaVersion {
			return false, nil
		}
	}
	r.rows = append(r.rows, p)
	return true, nil
}

func (r *memRepo) ListProfiles(context.Context) ([]model.MethodProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.MethodProfile(nil), r.rows...), nil
}

func newSeededStore(t *testing.T) (*profiles.Store, *memRepo) {
	t.Helper()
	ctx := context.Background()
	seed, err := profiles.DefaultSeed()
	require.NoError(t, err)

	repo := &memRepo{}
	s := profiles.NewStore(repo, slog.New(slog.DiscardHandler))
	_, err = s.Seed(ctx, seed)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx))
	return s, repo
}

func ptr[T any](v T) *T { return &v }

func TestDefaultSeedIsValid(t *testing.T) {
	seed, err := profiles.DefaultSeed()
	require.NoError(t, err)
	assert.Len(t, seed, 4)

	for _, p := range seed {
		d, ok := p.Parameter("dose_g")
		require.True(t, ok, "%s/%s has dose_g", p.MethodID, p.VariantID)
		assert.Equal(t, model.KindFloat, d.Default.Kind(), "float defaults stay float")
	}
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	seed, err := profiles.DefaultSeed()
	require.NoError(t, err)

	repo := &memRepo{}
	s := profiles.NewStore(repo, slog.New(slog.DiscardHandler))
	n, err := s.Seed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.Seed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, repo.rows, 4)
}

func TestLatestPinsNewestVersion(t *testing.T) {
	s, _ := newSeededStore(t)

	p, err := s.Latest("aeropress", "aeropress_standard")
	require.NoError(t, err)
	assert.Equal(t, 2, p.SchemaVersion)
	_, ok := p.Parameter("filter_type")
	assert.True(t, ok)

	v1, err := s.Get("aeropress", "aeropress_standard", 1)
	require.NoError(t, err)
	_, ok = v1.Parameter("filter_type")
	assert.False(t, ok)
}

func TestLatestUnknownScope(t *testing.T) {
	s, _ := newSeededStore(t)

	_, err := s.Latest("french_press", "default")
	assert.True(t, errors.Is(err, model.ErrUnsupportedMethod))

	_, err = s.Latest("v60", "v60_iced")
	assert.True(t, errors.Is(err, model.ErrUnsupportedVariant))
}

func TestDefaultVariant(t *testing.T) {
	s, _ := newSeededStore(t)

	v, err := s.DefaultVariant("v60")
	require.NoError(t, err)
	assert.Equal(t, "v60_default", v)

	// No variant contains "default": lexicographically first wins.
	v, err = s.DefaultVariant("aeropress")
	require.NoError(t, err)
	assert.Equal(t, "aeropress_inverted", v)

	_, err = s.DefaultVariant("chemex")
	assert.True(t, errors.Is(err, model.ErrUnsupportedMethod))
}

func TestPublishAppendsNewerVersionOnly(t *testing.T) {
	ctx := context.Background()
	s, repo := newSeededStore(t)

	latest, err := s.Latest("v60", "v60_default")
	require.NoError(t, err)

	next := latest
	next.SchemaVersion = 2
	require.NoError(t, s.Publish(ctx, next))

	got, err := s.Latest("v60", "v60_default")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SchemaVersion)
	assert.Len(t, repo.rows, 5)

	err = s.Publish(ctx, latest)
	assert.True(t, errors.Is(err, model.ErrInvalidProfile))
}

func TestValidateProfile_Rejects(t *testing.T) {
	base := func() model.MethodProfile {
		return model.MethodProfile{
			MethodID:      "chemex",
			VariantID:     "chemex_default",
			SchemaVersion: 1,
			Parameters: []model.ParameterDefinition{
				{Name: "dose_g", Kind: model.KindFloat, Min: ptr(10.0), Max: ptr(40.0), Step: ptr(0.5), Default: model.FloatValue(25)},
				{Name: "filter", Kind: model.KindEnum, Choices: []string{"bonded", "natural"}, Default: model.EnumValue("bonded")},
			},
		}
	}
	require.NoError(t, profiles.ValidateProfile(base()))

	tests := []struct {
		name   string
		mutate func(p *model.MethodProfile)
		field  string
	}{
		{"empty enum choices", func(p *model.MethodProfile) {
			p.Parameters[1].Choices = nil
		}, "filter"},
		{"min above max", func(p *model.MethodProfile) {
			p.Parameters[0].Min = ptr(50.0)
		}, "dose_g"},
		{"default off step", func(p *model.MethodProfile) {
			p.Parameters[0].Default = model.FloatValue(25.25)
		}, "dose_g"},
		{"depends_on unknown target", func(p *model.MethodProfile) {
			p.Parameters[0].DependsOn = &model.DependsOn{Name: "nope", Value: model.BoolValue(true)}
		}, "dose_g"},
		{"depends_on invalid choice", func(p *model.MethodProfile) {
			p.Parameters[0].DependsOn = &model.DependsOn{Name: "filter", Value: model.EnumValue("metal")}
		}, "dose_g"},
		{"duplicate name", func(p *model.MethodProfile) {
			p.Parameters[1].Name = "dose_g"
			p.Parameters[1].Kind = model.KindFloat
			p.Parameters[1].Choices = nil
			p.Parameters[1].Min, p.Parameters[1].Max = ptr(1.0), ptr(2.0)
			p.Parameters[1].Default = model.FloatValue(1)
		}, "dose_g"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(&p)
			err := profiles.ValidateProfile(p)
			require.Error(t, err)
			var merr *model.Error
			require.True(t, errors.As(err, &merr))
			assert.Equal(t, model.CodeInvalidProfile, merr.Code)
			assert.Contains(t, merr.Fields, tt.field)
		})
	}
}

func TestValidateProfile_TagRules(t *testing.T) {
	p := model.MethodProfile{
		MethodID:      "Bad|Method",
		VariantID:     "ok",
		SchemaVersion: 0,
		Parameters: []model.ParameterDefinition{
			{Name: "Dose", Kind: model.KindBool, Default: model.BoolValue(true)},
		},
	}
	err := profiles.ValidateProfile(p)
	var merr *model.Error
	require.True(t, errors.As(err, &merr))
	assert.Contains(t, merr.Fields, "methodid")
	assert.Contains(t, merr.Fields, "schemaversion")
	assert.Contains(t, merr.Fields, "parameters[0].name")
}

func TestParseSeed_RejectsDuplicates(t *testing.T) {
	doc := `
profiles:
  - method_id: chemex
    variant_id: chemex_default
    schema_version: 1
    parameters:
      - {name: bloom, type: bool, default: true}
  - method_id: chemex
    variant_id: chemex_default
    schema_version: 1
    parameters:
      - {name: bloom, type: bool, default: false}
`
	_, err := profiles.ParseSeed([]byte(doc))
	assert.ErrorContains(t, err, "twice")
}

func TestLoadSeed_EmptyPathUsesEmbeddedSeed(t *testing.T) {
	want, err := profiles.DefaultSeed()
	require.NoError(t, err)
	got, err := profiles.LoadSeed("")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = profiles.LoadSeed(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}
