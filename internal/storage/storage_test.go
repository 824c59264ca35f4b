package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/optimizer"
	"github.com/AhmedAldahshoury/coffee/internal/storage"
	"github.com/AhmedAldahshoury/coffee/internal/testutil"
	"github.com/AhmedAldahshoury/coffee/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newScope() model.Scope {
	return model.Scope{OwnerID: uuid.New(), MethodID: "v60", VariantID: "v60_default"}
}

func newContext(t *testing.T, scope model.Scope) model.SearchContext {
	t.Helper()
	sc, created, err := testDB.GetOrCreateContext(context.Background(), model.SearchContext{Scope: scope, ContextKey: scope.Key()})
	require.NoError(t, err)
	require.True(t, created)
	return sc
}

func newObservation(t *testing.T, scope model.Scope, score *float64) model.Observation {
	t.Helper()
	o, err := testDB.InsertObservation(context.Background(), model.Observation{
		OwnerID:     scope.OwnerID,
		MethodID:    scope.MethodID,
		VariantID:   scope.VariantID,
		EquipmentID: scope.EquipmentID,
		BeanID:      scope.BeanID,
		Params:      model.ParamSet{"dose_g": model.FloatValue(15), "pours": model.IntValue(3)},
		Score:       score,
	})
	require.NoError(t, err)
	return o
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))

	applied, err := testDB.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.True(t, applied["001_initial.sql"])
	assert.True(t, applied["002_studies.sql"])
	assert.True(t, applied["003_suggestion_observation_unique.sql"])
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	lo, hi := 1.0, 3.0
	p := model.MethodProfile{
		MethodID: "storage_test", VariantID: uuid.NewString(), SchemaVersion: 1,
		Parameters: []model.ParameterDefinition{
			{Name: "pours", Kind: model.KindInt, Min: &lo, Max: &hi, Default: model.IntValue(2)},
			{Name: "ratio", Kind: model.KindFloat, Min: &lo, Max: &hi, Default: model.FloatValue(2)},
		},
	}

	inserted, err := testDB.InsertProfile(ctx, p)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = testDB.InsertProfile(ctx, p)
	require.NoError(t, err)
	assert.False(t, inserted, "published versions are immutable")

	all, err := testDB.ListProfiles(ctx)
	require.NoError(t, err)
	var found *model.MethodProfile
	for i := range all {
		if all[i].VariantID == p.VariantID {
			found = &all[i]
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Parameters, 2)
	assert.Equal(t, model.KindFloat, found.Parameters[1].Default.Kind())

	n, err := testDB.CountProfiles(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestGetOrCreateContext(t *testing.T) {
	ctx := context.Background()
	scope := newScope()
	first := newContext(t, scope)

	again, created, err := testDB.GetOrCreateContext(ctx, model.SearchContext{Scope: scope, ContextKey: scope.Key()})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	byKey, err := testDB.GetContextByKey(ctx, scope.Key())
	require.NoError(t, err)
	assert.Equal(t, first.ID, byKey.ID)

	_, err = testDB.GetContext(ctx, uuid.New(), first.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "owner scoped")
}

func TestGetOrCreateContext_ConcurrentCreatesOneRow(t *testing.T) {
	ctx := context.Background()
	scope := newScope()
	bean := uuid.New()
	scope.BeanID = &bean

	const n = 10
	ids := make([]uuid.UUID, n)
	created := make([]bool, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			sc, c, err := testDB.GetOrCreateContext(gctx, model.SearchContext{Scope: scope, ContextKey: scope.Key()})
			ids[i], created[i] = sc.ID, c
			return err
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for i := range n {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	count, err := testDB.CountContexts(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestObservations(t *testing.T) {
	ctx := context.Background()
	scope := newScope()
	s := 7.5

	o := newObservation(t, scope, &s)
	assert.Equal(t, model.ObservationOK, o.Status)
	assert.False(t, o.BrewedAt.IsZero())
	assert.Equal(t, model.KindFloat, o.Params["dose_g"].Kind())

	got, err := testDB.GetObservation(ctx, scope.OwnerID, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 7.5, *got.Score)

	require.NoError(t, testDB.UpdateObservationOutcome(ctx, o.ID, model.ObservationFailed, &s))
	got, err = testDB.GetObservation(ctx, scope.OwnerID, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.ObservationFailed, got.Status)
	assert.Nil(t, got.Score, "failed brews drop their score")

	_, err = testDB.GetObservation(ctx, uuid.New(), o.ID, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListScoredObservations(t *testing.T) {
	ctx := context.Background()
	scope := newScope()
	one, two := 1.0, 2.0

	at := func(score *float64, brewedAt time.Time) model.Observation {
		o, err := testDB.InsertObservation(ctx, model.Observation{
			OwnerID: scope.OwnerID, MethodID: scope.MethodID, VariantID: scope.VariantID,
			Params: model.ParamSet{"pours": model.IntValue(3)}, Score: score, BrewedAt: brewedAt,
		})
		require.NoError(t, err)
		return o
	}
	now := time.Now().UTC()
	newer := at(&two, now.Add(-time.Hour))
	older := at(&one, now.Add(-2*time.Hour))
	at(nil, now)

	equip := uuid.New()
	other := scope
	other.EquipmentID = &equip
	newObservation(t, other, &two)

	got, err := testDB.ListScoredObservations(ctx, scope, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)

	got, err = testDB.ListScoredObservations(ctx, scope, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSuggestionLifecycle(t *testing.T) {
	ctx := context.Background()
	scope := newScope()
	sc := newContext(t, scope)
	obs := newObservation(t, scope, nil)

	sug, err := testDB.InsertSuggestion(ctx, model.Suggestion{
		OwnerID:         scope.OwnerID,
		ContextID:       sc.ID,
		ContextKey:      sc.ContextKey,
		TrialNumber:     0,
		SuggestedParams: obs.Params,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SuggestionIssued, sug.Status)
	assert.Nil(t, sug.ActualParams)

	_, err = testDB.InsertSuggestion(ctx, model.Suggestion{
		OwnerID: scope.OwnerID, ContextID: sc.ID, ContextKey: sc.ContextKey, TrialNumber: 0, SuggestedParams: obs.Params,
	})
	assert.True(t, storage.IsUniqueViolation(err), "one suggestion per trial number")

	applied, err := testDB.MarkSuggestionApplied(ctx, sug.ID, obs.ID, obs.Params, 8)
	require.NoError(t, err)
	assert.Equal(t, model.SuggestionApplied, applied.Status)
	assert.Equal(t, 8.0, *applied.Objective)
	assert.True(t, obs.Params.Equal(applied.ActualParams))

	_, err = testDB.MarkSuggestionApplied(ctx, sug.ID, obs.ID, obs.Params, 3)
	assert.ErrorIs(t, err, storage.ErrSuggestionNotIssued)

	// The same observation cannot report a second suggestion's outcome.
	next, err := testDB.InsertSuggestion(ctx, model.Suggestion{
		OwnerID: scope.OwnerID, ContextID: sc.ID, ContextKey: sc.ContextKey, TrialNumber: 1, SuggestedParams: obs.Params,
	})
	require.NoError(t, err)
	_, err = testDB.MarkSuggestionApplied(ctx, next.ID, obs.ID, obs.Params, 5)
	assert.ErrorIs(t, err, storage.ErrObservationAlreadyApplied)

	list, err := testDB.ListSuggestions(ctx, scope.OwnerID, sc.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.SuggestionIssued, list[0].Status)
	assert.Equal(t, 8.0, *list[1].Objective)

	err = testDB.DeleteObservation(ctx, scope.OwnerID, obs.ID)
	assert.ErrorIs(t, err, storage.ErrInUse)
}

func TestInTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	scope := newScope()
	boom := errors.New("boom")

	var id uuid.UUID
	err := testDB.InTx(ctx, func(ctx context.Context) error {
		assert.True(t, storage.InTransaction(ctx))
		o, err := testDB.InsertObservation(ctx, model.Observation{
			OwnerID: scope.OwnerID, MethodID: scope.MethodID, VariantID: scope.VariantID,
			Params: model.ParamSet{"pours": model.IntValue(2)},
		})
		require.NoError(t, err)
		id = o.ID

		// A nested unit joins the outer transaction.
		return testDB.InTx(ctx, func(ctx context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, storage.InTransaction(ctx))

	_, err = testDB.GetObservation(ctx, scope.OwnerID, id, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStudyStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStudyStore(testDB)
	key := newScope().Key()

	_, err := store.GetStudy(ctx, key)
	assert.ErrorIs(t, err, optimizer.ErrStudyNotFound)

	created, err := store.CreateStudy(ctx, key, model.Maximize)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.CreateStudy(ctx, key, model.Maximize)
	require.NoError(t, err)
	assert.False(t, created)

	tr, added, err := store.CreateTrial(ctx, key, optimizer.NewTrial{
		State: model.TrialRunning, Params: model.ParamSet{"dose_g": model.FloatValue(15)},
	})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 0, tr.Number)
	assert.Nil(t, tr.CompletedAt)

	v := 6.0
	done, finished, err := store.FinishTrial(ctx, key, tr.Number, model.TrialComplete, &v, nil)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.NotNil(t, done.CompletedAt)

	again, finished, err := store.FinishTrial(ctx, key, tr.Number, model.TrialFail, nil, nil)
	require.NoError(t, err)
	assert.False(t, finished)
	assert.Equal(t, model.TrialComplete, again.State)

	_, _, err = store.FinishTrial(ctx, key, 42, model.TrialFail, nil, nil)
	assert.ErrorIs(t, err, optimizer.ErrTrialNotFound)

	st, err := store.GetStudy(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, st.NextTrialNumber)
	assert.Equal(t, model.Maximize, st.Direction)
}

func TestStudyStore_DedupeAndConcurrency(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStudyStore(testDB)
	key := newScope().Key()
	_, err := store.CreateStudy(ctx, key, model.Maximize)
	require.NoError(t, err)

	const n = 10
	numbers := make([]int, n)
	added := make([]bool, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			v := float64(i)
			// Half the writers race on one dedupe key.
			tags := map[string]string{model.TagDedupeKey: fmt.Sprintf("obs:%d", i)}
			if i%2 == 0 {
				tags[model.TagDedupeKey] = "obs:shared"
			}
			tr, ok, err := store.CreateTrial(gctx, key, optimizer.NewTrial{
				State: model.TrialComplete, Params: model.ParamSet{"pours": model.IntValue(2)}, Value: &v, Tags: tags,
			})
			numbers[i], added[i] = tr.Number, ok
			return err
		})
	}
	require.NoError(t, g.Wait())

	var got []int
	for i := range n {
		if added[i] {
			got = append(got, numbers[i])
		}
	}
	sort.Ints(got)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, got, "one shared insert plus five distinct, no gaps")

	keys, err := store.DedupeKeys(ctx, key)
	require.NoError(t, err)
	assert.Len(t, keys, 6)
	assert.Contains(t, keys, "obs:shared")

	trials, err := store.ListTrials(ctx, key)
	require.NoError(t, err)
	assert.Len(t, trials, 6)
}

func TestStudyStore_FinishTrialRecordsDedupeKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStudyStore(testDB)
	key := newScope().Key()
	_, err := store.CreateStudy(ctx, key, model.Maximize)
	require.NoError(t, err)

	set := model.ParamSet{"pours": model.IntValue(2)}
	first, _, err := store.CreateTrial(ctx, key, optimizer.NewTrial{State: model.TrialRunning, Params: set})
	require.NoError(t, err)
	second, _, err := store.CreateTrial(ctx, key, optimizer.NewTrial{State: model.TrialRunning, Params: set})
	require.NoError(t, err)

	v := 7.0
	tags := map[string]string{model.TagDedupeKey: "obs:a"}
	done, finished, err := store.FinishTrial(ctx, key, first.Number, model.TrialComplete, &v, tags)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, "obs:a", done.DedupeKey())

	keys, err := store.DedupeKeys(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, keys, "obs:a")

	_, _, err = store.FinishTrial(ctx, key, second.Number, model.TrialComplete, &v, tags)
	assert.ErrorIs(t, err, optimizer.ErrDedupeKeyExists)
	got, err := store.GetTrial(ctx, key, second.Number)
	require.NoError(t, err)
	assert.Equal(t, model.TrialRunning, got.State)

	_, added, err := store.CreateTrial(ctx, key, optimizer.NewTrial{
		State: model.TrialComplete, Params: set, Value: &v, Tags: tags,
	})
	require.NoError(t, err)
	assert.False(t, added, "an import of a told observation is absorbed")
}

func TestStudyStore_DrawRunsWithAllocatedNumber(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStudyStore(testDB)
	key := newScope().Key()
	_, err := store.CreateStudy(ctx, key, model.Maximize)
	require.NoError(t, err)
	_, _, err = store.CreateTrial(ctx, key, optimizer.NewTrial{
		State: model.TrialRunning, Params: model.ParamSet{"pours": model.IntValue(1)},
	})
	require.NoError(t, err)

	var (
		drawnFor int
		seen     int
	)
	tr, added, err := store.CreateTrial(ctx, key, optimizer.NewTrial{
		State: model.TrialRunning,
		Draw: func(number int, history []model.Trial) model.ParamSet {
			drawnFor, seen = number, len(history)
			return model.ParamSet{"pours": model.IntValue(int64(number + 2))}
		},
	})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, tr.Number)
	assert.Equal(t, 1, drawnFor)
	assert.Equal(t, 1, seen)
	assert.Equal(t, model.IntValue(3), tr.Params["pours"])
}
