package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// Outcome is what Tell reports for a trial. Tags are merged into the
// trial's tags.
type Outcome struct {
	State model.TrialState
	Value *float64
	Tags  map[string]string
}

// Completed is a successful evaluation with objective v.
func Completed(v float64) Outcome {
	return Outcome{State: model.TrialComplete, Value: &v}
}

// Failed marks a trial as failed without an objective.
func Failed() Outcome {
	return Outcome{State: model.TrialFail}
}

// Tagged returns o with tag k set to v.
func (o Outcome) Tagged(k, v string) Outcome {
	tags := maps.Clone(o.Tags)
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	tags[k] = v
	o.Tags = tags
	return o
}

// Backend runs ask/tell against studies kept in a StudyStore.
type Backend struct {
	store     StudyStore
	sampler   Sampler
	seed      int64
	direction model.Direction
	logger    *slog.Logger
}

// NewBackend creates a backend. Every study it creates is maximised.
func NewBackend(store StudyStore, sampler Sampler, seed int64, logger *slog.Logger) *Backend {
	return &Backend{
		store:     store,
		sampler:   sampler,
		seed:      seed,
		direction: model.Maximize,
		logger:    logger,
	}
}

// EnsureStudy creates the study for key if it does not exist yet.
func (b *Backend) EnsureStudy(ctx context.Context, key string) error {
	created, err := b.store.CreateStudy(ctx, key, b.direction)
	if err != nil {
		return fmt.Errorf("optimizer: ensure study: %w", err)
	}
	if created {
		b.logger.Info("study created", "context_key", key, "sampler", b.sampler.Name())
	}
	return nil
}

// Ask draws a new untested assignment and records it as a running trial.
// The store allocates the trial number and the draw is seeded from it, so
// concurrent asks on one study never share a random stream.
func (b *Backend) Ask(ctx context.Context, key string, space Space) (model.Trial, error) {
	study, err := b.store.GetStudy(ctx, key)
	if err != nil {
		return model.Trial{}, fmt.Errorf("optimizer: ask: %w", err)
	}

	trial, _, err := b.store.CreateTrial(ctx, key, NewTrial{
		State: model.TrialRunning,
		Draw: func(number int, history []model.Trial) model.ParamSet {
			params := b.sampler.Sample(space, History{Direction: study.Direction, Trials: history}, b.rng(key, number))
			pinUnmetDependencies(space, params)
			return params
		},
	})
	if err != nil {
		return model.Trial{}, fmt.Errorf("optimizer: ask: %w", err)
	}
	b.logger.Debug("trial asked", "context_key", key, "trial", trial.Number)
	return trial, nil
}

// Tell records the outcome of a running trial. Telling the identical
// completed value again is a no-op; any other tell on a finished trial fails
// with trial_already_finished. A dedupe_key tag already held by another trial
// fails with an error wrapping ErrDedupeKeyExists.
func (b *Backend) Tell(ctx context.Context, key string, number int, outcome Outcome) error {
	if outcome.State == model.TrialComplete && outcome.Value == nil {
		return fmt.Errorf("optimizer: tell: complete outcome without value")
	}
	trial, finished, err := b.store.FinishTrial(ctx, key, number, outcome.State, outcome.Value, outcome.Tags)
	if err != nil {
		if errors.Is(err, ErrTrialNotFound) || errors.Is(err, ErrStudyNotFound) {
			return model.NewError(model.CodeTrialNotFound, "trial %d does not exist in study %s", number, key)
		}
		return fmt.Errorf("optimizer: tell: %w", err)
	}
	if finished {
		return nil
	}
	if trial.State == outcome.State && sameValue(trial.Value, outcome.Value) {
		return nil
	}
	return model.NewError(model.CodeTrialAlreadyFinished, "trial %d in study %s is already %s", number, key, trial.State)
}

// AddCompletedTrial injects a pre-evaluated trial without a prior ask.
// added is false when tags carry a dedupe key that the study already holds.
func (b *Backend) AddCompletedTrial(
	ctx context.Context,
	key string,
	params model.ParamSet,
	value float64,
	tags map[string]string,
) (model.Trial, bool, error) {
	trial, added, err := b.store.CreateTrial(ctx, key, NewTrial{
		State:  model.TrialComplete,
		Params: params,
		Value:  &value,
		Tags:   tags,
	})
	if err != nil {
		return model.Trial{}, false, fmt.Errorf("optimizer: add completed trial: %w", err)
	}
	return trial, added, nil
}

// TrialExists reports whether the study for key holds trial number.
func (b *Backend) TrialExists(ctx context.Context, key string, number int) (bool, error) {
	_, err := b.store.GetTrial(ctx, key, number)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTrialNotFound), errors.Is(err, ErrStudyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("optimizer: trial exists: %w", err)
	}
}

// DedupeKeys returns the dedupe tags recorded on the study's trials.
func (b *Backend) DedupeKeys(ctx context.Context, key string) (map[string]struct{}, error) {
	keys, err := b.store.DedupeKeys(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("optimizer: dedupe keys: %w", err)
	}
	return keys, nil
}

// Trials returns every trial of the study ordered by number.
func (b *Backend) Trials(ctx context.Context, key string) ([]model.Trial, error) {
	trials, err := b.store.ListTrials(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("optimizer: trials: %w", err)
	}
	return trials, nil
}

// rng seeds a generator per (study, trial) so a draw is reproducible across
// processes and restarts.
func (b *Backend) rng(key string, number int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(b.seed), xxhash.Sum64String(key)^uint64(number))) //nolint:gosec // sampling, not security
}

func sameValue(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
