// Package optimizer is the search backend adapter: a sequential ask/tell
// parameter search kept per context key.
//
// All study state lives behind StudyStore, addressed only by context key;
// the Backend holds no per-study state of its own, so any number of
// processes can share a store and a restart resumes the same search.
package optimizer

import (
	"context"
	"errors"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

var (
	// ErrStudyNotFound is returned by a StudyStore for an unknown context key.
	ErrStudyNotFound = errors.New("optimizer: study not found")
	// ErrTrialNotFound is returned by a StudyStore for an unknown trial number.
	ErrTrialNotFound = errors.New("optimizer: trial not found")
	// ErrDedupeKeyExists is returned by FinishTrial when another trial of the
	// study already carries the dedupe key being recorded.
	ErrDedupeKeyExists = errors.New("optimizer: dedupe key already recorded")
)

// NewTrial is a trial for a StudyStore to number and persist.
//
// When Draw is set the store calls it after allocating the trial number,
// while still holding whatever serializes allocation for the study, and
// stores its result as Params. history is every trial already in the study.
// Draw may run more than once if the store retries; it must be pure.
type NewTrial struct {
	State  model.TrialState
	Params model.ParamSet
	Value  *float64
	Tags   map[string]string
	Draw   func(number int, history []model.Trial) model.ParamSet
}

// StudyStore persists studies and their trials.
//
// Implementations must allocate trial numbers themselves, monotonically per
// key, and must make CreateTrial with a dedupe_key tag a no-op (added=false)
// when a trial with the same key and tag already exists.
type StudyStore interface {
	// CreateStudy creates an empty study. Creating an existing study is a no-op.
	CreateStudy(ctx context.Context, key string, direction model.Direction) (created bool, err error)
	GetStudy(ctx context.Context, key string) (model.Study, error)
	CreateTrial(ctx context.Context, key string, t NewTrial) (trial model.Trial, added bool, err error)
	GetTrial(ctx context.Context, key string, number int) (model.Trial, error)
	// FinishTrial moves a running trial to state and merges tags into its
	// tags. If the trial has already finished it is returned unchanged with
	// finished=false. A dedupe_key tag held by another trial of the study
	// fails with ErrDedupeKeyExists.
	FinishTrial(
		ctx context.Context,
		key string,
		number int,
		state model.TrialState,
		value *float64,
		tags map[string]string,
	) (trial model.Trial, finished bool, err error)
	ListTrials(ctx context.Context, key string) ([]model.Trial, error)
	DedupeKeys(ctx context.Context, key string) (map[string]struct{}, error)
}
