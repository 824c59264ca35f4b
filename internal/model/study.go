package model

import "time"

// Direction is the optimisation direction of a study.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// TrialState is the backend state of one trial.
type TrialState string

const (
	TrialRunning  TrialState = "running"
	TrialComplete TrialState = "complete"
	TrialFail     TrialState = "fail"
)

// Finished reports whether the trial has left the running state.
func (s TrialState) Finished() bool { return s == TrialComplete || s == TrialFail }

// TagDedupeKey is the trial tag that carries a warm-start dedupe key.
const TagDedupeKey = "dedupe_key"

// Study is the persisted header of a backend study.
type Study struct {
	ContextKey      string    `json:"context_key"`
	Direction       Direction `json:"direction"`
	NextTrialNumber int       `json:"next_trial_number"`
	CreatedAt       time.Time `json:"created_at"`
}

// Trial is one parameter assignment inside a study.
type Trial struct {
	ContextKey  string            `json:"context_key"`
	Number      int               `json:"number"`
	State       TrialState        `json:"state"`
	Params      ParamSet          `json:"params"`
	Value       *float64          `json:"value,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// DedupeKey returns the warm-start dedupe tag, or "".
func (t Trial) DedupeKey() string {
	return t.Tags[TagDedupeKey]
}

// Insight summarises the completed trials of one study.
type Insight struct {
	ContextKey          string             `json:"context_key"`
	TrialCount          int                `json:"trial_count"`
	CompletedCount      int                `json:"completed_count"`
	BestTrial           *Trial             `json:"best_trial,omitempty"`
	ParameterImportance map[string]float64 `json:"parameter_importance"`
	GeneratedAt         time.Time          `json:"generated_at"`
}
