package model

import (
	"time"

	"github.com/google/uuid"
)

// SuggestionStatus is the lifecycle state of a suggestion. The only
// transition is issued -> applied.
type SuggestionStatus string

const (
	SuggestionIssued  SuggestionStatus = "issued"
	SuggestionApplied SuggestionStatus = "applied"
)

// Suggestion is one parameter assignment handed out for a search context.
// Immutable once applied.
type Suggestion struct {
	ID              uuid.UUID        `json:"id"`
	OwnerID         uuid.UUID        `json:"owner_id"`
	ContextID       uuid.UUID        `json:"context_id"`
	ContextKey      string           `json:"context_key"`
	TrialNumber     int              `json:"trial_number"`
	SuggestedParams ParamSet         `json:"suggested_params"`
	Status          SuggestionStatus `json:"status"`
	ObservationID   *uuid.UUID       `json:"observation_id,omitempty"`
	ActualParams    ParamSet         `json:"actual_params,omitempty"`
	Objective       *float64         `json:"objective,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	AppliedAt       *time.Time       `json:"applied_at,omitempty"`
}
