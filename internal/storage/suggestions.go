package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

var (
	// ErrSuggestionNotFound wraps ErrNotFound for missing suggestions.
	ErrSuggestionNotFound = fmt.Errorf("storage: suggestion: %w", ErrNotFound)
	// ErrSuggestionNotIssued is returned when a suggestion is no longer in
	// the issued state.
	ErrSuggestionNotIssued = errors.New("storage: suggestion is not in issued state")
	// ErrObservationAlreadyApplied is returned when the observation already
	// reports the outcome of another suggestion.
	ErrObservationAlreadyApplied = errors.New("storage: observation already applied to a suggestion")
)

const suggestionColumns = `id, owner_id, context_id, context_key, trial_number, suggested_params,
	status, observation_id, actual_params, objective, created_at, updated_at, applied_at`

// InsertSuggestion persists a newly issued suggestion.
func (db *DB) InsertSuggestion(ctx context.Context, s model.Suggestion) (model.Suggestion, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	params, err := json.Marshal(s.SuggestedParams)
	if err != nil {
		return model.Suggestion{}, fmt.Errorf("storage: marshal suggested params: %w", err)
	}
	row := db.conn(ctx).QueryRow(ctx,
		`INSERT INTO suggestions (id, owner_id, context_id, context_key, trial_number, suggested_params, status)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'issued')
		 RETURNING `+suggestionColumns,
		s.ID, s.OwnerID, s.ContextID, s.ContextKey, s.TrialNumber, params,
	)
	got, err := scanSuggestion(row)
	if err != nil {
		return model.Suggestion{}, fmt.Errorf("storage: insert suggestion: %w", err)
	}
	return got, nil
}

// GetSuggestion loads a suggestion scoped to its owner. With forUpdate the row
// stays locked until the surrounding transaction ends, which serializes
// concurrent applies of the same suggestion.
func (db *DB) GetSuggestion(ctx context.Context, ownerID, id uuid.UUID, forUpdate bool) (model.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE owner_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSuggestion(db.conn(ctx).QueryRow(ctx, query, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Suggestion{}, fmt.Errorf("%w: %s", ErrSuggestionNotFound, id)
		}
		return model.Suggestion{}, fmt.Errorf("storage: get suggestion: %w", err)
	}
	return s, nil
}

// MarkSuggestionApplied performs the single issued -> applied transition.
// It returns ErrSuggestionNotIssued if the row already left the issued state.
func (db *DB) MarkSuggestionApplied(
	ctx context.Context,
	id, observationID uuid.UUID,
	actual model.ParamSet,
	objective float64,
) (model.Suggestion, error) {
	params, err := json.Marshal(actual)
	if err != nil {
		return model.Suggestion{}, fmt.Errorf("storage: marshal actual params: %w", err)
	}
	row := db.conn(ctx).QueryRow(ctx,
		`UPDATE suggestions
		 SET status = 'applied',
		     observation_id = $2,
		     actual_params = $3::jsonb,
		     objective = $4,
		     applied_at = now(),
		     updated_at = now()
		 WHERE id = $1 AND status = 'issued'
		 RETURNING `+suggestionColumns,
		id, observationID, params, objective,
	)
	s, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Suggestion{}, fmt.Errorf("%w: %s", ErrSuggestionNotIssued, id)
		}
		if IsUniqueViolation(err) {
			return model.Suggestion{}, fmt.Errorf("%w: %s", ErrObservationAlreadyApplied, observationID)
		}
		return model.Suggestion{}, fmt.Errorf("storage: mark suggestion applied: %w", err)
	}
	return s, nil
}

// ListSuggestions returns the owner's suggestions for one context, newest first.
func (db *DB) ListSuggestions(ctx context.Context, ownerID, contextID uuid.UUID) ([]model.Suggestion, error) {
	rows, err := db.conn(ctx).Query(ctx,
		`SELECT `+suggestionColumns+`
		 FROM suggestions
		 WHERE owner_id = $1 AND context_id = $2
		 ORDER BY trial_number DESC`,
		ownerID, contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list suggestions: %w", err)
	}
	defer rows.Close()

	var out []model.Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan suggestion: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSuggestion(row pgx.Row) (model.Suggestion, error) {
	var (
		s         model.Suggestion
		suggested []byte
		actual    []byte
		status    string
	)
	if err := row.Scan(
		&s.ID, &s.OwnerID, &s.ContextID, &s.ContextKey, &s.TrialNumber, &suggested,
		&status, &s.ObservationID, &actual, &s.Objective, &s.CreatedAt, &s.UpdatedAt, &s.AppliedAt,
	); err != nil {
		return model.Suggestion{}, err
	}
	s.Status = model.SuggestionStatus(status)
	if err := json.Unmarshal(suggested, &s.SuggestedParams); err != nil {
		return model.Suggestion{}, fmt.Errorf("decode suggested params: %w", err)
	}
	if actual != nil {
		if err := json.Unmarshal(actual, &s.ActualParams); err != nil {
			return model.Suggestion{}, fmt.Errorf("decode actual params: %w", err)
		}
	}
	return s, nil
}
