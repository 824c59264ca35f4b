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
	// ErrObservationNotFound wraps ErrNotFound for missing observations.
	ErrObservationNotFound = fmt.Errorf("storage: observation: %w", ErrNotFound)
	// ErrInUse is returned when a delete is refused because other rows still
	// reference the target.
	ErrInUse = errors.New("storage: referenced by other rows")
)

const observationColumns = `id, owner_id, method_id, variant_id, equipment_id, bean_id,
	params, score, status, brewed_at, created_at, updated_at`

// InsertObservation persists a brew outcome. A zero ID or BrewedAt is filled in.
func (db *DB) InsertObservation(ctx context.Context, o model.Observation) (model.Observation, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = model.ObservationOK
	}
	params, err := json.Marshal(o.Params)
	if err != nil {
		return model.Observation{}, fmt.Errorf("storage: marshal observation params: %w", err)
	}

	var brewedAt any
	if !o.BrewedAt.IsZero() {
		brewedAt = o.BrewedAt
	}
	row := db.conn(ctx).QueryRow(ctx,
		`INSERT INTO observations (id, owner_id, method_id, variant_id, equipment_id, bean_id,
		                           params, score, status, brewed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, COALESCE($10::timestamptz, now()))
		 RETURNING `+observationColumns,
		o.ID, o.OwnerID, o.MethodID, o.VariantID, o.EquipmentID, o.BeanID,
		params, o.Score, string(o.Status), brewedAt,
	)
	got, err := scanObservation(row)
	if err != nil {
		return model.Observation{}, fmt.Errorf("storage: insert observation: %w", err)
	}
	return got, nil
}

// GetObservation loads an observation scoped to its owner. With forUpdate the
// row stays locked until the surrounding transaction ends.
func (db *DB) GetObservation(ctx context.Context, ownerID, id uuid.UUID, forUpdate bool) (model.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE owner_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanObservation(db.conn(ctx).QueryRow(ctx, query, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Observation{}, fmt.Errorf("%w: %s", ErrObservationNotFound, id)
		}
		return model.Observation{}, fmt.Errorf("storage: get observation: %w", err)
	}
	return o, nil
}

// UpdateObservationOutcome sets status and score. A FAILED outcome always
// clears the score.
func (db *DB) UpdateObservationOutcome(ctx context.Context, id uuid.UUID, status model.ObservationStatus, score *float64) error {
	if status == model.ObservationFailed {
		score = nil
	}
	tag, err := db.conn(ctx).Exec(ctx,
		`UPDATE observations SET status = $2, score = $3, updated_at = now() WHERE id = $1`,
		id, string(status), score,
	)
	if err != nil {
		return fmt.Errorf("storage: update observation outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrObservationNotFound, id)
	}
	return nil
}

// ListScoredObservations returns the owner's OK observations with a score
// whose scope matches exactly, most recent first. limit <= 0 means no limit.
func (db *DB) ListScoredObservations(ctx context.Context, scope model.Scope, limit int) ([]model.Observation, error) {
	query := `SELECT ` + observationColumns + `
		FROM observations
		WHERE owner_id = $1 AND method_id = $2 AND variant_id = $3
		  AND equipment_id IS NOT DISTINCT FROM $4
		  AND bean_id IS NOT DISTINCT FROM $5
		  AND status = 'OK' AND score IS NOT NULL
		ORDER BY brewed_at DESC, id DESC`
	args := []any{scope.OwnerID, scope.MethodID, scope.VariantID, scope.EquipmentID, scope.BeanID}
	if limit > 0 {
		query += ` LIMIT $6`
		args = append(args, limit)
	}

	rows, err := db.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list scored observations: %w", err)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteObservation removes an observation. Deletion is refused with ErrInUse
// while any suggestion references it.
func (db *DB) DeleteObservation(ctx context.Context, ownerID, id uuid.UUID) error {
	tag, err := db.conn(ctx).Exec(ctx,
		`DELETE FROM observations WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: observation %s", ErrInUse, id)
		}
		return fmt.Errorf("storage: delete observation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrObservationNotFound, id)
	}
	return nil
}

func scanObservation(row pgx.Row) (model.Observation, error) {
	var (
		o      model.Observation
		raw    []byte
		status string
	)
	if err := row.Scan(
		&o.ID, &o.OwnerID, &o.MethodID, &o.VariantID, &o.EquipmentID, &o.BeanID,
		&raw, &o.Score, &status, &o.BrewedAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return model.Observation{}, err
	}
	o.Status = model.ObservationStatus(status)
	if err := json.Unmarshal(raw, &o.Params); err != nil {
		return model.Observation{}, fmt.Errorf("decode params: %w", err)
	}
	return o, nil
}
