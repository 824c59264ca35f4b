package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// ErrContextNotFound wraps ErrNotFound for missing search contexts.
var ErrContextNotFound = fmt.Errorf("storage: search context: %w", ErrNotFound)

const contextColumns = `id, owner_id, method_id, variant_id, equipment_id, bean_id, context_key, created_at, updated_at`

// GetOrCreateContext inserts sc unless a context with the same key or scope
// tuple already exists, and returns the stored row. created reports whether
// this call inserted it. Concurrent first-access races are resolved by the
// unique constraints: the loser's insert is a no-op and it reads the winner's row.
func (db *DB) GetOrCreateContext(ctx context.Context, sc model.SearchContext) (model.SearchContext, bool, error) {
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	q := db.conn(ctx)
	row := q.QueryRow(ctx,
		`INSERT INTO search_contexts (id, owner_id, method_id, variant_id, equipment_id, bean_id, context_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING
		 RETURNING `+contextColumns,
		sc.ID, sc.Scope.OwnerID, sc.Scope.MethodID, sc.Scope.VariantID,
		sc.Scope.EquipmentID, sc.Scope.BeanID, sc.ContextKey,
	)
	got, err := scanContext(row)
	if err == nil {
		return got, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.SearchContext{}, false, fmt.Errorf("storage: insert search context: %w", err)
	}

	got, err = db.GetContextByKey(ctx, sc.ContextKey)
	if err != nil {
		return model.SearchContext{}, false, err
	}
	return got, false, nil
}

// GetContextByKey loads a search context by its canonical key.
func (db *DB) GetContextByKey(ctx context.Context, key string) (model.SearchContext, error) {
	row := db.conn(ctx).QueryRow(ctx,
		`SELECT `+contextColumns+` FROM search_contexts WHERE context_key = $1`, key)
	sc, err := scanContext(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SearchContext{}, fmt.Errorf("%w: %s", ErrContextNotFound, key)
		}
		return model.SearchContext{}, fmt.Errorf("storage: get search context: %w", err)
	}
	return sc, nil
}

// GetContext loads a search context by id, scoped to its owner.
func (db *DB) GetContext(ctx context.Context, ownerID, id uuid.UUID) (model.SearchContext, error) {
	row := db.conn(ctx).QueryRow(ctx,
		`SELECT `+contextColumns+` FROM search_contexts WHERE owner_id = $1 AND id = $2`, ownerID, id)
	sc, err := scanContext(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SearchContext{}, fmt.Errorf("%w: %s", ErrContextNotFound, id)
		}
		return model.SearchContext{}, fmt.Errorf("storage: get search context: %w", err)
	}
	return sc, nil
}

// CountContexts returns how many contexts exist for a scope tuple. Used to
// check the at-most-one invariant.
func (db *DB) CountContexts(ctx context.Context, scope model.Scope) (int, error) {
	var n int
	err := db.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM search_contexts
		 WHERE owner_id = $1 AND method_id = $2 AND variant_id = $3
		   AND equipment_id IS NOT DISTINCT FROM $4
		   AND bean_id IS NOT DISTINCT FROM $5`,
		scope.OwnerID, scope.MethodID, scope.VariantID, scope.EquipmentID, scope.BeanID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count search contexts: %w", err)
	}
	return n, nil
}

func scanContext(row pgx.Row) (model.SearchContext, error) {
	var sc model.SearchContext
	err := row.Scan(
		&sc.ID, &sc.Scope.OwnerID, &sc.Scope.MethodID, &sc.Scope.VariantID,
		&sc.Scope.EquipmentID, &sc.Scope.BeanID, &sc.ContextKey,
		&sc.CreatedAt, &sc.UpdatedAt,
	)
	return sc, err
}
