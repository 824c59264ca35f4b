package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// InsertProfile appends a profile version. Published versions are never
// updated; re-inserting an existing (method, variant, version) is a no-op and
// returns false.
func (db *DB) InsertProfile(ctx context.Context, p model.MethodProfile) (bool, error) {
	params, err := json.Marshal(p.Parameters)
	if err != nil {
		return false, fmt.Errorf("storage: marshal profile parameters: %w", err)
	}
	tag, err := db.conn(ctx).Exec(ctx,
		`INSERT INTO method_profiles (method_id, variant_id, schema_version, parameters)
		 VALUES ($1, $2, $3, $4::jsonb)
		 ON CONFLICT DO NOTHING`,
		p.MethodID, p.VariantID, p.SchemaVersion, params,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert profile %s/%s v%d: %w", p.MethodID, p.VariantID, p.SchemaVersion, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountProfiles returns the number of stored profile versions.
func (db *DB) CountProfiles(ctx context.Context) (int, error) {
	var n int
	if err := db.conn(ctx).QueryRow(ctx, `SELECT count(*) FROM method_profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count profiles: %w", err)
	}
	return n, nil
}

// ListProfiles returns every stored profile version ordered by method,
// variant and schema version.
func (db *DB) ListProfiles(ctx context.Context) ([]model.MethodProfile, error) {
	rows, err := db.conn(ctx).Query(ctx,
		`SELECT method_id, variant_id, schema_version, parameters, created_at
		 FROM method_profiles
		 ORDER BY method_id, variant_id, schema_version`)
	if err != nil {
		return nil, fmt.Errorf("storage: list profiles: %w", err)
	}
	defer rows.Close()

	var out []model.MethodProfile
	for rows.Next() {
		var (
			p   model.MethodProfile
			raw []byte
		)
		if err := rows.Scan(&p.MethodID, &p.VariantID, &p.SchemaVersion, &raw, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan profile: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Parameters); err != nil {
			return nil, fmt.Errorf("storage: decode profile %s/%s v%d: %w", p.MethodID, p.VariantID, p.SchemaVersion, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
