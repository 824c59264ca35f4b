package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/optimizer"
)

// StudyStore keeps optimizer studies in the studies and study_trials tables.
// Calls made with a context from DB.InTx join that transaction, so a tell and
// the record-store writes around it commit or roll back together.
type StudyStore struct {
	db *DB
}

var _ optimizer.StudyStore = (*StudyStore)(nil)

// NewStudyStore returns a Postgres-backed study store.
func NewStudyStore(db *DB) *StudyStore {
	return &StudyStore{db: db}
}

const trialColumns = `context_key, number, state, params, value, tags, created_at, completed_at`

// CreateStudy creates an empty study. Creating an existing study is a no-op.
func (s *StudyStore) CreateStudy(ctx context.Context, key string, direction model.Direction) (bool, error) {
	tag, err := s.db.conn(ctx).Exec(ctx,
		`INSERT INTO studies (context_key, direction) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		key, string(direction),
	)
	if err != nil {
		return false, fmt.Errorf("storage: create study: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetStudy loads a study header.
func (s *StudyStore) GetStudy(ctx context.Context, key string) (model.Study, error) {
	var (
		st  model.Study
		dir string
	)
	err := s.db.conn(ctx).QueryRow(ctx,
		`SELECT context_key, direction, next_trial_number, created_at FROM studies WHERE context_key = $1`, key,
	).Scan(&st.ContextKey, &dir, &st.NextTrialNumber, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Study{}, fmt.Errorf("%w: %s", optimizer.ErrStudyNotFound, key)
		}
		return model.Study{}, fmt.Errorf("storage: get study: %w", err)
	}
	st.Direction = model.Direction(dir)
	return st, nil
}

// CreateTrial numbers and stores a trial. The study row is locked for the
// rest of the transaction, which serializes number allocation and any Draw
// per key. A trial whose dedupe key is already present is absorbed by the
// partial unique index and reported as not added.
func (s *StudyStore) CreateTrial(ctx context.Context, key string, nt optimizer.NewTrial) (model.Trial, bool, error) {
	tags := nt.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagData, err := json.Marshal(tags)
	if err != nil {
		return model.Trial{}, false, fmt.Errorf("storage: marshal trial tags: %w", err)
	}
	var dedupe *string
	if d := nt.Tags[model.TagDedupeKey]; d != "" {
		dedupe = &d
	}

	var (
		trial model.Trial
		added bool
	)
	err = s.db.InTx(ctx, func(ctx context.Context) error {
		q := s.db.conn(ctx)
		var next int
		if err := q.QueryRow(ctx,
			`SELECT next_trial_number FROM studies WHERE context_key = $1 FOR UPDATE`, key,
		).Scan(&next); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", optimizer.ErrStudyNotFound, key)
			}
			return fmt.Errorf("storage: lock study: %w", err)
		}

		set := nt.Params
		if nt.Draw != nil {
			history, err := s.ListTrials(ctx, key)
			if err != nil {
				return err
			}
			set = nt.Draw(next, history)
		}
		params, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("storage: marshal trial params: %w", err)
		}

		row := q.QueryRow(ctx,
			`INSERT INTO study_trials (context_key, number, state, params, value, tags, dedupe_key, completed_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6::jsonb, $7, CASE WHEN $8::boolean THEN now() END)
			 ON CONFLICT (context_key, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
			 RETURNING `+trialColumns,
			key, next, string(nt.State), params, nt.Value, tagData, dedupe, nt.State.Finished(),
		)
		t, err := scanTrial(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: insert trial: %w", err)
		}

		if _, err := q.Exec(ctx,
			`UPDATE studies SET next_trial_number = $2 WHERE context_key = $1`, key, next+1,
		); err != nil {
			return fmt.Errorf("storage: advance trial number: %w", err)
		}
		trial, added = t, true
		return nil
	})
	if err != nil {
		return model.Trial{}, false, err
	}
	return trial, added, nil
}

// GetTrial loads one trial.
func (s *StudyStore) GetTrial(ctx context.Context, key string, number int) (model.Trial, error) {
	t, err := scanTrial(s.db.conn(ctx).QueryRow(ctx,
		`SELECT `+trialColumns+` FROM study_trials WHERE context_key = $1 AND number = $2`, key, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trial{}, fmt.Errorf("%w: %s #%d", optimizer.ErrTrialNotFound, key, number)
		}
		return model.Trial{}, fmt.Errorf("storage: get trial: %w", err)
	}
	return t, nil
}

// FinishTrial moves a running trial to state and merges tags into it. A
// dedupe_key tag is also written to the indexed column, so it collides with
// warm-start imports of the same observation.
func (s *StudyStore) FinishTrial(
	ctx context.Context,
	key string,
	number int,
	state model.TrialState,
	value *float64,
	tags map[string]string,
) (model.Trial, bool, error) {
	if tags == nil {
		tags = map[string]string{}
	}
	tagData, err := json.Marshal(tags)
	if err != nil {
		return model.Trial{}, false, fmt.Errorf("storage: marshal trial tags: %w", err)
	}
	var dedupe *string
	if d := tags[model.TagDedupeKey]; d != "" {
		dedupe = &d
	}

	t, err := scanTrial(s.db.conn(ctx).QueryRow(ctx,
		`UPDATE study_trials
		 SET state = $3, value = $4, completed_at = now(),
		     tags = tags || $5::jsonb,
		     dedupe_key = COALESCE($6, dedupe_key)
		 WHERE context_key = $1 AND number = $2 AND state = 'running'
		 RETURNING `+trialColumns,
		key, number, string(state), value, tagData, dedupe,
	))
	if err == nil {
		return t, true, nil
	}
	if dedupe != nil && IsUniqueViolation(err) {
		return model.Trial{}, false, fmt.Errorf("%w: %s in %s", optimizer.ErrDedupeKeyExists, *dedupe, key)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Trial{}, false, fmt.Errorf("storage: finish trial: %w", err)
	}

	current, err := s.GetTrial(ctx, key, number)
	if err != nil {
		return model.Trial{}, false, err
	}
	return current, false, nil
}

// ListTrials returns all trials of a study ordered by number.
func (s *StudyStore) ListTrials(ctx context.Context, key string) ([]model.Trial, error) {
	rows, err := s.db.conn(ctx).Query(ctx,
		`SELECT `+trialColumns+` FROM study_trials WHERE context_key = $1 ORDER BY number`, key)
	if err != nil {
		return nil, fmt.Errorf("storage: list trials: %w", err)
	}
	defer rows.Close()

	var out []model.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trial: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DedupeKeys returns the dedupe tags recorded for a study.
func (s *StudyStore) DedupeKeys(ctx context.Context, key string) (map[string]struct{}, error) {
	rows, err := s.db.conn(ctx).Query(ctx,
		`SELECT dedupe_key FROM study_trials WHERE context_key = $1 AND dedupe_key IS NOT NULL`, key)
	if err != nil {
		return nil, fmt.Errorf("storage: dedupe keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: scan dedupe key: %w", err)
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

func scanTrial(row pgx.Row) (model.Trial, error) {
	var (
		t      model.Trial
		state  string
		params []byte
		tags   []byte
	)
	if err := row.Scan(&t.ContextKey, &t.Number, &state, &params, &t.Value, &tags, &t.CreatedAt, &t.CompletedAt); err != nil {
		return model.Trial{}, err
	}
	t.State = model.TrialState(state)
	if err := json.Unmarshal(params, &t.Params); err != nil {
		return model.Trial{}, fmt.Errorf("decode trial params: %w", err)
	}
	if err := json.Unmarshal(tags, &t.Tags); err != nil {
		return model.Trial{}, fmt.Errorf("decode trial tags: %w", err)
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	return t, nil
}
