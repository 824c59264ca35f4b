// Package badgerstore keeps optimizer studies in an embedded BadgerDB.
//
// Key layout (\x00 never appears in a context key):
//
//	s\x00<context_key>                 -> Study (JSON)
//	t\x00<context_key>\x00<number BE>  -> Trial (JSON)
//	d\x00<context_key>\x00<dedupe_key> -> trial number (BE)
//
// Every mutation is one optimistic badger transaction, retried on conflict,
// so concurrent writers to one study never share a trial number.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/optimizer"
)

const maxConflictRetries = 64

// Config holds configuration for the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. For tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's own log output. Nil silences it.
	Logger *slog.Logger
}

// Store implements optimizer.StudyStore.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ optimizer.StudyStore = (*Store)(nil)

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) a store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badgerstore: path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badgerstore: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func studyKey(key string) []byte { return []byte("s\x00" + key) }

func trialPrefix(key string) []byte { return []byte("t\x00" + key + "\x00") }

func trialKey(key string, number int) []byte {
	return binary.BigEndian.AppendUint64(trialPrefix(key), uint64(number)) //nolint:gosec // trial numbers are non-negative
}

func dedupePrefix(key string) []byte { return []byte("d\x00" + key + "\x00") }

func dedupeKey(key, dedupe string) []byte { return append(dedupePrefix(key), dedupe...) }

// update runs fn in a read-write transaction, retrying on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("badgerstore: %w", err)
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
		s.logger.Debug("badgerstore: transaction conflict, retrying", "attempt", attempt+1)
	}
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("badgerstore: %w", err)
	}
	return s.db.View(fn)
}

func getJSON(txn *badger.Txn, k []byte, dst any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func getStudy(txn *badger.Txn, key string) (model.Study, error) {
	var st model.Study
	if err := getJSON(txn, studyKey(key), &st); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.Study{}, fmt.Errorf("%w: %s", optimizer.ErrStudyNotFound, key)
		}
		return model.Study{}, err
	}
	return st, nil
}

func getTrial(txn *badger.Txn, key string, number int) (model.Trial, error) {
	var t model.Trial
	if err := getJSON(txn, trialKey(key, number), &t); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.Trial{}, fmt.Errorf("%w: %s #%d", optimizer.ErrTrialNotFound, key, number)
		}
		return model.Trial{}, err
	}
	return t, nil
}

// CreateStudy creates an empty study. Creating an existing study is a no-op.
func (s *Store) CreateStudy(ctx context.Context, key string, direction model.Direction) (bool, error) {
	created := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get(studyKey(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return setJSON(txn, studyKey(key), model.Study{
			ContextKey: key,
			Direction:  direction,
			CreatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("badgerstore: create study: %w", err)
	}
	return created, nil
}

// GetStudy loads a study header.
func (s *Store) GetStudy(ctx context.Context, key string) (model.Study, error) {
	var st model.Study
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		st, err = getStudy(txn, key)
		return err
	})
	return st, err
}

// CreateTrial numbers and stores a trial. The study header is read and
// rewritten in the same transaction, so a concurrent allocation conflicts and
// is retried with the next number, Draw included.
func (s *Store) CreateTrial(ctx context.Context, key string, nt optimizer.NewTrial) (model.Trial, bool, error) {
	var (
		trial model.Trial
		added bool
	)
	dedupe := nt.Tags[model.TagDedupeKey]
	err := s.update(ctx, func(txn *badger.Txn) error {
		added = false
		st, err := getStudy(txn, key)
		if err != nil {
			return err
		}
		if dedupe != "" {
			_, err := txn.Get(dedupeKey(key, dedupe))
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		params := nt.Params
		if nt.Draw != nil {
			history, err := listTrials(txn, key)
			if err != nil {
				return err
			}
			params = nt.Draw(st.NextTrialNumber, history)
		}

		now := time.Now().UTC()
		trial = model.Trial{
			ContextKey: key,
			Number:     st.NextTrialNumber,
			State:      nt.State,
			Params:     params,
			Value:      nt.Value,
			Tags:       nt.Tags,
			CreatedAt:  now,
		}
		if nt.State.Finished() {
			trial.CompletedAt = &now
		}
		if err := setJSON(txn, trialKey(key, trial.Number), trial); err != nil {
			return err
		}
		if dedupe != "" {
			num := binary.BigEndian.AppendUint64(nil, uint64(trial.Number)) //nolint:gosec // non-negative
			if err := txn.Set(dedupeKey(key, dedupe), num); err != nil {
				return err
			}
		}
		st.NextTrialNumber++
		if err := setJSON(txn, studyKey(key), st); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return model.Trial{}, false, fmt.Errorf("badgerstore: create trial: %w", err)
	}
	if !added {
		return model.Trial{}, false, nil
	}
	return trial, true, nil
}

// GetTrial loads one trial.
func (s *Store) GetTrial(ctx context.Context, key string, number int) (model.Trial, error) {
	var t model.Trial
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		t, err = getTrial(txn, key, number)
		return err
	})
	return t, err
}

// FinishTrial moves a running trial to state and merges tags into it.
func (s *Store) FinishTrial(
	ctx context.Context,
	key string,
	number int,
	state model.TrialState,
	value *float64,
	tags map[string]string,
) (model.Trial, bool, error) {
	var (
		trial    model.Trial
		finished bool
	)
	dedupe := tags[model.TagDedupeKey]
	err := s.update(ctx, func(txn *badger.Txn) error {
		finished = false
		var err error
		trial, err = getTrial(txn, key, number)
		if err != nil {
			return err
		}
		if trial.State != model.TrialRunning {
			return nil
		}
		if dedupe != "" {
			_, err := txn.Get(dedupeKey(key, dedupe))
			if err == nil {
				return fmt.Errorf("%w: %s in %s", optimizer.ErrDedupeKeyExists, dedupe, key)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			num := binary.BigEndian.AppendUint64(nil, uint64(number)) //nolint:gosec // non-negative
			if err := txn.Set(dedupeKey(key, dedupe), num); err != nil {
				return err
			}
		}
		if len(tags) > 0 {
			merged := maps.Clone(trial.Tags)
			if merged == nil {
				merged = make(map[string]string, len(tags))
			}
			maps.Copy(merged, tags)
			trial.Tags = merged
		}
		now := time.Now().UTC()
		trial.State = state
		trial.Value = value
		trial.CompletedAt = &now
		finished = true
		return setJSON(txn, trialKey(key, number), trial)
	})
	if err != nil {
		if errors.Is(err, optimizer.ErrTrialNotFound) || errors.Is(err, optimizer.ErrDedupeKeyExists) {
			return model.Trial{}, false, err
		}
		return model.Trial{}, false, fmt.Errorf("badgerstore: finish trial: %w", err)
	}
	return trial, finished, nil
}

// ListTrials returns all trials of a study ordered by number.
func (s *Store) ListTrials(ctx context.Context, key string) ([]model.Trial, error) {
	var out []model.Trial
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = listTrials(txn, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list trials: %w", err)
	}
	return out, nil
}

func listTrials(txn *badger.Txn, key string) ([]model.Trial, error) {
	var out []model.Trial
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := trialPrefix(key)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var t model.Trial
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		}); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DedupeKeys returns the dedupe tags recorded for a study.
func (s *Store) DedupeKeys(ctx context.Context, key string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := dedupePrefix(key)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys[string(it.Item().Key()[len(prefix):])] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: dedupe keys: %w", err)
	}
	return keys, nil
}
