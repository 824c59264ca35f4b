package trials

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/blake2b"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/params"
)

// RejectedObservation is a historical observation that failed validation
// against the current profile.
type RejectedObservation struct {
	ObservationID uuid.UUID    `json:"observation_id"`
	Err           *model.Error `json:"error"`
}

// WarmStartResult counts what one warm-start pass did. Skipped observations
// were already present in the study.
type WarmStartResult struct {
	ContextKey string                `json:"context_key"`
	Scanned    int                   `json:"scanned"`
	Added      int                   `json:"added"`
	Skipped    int                   `json:"skipped"`
	Rejected   []RejectedObservation `json:"rejected,omitempty"`
}

// WarmStart injects the owner's scored historical observations for the exact
// scope of req into its study as completed trials, most recent first, at most
// limit of them (0 means all). Each observation is injected once: running
// WarmStart again without new observations adds nothing.
func (s *Service) WarmStart(ctx context.Context, req ContextRequest, limit int) (WarmStartResult, error) {
	ctx, span := s.tracer.Start(ctx, "trials.WarmStart")
	defer span.End()

	r, err := s.resolve(ctx, req)
	if err != nil {
		return WarmStartResult{}, err
	}
	key := r.Context.ContextKey
	res := WarmStartResult{ContextKey: key}

	err = s.db.InTx(ctx, func(ctx context.Context) error {
		res = WarmStartResult{ContextKey: key}

		history, err := s.db.ListScoredObservations(ctx, r.Context.Scope, limit)
		if err != nil {
			return fmt.Errorf("trials: warm start: %w", err)
		}
		existing, err := s.backend.DedupeKeys(ctx, key)
		if err != nil {
			return fmt.Errorf("trials: warm start: %w", err)
		}

		for _, obs := range history {
			res.Scanned++

			set := obs.Params.Normalize(r.Profile)
			if err := params.ValidateWithCaps(r.Profile, set, s.opts.Caps); err != nil {
				var merr *model.Error
				if !errors.As(err, &merr) {
					return err
				}
				res.Rejected = append(res.Rejected, RejectedObservation{ObservationID: obs.ID, Err: merr})
				continue
			}

			dedupe, err := DedupeKey(key, obs)
			if err != nil {
				return fmt.Errorf("trials: warm start: %w", err)
			}
			if _, ok := existing[dedupe]; ok {
				res.Skipped++
				continue
			}

			_, added, err := s.backend.AddCompletedTrial(ctx, key, set, *obs.Score,
				map[string]string{model.TagDedupeKey: dedupe})
			if err != nil {
				return fmt.Errorf("trials: warm start: %w", err)
			}
			existing[dedupe] = struct{}{}
			if added {
				res.Added++
			} else {
				// A concurrent warm start got there first.
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return WarmStartResult{}, err
	}

	span.SetAttributes(
		attribute.Int("coffee.warmstart.scanned", res.Scanned),
		attribute.Int("coffee.warmstart.added", res.Added),
	)
	s.warmAdded.Add(ctx, int64(res.Added), metric.WithAttributes(
		attribute.String("coffee.method_id", r.Context.Scope.MethodID),
	))
	s.logger.Info("warm start finished",
		"context_key", key,
		"scanned", res.Scanned,
		"added", res.Added,
		"skipped", res.Skipped,
		"rejected", len(res.Rejected),
	)
	return res, nil
}

// DedupeKey identifies a historical observation inside a study. Observations
// with an id use "obs:<id>". Otherwise the key is a BLAKE2b-256 hash over the
// context key, the canonical parameter JSON and the brew time, so the same
// row hashes identically across processes.
func DedupeKey(contextKey string, obs model.Observation) (string, error) {
	if obs.ID != uuid.Nil {
		return "obs:" + obs.ID.String(), nil
	}
	canonical, err := obs.Params.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonical params: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(contextKey))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(obs.BrewedAt.UTC().Format(time.RFC3339Nano)))
	return "sha:" + hex.EncodeToString(h.Sum(nil)), nil
}
