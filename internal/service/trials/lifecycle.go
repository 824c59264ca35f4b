package trials

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/optimizer"
	"github.com/AhmedAldahshoury/coffee/internal/params"
	"github.com/AhmedAldahshoury/coffee/internal/storage"
)

// Issue resolves the context for req, asks the backend for a new trial and
// persists it as an issued suggestion. The returned parameters always pass
// params.Validate against the context's latest profile.
func (s *Service) Issue(ctx context.Context, req ContextRequest) (model.Suggestion, error) {
	ctx, span := s.tracer.Start(ctx, "trials.Issue")
	defer span.End()

	r, err := s.resolve(ctx, req)
	if err != nil {
		return model.Suggestion{}, err
	}
	space, err := optimizer.SpaceFromProfile(r.Profile)
	if err != nil {
		return model.Suggestion{}, err
	}

	var out model.Suggestion
	err = s.db.InTx(ctx, func(ctx context.Context) error {
		trial, err := s.askValid(ctx, r, space)
		if err != nil {
			return err
		}
		out, err = s.db.InsertSuggestion(ctx, model.Suggestion{
			OwnerID:         r.Context.Scope.OwnerID,
			ContextID:       r.Context.ID,
			ContextKey:      r.Context.ContextKey,
			TrialNumber:     trial.Number,
			SuggestedParams: trial.Params,
		})
		return err
	})
	if err != nil {
		return model.Suggestion{}, err
	}

	span.SetAttributes(attribute.Int("coffee.trial_number", out.TrialNumber))
	s.issued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("coffee.method_id", r.Context.Scope.MethodID),
		attribute.String("coffee.variant_id", r.Context.Scope.VariantID),
	))
	s.logger.Info("suggestion issued",
		"suggestion_id", out.ID,
		"context_key", out.ContextKey,
		"trial", out.TrialNumber,
	)
	return out, nil
}

// askValid draws trials until one passes validation. A draw that breaks a
// hard cap is told as failed and redrawn; any other validation failure means
// the sampler and profile disagree and is returned as-is.
func (s *Service) askValid(ctx context.Context, r Resolved, space optimizer.Space) (model.Trial, error) {
	key := r.Context.ContextKey
	var lastErr error
	for attempt := range s.opts.MaxAskAttempts {
		start := time.Now()
		trial, err := s.backend.Ask(ctx, key, space)
		s.askDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		if err != nil {
			return model.Trial{}, fmt.Errorf("trials: issue: %w", err)
		}

		trial.Params = trial.Params.Normalize(r.Profile)
		lastErr = params.ValidateWithCaps(r.Profile, trial.Params, s.opts.Caps)
		if lastErr == nil {
			return trial, nil
		}

		if tellErr := s.backend.Tell(ctx, key, trial.Number, optimizer.Failed()); tellErr != nil {
			return model.Trial{}, fmt.Errorf("trials: issue: discard trial %d: %w", trial.Number, tellErr)
		}
		if model.CodeOf(lastErr) != model.CodeInvalidSuggestedParams {
			s.logger.Error("backend drew parameters outside the profile",
				"context_key", key, "trial", trial.Number, "error", lastErr)
			return model.Trial{}, lastErr
		}
		s.logger.Debug("draw exceeds hard caps, asking again",
			"context_key", key, "trial", trial.Number, "attempt", attempt+1)
	}
	return model.Trial{}, lastErr
}

// ApplyRequest reports the outcome of a suggestion. Failed and Score are
// mutually exclusive. A nil Score on a successful outcome falls back to the
// score already stored on the observation.
type ApplyRequest struct {
	OwnerID       uuid.UUID
	SuggestionID  uuid.UUID
	ObservationID uuid.UUID
	Score         *float64
	Failed        bool
}

// Apply links an observation to an issued suggestion and tells its outcome to
// the backend. All checks and writes happen in one transaction; any failure
// leaves the suggestion, the observation and the study unchanged. Concurrent
// applies of one suggestion serialize on its row lock and the loser gets
// already_applied. An observation enters a study at most once: applying one
// that another suggestion or a warm start already recorded is also
// already_applied.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (model.Suggestion, error) {
	ctx, span := s.tracer.Start(ctx, "trials.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("coffee.suggestion_id", req.SuggestionID.String()))

	var (
		out    model.Suggestion
		method string
	)
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		// 1. Suggestion, locked.
		sug, err := s.db.GetSuggestion(ctx, req.OwnerID, req.SuggestionID, true)
		if err != nil {
			return notFound(err, "suggestion %s does not exist", req.SuggestionID)
		}
		if sug.Status != model.SuggestionIssued {
			return model.NewError(model.CodeAlreadyApplied, "suggestion %s is already applied", sug.ID)
		}

		// 2. Observation, locked.
		obs, err := s.db.GetObservation(ctx, req.OwnerID, req.ObservationID, true)
		if err != nil {
			return notFound(err, "observation %s does not exist", req.ObservationID)
		}

		// 3. Scope.
		sc, err := s.db.GetContext(ctx, sug.OwnerID, sug.ContextID)
		if err != nil {
			return notFound(err, "search context %s does not exist", sug.ContextID)
		}
		if !sc.Scope.SameScope(obs.Scope()) {
			return model.NewError(model.CodeContextMismatch,
				"observation %s belongs to %s, suggestion %s to %s",
				obs.ID, obs.Scope().Key(), sug.ID, sc.ContextKey)
		}
		method = sc.Scope.MethodID

		// 4. Objective.
		objective, status, score, err := s.objective(req, obs)
		if err != nil {
			return err
		}

		// 5. Backend still knows the trial.
		ok, err := s.backend.TrialExists(ctx, sug.ContextKey, sug.TrialNumber)
		if err != nil {
			return fmt.Errorf("trials: apply: %w", err)
		}
		if !ok {
			return model.NewError(model.CodeTrialNotFound,
				"trial %d of suggestion %s is missing from study %s", sug.TrialNumber, sug.ID, sug.ContextKey)
		}

		// 6. The observation is not already part of the study, either through
		// another suggestion or a warm start.
		dedupe, err := DedupeKey(sug.ContextKey, obs)
		if err != nil {
			return fmt.Errorf("trials: apply: %w", err)
		}
		existing, err := s.backend.DedupeKeys(ctx, sug.ContextKey)
		if err != nil {
			return fmt.Errorf("trials: apply: %w", err)
		}
		if _, ok := existing[dedupe]; ok {
			return observationRecorded(obs.ID, sug.ContextKey)
		}

		// 7. Writes. Tell goes last so a store outside this transaction is
		// only touched once every record-store write has succeeded.
		if err := s.db.UpdateObservationOutcome(ctx, obs.ID, status, score); err != nil {
			return fmt.Errorf("trials: apply: %w", err)
		}
		out, err = s.db.MarkSuggestionApplied(ctx, sug.ID, obs.ID, obs.Params, objective)
		switch {
		case errors.Is(err, storage.ErrSuggestionNotIssued):
			return model.NewError(model.CodeAlreadyApplied, "suggestion %s is already applied", sug.ID)
		case errors.Is(err, storage.ErrObservationAlreadyApplied):
			return observationRecorded(obs.ID, sug.ContextKey)
		case err != nil:
			return fmt.Errorf("trials: apply: %w", err)
		}
		outcome := optimizer.Completed(objective).Tagged(model.TagDedupeKey, dedupe)
		err = s.backend.Tell(ctx, sug.ContextKey, sug.TrialNumber, outcome)
		if errors.Is(err, optimizer.ErrDedupeKeyExists) {
			return observationRecorded(obs.ID, sug.ContextKey)
		}
		return err
	})
	if err != nil {
		return model.Suggestion{}, err
	}

	s.applied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("coffee.method_id", method),
		attribute.Bool("coffee.failed", req.Failed),
	))
	s.logger.Info("suggestion applied",
		"suggestion_id", out.ID,
		"observation_id", req.ObservationID,
		"trial", out.TrialNumber,
		"objective", *out.Objective,
	)
	return out, nil
}

func observationRecorded(id uuid.UUID, contextKey string) error {
	return model.NewError(model.CodeAlreadyApplied, "observation %s is already recorded in study %s", id, contextKey).
		WithFields(map[string]string{"observation_id": "already recorded"})
}

// objective resolves the value told to the backend and the outcome stored on
// the observation.
func (s *Service) objective(req ApplyRequest, obs model.Observation) (float64, model.ObservationStatus, *float64, error) {
	if req.Failed && req.Score != nil {
		return 0, "", nil, model.NewError(model.CodeInvalidScore, "a failed brew carries no score").
			WithFields(map[string]string{"score": "must be omitted for a failed brew"})
	}
	if req.Failed {
		return s.opts.FailedScore, model.ObservationFailed, nil, nil
	}
	score := req.Score
	if score == nil {
		score = obs.Score
	}
	if score == nil {
		return 0, "", nil, model.NewError(model.CodeInvalidScore, "a score is required unless the brew failed").
			WithFields(map[string]string{"score": "required"})
	}
	if math.IsNaN(*score) || *score < s.opts.ScoreMin || *score > s.opts.ScoreMax {
		return 0, "", nil, model.NewError(model.CodeInvalidScore, "score %g is outside [%g, %g]",
			*score, s.opts.ScoreMin, s.opts.ScoreMax).
			WithFields(map[string]string{"score": "out of range"})
	}
	v := *score
	return v, model.ObservationOK, &v, nil
}

// GetSuggestion loads one of the owner's suggestions.
func (s *Service) GetSuggestion(ctx context.Context, ownerID, id uuid.UUID) (model.Suggestion, error) {
	sug, err := s.db.GetSuggestion(ctx, ownerID, id, false)
	if err != nil {
		return model.Suggestion{}, notFound(err, "suggestion %s does not exist", id)
	}
	return sug, nil
}

// ListSuggestions returns the owner's suggestions for one context, newest first.
func (s *Service) ListSuggestions(ctx context.Context, ownerID, contextID uuid.UUID) ([]model.Suggestion, error) {
	if _, err := s.db.GetContext(ctx, ownerID, contextID); err != nil {
		return nil, notFound(err, "search context %s does not exist", contextID)
	}
	out, err := s.db.ListSuggestions(ctx, ownerID, contextID)
	if err != nil {
		return nil, fmt.Errorf("trials: list suggestions: %w", err)
	}
	return out, nil
}

// notFound maps storage.ErrNotFound onto the not_found domain error and
// passes anything else through.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return model.NewError(model.CodeNotFound, format, args...)
	}
	return err
}
