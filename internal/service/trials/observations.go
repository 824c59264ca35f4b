package trials

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/AhmedAldahshoury/coffee/internal/model"
	"github.com/AhmedAldahshoury/coffee/internal/params"
	"github.com/AhmedAldahshoury/coffee/internal/storage"
)

// RecordObservation validates a brew outcome against the latest profile of
// its (method, variant) and persists it. A FAILED observation must not carry
// a score; an OK observation's score, when present, must lie in the score range.
func (s *Service) RecordObservation(ctx context.Context, obs model.Observation) (model.Observation, error) {
	ctx, span := s.tracer.Start(ctx, "trials.RecordObservation")
	defer span.End()

	obs.MethodID = strings.ToLower(strings.TrimSpace(obs.MethodID))
	obs.VariantID = strings.ToLower(strings.TrimSpace(obs.VariantID))
	if obs.VariantID == "" {
		v, err := s.profiles.DefaultVariant(obs.MethodID)
		if err != nil {
			return model.Observation{}, err
		}
		obs.VariantID = v
	}
	profile, err := s.profiles.Latest(obs.MethodID, obs.VariantID)
	if err != nil {
		return model.Observation{}, err
	}

	obs.Params = obs.Params.Normalize(profile)
	if err := params.ValidateWithCaps(profile, obs.Params, s.opts.Caps); err != nil {
		return model.Observation{}, err
	}

	switch obs.Status {
	case "", model.ObservationOK:
		obs.Status = model.ObservationOK
		if obs.Score != nil && (math.IsNaN(*obs.Score) || *obs.Score < s.opts.ScoreMin || *obs.Score > s.opts.ScoreMax) {
			return model.Observation{}, model.NewError(model.CodeInvalidScore, "score %g is outside [%g, %g]",
				*obs.Score, s.opts.ScoreMin, s.opts.ScoreMax).
				WithFields(map[string]string{"score": "out of range"})
		}
	case model.ObservationFailed:
		if obs.Score != nil {
			return model.Observation{}, model.NewError(model.CodeInvalidScore, "a failed brew carries no score").
				WithFields(map[string]string{"score": "must be omitted for a failed brew"})
		}
	default:
		return model.Observation{}, model.NewError(model.CodeInvalidScore, "unknown observation status %q", obs.Status).
			WithFields(map[string]string{"status": "must be OK or FAILED"})
	}

	out, err := s.db.InsertObservation(ctx, obs)
	if err != nil {
		return model.Observation{}, fmt.Errorf("trials: record observation: %w", err)
	}
	s.logger.Debug("observation recorded", "observation_id", out.ID, "method", out.MethodID, "variant", out.VariantID)
	return out, nil
}

// DeleteObservation removes one of the owner's observations. It is refused
// with observation_in_use while a suggestion references it.
func (s *Service) DeleteObservation(ctx context.Context, ownerID, id uuid.UUID) error {
	err := s.db.DeleteObservation(ctx, ownerID, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrInUse):
		return model.NewError(model.CodeObservationInUse, "observation %s is referenced by a suggestion", id)
	default:
		return notFound(err, "observation %s does not exist", id)
	}
}
