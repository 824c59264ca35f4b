package trials

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// ContextRequest names a search scope as a caller supplies it. VariantID may
// be nil, in which case the method's default variant is used.
type ContextRequest struct {
	OwnerID     uuid.UUID
	MethodID    string
	VariantID   *string
	EquipmentID *uuid.UUID
	BeanID      *uuid.UUID
}

// Resolved is a search context together with the profile it is searched under.
type Resolved struct {
	Context model.SearchContext
	Profile model.MethodProfile
}

// ResolveContext returns the search context for req, creating it and its
// backend study on first access. Repeated calls for the same scope return the
// same row and have no further side effect.
func (s *Service) ResolveContext(ctx context.Context, req ContextRequest) (model.SearchContext, error) {
	r, err := s.resolve(ctx, req)
	if err != nil {
		return model.SearchContext{}, err
	}
	return r.Context, nil
}

func (s *Service) resolve(ctx context.Context, req ContextRequest) (Resolved, error) {
	ctx, span := s.tracer.Start(ctx, "trials.resolve")
	defer span.End()

	scope, err := s.normalizeScope(req)
	if err != nil {
		return Resolved{}, err
	}
	profile, err := s.profiles.Latest(scope.MethodID, scope.VariantID)
	if err != nil {
		return Resolved{}, err
	}

	key := scope.Key()
	span.SetAttributes(attribute.String("coffee.context_key", key))

	// Callers racing on the first access of one key share a single insert,
	// which must not fail because the caller that started it went away.
	sfCtx := context.WithoutCancel(ctx)
	v, err, _ := s.resolving.Do(key, func() (any, error) {
		sc, created, err := s.db.GetOrCreateContext(sfCtx, model.SearchContext{Scope: scope, ContextKey: key})
		if err != nil {
			return model.SearchContext{}, fmt.Errorf("trials: resolve context: %w", err)
		}
		if err := s.backend.EnsureStudy(sfCtx, key); err != nil {
			return model.SearchContext{}, fmt.Errorf("trials: resolve context: %w", err)
		}
		if created {
			s.logger.Info("search context created", "context_id", sc.ID, "context_key", key)
		}
		return sc, nil
	})
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Context: v.(model.SearchContext), Profile: profile}, nil
}

// normalizeScope trims and lowercases the identifiers and fills in the
// default variant.
func (s *Service) normalizeScope(req ContextRequest) (model.Scope, error) {
	method := strings.ToLower(strings.TrimSpace(req.MethodID))
	if method == "" {
		return model.Scope{}, model.NewError(model.CodeUnsupportedMethod, "method is required")
	}

	var variant string
	if req.VariantID != nil {
		variant = strings.ToLower(strings.TrimSpace(*req.VariantID))
	}
	if variant == "" {
		v, err := s.profiles.DefaultVariant(method)
		if err != nil {
			return model.Scope{}, err
		}
		variant = v
	}

	return model.Scope{
		OwnerID:     req.OwnerID,
		MethodID:    method,
		VariantID:   variant,
		EquipmentID: req.EquipmentID,
		BeanID:      req.BeanID,
	}, nil
}
