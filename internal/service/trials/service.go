// Package trials is the trial lifecycle engine: it resolves search contexts,
// issues and applies suggestions against the optimizer backend, and warm-starts
// studies from historical observations.
//
// Every mutating operation runs as one storage.DB.InTx unit. When the study
// store is Postgres-backed the backend joins that transaction, so a failed
// apply leaves no trace in either the record store or the study.
package trials

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AhmedAldahshoury/coffee/internal/optimizer"
	"github.com/AhmedAldahshoury/coffee/internal/params"
	"github.com/AhmedAldahshoury/coffee/internal/profiles"
	"github.com/AhmedAldahshoury/coffee/internal/storage"
	"github.com/AhmedAldahshoury/coffee/internal/telemetry"
)

const defaultMaxAskAttempts = 8

// Options are the scoring and sampling knobs of a Service.
type Options struct {
	// FailedScore is the objective told for a failed brew.
	FailedScore float64
	// ScoreMin and ScoreMax bound an accepted score, inclusive.
	ScoreMin float64
	ScoreMax float64
	// MaxAskAttempts bounds re-asks when a draw violates a hard cap.
	// Zero means the default of 8.
	MaxAskAttempts int
	// Caps overrides params.DefaultCaps when non-nil.
	Caps []params.Cap
}

// DefaultOptions returns the scoring defaults: failed brews score 0 and
// accepted scores lie in [0, 10].
func DefaultOptions() Options {
	return Options{FailedScore: 0, ScoreMin: 0, ScoreMax: 10}
}

// Service coordinates the record store, the profile store and the backend.
type Service struct {
	db       *storage.DB
	profiles *profiles.Store
	backend  *optimizer.Backend
	opts     Options
	logger   *slog.Logger

	resolving singleflight.Group
	tracer    trace.Tracer

	issued      metric.Int64Counter
	applied     metric.Int64Counter
	warmAdded   metric.Int64Counter
	askDuration metric.Float64Histogram
}

// New creates a trials Service.
func New(db *storage.DB, store *profiles.Store, backend *optimizer.Backend, opts Options, logger *slog.Logger) *Service {
	if opts.MaxAskAttempts <= 0 {
		opts.MaxAskAttempts = defaultMaxAskAttempts
	}
	if opts.Caps == nil {
		opts.Caps = params.DefaultCaps
	}

	meter := telemetry.Meter("coffee/trials")
	issued, _ := meter.Int64Counter("coffee.suggestions.issued",
		metric.WithDescription("Suggestions handed out"),
	)
	applied, _ := meter.Int64Counter("coffee.suggestions.applied",
		metric.WithDescription("Suggestions applied with an outcome"),
	)
	warmAdded, _ := meter.Int64Counter("coffee.warmstart.trials_added",
		metric.WithDescription("Completed trials injected from historical observations"),
	)
	askDur, _ := meter.Float64Histogram("coffee.ask.duration",
		metric.WithDescription("Time to draw a trial from the backend (ms)"),
		metric.WithUnit("ms"),
	)

	return &Service{
		db:          db,
		profiles:    store,
		backend:     backend,
		opts:        opts,
		logger:      logger,
		tracer:      telemetry.Tracer("coffee/trials"),
		issued:      issued,
		applied:     applied,
		warmAdded:   warmAdded,
		askDuration: askDur,
	}
}
