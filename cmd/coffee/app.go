package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AhmedAldahshoury/coffee/internal/config"
	"github.com/AhmedAldahshoury/coffee/internal/optimizer"
	"github.com/AhmedAldahshoury/coffee/internal/optimizer/badgerstore"
	"github.com/AhmedAldahshoury/coffee/internal/profiles"
	"github.com/AhmedAldahshoury/coffee/internal/service/trials"
	"github.com/AhmedAldahshoury/coffee/internal/storage"
	"github.com/AhmedAldahshoury/coffee/internal/telemetry"
	"github.com/AhmedAldahshoury/coffee/migrations"
)

// app is everything one command invocation needs, opened in dependency order
// and closed in reverse.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *storage.DB
	profiles *profiles.Store
	svc      *trials.Service

	closers []func() error
}

func openApp(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) (_ *app, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level.Set(parseLevel(cfg.LogLevel))
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	logger.Debug("coffee starting", "version", version, "study_store", cfg.StudyStore, "sampler", cfg.Sampler)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return otelShutdown(context.Background()) })

	a.db, err = storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.closers = append(a.closers, func() error { a.db.Close(); return nil })

	if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	seed, err := profiles.LoadSeed(cfg.ProfileSeedPath)
	if err != nil {
		return nil, err
	}
	a.profiles = profiles.NewStore(a.db, logger)
	if _, err := a.profiles.Seed(ctx, seed); err != nil {
		return nil, err
	}
	if err := a.profiles.Load(ctx); err != nil {
		return nil, err
	}

	studies, err := a.openStudyStore()
	if err != nil {
		return nil, err
	}

	var sampler optimizer.Sampler = optimizer.RandomSampler{}
	if cfg.Sampler == config.SamplerTPE {
		sampler = optimizer.NewTPESampler(cfg.StartupTrials)
	}
	backend := optimizer.NewBackend(studies, sampler, cfg.SamplerSeed, logger)

	opts := trials.DefaultOptions()
	opts.FailedScore = cfg.FailedScore
	opts.ScoreMin = cfg.ScoreMin
	opts.ScoreMax = cfg.ScoreMax
	a.svc = trials.New(a.db, a.profiles, backend, opts, logger)
	return a, nil
}

func (a *app) openStudyStore() (optimizer.StudyStore, error) {
	if a.cfg.StudyStore != config.StudyStoreBadger {
		return storage.NewStudyStore(a.db), nil
	}
	bs, err := badgerstore.Open(badgerstore.Config{
		Path:       a.cfg.BadgerPath,
		SyncWrites: true,
		Logger:     a.logger.With("component", "badger"),
	})
	if err != nil {
		return nil, fmt.Errorf("study store: %w", err)
	}
	a.closers = append(a.closers, bs.Close)
	return bs, nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
