package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bagforecast/internal/config"
	"bagforecast/internal/domain"
	"bagforecast/internal/metrics"
	"bagforecast/internal/notify"
	"bagforecast/internal/store"
)

// Runtime holds the long-lived dependencies shared by the commands: the
// order store, the event publisher and the metrics registry.
type Runtime struct {
	Config    *config.Config
	Store     store.OrderStore // nil when opened without a store
	Metrics   *metrics.Metrics
	Publisher notify.Publisher
	Logger    *slog.Logger
}

// NewRuntime opens the dependencies described by cfg. The order store is
// only opened when withStore is set.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, withStore bool) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Metrics: metrics.New(), Logger: logger}
	if withStore {
		st, err := store.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("opening order store: %w", err)
		}
		rt.Store = st
		logger.Info("order store opened", "driver", cfg.Database.Driver, "table", cfg.Database.Table)
	}

	pub, err := notify.Open(ctx, cfg.Redis.URL, cfg.Redis.Channel)
	if err != nil {
		// Events are informational; a missing broker does not stop a run.
		logger.Warn("event publisher unavailable, continuing without events", "error", err)
		pub = notify.Nop{}
	}
	rt.Publisher = pub
	return rt, nil
}

// Steps returns the batch steps bound to the runtime.
func (rt *Runtime) Steps() *Steps {
	return &Steps{
		Config:    rt.Config,
		Store:     rt.Store,
		Metrics:   rt.Metrics,
		Publisher: rt.Publisher,
		Logger:    rt.Logger,
	}
}

// RunStep runs fn against the batch steps and records its outcome and
// duration in the run metrics.
func (rt *Runtime) RunStep(ctx context.Context, fn func(context.Context, *Steps) error) error {
	start := time.Now()
	err := fn(ctx, rt.Steps())
	rt.Metrics.ObserveRun(err, time.Since(start).Seconds())
	return err
}

// Loader returns the incremental loader for granularity g.
func (rt *Runtime) Loader(g domain.Granularity) (*Loader, error) {
	if rt.Store == nil {
		return nil, fmt.Errorf("next-%s: no order store configured", g)
	}
	l, err := NewLoader(rt.Config, g, rt.Store)
	if err != nil {
		return nil, err
	}
	l.Metrics = rt.Metrics
	l.Publisher = rt.Publisher
	l.Logger = rt.Logger
	return l, nil
}

// Close flushes metrics to the configured textfile and releases the
// publisher and the store.
func (rt *Runtime) Close() error {
	var errs []error
	if err := rt.Metrics.WriteTextfile(rt.Config.Metrics.TextfilePath); err != nil {
		errs = append(errs, fmt.Errorf("writing metrics: %w", err))
	}
	if err := rt.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing publisher: %w", err))
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
