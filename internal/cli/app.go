package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirengine/internal/engine"
	"github.com/roach88/fhirengine/internal/library"
	"github.com/roach88/fhirengine/internal/metrics"
	"github.com/roach88/fhirengine/internal/store"
)

// app is the set of components a command works with, built from the
// loaded configuration.
type app struct {
	store    *store.Store
	registry *library.Registry
	engine   *engine.Engine
	metrics  *metrics.Collector
}

// openApp opens the configured database and wires the registry and the
// evaluation engine to it. Callers must Close the app.
func openApp(opts *RootOptions) (*app, error) {
	return openAppAt(opts, opts.Config.DB)
}

func openAppAt(opts *RootOptions, path string) (*app, error) {
	m := metrics.NewCollector("fhirengine")
	st, err := store.Open(path, store.WithLogger(opts.Logger), store.WithMetrics(m))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	reg := library.New(st, library.WithLogger(opts.Logger))
	engineOpts := []engine.Option{
		engine.WithCacheSize(opts.Config.Eval.CacheSize),
		engine.WithLogger(opts.Logger),
		engine.WithMetrics(m),
	}
	// Validated when the config was loaded.
	if t, _ := opts.Config.ReferenceTime(); !t.IsZero() {
		engineOpts = append(engineOpts, engine.WithReferenceTime(t))
	}

	return &app{
		store:    st,
		registry: reg,
		engine:   engine.New(st, reg, engineOpts...),
		metrics:  m,
	}, nil
}

// Close closes the database.
func (a *app) Close() error {
	return a.store.Close()
}

// withApp opens the app, runs fn and closes the app again.
func withApp(opts *RootOptions, fn func(*app) error) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			opts.Logger.Error().Err(closeErr).Msg("error closing database")
		}
	}()
	return fn(a)
}

// signalContext returns a context of cmd that ends on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
