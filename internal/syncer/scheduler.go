package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs sync cycles on a cron schedule. A tick that arrives
// while the previous cycle still runs is skipped.
type Scheduler struct {
	syncer *Syncer
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// ParseSchedule validates a standard five-field cron spec or a
// descriptor such as "@every 5m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("sync schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NewScheduler creates a scheduler running s on spec.
func NewScheduler(s *Syncer, spec string) (*Scheduler, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	sc := &Scheduler{
		syncer: s,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	sc.cron.Schedule(sched, cron.FuncJob(sc.tick))
	return sc, nil
}

// Start begins running cycles in the background. Cycles get a context
// derived from ctx; cancelling it aborts the running cycle.
func (sc *Scheduler) Start(ctx context.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.started {
		return
	}
	sc.ctx, sc.cancel = context.WithCancel(ctx)
	sc.started = true
	sc.cron.Start()
	sc.logger.Info().Msg("sync scheduler started")
}

// Stop stops scheduling and waits for a running cycle to finish, or
// for ctx to end, in which case the running cycle is cancelled.
func (sc *Scheduler) Stop(ctx context.Context) error {
	sc.mu.Lock()
	if !sc.started {
		sc.mu.Unlock()
		return nil
	}
	sc.started = false
	cancel := sc.cancel
	sc.mu.Unlock()

	done := sc.cron.Stop()
	defer cancel()
	select {
	case <-done.Done():
		sc.logger.Info().Msg("sync scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done.Done()
		return ctx.Err()
	}
}

func (sc *Scheduler) tick() {
	sc.mu.Lock()
	ctx := sc.ctx
	sc.mu.Unlock()

	rep, err := sc.syncer.Cycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		sc.logger.Debug().Msg("sync tick skipped: cycle in progress")
	case err != nil:
		sc.logger.Error().Err(err).Msg("scheduled sync failed")
	default:
		sc.logger.Debug().
			Int("uploaded", rep.Uploaded).
			Int("downloaded", rep.Downloaded).
			Msg("scheduled sync done")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
