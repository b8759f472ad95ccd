package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCleanupSchedule = "@every 10m"
	DefaultInactiveAfter   = 30 * time.Minute
)

// SweeperConfig schedules the inactivity sweep.
type SweeperConfig struct {
	Schedule      string
	InactiveAfter time.Duration
}

// Sweeper periodically removes inactive sessions from a pool.
type Sweeper struct {
	pool   *Pool
	cfg    SweeperConfig
	logger *slog.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper registers the cleanup job; call Start to run it.
func NewSweeper(log *slog.Logger, cfg SweeperConfig, pool *Pool) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultCleanupSchedule
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = DefaultInactiveAfter
	}
	log = log.With(slog.String("component", "session_sweeper"))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		pool:   pool,
		cfg:    cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
		cron: cron.New(
			cron.WithLogger(cronLogger{log}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})),
		),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.Sweep); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep() {
	removed := s.pool.CleanupInactive(s.ctx, s.cfg.InactiveAfter)
	if removed > 0 {
		s.logger.Info("inactive sessions removed", slog.Int("count", removed))
	}
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
