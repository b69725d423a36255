// Package maintenance runs the orchestrator's periodic housekeeping:
// expiring stale contracts, sweeping retention-aged room events, and
// evicting idle sessions. Grounded on internal/cron/scheduler.go, but
// generalized from a persistence-backed DueSchedules query (user
// schedules are out of scope here) to a fixed set of sweep jobs driven
// directly by a robfig/cron/v3 *cron.Cron, one entry per job so each
// can carry its own cadence.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/apexswarm/orchestrator/internal/contract"
	"github.com/apexswarm/orchestrator/internal/eventlog"
	"github.com/apexswarm/orchestrator/internal/session"
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Contracts   *contract.Store
	Events      *eventlog.Log
	Sessions    *session.Store
	Logger      *slog.Logger
	Interval    time.Duration // sweep cadence; defaults to 15 minutes if zero
	IdleTimeout time.Duration // session idle horizon; defaults to 30 minutes if zero
}

// Scheduler periodically runs the orchestrator's sweep jobs on a
// robfig/cron/v3 clock.
type Scheduler struct {
	contracts   *contract.Store
	events      *eventlog.Log
	sessions    *session.Store
	logger      *slog.Logger
	interval    time.Duration
	idleTimeout time.Duration

	cr *cronlib.Cron
}

// New creates a new Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		contracts:   cfg.Contracts,
		events:      cfg.Events,
		sessions:    cfg.Sessions,
		logger:      logger,
		interval:    interval,
		idleTimeout: idleTimeout,
	}
}

// Start registers the sweep job on a robfig/cron/v3 clock using an
// "@every" spec built from the configured interval, and starts it in
// cron's own background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.cr = cronlib.New(cronlib.WithLogger(cronlib.VerbosePrintfLogger(slogAdapter{s.logger})))
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cr.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		s.logger.Error("maintenance: failed to register sweep job", "error", err)
		return
	}
	s.tick(ctx) // run once immediately so a freshly started daemon isn't idle for a full interval
	s.cr.Start()
	s.logger.Info("maintenance scheduler started", "interval", s.interval)
}

// Stop halts the cron clock and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	if s.cr != nil {
		<-s.cr.Stop().Done()
	}
	s.logger.Info("maintenance scheduler stopped")
}

// slogAdapter bridges cron's printf-style Logger interface to slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Printf(format string, v ...any) {
	a.l.Info(fmt.Sprintf(format, v...))
}

// tick runs every sweep job once. Jobs are independent — a failure in
// one does not prevent the others from running.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	if s.contracts != nil {
		n, err := s.contracts.ExpireStale(ctx, now)
		if err != nil {
			s.logger.Error("maintenance: expire stale contracts failed", "error", err)
		} else if n > 0 {
			s.logger.Info("maintenance: expired stale contracts", "count", n)
		}
	}

	if s.events != nil {
		n, err := s.events.Sweep(ctx)
		if err != nil {
			s.logger.Error("maintenance: sweep room events failed", "error", err)
		} else if n > 0 {
			s.logger.Info("maintenance: swept aged room events", "count", n)
		}
	}

	if s.sessions != nil {
		n, err := s.sessions.ExpireIdle(ctx, s.idleTimeout)
		if err != nil {
			s.logger.Error("maintenance: expire idle sessions failed", "error", err)
		} else if n > 0 {
			s.logger.Info("maintenance: expired idle sessions", "count", n)
		}
	}
}
