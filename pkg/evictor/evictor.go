// Package evictor runs the periodic cache sweep. It holds no domain logic of
// its own: the caches decide what qualifies for removal, the evictor only
// supplies the schedule and the configured floors.
package evictor

import (
	"context"
	"errors"
	"time"

	"github.com/merchsense/merchsense/pkg/logx"
)

// TerminalSweeper is the slice of the terminal cache the evictor needs
type TerminalSweeper interface {
	Cleanup(ctx context.Context, olderThan time.Time, minTransactionCount int) (int, error)
}

// LocationSweeper is the slice of the location cache the evictor needs
type LocationSweeper interface {
	Cleanup(ctx context.Context, olderThan time.Time, minPredictionCount int) (int, error)
}

// SessionReaper flips overdue sessions to expired
type SessionReaper interface {
	Reap(now time.Time) int
}

// Config controls sweep cadence and retention floors
type Config struct {
	Interval            time.Duration
	MaxAge              time.Duration
	MinTransactionCount int
	MinPredictionCount  int
}

// DefaultConfig returns the standard sweep settings: hourly, with a week of
// retention for entries below the usage floors
func DefaultConfig() Config {
	return Config{
		Interval:            time.Hour,
		MaxAge:              7 * 24 * time.Hour,
		MinTransactionCount: 3,
		MinPredictionCount:  3,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.MinTransactionCount <= 0 {
		c.MinTransactionCount = d.MinTransactionCount
	}
	if c.MinPredictionCount <= 0 {
		c.MinPredictionCount = d.MinPredictionCount
	}
	return c
}

// Result reports what one sweep removed
type Result struct {
	TerminalsRemoved int
	LocationsRemoved int
	SessionsExpired  int
}

// Evictor sweeps both caches and the session table on a fixed period
type Evictor struct {
	config    Config
	terminals TerminalSweeper
	locations LocationSweeper
	sessions  SessionReaper
	logger    *logx.Logger

	// OnSweep, when set, is invoked after every sweep with its result.
	// Used to publish sweep events; failures there must not stall eviction.
	OnSweep func(Result)

	now func() time.Time
}

// New creates an evictor. Any of the sweep targets may be nil and is then
// skipped, which keeps tests and partial deployments simple.
func New(config Config, terminals TerminalSweeper, locations LocationSweeper, sessions SessionReaper, logger *logx.Logger) *Evictor {
	return &Evictor{
		config:    config.normalize(),
		terminals: terminals,
		locations: locations,
		sessions:  sessions,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// Sweep errors are logged, not fatal: a failed sweep retries next tick.
func (e *Evictor) Run(ctx context.Context) {
	e.logger.Info("evictor started",
		"interval", e.config.Interval.String(),
		"max_age", e.config.MaxAge.String())

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evictor stopped")
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Warn("sweep finished with errors", "error", err)
			}
		}
	}
}

// Sweep runs one eviction pass over all configured targets. Zero removals is
// a normal outcome. Errors from one target do not stop the others.
func (e *Evictor) Sweep(ctx context.Context) (Result, error) {
	now := e.now()
	cutoff := now.Add(-e.config.MaxAge)

	var res Result
	var errs []error

	if e.terminals != nil {
		n, err := e.terminals.Cleanup(ctx, cutoff, e.config.MinTransactionCount)
		if err != nil {
			errs = append(errs, err)
		}
		res.TerminalsRemoved = n
	}
	if e.locations != nil {
		n, err := e.locations.Cleanup(ctx, cutoff, e.config.MinPredictionCount)
		if err != nil {
			errs = append(errs, err)
		}
		res.LocationsRemoved = n
	}
	if e.sessions != nil {
		res.SessionsExpired = e.sessions.Reap(now)
	}

	e.logger.Info("sweep complete",
		"terminals_removed", res.TerminalsRemoved,
		"locations_removed", res.LocationsRemoved,
		"sessions_expired", res.SessionsExpired)

	if e.OnSweep != nil {
		e.OnSweep(res)
	}
	return res, errors.Join(errs...)
}
