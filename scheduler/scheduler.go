package scheduler

import (
	"context"
	"fmt"

	"github.com/mileusna/crontab"

	"carprice-aggregator/utils"
)

// CacheOptimizer sweeps expired cache entries.
type CacheOptimizer interface {
	Optimize(ctx context.Context) (int, error)
}

// ErrorPruner forgets errors that fell out of the health window.
type ErrorPruner interface {
	Prune() int
}

// RateRefresher warms the exchange-rate cache.
type RateRefresher interface {
	Refresh(ctx context.Context) error
}

// RefreshFunc adapts a function to RateRefresher.
type RefreshFunc func(ctx context.Context) error

func (f RefreshFunc) Refresh(ctx context.Context) error { return f(ctx) }

// Maintenance runs periodic housekeeping on a crontab.
type Maintenance struct {
	cache  CacheOptimizer
	errors ErrorPruner
	rates  RateRefresher
	logger *utils.Logger
	ctab   *crontab.Crontab
}

// New creates a Maintenance; any dependency may be nil to skip its job.
func New(c CacheOptimizer, e ErrorPruner, r RateRefresher, logger *utils.Logger) *Maintenance {
	return &Maintenance{cache: c, errors: e, rates: r, logger: logger}
}

// Start runs every job once, then schedules them on schedule (standard
// five-field cron syntax).
func (m *Maintenance) Start(ctx context.Context, schedule string) error {
	ctab := crontab.New()
	if err := ctab.AddJob(schedule, func() { m.RunOnce(ctx) }); err != nil {
		ctab.Shutdown()
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	m.ctab = ctab
	m.RunOnce(ctx)
	m.logger.Info("[scheduler] Maintenance scheduled at %q", schedule)
	return nil
}

// RunOnce performs one housekeeping pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if m.cache != nil {
		if n, err := m.cache.Optimize(ctx); err != nil {
			m.logger.Warn("[scheduler] Cache optimize failed: %v", err)
		} else if n > 0 {
			m.logger.Info("[scheduler] Purged %d expired cache entries", n)
		}
	}
	if m.errors != nil {
		if n := m.errors.Prune(); n > 0 {
			m.logger.Debug("[scheduler] Pruned %d old provider errors", n)
		}
	}
	if m.rates != nil {
		if err := m.rates.Refresh(ctx); err != nil {
			m.logger.Warn("[scheduler] Exchange rate refresh failed: %v", err)
		}
	}
}

// Stop cancels scheduled jobs.
func (m *Maintenance) Stop() {
	if m.ctab != nil {
		m.ctab.Shutdown()
		m.ctab = nil
	}
}
