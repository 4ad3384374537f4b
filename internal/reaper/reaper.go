// Package reaper expires grants whose window has closed.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/jitaccess/internal/metrics"
	"github.com/edvin/jitaccess/internal/model"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 5 * time.Minute

const sweepConcurrency = 4

// Lister finds grants due for expiry.
type Lister interface {
	ListExpiredGrants(ctx context.Context, now time.Time) ([]model.AccessRequest, error)
}

// Expirer removes downstream access for one request and marks it expired.
type Expirer interface {
	Expire(ctx context.Context, id string) (*model.AccessRequest, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

type Reaper struct {
	lister   Lister
	expirer  Expirer
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func New(lister Lister, expirer Expirer, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		lister:   lister,
		expirer:  expirer,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
		now:      time.Now,
	}
}

// Sweep expires every granted request past its expiry. A request whose
// downstream revocation fails stays granted and is picked up again by the
// next sweep; such failures are counted, not returned.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.ReaperSweepDuration.Observe(time.Since(start).Seconds()) }()

	due, err := r.lister.ListExpiredGrants(ctx, r.now())
	if err != nil {
		return SweepResult{}, fmt.Errorf("list expired grants: %w", err)
	}
	if len(due) == 0 {
		return SweepResult{}, nil
	}

	results := make([]error, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, req := range due {
		g.Go(func() error {
			_, err := r.expirer.Expire(gctx, req.ID)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var res SweepResult
	for i, err := range results {
		id := due[i].ID
		switch {
		case err == nil:
			res.Expired++
			metrics.ReaperExpired.Inc()
		case errors.Is(err, context.Canceled):
			return res, err
		default:
			res.Failed++
			metrics.ReaperFailures.Inc()
			r.logger.Error().Err(err).Str("request_id", id).Msg("failed to expire grant; will retry next sweep")
		}
	}

	r.logger.Info().Int("expired", res.Expired).Int("failed", res.Failed).Msg("sweep complete")
	return res, nil
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.interval).Msg("reaper started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
