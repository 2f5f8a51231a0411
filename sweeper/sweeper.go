// Package sweeper expires overdue offers and retries escrow release for
// delivered contracts. Every action is a conditional transition, so several
// sweepers and the request path can run against the same rows.
package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"freightflow/contract"
	"freightflow/metrics"
	"freightflow/offer"
	"freightflow/payment"
)

// OfferExpirer is the slice of the offer service the sweeper drives.
type OfferExpirer interface {
	ListExpired(ctx context.Context, limit int) ([]offer.Offer, error)
	Expire(ctx context.Context, offerID string) (offer.Offer, error)
}

// ContractReleaser is the slice of the contract service the sweeper drives.
type ContractReleaser interface {
	ListReleasable(ctx context.Context, limit int) ([]contract.Contract, error)
	Release(ctx context.Context, contractID string) ([]payment.Payout, error)
}

// Report counts what one pass did.
type Report struct {
	Scanned int
	Done    int
	Skipped int
	Failed  int
}

// Sweeper runs the periodic jobs.
type Sweeper struct {
	offers    OfferExpirer
	contracts ContractReleaser
	log       zerolog.Logger
	interval  time.Duration
	batch     int
	workers   int
}

func New(offers OfferExpirer, contracts ContractReleaser, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		offers:    offers,
		contracts: contracts,
		log:       log,
		interval:  30 * time.Second,
		batch:     200,
		workers:   4,
	}
}

// WithInterval sets the pause between passes.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithBatch sets how many rows one pass looks at.
func (s *Sweeper) WithBatch(n int) *Sweeper {
	if n > 0 {
		s.batch = n
	}
	return s
}

// WithWorkers bounds per-pass concurrency.
func (s *Sweeper) WithWorkers(n int) *Sweeper {
	if n > 0 {
		s.workers = n
	}
	return s
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("expiry sweep failed")
			}
			if s.contracts != nil {
				if _, err := s.ReleaseOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.log.Warn().Err(err).Msg("release sweep failed")
				}
			}
		}
	}
}

// SweepOnce expires every open offer past its expiry. An offer accepted
// between listing and expiring is skipped, never expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	overdue, err := s.offers.ListExpired(ctx, s.batch)
	if err != nil {
		return Report{}, err
	}

	var done, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, o := range overdue {
		id := o.ID
		g.Go(func() error {
			_, err := s.offers.Expire(gctx, id)
			switch {
			case err == nil:
				done.Add(1)
				metrics.SweepResults.WithLabelValues("expire", "expired").Inc()
			case errors.Is(err, offer.ErrNotExpirable), errors.Is(err, offer.ErrNotFound):
				skipped.Add(1)
				metrics.SweepResults.WithLabelValues("expire", "skipped").Inc()
			default:
				failed.Add(1)
				metrics.SweepResults.WithLabelValues("expire", "error").Inc()
				s.log.Warn().Err(err).Str("offer_id", id).Msg("expire offer failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	r := Report{Scanned: len(overdue), Done: int(done.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}
	if r.Done > 0 || r.Failed > 0 {
		s.log.Info().Int("expired", r.Done).Int("skipped", r.Skipped).Int("failed", r.Failed).Msg("expiry sweep")
	}
	return r, ctx.Err()
}

// ReleaseOnce retries payouts for delivered contracts whose escrow is still held.
func (s *Sweeper) ReleaseOnce(ctx context.Context) (Report, error) {
	pending, err := s.contracts.ListReleasable(ctx, s.batch)
	if err != nil {
		return Report{}, err
	}

	var done, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, c := range pending {
		id := c.ID
		g.Go(func() error {
			_, err := s.contracts.Release(gctx, id)
			switch {
			case err == nil:
				done.Add(1)
				metrics.SweepResults.WithLabelValues("release", "requested").Inc()
			case errors.Is(err, contract.ErrEscrowNotHeld), errors.Is(err, contract.ErrNotSigned):
				skipped.Add(1)
				metrics.SweepResults.WithLabelValues("release", "skipped").Inc()
			default:
				failed.Add(1)
				metrics.SweepResults.WithLabelValues("release", "error").Inc()
				s.log.Warn().Err(err).Str("contract_id", id).Msg("release failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return Report{Scanned: len(pending), Done: int(done.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}, ctx.Err()
}
