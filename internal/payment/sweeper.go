package payment

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/harvestbox/storefront/internal/orders"
)

// PendingSource is the slice of the order repository the sweeper scans and
// repairs through.
type PendingSource interface {
	PendingPaymentSince(ctx context.Context, cutoff time.Time) ([]orders.PendingOrder, error)
	MarkPaid(ctx context.Context, orderID string, rec orders.PaymentRecord) (bool, error)
}

// IntentFinder is the single gateway call the sweeper depends on.
type IntentFinder interface {
	FindByReference(ctx context.Context, orderID string) (Intent, bool, error)
}

// Sweeper is the reconciliation loop closing the gap when a payment webhook
// never arrives: it polls the provider for PendingPayment orders inside a
// bounded lookback window and applies the same idempotent Paid transition the
// webhook path uses. Best effort; the webhook remains the primary path and
// may land before, after, or concurrently with a pass.
type Sweeper struct {
	Orders   PendingSource
	Gateway  IntentFinder
	Interval time.Duration
	Lookback time.Duration

	// StartupDelay bounds the wait before the first pass, so a restarted
	// process reconciles right away instead of after a full interval.
	// Zero means 5 seconds.
	StartupDelay time.Duration

	// OnRecovered runs for each order fixed by a pass (event publishing).
	OnRecovered func(orderID string, it Intent)
}

// Run loops until ctx is cancelled. The first pass starts after StartupDelay;
// subsequent waits get +-10% jitter so multiple replicas do not hit the
// provider in lockstep, and consecutive failing passes back off exponentially,
// capped at 8x the base interval.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("sweeper: started, interval=%s lookback=%s", s.Interval, s.Lookback)

	wait := s.StartupDelay
	if wait <= 0 {
		wait = 5 * time.Second
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("sweeper: stopped")
			return
		case <-time.After(wait):
		}

		fixed, err := s.Sweep(ctx)
		if err != nil {
			failures++
			log.Printf("sweeper: pass failed: %v", err)
		} else {
			failures = 0
			if fixed > 0 {
				log.Printf("sweeper: pass done, recovered %d order(s)", fixed)
			}
		}

		wait = jitter(s.Interval)
		if failures > 0 {
			backoff := s.Interval * (1 << min(failures, 3))
			wait = jitter(backoff)
			log.Printf("sweeper: backing off %s after %d failed pass(es)", wait, failures)
		}
	}
}

// Sweep runs one reconciliation pass. Per-order lookup failures are
// independent: one broken lookup never aborts the rest. The pass only counts
// as failed when the scan itself fails or every single lookup errored.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.Lookback)
	pending, err := s.Orders.PendingPaymentSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	fixed := 0
	lookupErrs := 0
	var lastErr error
	for _, ord := range pending {
		it, found, err := s.Gateway.FindByReference(ctx, ord.ID)
		if err != nil {
			lookupErrs++
			lastErr = err
			log.Printf("sweeper: order %s lookup: %v", ord.ID, err)
			continue
		}
		if !found {
			continue
		}

		inserted, err := s.Orders.MarkPaid(ctx, ord.ID, Record(ord.ID, it))
		if err != nil {
			lookupErrs++
			lastErr = err
			log.Printf("sweeper: order %s sync: %v", ord.ID, err)
			continue
		}
		log.Printf("sweeper: recovered payment for order %s (ref=%s, new_record=%v)", ord.ID, it.ID, inserted)
		fixed++
		if s.OnRecovered != nil {
			s.OnRecovered(ord.ID, it)
		}
	}

	if lookupErrs == len(pending) && lookupErrs > 0 {
		return fixed, lastErr
	}
	return fixed, nil
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}
