// Package pacer provides the shared outbound call pacer for the sync engine.
//
// The upstream stats API enforces a global request budget per API key, so the
// pacer is the single point of throttling shared by every target worker.
// Worker count never changes the outbound rate; only the configured interval
// does.
package pacer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum gap between upstream calls when none is
// configured. Conservative enough for unauthenticated stats API quotas.
const DefaultInterval = 600 * time.Millisecond

// ErrInvalidInterval is returned when a non-positive interval is provided.
var ErrInvalidInterval = errors.New("pacer interval must be greater than zero")

// Pacer throttles outbound API calls to a minimum interval between calls.
//
// Built on golang.org/x/time/rate with a burst of one: at most one call may
// proceed per interval regardless of how many goroutines are waiting. Safe
// for concurrent use.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a Pacer enforcing at least interval between successive calls.
func New(interval time.Duration) (*Pacer, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}

	return &Pacer{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}, nil
}

// Wait blocks until the next call is permitted or the context is canceled.
// Returns the context error on cancellation, nil otherwise.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Interval reports the configured minimum interval between calls.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}
