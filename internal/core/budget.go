package core

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget is the request allowance shared by every worker talking to the remote API.
// It combines a steady token bucket with a cooldown that any caller can extend
// when the remote side answers with Retry-After, so parallel workers back off together.
type Budget struct {
	limiter *rate.Limiter
	mutex   sync.Mutex
	until   time.Time
	now     func() time.Time
}

// NewBudget allows requestsPerSecond with the given burst. A non-positive rate means unlimited.
func NewBudget(requestsPerSecond float64, burst int) *Budget {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Budget{
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

// Wait blocks until the shared cooldown has passed and a token is available.
func (b *Budget) Wait(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if d := b.Cooldown(); d > 0 {
		if err := SleepContext(ctx, d); err != nil {
			return err
		}
	}
	return b.limiter.Wait(ctx)
}

// Defer pushes the shared cooldown out to at least d from now.
func (b *Budget) Defer(d time.Duration) {
	if b == nil || d <= 0 {
		return
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if until := b.now().Add(d); until.After(b.until) {
		b.until = until
	}
}

// Cooldown returns how long callers must still hold off.
func (b *Budget) Cooldown() time.Duration {
	if b == nil {
		return 0
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if d := b.until.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
