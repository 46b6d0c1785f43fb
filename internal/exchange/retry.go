package exchange

import (
	"context"
	"time"

	"github.com/amirphl/kraken-trader/internal/utils"
)

const (
	// Total attempts per call: the initial try plus two retries.
	retryMaxAttempts = 3
	retryBaseDelay   = time.Second
	retryMaxDelay    = 10 * time.Second
)

// Retrier wraps a wire call with bounded exponential backoff. Retryable
// failures (network errors, HTTP 429, EService:Unavailable) are retried up
// to the attempt budget; fatal exchange rejections and schema failures
// surface immediately.
type Retrier struct {
	limiter *Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// OnAttempt, when set, observes every attempt with its timestamp.
	OnAttempt func(class EndpointClass, attempt int, at time.Time)
}

// NewRetrier creates a retry controller bound to a limiter so that 429
// responses widen the offending class window before the next retry.
func NewRetrier(limiter *Limiter) *Retrier {
	return &Retrier{
		limiter: limiter,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Do runs op once and retries with exponential backoff (1s doubling, 10s
// ceiling) on retryable failures, then surfaces the final failure. No call
// is duplicated beyond the attempt budget.
func (r *Retrier) Do(ctx context.Context, class EndpointClass, op func() error) error {
	backoff := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		at := r.now()
		if r.OnAttempt != nil {
			r.OnAttempt(class, attempt, at)
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		utils.GetLogger().Printf("Retrier | %s attempt %d/%d failed: %v", class, attempt, retryMaxAttempts, lastErr)
		if attempt == retryMaxAttempts {
			break
		}
		if IsRateLimited(lastErr) && r.limiter != nil {
			r.limiter.Widen(class)
		}
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > retryMaxDelay {
			backoff = retryMaxDelay
		}
	}
	return lastErr
}
