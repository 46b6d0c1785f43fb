package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetrier(c *fakeClock) (*Retrier, *Limiter) {
	l := newTestLimiter(c)
	r := NewRetrier(l)
	r.now = c.now
	r.sleep = c.sleep
	return r, l
}

func TestRetrier_Do(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		clock := newFakeClock()
		r, _ := newTestRetrier(clock)

		calls := 0
		err := r.Do(context.Background(), ClassPublic, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, clock.slept)
	})

	t.Run("retries transient failures with 1s then 2s backoff", func(t *testing.T) {
		clock := newFakeClock()
		r, _ := newTestRetrier(clock)

		calls := 0
		err := r.Do(context.Background(), ClassPublic, func() error {
			calls++
			if calls < 3 {
				return &NetworkError{Op: "test", Err: errors.New("connection reset")}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		require.Len(t, clock.slept, 2)
		assert.Equal(t, time.Second, clock.slept[0])
		assert.Equal(t, 2*time.Second, clock.slept[1])
	})

	t.Run("exactly three attempts on persistent failure", func(t *testing.T) {
		clock := newFakeClock()
		r, _ := newTestRetrier(clock)

		calls := 0
		wireErr := &NetworkError{Op: "test", Err: errors.New("timeout")}
		err := r.Do(context.Background(), ClassPublic, func() error {
			calls++
			return wireErr
		})
		assert.Equal(t, 3, calls)
		var ne *NetworkError
		require.ErrorAs(t, err, &ne)
		// Backoff only between attempts: 1s + 2s.
		require.Len(t, clock.slept, 2)
		assert.Equal(t, 3*time.Second, clock.slept[0]+clock.slept[1])
	})

	t.Run("fatal exchange error is not retried", func(t *testing.T) {
		clock := newFakeClock()
		r, _ := newTestRetrier(clock)

		calls := 0
		err := r.Do(context.Background(), ClassOrder, func() error {
			calls++
			return &ExchangeError{Code: "EOrder:Insufficient funds", Op: "AddOrder"}
		})
		assert.Equal(t, 1, calls)
		var ee *ExchangeError
		assert.ErrorAs(t, err, &ee)
		assert.Empty(t, clock.slept)
	})

	t.Run("schema failure is not retried", func(t *testing.T) {
		clock := newFakeClock()
		r, _ := newTestRetrier(clock)

		calls := 0
		err := r.Do(context.Background(), ClassPrivate, func() error {
			calls++
			return &SchemaError{Op: "Balance", Reason: "missing result"}
		})
		assert.Equal(t, 1, calls)
		var se *SchemaError
		assert.ErrorAs(t, err, &se)
	})

	t.Run("429 widens the class window before the next retry", func(t *testing.T) {
		clock := newFakeClock()
		r, l := newTestRetrier(clock)

		calls := 0
		err := r.Do(context.Background(), ClassOrder, func() error {
			calls++
			if calls == 1 {
				return &RateLimitedError{Class: ClassOrder}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 6*time.Second, l.Interval(ClassOrder))
	})

	t.Run("attempt timestamps are observable", func(t *testing.T) {
		clock := newFakeClock()
		r, _ := newTestRetrier(clock)

		var attempts []int
		var stamps []time.Time
		r.OnAttempt = func(_ EndpointClass, attempt int, at time.Time) {
			attempts = append(attempts, attempt)
			stamps = append(stamps, at)
		}
		_ = r.Do(context.Background(), ClassPublic, func() error {
			return &NetworkError{Op: "test", Err: errors.New("flaky")}
		})
		assert.Equal(t, []int{1, 2, 3}, attempts)
		require.Len(t, stamps, 3)
		assert.Equal(t, time.Second, stamps[1].Sub(stamps[0]))
		assert.Equal(t, 2*time.Second, stamps[2].Sub(stamps[1]))
	})

	t.Run("cancelled backoff aborts the wait", func(t *testing.T) {
		clock := newFakeClock()
		r, _ := newTestRetrier(clock)

		calls := 0
		clock.cancel = true
		err := r.Do(context.Background(), ClassPublic, func() error {
			calls++
			return &NetworkError{Op: "test", Err: errors.New("flaky")}
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, ErrAcquireCancelled)
	})
}

func TestClassifyKrakenError(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
		rateLimit bool
	}{
		{"EService:Unavailable", true, false},
		{"EService:Busy", true, false},
		{"EOrder:Insufficient funds", false, false},
		{"EOrder:Invalid price", false, false},
		{"EOrder:Invalid order", false, false},
		{"EGeneral:Invalid arguments", false, false},
		{"EAPI:Rate limit exceeded", true, true},
		{"EQuery:Unknown asset pair", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := ClassifyKrakenError(tt.code, "test")
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.rateLimit, IsRateLimited(err))
		})
	}
}
