package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter and retrier without real sleeps. Sleeping
// simply advances the clock.
type fakeClock struct {
	t      time.Time
	slept  []time.Duration
	cancel bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if c.cancel {
		return ErrAcquireCancelled
	}
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	return nil
}

func newTestLimiter(c *fakeClock) *Limiter {
	l := NewLimiter()
	l.now = c.now
	l.sleep = c.sleep
	return l
}

func TestLimiter_Acquire(t *testing.T) {
	t.Run("first acquire is immediate", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		granted, err := l.Acquire(context.Background(), ClassPublic)
		require.NoError(t, err)
		assert.Equal(t, clock.t, granted)
		assert.Empty(t, clock.slept)
	})

	t.Run("second acquire waits one interval", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		_, err := l.Acquire(context.Background(), ClassPublic)
		require.NoError(t, err)
		_, err = l.Acquire(context.Background(), ClassPublic)
		require.NoError(t, err)

		require.Len(t, clock.slept, 1)
		assert.Equal(t, time.Second, clock.slept[0])
	})

	t.Run("order class waits three seconds", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		_, err := l.Acquire(context.Background(), ClassOrder)
		require.NoError(t, err)
		_, err = l.Acquire(context.Background(), ClassOrder)
		require.NoError(t, err)

		require.Len(t, clock.slept, 1)
		assert.Equal(t, 3*time.Second, clock.slept[0])
	})

	t.Run("classes do not interfere", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		_, err := l.Acquire(context.Background(), ClassPublic)
		require.NoError(t, err)
		_, err = l.Acquire(context.Background(), ClassPrivate)
		require.NoError(t, err)

		assert.Empty(t, clock.slept)
	})

	t.Run("cancelled wait surfaces ErrAcquireCancelled", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		_, err := l.Acquire(context.Background(), ClassPublic)
		require.NoError(t, err)

		clock.cancel = true
		_, err = l.Acquire(context.Background(), ClassPublic)
		assert.ErrorIs(t, err, ErrAcquireCancelled)
	})
}

func TestLimiter_Widen(t *testing.T) {
	t.Run("widening doubles the window", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		assert.Equal(t, time.Second, l.Interval(ClassPublic))
		l.Widen(ClassPublic)
		assert.Equal(t, 2*time.Second, l.Interval(ClassPublic))
		l.Widen(ClassPublic)
		assert.Equal(t, 4*time.Second, l.Interval(ClassPublic))
	})

	t.Run("widening is capped", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		for i := 0; i < 10; i++ {
			l.Widen(ClassOrder)
		}
		assert.Equal(t, 3*time.Second*maxWidenFactor, l.Interval(ClassOrder))
	})

	t.Run("widening relaxes after cooldown", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		l.Widen(ClassPublic)
		assert.Equal(t, 2*time.Second, l.Interval(ClassPublic))

		clock.t = clock.t.Add(widenCooldown + time.Second)
		assert.Equal(t, time.Second, l.Interval(ClassPublic))
	})

	t.Run("widened window delays the next acquire", func(t *testing.T) {
		clock := newFakeClock()
		l := newTestLimiter(clock)

		_, err := l.Acquire(context.Background(), ClassPublic)
		require.NoError(t, err)
		l.Widen(ClassPublic)
		_, err = l.Acquire(context.Background(), ClassPublic)
		require.NoError(t, err)

		require.Len(t, clock.slept, 1)
		assert.Equal(t, 2*time.Second, clock.slept[0])
	})
}
