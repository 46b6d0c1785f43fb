package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/amirphl/kraken-trader/internal/utils"
)

// EndpointClass groups exchange endpoints that share a quota.
type EndpointClass string

const (
	ClassPublic    EndpointClass = "public"     // ticker and misc public endpoints
	ClassPrivate   EndpointClass = "private"    // balances, order queries
	ClassOrder     EndpointClass = "order"      // order placement/cancel
	ClassAssetPair EndpointClass = "asset-pair" // pair metadata
	ClassOHLC      EndpointClass = "ohlc"       // candle history
)

// Base quota intervals per endpoint class. These are fixed configuration:
// public <= 1 req/s, private and order placement <= 1 req per 3s.
var classIntervals = map[EndpointClass]time.Duration{
	ClassPublic:    time.Second,
	ClassPrivate:   3 * time.Second,
	ClassOrder:     3 * time.Second,
	ClassAssetPair: time.Second,
	ClassOHLC:      time.Second,
}

const (
	// A widened window never exceeds 8x the base interval.
	maxWidenFactor = 8
	// How long a widening persists before the window relaxes back.
	widenCooldown = time.Minute
)

type classState struct {
	lastGrant   time.Time
	widenFactor int
	widenedAt   time.Time
}

// Limiter is a per-endpoint-class request window tracker. Acquire never
// drops a request, it only delays; callers must be prepared to wait up to
// one quota interval (more after the exchange has rate limited us).
type Limiter struct {
	mu      sync.Mutex
	classes map[EndpointClass]*classState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// OnWait, when set, observes time spent blocked in Acquire. Set it
	// before the limiter is shared.
	OnWait func(class EndpointClass, waited time.Duration)
}

// NewLimiter creates a limiter covering all endpoint classes.
func NewLimiter() *Limiter {
	l := &Limiter{
		classes: make(map[EndpointClass]*classState, len(classIntervals)),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for class := range classIntervals {
		l.classes[class] = &classState{}
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrAcquireCancelled
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until issuing a request for class would not exceed its
// quota, then records the grant and returns its timestamp. A cancelled
// context aborts the wait with ErrAcquireCancelled.
func (l *Limiter) Acquire(ctx context.Context, class EndpointClass) (time.Time, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		st, ok := l.classes[class]
		if !ok {
			st = &classState{}
			l.classes[class] = st
		}
		interval := l.intervalLocked(class, st)
		now := l.now()
		wait := st.lastGrant.Add(interval).Sub(now)
		if wait <= 0 {
			st.lastGrant = now
			l.mu.Unlock()
			if l.OnWait != nil {
				l.OnWait(class, waited)
			}
			return now, nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return time.Time{}, err
		}
		waited += wait
	}
}

// Widen doubles the effective window for class, capped at maxWidenFactor
// times the base interval. Called by the retry controller after the
// exchange answers 429, before the next retry.
func (l *Limiter) Widen(class EndpointClass) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.classes[class]
	if !ok {
		st = &classState{}
		l.classes[class] = st
	}
	if st.widenFactor == 0 {
		st.widenFactor = 2
	} else if st.widenFactor < maxWidenFactor {
		st.widenFactor *= 2
	}
	st.widenedAt = l.now()
	utils.GetLogger().Printf("RateLimiter | widened %s window to %dx after exchange backpressure", class, st.widenFactor)
}

// Interval reports the current effective interval for class.
func (l *Limiter) Interval(class EndpointClass) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.classes[class]
	if !ok {
		return classIntervals[class]
	}
	return l.intervalLocked(class, st)
}

// intervalLocked resolves the effective interval, relaxing any stale
// widening. Must be called with the mutex held.
func (l *Limiter) intervalLocked(class EndpointClass, st *classState) time.Duration {
	base := classIntervals[class]
	if base == 0 {
		base = time.Second
	}
	if st.widenFactor > 1 && l.now().Sub(st.widenedAt) > widenCooldown {
		st.widenFactor = 0
	}
	if st.widenFactor > 1 {
		return base * time.Duration(st.widenFactor)
	}
	return base
}
