package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsPrivateRegistry(t *testing.T) {
	// Two instances must not collide on registration.
	require.NotPanics(t, func() {
		New()
		New()
	})
}

func TestObserveAttempt(t *testing.T) {
	m := New()

	m.ObserveAttempt("order", 1)
	m.ObserveAttempt("order", 2)
	m.ObserveAttempt("public", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("public")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("public")))
}

func TestObserveOutcome(t *testing.T) {
	m := New()
	m.ObserveOutcome("filled")
	m.ObserveOutcome("filled")
	m.ObserveOutcome("rejected")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrdersTotal.WithLabelValues("filled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersTotal.WithLabelValues("rejected")))
}

func TestObserveWait(t *testing.T) {
	m := New()
	m.ObserveWait(1500 * time.Millisecond)
	// One sample in the histogram.
	assert.Equal(t, 1, testutil.CollectAndCount(m.RateLimitWaits))
}
