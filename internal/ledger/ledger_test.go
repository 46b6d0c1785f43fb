package ledger

import (
	"sync"
	"testing"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ReserveReleaseSettle(t *testing.T) {
	t.Run("reserve moves funds out of available", func(t *testing.T) {
		l := New(map[string]float64{"USD": 1000})
		require.NoError(t, l.Reserve("USD", 500))

		b := l.Get("USD")
		assert.Equal(t, 500.0, b.Available)
		assert.Equal(t, 500.0, b.Reserved)
		assert.Equal(t, 1000.0, b.Total())
	})

	t.Run("reserve fails without mutation on insufficient funds", func(t *testing.T) {
		l := New(map[string]float64{"USD": 100})
		require.Error(t, l.Reserve("USD", 101))

		b := l.Get("USD")
		assert.Equal(t, 100.0, b.Available)
		assert.Equal(t, 0.0, b.Reserved)
	})

	t.Run("release restores pre-reservation balances", func(t *testing.T) {
		l := New(map[string]float64{"USD": 1000})
		require.NoError(t, l.Reserve("USD", 500))
		require.NoError(t, l.Release("USD", 500))

		b := l.Get("USD")
		assert.Equal(t, 1000.0, b.Available)
		assert.Equal(t, 0.0, b.Reserved)
	})

	t.Run("release cannot exceed the reservation", func(t *testing.T) {
		l := New(map[string]float64{"USD": 1000})
		require.NoError(t, l.Reserve("USD", 100))
		assert.Error(t, l.Release("USD", 200))
	})

	t.Run("settle debits reservation and credits the other asset", func(t *testing.T) {
		l := New(map[string]float64{"USD": 1000})
		require.NoError(t, l.Reserve("USD", 500))
		require.NoError(t, l.Settle("USD", 500, "BTC", 0.01))

		usd := l.Get("USD")
		btc := l.Get("BTC")
		assert.Equal(t, 500.0, usd.Available)
		assert.Equal(t, 0.0, usd.Reserved)
		assert.Equal(t, 0.01, btc.Available)
	})

	t.Run("settle consumes the reservation exactly once", func(t *testing.T) {
		l := New(map[string]float64{"USD": 1000})
		require.NoError(t, l.Reserve("USD", 500))
		require.NoError(t, l.Settle("USD", 500, "BTC", 0.01))
		assert.Error(t, l.Settle("USD", 500, "BTC", 0.01))
	})
}

// The available + reserved == total invariant must hold across any
// interleaving of reserve, release, and settle.
func TestLedger_InvariantUnderConcurrency(t *testing.T) {
	l := New(map[string]float64{"USD": 10000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve("USD", 100); err != nil {
				return
			}
			if err := l.Settle("USD", 100, "BTC", 0.002); err != nil {
				_ = l.Release("USD", 100)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve("USD", 50); err != nil {
				return
			}
			_ = l.Release("USD", 50)
		}()
	}
	wg.Wait()

	usd := l.Get("USD")
	btc := l.Get("BTC")
	// Every reservation was either settled or released: nothing dangling.
	assert.Equal(t, 0.0, usd.Reserved)
	// USD spent converts to BTC at the fixed test ratio.
	spent := 10000.0 - usd.Available
	assert.InDelta(t, spent/100*0.002, btc.Available, 1e-9)
}

func TestLedger_SetAllAndSnapshot(t *testing.T) {
	l := New(map[string]float64{"USD": 1})
	l.SetAll(map[string]market.Balance{
		"BTC": {Asset: "BTC", Available: 0.5, Reserved: 0.1},
		"USD": {Asset: "USD", Available: 900, Reserved: 100},
	})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "BTC", snap[0].Asset)
	assert.Equal(t, 0.6, snap[0].Total())
	assert.Equal(t, "USD", snap[1].Asset)
	assert.Equal(t, 1000.0, snap[1].Total())
}
