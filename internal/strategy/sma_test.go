package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

type fakeAccount map[string]float64

func (a fakeAccount) Available(asset string) float64 { return a[asset] }

func btcusd() market.PairInfo {
	return market.PairInfo{
		Symbol:        "BTC/USD",
		Base:          "BTC",
		Quote:         "USD",
		MinOrderSize:  0.0001,
		PriceDecimals: 1,
		QtyDecimals:   8,
	}
}

func window(prices ...float64) []market.Tick {
	ticks := make([]market.Tick, len(prices))
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	for i, p := range prices {
		ticks[i] = market.Tick{
			Symbol:    "BTC/USD",
			Price:     p,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return ticks
}

func newTestSMA() *SMACrossover {
	return NewSMACrossover("BTC/USD", btcusd(), Params{
		ShortWindow:     2,
		LongWindow:      3,
		PositionSizePct: 10,
	})
}

func TestSMACrossoverBullishCross(t *testing.T) {
	s := newTestSMA()
	account := fakeAccount{"USD": 1000}

	intents, err := s.OnTicks(window(100, 100, 100, 90, 120), account)
	require.NoError(t, err)
	require.Len(t, intents, 1)

	got := intents[0]
	assert.Equal(t, order.SideBuy, got.Side)
	assert.Equal(t, order.TypeMarket, got.Type)
	assert.Equal(t, "BTC/USD", got.Symbol)
	// 10% of 1000 USD at the last price of 120.
	assert.InDelta(t, 100.0/120, got.Quantity, 1e-8)
}

func TestSMACrossoverBearishCrossSellsPosition(t *testing.T) {
	s := newTestSMA()
	account := fakeAccount{"USD": 1000, "BTC": 0.5}

	intents, err := s.OnTicks(window(100, 100, 100, 110, 80), account)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, order.SideSell, intents[0].Side)
	assert.InDelta(t, 0.5, intents[0].Quantity, 1e-12)
}

func TestSMACrossoverFlatMarketHolds(t *testing.T) {
	s := newTestSMA()
	intents, err := s.OnTicks(window(100, 100, 100, 100, 100), fakeAccount{"USD": 1000})
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestSMACrossoverStrongTrendWithoutCross(t *testing.T) {
	s := newTestSMA()
	intents, err := s.OnTicks(window(100, 102, 104, 106, 108), fakeAccount{"USD": 1000})
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, order.SideBuy, intents[0].Side)
}

func TestSMACrossoverBelowWarmupHolds(t *testing.T) {
	s := newTestSMA()
	require.Equal(t, 4, s.WarmupPeriod())
	intents, err := s.OnTicks(window(100, 90, 120), fakeAccount{"USD": 1000})
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestSMACrossoverSkipsDustOrders(t *testing.T) {
	s := newTestSMA()

	t.Run("buy with empty quote balance", func(t *testing.T) {
		intents, err := s.OnTicks(window(100, 100, 100, 90, 120), fakeAccount{})
		require.NoError(t, err)
		assert.Empty(t, intents)
	})

	t.Run("sell with no position", func(t *testing.T) {
		intents, err := s.OnTicks(window(100, 100, 100, 110, 80), fakeAccount{"USD": 1000})
		require.NoError(t, err)
		assert.Empty(t, intents)
	})
}

func TestStrategyRegistry(t *testing.T) {
	s, err := New("sma-crossover", "BTC/USD", btcusd(), Params{})
	require.NoError(t, err)
	assert.Equal(t, "SMA Crossover", s.Name())

	_, err = New("bogus", "BTC/USD", btcusd(), Params{})
	require.Error(t, err)
}
