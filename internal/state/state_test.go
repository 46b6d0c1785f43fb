package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

func sampleSnapshot() *Snapshot {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	return &Snapshot{
		SavedAt: now,
		Mode:    "paper",
		Balances: []market.Balance{
			{Asset: "BTC", Available: 0.01},
			{Asset: "USD", Available: 500, Reserved: 100},
		},
		Orders: []order.Order{
			{
				ID:        "sim-1",
				ClientID:  "12345",
				Symbol:    "BTC/USD",
				Side:      order.SideBuy,
				Type:      order.TypeLimit,
				Quantity:  0.01,
				Status:    order.StatusFilled,
				FilledQty: 0.01,
				AvgPrice:  50000,
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		Pairs: map[string]market.PairInfo{
			"BTC/USD": {Symbol: "BTC/USD", Base: "BTC", Quote: "USD", MinOrderSize: 0.0001, PriceDecimals: 1, QtyDecimals: 8},
		},
	}
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading_state.json")
	m := NewManager(path)

	want := sampleSnapshot()
	require.NoError(t, m.Save(want))

	got, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Mode, got.Mode)
	assert.Equal(t, want.Balances, got.Balances)
	assert.Equal(t, want.Orders, got.Orders)
	assert.Equal(t, want.Pairs, got.Pairs)
}

func TestManagerLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.json"))
	got, err := m.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManagerSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "trading_state.json")
	m := NewManager(path)
	require.NoError(t, m.Save(sampleSnapshot()))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestManagerSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trading_state.json")
	m := NewManager(path)
	require.NoError(t, m.Save(sampleSnapshot()))
	require.NoError(t, m.Save(sampleSnapshot()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "trading_state.json", entries[0].Name())
}

func TestManagerLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewManager(path).Load()
	require.Error(t, err)
}
