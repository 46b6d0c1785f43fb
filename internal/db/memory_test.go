package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

func sampleOrder(id string, status order.Status, created time.Time) order.Order {
	return order.Order{
		ID:        id,
		ClientID:  "100" + id,
		Symbol:    "BTC/USD",
		Side:      order.SideBuy,
		Type:      order.TypeLimit,
		Quantity:  0.01,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStorageOrders(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.SaveOrder(ctx, sampleOrder("a", order.StatusOpen, now)))
	require.NoError(t, m.SaveOrder(ctx, sampleOrder("b", order.StatusFilled, now.Add(time.Minute))))

	got, err := m.GetOrder(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.StatusOpen, got.Status)

	missing, err := m.GetOrder(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)

	open, err := m.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].ID)

	// Saving again with a new status overwrites.
	upd := sampleOrder("a", order.StatusCancelled, now)
	require.NoError(t, m.SaveOrder(ctx, upd))
	open, err = m.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := m.GetOrders(ctx, "BTC/USD", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID, "sorted by creation time")
}

func TestMemoryStorageTicks(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	ticks := []market.Tick{
		{Symbol: "BTC/USD", Price: 50100, Timestamp: base.Add(time.Minute)},
		{Symbol: "BTC/USD", Price: 50000, Timestamp: base},
		{Symbol: "ETH/USD", Price: 3000, Timestamp: base},
	}
	require.NoError(t, m.SaveTicks(ctx, ticks))

	got, err := m.GetTicks(ctx, "BTC/USD", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 50000.0, got[0].Price, "sorted by timestamp")
	assert.Equal(t, 50100.0, got[1].Price)

	require.Error(t, m.SaveTicks(ctx, []market.Tick{{Symbol: "BTC/USD"}}), "invalid tick rejected")
}

func TestMemoryStorageEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.LogEvent(ctx, Event{Time: now, Type: "order_submitted", OrderID: "a"}))
	require.NoError(t, m.LogEvent(ctx, Event{Time: now.Add(time.Minute), Type: "order_filled", OrderID: "a"}))

	events, err := m.GetEvents(ctx, now, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, "order_submitted", events[0].Type)
	assert.Equal(t, int64(2), events[1].ID)
}
