package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

// MemoryStorage is the in-memory Storage used by backtests and tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	orders map[string]order.Order
	ticks  map[string][]market.Tick
	events []Event
	nextID int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]order.Order),
		ticks:  make(map[string][]market.Tick),
	}
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) SaveOrder(ctx context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (m *MemoryStorage) GetOrders(ctx context.Context, symbol string, start, end time.Time) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.CreatedAt.Before(start) && !o.CreatedAt.After(end) {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func sortOrders(orders []order.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

func (m *MemoryStorage) SaveTicks(ctx context.Context, ticks []market.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ticks {
		if err := t.Validate(); err != nil {
			return err
		}
		m.ticks[t.Symbol] = append(m.ticks[t.Symbol], t)
	}
	return nil
}

func (m *MemoryStorage) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]market.Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []market.Tick
	for _, t := range m.ticks[symbol] {
		if !t.Timestamp.Before(start) && !t.Timestamp.After(end) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if !e.Time.Before(start) && !e.Time.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}
