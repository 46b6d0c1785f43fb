// Package db persists orders, tick history, and the event journal.
package db

import (
	"context"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

// Event is one journaled occurrence: a submission, fill, cancellation,
// conflict, or halt.
type Event struct {
	ID      int64          `json:"id"`
	Time    time.Time      `json:"time"`
	Type    string         `json:"type"`
	OrderID string         `json:"order_id,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Storage is the interface for all persistent storage.
type Storage interface {
	SaveOrder(ctx context.Context, o order.Order) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	GetOpenOrders(ctx context.Context) ([]order.Order, error)
	GetOrders(ctx context.Context, symbol string, start, end time.Time) ([]order.Order, error)

	SaveTicks(ctx context.Context, ticks []market.Tick) error
	GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]market.Tick, error)

	LogEvent(ctx context.Context, e Event) error
	GetEvents(ctx context.Context, start, end time.Time) ([]Event, error)

	Close() error
}
