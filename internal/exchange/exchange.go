// Package exchange implements the gateway to the trading venue: rate
// limiting per endpoint class, bounded retry with idempotent submission,
// the error taxonomy, and the Kraken REST and websocket clients.
package exchange

import (
	"context"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

// OrderStatus is the exchange's view of one order, as returned by submit
// and status queries.
type OrderStatus struct {
	RemoteID  string
	ClientID  string // idempotency token echoed back by the exchange
	Symbol    string
	Side      string
	Type      string
	Status    order.Status
	Price     float64
	Quantity  float64
	FilledQty float64
	AvgPrice  float64
	UpdatedAt time.Time
}

// Exchange is the gateway interface the live backend and tick sources
// depend on. Every implementation composes rate limiting, bounded retry,
// and response validation around the wire calls.
type Exchange interface {
	Name() string
	FetchTicker(ctx context.Context, symbol string) (market.Tick, error)
	FetchOHLCV(ctx context.Context, symbol string, interval time.Duration, since time.Time) ([]market.Tick, error)
	FetchBalances(ctx context.Context) (map[string]market.Balance, error)
	FetchPairs(ctx context.Context) (map[string]market.PairInfo, error)
	// SubmitOrder submits intent with the caller's idempotency token. After
	// an ambiguous network failure it must reconcile by token before
	// resubmitting; it never silently double-submits.
	SubmitOrder(ctx context.Context, intent order.Intent, clientID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, remoteID string) error
	GetOrderStatus(ctx context.Context, remoteID string) (OrderStatus, error)
	// FindOrderByClientID looks an order up by its idempotency token across
	// open and recently closed orders. Returns nil if no match exists.
	FindOrderByClientID(ctx context.Context, clientID string) (*OrderStatus, error)
}
