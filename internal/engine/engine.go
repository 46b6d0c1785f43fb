// Package engine owns the order lifecycle: the state machine, the balance
// ledger, and the two execution backends (simulated and live) behind one
// Executor contract. Drivers never mutate orders or balances directly.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

// Executor is the execution contract shared by every mode. A strategy
// validated against the simulated backend observes identical lifecycle
// semantics against the live one, modulo real network failure modes.
type Executor interface {
	// Submit validates the intent, reserves funds, and opens an order.
	// Validation failures cause no state change. A submission failure after
	// funds were reserved rolls the reservation back atomically.
	Submit(ctx context.Context, intent order.Intent) (string, error)
	// Cancel is legal only while the order is open.
	Cancel(ctx context.Context, orderID string) error
	Get(orderID string) (order.Order, bool)
	OpenOrders() []order.Order
	Orders() []order.Order
	Balances() []market.Balance
}

// TickExecutor is the simulated backend's clock: each tick advances
// simulated time and evaluates open orders for fills.
type TickExecutor interface {
	Executor
	OnTick(tick market.Tick) error
}

// LiveExecutor reconciles local order state with the exchange's
// authoritative state.
type LiveExecutor interface {
	Executor
	Reconcile(ctx context.Context) error
}

// clientIDCounter seeds idempotency tokens. Kraken userrefs are 32-bit
// integers, so tokens stay within that range.
var clientIDCounter atomic.Int64

func init() {
	clientIDCounter.Store(time.Now().Unix() % 1_000_000 * 1000)
}

// nextClientID returns a fresh idempotency token.
func nextClientID() string {
	return fmt.Sprintf("%d", clientIDCounter.Add(1)&0x7FFFFFFF)
}

// reservation computes what a new order must lock in the ledger: the base
// asset for sells, the quote cost (plus commission) for buys.
func reservation(info market.PairInfo, intent order.Intent, refPrice, commissionPct float64) (asset string, amount float64, err error) {
	if intent.Side == order.SideSell {
		return info.Base, intent.Quantity, nil
	}
	price := intent.LimitPrice
	if price <= 0 {
		price = refPrice
	}
	if price <= 0 {
		return "", 0, fmt.Errorf("no reference price available for market buy on %s", intent.Symbol)
	}
	cost := intent.Quantity * price
	return info.Quote, cost * (1 + commissionPct/100), nil
}

// crossesFavorably reports whether a tick price lets an order fill without
// violating its constraint: market orders always fill, limit buys at price
// <= limit, limit sells at price >= limit; stop orders trigger on the
// unfavorable crossing, take-profits on the favorable one.
func crossesFavorably(o *order.Order, price float64) bool {
	switch o.Type {
	case order.TypeMarket:
		return true
	case order.TypeLimit, order.TypeTakeProfit, order.TypeTakeProfitLimit:
		if o.Side == order.SideBuy {
			return price <= o.LimitPrice
		}
		return price >= o.LimitPrice
	case order.TypeStopLoss, order.TypeStopLossLimit:
		if o.Side == order.SideBuy {
			return price >= o.LimitPrice
		}
		return price <= o.LimitPrice
	}
	return false
}
