// Package order defines the order record, its intent form, and the
// lifecycle state machine.
package order

import (
	"fmt"
	"time"
)

// Side of an order.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Supported order types.
const (
	TypeMarket          = "market"
	TypeLimit           = "limit"
	TypeStopLoss        = "stop-loss"
	TypeTakeProfit      = "take-profit"
	TypeStopLossLimit   = "stop-loss-limit"
	TypeTakeProfitLimit = "take-profit-limit"
)

// Source tags who executed the order.
const (
	SourceSimulated = "simulated"
	SourceLive      = "live"
)

// Status is a stage in the order lifecycle.
type Status string

const (
	StatusCreated         Status = "created"
	StatusValidated       Status = "validated"
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially-filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// transitions lists the legal next states for each status. Terminal states
// have no successors; there is no resurrecting a closed order.
var transitions = map[Status][]Status{
	StatusCreated:         {StatusValidated, StatusRejected},
	StatusValidated:       {StatusOpen, StatusRejected},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// IsTerminal reports whether s is a closed state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order is working on the book.
func (s Status) IsOpen() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// CanTransition reports whether s -> to is a legal lifecycle step.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Intent is a strategy-produced request to trade. It carries no identity;
// the lifecycle engine assigns one on acceptance.
type Intent struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Quantity   float64 `json:"quantity"`
	LimitPrice float64 `json:"limit_price,omitempty"` // required for limit types
}

// Order is the lifecycle engine's record of an accepted intent. It is
// mutated only through Transition and ApplyFill, never directly by drivers.
type Order struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"client_id"`           // idempotency token sent with submission
	RemoteID   string  `json:"remote_id,omitempty"` // exchange-assigned id (live orders)
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Quantity   float64 `json:"quantity"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	Status     Status  `json:"status"`
	// ReservedAsset/ReservedAmount record what the ledger holds against
	// this order while it is open, so release and settlement are exact.
	ReservedAsset  string    `json:"reserved_asset,omitempty"`
	ReservedAmount float64   `json:"reserved_amount,omitempty"`
	FilledQty      float64   `json:"filled_qty"`
	AvgPrice       float64   `json:"avg_price"`
	Source         string    `json:"source"` // simulated or live
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transition moves the order to a new status, enforcing monotonicity.
func (o *Order) Transition(to Status, at time.Time) error {
	if o.Status == to {
		return nil
	}
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("illegal order transition %s -> %s for %s", o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// ApplyFill records quantity filled at price and transitions to
// PartiallyFilled or Filled. Filled quantity never exceeds the requested
// quantity.
func (o *Order) ApplyFill(qty, price float64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("fill quantity must be positive for %s", o.ID)
	}
	if o.FilledQty+qty > o.Quantity+1e-12 {
		return fmt.Errorf("fill exceeds order quantity for %s: %f + %f > %f", o.ID, o.FilledQty, qty, o.Quantity)
	}
	// Volume-weighted average across fills.
	o.AvgPrice = (o.AvgPrice*o.FilledQty + price*qty) / (o.FilledQty + qty)
	o.FilledQty += qty
	if o.Quantity-o.FilledQty <= 1e-12 {
		o.FilledQty = o.Quantity
		return o.Transition(StatusFilled, at)
	}
	return o.Transition(StatusPartiallyFilled, at)
}

// Remaining is the unfilled portion.
func (o *Order) Remaining() float64 { return o.Quantity - o.FilledQty }

// Validate checks the intent-level fields of an order request.
func (i Intent) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("intent has no symbol")
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("invalid side %q", i.Side)
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %f", i.Quantity)
	}
	switch i.Type {
	case TypeMarket:
	case TypeLimit, TypeStopLossLimit, TypeTakeProfitLimit:
		if i.LimitPrice <= 0 {
			return fmt.Errorf("limit price required for %s orders", i.Type)
		}
	case TypeStopLoss, TypeTakeProfit:
		if i.LimitPrice <= 0 {
			return fmt.Errorf("trigger price required for %s orders", i.Type)
		}
	default:
		return fmt.Errorf("unsupported order type %q", i.Type)
	}
	return nil
}
