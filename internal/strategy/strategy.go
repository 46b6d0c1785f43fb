// Package strategy holds the trading strategies. A strategy is a pure
// function of its data window plus a read-only view of account balances;
// it never touches orders or the ledger directly.
package strategy

import (
	"fmt"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

// AccountView is the read-only balance access a strategy gets for sizing.
type AccountView interface {
	Available(asset string) float64
}

// Strategy is the interface for all trading strategies.
type Strategy interface {
	Name() string
	Pair() string
	// WarmupPeriod returns the number of ticks needed before the strategy
	// can produce signals.
	WarmupPeriod() int
	// OnTicks evaluates the data window (oldest first) and returns the
	// intents to submit, usually none.
	OnTicks(window []market.Tick, account AccountView) ([]order.Intent, error)
}

// Params carries the tunable knobs shared by the built-in strategies.
type Params struct {
	ShortWindow     int
	LongWindow      int
	PositionSizePct float64 // percent of the quote balance per buy
}

// New builds the strategy registered under id for one trading pair.
func New(id, pair string, info market.PairInfo, params Params) (Strategy, error) {
	switch id {
	case "sma-crossover", "":
		return NewSMACrossover(pair, info, params), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
}
