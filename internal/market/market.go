// Package market holds the shared market-data types: ticks, balances, and
// pair metadata.
package market

import (
	"errors"
	"math"
	"time"
)

// Tick represents one unit of market data: either a trade tick (last price)
// or a closed OHLCV bar from historical replay. Immutable once produced.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"` // last price; for bars this is the close
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that a tick carries usable data.
func (t *Tick) Validate() error {
	if t.Timestamp.IsZero() {
		return errors.New("tick timestamp is zero")
	}
	if t.Symbol == "" {
		return errors.New("tick symbol cannot be empty")
	}
	if t.Price <= 0 {
		return errors.New("tick price must be positive")
	}
	if t.High > 0 && t.Low > 0 && t.High < t.Low {
		return errors.New("tick high cannot be less than low")
	}
	return nil
}

// Balance represents an asset balance.
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"` // free for new orders
	Reserved  float64 `json:"reserved"`  // locked against open orders
}

// Total is always available + reserved.
func (b Balance) Total() float64 { return b.Available + b.Reserved }

// PairInfo is the exchange-owned metadata for a trading pair. Read-only to
// consumers.
type PairInfo struct {
	Symbol        string  `json:"symbol"` // e.g. "BTC/USD"
	Base          string  `json:"base"`
	Quote         string  `json:"quote"`
	MinOrderSize  float64 `json:"min_order_size"` // in base asset
	PriceDecimals int     `json:"price_decimals"`
	QtyDecimals   int     `json:"qty_decimals"`
}

// gridEps is the relative tolerance for decimal-grid comparisons. Scaling
// by a power of ten lands a hair off the integer grid (0.29*1e8 is just
// under 29e6), so exact comparison misrepresents representable values.
const gridEps = 1e-9

// onGrid reports whether v sits on the integer grid after scaling to the
// given number of decimals, within gridEps.
func onGrid(v float64, decimals int) bool {
	scaled := v * math.Pow10(decimals)
	return math.Abs(scaled-math.Round(scaled)) <= gridEps*math.Max(1, math.Abs(scaled))
}

// truncDecimals truncates v to the given number of decimals. Values already
// on the grid pass through unchanged.
func truncDecimals(v float64, decimals int) float64 {
	pow := math.Pow10(decimals)
	scaled := v * pow
	if nearest := math.Round(scaled); math.Abs(scaled-nearest) <= gridEps*math.Max(1, math.Abs(scaled)) {
		scaled = nearest
	}
	return math.Trunc(scaled) / pow
}

// RoundPrice truncates a price to the pair's price precision.
func (p PairInfo) RoundPrice(price float64) float64 {
	return truncDecimals(price, p.PriceDecimals)
}

// ConformsPrice reports whether price already respects the pair's precision.
func (p PairInfo) ConformsPrice(price float64) bool {
	return onGrid(price, p.PriceDecimals)
}

// RoundQty truncates a quantity to the pair's quantity precision.
func (p PairInfo) RoundQty(qty float64) float64 {
	return truncDecimals(qty, p.QtyDecimals)
}

// ConformsQty reports whether qty already respects the pair's quantity
// precision.
func (p PairInfo) ConformsQty(qty float64) bool {
	return onGrid(qty, p.QtyDecimals)
}
