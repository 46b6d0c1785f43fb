package strategy

import (
	"math"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
)

const (
	defaultShortWindow = 10
	defaultLongWindow  = 30
	defaultPositionPct = 10

	// trendThreshold is the minimum absolute price change over the short
	// window to count as a strong trend.
	trendThreshold = 0.01
)

// SMACrossover trades moving-average crossovers: a bullish cross of the
// short MA over the long MA buys, a bearish cross sells the position.
// Between crossovers a strong trend aligned with the MA spread also
// triggers, so a restart mid-trend does not miss the move.
type SMACrossover struct {
	pair string
	info market.PairInfo

	shortWindow     int
	longWindow      int
	positionSizePct float64
}

func NewSMACrossover(pair string, info market.PairInfo, params Params) *SMACrossover {
	s := &SMACrossover{
		pair:            pair,
		info:            info,
		shortWindow:     params.ShortWindow,
		longWindow:      params.LongWindow,
		positionSizePct: params.PositionSizePct,
	}
	if s.shortWindow <= 0 {
		s.shortWindow = defaultShortWindow
	}
	if s.longWindow <= s.shortWindow {
		s.longWindow = defaultLongWindow
	}
	if s.positionSizePct <= 0 {
		s.positionSizePct = defaultPositionPct
	}
	return s
}

func (s *SMACrossover) Name() string { return "SMA Crossover" }
func (s *SMACrossover) Pair() string { return s.pair }

// WarmupPeriod needs one extra bar beyond the long window so the previous
// MA spread exists for crossover detection.
func (s *SMACrossover) WarmupPeriod() int { return s.longWindow + 1 }

func (s *SMACrossover) OnTicks(window []market.Tick, account AccountView) ([]order.Intent, error) {
	if len(window) < s.WarmupPeriod() {
		return nil, nil
	}

	last := len(window) - 1
	price := window[last].Price

	maDiff := s.sma(window, last, s.shortWindow) - s.sma(window, last, s.longWindow)
	prevDiff := s.sma(window, last-1, s.shortWindow) - s.sma(window, last-1, s.longWindow)

	signal := 0
	switch {
	case maDiff*prevDiff < 0: // the spread changed sign: a crossover
		if maDiff > 0 {
			signal = 1
		} else {
			signal = -1
		}
	default:
		prev := window[last-s.shortWindow].Price
		trend := (price - prev) / prev
		if math.Abs(trend) > trendThreshold {
			if trend > 0 && maDiff > 0 {
				signal = 1
			} else if trend < 0 && maDiff < 0 {
				signal = -1
			}
		}
	}

	switch signal {
	case 1:
		qty := s.info.RoundQty(account.Available(s.info.Quote) * s.positionSizePct / 100 / price)
		if qty < s.info.MinOrderSize {
			return nil, nil
		}
		return []order.Intent{{
			Symbol:   s.pair,
			Side:     order.SideBuy,
			Type:     order.TypeMarket,
			Quantity: qty,
		}}, nil
	case -1:
		// Close the whole position.
		qty := s.info.RoundQty(account.Available(s.info.Base))
		if qty < s.info.MinOrderSize {
			return nil, nil
		}
		return []order.Intent{{
			Symbol:   s.pair,
			Side:     order.SideSell,
			Type:     order.TypeMarket,
			Quantity: qty,
		}}, nil
	}
	return nil, nil
}

// sma averages the n closes ending at index end inclusive.
func (s *SMACrossover) sma(window []market.Tick, end, n int) float64 {
	sum := 0.0
	for i := end - n + 1; i <= end; i++ {
		sum += window[i].Price
	}
	return sum / float64(n)
}
