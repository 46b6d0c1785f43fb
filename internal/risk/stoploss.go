// Package risk implements position protection: fixed and trailing stops.
package risk

import (
	"github.com/amirphl/kraken-trader/internal/utils"
)

// StopLossConfig tunes the stop-loss manager. A zero TrailingStopPct
// disables trailing; activation requires both trailing knobs set.
type StopLossConfig struct {
	FixedStopPct          float64 `yaml:"fixed_stop_pct"`
	MaxLossPct            float64 `yaml:"max_loss_pct"`
	TrailingStopPct       float64 `yaml:"trailing_stop_pct"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
}

// StopLoss tracks one long position. The stop starts FixedStopPct below
// entry; once profit reaches TrailingActivationPct the stop trails the
// highest seen price by TrailingStopPct, only ever moving up.
type StopLoss struct {
	cfg StopLossConfig

	tracking       bool
	entryPrice     float64
	highestPrice   float64
	stopPrice      float64
	trailingActive bool
}

// Update is the result of feeding one price to the manager.
type Update struct {
	StopPrice      float64
	Triggered      bool
	TrailingActive bool
	HighestPrice   float64
}

func NewStopLoss(cfg StopLossConfig) *StopLoss {
	if cfg.MaxLossPct <= 0 {
		cfg.MaxLossPct = 2.0
	}
	return &StopLoss{cfg: cfg}
}

// Track starts protecting a position entered at entryPrice and returns the
// initial stop price.
func (s *StopLoss) Track(entryPrice float64) float64 {
	s.tracking = true
	s.entryPrice = entryPrice
	s.highestPrice = entryPrice
	s.stopPrice = entryPrice * (1 - s.cfg.FixedStopPct/100)
	s.trailingActive = false
	utils.GetLogger().Printf("Risk | tracking position: entry %.10g, stop %.10g", entryPrice, s.stopPrice)
	return s.stopPrice
}

// Clear stops tracking, after the position is closed.
func (s *StopLoss) Clear() {
	*s = StopLoss{cfg: s.cfg}
}

// Tracking reports whether a position is currently protected.
func (s *StopLoss) Tracking() bool { return s.tracking }

// Update feeds the latest price and reports the current stop state.
func (s *StopLoss) Update(price float64) Update {
	if !s.tracking {
		return Update{}
	}

	if price > s.highestPrice {
		s.highestPrice = price

		if !s.trailingActive && s.cfg.TrailingStopPct > 0 && s.cfg.TrailingActivationPct > 0 {
			profitPct := (price - s.entryPrice) / s.entryPrice * 100
			if profitPct >= s.cfg.TrailingActivationPct {
				s.trailingActive = true
				utils.GetLogger().Printf("Risk | trailing stop activated at %.10g", price)
			}
		}
	}

	if s.trailingActive {
		if newStop := s.highestPrice * (1 - s.cfg.TrailingStopPct/100); newStop > s.stopPrice {
			s.stopPrice = newStop
		}
	}

	return Update{
		StopPrice:      s.stopPrice,
		Triggered:      price <= s.stopPrice,
		TrailingActive: s.trailingActive,
		HighestPrice:   s.highestPrice,
	}
}

// MaxPositionSize caps a new position so the fixed stop loses at most
// MaxLossPct of balance.
func (s *StopLoss) MaxPositionSize(balance, price float64) float64 {
	maxLoss := balance * (s.cfg.MaxLossPct / 100)
	priceToStop := price * (s.cfg.FixedStopPct / 100)
	if priceToStop <= 0 {
		return 0
	}
	return maxLoss / priceToStop
}
