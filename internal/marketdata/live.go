package marketdata

import (
	"context"
	"io"
	"time"

	"github.com/amirphl/kraken-trader/internal/exchange"
	"github.com/amirphl/kraken-trader/internal/market"
)

// WSSource adapts the exchange websocket feed to the TickSource contract.
type WSSource struct {
	feed *exchange.TickerFeed
}

// NewWSSource starts the feed; it reconnects on its own until ctx ends.
func NewWSSource(ctx context.Context, symbols []string) *WSSource {
	feed := exchange.NewTickerFeed(symbols)
	feed.Start(ctx)
	return &WSSource{feed: feed}
}

func (s *WSSource) Next(ctx context.Context) (market.Tick, error) {
	select {
	case <-ctx.Done():
		return market.Tick{}, ctx.Err()
	case tick, ok := <-s.feed.Ticks():
		if !ok {
			return market.Tick{}, io.EOF
		}
		return tick, nil
	}
}

// PollSource fetches tickers through the gateway on a fixed interval,
// rotating over the configured pairs. Fallback for when the websocket
// feed is unavailable.
type PollSource struct {
	ex       exchange.Exchange
	symbols  []string
	interval time.Duration
	next     int
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewPollSource(ex exchange.Exchange, symbols []string, interval time.Duration) *PollSource {
	return &PollSource{
		ex:       ex,
		symbols:  symbols,
		interval: interval,
		sleep:    sleepCtx,
	}
}

func (s *PollSource) Next(ctx context.Context) (market.Tick, error) {
	if len(s.symbols) == 0 {
		return market.Tick{}, io.EOF
	}
	symbol := s.symbols[s.next%len(s.symbols)]
	// Wait the interval once per full rotation.
	if s.next > 0 && s.next%len(s.symbols) == 0 {
		if err := s.sleep(ctx, s.interval); err != nil {
			return market.Tick{}, err
		}
	}
	s.next++
	return s.ex.FetchTicker(ctx, symbol)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
