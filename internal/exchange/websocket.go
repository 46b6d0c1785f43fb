package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/utils"
	"github.com/gorilla/websocket"
)

const krakenWSURL = "wss://ws.kraken.com/v2"

// TickerFeed streams real-time ticker updates for a set of pairs over the
// exchange's public websocket. Updates arrive on a buffered channel; slow
// consumers drop the oldest pending tick rather than stalling the reader.
// Reconnects follow the REST backoff schedule but are unbounded in
// attempts, until the caller cancels.
type TickerFeed struct {
	url     string
	symbols []string
	out     chan market.Tick

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
}

// NewTickerFeed creates a feed for the given pairs ("BTC/USD" form).
func NewTickerFeed(symbols []string) *TickerFeed {
	return &TickerFeed{
		url:     krakenWSURL,
		symbols: symbols,
		out:     make(chan market.Tick, 256),
	}
}

// Ticks is the stream of incoming ticker updates. Closed when the feed
// shuts down.
func (f *TickerFeed) Ticks() <-chan market.Tick { return f.out }

// IsConnected reports whether the websocket is currently up.
func (f *TickerFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Start runs the connect/read loop until ctx is cancelled.
func (f *TickerFeed) Start(ctx context.Context) {
	go func() {
		defer close(f.out)
		backoff := retryBaseDelay
		for {
			if ctx.Err() != nil {
				return
			}
			if err := f.runOnce(ctx); err != nil {
				utils.GetLogger().Printf("TickerFeed | connection lost: %v, reconnecting in %v", err, backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryMaxDelay {
				backoff = retryMaxDelay
			}
		}
	}()
}

type wsSubscribeMsg struct {
	Method string `json:"method"`
	Params struct {
		Channel string   `json:"channel"`
		Symbol  []string `json:"symbol"`
	} `json:"params"`
}

type wsTickerMsg struct {
	Channel string `json:"channel"`
	Data    []struct {
		Symbol string  `json:"symbol"`
		Last   float64 `json:"last"`
		Volume float64 `json:"volume"`
	} `json:"data"`
}

func (f *TickerFeed) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.setConn(conn, true)
	defer f.setConn(nil, false)
	defer conn.Close()

	sub := wsSubscribeMsg{Method: "subscribe"}
	sub.Params.Channel = "ticker"
	sub.Params.Symbol = f.symbols
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg wsTickerMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.Channel != "ticker" {
			continue
		}
		for _, d := range msg.Data {
			if d.Last <= 0 {
				continue
			}
			tick := market.Tick{
				Symbol:    d.Symbol,
				Price:     d.Last,
				Volume:    d.Volume,
				Timestamp: time.Now().UTC(),
			}
			select {
			case f.out <- tick:
			default:
				// Drop the oldest pending tick to keep the stream fresh.
				select {
				case <-f.out:
				default:
				}
				select {
				case f.out <- tick:
				default:
				}
			}
		}
	}
}

func (f *TickerFeed) setConn(conn *websocket.Conn, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = conn
	f.connected = connected
}
