package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/kraken-trader/internal/exchange"
	"github.com/amirphl/kraken-trader/internal/ledger"
	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
	"github.com/amirphl/kraken-trader/internal/utils"
)

// Simulated is the virtual-funds backend used by paper trading and
// backtesting. Fills are evaluated per tick: market orders fill immediately
// and fully at the tick price, limit orders fill fully the instant the
// price crosses favorably. No partial fills, no slippage, no book depth.
type Simulated struct {
	mu sync.Mutex

	ledger    *ledger.Ledger
	pairs     map[string]market.PairInfo
	orders    map[string]*order.Order
	lastPrice map[string]float64

	// commissionPct is charged in the quote asset at fill time: buys pay
	// cost*(1+pct/100), sells receive proceeds*(1-pct/100). Zero by default.
	commissionPct float64

	seq int64
	now func() time.Time
}

// NewSimulated creates a simulated backend over the given pair metadata and
// an initial ledger.
func NewSimulated(pairs map[string]market.PairInfo, led *ledger.Ledger, commissionPct float64) *Simulated {
	return &Simulated{
		ledger:        led,
		pairs:         pairs,
		orders:        make(map[string]*order.Order),
		lastPrice:     make(map[string]float64),
		commissionPct: commissionPct,
		now:           time.Now,
	}
}

// Restore re-seeds the order set from a persisted snapshot.
func (s *Simulated) Restore(orders []order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range orders {
		o := orders[i]
		s.orders[o.ID] = &o
	}
	s.seq = int64(len(s.orders))
}

func (s *Simulated) Submit(ctx context.Context, intent order.Intent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.pairs[intent.Symbol]
	if !ok {
		return "", &exchange.ValidationError{Field: "symbol", Reason: fmt.Sprintf("unknown trading pair %q", intent.Symbol)}
	}
	if err := exchange.ValidateIntent(info, intent); err != nil {
		return "", err
	}

	asset, amount, err := reservation(info, intent, s.lastPrice[intent.Symbol], s.commissionPct)
	if err != nil {
		return "", &exchange.ValidationError{Field: "price", Reason: err.Error()}
	}

	now := s.now().UTC()
	s.seq++
	o := &order.Order{
		ID:             fmt.Sprintf("sim-%d", s.seq),
		ClientID:       nextClientID(),
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Quantity:       intent.Quantity,
		LimitPrice:     intent.LimitPrice,
		Status:         order.StatusCreated,
		ReservedAsset:  asset,
		ReservedAmount: amount,
		Source:         order.SourceSimulated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.Transition(order.StatusValidated, now); err != nil {
		return "", err
	}

	// Reservation and order creation are atomic under the engine lock.
	if err := s.ledger.Reserve(asset, amount); err != nil {
		return "", &exchange.ValidationError{Field: "funds", Reason: err.Error()}
	}
	if err := o.Transition(order.StatusOpen, now); err != nil {
		// Never leave a reservation dangling against a non-existent order.
		if rerr := s.ledger.Release(asset, amount); rerr != nil {
			utils.GetLogger().Printf("Engine | failed to roll back reservation for %s: %v", o.ID, rerr)
		}
		return "", err
	}
	s.orders[o.ID] = o
	return o.ID, nil
}

func (s *Simulated) Cancel(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !o.Status.IsOpen() {
		return fmt.Errorf("cannot cancel order %s in state %s", orderID, o.Status)
	}
	if err := o.Transition(order.StatusCancelled, s.now().UTC()); err != nil {
		return err
	}
	if err := s.ledger.Release(o.ReservedAsset, o.ReservedAmount); err != nil {
		return fmt.Errorf("releasing reservation for %s: %w", orderID, err)
	}
	o.ReservedAmount = 0
	return nil
}

// OnTick advances simulated time and evaluates every open order for the
// tick's pair. Tick processing is sequential: fill outcomes depend on the
// balances left by the previous tick.
func (s *Simulated) OnTick(tick market.Tick) error {
	if err := tick.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPrice[tick.Symbol] = tick.Price

	// Deterministic evaluation order.
	ids := make([]string, 0, len(s.orders))
	for id, o := range s.orders {
		if o.Symbol == tick.Symbol && o.Status.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := s.orders[id]
		if !crossesFavorably(o, tick.Price) {
			continue
		}
		if err := s.fill(o, tick.Price, tick.Timestamp); err != nil {
			return fmt.Errorf("filling %s: %w", id, err)
		}
	}
	return nil
}

// fill settles a full fill at price: debit the paying asset from its
// reservation, credit the received asset, release any reservation excess.
// A buy never debits past its reservation; when the tick price exceeds the
// reservation reference (market buy, price rose between submit and fill),
// the fill price is capped so the recorded AvgPrice matches the cash spent.
func (s *Simulated) fill(o *order.Order, price float64, at time.Time) error {
	info := s.pairs[o.Symbol]
	qty := o.Remaining()
	reserved := o.ReservedAmount

	if o.Side == order.SideBuy {
		cost := qty * price * (1 + s.commissionPct/100)
		if cost > reserved {
			cost = reserved
			price = cost / (qty * (1 + s.commissionPct/100))
		}
		if err := o.ApplyFill(qty, price, at); err != nil {
			return err
		}
		if err := s.ledger.Settle(o.ReservedAsset, cost, info.Base, qty); err != nil {
			return err
		}
		// A limit buy that filled below its limit releases the excess.
		if excess := reserved - cost; excess > 1e-12 {
			if err := s.ledger.Release(o.ReservedAsset, excess); err != nil {
				return err
			}
		}
	} else {
		if err := o.ApplyFill(qty, price, at); err != nil {
			return err
		}
		proceeds := qty * price * (1 - s.commissionPct/100)
		if err := s.ledger.Settle(o.ReservedAsset, qty, info.Quote, proceeds); err != nil {
			return err
		}
	}
	o.ReservedAmount = 0
	utils.GetLogger().Printf("Engine | simulated fill: %s %s %s %.10g @ %.10g", o.ID, o.Side, o.Symbol, qty, price)
	return nil
}

func (s *Simulated) Get(orderID string) (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return order.Order{}, false
	}
	return *o, true
}

func (s *Simulated) OpenOrders() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Simulated) Orders() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Simulated) Balances() []market.Balance { return s.ledger.Snapshot() }
