package engine

import (
	"context"
	"errors"
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

// ReconcilePolicy decides what happens when local and remote order state
// disagree irreconcilably.
type ReconcilePolicy string

const (
	// PolicyAcceptRemote adopts the exchange's state as authoritative.
	PolicyAcceptRemote ReconcilePolicy = "accept-remote"
	// PolicyHalt surfaces the conflict and leaves local state untouched.
	PolicyHalt ReconcilePolicy = "halt"
)

// Live places real orders through the exchange gateway. The local ledger is
// a cache of the exchange's authoritative balances: it is refreshed, not
// locally mutated, after every fill-confirming response.
type Live struct {
	mu sync.Mutex

	ex     exchange.Exchange
	ledger *ledger.Ledger
	pairs  map[string]market.PairInfo
	orders map[string]*order.Order
	policy ReconcilePolicy

	seq         int64
	now         func() time.Time
	newClientID func() string
}

// NewLive creates the live backend. pairs and the initial ledger contents
// come from the gateway at startup (FetchPairs, FetchBalances).
func NewLive(ex exchange.Exchange, pairs map[string]market.PairInfo, led *ledger.Ledger, policy ReconcilePolicy) *Live {
	if policy == "" {
		policy = PolicyAcceptRemote
	}
	return &Live{
		ex:          ex,
		ledger:      led,
		pairs:       pairs,
		orders:      make(map[string]*order.Order),
		policy:      policy,
		now:         time.Now,
		newClientID: nextClientID,
	}
}

// Restore re-seeds the order set from a persisted snapshot. Open orders
// will be re-synced on the next Reconcile.
func (l *Live) Restore(orders []order.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range orders {
		o := orders[i]
		l.orders[o.ID] = &o
	}
	l.seq = int64(len(l.orders))
}

func (l *Live) Submit(ctx context.Context, intent order.Intent) (string, error) {
	info, ok := l.pairs[intent.Symbol]
	if !ok {
		return "", &exchange.ValidationError{Field: "symbol", Reason: fmt.Sprintf("unknown trading pair %q", intent.Symbol)}
	}
	if err := exchange.ValidateIntent(info, intent); err != nil {
		return "", err
	}

	// Market buys need a reference price to size the reservation. This is
	// a long-running gateway call, kept outside the engine lock.
	refPrice := 0.0
	if intent.Side == order.SideBuy && intent.LimitPrice <= 0 {
		tick, err := l.ex.FetchTicker(ctx, intent.Symbol)
		if err != nil {
			return "", fmt.Errorf("fetching reference price for %s: %w", intent.Symbol, err)
		}
		refPrice = tick.Price
	}
	asset, amount, err := reservation(info, intent, refPrice, 0)
	if err != nil {
		return "", &exchange.ValidationError{Field: "price", Reason: err.Error()}
	}

	l.mu.Lock()
	if err := l.ledger.Reserve(asset, amount); err != nil {
		l.mu.Unlock()
		return "", &exchange.ValidationError{Field: "funds", Reason: err.Error()}
	}
	now := l.now().UTC()
	l.seq++
	o := &order.Order{
		ID:             fmt.Sprintf("live-%d", l.seq),
		ClientID:       l.newClientID(),
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Quantity:       intent.Quantity,
		LimitPrice:     intent.LimitPrice,
		Status:         order.StatusValidated,
		ReservedAsset:  asset,
		ReservedAmount: amount,
		Source:         order.SourceLive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	l.orders[o.ID] = o
	l.mu.Unlock()

	st, err := l.ex.SubmitOrder(ctx, intent, o.ClientID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		// Roll the reservation back atomically with the failure report: a
		// reservation must never dangle against a non-existent order.
		if rerr := l.ledger.Release(asset, amount); rerr != nil {
			utils.GetLogger().Printf("Engine | failed to roll back reservation for %s: %v", o.ID, rerr)
		}
		o.ReservedAmount = 0
		if terr := o.Transition(order.StatusRejected, l.now().UTC()); terr != nil {
			utils.GetLogger().Printf("Engine | %v", terr)
		}
		return "", fmt.Errorf("submitting %s (token %s): %w", o.ID, o.ClientID, err)
	}
	o.RemoteID = st.RemoteID
	if terr := o.Transition(order.StatusOpen, l.now().UTC()); terr != nil {
		return "", terr
	}
	return o.ID, nil
}

// Cancel requests cancellation through the gateway and transitions only
// upon confirmation. If the exchange reports the order already filled, the
// order stays open unchanged and the next Reconcile applies the fill.
func (l *Live) Cancel(ctx context.Context, orderID string) error {
	l.mu.Lock()
	o, ok := l.orders[orderID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !o.Status.IsOpen() {
		l.mu.Unlock()
		return fmt.Errorf("cannot cancel order %s in state %s", orderID, o.Status)
	}
	remoteID := o.RemoteID
	l.mu.Unlock()

	if err := l.ex.CancelOrder(ctx, remoteID); err != nil {
		if st, serr := l.ex.GetOrderStatus(ctx, remoteID); serr == nil && st.Status == order.StatusFilled {
			return fmt.Errorf("cancel refused: order %s already filled on the exchange", orderID)
		}
		return fmt.Errorf("cancelling %s (token %s): %w", orderID, o.ClientID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := o.Transition(order.StatusCancelled, l.now().UTC()); err != nil {
		return err
	}
	if o.ReservedAmount > 0 {
		if err := l.ledger.Release(o.ReservedAsset, o.ReservedAmount); err != nil {
			utils.GetLogger().Printf("Engine | releasing reservation for %s: %v", orderID, err)
		}
		o.ReservedAmount = 0
	}
	return nil
}

// Reconcile polls the exchange for every locally open order and applies
// remote transitions under the engine lock. A fill-confirming response
// triggers a balance refresh from the exchange.
func (l *Live) Reconcile(ctx context.Context) error {
	l.mu.Lock()
	var open []*order.Order
	for _, o := range l.orders {
		if o.Status.IsOpen() && o.RemoteID != "" {
			open = append(open, o)
		}
	}
	l.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	filled := false
	var conflicts []error
	for _, o := range open {
		st, err := l.ex.GetOrderStatus(ctx, o.RemoteID)
		if err != nil {
			if errors.Is(err, exchange.ErrAcquireCancelled) || ctx.Err() != nil {
				return err
			}
			utils.GetLogger().Printf("Engine | reconcile: status query failed for %s: %v", o.ID, err)
			continue
		}
		changed, err := l.applyRemote(o.ID, st)
		if err != nil {
			conflicts = append(conflicts, err)
			continue
		}
		if changed {
			filled = true
		}
	}

	if filled {
		balances, err := l.ex.FetchBalances(ctx)
		if err != nil {
			return fmt.Errorf("refreshing balances after fills: %w", err)
		}
		l.ledger.SetAll(balances)
	}
	return errors.Join(conflicts...)
}

// applyRemote folds one remote status into the local order. Returns whether
// a fill-confirming change was applied.
func (l *Live) applyRemote(orderID string, st exchange.OrderStatus) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return false, nil
	}

	if o.Status == st.Status && o.FilledQty == st.FilledQty {
		return false, nil
	}

	if o.Status.IsTerminal() || (!o.Status.CanTransition(st.Status) && st.Status != o.Status) {
		conflict := &exchange.ReconciliationConflict{
			OrderID:     o.ID,
			ClientID:    o.ClientID,
			LocalState:  string(o.Status),
			RemoteState: string(st.Status),
		}
		if l.policy == PolicyHalt {
			return false, conflict
		}
		// accept-remote: the exchange is authoritative.
		utils.GetLogger().Printf("Engine | %v; accepting remote state", conflict)
		o.Status = st.Status
		o.FilledQty = st.FilledQty
		o.AvgPrice = st.AvgPrice
		o.UpdatedAt = l.now().UTC()
		o.ReservedAmount = 0
		return true, nil
	}

	o.FilledQty = st.FilledQty
	o.AvgPrice = st.AvgPrice
	if err := o.Transition(st.Status, l.now().UTC()); err != nil {
		return false, err
	}
	if st.Status.IsTerminal() {
		o.ReservedAmount = 0
	}
	return st.FilledQty > 0 || st.Status.IsTerminal(), nil
}

func (l *Live) Get(orderID string) (order.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return order.Order{}, false
	}
	return *o, true
}

func (l *Live) OpenOrders() []order.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []order.Order
	for _, o := range l.orders {
		if o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Live) Orders() []order.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]order.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Live) Balances() []market.Balance { return l.ledger.Snapshot() }
