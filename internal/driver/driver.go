// Package driver runs the trading loop. The same loop serves backtest,
// paper, and live mode; only the tick source and the execution backend
// differ, so a strategy validated in one mode behaves identically in the
// others.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/amirphl/kraken-trader/internal/db"
	"github.com/amirphl/kraken-trader/internal/engine"
	"github.com/amirphl/kraken-trader/internal/exchange"
	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/marketdata"
	"github.com/amirphl/kraken-trader/internal/metrics"
	"github.com/amirphl/kraken-trader/internal/notifier"
	"github.com/amirphl/kraken-trader/internal/order"
	"github.com/amirphl/kraken-trader/internal/risk"
	"github.com/amirphl/kraken-trader/internal/state"
	"github.com/amirphl/kraken-trader/internal/strategy"
	"github.com/amirphl/kraken-trader/internal/utils"
)

// Deps bundles the cross-cutting services every driver uses.
type Deps struct {
	Storage  db.Storage
	Notifier notifier.Notifier
	Metrics  *metrics.Metrics
	State    *state.Manager
}

func (d *Deps) fillDefaults() {
	if d.Storage == nil {
		d.Storage = db.NewMemoryStorage()
	}
	if d.Notifier == nil {
		d.Notifier = notifier.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
}

// Driver owns the tick loop: pull a tick, advance the backend, run the
// strategies, place their orders, persist state. Trading on a pair halts
// after a fatal exchange error or a reconciliation conflict and stays
// halted until ClearHalt.
type Driver struct {
	mode   string
	source marketdata.TickSource
	exec   engine.Executor

	// Exactly one of these is non-nil, depending on the backend.
	tickExec engine.TickExecutor
	liveExec engine.LiveExecutor

	pairs      map[string]market.PairInfo
	strategies map[string]strategy.Strategy
	stops      map[string]*risk.StopLoss
	windows    map[string][]market.Tick
	windowCap  int

	reconcileEvery time.Duration
	lastReconcile  time.Time

	deps Deps

	mu       sync.Mutex
	halted   map[string]string // pair -> reason
	lastSeen map[string]order.Status

	now func() time.Time
}

func newDriver(mode string, source marketdata.TickSource, pairs map[string]market.PairInfo, strategies map[string]strategy.Strategy, stops map[string]*risk.StopLoss, deps Deps) *Driver {
	deps.fillDefaults()

	windowCap := 256
	for _, s := range strategies {
		if c := s.WarmupPeriod() * 3; c > windowCap {
			windowCap = c
		}
	}

	return &Driver{
		mode:       mode,
		source:     source,
		pairs:      pairs,
		strategies: strategies,
		stops:      stops,
		windows:    make(map[string][]market.Tick),
		windowCap:  windowCap,
		deps:       deps,
		halted:     make(map[string]string),
		lastSeen:   make(map[string]order.Status),
		now:        time.Now,
	}
}

// NewBacktest replays historical ticks against the simulated backend.
func NewBacktest(source marketdata.TickSource, exec engine.TickExecutor, pairs map[string]market.PairInfo, strategies map[string]strategy.Strategy, stops map[string]*risk.StopLoss, deps Deps) *Driver {
	d := newDriver("backtest", source, pairs, strategies, stops, deps)
	d.exec = exec
	d.tickExec = exec
	return d
}

// NewPaper trades live market data against the simulated backend.
func NewPaper(source marketdata.TickSource, exec engine.TickExecutor, pairs map[string]market.PairInfo, strategies map[string]strategy.Strategy, stops map[string]*risk.StopLoss, deps Deps) *Driver {
	d := newDriver("paper", source, pairs, strategies, stops, deps)
	d.exec = exec
	d.tickExec = exec
	return d
}

// NewLive trades real funds through the exchange gateway, reconciling open
// orders every reconcileEvery.
func NewLive(source marketdata.TickSource, exec engine.LiveExecutor, pairs map[string]market.PairInfo, strategies map[string]strategy.Strategy, stops map[string]*risk.StopLoss, reconcileEvery time.Duration, deps Deps) *Driver {
	d := newDriver("live", source, pairs, strategies, stops, deps)
	d.exec = exec
	d.liveExec = exec
	if reconcileEvery <= 0 {
		reconcileEvery = 15 * time.Second
	}
	d.reconcileEvery = reconcileEvery
	return d
}

// Executor exposes the backend for inspection (balances, orders).
func (d *Driver) Executor() engine.Executor { return d.exec }

// Preload seeds the per-pair data windows with historical ticks so
// strategies start with a warm window instead of waiting it out on live
// ticks. Call before Run.
func (d *Driver) Preload(ticks []market.Tick) {
	for _, t := range ticks {
		d.appendWindow(t)
	}
	utils.GetLogger().Printf("Driver | preloaded %d historical ticks", len(ticks))
}

func (d *Driver) appendWindow(tick market.Tick) {
	window := append(d.windows[tick.Symbol], tick)
	if len(window) > d.windowCap {
		window = window[len(window)-d.windowCap:]
	}
	d.windows[tick.Symbol] = window
}

// Halted reports whether trading on pair is currently halted, and why.
func (d *Driver) Halted(pair string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reason, ok := d.halted[pair]
	return reason, ok
}

// ClearHalt resumes trading on a halted pair.
func (d *Driver) ClearHalt(pair string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.halted, pair)
	d.deps.Metrics.HaltedPairs.Set(float64(len(d.halted)))
}

func (d *Driver) halt(pair, reason string) {
	d.mu.Lock()
	if _, already := d.halted[pair]; already {
		d.mu.Unlock()
		return
	}
	d.halted[pair] = reason
	d.deps.Metrics.HaltedPairs.Set(float64(len(d.halted)))
	d.mu.Unlock()

	utils.GetLogger().Printf("Driver | halted %s: %s", pair, reason)
	d.deps.Notifier.SendWithRetry(fmt.Sprintf("Trading halted on %s: %s", pair, reason))
	d.deps.Storage.LogEvent(context.Background(), db.Event{
		Time: d.now().UTC(), Type: "pair_halted", Symbol: pair, Detail: reason,
	})
}

// Run pulls ticks until the source is exhausted (backtest) or ctx ends.
func (d *Driver) Run(ctx context.Context) error {
	utils.GetLogger().Printf("Driver | %s loop started over %d pairs", d.mode, len(d.pairs))
	for {
		tick, err := d.source.Next(ctx)
		if err == io.EOF {
			utils.GetLogger().Printf("Driver | tick source exhausted, stopping")
			return d.snapshot()
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, exchange.ErrAcquireCancelled) {
				d.snapshot()
				return nil
			}
			return fmt.Errorf("tick source failed: %w", err)
		}
		if err := d.processTick(ctx, tick); err != nil {
			return err
		}
	}
}

func (d *Driver) processTick(ctx context.Context, tick market.Tick) error {
	d.deps.Metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
	if err := d.deps.Storage.SaveTicks(ctx, []market.Tick{tick}); err != nil {
		utils.GetLogger().Printf("Driver | saving tick: %v", err)
	}

	d.appendWindow(tick)

	// Advance the backend before consulting strategies, so signals see the
	// fills this tick produced.
	if d.tickExec != nil {
		if err := d.tickExec.OnTick(tick); err != nil {
			return fmt.Errorf("advancing backend: %w", err)
		}
	}
	if d.liveExec != nil && d.now().Sub(d.lastReconcile) >= d.reconcileEvery {
		d.lastReconcile = d.now()
		if err := d.liveExec.Reconcile(ctx); err != nil {
			d.handleReconcileError(err)
		}
	}

	d.trackOutcomes(ctx)
	d.applyStops(ctx, tick)
	d.runStrategy(ctx, tick)

	return d.snapshot()
}

// handleReconcileError halts the pairs behind reconciliation conflicts;
// transient reconcile failures are logged and retried next interval.
func (d *Driver) handleReconcileError(err error) {
	var conflict *exchange.ReconciliationConflict
	if !errors.As(err, &conflict) {
		utils.GetLogger().Printf("Driver | reconcile failed: %v", err)
		return
	}
	d.deps.Metrics.ReconcileConflict.Inc()
	pair := ""
	if o, ok := d.exec.Get(conflict.OrderID); ok {
		pair = o.Symbol
	}
	d.deps.Storage.LogEvent(context.Background(), db.Event{
		Time:    d.now().UTC(),
		Type:    "reconcile_conflict",
		OrderID: conflict.OrderID,
		Symbol:  pair,
		Detail:  err.Error(),
		Data:    map[string]any{"client_id": conflict.ClientID},
	})
	if pair != "" {
		d.halt(pair, err.Error())
	}
}

// trackOutcomes persists order changes and reports terminal transitions.
func (d *Driver) trackOutcomes(ctx context.Context) {
	for _, o := range d.exec.Orders() {
		prev, seen := d.lastSeen[o.ID]
		if seen && prev == o.Status {
			continue
		}
		d.lastSeen[o.ID] = o.Status
		if err := d.deps.Storage.SaveOrder(ctx, o); err != nil {
			utils.GetLogger().Printf("Driver | saving order %s: %v", o.ID, err)
		}
		if !o.Status.IsTerminal() {
			continue
		}

		d.deps.Metrics.ObserveOutcome(string(o.Status))
		d.deps.Storage.LogEvent(ctx, db.Event{
			Time:    d.now().UTC(),
			Type:    "order_" + string(o.Status),
			OrderID: o.ID,
			Symbol:  o.Symbol,
			Data:    map[string]any{"client_id": o.ClientID, "filled_qty": o.FilledQty, "avg_price": o.AvgPrice},
		})
		switch o.Status {
		case order.StatusFilled:
			d.onFill(o)
		case order.StatusRejected, order.StatusExpired:
			utils.GetLogger().Printf("Driver | order %s (token %s) ended %s", o.ID, o.ClientID, o.Status)
			d.deps.Notifier.SendWithRetry(fmt.Sprintf("Order %s on %s ended %s (token %s)", o.ID, o.Symbol, o.Status, o.ClientID))
		}
	}
}

// onFill arms or clears the pair's stop-loss tracking.
func (d *Driver) onFill(o order.Order) {
	stop, ok := d.stops[o.Symbol]
	if !ok {
		return
	}
	if o.Side == order.SideBuy {
		stop.Track(o.AvgPrice)
	} else {
		stop.Clear()
	}
}

// applyStops emits a protective market sell when a stop triggers.
func (d *Driver) applyStops(ctx context.Context, tick market.Tick) {
	stop, ok := d.stops[tick.Symbol]
	if !ok || !stop.Tracking() {
		return
	}
	u := stop.Update(tick.Price)
	if !u.Triggered {
		return
	}
	info := d.pairs[tick.Symbol]
	qty := info.RoundQty(accountView{d.exec}.Available(info.Base))
	stop.Clear()
	if qty < info.MinOrderSize {
		return
	}
	utils.GetLogger().Printf("Driver | stop loss triggered on %s at %.10g (stop %.10g)", tick.Symbol, tick.Price, u.StopPrice)
	d.submit(ctx, order.Intent{
		Symbol:   tick.Symbol,
		Side:     order.SideSell,
		Type:     order.TypeMarket,
		Quantity: qty,
	})
}

func (d *Driver) runStrategy(ctx context.Context, tick market.Tick) {
	strat, ok := d.strategies[tick.Symbol]
	if !ok {
		return
	}
	if _, halted := d.Halted(tick.Symbol); halted {
		return
	}

	intents, err := strat.OnTicks(d.windows[tick.Symbol], accountView{d.exec})
	if err != nil {
		utils.GetLogger().Printf("Driver | %s on %s: %v", strat.Name(), tick.Symbol, err)
		return
	}
	for _, intent := range intents {
		d.submit(ctx, intent)
	}
}

// submit places one intent and classifies the failure: validation problems
// are logged and dropped, fatal exchange errors halt the pair.
func (d *Driver) submit(ctx context.Context, intent order.Intent) {
	id, err := d.exec.Submit(ctx, intent)
	if err == nil {
		utils.GetLogger().Printf("Driver | submitted %s: %s %s %.10g", id, intent.Side, intent.Symbol, intent.Quantity)
		return
	}

	var verr *exchange.ValidationError
	if errors.As(err, &verr) {
		utils.GetLogger().Printf("Driver | rejected %s %s: %v", intent.Side, intent.Symbol, err)
		return
	}
	if exchange.IsRetryable(err) || errors.Is(err, exchange.ErrAcquireCancelled) {
		// The retry budget is already spent; drop the intent and let the
		// next signal try again.
		utils.GetLogger().Printf("Driver | submission failed transiently on %s: %v", intent.Symbol, err)
		return
	}
	d.halt(intent.Symbol, fmt.Sprintf("fatal submission error: %v", err))
}

// snapshot persists the full execution state. A failed write is fatal:
// trading past it would resume from stale state after a restart.
func (d *Driver) snapshot() error {
	if d.deps.State == nil {
		return nil
	}
	start := d.now()
	err := d.deps.State.Save(&state.Snapshot{
		SavedAt:  d.now().UTC(),
		Mode:     d.mode,
		Balances: d.exec.Balances(),
		Orders:   d.exec.Orders(),
		Pairs:    d.pairs,
	})
	d.deps.Metrics.SnapshotDur.Observe(d.now().Sub(start).Seconds())
	return err
}

// accountView adapts the executor's balances to the strategy interface.
type accountView struct {
	exec engine.Executor
}

func (a accountView) Available(asset string) float64 {
	for _, b := range a.exec.Balances() {
		if b.Asset == asset {
			return b.Available
		}
	}
	return 0
}
