package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/kraken-trader/internal/config"
	"github.com/amirphl/kraken-trader/internal/db"
	"github.com/amirphl/kraken-trader/internal/driver"
	"github.com/amirphl/kraken-trader/internal/engine"
	"github.com/amirphl/kraken-trader/internal/exchange"
	"github.com/amirphl/kraken-trader/internal/ledger"
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

func main() {
	log := utils.GetLogger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Main | failed to load configuration: %v", err)
	}

	log.Printf("Main | starting kraken-trader in %s mode, pairs: %s", cfg.Mode, strings.Join(cfg.Pairs, ", "))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when a connection string is configured, in-memory
	// otherwise.
	var store db.Storage
	if cfg.DBConnStr != "" {
		pg, err := db.NewPostgres(cfg.DBConnStr)
		if err != nil {
			log.Fatalf("Main | failed to connect to Postgres: %v", err)
		}
		store = pg
		log.Printf("Main | connected to Postgres")
	} else {
		store = db.NewMemoryStorage()
		log.Printf("Main | using in-memory storage")
	}
	defer store.Close()

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notif = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		log.Printf("Main | telegram notifications enabled")
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, m)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	deps := driver.Deps{
		Storage:  store,
		Notifier: notif,
		Metrics:  m,
		State:    state.NewManager(cfg.SnapshotPath),
	}

	d, err := buildDriver(ctx, cfg, m, deps)
	if err != nil {
		log.Fatalf("Main | failed to build %s driver: %v", cfg.Mode, err)
	}

	if err := d.Run(ctx); err != nil {
		log.Fatalf("Main | trading loop failed: %v", err)
	}
	log.Printf("Main | shutdown complete")
}

// buildDriver wires the tick source, execution backend, strategies, and
// stop-loss managers for the configured mode.
func buildDriver(ctx context.Context, cfg config.Config, m *metrics.Metrics, deps driver.Deps) (*driver.Driver, error) {
	switch cfg.Mode {
	case "backtest":
		return buildBacktest(cfg, deps)
	case "paper":
		return buildPaper(ctx, cfg, m, deps)
	case "live":
		return buildLive(ctx, cfg, m, deps)
	default:
		return nil, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
}

func buildBacktest(cfg config.Config, deps driver.Deps) (*driver.Driver, error) {
	pairs := staticPairs(cfg.Pairs)

	source, err := marketdata.NewCSVSource(cfg.Pairs[0], cfg.CandleFile)
	if err != nil {
		return nil, fmt.Errorf("opening candle file: %w", err)
	}

	led := ledger.New(cfg.InitialBalances)
	exec := engine.NewSimulated(pairs, led, cfg.CommissionPct)

	strategies, stops, err := buildStrategies(cfg, pairs)
	if err != nil {
		return nil, err
	}
	return driver.NewBacktest(source, exec, pairs, strategies, stops, deps), nil
}

func buildPaper(ctx context.Context, cfg config.Config, m *metrics.Metrics, deps driver.Deps) (*driver.Driver, error) {
	ex := newGateway(cfg, m)
	pairs, err := fetchPairs(ctx, ex, cfg.Pairs)
	if err != nil {
		return nil, err
	}

	led := ledger.New(cfg.InitialBalances)
	exec := engine.NewSimulated(pairs, led, cfg.CommissionPct)
	restoreSnapshot(cfg, deps, exec, led)

	strategies, stops, err := buildStrategies(cfg, pairs)
	if err != nil {
		return nil, err
	}
	source := marketdata.NewWSSource(ctx, cfg.Pairs)
	d := driver.NewPaper(source, exec, pairs, strategies, stops, deps)
	preloadHistory(ctx, ex, d, strategies)
	return d, nil
}

func buildLive(ctx context.Context, cfg config.Config, m *metrics.Metrics, deps driver.Deps) (*driver.Driver, error) {
	ex := newGateway(cfg, m)
	pairs, err := fetchPairs(ctx, ex, cfg.Pairs)
	if err != nil {
		return nil, err
	}

	balances, err := ex.FetchBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching balances: %w", err)
	}
	led := ledger.New(nil)
	led.SetAll(balances)

	exec := engine.NewLive(ex, pairs, led, engine.ReconcilePolicy(cfg.ReconcilePolicy))
	restoreSnapshot(cfg, deps, exec, nil)

	strategies, stops, err := buildStrategies(cfg, pairs)
	if err != nil {
		return nil, err
	}
	source := marketdata.NewPollSource(ex, cfg.Pairs, cfg.PollInterval)
	d := driver.NewLive(source, exec, pairs, strategies, stops, cfg.ReconcileInterval, deps)
	preloadHistory(ctx, ex, d, strategies)
	return d, nil
}

// preloadHistory seeds each strategy's window from recent candles. Failure
// is not fatal: the window fills from live ticks instead.
func preloadHistory(ctx context.Context, ex exchange.Exchange, d *driver.Driver, strategies map[string]strategy.Strategy) {
	log := utils.GetLogger()
	for sym, st := range strategies {
		since := time.Now().Add(-time.Duration(st.WarmupPeriod()+1) * time.Minute)
		ticks, err := ex.FetchOHLCV(ctx, sym, time.Minute, since)
		if err != nil {
			log.Printf("Main | warmup backfill for %s failed: %v", sym, err)
			continue
		}
		d.Preload(ticks)
	}
}

// newGateway builds the Kraken client with the retry and rate-limit
// metrics hooks attached.
func newGateway(cfg config.Config, m *metrics.Metrics) *exchange.KrakenExchange {
	ex := exchange.NewKrakenExchange(cfg.KrakenAPIKey, cfg.KrakenAPISecret)
	ex.Retrier().OnAttempt = func(class exchange.EndpointClass, attempt int, _ time.Time) {
		m.ObserveAttempt(string(class), attempt)
	}
	ex.Limiter().OnWait = func(_ exchange.EndpointClass, waited time.Duration) {
		m.ObserveWait(waited)
	}
	return ex
}

// fetchPairs loads pair metadata from the exchange and keeps only the
// configured symbols. A configured pair the exchange does not list is a
// configuration error.
func fetchPairs(ctx context.Context, ex exchange.Exchange, symbols []string) (map[string]market.PairInfo, error) {
	all, err := ex.FetchPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching tradable pairs: %w", err)
	}
	pairs := make(map[string]market.PairInfo, len(symbols))
	for _, sym := range symbols {
		info, ok := all[sym]
		if !ok {
			return nil, fmt.Errorf("pair %s is not listed on the exchange", sym)
		}
		pairs[sym] = info
	}
	return pairs, nil
}

// staticPairs derives pair metadata from the symbol alone. Backtests run
// offline, so precision defaults stand in for exchange metadata.
func staticPairs(symbols []string) map[string]market.PairInfo {
	pairs := make(map[string]market.PairInfo, len(symbols))
	for _, sym := range symbols {
		base, quote, _ := strings.Cut(sym, "/")
		pairs[sym] = market.PairInfo{
			Symbol:        sym,
			Base:          base,
			Quote:         quote,
			MinOrderSize:  0.0001,
			PriceDecimals: 2,
			QtyDecimals:   8,
		}
	}
	return pairs
}

func buildStrategies(cfg config.Config, pairs map[string]market.PairInfo) (map[string]strategy.Strategy, map[string]*risk.StopLoss, error) {
	strategies := make(map[string]strategy.Strategy, len(pairs))
	stops := make(map[string]*risk.StopLoss, len(pairs))
	for sym, info := range pairs {
		st, err := strategy.New(cfg.Strategy, sym, info, strategy.Params{
			ShortWindow:     cfg.ShortWindow,
			LongWindow:      cfg.LongWindow,
			PositionSizePct: cfg.PositionSizePct,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("building strategy for %s: %w", sym, err)
		}
		strategies[sym] = st
		stops[sym] = risk.NewStopLoss(risk.StopLossConfig{
			FixedStopPct:          cfg.FixedStopPct,
			MaxLossPct:            cfg.MaxLossPct,
			TrailingStopPct:       cfg.TrailingStopPct,
			TrailingActivationPct: cfg.TrailingActivationPct,
		})
	}
	return strategies, stops, nil
}

// restoreSnapshot re-seeds the executor from the last persisted snapshot
// when one exists for the same mode. Live balances come from the exchange,
// so the snapshot only restores orders there.
func restoreSnapshot(cfg config.Config, deps driver.Deps, exec interface{ Restore([]order.Order) }, led *ledger.Ledger) {
	log := utils.GetLogger()
	if deps.State == nil {
		return
	}
	snap, err := deps.State.Load()
	if err != nil {
		log.Fatalf("Main | failed to load state snapshot: %v", err)
	}
	if snap == nil {
		return
	}
	if snap.Mode != cfg.Mode {
		log.Printf("Main | ignoring %s snapshot from %s, running in %s mode", cfg.SnapshotPath, snap.Mode, cfg.Mode)
		return
	}
	exec.Restore(snap.Orders)
	if led != nil {
		balances := make(map[string]market.Balance, len(snap.Balances))
		for _, b := range snap.Balances {
			balances[b.Asset] = b
		}
		led.SetAll(balances)
	}
	log.Printf("Main | restored %d orders from snapshot saved at %s", len(snap.Orders), snap.SavedAt.Format(time.RFC3339))
}
