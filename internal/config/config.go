// Package config loads the runtime configuration from flags, an optional
// YAML file, and the environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
mode: "paper"
pairs: ["BTC/USD", "ETH/USD"]
strategy: "sma-crossover"
short_window: 10
long_window: 30
position_size_pct: 10
commission_pct: 0.26
initial_balances:
  USD: 10000
reconcile_policy: "accept-remote"
snapshot_path: "trading_state.json"
candle_file: "candles.csv"
db_conn_str: "host=localhost dbname=trader sslmode=disable"
telegram_token: "..."
telegram_chat_id: "..."
metrics_addr: ":9185"
fixed_stop_pct: 2.0
trailing_stop_pct: 0.5
trailing_activation_pct: 1.0
*/

type Config struct {
	Mode              string             `yaml:"mode"`
	Pairs             []string           `yaml:"pairs"`
	Strategy          string             `yaml:"strategy"`
	ShortWindow       int                `yaml:"short_window"`
	LongWindow        int                `yaml:"long_window"`
	PositionSizePct   float64            `yaml:"position_size_pct"`
	CommissionPct     float64            `yaml:"commission_pct"`
	InitialBalances   map[string]float64 `yaml:"initial_balances"`
	ReconcilePolicy   string             `yaml:"reconcile_policy"`
	ReconcileInterval time.Duration      `yaml:"-"` // flag-only
	SnapshotPath      string             `yaml:"snapshot_path"`
	CandleFile        string             `yaml:"candle_file"`
	PollInterval      time.Duration      `yaml:"-"` // flag-only
	DBConnStr         string             `yaml:"db_conn_str"`
	TelegramToken     string             `yaml:"telegram_token"`
	TelegramChatID    string             `yaml:"telegram_chat_id"`
	MetricsAddr       string             `yaml:"metrics_addr"`
	KrakenAPIKey      string             `yaml:"kraken_api_key"`
	KrakenAPISecret   string             `yaml:"kraken_api_secret"`

	FixedStopPct          float64 `yaml:"fixed_stop_pct"`
	MaxLossPct            float64 `yaml:"max_loss_pct"`
	TrailingStopPct       float64 `yaml:"trailing_stop_pct"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
}

// Load parses flags (and the YAML file named by -config, if any) into a
// validated Config. API credentials fall back to the environment.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("kraken-trader", flag.ContinueOnError)

	mode := fs.String("mode", "paper", "Mode: backtest, paper, or live")
	pairsFlag := fs.String("pairs", "BTC/USD", "Comma-separated trading pairs")
	strategyName := fs.String("strategy", "sma-crossover", "Strategy identifier")
	shortWindow := fs.Int("short-window", 10, "Fast moving-average window")
	longWindow := fs.Int("long-window", 30, "Slow moving-average window")
	positionSizePct := fs.Float64("position-size-pct", 10, "Percent of quote balance per buy")
	commissionPct := fs.Float64("commission-pct", 0, "Simulated commission percent per trade")
	balancesFlag := fs.String("initial-balances", "USD:10000", "Comma-separated asset:amount pairs for paper/backtest")
	reconcilePolicy := fs.String("reconcile-policy", "accept-remote", "Conflict policy: accept-remote or halt")
	reconcileInterval := fs.Duration("reconcile-interval", 15*time.Second, "Live order reconciliation interval")
	snapshotPath := fs.String("snapshot-path", "trading_state.json", "State snapshot file")
	candleFile := fs.String("candle-file", "", "Candle CSV for backtest mode")
	pollInterval := fs.Duration("poll-interval", 5*time.Second, "REST ticker poll interval")
	dbConnStr := fs.String("db-conn", "", "Postgres connection string (empty: in-memory storage)")
	telegramToken := fs.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := fs.String("telegram-chat", "", "Telegram chat ID for notifications")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address (empty: disabled)")
	fixedStopPct := fs.Float64("stop-loss-percent", 2.0, "Fixed stop loss percent")
	maxLossPct := fs.Float64("max-loss-percent", 2.0, "Maximum loss percent per trade")
	trailingStopPct := fs.Float64("trailing-stop-percent", 0.0, "Trailing stop percent")
	trailingActivationPct := fs.Float64("trailing-activation-percent", 0.0, "Profit percent that activates trailing")
	configFile := fs.String("config", "", "Path to YAML config file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var cfg Config
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
		cfg.ReconcileInterval = *reconcileInterval
		cfg.PollInterval = *pollInterval
	} else {
		balances, err := parseBalances(*balancesFlag)
		if err != nil {
			return Config{}, err
		}
		cfg = Config{
			Mode:                  *mode,
			Pairs:                 splitList(*pairsFlag),
			Strategy:              *strategyName,
			ShortWindow:           *shortWindow,
			LongWindow:            *longWindow,
			PositionSizePct:       *positionSizePct,
			CommissionPct:         *commissionPct,
			InitialBalances:       balances,
			ReconcilePolicy:       *reconcilePolicy,
			ReconcileInterval:     *reconcileInterval,
			SnapshotPath:          *snapshotPath,
			CandleFile:            *candleFile,
			PollInterval:          *pollInterval,
			DBConnStr:             *dbConnStr,
			TelegramToken:         *telegramToken,
			TelegramChatID:        *telegramChatID,
			MetricsAddr:           *metricsAddr,
			FixedStopPct:          *fixedStopPct,
			MaxLossPct:            *maxLossPct,
			TrailingStopPct:       *trailingStopPct,
			TrailingActivationPct: *trailingActivationPct,
		}
	}

	if cfg.KrakenAPIKey == "" {
		cfg.KrakenAPIKey = os.Getenv("KRAKEN_API_KEY")
	}
	if cfg.KrakenAPISecret == "" {
		cfg.KrakenAPISecret = os.Getenv("KRAKEN_API_SECRET")
	}
	if cfg.DBConnStr == "" {
		cfg.DBConnStr = os.Getenv("DB_CONN_STR")
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the program cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case "backtest", "paper", "live":
	default:
		return fmt.Errorf("unknown mode %q (want backtest, paper, or live)", c.Mode)
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one trading pair is required")
	}
	if c.Mode == "backtest" && c.CandleFile == "" {
		return fmt.Errorf("backtest mode requires -candle-file")
	}
	if c.Mode == "live" && (c.KrakenAPIKey == "" || c.KrakenAPISecret == "") {
		return fmt.Errorf("live mode requires Kraken API credentials (KRAKEN_API_KEY, KRAKEN_API_SECRET)")
	}
	switch c.ReconcilePolicy {
	case "", "accept-remote", "halt":
	default:
		return fmt.Errorf("unknown reconcile policy %q (want accept-remote or halt)", c.ReconcilePolicy)
	}
	if c.CommissionPct < 0 {
		return fmt.Errorf("commission percent cannot be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBalances parses "USD:10000,BTC:0.5" into a balance map.
func parseBalances(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range splitList(s) {
		asset, amount, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("malformed balance %q (want ASSET:AMOUNT)", part)
		}
		v, err := strconv.ParseFloat(amount, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("malformed balance amount %q", amount)
		}
		out[strings.ToUpper(strings.TrimSpace(asset))] = v
	}
	return out, nil
}
