package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/order"
	"github.com/amirphl/kraken-trader/internal/utils"
)

const (
	krakenBaseURL   = "https://api.kraken.com"
	pairCacheMaxAge = time.Hour
)

// Doer abstracts the HTTP client so tests can inject a fake transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KrakenExchange talks to the Kraken REST API. Every operation composes
// Limiter.Acquire -> Retrier.Do(wire call) -> response validation.
type KrakenExchange struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    Doer
	limiter   *Limiter
	retrier   *Retrier

	nonceMu sync.Mutex
	nonce   int64

	pairsMu      sync.Mutex
	pairs        map[string]market.PairInfo
	pairsFetched time.Time

	now func() time.Time
}

// NewKrakenExchange creates the gateway. apiKey/apiSecret may be empty for
// public-only use (backtest data download, paper-trading tick feed).
func NewKrakenExchange(apiKey, apiSecret string) *KrakenExchange {
	limiter := NewLimiter()
	return &KrakenExchange{
		baseURL:   krakenBaseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   limiter,
		retrier:   NewRetrier(limiter),
		nonce:     time.Now().UnixNano(),
		now:       time.Now,
	}
}

func (k *KrakenExchange) Name() string { return "kraken" }

// Limiter exposes the gateway's rate limiter for metrics wiring.
func (k *KrakenExchange) Limiter() *Limiter { return k.limiter }

// Retrier exposes the gateway's retry controller for metrics wiring.
func (k *KrakenExchange) Retrier() *Retrier { return k.retrier }

// NormalizeSymbol converts "BTC/USD" to Kraken's "XBTUSD" form.
func NormalizeSymbol(symbol string) string {
	s := strings.ReplaceAll(strings.ToUpper(symbol), "/", "")
	s = strings.ReplaceAll(s, "BTC", "XBT")
	return s
}

// krakenEnvelope is the common response wrapper: either error strings or a
// result payload.
type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (k *KrakenExchange) nextNonce() int64 {
	k.nonceMu.Lock()
	defer k.nonceMu.Unlock()
	k.nonce++
	return k.nonce
}

// sign produces the API-Sign header: HMAC-SHA512(path + SHA256(nonce +
// postdata)) keyed with the base64-decoded secret.
func (k *KrakenExchange) sign(path string, nonce int64, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(k.apiSecret)
	if err != nil {
		return "", fmt.Errorf("decoding api secret: %w", err)
	}
	sha := sha256.New()
	sha.Write([]byte(strconv.FormatInt(nonce, 10) + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha.Sum(nil))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// call performs one wire call and decodes the envelope. The result is only
// trusted after the envelope validates.
func (k *KrakenExchange) call(ctx context.Context, op, path string, private bool, params url.Values) (json.RawMessage, error) {
	var req *http.Request
	var err error

	if private {
		if params == nil {
			params = url.Values{}
		}
		nonce := k.nextNonce()
		params.Set("nonce", strconv.FormatInt(nonce, 10))
		postData := params.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+path, strings.NewReader(postData))
		if err != nil {
			return nil, fmt.Errorf("creating %s request: %w", op, err)
		}
		sig, sigErr := k.sign(path, nonce, postData)
		if sigErr != nil {
			return nil, sigErr
		}
		req.Header.Set("API-Key", k.apiKey)
		req.Header.Set("API-Sign", sig)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		u := k.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("creating %s request: %w", op, err)
		}
	}

	resp, err := k.client.Do(req)
	if err != nil {
		// Transport failure: the request may or may not have reached the
		// exchange.
		return nil, &NetworkError{Op: op, Err: err, Ambiguous: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{}
	case resp.StatusCode >= 500:
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode), Ambiguous: true}
	case resp.StatusCode != http.StatusOK:
		return nil, &SchemaError{Op: op, Reason: fmt.Sprintf("unexpected http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err, Ambiguous: true}
	}

	var env krakenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &SchemaError{Op: op, Reason: "response is not valid JSON"}
	}
	if len(env.Error) > 0 {
		return nil, ClassifyKrakenError(env.Error[0], op)
	}
	if len(env.Result) == 0 {
		return nil, &SchemaError{Op: op, Reason: "missing result"}
	}
	return env.Result, nil
}

// --- Market data ---

type krakenTicker struct {
	Last   []string `json:"c"` // last trade closed: [price, lot volume]
	Volume []string `json:"v"`
}

func (k *KrakenExchange) FetchTicker(ctx context.Context, symbol string) (market.Tick, error) {
	var tick market.Tick
	err := k.retrier.Do(ctx, ClassPublic, func() error {
		if _, err := k.limiter.Acquire(ctx, ClassPublic); err != nil {
			return err
		}
		raw, err := k.call(ctx, "Ticker", "/0/public/Ticker", false, url.Values{"pair": {NormalizeSymbol(symbol)}})
		if err != nil {
			return err
		}
		var result map[string]krakenTicker
		if err := json.Unmarshal(raw, &result); err != nil {
			return &SchemaError{Op: "Ticker", Reason: err.Error()}
		}
		for _, tk := range result {
			if len(tk.Last) == 0 {
				return &SchemaError{Op: "Ticker", Reason: "missing last trade price"}
			}
			price, perr := strconv.ParseFloat(tk.Last[0], 64)
			if perr != nil || price <= 0 {
				return &SchemaError{Op: "Ticker", Reason: fmt.Sprintf("bad last price %q", tk.Last[0])}
			}
			tick = market.Tick{Symbol: symbol, Price: price, Timestamp: k.now().UTC()}
			return nil
		}
		return &SchemaError{Op: "Ticker", Reason: "empty ticker result"}
	})
	return tick, err
}

func (k *KrakenExchange) FetchOHLCV(ctx context.Context, symbol string, interval time.Duration, since time.Time) ([]market.Tick, error) {
	var ticks []market.Tick
	err := k.retrier.Do(ctx, ClassOHLC, func() error {
		if _, err := k.limiter.Acquire(ctx, ClassOHLC); err != nil {
			return err
		}
		params := url.Values{
			"pair":     {NormalizeSymbol(symbol)},
			"interval": {strconv.Itoa(int(interval.Minutes()))},
		}
		if !since.IsZero() {
			params.Set("since", strconv.FormatInt(since.Unix(), 10))
		}
		raw, err := k.call(ctx, "OHLC", "/0/public/OHLC", false, params)
		if err != nil {
			return err
		}
		var result map[string]json.RawMessage
		if err := json.Unmarshal(raw, &result); err != nil {
			return &SchemaError{Op: "OHLC", Reason: err.Error()}
		}
		ticks = ticks[:0]
		for key, rawRows := range result {
			if key == "last" {
				continue
			}
			// Rows are [time, open, high, low, close, vwap, volume, count].
			var rows [][]any
			if err := json.Unmarshal(rawRows, &rows); err != nil {
				return &SchemaError{Op: "OHLC", Reason: err.Error()}
			}
			for _, row := range rows {
				if len(row) < 7 {
					return &SchemaError{Op: "OHLC", Reason: "short candle row"}
				}
				ts, ok := row[0].(float64)
				if !ok {
					return &SchemaError{Op: "OHLC", Reason: "bad candle timestamp"}
				}
				open := parseAnyFloat(row[1])
				high := parseAnyFloat(row[2])
				low := parseAnyFloat(row[3])
				closeP := parseAnyFloat(row[4])
				vol := parseAnyFloat(row[6])
				t := market.Tick{
					Symbol:    symbol,
					Open:      open,
					High:      high,
					Low:       low,
					Price:     closeP,
					Volume:    vol,
					Timestamp: time.Unix(int64(ts), 0).UTC(),
				}
				if err := t.Validate(); err != nil {
					return &SchemaError{Op: "OHLC", Reason: err.Error()}
				}
				ticks = append(ticks, t)
			}
		}
		return nil
	})
	return ticks, err
}

func parseAnyFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

// --- Account ---

type krakenBalanceEx struct {
	Balance   string `json:"balance"`
	HoldTrade string `json:"hold_trade"`
}

func (k *KrakenExchange) FetchBalances(ctx context.Context) (map[string]market.Balance, error) {
	var balances map[string]market.Balance
	err := k.retrier.Do(ctx, ClassPrivate, func() error {
		if _, err := k.limiter.Acquire(ctx, ClassPrivate); err != nil {
			return err
		}
		raw, err := k.call(ctx, "BalanceEx", "/0/private/BalanceEx", true, nil)
		if err != nil {
			return err
		}
		var result map[string]krakenBalanceEx
		if err := json.Unmarshal(raw, &result); err != nil {
			return &SchemaError{Op: "BalanceEx", Reason: err.Error()}
		}
		balances = make(map[string]market.Balance, len(result))
		for asset, b := range result {
			total, terr := strconv.ParseFloat(b.Balance, 64)
			if terr != nil {
				return &SchemaError{Op: "BalanceEx", Reason: fmt.Sprintf("bad balance for %s", asset)}
			}
			hold, _ := strconv.ParseFloat(b.HoldTrade, 64)
			name := denormalizeAsset(asset)
			balances[name] = market.Balance{Asset: name, Available: total - hold, Reserved: hold}
		}
		return nil
	})
	return balances, err
}

// denormalizeAsset maps Kraken asset codes back to common names.
func denormalizeAsset(asset string) string {
	switch asset {
	case "XXBT", "XBT":
		return "BTC"
	case "ZUSD":
		return "USD"
	case "ZEUR":
		return "EUR"
	case "XETH":
		return "ETH"
	}
	return asset
}

// --- Pair metadata ---

type krakenAssetPair struct {
	WSName       string `json:"wsname"` // e.g. "XBT/USD"
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
}

func (k *KrakenExchange) FetchPairs(ctx context.Context) (map[string]market.PairInfo, error) {
	var pairs map[string]market.PairInfo
	err := k.retrier.Do(ctx, ClassAssetPair, func() error {
		if _, err := k.limiter.Acquire(ctx, ClassAssetPair); err != nil {
			return err
		}
		raw, err := k.call(ctx, "AssetPairs", "/0/public/AssetPairs", false, nil)
		if err != nil {
			return err
		}
		var result map[string]krakenAssetPair
		if err := json.Unmarshal(raw, &result); err != nil {
			return &SchemaError{Op: "AssetPairs", Reason: err.Error()}
		}
		pairs = make(map[string]market.PairInfo, len(result))
		for _, p := range result {
			if p.WSName == "" {
				continue
			}
			minSize, merr := strconv.ParseFloat(p.OrderMin, 64)
			if merr != nil {
				return &SchemaError{Op: "AssetPairs", Reason: fmt.Sprintf("bad ordermin for %s", p.WSName)}
			}
			symbol := strings.ReplaceAll(p.WSName, "XBT", "BTC")
			base, quote, _ := strings.Cut(symbol, "/")
			pairs[symbol] = market.PairInfo{
				Symbol:        symbol,
				Base:          base,
				Quote:         quote,
				MinOrderSize:  minSize,
				PriceDecimals: p.PairDecimals,
				QtyDecimals:   p.LotDecimals,
			}
		}
		if len(pairs) == 0 {
			return &SchemaError{Op: "AssetPairs", Reason: "empty asset pair result"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	k.pairsMu.Lock()
	k.pairs = pairs
	k.pairsFetched = k.now()
	k.pairsMu.Unlock()
	return pairs, nil
}

// PairInfo returns cached metadata for one pair, refreshing the cache when
// stale.
func (k *KrakenExchange) PairInfo(ctx context.Context, symbol string) (market.PairInfo, error) {
	k.pairsMu.Lock()
	cached := k.pairs
	age := k.now().Sub(k.pairsFetched)
	k.pairsMu.Unlock()

	if cached == nil || age > pairCacheMaxAge {
		var err error
		cached, err = k.FetchPairs(ctx)
		if err != nil {
			return market.PairInfo{}, err
		}
	}
	info, ok := cached[symbol]
	if !ok {
		return market.PairInfo{}, &ValidationError{Field: "symbol", Reason: fmt.Sprintf("unknown trading pair %q", symbol)}
	}
	return info, nil
}

// --- Orders ---

type krakenOrderInfo struct {
	UserRef int64  `json:"userref"`
	Status  string `json:"status"` // pending, open, closed, canceled, expired
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"` // average execution price
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"` // buy/sell
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
	OpenTm  float64 `json:"opentm"`
	CloseTm float64 `json:"closetm"`
}

func (k *KrakenExchange) orderStatusFromInfo(remoteID string, info krakenOrderInfo) (OrderStatus, error) {
	qty, err := strconv.ParseFloat(info.Vol, 64)
	if err != nil {
		return OrderStatus{}, &SchemaError{Op: "QueryOrders", Reason: fmt.Sprintf("bad vol for %s", remoteID)}
	}
	filled, _ := strconv.ParseFloat(info.VolExec, 64)
	avg, _ := strconv.ParseFloat(info.Price, 64)
	limit, _ := strconv.ParseFloat(info.Descr.Price, 64)

	var status order.Status
	switch info.Status {
	case "pending", "open":
		if filled > 0 {
			status = order.StatusPartiallyFilled
		} else {
			status = order.StatusOpen
		}
	case "closed":
		status = order.StatusFilled
	case "canceled":
		status = order.StatusCancelled
	case "expired":
		status = order.StatusExpired
	default:
		return OrderStatus{}, &SchemaError{Op: "QueryOrders", Reason: fmt.Sprintf("unknown order status %q", info.Status)}
	}

	updated := info.OpenTm
	if info.CloseTm > 0 {
		updated = info.CloseTm
	}
	clientID := ""
	if info.UserRef != 0 {
		clientID = strconv.FormatInt(info.UserRef, 10)
	}
	return OrderStatus{
		RemoteID:  remoteID,
		ClientID:  clientID,
		Symbol:    strings.ReplaceAll(info.Descr.Pair, "XBT", "BTC"),
		Side:      info.Descr.Type,
		Type:      info.Descr.OrderType,
		Status:    status,
		Price:     limit,
		Quantity:  qty,
		FilledQty: filled,
		AvgPrice:  avg,
		UpdatedAt: time.Unix(int64(updated), 0).UTC(),
	}, nil
}

// SubmitOrder validates locally, then submits with the caller's idempotency
// token. If an attempt fails ambiguously, the next attempt first queries by
// token and adopts any matching order instead of resubmitting.
func (k *KrakenExchange) SubmitOrder(ctx context.Context, intent order.Intent, clientID string) (OrderStatus, error) {
	info, err := k.PairInfo(ctx, intent.Symbol)
	if err != nil {
		return OrderStatus{}, err
	}
	if err := ValidateIntent(info, intent); err != nil {
		return OrderStatus{}, err
	}
	if _, err := strconv.ParseInt(clientID, 10, 32); err != nil {
		return OrderStatus{}, &ValidationError{Field: "client_id", Reason: "kraken userref must be a 32-bit integer string"}
	}

	var out OrderStatus
	maybeSubmitted := false
	err = k.retrier.Do(ctx, ClassOrder, func() error {
		if maybeSubmitted {
			existing, ferr := k.FindOrderByClientID(ctx, clientID)
			if ferr != nil {
				return ferr
			}
			if existing != nil {
				utils.GetLogger().Printf("Exchange | %s reconciled ambiguous submission, token %s matched order %s", k.Name(), clientID, existing.RemoteID)
				out = *existing
				return nil
			}
		}
		if _, aerr := k.limiter.Acquire(ctx, ClassOrder); aerr != nil {
			return aerr
		}
		st, serr := k.addOrder(ctx, intent, clientID)
		if serr != nil {
			if IsAmbiguous(serr) {
				maybeSubmitted = true
			}
			return serr
		}
		out = st
		return nil
	})
	return out, err
}

func (k *KrakenExchange) addOrder(ctx context.Context, intent order.Intent, clientID string) (OrderStatus, error) {
	params := url.Values{
		"pair":      {NormalizeSymbol(intent.Symbol)},
		"type":      {intent.Side},
		"ordertype": {intent.Type},
		"volume":    {strconv.FormatFloat(intent.Quantity, 'f', -1, 64)},
		"userref":   {clientID},
	}
	if intent.LimitPrice > 0 {
		params.Set("price", strconv.FormatFloat(intent.LimitPrice, 'f', -1, 64))
	}
	raw, err := k.call(ctx, "AddOrder", "/0/private/AddOrder", true, params)
	if err != nil {
		return OrderStatus{}, err
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.TxID) == 0 {
		return OrderStatus{}, &SchemaError{Op: "AddOrder", Reason: "missing transaction id"}
	}
	return OrderStatus{
		RemoteID:  result.TxID[0],
		ClientID:  clientID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Type:      intent.Type,
		Status:    order.StatusOpen,
		Price:     intent.LimitPrice,
		Quantity:  intent.Quantity,
		UpdatedAt: k.now().UTC(),
	}, nil
}

func (k *KrakenExchange) CancelOrder(ctx context.Context, remoteID string) error {
	return k.retrier.Do(ctx, ClassOrder, func() error {
		if _, err := k.limiter.Acquire(ctx, ClassOrder); err != nil {
			return err
		}
		raw, err := k.call(ctx, "CancelOrder", "/0/private/CancelOrder", true, url.Values{"txid": {remoteID}})
		if err != nil {
			return err
		}
		var result struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return &SchemaError{Op: "CancelOrder", Reason: err.Error()}
		}
		if result.Count == 0 {
			return &SchemaError{Op: "CancelOrder", Reason: "cancel count is zero"}
		}
		return nil
	})
}

func (k *KrakenExchange) GetOrderStatus(ctx context.Context, remoteID string) (OrderStatus, error) {
	var out OrderStatus
	err := k.retrier.Do(ctx, ClassPrivate, func() error {
		if _, err := k.limiter.Acquire(ctx, ClassPrivate); err != nil {
			return err
		}
		raw, err := k.call(ctx, "QueryOrders", "/0/private/QueryOrders", true, url.Values{"txid": {remoteID}})
		if err != nil {
			return err
		}
		var result map[string]krakenOrderInfo
		if err := json.Unmarshal(raw, &result); err != nil {
			return &SchemaError{Op: "QueryOrders", Reason: err.Error()}
		}
		info, ok := result[remoteID]
		if !ok {
			return &SchemaError{Op: "QueryOrders", Reason: fmt.Sprintf("order %s not in result", remoteID)}
		}
		st, serr := k.orderStatusFromInfo(remoteID, info)
		if serr != nil {
			return serr
		}
		out = st
		return nil
	})
	return out, err
}

// FindOrderByClientID scans open orders, then recently closed orders, for a
// matching userref. Used to reconcile ambiguous submissions.
func (k *KrakenExchange) FindOrderByClientID(ctx context.Context, clientID string) (*OrderStatus, error) {
	for _, endpoint := range []string{"/0/private/OpenOrders", "/0/private/ClosedOrders"} {
		var found *OrderStatus
		err := k.retrier.Do(ctx, ClassPrivate, func() error {
			if _, err := k.limiter.Acquire(ctx, ClassPrivate); err != nil {
				return err
			}
			raw, err := k.call(ctx, endpoint, endpoint, true, url.Values{"userref": {clientID}})
			if err != nil {
				return err
			}
			var result struct {
				Open   map[string]krakenOrderInfo `json:"open"`
				Closed map[string]krakenOrderInfo `json:"closed"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return &SchemaError{Op: endpoint, Reason: err.Error()}
			}
			orders := result.Open
			if orders == nil {
				orders = result.Closed
			}
			for remoteID, info := range orders {
				st, serr := k.orderStatusFromInfo(remoteID, info)
				if serr != nil {
					return serr
				}
				found = &st
				return nil
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}
