package exchange

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/amirphl/kraken-trader/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedResponse is one canned reply (or transport error) for a path.
type scriptedResponse struct {
	status int
	body   string
	err    error
}

// fakeDoer replays scripted responses per path and records every request.
type fakeDoer struct {
	responses map[string][]scriptedResponse
	requests  []string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	f.requests = append(f.requests, path)
	queue := f.responses[path]
	if len(queue) == 0 {
		return nil, errors.New("no scripted response for " + path)
	}
	next := queue[0]
	f.responses[path] = queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	status := next.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(next.body)),
	}, nil
}

func (f *fakeDoer) countCalls(path string) int {
	n := 0
	for _, p := range f.requests {
		if p == path {
			n++
		}
	}
	return n
}

const assetPairsBody = `{"error":[],"result":{"XXBTZUSD":{"wsname":"XBT/USD","base":"XXBT","quote":"ZUSD","pair_decimals":1,"lot_decimals":8,"ordermin":"0.0001"}}}`

func newTestKraken(doer *fakeDoer) (*KrakenExchange, *fakeClock) {
	clock := newFakeClock()
	k := NewKrakenExchange("key", "c2VjcmV0") // base64("secret")
	k.client = doer
	k.now = clock.now
	k.limiter.now = clock.now
	k.limiter.sleep = clock.sleep
	k.retrier.now = clock.now
	k.retrier.sleep = clock.sleep
	return k, clock
}

func TestKraken_FetchTicker(t *testing.T) {
	doer := &fakeDoer{responses: map[string][]scriptedResponse{
		"/0/public/Ticker": {{body: `{"error":[],"result":{"XXBTZUSD":{"c":["50000.0","0.01"],"v":["120.5","340.9"]}}}`}},
	}}
	k, _ := newTestKraken(doer)

	tick, err := k.FetchTicker(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, tick.Price)
	assert.Equal(t, "BTC/USD", tick.Symbol)
}

func TestKraken_FetchBalances(t *testing.T) {
	doer := &fakeDoer{responses: map[string][]scriptedResponse{
		"/0/private/BalanceEx": {{body: `{"error":[],"result":{"ZUSD":{"balance":"1000.0","hold_trade":"250.0"},"XXBT":{"balance":"0.5","hold_trade":"0"}}}`}},
	}}
	k, _ := newTestKraken(doer)

	balances, err := k.FetchBalances(context.Background())
	require.NoError(t, err)
	usd := balances["USD"]
	assert.Equal(t, 750.0, usd.Available)
	assert.Equal(t, 250.0, usd.Reserved)
	assert.Equal(t, 1000.0, usd.Total())
	assert.Equal(t, 0.5, balances["BTC"].Available)
}

func TestKraken_FetchPairs(t *testing.T) {
	doer := &fakeDoer{responses: map[string][]scriptedResponse{
		"/0/public/AssetPairs": {{body: assetPairsBody}},
	}}
	k, _ := newTestKraken(doer)

	pairs, err := k.FetchPairs(context.Background())
	require.NoError(t, err)
	info, ok := pairs["BTC/USD"]
	require.True(t, ok)
	assert.Equal(t, 0.0001, info.MinOrderSize)
	assert.Equal(t, 1, info.PriceDecimals)
	assert.Equal(t, 8, info.QtyDecimals)
	assert.Equal(t, "BTC", info.Base)
	assert.Equal(t, "USD", info.Quote)
}

func TestKraken_SubmitOrder(t *testing.T) {
	intent := order.Intent{Symbol: "BTC/USD", Side: order.SideBuy, Type: order.TypeLimit, Quantity: 0.01, LimitPrice: 50000.0}

	t.Run("happy path", func(t *testing.T) {
		doer := &fakeDoer{responses: map[string][]scriptedResponse{
			"/0/public/AssetPairs": {{body: assetPairsBody}},
			"/0/private/AddOrder":  {{body: `{"error":[],"result":{"txid":["OABC-123"],"descr":{"order":"buy 0.01 XBTUSD @ limit 50000"}}}`}},
		}}
		k, _ := newTestKraken(doer)

		st, err := k.SubmitOrder(context.Background(), intent, "777001")
		require.NoError(t, err)
		assert.Equal(t, "OABC-123", st.RemoteID)
		assert.Equal(t, "777001", st.ClientID)
		assert.Equal(t, order.StatusOpen, st.Status)
	})

	t.Run("validation fails fast without any wire call", func(t *testing.T) {
		doer := &fakeDoer{responses: map[string][]scriptedResponse{
			"/0/public/AssetPairs": {{body: assetPairsBody}},
		}}
		k, _ := newTestKraken(doer)

		tooSmall := intent
		tooSmall.Quantity = 0.00001
		_, err := k.SubmitOrder(context.Background(), tooSmall, "777002")
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, 0, doer.countCalls("/0/private/AddOrder"))

		badPrecision := intent
		badPrecision.LimitPrice = 50000.123
		_, err = k.SubmitOrder(context.Background(), badPrecision, "777003")
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, 0, doer.countCalls("/0/private/AddOrder"))
	})

	t.Run("ambiguous failure reconciles by token instead of resubmitting", func(t *testing.T) {
		openOrdersBody := `{"error":[],"result":{"open":{"OXYZ-999":{"userref":777004,"status":"open","vol":"0.01","vol_exec":"0","price":"0","descr":{"pair":"XBTUSD","type":"buy","ordertype":"limit","price":"50000.0"},"opentm":1700000000}}}}`
		doer := &fakeDoer{responses: map[string][]scriptedResponse{
			"/0/public/AssetPairs":  {{body: assetPairsBody}},
			"/0/private/AddOrder":   {{err: errors.New("read tcp: connection reset")}},
			"/0/private/OpenOrders": {{body: openOrdersBody}},
		}}
		k, _ := newTestKraken(doer)

		st, err := k.SubmitOrder(context.Background(), intent, "777004")
		require.NoError(t, err)
		assert.Equal(t, "OXYZ-999", st.RemoteID)
		assert.Equal(t, "777004", st.ClientID)
		// The order was adopted, never resubmitted.
		assert.Equal(t, 1, doer.countCalls("/0/private/AddOrder"))
	})

	t.Run("ambiguous failure with no match resubmits once", func(t *testing.T) {
		emptyOpen := `{"error":[],"result":{"open":{}}}`
		emptyClosed := `{"error":[],"result":{"closed":{}}}`
		doer := &fakeDoer{responses: map[string][]scriptedResponse{
			"/0/public/AssetPairs": {{body: assetPairsBody}},
			"/0/private/AddOrder": {
				{err: errors.New("read tcp: connection reset")},
				{body: `{"error":[],"result":{"txid":["ONEW-111"]}}`},
			},
			"/0/private/OpenOrders":   {{body: emptyOpen}},
			"/0/private/ClosedOrders": {{body: emptyClosed}},
		}}
		k, _ := newTestKraken(doer)

		st, err := k.SubmitOrder(context.Background(), intent, "777005")
		require.NoError(t, err)
		assert.Equal(t, "ONEW-111", st.RemoteID)
		assert.Equal(t, 2, doer.countCalls("/0/private/AddOrder"))
	})

	t.Run("fatal rejection surfaces immediately", func(t *testing.T) {
		doer := &fakeDoer{responses: map[string][]scriptedResponse{
			"/0/public/AssetPairs": {{body: assetPairsBody}},
			"/0/private/AddOrder":  {{body: `{"error":["EOrder:Insufficient funds"]}`}},
		}}
		k, _ := newTestKraken(doer)

		_, err := k.SubmitOrder(context.Background(), intent, "777006")
		var ee *ExchangeError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "EOrder:Insufficient funds", ee.Code)
		assert.Equal(t, 1, doer.countCalls("/0/private/AddOrder"))
	})
}

func TestKraken_GetOrderStatus(t *testing.T) {
	body := `{"error":[],"result":{"OABC-123":{"userref":777001,"status":"closed","vol":"0.01","vol_exec":"0.01","price":"50000.0","descr":{"pair":"XBTUSD","type":"buy","ordertype":"limit","price":"50000.0"},"opentm":1700000000,"closetm":1700000300}}}`
	doer := &fakeDoer{responses: map[string][]scriptedResponse{
		"/0/private/QueryOrders": {{body: body}},
	}}
	k, _ := newTestKraken(doer)

	st, err := k.GetOrderStatus(context.Background(), "OABC-123")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, st.Status)
	assert.Equal(t, 0.01, st.FilledQty)
	assert.Equal(t, 50000.0, st.AvgPrice)
	assert.Equal(t, time.Unix(1700000300, 0).UTC(), st.UpdatedAt)
}

func TestKraken_CancelOrder(t *testing.T) {
	t.Run("confirmed cancel", func(t *testing.T) {
		doer := &fakeDoer{responses: map[string][]scriptedResponse{
			"/0/private/CancelOrder": {{body: `{"error":[],"result":{"count":1}}`}},
		}}
		k, _ := newTestKraken(doer)
		assert.NoError(t, k.CancelOrder(context.Background(), "OABC-123"))
	})

	t.Run("rate limited response retries after widening", func(t *testing.T) {
		doer := &fakeDoer{responses: map[string][]scriptedResponse{
			"/0/private/CancelOrder": {
				{status: http.StatusTooManyRequests, body: ""},
				{body: `{"error":[],"result":{"count":1}}`},
			},
		}}
		k, _ := newTestKraken(doer)

		require.NoError(t, k.CancelOrder(context.Background(), "OABC-123"))
		assert.Equal(t, 6*time.Second, k.limiter.Interval(ClassOrder))
	})
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "XBTUSD", NormalizeSymbol("BTC/USD"))
	assert.Equal(t, "ETHUSD", NormalizeSymbol("ETH/USD"))
	assert.Equal(t, "XBTEUR", NormalizeSymbol("btc/eur"))
}

func TestKraken_FetchOHLCV(t *testing.T) {
	body := `{"error":[],"result":{"XXBTZUSD":[` +
		`[1700000000,"50000.0","50100.0","49900.0","50050.0","50000.5","12.5",100],` +
		`[1700000060,"50050.0","50200.0","50000.0","50150.0","50100.0","8.25",80]` +
		`],"last":1700000060}}`
	doer := &fakeDoer{responses: map[string][]scriptedResponse{
		"/0/public/OHLC": {{body: body}},
	}}
	k, _ := newTestKraken(doer)

	since := time.Unix(1699999000, 0)
	ticks, err := k.FetchOHLCV(context.Background(), "BTC/USD", time.Minute, since)
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	first := ticks[0]
	assert.Equal(t, "BTC/USD", first.Symbol)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), first.Timestamp)
	assert.InDelta(t, 50000, first.Open, 1e-9)
	assert.InDelta(t, 50100, first.High, 1e-9)
	assert.InDelta(t, 49900, first.Low, 1e-9)
	assert.InDelta(t, 50050, first.Price, 1e-9)
	assert.InDelta(t, 12.5, first.Volume, 1e-9)

	assert.Equal(t, time.Unix(1700000060, 0).UTC(), ticks[1].Timestamp)
	assert.Equal(t, 1, doer.countCalls("/0/public/OHLC"))
}

func TestKraken_FetchOHLCVRejectsShortRows(t *testing.T) {
	doer := &fakeDoer{responses: map[string][]scriptedResponse{
		"/0/public/OHLC": {{body: `{"error":[],"result":{"XXBTZUSD":[[1700000000,"50000.0"]],"last":1700000000}}`}},
	}}
	k, _ := newTestKraken(doer)

	_, err := k.FetchOHLCV(context.Background(), "BTC/USD", time.Minute, time.Time{})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "OHLC", se.Op)
}
