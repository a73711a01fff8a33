package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"l2_trader/internal/domain"
	"l2_trader/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *infra.Metrics) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	m := &infra.Metrics{}
	c := NewClientWithOptions(Options{
		BaseURL:    srv.URL,
		AccessKey:  "key",
		SecretKey:  "secret",
		Passphrase: "pass",
		RateLimit:  1000,
		HTTPClient: srv.Client(),
		Metrics:    m,
	})
	return c, m
}

func writeOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(apiResponse{Code: successCode, Msg: "success", Data: raw})
}

func TestClient_Balance(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/mix/account/accounts", r.URL.Path)
		assert.Equal(t, "USDT-FUTURES", r.URL.Query().Get("productType"))
		assert.Equal(t, "key", r.Header.Get("ACCESS-KEY"))
		assert.NotEmpty(t, r.Header.Get("ACCESS-SIGN"))
		writeOK(w, []accountData{
			{MarginCoin: "USDC", Available: "1"},
			{MarginCoin: "USDT", Available: "1234.5678", AccountEquity: "1300"},
		})
	}))

	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1234.5678", bal.String())
}

func TestClient_PlaceOrder(t *testing.T) {
	var got placeOrderRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/mix/order/place-order", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		writeOK(w, orderData{OrderId: "1001", ClientOid: got.ClientOid})
	}))

	sl, tp := decimal.RequireFromString("49000"), decimal.RequireFromString("52000")
	id, err := c.Sell(context.Background(), "BTCUSDT", decimal.RequireFromString("0.01"), &sl, &tp)
	require.NoError(t, err)
	assert.Equal(t, "1001", id)

	assert.Equal(t, "sell", got.Side)
	assert.Equal(t, "market", got.OrderType)
	assert.Equal(t, "0.01", got.Size)
	assert.Equal(t, "isolated", got.MarginMode)
	assert.Equal(t, "49000", got.StopLoss)
	assert.Equal(t, "52000", got.TakeProfit)
	assert.NotEmpty(t, got.ClientOid)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retriable bool
		code      string
	}{
		{"server error", 502, "bad gateway", true, ""},
		{"rate limited", 429, `{"code":"429","msg":"too many requests"}`, true, ""},
		{"insufficient balance", 400, `{"code":"40762","msg":"The order amount exceeds the balance"}`, false, "40762"},
		{"business error on 200", 200, `{"code":"45110","msg":"less than the minimum order quantity"}`, false, "45110"},
		{"plain 4xx", 404, "not found", false, "404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))

			_, err := c.Buy(context.Background(), "BTCUSDT", decimal.NewFromInt(1), nil, nil)
			require.Error(t, err)
			assert.Equal(t, tt.retriable, domain.IsRetriable(err), err.Error())

			var rej *domain.BrokerRejection
			if tt.code != "" {
				require.True(t, errors.As(err, &rej))
				assert.Equal(t, tt.code, rej.Code)
			} else {
				assert.False(t, errors.As(err, &rej))
			}
		})
	}
}

func TestClient_TransportErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClientWithOptions(Options{BaseURL: srv.URL, RateLimit: 1000, Metrics: &infra.Metrics{}})

	_, err := c.TickerPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))
}

func TestClient_CircuitOpensOnOutage(t *testing.T) {
	var hits atomic.Int32
	c, m := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for i := 0; i < 5; i++ {
		_, err := c.Balance(context.Background())
		require.Error(t, err)
	}
	_, err := c.Balance(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, domain.IsRetriable(err), "open circuit is retried later, not rejected")
	assert.Equal(t, int32(5), hits.Load(), "open circuit short-circuits the request")
	assert.True(t, m.Snapshot().CircuitOpen)
}

func TestClient_RejectionsDoNotOpenCircuit(t *testing.T) {
	c, m := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"40762","msg":"balance"}`)
	}))
	for i := 0; i < 10; i++ {
		_, err := c.Buy(context.Background(), "BTCUSDT", decimal.NewFromInt(1), nil, nil)
		var rej *domain.BrokerRejection
		require.True(t, errors.As(err, &rej))
	}
	assert.False(t, m.Snapshot().CircuitOpen)
}

func TestClient_Positions(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/mix/position/all-position", r.URL.Path)
		writeOK(w, []positionData{
			{Symbol: "BTCUSDT", HoldSide: "short", Total: "0.02", OpenPriceAvg: "50000", Leverage: "5",
				MarginMode: "isolated", MarkPrice: "49900", UnrealizedPL: "2", LiquidationPrice: "59800", CTime: "1700000000000"},
			{Symbol: "ETHUSDT", HoldSide: "long", Total: "0"},
		})
	}))

	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)

	pos := positions["BTCUSDT"]
	assert.True(t, pos.IsShort())
	assert.Equal(t, 5, pos.Leverage)
	assert.Equal(t, domain.MarginIsolated, pos.MarginMode)
	assert.Equal(t, "59800", pos.LiquidationPrice.String())
	assert.Equal(t, int64(1700000000000), pos.OpenedAt.UnixMilli())
}

func TestClient_TickerAndLeverage(t *testing.T) {
	var leverage setLeverageRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/mix/market/ticker":
			if r.URL.Query().Get("symbol") == "XRPUSDT" {
				writeOK(w, []tickerData{})
				return
			}
			writeOK(w, []tickerData{{Symbol: "BTCUSDT", LastPr: "50123.5"}})
		case "/api/v2/mix/account/set-leverage":
			_ = json.NewDecoder(r.Body).Decode(&leverage)
			writeOK(w, map[string]string{"longLeverage": leverage.Leverage})
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	price, err := c.TickerPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50123.5", price.String())

	_, err = c.TickerPrice(ctx, "XRPUSDT")
	assert.ErrorIs(t, err, domain.ErrNoPrice)

	require.NoError(t, c.SetLeverage(ctx, "BTCUSDT", 7))
	assert.Equal(t, "7", leverage.Leverage)
	assert.Equal(t, "USDT", leverage.MarginCoin)
}

func TestClient_CloseAll(t *testing.T) {
	var empty atomic.Bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if empty.Load() {
			writeOK(w, closePositionsData{})
			return
		}
		writeOK(w, closePositionsData{SuccessList: []orderData{{OrderId: "77"}}})
	}))

	id, err := c.CloseAll(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	empty.Store(true)
	_, err = c.CloseAll(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNoPosition)
}

func TestClient_ImplementsBroker(t *testing.T) {
	var _ domain.Broker = (*Client)(nil)
}
