package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"l2_trader/internal/domain"
	"l2_trader/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Options configures a Client. Zero values fall back to Bitget defaults.
type Options struct {
	BaseURL     string
	AccessKey   string
	SecretKey   string
	Passphrase  string
	ProductType string
	MarginCoin  string
	RateLimit   float64 // requests per second
	HTTPClient  *http.Client
	Metrics     *infra.Metrics
	Logger      *slog.Logger
}

// Client is the Bitget V2 USDT-futures REST client. It implements
// domain.Broker: transport failures and 5xx/429 responses are NetworkError,
// 4xx responses and business error codes are BrokerRejection.
type Client struct {
	baseURL     string
	productType string
	marginCoin  string
	httpClient  *http.Client
	signer      *Signer
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	metrics     *infra.Metrics
	logger      *slog.Logger
}

// NewClient creates a client from the application config.
func NewClient(cfg *infra.Config) *Client {
	b := cfg.API.Bitget
	return NewClientWithOptions(Options{
		BaseURL:     b.RestURL,
		AccessKey:   b.AccessKey,
		SecretKey:   b.SecretKey,
		Passphrase:  b.Passphrase,
		ProductType: b.ProductType,
		MarginCoin:  b.MarginCoin,
		RateLimit:   b.RateLimit,
	})
}

// NewClientWithOptions creates a client.
func NewClientWithOptions(o Options) *Client {
	if o.BaseURL == "" {
		o.BaseURL = BaseURL
	}
	if o.ProductType == "" {
		o.ProductType = "USDT-FUTURES"
	}
	if o.MarginCoin == "" {
		o.MarginCoin = "USDT"
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 10
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}
	if o.Metrics == nil {
		o.Metrics = infra.GlobalMetrics
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	c := &Client{
		baseURL:     strings.TrimSuffix(o.BaseURL, "/"),
		productType: o.ProductType,
		marginCoin:  o.MarginCoin,
		httpClient:  o.HTTPClient,
		signer:      NewSigner(o.AccessKey, o.SecretKey, o.Passphrase),
		limiter:     rate.NewLimiter(rate.Limit(o.RateLimit), int(o.RateLimit)+1),
		metrics:     o.Metrics,
		logger:      o.Logger.With("module", "bitget_client"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bitget_rest",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsRetriable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.SetCircuitState(to == gobreaker.StateOpen)
			c.logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Buy opens or adds to a long with a market order.
func (c *Client) Buy(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return c.placeOrder(ctx, "buy", symbol, qty, sl, tp)
}

// Sell opens or adds to a short with a market order.
func (c *Client) Sell(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return c.placeOrder(ctx, "sell", symbol, qty, sl, tp)
}

func (c *Client) placeOrder(ctx context.Context, side, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	req := placeOrderRequest{
		Symbol:      symbol,
		ProductType: c.productType,
		MarginMode:  string(domain.MarginIsolated),
		MarginCoin:  c.marginCoin,
		Size:        qty.String(),
		Side:        side,
		OrderType:   "market",
		ClientOid:   uuid.NewString(),
	}
	if sl != nil {
		req.StopLoss = sl.String()
	}
	if tp != nil {
		req.TakeProfit = tp.String()
	}

	var out orderData
	if err := c.do(ctx, side, http.MethodPost, "/api/v2/mix/order/place-order", nil, req, &out); err != nil {
		return "", err
	}
	c.logger.Info("Order placed", "symbol", symbol, "side", side, "size", req.Size, "order_id", out.OrderId)
	return out.OrderId, nil
}

// CloseAll flattens every position on symbol at market.
func (c *Client) CloseAll(ctx context.Context, symbol string) (string, error) {
	req := closePositionsRequest{Symbol: symbol, ProductType: c.productType}
	var out closePositionsData
	if err := c.do(ctx, "close", http.MethodPost, "/api/v2/mix/order/close-positions", nil, req, &out); err != nil {
		return "", err
	}
	if len(out.FailureList) > 0 {
		f := out.FailureList[0]
		return "", &domain.BrokerRejection{Op: "close", Code: f.ErrorCode, Msg: f.ErrorMsg}
	}
	if len(out.SuccessList) == 0 {
		return "", fmt.Errorf("close %s: %w", symbol, domain.ErrNoPosition)
	}
	return out.SuccessList[0].OrderId, nil
}

// Positions returns open positions keyed by symbol.
func (c *Client) Positions(ctx context.Context) (map[string]domain.Position, error) {
	q := url.Values{}
	q.Set("productType", c.productType)
	q.Set("marginCoin", c.marginCoin)

	var rows []positionData
	if err := c.do(ctx, "positions", http.MethodGet, "/api/v2/mix/position/all-position", q, nil, &rows); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Position, len(rows))
	for _, r := range rows {
		pos, ok := r.toDomain()
		if !ok {
			continue
		}
		out[pos.Symbol] = pos
	}
	return out, nil
}

func (r positionData) toDomain() (domain.Position, bool) {
	qty, err := decimal.NewFromString(r.Total)
	if err != nil || !qty.IsPositive() {
		return domain.Position{}, false
	}
	side := domain.SideBuy
	if r.HoldSide == "short" {
		side = domain.SideSell
	}
	lev, _ := strconv.Atoi(r.Leverage)
	pos := domain.Position{
		Symbol:           r.Symbol,
		Side:             side,
		Quantity:         qty,
		EntryPrice:       parseDecimal(r.OpenPriceAvg),
		Leverage:         lev,
		MarginMode:       domain.MarginMode(r.MarginMode),
		MarkPrice:        parseDecimal(r.MarkPrice),
		UnrealizedPnL:    parseDecimal(r.UnrealizedPL),
		LiquidationPrice: parseDecimal(r.LiquidationPrice),
		OpenedAt:         parseMillis(r.CTime),
		UpdatedAt:        parseMillis(r.UTime),
	}
	return pos, true
}

// Balance returns the available margin-coin balance.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("productType", c.productType)

	var rows []accountData
	if err := c.do(ctx, "balance", http.MethodGet, "/api/v2/mix/account/accounts", q, nil, &rows); err != nil {
		return decimal.Zero, err
	}
	for _, r := range rows {
		if strings.EqualFold(r.MarginCoin, c.marginCoin) {
			return decimal.NewFromString(r.Available)
		}
	}
	return decimal.Zero, &domain.BrokerRejection{Op: "balance", Code: "NO_ACCOUNT", Msg: "no " + c.marginCoin + " account"}
}

// SetLeverage sets the leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	req := setLeverageRequest{
		Symbol:      symbol,
		ProductType: c.productType,
		MarginCoin:  c.marginCoin,
		Leverage:    strconv.Itoa(leverage),
	}
	return c.do(ctx, "set_leverage", http.MethodPost, "/api/v2/mix/account/set-leverage", nil, req, nil)
}

// TickerPrice returns the last traded price of symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("productType", c.productType)

	var rows []tickerData
	if err := c.do(ctx, "ticker", http.MethodGet, "/api/v2/mix/market/ticker", q, nil, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 || rows[0].LastPr == "" {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNoPrice)
	}
	return decimal.NewFromString(rows[0].LastPr)
}

// do rate-limits, circuit-breaks and classifies one request.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.NewNetworkError(op, err)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewNetworkError(op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return domain.NewFatalNetworkError(op, err)
		}
		bodyReader = bytes.NewReader(b)
		bodyStr = string(b)
	}

	rawQuery := query.Encode()
	reqURL := c.baseURL + path
	if rawQuery != "" {
		reqURL += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return domain.NewFatalNetworkError(op, err)
	}
	c.signer.Sign(req.Header, method, path, rawQuery, bodyStr)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError(op, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return domain.NewNetworkError(op, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(raw)))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		if resp.StatusCode >= 400 {
			return &domain.BrokerRejection{Op: op, Code: strconv.Itoa(resp.StatusCode), Msg: truncate(raw)}
		}
		return domain.NewFatalNetworkError(op, fmt.Errorf("failed to parse response: %w", err))
	}
	if resp.StatusCode >= 400 || apiResp.Code != successCode {
		code := apiResp.Code
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return &domain.BrokerRejection{Op: op, Code: code, Msg: apiResp.Msg}
	}

	if out != nil && len(apiResp.Data) > 0 && string(apiResp.Data) != "null" {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return domain.NewFatalNetworkError(op, fmt.Errorf("failed to parse data: %w", err))
		}
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
