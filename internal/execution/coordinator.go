package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"l2_trader/internal/domain"
	"l2_trader/internal/infra"
	"l2_trader/internal/risk"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Auditor receives audit events. Implemented by audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, kind domain.AuditKind, symbol string, payload map[string]any)
}

// Config is the execution policy.
type Config struct {
	Leverage       int
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.Leverage < 1 {
		c.Leverage = 1
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
}

// attemptLogSize bounds the in-memory attempt log.
const attemptLogSize = 512

// Attempt is one broker call, kept for latency and slippage audit.
// Attempts that belong to an order are also sent to the auditor.
type Attempt struct {
	OrderID  string
	Symbol   string
	Op       string
	Number   int
	Latency  time.Duration
	Err      string
	Expected decimal.Decimal
	Realized decimal.Decimal
	At       time.Time
}

// Coordinator owns the order lifecycle: risk check, leverage, placement with
// retry, persistence and audit.
type Coordinator struct {
	broker  domain.Broker
	gate    *risk.Gate
	store   domain.Store
	auditor Auditor
	metrics *infra.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	attempts []Attempt // ring of the last attemptLogSize calls
	next     int
}

// NewCoordinator wires the coordinator. store and auditor may be nil.
func NewCoordinator(broker domain.Broker, gate *risk.Gate, store domain.Store, auditor Auditor, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		broker:  broker,
		gate:    gate,
		store:   store,
		auditor: auditor,
		metrics: infra.GlobalMetrics,
		logger:  logger.With("module", "execution"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetMetrics overrides the metrics sink.
func (c *Coordinator) SetMetrics(m *infra.Metrics) { c.metrics = m }

// Broker returns the underlying broker.
func (c *Coordinator) Broker() domain.Broker { return c.broker }

// OpenPosition runs the open sequence for an approved signal: balance and
// reference price, risk gate, leverage, order. Nothing reaches the broker's
// order endpoints unless the gate approved. CLOSE signals are routed to
// ClosePosition.
func (c *Coordinator) OpenPosition(ctx context.Context, sig *domain.Signal) (*domain.Order, error) {
	if sig.Side == domain.SideClose {
		return c.ClosePosition(ctx, sig.Symbol, sig.Reason)
	}

	ctx, cancel := c.killable(ctx)
	defer cancel()

	balance, err := retryCall(ctx, c, "", "", "balance", func(ctx context.Context) (decimal.Decimal, error) {
		return c.broker.Balance(ctx)
	})
	if err != nil {
		return nil, c.failed(ctx, sig, nil, "balance", err)
	}
	price, err := retryCall(ctx, c, sig.Symbol, "", "ticker", func(ctx context.Context) (decimal.Decimal, error) {
		return c.broker.TickerPrice(ctx, sig.Symbol)
	})
	if err != nil {
		return nil, c.failed(ctx, sig, nil, "ticker", err)
	}

	decision := c.gate.Check(balance, price, sig.Quantity, c.cfg.Leverage)
	if !decision.Approved {
		c.metrics.RecordRiskBlock()
		c.record(ctx, domain.AuditRiskBlock, sig.Symbol, map[string]any{
			"side":     sig.Side,
			"qty":      sig.Quantity.String(),
			"price":    price.String(),
			"notional": decision.Notional.StringFixed(2),
			"reason":   string(decision.Reason),
			"detail":   decision.Detail,
			"tripped":  decision.Tripped,
		})
		return nil, decision.Err()
	}

	if _, err := retryCall(ctx, c, sig.Symbol, "", "set_leverage", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.broker.SetLeverage(ctx, sig.Symbol, c.cfg.Leverage)
	}); err != nil {
		return nil, c.failed(ctx, sig, nil, "set_leverage", err)
	}

	now := c.now()
	order := &domain.Order{
		ID:        uuid.NewString(),
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		Quantity:  sig.Quantity,
		Price:     price,
		Status:    domain.OrderStatusPending,
		Reason:    sig.Reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sl, tp := optional(sig.StopLoss), optional(sig.TakeProfit)
	before, hadBefore := c.lookupPosition(ctx, sig.Symbol)
	place := c.broker.Buy
	if sig.Side == domain.SideSell {
		place = c.broker.Sell
	}

	brokerID, err := retryCall(ctx, c, sig.Symbol, order.ID, "place_"+string(sig.Side), func(ctx context.Context) (string, error) {
		order.RetryCount++
		return place(ctx, sig.Symbol, sig.Quantity, sl, tp)
	})
	order.RetryCount--
	if err != nil {
		order.Status = domain.OrderStatusRejected
		order.UpdatedAt = c.now()
		c.saveOrder(order)
		return order, c.failed(ctx, sig, order, "place", err)
	}

	order.BrokerID = brokerID
	order.Status = domain.OrderStatusFilled
	order.UpdatedAt = c.now()

	order.FillPrice = order.Price
	pos, hasPos := c.lookupPosition(ctx, sig.Symbol)
	if hasPos {
		if fill, ok := marginalFill(before, hadBefore, pos); ok {
			order.FillPrice = fill
		}
		if liq, err := risk.CalculateLiquidationPrice(pos.EntryPrice, pos.Leverage, pos.Side, c.gate.Limits().MaintenanceMarginRate); err == nil {
			pos.LiquidationPrice = liq
		}
		c.savePosition(&pos)
	}
	c.noteRealized(ctx, order, order.Price, order.FillPrice)
	c.saveOrder(order)
	c.metrics.RecordOrderPlaced()

	c.record(ctx, domain.AuditOrderPlaced, sig.Symbol, map[string]any{
		"order_id":       order.ID,
		"broker_id":      order.BrokerID,
		"side":           order.Side,
		"qty":            order.Quantity.String(),
		"expected_price": order.Price.String(),
		"fill_price":     order.FillPrice.String(),
		"slippage_bps":   order.SlippageBps().StringFixed(2),
		"attempts":       order.RetryCount + 1,
		"leverage":       c.cfg.Leverage,
		"book_seq":       sig.BookSeq,
		"signal_age_ms":  order.CreatedAt.Sub(sig.GeneratedAt).Milliseconds(),
	})
	c.logger.Info("Order placed",
		"symbol", sig.Symbol, "side", sig.Side, "qty", sig.Quantity,
		"expected", price, "fill", order.FillPrice, "order_id", order.ID)
	return order, nil
}

// ClosePosition flattens one symbol. It bypasses cooldown and the risk gate,
// and is not cancelled by the kill switch or by ctx: the close runs to
// completion under its own retry budget.
func (c *Coordinator) ClosePosition(ctx context.Context, symbol, reason string) (*domain.Order, error) {
	ctx = context.WithoutCancel(ctx)

	positions, err := retryCall(ctx, c, "", "", "positions", func(ctx context.Context) (map[string]domain.Position, error) {
		return c.broker.Positions(ctx)
	})
	if err != nil {
		return nil, c.failedClose(ctx, symbol, reason, err)
	}
	pos, ok := positions[symbol]
	if !ok {
		return nil, fmt.Errorf("close %s: %w", symbol, domain.ErrNoPosition)
	}
	return c.closeOne(ctx, pos, reason)
}

// EmergencyCloseAll flattens every open position. Each symbol is closed
// independently; failures are joined.
func (c *Coordinator) EmergencyCloseAll(ctx context.Context, reason string) error {
	ctx = context.WithoutCancel(ctx)

	positions, err := retryCall(ctx, c, "", "", "positions", func(ctx context.Context) (map[string]domain.Position, error) {
		return c.broker.Positions(ctx)
	})
	if err != nil {
		return c.failedClose(ctx, "", reason, err)
	}

	var errs []error
	for _, pos := range positions {
		if _, err := c.closeOne(ctx, pos, reason); err != nil {
			errs = append(errs, err)
		}
	}
	if len(positions) > 0 {
		c.logger.Warn("Emergency close completed", "positions", len(positions), "failures", len(errs), "reason", reason)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) closeOne(ctx context.Context, pos domain.Position, reason string) (*domain.Order, error) {
	expected := pos.MarkPrice
	if p, err := callOnce(ctx, c.cfg.CallTimeout, func(ctx context.Context) (decimal.Decimal, error) {
		return c.broker.TickerPrice(ctx, pos.Symbol)
	}); err == nil {
		expected = p
	}

	now := c.now()
	order := &domain.Order{
		ID:        uuid.NewString(),
		Symbol:    pos.Symbol,
		Side:      domain.SideClose,
		Quantity:  pos.Quantity,
		Price:     expected,
		Status:    domain.OrderStatusPending,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}

	brokerID, err := retryCall(ctx, c, pos.Symbol, order.ID, "close", func(ctx context.Context) (string, error) {
		order.RetryCount++
		return c.broker.CloseAll(ctx, pos.Symbol)
	})
	order.RetryCount--
	order.UpdatedAt = c.now()
	if err != nil {
		order.Status = domain.OrderStatusRejected
		c.saveOrder(order)
		return order, c.failedClose(ctx, pos.Symbol, reason, err)
	}

	order.BrokerID = brokerID
	order.Status = domain.OrderStatusFilled
	order.FillPrice = expected
	realized := pos.PnLAt(expected)
	c.noteRealized(ctx, order, expected, expected)

	c.RecordTrade(domain.Trade{
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   expected,
		RealizedPnL: realized,
		Reason:      reason,
		ClosedAt:    order.UpdatedAt,
	})
	c.saveOrder(order)
	c.deletePosition(pos.Symbol)
	c.metrics.RecordOrderPlaced()

	c.record(ctx, domain.AuditOrderPlaced, pos.Symbol, map[string]any{
		"order_id":       order.ID,
		"broker_id":      brokerID,
		"side":           domain.SideClose,
		"position_side":  pos.Side,
		"qty":            pos.Quantity.String(),
		"expected_price": expected.String(),
		"realized_pnl":   realized.StringFixed(4),
		"attempts":       order.RetryCount + 1,
		"reason":         reason,
	})
	c.logger.Info("Position closed", "symbol", pos.Symbol, "side", pos.Side, "qty", pos.Quantity, "pnl", realized, "reason", reason)
	return order, nil
}

// RecordTrade books a realized round trip into the risk state and the store.
// Also used for closes that happen inside the broker (stop-loss hits).
func (c *Coordinator) RecordTrade(tr domain.Trade) {
	c.gate.RecordTrade(tr.RealizedPnL)
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.SaveTrade(ctx, &tr); err != nil {
		c.logger.Warn("Failed to persist trade", "symbol", tr.Symbol, "error", err)
	}
}

// Attempts returns the most recent broker attempts, oldest first.
func (c *Coordinator) Attempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.attempts) < attemptLogSize {
		return append([]Attempt(nil), c.attempts...)
	}
	out := make([]Attempt, 0, attemptLogSize)
	out = append(out, c.attempts[c.next:]...)
	return append(out, c.attempts[:c.next]...)
}

// killable derives a context cancelled when the kill switch trips.
func (c *Coordinator) killable(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	done := c.gate.Done()
	stop := make(chan struct{})
	go func() {
		select {
		case <-done:
			cancel(domain.ErrKillSwitchActive)
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		close(stop)
		cancel(context.Canceled)
	}
}

// retryCall runs op with exponential backoff. Each attempt gets its own
// timeout and is detached from ctx, so cancellation (kill switch, shutdown)
// takes effect between attempts, never mid-call. Only retriable errors and
// timeouts are retried.
func retryCall[T any](ctx context.Context, c *Coordinator, symbol, orderID, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := context.Cause(ctx); err != nil {
		return zero, err
	}

	n := 0
	operation := func() (T, error) {
		n++
		start := c.now()
		res, err := callOnce(ctx, c.cfg.CallTimeout, fn)
		c.noteAttempt(ctx, Attempt{OrderID: orderID, Symbol: symbol, Op: op, Number: n, Latency: c.now().Sub(start), Err: errString(err), At: start})
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewNetworkError(op, err)
		}
		if !domain.IsRetriable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = c.cfg.MaxBackoff

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RecordRetry()
			c.logger.Warn("Broker call failed, retrying", "op", op, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && (errors.Is(err, cause) || errors.Is(err, ctx.Err()) || domain.IsRetriable(err)) {
			return zero, fmt.Errorf("%s interrupted after %d attempt(s): %w", op, n, cause)
		}
		return zero, fmt.Errorf("%s failed after %d attempt(s): %w", op, n, err)
	}
	return res, nil
}

func callOnce[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(ctx)
}

func (c *Coordinator) failed(ctx context.Context, sig *domain.Signal, order *domain.Order, op string, err error) error {
	c.metrics.RecordError()
	payload := map[string]any{
		"op":        op,
		"side":      sig.Side,
		"qty":       sig.Quantity.String(),
		"error":     err.Error(),
		"retriable": domain.IsRetriable(err),
	}
	if order != nil {
		payload["order_id"] = order.ID
		payload["attempts"] = order.RetryCount + 1
	}
	c.record(ctx, domain.AuditExecutionError, sig.Symbol, payload)
	c.logger.Error("Open failed", "symbol", sig.Symbol, "side", sig.Side, "op", op, "error", err)
	return fmt.Errorf("open %s %s: %w", sig.Side, sig.Symbol, err)
}

func (c *Coordinator) failedClose(ctx context.Context, symbol, reason string, err error) error {
	c.metrics.RecordError()
	c.record(ctx, domain.AuditExecutionError, symbol, map[string]any{
		"op":     "close",
		"reason": reason,
		"error":  err.Error(),
	})
	c.logger.Error("Close failed", "symbol", symbol, "reason", reason, "error", err)
	if symbol == "" {
		return fmt.Errorf("close all: %w", err)
	}
	return fmt.Errorf("close %s: %w", symbol, err)
}

func (c *Coordinator) record(ctx context.Context, kind domain.AuditKind, symbol string, payload map[string]any) {
	if c.auditor != nil {
		c.auditor.Record(context.WithoutCancel(ctx), kind, symbol, payload)
	}
}

func (c *Coordinator) lookupPosition(ctx context.Context, symbol string) (domain.Position, bool) {
	positions, err := callOnce(ctx, c.cfg.CallTimeout, func(ctx context.Context) (map[string]domain.Position, error) {
		return c.broker.Positions(ctx)
	})
	if err != nil {
		c.logger.Warn("Position lookup after fill failed", "symbol", symbol, "error", err)
		return domain.Position{}, false
	}
	pos, ok := positions[symbol]
	return pos, ok
}

// Store writes are best effort and never fail the caller.

func (c *Coordinator) saveOrder(o *domain.Order) {
	c.persist("order", func(ctx context.Context) error { return c.store.SaveOrder(ctx, o) })
}

func (c *Coordinator) savePosition(p *domain.Position) {
	c.persist("position", func(ctx context.Context) error { return c.store.SavePosition(ctx, p) })
}

func (c *Coordinator) deletePosition(symbol string) {
	c.persist("position", func(ctx context.Context) error { return c.store.DeletePosition(ctx, symbol) })
}

func (c *Coordinator) persist(what string, fn func(context.Context) error) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Warn("Store write failed", "what", what, "error", err)
	}
}

func (c *Coordinator) noteAttempt(ctx context.Context, a Attempt) {
	c.mu.Lock()
	if len(c.attempts) < attemptLogSize {
		c.attempts = append(c.attempts, a)
	} else {
		c.attempts[c.next] = a
		c.next = (c.next + 1) % attemptLogSize
	}
	c.mu.Unlock()

	if a.OrderID == "" {
		return
	}
	payload := map[string]any{
		"order_id":   a.OrderID,
		"op":         a.Op,
		"attempt":    a.Number,
		"latency_ms": a.Latency.Milliseconds(),
		"ok":         a.Err == "",
	}
	if a.Err != "" {
		payload["error"] = a.Err
	}
	c.record(ctx, domain.AuditOrderAttempt, a.Symbol, payload)
}

// noteRealized stamps expected and realized prices on the last attempt of
// an order and audits the priced outcome.
func (c *Coordinator) noteRealized(ctx context.Context, order *domain.Order, expected, realized decimal.Decimal) {
	var last Attempt
	found := false
	c.mu.Lock()
	for i := range c.attempts {
		a := &c.attempts[i]
		if a.OrderID == order.ID && (!found || a.Number > last.Number) {
			a.Expected, a.Realized = expected, realized
			last, found = *a, true
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}
	c.record(ctx, domain.AuditOrderAttempt, order.Symbol, map[string]any{
		"order_id":       order.ID,
		"op":             last.Op,
		"attempt":        last.Number,
		"latency_ms":     last.Latency.Milliseconds(),
		"ok":             true,
		"expected_price": expected.String(),
		"realized_price": realized.String(),
		"slippage_bps":   order.SlippageBps().StringFixed(2),
	})
}

// marginalFill derives this order's fill from the position before and after
// it. Adding to a position averages the entry, so the fill is the entry
// value added divided by the quantity added. A fresh or flipped position's
// entry is the fill. A pure reduce leaves no trace and reports false.
func marginalFill(before domain.Position, hadBefore bool, after domain.Position) (decimal.Decimal, bool) {
	if !hadBefore || before.Side != after.Side {
		return after.EntryPrice, true
	}
	added := after.Quantity.Sub(before.Quantity)
	if !added.IsPositive() {
		return decimal.Zero, false
	}
	value := after.EntryPrice.Mul(after.Quantity).Sub(before.EntryPrice.Mul(before.Quantity))
	return value.Div(added).Round(8), true
}

func optional(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
