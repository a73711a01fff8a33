package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"l2_trader/internal/audit"
	"l2_trader/internal/domain"
	"l2_trader/internal/infra"
	"l2_trader/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBroker wraps a PaperBroker and injects failures into order calls.
type scriptedBroker struct {
	*PaperBroker

	mu         sync.Mutex
	orderErrs  []error
	orderDelay time.Duration
	onOrder    func()
	orderCalls int
	closeCalls int
}

func (s *scriptedBroker) next() (time.Duration, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderCalls++
	var err error
	if len(s.orderErrs) > 0 {
		err, s.orderErrs = s.orderErrs[0], s.orderErrs[1:]
	}
	return s.orderDelay, s.onOrder, err
}

func (s *scriptedBroker) place(ctx context.Context, fn func() (string, error)) (string, error) {
	delay, hook, err := s.next()
	if hook != nil {
		hook()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fn()
}

func (s *scriptedBroker) Buy(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return s.place(ctx, func() (string, error) { return s.PaperBroker.Buy(ctx, symbol, qty, sl, tp) })
}

func (s *scriptedBroker) Sell(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return s.place(ctx, func() (string, error) { return s.PaperBroker.Sell(ctx, symbol, qty, sl, tp) })
}

func (s *scriptedBroker) CloseAll(ctx context.Context, symbol string) (string, error) {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	return s.PaperBroker.CloseAll(ctx, symbol)
}

func (s *scriptedBroker) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderCalls, s.closeCalls
}

type recordingStore struct {
	mu        sync.Mutex
	orders    []domain.Order
	trades    []domain.Trade
	positions map[string]domain.Position
	deleted   []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{positions: make(map[string]domain.Position)}
}

func (r *recordingStore) SaveOrder(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, *o)
	return nil
}

func (r *recordingStore) SaveTrade(_ context.Context, t *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, *t)
	return nil
}

func (r *recordingStore) SavePosition(_ context.Context, p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[p.Symbol] = *p
	return nil
}

func (r *recordingStore) DeletePosition(_ context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, symbol)
	r.deleted = append(r.deleted, symbol)
	return nil
}

func (r *recordingStore) SaveRiskState(context.Context, *domain.RiskState) error { return nil }

func (r *recordingStore) LoadRiskState(context.Context) (*domain.RiskState, error) { return nil, nil }

type harness struct {
	broker  *scriptedBroker
	gate    *risk.Gate
	store   *recordingStore
	sink    *audit.MemorySink
	metrics *infra.Metrics
	coord   *Coordinator
}

func newHarness(t *testing.T, slippageBps string, cfg Config) *harness {
	t.Helper()
	paper := NewPaperBroker(dec("10000"), dec(slippageBps))
	paper.UpdatePrice("ETHUSDT", dec("2000"))
	paper.UpdatePrice("BTCUSDT", dec("50000"))

	h := &harness{
		broker: &scriptedBroker{PaperBroker: paper},
		gate: risk.NewGate(risk.Limits{
			MaxLeverage:           10,
			MaxPositionUSD:        dec("10000"),
			DailyLossLimit:        dec("500"),
			MaxDrawdown:           dec("1000"),
			LiquidationBuffer:     dec("0.5"),
			MaintenanceMarginRate: dec("0.004"),
		}),
		store:   newRecordingStore(),
		sink:    &audit.MemorySink{},
		metrics: &infra.Metrics{},
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 5
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	h.coord = NewCoordinator(h.broker, h.gate, h.store, audit.NewRecorder(h.sink, nil), cfg, nil)
	h.coord.SetMetrics(h.metrics)
	return h
}

func buySignal(symbol, qty string) *domain.Signal {
	return &domain.Signal{
		Symbol:      symbol,
		Side:        domain.SideBuy,
		Quantity:    dec(qty),
		Reason:      "imbalance 3.1000 > 2.5000",
		GeneratedAt: time.Now(),
		BookSeq:     42,
	}
}

func TestOpenPosition_RetriesNetworkErrors(t *testing.T) {
	h := newHarness(t, "0", Config{MaxAttempts: 3})
	h.broker.orderErrs = []error{
		domain.NewNetworkError("buy", errors.New("connection reset")),
		domain.NewNetworkError("buy", errors.New("502 bad gateway")),
	}

	order, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 2, order.RetryCount)

	calls, _ := h.broker.calls()
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(2), h.metrics.Snapshot().Retries)

	var placed int
	for _, a := range h.coord.Attempts() {
		if a.OrderID == order.ID {
			placed++
		}
	}
	assert.Equal(t, 3, placed, "every attempt is recorded")
}

func TestOpenPosition_RejectionIsNotRetried(t *testing.T) {
	h := newHarness(t, "0", Config{MaxAttempts: 5})
	h.broker.orderErrs = []error{&domain.BrokerRejection{Op: "buy", Code: "40762", Msg: "balance not enough"}}

	order, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.Error(t, err)

	var rej *domain.BrokerRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "40762", rej.Code)

	calls, _ := h.broker.calls()
	assert.Equal(t, 1, calls)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Len(t, h.sink.OfKind(domain.AuditExecutionError), 1)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().ErrorsTotal)

	positions, _ := h.broker.Positions(context.Background())
	assert.Empty(t, positions)
}

func TestOpenPosition_TimeoutCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, "0", Config{MaxAttempts: 2, CallTimeout: 10 * time.Millisecond})
	h.broker.orderDelay = time.Second

	start := time.Now()
	_, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var ne *domain.NetworkError
	assert.True(t, errors.As(err, &ne))

	calls, _ := h.broker.calls()
	assert.Equal(t, 2, calls)
}

func TestOpenPosition_RiskBlockNeverReachesBroker(t *testing.T) {
	h := newHarness(t, "0", Config{})

	// 0.3 BTC at 50000 = 15000 notional > 10000.
	_, err := h.coord.OpenPosition(context.Background(), buySignal("BTCUSDT", "0.3"))
	require.ErrorIs(t, err, risk.ErrRejected)

	calls, _ := h.broker.calls()
	assert.Zero(t, calls)

	blocks := h.sink.OfKind(domain.AuditRiskBlock)
	require.Len(t, blocks, 1)
	assert.Equal(t, string(risk.ReasonNotional), blocks[0].Payload["reason"])
	assert.Equal(t, "15000.00", blocks[0].Payload["notional"])
	assert.Equal(t, uint64(1), h.metrics.Snapshot().RiskBlocks)
}

func TestOpenPosition_KillSwitchActive(t *testing.T) {
	h := newHarness(t, "0", Config{})
	h.gate.TriggerKillSwitch("operator")

	_, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.ErrorIs(t, err, domain.ErrKillSwitchActive)

	calls, _ := h.broker.calls()
	assert.Zero(t, calls)
}

func TestOpenPosition_KillSwitchInterruptsRetries(t *testing.T) {
	h := newHarness(t, "0", Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     time.Second,
	})
	h.broker.orderErrs = []error{
		domain.NewNetworkError("buy", errors.New("timeout")),
		domain.NewNetworkError("buy", errors.New("timeout")),
	}
	h.broker.onOrder = func() { h.gate.TriggerKillSwitch("daily loss") }

	start := time.Now()
	_, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.ErrorIs(t, err, domain.ErrKillSwitchActive)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "no waiting out the backoff")

	calls, _ := h.broker.calls()
	assert.Equal(t, 1, calls)
}

func TestOpenPosition_AuditsExpectedAndRealizedPrice(t *testing.T) {
	h := newHarness(t, "10", Config{})

	order, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.NoError(t, err)
	assert.Equal(t, "2000", order.Price.String())
	assert.Equal(t, "2002", order.FillPrice.String())

	placed := h.sink.OfKind(domain.AuditOrderPlaced)
	require.Len(t, placed, 1)
	p := placed[0].Payload
	assert.Equal(t, "2000", p["expected_price"])
	assert.Equal(t, "2002", p["fill_price"])
	assert.Equal(t, "10.00", p["slippage_bps"])
	assert.Equal(t, uint64(42), p["book_seq"])
	assert.Equal(t, 1, p["attempts"])

	// 2002 * (1 - 1/5 + 0.004)
	pos, ok := h.store.positions["ETHUSDT"]
	require.True(t, ok)
	assert.Equal(t, "1609.608", pos.LiquidationPrice.String())

	require.Len(t, h.store.orders, 1)
	assert.Equal(t, domain.OrderStatusFilled, h.store.orders[0].Status)

	attempts := h.coord.Attempts()
	last := attempts[len(attempts)-1]
	assert.Equal(t, order.ID, last.OrderID)
	assert.Equal(t, "2002", last.Realized.String())
}

func TestClosePosition_RecordsTrade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0", Config{})
	_, err := h.coord.OpenPosition(ctx, buySignal("ETHUSDT", "1"))
	require.NoError(t, err)

	h.broker.UpdatePrice("ETHUSDT", dec("2100"))
	order, err := h.coord.ClosePosition(ctx, "ETHUSDT", "signal")
	require.NoError(t, err)
	assert.Equal(t, domain.SideClose, order.Side)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)

	st := h.gate.Snapshot()
	assert.Equal(t, "100", st.DailyRealizedPnL.String())
	assert.Equal(t, 1, st.TradeCount)

	require.Len(t, h.store.trades, 1)
	assert.Equal(t, "100", h.store.trades[0].RealizedPnL.String())
	assert.Equal(t, []string{"ETHUSDT"}, h.store.deleted)

	_, err = h.coord.ClosePosition(ctx, "ETHUSDT", "signal")
	assert.ErrorIs(t, err, domain.ErrNoPosition)
}

func TestOpenPosition_CloseSignalRoutesToClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0", Config{})
	_, err := h.coord.OpenPosition(ctx, buySignal("ETHUSDT", "1"))
	require.NoError(t, err)

	_, err = h.coord.OpenPosition(ctx, &domain.Signal{Symbol: "ETHUSDT", Side: domain.SideClose, Reason: "spot exit"})
	require.NoError(t, err)

	_, closes := h.broker.calls()
	assert.Equal(t, 1, closes)
}

func TestEmergencyCloseAll_IgnoresKillSwitchAndCancellation(t *testing.T) {
	h := newHarness(t, "0", Config{})
	require.NoError(t, h.broker.SetLeverage(context.Background(), "BTCUSDT", 5))
	_, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.NoError(t, err)
	_, err = h.coord.OpenPosition(context.Background(), buySignal("BTCUSDT", "0.05"))
	require.NoError(t, err)

	h.gate.TriggerKillSwitch("drawdown")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.coord.EmergencyCloseAll(ctx, "kill_switch"))

	positions, _ := h.broker.Positions(context.Background())
	assert.Empty(t, positions)
	assert.Equal(t, 2, h.gate.Snapshot().TradeCount)
	assert.Len(t, h.sink.OfKind(domain.AuditOrderPlaced), 4)
}

func TestEmergencyCloseAll_Flat(t *testing.T) {
	h := newHarness(t, "0", Config{})
	assert.NoError(t, h.coord.EmergencyCloseAll(context.Background(), "shutdown"))
	_, closes := h.broker.calls()
	assert.Zero(t, closes)
}

func TestOpenPosition_AddingFillIsMarginal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "10", Config{})
	_, err := h.coord.OpenPosition(ctx, buySignal("ETHUSDT", "1"))
	require.NoError(t, err)

	h.broker.UpdatePrice("ETHUSDT", dec("2100"))
	order, err := h.coord.OpenPosition(ctx, buySignal("ETHUSDT", "1"))
	require.NoError(t, err)
	assert.Equal(t, "2102.1", order.FillPrice.String())

	positions, _ := h.broker.Positions(ctx)
	assert.Equal(t, "2052.05", positions["ETHUSDT"].EntryPrice.String())

	placed := h.sink.OfKind(domain.AuditOrderPlaced)
	require.Len(t, placed, 2)
	assert.Equal(t, "2102.1", placed[1].Payload["fill_price"])
	assert.Equal(t, "10.00", placed[1].Payload["slippage_bps"])
}

func TestOpenPosition_ProfitableDayThenDayRoll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "0", Config{})
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.gate = risk.NewGate(risk.Limits{
		MaxLeverage:           10,
		MaxPositionUSD:        dec("10000"),
		DailyLossLimit:        dec("500"),
		MaxDrawdown:           dec("250"),
		LiquidationBuffer:     dec("0.5"),
		MaintenanceMarginRate: dec("0.004"),
	}, risk.WithClock(func() time.Time { return clock }))
	h.coord = NewCoordinator(h.broker, h.gate, h.store, audit.NewRecorder(h.sink, nil), Config{
		Leverage:       5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, nil)
	h.coord.SetMetrics(h.metrics)

	_, err := h.coord.OpenPosition(ctx, buySignal("ETHUSDT", "1"))
	require.NoError(t, err)
	h.broker.UpdatePrice("ETHUSDT", dec("2300"))
	_, err = h.coord.ClosePosition(ctx, "ETHUSDT", "take_profit")
	require.NoError(t, err)

	wallet, _ := h.broker.Balance(ctx)
	require.Equal(t, "10300", wallet.String())

	_, err = h.coord.OpenPosition(ctx, buySignal("ETHUSDT", "1"))
	require.NoError(t, err)
	assert.Equal(t, "10300", h.gate.Snapshot().PeakEquity.String(), "realized pnl is already in the wallet")
	_, err = h.coord.ClosePosition(ctx, "ETHUSDT", "signal")
	require.NoError(t, err)

	clock = clock.Add(24 * time.Hour)
	_, err = h.coord.OpenPosition(ctx, buySignal("ETHUSDT", "1"))
	require.NoError(t, err)
	assert.False(t, h.gate.KillSwitchActive())
}

func TestOpenPosition_AuditsEveryOrderAttempt(t *testing.T) {
	h := newHarness(t, "0", Config{MaxAttempts: 3})
	h.broker.orderErrs = []error{domain.NewNetworkError("buy", errors.New("connection reset"))}

	order, err := h.coord.OpenPosition(context.Background(), buySignal("ETHUSDT", "1"))
	require.NoError(t, err)

	var failed, priced int
	for _, ev := range h.sink.OfKind(domain.AuditOrderAttempt) {
		assert.Equal(t, order.ID, ev.Payload["order_id"])
		assert.Equal(t, "ETHUSDT", ev.Symbol)
		if ev.Payload["ok"] == false {
			failed++
			assert.Contains(t, ev.Payload["error"], "connection reset")
		}
		if _, ok := ev.Payload["realized_price"]; ok {
			priced++
			assert.Equal(t, "2000", ev.Payload["expected_price"])
			assert.Equal(t, 2, ev.Payload["attempt"])
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, priced)
}

func TestAttempts_Bounded(t *testing.T) {
	h := newHarness(t, "0", Config{})
	total := attemptLogSize + 88
	for i := 1; i <= total; i++ {
		h.coord.noteAttempt(context.Background(), Attempt{Op: "balance", Number: i})
	}

	attempts := h.coord.Attempts()
	require.Len(t, attempts, attemptLogSize)
	assert.Equal(t, 89, attempts[0].Number)
	assert.Equal(t, total, attempts[len(attempts)-1].Number)
	assert.Empty(t, h.sink.OfKind(domain.AuditOrderAttempt), "calls outside an order are not audited")
}
