package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"l2_trader/internal/domain"
	"l2_trader/internal/event"
	"l2_trader/internal/execution"
	"l2_trader/internal/infra"
	"l2_trader/internal/orderbook"
	"l2_trader/internal/risk"
	"l2_trader/internal/service"
	"l2_trader/internal/strategy"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config is the runner policy.
type Config struct {
	Symbols           []string
	InboxSize         int
	LaneSize          int
	StaleAfter        time.Duration
	ShutdownTimeout   time.Duration
	FlattenOnShutdown bool
	MarginInterval    time.Duration // 0 disables the margin monitor
	KillPollInterval  time.Duration
	CallTimeout       time.Duration
	DumpPath          string
}

func (c *Config) setDefaults() {
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.LaneSize <= 0 {
		c.LaneSize = 256
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.KillPollInterval <= 0 {
		c.KillPollInterval = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.DumpPath == "" {
		c.DumpPath = "panic_dump.json"
	}
}

// PriceSink receives book mid prices, e.g. the paper broker.
type PriceSink interface {
	UpdatePrice(symbol string, price decimal.Decimal)
}

// Deps are the collaborators of a Runner. KillSwitch, Resyncer, Prices and
// Auditor are optional.
type Deps struct {
	Coordinator *execution.Coordinator
	Gate        *risk.Gate
	Positions   *service.PositionBook
	Strategies  map[string]strategy.Strategy
	Auditor     execution.Auditor
	KillSwitch  domain.KillSwitchIndicator
	Resyncer    domain.Resyncer
	Prices      PriceSink
	Metrics     *infra.Metrics
	Logger      *slog.Logger
}

// BookStatus is a copy of one instrument's pipeline state for external reads.
type BookStatus struct {
	Symbol     string          `json:"symbol"`
	Seq        uint64          `json:"seq"`
	Mid        decimal.Decimal `json:"mid"`
	Imbalance  float64         `json:"imbalance"`
	Percentile float64         `json:"percentile"`
	Stale      bool            `json:"stale"`
	BidLevels  int             `json:"bid_levels"`
	AskLevels  int             `json:"ask_levels"`
	LastUpdate time.Time       `json:"last_update"`
}

// Runner drives one cooperative pipeline per instrument:
// book -> signal engine -> risk gate -> execution, strictly in that order
// before the next event of the same instrument is applied.
type Runner struct {
	cfg       Config
	coord     *execution.Coordinator
	gate      *risk.Gate
	positions *service.PositionBook
	auditor   execution.Auditor
	ks        domain.KillSwitchIndicator
	resyncer  domain.Resyncer
	prices    PriceSink
	metrics   *infra.Metrics
	logger    *slog.Logger
	now       func() time.Time

	inbox     chan event.Event
	lanes     map[string]chan event.Event
	pipelines map[string]*pipeline

	extKill atomic.Bool
	running atomic.Bool
	done    chan struct{}
	quit    chan struct{}

	stopOnce      sync.Once
	shutdownOnce  sync.Once
	shutdownErr   error
	emergencyOnce sync.Once
	emergencyErr  error

	mu     sync.RWMutex // Used only for external reads
	status map[string]BookStatus
}

// NewRunner wires a runner. Every configured symbol needs a strategy.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	cfg.setDefaults()
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("runner: no symbols")
	}
	if deps.Coordinator == nil || deps.Gate == nil {
		return nil, errors.New("runner: coordinator and gate are required")
	}
	if deps.Positions == nil {
		deps.Positions = service.NewPositionBook(deps.Gate.Limits().MaintenanceMarginRate)
	}
	if deps.Auditor == nil {
		deps.Auditor = nopAuditor{}
	}
	if deps.Metrics == nil {
		deps.Metrics = infra.GlobalMetrics
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := &Runner{
		cfg:       cfg,
		coord:     deps.Coordinator,
		gate:      deps.Gate,
		positions: deps.Positions,
		auditor:   deps.Auditor,
		ks:        deps.KillSwitch,
		resyncer:  deps.Resyncer,
		prices:    deps.Prices,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("module", "runner"),
		now:       time.Now,
		inbox:     make(chan event.Event, cfg.InboxSize),
		lanes:     make(map[string]chan event.Event, len(cfg.Symbols)),
		pipelines: make(map[string]*pipeline, len(cfg.Symbols)),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
		status:    make(map[string]BookStatus, len(cfg.Symbols)),
	}

	for _, symbol := range cfg.Symbols {
		strat, ok := deps.Strategies[symbol]
		if !ok || strat == nil {
			return nil, fmt.Errorf("runner: no strategy for %s: %w", symbol, domain.ErrInvalidSymbol)
		}
		lane := make(chan event.Event, cfg.LaneSize)
		r.lanes[symbol] = lane
		r.pipelines[symbol] = &pipeline{
			r:      r,
			symbol: symbol,
			book:   orderbook.New(symbol, cfg.StaleAfter),
			strat:  strat,
			lane:   lane,
			logger: r.logger.With("symbol", symbol),
		}
	}

	r.gate.OnKillSwitch(func(reason string) {
		r.metrics.SetKillSwitch(true)
		r.record(context.Background(), domain.AuditKillSwitch, "", map[string]any{"reason": reason})
	})
	return r, nil
}

// Inbox returns the event channel. Market data feeds send events here.
func (r *Runner) Inbox() chan<- event.Event {
	return r.inbox
}

// Run processes events until ctx is cancelled, Shutdown is called or a fatal
// condition occurs. A RiskViolation or FatalError triggers an emergency
// shutdown before Run returns it. Run refuses to start while the kill switch
// is latched.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("runner already started")
	}
	defer close(r.done)

	if r.gate.KillSwitchActive() {
		r.metrics.SetKillSwitch(true)
		r.logger.Error("Kill switch is active, not trading", "reason", r.gate.Snapshot().KillSwitchReason)
		return domain.ErrKillSwitchActive
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.syncPositions(ctx)
	r.logger.Info("Runner started", "symbols", len(r.pipelines))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.dispatch(gctx) })
	for _, p := range r.pipelines {
		g.Go(func() error { return p.run(gctx) })
	}
	g.Go(func() error { return r.watchKillSwitch(gctx) })
	if r.ks != nil {
		g.Go(func() error { return r.pollKillSwitch(gctx) })
	}
	if r.cfg.MarginInterval > 0 {
		g.Go(func() error { return r.marginLoop(gctx) })
	}

	err := g.Wait()
	if isFatal(err) {
		if eerr := r.EmergencyShutdown(context.WithoutCancel(ctx), err.Error()); eerr != nil {
			r.logger.Error("Emergency shutdown incomplete", "error", eerr)
		}
		return err
	}
	r.logger.Info("Runner stopped")
	return nil
}

func isFatal(err error) bool {
	var rv *domain.RiskViolation
	var fe *domain.FatalError
	return errors.As(err, &rv) || errors.As(err, &fe)
}

// dispatch routes inbox events to the instrument lanes.
func (r *Runner) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.inbox:
			lane, ok := r.lanes[ev.GetSymbol()]
			if !ok {
				r.logger.Debug("Event for unknown symbol dropped", "symbol", ev.GetSymbol())
				release(ev)
				continue
			}
			select {
			case lane <- ev:
			case <-ctx.Done():
				release(ev)
				return nil
			}
		}
	}
}

func release(ev event.Event) {
	if d, ok := ev.(*event.BookDeltaEvent); ok {
		event.ReleaseBookDeltaEvent(d)
	}
}

// watchKillSwitch turns a latched kill switch into a RiskViolation so the
// runner proceeds to emergency liquidation.
func (r *Runner) watchKillSwitch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-r.gate.Done():
		return &domain.RiskViolation{Reason: "kill switch: " + r.gate.Snapshot().KillSwitchReason}
	}
}

// pollKillSwitch checks the external indicator. Indicator errors are logged
// and never trip the switch.
func (r *Runner) pollKillSwitch(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.KillPollInterval)
	defer ticker.Stop()

	for {
		tctx, cancel := context.WithTimeout(ctx, r.cfg.KillPollInterval)
		triggered, err := r.ks.Triggered(tctx)
		cancel()
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Warn("Kill switch indicator unavailable", "error", err)
		case triggered:
			r.extKill.Store(true)
			r.gate.TriggerKillSwitch("external kill switch")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// halted is checked by the pipelines on every iteration.
func (r *Runner) halted() bool {
	return r.extKill.Load() || r.gate.KillSwitchActive()
}

// marginLoop evaluates account margin health on every tick of the monitor.
func (r *Runner) marginLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.MarginInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.checkMargin(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) checkMargin(ctx context.Context) error {
	balance, err := r.balance(ctx)
	if err != nil {
		r.logger.Warn("Margin check skipped", "error", err)
		return nil
	}
	r.syncPositions(ctx)
	totals := r.positions.Totals()

	action, ratio := r.gate.MarginHealth(balance, totals.MaintenanceMargin, totals.UnrealizedPnL)
	if action == risk.MarginOK {
		return nil
	}

	payload := map[string]any{
		"action":             string(action),
		"margin_ratio":       ratio.StringFixed(4),
		"balance":            balance.String(),
		"maintenance_margin": totals.MaintenanceMargin.String(),
		"unrealized_pnl":     totals.UnrealizedPnL.String(),
		"open_positions":     totals.Open,
	}

	if action == risk.LiquidateAll {
		r.record(ctx, domain.AuditMarginAction, "", payload)
		return &domain.RiskViolation{Reason: "margin ratio " + ratio.StringFixed(4) + " below maintenance"}
	}

	worst, ok := r.positions.Worst()
	if !ok {
		return nil
	}
	payload["closed"] = worst.Symbol
	r.record(ctx, domain.AuditMarginAction, worst.Symbol, payload)
	r.logger.Warn("Margin buffer breached, reducing", "symbol", worst.Symbol, "ratio", ratio.StringFixed(4))

	if _, err := r.coord.ClosePosition(ctx, worst.Symbol, "margin: "+string(action)); err != nil {
		r.logger.Error("Margin reduce failed", "symbol", worst.Symbol, "error", err)
	}
	r.syncPositions(ctx)
	return nil
}

// OnBrokerTrade books a round trip closed inside the broker (stop-loss or
// take-profit hit).
func (r *Runner) OnBrokerTrade(tr domain.Trade) {
	r.coord.RecordTrade(tr)
	r.positions.Remove(tr.Symbol)
	r.record(context.Background(), domain.AuditOrderPlaced, tr.Symbol, map[string]any{
		"side":          domain.SideClose,
		"position_side": tr.Side,
		"qty":           tr.Quantity.String(),
		"exit_price":    tr.ExitPrice.String(),
		"realized_pnl":  tr.RealizedPnL.StringFixed(4),
		"reason":        tr.Reason,
	})
}

// Shutdown stops accepting events, waits for in-flight execution up to the
// configured timeout, optionally flattens, and emits the shutdown audit with
// the final balance and open-position count.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() { r.shutdownErr = r.shutdown(ctx) })
	return r.shutdownErr
}

func (r *Runner) shutdown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	r.logger.Info("Shutdown requested")
	r.stop()

	timedOut := false
	if r.running.Load() {
		timer := time.NewTimer(r.cfg.ShutdownTimeout)
		select {
		case <-r.done:
		case <-timer.C:
			timedOut = true
			r.logger.Warn("In-flight execution did not finish in time", "timeout", r.cfg.ShutdownTimeout)
		}
		timer.Stop()
	}

	var flattenErr error
	if r.cfg.FlattenOnShutdown {
		flattenErr = r.coord.EmergencyCloseAll(ctx, "shutdown")
		r.syncPositions(ctx)
	}

	payload := r.finalState(ctx)
	payload["flattened"] = r.cfg.FlattenOnShutdown
	payload["timed_out"] = timedOut
	if flattenErr != nil {
		payload["flatten_error"] = flattenErr.Error()
	}
	r.record(ctx, domain.AuditShutdown, "", payload)
	r.logger.Info("Shutdown complete", "final_balance", payload["final_balance"], "open_positions", payload["open_positions"])
	return flattenErr
}

// EmergencyShutdown flattens everything, latches the kill switch and emits
// emergency_shutdown. Only the first call acts.
func (r *Runner) EmergencyShutdown(ctx context.Context, reason string) error {
	r.emergencyOnce.Do(func() { r.emergencyErr = r.emergency(ctx, reason) })
	return r.emergencyErr
}

func (r *Runner) emergency(ctx context.Context, reason string) error {
	ctx = context.WithoutCancel(ctx)
	r.logger.Error("EMERGENCY SHUTDOWN", "reason", reason)
	r.stop()
	r.gate.TriggerKillSwitch(reason)
	r.metrics.SetKillSwitch(true)
	r.DumpState(r.cfg.DumpPath)

	closeErr := r.coord.EmergencyCloseAll(ctx, "emergency: "+reason)
	r.syncPositions(ctx)

	payload := r.finalState(ctx)
	payload["reason"] = reason
	if closeErr != nil {
		payload["close_error"] = closeErr.Error()
	}
	r.record(ctx, domain.AuditEmergencyShutdown, "", payload)
	return closeErr
}

func (r *Runner) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// finalState reads balance and open positions from the broker, falling back
// to the local position book.
func (r *Runner) finalState(ctx context.Context) map[string]any {
	payload := map[string]any{}
	if balance, err := r.balance(ctx); err != nil {
		payload["final_balance"] = ""
		payload["balance_error"] = err.Error()
	} else {
		payload["final_balance"] = balance.String()
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	if positions, err := r.coord.Broker().Positions(ctx); err == nil {
		payload["open_positions"] = len(positions)
	} else {
		payload["open_positions"] = r.positions.Totals().Open
	}
	return payload
}

func (r *Runner) balance(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CallTimeout)
	defer cancel()
	return r.coord.Broker().Balance(ctx)
}

func (r *Runner) syncPositions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CallTimeout)
	defer cancel()
	positions, err := r.coord.Broker().Positions(ctx)
	if err != nil {
		r.logger.Warn("Position sync failed", "error", err)
		return
	}
	r.positions.Sync(positions, r.now())
}

func (r *Runner) record(ctx context.Context, kind domain.AuditKind, symbol string, payload map[string]any) {
	r.auditor.Record(context.WithoutCancel(ctx), kind, symbol, payload)
}

func (r *Runner) publish(st BookStatus) {
	r.mu.Lock()
	r.status[st.Symbol] = st
	r.mu.Unlock()
}

// Status returns a copy of the instrument's last published state.
func (r *Runner) Status(symbol string) (BookStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.status[symbol]
	return st, ok
}

// DumpState writes books, risk state and positions to a file (for post-mortem).
func (r *Runner) DumpState(filename string) {
	r.logger.Info("Dumping internal state...", "file", filename)

	r.mu.RLock()
	books := make(map[string]BookStatus, len(r.status))
	for k, v := range r.status {
		books[k] = v
	}
	r.mu.RUnlock()

	data := struct {
		DumpedAt  time.Time             `json:"dumped_at"`
		Books     map[string]BookStatus `json:"books"`
		Risk      domain.RiskState      `json:"risk"`
		Positions []domain.Position     `json:"positions"`
		Metrics   infra.MetricsSnapshot `json:"metrics"`
	}{
		DumpedAt:  r.now(),
		Books:     books,
		Risk:      r.gate.Snapshot(),
		Positions: r.positions.All(),
		Metrics:   r.metrics.Snapshot(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		r.logger.Error("Failed to marshal state", "error", err)
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		r.logger.Error("Failed to write state dump", "error", err)
	}
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, domain.AuditKind, string, map[string]any) {}
