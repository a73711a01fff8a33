package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
)

// ErrRejected is wrapped by every non-tripping rejection.
var ErrRejected = errors.New("risk rejected")

// Reason identifies the check that rejected an open.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonKillSwitch Reason = "kill_switch_active"
	ReasonLeverage   Reason = "max_leverage"
	ReasonNotional   Reason = "max_position_usd"
	ReasonMargin     Reason = "insufficient_margin"
	ReasonDailyLoss  Reason = "daily_loss_limit"
	ReasonDrawdown   Reason = "max_drawdown"
)

// Limits are the hard limits enforced by the gate.
type Limits struct {
	MaxLeverage           int
	MaxPositionUSD        decimal.Decimal
	DailyLossLimit        decimal.Decimal
	MaxDrawdown           decimal.Decimal
	LiquidationBuffer     decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
}

// Decision is the result of CanOpen. Tripped is set when this very decision
// activated the kill switch.
type Decision struct {
	Approved bool
	Reason   Reason
	Detail   string
	Tripped  bool
	Notional decimal.Decimal
}

// Err converts a rejection into the matching error, nil when approved.
func (d Decision) Err() error {
	switch {
	case d.Approved:
		return nil
	case d.Tripped:
		return &domain.RiskViolation{Reason: d.Detail}
	case d.Reason == ReasonKillSwitch:
		return domain.ErrKillSwitchActive
	default:
		return fmt.Errorf("%w: %s", ErrRejected, d.Detail)
	}
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides time.Now, used for the UTC-midnight roll.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithStore persists risk state transitions, best effort.
func WithStore(s domain.Store) Option {
	return func(g *Gate) { g.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// Gate owns the account-wide RiskState. Every read-modify-write goes
// through mu, so concurrent instrument pipelines see one serialized history.
type Gate struct {
	limits Limits

	mu    sync.Mutex
	state domain.RiskState
	done  chan struct{}
	hooks []func(reason string)

	now    func() time.Time
	store  domain.Store
	logger *slog.Logger
}

// NewGate creates a gate with a clear latch.
func NewGate(limits Limits, opts ...Option) *Gate {
	g := &Gate{
		limits: limits,
		done:   make(chan struct{}),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("module", "risk")
	g.state.Day = g.day()
	return g
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits { return g.limits }

// Restore loads persisted state. A persisted kill switch stays active, and
// daily fields from a previous UTC day are discarded.
func (g *Gate) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	st, err := g.store.LoadRiskState(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	if st == nil {
		return nil
	}

	g.mu.Lock()
	g.state = *st
	g.rollDayLocked()
	active := g.state.KillSwitchActive
	if active {
		g.closeDoneLocked()
	}
	g.mu.Unlock()

	if active {
		g.logger.Warn("Kill switch restored from store", "reason", st.KillSwitchReason)
	}
	return nil
}

// OnKillSwitch registers fn to be called (outside the lock) whenever the
// latch is set.
func (g *Gate) OnKillSwitch(fn func(reason string)) {
	g.mu.Lock()
	g.hooks = append(g.hooks, fn)
	g.mu.Unlock()
}

// CanOpen evaluates an open as one atomic decision. balance is the
// start-of-day balance, so equity is balance + dailyPnL. After the kill
// switch, the daily loss and drawdown triggers run first and trip the
// kill switch even when the order would also fail leverage, notional or
// margin.
func (g *Gate) CanOpen(balance, price, qty decimal.Decimal, leverage int, dailyPnL, peakEquity decimal.Decimal) Decision {
	g.mu.Lock()
	d := g.evaluateLocked(balance, balance, price, qty, leverage, dailyPnL, peakEquity)
	g.mu.Unlock()
	g.afterDecision(d)
	return d
}

// Check runs CanOpen against the gate's own daily P&L and peak equity.
// wallet is the broker balance, which already includes today's realized
// P&L: it is the current equity and raises the peak, and the start-of-day
// balance is wallet - daily P&L.
func (g *Gate) Check(wallet, price, qty decimal.Decimal, leverage int) Decision {
	g.mu.Lock()
	g.rollDayLocked()
	if wallet.GreaterThan(g.state.PeakEquity) {
		g.state.PeakEquity = wallet
	}
	dailyPnL := g.state.DailyRealizedPnL
	d := g.evaluateLocked(wallet, wallet.Sub(dailyPnL), price, qty, leverage, dailyPnL, g.state.PeakEquity)
	g.mu.Unlock()
	g.afterDecision(d)
	return d
}

// evaluateLocked checks margin against available and drawdown against
// startBalance + dailyPnL.
func (g *Gate) evaluateLocked(available, startBalance, price, qty decimal.Decimal, leverage int, dailyPnL, peakEquity decimal.Decimal) Decision {
	notional := price.Mul(qty).Abs()
	d := Decision{Notional: notional}

	if g.state.KillSwitchActive {
		d.Reason, d.Detail = ReasonKillSwitch, "kill switch active: "+g.state.KillSwitchReason
		return d
	}
	if !dailyPnL.GreaterThan(g.limits.DailyLossLimit.Neg()) {
		d.Reason, d.Detail = ReasonDailyLoss, fmt.Sprintf("daily pnl %s breached limit -%s", dailyPnL, g.limits.DailyLossLimit)
		d.Tripped = g.tripLocked(d.Detail)
		return d
	}
	drawdown := peakEquity.Sub(startBalance.Add(dailyPnL))
	if drawdown.GreaterThan(g.limits.MaxDrawdown) {
		d.Reason, d.Detail = ReasonDrawdown, fmt.Sprintf("drawdown %s > max %s", drawdown, g.limits.MaxDrawdown)
		d.Tripped = g.tripLocked(d.Detail)
		return d
	}
	if leverage < 1 || leverage > g.limits.MaxLeverage {
		d.Reason, d.Detail = ReasonLeverage, fmt.Sprintf("leverage %d outside [1, %d]", leverage, g.limits.MaxLeverage)
		return d
	}
	if notional.GreaterThan(g.limits.MaxPositionUSD) {
		d.Reason, d.Detail = ReasonNotional, fmt.Sprintf("notional %s > max %s", notional.StringFixed(2), g.limits.MaxPositionUSD)
		return d
	}
	required := notional.Div(decimal.NewFromInt(int64(leverage)))
	if required.GreaterThan(available) {
		d.Reason, d.Detail = ReasonMargin, fmt.Sprintf("required margin %s > balance %s", required.StringFixed(2), available.StringFixed(2))
		return d
	}

	d.Approved = true
	return d
}

func (g *Gate) afterDecision(d Decision) {
	if d.Tripped {
		g.fireTrip(d.Detail)
	}
}

// TriggerKillSwitch sets the latch. Reports whether this call set it.
func (g *Gate) TriggerKillSwitch(reason string) bool {
	g.mu.Lock()
	tripped := g.tripLocked(reason)
	g.mu.Unlock()
	if tripped {
		g.fireTrip(reason)
	}
	return tripped
}

func (g *Gate) tripLocked(reason string) bool {
	if g.state.KillSwitchActive {
		return false
	}
	g.state.KillSwitchActive = true
	g.state.KillSwitchReason = reason
	g.state.UpdatedAt = g.now()
	g.closeDoneLocked()
	return true
}

func (g *Gate) closeDoneLocked() {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
}

func (g *Gate) fireTrip(reason string) {
	g.logger.Error("KILL SWITCH ACTIVATED", "reason", reason)
	g.persist()

	g.mu.Lock()
	hooks := append([]func(string){}, g.hooks...)
	g.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

// KillSwitchActive reports the latch.
func (g *Gate) KillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.KillSwitchActive
}

// Done is closed once the kill switch is set. After Reset a new channel is
// handed out.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Reset clears the kill switch. This is the operator path; the engine never
// calls it.
func (g *Gate) Reset(operator string) {
	g.mu.Lock()
	was := g.state.KillSwitchActive
	prev := g.state.KillSwitchReason
	g.state.KillSwitchActive = false
	g.state.KillSwitchReason = ""
	g.state.UpdatedAt = g.now()
	if was {
		g.done = make(chan struct{})
	}
	g.mu.Unlock()

	if was {
		g.logger.Warn("Kill switch cleared", "operator", operator, "previous_reason", prev)
		g.persist()
	}
}

// RecordTrade books a realized P&L into the daily fields.
func (g *Gate) RecordTrade(realized decimal.Decimal) {
	g.mu.Lock()
	g.rollDayLocked()
	g.state.DailyRealizedPnL = g.state.DailyRealizedPnL.Add(realized)
	g.state.TradeCount++
	g.state.UpdatedAt = g.now()
	g.mu.Unlock()
	g.persist()
}

// ObserveEquity raises the peak equity watermark.
func (g *Gate) ObserveEquity(equity decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if equity.GreaterThan(g.state.PeakEquity) {
		g.state.PeakEquity = equity
	}
}

// MarginHealth runs CheckMarginHealth with the configured buffer.
func (g *Gate) MarginHealth(balance, maintenanceMargin, unrealizedPnL decimal.Decimal) (MarginAction, decimal.Decimal) {
	return CheckMarginHealth(balance, maintenanceMargin, unrealizedPnL, g.limits.LiquidationBuffer)
}

// Snapshot returns a copy of the current state.
func (g *Gate) Snapshot() domain.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	return g.state
}

func (g *Gate) day() string {
	return g.now().UTC().Format(time.DateOnly)
}

// rollDayLocked resets the daily fields at UTC midnight. The latch survives.
func (g *Gate) rollDayLocked() {
	if d := g.day(); d != g.state.Day {
		g.state.Day = d
		g.state.DailyRealizedPnL = decimal.Zero
		g.state.TradeCount = 0
	}
}

func (g *Gate) persist() {
	if g.store == nil {
		return
	}
	st := g.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.store.SaveRiskState(ctx, &st); err != nil {
		g.logger.Warn("Failed to persist risk state", "error", err)
	}
}
