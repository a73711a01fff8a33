package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"l2_trader/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID     string
	Symbol      string
	Side        domain.Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	Reason      string
	Ts          time.Time
}

type stops struct {
	sl, tp decimal.Decimal
}

// PaperBroker simulates a USDT-margined futures account in memory.
// Market orders fill at the last price moved against the taker by
// slippageBps. Used in PAPER mode and as a test double.
type PaperBroker struct {
	mu sync.Mutex

	wallet    decimal.Decimal // realized cash balance
	positions map[string]*domain.Position
	stops     map[string]stops
	prices    map[string]decimal.Decimal
	leverage  map[string]int
	fills     []Fill

	slippageBps decimal.Decimal
	onTrade     func(domain.Trade)
	now         func() time.Time
}

// NewPaperBroker creates a paper account funded with initialBalance USDT.
func NewPaperBroker(initialBalance, slippageBps decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		wallet:      initialBalance,
		positions:   make(map[string]*domain.Position),
		stops:       make(map[string]stops),
		prices:      make(map[string]decimal.Decimal),
		leverage:    make(map[string]int),
		fills:       make([]Fill, 0),
		slippageBps: slippageBps,
		now:         time.Now,
	}
}

// OnTrade registers a hook for round trips closed inside the broker
// (stop-loss / take-profit hits).
func (p *PaperBroker) OnTrade(fn func(domain.Trade)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrade = fn
}

// UpdatePrice sets the last price, marks open positions and fires
// stop-loss / take-profit.
func (p *PaperBroker) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price

	var trade *domain.Trade
	if pos, ok := p.positions[symbol]; ok {
		pos.Mark(price, p.now())
		if reason := p.stopHit(pos, price); reason != "" {
			t := p.closeLocked(symbol, reason)
			trade = &t
		}
	}
	hook := p.onTrade
	p.mu.Unlock()

	if trade != nil && hook != nil {
		hook(*trade)
	}
}

func (p *PaperBroker) stopHit(pos *domain.Position, price decimal.Decimal) string {
	st, ok := p.stops[pos.Symbol]
	if !ok {
		return ""
	}
	if pos.IsLong() {
		if !st.sl.IsZero() && price.LessThanOrEqual(st.sl) {
			return "stop_loss"
		}
		if !st.tp.IsZero() && price.GreaterThanOrEqual(st.tp) {
			return "take_profit"
		}
		return ""
	}
	if !st.sl.IsZero() && price.GreaterThanOrEqual(st.sl) {
		return "stop_loss"
	}
	if !st.tp.IsZero() && price.LessThanOrEqual(st.tp) {
		return "take_profit"
	}
	return ""
}

// Buy opens or adds to a long, or reduces a short.
func (p *PaperBroker) Buy(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return p.execute(symbol, domain.SideBuy, qty, sl, tp)
}

// Sell opens or adds to a short, or reduces a long.
func (p *PaperBroker) Sell(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	return p.execute(symbol, domain.SideSell, qty, sl, tp)
}

func (p *PaperBroker) execute(symbol string, side domain.Side, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error) {
	if !qty.IsPositive() {
		return "", &domain.BrokerRejection{Op: string(side), Code: "INVALID_QTY", Msg: "quantity must be positive"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.prices[symbol]
	if !ok {
		return "", &domain.BrokerRejection{Op: string(side), Code: "NO_PRICE", Msg: "no price for " + symbol}
	}
	fill := p.slip(last, side)
	lev := p.leverageFor(symbol)
	now := p.now()
	id := uuid.NewString()

	pos, exists := p.positions[symbol]
	if exists && pos.Side != side {
		// Reduce (or flip) the opposite position.
		closing := decimal.Min(qty, pos.Quantity)
		realized := pos.PnLAt(fill).Mul(closing).Div(pos.Quantity)
		p.wallet = p.wallet.Add(realized)
		pos.Quantity = pos.Quantity.Sub(closing)
		p.fills = append(p.fills, Fill{OrderID: id, Symbol: symbol, Side: side, Price: fill, Quantity: closing, RealizedPnL: realized, Reason: "reduce", Ts: now})
		if pos.Quantity.IsZero() {
			delete(p.positions, symbol)
			delete(p.stops, symbol)
		}
		qty = qty.Sub(closing)
		if qty.IsZero() {
			return id, nil
		}
		exists = false
	}

	required := fill.Mul(qty).Div(decimal.NewFromInt(int64(lev)))
	if available := p.availableLocked(); required.GreaterThan(available) {
		return "", &domain.BrokerRejection{
			Op:   string(side),
			Code: "INSUFFICIENT_BALANCE",
			Msg:  fmt.Sprintf("need %s margin, have %s", required.StringFixed(2), available.StringFixed(2)),
		}
	}

	if exists {
		total := pos.Quantity.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(fill.Mul(qty)).Div(total)
		pos.Quantity = total
		pos.Mark(last, now)
	} else {
		pos = &domain.Position{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: fill,
			Leverage:   lev,
			MarginMode: domain.MarginIsolated,
			OpenedAt:   now,
		}
		pos.Mark(last, now)
		p.positions[symbol] = pos
	}
	p.setStopsLocked(symbol, sl, tp)

	p.fills = append(p.fills, Fill{OrderID: id, Symbol: symbol, Side: side, Price: fill, Quantity: qty, Reason: "open", Ts: now})
	slog.Debug("[PAPER] Fill", "symbol", symbol, "side", side, "qty", qty, "price", fill)
	return id, nil
}

func (p *PaperBroker) setStopsLocked(symbol string, sl, tp *decimal.Decimal) {
	st := p.stops[symbol]
	if sl != nil {
		st.sl = *sl
	}
	if tp != nil {
		st.tp = *tp
	}
	p.stops[symbol] = st
}

// CloseAll flattens the symbol at the slipped last price.
func (p *PaperBroker) CloseAll(ctx context.Context, symbol string) (string, error) {
	p.mu.Lock()
	if _, ok := p.positions[symbol]; !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("close %s: %w", symbol, domain.ErrNoPosition)
	}
	if _, ok := p.prices[symbol]; !ok {
		p.mu.Unlock()
		return "", &domain.BrokerRejection{Op: "close", Code: "NO_PRICE", Msg: "no price for " + symbol}
	}
	p.closeLocked(symbol, "close_all")
	id := p.fills[len(p.fills)-1].OrderID
	p.mu.Unlock()
	return id, nil
}

func (p *PaperBroker) closeLocked(symbol, reason string) domain.Trade {
	pos := p.positions[symbol]
	fill := p.slip(p.prices[symbol], pos.Side.Opposite())
	realized := pos.PnLAt(fill)
	now := p.now()

	p.wallet = p.wallet.Add(realized)
	delete(p.positions, symbol)
	delete(p.stops, symbol)
	p.fills = append(p.fills, Fill{
		OrderID:     uuid.NewString(),
		Symbol:      symbol,
		Side:        pos.Side.Opposite(),
		Price:       fill,
		Quantity:    pos.Quantity,
		RealizedPnL: realized,
		Reason:      reason,
		Ts:          now,
	})
	return domain.Trade{
		Symbol:      symbol,
		Side:        pos.Side,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   fill,
		RealizedPnL: realized,
		Reason:      reason,
		ClosedAt:    now,
	}
}

// Positions returns copies of the open positions.
func (p *PaperBroker) Positions(ctx context.Context) (map[string]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.Position, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = *pos
	}
	return out, nil
}

// Balance returns the wallet balance (realized cash, margin included).
func (p *PaperBroker) Balance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wallet, nil
}

// SetLeverage sets the leverage used for subsequent opens of symbol.
func (p *PaperBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return &domain.BrokerRejection{Op: "set_leverage", Code: "INVALID_LEVERAGE", Msg: fmt.Sprintf("leverage %d out of range", leverage)}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

// TickerPrice returns the last price.
func (p *PaperBroker) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNoPrice)
	}
	return price, nil
}

// Fills returns a copy of all simulated fills.
func (p *PaperBroker) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}

func (p *PaperBroker) leverageFor(symbol string) int {
	if lev, ok := p.leverage[symbol]; ok {
		return lev
	}
	return 1
}

// availableLocked is wallet minus margin locked in open positions.
func (p *PaperBroker) availableLocked() decimal.Decimal {
	used := decimal.Zero
	for _, pos := range p.positions {
		used = used.Add(pos.EntryPrice.Mul(pos.Quantity).Div(decimal.NewFromInt(int64(pos.Leverage))))
	}
	return p.wallet.Sub(used)
}

func (p *PaperBroker) slip(price decimal.Decimal, side domain.Side) decimal.Decimal {
	adj := price.Mul(p.slippageBps).Div(decimal.NewFromInt(10_000))
	if side == domain.SideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}
