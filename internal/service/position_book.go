package service

import (
	"sort"
	"sync"
	"time"

	"l2_trader/internal/domain"
	"l2_trader/internal/risk"

	"github.com/shopspring/decimal"
)

// Totals aggregates the open book for margin checks.
type Totals struct {
	Open              int
	Notional          decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	MaintenanceMargin decimal.Decimal
}

// PositionBook tracks open positions and marks them from book mid prices.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	mmr       decimal.Decimal
}

// NewPositionBook creates an empty book using the given maintenance margin rate.
func NewPositionBook(mmr decimal.Decimal) *PositionBook {
	return &PositionBook{
		positions: make(map[string]*domain.Position),
		mmr:       mmr,
	}
}

// Sync replaces the tracked positions with the broker's view. Marks already
// known for a symbol are kept when the broker does not report one.
func (b *PositionBook) Sync(positions map[string]domain.Position, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]*domain.Position, len(positions))
	for symbol, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		pos := p
		if prev, ok := b.positions[symbol]; ok && pos.MarkPrice.IsZero() && !prev.MarkPrice.IsZero() {
			pos.Mark(prev.MarkPrice, now)
		}
		b.fillLiquidationLocked(&pos)
		next[symbol] = &pos
	}
	b.positions = next
}

// Upsert sets a single position, removing it when the quantity is zero.
func (b *PositionBook) Upsert(p domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !p.Quantity.IsPositive() {
		delete(b.positions, p.Symbol)
		return
	}
	b.fillLiquidationLocked(&p)
	b.positions[p.Symbol] = &p
}

// Remove drops a symbol.
func (b *PositionBook) Remove(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.positions, symbol)
}

// Mark updates the mark price of symbol. It reports whether a position exists.
func (b *PositionBook) Mark(symbol string, price decimal.Decimal, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || !price.IsPositive() {
		return false
	}
	pos.Mark(price, at)
	return true
}

// Get returns a copy of the position for symbol.
func (b *PositionBook) Get(symbol string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// All returns copies of all positions sorted by symbol.
func (b *PositionBook) All() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		result = append(result, *pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// Totals sums notional, unrealized P&L and maintenance margin.
func (b *PositionBook) Totals() Totals {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t := Totals{
		Notional:          decimal.Zero,
		UnrealizedPnL:     decimal.Zero,
		MaintenanceMargin: decimal.Zero,
	}
	for _, pos := range b.positions {
		notional := pos.Notional()
		t.Open++
		t.Notional = t.Notional.Add(notional)
		t.UnrealizedPnL = t.UnrealizedPnL.Add(pos.UnrealizedPnL)
		t.MaintenanceMargin = t.MaintenanceMargin.Add(risk.MaintenanceMargin(notional, b.mmr))
	}
	return t
}

// Worst returns the position with the lowest unrealized P&L.
// Ties go to the lexically smaller symbol.
func (b *PositionBook) Worst() (domain.Position, bool) {
	all := b.All()
	if len(all) == 0 {
		return domain.Position{}, false
	}
	worst := all[0]
	for _, pos := range all[1:] {
		if pos.UnrealizedPnL.LessThan(worst.UnrealizedPnL) {
			worst = pos
		}
	}
	return worst, true
}

// fillLiquidationLocked derives the liquidation price when the source did not
// provide one.
func (b *PositionBook) fillLiquidationLocked(p *domain.Position) {
	if !p.LiquidationPrice.IsZero() || p.Leverage < 1 {
		return
	}
	liq, err := risk.CalculateLiquidationPrice(p.EntryPrice, p.Leverage, p.Side, b.mmr)
	if err != nil {
		return
	}
	p.LiquidationPrice = liq
}
