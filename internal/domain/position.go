package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginMode of a leveraged position.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCrossed  MarginMode = "crossed"
)

// Position represents an open trading position.
// Side is BUY for long and SELL for short.
type Position struct {
	Symbol           string          `json:"symbol" gorm:"primaryKey"`
	Side             Side            `json:"side"`
	Quantity         decimal.Decimal `json:"qty"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Leverage         int             `json:"leverage"`
	MarginMode       MarginMode      `json:"margin_mode"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	OpenedAt         time.Time       `json:"opened_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsLong checks if the position is Long.
func (p *Position) IsLong() bool {
	return p.Side == SideBuy
}

// IsShort checks if the position is Short.
func (p *Position) IsShort() bool {
	return p.Side == SideSell
}

// Notional returns quantity valued at the mark (entry if never marked).
func (p *Position) Notional() decimal.Decimal {
	price := p.MarkPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return price.Mul(p.Quantity)
}

// PnLAt returns the P&L of the position if it were closed at price.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.IsShort() {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// Mark updates the mark price and unrealized P&L.
func (p *Position) Mark(price decimal.Decimal, at time.Time) {
	p.MarkPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
	p.UpdatedAt = at
}
