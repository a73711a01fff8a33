package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal, order or position.
type Side string

const (
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
	SideClose Side = "CLOSE"
)

// Opposite returns the side that offsets s. CLOSE has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return s
	}
}

// PriceLevel is a single price/quantity pair on one side of the book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"qty"`
}

// Signal is an actionable trading decision. Immutable once created; it is
// risk-checked exactly once.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	Reason      string          `json:"reason"`
	GeneratedAt time.Time       `json:"generated_at"`
	// BookSeq is the sequence of the book state that produced the signal.
	BookSeq uint64 `json:"book_seq"`
}

// Notional returns price * quantity.
func (s Signal) Notional() decimal.Decimal {
	return s.Price.Mul(s.Quantity)
}
