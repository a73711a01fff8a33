package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks the lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Order is owned by the execution coordinator until it reaches a terminal
// state; terminal orders are persisted through the Store.
type Order struct {
	ID         string          `json:"id" gorm:"primaryKey"`
	BrokerID   string          `json:"broker_id"`
	Symbol     string          `json:"symbol" gorm:"index"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`      // Expected (reference) price
	FillPrice  decimal.Decimal `json:"fill_price"` // Realized price, zero if unknown
	Status     OrderStatus     `json:"status"`
	RetryCount int             `json:"retry_count"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsTerminal checks if the order reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusRejected
}

// SlippageBps returns the signed slippage of the fill against the expected
// price in basis points. Positive means the fill was worse than expected.
func (o *Order) SlippageBps() decimal.Decimal {
	if o.Price.IsZero() || o.FillPrice.IsZero() {
		return decimal.Zero
	}
	diff := o.FillPrice.Sub(o.Price)
	if o.Side == SideSell {
		diff = diff.Neg()
	}
	return diff.Div(o.Price).Mul(decimal.NewFromInt(10_000))
}

// Trade is a realized round trip, persisted for daily P&L reconstruction.
type Trade struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	Symbol      string          `json:"symbol" gorm:"index"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"qty"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	ClosedAt    time.Time       `json:"closed_at" gorm:"index"`
}
