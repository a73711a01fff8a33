package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskState is the account-wide mutable risk record. Only the risk gate
// mutates it; everyone else sees copies.
type RiskState struct {
	ID               uint            `json:"-" gorm:"primaryKey"`
	Day              string          `json:"day"` // UTC date the daily fields belong to
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	PeakEquity       decimal.Decimal `json:"peak_equity"`
	TradeCount       int             `json:"trade_count"`
	KillSwitchActive bool            `json:"kill_switch_active"`
	KillSwitchReason string          `json:"kill_switch_reason"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
