package risk

import (
	"fmt"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// CalculateLiquidationPrice returns the isolated-margin liquidation price:
//
//	long:  entry * (1 - 1/leverage + mmr)
//	short: entry * (1 + 1/leverage - mmr)
//
// The result is on the losing side of entry as long as mmr < 1/leverage.
func CalculateLiquidationPrice(entry decimal.Decimal, leverage int, side domain.Side, mmr decimal.Decimal) (decimal.Decimal, error) {
	if leverage < 1 {
		return decimal.Zero, fmt.Errorf("leverage must be >= 1, got %d", leverage)
	}
	inv := one.Div(decimal.NewFromInt(int64(leverage)))
	switch side {
	case domain.SideBuy:
		return entry.Mul(one.Sub(inv).Add(mmr)), nil
	case domain.SideSell:
		return entry.Mul(one.Add(inv).Sub(mmr)), nil
	default:
		return decimal.Zero, fmt.Errorf("no liquidation price for side %q", side)
	}
}

// MaintenanceMargin returns notional * mmr.
func MaintenanceMargin(notional, mmr decimal.Decimal) decimal.Decimal {
	return notional.Abs().Mul(mmr)
}
