package risk

import "github.com/shopspring/decimal"

// MarginAction is the outcome of a margin health check.
type MarginAction string

const (
	MarginOK       MarginAction = "ok"
	ReducePosition MarginAction = "reduce_position"
	LiquidateAll   MarginAction = "liquidate_all"
)

// CheckMarginHealth classifies margin_ratio = (balance + unrealizedPnL) /
// maintenanceMargin: below 1 liquidates, below 1+buffer reduces. No
// maintenance margin means nothing is at risk. Pure.
func CheckMarginHealth(balance, maintenanceMargin, unrealizedPnL, buffer decimal.Decimal) (MarginAction, decimal.Decimal) {
	if !maintenanceMargin.IsPositive() {
		return MarginOK, decimal.Zero
	}
	ratio := balance.Add(unrealizedPnL).Div(maintenanceMargin)
	switch {
	case ratio.LessThan(one):
		return LiquidateAll, ratio
	case ratio.LessThan(one.Add(buffer)):
		return ReducePosition, ratio
	default:
		return MarginOK, ratio
	}
}
