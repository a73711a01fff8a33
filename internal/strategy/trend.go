package strategy

import (
	"fmt"

	"l2_trader/internal/domain"
)

// TrendFilter blocks entries against the sign of fast SMA - slow SMA.
// Averages are fed bar closes, so the trend moves at bar cadence rather than
// tick cadence.
type TrendFilter struct {
	fast *SMA
	slow *SMA
}

// NewTrendFilter creates the filter. fast must be shorter than slow.
func NewTrendFilter(fast, slow int) *TrendFilter {
	if fast >= slow {
		panic("TrendFilter: fast period must be less than slow period")
	}
	return &TrendFilter{fast: NewSMA(fast), slow: NewSMA(slow)}
}

func (f *TrendFilter) Name() string { return "trend" }

func (f *TrendFilter) OnBar(b Bar) {
	f.fast.Add(b.Close)
	f.slow.Add(b.Close)
}

func (f *TrendFilter) Evaluate(c Candidate, _ Context) Verdict {
	if c.Side == domain.SideClose {
		return Pass
	}
	if !f.slow.Ready() {
		return Block("trend warming up")
	}
	diff := f.fast.Value() - f.slow.Value()
	switch {
	case c.Side == domain.SideBuy && diff > 0:
		return Pass
	case c.Side == domain.SideSell && diff < 0:
		return Pass
	}
	return Block(fmt.Sprintf("%s against trend (fast-slow=%.4f)", c.Side, diff))
}
