package strategy

import "fmt"

// VolatilityFilter blocks every signal when ATR / average ATR falls outside
// [low, high].
type VolatilityFilter struct {
	atr     *ATR
	avg     *SMA
	low     float64
	high    float64
	current float64
}

// NewVolatilityFilter creates the filter. atrPeriod bars form one ATR value,
// avgPeriod ATR values form the baseline.
func NewVolatilityFilter(atrPeriod, avgPeriod int, low, high float64) *VolatilityFilter {
	return &VolatilityFilter{atr: NewATR(atrPeriod), avg: NewSMA(avgPeriod), low: low, high: high}
}

func (f *VolatilityFilter) Name() string { return "volatility" }

func (f *VolatilityFilter) OnBar(b Bar) {
	f.atr.Add(b)
	if f.atr.Ready() {
		f.current = f.atr.Value()
		f.avg.Add(f.current)
	}
}

// Ratio returns current ATR over its average, and false while warming up.
func (f *VolatilityFilter) Ratio() (float64, bool) {
	if !f.avg.Ready() {
		return 0, false
	}
	base := f.avg.Value()
	if base == 0 {
		return 0, true
	}
	return f.current / base, true
}

func (f *VolatilityFilter) Evaluate(_ Candidate, _ Context) Verdict {
	ratio, ok := f.Ratio()
	if !ok {
		return Block("volatility warming up")
	}
	if ratio < f.low {
		return Block(fmt.Sprintf("volatility ratio %.3f below %.3f", ratio, f.low))
	}
	if ratio > f.high {
		return Block(fmt.Sprintf("volatility ratio %.3f above %.3f", ratio, f.high))
	}
	return Pass
}
