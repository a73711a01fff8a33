package strategy

import (
	"time"

	"l2_trader/internal/domain"
)

// MeanReversionFilter only lets a reversal through after price touched the
// opposite band extreme: a BUY needs a recent lower-band touch, a SELL a
// recent upper-band touch. A touch expires after lookback, and is consumed
// only when the candidate it confirmed is emitted as a signal.
type MeanReversionFilter struct {
	bands    *Bollinger
	lookback time.Duration

	lowerTouch time.Time
	upperTouch time.Time
}

// NewMeanReversionFilter creates the filter over period bars with k-sigma bands.
func NewMeanReversionFilter(period int, k float64, lookback time.Duration) *MeanReversionFilter {
	return &MeanReversionFilter{bands: NewBollinger(period, k), lookback: lookback}
}

func (f *MeanReversionFilter) Name() string { return "mean_reversion" }

// OnBar checks the bar against the bands computed before it, then adds it.
func (f *MeanReversionFilter) OnBar(b Bar) {
	if f.bands.Ready() {
		lower, _, upper := f.bands.Bands()
		if b.Low <= lower {
			f.lowerTouch = b.Start
		}
		if b.High >= upper {
			f.upperTouch = b.Start
		}
	}
	f.bands.Add(b.Close)
}

func (f *MeanReversionFilter) touchFor(side domain.Side) *time.Time {
	switch side {
	case domain.SideBuy:
		return &f.lowerTouch
	case domain.SideSell:
		return &f.upperTouch
	}
	return nil
}

func (f *MeanReversionFilter) Evaluate(c Candidate, ctx Context) Verdict {
	touch := f.touchFor(c.Side)
	if touch == nil {
		return Pass
	}

	if touch.IsZero() {
		return Block("no band touch")
	}
	if ctx.Now.Sub(*touch) > f.lookback {
		*touch = time.Time{}
		return Block("band touch expired")
	}
	return Pass
}

// OnSignal consumes the touch that confirmed c.
func (f *MeanReversionFilter) OnSignal(c Candidate) {
	if touch := f.touchFor(c.Side); touch != nil {
		*touch = time.Time{}
	}
}
