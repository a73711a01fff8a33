package strategy

import (
	"time"

	"l2_trader/internal/domain"
)

// Candidate is a raw imbalance decision before filtering.
type Candidate struct {
	Symbol    string
	Side      domain.Side
	Price     float64
	Imbalance float64
}

// Context is the per-evaluation state shared with filters.
type Context struct {
	Now        time.Time
	Mid        float64
	Percentile float64
}

// Verdict is the outcome of a filter. Reason is set when blocked.
type Verdict struct {
	Pass   bool
	Reason string
}

// Pass is the zero-reason passing verdict.
var Pass = Verdict{Pass: true}

// Block returns a blocking verdict.
func Block(reason string) Verdict { return Verdict{Reason: reason} }

// Filter is one stage of the signal pipeline. Filters keep per-instrument
// state fed by completed bars; an Engine owns its filters exclusively.
type Filter interface {
	Name() string
	OnBar(b Bar)
	Evaluate(c Candidate, ctx Context) Verdict
}

// SignalObserver is implemented by filters whose state is consumed by an
// emitted signal rather than by a passing verdict.
type SignalObserver interface {
	OnSignal(c Candidate)
}

// Pipeline runs filters in order. The first block short-circuits.
type Pipeline []Filter

// OnBar fans a completed bar out to every filter.
func (p Pipeline) OnBar(b Bar) {
	for _, f := range p {
		f.OnBar(b)
	}
}

// OnSignal tells observing filters that c became a signal.
func (p Pipeline) OnSignal(c Candidate) {
	for _, f := range p {
		if o, ok := f.(SignalObserver); ok {
			o.OnSignal(c)
		}
	}
}

// Run returns nil when every filter passes.
func (p Pipeline) Run(c Candidate, ctx Context) *domain.ValidationError {
	for _, f := range p {
		if v := f.Evaluate(c, ctx); !v.Pass {
			return &domain.ValidationError{Filter: f.Name(), Reason: v.Reason}
		}
	}
	return nil
}
