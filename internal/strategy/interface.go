package strategy

import (
	"time"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
)

// BookView is the read-only order book surface used for signal generation.
type BookView interface {
	Symbol() string
	Seq() uint64
	IsStale(now time.Time) bool
	CalculateImbalance(depth int) float64
	MidPrice() (decimal.Decimal, error)
}

// State is the caller-side context of one evaluation.
type State struct {
	Now     time.Time
	HasLong bool // an open long exists; spot-only SELL becomes CLOSE
}

// Result is the outcome of one evaluation. At most one of Signal and Blocked
// is set.
type Result struct {
	Signal     *domain.Signal
	Blocked    *domain.ValidationError
	Bar        *Bar // bar completed by this tick, if any
	Imbalance  float64
	Percentile float64
}

// Strategy is called synchronously by the instrument pipeline.
// It returns at most one actionable signal per call.
type Strategy interface {
	Evaluate(book BookView, st State) (Result, error)
}
