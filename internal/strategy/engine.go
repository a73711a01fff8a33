package strategy

import (
	"fmt"
	"time"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
)

// Config is the imbalance rule and sizing of one Engine.
type Config struct {
	BuyThreshold  float64
	SellThreshold float64
	Depth         int
	Cooldown      time.Duration
	SpotOnly      bool

	NotionalUSD   decimal.Decimal // quantity = NotionalUSD / price
	StopLossPct   decimal.Decimal // fraction, 0.01 = 1%
	TakeProfitPct decimal.Decimal
	QtyPrecision  int32

	BarInterval      time.Duration
	PercentileWindow int
}

// Engine turns book imbalance into signals for one instrument.
// Not safe for concurrent use.
type Engine struct {
	symbol  string
	cfg     Config
	filters Pipeline
	bars    *BarBuilder
	pct     *Percentile

	lastSignal time.Time
	signaled   bool
}

// NewEngine creates an engine with filters applied in the given order.
func NewEngine(symbol string, cfg Config, filters ...Filter) *Engine {
	if cfg.Depth < 1 {
		cfg.Depth = 1
	}
	if cfg.BarInterval <= 0 {
		cfg.BarInterval = time.Minute
	}
	if cfg.PercentileWindow < 1 {
		cfg.PercentileWindow = 300
	}
	if cfg.QtyPrecision <= 0 {
		cfg.QtyPrecision = 6
	}
	return &Engine{
		symbol:  symbol,
		cfg:     cfg,
		filters: Pipeline(filters),
		bars:    NewBarBuilder(cfg.BarInterval),
		pct:     NewPercentile(cfg.PercentileWindow),
	}
}

// Symbol returns the instrument this engine trades.
func (e *Engine) Symbol() string { return e.symbol }

// Evaluate derives at most one signal from the current book.
// A stale book yields a StaleBook DataError and no signal.
func (e *Engine) Evaluate(book BookView, st State) (Result, error) {
	if book.IsStale(st.Now) {
		return Result{}, &domain.DataError{Kind: domain.StaleBook, Symbol: e.symbol}
	}
	mid, err := book.MidPrice()
	if err != nil {
		return Result{}, err
	}
	midF := mid.InexactFloat64()

	var res Result
	res.Imbalance = book.CalculateImbalance(e.cfg.Depth)
	res.Percentile = e.pct.Rank(res.Imbalance)
	if bar, done := e.bars.Add(st.Now, midF); done {
		e.filters.OnBar(bar)
		res.Bar = &bar
	}

	var side domain.Side
	switch {
	case res.Imbalance > e.cfg.BuyThreshold:
		side = domain.SideBuy
	case res.Imbalance < e.cfg.SellThreshold:
		side = domain.SideSell
	default:
		return res, nil
	}

	if side == domain.SideSell && e.cfg.SpotOnly {
		if !st.HasLong {
			return res, nil
		}
		side = domain.SideClose
	}

	if e.signaled && st.Now.Sub(e.lastSignal) < e.cfg.Cooldown {
		return res, nil
	}

	cand := Candidate{Symbol: e.symbol, Side: side, Price: midF, Imbalance: res.Imbalance}
	if blocked := e.filters.Run(cand, Context{Now: st.Now, Mid: midF, Percentile: res.Percentile}); blocked != nil {
		res.Blocked = blocked
		return res, nil
	}

	res.Signal = e.buildSignal(side, mid, res, book.Seq(), st.Now)
	e.filters.OnSignal(cand)
	e.lastSignal = st.Now
	e.signaled = true
	return res, nil
}

func (e *Engine) buildSignal(side domain.Side, price decimal.Decimal, res Result, seq uint64, now time.Time) *domain.Signal {
	sig := &domain.Signal{
		Symbol:      e.symbol,
		Side:        side,
		Price:       price,
		GeneratedAt: now,
		BookSeq:     seq,
	}

	switch side {
	case domain.SideBuy:
		sig.Reason = fmt.Sprintf("imbalance %.4f > %.4f (pct %.3f)", res.Imbalance, e.cfg.BuyThreshold, res.Percentile)
	case domain.SideSell:
		sig.Reason = fmt.Sprintf("imbalance %.4f < %.4f (pct %.3f)", res.Imbalance, e.cfg.SellThreshold, res.Percentile)
	default:
		sig.Reason = fmt.Sprintf("imbalance %.4f < %.4f, closing long (pct %.3f)", res.Imbalance, e.cfg.SellThreshold, res.Percentile)
		return sig
	}

	if price.IsPositive() {
		sig.Quantity = e.cfg.NotionalUSD.DivRound(price, e.cfg.QtyPrecision)
	}
	one := decimal.NewFromInt(1)
	if side == domain.SideBuy {
		sig.StopLoss = price.Mul(one.Sub(e.cfg.StopLossPct))
		sig.TakeProfit = price.Mul(one.Add(e.cfg.TakeProfitPct))
	} else {
		sig.StopLoss = price.Mul(one.Add(e.cfg.StopLossPct))
		sig.TakeProfit = price.Mul(one.Sub(e.cfg.TakeProfitPct))
	}
	return sig
}
