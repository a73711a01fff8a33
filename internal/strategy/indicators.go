package strategy

import (
	"math"
	"time"
)

// Bar is an OHLC aggregate of mid prices over a fixed interval.
type Bar struct {
	Start time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
	Ticks int
}

// BarBuilder aggregates tick prices into fixed-interval bars.
type BarBuilder struct {
	interval time.Duration
	cur      Bar
	open     bool
}

// NewBarBuilder creates a builder. interval must be positive.
func NewBarBuilder(interval time.Duration) *BarBuilder {
	if interval <= 0 {
		panic("BarBuilder: interval must be positive")
	}
	return &BarBuilder{interval: interval}
}

// Add feeds one price. When the tick falls into a new interval the previous
// bar is returned as completed.
func (b *BarBuilder) Add(at time.Time, price float64) (Bar, bool) {
	start := at.Truncate(b.interval)
	if !b.open {
		b.cur = Bar{Start: start, Open: price, High: price, Low: price, Close: price, Ticks: 1}
		b.open = true
		return Bar{}, false
	}
	if start.After(b.cur.Start) {
		done := b.cur
		b.cur = Bar{Start: start, Open: price, High: price, Low: price, Close: price, Ticks: 1}
		return done, true
	}
	if price > b.cur.High {
		b.cur.High = price
	}
	if price < b.cur.Low {
		b.cur.Low = price
	}
	b.cur.Close = price
	b.cur.Ticks++
	return Bar{}, false
}

// Ring is a fixed-size window of float64 with a running sum.
// Push never allocates once the ring is constructed.
type Ring struct {
	vals  []float64
	head  int // next write position
	count int
	sum   float64
}

// NewRing creates a window of size n.
func NewRing(n int) *Ring {
	if n < 1 {
		panic("Ring: size must be >= 1")
	}
	return &Ring{vals: make([]float64, n)}
}

// Push adds v, evicting the oldest value once full.
func (r *Ring) Push(v float64) {
	if r.count == len(r.vals) {
		r.sum -= r.vals[r.head]
	} else {
		r.count++
	}
	r.vals[r.head] = v
	r.sum += v
	r.head = (r.head + 1) % len(r.vals)
}

// Full reports whether the window holds n values.
func (r *Ring) Full() bool { return r.count == len(r.vals) }

// Len returns the number of values held.
func (r *Ring) Len() int { return r.count }

// Mean returns the window average, or 0 when empty.
func (r *Ring) Mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

// StdDev returns the population standard deviation of the window.
func (r *Ring) StdDev() float64 {
	if r.count == 0 {
		return 0
	}
	mean := r.Mean()
	var ss float64
	r.Each(func(v float64) {
		d := v - mean
		ss += d * d
	})
	return math.Sqrt(ss / float64(r.count))
}

// Each visits the values oldest first.
func (r *Ring) Each(fn func(float64)) {
	start := r.head - r.count
	if start < 0 {
		start += len(r.vals)
	}
	for i := 0; i < r.count; i++ {
		fn(r.vals[(start+i)%len(r.vals)])
	}
}

// SMA is a simple moving average over a ring buffer.
type SMA struct{ ring *Ring }

// NewSMA creates an SMA of the given period.
func NewSMA(period int) *SMA { return &SMA{ring: NewRing(period)} }

// Add pushes a value.
func (s *SMA) Add(v float64) { s.ring.Push(v) }

// Ready reports whether a full period was seen.
func (s *SMA) Ready() bool { return s.ring.Full() }

// Value returns the current average.
func (s *SMA) Value() float64 { return s.ring.Mean() }

// ATR is the average true range over bars.
type ATR struct {
	ring      *Ring
	prevClose float64
	seen      bool
}

// NewATR creates an ATR of the given period.
func NewATR(period int) *ATR { return &ATR{ring: NewRing(period)} }

// Add consumes one completed bar.
func (a *ATR) Add(b Bar) {
	tr := b.High - b.Low
	if a.seen {
		tr = math.Max(tr, math.Max(math.Abs(b.High-a.prevClose), math.Abs(b.Low-a.prevClose)))
	}
	a.prevClose = b.Close
	a.seen = true
	a.ring.Push(tr)
}

// Ready reports whether a full period was seen.
func (a *ATR) Ready() bool { return a.ring.Full() }

// Value returns the current ATR.
func (a *ATR) Value() float64 { return a.ring.Mean() }

// Bollinger holds mean +/- k standard deviations of closes.
type Bollinger struct {
	ring *Ring
	k    float64
}

// NewBollinger creates bands over period closes with width k.
func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{ring: NewRing(period), k: k}
}

// Add pushes a close.
func (b *Bollinger) Add(v float64) { b.ring.Push(v) }

// Ready reports whether a full period was seen.
func (b *Bollinger) Ready() bool { return b.ring.Full() }

// Bands returns lower, middle and upper.
func (b *Bollinger) Bands() (lower, mid, upper float64) {
	mid = b.ring.Mean()
	dev := b.k * b.ring.StdDev()
	return mid - dev, mid, mid + dev
}
