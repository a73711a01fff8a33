package strategy

// NeutralPercentile is reported for an empty window and for a value tied
// with every value in the window.
const NeutralPercentile = 0.5

// Percentile ranks each new observation against a rolling window of the
// previous ones using the mid-rank rule: (below + 0.5*equal) / n.
type Percentile struct {
	ring *Ring
}

// NewPercentile creates a rank window of size n.
func NewPercentile(n int) *Percentile {
	return &Percentile{ring: NewRing(n)}
}

// Rank returns the mid-rank of v within the current window, then adds v.
func (p *Percentile) Rank(v float64) float64 {
	n := p.ring.Len()
	rank := NeutralPercentile
	if n > 0 {
		var below, equal int
		p.ring.Each(func(x float64) {
			switch {
			case x < v:
				below++
			case x == v:
				equal++
			}
		})
		rank = (float64(below) + 0.5*float64(equal)) / float64(n)
	}
	p.ring.Push(v)
	return rank
}
