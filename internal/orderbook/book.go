package orderbook

import (
	"sort"
	"time"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
)

// MaxImbalance is the saturating value returned when the ask side of the
// requested depth is empty but bids are present.
const MaxImbalance = 1e9

var bpsFactor = decimal.NewFromInt(10_000)

// Update is a snapshot or delta as delivered by the market data feed.
type Update struct {
	Sequence  uint64
	Timestamp time.Time
	Bids      []domain.PriceLevel
	Asks      []domain.PriceLevel
}

// Book is the L2 state of one instrument.
// Bids are price-descending, asks price-ascending, no duplicate prices and
// no zero-quantity levels. Not safe for concurrent use: each instrument
// pipeline owns its book.
type Book struct {
	symbol     string
	bids       []domain.PriceLevel
	asks       []domain.PriceLevel
	lastSeq    uint64
	lastUpdate time.Time

	synced     bool // a snapshot was applied and no gap seen since
	staleAfter time.Duration
}

// New creates an empty, unsynced book. staleAfter <= 0 disables the
// time-based staleness check.
func New(symbol string, staleAfter time.Duration) *Book {
	return &Book{
		symbol:     symbol,
		bids:       make([]domain.PriceLevel, 0, 64),
		asks:       make([]domain.PriceLevel, 0, 64),
		staleAfter: staleAfter,
	}
}

// Symbol returns the instrument id.
func (b *Book) Symbol() string { return b.symbol }

// Seq returns the last applied sequence number.
func (b *Book) Seq() uint64 { return b.lastSeq }

// LastUpdate returns the timestamp of the last applied update.
func (b *Book) LastUpdate() time.Time { return b.lastUpdate }

// ApplySnapshot atomically replaces both sides and sets the base sequence.
// Input levels may be unsorted; zero quantities are dropped and duplicate
// prices resolve to the last occurrence.
func (b *Book) ApplySnapshot(u Update) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range u.Bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range u.Asks {
		b.asks = upsert(b.asks, l, false)
	}
	b.lastSeq = u.Sequence
	b.lastUpdate = u.Timestamp
	b.synced = true
}

// ApplyDelta applies one sequenced delta. A sequence other than last+1 marks
// the book stale and returns a GapDetected DataError; nothing is applied
// until a fresh snapshot arrives.
func (b *Book) ApplyDelta(u Update) error {
	if !b.synced {
		return &domain.DataError{Kind: domain.StaleBook, Symbol: b.symbol, Expected: b.lastSeq + 1, Got: u.Sequence}
	}
	if u.Sequence != b.lastSeq+1 {
		b.synced = false
		return &domain.DataError{Kind: domain.GapDetected, Symbol: b.symbol, Expected: b.lastSeq + 1, Got: u.Sequence}
	}

	for _, l := range u.Bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range u.Asks {
		b.asks = upsert(b.asks, l, false)
	}
	b.lastSeq = u.Sequence
	b.lastUpdate = u.Timestamp
	return nil
}

// IsStale reports whether the book must not be used for signals: no
// snapshot yet, an unresolved gap, or no update within the staleness window.
func (b *Book) IsStale(now time.Time) bool {
	if !b.synced {
		return true
	}
	return b.staleAfter > 0 && now.Sub(b.lastUpdate) > b.staleAfter
}

// CalculateImbalance returns the sum of the top-depth bid quantities divided
// by the sum of the top-depth ask quantities. An empty ask side saturates at
// MaxImbalance; a book with both sides empty is neutral (1).
func (b *Book) CalculateImbalance(depth int) float64 {
	if depth < 1 {
		depth = 1
	}
	bidSum := sumTop(b.bids, depth)
	askSum := sumTop(b.asks, depth)

	if askSum.IsZero() {
		if bidSum.IsZero() {
			return 1
		}
		return MaxImbalance
	}
	ratio := bidSum.Div(askSum).InexactFloat64()
	if ratio > MaxImbalance {
		return MaxImbalance
	}
	return ratio
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (domain.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return domain.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (domain.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return domain.PriceLevel{}, false
	}
	return b.asks[0], true
}

// MidPrice returns (best bid + best ask) / 2.
func (b *Book) MidPrice() (decimal.Decimal, error) {
	bid, ask, err := b.top()
	if err != nil {
		return decimal.Zero, err
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
}

// SpreadBps returns (ask - bid) / mid in basis points.
func (b *Book) SpreadBps() (decimal.Decimal, error) {
	bid, ask, err := b.top()
	if err != nil {
		return decimal.Zero, err
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero, &domain.DataError{Kind: domain.EmptyBook, Symbol: b.symbol}
	}
	return ask.Sub(bid).Div(mid).Mul(bpsFactor), nil
}

// Bids returns a copy of the bid side, best first.
func (b *Book) Bids() []domain.PriceLevel {
	return append([]domain.PriceLevel(nil), b.bids...)
}

// Asks returns a copy of the ask side, best first.
func (b *Book) Asks() []domain.PriceLevel {
	return append([]domain.PriceLevel(nil), b.asks...)
}

// Depth returns the number of levels per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

func (b *Book) top() (decimal.Decimal, decimal.Decimal, error) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero, decimal.Zero, &domain.DataError{Kind: domain.EmptyBook, Symbol: b.symbol}
	}
	return b.bids[0].Price, b.asks[0].Price, nil
}

func sumTop(levels []domain.PriceLevel, depth int) decimal.Decimal {
	sum := decimal.Zero
	for i := 0; i < depth && i < len(levels); i++ {
		sum = sum.Add(levels[i].Quantity)
	}
	return sum
}

// upsert inserts, replaces or (for qty <= 0) removes a level keeping the
// side ordered: descending for bids, ascending for asks.
func upsert(levels []domain.PriceLevel, l domain.PriceLevel, desc bool) []domain.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(l.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(l.Price)
	})
	found := i < len(levels) && levels[i].Price.Equal(l.Price)

	if !l.Quantity.IsPositive() {
		if found {
			levels = append(levels[:i], levels[i+1:]...)
		}
		return levels
	}
	if found {
		levels[i].Quantity = l.Quantity
		return levels
	}
	levels = append(levels, domain.PriceLevel{})
	copy(levels[i+1:], levels[i:])
	levels[i] = l
	return levels
}
