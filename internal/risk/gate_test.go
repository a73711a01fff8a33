package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLimits() Limits {
	return Limits{
		MaxLeverage:           10,
		MaxPositionUSD:        d("10000"),
		DailyLossLimit:        d("500"),
		MaxDrawdown:           d("1000"),
		LiquidationBuffer:     d("0.5"),
		MaintenanceMarginRate: d("0.004"),
	}
}

type memStore struct {
	mu    sync.Mutex
	saved []domain.RiskState
	load  *domain.RiskState
}

func (m *memStore) SaveOrder(context.Context, *domain.Order) error       { return nil }
func (m *memStore) SaveTrade(context.Context, *domain.Trade) error       { return nil }
func (m *memStore) SavePosition(context.Context, *domain.Position) error { return nil }
func (m *memStore) DeletePosition(context.Context, string) error         { return nil }
func (m *memStore) SaveRiskState(_ context.Context, st *domain.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, *st)
	return nil
}
func (m *memStore) LoadRiskState(context.Context) (*domain.RiskState, error) { return m.load, nil }

func TestCanOpen_Order(t *testing.T) {
	tests := []struct {
		name     string
		balance  string
		price    string
		qty      string
		leverage int
		dailyPnL string
		peak     string
		reason   Reason
		tripped  bool
	}{
		{"approved", "5000", "50000", "0.1", 5, "0", "5000", ReasonNone, false},
		{"leverage above max", "5000", "50000", "0.1", 11, "0", "5000", ReasonLeverage, false},
		{"leverage zero", "5000", "50000", "0.1", 0, "0", "5000", ReasonLeverage, false},
		{"notional over hard limit", "1000000", "50000", "0.3", 5, "0", "0", ReasonNotional, false},
		{"insufficient margin", "500", "50000", "0.1", 5, "0", "500", ReasonMargin, false},
		{"margin exactly covered", "1000", "50000", "0.1", 5, "0", "1000", ReasonNone, false},
		{"daily loss at limit trips", "5000", "50000", "0.1", 5, "-500", "5500", ReasonDailyLoss, true},
		{"drawdown trips", "5000", "50000", "0.1", 5, "-100", "6000.01", ReasonDrawdown, true},
		{"drawdown at limit", "5000", "50000", "0.1", 5, "-100", "5900", ReasonNone, false},
		// Loss triggers run before the non-tripping checks.
		{"loss trips before notional", "5000", "50000", "1", 5, "-9999", "0", ReasonDailyLoss, true},
		{"drawdown trips before margin", "100", "50000", "0.1", 5, "0", "1200", ReasonDrawdown, true},
		{"loss trips before leverage", "5000", "50000", "0.1", 50, "-600", "5000", ReasonDailyLoss, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(testLimits())
			dec := g.CanOpen(d(tt.balance), d(tt.price), d(tt.qty), tt.leverage, d(tt.dailyPnL), d(tt.peak))
			assert.Equal(t, tt.reason == ReasonNone, dec.Approved, dec.Detail)
			assert.Equal(t, tt.reason, dec.Reason)
			assert.Equal(t, tt.tripped, dec.Tripped)
			assert.Equal(t, tt.tripped, g.KillSwitchActive())
		})
	}
}

// Scenario B.
func TestCanOpen_DailyLossTripsKillSwitch(t *testing.T) {
	store := &memStore{}
	g := NewGate(testLimits(), WithStore(store))

	var hooked []string
	g.OnKillSwitch(func(reason string) { hooked = append(hooked, reason) })

	dec := g.CanOpen(d("5000"), d("100"), d("1"), 2, d("-500.01"), d("5000"))
	require.False(t, dec.Approved)
	assert.Equal(t, ReasonDailyLoss, dec.Reason)
	assert.True(t, g.KillSwitchActive())

	var rv *domain.RiskViolation
	require.True(t, errors.As(dec.Err(), &rv))
	assert.Contains(t, rv.Reason, "-500.01")

	require.Len(t, hooked, 1)
	require.NotEmpty(t, store.saved)
	assert.True(t, store.saved[len(store.saved)-1].KillSwitchActive)

	select {
	case <-g.Done():
	default:
		t.Fatal("Done should be closed after trip")
	}
}

func TestKillSwitch_OneWayLatch(t *testing.T) {
	g := NewGate(testLimits())
	require.True(t, g.TriggerKillSwitch("operator file"))
	require.False(t, g.TriggerKillSwitch("again"), "second trigger is a no-op")

	for i := 0; i < 20; i++ {
		dec := g.CanOpen(d("100000"), d("1"), d("1"), 1, d("1000"), d("0"))
		require.False(t, dec.Approved)
		assert.Equal(t, ReasonKillSwitch, dec.Reason)
		assert.ErrorIs(t, dec.Err(), domain.ErrKillSwitchActive)
		assert.False(t, dec.Tripped)
	}
	assert.True(t, g.KillSwitchActive())

	// Time passing, including a day roll, never clears it.
	clock := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	g2 := NewGate(testLimits(), WithClock(func() time.Time { return clock }))
	g2.TriggerKillSwitch("loss")
	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, ReasonKillSwitch, g2.Check(d("1000"), d("1"), d("1"), 1).Reason)

	g.Reset("alice")
	assert.False(t, g.KillSwitchActive())
	assert.True(t, g.CanOpen(d("100000"), d("1"), d("1"), 1, d("0"), d("0")).Approved)
	select {
	case <-g.Done():
		t.Fatal("Reset hands out a fresh Done channel")
	default:
	}
}

// Hard notional limit holds for every other input combination. A breached
// loss limit still trips instead of hiding behind the notional rejection.
func TestCanOpen_NotionalHardLimit(t *testing.T) {
	balances := []string{"0", "1", "1e9"}
	pnls := []string{"-1e9", "0", "1e9"}
	for _, bal := range balances {
		for _, pnl := range pnls {
			for lev := 1; lev <= 10; lev += 3 {
				g := NewGate(testLimits())
				dec := g.CanOpen(d(bal), d("10000.01"), d("1"), lev, d(pnl), d("0"))
				assert.False(t, dec.Approved)
				if pnl == "-1e9" {
					assert.Equal(t, ReasonDailyLoss, dec.Reason)
					assert.True(t, g.KillSwitchActive())
				} else {
					assert.Equal(t, ReasonNotional, dec.Reason)
					assert.False(t, g.KillSwitchActive())
				}
			}
		}
	}
}

func TestCheck_UsesOwnState(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(testLimits(), WithClock(func() time.Time { return clock }))

	require.True(t, g.Check(d("5000"), d("100"), d("1"), 2).Approved)
	assert.Equal(t, "5000", g.Snapshot().PeakEquity.String())

	g.RecordTrade(d("-300"))
	g.RecordTrade(d("-150"))
	st := g.Snapshot()
	assert.Equal(t, "-450", st.DailyRealizedPnL.String())
	assert.Equal(t, 2, st.TradeCount)
	require.True(t, g.Check(d("4550"), d("100"), d("1"), 2).Approved)
	assert.Equal(t, "5000", g.Snapshot().PeakEquity.String())

	// Next UTC day resets the daily fields.
	clock = clock.Add(12 * time.Hour)
	st = g.Snapshot()
	assert.True(t, st.DailyRealizedPnL.IsZero())
	assert.Zero(t, st.TradeCount)
	assert.Equal(t, "2026-01-02", st.Day)

	g.RecordTrade(d("-500"))
	dec := g.Check(d("4050"), d("100"), d("1"), 2)
	assert.Equal(t, ReasonDailyLoss, dec.Reason)
	assert.True(t, g.KillSwitchActive())
}

// The broker balance already carries realized P&L; it must not be added twice.
func TestCheck_WalletIncludesRealizedPnL(t *testing.T) {
	t.Run("profitable day then day roll", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		limits := testLimits()
		limits.MaxDrawdown = d("250")
		g := NewGate(limits, WithClock(func() time.Time { return clock }))

		require.True(t, g.Check(d("10000"), d("100"), d("1"), 2).Approved)
		g.RecordTrade(d("300"))

		dec := g.Check(d("10300"), d("100"), d("1"), 2)
		require.True(t, dec.Approved, dec.Detail)
		assert.Equal(t, "10300", g.Snapshot().PeakEquity.String())

		clock = clock.Add(24 * time.Hour)
		dec = g.Check(d("10300"), d("100"), d("1"), 2)
		assert.True(t, dec.Approved, dec.Detail)
		assert.False(t, g.KillSwitchActive())
	})

	t.Run("losing day counts the loss once", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		limits := testLimits()
		limits.MaxDrawdown = d("600")
		g := NewGate(limits, WithClock(func() time.Time { return clock }))

		require.True(t, g.Check(d("5000"), d("100"), d("1"), 2).Approved)
		g.RecordTrade(d("-450"))

		dec := g.Check(d("4550"), d("100"), d("1"), 2)
		assert.True(t, dec.Approved, dec.Detail)

		g.RecordTrade(d("-40"))
		g.ObserveEquity(d("5200"))
		dec = g.Check(d("4510"), d("100"), d("1"), 2)
		assert.Equal(t, ReasonDrawdown, dec.Reason)
		assert.Contains(t, dec.Detail, "drawdown 690")
		assert.True(t, dec.Tripped)
	})
}

func TestRestore(t *testing.T) {
	clock := time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC)
	store := &memStore{load: &domain.RiskState{
		Day:              "2026-01-01",
		DailyRealizedPnL: d("-200"),
		PeakEquity:       d("7000"),
		KillSwitchActive: true,
		KillSwitchReason: "drawdown",
	}}
	g := NewGate(testLimits(), WithStore(store), WithClock(func() time.Time { return clock }))
	require.NoError(t, g.Restore(context.Background()))

	st := g.Snapshot()
	assert.True(t, st.KillSwitchActive)
	assert.True(t, st.DailyRealizedPnL.IsZero(), "stale day discarded")
	assert.Equal(t, "7000", st.PeakEquity.String())
	select {
	case <-g.Done():
	default:
		t.Fatal("restored latch must close Done")
	}
}

func TestGate_ConcurrentChecksSerialize(t *testing.T) {
	g := NewGate(testLimits())
	var wg sync.WaitGroup
	var mu sync.Mutex
	trips := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec := g.CanOpen(d("5000"), d("100"), d("1"), 2, d("-600"), d("5000"))
			if dec.Tripped {
				mu.Lock()
				trips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, trips, "exactly one decision trips the latch")
}

func BenchmarkGate_CanOpen(b *testing.B) {
	g := NewGate(testLimits())
	bal, price, qty, pnl, peak := d("5000"), d("50000"), d("0.1"), d("0"), d("5000")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = g.CanOpen(bal, price, qty, 5, pnl, peak)
	}
}
