package execution

import (
	"context"
	"errors"
	"testing"

	"l2_trader/internal/domain"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPaperBroker_Buy(t *testing.T) {
	ctx := context.Background()
	paper := NewPaperBroker(dec("10000"), decimal.Zero)
	paper.UpdatePrice("BTCUSDT", dec("50000"))
	if err := paper.SetLeverage(ctx, "BTCUSDT", 5); err != nil {
		t.Fatalf("SetLeverage failed: %v", err)
	}

	id, err := paper.Buy(ctx, "BTCUSDT", dec("0.1"), nil, nil)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if id == "" {
		t.Error("Expected an order id")
	}

	positions, _ := paper.Positions(ctx)
	pos, ok := positions["BTCUSDT"]
	if !ok {
		t.Fatal("Expected an open BTCUSDT position")
	}
	if !pos.IsLong() || !pos.Quantity.Equal(dec("0.1")) || !pos.EntryPrice.Equal(dec("50000")) {
		t.Errorf("Unexpected position: %+v", pos)
	}
	if pos.Leverage != 5 {
		t.Errorf("Expected leverage 5, got %d", pos.Leverage)
	}

	// Margin is locked, not spent: the wallet is unchanged.
	bal, _ := paper.Balance(ctx)
	if !bal.Equal(dec("10000")) {
		t.Errorf("Expected wallet 10000, got %s", bal)
	}

	fills := paper.Fills()
	if len(fills) != 1 || fills[0].Side != domain.SideBuy {
		t.Fatalf("Expected 1 BUY fill, got %+v", fills)
	}
}

func TestPaperBroker_ReduceAndClose(t *testing.T) {
	ctx := context.Background()
	paper := NewPaperBroker(dec("10000"), decimal.Zero)
	paper.UpdatePrice("BTCUSDT", dec("50000"))
	_ = paper.SetLeverage(ctx, "BTCUSDT", 5)
	if _, err := paper.Buy(ctx, "BTCUSDT", dec("0.1"), nil, nil); err != nil {
		t.Fatal(err)
	}

	paper.UpdatePrice("BTCUSDT", dec("51000"))
	positions, _ := paper.Positions(ctx)
	if got := positions["BTCUSDT"].UnrealizedPnL; !got.Equal(dec("100")) {
		t.Errorf("Expected unrealized 100, got %s", got)
	}

	// Sell half: realize (51000 - 50000) * 0.05 = 50
	if _, err := paper.Sell(ctx, "BTCUSDT", dec("0.05"), nil, nil); err != nil {
		t.Fatal(err)
	}
	bal, _ := paper.Balance(ctx)
	if !bal.Equal(dec("10050")) {
		t.Errorf("Expected wallet 10050, got %s", bal)
	}

	if _, err := paper.CloseAll(ctx, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	bal, _ = paper.Balance(ctx)
	if !bal.Equal(dec("10100")) {
		t.Errorf("Expected wallet 10100, got %s", bal)
	}
	positions, _ = paper.Positions(ctx)
	if len(positions) != 0 {
		t.Errorf("Expected flat book, got %v", positions)
	}

	if _, err := paper.CloseAll(ctx, "BTCUSDT"); !errors.Is(err, domain.ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition, got %v", err)
	}
}

func TestPaperBroker_InsufficientBalance(t *testing.T) {
	paper := NewPaperBroker(dec("100"), decimal.Zero)
	paper.UpdatePrice("BTCUSDT", dec("50000"))

	// 1 BTC at 1x needs 50000 USDT.
	_, err := paper.Buy(context.Background(), "BTCUSDT", dec("1"), nil, nil)
	var rej *domain.BrokerRejection
	if !errors.As(err, &rej) {
		t.Fatalf("Expected BrokerRejection, got %v", err)
	}
	if rej.Code != "INSUFFICIENT_BALANCE" {
		t.Errorf("Expected INSUFFICIENT_BALANCE, got %s", rej.Code)
	}
	if domain.IsRetriable(err) {
		t.Error("Rejection must not be retriable")
	}
}

func TestPaperBroker_Slippage(t *testing.T) {
	paper := NewPaperBroker(dec("100000"), dec("10"))
	paper.UpdatePrice("ETHUSDT", dec("2000"))

	if _, err := paper.Buy(context.Background(), "ETHUSDT", dec("1"), nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := paper.Fills()[0].Price; !got.Equal(dec("2002")) {
		t.Errorf("Expected fill 2002 (10 bps), got %s", got)
	}
}

func TestPaperBroker_StopLossFiresHook(t *testing.T) {
	paper := NewPaperBroker(dec("10000"), decimal.Zero)
	var trades []domain.Trade
	paper.OnTrade(func(tr domain.Trade) { trades = append(trades, tr) })

	paper.UpdatePrice("BTCUSDT", dec("50000"))
	_ = paper.SetLeverage(context.Background(), "BTCUSDT", 10)
	sl, tp := dec("49000"), dec("52000")
	if _, err := paper.Buy(context.Background(), "BTCUSDT", dec("0.1"), &sl, &tp); err != nil {
		t.Fatal(err)
	}

	paper.UpdatePrice("BTCUSDT", dec("49500"))
	if len(trades) != 0 {
		t.Fatalf("Expected no trade above stop, got %d", len(trades))
	}

	paper.UpdatePrice("BTCUSDT", dec("48900"))
	if len(trades) != 1 {
		t.Fatalf("Expected 1 stop-loss trade, got %d", len(trades))
	}
	if trades[0].Reason != "stop_loss" || !trades[0].RealizedPnL.Equal(dec("-110")) {
		t.Errorf("Unexpected trade: %+v", trades[0])
	}
}

func TestPaperBroker_NoPrice(t *testing.T) {
	paper := NewPaperBroker(dec("1000"), decimal.Zero)
	if _, err := paper.TickerPrice(context.Background(), "XRPUSDT"); !errors.Is(err, domain.ErrNoPrice) {
		t.Errorf("Expected ErrNoPrice, got %v", err)
	}
}

func TestPaperBroker_ImplementsInterface(t *testing.T) {
	var _ domain.Broker = (*PaperBroker)(nil)
}
