package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"l2_trader/internal/domain"
	"l2_trader/internal/event"
	"l2_trader/internal/orderbook"
	"l2_trader/internal/risk"
	"l2_trader/internal/strategy"

	"github.com/shopspring/decimal"
)

// pipeline is the single-threaded hot path of one instrument. It owns the
// book; nothing else mutates it.
type pipeline struct {
	r      *Runner
	symbol string
	book   *orderbook.Book
	strat  strategy.Strategy
	lane   <-chan event.Event
	logger *slog.Logger

	resyncPending bool
}

func (p *pipeline) run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("CRITICAL_PANIC_DETECTED", "panic", rec, "stack", string(debug.Stack()))
			err = &domain.FatalError{Op: "pipeline " + p.symbol, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.lane:
			if err := p.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handle applies one event and, if the book is usable, runs the signal path
// to completion before returning.
func (p *pipeline) handle(ctx context.Context, ev event.Event) error {
	start := time.Now()
	defer func() { p.r.metrics.RecordEvent(time.Since(start).Nanoseconds()) }()

	if !p.apply(ev) {
		return nil
	}

	now := p.r.now()
	mid, midErr := p.book.MidPrice()
	if midErr == nil {
		if p.r.prices != nil {
			p.r.prices.UpdatePrice(p.symbol, mid)
		}
		p.r.positions.Mark(p.symbol, mid, now)
	}

	pos, hasPos := p.r.positions.Get(p.symbol)
	res, err := p.strat.Evaluate(p.book, strategy.State{Now: now, HasLong: hasPos && pos.IsLong()})
	p.publish(mid, res, now)
	if err != nil {
		var fe *domain.FatalError
		if errors.As(err, &fe) {
			return err
		}
		// Stale or empty books only skip this tick.
		p.logger.Debug("Tick skipped", "error", err)
		return nil
	}

	if res.Bar != nil {
		p.r.record(ctx, domain.AuditBarReceived, p.symbol, map[string]any{
			"start": res.Bar.Start,
			"open":  res.Bar.Open,
			"high":  res.Bar.High,
			"low":   res.Bar.Low,
			"close": res.Bar.Close,
			"ticks": res.Bar.Ticks,
		})
	}
	if res.Blocked != nil {
		p.r.metrics.RecordFilterBlock()
		p.r.record(ctx, domain.AuditRiskBlock, p.symbol, map[string]any{
			"stage":      "filter",
			"filter":     res.Blocked.Filter,
			"reason":     res.Blocked.Reason,
			"imbalance":  res.Imbalance,
			"percentile": res.Percentile,
			"book_seq":   p.book.Seq(),
		})
		p.logger.Debug("Signal blocked", "filter", res.Blocked.Filter, "reason", res.Blocked.Reason)
		return nil
	}
	if res.Signal == nil {
		return nil
	}
	return p.execute(ctx, res)
}

func (p *pipeline) apply(ev event.Event) bool {
	switch e := ev.(type) {
	case *event.BookSnapshotEvent:
		p.book.ApplySnapshot(orderbook.Update{Sequence: e.Seq, Timestamp: e.Ts, Bids: e.Bids, Asks: e.Asks})
		if p.resyncPending {
			p.logger.Info("Book resynced", "seq", e.Seq)
			p.resyncPending = false
		}
		return true
	case *event.BookDeltaEvent:
		err := p.book.ApplyDelta(orderbook.Update{Sequence: e.Seq, Timestamp: e.Ts, Bids: e.Bids, Asks: e.Asks})
		event.ReleaseBookDeltaEvent(e)
		if err != nil {
			p.onDataError(err)
			return false
		}
		return true
	default:
		p.logger.Warn("Unknown event type", "type", ev.GetType())
		return false
	}
}

func (p *pipeline) onDataError(err error) {
	var de *domain.DataError
	if errors.As(err, &de) && de.Kind == domain.GapDetected {
		p.r.metrics.RecordGap()
		p.logger.Warn("Sequence gap detected", "expected", de.Expected, "got", de.Got)
	}
	if p.resyncPending || p.r.resyncer == nil {
		return
	}
	p.resyncPending = true
	if err := p.r.resyncer.Resync(p.symbol); err != nil {
		p.logger.Warn("Resync request failed", "error", err)
		p.resyncPending = false
	}
}

func (p *pipeline) execute(ctx context.Context, res strategy.Result) error {
	sig := res.Signal
	p.r.metrics.RecordSignal()
	p.r.record(ctx, domain.AuditSignalGenerated, p.symbol, map[string]any{
		"side":       sig.Side,
		"qty":        sig.Quantity.String(),
		"price":      sig.Price.String(),
		"imbalance":  res.Imbalance,
		"percentile": res.Percentile,
		"book_seq":   sig.BookSeq,
		"reason":     sig.Reason,
	})

	if p.r.halted() {
		p.logger.Warn("Signal dropped, kill switch active", "side", sig.Side)
		return nil
	}

	order, err := p.r.coord.OpenPosition(ctx, sig)
	p.r.syncPositions(ctx)

	var rv *domain.RiskViolation
	switch {
	case err == nil:
		p.logger.Info("Signal executed", "side", sig.Side, "order_id", order.ID, "broker_id", order.BrokerID)
	case errors.As(err, &rv):
		return err
	case errors.Is(err, domain.ErrKillSwitchActive):
		// The kill switch watcher takes over.
	case errors.Is(err, risk.ErrRejected), errors.Is(err, domain.ErrNoPosition):
		p.logger.Info("Signal not executed", "side", sig.Side, "reason", err)
	default:
		p.logger.Warn("Signal execution failed", "side", sig.Side, "error", err)
	}
	return nil
}

func (p *pipeline) publish(mid decimal.Decimal, res strategy.Result, now time.Time) {
	bids, asks := p.book.Depth()
	p.r.publish(BookStatus{
		Symbol:     p.symbol,
		Seq:        p.book.Seq(),
		Mid:        mid,
		Imbalance:  res.Imbalance,
		Percentile: res.Percentile,
		Stale:      p.book.IsStale(now),
		BidLevels:  bids,
		AskLevels:  asks,
		LastUpdate: p.book.LastUpdate(),
	})
}
