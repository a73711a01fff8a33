package audit

import (
	"context"
	"log/slog"
	"time"

	"l2_trader/internal/domain"
)

// Recorder stamps and forwards audit events to a sink. Sink failures are
// logged and swallowed: auditing never blocks a trading decision.
type Recorder struct {
	sink   domain.AuditSink
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder wraps sink. A nil sink discards events.
func NewRecorder(sink domain.AuditSink, logger *slog.Logger) *Recorder {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, now: time.Now, logger: logger.With("module", "audit")}
}

// Record emits one event.
func (r *Recorder) Record(ctx context.Context, kind domain.AuditKind, symbol string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := domain.AuditEvent{
		Timestamp: r.now().UTC(),
		Kind:      kind,
		Symbol:    symbol,
		Payload:   payload,
	}
	if err := r.sink.Emit(ctx, ev); err != nil {
		r.logger.Warn("Audit emit failed", "kind", kind, "symbol", symbol, "error", err)
	}
}

// Close closes the underlying sink.
func (r *Recorder) Close() error {
	return r.sink.Close()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, domain.AuditEvent) error { return nil }
func (Discard) Close() error { return nil }
