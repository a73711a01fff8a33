package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker is the exchange contract consumed by the execution coordinator.
// Any call may fail with a NetworkError (retryable) or a BrokerRejection.
type Broker interface {
	Buy(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error)
	Sell(ctx context.Context, symbol string, qty decimal.Decimal, sl, tp *decimal.Decimal) (string, error)
	CloseAll(ctx context.Context, symbol string) (string, error)
	Positions(ctx context.Context) (map[string]Position, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Store is best-effort persistence. Failures must never block trading.
type Store interface {
	SaveOrder(ctx context.Context, order *Order) error
	SaveTrade(ctx context.Context, trade *Trade) error
	SavePosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, symbol string) error
	SaveRiskState(ctx context.Context, state *RiskState) error
	LoadRiskState(ctx context.Context) (*RiskState, error)
}

// AuditSink receives append-only audit events.
type AuditSink interface {
	Emit(ctx context.Context, ev AuditEvent) error
	Close() error
}

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// Resyncer is implemented by feeds that can deliver a fresh snapshot on demand.
type Resyncer interface {
	Resync(symbol string) error
}

// KillSwitchIndicator is an external, operator-controlled kill switch.
type KillSwitchIndicator interface {
	Triggered(ctx context.Context) (bool, error)
}
