package event

import (
	"time"

	"l2_trader/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvBookSnapshot Type = iota + 1
	EvBookDelta
)

func (t Type) String() string {
	switch t {
	case EvBookSnapshot:
		return "SNAPSHOT"
	case EvBookDelta:
		return "DELTA"
	default:
		return "UNKNOWN"
	}
}

// Event is the interface for all market data events.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
	GetSymbol() string
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq    uint64    `json:"seq"`
	Ts     time.Time `json:"ts"`
	Symbol string    `json:"symbol"`
}

func (e BaseEvent) GetSeq() uint64 { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }
func (e BaseEvent) GetSymbol() string { return e.Symbol }

// BookSnapshotEvent replaces the whole book and sets the base sequence.
type BookSnapshotEvent struct {
	BaseEvent
	Bids []domain.PriceLevel `json:"bids"`
	Asks []domain.PriceLevel `json:"asks"`
}

func (e BookSnapshotEvent) GetType() Type { return EvBookSnapshot }

// BookDeltaEvent carries level changes. Quantity zero removes a level.
type BookDeltaEvent struct {
	BaseEvent
	Bids []domain.PriceLevel `json:"bids"`
	Asks []domain.PriceLevel `json:"asks"`
}

func (e BookDeltaEvent) GetType() Type { return EvBookDelta }
