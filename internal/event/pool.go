package event

import (
	"sync"
	"time"
)

// Delta events arrive at tick frequency; pooling them keeps GC pressure off
// the pipeline.
//
// Usage:
//
//	ev := AcquireBookDeltaEvent()
//	ev.Symbol = "BTCUSDT"
//	// ... hand to the runner, which releases it after applying ...
//	ReleaseBookDeltaEvent(ev)
var bookDeltaPool = sync.Pool{
	New: func() interface{} {
		return &BookDeltaEvent{}
	},
}

// AcquireBookDeltaEvent gets a BookDeltaEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireBookDeltaEvent() *BookDeltaEvent {
	return bookDeltaPool.Get().(*BookDeltaEvent)
}

// ReleaseBookDeltaEvent returns a BookDeltaEvent to the pool.
// Level slices keep their capacity for reuse.
func ReleaseBookDeltaEvent(ev *BookDeltaEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = time.Time{}
	ev.Symbol = ""
	ev.Bids = ev.Bids[:0]
	ev.Asks = ev.Asks[:0]

	bookDeltaPool.Put(ev)
}

// Warmup pre-allocates delta events to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 1000

	evs := make([]*BookDeltaEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireBookDeltaEvent())
	}
	for _, ev := range evs {
		ReleaseBookDeltaEvent(ev)
	}
}
