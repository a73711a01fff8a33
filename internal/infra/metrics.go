package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight trading counters without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsProcessed atomic.Uint64
	gapsDetected    atomic.Uint64
	signals         atomic.Uint64
	filterBlocks    atomic.Uint64
	riskBlocks      atomic.Uint64
	ordersPlaced    atomic.Uint64
	retries         atomic.Uint64
	errorsTotal     atomic.Uint64

	// Tick latency: book apply through execution
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	circuitOpen       atomic.Int32 // 1 = open, 0 = closed
	killSwitch        atomic.Int32 // 1 = active
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records one processed market data event with its tick latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordGap records a sequence gap.
func (m *Metrics) RecordGap() { m.gapsDetected.Add(1) }

// RecordSignal records an emitted signal.
func (m *Metrics) RecordSignal() { m.signals.Add(1) }

// RecordFilterBlock records a candidate blocked by a filter.
func (m *Metrics) RecordFilterBlock() { m.filterBlocks.Add(1) }

// RecordRiskBlock records a signal rejected by the risk gate.
func (m *Metrics) RecordRiskBlock() { m.riskBlocks.Add(1) }

// RecordOrderPlaced records an order accepted by the broker.
func (m *Metrics) RecordOrderPlaced() { m.ordersPlaced.Add(1) }

// RecordRetry records a retried broker call.
func (m *Metrics) RecordRetry() { m.retries.Add(1) }

// RecordError records an error occurrence.
func (m *Metrics) RecordError() { m.errorsTotal.Add(1) }

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	m.circuitOpen.Store(boolToInt32(open))
}

// SetKillSwitch mirrors the risk latch.
func (m *Metrics) SetKillSwitch(active bool) {
	m.killSwitch.Store(boolToInt32(active))
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsProcessed   uint64
	GapsDetected      uint64
	Signals           uint64
	FilterBlocks      uint64
	RiskBlocks        uint64
	OrdersPlaced      uint64
	Retries           uint64
	ErrorsTotal       uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	CircuitOpen       bool
	KillSwitch        bool
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsProcessed:   m.eventsProcessed.Load(),
		GapsDetected:      m.gapsDetected.Load(),
		Signals:           m.signals.Load(),
		FilterBlocks:      m.filterBlocks.Load(),
		RiskBlocks:        m.riskBlocks.Load(),
		OrdersPlaced:      m.ordersPlaced.Load(),
		Retries:           m.retries.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		CircuitOpen:       m.circuitOpen.Load() == 1,
		KillSwitch:        m.killSwitch.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsProcessed.Store(0)
	m.gapsDetected.Store(0)
	m.signals.Store(0)
	m.filterBlocks.Store(0)
	m.riskBlocks.Store(0)
	m.ordersPlaced.Store(0)
	m.retries.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.circuitOpen.Store(0)
	m.killSwitch.Store(0)
}
