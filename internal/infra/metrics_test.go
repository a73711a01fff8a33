package infra

import (
	"sync"
	"testing"
)

func TestMetrics_RecordEvent(t *testing.T) {
	m := &Metrics{}

	m.RecordEvent(1000)
	m.RecordEvent(2000)
	m.RecordEvent(3000)

	snap := m.Snapshot()

	if snap.EventsProcessed != 3 {
		t.Errorf("Expected 3 events, got %d", snap.EventsProcessed)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgLatencyNs)
	}
}

func TestMetrics_PipelineCounters(t *testing.T) {
	m := &Metrics{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordSignal()
			m.RecordFilterBlock()
			m.RecordRiskBlock()
			m.RecordOrderPlaced()
			m.RecordRetry()
			m.RecordGap()
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	for name, got := range map[string]uint64{
		"signals":       snap.Signals,
		"filter_blocks": snap.FilterBlocks,
		"risk_blocks":   snap.RiskBlocks,
		"orders":        snap.OrdersPlaced,
		"retries":       snap.Retries,
		"gaps":          snap.GapsDetected,
	} {
		if got != 10 {
			t.Errorf("%s = %d, want 10", name, got)
		}
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.DecrementConnections()
	m.SetCircuitState(true)
	m.SetKillSwitch(true)

	snap := m.Snapshot()
	if snap.ActiveConnections != 1 {
		t.Errorf("Expected 1 connection, got %d", snap.ActiveConnections)
	}
	if !snap.CircuitOpen {
		t.Error("Expected circuit open")
	}
	if !snap.KillSwitch {
		t.Error("Expected kill switch active")
	}

	m.SetCircuitState(false)
	if m.Snapshot().CircuitOpen {
		t.Error("Expected circuit closed")
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordEvent(1000)
	m.RecordError()
	m.RecordSignal()
	m.SetKillSwitch(true)
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.EventsProcessed != 0 || snap.ErrorsTotal != 0 || snap.Signals != 0 {
		t.Errorf("Expected zero counters after reset, got %+v", snap)
	}
	if snap.ActiveConnections != 0 || snap.KillSwitch {
		t.Error("Expected cleared gauges after reset")
	}
}
