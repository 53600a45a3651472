package xhcihost

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering a control transfer's typical round trip (tens of
// microseconds) up to a badly misbehaving device (seconds).
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks request and slot-lifecycle statistics for a Host.
type Metrics struct {
	ControlRequests   atomic.Uint64
	BulkRequests      atomic.Uint64
	InterruptRequests atomic.Uint64

	RequestBytes  atomic.Uint64
	RequestErrors atomic.Uint64

	SlotsEnabled  atomic.Uint64
	SlotsDisabled atomic.Uint64

	CommandsSubmitted atomic.Uint64
	CommandErrors     atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics returns a Metrics instance stamped with the current time as
// its start time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one completed request's byte count, latency, and
// success/failure, bucketed by transfer type.
func (m *Metrics) RecordRequest(isControl bool, isInterrupt bool, bytes uint64, latencyNs uint64, success bool) {
	switch {
	case isControl:
		m.ControlRequests.Add(1)
	case isInterrupt:
		m.InterruptRequests.Add(1)
	default:
		m.BulkRequests.Add(1)
	}
	if success {
		m.RequestBytes.Add(bytes)
	} else {
		m.RequestErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCommand records one command-ring round trip.
func (m *Metrics) RecordCommand(success bool) {
	m.CommandsSubmitted.Add(1)
	if !success {
		m.CommandErrors.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped, for uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of Metrics' counters plus derived
// rates.
type Snapshot struct {
	ControlRequests   uint64
	BulkRequests      uint64
	InterruptRequests uint64
	RequestBytes      uint64
	RequestErrors     uint64
	SlotsEnabled      uint64
	SlotsDisabled     uint64
	CommandsSubmitted uint64
	CommandErrors     uint64
	AvgLatencyNs      uint64
	UptimeNs          uint64
	LatencyHistogram  [numLatencyBuckets]uint64
	ErrorRate         float64
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		ControlRequests:   m.ControlRequests.Load(),
		BulkRequests:      m.BulkRequests.Load(),
		InterruptRequests: m.InterruptRequests.Load(),
		RequestBytes:      m.RequestBytes.Load(),
		RequestErrors:     m.RequestErrors.Load(),
		SlotsEnabled:      m.SlotsEnabled.Load(),
		SlotsDisabled:     m.SlotsDisabled.Load(),
		CommandsSubmitted: m.CommandsSubmitted.Load(),
		CommandErrors:     m.CommandErrors.Load(),
	}

	totalLatency := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		s.AvgLatencyNs = totalLatency / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		s.UptimeNs = uint64(stop - start)
	} else {
		s.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	totalReqs := s.ControlRequests + s.BulkRequests + s.InterruptRequests
	if totalReqs > 0 {
		s.ErrorRate = float64(s.RequestErrors) / float64(totalReqs) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		s.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return s
}

// Observer allows pluggable metrics collection; callers that want their
// own sink implement it, everyone else gets MetricsObserver.
type Observer interface {
	ObserveRequest(isControl, isInterrupt bool, bytes uint64, latencyNs uint64, success bool)
	ObserveCommand(success bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(bool, bool, uint64, uint64, bool) {}
func (NoOpObserver) ObserveCommand(bool)                             {}

// MetricsObserver records observations into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(isControl, isInterrupt bool, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRequest(isControl, isInterrupt, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCommand(success bool) {
	o.metrics.RecordCommand(success)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
