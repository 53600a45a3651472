package xhcihost

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRecordRequestBucketsByType(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(true, false, 18, 50_000, true)
	m.RecordRequest(false, true, 4, 200_000, true)
	m.RecordRequest(false, false, 512, 2_000_000, false)

	s := m.Snapshot()
	require.Equal(t, uint64(1), s.ControlRequests)
	require.Equal(t, uint64(1), s.InterruptRequests)
	require.Equal(t, uint64(1), s.BulkRequests)
	require.Equal(t, uint64(22), s.RequestBytes, "failed requests contribute no bytes")
	require.Equal(t, uint64(1), s.RequestErrors)
	require.InDelta(t, 33.3, s.ErrorRate, 0.1)
}

func TestMetricsLatencyHistogramIsCumulative(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(true, false, 0, 50_000, true)    // <= 100us and everything above
	m.RecordRequest(true, false, 0, 5_000_000, true) // <= 10ms and above

	s := m.Snapshot()
	require.Equal(t, uint64(0), s.LatencyHistogram[0]) // 10us
	require.Equal(t, uint64(1), s.LatencyHistogram[1]) // 100us
	require.Equal(t, uint64(2), s.LatencyHistogram[3]) // 10ms
	require.Equal(t, uint64(2), s.LatencyHistogram[6]) // 10s
	require.Equal(t, uint64((50_000+5_000_000)/2), s.AvgLatencyNs)
}

func TestMetricsCommandCounters(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)
	o.ObserveCommand(true)
	o.ObserveCommand(false)

	s := m.Snapshot()
	require.Equal(t, uint64(2), s.CommandsSubmitted)
	require.Equal(t, uint64(1), s.CommandErrors)
}
