package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersAndGauges(t *testing.T) {
	m := NewMetricsCollector()

	m.IncrementCounter(MetricStoreUpserts, 1)
	m.IncrementCounter(MetricStoreUpserts, 2)
	m.SetGauge(MetricStoreRecords, 42)

	assert.Equal(t, int64(3), m.GetCounter(MetricStoreUpserts))
	assert.Equal(t, 42.0, m.GetGauge(MetricStoreRecords))
	assert.Zero(t, m.GetCounter("missing"))
}

func TestTimers(t *testing.T) {
	m := NewMetricsCollector()

	for i := 1; i <= 20; i++ {
		m.RecordTimer(MetricStoreQueryTime, time.Duration(i)*time.Millisecond)
	}

	assert.Equal(t, 10500*time.Microsecond, m.GetTimerAverage(MetricStoreQueryTime))
	assert.Equal(t, 20*time.Millisecond, m.GetTimerP95(MetricStoreQueryTime))
	assert.Zero(t, m.GetTimerAverage("missing"))

	for i := 0; i < maxTimerSamples+10; i++ {
		m.RecordTimer(MetricEmbeddingEncodeTime, time.Millisecond)
	}
	m.mu.RLock()
	assert.Len(t, m.timers[MetricEmbeddingEncodeTime], maxTimerSamples)
	m.mu.RUnlock()
}

func TestReportAndReset(t *testing.T) {
	m := NewMetricsCollector()
	m.IncrementCounter(MetricLifecycleRebuilds, 1)
	m.RecordTimestamp(MetricLifecycleLastRebuild)
	m.Since(MetricIndexerTime, time.Now().Add(-time.Second))

	report := m.GetReport()
	assert.Contains(t, report, "lifecycle.rebuilds: 1")
	assert.Contains(t, report, "lifecycle.last_rebuild")
	assert.Contains(t, report, "indexer.process_time")

	m.Reset()
	assert.Zero(t, m.GetCounter(MetricLifecycleRebuilds))
	assert.Zero(t, m.GetTimeSince(MetricLifecycleLastRebuild))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var m *MetricsCollector
	m.IncrementCounter(MetricStoreQueries, 1)
	m.RecordTimer(MetricStoreQueryTime, time.Second)
	assert.Zero(t, m.GetCounter(MetricStoreQueries))
	assert.Empty(t, m.GetReport())
}
