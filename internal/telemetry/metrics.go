// Package telemetry provides metrics collection and reporting
// for monitoring model loading, store access and indexing.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsCollector provides a thread-safe interface for collecting
// application metrics for monitoring and troubleshooting.
type MetricsCollector struct {
	counters   map[string]int64
	gauges     map[string]float64
	timers     map[string][]time.Duration
	latestTime map[string]time.Time
	mu         sync.RWMutex
}

// Metric names
const (
	// Embedding model
	MetricEmbeddingLoads      = "embedding.loads"
	MetricEmbeddingLoadTime   = "embedding.load_time"
	MetricEmbeddingFallbacks  = "embedding.fallbacks"
	MetricEmbeddingEncodeTime = "embedding.encode_time"
	MetricEmbeddingLastLoad   = "embedding.last_load"

	// Vector store
	MetricStoreUpserts   = "store.upserts"
	MetricStoreQueries   = "store.queries"
	MetricStoreQueryTime = "store.query_time"
	MetricStoreRecords   = "store.records"

	// Compatibility checks
	MetricCompatChecks       = "compat.checks"
	MetricCompatIncompatible = "compat.incompatible"

	// Lifecycle
	MetricLifecycleRebuilds    = "lifecycle.rebuilds"
	MetricLifecycleLastRebuild = "lifecycle.last_rebuild"

	// Indexing
	MetricIndexerProcessed = "indexer.processed"
	MetricIndexerSkipped   = "indexer.skipped"
	MetricIndexerFailed    = "indexer.failed"
	MetricIndexerTime      = "indexer.process_time"
)

// maxTimerSamples bounds the per-timer history.
const maxTimerSamples = 100

// NewMetricsCollector creates a new MetricsCollector instance
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		timers:     make(map[string][]time.Duration),
		latestTime: make(map[string]time.Time),
	}
}

// IncrementCounter increments a named counter by the specified amount.
// It is safe to call on a nil collector.
func (m *MetricsCollector) IncrementCounter(name string, amount int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[name] += amount
}

// SetGauge sets a named gauge to the specified value
func (m *MetricsCollector) SetGauge(name string, value float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gauges[name] = value
}

// RecordTimer records a duration for the specified timer
func (m *MetricsCollector) RecordTimer(name string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timers[name] = append(m.timers[name], duration)
	if len(m.timers[name]) > maxTimerSamples {
		m.timers[name] = m.timers[name][1:]
	}
}

// Since records the time elapsed from start under the named timer.
func (m *MetricsCollector) Since(name string, start time.Time) {
	m.RecordTimer(name, time.Since(start))
}

// RecordTimestamp records the current time for the specified event
func (m *MetricsCollector) RecordTimestamp(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestTime[name] = time.Now()
}

// GetCounter retrieves the current value of a counter
func (m *MetricsCollector) GetCounter(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.counters[name]
}

// GetGauge retrieves the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) float64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.gauges[name]
}

// GetTimerAverage calculates the average duration for a timer
func (m *MetricsCollector) GetTimerAverage(name string) time.Duration {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return average(m.timers[name])
}

// GetTimerP95 calculates the 95th percentile duration for a timer
func (m *MetricsCollector) GetTimerP95(name string) time.Duration {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return p95(m.timers[name])
}

// GetTimeSince calculates the time elapsed since a recorded timestamp
func (m *MetricsCollector) GetTimeSince(name string) time.Duration {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	timestamp, exists := m.latestTime[name]
	if !exists {
		return 0
	}

	return time.Since(timestamp)
}

// GetReport generates a report of all collected metrics
func (m *MetricsCollector) GetReport() string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Metrics Report:\n")
	b.WriteString("==============\n\n")

	b.WriteString("Counters:\n")
	for _, name := range sortedKeys(m.counters) {
		fmt.Fprintf(&b, "  %s: %d\n", name, m.counters[name])
	}

	b.WriteString("\nGauges:\n")
	for _, name := range sortedKeys(m.gauges) {
		fmt.Fprintf(&b, "  %s: %.2f\n", name, m.gauges[name])
	}

	b.WriteString("\nTimers (avg):\n")
	for _, name := range sortedKeys(m.timers) {
		samples := m.timers[name]
		fmt.Fprintf(&b, "  %s: avg=%v p95=%v count=%d\n",
			name, average(samples), p95(samples), len(samples))
	}

	b.WriteString("\nTime Since:\n")
	for _, name := range sortedKeys(m.latestTime) {
		timestamp := m.latestTime[name]
		fmt.Fprintf(&b, "  %s: %v ago (%s)\n",
			name, time.Since(timestamp).Round(time.Millisecond), timestamp.Format(time.RFC3339))
	}

	return b.String()
}

// Reset clears all collected metrics
func (m *MetricsCollector) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters = make(map[string]int64)
	m.gauges = make(map[string]float64)
	m.timers = make(map[string][]time.Duration)
	m.latestTime = make(map[string]time.Time)
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}

func p95(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
