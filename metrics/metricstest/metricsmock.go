package metricstest

import (
	"sync"
	"time"
)

// MockMetrics implements the metrics.Metrics facade and records all
// updates for test assertions.
type MockMetrics struct {
	Prefix string

	mu sync.Mutex

	counters map[string]int64
	gauges   map[string]float64
	measures map[string][]time.Duration
	Now      time.Time
}

//
// Public thread safe access to metrics
//

func (m *MockMetrics) WithCounters(f func(counters map[string]int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	f(m.counters)
}

func (m *MockMetrics) WithGauges(f func(gauges map[string]float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[string]float64)
	}
	f(m.gauges)
}

func (m *MockMetrics) WithMeasures(f func(measures map[string][]time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measures == nil {
		m.measures = make(map[string][]time.Duration)
	}
	f(m.measures)
}

// Counter returns the recorded value of a counter key.
func (m *MockMetrics) Counter(key string) int64 {
	var v int64
	m.WithCounters(func(counters map[string]int64) {
		v = counters[m.Prefix+key]
	})
	return v
}

//
// Interface Metrics
//

func (m *MockMetrics) MeasureSince(key string, start time.Time) {
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	key = m.Prefix + key
	m.WithMeasures(func(measures map[string][]time.Duration) {
		measures[key] = append(measures[key], now.Sub(start))
	})
}

func (m *MockMetrics) IncCounter(key string) {
	m.IncCounterBy(key, 1)
}

func (m *MockMetrics) IncCounterBy(key string, value int64) {
	key = m.Prefix + key
	m.WithCounters(func(counters map[string]int64) {
		counters[key] += value
	})
}

func (m *MockMetrics) UpdateGauge(key string, value float64) {
	key = m.Prefix + key
	m.WithGauges(func(gauges map[string]float64) {
		gauges[key] = value
	})
}
