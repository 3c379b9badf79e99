package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is an in-process collector of counters, gauges and component
// health flags. It backs the /metrics endpoint of the status API.
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(m.slot(&m.counters, name), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.slot(&m.gauges, name), value)
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	var value int64
	if isHealthy {
		value = 1
	}
	atomic.StoreInt64(m.slot(&m.healthChecks, component), value)
}

// slot returns the address of a named value, creating it on first use
func (m *Metrics) slot(bucket *map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, exists := (*bucket)[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Check again to avoid race conditions
		if v, exists = (*bucket)[name]; !exists {
			var n int64
			v = &n
			(*bucket)[name] = v
		}
		m.mu.Unlock()
	}
	return v
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	return m.snapshot(m.counters)
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	return m.snapshot(m.gauges)
}

// GetHealthChecks returns all component health flags
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]bool, len(m.healthChecks))
	for name, v := range m.healthChecks {
		checks[name] = atomic.LoadInt64(v) == 1
	}
	return checks
}

// GetAllMetrics returns every metric plus process uptime
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"health":         m.GetHealthChecks(),
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
	}
}

func (m *Metrics) snapshot(bucket map[string]*int64) map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(bucket))
	for name, v := range bucket {
		out[name] = atomic.LoadInt64(v)
	}
	return out
}
