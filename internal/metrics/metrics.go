package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names emitted by the order pipeline
const (
	OrdersCreated          = "orders.created.count"
	OrdersReplayed         = "orders.replayed.count"
	OrderConflicts         = "orders.conflict.count"
	InventoryFailures      = "inventory.failure.count"
	InventoryReserved      = "inventory.reserved.count"
	InventoryDuplicates    = "inventory.duplicate.count"
	InventoryCircuitSkip   = "inventory.circuit.skipped.count"
	InventoryCircuitOpen   = "inventory.circuit.open"
	ConfirmationFailures   = "notifications.failure.count"
	OutboxPublished        = "outbox.published.count"
	OutboxFailed           = "outbox.failed.count"
	OutboxBatchTimer       = "outbox.batch"
	RateLimitRejected      = "ratelimit.rejected.count"
	RateLimitErrors        = "ratelimit.errors.count"
	SearchIndexed          = "search.indexed.count"
	SearchIndexFailures    = "search.failure.count"
	DBQueryTimerNamePrefix = "db.query."
)

// Recorder is the subset of the collector the pipeline components write to
type Recorder interface {
	IncrementCounter(name string)
	SetGauge(name string, value int64)
	RecordTimer(name string, d time.Duration)
}

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// Metrics is the in-process metrics collector
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timer
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timer),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// slot returns the value cell for name, creating it under the write lock
func slot[T any](m *Metrics, table map[string]*T, name string, init func() *T) *T {
	m.mu.RLock()
	v, exists := table[name]
	m.mu.RUnlock()
	if exists {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Check again to avoid race conditions
	if v, exists = table[name]; !exists {
		v = init()
		table[name] = v
	}
	return v
}

func newCell() *int64 { return new(int64) }

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(slot(m, m.counters, name, newCell), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(slot(m, m.gauges, name, newCell), value)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	t := slot(m, m.timers, name, func() *timer { return &timer{minTimeMs: math.MaxInt64} })
	ms := d.Milliseconds()

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, ms)

	for {
		current := atomic.LoadInt64(&t.minTimeMs)
		if ms >= current || atomic.CompareAndSwapInt64(&t.minTimeMs, current, ms) {
			break
		}
	}
	for {
		current := atomic.LoadInt64(&t.maxTimeMs)
		if ms <= current || atomic.CompareAndSwapInt64(&t.maxTimeMs, current, ms) {
			break
		}
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	var value int64
	if healthy {
		value = 1
	}
	atomic.StoreInt64(slot(m, m.healthChecks, component, newCell), value)
}

// Counter returns the current value of a counter
func (m *Metrics) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// Gauge returns the current value of a gauge
func (m *Metrics) Gauge(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gauges[name]; ok {
		return atomic.LoadInt64(g)
	}
	return 0
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	return m.snapshot(m.counters)
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	return m.snapshot(m.gauges)
}

func (m *Metrics) snapshot(table map[string]*int64) map[string]int64 {
	out := make(map[string]int64)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, cell := range table {
		out[name] = atomic.LoadInt64(cell)
	}
	return out
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	timers := make(map[string]TimerMetric)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)

		var average float64
		if count > 0 {
			average = float64(total) / float64(count)
		}

		timers[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: average,
			MinTimeMs:     atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	}

	return timers
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	checks := make(map[string]bool)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, health := range m.healthChecks {
		checks[name] = atomic.LoadInt64(health) > 0
	}

	return checks
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"health_checks":  m.GetHealthChecks(),
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) IncrementCounter(string)           {}
func (Nop) SetGauge(string, int64)            {}
func (Nop) RecordTimer(string, time.Duration) {}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = Nop{}
)
