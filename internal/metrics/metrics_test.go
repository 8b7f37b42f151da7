package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ConcurrentCounters(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncrementCounter(OrdersCreated)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5000), m.Counter(OrdersCreated))
	assert.Equal(t, int64(0), m.Counter("unknown"))
}

func TestMetrics_GaugesAndTimers(t *testing.T) {
	m := NewMetrics()

	m.SetGauge(InventoryCircuitOpen, 1)
	m.SetGauge(InventoryCircuitOpen, 0)
	assert.Equal(t, int64(0), m.Gauge(InventoryCircuitOpen))

	m.RecordTimer(OutboxBatchTimer, 10*time.Millisecond)
	m.RecordTimer(OutboxBatchTimer, 30*time.Millisecond)

	timers := m.GetTimers()
	require.Contains(t, timers, OutboxBatchTimer)
	got := timers[OutboxBatchTimer]
	assert.Equal(t, int64(2), got.Count)
	assert.Equal(t, int64(10), got.MinTimeMs)
	assert.Equal(t, int64(30), got.MaxTimeMs)
	assert.InDelta(t, 20.0, got.AverageTimeMs, 0.001)
}

func TestMetrics_GetAllMetrics(t *testing.T) {
	m := NewMetrics()
	m.IncrementCounter(InventoryFailures)
	m.SetHealth("database", true)

	all := m.GetAllMetrics()
	assert.Equal(t, map[string]int64{InventoryFailures: 1}, all["counters"])
	assert.Equal(t, map[string]bool{"database": true}, all["health_checks"])
	assert.Contains(t, all, "uptime_seconds")
}
