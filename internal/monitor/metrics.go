// Package monitor collects engine-level performance metrics: latency
// histograms for upstream RPCs and settlement sweeps, plus throughput
// counters exposed over the stats endpoint.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"options-core/internal/pool"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	RPCLatency   *LatencyHistogram
	SweepLatency *LatencyHistogram
	DBLatency    *LatencyHistogram

	// Counters
	tradesExecuted  uint64
	tradesSettled   uint64
	ticksProcessed  uint64
	signalsReceived uint64
	errorsCount     uint64

	// Pool & session stats (updated periodically from main).
	poolStats      pool.Stats
	activeSessions int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window. Stats are
// recomputed lazily, only when samples have changed.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		RPCLatency:   NewLatencyHistogram(1000),
		SweepLatency: NewLatencyHistogram(1000),
		DBLatency:    NewLatencyHistogram(1000),
		lastUpdate:   time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementTrades increments the executed-trades counter.
func (m *SystemMetrics) IncrementTrades() {
	atomic.AddUint64(&m.tradesExecuted, 1)
}

// IncrementSettlements increments the settled-trades counter.
func (m *SystemMetrics) IncrementSettlements() {
	atomic.AddUint64(&m.tradesSettled, 1)
}

// IncrementTicks increments the session-tick counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementSignals increments the received-signals counter.
func (m *SystemMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsReceived, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time view of the engine metrics.
type MetricsSnapshot struct {
	RPCLatency      LatencyStats `json:"rpc_latency"`
	SweepLatency    LatencyStats `json:"sweep_latency"`
	DBLatency       LatencyStats `json:"db_latency"`
	TradesExecuted  uint64       `json:"trades_executed"`
	TradesSettled   uint64       `json:"trades_settled"`
	TicksProcessed  uint64       `json:"ticks_processed"`
	SignalsReceived uint64       `json:"signals_received"`
	ErrorsCount     uint64       `json:"errors_count"`
	Pool            pool.Stats   `json:"pool"`
	ActiveSessions  int          `json:"active_sessions"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	HeapSys         uint64       `json:"heap_sys_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	poolStats := m.poolStats
	sessions := m.activeSessions
	m.mu.RUnlock()

	return MetricsSnapshot{
		RPCLatency:      m.RPCLatency.Stats(),
		SweepLatency:    m.SweepLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		TradesExecuted:  atomic.LoadUint64(&m.tradesExecuted),
		TradesSettled:   atomic.LoadUint64(&m.tradesSettled),
		TicksProcessed:  atomic.LoadUint64(&m.ticksProcessed),
		SignalsReceived: atomic.LoadUint64(&m.signalsReceived),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		Pool:            poolStats,
		ActiveSessions:  sessions,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// SetPoolStats updates connection pool statistics.
func (m *SystemMetrics) SetPoolStats(stats pool.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolStats = stats
}

// SetActiveSessions updates the live session count.
func (m *SystemMetrics) SetActiveSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSessions = n
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
