package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PipelineMetrics aggregates per-stage batch statistics. It satisfies batch.Observer.
type PipelineMetrics struct {
	mu      sync.RWMutex
	stages  map[string]*StageMetrics
	started time.Time

	rejections atomic.Uint64
}

// StageMetrics tracks one pipeline stage.
type StageMetrics struct {
	batches atomic.Uint64
	items   atomic.Uint64
	failed  atomic.Uint64

	Latency *LatencyHistogram
}

// LatencyHistogram keeps the most recent samples in a ring.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	dirty   bool
	cached  LatencyStats
}

func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{stages: make(map[string]*StageMetrics), started: time.Now()}
}

// NewLatencyHistogram creates a ring of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, size), dirty: true}
}

// ObserveBatch records one processed batch of a stage.
func (m *PipelineMetrics) ObserveBatch(stage string, size, failed int, elapsed time.Duration) {
	s := m.Stage(stage)
	s.batches.Add(1)
	s.items.Add(uint64(size))
	s.failed.Add(uint64(failed))
	s.Latency.RecordDuration(elapsed)
}

// IncrementRejections counts broker business rejections.
func (m *PipelineMetrics) IncrementRejections() {
	m.rejections.Add(1)
}

// Stage returns the metrics of a stage, creating them on first use.
func (m *PipelineMetrics) Stage(name string) *StageMetrics {
	m.mu.RLock()
	s, ok := m.stages[name]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.stages[name]; !ok {
		s = &StageMetrics{Latency: NewLatencyHistogram(1000)}
		m.stages[name] = s
	}
	return s
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = latencyMs
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats is recomputed only after new samples arrive.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}

	n := h.next
	if h.full {
		n = len(h.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// StageSnapshot is a point-in-time view of one stage.
type StageSnapshot struct {
	Batches     uint64       `json:"batches"`
	Items       uint64       `json:"items"`
	Failed      uint64       `json:"failed"`
	FailureRate float64      `json:"failure_rate"`
	Latency     LatencyStats `json:"batch_latency_ms"`
}

// MetricsSnapshot is served on /api/metrics.
type MetricsSnapshot struct {
	Stages         map[string]StageSnapshot `json:"stages"`
	Rejections     uint64                   `json:"rejections"`
	GoroutineCount int                      `json:"goroutine_count"`
	HeapAlloc      uint64                   `json:"heap_alloc_bytes"`
	HeapSys        uint64                   `json:"heap_sys_bytes"`
	Uptime         string                   `json:"uptime"`
	Timestamp      time.Time                `json:"timestamp"`
}

// Snapshot returns current metrics.
func (m *PipelineMetrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	stages := make(map[string]StageSnapshot, len(m.stages))
	for name, s := range m.stages {
		stages[name] = s.snapshot()
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		Stages:         stages,
		Rejections:     m.rejections.Load(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		HeapSys:        mem.HeapSys,
		Uptime:         time.Since(m.started).Round(time.Second).String(),
		Timestamp:      time.Now(),
	}
}

func (s *StageMetrics) snapshot() StageSnapshot {
	snap := StageSnapshot{
		Batches: s.batches.Load(),
		Items:   s.items.Load(),
		Failed:  s.failed.Load(),
		Latency: s.Latency.Stats(),
	}
	if snap.Items > 0 {
		snap.FailureRate = float64(snap.Failed) / float64(snap.Items)
	}
	return snap
}
