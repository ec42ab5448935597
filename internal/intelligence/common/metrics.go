package common

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task labels for inference metrics.
const (
	TaskStructure = "structure"
	TaskPairs     = "pairs"
)

// ---------------------------------------------------------------------------
// Interfaces
// ---------------------------------------------------------------------------

// IntelligenceMetrics is the telemetry sink of the inference layer. Scorers,
// the candidate cache and the batch runner report through it.
type IntelligenceMetrics interface {
	// RecordInference records one scored batch.
	RecordInference(ctx context.Context, params *InferenceMetricParams)

	// RecordBatchProcessing records one chunked run over a whole dataset.
	RecordBatchProcessing(ctx context.Context, params *BatchMetricParams)

	// RecordCacheAccess records a candidate cache hit or miss.
	RecordCacheAccess(ctx context.Context, hit bool, cacheName string)

	// RecordModelLoad records loading a local model.
	RecordModelLoad(ctx context.Context, modelName string, durationMs float64, success bool)

	GetInferenceLatencyHistogram() LatencyHistogram
	GetCurrentStats() *IntelligenceStats
}

// LatencyHistogram provides percentile-based latency observation.
type LatencyHistogram interface {
	Observe(durationMs float64)
	// Percentile returns the value at percentile p (0–100).
	Percentile(p float64) float64
	Count() int64
	Sum() float64
}

// ---------------------------------------------------------------------------
// Parameter structs
// ---------------------------------------------------------------------------

// InferenceMetricParams describes one scored batch.
type InferenceMetricParams struct {
	ModelName  string  `json:"model_name"`
	TaskType   string  `json:"task_type"`
	DurationMs float64 `json:"duration_ms"`
	Success    bool    `json:"success"`
	BatchSize  int     `json:"batch_size"`
}

// BatchMetricParams describes one chunked run.
type BatchMetricParams struct {
	BatchName       string  `json:"batch_name"`
	TotalItems      int     `json:"total_items"`
	Chunks          int     `json:"chunks"`
	FailedChunks    int     `json:"failed_chunks"`
	TotalDurationMs float64 `json:"total_duration_ms"`
	MaxConcurrency  int     `json:"max_concurrency"`
}

// IntelligenceStats is a point-in-time snapshot.
type IntelligenceStats struct {
	TotalInferences       int64   `json:"total_inferences"`
	SuccessfulInferences  int64   `json:"successful_inferences"`
	FailedInferences      int64   `json:"failed_inferences"`
	ScoredItems           int64   `json:"scored_items"`
	AvgInferenceLatencyMs float64 `json:"avg_inference_latency_ms"`
	P50LatencyMs          float64 `json:"p50_latency_ms"`
	P95LatencyMs          float64 `json:"p95_latency_ms"`
	P99LatencyMs          float64 `json:"p99_latency_ms"`
	CacheHitRate          float64 `json:"cache_hit_rate"`
}

// ---------------------------------------------------------------------------
// Prometheus implementation
// ---------------------------------------------------------------------------

const metricsPrefix = "nl2sql_intelligence_"

var defaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// PrometheusIntelligenceMetrics exports to a prometheus registry and keeps an
// in-process histogram for GetCurrentStats.
type PrometheusIntelligenceMetrics struct {
	inferenceLatency *prometheus.HistogramVec
	inferenceTotal   *prometheus.CounterVec
	scoredItems      *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	batchChunks      *prometheus.CounterVec
	cacheAccessTotal *prometheus.CounterVec
	modelLoad        *prometheus.HistogramVec

	latencyHist *latencyHistogram
	totalInf    atomic.Int64
	successInf  atomic.Int64
	failedInf   atomic.Int64
	items       atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// NewPrometheusIntelligenceMetrics registers all collectors with registerer,
// or the default registerer when nil.
func NewPrometheusIntelligenceMetrics(registerer prometheus.Registerer) (*PrometheusIntelligenceMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &PrometheusIntelligenceMetrics{latencyHist: newLatencyHistogram()}

	m.inferenceLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metricsPrefix + "inference_duration_milliseconds",
		Help:    "Latency of one scored batch in milliseconds.",
		Buckets: defaultLatencyBuckets,
	}, []string{"model_name", "task_type"})

	m.inferenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "inference_total",
		Help: "Scored batches by outcome.",
	}, []string{"model_name", "task_type", "status"})

	m.scoredItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "scored_items_total",
		Help: "Encoded inputs sent to a scorer.",
	}, []string{"task_type"})

	m.batchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metricsPrefix + "batch_processing_duration_milliseconds",
		Help:    "Duration of a chunked scoring run in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(10, 4, 9),
	}, []string{"batch_name"})

	m.batchChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "batch_chunks_total",
		Help: "Chunks processed by outcome.",
	}, []string{"batch_name", "status"})

	m.cacheAccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "cache_access_total",
		Help: "Candidate cache lookups by result.",
	}, []string{"cache_name", "result"})

	m.modelLoad = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metricsPrefix + "model_load_duration_milliseconds",
		Help:    "Local model load time in milliseconds.",
		Buckets: defaultLatencyBuckets,
	}, []string{"model_name", "status"})

	for _, c := range []prometheus.Collector{
		m.inferenceLatency, m.inferenceTotal, m.scoredItems,
		m.batchDuration, m.batchChunks, m.cacheAccessTotal, m.modelLoad,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusIntelligenceMetrics) RecordInference(_ context.Context, p *InferenceMetricParams) {
	if p == nil {
		return
	}
	m.inferenceLatency.WithLabelValues(p.ModelName, p.TaskType).Observe(p.DurationMs)
	m.inferenceTotal.WithLabelValues(p.ModelName, p.TaskType, statusLabel(p.Success)).Inc()
	m.scoredItems.WithLabelValues(p.TaskType).Add(float64(p.BatchSize))

	m.latencyHist.Observe(p.DurationMs)
	m.totalInf.Add(1)
	m.items.Add(int64(p.BatchSize))
	if p.Success {
		m.successInf.Add(1)
	} else {
		m.failedInf.Add(1)
	}
}

func (m *PrometheusIntelligenceMetrics) RecordBatchProcessing(_ context.Context, p *BatchMetricParams) {
	if p == nil {
		return
	}
	m.batchDuration.WithLabelValues(p.BatchName).Observe(p.TotalDurationMs)
	m.batchChunks.WithLabelValues(p.BatchName, "success").Add(float64(p.Chunks - p.FailedChunks))
	m.batchChunks.WithLabelValues(p.BatchName, "failure").Add(float64(p.FailedChunks))
}

func (m *PrometheusIntelligenceMetrics) RecordCacheAccess(_ context.Context, hit bool, cacheName string) {
	result := "miss"
	if hit {
		result = "hit"
		m.cacheHits.Add(1)
	} else {
		m.cacheMisses.Add(1)
	}
	m.cacheAccessTotal.WithLabelValues(cacheName, result).Inc()
}

func (m *PrometheusIntelligenceMetrics) RecordModelLoad(_ context.Context, modelName string, durationMs float64, success bool) {
	m.modelLoad.WithLabelValues(modelName, statusLabel(success)).Observe(durationMs)
}

func (m *PrometheusIntelligenceMetrics) GetInferenceLatencyHistogram() LatencyHistogram {
	return m.latencyHist
}

func (m *PrometheusIntelligenceMetrics) GetCurrentStats() *IntelligenceStats {
	return buildStats(m.totalInf.Load(), m.successInf.Load(), m.failedInf.Load(), m.items.Load(),
		m.cacheHits.Load(), m.cacheMisses.Load(), m.latencyHist)
}

// ---------------------------------------------------------------------------
// Noop implementation
// ---------------------------------------------------------------------------

type noopIntelligenceMetrics struct{}

// NewNoopIntelligenceMetrics returns a sink that drops everything.
func NewNoopIntelligenceMetrics() IntelligenceMetrics {
	return noopIntelligenceMetrics{}
}

func (noopIntelligenceMetrics) RecordInference(context.Context, *InferenceMetricParams)   {}
func (noopIntelligenceMetrics) RecordBatchProcessing(context.Context, *BatchMetricParams) {}
func (noopIntelligenceMetrics) RecordCacheAccess(context.Context, bool, string)           {}
func (noopIntelligenceMetrics) RecordModelLoad(context.Context, string, float64, bool)    {}

func (noopIntelligenceMetrics) GetInferenceLatencyHistogram() LatencyHistogram {
	return newLatencyHistogram()
}

func (noopIntelligenceMetrics) GetCurrentStats() *IntelligenceStats {
	return &IntelligenceStats{}
}

// ---------------------------------------------------------------------------
// In-memory implementation (for testing)
// ---------------------------------------------------------------------------

// InMemoryIntelligenceMetrics records every event for later inspection.
type InMemoryIntelligenceMetrics struct {
	mu sync.Mutex

	inferences  []InferenceMetricParams
	batches     []BatchMetricParams
	cacheHits   int64
	cacheMisses int64
	modelLoads  []ModelLoadRecord
	latencyHist *latencyHistogram
}

// ModelLoadRecord is one recorded model load.
type ModelLoadRecord struct {
	ModelName  string
	DurationMs float64
	Success    bool
	Timestamp  time.Time
}

// NewInMemoryIntelligenceMetrics returns an empty recorder.
func NewInMemoryIntelligenceMetrics() *InMemoryIntelligenceMetrics {
	return &InMemoryIntelligenceMetrics{latencyHist: newLatencyHistogram()}
}

func (m *InMemoryIntelligenceMetrics) RecordInference(_ context.Context, p *InferenceMetricParams) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferences = append(m.inferences, *p)
	m.latencyHist.Observe(p.DurationMs)
}

func (m *InMemoryIntelligenceMetrics) RecordBatchProcessing(_ context.Context, p *BatchMetricParams) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, *p)
}

func (m *InMemoryIntelligenceMetrics) RecordCacheAccess(_ context.Context, hit bool, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.cacheHits++
	} else {
		m.cacheMisses++
	}
}

func (m *InMemoryIntelligenceMetrics) RecordModelLoad(_ context.Context, modelName string, durationMs float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelLoads = append(m.modelLoads, ModelLoadRecord{
		ModelName:  modelName,
		DurationMs: durationMs,
		Success:    success,
		Timestamp:  time.Now(),
	})
}

func (m *InMemoryIntelligenceMetrics) GetInferenceLatencyHistogram() LatencyHistogram {
	return m.latencyHist
}

func (m *InMemoryIntelligenceMetrics) GetCurrentStats() *IntelligenceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var success, failed, items int64
	for _, inf := range m.inferences {
		if inf.Success {
			success++
		} else {
			failed++
		}
		items += int64(inf.BatchSize)
	}
	return buildStats(int64(len(m.inferences)), success, failed, items, m.cacheHits, m.cacheMisses, m.latencyHist)
}

// Inferences returns a copy of the recorded inference events.
func (m *InMemoryIntelligenceMetrics) Inferences() []InferenceMetricParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InferenceMetricParams(nil), m.inferences...)
}

// Batches returns a copy of the recorded batch runs.
func (m *InMemoryIntelligenceMetrics) Batches() []BatchMetricParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BatchMetricParams(nil), m.batches...)
}

// CacheHits returns the number of recorded hits.
func (m *InMemoryIntelligenceMetrics) CacheHits() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheHits
}

// CacheMisses returns the number of recorded misses.
func (m *InMemoryIntelligenceMetrics) CacheMisses() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheMisses
}

// ModelLoads returns a copy of the recorded model loads.
func (m *InMemoryIntelligenceMetrics) ModelLoads() []ModelLoadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelLoadRecord(nil), m.modelLoads...)
}

// ---------------------------------------------------------------------------
// latencyHistogram
// ---------------------------------------------------------------------------

type latencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	sum     float64
	sorted  bool
}

func newLatencyHistogram() *latencyHistogram {
	return &latencyHistogram{samples: make([]float64, 0, 256)}
}

func (h *latencyHistogram) Observe(durationMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, durationMs)
	h.sum += durationMs
	h.sorted = false
}

// Percentile interpolates linearly between the two nearest ranks
// (PERCENTILE.INC).
func (h *latencyHistogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.samples)
	if n == 0 {
		return 0
	}
	if !h.sorted {
		sort.Float64s(h.samples)
		h.sorted = true
	}
	if p <= 0 {
		return h.samples[0]
	}
	if p >= 100 {
		return h.samples[n-1]
	}
	rank := (p / 100) * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return h.samples[n-1]
	}
	frac := rank - float64(lower)
	return h.samples[lower] + frac*(h.samples[upper]-h.samples[lower])
}

func (h *latencyHistogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.samples))
}

func (h *latencyHistogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func buildStats(total, success, failed, items, hits, misses int64, hist *latencyHistogram) *IntelligenceStats {
	s := &IntelligenceStats{
		TotalInferences:      total,
		SuccessfulInferences: success,
		FailedInferences:     failed,
		ScoredItems:          items,
		P50LatencyMs:         hist.Percentile(50),
		P95LatencyMs:         hist.Percentile(95),
		P99LatencyMs:         hist.Percentile(99),
	}
	if total > 0 {
		s.AvgInferenceLatencyMs = hist.Sum() / float64(total)
	}
	if hits+misses > 0 {
		s.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	return s
}

var (
	_ IntelligenceMetrics = (*PrometheusIntelligenceMetrics)(nil)
	_ IntelligenceMetrics = noopIntelligenceMetrics{}
	_ IntelligenceMetrics = (*InMemoryIntelligenceMetrics)(nil)
	_ LatencyHistogram    = (*latencyHistogram)(nil)
)
