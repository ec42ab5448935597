package prometheus

import (
	"strconv"
	"time"
)

// Hypothesis phases.
const (
	PhaseGenerated = "generated"
	PhaseSampled   = "sampled"
	PhaseAccepted  = "accepted"
)

// Default Buckets
var (
	DefaultHTTPDurationBuckets    = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultScoringDurationBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}
)

// PipelineMetrics holds the pipeline and API metrics.
type PipelineMetrics struct {
	QueriesTotal    CounterVec
	HypothesesTotal CounterVec
	ScoringDuration HistogramVec
	ErrorsTotal     CounterVec

	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPActiveRequests  GaugeVec
	HealthCheckStatus   GaugeVec

	GRPCRequestsTotal   CounterVec
	GRPCRequestDuration HistogramVec
}

// NewPipelineMetrics registers every metric with collector.
func NewPipelineMetrics(collector MetricsCollector) *PipelineMetrics {
	m := &PipelineMetrics{}

	m.QueriesTotal = collector.RegisterCounter("queries_processed_total", "Questions processed by stage", "stage")
	m.HypothesesTotal = collector.RegisterCounter("hypotheses_total", "Condition hypotheses by phase", "phase")
	m.ScoringDuration = collector.RegisterHistogram("scoring_duration_seconds", "Wall time of a scoring pass", DefaultScoringDurationBuckets, "stage")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Pipeline errors by code", "code")

	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "route", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "route")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "Active HTTP requests", "method")
	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")

	m.GRPCRequestsTotal = collector.RegisterCounter("grpc_requests_total", "Total gRPC requests", "service", "method", "code")
	m.GRPCRequestDuration = collector.RegisterHistogram("grpc_request_duration_seconds", "gRPC request duration", DefaultScoringDurationBuckets, "service", "method")

	return m
}

func (m *PipelineMetrics) QueriesProcessed(stage string, n int) {
	m.QueriesTotal.WithLabelValues(stage).Add(float64(n))
}

func (m *PipelineMetrics) HypothesesGenerated(n int) {
	m.HypothesesTotal.WithLabelValues(PhaseGenerated).Add(float64(n))
}

func (m *PipelineMetrics) HypothesesSampled(n int) {
	m.HypothesesTotal.WithLabelValues(PhaseSampled).Add(float64(n))
}

func (m *PipelineMetrics) HypothesesAccepted(n int) {
	m.HypothesesTotal.WithLabelValues(PhaseAccepted).Add(float64(n))
}

func (m *PipelineMetrics) ObserveScoring(stage string, d time.Duration) {
	m.ScoringDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// Helpers

func RecordHTTPRequest(m *PipelineMetrics, method, route string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordGRPCRequest(m *PipelineMetrics, service, method, code string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(service, method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

func RecordHealth(m *PipelineMetrics, component string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.HealthCheckStatus.WithLabelValues(component).Set(v)
}
