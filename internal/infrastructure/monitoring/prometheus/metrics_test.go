package prometheus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/nl2sql-engine/internal/application/nl2sql"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/common"
)

var _ nl2sql.Metrics = (*PipelineMetrics)(nil)

func TestPipelineMetrics(t *testing.T) {
	c := newTestCollector(t)
	m := NewPipelineMetrics(c)

	m.QueriesProcessed("stage1", 5)
	m.QueriesProcessed("stage2", 3)
	m.HypothesesGenerated(12)
	m.HypothesesSampled(12)
	m.HypothesesAccepted(2)
	m.ObserveScoring("stage2", 300*time.Millisecond)
	m.RecordError("NL2SQL_ENCODER_FAILURE")

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, `test_unit_queries_processed_total{stage="stage1"} 5`)
	assert.Contains(t, out, `test_unit_queries_processed_total{stage="stage2"} 3`)
	assert.Contains(t, out, `test_unit_hypotheses_total{phase="generated"} 12`)
	assert.Contains(t, out, `test_unit_hypotheses_total{phase="accepted"} 2`)
	assert.Contains(t, out, `test_unit_scoring_duration_seconds_bucket{stage="stage2",le="0.5"} 1`)
	assert.Contains(t, out, `test_unit_errors_total{code="NL2SQL_ENCODER_FAILURE"} 1`)
}

func TestRecordHTTPRequestAndHealth(t *testing.T) {
	c := newTestCollector(t)
	m := NewPipelineMetrics(c)

	RecordHTTPRequest(m, "POST", "/api/v1/parse", 200, 20*time.Millisecond)
	RecordHealth(m, "redis", true)
	RecordHealth(m, "postgres", false)

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, `test_unit_http_requests_total{method="POST",route="/api/v1/parse",status_code="200"} 1`)
	assert.Contains(t, out, `test_unit_health_check_status{component="redis"} 1`)
	assert.Contains(t, out, `test_unit_health_check_status{component="postgres"} 0`)
}

func TestIntelligenceMetricsShareRegistry(t *testing.T) {
	c := newTestCollector(t)
	im, err := common.NewPrometheusIntelligenceMetrics(c.Registerer())
	require.NoError(t, err)

	im.RecordCacheAccess(context.Background(), true, "candidate")
	im.RecordCacheAccess(context.Background(), false, "candidate")

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, `nl2sql_intelligence_cache_access_total{cache_name="candidate",result="hit"} 1`)
	assert.Contains(t, out, `nl2sql_intelligence_cache_access_total{cache_name="candidate",result="miss"} 1`)
}
