package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_IndependentRegistries(t *testing.T) {
	a := NewProvider()
	b := NewProvider()

	a.RecordJob("succeeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.JobsProcessed.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Metrics.JobsProcessed.WithLabelValues("succeeded")))
}

func TestProvider_Counters(t *testing.T) {
	p := NewProvider()

	p.RecordEnqueue("new")
	p.RecordEnqueue("retry")
	p.RecordDequeue(3)
	p.RecordDequeue(0)
	p.RecordReaped("job", 2)
	p.RecordSwept("operation_metrics", 1000)
	p.IncrementMetricsDropped()
	p.SetQueueDepth(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.QueueEnqueued.WithLabelValues("retry")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.Metrics.QueueDequeued))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics.Reaped.WithLabelValues("job")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(p.Metrics.Swept.WithLabelValues("operation_metrics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.MetricsDropped))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.Metrics.QueueDepth))
}

func TestProvider_NilIsNoop(t *testing.T) {
	var p *Provider
	assert.NotPanics(t, func() {
		p.RecordJob("dead")
		p.RecordPhase("embedding", false, time.Second)
		p.RecordQuery("hybrid", true, time.Millisecond)
		p.WorkerBusy(1)
		p.IncrementMetricsDropped()
	})
}

func TestProvider_Handler(t *testing.T) {
	p := NewProvider()
	p.RecordQuery("hybrid", true, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `webindex_queries_total{mode="hybrid",success="true"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
