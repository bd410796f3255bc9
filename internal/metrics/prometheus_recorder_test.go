package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveProcessDuration("maven", 150*time.Millisecond)
	pr.IncProcessResult("maven", ResultSuccess)
	pr.ObserveJobDuration("manifest", 500*time.Millisecond)
	pr.IncJobOutcome("manifest", ResultFailed)
	pr.SetQueueLength(3)
	pr.IncDedup(DedupOwner)
	pr.IncDedup(DedupJoiner)
	pr.IncDedup(DedupJoiner)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	require.InDelta(t, 3, gaugeValue(t, pr.queueLength), 0.0001)
	require.InDelta(t, 2, counterValue(t, pr.dedup.WithLabelValues("joiner")), 0.0001)
}

func TestPrometheusRecorder_SidecarStateIsExclusive(t *testing.T) {
	pr := NewPrometheusRecorder(prom.NewRegistry())
	pr.SetSidecarState("installing")
	pr.SetSidecarState("running")

	require.InDelta(t, 1, gaugeValue(t, pr.sidecarState.WithLabelValues("running")), 0.0001)
	require.InDelta(t, 0, gaugeValue(t, pr.sidecarState.WithLabelValues("installing")), 0.0001)
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncDedup(DedupOwner)
	pr.SetSidecarState("running")
	pr.ObserveProcessDuration("x", time.Second)
}

func TestHTTPHandlerServesRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncProcessResult("pip", ResultTimeout)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "licensetool_process_results_total"))
}

func gaugeValue(t *testing.T, g prom.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prom.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
