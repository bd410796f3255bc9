package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "licensetool"

// sidecarStates lists every state label so the gauge can be reset on change.
var sidecarStates = []string{"stopped", "installing", "launching", "running", "failed"}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	processDuration *prom.HistogramVec
	processResults  *prom.CounterVec
	jobDuration     *prom.HistogramVec
	jobOutcomes     *prom.CounterVec
	queueLength     prom.Gauge
	dedup           *prom.CounterVec
	sidecarState    *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.processDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Wall time of spawned external processes",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"label"})
		pr.processResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "process_results_total",
			Help:      "External process outcomes",
		}, []string{"label", "result"})
		pr.jobDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_duration_seconds",
			Help:      "Duration of serial queue jobs",
			Buckets:   prom.DefBuckets,
		}, []string{"name"})
		pr.jobOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "queue_job_outcomes_total",
			Help:      "Serial queue job outcomes",
		}, []string{"name", "result"})
		pr.queueLength = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Jobs waiting in the serial queue",
		})
		pr.dedup = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_requests_total",
			Help:      "Keyed requests by whether they claimed or joined an execution",
		}, []string{"role"})
		pr.sidecarState = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "sidecar_state",
			Help:      "1 for the current sidecar state, 0 otherwise",
		}, []string{"state"})
		reg.MustRegister(pr.processDuration, pr.processResults, pr.jobDuration, pr.jobOutcomes, pr.queueLength, pr.dedup, pr.sidecarState)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveProcessDuration(label string, d time.Duration) {
	if p == nil || p.processDuration == nil {
		return
	}
	p.processDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncProcessResult(label string, result ResultLabel) {
	if p == nil || p.processResults == nil {
		return
	}
	p.processResults.WithLabelValues(label, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveJobDuration(name string, d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobOutcome(name string, result ResultLabel) {
	if p == nil || p.jobOutcomes == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(name, string(result)).Inc()
}

func (p *PrometheusRecorder) SetQueueLength(n int) {
	if p == nil || p.queueLength == nil {
		return
	}
	p.queueLength.Set(float64(n))
}

func (p *PrometheusRecorder) IncDedup(role DedupRole) {
	if p == nil || p.dedup == nil {
		return
	}
	p.dedup.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusRecorder) SetSidecarState(state string) {
	if p == nil || p.sidecarState == nil {
		return
	}
	for _, s := range sidecarStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.sidecarState.WithLabelValues(s).Set(v)
	}
}
