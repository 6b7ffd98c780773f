// Package metrics exposes Prometheus instruments for the scheduler runtime.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry
	ns       string

	invocations      *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	dispatch         *prometheus.CounterVec
	reconcileSkipped prometheus.Counter
	launches         prometheus.Counter
}

// New registers the runtime instruments on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "taskd"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ns:       namespace,
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Completed invocations by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Wall time of invocations",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"script_type"},
		),
		dispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Scheduler dispatch decisions by result",
			},
			[]string{"result"},
		),
		reconcileSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_skipped_total",
			Help:      "Outcomes discarded because the job was deleted while running",
		}),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_launches_total",
			Help:      "OS processes started by the executor",
		}),
	}
	reg.MustRegister(
		m.invocations,
		m.duration,
		m.dispatch,
		m.reconcileSkipped,
		m.launches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Gauge registers a gauge evaluated at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.ns,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RecordInvocation(trigger, scriptType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(trigger, outcome).Inc()
	m.duration.WithLabelValues(scriptType).Observe(d.Seconds())
	m.launches.Inc()
}

// RecordDispatch counts one scheduler decision: "enqueued", "overlap",
// "queue_full" or "stopped".
func (m *Metrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordReconcileSkip() {
	if m == nil {
		return
	}
	m.reconcileSkipped.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
