package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors. A nil *Metrics is valid and records nothing,
// so components can be built without observability in tests.
type Metrics struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	fetchErrors   *prometheus.CounterVec
	deliveryJobs  *prometheus.CounterVec
	workers       prometheus.Gauge
	deltaEvents   *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry, plus the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitwatch_watchdog_cycles_total",
			Help: "Watchdog cycles by result (ok, partial, aborted).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitwatch_watchdog_cycle_duration_seconds",
			Help:    "Wall time of one watchdog cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitwatch_watchdog_fetch_errors_total",
			Help: "Repository fetch failures by error kind.",
		}, []string{"kind"}),
		deliveryJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitwatch_delivery_jobs_total",
			Help: "Delivered message chunks by result (sent, failed, unreachable).",
		}, []string{"result"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitwatch_delivery_workers",
			Help: "Live delivery worker goroutines.",
		}),
		deltaEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitwatch_delta_events_total",
			Help: "Detected counter changes by field.",
		}, []string{"field"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.fetchErrors, m.deliveryJobs, m.workers, m.deltaEvents,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) CycleDone(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(took.Seconds())
}

func (m *Metrics) FetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeliveryJob(result string) {
	if m == nil {
		return
	}
	m.deliveryJobs.WithLabelValues(result).Inc()
}

func (m *Metrics) SetDeliveryWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
}

func (m *Metrics) DeltaEvent(field string) {
	if m == nil {
		return
	}
	m.deltaEvents.WithLabelValues(field).Inc()
}
