// Package metrics exposes grading activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/isdmx/codegrader/grade"
)

const metricsNamespace = "codegrader"

// 10ms -> 60s
var durationBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60,
}

// Metrics groups the collectors written by the service and worker.
type Metrics struct {
	gradesCreated   *prometheus.CounterVec
	gradesRejected  *prometheus.CounterVec
	gradesFinished  *prometheus.CounterVec
	gradeDuration   *prometheus.HistogramVec
	workerRetries   prometheus.Counter
	workerPanics    prometheus.Counter
	callbacks       *prometheus.CounterVec
	runCPUTime      *prometheus.HistogramVec
	runMemory       *prometheus.HistogramVec
	registeredGauge []prometheus.Collector
	reg             prometheus.Registerer
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		gradesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grades_created_total",
			Help:      "Number of grades accepted for execution",
		}, []string{"language", "kind"}),
		gradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grades_rejected_total",
			Help:      "Number of submissions rejected before queueing",
		}, []string{"reason"}),
		gradesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grades_finished_total",
			Help:      "Number of grades that reached a terminal status",
		}, []string{"status"}),
		gradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "grade_duration_seconds",
			Help:      "Histogram of the time from claim to terminal status",
			Buckets:   durationBuckets,
		}, []string{"status"}),
		workerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_retries_total",
			Help:      "Number of grading attempts retried after an infrastructure error",
		}),
		workerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_panics_total",
			Help:      "Number of recovered panics in grading attempts",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "callbacks_total",
			Help:      "Number of webhook deliveries by result",
		}, []string{"result"}),
		runCPUTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_cpu_seconds",
			Help:      "Histogram of the worst-case CPU time per grade",
			Buckets:   durationBuckets,
		}, []string{"status"}),
		runMemory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_memory_kilobytes",
			Help:      "Histogram of the peak memory per grade",
			// 1m -> 512m
			Buckets: prometheus.ExponentialBuckets(1<<10, 2, 10),
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.gradesCreated, m.gradesRejected, m.gradesFinished, m.gradeDuration,
			m.workerRetries, m.workerPanics, m.callbacks, m.runCPUTime, m.runMemory,
		)
	}
	return m
}

// RegisterGauge exposes a value computed at scrape time.
func (m *Metrics) RegisterGauge(name, help string, f func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, f)
	m.registeredGauge = append(m.registeredGauge, g)
	if m.reg != nil {
		m.reg.MustRegister(g)
	}
}

func (m *Metrics) GradeCreated(languageName string, plain bool) {
	kind := "problem"
	if plain {
		kind = "plain"
	}
	m.gradesCreated.WithLabelValues(languageName, kind).Inc()
}

func (m *Metrics) GradeRejected(reason string) {
	m.gradesRejected.WithLabelValues(reason).Inc()
}

// GradeFinished records a terminal grade.
func (m *Metrics) GradeFinished(g *grade.Grade, elapsed time.Duration) {
	status := g.Status.String()
	m.gradesFinished.WithLabelValues(status).Inc()
	m.gradeDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	if g.Time != nil {
		m.runCPUTime.WithLabelValues(status).Observe(*g.Time)
	}
	if g.Memory != nil {
		m.runMemory.WithLabelValues(status).Observe(float64(*g.Memory))
	}
}

func (m *Metrics) Retry() {
	m.workerRetries.Inc()
}

func (m *Metrics) Panic() {
	m.workerPanics.Inc()
}

func (m *Metrics) Callback(ok bool) {
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.callbacks.WithLabelValues(result).Inc()
}
