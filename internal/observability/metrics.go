// Package observability exposes the pipeline's Prometheus metrics and the ops
// HTTP server (/healthz, /metrics, pprof).
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cadence/internal/model"
	"cadence/internal/poller"
)

const namespace = "cadence"

// Metrics owns a private registry. It implements the recorder interfaces of
// the bus, the processor, the poller and the quota ledger.
type Metrics struct {
	reg *prometheus.Registry

	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	lastTickDue   prometheus.Gauge
	dispatched    *prometheus.CounterVec
	reclaimed     prometheus.Counter
	attempts      *prometheus.CounterVec
	publishTime   *prometheus.HistogramVec
	events        *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	quotaRejected *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "ticks_total",
			Help: "Completed poller ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "poller", Name: "tick_duration_seconds",
			Help:    "Wall time of one tick, from due-set query to the last settled post.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		lastTickDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "poller", Name: "last_tick_due_posts",
			Help: "Due posts picked up by the most recent tick.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "dispatch_outcomes_total",
			Help: "Posts dispatched by the poller, by outcome.",
		}, []string{"outcome"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "reclaimed_posts_total",
			Help: "Posts released from an expired processing lease.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "attempts_total",
			Help: "Processing attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		publishTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "attempt_duration_seconds",
			Help:    "Duration of processing attempts by platform.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Lifecycle events published on the bus.",
		}, []string{"kind"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "handler_failures_total",
			Help: "Subscriber failures by event kind and handler.",
		}, []string{"kind", "handler"}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota", Name: "rejections_total",
			Help: "Quota refusals by scope and metric.",
		}, []string{"scope", "metric"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tickDuration, m.lastTickDue, m.dispatched, m.reclaimed,
		m.attempts, m.publishTime, m.events, m.handlerErrors, m.quotaRejected,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveTick(r poller.TickReport) {
	m.ticks.Inc()
	m.tickDuration.Observe(r.Took.Seconds())
	m.lastTickDue.Set(float64(r.Due))
	for outcome, n := range map[string]int{
		"published": r.Published,
		"accepted":  r.Accepted,
		"retrying":  r.Retrying,
		"failed":    r.Failed,
		"skipped":   r.Skipped,
		"errored":   r.Errored,
	} {
		if n > 0 {
			m.dispatched.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

func (m *Metrics) ObserveReclaim(n int) { m.reclaimed.Add(float64(n)) }

func (m *Metrics) ObserveAttempt(platform, outcome string, d time.Duration) {
	m.attempts.WithLabelValues(platform, outcome).Inc()
	m.publishTime.WithLabelValues(platform).Observe(d.Seconds())
}

func (m *Metrics) EventPublished(kind string) { m.events.WithLabelValues(kind).Inc() }

func (m *Metrics) HandlerFailed(kind, handler string) {
	m.handlerErrors.WithLabelValues(kind, handler).Inc()
}

func (m *Metrics) QuotaRejected(scope model.QuotaScope, metric model.Metric) {
	m.quotaRejected.WithLabelValues(string(scope), string(metric)).Inc()
}
