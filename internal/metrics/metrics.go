// Package metrics exports scheduler and inference counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/scheduler"
)

const namespace = "live_classifier"

type Metrics struct {
	registry *prometheus.Registry

	ticks             *prometheus.CounterVec
	failures          *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	reports           prometheus.Counter
	topConfidence     prometheus.Gauge
}

var (
	_ scheduler.Observer = (*Metrics)(nil)
	_ report.Sink        = (*Metrics)(nil)
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Frames that failed, by kind.",
		}, []string{"kind"}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent in the inference engine per frame.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Completed inferences published to the sinks.",
		}),
		topConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "top_confidence",
			Help:      "Confidence of slot 0 of the latest result.",
		}),
	}
	m.registry.MustRegister(
		m.ticks,
		m.failures,
		m.inferenceDuration,
		m.reports,
		m.topConfidence,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveTick(outcome scheduler.TickOutcome) {
	m.ticks.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) ObserveInference(elapsed time.Duration) {
	m.inferenceDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveFailure(ev report.ErrorEvent) {
	m.failures.WithLabelValues(failureKind(ev.Err)).Inc()
}

func (m *Metrics) Publish(_ context.Context, r report.Report) {
	m.reports.Inc()
	if top, ok := r.TopK.Top(); ok {
		m.topConfidence.Set(float64(top.Confidence))
	}
}

// PublishError is a no-op: failures are counted by ObserveFailure, which
// also sees errors that never reach the sinks.
func (m *Metrics) PublishError(context.Context, report.ErrorEvent) {}

func failureKind(err error) string {
	switch {
	case pipelineerr.IsFatal(err):
		return "configuration"
	case errors.Is(err, pipelineerr.ErrCapture):
		return "capture"
	case errors.Is(err, pipelineerr.ErrInference):
		return "inference"
	case errors.Is(err, scheduler.ErrWorkerPanic):
		return "panic"
	default:
		return "other"
	}
}
