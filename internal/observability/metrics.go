package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callbridge/internal/routing"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	MediaFrames       *prometheus.CounterVec
	ModelRecreates    *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	RoutingDecisions  *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// registry so tests and multiple instances never collide.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live call sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Call session lifecycle events by type.",
		}, []string{"event"}),
		MediaFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Audio frames relayed by direction.",
		}, []string{"direction"}),
		ModelRecreates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_recreates_total",
			Help:      "Model session recreations by outcome.",
		}, []string{"outcome"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_ms",
			Help:      "Tool invocation latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"tool"}),
		RoutingDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by reason and action.",
		}, []string{"reason", "action"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from stream start to first model audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		gatherer: reg,
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (m *Metrics) ObserveToolCall(name string, success bool, d time.Duration) {
	m.ToolCalls.WithLabelValues(name, outcome(success)).Inc()
	m.ToolLatency.WithLabelValues(name).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) RecordDecision(_ context.Context, _ string, d routing.Decision) {
	m.RoutingDecisions.WithLabelValues(d.Reason, string(d.Action.Kind)).Inc()
}

func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) SessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) MediaFrame(direction string) {
	m.MediaFrames.WithLabelValues(direction).Inc()
}

func (m *Metrics) ModelRecreated(ok bool) {
	m.ModelRecreates.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
