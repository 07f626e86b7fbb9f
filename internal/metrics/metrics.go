// ABOUTME: Prometheus metrics for tool calls, provider lifecycle, sessions, and protocol anomalies.
// ABOUTME: Uses a private registry and implements the router and supervisor observer hooks.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/toolgate/internal/router"
	"github.com/2389/toolgate/internal/supervisor"
)

const namespace = "toolgate"

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls     *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	restarts      *prometheus.CounterVec
	providerState *prometheus.GaugeVec
	anomalies     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool, provider and outcome.",
		}, []string{"tool", "provider", "outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tool"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_restarts_total",
			Help:      "Automatic provider restarts.",
		}, []string{"provider"}),
		providerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_state",
			Help:      "1 for the provider's current lifecycle state, 0 otherwise.",
		}, []string{"provider", "state"}),
		anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_anomalies_total",
			Help:      "Provider frames that could not be matched to a pending call.",
		}, []string{"provider"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackSessions exposes the open SSE session count.
func (m *Metrics) TrackSessions(count func() int) {
	m.gaugeFunc("sse_sessions", "Open SSE sessions.", count)
}

// TrackPending exposes the number of in-flight tool calls.
func (m *Metrics) TrackPending(count func() int) {
	m.gaugeFunc("pending_requests", "Tool calls awaiting a provider response.", count)
}

func (m *Metrics) gaugeFunc(name, help string, fn func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) })
}

// CallFinished implements router.Observer.
func (m *Metrics) CallFinished(rec router.CallRecord) {
	provider := rec.ProviderID
	if provider == "" {
		provider = "none"
	}
	m.toolCalls.WithLabelValues(rec.Tool, provider, rec.Outcome).Inc()
	m.callDuration.WithLabelValues(rec.Tool).Observe(rec.Duration.Seconds())
}

// ProviderRestarted implements supervisor.Observer.
func (m *Metrics) ProviderRestarted(providerID string) {
	m.restarts.WithLabelValues(providerID).Inc()
}

// ProtocolAnomaly implements supervisor.Observer.
func (m *Metrics) ProtocolAnomaly(providerID, _ string) {
	m.anomalies.WithLabelValues(providerID).Inc()
}

// ObserveState records a provider's current state as a one-hot gauge set.
func (m *Metrics) ObserveState(providerID string, state supervisor.State) {
	for _, s := range supervisor.AllStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.providerState.WithLabelValues(providerID, s.String()).Set(v)
	}
}

// StateChanged is a supervisor state listener.
func (m *Metrics) StateChanged(change supervisor.StateChange) {
	m.ObserveState(change.ProviderID, change.To)
}
