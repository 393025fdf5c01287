// ABOUTME: Prometheus metrics for OpAMP sessions, messages, and remote config delivery
// ABOUTME: Uses a private registry served by the gateway's /metrics endpoint

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opamp"

// Metrics holds all the Prometheus metrics for the gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal     prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsEnded     *prometheus.CounterVec
	MessagesReceived  prometheus.Counter
	MessagesMalformed prometheus.Counter
	ResponsesSent     prometheus.Counter
	ConfigsSent       prometheus.Counter
	SendErrors        prometheus.Counter
	Supersessions     prometheus.Counter
	EventsDropped     prometheus.Counter
}

// New creates a Metrics instance on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted OpAMP sessions",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of OpAMP sessions currently running",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of ended OpAMP sessions by reason",
		}, []string{"reason"}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of complete messages received from agents",
		}),
		MessagesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Total number of messages that failed to decode",
		}),
		ResponsesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_sent_total",
			Help:      "Total number of ServerToAgent responses sent",
		}),
		ConfigsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_configs_sent_total",
			Help:      "Total number of responses that carried the remote config",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of responses that failed to encode or send",
		}),
		Supersessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supersessions_total",
			Help:      "Total number of registry entries replaced by a newer session",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of agent history events dropped because the queue was full",
		}),
	}
}

// RegisterAgentCount exposes the registry size as a gauge read at scrape time.
func (m *Metrics) RegisterAgentCount(count func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_connected",
		Help:      "Number of agents in the connection registry",
	}, func() float64 {
		return float64(count())
	})
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted records an accepted session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionEnded records a finished session and why it ended.
func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// MessageReceived increments the received message counter.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// MessageMalformed increments the malformed message counter.
func (m *Metrics) MessageMalformed() {
	if m == nil {
		return
	}
	m.MessagesMalformed.Inc()
}

// ResponseSent records a sent response, noting whether it carried config.
func (m *Metrics) ResponseSent(withConfig bool) {
	if m == nil {
		return
	}
	m.ResponsesSent.Inc()
	if withConfig {
		m.ConfigsSent.Inc()
	}
}

// SendFailed increments the send error counter.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

// Superseded increments the supersession counter.
func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.Supersessions.Inc()
}

// EventDropped increments the dropped event counter.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
