// Package metrics exposes the chat server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marha-hwang/ktb-BootcampChat/internal/ai"
)

const namespace = "chat"

// Collectors groups the server's collectors on a dedicated registry.
type Collectors struct {
	registry *prometheus.Registry

	PersistFailures    prometheus.Counter
	messagesDispatched *prometheus.CounterVec
	rateLimited        prometheus.Counter
	activeConnections  prometheus.Gauge
	duplicateLogins    prometheus.Counter
	activeStreams      *prometheus.GaugeVec
	streamsFinished    *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a fresh registry.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Collectors{
		registry: registry,

		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "persist_failures_total",
			Help:      "Messages that could not be persisted after every retry.",
		}),
		messagesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dispatched_total",
			Help:      "Messages broadcast to rooms, by message type.",
		}, []string{"type"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "rate_limited_total",
			Help:      "Sends rejected by the rate limiter.",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Authenticated websocket connections on this node.",
		}),
		duplicateLogins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "duplicate_logins_total",
			Help:      "Connections that displaced an existing session of the same user.",
		}),
		activeStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "active_streams",
			Help:      "AI replies currently being generated, by persona.",
		}, []string{"persona"}),
		streamsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "streams_finished_total",
			Help:      "Finished AI replies, by persona and terminal state.",
		}, []string{"persona", "state"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) MessageDispatched(messageType string) {
	c.messagesDispatched.WithLabelValues(messageType).Inc()
}

func (c *Collectors) RateLimited() {
	c.rateLimited.Inc()
}

func (c *Collectors) StreamStarted(persona string) {
	c.activeStreams.WithLabelValues(persona).Inc()
}

func (c *Collectors) StreamFinished(persona string, state ai.State) {
	c.activeStreams.WithLabelValues(persona).Dec()
	c.streamsFinished.WithLabelValues(persona, string(state)).Inc()
}

func (c *Collectors) ConnectionOpened() {
	c.activeConnections.Inc()
}

func (c *Collectors) ConnectionClosed() {
	c.activeConnections.Dec()
}

func (c *Collectors) DuplicateLogin() {
	c.duplicateLogins.Inc()
}
