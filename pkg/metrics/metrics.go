// Package metrics holds the Prometheus collectors shared by the gateway
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge
	Messages    *prometheus.CounterVec // by initial status
	Events      *prometheus.CounterVec // by event type and result
	ReadMarked  prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry so
// tests can build as many instances as they like.
func New() *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Active websocket connections",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Users with at least one active connection",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Persisted messages by initial status",
		}, []string{"status"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_total",
			Help: "Inbound events by type and result",
		}, []string{"type", "result"}),
		ReadMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_read_total",
			Help: "Messages newly marked read",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Connections, m.OnlineUsers, m.Messages, m.Events, m.ReadMarked,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler returns an http.Handler for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
