// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package metrics exports Prometheus metrics for a sigrelay server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sigrelay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayMetrics tracks channel registry activity.
// It implements channels.Recorder.
type RelayMetrics struct {
	Channels       prometheus.Gauge
	Members        prometheus.Gauge
	MessagesRouted prometheus.Counter
	Deliveries     prometheus.Counter
	MalformedTotal prometheus.Counter
	SendFailures   prometheus.Counter
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "channels",
			Help:      "Number of channels with at least one member.",
		}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "members",
			Help:      "Number of channel memberships across all channels.",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_routed_total",
			Help:      "Total number of messages routed into a channel.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Total number of messages handed to a recipient connection.",
		}),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "malformed_total",
			Help:      "Total number of dropped messages that had no usable channel.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "send_failures_total",
			Help:      "Total number of messages dropped for a recipient.",
		}),
	}

	reg.MustRegister(m.Channels, m.Members, m.MessagesRouted, m.Deliveries, m.MalformedTotal, m.SendFailures)
	return m
}

// ChannelsChanged sets the channels gauge to n.
func (m *RelayMetrics) ChannelsChanged(n int) { m.Channels.Set(float64(n)) }

// MembersChanged sets the members gauge to n, counting a connection once per channel it's in.
func (m *RelayMetrics) MembersChanged(n int) { m.Members.Set(float64(n)) }

// MessageRouted counts a well-formed message that was routed to its channel.
func (m *RelayMetrics) MessageRouted() { m.MessagesRouted.Inc() }

// Delivered counts a message queued for one recipient.
func (m *RelayMetrics) Delivered() { m.Deliveries.Inc() }

// Malformed counts a message dropped because its channel couldn't be read.
func (m *RelayMetrics) Malformed() { m.MalformedTotal.Inc() }

// SendFailed counts a recipient whose send failed, such as when its queue was full.
func (m *RelayMetrics) SendFailed() { m.SendFailures.Inc() }

// WebSocketMetrics holds Prometheus metrics for WebSocket connections.
type WebSocketMetrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	UpgradeFailures   prometheus.Counter
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections.",
		}),
		UpgradeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "upgrade_failures_total",
			Help:      "Total number of failed WebSocket upgrades.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.ConnectionsTotal, m.UpgradeFailures)
	return m
}
