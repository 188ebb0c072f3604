// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	messagesSent    prometheus.Counter
	eventsPublished *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	connections     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "messages_sent_total",
			Help:      "Messages accepted and sequenced.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "events_published_total",
			Help:      "Realtime events fanned out, by event type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "efdm",
			Name:      "operations_rejected_total",
			Help:      "Operations refused, by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "efdm",
			Name:      "websocket_connections",
			Help:      "Open realtime connections on this instance.",
		}),
	}
	reg.MustRegister(
		m.messagesSent,
		m.eventsPublished,
		m.rejected,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) EventPublished(eventType string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Handler serves the registry for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
