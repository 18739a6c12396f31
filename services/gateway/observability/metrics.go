// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes the gateway's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's metric set. One instance per process;
// promauto registers on the default registry.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeStreams     prometheus.Gauge
	clientDisconnects prometheus.Counter
}

// New registers and returns the metric set.
func New() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synesis_gateway_requests_total",
			Help: "Chat requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synesis_gateway_request_duration_seconds",
			Help:    "End-to-end traversal duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"endpoint"}),
		activeStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synesis_gateway_active_streams",
			Help: "Currently open SSE streams.",
		}),
		clientDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synesis_gateway_client_disconnects_total",
			Help: "Streams abandoned by the client before completion.",
		}),
	}
}

// RecordRequest records one finished request.
func (m *Metrics) RecordRequest(endpoint string, success bool, duration time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// StreamStarted marks an SSE stream open.
func (m *Metrics) StreamStarted() { m.activeStreams.Inc() }

// StreamEnded marks an SSE stream closed.
func (m *Metrics) StreamEnded() { m.activeStreams.Dec() }

// RecordClientDisconnect counts an abandoned stream.
func (m *Metrics) RecordClientDisconnect() { m.clientDisconnects.Inc() }
