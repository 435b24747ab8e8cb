// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes the sync core's operational metrics in
// Prometheus format, served from the loopback status endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles all instruments on a private registry so the status
// endpoint only exposes our own series plus Go runtime basics.
type Metrics struct {
	registry *prometheus.Registry

	SyncCycles      *prometheus.CounterVec
	ActionsSynced   prometheus.Counter
	ActionsFailed   prometheus.Counter
	QueueBacklog    prometheus.Gauge
	SyncDuration    prometheus.Histogram
	BreakerState    *prometheus.GaugeVec
	BreakerRejected *prometheus.CounterVec
	Mode            prometheus.Gauge
	HeartbeatsSeen  prometheus.Counter
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftlog",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by result (success, partial, offline, error, skipped).",
		}, []string{"result"}),
		ActionsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftlog",
			Subsystem: "sync",
			Name:      "actions_synced_total",
			Help:      "Actions successfully delivered to the remote service.",
		}),
		ActionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftlog",
			Subsystem: "sync",
			Name:      "actions_failed_total",
			Help:      "Action deliveries that exhausted their retries in a cycle.",
		}),
		QueueBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shiftlog",
			Subsystem: "queue",
			Name:      "backlog",
			Help:      "Unsynced actions currently in the local queue.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shiftlog",
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of each sync cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shiftlog",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		BreakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftlog",
			Subsystem: "breaker",
			Name:      "rejected_total",
			Help:      "Calls rejected by an open circuit breaker.",
		}, []string{"name"}),
		Mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shiftlog",
			Name:      "mode",
			Help:      "Operating mode (0=full, 1=degraded, 2=offline, 3=emergency).",
		}),
		HeartbeatsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftlog",
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "UDP heartbeats received from the UI process.",
		}),
	}

	m.registry.MustRegister(
		m.SyncCycles,
		m.ActionsSynced,
		m.ActionsFailed,
		m.QueueBacklog,
		m.SyncDuration,
		m.BreakerState,
		m.BreakerRejected,
		m.Mode,
		m.HeartbeatsSeen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
