// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the Sentinel engine.
//
// # Description
//
// Metrics include:
//   - Probe counters and latency histograms per target
//   - Current status per service
//   - Transition, action and refusal counters
//   - Governor gauges (reboots in window, suspended services, suppression,
//     fail-closed)
//   - Host resource gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint of the stats API.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *Metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace  = "aleutian"
	sentinelSubsystem = "sentinel"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// ObservationsTotal counts probe executions.
	// Labels: target, result (pass, fail)
	ObservationsTotal *prometheus.CounterVec

	// ProbeLatencySeconds measures probe round trips.
	// Labels: target
	ProbeLatencySeconds *prometheus.HistogramVec

	// ServiceStatus is the current status per service as its numeric value
	// (0 UNKNOWN, 1 HEALTHY, 2 DEGRADED, 3 FAILING, 4 SUSPENDED).
	// Labels: service
	ServiceStatus *prometheus.GaugeVec

	// TransitionsTotal counts status transitions.
	// Labels: target, to
	TransitionsTotal *prometheus.CounterVec

	// ActionsTotal counts executed actions.
	// Labels: action, outcome
	ActionsTotal *prometheus.CounterVec

	// RefusalsTotal counts governor refusals.
	// Labels: action, reason
	RefusalsTotal *prometheus.CounterVec

	RebootsInWindow    prometheus.Gauge
	SuspendedServices  prometheus.Gauge
	SuppressionActive  prometheus.Gauge
	GovernorFailClosed prometheus.Gauge

	// HostResource holds the latest host sample.
	// Labels: resource (cpu_percent, ram_percent, gpu_memory_used_gb,
	// gpu_memory_percent, temperature_c)
	HostResource *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors with reg.
//
// # Inputs
//
//   - reg: Registry to register with. prometheus.DefaultRegisterer in
//     production; a fresh prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ObservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sentinelSubsystem,
				Name:      "observations_total",
				Help:      "Total probe executions by target and result",
			},
			[]string{"target", "result"},
		),

		ProbeLatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sentinelSubsystem,
				Name:      "probe_latency_seconds",
				Help:      "Probe round-trip latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"target"},
		),

		ServiceStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: sentinelSubsystem,
				Name:      "service_status",
				Help:      "Current service status (0 unknown, 1 healthy, 2 degraded, 3 failing, 4 suspended)",
			},
			[]string{"service"},
		),

		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sentinelSubsystem,
				Name:      "transitions_total",
				Help:      "Total status transitions by target and new status",
			},
			[]string{"target", "to"},
		),

		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sentinelSubsystem,
				Name:      "actions_total",
				Help:      "Total executed remediation actions by kind and outcome",
			},
			[]string{"action", "outcome"},
		),

		RefusalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sentinelSubsystem,
				Name:      "refusals_total",
				Help:      "Total actions refused by the safety governor",
			},
			[]string{"action", "reason"},
		),

		RebootsInWindow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sentinelSubsystem,
			Name:      "reboots_in_window",
			Help:      "Host reboots granted in the current rolling window",
		}),

		SuspendedServices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sentinelSubsystem,
			Name:      "suspended_services",
			Help:      "Services suspended after exhausting their restart quota",
		}),

		SuppressionActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sentinelSubsystem,
			Name:      "suppression_active",
			Help:      "1 while a cascading-failure suppression interval is active",
		}),

		GovernorFailClosed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sentinelSubsystem,
			Name:      "governor_fail_closed",
			Help:      "1 while the governor refuses host-level actions",
		}),

		HostResource: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: sentinelSubsystem,
				Name:      "host_resource",
				Help:      "Latest host resource sample",
			},
			[]string{"resource"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordObservation records one probe execution.
func (m *Metrics) RecordObservation(obs model.HealthObservation) {
	if m == nil {
		return
	}
	result := "pass"
	if !obs.Passed() {
		result = "fail"
	}
	m.ObservationsTotal.WithLabelValues(obs.Target, result).Inc()
	if obs.Metrics.ProbeLatency > 0 {
		m.ProbeLatencySeconds.WithLabelValues(obs.Target).Observe(obs.Metrics.ProbeLatency.Seconds())
	}
	if obs.IsHost() {
		s := obs.Metrics
		m.HostResource.WithLabelValues("cpu_percent").Set(s.CPUPercent)
		m.HostResource.WithLabelValues("ram_percent").Set(s.RAMPercent)
		m.HostResource.WithLabelValues("gpu_memory_used_gb").Set(s.GPUMemoryUsedGB)
		m.HostResource.WithLabelValues("gpu_memory_percent").Set(s.GPUMemoryPercent)
		m.HostResource.WithLabelValues("temperature_c").Set(s.TemperatureC)
	}
}

// RecordTransition records a status change.
func (m *Metrics) RecordTransition(target string, to model.Status) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(target, to.String()).Inc()
	if target != model.HostTarget {
		m.ServiceStatus.WithLabelValues(target).Set(float64(to))
	}
}

// RecordAction records an executed action.
func (m *Metrics) RecordAction(action model.ActionKind, outcome model.Outcome) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(string(action), string(outcome)).Inc()
}

// RecordRefusal records a governor refusal.
func (m *Metrics) RecordRefusal(action model.ActionKind, reason string) {
	if m == nil {
		return
	}
	m.RefusalsTotal.WithLabelValues(string(action), reason).Inc()
}

// SetGovernor publishes governor gauges.
func (m *Metrics) SetGovernor(rebootsInWindow, suspended int, suppression, failClosed bool) {
	if m == nil {
		return
	}
	m.RebootsInWindow.Set(float64(rebootsInWindow))
	m.SuspendedServices.Set(float64(suspended))
	m.SuppressionActive.Set(boolGauge(suppression))
	m.GovernorFailClosed.Set(boolGauge(failClosed))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
