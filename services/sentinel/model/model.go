// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the shared data types of the Sentinel engine.
//
// Every other sentinel package speaks in these types: the monitor emits
// HealthObservation, diagnosis moves Status, the governor owns HostState and
// the event log stores Event records. Enumerations are closed sets with
// String methods so they log and serialize as readable names.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// HostTarget is the observation and event target used for the host itself.
const HostTarget = "host"

// ErrUnknownService is returned for a service id not in the configuration.
var ErrUnknownService = errors.New("unknown service")

// =============================================================================
// Service Kind
// =============================================================================

// ServiceKind classifies a managed service for probe cadence and for
// attributing shared-resource pressure.
type ServiceKind string

const (
	// KindStateless services keep no local data and restart cheaply.
	KindStateless ServiceKind = "stateless"

	// KindStateful services own persisted data (vector store, databases).
	KindStateful ServiceKind = "stateful"

	// KindGPUBound services hold GPU memory (model runtimes, embedders).
	KindGPUBound ServiceKind = "gpu-bound"
)

// Valid reports whether k is one of the known kinds.
func (k ServiceKind) Valid() bool {
	switch k {
	case KindStateless, KindStateful, KindGPUBound:
		return true
	}
	return false
}

// =============================================================================
// Status
// =============================================================================

// Status is the diagnosed condition of a service or the host.
//
// # State Machine
//
//	UNKNOWN ──► HEALTHY ◄──► DEGRADED ◄──► FAILING
//	   │                                     │
//	   └──────────► DEGRADED/FAILING         ├──► HEALTHY (after recovery)
//	                                         └──► SUSPENDED (absorbing)
//
// UNKNOWN is initial. SUSPENDED is left only through a manual clear, which
// returns the service to UNKNOWN.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusFailing
	StatusSuspended
)

var statusNames = [...]string{"UNKNOWN", "HEALTHY", "DEGRADED", "FAILING", "SUSPENDED"}

// String returns the upper-case status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus converts a status name (any case) to a Status.
func ParseStatus(s string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range statusNames {
		if name == upper {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Unhealthy reports whether the status is DEGRADED or FAILING.
func (s Status) Unhealthy() bool {
	return s == StatusDegraded || s == StatusFailing
}

// =============================================================================
// Severity
// =============================================================================

// Severity orders events for filtering: Info < Warning < Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns "info", "warning" or "critical".
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity converts "info", "warning"/"warn" or "critical" to a Severity.
// An empty string is SeverityInfo.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "critical", "crit":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// =============================================================================
// Observations
// =============================================================================

// MetricSnapshot is the measured state captured by one probe execution.
// Service probes fill Live, ProbeOK and ProbeLatency; the host probe fills
// the resource fields.
type MetricSnapshot struct {
	Live             bool          `json:"live"`
	ProbeOK          bool          `json:"probe_ok"`
	ProbeLatency     time.Duration `json:"probe_latency_ns"`
	CPUPercent       float64       `json:"cpu_percent,omitempty"`
	RAMPercent       float64       `json:"ram_percent,omitempty"`
	GPUMemoryUsedGB  float64       `json:"gpu_memory_used_gb,omitempty"`
	GPUMemoryTotalGB float64       `json:"gpu_memory_total_gb,omitempty"`
	GPUMemoryPercent float64       `json:"gpu_memory_percent,omitempty"`
	TemperatureC     float64       `json:"temperature_c,omitempty"`
}

// HealthObservation is the immutable result of one probe execution.
type HealthObservation struct {
	ID        string         `json:"id"`
	Target    string         `json:"target"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   MetricSnapshot `json:"metrics"`
	Error     string         `json:"error,omitempty"`
}

// Passed reports whether the probe succeeded.
func (o HealthObservation) Passed() bool {
	return o.Metrics.ProbeOK
}

// IsHost reports whether the observation is of the host rather than a service.
func (o HealthObservation) IsHost() bool {
	return o.Target == HostTarget
}

// =============================================================================
// Service
// =============================================================================

// Service is the engine's view of one supervised service.
//
// Status and the consecutive counters are written only by the diagnosis
// step; LastAction fields only after an executed action.
type Service struct {
	ID                   string      `json:"id"`
	Kind                 ServiceKind `json:"kind"`
	Status               Status      `json:"status"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastAction           ActionKind  `json:"last_action,omitempty"`
	LastActionAt         time.Time   `json:"last_action_at,omitzero"`
	DependsOn            []string    `json:"depends_on,omitempty"`
}

// ServiceSnapshot is a point-in-time copy of a Service plus planner and
// governor annotations, served by the status API.
type ServiceSnapshot struct {
	Service
	Tier        int       `json:"tier"`
	InFlight    bool      `json:"in_flight"`
	Suppressed  bool      `json:"suppressed"`
	Restarts    int       `json:"restarts_in_window"`
	LastChecked time.Time `json:"last_checked,omitzero"`
}

// HostSnapshot is the host aggregate served by the status API.
type HostSnapshot struct {
	Status          Status         `json:"status"`
	Metrics         MetricSnapshot `json:"metrics"`
	GPUPressure     string         `json:"gpu_pressure"`
	RebootsInWindow int            `json:"reboots_in_window"`
	LastReboot      time.Time      `json:"last_reboot,omitzero"`
	CooldownUntil   time.Time      `json:"cooldown_until,omitzero"`
	Suppression     *Suppression   `json:"suppression,omitempty"`
	FailClosed      bool           `json:"fail_closed"`
	FailReason      string         `json:"fail_reason,omitempty"`
}

// =============================================================================
// Host State
// =============================================================================

// Suppression is an active cascading-failure suppression interval.
type Suppression struct {
	Until   time.Time `json:"until"`
	Targets []string  `json:"targets"`
	Reason  string    `json:"reason"`
}

// Covers reports whether target is suppressed at now.
func (s *Suppression) Covers(target string, now time.Time) bool {
	if s == nil || !now.Before(s.Until) {
		return false
	}
	for _, t := range s.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// HostState is the governor-owned host bookkeeping. It is persisted so the
// reboot history survives the reboots it grants.
type HostState struct {
	Reboots       []time.Time  `json:"reboots"`
	LastReboot    time.Time    `json:"last_reboot,omitzero"`
	CooldownUntil time.Time    `json:"cooldown_until,omitzero"`
	Suppression   *Suppression `json:"suppression,omitempty"`
	FailClosed    bool         `json:"fail_closed"`
	FailReason    string       `json:"fail_reason,omitempty"`
}

// RebootsSince counts recorded reboots at or after since.
func (h HostState) RebootsSince(since time.Time) int {
	n := 0
	for _, r := range h.Reboots {
		if !r.Before(since) {
			n++
		}
	}
	return n
}
