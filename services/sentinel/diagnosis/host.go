// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnosis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// =============================================================================
// Resource Pressure
// =============================================================================

// Pressure grades shared GPU memory use.
type Pressure int

const (
	PressureNone Pressure = iota
	PressureWarning
	PressureCritical
	PressureExhausted
)

// String returns "none", "warning", "critical" or "exhausted".
func (p Pressure) String() string {
	switch p {
	case PressureNone:
		return "none"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	case PressureExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("Pressure(%d)", int(p))
	}
}

// ClassifyGPU grades usedGB against the configured thresholds.
func ClassifyGPU(usedGB float64, th config.GPUThresholds) Pressure {
	switch {
	case usedGB >= th.MaxGB:
		return PressureExhausted
	case usedGB >= th.CriticalGB:
		return PressureCritical
	case usedGB >= th.WarningGB:
		return PressureWarning
	default:
		return PressureNone
	}
}

// HostAssessment is the diagnosis of one host observation.
type HostAssessment struct {
	Sampled             bool
	GPU                 Pressure
	RAMCritical         bool
	TemperatureCritical bool
}

// AssessHost grades a host metric snapshot.
func AssessHost(m model.MetricSnapshot, cfg config.DiagnosisConfig) HostAssessment {
	return HostAssessment{
		Sampled:             m.ProbeOK,
		GPU:                 ClassifyGPU(m.GPUMemoryUsedGB, cfg.GPU),
		RAMCritical:         m.RAMPercent >= cfg.RAMCriticalPercent,
		TemperatureCritical: m.TemperatureC >= cfg.TemperatureCriticalC,
	}
}

// Healthy is the host's probe result for hysteresis: metrics were sampled
// and no resource is at or beyond its critical threshold.
func (h HostAssessment) Healthy() bool {
	return h.Sampled && h.GPU < PressureCritical && !h.RAMCritical && !h.TemperatureCritical
}

// Exhausted reports GPU pressure at or above critical.
func (h HostAssessment) Exhausted() bool {
	return h.GPU >= PressureCritical
}

// Problems lists the failing host conditions for event reasons.
func (h HostAssessment) Problems() string {
	var parts []string
	if !h.Sampled {
		parts = append(parts, "metrics unavailable")
	}
	if h.GPU >= PressureCritical {
		parts = append(parts, "gpu memory "+h.GPU.String())
	}
	if h.RAMCritical {
		parts = append(parts, "ram critical")
	}
	if h.TemperatureCritical {
		parts = append(parts, "temperature critical")
	}
	return strings.Join(parts, ", ")
}

// Correlated reports whether a service failure plausibly stems from shared
// resource pressure, which is what makes a GPU cache release worthwhile.
func Correlated(kind model.ServiceKind, h HostAssessment) bool {
	return kind == model.KindGPUBound && h.GPU >= PressureWarning
}

// =============================================================================
// Shared Cause
// =============================================================================

// Resource names a shared host resource.
type Resource string

const (
	ResourceGPUMemory Resource = "gpu-memory"
	ResourceRAM       Resource = "ram"
)

// ServiceView is the slice of service state shared-cause detection needs.
type ServiceView struct {
	ID     string
	Kind   model.ServiceKind
	Status model.Status
}

// SharedCause attributes several service failures to one host resource.
type SharedCause struct {
	Resource Resource
	Pressure Pressure
	Services []string
}

// DetectSharedCause flags a shared cause when critical resource pressure
// coincides with at least minServices affected services being DEGRADED or
// FAILING. GPU pressure affects gpu-bound services; RAM pressure affects all.
// GPU is checked first.
func DetectSharedCause(h HostAssessment, services []ServiceView, minServices int) (SharedCause, bool) {
	if h.GPU >= PressureCritical {
		if affected := unhealthy(services, func(v ServiceView) bool { return v.Kind == model.KindGPUBound }); len(affected) >= minServices {
			return SharedCause{Resource: ResourceGPUMemory, Pressure: h.GPU, Services: affected}, true
		}
	}
	if h.RAMCritical {
		if affected := unhealthy(services, func(ServiceView) bool { return true }); len(affected) >= minServices {
			return SharedCause{Resource: ResourceRAM, Pressure: PressureCritical, Services: affected}, true
		}
	}
	return SharedCause{}, false
}

func unhealthy(services []ServiceView, match func(ServiceView) bool) []string {
	var ids []string
	for _, v := range services {
		if match(v) && v.Status.Unhealthy() {
			ids = append(ids, v.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
