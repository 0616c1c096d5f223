// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the Sentinel configuration.
//
// # Description
//
// Configuration is a single YAML file. Every threshold, limit and interval
// the engine uses lives here with a default from DefaultConfig. Load fails
// on anything invalid: a missing or malformed configuration is fatal at
// startup, never deferred to runtime.
//
// # Hot Reload
//
// Watcher re-reads the file on change. Only fields marked "live" below are
// applied to a running engine (safety limits, log level, notification rate);
// the rest take effect on restart. An invalid reload is rejected and the
// running configuration stays in force.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// Config is the root configuration document.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Diagnosis   DiagnosisConfig   `yaml:"diagnosis"`
	Remediation RemediationConfig `yaml:"remediation"`
	Safety      SafetyConfig      `yaml:"safety"` // live
	Executor    ExecutorConfig    `yaml:"executor"`
	EventLog    EventLogConfig    `yaml:"event_log"`
	API         APIConfig         `yaml:"api"`
	Notify      NotifyConfig      `yaml:"notify"` // live: RatePerMinute, Burst
	Influx      InfluxConfig      `yaml:"influx"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"` // live: Level
	Services    []ServiceConfig   `yaml:"services" validate:"required,min=1,dive"`
}

// EngineConfig holds control-loop housekeeping intervals.
type EngineConfig struct {
	// MaintenanceInterval is how often bounded cleanup (stopped containers,
	// aged images) is requested. Zero disables maintenance.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" validate:"gte=0"`

	// ReconcileInterval is how often a fail-closed governor re-verifies its state.
	ReconcileInterval time.Duration `yaml:"reconcile_interval" validate:"gt=0"`

	// LivenessTimeout is how long without a processed observation before
	// /health reports the engine as stalled.
	LivenessTimeout time.Duration `yaml:"liveness_timeout" validate:"gt=0"`
}

// ClassIntervals sets the default probe interval per service kind.
type ClassIntervals struct {
	Stateless time.Duration `yaml:"stateless" validate:"gt=0"`
	Stateful  time.Duration `yaml:"stateful" validate:"gt=0"`
	GPUBound  time.Duration `yaml:"gpu_bound" validate:"gt=0"`
}

// For returns the interval for kind.
func (c ClassIntervals) For(kind model.ServiceKind) time.Duration {
	switch kind {
	case model.KindStateful:
		return c.Stateful
	case model.KindGPUBound:
		return c.GPUBound
	default:
		return c.Stateless
	}
}

// MonitorConfig configures the health monitor.
type MonitorConfig struct {
	Intervals    ClassIntervals `yaml:"intervals"`
	ProbeTimeout time.Duration  `yaml:"probe_timeout" validate:"gt=0"`
	HostInterval time.Duration  `yaml:"host_interval" validate:"gt=0"`
	// ThermalZone is read when the GPU runtime does not report a temperature.
	ThermalZone string `yaml:"thermal_zone"`
}

// GPUThresholds are GPU memory pressure levels in GB.
type GPUThresholds struct {
	WarningGB  float64 `yaml:"warning_gb" validate:"gt=0"`
	CriticalGB float64 `yaml:"critical_gb" validate:"gt=0"`
	MaxGB      float64 `yaml:"max_gb" validate:"gt=0"`
}

// DiagnosisConfig holds classification thresholds.
type DiagnosisConfig struct {
	DegradedAfter          int           `yaml:"degraded_after" validate:"gte=1"`
	FailingAfter           int           `yaml:"failing_after" validate:"gte=1"`
	RecoverAfter           int           `yaml:"recover_after" validate:"gte=1"`
	GPU                    GPUThresholds `yaml:"gpu"`
	RAMCriticalPercent     float64       `yaml:"ram_critical_percent" validate:"gt=0,lte=100"`
	TemperatureCriticalC   float64       `yaml:"temperature_critical_c" validate:"gt=0"`
	SharedCauseMinServices int           `yaml:"shared_cause_min_services" validate:"gte=1"`
}

// RemediationConfig controls ladder escalation.
type RemediationConfig struct {
	// GracePeriod is how long a tier's action gets to resolve FAILING
	// before the next tier is considered.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gt=0"`

	// EscalationWindow bounds a ladder: host reboot is only reachable when
	// tiers 1-3 were exhausted inside it.
	EscalationWindow time.Duration `yaml:"escalation_window" validate:"gt=0"`
}

// SafetyConfig holds the governor's hard limits.
type SafetyConfig struct {
	MaxRestarts          int           `yaml:"max_restarts" validate:"gte=1"`
	RestartWindow        time.Duration `yaml:"restart_window" validate:"gt=0"`
	MaxReboots           int           `yaml:"max_reboots" validate:"gte=0"`
	RebootWindow         time.Duration `yaml:"reboot_window" validate:"gt=0"`
	RebootCooldown       time.Duration `yaml:"reboot_cooldown" validate:"gte=0"`
	CascadeThreshold     int           `yaml:"cascade_threshold" validate:"gte=2"`
	CascadeWindow        time.Duration `yaml:"cascade_window" validate:"gt=0"`
	SuppressionInterval  time.Duration `yaml:"suppression_interval" validate:"gt=0"`
	CacheReleaseCooldown time.Duration `yaml:"cache_release_cooldown" validate:"gte=0"`
	ImagePruneMinAge     time.Duration `yaml:"image_prune_min_age" validate:"gte=24h"`
	// ClockSkewTolerance bounds how far in the future a persisted timestamp
	// may be before the state is considered inconsistent.
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance" validate:"gte=0"`
}

// ExecutorConfig configures action execution.
type ExecutorConfig struct {
	ActionTimeout time.Duration `yaml:"action_timeout" validate:"gt=0"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	PodmanPath    string        `yaml:"podman_path" validate:"required"`
	NvidiaSMIPath string        `yaml:"nvidia_smi_path"`
	OllamaURL     string        `yaml:"ollama_url" validate:"omitempty,url"`
	RebootCommand []string      `yaml:"reboot_command" validate:"required,min=1"`
	// DryRun logs actions instead of executing them.
	DryRun bool `yaml:"dry_run"`
}

// EventLogConfig configures the badger store.
type EventLogConfig struct {
	Path                 string        `yaml:"path" validate:"required_without=InMemory"`
	InMemory             bool          `yaml:"in_memory"`
	ObservationRetention time.Duration `yaml:"observation_retention" validate:"gt=0"`
	EventRetention       time.Duration `yaml:"event_retention" validate:"gt=0"`
	GCInterval           time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// APIConfig configures the stats HTTP server.
type APIConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
}

// NotifyConfig configures escalation notifications.
type NotifyConfig struct {
	WebhookURL    string        `yaml:"webhook_url" validate:"omitempty,url"`
	TokenEnv      string        `yaml:"token_env"`
	RatePerMinute float64       `yaml:"rate_per_minute" validate:"gt=0"`
	Burst         int           `yaml:"burst" validate:"gte=1"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
}

// InfluxConfig configures optional observation export.
type InfluxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	TokenEnv string `yaml:"token_env"`
	Org      string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket   string `yaml:"bucket" validate:"required_if=Enabled true"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ProbeConfig describes how a service is probed.
type ProbeConfig struct {
	// Type is one of http, tcp, container, process.
	Type string `yaml:"type" validate:"required,oneof=http tcp container process"`

	URL            string        `yaml:"url" validate:"required_if=Type http,omitempty,url"`
	ExpectedStatus int           `yaml:"expected_status" validate:"omitempty,gte=100,lte=599"`
	Address        string        `yaml:"address" validate:"required_if=Type tcp"`
	Process        string        `yaml:"process" validate:"required_if=Type process"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
}

// ServiceConfig declares one managed service.
type ServiceConfig struct {
	ID        string            `yaml:"id" validate:"required"`
	Kind      model.ServiceKind `yaml:"kind" validate:"required,oneof=stateless stateful gpu-bound"`
	Container string            `yaml:"container"`
	Probe     ProbeConfig       `yaml:"probe"`
	Interval  time.Duration     `yaml:"interval" validate:"gte=0"`
	DependsOn []string          `yaml:"depends_on"`
}

// ContainerName returns the podman container name, defaulting to the id.
func (s ServiceConfig) ContainerName() string {
	if s.Container != "" {
		return s.Container
	}
	return s.ID
}

// DefaultConfig returns a Config with every default filled in and no services.
//
// # Description
//
// Defaults follow the appliance's documented operating values: 2/3/3
// hysteresis, 36/38/40 GB GPU thresholds, 3 restarts per hour, one reboot
// per hour with a 30 minute cooldown, cascade at 3 services.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			MaintenanceInterval: 24 * time.Hour,
			ReconcileInterval:   5 * time.Minute,
			LivenessTimeout:     2 * time.Minute,
		},
		Monitor: MonitorConfig{
			Intervals: ClassIntervals{
				Stateless: 10 * time.Second,
				Stateful:  15 * time.Second,
				GPUBound:  30 * time.Second,
			},
			ProbeTimeout: 5 * time.Second,
			HostInterval: 15 * time.Second,
			ThermalZone:  "/sys/class/thermal/thermal_zone0/temp",
		},
		Diagnosis: DiagnosisConfig{
			DegradedAfter:          2,
			FailingAfter:           3,
			RecoverAfter:           3,
			GPU:                    GPUThresholds{WarningGB: 36, CriticalGB: 38, MaxGB: 40},
			RAMCriticalPercent:     95,
			TemperatureCriticalC:   90,
			SharedCauseMinServices: 2,
		},
		Remediation: RemediationConfig{
			GracePeriod:      time.Minute,
			EscalationWindow: 30 * time.Minute,
		},
		Safety: SafetyConfig{
			MaxRestarts:          3,
			RestartWindow:        time.Hour,
			MaxReboots:           1,
			RebootWindow:         time.Hour,
			RebootCooldown:       30 * time.Minute,
			CascadeThreshold:     3,
			CascadeWindow:        2 * time.Minute,
			SuppressionInterval:  10 * time.Minute,
			CacheReleaseCooldown: 5 * time.Minute,
			ImagePruneMinAge:     7 * 24 * time.Hour,
			ClockSkewTolerance:   5 * time.Minute,
		},
		Executor: ExecutorConfig{
			ActionTimeout: 2 * time.Minute,
			RetryBackoff:  5 * time.Second,
			PodmanPath:    "podman",
			NvidiaSMIPath: "nvidia-smi",
			OllamaURL:     "http://localhost:11434",
			RebootCommand: []string{"systemctl", "reboot"},
		},
		EventLog: EventLogConfig{
			Path:                 "~/.aleutian/sentinel/db",
			ObservationRetention: 72 * time.Hour,
			EventRetention:       30 * 24 * time.Hour,
			GCInterval:           5 * time.Minute,
		},
		API: APIConfig{Listen: "127.0.0.1:7071"},
		Notify: NotifyConfig{
			TokenEnv:      "SENTINEL_WEBHOOK_TOKEN",
			RatePerMinute: 6,
			Burst:         3,
			Timeout:       10 * time.Second,
		},
		Influx: InfluxConfig{TokenEnv: "INFLUXDB_TOKEN"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
