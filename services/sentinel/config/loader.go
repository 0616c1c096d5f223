// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/pkg/validation"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDependencyCycle is returned when service dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// configValidate is shared; validator.Validate caches struct metadata.
var configValidate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, parses and validates the configuration file at path.
//
// # Description
//
// The file is decoded on top of DefaultConfig, so omitted fields keep their
// defaults. Unknown keys are rejected to catch typos in limit names.
//
// # Inputs
//
//   - path: Config file path. Supports ~ expansion.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Read, parse or validation failure. Validation failures wrap
//     ErrInvalidConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(logging.ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Validate checks struct tags and cross-field rules.
//
// # Description
//
// Beyond per-field tags this enforces:
//   - degraded_after < failing_after
//   - gpu warning < critical <= max
//   - unique, well-formed service ids
//   - dependencies name existing services and form no cycle
//
// # Outputs
//
//   - error: Wraps ErrInvalidConfig, nil if valid.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describeValidation(err))
	}

	d := c.Diagnosis
	if d.DegradedAfter >= d.FailingAfter {
		return fmt.Errorf("%w: diagnosis.degraded_after (%d) must be less than failing_after (%d)",
			ErrInvalidConfig, d.DegradedAfter, d.FailingAfter)
	}
	if !(d.GPU.WarningGB < d.GPU.CriticalGB && d.GPU.CriticalGB <= d.GPU.MaxGB) {
		return fmt.Errorf("%w: gpu thresholds must satisfy warning < critical <= max (got %.1f/%.1f/%.1f)",
			ErrInvalidConfig, d.GPU.WarningGB, d.GPU.CriticalGB, d.GPU.MaxGB)
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if err := validation.ValidateServiceName(svc.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := validation.ValidateContainerName(svc.ContainerName()); err != nil {
			return fmt.Errorf("%w: service %s: %v", ErrInvalidConfig, svc.ID, err)
		}
		if seen[svc.ID] {
			return fmt.Errorf("%w: duplicate service id %q", ErrInvalidConfig, svc.ID)
		}
		seen[svc.ID] = true
	}
	for _, svc := range c.Services {
		if err := validation.ValidateServiceNames(svc.DependsOn); err != nil {
			return fmt.Errorf("%w: service %s: %v", ErrInvalidConfig, svc.ID, err)
		}
		for _, dep := range svc.DependsOn {
			if dep == svc.ID {
				return fmt.Errorf("%w: service %s depends on itself", ErrInvalidConfig, svc.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("%w: service %s depends on unknown service %q", ErrInvalidConfig, svc.ID, dep)
			}
		}
	}
	if _, err := c.DependencyOrder(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DependencyOrder returns all service ids with every service after the
// services it depends on. Ties are broken alphabetically so the order is
// stable across runs.
func (c *Config) DependencyOrder() ([]string, error) {
	topo, err := c.Topology()
	if err != nil {
		return nil, err
	}
	return topo.Order(), nil
}

// Service returns the configuration of service id.
func (c *Config) Service(id string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// ProbeInterval resolves the effective probe interval for svc.
func (c *Config) ProbeInterval(svc ServiceConfig) time.Duration {
	if svc.Interval > 0 {
		return svc.Interval
	}
	return c.Monitor.Intervals.For(svc.Kind)
}

// ProbeTimeout resolves the effective probe timeout for svc.
func (c *Config) ProbeTimeout(svc ServiceConfig) time.Duration {
	if svc.Probe.Timeout > 0 {
		return svc.Probe.Timeout
	}
	return c.Monitor.ProbeTimeout
}

// describeValidation turns validator errors into yaml-path messages.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
