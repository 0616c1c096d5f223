// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianSentinel/pkg/process"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// HTTPClient is the subset of *http.Client the HTTP probe needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ContainerInspector reports whether a container is running.
type ContainerInspector interface {
	Running(ctx context.Context, name string) (bool, error)
}

// Checker executes one probe of one service.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state.
type Checker struct {
	http       HTTPClient
	containers ContainerInspector
	proc       process.Runner
}

// NewChecker creates a Checker. A nil client uses a client without
// redirects so a login redirect does not look healthy.
func NewChecker(client HTTPClient, containers ContainerInspector, proc process.Runner) *Checker {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &Checker{http: client, containers: containers, proc: proc}
}

// Check probes svc once.
//
// # Description
//
// The probe runs under ctx, which the caller bounds with the probe
// timeout. Probe failures are data: they come back as a snapshot with
// ProbeOK=false and a message, never as a Go error. Live is set when the
// target answered at all (an HTTP response of any status, an open port, an
// existing container or process).
//
// # Outputs
//
//   - model.MetricSnapshot: Live, ProbeOK and ProbeLatency filled in.
//   - string: Failure description, empty on success.
func (c *Checker) Check(ctx context.Context, svc config.ServiceConfig) (model.MetricSnapshot, string) {
	start := time.Now()
	var snap model.MetricSnapshot
	var msg string

	switch svc.Probe.Type {
	case "http":
		snap, msg = c.checkHTTP(ctx, svc.Probe)
	case "tcp":
		snap, msg = c.checkTCP(ctx, svc.Probe)
	case "container":
		snap, msg = c.checkContainer(ctx, svc.ContainerName())
	case "process":
		snap, msg = c.checkProcess(ctx, svc.Probe.Process)
	default:
		msg = fmt.Sprintf("unknown probe type %q", svc.Probe.Type)
	}
	snap.ProbeLatency = time.Since(start)

	if ctx.Err() != nil && !snap.ProbeOK {
		msg = fmt.Sprintf("probe timed out: %s", msg)
	}
	return snap, msg
}

func (c *Checker) checkHTTP(ctx context.Context, probe config.ProbeConfig) (model.MetricSnapshot, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Sprintf("failed to create request: %v", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	expected := probe.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return model.MetricSnapshot{Live: true}, fmt.Sprintf("HTTP %d (expected %d)", resp.StatusCode, expected)
	}
	return model.MetricSnapshot{Live: true, ProbeOK: true}, ""
}

func (c *Checker) checkTCP(ctx context.Context, probe config.ProbeConfig) (model.MetricSnapshot, string) {
	host := strings.TrimPrefix(probe.Address, "tcp://")
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Sprintf("TCP connection failed: %v", err)
	}
	_ = conn.Close()
	return model.MetricSnapshot{Live: true, ProbeOK: true}, ""
}

func (c *Checker) checkContainer(ctx context.Context, name string) (model.MetricSnapshot, string) {
	if c.containers == nil {
		return model.MetricSnapshot{}, "no container supervisor configured"
	}
	running, err := c.containers.Running(ctx, name)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Sprintf("failed to check container: %v", err)
	}
	if !running {
		return model.MetricSnapshot{}, "container not running"
	}
	return model.MetricSnapshot{Live: true, ProbeOK: true}, ""
}

func (c *Checker) checkProcess(ctx context.Context, pattern string) (model.MetricSnapshot, string) {
	if c.proc == nil {
		return model.MetricSnapshot{}, "no process runner configured"
	}
	running, _, err := c.proc.IsRunning(ctx, pattern)
	if err != nil {
		return model.MetricSnapshot{}, fmt.Sprintf("failed to check process: %v", err)
	}
	if !running {
		return model.MetricSnapshot{}, "process not found"
	}
	return model.MetricSnapshot{Live: true, ProbeOK: true}, ""
}
