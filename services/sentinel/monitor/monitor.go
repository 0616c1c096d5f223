// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor runs periodic health probes against every configured
// service and the host, emitting one model.HealthObservation per probe.
//
// # Description
//
// Each service gets its own loop on its resolved probe interval, plus one
// loop for host metrics. Probes are independent: a hung or panicking probe
// affects only its own observation, which is reported as failed. The
// monitor never decides health; it only reports what it saw.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSentinel/pkg/goroutine"
	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// DefaultBuffer is the observation channel capacity.
const DefaultBuffer = 64

// ErrAlreadyRunning is returned by Run when called twice.
var ErrAlreadyRunning = errors.New("monitor already running")

// ServiceChecker probes one service.
type ServiceChecker interface {
	Check(ctx context.Context, svc config.ServiceConfig) (model.MetricSnapshot, string)
}

// HostProbe samples host metrics.
type HostProbe interface {
	Sample(ctx context.Context) (model.MetricSnapshot, string)
}

// Options configures a Monitor.
type Options struct {
	Config  *config.Config
	Checker ServiceChecker
	// Host may be nil to skip host sampling.
	Host   HostProbe
	Logger *logging.Logger
	Now    func() time.Time
	Buffer int
}

// Monitor schedules probes and publishes observations.
//
// # Thread Safety
//
// ProbeOnce and SampleHost are safe for concurrent use. Run must be called
// once.
type Monitor struct {
	cfg     *config.Config
	checker ServiceChecker
	host    HostProbe
	logger  *logging.Logger
	now     func() time.Time

	out     chan model.HealthObservation
	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Config == nil {
		return nil, errors.New("monitor: config is required")
	}
	if opts.Checker == nil {
		return nil, errors.New("monitor: checker is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Monitor{
		cfg:     opts.Config,
		checker: opts.Checker,
		host:    opts.Host,
		logger:  opts.Logger.Component("monitor"),
		now:     opts.Now,
		out:     make(chan model.HealthObservation, opts.Buffer),
	}, nil
}

// Observations returns the stream of probe results. It is closed after Run
// returns.
func (m *Monitor) Observations() <-chan model.HealthObservation {
	return m.out
}

// Run starts one loop per service plus the host loop and blocks until ctx
// is cancelled and every loop has exited.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	for _, svc := range m.cfg.Services {
		m.startLoop(ctx, svc.ID, m.cfg.ProbeInterval(svc), func(ctx context.Context) model.HealthObservation {
			return m.ProbeOnce(ctx, svc)
		})
	}
	if m.host != nil {
		m.startLoop(ctx, model.HostTarget, m.cfg.Monitor.HostInterval, m.SampleHost)
	}
	m.logger.Info("monitor started", "services", len(m.cfg.Services), "host", m.host != nil)

	<-ctx.Done()
	m.wg.Wait()
	close(m.out)
	m.logger.Info("monitor stopped")
	return nil
}

func (m *Monitor) startLoop(ctx context.Context, target string, interval time.Duration, probe func(context.Context) model.HealthObservation) {
	m.wg.Add(1)
	goroutine.SafeGo(func() {
		defer m.wg.Done()
		m.loop(ctx, target, interval, probe)
	}, func(r goroutine.PanicResult) {
		m.logger.Error("probe loop panicked", "target", target, "panic", fmt.Sprint(r.Value))
	})
}

func (m *Monitor) loop(ctx context.Context, target string, interval time.Duration, probe func(context.Context) model.HealthObservation) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		obs := probe(ctx)
		select {
		case m.out <- obs:
		case <-ctx.Done():
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// ProbeOnce runs a single probe of svc under its timeout.
//
// # Description
//
// A probe that panics is caught and reported as a failed observation. The
// returned observation always carries a fresh ID and the probe start time.
func (m *Monitor) ProbeOnce(ctx context.Context, svc config.ServiceConfig) model.HealthObservation {
	obs := model.HealthObservation{ID: uuid.NewString(), Target: svc.ID, Timestamp: m.now()}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout(svc))
	defer cancel()

	ok := goroutine.Run(func() {
		obs.Metrics, obs.Error = m.checker.Check(pctx, svc)
	}, func(r goroutine.PanicResult) {
		obs.Metrics = model.MetricSnapshot{}
		obs.Error = fmt.Sprintf("probe panicked: %v", r.Value)
	})
	if !ok {
		m.logger.Error("probe panicked", "service", svc.ID, "error", obs.Error)
	} else if !obs.Passed() {
		m.logger.Debug("probe failed", "service", svc.ID, "error", obs.Error)
	}
	return obs
}

// SampleHost samples host metrics once under the default probe timeout.
func (m *Monitor) SampleHost(ctx context.Context) model.HealthObservation {
	obs := model.HealthObservation{ID: uuid.NewString(), Target: model.HostTarget, Timestamp: m.now()}
	if m.host == nil {
		obs.Error = "host sampling disabled"
		return obs
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Monitor.ProbeTimeout)
	defer cancel()

	goroutine.Run(func() {
		obs.Metrics, obs.Error = m.host.Sample(pctx)
	}, func(r goroutine.PanicResult) {
		obs.Metrics = model.MetricSnapshot{}
		obs.Error = fmt.Sprintf("host sampling panicked: %v", r.Value)
	})
	if obs.Error != "" {
		m.logger.Warn("host sampling incomplete", "error", obs.Error)
	}
	return obs
}
