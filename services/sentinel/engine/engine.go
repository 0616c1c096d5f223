// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the Sentinel control loop.
//
// # Description
//
// The engine consumes HealthObservations and drives every other module:
// diagnosis turns observations into status transitions, the planner
// proposes the next ladder tier, the governor authorizes it, and the
// executor carries it out. Every transition and every remediation
// decision, including refusals, is appended to the event log.
//
// # Concurrency
//
// Decisions are serialized through one mutex: two observations can never
// race to grant the same cache release or reboot. Granted actions run in
// their own goroutines so a slow restart of one service does not delay
// diagnosis of another. While an action runs, every service it touches is
// marked in flight and nothing further is planned for them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/diagnosis"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/executor"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/notify"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/observability"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/remediation"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/safety"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/telemetry"
)

// =============================================================================
// Collaborators
// =============================================================================

// Executor runs granted actions.
type Executor interface {
	Execute(ctx context.Context, a executor.Action) executor.Result
}

// EventStore is the durable log the engine writes to.
type EventStore interface {
	Append(ctx context.Context, ev model.Event) error
	RecordObservation(ctx context.Context, obs model.HealthObservation) error
}

// ObservationExporter ships observations to an external time-series store.
type ObservationExporter interface {
	Export(obs model.HealthObservation)
}

// executorConfigurer is implemented by executors that accept live config.
type executorConfigurer interface {
	UpdateConfig(cfg config.ExecutorConfig, imagePruneMinAge time.Duration)
}

// Options configures an Engine.
type Options struct {
	Config   *config.Config
	Governor *safety.Governor
	Executor Executor
	Store    EventStore

	// Optional collaborators.
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Exporter ObservationExporter
	Logger   *logging.Logger

	// Now overrides the clock. It must be the governor's clock too.
	Now func() time.Time
}

// Engine wires diagnosis, planning, authorization and execution.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	cfg      *config.Config
	topology *config.Topology
	order    []string
	services map[string]config.ServiceConfig

	tracker  *diagnosis.Tracker
	planner  *remediation.Planner
	governor *safety.Governor
	exec     Executor
	store    EventStore
	notifier notify.Notifier
	metrics  *observability.Metrics
	exporter ObservationExporter
	logger   *logging.Logger
	now      func() time.Time

	host     model.MetricSnapshot
	hostEval diagnosis.HostAssessment

	inFlight    map[string]int
	lastAction  map[string]actionMark
	lastRefusal map[string]string

	// deferred is an incident whose upstream restart waits for an action
	// already in flight on that upstream.
	deferred *safety.Incident

	wg            sync.WaitGroup
	lastProcessed atomic.Int64
}

type actionMark struct {
	kind model.ActionKind
	at   time.Time
}

// New creates an Engine. Every configured service starts UNKNOWN.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Governor == nil || opts.Executor == nil || opts.Store == nil {
		return nil, errors.New("engine requires config, governor, executor and store")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	topo, err := opts.Config.Topology()
	if err != nil {
		return nil, fmt.Errorf("build topology: %w", err)
	}
	services := make(map[string]config.ServiceConfig, len(opts.Config.Services))
	targets := make([]string, 0, len(opts.Config.Services)+1)
	for _, svc := range opts.Config.Services {
		services[svc.ID] = svc
		targets = append(targets, svc.ID)
	}
	targets = append(targets, model.HostTarget)

	e := &Engine{
		cfg:         opts.Config,
		topology:    topo,
		order:       topo.Order(),
		services:    services,
		tracker:     diagnosis.NewTracker(diagnosis.ThresholdsFrom(opts.Config.Diagnosis), targets),
		planner:     remediation.NewPlanner(opts.Config.Remediation, topo),
		governor:    opts.Governor,
		exec:        opts.Executor,
		store:       opts.Store,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		exporter:    opts.Exporter,
		logger:      opts.Logger.Component("engine"),
		now:         opts.Now,
		inFlight:    make(map[string]int),
		lastAction:  make(map[string]actionMark),
		lastRefusal: make(map[string]string),
	}
	e.lastProcessed.Store(e.now().UnixNano())
	for _, id := range e.governor.SuspendedServices() {
		if _, ok := services[id]; ok {
			e.tracker.Suspend(id, e.now(), "suspended before restart")
		}
	}
	return e, nil
}

// =============================================================================
// Control Loop
// =============================================================================

// Run consumes observations until ctx is cancelled or the channel closes,
// running governor reconciliation and bounded maintenance on their own
// tickers. It waits for in-flight actions before returning.
func (e *Engine) Run(ctx context.Context, observations <-chan model.HealthObservation) error {
	e.mu.Lock()
	engineCfg := e.cfg.Engine
	e.mu.Unlock()

	reconcile := time.NewTicker(engineCfg.ReconcileInterval)
	defer reconcile.Stop()
	var maintenance <-chan time.Time
	if engineCfg.MaintenanceInterval > 0 {
		t := time.NewTicker(engineCfg.MaintenanceInterval)
		defer t.Stop()
		maintenance = t.C
	}

	e.logger.Info("engine started", "services", len(e.order))
	defer e.logger.Info("engine stopped")
	for {
		select {
		case obs, ok := <-observations:
			if !ok {
				e.Wait()
				return nil
			}
			e.HandleObservation(ctx, obs)
		case <-reconcile.C:
			e.Reconcile(ctx)
		case <-maintenance:
			e.RunMaintenance(ctx)
		case <-ctx.Done():
			e.Wait()
			return nil
		}
	}
}

// Wait blocks until every dispatched action and notification finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// LastProcessed is when the engine last finished an observation, or its
// start time.
func (e *Engine) LastProcessed() time.Time {
	return time.Unix(0, e.lastProcessed.Load())
}

// HandleObservation runs one observation through the decision path.
//
// # Description
//
// The observation is recorded and exported, then diagnosed. A status
// change is logged as a TransitionEvent and fed to cascade detection. A
// host observation refreshes the resource assessment used for shared-cause
// detection and tier-2 correlation. Finally, a FAILING service that is not
// suppressed, suspended or in flight gets its next ladder tier planned and
// submitted to the governor.
func (e *Engine) HandleObservation(ctx context.Context, obs model.HealthObservation) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEngine, "Engine.HandleObservation",
		trace.WithAttributes(attribute.String("target", obs.Target)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.lastProcessed.Store(e.now().UnixNano()) }()

	if err := e.store.RecordObservation(ctx, obs); err != nil {
		e.logger.Warn("failed to record observation", "target", obs.Target, "error", err)
	}
	if e.exporter != nil {
		e.exporter.Export(obs)
	}
	e.metrics.RecordObservation(obs)

	passed := obs.Passed()
	errText := obs.Error
	if obs.IsHost() {
		e.host = obs.Metrics
		e.hostEval = diagnosis.AssessHost(obs.Metrics, e.cfg.Diagnosis)
		passed = e.hostEval.Healthy()
		if errText == "" {
			errText = e.hostEval.Problems()
		}
	}

	tr, changed, err := e.tracker.Observe(obs.Target, passed, obs.Timestamp, errText)
	if err != nil {
		e.logger.Warn("observation for unknown target ignored", "target", obs.Target)
		return
	}
	if changed {
		e.onTransition(ctx, tr)
	}

	e.detectSharedCause(ctx)

	if !obs.IsHost() {
		e.planLocked(ctx, obs.Target)
	}
	e.publishGovernorLocked()
}

// Reconcile re-verifies governor state and prunes expired history.
func (e *Engine) Reconcile(ctx context.Context) {
	if err := e.governor.Reconcile(ctx); err != nil {
		e.logger.Warn("governor remains fail-closed", "error", err)
	}
	if err := e.governor.Prune(ctx); err != nil {
		e.logger.Warn("failed to persist pruned governor state", "error", err)
	}
	e.mu.Lock()
	e.publishGovernorLocked()
	e.mu.Unlock()
}

// RunMaintenance requests the bounded cleanup actions.
func (e *Engine) RunMaintenance(ctx context.Context) {
	for _, kind := range []model.ActionKind{model.ActionPruneStoppedContainers, model.ActionPruneAgedImages} {
		e.RequestHostAction(ctx, kind, "scheduled maintenance")
	}
}

func (e *Engine) publishGovernorLocked() {
	if e.metrics == nil {
		return
	}
	host, reboots := e.governor.Snapshot()
	e.metrics.SetGovernor(reboots, len(e.governor.SuspendedServices()), host.Suppression != nil, host.FailClosed)
}
