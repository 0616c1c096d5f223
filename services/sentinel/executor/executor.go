// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor carries out granted remediation actions.
//
// # Description
//
// The Executor is the only component that touches the outside world on the
// remediation path. It is synchronous from the caller's view: Execute blocks
// until the action is confirmed, fails, or exceeds ActionTimeout.
//
// # Guarantees
//
//   - Idempotent: a second Execute for the same kind and target while one
//     is in flight joins it and is reported as Deduplicated.
//   - A failed attempt is retried once after RetryBackoff.
//   - A host reboot is never retried and never cancelled.
//   - Destructive kinds have no execution path.
//
// # Thread Safety
//
// Execute is safe for concurrent use.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/pkg/process"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/telemetry"
)

var (
	// ErrDestructive is returned for action kinds that are never executed.
	ErrDestructive = errors.New("destructive action has no execution path")

	// ErrUnknownAction is returned for kinds outside the closed set.
	ErrUnknownAction = errors.New("unknown action kind")

	// ErrNoMembers is returned for a chain restart without members.
	ErrNoMembers = errors.New("dependency chain restart without members")
)

// =============================================================================
// Collaborators
// =============================================================================

// Containers is the process-supervisor surface the executor needs.
type Containers interface {
	Restart(ctx context.Context, name string) error
	PruneStoppedContainers(ctx context.Context) error
	PruneImagesOlderThan(ctx context.Context, minAge time.Duration) error
}

// CacheReleaser frees GPU memory held by the inference runtime.
type CacheReleaser interface {
	ReleaseCache(ctx context.Context) ([]string, error)
}

// =============================================================================
// Types
// =============================================================================

// Action is one granted action.
type Action struct {
	Kind model.ActionKind

	// Target is the service id, or model.HostTarget.
	Target string

	// Members are restarted in order for a chain restart, upstreams first.
	Members []string
}

func (a Action) key() string {
	return string(a.Kind) + ":" + a.Target
}

// Result is the outcome of Execute.
type Result struct {
	Action   Action
	Outcome  model.Outcome
	Attempts int
	Duration time.Duration
	Err      error

	// Detail is a short human-readable summary, e.g. the unloaded models.
	Detail string

	// Deduplicated is set when this call joined an in-flight execution.
	Deduplicated bool
}

// Succeeded reports whether the action completed.
func (r Result) Succeeded() bool {
	return r.Outcome == model.OutcomeSuccess
}

// Options configures an Executor.
type Options struct {
	Config config.ExecutorConfig

	// Containers maps service id to container name. Missing ids use the id.
	Containers map[string]string

	// ImagePruneMinAge bounds prune-aged-images.
	ImagePruneMinAge time.Duration

	Podman Containers
	GPU    CacheReleaser

	// Runner executes the reboot command.
	Runner process.Runner

	Logger *logging.Logger

	// Meter records action durations. Default: otel.Meter.
	Meter metric.Meter
}

// Executor runs actions against the supervisor, GPU runtime and host.
type Executor struct {
	mu         sync.RWMutex
	cfg        config.ExecutorConfig
	containers map[string]string
	pruneAge   time.Duration

	podman Containers
	gpu    CacheReleaser
	runner process.Runner
	logger *logging.Logger

	group    singleflight.Group
	duration metric.Float64Histogram
}

// New creates an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Podman == nil || opts.Runner == nil {
		return nil, fmt.Errorf("executor requires a container supervisor and a process runner")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(telemetry.TracerExecutor)
	}
	duration, err := meter.Float64Histogram(
		"sentinel.action.duration",
		metric.WithDescription("Remediation action duration including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	containers := make(map[string]string, len(opts.Containers))
	for id, name := range opts.Containers {
		containers[id] = name
	}
	return &Executor{
		cfg:        opts.Config,
		containers: containers,
		pruneAge:   opts.ImagePruneMinAge,
		podman:     opts.Podman,
		gpu:        opts.GPU,
		runner:     opts.Runner,
		logger:     logger.Component("executor"),
		duration:   duration,
	}, nil
}

// UpdateConfig applies a reloaded configuration to subsequent actions.
func (e *Executor) UpdateConfig(cfg config.ExecutorConfig, imagePruneMinAge time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.pruneAge = imagePruneMinAge
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs one action.
//
// # Description
//
// Concurrent calls with the same kind and target share one execution.
// Only the caller that actually ran the action gets Deduplicated=false, so
// the engine records exactly one event per real execution.
//
// # Inputs
//
//   - ctx: Cancels waiting between attempts. A host reboot ignores it.
//   - a: The action. Must already be granted by the governor.
//
// # Outputs
//
//   - Result: Never has a nil Action; Err is set when Outcome is failure.
func (e *Executor) Execute(ctx context.Context, a Action) Result {
	leader := false
	v, _, _ := e.group.Do(a.key(), func() (any, error) {
		leader = true
		return e.execute(ctx, a), nil
	})
	res := v.(Result)
	if !leader {
		res.Deduplicated = true
	}
	return res
}

func (e *Executor) execute(ctx context.Context, a Action) Result {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerExecutor, "Executor.Execute",
		trace.WithAttributes(
			attribute.String("action", string(a.Kind)),
			attribute.String("target", a.Target),
		),
	)
	defer span.End()

	start := time.Now()
	res := Result{Action: a}

	maxAttempts := 2
	if a.Kind == model.ActionHostReboot {
		maxAttempts = 1
		ctx = context.WithoutCancel(ctx)
	}

	var detail string
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		detail, err = e.attempt(ctx, a, cfg)
		if err == nil || errors.Is(err, ErrDestructive) || errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrNoMembers) {
			break
		}
		if attempt < maxAttempts {
			e.logger.Warn("action failed, retrying",
				"action", string(a.Kind), "target", a.Target, "error", err, "backoff", cfg.RetryBackoff)
			if !sleepCtx(ctx, cfg.RetryBackoff) {
				err = fmt.Errorf("retry abandoned: %w", errors.Join(err, ctx.Err()))
				break
			}
		}
	}

	res.Duration = time.Since(start)
	res.Detail = detail
	if err != nil {
		res.Outcome = model.OutcomeFailure
		res.Err = err
		telemetry.RecordError(span, err)
		e.logger.Error("action failed",
			"action", string(a.Kind), "target", a.Target, "attempts", res.Attempts, "error", err)
	} else {
		res.Outcome = model.OutcomeSuccess
		e.logger.Info("action completed",
			"action", string(a.Kind), "target", a.Target, "attempts", res.Attempts, "duration", res.Duration)
	}

	e.duration.Record(context.WithoutCancel(ctx), res.Duration.Seconds(), metric.WithAttributes(
		attribute.String("action", string(a.Kind)),
		attribute.String("outcome", string(res.Outcome)),
	))
	return res
}

func (e *Executor) attempt(ctx context.Context, a Action, cfg config.ExecutorConfig) (string, error) {
	if a.Kind.Destructive() {
		return "", fmt.Errorf("%w: %s", ErrDestructive, a.Kind)
	}
	if a.Kind == model.ActionHostReboot {
		return e.reboot(ctx, cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
	defer cancel()

	switch a.Kind {
	case model.ActionSoftRestart:
		return "", e.podman.Restart(ctx, e.container(a.Target))

	case model.ActionRestartChain:
		if len(a.Members) == 0 {
			return "", ErrNoMembers
		}
		for _, member := range a.Members {
			if err := e.podman.Restart(ctx, e.container(member)); err != nil {
				return "", fmt.Errorf("chain restart stopped at %s: %w", member, err)
			}
		}
		return fmt.Sprintf("restarted %d services", len(a.Members)), nil

	case model.ActionReleaseGPUCache:
		if e.gpu == nil {
			return "", fmt.Errorf("no GPU runtime configured")
		}
		models, err := e.gpu.ReleaseCache(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("unloaded %d models", len(models)), nil

	case model.ActionPruneStoppedContainers:
		return "", e.podman.PruneStoppedContainers(ctx)

	case model.ActionPruneAgedImages:
		e.mu.RLock()
		age := e.pruneAge
		e.mu.RUnlock()
		return "", e.podman.PruneImagesOlderThan(ctx, age)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
}

// reboot runs the reboot command. ctx is already detached from
// cancellation.
func (e *Executor) reboot(ctx context.Context, cfg config.ExecutorConfig) (string, error) {
	if len(cfg.RebootCommand) == 0 {
		return "", fmt.Errorf("no reboot command configured")
	}
	e.logger.Warn("rebooting host", "command", cfg.RebootCommand)
	if _, err := e.runner.Run(ctx, cfg.RebootCommand[0], cfg.RebootCommand[1:]...); err != nil {
		return "", fmt.Errorf("reboot command: %w", err)
	}
	return "reboot issued", nil
}

func (e *Executor) container(id string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if name, ok := e.containers[id]; ok && name != "" {
		return name
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
