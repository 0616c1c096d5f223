// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/diagnosis"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// =============================================================================
// Status
// =============================================================================

// Services returns a snapshot of every service in dependency order.
func (e *Engine) Services() []model.ServiceSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.ServiceSnapshot, 0, len(e.order))
	for _, id := range e.order {
		svc := e.services[id]
		st, _ := e.tracker.State(id)
		snap := model.ServiceSnapshot{
			Service: model.Service{
				ID:                   id,
				Kind:                 svc.Kind,
				Status:               st.Status,
				ConsecutiveFailures:  st.Counters.Failures,
				ConsecutiveSuccesses: st.Counters.Successes,
				DependsOn:            append([]string(nil), svc.DependsOn...),
			},
			InFlight:    e.inFlight[id] > 0,
			Suppressed:  e.governor.Suppressed(id),
			Restarts:    e.governor.RestartsInWindow(id),
			LastChecked: st.LastChecked,
		}
		if mark, ok := e.lastAction[id]; ok {
			snap.LastAction = mark.kind
			snap.LastActionAt = mark.at
		}
		if ladder, ok := e.planner.Ladder(id); ok {
			snap.Tier = ladder.Tier
		}
		out = append(out, snap)
	}
	return out
}

// Host returns the host aggregate.
func (e *Engine) Host() model.HostSnapshot {
	e.mu.Lock()
	metrics, eval := e.host, e.hostEval
	e.mu.Unlock()

	state, reboots := e.governor.Snapshot()
	return model.HostSnapshot{
		Status:          e.tracker.Status(model.HostTarget),
		Metrics:         metrics,
		GPUPressure:     eval.GPU.String(),
		RebootsInWindow: reboots,
		LastReboot:      state.LastReboot,
		CooldownUntil:   state.CooldownUntil,
		Suppression:     state.Suppression,
		FailClosed:      state.FailClosed,
		FailReason:      state.FailReason,
	}
}

// =============================================================================
// Manual Intervention
// =============================================================================

// ClearService lifts a suspension: the governor forgets the service's
// restart history and diagnosis restarts from UNKNOWN.
//
// # Outputs
//
//   - bool: True if the service was suspended.
//   - error: model.ErrUnknownService, or a governor persistence failure.
func (e *Engine) ClearService(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.services[id]; !ok {
		return false, fmt.Errorf("%w: %q", model.ErrUnknownService, id)
	}
	was, err := e.governor.Clear(ctx, id)
	if err != nil {
		return was, err
	}
	if tr, ok := e.tracker.Clear(id, e.now()); ok {
		e.onTransition(ctx, tr)
		was = true
	}
	e.planner.Reset(id)
	delete(e.lastRefusal, id)
	e.publishGovernorLocked()
	e.logger.Info("service cleared", "service", id, "was_suspended", was)
	return was, nil
}

// =============================================================================
// Live Configuration
// =============================================================================

// ApplyConfig applies the live-reloadable parts of cfg: safety limits,
// diagnosis thresholds, remediation timing and executor settings. The
// service set and probe layout take effect only on restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !sameServices(e.cfg.Services, cfg.Services) {
		e.logger.Warn("service list changed; restart sentinel to apply it")
	}

	e.governor.UpdateLimits(cfg.Safety)
	e.tracker.SetThresholds(diagnosis.ThresholdsFrom(cfg.Diagnosis))
	e.planner.UpdateConfig(cfg.Remediation)
	if ec, ok := e.exec.(executorConfigurer); ok {
		ec.UpdateConfig(cfg.Executor, cfg.Safety.ImagePruneMinAge)
	}

	next := *cfg
	next.Services = e.cfg.Services
	e.cfg = &next
	e.logger.Info("live configuration applied",
		"max_restarts", cfg.Safety.MaxRestarts, "failing_after", cfg.Diagnosis.FailingAfter)
}

func sameServices(a, b []config.ServiceConfig) bool {
	return slices.EqualFunc(a, b, func(x, y config.ServiceConfig) bool {
		return x.ID == y.ID && x.Kind == y.Kind && slices.Equal(x.DependsOn, y.DependsOn)
	})
}
