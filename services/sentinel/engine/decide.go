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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSentinel/pkg/goroutine"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/diagnosis"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/executor"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/notify"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/remediation"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/safety"
)

const notifyTimeout = 30 * time.Second

// pending is a granted action on its way through the executor.
type pending struct {
	req     safety.Request
	service string // ladder owner, empty for incident and maintenance actions
	tier    int
	reason  string
	marked  []string
}

// =============================================================================
// Diagnosis
// =============================================================================

func (e *Engine) onTransition(ctx context.Context, tr diagnosis.Transition) {
	e.appendLocked(ctx, model.NewTransition(model.TransitionEvent{
		ID:        uuid.NewString(),
		Target:    tr.Target,
		From:      tr.From,
		To:        tr.To,
		Timestamp: tr.Timestamp,
		Reason:    tr.Reason,
		Severity:  model.TransitionSeverity(tr.To),
	}))
	e.metrics.RecordTransition(tr.Target, tr.To)
	e.logger.Info("status transition",
		"target", tr.Target, "from", tr.From.String(), "to", tr.To.String(), "reason", tr.Reason)

	if tr.To == model.StatusHealthy {
		e.planner.Reset(tr.Target)
		delete(e.lastRefusal, tr.Target)
	}
	if inc := e.governor.ObserveTransition(ctx, tr.Target, tr.To, tr.Timestamp); inc != nil {
		e.handleIncidentLocked(ctx, inc)
	}
}

func (e *Engine) detectSharedCause(ctx context.Context) {
	views := make([]diagnosis.ServiceView, 0, len(e.order))
	for _, id := range e.order {
		views = append(views, diagnosis.ServiceView{ID: id, Kind: e.services[id].Kind, Status: e.tracker.Status(id)})
	}
	cause, ok := diagnosis.DetectSharedCause(e.hostEval, views, e.cfg.Diagnosis.SharedCauseMinServices)
	if !ok {
		return
	}
	reason := fmt.Sprintf("shared cause: %s pressure %s affecting %s",
		cause.Resource, cause.Pressure, strings.Join(cause.Services, ", "))
	if inc := e.governor.OpenIncident(ctx, cause.Services, reason, e.now()); inc != nil {
		e.handleIncidentLocked(ctx, inc)
	}
}

// handleIncidentLocked takes the single action an incident allows: one GPU
// cache release when GPU memory is exhausted, otherwise a soft restart of
// the nearest shared upstream. Without either, operators are notified and
// suppression alone applies.
func (e *Engine) handleIncidentLocked(ctx context.Context, inc *safety.Incident) {
	e.notifyAsync(notify.Notification{
		Severity:  model.SeverityCritical,
		Title:     "cascading failure detected",
		Target:    strings.Join(inc.Targets, ","),
		Message:   inc.Reason,
		Timestamp: e.now(),
		Fields:    map[string]string{"incident": inc.ID, "upstream": inc.Upstream, "until": inc.Until.Format(time.RFC3339)},
	})
	// Each incident records its own suppression refusals.
	for _, t := range inc.Targets {
		delete(e.lastRefusal, t)
	}
	e.driveIncidentLocked(ctx, inc)
}

func (e *Engine) driveIncidentLocked(ctx context.Context, inc *safety.Incident) {
	var req safety.Request
	var reason string
	switch {
	case e.hostEval.Exhausted():
		req = safety.Request{Action: model.ActionReleaseGPUCache, Target: model.HostTarget, Incident: inc.ID}
		reason = "incident: " + inc.Reason
	case inc.Upstream != "":
		req = safety.Request{
			Action:   model.ActionSoftRestart,
			Target:   inc.Upstream,
			Members:  []string{inc.Upstream},
			Incident: inc.ID,
		}
		reason = fmt.Sprintf("incident: restarting shared upstream %s (%s)", inc.Upstream, inc.Reason)
	default:
		e.logger.Warn("incident has no single remediation, suppressing only", "incident", inc.ID)
		return
	}
	if e.inFlightAny(req.Members) {
		e.deferred = inc
		e.logger.Info("incident action deferred, upstream action in flight",
			"incident", inc.ID, "upstream", inc.Upstream)
		return
	}
	e.submitLocked(ctx, pending{req: req, reason: reason, marked: req.Members}, inc.ID)
}

// resumeDeferredLocked runs after an action completes. An in-flight restart
// of the upstream that succeeded stands in for the incident's own action;
// otherwise the incident restarts the upstream itself while still active.
func (e *Engine) resumeDeferredLocked(ctx context.Context, done pending, outcome model.Outcome) {
	inc := e.deferred
	if inc == nil || e.inFlightAny([]string{inc.Upstream}) {
		return
	}
	e.deferred = nil
	if active := e.governor.ActiveIncident(); active == nil || active.ID != inc.ID {
		return
	}
	if outcome == model.OutcomeSuccess && done.req.Action.IsRestart() && slices.Contains(done.marked, inc.Upstream) {
		e.logger.Info("incident upstream restarted by the in-flight action",
			"incident", inc.ID, "upstream", inc.Upstream, "action", string(done.req.Action))
		return
	}
	e.driveIncidentLocked(ctx, inc)
}

// =============================================================================
// Planning
// =============================================================================

func (e *Engine) planLocked(ctx context.Context, id string) {
	svc, ok := e.services[id]
	if !ok {
		return
	}
	status := e.tracker.Status(id)

	chain := e.topology.Chain(id)
	plan, ok := e.planner.Plan(remediation.Input{
		Service:  id,
		Kind:     svc.Kind,
		Status:   status,
		Host:     e.hostEval,
		InFlight: e.inFlightAny(chain),
		Now:      e.now(),
	})
	if !ok {
		return
	}

	req := safety.Request{Action: plan.Action, Target: plan.Target, Members: plan.Members}
	marked := append([]string{id}, plan.Members...)
	e.submitLocked(ctx, pending{req: req, service: id, tier: plan.Tier, reason: plan.Reason, marked: marked}, id)
}

// RequestHostAction submits a host-level action outside any ladder, e.g.
// scheduled maintenance. It reports whether the action was granted.
func (e *Engine) RequestHostAction(ctx context.Context, kind model.ActionKind, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	granted := e.submitLocked(ctx, pending{
		req:    safety.Request{Action: kind, Target: model.HostTarget},
		reason: reason,
	}, "host-action:"+string(kind))
	e.publishGovernorLocked()
	return granted
}

// submitLocked asks the governor and either dispatches the action or
// records the refusal. Refusals are recorded once per reason per key so a
// persistent refusal does not flood the log.
func (e *Engine) submitLocked(ctx context.Context, p pending, refusalKey string) bool {
	v := e.governor.Authorize(ctx, p.req)
	if !v.Granted {
		e.refusedLocked(ctx, p, v, refusalKey)
		return false
	}
	delete(e.lastRefusal, refusalKey)

	for _, m := range p.marked {
		e.inFlight[m]++
	}
	e.logger.Info("action granted",
		"action", string(p.req.Action), "target", p.req.Target, "tier", p.tier, "members", p.req.Members, "reason", p.reason)
	if p.req.Action == model.ActionHostReboot {
		e.notifyAsync(notify.Notification{
			Severity:  model.SeverityCritical,
			Title:     "host reboot granted",
			Target:    p.service,
			Message:   p.reason,
			Timestamp: e.now(),
		})
	}
	e.dispatch(ctx, p)
	return true
}

func (e *Engine) refusedLocked(ctx context.Context, p pending, v safety.Verdict, key string) {
	now := e.now()
	e.metrics.RecordRefusal(p.req.Action, v.Reason)

	for _, id := range v.Suspended {
		if tr, ok := e.tracker.Suspend(id, now, "restart limit reached"); ok {
			e.onTransition(ctx, tr)
			e.notifyAsync(notify.Notification{
				Severity:  model.SeverityCritical,
				Title:     "service suspended",
				Target:    id,
				Message:   fmt.Sprintf("%s exceeded its automatic restart limit; manual clear required", id),
				Timestamp: now,
			})
		}
	}

	// A refused cache release advances the ladder to the chain restart.
	// Suppression holds the ladder where it is.
	if p.service != "" && p.req.Action == model.ActionReleaseGPUCache && v.Reason != safety.ReasonSuppressed {
		e.planner.Skip(p.service, p.tier, now)
	}

	if e.lastRefusal[key] == v.Reason {
		return
	}
	e.lastRefusal[key] = v.Reason

	severity := model.SeverityWarning
	if v.Escalate || p.req.Action.Destructive() {
		severity = model.SeverityCritical
	}
	reason := "skipped: " + v.Reason
	e.appendLocked(ctx, model.NewRemediation(model.RemediationEvent{
		ID:        uuid.NewString(),
		Target:    p.req.Target,
		Action:    p.req.Action,
		Tier:      p.tier,
		Timestamp: now,
		Outcome:   model.OutcomeSkipped,
		Reason:    reason,
		Severity:  severity,
		Targets:   eventTargets(p),
	}))
	e.logger.Warn("action refused", "action", string(p.req.Action), "target", p.req.Target, "reason", reason)

	if v.Escalate {
		e.notifyAsync(notify.Notification{
			Severity:  model.SeverityCritical,
			Title:     "remediation refused",
			Target:    p.req.Target,
			Message:   fmt.Sprintf("%s refused: %s", p.req.Action, v.Reason),
			Timestamp: now,
		})
	}
}

// =============================================================================
// Execution
// =============================================================================

func (e *Engine) dispatch(ctx context.Context, p pending) {
	action := executor.Action{Kind: p.req.Action, Target: p.req.Target, Members: p.req.Members}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var res executor.Result
		goroutine.Run(func() {
			res = e.exec.Execute(ctx, action)
		}, func(r goroutine.PanicResult) {
			e.logger.Error("action panicked", "action", string(action.Kind), "target", action.Target, "panic", fmt.Sprint(r.Value))
			res = executor.Result{
				Action:  action,
				Outcome: model.OutcomeFailure,
				Err:     fmt.Errorf("action panicked: %v", r.Value),
			}
		})
		e.complete(ctx, p, res)
	}()
}

// complete releases the in-flight marks, advances the ladder and records
// the outcome. A deduplicated result joined another execution that
// records its own event.
func (e *Engine) complete(ctx context.Context, p pending, res executor.Result) {
	ctx = context.WithoutCancel(ctx)
	e.governor.Complete(p.req)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, m := range p.marked {
		if e.inFlight[m]--; e.inFlight[m] <= 0 {
			delete(e.inFlight, m)
		}
	}
	if p.service != "" {
		e.planner.Record(p.service, p.tier, now)
	}
	for _, m := range eventTargets(p) {
		if _, ok := e.services[m]; ok {
			e.lastAction[m] = actionMark{kind: p.req.Action, at: now}
		}
	}
	defer e.resumeDeferredLocked(ctx, p, res.Outcome)
	if res.Deduplicated {
		return
	}

	reason := p.reason
	if res.Detail != "" {
		reason = fmt.Sprintf("%s: %s", reason, res.Detail)
	}
	severity := model.SeverityWarning
	if res.Outcome == model.OutcomeFailure || p.req.Action == model.ActionHostReboot {
		severity = model.SeverityCritical
	}
	if res.Err != nil {
		reason = fmt.Sprintf("%s: %v", reason, res.Err)
	}
	e.appendLocked(ctx, model.NewRemediation(model.RemediationEvent{
		ID:        uuid.NewString(),
		Target:    p.req.Target,
		Action:    p.req.Action,
		Tier:      p.tier,
		Timestamp: now,
		Outcome:   res.Outcome,
		Reason:    reason,
		Severity:  severity,
		Targets:   eventTargets(p),
		Attempts:  res.Attempts,
		Duration:  res.Duration,
	}))
	e.metrics.RecordAction(p.req.Action, res.Outcome)

	if res.Outcome == model.OutcomeFailure {
		e.notifyAsync(notify.Notification{
			Severity:  model.SeverityCritical,
			Title:     "remediation failed",
			Target:    p.req.Target,
			Message:   fmt.Sprintf("%s failed after %d attempts: %v", p.req.Action, res.Attempts, res.Err),
			Timestamp: now,
		})
	}
	e.publishGovernorLocked()
}

func eventTargets(p pending) []string {
	if len(p.req.Members) > 0 {
		return append([]string(nil), p.req.Members...)
	}
	if p.service != "" {
		return []string{p.service}
	}
	return nil
}

func (e *Engine) inFlightAny(ids []string) bool {
	for _, id := range ids {
		if e.inFlight[id] > 0 {
			return true
		}
	}
	return false
}

// =============================================================================
// Output
// =============================================================================

func (e *Engine) appendLocked(ctx context.Context, ev model.Event) {
	if err := e.store.Append(ctx, ev); err != nil {
		e.logger.Error("failed to append event", "event", ev.ID(), "kind", string(ev.Kind), "error", err)
	}
}

func (e *Engine) notifyAsync(n notify.Notification) {
	if e.notifier == nil {
		return
	}
	e.wg.Add(1)
	goroutine.SafeGo(func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("notification not delivered", "title", n.Title, "error", err)
		}
	}, nil)
}
