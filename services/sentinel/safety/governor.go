// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety implements the SafetyGovernor: the single owner of rate
// limits, cooldowns, suppression intervals and the destructive-action
// allowlist.
//
// # Description
//
// Every automatic action passes through Governor.Authorize before it runs.
// The governor's bookkeeping is one state object behind one mutex, so the
// check and the consumption of quota are a single atomic step: of two
// concurrent reboot requests exactly one is granted.
//
// # Invariants
//
//   - At most MaxRestarts automatic restarts per service per RestartWindow.
//     A request beyond that suspends the service.
//   - At most MaxReboots host reboots per RebootWindow, and none inside
//     RebootCooldown of the previous one.
//   - While a suppression interval is active, individual remediation of the
//     covered services is refused; exactly one incident action is granted.
//   - At most one GPU cache release in flight, CacheReleaseCooldown apart.
//   - Destructive actions are never granted.
//   - When bookkeeping fails verification the governor fails closed: no
//     host-level or destructive grant until Reconcile passes.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package safety

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// Refusal reasons. The engine records these verbatim, prefixed "skipped: ".
const (
	ReasonCooldownActive     = "cooldown active"
	ReasonRebootLimit        = "reboot limit reached"
	ReasonRestartLimit       = "restart limit reached"
	ReasonSuspended          = "service suspended"
	ReasonSuppressed         = "suppressed: cascading failure in progress"
	ReasonIncidentActionUsed = "incident action already taken"
	ReasonDestructive        = "destructive action not allowed on the automatic path"
	ReasonFailClosed         = "fail-closed: governor state unverified"
	ReasonCacheInFlight      = "cache release already in flight"
	ReasonCacheCooldown      = "cache release cooldown active"
	ReasonUnknownAction      = "unknown action"
	ReasonPersistFailed      = "governor state could not be persisted"
)

// Request asks the governor to allow one action.
type Request struct {
	Action model.ActionKind

	// Target is the service id, or model.HostTarget for host actions.
	Target string

	// Members are the services the action restarts. For a soft restart
	// this is the target; for a chain restart the whole chain.
	Members []string

	// Incident is the id of the incident this action resolves. Incident
	// actions bypass suppression but only one is granted per incident.
	Incident string
}

// Verdict is the governor's answer to a Request.
type Verdict struct {
	Granted bool
	Reason  string

	// Suspended lists services this request moved to SUSPENDED.
	Suspended []string

	// Escalate is set when an operator must be notified.
	Escalate bool
}

// Incident is an active cascading-failure suppression.
type Incident struct {
	ID       string
	Targets  []string
	Until    time.Time
	Reason   string
	Upstream string
}

// Options configures a Governor.
type Options struct {
	Limits   config.SafetyConfig
	Topology *config.Topology
	Store    StateStore
	Logger   *logging.Logger
	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Governor enforces the safety invariants.
type Governor struct {
	mu       sync.Mutex
	limits   config.SafetyConfig
	topology *config.Topology
	store    StateStore
	logger   *logging.Logger
	now      func() time.Time

	state PersistedState

	// marks holds recent transitions into DEGRADED or FAILING for cascade
	// detection.
	marks []transitionMark

	incident          *Incident
	incidentActionFor string
	cacheInFlight     bool
}

type transitionMark struct {
	target  string
	failing bool
	at      time.Time
}

// New creates a Governor and loads persisted state.
//
// # Description
//
// A load error or a loaded state that fails Verify latches fail-closed
// rather than failing construction: the engine still runs and still
// restarts services, but grants nothing host-level until Reconcile.
//
// # Outputs
//
//   - *Governor: Ready to use.
//   - error: Non-nil only for missing required options.
func New(ctx context.Context, opts Options) (*Governor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Topology == nil {
		return nil, fmt.Errorf("topology is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	g := &Governor{
		limits:   opts.Limits,
		topology: opts.Topology,
		store:    opts.Store,
		logger:   opts.Logger.Component("governor"),
		now:      opts.Now,
		state:    emptyState(),
	}

	loaded, found, err := opts.Store.LoadGovernorState(ctx)
	switch {
	case err != nil:
		g.latchLocked(fmt.Sprintf("load state: %v", err))
	case found:
		if loaded.Restarts == nil {
			loaded.Restarts = map[string][]time.Time{}
		}
		if loaded.Suspended == nil {
			loaded.Suspended = map[string]time.Time{}
		}
		g.state = loaded
		if err := Verify(loaded, g.limits, g.now()); err != nil {
			g.latchLocked(err.Error())
		}
		if sup := loaded.Host.Suppression; sup != nil && g.now().Before(sup.Until) {
			// The incident action may already have run before the restart.
			g.incident = &Incident{ID: uuid.NewString(), Targets: sup.Targets, Until: sup.Until, Reason: sup.Reason}
		}
	}
	return g, nil
}

func emptyState() PersistedState {
	return PersistedState{
		Version:   stateVersion,
		Restarts:  map[string][]time.Time{},
		Suspended: map[string]time.Time{},
	}
}

// =============================================================================
// Authorization
// =============================================================================

// Authorize decides whether req may execute and, if so, consumes its quota.
//
// # Description
//
// Checks run in a fixed order: known action, destructive allowlist,
// fail-closed latch and verification for host-level actions, suspension,
// suppression, then the per-action limit. A grant is persisted before
// Authorize returns; a host reboot whose grant cannot be persisted is
// refused.
//
// # Inputs
//
//   - ctx: Used for persistence only.
//   - req: The action request.
//
// # Outputs
//
//   - Verdict: Granted, or refused with a reason.
func (g *Governor) Authorize(ctx context.Context, req Request) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.expireLocked(now)

	if !req.Action.Valid() {
		return refuse(ReasonUnknownAction)
	}
	if req.Action.Destructive() {
		g.logger.Warn("destructive action refused", "action", req.Action, "target", req.Target)
		return Verdict{Reason: ReasonDestructive, Escalate: true}
	}
	if req.Action.HostLevel() {
		if err := Verify(g.state, g.limits, now); err != nil {
			g.latchLocked(err.Error())
		}
		if g.state.Host.FailClosed {
			return Verdict{Reason: ReasonFailClosed, Escalate: true}
		}
	}

	members := req.Members
	if len(members) == 0 && req.Target != model.HostTarget {
		members = []string{req.Target}
	}
	for _, m := range members {
		if _, ok := g.state.Suspended[m]; ok {
			return refuse(ReasonSuspended)
		}
	}

	if req.Incident != "" {
		if g.incident == nil || g.incident.ID != req.Incident || g.incidentActionFor != req.Incident {
			return refuse(ReasonIncidentActionUsed)
		}
	} else if g.incident != nil && req.Target != model.HostTarget && !req.Action.HostLevel() {
		for _, m := range append([]string{req.Target}, members...) {
			if g.incident.covers(m) {
				return refuse(ReasonSuppressed)
			}
		}
	}

	var v Verdict
	switch req.Action {
	case model.ActionSoftRestart, model.ActionRestartChain:
		v = g.authorizeRestartLocked(req, members, now)
	case model.ActionReleaseGPUCache:
		v = g.authorizeCacheReleaseLocked(now)
	case model.ActionHostReboot:
		return g.authorizeRebootLocked(ctx, now)
	case model.ActionPruneStoppedContainers, model.ActionPruneAgedImages:
		v = Verdict{Granted: true}
	default:
		return refuse(ReasonUnknownAction)
	}

	if v.Granted && req.Incident != "" {
		g.incidentActionFor = ""
	}
	if v.Granted || len(v.Suspended) > 0 {
		if err := g.persistLocked(ctx, now); err != nil {
			g.logger.Error("persist governor state", "error", err)
			g.latchLocked(fmt.Sprintf("persist: %v", err))
		}
	}
	return v
}

func refuse(reason string) Verdict {
	return Verdict{Reason: reason}
}

func (g *Governor) authorizeRestartLocked(req Request, members []string, now time.Time) Verdict {
	since := now.Add(-g.limits.RestartWindow)
	var over []string
	for _, m := range members {
		if countSince(g.state.Restarts[m], since) >= g.limits.MaxRestarts {
			over = append(over, m)
		}
	}
	if len(over) > 0 {
		for _, m := range over {
			g.state.Suspended[m] = now
		}
		g.logger.Warn("restart limit reached, suspending",
			"target", req.Target, "suspended", over, "limit", g.limits.MaxRestarts, "window", g.limits.RestartWindow)
		return Verdict{Reason: ReasonRestartLimit, Suspended: over, Escalate: true}
	}
	for _, m := range members {
		g.state.Restarts[m] = append(g.state.Restarts[m], now)
	}
	return Verdict{Granted: true}
}

func (g *Governor) authorizeCacheReleaseLocked(now time.Time) Verdict {
	if g.cacheInFlight {
		return refuse(ReasonCacheInFlight)
	}
	last := g.state.LastCacheRelease
	if !last.IsZero() && now.Before(last.Add(g.limits.CacheReleaseCooldown)) {
		return refuse(ReasonCacheCooldown)
	}
	g.cacheInFlight = true
	g.state.LastCacheRelease = now
	return Verdict{Granted: true}
}

// authorizeRebootLocked persists its own grant and reverts it on failure.
func (g *Governor) authorizeRebootLocked(ctx context.Context, now time.Time) Verdict {
	h := &g.state.Host
	if now.Before(h.CooldownUntil) {
		return refuse(ReasonCooldownActive)
	}
	if h.RebootsSince(now.Add(-g.limits.RebootWindow)) >= g.limits.MaxReboots {
		return Verdict{Reason: ReasonRebootLimit, Escalate: true}
	}

	prev := *h
	prev.Reboots = append([]time.Time(nil), h.Reboots...)
	h.Reboots = append(h.Reboots, now)
	h.LastReboot = now
	h.CooldownUntil = now.Add(g.limits.RebootCooldown)

	if err := g.persistLocked(ctx, now); err != nil {
		*h = prev
		g.latchLocked(fmt.Sprintf("persist reboot grant: %v", err))
		g.logger.Error("reboot refused, grant could not be persisted", "error", err)
		return Verdict{Reason: ReasonPersistFailed, Escalate: true}
	}
	return Verdict{Granted: true}
}

// Complete reports that a granted action finished. It releases the GPU
// cache in-flight slot.
func (g *Governor) Complete(req Request) {
	if req.Action != model.ActionReleaseGPUCache {
		return
	}
	g.mu.Lock()
	g.cacheInFlight = false
	g.mu.Unlock()
}

// =============================================================================
// Cascade Detection
// =============================================================================

// ObserveTransition feeds a diagnosed status change into cascade detection.
//
// # Description
//
// Transitions into DEGRADED or FAILING are kept for CascadeWindow; a
// recovery or suspension drops the service's marks. An incident opens when
// no incident is active and either:
//
//   - CascadeThreshold distinct services are FAILING inside the window, or
//   - CascadeThreshold distinct services that depend on one upstream are
//     DEGRADED or FAILING inside the window.
//
// The second rule catches a cascade of dependents while they are still
// DEGRADED, before any of them is individually remediated. The incident
// suppresses its targets and names their nearest shared upstream, if any.
// While an incident is active, further services entering FAILING join it.
//
// # Outputs
//
//   - *Incident: The new incident, nil if none was opened.
func (g *Governor) ObserveTransition(ctx context.Context, target string, to model.Status, at time.Time) *Incident {
	if target == model.HostTarget {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked(at)
	switch to {
	case model.StatusDegraded, model.StatusFailing:
	default:
		g.forgetLocked(target)
		return nil
	}

	if g.incident != nil {
		if to == model.StatusFailing && !g.incident.covers(target) {
			g.incident.Targets = append(g.incident.Targets, target)
			sort.Strings(g.incident.Targets)
			g.syncSuppressionLocked()
			g.persistOrLatchLocked(ctx, at)
		}
		return nil
	}

	g.marks = append(g.marks, transitionMark{target: target, failing: to == model.StatusFailing, at: at})
	cutoff := at.Add(-g.limits.CascadeWindow)
	failing := map[string]bool{}
	unhealthy := map[string]bool{}
	kept := g.marks[:0]
	for _, m := range g.marks {
		if m.at.Before(cutoff) {
			continue
		}
		kept = append(kept, m)
		unhealthy[m.target] = true
		if m.failing {
			failing[m.target] = true
		}
	}
	g.marks = kept

	if len(failing) >= g.limits.CascadeThreshold {
		targets := sortedKeys(failing)
		upstream, _ := g.topology.NearestSharedUpstream(targets)
		reason := fmt.Sprintf("%d services failing within %s", len(targets), g.limits.CascadeWindow)
		return g.openIncidentLocked(ctx, targets, reason, upstream, at)
	}
	if targets, upstream, ok := g.dependentGroupLocked(sortedKeys(unhealthy)); ok {
		reason := fmt.Sprintf("%d services depending on %s unhealthy within %s",
			len(targets), upstream, g.limits.CascadeWindow)
		return g.openIncidentLocked(ctx, targets, reason, upstream, at)
	}
	return nil
}

// dependentGroupLocked finds the largest group of unhealthy services, at
// least CascadeThreshold strong, that share an upstream. Ties go to the
// alphabetically first upstream.
func (g *Governor) dependentGroupLocked(unhealthy []string) ([]string, string, bool) {
	if len(unhealthy) < g.limits.CascadeThreshold {
		return nil, "", false
	}
	groups := make(map[string][]string)
	for _, id := range unhealthy {
		for up := range g.topology.Ancestors(id) {
			groups[up] = append(groups[up], id)
		}
	}
	var best []string
	for _, up := range slices.Sorted(maps.Keys(groups)) {
		if members := groups[up]; len(members) >= g.limits.CascadeThreshold && len(members) > len(best) {
			best = members
		}
	}
	if best == nil {
		return nil, "", false
	}
	upstream, ok := g.topology.NearestSharedUpstream(best)
	return best, upstream, ok
}

func (g *Governor) forgetLocked(target string) {
	kept := g.marks[:0]
	for _, m := range g.marks {
		if m.target != target {
			kept = append(kept, m)
		}
	}
	g.marks = kept
}

func sortedKeys(set map[string]bool) []string {
	return slices.Sorted(maps.Keys(set))
}

// OpenIncident suppresses targets for a diagnosed shared cause. It returns
// nil when an incident is already active; the targets then join it.
func (g *Governor) OpenIncident(ctx context.Context, targets []string, reason string, at time.Time) *Incident {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked(at)
	if g.incident != nil {
		changed := false
		for _, t := range targets {
			if !g.incident.covers(t) {
				g.incident.Targets = append(g.incident.Targets, t)
				changed = true
			}
		}
		if changed {
			sort.Strings(g.incident.Targets)
			g.syncSuppressionLocked()
			g.persistOrLatchLocked(ctx, at)
		}
		return nil
	}
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	return g.openIncidentLocked(ctx, sorted, reason, "", at)
}

func (g *Governor) openIncidentLocked(ctx context.Context, targets []string, reason, upstream string, at time.Time) *Incident {
	inc := &Incident{
		ID:       uuid.NewString(),
		Targets:  targets,
		Until:    at.Add(g.limits.SuppressionInterval),
		Reason:   reason,
		Upstream: upstream,
	}
	g.incident = inc
	g.incidentActionFor = inc.ID
	g.marks = nil
	g.syncSuppressionLocked()
	g.persistOrLatchLocked(ctx, at)
	g.logger.Warn("cascading failure, suppressing individual remediation",
		"incident", inc.ID, "targets", targets, "upstream", upstream, "until", inc.Until)

	out := *inc
	out.Targets = append([]string(nil), targets...)
	return &out
}

func (g *Governor) syncSuppressionLocked() {
	if g.incident == nil {
		g.state.Host.Suppression = nil
		return
	}
	g.state.Host.Suppression = &model.Suppression{
		Until:   g.incident.Until,
		Targets: append([]string(nil), g.incident.Targets...),
		Reason:  g.incident.Reason,
	}
}

func (inc *Incident) covers(target string) bool {
	for _, t := range inc.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// expireLocked ends an incident whose interval has elapsed.
func (g *Governor) expireLocked(now time.Time) {
	if g.incident != nil && !now.Before(g.incident.Until) {
		g.logger.Info("suppression interval ended", "incident", g.incident.ID)
		g.incident = nil
		g.incidentActionFor = ""
		g.state.Host.Suppression = nil
	}
}

// =============================================================================
// Fail-Closed Handling
// =============================================================================

func (g *Governor) latchLocked(reason string) {
	if !g.state.Host.FailClosed {
		g.logger.Error("governor failing closed", "reason", reason)
	}
	g.state.Host.FailClosed = true
	g.state.Host.FailReason = reason
}

// Reconcile re-verifies bookkeeping and lifts a fail-closed latch when the
// state is consistent and can be persisted.
//
// # Outputs
//
//   - error: Why the governor remains fail-closed, nil if open.
func (g *Governor) Reconcile(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.expireLocked(now)
	g.pruneLocked(now)
	if err := Verify(g.state, g.limits, now); err != nil {
		g.latchLocked(err.Error())
		return fmt.Errorf("governor state inconsistent: %w", err)
	}
	if !g.state.Host.FailClosed {
		return nil
	}
	g.state.Host.FailClosed = false
	g.state.Host.FailReason = ""
	if err := g.persistLocked(ctx, now); err != nil {
		g.latchLocked(fmt.Sprintf("persist: %v", err))
		return fmt.Errorf("persist reconciled state: %w", err)
	}
	g.logger.Info("governor state verified, fail-closed lifted")
	return nil
}

// pruneLocked drops history older than the windows so persisted state
// stays bounded. The latest reboot is kept for cooldown verification.
func (g *Governor) pruneLocked(now time.Time) {
	restartCutoff := now.Add(-g.limits.RestartWindow)
	for svc, hist := range g.state.Restarts {
		kept := hist[:0]
		for _, r := range hist {
			if !r.Before(restartCutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(g.state.Restarts, svc)
		} else {
			g.state.Restarts[svc] = kept
		}
	}
	h := &g.state.Host
	rebootCutoff := now.Add(-g.limits.RebootWindow)
	kept := h.Reboots[:0]
	for i, r := range h.Reboots {
		if !r.Before(rebootCutoff) || i == len(h.Reboots)-1 {
			kept = append(kept, r)
		}
	}
	h.Reboots = kept
}

func (g *Governor) persistLocked(ctx context.Context, now time.Time) error {
	g.state.Version = stateVersion
	g.state.SavedAt = now
	return g.store.SaveGovernorState(ctx, cloneState(g.state))
}

func (g *Governor) persistOrLatchLocked(ctx context.Context, now time.Time) {
	if err := g.persistLocked(ctx, now); err != nil {
		g.logger.Error("persist governor state", "error", err)
		g.latchLocked(fmt.Sprintf("persist: %v", err))
	}
}

// =============================================================================
// Manual Intervention and Queries
// =============================================================================

// Clear lifts a suspension and forgets the service's restart history.
//
// # Outputs
//
//   - bool: True if the service was suspended.
//   - error: Persistence failure.
func (g *Governor) Clear(ctx context.Context, service string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, was := g.state.Suspended[service]
	delete(g.state.Suspended, service)
	delete(g.state.Restarts, service)
	if err := g.persistLocked(ctx, g.now()); err != nil {
		return was, fmt.Errorf("persist cleared state: %w", err)
	}
	return was, nil
}

// IsSuspended reports whether service is suspended.
func (g *Governor) IsSuspended(service string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.state.Suspended[service]
	return ok
}

// SuspendedServices returns the suspended service ids, sorted.
func (g *Governor) SuspendedServices() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.state.Suspended))
	for id := range g.state.Suspended {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Suppressed reports whether individual remediation of target is
// currently suppressed.
func (g *Governor) Suppressed(target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked(g.now())
	return g.incident != nil && g.incident.covers(target)
}

// ActiveIncident returns a copy of the active incident, nil if none.
func (g *Governor) ActiveIncident() *Incident {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked(g.now())
	if g.incident == nil {
		return nil
	}
	out := *g.incident
	out.Targets = append([]string(nil), g.incident.Targets...)
	return &out
}

// RestartsInWindow counts service's restarts in the current window.
func (g *Governor) RestartsInWindow(service string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return countSince(g.state.Restarts[service], g.now().Add(-g.limits.RestartWindow))
}

// Snapshot returns a copy of the host state with window counts.
func (g *Governor) Snapshot() (model.HostState, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.expireLocked(now)
	st := cloneState(g.state)
	return st.Host, st.Host.RebootsSince(now.Add(-g.limits.RebootWindow))
}

// UpdateLimits applies reloaded limits to subsequent decisions. A shorter
// cooldown or suppression interval also shortens the one in progress.
func (g *Governor) UpdateLimits(limits config.SafetyConfig) {
	g.mu.Lock()
	g.limits = limits
	h := &g.state.Host
	if !h.LastReboot.IsZero() {
		if limit := h.LastReboot.Add(limits.RebootCooldown); h.CooldownUntil.After(limit) {
			h.CooldownUntil = limit
		}
	}
	if g.incident != nil {
		if limit := g.now().Add(limits.SuppressionInterval); g.incident.Until.After(limit) {
			g.incident.Until = limit
			g.syncSuppressionLocked()
		}
	}
	g.mu.Unlock()
	g.logger.Info("safety limits updated",
		"max_restarts", limits.MaxRestarts, "max_reboots", limits.MaxReboots, "reboot_cooldown", limits.RebootCooldown)
}

// Limits returns the limits in force.
func (g *Governor) Limits() config.SafetyConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// Prune drops expired history and persists the result.
func (g *Governor) Prune(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	return g.persistLocked(ctx, now)
}

func countSince(hist []time.Time, since time.Time) int {
	n := 0
	for _, t := range hist {
		if !t.Before(since) {
			n++
		}
	}
	return n
}
