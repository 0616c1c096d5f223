// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnosis classifies services and the host from observations.
//
// # Description
//
// Classification is hysteresis over consecutive probe results. The status
// rules live in Evaluate, a pure function of the previous status, the
// counters and the thresholds, so the same observation sequence always
// yields the same status:
//
//	failures >= FailingAfter            → FAILING
//	failures >= DegradedAfter           → DEGRADED
//	successes >= RecoverAfter           → HEALTHY (failure count resets)
//	success while FAILING               → DEGRADED (recovering)
//	first success while UNKNOWN         → HEALTHY
//	SUSPENDED                           → SUSPENDED
//
// Host diagnosis grades shared-resource pressure and detects a shared cause
// when that pressure coincides with several services failing.
package diagnosis

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// Thresholds are the hysteresis counts.
type Thresholds struct {
	DegradedAfter int
	FailingAfter  int
	RecoverAfter  int
}

// ThresholdsFrom extracts Thresholds from configuration.
func ThresholdsFrom(cfg config.DiagnosisConfig) Thresholds {
	return Thresholds{
		DegradedAfter: cfg.DegradedAfter,
		FailingAfter:  cfg.FailingAfter,
		RecoverAfter:  cfg.RecoverAfter,
	}
}

// Counters are the consecutive probe counters of one target.
type Counters struct {
	Failures  int
	Successes int
}

// Observe folds one probe result into the counters.
//
// A failure increments Failures and zeroes Successes. A success increments
// Successes; Failures is only reset once Successes reaches RecoverAfter.
func (c Counters) Observe(passed bool, th Thresholds) Counters {
	if !passed {
		return Counters{Failures: c.Failures + 1}
	}
	c.Successes++
	if c.Successes >= th.RecoverAfter {
		c.Failures = 0
	}
	return c
}

// Evaluate returns the status implied by prev and counters.
func Evaluate(prev model.Status, c Counters, th Thresholds) model.Status {
	if prev == model.StatusSuspended {
		return model.StatusSuspended
	}

	if c.Successes == 0 {
		switch {
		case c.Failures >= th.FailingAfter:
			return model.StatusFailing
		case c.Failures >= th.DegradedAfter:
			return model.StatusDegraded
		default:
			return prev
		}
	}

	if c.Successes >= th.RecoverAfter {
		return model.StatusHealthy
	}
	switch prev {
	case model.StatusUnknown, model.StatusHealthy:
		return model.StatusHealthy
	default:
		return model.StatusDegraded
	}
}

// ClassifyWindow folds a trailing window of probe results from UNKNOWN and
// returns the resulting status and counters.
func ClassifyWindow(results []bool, th Thresholds) (model.Status, Counters) {
	status := model.StatusUnknown
	var c Counters
	for _, passed := range results {
		c = c.Observe(passed, th)
		status = Evaluate(status, c, th)
	}
	return status, c
}

// =============================================================================
// Tracker
// =============================================================================

// Transition describes a status change produced by the tracker.
type Transition struct {
	Target    string
	From      model.Status
	To        model.Status
	Timestamp time.Time
	Reason    string
}

// TargetState is the tracked state of one target.
type TargetState struct {
	Status      model.Status
	Counters    Counters
	LastChecked time.Time
	LastError   string
}

// Tracker holds the hysteresis state of every target.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	thresholds Thresholds
	targets    map[string]*TargetState
}

// NewTracker creates a tracker with every target in UNKNOWN.
func NewTracker(th Thresholds, targets []string) *Tracker {
	t := &Tracker{thresholds: th, targets: make(map[string]*TargetState, len(targets))}
	for _, id := range targets {
		t.targets[id] = &TargetState{Status: model.StatusUnknown}
	}
	return t
}

// Observe records one probe result for target.
//
// # Outputs
//
//   - Transition: The status change, valid when the bool is true.
//   - bool: True if the status changed.
//   - error: Non-nil for an unknown target.
func (t *Tracker) Observe(target string, passed bool, at time.Time, errText string) (Transition, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.targets[target]
	if !ok {
		return Transition{}, false, fmt.Errorf("unknown target %q", target)
	}
	st.LastChecked = at
	st.LastError = errText

	if st.Status == model.StatusSuspended {
		return Transition{}, false, nil
	}

	st.Counters = st.Counters.Observe(passed, t.thresholds)
	next := Evaluate(st.Status, st.Counters, t.thresholds)
	if next == st.Status {
		return Transition{}, false, nil
	}
	tr := Transition{
		Target:    target,
		From:      st.Status,
		To:        next,
		Timestamp: at,
		Reason:    transitionReason(st.Counters, passed, errText),
	}
	st.Status = next
	return tr, true, nil
}

// Suspend moves target to SUSPENDED.
func (t *Tracker) Suspend(target string, at time.Time, reason string) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.targets[target]
	if !ok || st.Status == model.StatusSuspended {
		return Transition{}, false
	}
	tr := Transition{Target: target, From: st.Status, To: model.StatusSuspended, Timestamp: at, Reason: reason}
	st.Status = model.StatusSuspended
	return tr, true
}

// Clear returns a SUSPENDED target to UNKNOWN with zeroed counters.
func (t *Tracker) Clear(target string, at time.Time) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.targets[target]
	if !ok || st.Status != model.StatusSuspended {
		return Transition{}, false
	}
	tr := Transition{Target: target, From: st.Status, To: model.StatusUnknown, Timestamp: at, Reason: "manually cleared"}
	*st = TargetState{Status: model.StatusUnknown}
	return tr, true
}

// State returns a copy of target's state.
func (t *Tracker) State(target string) (TargetState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.targets[target]
	if !ok {
		return TargetState{}, false
	}
	return *st, true
}

// Status returns target's status, UNKNOWN if untracked.
func (t *Tracker) Status(target string) model.Status {
	st, _ := t.State(target)
	return st.Status
}

// Targets returns the tracked target ids, sorted.
func (t *Tracker) Targets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.targets))
	for id := range t.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetThresholds replaces the thresholds for subsequent observations.
func (t *Tracker) SetThresholds(th Thresholds) {
	t.mu.Lock()
	t.thresholds = th
	t.mu.Unlock()
}

func transitionReason(c Counters, passed bool, errText string) string {
	if passed {
		return fmt.Sprintf("%d consecutive successful probes", c.Successes)
	}
	if errText != "" {
		return fmt.Sprintf("%d failed probes: %s", c.Failures, errText)
	}
	return fmt.Sprintf("%d failed probes", c.Failures)
}
