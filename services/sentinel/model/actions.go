// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"fmt"
	"time"
)

// =============================================================================
// Action Kinds
// =============================================================================

// ActionKind is the closed set of actions the engine can request.
//
// Free-form commands do not exist: every executable action is one of these
// constants, so the destructive allowlist is checked against a fixed table.
type ActionKind string

const (
	ActionSoftRestart            ActionKind = "soft-restart"
	ActionReleaseGPUCache        ActionKind = "release-gpu-cache"
	ActionRestartChain           ActionKind = "restart-dependency-chain"
	ActionHostReboot             ActionKind = "host-reboot"
	ActionPruneStoppedContainers ActionKind = "prune-stopped-containers"
	ActionPruneAgedImages        ActionKind = "prune-aged-images"
	ActionPruneVolumes           ActionKind = "prune-volumes"
	ActionPruneAllImages         ActionKind = "prune-all-images"
)

type actionTraits struct {
	tier        int
	hostLevel   bool
	destructive bool
}

var actionTable = map[ActionKind]actionTraits{
	ActionSoftRestart:            {tier: 1},
	ActionReleaseGPUCache:        {tier: 2},
	ActionRestartChain:           {tier: 3},
	ActionHostReboot:             {tier: 4, hostLevel: true},
	ActionPruneStoppedContainers: {hostLevel: true},
	ActionPruneAgedImages:        {hostLevel: true},
	ActionPruneVolumes:           {hostLevel: true, destructive: true},
	ActionPruneAllImages:         {hostLevel: true, destructive: true},
}

// AllActionKinds lists every action kind in ladder order, cleanup last.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionSoftRestart,
		ActionReleaseGPUCache,
		ActionRestartChain,
		ActionHostReboot,
		ActionPruneStoppedContainers,
		ActionPruneAgedImages,
		ActionPruneVolumes,
		ActionPruneAllImages,
	}
}

// Valid reports whether a is a known action kind.
func (a ActionKind) Valid() bool {
	_, ok := actionTable[a]
	return ok
}

// Destructive reports whether the action can delete persisted data.
// Destructive actions are never executed on the automatic path.
func (a ActionKind) Destructive() bool {
	return actionTable[a].destructive
}

// HostLevel reports whether the action affects the whole host.
func (a ActionKind) HostLevel() bool {
	return actionTable[a].hostLevel
}

// Tier returns the escalation tier (1-4) of a ladder action, or 0 for
// maintenance actions outside the ladder.
func (a ActionKind) Tier() int {
	return actionTable[a].tier
}

// IsRestart reports whether the action restarts service processes and so
// consumes the per-service restart quota.
func (a ActionKind) IsRestart() bool {
	return a == ActionSoftRestart || a == ActionRestartChain
}

// ActionForTier maps a ladder tier to its action kind.
func ActionForTier(tier int) (ActionKind, error) {
	switch tier {
	case 1:
		return ActionSoftRestart, nil
	case 2:
		return ActionReleaseGPUCache, nil
	case 3:
		return ActionRestartChain, nil
	case 4:
		return ActionHostReboot, nil
	default:
		return "", fmt.Errorf("no action for tier %d", tier)
	}
}

// =============================================================================
// Events
// =============================================================================

// Outcome is the result of a remediation attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped-by-policy"
)

// RemediationEvent records one remediation attempt, executed or refused.
type RemediationEvent struct {
	ID        string        `json:"id"`
	Target    string        `json:"target"`
	Action    ActionKind    `json:"action"`
	Tier      int           `json:"tier"`
	Timestamp time.Time     `json:"timestamp"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason"`
	Severity  Severity      `json:"severity"`
	Targets   []string      `json:"targets,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

// TransitionEvent records one diagnosed status change.
type TransitionEvent struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
}

// TransitionSeverity grades a status change: entering FAILING or SUSPENDED
// is critical, entering DEGRADED is a warning, everything else is info.
func TransitionSeverity(to Status) Severity {
	switch to {
	case StatusFailing, StatusSuspended:
		return SeverityCritical
	case StatusDegraded:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// EventKind discriminates the Event union.
type EventKind string

const (
	EventTransition  EventKind = "transition"
	EventRemediation EventKind = "remediation"
)

// Event is the unit stored in the event log: exactly one of Transition or
// Remediation is set, matching Kind.
type Event struct {
	Kind        EventKind         `json:"kind"`
	Transition  *TransitionEvent  `json:"transition,omitempty"`
	Remediation *RemediationEvent `json:"remediation,omitempty"`
}

// NewTransition wraps a TransitionEvent.
func NewTransition(t TransitionEvent) Event {
	return Event{Kind: EventTransition, Transition: &t}
}

// NewRemediation wraps a RemediationEvent.
func NewRemediation(r RemediationEvent) Event {
	return Event{Kind: EventRemediation, Remediation: &r}
}

// ID returns the wrapped event's id.
func (e Event) ID() string {
	switch {
	case e.Transition != nil:
		return e.Transition.ID
	case e.Remediation != nil:
		return e.Remediation.ID
	}
	return ""
}

// Target returns the wrapped event's target.
func (e Event) Target() string {
	switch {
	case e.Transition != nil:
		return e.Transition.Target
	case e.Remediation != nil:
		return e.Remediation.Target
	}
	return ""
}

// Timestamp returns the wrapped event's timestamp.
func (e Event) Timestamp() time.Time {
	switch {
	case e.Transition != nil:
		return e.Transition.Timestamp
	case e.Remediation != nil:
		return e.Remediation.Timestamp
	}
	return time.Time{}
}

// Severity returns the wrapped event's severity.
func (e Event) Severity() Severity {
	switch {
	case e.Transition != nil:
		return e.Transition.Severity
	case e.Remediation != nil:
		return e.Remediation.Severity
	}
	return SeverityInfo
}

// Validate checks that Kind matches the populated member.
func (e Event) Validate() error {
	switch e.Kind {
	case EventTransition:
		if e.Transition == nil || e.Remediation != nil {
			return fmt.Errorf("transition event must carry only a transition")
		}
	case EventRemediation:
		if e.Remediation == nil || e.Transition != nil {
			return fmt.Errorf("remediation event must carry only a remediation")
		}
		if !e.Remediation.Action.Valid() {
			return fmt.Errorf("unknown action kind %q", e.Remediation.Action)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.ID() == "" {
		return fmt.Errorf("event id is required")
	}
	return nil
}
