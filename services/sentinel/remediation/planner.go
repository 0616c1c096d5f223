// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remediation chooses the least invasive action for a failing
// service from a four-tier escalation ladder.
//
// # Ladder
//
//	tier 1  soft-restart               the failing service
//	tier 2  release-gpu-cache          only when the failure correlates with GPU pressure
//	tier 3  restart-dependency-chain   upstreams first, then the service
//	tier 4  host-reboot                only after tiers 1-3 inside the escalation window
//
// The planner only proposes. The safety governor decides, and the engine
// reports back through Record so the ladder advances.
package remediation

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/diagnosis"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// Input is everything the planner needs to decide for one service.
type Input struct {
	Service  string
	Kind     model.ServiceKind
	Status   model.Status
	Host     diagnosis.HostAssessment
	InFlight bool
	Now      time.Time
}

// Plan is a proposed action.
type Plan struct {
	Service string
	Tier    int
	Action  model.ActionKind
	Target  string
	Members []string
	Reason  string
}

// Ladder is the escalation progress of one service.
type Ladder struct {
	Tier        int
	Started     time.Time
	LastAttempt time.Time
}

// Planner tracks one ladder per service.
//
// # Thread Safety
//
// Safe for concurrent use.
type Planner struct {
	mu       sync.Mutex
	cfg      config.RemediationConfig
	topology *config.Topology
	ladders  map[string]*Ladder
}

// NewPlanner creates a planner.
func NewPlanner(cfg config.RemediationConfig, topology *config.Topology) *Planner {
	return &Planner{cfg: cfg, topology: topology, ladders: make(map[string]*Ladder)}
}

// Plan proposes the next action for in.Service, or false if none is due.
//
// # Description
//
// Only FAILING services with nothing in flight are acted on. A HEALTHY
// service resets its ladder. Escalation waits GracePeriod after the
// previous attempt; a ladder older than EscalationWindow starts over.
// A gpu-bound service failing under critical GPU pressure starts at tier 2;
// tier 2 is skipped without GPU correlation.
func (p *Planner) Plan(in Input) (Plan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch in.Status {
	case model.StatusHealthy:
		delete(p.ladders, in.Service)
		return Plan{}, false
	case model.StatusFailing:
	default:
		return Plan{}, false
	}
	if in.InFlight {
		return Plan{}, false
	}

	current := 0
	if l := p.ladders[in.Service]; l != nil && in.Now.Sub(l.Started) <= p.cfg.EscalationWindow {
		if in.Now.Sub(l.LastAttempt) < p.cfg.GracePeriod {
			return Plan{}, false
		}
		current = l.Tier
	}

	next := current + 1
	correlated := diagnosis.Correlated(in.Kind, in.Host)
	if next < 2 && in.Kind == model.KindGPUBound && in.Host.Exhausted() {
		next = 2
	}
	if next == 2 && !correlated {
		next = 3
	}
	if next > 4 {
		return Plan{}, false
	}

	plan := Plan{Service: in.Service, Tier: next}
	switch next {
	case 1:
		plan.Action = model.ActionSoftRestart
		plan.Target = in.Service
		plan.Members = []string{in.Service}
		plan.Reason = "service failing"
	case 2:
		plan.Action = model.ActionReleaseGPUCache
		plan.Target = in.Service
		plan.Reason = fmt.Sprintf("failure correlates with gpu memory pressure (%s)", in.Host.GPU)
	case 3:
		plan.Action = model.ActionRestartChain
		plan.Target = in.Service
		plan.Members = p.topology.Chain(in.Service)
		plan.Reason = fmt.Sprintf("tier %d did not resolve failure", current)
	case 4:
		plan.Action = model.ActionHostReboot
		plan.Target = model.HostTarget
		plan.Reason = fmt.Sprintf("tiers 1-3 exhausted for %s within %s", in.Service, p.cfg.EscalationWindow)
	}
	if next == 2 && current == 0 {
		plan.Reason = "failing under gpu memory exhaustion"
	}
	return plan, true
}

// Record advances service's ladder to tier, at the time the attempt
// finished or was refused.
func (p *Planner) Record(service string, tier int, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.ladders[service]
	if l == nil || at.Sub(l.Started) > p.cfg.EscalationWindow {
		l = &Ladder{Started: at}
		p.ladders[service] = l
	}
	if tier > l.Tier {
		l.Tier = tier
	}
	l.LastAttempt = at
}

// Skip marks tier as passed without starting a grace period, so the next
// Plan proposes the following tier immediately.
func (p *Planner) Skip(service string, tier int, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.ladders[service]
	if l == nil {
		l = &Ladder{Started: at}
		p.ladders[service] = l
	}
	if tier > l.Tier {
		l.Tier = tier
	}
}

// Reset forgets service's ladder.
func (p *Planner) Reset(service string) {
	p.mu.Lock()
	delete(p.ladders, service)
	p.mu.Unlock()
}

// Ladder returns a copy of service's ladder.
func (p *Planner) Ladder(service string) (Ladder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.ladders[service]
	if !ok {
		return Ladder{}, false
	}
	return *l, true
}

// UpdateConfig applies reloaded remediation settings.
func (p *Planner) UpdateConfig(cfg config.RemediationConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}
