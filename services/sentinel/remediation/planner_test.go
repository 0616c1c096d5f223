// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remediation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/diagnosis"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	topo, err := config.NewTopology(map[string][]string{
		"weaviate":   nil,
		"ollama":     nil,
		"rag-engine": {"weaviate", "ollama"},
	})
	require.NoError(t, err)
	return NewPlanner(config.RemediationConfig{GracePeriod: time.Minute, EscalationWindow: 30 * time.Minute}, topo)
}

var (
	calmHost     = diagnosis.HostAssessment{Sampled: true}
	pressureHost = diagnosis.HostAssessment{Sampled: true, GPU: diagnosis.PressureWarning}
	exhaustHost  = diagnosis.HostAssessment{Sampled: true, GPU: diagnosis.PressureCritical}
	t0           = time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
)

func failing(svc string, kind model.ServiceKind, host diagnosis.HostAssessment, at time.Time) Input {
	return Input{Service: svc, Kind: kind, Status: model.StatusFailing, Host: host, Now: at}
}

func TestPlan_OnlyFailingWithoutInFlight(t *testing.T) {
	p := newTestPlanner(t)
	for _, st := range []model.Status{model.StatusUnknown, model.StatusHealthy, model.StatusDegraded, model.StatusSuspended} {
		_, ok := p.Plan(Input{Service: "rag-engine", Status: st, Now: t0})
		assert.False(t, ok, st.String())
	}
	in := failing("rag-engine", model.KindStateless, calmHost, t0)
	in.InFlight = true
	_, ok := p.Plan(in)
	assert.False(t, ok)
}

func TestPlan_FullLadderWithoutCorrelationSkipsTier2(t *testing.T) {
	p := newTestPlanner(t)

	plan, ok := p.Plan(failing("rag-engine", model.KindStateless, calmHost, t0))
	require.True(t, ok)
	assert.Equal(t, model.ActionSoftRestart, plan.Action)
	assert.Equal(t, []string{"rag-engine"}, plan.Members)
	p.Record("rag-engine", plan.Tier, t0)

	_, ok = p.Plan(failing("rag-engine", model.KindStateless, calmHost, t0.Add(30*time.Second)))
	assert.False(t, ok, "grace period not elapsed")

	plan, ok = p.Plan(failing("rag-engine", model.KindStateless, calmHost, t0.Add(2*time.Minute)))
	require.True(t, ok)
	assert.Equal(t, 3, plan.Tier)
	assert.Equal(t, model.ActionRestartChain, plan.Action)
	assert.Equal(t, []string{"ollama", "weaviate", "rag-engine"}, plan.Members)
	p.Record("rag-engine", plan.Tier, t0.Add(2*time.Minute))

	plan, ok = p.Plan(failing("rag-engine", model.KindStateless, calmHost, t0.Add(4*time.Minute)))
	require.True(t, ok)
	assert.Equal(t, model.ActionHostReboot, plan.Action)
	assert.Equal(t, model.HostTarget, plan.Target)
	p.Record("rag-engine", plan.Tier, t0.Add(4*time.Minute))

	_, ok = p.Plan(failing("rag-engine", model.KindStateless, calmHost, t0.Add(6*time.Minute)))
	assert.False(t, ok, "ladder exhausted")
}

func TestPlan_CorrelatedUsesTier2(t *testing.T) {
	p := newTestPlanner(t)
	plan, ok := p.Plan(failing("ollama", model.KindGPUBound, pressureHost, t0))
	require.True(t, ok)
	assert.Equal(t, 1, plan.Tier)
	p.Record("ollama", 1, t0)

	plan, ok = p.Plan(failing("ollama", model.KindGPUBound, pressureHost, t0.Add(time.Minute)))
	require.True(t, ok)
	assert.Equal(t, model.ActionReleaseGPUCache, plan.Action)
}

func TestPlan_ExhaustionJumpsToTier2(t *testing.T) {
	p := newTestPlanner(t)
	plan, ok := p.Plan(failing("ollama", model.KindGPUBound, exhaustHost, t0))
	require.True(t, ok)
	assert.Equal(t, 2, plan.Tier)
	assert.Contains(t, plan.Reason, "exhaustion")

	stateless, ok := p.Plan(failing("rag-engine", model.KindStateless, exhaustHost, t0))
	require.True(t, ok)
	assert.Equal(t, 1, stateless.Tier)
}

func TestPlan_RefusedTier2IsSkipped(t *testing.T) {
	p := newTestPlanner(t)
	plan, ok := p.Plan(failing("ollama", model.KindGPUBound, exhaustHost, t0))
	require.True(t, ok)
	p.Skip("ollama", plan.Tier, t0)

	plan, ok = p.Plan(failing("ollama", model.KindGPUBound, exhaustHost, t0.Add(time.Second)))
	require.True(t, ok)
	assert.Equal(t, 3, plan.Tier)
}

func TestPlan_HealthyResetsAndWindowRestarts(t *testing.T) {
	p := newTestPlanner(t)
	p.Record("rag-engine", 3, t0)

	_, ok := p.Plan(Input{Service: "rag-engine", Status: model.StatusHealthy, Now: t0})
	assert.False(t, ok)
	_, exists := p.Ladder("rag-engine")
	assert.False(t, exists)

	p.Record("rag-engine", 3, t0)
	plan, ok := p.Plan(failing("rag-engine", model.KindStateless, calmHost, t0.Add(31*time.Minute)))
	require.True(t, ok)
	assert.Equal(t, 1, plan.Tier, "ladder older than the escalation window restarts")
}
