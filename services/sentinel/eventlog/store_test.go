// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/safety"
)

var base = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func transition(id, target string, to model.Status, at time.Time) model.Event {
	return model.NewTransition(model.TransitionEvent{
		ID:        id,
		Target:    target,
		From:      model.StatusHealthy,
		To:        to,
		Timestamp: at,
		Severity:  model.TransitionSeverity(to),
	})
}

func remediation(id, target string, outcome model.Outcome, at time.Time, targets ...string) model.Event {
	return model.NewRemediation(model.RemediationEvent{
		ID:        id,
		Target:    target,
		Action:    model.ActionRestartChain,
		Tier:      3,
		Timestamp: at,
		Outcome:   outcome,
		Severity:  model.SeverityWarning,
		Targets:   targets,
	})
}

func ids(events []model.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID()
	}
	return out
}

// =============================================================================
// Event Tests
// =============================================================================

func TestQuery_NewestFirstWithFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, transition("t1", "ollama", model.StatusDegraded, base)))
	require.NoError(t, s.Append(ctx, transition("t2", "ollama", model.StatusFailing, base.Add(time.Minute))))
	require.NoError(t, s.Append(ctx, remediation("r1", "rag-engine", model.OutcomeSuccess, base.Add(2*time.Minute), "ollama", "rag-engine")))
	require.NoError(t, s.Append(ctx, transition("t3", "weaviate", model.StatusHealthy, base.Add(3*time.Minute))))

	page, err := s.Query(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "r1", "t2", "t1"}, ids(page.Events))
	assert.Empty(t, page.NextCursor)

	page, err = s.Query(ctx, Query{MinSeverity: model.SeverityWarning})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "t2", "t1"}, ids(page.Events))

	page, err = s.Query(ctx, Query{Target: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "t2", "t1"}, ids(page.Events))

	page, err = s.Query(ctx, Query{Kind: model.EventRemediation})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(page.Events))

	page, err = s.Query(ctx, Query{Since: base.Add(time.Minute), Until: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "t2"}, ids(page.Events))
}

func TestQuery_CursorPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, transition(fmt.Sprintf("e%d", i), "ollama", model.StatusDegraded, base.Add(time.Duration(i)*time.Second))))
	}

	var got []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := s.Query(ctx, Query{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		got = append(got, ids(page.Events)...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"e4", "e3", "e2", "e1", "e0"}, got)
}

func TestQuery_InvalidCursor(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Query(context.Background(), Query{Cursor: "!!!"})
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = s.Query(context.Background(), Query{Cursor: "YWJj"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestAppend_RejectsInvalidEvent(t *testing.T) {
	s := openTestStore(t)
	err := s.Append(context.Background(), model.Event{Kind: model.EventTransition})
	assert.Error(t, err)

	err = s.Append(context.Background(), transition("", "ollama", model.StatusFailing, base))
	assert.Error(t, err)
}

func TestScan_Chronological(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, transition(fmt.Sprintf("e%d", i), "ollama", model.StatusFailing, base.Add(time.Duration(i)*time.Hour))))
	}

	var got []string
	require.NoError(t, s.Scan(ctx, base.Add(time.Hour), base.Add(2*time.Hour), func(ev model.Event) bool {
		got = append(got, ev.ID())
		return true
	}))
	assert.Equal(t, []string{"e1", "e2"}, got)

	got = nil
	require.NoError(t, s.Scan(ctx, time.Time{}, time.Time{}, func(ev model.Event) bool {
		got = append(got, ev.ID())
		return len(got) < 3
	}))
	assert.Equal(t, []string{"e0", "e1", "e2"}, got)
}

func TestSubscribe_ReceivesAppendedEvents(t *testing.T) {
	s := openTestStore(t)
	ch, cancel := s.Subscribe(4)

	require.NoError(t, s.Append(context.Background(), transition("live", "ollama", model.StatusFailing, base)))
	select {
	case ev := <-ch:
		assert.Equal(t, "live", ev.ID())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribe_FullSubscriberDoesNotBlock(t *testing.T) {
	s := openTestStore(t)
	_, cancel := s.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(context.Background(), transition(fmt.Sprintf("e%d", i), "ollama", model.StatusFailing, base)))
	}
}

func TestClose_EndsSubscriptionsAndRejectsWrites(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	ch, _ := s.Subscribe(1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, s.Append(context.Background(), transition("x", "ollama", model.StatusFailing, base)), ErrClosed)
}

// =============================================================================
// Observation Tests
// =============================================================================

func TestObservations_NewestFirstPerTarget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordObservation(ctx, model.HealthObservation{
			ID:        fmt.Sprintf("o%d", i),
			Target:    "ollama",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Metrics:   model.MetricSnapshot{ProbeOK: i != 1},
		}))
	}
	require.NoError(t, s.RecordObservation(ctx, model.HealthObservation{ID: "h", Target: model.HostTarget, Timestamp: base}))

	obs, err := s.Observations(ctx, "ollama", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "o2", obs[0].ID)
	assert.Equal(t, "o1", obs[1].ID)
	assert.False(t, obs[1].Passed())

	obs, err = s.Observations(ctx, "ollama", base.Add(2*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, obs, 1)

	assert.Error(t, s.RecordObservation(ctx, model.HealthObservation{Target: "ollama"}))
}

// =============================================================================
// Governor State Tests
// =============================================================================

func TestGovernorState_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := Options{DB: DBConfig{Path: dir, SyncWrites: true}, EventRetention: time.Hour}

	s, err := Open(opts)
	require.NoError(t, err)
	_, found, err := s.LoadGovernorState(context.Background())
	require.NoError(t, err)
	assert.False(t, found)

	state := safety.PersistedState{
		Version: 1,
		Host: model.HostState{
			Reboots:       []time.Time{base},
			LastReboot:    base,
			CooldownUntil: base.Add(30 * time.Minute),
		},
		Restarts: map[string][]time.Time{"ollama": {base}},
	}
	require.NoError(t, s.SaveGovernorState(context.Background(), state))
	require.NoError(t, s.Close())

	s, err = Open(opts)
	require.NoError(t, err)
	defer s.Close()
	loaded, found, err := s.LoadGovernorState(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, loaded.Host.LastReboot.Equal(base))
	assert.True(t, loaded.Host.CooldownUntil.Equal(base.Add(30*time.Minute)))
	require.Len(t, loaded.Restarts["ollama"], 1)
}

func TestGovernorState_DrivesGovernor(t *testing.T) {
	s := openTestStore(t)
	now := base
	limits := config.DefaultConfig().Safety
	topo, err := config.NewTopology(map[string][]string{"ollama": nil})
	require.NoError(t, err)

	g, err := safety.New(context.Background(), safety.Options{Limits: limits, Topology: topo, Store: s, Now: func() time.Time { return now }})
	require.NoError(t, err)
	v := g.Authorize(context.Background(), safety.Request{Action: model.ActionHostReboot, Target: model.HostTarget})
	require.True(t, v.Granted)

	now = now.Add(time.Minute)
	g2, err := safety.New(context.Background(), safety.Options{Limits: limits, Topology: topo, Store: s, Now: func() time.Time { return now }})
	require.NoError(t, err)
	v = g2.Authorize(context.Background(), safety.Request{Action: model.ActionHostReboot, Target: model.HostTarget})
	assert.False(t, v.Granted)
	assert.Equal(t, safety.ReasonCooldownActive, v.Reason)
}
