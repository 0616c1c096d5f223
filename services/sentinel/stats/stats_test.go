// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/eventlog"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var base = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

// =============================================================================
// Test Doubles
// =============================================================================

type fakeEngine struct {
	mu        sync.Mutex
	services  []model.ServiceSnapshot
	host      model.HostSnapshot
	last      time.Time
	suspended map[string]bool
	cleared   []string
}

func (f *fakeEngine) Services() []model.ServiceSnapshot { return f.services }
func (f *fakeEngine) Host() model.HostSnapshot { return f.host }
func (f *fakeEngine) LastProcessed() time.Time { return f.last }

func (f *fakeEngine) ClearService(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	was, known := f.suspended[id]
	if !known {
		return false, model.ErrUnknownService
	}
	f.suspended[id] = false
	f.cleared = append(f.cleared, id)
	return was, nil
}

func transition(id, target string, to model.Status, at time.Time) model.Event {
	return model.NewTransition(model.TransitionEvent{
		ID: id, Target: target, From: model.StatusDegraded, To: to,
		Timestamp: at, Severity: model.TransitionSeverity(to),
	})
}

func action(id, target string, kind model.ActionKind, outcome model.Outcome, at time.Time, members ...string) model.Event {
	sev := model.SeverityWarning
	if kind == model.ActionHostReboot {
		sev = model.SeverityCritical
	}
	return model.NewRemediation(model.RemediationEvent{
		ID: id, Target: target, Action: kind, Tier: kind.Tier(),
		Timestamp: at, Outcome: outcome, Severity: sev, Targets: members,
	})
}

type fixture struct {
	engine *fakeEngine
	store  *eventlog.Store
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := eventlog.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := &fakeEngine{
		last:      base,
		suspended: map[string]bool{"ollama": true, "rag-engine": false},
		services: []model.ServiceSnapshot{
			{Service: model.Service{ID: "ollama", Kind: model.KindGPUBound, Status: model.StatusSuspended}, Restarts: 3},
		},
		host: model.HostSnapshot{Status: model.StatusHealthy, GPUPressure: "none"},
	}
	srv, err := NewServer(Options{
		Engine:          eng,
		Events:          store,
		Metrics:         http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("aleutian_sentinel_up 1\n")) }),
		LivenessTimeout: time.Minute,
		Window:          func() time.Duration { return time.Hour },
		Now:             func() time.Time { return base.Add(30 * time.Second) },
	})
	require.NoError(t, err)
	return &fixture{engine: eng, store: store, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.server.Handler().ServeHTTP(w, req)
	return w
}

// =============================================================================
// Report Tests
// =============================================================================

func TestAccumulator_CountsAndMTBF(t *testing.T) {
	acc := NewAccumulator(base, base.Add(time.Hour))
	events := []model.Event{
		transition("t1", "ollama", model.StatusFailing, base),
		action("a1", "ollama", model.ActionSoftRestart, model.OutcomeSuccess, base.Add(time.Minute)),
		transition("t2", "ollama", model.StatusFailing, base.Add(10*time.Minute)),
		action("a2", "rag-engine", model.ActionRestartChain, model.OutcomeFailure, base.Add(11*time.Minute), "ollama", "rag-engine"),
		transition("t3", "ollama", model.StatusFailing, base.Add(30*time.Minute)),
		transition("t4", "rag-engine", model.StatusFailing, base.Add(31*time.Minute)),
		action("a3", model.HostTarget, model.ActionHostReboot, model.OutcomeSuccess, base.Add(32*time.Minute)),
		action("a4", model.HostTarget, model.ActionHostReboot, model.OutcomeSkipped, base.Add(33*time.Minute)),
		action("a5", model.HostTarget, model.ActionReleaseGPUCache, model.OutcomeSuccess, base.Add(34*time.Minute)),
	}
	for _, ev := range events {
		acc.Add(ev)
	}
	r := acc.Report()

	assert.Equal(t, 3, r.Restarts)
	assert.Equal(t, 1, r.Reboots)
	assert.Equal(t, 1, r.CacheReleases)
	assert.Equal(t, 1, r.FailedActions)
	assert.Equal(t, 1, r.Skipped)

	require.Len(t, r.Targets, 2)
	assert.Equal(t, "ollama", r.Targets[0].Target)
	assert.Equal(t, 2, r.Targets[0].Restarts)
	assert.Equal(t, 3, r.Targets[0].Failures)
	assert.Equal(t, (15 * time.Minute).Seconds(), r.Targets[0].MTBFSeconds)

	assert.Equal(t, "rag-engine", r.Targets[1].Target)
	assert.Zero(t, r.Targets[1].MTBFSeconds, "one failure has no interval")
	assert.Equal(t, (15 * time.Minute).Seconds(), r.MTBFSeconds, "overall averages targets with two or more failures")
}

func TestAccumulator_Empty(t *testing.T) {
	r := NewAccumulator(base, base).Report()
	assert.Empty(t, r.Targets)
	assert.Zero(t, r.MTBFSeconds)
}

// =============================================================================
// Server Tests
// =============================================================================

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	f.engine.last = base.Add(-time.Hour)
	w = f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "stalled")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Services, 1)
	assert.Equal(t, model.StatusSuspended, resp.Services[0].Status)
	assert.Equal(t, 3, resp.Services[0].Restarts)
	assert.Equal(t, model.StatusHealthy, resp.Host.Status)
}

func TestStats_UsesWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := base.Add(30 * time.Second)

	require.NoError(t, f.store.Append(ctx, action("old", "ollama", model.ActionSoftRestart, model.OutcomeSuccess, now.Add(-2*time.Hour))))
	require.NoError(t, f.store.Append(ctx, action("new", "ollama", model.ActionSoftRestart, model.OutcomeSuccess, now.Add(-10*time.Minute))))

	w := f.do(t, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var r Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	assert.Equal(t, 1, r.Restarts)

	w = f.do(t, http.MethodGet, "/v1/stats?window=3h")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	assert.Equal(t, 2, r.Restarts)

	w = f.do(t, http.MethodGet, "/v1/stats?window=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvents_FiltersAndPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Append(ctx, transition("t1", "ollama", model.StatusDegraded, base)))
	require.NoError(t, f.store.Append(ctx, transition("t2", "ollama", model.StatusFailing, base.Add(time.Second))))
	require.NoError(t, f.store.Append(ctx, action("r1", model.HostTarget, model.ActionHostReboot, model.OutcomeSkipped, base.Add(2*time.Second))))

	w := f.do(t, http.MethodGet, "/v1/events?severity=critical")
	require.Equal(t, http.StatusOK, w.Code)
	var page eventlog.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, "r1", page.Events[0].ID())

	w = f.do(t, http.MethodGet, "/v1/events?target=ollama&limit=1")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, "t2", page.Events[0].ID())
	require.NotEmpty(t, page.NextCursor)

	w = f.do(t, http.MethodGet, "/v1/events?target=ollama&limit=1&cursor="+page.NextCursor)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, "t1", page.Events[0].ID())

	w = f.do(t, http.MethodGet, "/v1/events?kind=remediation&since="+base.Add(time.Second).Format(time.RFC3339))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, model.EventRemediation, page.Events[0].Kind)
}

func TestEvents_EmptyIsArray(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/events")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"events":[]`)
}

func TestEvents_BadParameters(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{
		"severity=loud",
		"kind=heartbeat",
		"since=yesterday",
		"limit=-1",
		"cursor=!!!",
	} {
		t.Run(q, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/v1/events?"+q)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestClear(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/services/ollama/clear")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"was_suspended":true`)
	assert.Equal(t, []string{"ollama"}, f.engine.cleared)

	w = f.do(t, http.MethodPost, "/v1/services/nope/clear")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClear_NormalizesAndRejectsNames(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/services/Ollama/clear")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ollama"}, f.engine.cleared)

	w = f.do(t, http.MethodPost, "/v1/services/host/clear")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "reserved")
	assert.Equal(t, []string{"ollama"}, f.engine.cleared)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_sentinel_up")
}

func TestStream_DeliversFilteredEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?target=rag-engine"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ctx := context.Background()
	require.NoError(t, f.store.Append(ctx, transition("other", "ollama", model.StatusFailing, base)))
	require.NoError(t, f.store.Append(ctx, action("chain", "rag-engine", model.ActionRestartChain, model.OutcomeSuccess, base.Add(time.Second), "weaviate", "rag-engine")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev model.Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "chain", ev.ID())
	assert.Equal(t, []string{"weaviate", "rag-engine"}, ev.Remediation.Targets)
}

func TestStream_RejectsBadSeverity(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/events/stream?severity=loud")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
