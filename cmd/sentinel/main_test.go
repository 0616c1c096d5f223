// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/eventlog"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/stats"
)

const testConfig = `
api:
  listen: 127.0.0.1:7999
services:
  - id: weaviate
    kind: stateful
    probe:
      type: http
      url: http://localhost:8080/v1/.well-known/ready
  - id: rag-engine
    kind: stateless
    depends_on: [weaviate]
    probe:
      type: tcp
      address: localhost:8000
`

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// fakeAPI serves canned engine responses and records request URLs.
type fakeAPI struct {
	*httptest.Server
	mu   sync.Mutex
	reqs []string
}

func (a *fakeAPI) record(r *http.Request) {
	a.mu.Lock()
	a.reqs = append(a.reqs, r.URL.String())
	a.mu.Unlock()
}

func (a *fakeAPI) requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reqs...)
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSON(w, http.StatusOK, stats.StatusResponse{
			GeneratedAt: now,
			Host: model.HostSnapshot{
				Status:      model.StatusHealthy,
				GPUPressure: "warning",
				Metrics:     model.MetricSnapshot{GPUMemoryUsedGB: 37, GPUMemoryTotalGB: 40, RAMPercent: 41},
				Suppression: &model.Suppression{Until: now.Add(10 * time.Minute), Targets: []string{"a", "b", "c"}},
			},
			Services: []model.ServiceSnapshot{
				{Service: model.Service{ID: "weaviate", Kind: model.KindStateful, Status: model.StatusHealthy}},
				{Service: model.Service{ID: "rag-engine", Kind: model.KindStateless, Status: model.StatusFailing}, Tier: 1, InFlight: true, Restarts: 1},
			},
		})
	})
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSON(w, http.StatusOK, eventlog.Page{
			Events: []model.Event{
				model.NewRemediation(model.RemediationEvent{
					ID: "r1", Target: model.HostTarget, Action: model.ActionHostReboot, Tier: 4, Timestamp: now,
					Outcome: model.OutcomeSkipped, Reason: "skipped: cooldown active", Severity: model.SeverityWarning,
				}),
				model.NewTransition(model.TransitionEvent{
					ID: "t1", Target: "rag-engine", From: model.StatusDegraded, To: model.StatusFailing, Timestamp: now,
					Reason: "3 failed probes", Severity: model.SeverityCritical,
				}),
			},
			NextCursor: "abc",
		})
	})
	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		writeJSON(w, http.StatusOK, stats.Report{
			Since: now.Add(-time.Hour), Until: now, Restarts: 4, Reboots: 1, MTBFSeconds: 600,
			Targets: []stats.TargetStats{{Target: "rag-engine", Restarts: 4, Failures: 2, MTBFSeconds: 600}},
		})
	})
	mux.HandleFunc("POST /v1/services/{id}/clear", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		id := r.PathValue("id")
		if id != "rag-engine" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": `unknown service "` + id + `"`})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"service": id, "was_suspended": true})
	})
	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return api
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Client Commands
// =============================================================================

func TestStatusCmd_RendersHostAndServices(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "status", "--api", api.URL)
	require.NoError(t, err)

	assert.Contains(t, out, "HEALTHY")
	assert.Contains(t, out, "37.0 / 40.0 GB (warning)")
	assert.Contains(t, out, "[WARNING] cascading failure: remediation suppressed for a, b, c")
	assert.Contains(t, out, "rag-engine")
	assert.Contains(t, out, "FAILING")
	assert.Contains(t, out, "in-flight")
}

func TestStatusCmd_JSON(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "status", "--api", api.URL, "--json")
	require.NoError(t, err)

	var st stats.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Len(t, st.Services, 2)
	assert.Equal(t, model.StatusFailing, st.Services[1].Status)
}

func TestEventsCmd_PassesFilters(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "events", "--api", api.URL, "--severity", "warning", "--target", "host", "--limit", "5", "--since", "1h")
	require.NoError(t, err)

	require.Len(t, api.requests(), 1)
	req := api.requests()[0]
	assert.Contains(t, req, "severity=warning")
	assert.Contains(t, req, "target=host")
	assert.Contains(t, req, "limit=5")
	assert.Contains(t, req, "since=")

	assert.Contains(t, out, "tier 4 host-reboot skipped-by-policy: skipped: cooldown active")
	assert.Contains(t, out, "DEGRADED → FAILING: 3 failed probes")
	assert.Contains(t, out, "--cursor abc")
}

func TestStatsCmd(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "stats", "--api", api.URL, "--window", "2h")
	require.NoError(t, err)

	require.Len(t, api.requests(), 1)
	assert.Contains(t, api.requests()[0], "window=2h0m0s")
	assert.Contains(t, out, "10m0s")
	assert.Contains(t, out, "rag-engine")
}

func TestClearCmd(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "clear", "rag-engine", "--api", api.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "rag-engine cleared")

	_, err = execute(t, "clear", "ghost", "--api", api.URL)
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, `unknown service "ghost"`, apiErr.Message)
}

func TestClientCmd_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := execute(t, "status", "--api", addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

// =============================================================================
// Configuration
// =============================================================================

func TestValidateCmd(t *testing.T) {
	path := writeConfig(t, testConfig)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "weaviate → rag-engine")
	assert.Contains(t, out, "3 per 1h0m0s")
}

func TestValidateCmd_Invalid(t *testing.T) {
	path := writeConfig(t, "services: []\n")
	_, err := execute(t, "validate", "--config", path)
	assert.Error(t, err)
}

func TestRunCmd_MissingConfigFails(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestResolveAPIAddr(t *testing.T) {
	t.Cleanup(func() { apiAddr, configPath = "", defaultConfigPath })

	apiAddr = "10.0.0.2:9000"
	assert.Equal(t, "10.0.0.2:9000", resolveAPIAddr())

	apiAddr = ""
	configPath = writeConfig(t, testConfig)
	assert.Equal(t, "127.0.0.1:7999", resolveAPIAddr())

	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Equal(t, fallbackAPIAddr, resolveAPIAddr())
}

func TestNewAPIClient_NormalizesBase(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7071", newAPIClient("127.0.0.1:7071").base)
	assert.Equal(t, "https://sentinel.local", newAPIClient("https://sentinel.local/").base)
}

func TestEventsFlags_Query(t *testing.T) {
	now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	q := eventsFlags{kind: "remediation", since: 30 * time.Minute, cursor: "x"}.query(now)
	assert.Equal(t, "remediation", q.Get("kind"))
	assert.Equal(t, "2026-06-01T02:30:00Z", q.Get("since"))
	assert.Equal(t, "x", q.Get("cursor"))
	assert.Empty(t, q.Get("limit"))
	assert.False(t, strings.Contains(q.Encode(), "severity"))
}
