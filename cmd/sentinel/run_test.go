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
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/eventlog"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/stats"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// TestRunSentinel_DryRunRestartsFailingService drives the fully wired
// engine: a service whose health endpoint returns 503 is diagnosed FAILING
// and gets a tier-1 restart, which dry-run mode only logs.
func TestRunSentinel_DryRunRestartsFailingService(t *testing.T) {
	if testing.Short() {
		t.Skip("starts the full engine")
	}
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	listen := freeAddr(t)
	yaml := fmt.Sprintf(`
engine:
  maintenance_interval: 0s
monitor:
  intervals: {stateless: 20ms, stateful: 20ms, gpu_bound: 20ms}
  host_interval: 1h
  probe_timeout: 1s
executor:
  dry_run: true
  retry_backoff: 0s
  action_timeout: 1s
event_log:
  in_memory: true
api:
  listen: %s
telemetry:
  trace_exporter: none
  metric_exporter: none
services:
  - id: rag-engine
    kind: stateless
    probe:
      type: http
      url: %s/health
`, listen, broken.URL)
	path := writeConfig(t, yaml)
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })

	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSentinel(ctx, cfg) }()

	client := newAPIClient(listen)
	q := url.Values{"kind": {string(model.EventRemediation)}}
	var restart *model.RemediationEvent
	require.Eventually(t, func() bool {
		var page eventlog.Page
		if err := client.get(context.Background(), "/v1/events", q, &page); err != nil {
			return false
		}
		for _, ev := range page.Events {
			if ev.Remediation.Action == model.ActionSoftRestart {
				restart = ev.Remediation
				return true
			}
		}
		return false
	}, 15*time.Second, 50*time.Millisecond)

	assert.Equal(t, "rag-engine", restart.Target)
	assert.Equal(t, 1, restart.Tier)

	var st stats.StatusResponse
	require.NoError(t, client.get(context.Background(), "/v1/status", nil, &st))
	require.Len(t, st.Services, 1)
	assert.Equal(t, model.StatusFailing, st.Services[0].Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("sentinel did not shut down")
	}
}
