// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSentinel/pkg/process"
)

// =============================================================================
// Podman Tests
// =============================================================================

func runningMock(running string) *process.MockRunner {
	return &process.MockRunner{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if args[0] == "inspect" {
				return []byte(running + "\n"), nil
			}
			return nil, nil
		},
	}
}

func TestPodman_RestartConfirmsRunning(t *testing.T) {
	m := runningMock("true")
	p := NewPodman(m, "")

	require.NoError(t, p.Restart(context.Background(), "ollama"))
	assert.Equal(t, []string{
		"podman restart ollama",
		"podman inspect --format {{.State.Running}} ollama",
	}, m.Lines())
}

func TestPodman_RestartNotRunningTimesOut(t *testing.T) {
	p := NewPodman(runningMock("false"), "/usr/bin/podman")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Restart(ctx, "weaviate")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPodman_RestartFailure(t *testing.T) {
	m := &process.MockRunner{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("exit status 125: no such container")
		},
	}
	err := NewPodman(m, "").Restart(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "podman restart ghost")
}

func TestPodman_RejectsInvalidNames(t *testing.T) {
	m := &process.MockRunner{}
	p := NewPodman(m, "")
	assert.Error(t, p.Restart(context.Background(), "ollama; reboot"))
	assert.Error(t, p.Stop(context.Background(), "-rf"))
	assert.Empty(t, m.Calls())
}

func TestPodman_Prune(t *testing.T) {
	m := &process.MockRunner{}
	p := NewPodman(m, "")

	require.NoError(t, p.PruneStoppedContainers(context.Background()))
	require.NoError(t, p.PruneImagesOlderThan(context.Background(), 7*24*time.Hour))
	assert.Error(t, p.PruneImagesOlderThan(context.Background(), 0))

	assert.Equal(t, []string{
		"podman container prune -f",
		"podman image prune -f --filter until=168h",
	}, m.Lines())
}

func TestReadOnly(t *testing.T) {
	assert.True(t, ReadOnly("podman", []string{"inspect", "x"}))
	assert.True(t, ReadOnly("nvidia-smi", []string{"--query-gpu=memory.used", "--format=csv"}))
	assert.False(t, ReadOnly("podman", []string{"restart", "x"}))
	assert.False(t, ReadOnly("systemctl", []string{"reboot"}))
	assert.False(t, ReadOnly("podman", nil))
}

// =============================================================================
// GPU Runtime Tests
// =============================================================================

func TestParseSMI(t *testing.T) {
	usage, err := parseSMI([]byte("38912, 40960, 71\n"))
	require.NoError(t, err)
	assert.InDelta(t, 38.0, usage.UsedGB, 0.001)
	assert.InDelta(t, 40.0, usage.TotalGB, 0.001)
	assert.InDelta(t, 71.0, usage.TemperatureC, 0.001)
	assert.InDelta(t, 95.0, usage.Percent(), 0.001)

	usage, err = parseSMI([]byte("1024, 2048, 60\n2048, 2048, 75\n"))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, usage.UsedGB, 0.001)
	assert.InDelta(t, 75.0, usage.TemperatureC, 0.001)

	_, err = parseSMI([]byte(""))
	assert.ErrorIs(t, err, ErrNoGPU)

	_, err = parseSMI([]byte("N/A, 40960, 70"))
	assert.Error(t, err)
}

func TestGPURuntime_UsageDisabled(t *testing.T) {
	_, err := NewGPURuntime(&process.MockRunner{}, "", "", nil).Usage(context.Background())
	assert.ErrorIs(t, err, ErrNoGPU)
}

func TestGPURuntime_ReleaseCacheUnloadsEveryModel(t *testing.T) {
	var mu sync.Mutex
	var unloaded []ollamaUnloadRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ps":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b","model":"llama3:8b"},{"name":"nomic-embed-text"}]}`))
		case "/api/generate":
			var req ollamaUnloadRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			mu.Lock()
			unloaded = append(unloaded, req)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"done":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGPURuntime(&process.MockRunner{}, "nvidia-smi", srv.URL+"/", srv.Client())
	models, err := g.ReleaseCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b", "nomic-embed-text"}, models)
	require.Len(t, unloaded, 2)
	assert.Equal(t, 0, unloaded[0].KeepAlive)
}

func TestGPURuntime_ReleaseCacheServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewGPURuntime(&process.MockRunner{}, "", srv.URL, srv.Client()).ReleaseCache(context.Background())
	assert.Error(t, err)
}
