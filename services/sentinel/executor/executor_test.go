// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/AleutianSentinel/pkg/process"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeContainers struct {
	RestartFunc func(ctx context.Context, name string) error

	mu       sync.Mutex
	restarts []string
	prunes   []string
}

func (f *fakeContainers) Restart(ctx context.Context, name string) error {
	f.mu.Lock()
	f.restarts = append(f.restarts, name)
	f.mu.Unlock()
	if f.RestartFunc != nil {
		return f.RestartFunc(ctx, name)
	}
	return nil
}

func (f *fakeContainers) PruneStoppedContainers(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, "containers")
	return nil
}

func (f *fakeContainers) PruneImagesOlderThan(_ context.Context, minAge time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, "images:"+minAge.String())
	return nil
}

func (f *fakeContainers) Restarts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restarts...)
}

type fakeGPU struct {
	calls atomic.Int32
	err   error
}

func (g *fakeGPU) ReleaseCache(context.Context) ([]string, error) {
	g.calls.Add(1)
	return []string{"llama3:8b"}, g.err
}

func testConfig() config.ExecutorConfig {
	cfg := config.DefaultConfig().Executor
	cfg.RetryBackoff = time.Millisecond
	cfg.ActionTimeout = time.Second
	return cfg
}

func newTestExecutor(t *testing.T, c Containers, runner process.Runner, gpu CacheReleaser) *Executor {
	t.Helper()
	e, err := New(Options{
		Config:           testConfig(),
		Containers:       map[string]string{"rag-engine": "aleutian-rag-engine"},
		ImagePruneMinAge: 168 * time.Hour,
		Podman:           c,
		GPU:              gpu,
		Runner:           runner,
	})
	require.NoError(t, err)
	return e
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestExecute_SoftRestartUsesContainerName(t *testing.T) {
	c := &fakeContainers{}
	e := newTestExecutor(t, c, &process.MockRunner{}, nil)

	res := e.Execute(context.Background(), Action{Kind: model.ActionSoftRestart, Target: "rag-engine"})
	assert.True(t, res.Succeeded())
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, []string{"aleutian-rag-engine"}, c.Restarts())

	e.Execute(context.Background(), Action{Kind: model.ActionSoftRestart, Target: "ollama"})
	assert.Equal(t, []string{"aleutian-rag-engine", "ollama"}, c.Restarts())
}

func TestExecute_RetriesOnceThenSucceeds(t *testing.T) {
	var n atomic.Int32
	c := &fakeContainers{RestartFunc: func(context.Context, string) error {
		if n.Add(1) == 1 {
			return errors.New("exit status 125")
		}
		return nil
	}}
	e := newTestExecutor(t, c, &process.MockRunner{}, nil)

	res := e.Execute(context.Background(), Action{Kind: model.ActionSoftRestart, Target: "weaviate"})
	assert.True(t, res.Succeeded())
	assert.Equal(t, 2, res.Attempts)
}

func TestExecute_FailsAfterOneRetry(t *testing.T) {
	c := &fakeContainers{RestartFunc: func(context.Context, string) error {
		return errors.New("exit status 125")
	}}
	e := newTestExecutor(t, c, &process.MockRunner{}, nil)

	res := e.Execute(context.Background(), Action{Kind: model.ActionSoftRestart, Target: "weaviate"})
	assert.Equal(t, model.OutcomeFailure, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Error(t, res.Err)
	assert.Len(t, c.Restarts(), 2)
}

func TestExecute_ChainRestartsInOrderAndStopsAtFailure(t *testing.T) {
	c := &fakeContainers{}
	e := newTestExecutor(t, c, &process.MockRunner{}, nil)

	res := e.Execute(context.Background(), Action{
		Kind:    model.ActionRestartChain,
		Target:  "rag-engine",
		Members: []string{"ollama", "weaviate", "rag-engine"},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, []string{"ollama", "weaviate", "aleutian-rag-engine"}, c.Restarts())

	failing := &fakeContainers{RestartFunc: func(_ context.Context, name string) error {
		if name == "weaviate" {
			return errors.New("no such container")
		}
		return nil
	}}
	e = newTestExecutor(t, failing, &process.MockRunner{}, nil)
	res = e.Execute(context.Background(), Action{
		Kind:    model.ActionRestartChain,
		Target:  "rag-engine",
		Members: []string{"ollama", "weaviate", "rag-engine"},
	})
	assert.False(t, res.Succeeded())
	assert.Equal(t, []string{"ollama", "weaviate", "ollama", "weaviate"}, failing.Restarts())

	res = e.Execute(context.Background(), Action{Kind: model.ActionRestartChain, Target: "x"})
	assert.ErrorIs(t, res.Err, ErrNoMembers)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_RebootNeverRetriedOrCancelled(t *testing.T) {
	var ctxErr error
	runner := &process.MockRunner{RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		ctxErr = ctx.Err()
		return nil, errors.New("Failed to talk to init daemon")
	}}
	e := newTestExecutor(t, &fakeContainers{}, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, Action{Kind: model.ActionHostReboot, Target: model.HostTarget})

	assert.Equal(t, model.OutcomeFailure, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, ctxErr)
	assert.Equal(t, []string{"systemctl reboot"}, runner.Lines())
}

func TestExecute_DestructiveHasNoExecutionPath(t *testing.T) {
	c := &fakeContainers{}
	runner := &process.MockRunner{}
	e := newTestExecutor(t, c, runner, nil)

	for _, kind := range []model.ActionKind{model.ActionPruneVolumes, model.ActionPruneAllImages} {
		res := e.Execute(context.Background(), Action{Kind: kind, Target: model.HostTarget})
		assert.ErrorIs(t, res.Err, ErrDestructive)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Empty(t, runner.Calls())
	assert.Empty(t, c.prunes)
}

func TestExecute_UnknownAction(t *testing.T) {
	e := newTestExecutor(t, &fakeContainers{}, &process.MockRunner{}, nil)
	res := e.Execute(context.Background(), Action{Kind: "rm-rf", Target: "host"})
	assert.ErrorIs(t, res.Err, ErrUnknownAction)
}

func TestExecute_BoundedPrunes(t *testing.T) {
	c := &fakeContainers{}
	e := newTestExecutor(t, c, &process.MockRunner{}, nil)

	assert.True(t, e.Execute(context.Background(), Action{Kind: model.ActionPruneStoppedContainers, Target: model.HostTarget}).Succeeded())
	assert.True(t, e.Execute(context.Background(), Action{Kind: model.ActionPruneAgedImages, Target: model.HostTarget}).Succeeded())
	assert.Equal(t, []string{"containers", "images:168h0m0s"}, c.prunes)

	e.UpdateConfig(testConfig(), 48*time.Hour)
	e.Execute(context.Background(), Action{Kind: model.ActionPruneAgedImages, Target: model.HostTarget})
	assert.Equal(t, "images:48h0m0s", c.prunes[2])
}

func TestExecute_GPUCacheRelease(t *testing.T) {
	gpu := &fakeGPU{}
	e := newTestExecutor(t, &fakeContainers{}, &process.MockRunner{}, gpu)

	res := e.Execute(context.Background(), Action{Kind: model.ActionReleaseGPUCache, Target: model.HostTarget})
	require.True(t, res.Succeeded())
	assert.Equal(t, "unloaded 1 models", res.Detail)

	noGPU := newTestExecutor(t, &fakeContainers{}, &process.MockRunner{}, nil)
	assert.False(t, noGPU.Execute(context.Background(), Action{Kind: model.ActionReleaseGPUCache, Target: model.HostTarget}).Succeeded())
}

func TestExecute_InFlightDuplicateJoins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := &fakeContainers{RestartFunc: func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}}
	e := newTestExecutor(t, c, &process.MockRunner{}, nil)
	action := Action{Kind: model.ActionSoftRestart, Target: "ollama"}

	results := make(chan Result, 2)
	go func() { results <- e.Execute(context.Background(), action) }()
	<-started
	go func() { results <- e.Execute(context.Background(), action) }()
	time.Sleep(100 * time.Millisecond)
	close(release)

	first, second := <-results, <-results
	assert.True(t, first.Succeeded())
	assert.True(t, second.Succeeded())
	assert.NotEqual(t, first.Deduplicated, second.Deduplicated)
	assert.Len(t, c.Restarts(), 1)
}

func TestExecute_RecordsDuration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	e, err := New(Options{
		Config: testConfig(),
		Podman: &fakeContainers{},
		Runner: &process.MockRunner{},
		Meter:  provider.Meter("test"),
	})
	require.NoError(t, err)
	e.Execute(context.Background(), Action{Kind: model.ActionSoftRestart, Target: "ollama"})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "sentinel.action.duration", m.Name)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}
