// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Topology Tests
// =============================================================================

// appliance-shaped graph:
//
//	weaviate ◄── rag-engine ◄── orchestrator
//	ollama   ◄── rag-engine
//	ollama   ◄── embedder   ◄── orchestrator
func testTopology(t *testing.T) *Topology {
	t.Helper()
	topo, err := NewTopology(map[string][]string{
		"weaviate":     nil,
		"ollama":       nil,
		"rag-engine":   {"weaviate", "ollama"},
		"embedder":     {"ollama"},
		"orchestrator": {"rag-engine", "embedder"},
		"dashboard":    nil,
	})
	require.NoError(t, err)
	return topo
}

func TestTopology_Chain(t *testing.T) {
	topo := testTopology(t)
	assert.Equal(t, []string{"ollama", "weaviate", "rag-engine"}, topo.Chain("rag-engine"))
	assert.Equal(t, []string{"dashboard"}, topo.Chain("dashboard"))

	chain := topo.Chain("orchestrator")
	assert.Len(t, chain, 5)
	assert.Equal(t, "orchestrator", chain[len(chain)-1])
}

func TestTopology_Ancestors(t *testing.T) {
	topo := testTopology(t)
	assert.Equal(t, map[string]int{"rag-engine": 1, "embedder": 1, "weaviate": 2, "ollama": 2}, topo.Ancestors("orchestrator"))
	assert.Empty(t, topo.Ancestors("ollama"))
}

func TestTopology_NearestSharedUpstream(t *testing.T) {
	topo := testTopology(t)

	up, ok := topo.NearestSharedUpstream([]string{"rag-engine", "embedder", "orchestrator"})
	require.True(t, ok)
	assert.Equal(t, "ollama", up)

	up, ok = topo.NearestSharedUpstream([]string{"ollama", "embedder", "rag-engine"})
	require.True(t, ok)
	assert.Equal(t, "ollama", up)

	_, ok = topo.NearestSharedUpstream([]string{"dashboard", "rag-engine"})
	assert.False(t, ok)

	_, ok = topo.NearestSharedUpstream(nil)
	assert.False(t, ok)
}

func TestNewTopology_UnknownDependency(t *testing.T) {
	_, err := NewTopology(map[string][]string{"a": {"ghost"}})
	assert.Error(t, err)
}
