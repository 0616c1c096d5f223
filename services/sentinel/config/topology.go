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
	"fmt"
	"sort"
	"strings"
)

// Topology is the service dependency graph.
//
// # Description
//
// Edges point from a service to the services it depends on (its
// upstreams). The graph is immutable after construction and acyclic.
//
// # Thread Safety
//
// Safe for concurrent reads.
type Topology struct {
	deps  map[string][]string
	order []string
	index map[string]int
}

// NewTopology builds a Topology from id → depends-on. Every id referenced
// as a dependency must be a key.
func NewTopology(deps map[string][]string) (*Topology, error) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id, ups := range deps {
		indegree[id] += 0
		for _, up := range ups {
			if _, ok := deps[up]; !ok {
				return nil, fmt.Errorf("service %s depends on unknown service %q", id, up)
			}
			indegree[id]++
			dependents[up] = append(dependents[up], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := dependents[id]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}
	if len(order) != len(indegree) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}

	t := &Topology{deps: make(map[string][]string, len(deps)), order: order, index: make(map[string]int, len(order))}
	for id, ups := range deps {
		t.deps[id] = append([]string(nil), ups...)
	}
	for i, id := range order {
		t.index[id] = i
	}
	return t, nil
}

// Topology builds the dependency graph of the configured services.
func (c *Config) Topology() (*Topology, error) {
	deps := make(map[string][]string, len(c.Services))
	for _, svc := range c.Services {
		deps[svc.ID] = svc.DependsOn
	}
	return NewTopology(deps)
}

// Order returns every service, upstreams before dependents.
func (t *Topology) Order() []string {
	return append([]string(nil), t.order...)
}

// DependsOn returns the direct upstreams of id.
func (t *Topology) DependsOn(id string) []string {
	return append([]string(nil), t.deps[id]...)
}

// Ancestors returns every transitive upstream of id with its shortest
// distance in edges. id itself is not included.
func (t *Topology) Ancestors(id string) map[string]int {
	dist := make(map[string]int)
	frontier := []string{id}
	for d := 1; len(frontier) > 0; d++ {
		var next []string
		for _, n := range frontier {
			for _, up := range t.deps[n] {
				if _, seen := dist[up]; !seen && up != id {
					dist[up] = d
					next = append(next, up)
				}
			}
		}
		frontier = next
	}
	return dist
}

// Chain returns id and all of its transitive upstreams, upstreams first.
func (t *Topology) Chain(id string) []string {
	members := []string{id}
	for up := range t.Ancestors(id) {
		members = append(members, up)
	}
	sort.Slice(members, func(i, j int) bool { return t.index[members[i]] < t.index[members[j]] })
	return members
}

// NearestSharedUpstream finds the service closest to every target that all
// targets depend on, directly or transitively. A target counts as its own
// upstream at distance zero, so a failing root shared by the others is
// chosen. Ties go to the smallest total distance, then alphabetically.
func (t *Topology) NearestSharedUpstream(targets []string) (string, bool) {
	if len(targets) == 0 {
		return "", false
	}
	type score struct{ max, sum int }
	var candidates map[string]score
	for i, target := range targets {
		reach := t.Ancestors(target)
		reach[target] = 0
		if i == 0 {
			candidates = make(map[string]score, len(reach))
			for id, d := range reach {
				candidates[id] = score{max: d, sum: d}
			}
			continue
		}
		for id, sc := range candidates {
			d, ok := reach[id]
			if !ok {
				delete(candidates, id)
				continue
			}
			if d > sc.max {
				sc.max = d
			}
			sc.sum += d
			candidates[id] = sc
		}
	}

	best, found := "", false
	var bestScore score
	for id, sc := range candidates {
		if !found ||
			sc.max < bestScore.max ||
			(sc.max == bestScore.max && sc.sum < bestScore.sum) ||
			(sc.max == bestScore.max && sc.sum == bestScore.sum && id < best) {
			best, bestScore, found = id, sc, true
		}
	}
	return best, found
}
