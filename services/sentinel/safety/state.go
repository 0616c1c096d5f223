// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// stateVersion is bumped when PersistedState changes shape.
const stateVersion = 1

// PersistedState is the governor bookkeeping written to durable storage
// after every mutation.
type PersistedState struct {
	Version          int                    `json:"version"`
	Host             model.HostState        `json:"host"`
	Restarts         map[string][]time.Time `json:"restarts"`
	Suspended        map[string]time.Time   `json:"suspended"`
	LastCacheRelease time.Time              `json:"last_cache_release,omitzero"`
	SavedAt          time.Time              `json:"saved_at"`
}

// StateStore persists governor state.
//
// LoadGovernorState returns found=false on first start.
type StateStore interface {
	LoadGovernorState(ctx context.Context) (state PersistedState, found bool, err error)
	SaveGovernorState(ctx context.Context, state PersistedState) error
}

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore is an in-process StateStore for tests and for running
// without a database. State does not survive the process.
type MemoryStore struct {
	mu    sync.Mutex
	state *PersistedState

	// SaveFunc, when set, replaces the save behavior (failure injection).
	SaveFunc func(ctx context.Context, state PersistedState) error
	// SaveCalls counts SaveGovernorState invocations.
	SaveCalls int
}

// LoadGovernorState implements StateStore.
func (m *MemoryStore) LoadGovernorState(ctx context.Context) (PersistedState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return PersistedState{}, false, nil
	}
	return cloneState(*m.state), true, nil
}

// SaveGovernorState implements StateStore.
func (m *MemoryStore) SaveGovernorState(ctx context.Context, state PersistedState) error {
	m.mu.Lock()
	m.SaveCalls++
	fn := m.SaveFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, state); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := cloneState(state)
	m.state = &s
	return nil
}

var _ StateStore = (*MemoryStore)(nil)

func cloneState(s PersistedState) PersistedState {
	out := s
	out.Host.Reboots = append([]time.Time(nil), s.Host.Reboots...)
	if s.Host.Suppression != nil {
		sup := *s.Host.Suppression
		sup.Targets = append([]string(nil), sup.Targets...)
		out.Host.Suppression = &sup
	}
	out.Restarts = make(map[string][]time.Time, len(s.Restarts))
	for k, v := range s.Restarts {
		out.Restarts[k] = append([]time.Time(nil), v...)
	}
	out.Suspended = make(map[string]time.Time, len(s.Suspended))
	for k, v := range s.Suspended {
		out.Suspended[k] = v
	}
	return out
}

// =============================================================================
// Verification
// =============================================================================

// Verify checks the structural invariants of governor bookkeeping.
//
// # Description
//
// Count limits are enforced at grant time; Verify looks for states no
// sequence of grants can produce: unordered or future reboot timestamps,
// a cooldown that does not match the last reboot, restart history in the
// future, or a suppression longer than the configured interval. Any hit
// means the bookkeeping cannot be trusted.
//
// # Outputs
//
//   - error: Describes the first inconsistency, nil if consistent.
func Verify(s PersistedState, limits config.SafetyConfig, now time.Time) error {
	if s.Version != 0 && s.Version != stateVersion {
		return fmt.Errorf("unsupported state version %d", s.Version)
	}
	horizon := now.Add(limits.ClockSkewTolerance)

	h := s.Host
	if !sort.SliceIsSorted(h.Reboots, func(i, j int) bool { return h.Reboots[i].Before(h.Reboots[j]) }) {
		return fmt.Errorf("reboot history out of order")
	}
	for _, r := range h.Reboots {
		if r.After(horizon) {
			return fmt.Errorf("reboot recorded in the future: %s", r.Format(time.RFC3339))
		}
	}
	if n := len(h.Reboots); n > 0 && !h.LastReboot.Equal(h.Reboots[n-1]) {
		return fmt.Errorf("last reboot %s does not match history", h.LastReboot.Format(time.RFC3339))
	}
	if h.LastReboot.IsZero() && !h.CooldownUntil.IsZero() {
		return fmt.Errorf("cooldown set without a reboot")
	}
	if !h.LastReboot.IsZero() && h.CooldownUntil.After(h.LastReboot.Add(limits.RebootCooldown).Add(limits.ClockSkewTolerance)) {
		return fmt.Errorf("cooldown until %s exceeds configured cooldown", h.CooldownUntil.Format(time.RFC3339))
	}
	if h.Suppression != nil && h.Suppression.Until.After(horizon.Add(limits.SuppressionInterval)) {
		return fmt.Errorf("suppression until %s exceeds configured interval", h.Suppression.Until.Format(time.RFC3339))
	}
	for svc, hist := range s.Restarts {
		for _, r := range hist {
			if r.After(horizon) {
				return fmt.Errorf("restart of %s recorded in the future", svc)
			}
		}
	}
	if s.LastCacheRelease.After(horizon) {
		return fmt.Errorf("cache release recorded in the future")
	}
	return nil
}
