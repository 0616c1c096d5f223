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
	"sort"
	"time"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// TargetStats summarizes one target over a report window.
type TargetStats struct {
	Target   string `json:"target"`
	Restarts int    `json:"restarts"`
	Failures int    `json:"failures"`
	// MTBFSeconds is the mean interval between consecutive transitions
	// into FAILING, zero with fewer than two failures.
	MTBFSeconds float64 `json:"mtbf_seconds,omitempty"`
}

// Report is the /v1/stats payload.
type Report struct {
	Since         time.Time     `json:"since"`
	Until         time.Time     `json:"until"`
	Restarts      int           `json:"restarts"`
	Reboots       int           `json:"reboots"`
	CacheReleases int           `json:"cache_releases"`
	FailedActions int           `json:"failed_actions"`
	Skipped       int           `json:"skipped"`
	MTBFSeconds   float64       `json:"mtbf_seconds,omitempty"`
	Targets       []TargetStats `json:"targets"`
}

// Accumulator builds a Report from events fed in ascending time order.
//
// Restarts count every executed restart attempt per restarted service
// (a chain restart counts once per member). Reboots count issued reboots.
// Skipped events count separately and never as actions.
type Accumulator struct {
	report   Report
	targets  map[string]*TargetStats
	failures map[string][]time.Time
}

// NewAccumulator starts a report for [since, until].
func NewAccumulator(since, until time.Time) *Accumulator {
	return &Accumulator{
		report:   Report{Since: since, Until: until},
		targets:  make(map[string]*TargetStats),
		failures: make(map[string][]time.Time),
	}
}

func (a *Accumulator) target(id string) *TargetStats {
	ts, ok := a.targets[id]
	if !ok {
		ts = &TargetStats{Target: id}
		a.targets[id] = ts
	}
	return ts
}

// Add folds one event into the report. It always returns true so it can be
// passed straight to Store.Scan.
func (a *Accumulator) Add(ev model.Event) bool {
	switch {
	case ev.Transition != nil:
		t := ev.Transition
		if t.To == model.StatusFailing {
			a.target(t.Target).Failures++
			a.failures[t.Target] = append(a.failures[t.Target], t.Timestamp)
		}
	case ev.Remediation != nil:
		a.addRemediation(ev.Remediation)
	}
	return true
}

func (a *Accumulator) addRemediation(r *model.RemediationEvent) {
	if r.Outcome == model.OutcomeSkipped {
		a.report.Skipped++
		return
	}
	if r.Outcome == model.OutcomeFailure {
		a.report.FailedActions++
	}

	switch {
	case r.Action.IsRestart():
		members := r.Targets
		if len(members) == 0 {
			members = []string{r.Target}
		}
		for _, m := range members {
			a.target(m).Restarts++
			a.report.Restarts++
		}
	case r.Action == model.ActionHostReboot:
		if r.Outcome == model.OutcomeSuccess {
			a.report.Reboots++
		}
	case r.Action == model.ActionReleaseGPUCache:
		a.report.CacheReleases++
	}
}

// Report finalizes MTBF and returns targets sorted by id.
func (a *Accumulator) Report() Report {
	out := a.report
	out.Targets = make([]TargetStats, 0, len(a.targets))

	var sum float64
	var n int
	for id, ts := range a.targets {
		if m, ok := mtbf(a.failures[id]); ok {
			ts.MTBFSeconds = m.Seconds()
			sum += ts.MTBFSeconds
			n++
		}
		out.Targets = append(out.Targets, *ts)
	}
	sort.Slice(out.Targets, func(i, j int) bool { return out.Targets[i].Target < out.Targets[j].Target })
	if n > 0 {
		out.MTBFSeconds = sum / float64(n)
	}
	return out
}

// mtbf is the mean gap between consecutive failure times.
func mtbf(times []time.Time) (time.Duration, bool) {
	if len(times) < 2 {
		return 0, false
	}
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	return sorted[len(sorted)-1].Sub(sorted[0]) / time.Duration(len(sorted)-1), true
}
