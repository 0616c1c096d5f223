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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSentinel/pkg/ux"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/eventlog"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/stats"
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host and per-service health as seen by the running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client := newAPIClient(resolveAPIAddr())
			if jsonOutput {
				return printRaw(ctx, cmd.OutOrStdout(), client, "/v1/status", nil)
			}
			var st stats.StatusResponse
			if err := client.get(ctx, "/v1/status", nil, &st); err != nil {
				return err
			}
			renderStatus(ux.NewPrinter(cmd.OutOrStdout()), st)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize remediation activity and MTBF over a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			q := url.Values{}
			if window > 0 {
				q.Set("window", window.String())
			}
			client := newAPIClient(resolveAPIAddr())
			if jsonOutput {
				return printRaw(ctx, cmd.OutOrStdout(), client, "/v1/stats", q)
			}
			var report stats.Report
			if err := client.get(ctx, "/v1/stats", q, &report); err != nil {
				return err
			}
			renderStats(ux.NewPrinter(cmd.OutOrStdout()), report)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 0, "reporting window (default: the restart window)")
	return cmd
}

type eventsFlags struct {
	severity string
	target   string
	kind     string
	since    time.Duration
	limit    int
	cursor   string
}

func (f eventsFlags) query(now time.Time) url.Values {
	q := url.Values{}
	if f.severity != "" {
		q.Set("severity", f.severity)
	}
	if f.target != "" {
		q.Set("target", f.target)
	}
	if f.kind != "" {
		q.Set("kind", f.kind)
	}
	if f.since > 0 {
		q.Set("since", now.Add(-f.since).UTC().Format(time.RFC3339))
	}
	if f.limit > 0 {
		q.Set("limit", strconv.Itoa(f.limit))
	}
	if f.cursor != "" {
		q.Set("cursor", f.cursor)
	}
	return q
}

func newEventsCmd() *cobra.Command {
	var flags eventsFlags
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List transitions and remediation decisions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			q := flags.query(time.Now())
			client := newAPIClient(resolveAPIAddr())
			if jsonOutput {
				return printRaw(ctx, cmd.OutOrStdout(), client, "/v1/events", q)
			}
			var page eventlog.Page
			if err := client.get(ctx, "/v1/events", q, &page); err != nil {
				return err
			}
			renderEvents(ux.NewPrinter(cmd.OutOrStdout()), page)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.severity, "severity", "s", "", "minimum severity: info, warning or critical")
	cmd.Flags().StringVarP(&flags.target, "target", "t", "", "only events touching this service or host")
	cmd.Flags().StringVar(&flags.kind, "kind", "", "transition or remediation")
	cmd.Flags().DurationVar(&flags.since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 50, "page size")
	cmd.Flags().StringVar(&flags.cursor, "cursor", "", "continue from a previous page")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <service>",
		Short: "Lift a service's suspension and reset its restart history",
		Long: `A service that exceeded its automatic restart limit is SUSPENDED and
receives no further automatic action. Clear returns it to UNKNOWN so the
engine re-diagnoses it from fresh probes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var resp struct {
				Service      string `json:"service"`
				WasSuspended bool   `json:"was_suspended"`
			}
			client := newAPIClient(resolveAPIAddr())
			if err := client.post(ctx, "/v1/services/"+url.PathEscape(args[0])+"/clear", &resp); err != nil {
				return err
			}
			p := ux.NewPrinter(cmd.OutOrStdout())
			if resp.WasSuspended {
				p.Line("%s %s cleared; automatic remediation resumed", p.Indicator(ux.LevelOK), resp.Service)
			} else {
				p.Line("%s %s was not suspended; restart history reset", p.Indicator(ux.LevelPending), resp.Service)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without starting the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			order, err := cfg.DependencyOrder()
			if err != nil {
				return err
			}
			p := ux.NewPrinter(cmd.OutOrStdout())
			p.Line("%s %s is valid", p.Indicator(ux.LevelOK), configPath)
			p.Field("services", strconv.Itoa(len(cfg.Services)))
			p.Field("start order", strings.Join(order, " "+string(ux.IconArrow)+" "))
			p.Field("restart limit", fmt.Sprintf("%d per %s", cfg.Safety.MaxRestarts, cfg.Safety.RestartWindow))
			p.Field("reboot limit", fmt.Sprintf("%d per %s, cooldown %s", cfg.Safety.MaxReboots, cfg.Safety.RebootWindow, cfg.Safety.RebootCooldown))
			if cfg.Executor.DryRun {
				p.Box(ux.LevelWarning, "dry_run is enabled: remediation commands will only be logged")
			}
			return nil
		},
	}
}

// =============================================================================
// RENDERING
// =============================================================================

func printRaw(ctx context.Context, w io.Writer, client *apiClient, path string, q url.Values) error {
	var raw json.RawMessage
	if err := client.get(ctx, path, q, &raw); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func statusLevel(s model.Status) ux.Level {
	switch s {
	case model.StatusHealthy:
		return ux.LevelOK
	case model.StatusDegraded:
		return ux.LevelWarning
	case model.StatusFailing, model.StatusSuspended:
		return ux.LevelError
	default:
		return ux.LevelPending
	}
}

func severityLevel(s model.Severity) ux.Level {
	switch s {
	case model.SeverityCritical:
		return ux.LevelError
	case model.SeverityWarning:
		return ux.LevelWarning
	default:
		return ux.LevelPending
	}
}

func renderStatus(p *ux.Printer, st stats.StatusResponse) {
	h := st.Host
	p.Title("Host")
	p.Field("status", p.Indicator(statusLevel(h.Status))+" "+p.Paint(statusLevel(h.Status), h.Status.String()))
	m := h.Metrics
	if m.GPUMemoryTotalGB > 0 {
		p.Field("gpu memory", fmt.Sprintf("%.1f / %.1f GB (%s)", m.GPUMemoryUsedGB, m.GPUMemoryTotalGB, h.GPUPressure))
	}
	p.Field("cpu", fmt.Sprintf("%.1f%%", m.CPUPercent))
	p.Field("ram", fmt.Sprintf("%.1f%%", m.RAMPercent))
	if m.TemperatureC > 0 {
		p.Field("temperature", fmt.Sprintf("%.0f°C", m.TemperatureC))
	}
	reboots := fmt.Sprintf("%d in window", h.RebootsInWindow)
	if h.CooldownUntil.After(st.GeneratedAt) {
		reboots += ", cooldown until " + h.CooldownUntil.Local().Format(time.Kitchen)
	}
	p.Field("reboots", reboots)
	if h.FailClosed {
		p.Box(ux.LevelError, "governor failing closed: "+h.FailReason)
	}
	if h.Suppression != nil {
		p.Box(ux.LevelWarning, fmt.Sprintf("cascading failure: remediation suppressed for %s until %s",
			strings.Join(h.Suppression.Targets, ", "), h.Suppression.Until.Local().Format(time.Kitchen)))
	}

	p.Line("")
	p.Title("Services")
	rows := make([][]string, 0, len(st.Services))
	for _, s := range st.Services {
		rows = append(rows, []string{
			s.ID,
			string(s.Kind),
			p.Indicator(statusLevel(s.Status)) + " " + s.Status.String(),
			tierLabel(s.Tier),
			strconv.Itoa(s.Restarts),
			lastAction(s),
			serviceFlags(s),
		})
	}
	p.Table([]string{"SERVICE", "KIND", "STATUS", "TIER", "RESTARTS", "LAST ACTION", "FLAGS"}, rows)
}

func tierLabel(tier int) string {
	if tier == 0 {
		return "-"
	}
	return strconv.Itoa(tier)
}

func lastAction(s model.ServiceSnapshot) string {
	if s.LastAction == "" {
		return "-"
	}
	return fmt.Sprintf("%s %s ago", s.LastAction, time.Since(s.LastActionAt).Round(time.Second))
}

func serviceFlags(s model.ServiceSnapshot) string {
	var flags []string
	if s.InFlight {
		flags = append(flags, "in-flight")
	}
	if s.Suppressed {
		flags = append(flags, "suppressed")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func renderEvents(p *ux.Printer, page eventlog.Page) {
	if len(page.Events) == 0 {
		p.Line("no events")
		return
	}
	rows := make([][]string, 0, len(page.Events))
	for _, ev := range page.Events {
		rows = append(rows, []string{
			ev.Timestamp().Local().Format(time.DateTime),
			p.Paint(severityLevel(ev.Severity()), ev.Severity().String()),
			ev.Target(),
			eventSummary(ev),
		})
	}
	p.Table([]string{"TIME", "SEVERITY", "TARGET", "EVENT"}, rows)
	if page.NextCursor != "" {
		p.Line("more: --cursor %s", page.NextCursor)
	}
}

func eventSummary(ev model.Event) string {
	switch {
	case ev.Transition != nil:
		t := ev.Transition
		return fmt.Sprintf("%s %s %s: %s", t.From, ux.IconArrow, t.To, t.Reason)
	case ev.Remediation != nil:
		r := ev.Remediation
		head := string(r.Action)
		if r.Tier > 0 {
			head = fmt.Sprintf("tier %d %s", r.Tier, r.Action)
		}
		return fmt.Sprintf("%s %s: %s", head, r.Outcome, r.Reason)
	default:
		return string(ev.Kind)
	}
}

func renderStats(p *ux.Printer, r stats.Report) {
	p.Title(fmt.Sprintf("Remediation since %s", r.Since.Local().Format(time.DateTime)))
	p.Field("restarts", strconv.Itoa(r.Restarts))
	p.Field("reboots", strconv.Itoa(r.Reboots))
	p.Field("cache releases", strconv.Itoa(r.CacheReleases))
	p.Field("failed actions", strconv.Itoa(r.FailedActions))
	p.Field("skipped", strconv.Itoa(r.Skipped))
	p.Field("mtbf", mtbf(r.MTBFSeconds))
	if len(r.Targets) == 0 {
		return
	}
	p.Line("")
	rows := make([][]string, 0, len(r.Targets))
	for _, t := range r.Targets {
		rows = append(rows, []string{t.Target, strconv.Itoa(t.Restarts), strconv.Itoa(t.Failures), mtbf(t.MTBFSeconds)})
	}
	p.Table([]string{"TARGET", "RESTARTS", "FAILURES", "MTBF"}, rows)
}

func mtbf(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
