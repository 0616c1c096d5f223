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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/pkg/process"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/engine"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/eventlog"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/executor"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/export"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/monitor"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/notify"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/observability"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/safety"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/stats"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/supervisor"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the self-healing engine in the foreground",
		Long: `Loads the configuration, restores governor state from the event log and
starts the monitor, the engine and the HTTP API. Stops cleanly on SIGINT or
SIGTERM after in-flight actions finish.

An invalid or missing configuration exits with status 1 before anything
is probed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Executor.DryRun = true
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSentinel(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log remediation commands instead of executing them")
	return cmd
}

// runSentinel wires every component and blocks until ctx is cancelled or a
// component fails.
func runSentinel(ctx context.Context, cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "sentinel",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	logger.Info("starting sentinel", "version", version, "config", configPath, "services", len(cfg.Services), "dry_run", cfg.Executor.DryRun)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	store, err := eventlog.Open(eventlog.OptionsFrom(cfg.EventLog, logger))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer store.Close()

	topo, err := cfg.Topology()
	if err != nil {
		return err
	}
	governor, err := safety.New(ctx, safety.Options{
		Limits:   cfg.Safety,
		Topology: topo,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("start governor: %w", err)
	}

	var runner process.Runner = process.NewExecRunner()
	if cfg.Executor.DryRun {
		runner = &process.DryRunner{Inner: runner, Logger: logger.Component("dry-run"), ReadOnly: supervisor.ReadOnly}
	}
	podman := supervisor.NewPodman(runner, cfg.Executor.PodmanPath)
	gpu := supervisor.NewGPURuntime(runner, cfg.Executor.NvidiaSMIPath, cfg.Executor.OllamaURL, nil)

	containers := make(map[string]string, len(cfg.Services))
	for _, svc := range cfg.Services {
		containers[svc.ID] = svc.ContainerName()
	}
	exec, err := executor.New(executor.Options{
		Config:           cfg.Executor,
		Containers:       containers,
		ImagePruneMinAge: cfg.Safety.ImagePruneMinAge,
		Podman:           podman,
		GPU:              gpu,
		Runner:           runner,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	notifier, webhook, err := notify.FromConfig(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("configure notifications: %w", err)
	}
	influx, closeInflux, err := export.FromConfig(cfg.Influx, logger)
	if err != nil {
		return fmt.Errorf("configure influx export: %w", err)
	}
	defer closeInflux()
	var exporter engine.ObservationExporter
	if influx != nil {
		influx.Start(ctx)
		defer influx.Close()
		exporter = influx
	}

	mon, err := monitor.New(monitor.Options{
		Config:  cfg,
		Checker: monitor.NewChecker(nil, podman, runner),
		Host: monitor.NewHostSampler(monitor.HostSamplerOptions{
			GPU:         gpu,
			ThermalZone: cfg.Monitor.ThermalZone,
		}),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Governor: governor,
		Executor: exec,
		Store:    store,
		Notifier: notifier,
		Metrics:  observability.NewMetrics(prometheus.DefaultRegisterer),
		Exporter: exporter,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	server, err := stats.NewServer(stats.Options{
		Engine:          eng,
		Events:          store,
		Logger:          logger,
		Metrics:         telemetry.MetricsHandler(),
		LivenessTimeout: cfg.Engine.LivenessTimeout,
		Window:          func() time.Duration { return governor.Limits().RestartWindow },
	})
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, cfg, func(next *config.Config) {
		eng.ApplyConfig(next)
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
			logger.SetLevel(lvl)
		}
		if webhook != nil {
			webhook.SetRate(next.Notify.RatePerMinute, next.Notify.Burst)
		}
		store.SetRetention(next.EventLog.ObservationRetention, next.EventLog.EventRetention)
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Stop()
	}
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx, mon.Observations()) })
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.API.Listen) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("sentinel stopped", "error", err)
	return err
}
