// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export ships raw health observations to InfluxDB for long-term
// trending. Export is best effort: the engine enqueues without blocking and
// a full queue drops observations.
package export

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// Measurement is the InfluxDB measurement observations are written to.
const Measurement = "sentinel_observation"

// Options tunes batching.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *logging.Logger
}

// DefaultOptions returns batching defaults sized for ~15 services.
func DefaultOptions() Options {
	return Options{QueueSize: 1024, BatchSize: 100, FlushInterval: 10 * time.Second}
}

// Exporter batches observations into an InfluxDB write API.
//
// # Thread Safety
//
// Export is safe for concurrent use. Start and Close are called once.
type Exporter struct {
	write  api.WriteAPIBlocking
	opts   Options
	logger *logging.Logger

	queue   chan model.HealthObservation
	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an Exporter writing through w.
func New(w api.WriteAPIBlocking, opts Options) *Exporter {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Exporter{
		write:  w,
		opts:   opts,
		logger: logger.Component("export"),
		queue:  make(chan model.HealthObservation, opts.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// FromConfig connects to InfluxDB. It returns nil and a no-op close when
// export is disabled.
func FromConfig(cfg config.InfluxConfig, logger *logging.Logger) (*Exporter, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	if token == "" {
		return nil, nil, fmt.Errorf("influx export enabled but %s is empty", cfg.TokenEnv)
	}
	client := influxdb2.NewClient(cfg.URL, token)
	opts := DefaultOptions()
	opts.Logger = logger
	return New(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), opts), client.Close, nil
}

// Point converts an observation to an InfluxDB point tagged by target.
func Point(obs model.HealthObservation) *write.Point {
	m := obs.Metrics
	fields := map[string]interface{}{
		"live":             m.Live,
		"probe_ok":         m.ProbeOK,
		"probe_latency_ms": float64(m.ProbeLatency) / float64(time.Millisecond),
	}
	if obs.IsHost() {
		fields["cpu_percent"] = m.CPUPercent
		fields["ram_percent"] = m.RAMPercent
		fields["gpu_memory_used_gb"] = m.GPUMemoryUsedGB
		fields["gpu_memory_percent"] = m.GPUMemoryPercent
		fields["temperature_c"] = m.TemperatureC
	}
	if obs.Error != "" {
		fields["error"] = obs.Error
	}
	return influxdb2.NewPoint(Measurement, map[string]string{"target": obs.Target}, fields, obs.Timestamp)
}

// Export enqueues obs. It never blocks.
func (e *Exporter) Export(obs model.HealthObservation) {
	if e == nil {
		return
	}
	select {
	case e.queue <- obs:
	default:
		if n := e.dropped.Add(1); n%100 == 1 {
			e.logger.Warn("export queue full, dropping observations", "dropped_total", n)
		}
	}
}

// Dropped returns how many observations were dropped on a full queue.
func (e *Exporter) Dropped() int64 {
	return e.dropped.Load()
}

// Start runs the batching loop until Close or ctx is done.
func (e *Exporter) Start(ctx context.Context) {
	go e.run(ctx)
}

// Close flushes pending observations and stops the loop.
func (e *Exporter) Close() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func (e *Exporter) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*write.Point, 0, e.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.write.WritePoint(wctx, batch...); err != nil {
			e.logger.Warn("influx write failed", "points", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case obs := <-e.queue:
			batch = append(batch, Point(obs))
			if len(batch) >= e.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-e.stop:
			e.drain(&batch)
			flush()
			return
		case <-ctx.Done():
			e.drain(&batch)
			flush()
			return
		}
	}
}

func (e *Exporter) drain(batch *[]*write.Point) {
	for {
		select {
		case obs := <-e.queue:
			*batch = append(*batch, Point(obs))
		default:
			return
		}
	}
}
