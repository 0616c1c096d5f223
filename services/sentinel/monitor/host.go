// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/supervisor"
)

// GPUReader samples GPU memory and temperature.
type GPUReader interface {
	Usage(ctx context.Context) (supervisor.GPUUsage, error)
}

// HostSampler collects host resource metrics: CPU from the /proc/stat
// delta between samples, RAM from sysinfo, GPU from the GPU runtime and
// temperature from the GPU or, failing that, a thermal zone.
//
// # Thread Safety
//
// Sample is safe for concurrent use; the CPU baseline is mutex-guarded.
type HostSampler struct {
	gpu         GPUReader
	procRoot    string
	thermalZone string
	memory      func() (float64, error)

	mu      sync.Mutex
	prevCPU cpuTimes
	hasPrev bool
}

// HostSamplerOptions configures a HostSampler.
type HostSamplerOptions struct {
	GPU GPUReader
	// ProcRoot defaults to /proc.
	ProcRoot string
	// ThermalZone is a sysfs temp file in millidegrees, e.g.
	// /sys/class/thermal/thermal_zone0/temp.
	ThermalZone string
	// Memory overrides the RAM reader, for tests.
	Memory func() (float64, error)
}

// NewHostSampler creates a HostSampler.
func NewHostSampler(opts HostSamplerOptions) *HostSampler {
	root := opts.ProcRoot
	if root == "" {
		root = "/proc"
	}
	mem := opts.Memory
	if mem == nil {
		mem = memoryPercent
	}
	return &HostSampler{gpu: opts.GPU, procRoot: root, thermalZone: opts.ThermalZone, memory: mem}
}

// Sample reads all host metrics once.
//
// # Description
//
// ProbeOK is true when CPU and RAM were read and the GPU, if present,
// answered. A host with no GPU runtime (supervisor.ErrNoGPU) still
// samples successfully. The first CPU sample has no baseline and reports
// 0%.
//
// # Outputs
//
//   - model.MetricSnapshot: Host metrics, Live always true.
//   - string: Joined sampling failures, empty on success.
func (h *HostSampler) Sample(ctx context.Context) (model.MetricSnapshot, string) {
	snap := model.MetricSnapshot{Live: true, ProbeOK: true}
	var problems []string

	if cpu, err := h.cpuPercent(); err != nil {
		snap.ProbeOK = false
		problems = append(problems, fmt.Sprintf("cpu: %v", err))
	} else {
		snap.CPUPercent = cpu
	}

	if ram, err := h.memory(); err != nil {
		snap.ProbeOK = false
		problems = append(problems, fmt.Sprintf("ram: %v", err))
	} else {
		snap.RAMPercent = ram
	}

	if h.gpu != nil {
		usage, err := h.gpu.Usage(ctx)
		switch {
		case errors.Is(err, supervisor.ErrNoGPU):
		case err != nil:
			snap.ProbeOK = false
			problems = append(problems, fmt.Sprintf("gpu: %v", err))
		default:
			snap.GPUMemoryUsedGB = usage.UsedGB
			snap.GPUMemoryTotalGB = usage.TotalGB
			snap.GPUMemoryPercent = usage.Percent()
			snap.TemperatureC = usage.TemperatureC
		}
	}

	if snap.TemperatureC == 0 && h.thermalZone != "" {
		if temp, err := readThermalZone(h.thermalZone); err == nil {
			snap.TemperatureC = temp
		}
	}

	return snap, strings.Join(problems, "; ")
}

// -----------------------------------------------------------------------------
// CPU
// -----------------------------------------------------------------------------

type cpuTimes struct {
	idle  uint64
	total uint64
}

func (h *HostSampler) cpuPercent() (float64, error) {
	data, err := os.ReadFile(filepath.Join(h.procRoot, "stat"))
	if err != nil {
		return 0, err
	}
	cur, err := parseProcStat(data)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	prev, hadPrev := h.prevCPU, h.hasPrev
	h.prevCPU, h.hasPrev = cur, true
	// iowait, counted as idle, can move backwards on some kernels.
	if !hadPrev || cur.total <= prev.total || cur.idle < prev.idle {
		return 0, nil
	}
	total := float64(cur.total - prev.total)
	idle := min(float64(cur.idle-prev.idle), total)
	return (total - idle) / total * 100, nil
}

// parseProcStat reads the aggregate "cpu" line. Idle includes iowait.
func parseProcStat(data []byte) (cpuTimes, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var t cpuTimes
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("malformed cpu field %q: %w", f, err)
			}
			t.total += v
			if i == 3 || i == 4 {
				t.idle += v
			}
		}
		return t, nil
	}
	return cpuTimes{}, errors.New("no aggregate cpu line in stat")
}

// -----------------------------------------------------------------------------
// Temperature
// -----------------------------------------------------------------------------

func readThermalZone(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, err
	}
	return milli / 1000, nil
}
