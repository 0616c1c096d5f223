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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianSentinel/pkg/process"
)

// ErrNoGPU is returned when the GPU runtime is not configured or reports
// no devices.
var ErrNoGPU = errors.New("no GPU runtime available")

// GPUUsage is one sample of GPU memory and temperature, summed across
// devices (temperature is the hottest device).
type GPUUsage struct {
	UsedGB       float64
	TotalGB      float64
	TemperatureC float64
}

// Percent returns used memory as a percentage of total.
func (u GPUUsage) Percent() float64 {
	if u.TotalGB <= 0 {
		return 0
	}
	return u.UsedGB / u.TotalGB * 100
}

// GPURuntime queries GPU memory through nvidia-smi and releases it by
// unloading resident Ollama models.
type GPURuntime struct {
	runner     process.Runner
	smiPath    string
	ollamaURL  string
	httpClient *http.Client
}

// NewGPURuntime creates a GPURuntime. Empty smiPath disables usage queries;
// empty ollamaURL disables cache release.
func NewGPURuntime(runner process.Runner, smiPath, ollamaURL string, client *http.Client) *GPURuntime {
	if client == nil {
		client = http.DefaultClient
	}
	return &GPURuntime{
		runner:     runner,
		smiPath:    smiPath,
		ollamaURL:  strings.TrimRight(ollamaURL, "/"),
		httpClient: client,
	}
}

// Usage samples GPU memory and temperature.
func (g *GPURuntime) Usage(ctx context.Context) (GPUUsage, error) {
	if g.smiPath == "" {
		return GPUUsage{}, ErrNoGPU
	}
	out, err := g.runner.Run(ctx, g.smiPath,
		"--query-gpu=memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		return GPUUsage{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMI(out)
}

// parseSMI parses "used, total, temp" lines in MiB and °C.
func parseSMI(out []byte) (GPUUsage, error) {
	var usage GPUUsage
	devices := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return GPUUsage{}, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		var vals [3]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return GPUUsage{}, fmt.Errorf("parse nvidia-smi field %q: %w", f, err)
			}
			vals[i] = v
		}
		usage.UsedGB += vals[0] / 1024
		usage.TotalGB += vals[1] / 1024
		usage.TemperatureC = max(usage.TemperatureC, vals[2])
		devices++
	}
	if devices == 0 {
		return GPUUsage{}, ErrNoGPU
	}
	return usage, nil
}

type ollamaPSResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

type ollamaUnloadRequest struct {
	Model     string `json:"model"`
	KeepAlive int    `json:"keep_alive"`
}

// ReleaseCache unloads every model resident in GPU memory.
//
// # Description
//
// Lists loaded models with GET /api/ps and sends each one a generate
// request with keep_alive 0, which makes Ollama evict it immediately.
//
// # Outputs
//
//   - []string: Models that were unloaded.
//   - error: The first failure. Models already unloaded stay unloaded.
func (g *GPURuntime) ReleaseCache(ctx context.Context) ([]string, error) {
	if g.ollamaURL == "" {
		return nil, ErrNoGPU
	}
	models, err := g.loadedModels(ctx)
	if err != nil {
		return nil, err
	}

	var unloaded []string
	for _, model := range models {
		if err := g.unload(ctx, model); err != nil {
			return unloaded, err
		}
		unloaded = append(unloaded, model)
	}
	return unloaded, nil
}

func (g *GPURuntime) loadedModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.ollamaURL+"/api/ps", nil)
	if err != nil {
		return nil, fmt.Errorf("creating ps request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing loaded models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing loaded models: status %d", resp.StatusCode)
	}

	var ps ollamaPSResponse
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return nil, fmt.Errorf("decoding ps response: %w", err)
	}
	models := make([]string, 0, len(ps.Models))
	for _, m := range ps.Models {
		name := m.Model
		if name == "" {
			name = m.Name
		}
		models = append(models, name)
	}
	return models, nil
}

func (g *GPURuntime) unload(ctx context.Context, model string) error {
	body, err := json.Marshal(ollamaUnloadRequest{Model: model, KeepAlive: 0})
	if err != nil {
		return fmt.Errorf("marshaling unload request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.ollamaURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating unload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unloading %s: %w", model, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unloading %s: status %d", model, resp.StatusCode)
	}
	return nil
}
