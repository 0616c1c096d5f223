// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor talks to the processes Sentinel manages: podman for
// containers and the GPU runtime (nvidia-smi and Ollama) for GPU memory.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianSentinel/pkg/process"
	"github.com/AleutianAI/AleutianSentinel/pkg/validation"
)

// ErrNotRunning is returned when a container does not come back after a
// restart or start.
var ErrNotRunning = errors.New("container not running")

// confirmPoll is how often Podman polls container state while confirming.
const confirmPoll = 500 * time.Millisecond

// Podman drives containers through the podman CLI.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in podman.
type Podman struct {
	runner process.Runner
	path   string
}

// NewPodman creates a Podman using path as the podman binary.
func NewPodman(runner process.Runner, path string) *Podman {
	if path == "" {
		path = "podman"
	}
	return &Podman{runner: runner, path: path}
}

// Restart restarts a container and waits until it reports running.
//
// # Inputs
//
//   - ctx: Bounds the restart and the confirmation together.
//   - name: Container name. Validated before it reaches the command line.
//
// # Outputs
//
//   - error: Non-nil if podman fails or the container is not running
//     again before ctx expires.
func (p *Podman) Restart(ctx context.Context, name string) error {
	if err := validation.ValidateContainerName(name); err != nil {
		return err
	}
	if _, err := p.runner.Run(ctx, p.path, "restart", name); err != nil {
		return fmt.Errorf("podman restart %s: %w", name, err)
	}
	return p.confirmRunning(ctx, name)
}

// Start starts a stopped container and waits until it reports running.
func (p *Podman) Start(ctx context.Context, name string) error {
	if err := validation.ValidateContainerName(name); err != nil {
		return err
	}
	if _, err := p.runner.Run(ctx, p.path, "start", name); err != nil {
		return fmt.Errorf("podman start %s: %w", name, err)
	}
	return p.confirmRunning(ctx, name)
}

// Stop stops a container.
func (p *Podman) Stop(ctx context.Context, name string) error {
	if err := validation.ValidateContainerName(name); err != nil {
		return err
	}
	if _, err := p.runner.Run(ctx, p.path, "stop", name); err != nil {
		return fmt.Errorf("podman stop %s: %w", name, err)
	}
	return nil
}

// Running reports whether the container's State.Running is true.
func (p *Podman) Running(ctx context.Context, name string) (bool, error) {
	if err := validation.ValidateContainerName(name); err != nil {
		return false, err
	}
	out, err := p.runner.Run(ctx, p.path, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		return false, fmt.Errorf("podman inspect %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// PruneStoppedContainers removes stopped containers.
func (p *Podman) PruneStoppedContainers(ctx context.Context) error {
	if _, err := p.runner.Run(ctx, p.path, "container", "prune", "-f"); err != nil {
		return fmt.Errorf("podman container prune: %w", err)
	}
	return nil
}

// PruneImagesOlderThan removes unused images created more than minAge ago.
// Images in use by any container are never removed by podman image prune.
func (p *Podman) PruneImagesOlderThan(ctx context.Context, minAge time.Duration) error {
	if minAge <= 0 {
		return fmt.Errorf("image prune requires a positive minimum age")
	}
	until := fmt.Sprintf("until=%dh", int(minAge.Hours()))
	if _, err := p.runner.Run(ctx, p.path, "image", "prune", "-f", "--filter", until); err != nil {
		return fmt.Errorf("podman image prune: %w", err)
	}
	return nil
}

// ReadOnly reports whether a podman invocation only reads state. Used by
// process.DryRunner so probes keep working in dry-run mode.
func ReadOnly(name string, args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "inspect", "ps", "version":
		return true
	}
	return strings.HasPrefix(args[0], "--query-gpu")
}

func (p *Podman) confirmRunning(ctx context.Context, name string) error {
	ticker := time.NewTicker(confirmPoll)
	defer ticker.Stop()
	for {
		running, err := p.Running(ctx, name)
		if err == nil && running {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrNotRunning, name, err)
			}
			return fmt.Errorf("%w: %s", ErrNotRunning, name)
		case <-ticker.C:
		}
	}
}
