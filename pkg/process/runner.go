// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process abstracts external command execution.

Every call to podman, nvidia-smi, pgrep or the reboot command goes through
Runner so supervisor interactions can be mocked in tests and replaced by a
logging runner in dry-run mode.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Runner handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Runner interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: stdout output
	//   - error: Non-nil if the command fails or is cancelled. Stderr is
	//     appended to the error text.
	//
	// # Examples
	//
	//   out, err := r.Run(ctx, "podman", "inspect", "--format", "{{.State.Running}}", "ollama")
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// IsRunning reports whether a process matching pattern exists.
	//
	// # Outputs
	//
	//   - bool: True if at least one matching process is running
	//   - int: PID of the first match (0 if not found)
	//   - error: Non-nil if detection itself fails (not for "not found")
	IsRunning(ctx context.Context, pattern string) (bool, int, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// NewExecRunner creates a Runner that executes real processes.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command synchronously and returns its output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// IsRunning checks if a process matching the pattern exists.
func (r *ExecRunner) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("pgrep failed: %w", err)
	}
	return parsePgrep(out)
}

func parsePgrep(out []byte) (bool, int, error) {
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if first == "" {
		return false, 0, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return true, 0, nil
	}
	return true, pid, nil
}

// -----------------------------------------------------------------------------
// Dry Run
// -----------------------------------------------------------------------------

// DryRunner logs mutating commands instead of executing them. Read-only
// commands listed in ReadOnly are delegated to the wrapped Runner.
type DryRunner struct {
	Inner  Runner
	Logger *logging.Logger
	// ReadOnly reports whether a command may run for real.
	ReadOnly func(name string, args []string) bool
}

// Run logs the command and returns empty output unless it is read-only.
func (d *DryRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if d.ReadOnly != nil && d.ReadOnly(name, args) {
		return d.Inner.Run(ctx, name, args...)
	}
	if d.Logger != nil {
		d.Logger.Info("dry-run: command not executed", "command", name, "args", strings.Join(args, " "))
	}
	return nil, nil
}

// IsRunning always delegates; it never mutates anything.
func (d *DryRunner) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	return d.Inner.IsRunning(ctx, pattern)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockRunner is a test double for Runner.
//
// If a function field is nil and the corresponding method is called, the
// mock returns zero values.
type MockRunner struct {
	RunFunc       func(ctx context.Context, name string, args ...string) ([]byte, error)
	IsRunningFunc func(ctx context.Context, pattern string) (bool, int, error)

	mu    sync.Mutex
	calls []Call
}

// Call records a single method invocation.
type Call struct {
	Method string
	Name   string
	Args   []string
}

// Line renders the call as a shell-like string, e.g. "podman restart ollama".
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Run records the call and delegates to RunFunc.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		return nil, nil
	}
	return m.RunFunc(ctx, name, args...)
}

// IsRunning records the call and delegates to IsRunningFunc.
func (m *MockRunner) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	m.record(Call{Method: "IsRunning", Name: pattern})
	if m.IsRunningFunc == nil {
		return false, 0, nil
	}
	return m.IsRunningFunc(ctx, pattern)
}

func (m *MockRunner) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of all recorded calls.
func (m *MockRunner) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Lines returns the recorded Run calls rendered with Call.Line.
func (m *MockRunner) Lines() []string {
	var lines []string
	for _, c := range m.Calls() {
		if c.Method == "Run" {
			lines = append(lines, c.Line())
		}
	}
	return lines
}

// Reset clears all recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var (
	_ Runner = (*ExecRunner)(nil)
	_ Runner = (*DryRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
