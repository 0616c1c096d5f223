// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" Warn ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func waitForEntries(t *testing.T, exp *BufferedExporter, n int) []LogEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries := exp.Entries(); len(entries) >= n {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	return exp.Entries()
}

func TestLogger_ExportsAboveLevel(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelWarn, Quiet: true, Service: "sentinel", Exporter: exp})
	defer logger.Close()

	logger.Info("filtered")
	logger.Warn("probe failed", "service", "rag-engine")

	entries := waitForEntries(t, exp, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "probe failed", entries[0].Message)
	assert.Equal(t, "rag-engine", entries[0].Attrs["service"])
	assert.Equal(t, "sentinel", entries[0].Service)
}

func TestLogger_SetLevel_AppliesToChildren(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelError, Quiet: true, Exporter: exp})
	child := logger.Component("governor")

	child.Info("dropped")
	logger.SetLevel(LevelDebug)
	child.Info("kept")

	entries := waitForEntries(t, exp, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

func TestLogger_WritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "sentinel"})
	logger.Info("status transition", "target", "ollama", "to", "FAILING")
	require.NoError(t, logger.Close())

	path := filepath.Join(dir, "sentinel_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"target":"ollama"`))
}

func TestLogger_InvalidLogDirFallsBack(t *testing.T) {
	logger := New(Config{Quiet: true, LogDir: "/proc/definitely/not/writable"})
	assert.Nil(t, logger.file)
	logger.Info("still works")
	assert.NoError(t, logger.Close())
}

func TestNop_Discards(t *testing.T) {
	logger := Nop()
	logger.Error("nothing happens")
	assert.False(t, logger.Slog().Enabled(context.Background(), slog.LevelError))
}

func TestMultiHandler_Enabled(t *testing.T) {
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".aleutian"), ExpandPath("~/.aleutian"))
	assert.Equal(t, "/var/log", ExpandPath("/var/log"))
}

func TestArgsToMap_IgnoresNonStringKeys(t *testing.T) {
	m := argsToMap([]any{"a", 1, 2, "b", "dangling"})
	assert.Equal(t, map[string]any{"a": 1}, m)
}
