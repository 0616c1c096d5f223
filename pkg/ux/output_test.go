// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIconFor(t *testing.T) {
	tests := []struct {
		level Level
		want  Icon
	}{
		{LevelOK, IconSuccess},
		{LevelWarning, IconWarning},
		{LevelError, IconError},
		{LevelPending, IconPending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IconFor(tt.level))
	}
}

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.False(t, p.Styled())
	assert.Equal(t, "✗", p.Indicator(LevelError))
	assert.Equal(t, "FAILING", p.Paint(LevelError, "FAILING"))
}

func TestIsTerminal_File(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, IsTerminal(f))
}

func TestPrinter_TitleAndField(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)
	p.Title("Host")
	p.Field("status", "HEALTHY")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Host", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "  status:"))
	assert.True(t, strings.HasSuffix(lines[1], "HEALTHY"))
}

func TestPrinter_BoxPlain(t *testing.T) {
	var buf bytes.Buffer
	NewPlainPrinter(&buf).Box(LevelError, "governor failing closed")
	assert.Equal(t, "[ERROR] governor failing closed\n", buf.String())
}

func TestPrinter_TablePlain(t *testing.T) {
	var buf bytes.Buffer
	NewPlainPrinter(&buf).Table(
		[]string{"SERVICE", "STATUS"},
		[][]string{{"ollama", "FAILING"}, {"weaviate", "HEALTHY"}},
	)
	out := buf.String()
	assert.Contains(t, out, "SERVICE")
	assert.Contains(t, out, "ollama")
	assert.Contains(t, out, "HEALTHY")
	assert.NotContains(t, out, "│")
}
