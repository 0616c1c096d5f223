// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateServiceName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "ollama", false},
		{"hyphenated", "rag-engine", false},
		{"with digits", "weaviate2", false},
		{"with dot", "orchestrator.v1", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", 63), false},
		{"empty", "", true},
		{"reserved host", "host", true},
		{"leading hyphen flag", "--all", true},
		{"uppercase", "Ollama", true},
		{"space", "rag engine", true},
		{"shell metachar", "x;reboot", true},
		{"path traversal", "../etc", true},
		{"too long", strings.Repeat("a", 64), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateContainerName(t *testing.T) {
	assert.NoError(t, ValidateContainerName("aleutian-ollama"))
	assert.NoError(t, ValidateContainerName("Aleutian_Weaviate.1"))
	assert.Error(t, ValidateContainerName(""))
	assert.Error(t, ValidateContainerName("-rm"))
	assert.Error(t, ValidateContainerName("a b"))
}

func TestValidateServiceNames(t *testing.T) {
	assert.NoError(t, ValidateServiceNames([]string{"ollama", "rag-engine"}))

	err := ValidateServiceNames([]string{"ollama", "BAD", "host"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD")
	assert.Contains(t, err.Error(), "host")
}

func TestSanitizeServiceName(t *testing.T) {
	got, err := SanitizeServiceName("  Rag-Engine ")
	require.NoError(t, err)
	assert.Equal(t, "rag-engine", got)

	_, err = SanitizeServiceName(" ; ")
	assert.Error(t, err)
}
