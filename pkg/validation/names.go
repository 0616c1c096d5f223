// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// Service and container names from configuration and from the HTTP API end
// up as arguments to podman and systemctl, and as tag values in exported
// metrics. Validating them up front prevents command-argument injection
// (a name beginning with "-" is parsed as a flag) and keeps the event keyspace clean.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// serviceNamePattern matches valid service and container names.
// Allows: lowercase letters, digits, underscore, dot, hyphen.
// Must start with a letter or digit. Max length: 63 (DNS label size).
var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]{0,62}$`)

// ValidateServiceName validates a managed service name.
//
// Valid names:
//   - 1-63 characters
//   - Lowercase letters a-z and digits 0-9
//   - Underscore, dot and hyphen after the first character
//
// The reserved name "host" is rejected because it addresses the host itself.
//
// Example:
//
//	if err := validation.ValidateServiceName(id); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	    return
//	}
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if name == "host" {
		return fmt.Errorf("service name %q is reserved", name)
	}
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid service name: %q (must be 1-63 lowercase alphanumeric chars, '_', '.', or '-')", name)
	}
	return nil
}

// containerNamePattern follows podman's own rule for container names.
var containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]{0,127}$`)

// ValidateContainerName validates a container name before it is passed to podman.
func ValidateContainerName(name string) error {
	if name == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if !containerNamePattern.MatchString(name) {
		return fmt.Errorf("invalid container name: %q", name)
	}
	return nil
}

// ValidateServiceNames validates multiple names.
// Returns an error listing all invalid names if any fail validation.
func ValidateServiceNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateServiceName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid service names: %v", invalid)
	}
	return nil
}

// SanitizeServiceName normalizes and validates a service name.
// Returns the lowercase name if valid, or an error if invalid.
func SanitizeServiceName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateServiceName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
