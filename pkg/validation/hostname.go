// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validators for hostnames and TTLs.
//
// Names are validated before they reach the tree store; the store assumes
// its inputs are normalized and well formed.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinTTL is the smallest accepted endpoint TTL in seconds.
	MinTTL = 60

	// MaxHostnameLength bounds the stored hostname length.
	MaxHostnameLength = 255
)

var (
	// ErrInvalidHostname is returned for names outside the hostname grammar.
	ErrInvalidHostname = errors.New("invalid hostname")

	// ErrInvalidTTL is returned for TTLs below MinTTL.
	ErrInvalidTTL = fmt.Errorf("ttl must be at least %d", MinTTL)
)

// hostnamePattern matches dot-separated labels of letters and digits.
// Hyphens are allowed inside a label but not at either end.
var hostnamePattern = regexp.MustCompile(
	`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)

// NormalizeHostname strips surrounding whitespace and trailing dots.
//
// Case is preserved: names are case-sensitive in the store.
func NormalizeHostname(name string) string {
	return strings.TrimRight(strings.TrimSpace(name), ".")
}

// IsHostname reports whether name matches the hostname grammar.
func IsHostname(name string) bool {
	return name != "" && len(name) <= MaxHostnameLength && hostnamePattern.MatchString(name)
}

// ValidateHostname validates an already normalized hostname.
//
// Example:
//
//	if err := validation.ValidateHostname(name); err != nil {
//	    return err // wraps ErrInvalidHostname
//	}
func ValidateHostname(name string) error {
	if name == "" {
		return fmt.Errorf("%w: hostname cannot be empty", ErrInvalidHostname)
	}
	if len(name) > MaxHostnameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidHostname, MaxHostnameLength)
	}
	if !hostnamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidHostname, name)
	}
	return nil
}

// ValidateTTL rejects TTLs below MinTTL.
func ValidateTTL(ttl int) error {
	if ttl < MinTTL {
		return fmt.Errorf("%w (got %d)", ErrInvalidTTL, ttl)
	}
	return nil
}
