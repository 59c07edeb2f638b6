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

func TestValidateHostname(t *testing.T) {
	valid := []string{
		"com",
		"a.b.com",
		"my-host.example.org",
		"x1.y2.z3",
		"Mixed.Case.COM",
		"1.2.3.4",
	}
	for _, name := range valid {
		t.Run("valid "+name, func(t *testing.T) {
			assert.NoError(t, ValidateHostname(name))
			assert.True(t, IsHostname(name))
		})
	}

	invalid := []string{
		"",
		".com",
		"a..com",
		"-a.com",
		"a-.com",
		"a.com-",
		"under_score.com",
		"a b.com",
		"a.com.",
		strings.Repeat("a", MaxHostnameLength+1),
	}
	for _, name := range invalid {
		t.Run("invalid "+name, func(t *testing.T) {
			err := ValidateHostname(name)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidHostname)
			assert.False(t, IsHostname(name))
		})
	}
}

func TestNormalizeHostname(t *testing.T) {
	assert.Equal(t, "a.b.com", NormalizeHostname("  a.b.com.  "))
	assert.Equal(t, "a.b.com", NormalizeHostname("a.b.com.."))
	assert.Equal(t, "A.b.COM", NormalizeHostname("A.b.COM"), "case is preserved")
	assert.ErrorIs(t, ValidateHostname(NormalizeHostname(".")), ErrInvalidHostname)
}

func TestValidateTTL(t *testing.T) {
	assert.NoError(t, ValidateTTL(60))
	assert.NoError(t, ValidateTTL(3600))

	err := ValidateTTL(59)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	assert.ErrorIs(t, ValidateTTL(-1), ErrInvalidTTL)
}
