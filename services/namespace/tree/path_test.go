// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAncestors(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"com", []string{}},
		{"b.com", []string{"com"}},
		{"a.b.com", []string{"b.com", "com"}},
		{"x.y.z.example.org", []string{"y.z.example.org", "z.example.org", "example.org", "org"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ancestors(tt.name)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, len(tt.want))
		})
	}
}

func TestRootFirst(t *testing.T) {
	assert.Equal(t, []string{"com", "b.com"}, RootFirst("a.b.com"))
	assert.Empty(t, RootFirst("com"))
}

func TestNormalizePageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, NormalizePageSize(0))
	assert.Equal(t, DefaultPageSize, NormalizePageSize(-5))
	assert.Equal(t, 7, NormalizePageSize(7))
	assert.Equal(t, MaxPageSize, NormalizePageSize(MaxPageSize+1))
}

func TestNode_Predicates(t *testing.T) {
	root := Node{ID: 1, Label: "com"}
	assert.True(t, root.IsRoot())
	assert.True(t, root.Garbage())

	leaf := Node{ID: 2, Label: "b.com", ParentID: 1, EndpointID: 9}
	assert.False(t, leaf.IsRoot())
	assert.False(t, leaf.Garbage())
}
