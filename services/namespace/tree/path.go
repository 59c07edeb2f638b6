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

import "strings"

// Ancestors returns the strict ancestor suffixes of a dotted name, nearest
// first.
//
// # Description
//
// A name of k labels yields k-1 suffixes, from k-1 labels down to one:
//
//	Ancestors("a.b.com") // ["b.com", "com"]
//	Ancestors("com")     // []
//
// The result never includes name itself.
//
// # Assumptions
//
//   - name is normalized and valid: no empty labels, no trailing dot.
func Ancestors(name string) []string {
	out := make([]string, 0, strings.Count(name, "."))
	for i := strings.IndexByte(name, '.'); i >= 0; {
		suffix := name[i+1:]
		out = append(out, suffix)
		next := strings.IndexByte(suffix, '.')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return out
}

// RootFirst returns the ancestors of name ordered furthest first, the order
// in which Insert creates them so that every parent exists before its
// child.
func RootFirst(name string) []string {
	anc := Ancestors(name)
	for i, j := 0, len(anc)-1; i < j; i, j = i+1, j-1 {
		anc[i], anc[j] = anc[j], anc[i]
	}
	return anc
}
