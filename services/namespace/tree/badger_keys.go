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
	"encoding/binary"
	"encoding/json"
	"time"
)

// =============================================================================
// Key Space
// =============================================================================
//
//	m/schema                  schema version
//	s/endpoint, s/node        id sequences
//	e/<id>                    endpointRecord
//	en/<name>                 endpoint id
//	n/<id>                    nodeRecord
//	nl/<label>                node id
//	np/<parent><child>        empty; parent 0 holds the roots
//
// Ids are big-endian so byte order equals numeric order.

const schemaVersion = "1"

var (
	keySchema         = []byte("m/schema")
	keyEndpointSeq    = []byte("s/endpoint")
	keyNodeSeq        = []byte("s/node")
	prefixEndpoint    = []byte("e/")
	prefixEndpointKey = []byte("en/")
	prefixNode        = []byte("n/")
	prefixNodeLabel   = []byte("nl/")
	prefixNodeParent  = []byte("np/")
)

func idKey(prefix []byte, id int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(id))
	return k
}

func stringKey(prefix []byte, s string) []byte {
	k := make([]byte, 0, len(prefix)+len(s))
	k = append(k, prefix...)
	return append(k, s...)
}

func endpointKey(id int64) []byte { return idKey(prefixEndpoint, id) }
func endpointNameKey(name string) []byte { return stringKey(prefixEndpointKey, name) }
func nodeKey(id int64) []byte { return idKey(prefixNode, id) }
func nodeLabelKey(label string) []byte { return stringKey(prefixNodeLabel, label) }
func childPrefix(parent int64) []byte { return idKey(prefixNodeParent, parent) }

func childKey(parent, child int64) []byte {
	k := make([]byte, len(prefixNodeParent)+16)
	copy(k, prefixNodeParent)
	binary.BigEndian.PutUint64(k[len(prefixNodeParent):], uint64(parent))
	binary.BigEndian.PutUint64(k[len(prefixNodeParent)+8:], uint64(child))
	return k
}

// trailingID decodes the last eight bytes of a key.
func trailingID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// =============================================================================
// Records
// =============================================================================

type endpointRecord struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	TTL          int        `json:"ttl"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

func (r endpointRecord) toEndpoint() Endpoint {
	return Endpoint{
		ID:           r.ID,
		Name:         r.Name,
		TTL:          r.TTL,
		UpdatedAt:    r.UpdatedAt,
		ResolvedAt:   r.ResolvedAt,
		ErrorMessage: r.ErrorMessage,
	}
}

// nodeRecord carries Children, the number of live child nodes. Inserts
// increment it when attaching a child, so an insert under a node always
// writes that node's record and conflicts with a compaction round that
// read it.
type nodeRecord struct {
	ID       int64  `json:"id"`
	Label    string `json:"label"`
	Parent   int64  `json:"parent,omitempty"`
	Endpoint int64  `json:"endpoint,omitempty"`
	Children int64  `json:"children,omitempty"`
}

func (r nodeRecord) toNode() Node {
	return Node{
		ID:         r.ID,
		Label:      r.Label,
		ParentID:   r.Parent,
		EndpointID: r.Endpoint,
	}
}

func (r nodeRecord) collectable() bool {
	return r.toNode().Garbage() && r.Children == 0
}

func marshalRecord(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalRecord(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
