// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/prens/pkg/validation"
	"github.com/AleutianAI/prens/services/namespace/tree"
)

func TestCreateEndpointRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateEndpointRequest
		wantErr error
	}{
		{"valid", CreateEndpointRequest{Hostname: "a.b.com", TTL: 60}, nil},
		{"single label", CreateEndpointRequest{Hostname: "localhost", TTL: 3600}, nil},
		{"hyphen inside label", CreateEndpointRequest{Hostname: "my-host.example.com", TTL: 60}, nil},
		{"trailing dot", CreateEndpointRequest{Hostname: "a.b.com.", TTL: 60}, nil},
		{"empty", CreateEndpointRequest{Hostname: "", TTL: 60}, validation.ErrInvalidHostname},
		{"underscore", CreateEndpointRequest{Hostname: "bad_name.com", TTL: 60}, validation.ErrInvalidHostname},
		{"leading hyphen", CreateEndpointRequest{Hostname: "-a.com", TTL: 60}, validation.ErrInvalidHostname},
		{"empty label", CreateEndpointRequest{Hostname: "a..com", TTL: 60}, validation.ErrInvalidHostname},
		{"too long", CreateEndpointRequest{Hostname: strings.Repeat("a", 256), TTL: 60}, validation.ErrInvalidHostname},
		{"ttl too small", CreateEndpointRequest{Hostname: "a.com", TTL: 59}, validation.ErrInvalidTTL},
		{"ttl zero", CreateEndpointRequest{Hostname: "a.com"}, validation.ErrInvalidTTL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Normalize()
			err := tt.req.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateEndpointRequest_Normalize(t *testing.T) {
	req := CreateEndpointRequest{Hostname: "  a.b.com..  ", TTL: 60}
	req.Normalize()
	assert.Equal(t, "a.b.com", req.Hostname)
}

// The hostname is reported before the TTL when both are wrong.
func TestCreateEndpointRequest_HostnameFirst(t *testing.T) {
	req := CreateEndpointRequest{Hostname: "bad_name", TTL: 1}
	err := req.Validate()
	assert.ErrorIs(t, err, validation.ErrInvalidHostname)
}

func TestEndpointResponse_JSON(t *testing.T) {
	resp := NewEndpointResponse(tree.Endpoint{ID: 7, Name: "a.b.com", TTL: 120})

	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(7), got["id"])
	assert.Equal(t, "a.b.com", got["hostname"])
	assert.Equal(t, float64(120), got["ttl"])
	assert.Contains(t, got, "resolved_at")
	assert.Nil(t, got["resolved_at"])
	assert.Contains(t, got, "error_message")
	assert.NotContains(t, got, "updated_at")
}

func TestNodeResponse_HostnameID(t *testing.T) {
	linked := NewNodeResponse(tree.Node{ID: 3, Label: "b.com", EndpointID: 9})
	require.NotNil(t, linked.HostnameID)
	assert.Equal(t, int64(9), *linked.HostnameID)
	assert.Equal(t, "b.com", linked.Name)

	bare := NewNodeResponse(tree.Node{ID: 4, Label: "com"})
	assert.Nil(t, bare.HostnameID)

	raw, err := json.Marshal(bare)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"name":"com","hostname_id":null}`, string(raw))
}

func TestResponses_NeverNil(t *testing.T) {
	raw, err := json.Marshal(NewEndpointResponses(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))

	raw, err = json.Marshal(NewNodeResponses(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}
