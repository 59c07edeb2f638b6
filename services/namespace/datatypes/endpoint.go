// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the JSON request and response bodies of the
// namespace HTTP API.
//
// Field names follow the contract of the existing browser UI, which reads
// `hostname` and `ttl` for endpoints and `name` and `hostname_id` for
// hierarchy nodes.
package datatypes

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/prens/pkg/validation"
	"github.com/AleutianAI/prens/services/namespace/tree"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// hostnameTag is the custom validator tag for the hostname grammar.
const hostnameTag = "prens_hostname"

// requestValidate is the validator instance for request bodies.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation(hostnameTag, validateHostname)
}

// validateHostname checks a string field against the hostname grammar.
func validateHostname(fl validator.FieldLevel) bool {
	return validation.IsHostname(fl.Field().String())
}

// =============================================================================
// Request Types
// =============================================================================

// CreateEndpointRequest is the body of POST /api/host.
//
// # Description
//
// Call Normalize before Validate: a trailing dot is stripped before the
// grammar is applied, so "a.b.com." is stored as "a.b.com".
//
// # Validation
//
//   - Hostname: required, at most 255 characters, hostname grammar
//   - TTL: at least 60 seconds
//
// # Examples
//
//	var req datatypes.CreateEndpointRequest
//	if err := c.ShouldBindJSON(&req); err != nil {
//	    return err
//	}
//	req.Normalize()
//	if err := req.Validate(); err != nil {
//	    return err // wraps validation.ErrInvalidHostname or ErrInvalidTTL
//	}
type CreateEndpointRequest struct {
	Hostname string `json:"hostname" validate:"required,max=255,prens_hostname"`
	TTL      int    `json:"ttl" validate:"gte=60"`
}

// Normalize strips surrounding whitespace and trailing dots from Hostname.
func (r *CreateEndpointRequest) Normalize() {
	r.Hostname = validation.NormalizeHostname(r.Hostname)
}

// Validate checks the request and maps field failures to the validation
// package's sentinel errors.
func (r *CreateEndpointRequest) Validate() error {
	err := requestValidate.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	// Report the first failing field; hostname is declared first.
	fe := fieldErrs[0]
	switch fe.Field() {
	case "Hostname":
		return fmt.Errorf("%w: %q failed %s", validation.ErrInvalidHostname, r.Hostname, fe.Tag())
	case "TTL":
		return fmt.Errorf("%w (got %d)", validation.ErrInvalidTTL, r.TTL)
	default:
		return err
	}
}

// =============================================================================
// Response Types
// =============================================================================

// EndpointResponse is one endpoint as the UI reads it.
type EndpointResponse struct {
	ID           int64      `json:"id"`
	Hostname     string     `json:"hostname"`
	TTL          int        `json:"ttl"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	ErrorMessage *string    `json:"error_message"`
}

// NodeResponse is one hierarchy node. HostnameID is null for nodes that
// anchor no endpoint.
type NodeResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	HostnameID *int64 `json:"hostname_id"`
}

// ErrorResponse is the body of every 4xx and 5xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// NewEndpointResponse converts a stored endpoint.
func NewEndpointResponse(ep tree.Endpoint) EndpointResponse {
	return EndpointResponse{
		ID:           ep.ID,
		Hostname:     ep.Name,
		TTL:          ep.TTL,
		UpdatedAt:    ep.UpdatedAt,
		ResolvedAt:   ep.ResolvedAt,
		ErrorMessage: ep.ErrorMessage,
	}
}

// NewEndpointResponses converts a page of endpoints. The result is never
// nil so it encodes as [].
func NewEndpointResponses(eps []tree.Endpoint) []EndpointResponse {
	out := make([]EndpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, NewEndpointResponse(ep))
	}
	return out
}

// NewNodeResponse converts a stored node.
func NewNodeResponse(n tree.Node) NodeResponse {
	resp := NodeResponse{ID: n.ID, Name: n.Label}
	if n.EndpointID != 0 {
		id := n.EndpointID
		resp.HostnameID = &id
	}
	return resp
}

// NewNodeResponses converts a list of children. The result is never nil.
func NewNodeResponses(nodes []tree.Node) []NodeResponse {
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NewNodeResponse(n))
	}
	return out
}
