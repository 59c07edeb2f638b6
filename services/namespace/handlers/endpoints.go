// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the namespace HTTP handlers.
//
// Handlers are factories closing over their dependencies; the store is
// always passed in explicitly.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/prens/services/namespace/datatypes"
	"github.com/AleutianAI/prens/services/namespace/observability"
	"github.com/AleutianAI/prens/services/namespace/tree"
)

// Signaler posts a cleanup signal without blocking. compactor.Coalescer
// satisfies it.
type Signaler interface {
	Notify() bool
}

// =============================================================================
// Endpoint Handlers
// =============================================================================

// ListEndpoints handles GET /api/hosts.
//
// # Description
//
// Keyset pagination: returns up to page_size endpoints whose id is greater
// than after, in ascending id order.
//
// # Query Parameters
//
//   - after: Last id of the previous page. Default: -1.
//   - page_size: Default 100, capped at 1000.
//
// # Response
//
//	200 OK: []EndpointResponse
//	400 Bad Request: non-integer parameter
func ListEndpoints(store tree.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		after, err := queryInt(c, "after", -1, -1)
		if err != nil {
			respondError(c, err)
			return
		}
		pageSize, err := queryInt(c, "page_size", tree.DefaultPageSize, 0)
		if err != nil {
			respondError(c, err)
			return
		}

		eps, err := store.Endpoints(c.Request.Context(), after, tree.NormalizePageSize(int(pageSize)))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.NewEndpointResponses(eps))
	}
}

// GetEndpoint handles GET /api/host/:id.
func GetEndpoint(store tree.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, err)
			return
		}
		ep, err := store.Endpoint(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.NewEndpointResponse(ep))
	}
}

// CreateEndpoint handles POST /api/host.
//
// # Description
//
// Normalizes and validates the body, then upserts the endpoint and its
// ancestor chain. Re-posting an existing hostname updates its TTL and
// returns the same id.
//
// # Response
//
//	200 OK: EndpointResponse
//	400 Bad Request: malformed JSON, invalid hostname or TTL below 60
func CreateEndpoint(store tree.Store, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateEndpointRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				datatypes.ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		ep, err := store.Insert(c.Request.Context(), req.Hostname, req.TTL)
		metrics.ObserveEndpointOp("insert", err)
		if err != nil {
			respondError(c, err)
			return
		}

		slog.Info("endpoint upserted",
			"request_id", c.GetString(RequestIDKey),
			"id", ep.ID,
			"hostname", ep.Name,
			"ttl", ep.TTL,
		)
		c.JSON(http.StatusOK, datatypes.NewEndpointResponse(ep))
	}
}

// DeleteEndpoint handles DELETE /api/host/:id.
//
// # Description
//
// Removes the endpoint and unlinks its node, answers 204, then posts one
// cleanup signal. Orphaned nodes are removed later by the compaction
// worker. Unknown ids still answer 204.
func DeleteEndpoint(store tree.Store, signals Signaler, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, err)
			return
		}

		err = store.Delete(c.Request.Context(), id)
		metrics.ObserveEndpointOp("delete", err)
		if err != nil {
			respondError(c, err)
			return
		}

		slog.Info("endpoint deleted", "request_id", c.GetString(RequestIDKey), "id", id)
		c.Status(http.StatusNoContent)

		if signals != nil {
			metrics.ObserveSignal(signals.Notify())
		}
	}
}

// =============================================================================
// Hierarchy Handlers
// =============================================================================

// ListChildren handles GET /api/label/:id/children. Id 0 lists the roots;
// an unknown id lists nothing.
func ListChildren(store tree.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			respondError(c, err)
			return
		}
		nodes, err := store.Children(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.NewNodeResponses(nodes))
	}
}

// HealthCheck handles GET /health.
func HealthCheck(store tree.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.HealthResponse{Status: "ok", Store: store.Backend()})
	}
}
