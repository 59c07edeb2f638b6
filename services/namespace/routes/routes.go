// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/prens/services/namespace/handlers"
	"github.com/AleutianAI/prens/services/namespace/observability"
	"github.com/AleutianAI/prens/services/namespace/tree"
)

// Dependencies are the collaborators the routes close over.
//
// # Fields
//
//   - Store: Required.
//   - Signals: Receives a cleanup signal after each delete. May be nil.
//   - Metrics: Request and mutation metrics. May be nil.
//   - Gatherer: Source for /metrics. The route is omitted when nil.
//   - WriteLimiter: Throttles POST and DELETE. May be nil.
//   - ServiceName: Server name on otelgin spans. Tracing middleware is
//     omitted when empty.
//   - UIDir: Static UI directory served under /ui. Omitted when empty.
type Dependencies struct {
	Store        tree.Store
	Signals      handlers.Signaler
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	WriteLimiter *rate.Limiter
	ServiceName  string
	UIDir        string
}

// SetupRoutes registers middleware and every route on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.ServiceName != "" {
		router.Use(otelgin.Middleware(deps.ServiceName))
	}
	router.Use(handlers.RequestID())
	if deps.Metrics != nil {
		router.Use(handlers.Metrics(deps.Metrics))
	}

	router.GET("/health", handlers.HealthCheck(deps.Store))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if deps.UIDir != "" {
		router.Static("/ui", deps.UIDir)
		router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, "/ui/")
		})
	}

	api := router.Group("/api")
	{
		api.GET("/hosts", handlers.ListEndpoints(deps.Store))
		api.GET("/host/:id", handlers.GetEndpoint(deps.Store))
		api.GET("/label/:id/children", handlers.ListChildren(deps.Store))

		writes := api.Group("", handlers.RateLimit(deps.WriteLimiter))
		writes.POST("/host", handlers.CreateEndpoint(deps.Store, deps.Metrics))
		writes.DELETE("/host/:id", handlers.DeleteEndpoint(deps.Store, deps.Signals, deps.Metrics))
	}
}
