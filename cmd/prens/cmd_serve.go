// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/prens/services/namespace"
)

// serveCmd runs the HTTP API and the compaction worker.
//
// # Description
//
// Blocks until SIGINT or SIGTERM, then shuts the server down gracefully.
// A compaction pass cut short by shutdown is redone on the next signal
// after restart.
//
// # Examples
//
//	prens serve
//	prens serve --config /etc/prens/prens.yaml
//	PRENS_STORAGE_DRIVER=sqlite PRENS_STORAGE_PATH=prens.db prens serve
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the namespace HTTP service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := namespace.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	logger.Info("prens serving",
		"addr", cfg.HTTP.Addr,
		"driver", cfg.Storage.Driver,
		"path", cfg.Storage.Path,
	)
	if err := svc.Run(ctx); err != nil {
		return err
	}
	logger.Info("prens stopped")
	return nil
}
