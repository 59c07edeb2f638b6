// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command prens runs and inspects the hostname namespace service.
//
//	prens serve --config prens.yaml
//	prens compact --config prens.yaml
//	prens tree --server http://localhost:8080
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/prens/pkg/logging"
	"github.com/AleutianAI/prens/services/namespace/config"
)

// configPath is shared by every command that reads the service config.
var configPath string

var rootCmd = &cobra.Command{
	Use:           "prens",
	Short:         "Hierarchical hostname namespace service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML config file (defaults and PRENS_* variables apply without it)")
	rootCmd.AddCommand(serveCmd, compactCmd, treeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the configured logger as the
// slog default. The returned logger must be closed by the caller.
func loadConfig() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "prens",
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}
