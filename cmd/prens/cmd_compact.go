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
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/prens/pkg/ux"
	"github.com/AleutianAI/prens/services/namespace"
	"github.com/AleutianAI/prens/services/namespace/compactor"
	"github.com/AleutianAI/prens/services/namespace/config"
)

var (
	compactJSONOutput  bool
	compactPlainOutput bool
)

// compactCmd runs one compaction pass against the configured store.
//
// # Description
//
// Opens the store directly, so the server must not be running against
// the same badger directory. The pass is recorded in the audit log when
// one is configured, like a pass of the running service.
//
// # Examples
//
//	prens compact
//	prens compact --json
var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove orphaned hierarchy nodes once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		result, err := runCompact(ctx, cfg)
		return reportCompact(cmd.OutOrStdout(), result, err, compactJSONOutput, compactPlainOutput)
	},
}

func init() {
	compactCmd.Flags().BoolVar(&compactJSONOutput, "json", false, "print the result as JSON")
	compactCmd.Flags().BoolVar(&compactPlainOutput, "plain", false, "print without colors or icons")
}

// runCompact runs a manual pass through a worker that is never started.
func runCompact(ctx context.Context, cfg config.Config) (compactor.PassResult, error) {
	store, err := namespace.OpenStore(ctx, cfg.Storage, nil)
	if err != nil {
		return compactor.PassResult{}, err
	}
	defer store.Close()

	var audit compactor.AuditLog = compactor.NopAuditLog{}
	if cfg.Compactor.AuditLog != "" {
		fileAudit, err := compactor.NewFileAuditLog(cfg.Compactor.AuditLog)
		if err != nil {
			return compactor.PassResult{}, err
		}
		audit = fileAudit
	}
	defer audit.Close()

	worker := compactor.NewWorker(store, compactor.NewCoalescer(1), compactor.Config{
		PassTimeout: cfg.Compactor.PassTimeout,
	}, compactor.Options{Audit: audit})

	result := worker.RunNow(ctx)
	return result, result.Err
}

// reportCompact prints what the pass removed, including the ids removed
// before an interruption, and returns the pass error. Nothing is printed
// when the pass never started.
func reportCompact(w io.Writer, result compactor.PassResult, err error, asJSON, plain bool) error {
	if result.StartTime.IsZero() {
		return err
	}
	if printErr := printCompactResult(w, result, asJSON, plain); printErr != nil {
		return errors.Join(err, printErr)
	}
	return err
}

type compactOutput struct {
	RemovedIDs []int64 `json:"removed_ids"`
	DurationMs int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

func printCompactResult(w io.Writer, result compactor.PassResult, asJSON, plain bool) error {
	if asJSON {
		out := compactOutput{RemovedIDs: result.RemovedIDs, DurationMs: result.Duration().Milliseconds()}
		if out.RemovedIDs == nil {
			out.RemovedIDs = []int64{}
		}
		if result.Err != nil {
			out.Error = result.Err.Error()
		}
		return json.NewEncoder(w).Encode(out)
	}

	p := ux.NewPrinter(w, plain)
	if result.Err != nil {
		if err := p.Error("Pass stopped early: %v", result.Err); err != nil {
			return err
		}
	}
	if len(result.RemovedIDs) == 0 {
		if result.Err != nil {
			return nil
		}
		return p.Muted("Nothing to compact.")
	}
	if err := p.Success("Removed %d node(s) in %s", len(result.RemovedIDs), result.Duration()); err != nil {
		return err
	}
	for _, id := range result.RemovedIDs {
		if err := p.Item("%d", id); err != nil {
			return err
		}
	}
	return nil
}
