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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/prens/pkg/ux"
	"github.com/AleutianAI/prens/services/namespace/datatypes"
)

var (
	treeServerURL string        // Base URL of a running service
	treeTimeout   time.Duration // Bound for the whole walk
	treeMaxDepth  int           // Zero means unlimited
)

// treeCmd renders the hierarchy of a running service.
//
// # Description
//
// Walks GET /api/label/:id/children from the roots down and prints the
// nodes as a tree. Nodes that anchor an endpoint show its id; the others
// are shown muted and are candidates for compaction once childless.
//
// # Examples
//
//	prens tree
//	prens tree --server http://prens.internal:8080 --depth 2
var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the hostname hierarchy of a running service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), treeTimeout)
		defer cancel()

		walker := &treeWalker{
			client:   &http.Client{Timeout: treeTimeout},
			baseURL:  strings.TrimRight(treeServerURL, "/"),
			maxDepth: treeMaxDepth,
		}
		rendered, err := walker.render(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return err
	},
}

func init() {
	treeCmd.Flags().StringVar(&treeServerURL, "server", "http://localhost:8080", "base URL of the prens service")
	treeCmd.Flags().DurationVar(&treeTimeout, "timeout", 30*time.Second, "timeout for the whole walk")
	treeCmd.Flags().IntVar(&treeMaxDepth, "depth", 0, "maximum depth to print (0 = unlimited)")
}

// treeWalker fetches children recursively over HTTP.
type treeWalker struct {
	client   *http.Client
	baseURL  string
	maxDepth int
}

// render returns the printable tree rooted at the server URL.
func (w *treeWalker) render(ctx context.Context) (string, error) {
	children, err := w.subtrees(ctx, 0, 1)
	if err != nil {
		return "", err
	}
	root := ux.HostTree(w.baseURL).Child(children...)
	if len(children) == 0 {
		root.Child(ux.Styles.Muted.Render("(empty)"))
	}
	return root.String(), nil
}

// subtrees builds the rendered children of parent.
func (w *treeWalker) subtrees(ctx context.Context, parent int64, depth int) ([]any, error) {
	nodes, err := w.children(ctx, parent)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		label := ux.HostLabel(n.Name, n.HostnameID)
		if w.maxDepth > 0 && depth >= w.maxDepth {
			out = append(out, label)
			continue
		}
		grand, err := w.subtrees(ctx, n.ID, depth+1)
		if err != nil {
			return nil, err
		}
		if len(grand) == 0 {
			out = append(out, label)
			continue
		}
		out = append(out, ux.HostSubtree(label).Child(grand...))
	}
	return out, nil
}

func (w *treeWalker) children(ctx context.Context, parent int64) ([]datatypes.NodeResponse, error) {
	url := fmt.Sprintf("%s/api/label/%d/children", w.baseURL, parent)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach prens at %s: %w", w.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}

	var nodes []datatypes.NodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, fmt.Errorf("decode children of %d: %w", parent, err)
	}
	return nodes, nil
}
