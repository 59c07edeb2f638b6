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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/prens/services/namespace"
	"github.com/AleutianAI/prens/services/namespace/compactor"
	"github.com/AleutianAI/prens/services/namespace/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "compact", "tree"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestPrintCompactResult_Text(t *testing.T) {
	var buf bytes.Buffer
	start := time.Now()
	result := compactor.PassResult{StartTime: start, EndTime: start.Add(time.Millisecond), RemovedIDs: []int64{3, 7}}

	require.NoError(t, printCompactResult(&buf, result, false, true))

	assert.Contains(t, buf.String(), "Removed 2 node(s)")
	assert.Contains(t, buf.String(), "  3\n")
	assert.Contains(t, buf.String(), "  7\n")

	buf.Reset()
	require.NoError(t, printCompactResult(&buf, compactor.PassResult{}, false, true))
	assert.Equal(t, "Nothing to compact.\n", buf.String())
}

func TestPrintCompactResult_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printCompactResult(&buf, compactor.PassResult{}, true, false))

	var out compactOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, []int64{}, out.RemovedIDs)
}

func TestReportCompact_InterruptedPassPrintsProgress(t *testing.T) {
	start := time.Now()
	result := compactor.PassResult{
		StartTime:  start,
		EndTime:    start.Add(time.Millisecond),
		RemovedIDs: []int64{4, 9},
		Err:        context.Canceled,
	}

	var buf bytes.Buffer
	err := reportCompact(&buf, result, result.Err, false, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, buf.String(), "ERROR: Pass stopped early: context canceled")
	assert.Contains(t, buf.String(), "Removed 2 node(s)")
	assert.Contains(t, buf.String(), "  4\n")
	assert.Contains(t, buf.String(), "  9\n")

	buf.Reset()
	err = reportCompact(&buf, result, result.Err, true, false)
	assert.ErrorIs(t, err, context.Canceled)
	var out compactOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, []int64{4, 9}, out.RemovedIDs)
	assert.Equal(t, "context canceled", out.Error)
}

func TestReportCompact_PassNeverStarted(t *testing.T) {
	openErr := errors.New("open badger store: locked")

	var buf bytes.Buffer
	err := reportCompact(&buf, compactor.PassResult{}, openErr, false, true)

	assert.ErrorIs(t, err, openErr)
	assert.Empty(t, buf.String())
}

// An offline pass removes the orphaned chain of a deleted endpoint and
// records it in the audit log.
func TestRunCompact_SQLiteFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Path = filepath.Join(dir, "prens.db")
	cfg.Compactor.AuditLog = filepath.Join(dir, "compaction.log")

	store, err := namespace.OpenStore(ctx, cfg.Storage, nil)
	require.NoError(t, err)
	ep, err := store.Insert(ctx, "a.b.com", 60)
	require.NoError(t, err)
	_, err = store.Insert(ctx, "keep.org", 60)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, ep.ID))
	require.NoError(t, store.Close())

	result, err := runCompact(ctx, cfg)
	require.NoError(t, err)
	assert.Len(t, result.RemovedIDs, 3)
	assert.Equal(t, compactor.TriggerManual, result.Trigger)

	data, err := os.ReadFile(cfg.Compactor.AuditLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trigger":"manual"`)

	result, err = runCompact(ctx, cfg)
	require.NoError(t, err)
	assert.Empty(t, result.RemovedIDs, "second pass finds nothing")
}

func newTreeServer(t *testing.T) (*httptest.Server, namespace.Service) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = namespace.MemoryPath
	cfg.Metrics.Enabled = false
	svc, err := namespace.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	server := httptest.NewServer(svc.Router())
	t.Cleanup(server.Close)
	return server, svc
}

func TestTreeWalker_Render(t *testing.T) {
	server, svc := newTreeServer(t)
	ctx := context.Background()
	ep, err := svc.Store().Insert(ctx, "a.b.com", 60)
	require.NoError(t, err)
	_, err = svc.Store().Insert(ctx, "x.org", 60)
	require.NoError(t, err)

	walker := &treeWalker{client: server.Client(), baseURL: server.URL}
	out, err := walker.render(ctx)
	require.NoError(t, err)

	for _, want := range []string{server.URL, "com", "b.com", "a.b.com", "org", "x.org"} {
		assert.Contains(t, out, want)
	}
	assert.Contains(t, out, "(endpoint "+strconv.FormatInt(ep.ID, 10)+")")
}

func TestTreeWalker_MaxDepth(t *testing.T) {
	server, svc := newTreeServer(t)
	_, err := svc.Store().Insert(context.Background(), "deep.leaf.net", 60)
	require.NoError(t, err)

	walker := &treeWalker{client: server.Client(), baseURL: server.URL, maxDepth: 1}
	out, err := walker.render(context.Background())
	require.NoError(t, err)

	assert.Contains(t, out, "net")
	assert.NotContains(t, out, "leaf.net")
}

func TestTreeWalker_Empty(t *testing.T) {
	server, _ := newTreeServer(t)

	walker := &treeWalker{client: server.Client(), baseURL: server.URL}
	out, err := walker.render(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "(empty)")
}

func TestTreeWalker_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	walker := &treeWalker{client: server.Client(), baseURL: server.URL}
	_, err := walker.render(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestTreeWalker_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	walker := &treeWalker{client: &http.Client{Timeout: time.Second}, baseURL: url}
	_, err := walker.render(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to reach prens") || errors.Is(err, context.DeadlineExceeded))
}
