// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compactor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// auditLogFileMode restricts the audit file to its owner.
const auditLogFileMode = 0600

// AuditLog records one summary per compaction pass.
type AuditLog interface {
	// LogPass appends a pass summary.
	LogPass(result PassResult) error

	// Close releases the underlying file.
	Close() error
}

// NopAuditLog discards every record.
type NopAuditLog struct{}

// LogPass implements AuditLog.
func (NopAuditLog) LogPass(PassResult) error { return nil }

// Close implements AuditLog.
func (NopAuditLog) Close() error { return nil }

// passRecord is one JSON line of the audit file.
type passRecord struct {
	Timestamp        string  `json:"timestamp"`
	Operation        string  `json:"operation"`
	Trigger          string  `json:"trigger"`
	RemovedIDs       []int64 `json:"removed_ids"`
	RemovedCount     int     `json:"removed_count"`
	SignalsCoalesced int     `json:"signals_coalesced"`
	DurationMs       int64   `json:"duration_ms"`
	Error            string  `json:"error,omitempty"`
}

// FileAuditLog writes pass summaries as JSON lines.
//
// # Limitations
//
//   - Rotation is left to external tooling; the file is opened in append
//     mode.
type FileAuditLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileAuditLog opens path for appending, creating it and its directory
// when missing.
//
// # Examples
//
//	audit, err := compactor.NewFileAuditLog("/var/log/prens/compaction.log")
//	if err != nil {
//	    return fmt.Errorf("open audit log: %w", err)
//	}
//	defer audit.Close()
func NewFileAuditLog(path string) (*FileAuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLog{file: file, path: path}, nil
}

// Path returns the file path.
func (l *FileAuditLog) Path() string { return l.path }

// LogPass implements AuditLog.
func (l *FileAuditLog) LogPass(result PassResult) error {
	record := passRecord{
		Timestamp:        result.EndTime.UTC().Format(time.RFC3339Nano),
		Operation:        "compaction_pass",
		Trigger:          string(result.Trigger),
		RemovedIDs:       result.RemovedIDs,
		RemovedCount:     len(result.RemovedIDs),
		SignalsCoalesced: result.SignalsCoalesced,
		DurationMs:       result.Duration().Milliseconds(),
	}
	if record.RemovedIDs == nil {
		record.RemovedIDs = []int64{}
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal pass record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write pass record: %w", err)
	}
	return nil
}

// Close implements AuditLog. Safe to call more than once.
func (l *FileAuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
