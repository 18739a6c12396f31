// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestNewZeroConfig(t *testing.T) {
	logger := New(Config{})
	require.NotNil(t, logger)
	logger.Info("zero config works")
	require.NoError(t, logger.Close())
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})
	logger.Info("hello", "key", "value")
	require.NoError(t, logger.Close())

	name := "testsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"service":"testsvc"`)
}

type captureExporter struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

func (e *captureExporter) Export(_ context.Context, entry Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *captureExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func TestExporterReceivesEntries(t *testing.T) {
	exp := &captureExporter{}
	logger := New(Config{Quiet: true, Service: "engine", Exporter: exp})

	logger.Warn("budget low", "tokens_remaining", 100)
	require.NoError(t, logger.Close())

	exp.mu.Lock()
	defer exp.mu.Unlock()
	require.Len(t, exp.entries, 1)
	assert.Equal(t, "budget low", exp.entries[0].Message)
	assert.Equal(t, LevelWarn, exp.entries[0].Level)
	assert.Equal(t, "engine", exp.entries[0].Service)
	assert.True(t, exp.closed)
}

func TestCloseIdempotent(t *testing.T) {
	logger := New(Config{Quiet: true})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}

func TestWithDoesNotOwnSinks(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "parent", Quiet: true})
	child := logger.With("run_id", "r1")
	require.NoError(t, child.Close()) // must not close parent's file
	logger.Info("still writable")
	require.NoError(t, logger.Close())
}
