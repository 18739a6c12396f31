// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/state"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFIFOWithinUser(t *testing.T) {
	m := New(Config{MaxTurns: 3}, nil, nil, logging.Default())
	for i := 0; i < 5; i++ {
		m.Append("u1", "user", fmt.Sprintf("turn-%d", i))
	}
	h := m.History("u1")
	require.Len(t, h, 3)
	assert.Equal(t, "turn-2", h[0].Content)
	assert.Equal(t, "turn-4", h[2].Content)
}

func TestLRUAcrossUsers(t *testing.T) {
	m := New(Config{MaxUsers: 2}, nil, nil, logging.Default())
	m.Append("old", "user", "first")
	time.Sleep(2 * time.Millisecond)
	m.Append("recent", "user", "second")
	time.Sleep(2 * time.Millisecond)
	m.Append("newcomer", "user", "third") // evicts "old"

	assert.Nil(t, m.History("old"))
	assert.Len(t, m.History("recent"), 1)
	assert.Len(t, m.History("newcomer"), 1)
}

func TestPivotDetection(t *testing.T) {
	m := New(Config{}, nil, nil, logging.Default())
	m.SetLanguage("u1", "python")
	assert.True(t, m.DetectPivot("u1", "go"))
	assert.False(t, m.DetectPivot("u1", "python"))
	assert.False(t, m.DetectPivot("unknown-user", "go"))
}

func TestFlushEraLeavesOneLineNote(t *testing.T) {
	db := openTestDB(t)
	m := New(Config{}, db, nil, logging.Default())
	m.SetLanguage("u1", "python")
	m.Append("u1", "user", "write a flask app")
	m.Append("u1", "assistant", "done")

	note := m.FlushEra(context.Background(), "u1", "go")
	assert.Contains(t, note, "Prior era (python)")

	h := m.History("u1")
	require.Len(t, h, 1)
	assert.Equal(t, "system", h[0].Role)
	assert.Equal(t, "go", m.LastLanguage("u1"))
}

func TestPendingQuestionAtMostOne(t *testing.T) {
	db := openTestDB(t)
	m := New(Config{}, db, nil, logging.Default())

	require.NoError(t, m.SetPendingQuestion("u1", PendingQuestion{
		Source: state.QuestionFromSupervisor, Question: "Which database?",
	}))
	// Replacing keeps the invariant: at most one per user.
	require.NoError(t, m.SetPendingQuestion("u1", PendingQuestion{
		Source: state.QuestionFromWorker, Question: "Which file?",
	}))

	q, err := m.TakePendingQuestion("u1")
	require.NoError(t, err)
	assert.Equal(t, state.QuestionFromWorker, q.Source)
	assert.Equal(t, "Which file?", q.Question)

	_, err = m.TakePendingQuestion("u1")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestPendingQuestionTTL(t *testing.T) {
	db := openTestDB(t)
	m := New(Config{}, db, nil, logging.Default())

	require.NoError(t, m.SetPendingQuestion("u1", PendingQuestion{
		Source:    state.QuestionFromPlanner,
		Question:  "stale",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	}))
	_, err := m.TakePendingQuestion("u1")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}
