// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory holds per-user conversation history and the pending
// question machinery.
//
// History is an in-memory bounded deque: LRU eviction across users,
// FIFO eviction within a user, TTL purge on access. Pending questions
// and archived eras outlive the process and live in BadgerDB.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// ErrNoPendingQuestion is returned when a user has no stored question.
var ErrNoPendingQuestion = errors.New("memory: no pending question")

// Turn is one conversation entry.
type Turn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Summary   string `json:"summary,omitempty"`
}

// PendingQuestion is the at-most-one-per-user clarification awaiting an
// answer.
type PendingQuestion struct {
	Source    state.PendingQuestionSource `json:"source_node"`
	Question  string                      `json:"question"`
	Context   string                      `json:"context"`
	ExpiresAt int64                       `json:"expires_at"`
}

// Summarizer condenses a flushed era into one line. Implemented by the
// stages package with a small model; nil disables summarization.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Config tunes the memory.
type Config struct {
	// MaxUsers bounds tracked users; least-recently-active evicted.
	MaxUsers int

	// MaxTurns bounds turns per user; oldest evicted first.
	MaxTurns int

	// TurnTTL expires turns on access.
	TurnTTL time.Duration

	// QuestionTTL bounds pending-question staleness.
	QuestionTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxUsers:    1000,
		MaxTurns:    20,
		TurnTTL:     24 * time.Hour,
		QuestionTTL: 30 * time.Minute,
	}
}

type userHistory struct {
	turns        []Turn
	lastLanguage string
	lastActive   time.Time
}

// Memory is the shared conversation store.
//
// Thread Safety: safe for concurrent use; all operations are
// lock-bounded and short-lived.
type Memory struct {
	config     Config
	db         *badger.DB
	summarizer Summarizer
	log        *logging.Logger

	mu    sync.Mutex
	users map[string]*userHistory
}

// New creates a Memory over an open badger instance. db may be nil, in
// which case pending questions and era archives are process-local only
// (used by tests).
func New(config Config, db *badger.DB, summarizer Summarizer, log *logging.Logger) *Memory {
	defaults := DefaultConfig()
	if config.MaxUsers <= 0 {
		config.MaxUsers = defaults.MaxUsers
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = defaults.MaxTurns
	}
	if config.TurnTTL <= 0 {
		config.TurnTTL = defaults.TurnTTL
	}
	if config.QuestionTTL <= 0 {
		config.QuestionTTL = defaults.QuestionTTL
	}
	return &Memory{
		config:     config,
		db:         db,
		summarizer: summarizer,
		log:        log,
		users:      make(map[string]*userHistory),
	}
}

// Append records one turn for a user, evicting FIFO within the user and
// LRU across users as bounds are hit.
func (m *Memory) Append(userID, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.touch(userID)
	u.turns = append(u.turns, Turn{Role: role, Content: content, Timestamp: time.Now().UnixMilli()})
	if len(u.turns) > m.config.MaxTurns {
		u.turns = u.turns[len(u.turns)-m.config.MaxTurns:]
	}
}

// History returns a copy of the user's live turns, purging expired ones.
func (m *Memory) History(userID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	u.lastActive = time.Now()

	cutoff := time.Now().Add(-m.config.TurnTTL).UnixMilli()
	live := u.turns[:0]
	for _, t := range u.turns {
		if t.Timestamp >= cutoff {
			live = append(live, t)
		}
	}
	u.turns = live

	out := make([]Turn, len(u.turns))
	copy(out, u.turns)
	return out
}

// LastLanguage returns the language of the user's last active era.
func (m *Memory) LastLanguage(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u.lastLanguage
	}
	return ""
}

// SetLanguage records the user's active language after classification.
func (m *Memory) SetLanguage(userID, language string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch(userID).lastLanguage = language
}

// DetectPivot reports whether the newly classified language differs
// from the user's last-active language.
func (m *Memory) DetectPivot(userID, newLanguage string) bool {
	last := m.LastLanguage(userID)
	return last != "" && newLanguage != "" && last != newLanguage
}

// FlushEra archives the user's contaminated history and resets it to a
// one-line prior-era note.
//
// Description:
//
//	Optionally summarizes the flushed turns through the small-model
//	hook, writes the era to the durable sink, and replaces the history
//	with the note. Summarization failure degrades to an unsummarized
//	archive; the flush never fails the traversal.
func (m *Memory) FlushEra(ctx context.Context, userID, newLanguage string) string {
	m.mu.Lock()
	u, ok := m.users[userID]
	if !ok {
		m.mu.Unlock()
		return ""
	}
	flushed := u.turns
	oldLanguage := u.lastLanguage
	u.turns = nil
	u.lastLanguage = newLanguage
	m.mu.Unlock()

	summary := fmt.Sprintf("%d turns about %s", len(flushed), oldLanguage)
	if m.summarizer != nil && len(flushed) > 0 {
		if s, err := m.summarizer.Summarize(ctx, flushed); err == nil && s != "" {
			summary = s
		} else if err != nil {
			m.log.Warn("era summarization failed, archiving unsummarized",
				"user_id", userID, "error", err)
		}
	}

	m.archiveEra(userID, oldLanguage, summary, flushed)

	note := fmt.Sprintf("Prior era (%s): %s", oldLanguage, summary)
	m.mu.Lock()
	m.touch(userID).turns = []Turn{{
		Role:      "system",
		Content:   note,
		Summary:   summary,
		Timestamp: time.Now().UnixMilli(),
	}}
	m.mu.Unlock()
	return note
}

// touch must be called with the lock held. Registers activity and
// applies cross-user LRU eviction.
func (m *Memory) touch(userID string) *userHistory {
	u, ok := m.users[userID]
	if !ok {
		if len(m.users) >= m.config.MaxUsers {
			m.evictLRU()
		}
		u = &userHistory{}
		m.users[userID] = u
	}
	u.lastActive = time.Now()
	return u
}

// evictLRU must be called with the lock held.
func (m *Memory) evictLRU() {
	type entry struct {
		id   string
		last time.Time
	}
	entries := make([]entry, 0, len(m.users))
	for id, u := range m.users {
		entries = append(entries, entry{id, u.lastActive})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].last.Before(entries[j].last) })
	if len(entries) > 0 {
		delete(m.users, entries[0].id)
	}
}

// =============================================================================
// Durable state (badger)
// =============================================================================

func pendingKey(userID string) []byte { return []byte("pending/" + userID) }

// SetPendingQuestion stores the user's question, replacing any prior
// one: at most one exists per user at any time.
func (m *Memory) SetPendingQuestion(userID string, q PendingQuestion) error {
	if q.ExpiresAt == 0 {
		q.ExpiresAt = time.Now().Add(m.config.QuestionTTL).UnixMilli()
	}
	if m.db == nil {
		return nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal pending question: %w", err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(userID), data)
	})
}

// TakePendingQuestion returns and clears the user's pending question.
// Expired questions are cleared and reported as absent.
func (m *Memory) TakePendingQuestion(userID string) (PendingQuestion, error) {
	if m.db == nil {
		return PendingQuestion{}, ErrNoPendingQuestion
	}
	var q PendingQuestion
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoPendingQuestion
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &q)
		}); err != nil {
			return err
		}
		return txn.Delete(pendingKey(userID))
	})
	if err != nil {
		return PendingQuestion{}, err
	}
	if q.ExpiresAt > 0 && time.Now().UnixMilli() > q.ExpiresAt {
		return PendingQuestion{}, ErrNoPendingQuestion
	}
	return q, nil
}

// archiveEra writes a flushed era to the durable sink. Best-effort.
func (m *Memory) archiveEra(userID, language, summary string, turns []Turn) {
	if m.db == nil || len(turns) == 0 {
		return
	}
	record := struct {
		Language string `json:"language"`
		Summary  string `json:"summary"`
		Turns    []Turn `json:"turns"`
	}{language, summary, turns}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	key := []byte(fmt.Sprintf("era/%s/%d", userID, time.Now().UnixMilli()))
	if err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		m.log.Warn("era archive failed", "user_id", userID, "error", err)
	}
}
