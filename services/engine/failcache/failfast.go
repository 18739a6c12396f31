// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package failcache remembers past generation outcomes so the
// supervisor can inject "known-good pattern" or "avoid this mistake"
// hints before the worker runs.
//
// Two layers: an in-memory TTL-bounded LRU keyed by normalized task
// (FailFast), and a vector-indexed long-term store over the retrieval
// backend (Store).
package failcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/synesis-ai/synesis/services/engine/state"
)

// OutcomeKind is the remembered disposition of a past task.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome is one remembered result.
type Outcome struct {
	Kind         OutcomeKind `json:"kind"`
	Language     string      `json:"language"`
	Code         string      `json:"code"`
	ErrorSummary string      `json:"error_summary,omitempty"`
	RecordedAt   int64       `json:"recorded_at"`
}

// Key derives the cache key from the task description and language.
func Key(taskDescription, language string) string {
	return state.HashString(taskDescription + "|" + language)
}

type ffEntry struct {
	key     string
	outcome Outcome
	expires time.Time
}

// FailFast is the in-memory short-term cache.
//
// Thread Safety: safe for concurrent use; operations are O(1) and
// lock-bounded.
type FailFast struct {
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	order *list.List // front = most recent
	items map[string]*list.Element
}

// NewFailFast creates a cache. capacity <= 0 defaults to 256, ttl <= 0
// to one hour.
func NewFailFast(capacity int, ttl time.Duration) *FailFast {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FailFast{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Record stores the outcome for a task, replacing any prior entry.
func (f *FailFast) Record(taskDescription, language string, outcome Outcome) {
	key := Key(taskDescription, language)

	f.mu.Lock()
	defer f.mu.Unlock()

	if el, ok := f.items[key]; ok {
		el.Value.(*ffEntry).outcome = outcome
		el.Value.(*ffEntry).expires = time.Now().Add(f.ttl)
		f.order.MoveToFront(el)
		return
	}
	if f.order.Len() >= f.capacity {
		oldest := f.order.Back()
		if oldest != nil {
			delete(f.items, oldest.Value.(*ffEntry).key)
			f.order.Remove(oldest)
		}
	}
	f.items[key] = f.order.PushFront(&ffEntry{
		key:     key,
		outcome: outcome,
		expires: time.Now().Add(f.ttl),
	})
}

// Lookup returns the remembered outcome for a task, if still live.
func (f *FailFast) Lookup(taskDescription, language string) (Outcome, bool) {
	key := Key(taskDescription, language)

	f.mu.Lock()
	defer f.mu.Unlock()

	el, ok := f.items[key]
	if !ok {
		return Outcome{}, false
	}
	entry := el.Value.(*ffEntry)
	if time.Now().After(entry.expires) {
		delete(f.items, key)
		f.order.Remove(el)
		return Outcome{}, false
	}
	f.order.MoveToFront(el)
	return entry.outcome, true
}

// Hint renders the supervisor-facing hint for a cached outcome.
func Hint(o Outcome) string {
	switch o.Kind {
	case OutcomeSuccess:
		return "A near-identical task recently succeeded; reuse the known-good pattern:\n" + o.Code
	case OutcomeFailure:
		return "A near-identical task recently failed; avoid this mistake: " + o.ErrorSummary
	}
	return ""
}
