// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker provides circuit-breaker protection for the engine's
// external dependencies: model backends, the embeddings and rerank
// services, the vector store, and the analysis sidecar. Each dependency
// gets its own breaker so an outage in one does not reject calls to the
// others.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when a call is rejected because the breaker for
// the dependency is open.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker state machine position.
type State int

const (
	// StateClosed passes requests through.
	StateClosed State = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits limited probe requests to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a single breaker.
type Config struct {
	// FailureThreshold is consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is consecutive probe successes needed to close
	// from half-open.
	SuccessThreshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// ProbeLimit caps concurrent requests while half-open.
	ProbeLimit int
}

// DefaultConfig matches the posture used for model backends: trip fast,
// recover cautiously.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		ProbeLimit:       1,
	}
}

// Stats is a point-in-time snapshot, exposed on the readiness endpoint.
type Stats struct {
	Dependency     string    `json:"dependency"`
	State          string    `json:"state"`
	Calls          int64     `json:"calls"`
	Failures       int64     `json:"failures"`
	Rejections     int64     `json:"rejections"`
	StreakFailures int       `json:"streak_failures"`
	LastTransition time.Time `json:"last_transition"`
}

// Breaker guards calls to one external dependency.
//
// Thread Safety: safe for concurrent use.
type Breaker struct {
	dependency string
	config     Config

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	probesInFlight int
	lastTransition time.Time

	calls      int64
	failTotal  int64
	rejections int64
}

// New creates a closed breaker for the named dependency. Zero config
// fields fall back to defaults.
func New(dependency string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.ProbeLimit <= 0 {
		config.ProbeLimit = defaults.ProbeLimit
	}
	return &Breaker{
		dependency:     dependency,
		config:         config,
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow decides whether a call may proceed. The returned release func
// is non-nil only for half-open probes and must be called when the
// probe completes.
func (b *Breaker) allow() (bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++

	switch b.state {
	case StateClosed:
		return true, nil

	case StateOpen:
		if time.Since(b.lastTransition) > b.config.Cooldown {
			b.transition(StateHalfOpen)
			return b.admitProbe()
		}
		b.rejections++
		return false, nil

	case StateHalfOpen:
		return b.admitProbe()
	}

	return false, nil
}

// admitProbe must be called with the lock held.
func (b *Breaker) admitProbe() (bool, func()) {
	if b.probesInFlight >= b.config.ProbeLimit {
		b.rejections++
		return false, nil
	}
	b.probesInFlight++
	return true, func() {
		b.mu.Lock()
		b.probesInFlight--
		b.mu.Unlock()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failTotal++
	b.failures++
	b.successes = 0

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(next State) {
	b.state = next
	b.lastTransition = time.Now()
	b.failures = 0
	b.successes = 0
}

// Do runs fn under breaker protection. A context already cancelled
// before fn runs is not counted against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, release := b.allow()
	if !allowed {
		return fmt.Errorf("%s: %w", b.dependency, ErrOpen)
	}
	if release != nil {
		defer release()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

// Stats returns a snapshot for observability endpoints.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Dependency:     b.dependency,
		State:          b.state.String(),
		Calls:          b.calls,
		Failures:       b.failTotal,
		Rejections:     b.rejections,
		StreakFailures: b.failures,
		LastTransition: b.lastTransition,
	}
}

// Reset forces the breaker closed. Used by tests and the admin surface.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probesInFlight = 0
	b.lastTransition = time.Now()
}

// Registry holds one breaker per named dependency.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a dependency, creating it on first use.
func (r *Registry) For(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b := New(dependency, r.config)
	r.breakers[dependency] = b
	return b
}

// Snapshot returns stats for every registered breaker.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
