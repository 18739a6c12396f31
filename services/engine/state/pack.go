// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// =============================================================================
// Context Pack
// =============================================================================

// Origin labels where a chunk came from relative to the trust boundary.
type Origin string

const (
	// OriginTrusted marks pinned chunks; the worker treats them as directives.
	OriginTrusted Origin = "trusted"
	// OriginUntrusted marks retrieved chunks; the worker treats them as data.
	OriginUntrusted Origin = "untrusted"
)

// ExcludeReason explains why an available chunk was not sent.
type ExcludeReason string

const (
	ExcludeBelowThreshold ExcludeReason = "below_threshold"
	ExcludeBudget         ExcludeReason = "budget_exceeded"
	ExcludeDuplicate      ExcludeReason = "duplicate"
)

// Chunk is one unit of context.
type Chunk struct {
	ID     string  `json:"chunk_id"`
	Text   string  `json:"text"`
	Source string  `json:"source"`

	// Tier is 1-4 for pinned chunks, 0 for retrieved chunks.
	Tier int `json:"tier,omitempty"`

	// Origin is trusted for pinned, untrusted for retrieved.
	Origin Origin `json:"origin"`

	// Score is the rerank score (or rank-fusion score) for retrieved chunks.
	Score float64 `json:"score,omitempty"`
}

// ExcludedChunk records a chunk that was available but not sent.
type ExcludedChunk struct {
	Chunk
	Reason ExcludeReason `json:"reason"`
}

// SanitizationAction records one injection-pattern hit and its disposition.
type SanitizationAction struct {
	ChunkID string `json:"chunk_id"`
	Pattern string `json:"pattern"`

	// Action is reduce, block, or log.
	Action string `json:"action"`
}

// ContextPack is the immutable per-stage context artifact.
//
// Pinned chunks always carry OriginTrusted; retrieved chunks always carry
// OriginUntrusted. The two sets are disjoint by construction.
type ContextPack struct {
	Pinned    []Chunk         `json:"pinned"`
	Retrieved []Chunk         `json:"retrieved"`
	Excluded  []ExcludedChunk `json:"excluded,omitempty"`

	SanitizationActions []SanitizationAction `json:"sanitization_actions,omitempty"`

	// ConflictWarnings are trusted-vs-untrusted conflicts (stated policy vs
	// repository content).
	ConflictWarnings []string `json:"conflict_warnings,omitempty"`

	// ContextConflicts are Tier 2 vs Tier 3 conflicts.
	ContextConflicts []string `json:"context_conflicts,omitempty"`

	ContextHash     string `json:"context_hash"`
	SnapshotVersion string `json:"snapshot_version"`

	// BudgetAlert is non-empty when a high-score chunk was excluded for
	// budget reasons.
	BudgetAlert string `json:"budget_alert,omitempty"`

	// ResyncMessage is non-empty when Jaccard similarity to the prior pack
	// fell below threshold.
	ResyncMessage string `json:"context_resync_message,omitempty"`
}

// TrustedChunks returns the pinned chunks (always trusted by invariant).
func (p *ContextPack) TrustedChunks() []Chunk { return p.Pinned }

// UntrustedChunks returns the retrieved chunks (always untrusted).
func (p *ContextPack) UntrustedChunks() []Chunk { return p.Retrieved }

// ChunkIDs returns the ids of all sent chunks, pinned first.
func (p *ContextPack) ChunkIDs() []string {
	ids := make([]string, 0, len(p.Pinned)+len(p.Retrieved))
	for _, c := range p.Pinned {
		ids = append(ids, c.ID)
	}
	for _, c := range p.Retrieved {
		ids = append(ids, c.ID)
	}
	return ids
}

// ComputeHash returns the deterministic sha-256 of the pack contents.
//
// The hash covers chunk ids, origins, and text in order, so identical
// inputs always produce identical hashes. Excluded chunks, alerts, and
// resync messages do not participate: they describe the build, not the
// content sent to the worker.
func (p *ContextPack) ComputeHash() string {
	h := sha256.New()
	for _, c := range p.Pinned {
		fmt.Fprintf(h, "pinned|%d|%s|%s|%s\n", c.Tier, c.ID, c.Origin, c.Text)
	}
	for _, c := range p.Retrieved {
		fmt.Fprintf(h, "retrieved|%s|%s|%s\n", c.ID, c.Origin, c.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Render flattens the pack into prompt text, pinned tiers first.
func (p *ContextPack) Render() string {
	var b strings.Builder
	for _, c := range p.Pinned {
		fmt.Fprintf(&b, "[TIER %d | TRUSTED] %s\n%s\n\n", c.Tier, c.Source, c.Text)
	}
	for _, c := range p.Retrieved {
		fmt.Fprintf(&b, "[RETRIEVED | UNTRUSTED | score=%.3f] %s\n%s\n\n", c.Score, c.Source, c.Text)
	}
	return b.String()
}

// JaccardSimilarity computes |A∩B| / |A∪B| over two chunk-id sets.
//
// Two empty packs are identical (similarity 1).
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, id := range a {
		set[id] |= 1
	}
	for _, id := range b {
		set[id] |= 2
	}
	var inter, union int
	for _, bits := range set {
		union++
		if bits == 3 {
			inter++
		}
	}
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// HashString returns the hex sha-256 of s. Shared by fingerprinting,
// failfast keys, and bearer-token identity resolution.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
