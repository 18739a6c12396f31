// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextpack assembles the deterministic tiered context sent to
// the worker before every generation attempt, including retries.
//
// Pinned tiers are trusted directives; retrieved chunks are untrusted
// data. Conflicts between the two, and between tiers, are surfaced in
// the pack itself — never resolved silently. Given identical input state
// the builder produces an identical pack (same context_hash).
package contextpack

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/state"
)

var tracer = otel.Tracer("synesis.engine.contextpack")

// maxRequestTopK caps the per-request top_k retrieval override.
const maxRequestTopK = 50

// Tier 1 invariants are hardcoded: they hold for every traversal and no
// configuration may remove them.
var tier1Invariants = []state.Chunk{
	{
		ID:     "t1-output-format",
		Tier:   1,
		Origin: state.OriginTrusted,
		Source: "synesis/invariants",
		Text: "Respond with a single JSON object. patch_ops entries must name only files " +
			"in the approved plan scope. Declare stop_reason instead of guessing when the " +
			"task is ambiguous, unsafe, or out of scope.",
	},
	{
		ID:     "t1-sandbox-contract",
		Tier:   1,
		Origin: state.OriginTrusted,
		Source: "synesis/invariants",
		Text: "Generated code executes in an isolated sandbox WITHOUT network access. " +
			"Do not install packages, fetch URLs, or open sockets. Only the approved " +
			"tool allowlist is available.",
	},
}

// Scored is one ranked retrieval result.
type Scored struct {
	ID     string
	Text   string
	Source string
	Score  float64
}

// Retriever is the slice of the retrieval service the builder needs.
type Retriever interface {
	// Retrieve queries the catalog and returns ranked chunks, best first.
	Retrieve(ctx context.Context, query string, fetchK int) ([]Scored, error)

	// Standards queries the architecture-standards collections (Tier 2).
	Standards(ctx context.Context, query string, limit int) ([]Scored, error)
}

// CurationMode selects retry behavior.
type CurationMode string

const (
	// ModeStatic re-runs the original query on retry.
	ModeStatic CurationMode = "static"
	// ModeAdaptive re-queries from stderr entities on pivot-plausible
	// failures (lsp, runtime).
	ModeAdaptive CurationMode = "adaptive"
)

// Config tunes the builder.
type Config struct {
	// TopK is how many retrieved chunks to send.
	TopK int

	// Overfetch multiplies TopK for the initial query (fetch_k).
	Overfetch int

	// ScoreThreshold drops retrieved chunks scoring below it.
	ScoreThreshold float64

	// AlertThreshold marks an excluded chunk as alert-worthy.
	AlertThreshold float64

	// CharBudget caps accumulated retrieved characters.
	CharBudget int

	// DriftThreshold is the Jaccard similarity below which the pack is
	// considered a pivot from the prior pack.
	DriftThreshold float64

	// CurationMode selects retry behavior.
	CurationMode CurationMode

	// Sanitize is the action applied to injection hits.
	Sanitize SanitizeAction

	// StandardsLimit caps Tier 2 chunks.
	StandardsLimit int

	// ProjectManifest is the Tier 3 text, empty when no project manifest
	// was resolved.
	ProjectManifest string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TopK:           6,
		Overfetch:      3,
		ScoreThreshold: 0.25,
		AlertThreshold: 0.75,
		CharBudget:     24000,
		DriftThreshold: 0.2,
		CurationMode:   ModeAdaptive,
		Sanitize:       ActionReduce,
		StandardsLimit: 3,
	}
}

// Builder assembles context packs.
//
// Thread Safety: safe for concurrent use; all per-traversal state lives
// in the State argument.
type Builder struct {
	config    Config
	retriever Retriever
	log       *logging.Logger
}

// New creates a Builder. retriever may be nil, in which case packs
// contain only pinned tiers (degraded retrieval mode).
func New(config Config, retriever Retriever, log *logging.Logger) *Builder {
	if config.TopK <= 0 {
		config.TopK = DefaultConfig().TopK
	}
	if config.Overfetch <= 0 {
		config.Overfetch = DefaultConfig().Overfetch
	}
	if config.CharBudget <= 0 {
		config.CharBudget = DefaultConfig().CharBudget
	}
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = DefaultConfig().DriftThreshold
	}
	if config.StandardsLimit <= 0 {
		config.StandardsLimit = DefaultConfig().StandardsLimit
	}
	if config.Sanitize == "" {
		config.Sanitize = ActionReduce
	}
	return &Builder{config: config, retriever: retriever, log: log}
}

// Build produces the pack for the current attempt.
//
// Description:
//
//	Assembles pinned tiers 1-4, queries retrieval with overfetch, applies
//	adaptive re-curation on pivot-plausible retries, sanitizes, ranks,
//	budget-trims, detects conflicts, and computes the deterministic hash.
//	Retrieval failure degrades to a pinned-only pack rather than failing
//	the traversal.
//
// Inputs:
//
//	ctx - Deadline-carrying context for retrieval calls.
//	st  - Traversal state; st.ContextPack (if any) is the prior pack used
//	      for drift detection and excluded-chunk promotion.
//
// Outputs:
//
//	*state.ContextPack - The immutable pack, never nil.
func (b *Builder) Build(ctx context.Context, st *state.State) *state.ContextPack {
	ctx, span := tracer.Start(ctx, "Builder.Build")
	defer span.End()

	pack := &state.ContextPack{}

	// --- pinned tiers ---
	pack.Pinned = append(pack.Pinned, tier1Invariants...)

	tier2 := b.fetchStandards(ctx, st)
	pack.Pinned = append(pack.Pinned, tier2...)

	var tier3Text string
	if b.config.ProjectManifest != "" {
		tier3Text = b.config.ProjectManifest
		pack.Pinned = append(pack.Pinned, state.Chunk{
			ID:     "t3-project-manifest",
			Tier:   3,
			Origin: state.OriginTrusted,
			Source: "project/.synesis.yaml",
			Text:   tier3Text,
		})
	}

	pack.Pinned = append(pack.Pinned, state.Chunk{
		ID:     "t4-session",
		Tier:   4,
		Origin: state.OriginTrusted,
		Source: "session",
		Text:   sessionText(st),
	})

	// --- Tier 2 vs Tier 3 conflicts ---
	if tier3Text != "" {
		var tier2Text strings.Builder
		for _, c := range tier2 {
			tier2Text.WriteString(c.Text)
			tier2Text.WriteString("\n")
		}
		if conflicts := detectTierConflicts(tier2Text.String(), tier3Text); len(conflicts) > 0 {
			pack.ContextConflicts = conflicts
			pack.Pinned = append(pack.Pinned, state.Chunk{
				ID:     "t1-conflict-directive",
				Tier:   1,
				Origin: state.OriginTrusted,
				Source: "synesis/conflict-detector",
				Text:   syntheticConflictText(conflicts),
			})
		}
	}

	// --- retrieval ---
	b.retrieve(ctx, st, pack)

	// --- trusted-vs-untrusted conflicts ---
	var pinnedText strings.Builder
	for _, c := range pack.Pinned {
		pinnedText.WriteString(c.Text)
		pinnedText.WriteString("\n")
	}
	for _, c := range pack.Retrieved {
		pack.ConflictWarnings = append(pack.ConflictWarnings,
			detectTrustConflicts(pinnedText.String(), c.ID, c.Text)...)
	}

	// --- drift vs prior pack ---
	if st.ContextPack != nil {
		sim := state.JaccardSimilarity(st.ContextPack.ChunkIDs(), pack.ChunkIDs())
		if sim < b.config.DriftThreshold {
			pack.ResyncMessage = fmt.Sprintf(
				"Context shifted substantially from the previous attempt (similarity %.2f). "+
					"The working context was re-curated; mention the pivot if it changes your approach.", sim)
		}
	}

	pack.ContextHash = pack.ComputeHash()
	pack.SnapshotVersion = fmt.Sprintf("turn_%d_v%s", st.IterationCount, pack.ContextHash[:8])

	span.SetAttributes(
		attribute.Int("pack.pinned", len(pack.Pinned)),
		attribute.Int("pack.retrieved", len(pack.Retrieved)),
		attribute.Int("pack.excluded", len(pack.Excluded)),
		attribute.String("pack.hash", pack.ContextHash[:8]),
	)
	return pack
}

func (b *Builder) fetchStandards(ctx context.Context, st *state.State) []state.Chunk {
	if b.retriever == nil {
		return nil
	}
	results, err := b.retriever.Standards(ctx, st.TaskDescription, b.config.StandardsLimit)
	if err != nil {
		b.log.Warn("standards fetch failed, pack continues without Tier 2",
			"run_id", st.RunID, "error", err)
		return nil
	}
	chunks := make([]state.Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, state.Chunk{
			ID:     r.ID,
			Tier:   2,
			Origin: state.OriginTrusted,
			Source: r.Source,
			Score:  r.Score,
			Text:   r.Text,
		})
	}
	return chunks
}

// retrieve runs the (possibly adaptive) retrieval query and fills
// Retrieved, Excluded, SanitizationActions, and BudgetAlert.
func (b *Builder) retrieve(ctx context.Context, st *state.State, pack *state.ContextPack) {
	if b.retriever == nil {
		return
	}

	query := st.TaskDescription
	var promoteKeywords []string

	stderr := executionOutput(st)
	adaptive := b.config.CurationMode == ModeAdaptive &&
		stderr != "" &&
		(st.FailureType == state.FailureLSP || st.FailureType == state.FailureRuntime)
	if adaptive {
		entities := extractEntities(stderr)
		if len(entities) > 0 {
			query = strings.Join(entities, " ")
			promoteKeywords = stderrKeywords(stderr)
			b.log.Info("adaptive re-curation from execution error",
				"run_id", st.RunID, "entities", len(entities))
		}
	}

	topK := b.config.TopK
	if v := st.RetrievalParams["top_k"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxRequestTopK {
			topK = n
		}
	}
	fetchK := topK * b.config.Overfetch
	results, err := b.retriever.Retrieve(ctx, query, fetchK)
	if err != nil {
		b.log.Warn("retrieval failed, pack continues pinned-only",
			"run_id", st.RunID, "error", err)
		return
	}

	// Promote previously-excluded chunks whose snippets match the stderr.
	if len(promoteKeywords) > 0 && st.ContextPack != nil {
		known := make(map[string]bool, len(results))
		for _, r := range results {
			known[r.ID] = true
		}
		for _, ex := range st.ContextPack.Excluded {
			if known[ex.ID] || !snippetMatches(ex.Text, promoteKeywords) {
				continue
			}
			results = append(results, Scored{
				ID: ex.ID, Text: ex.Text, Source: ex.Source,
				// Promoted chunks rank at the top of this attempt.
				Score: 1.0,
			})
		}
	}

	// Deterministic order: score descending, id ascending on ties.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	seen := make(map[string]bool, len(results))
	budget := b.config.CharBudget
	for _, r := range results {
		chunk := state.Chunk{
			ID:     r.ID,
			Origin: state.OriginUntrusted,
			Source: r.Source,
			Score:  r.Score,
			Text:   r.Text,
		}

		switch {
		case seen[r.ID]:
			pack.Excluded = append(pack.Excluded, state.ExcludedChunk{Chunk: chunk, Reason: state.ExcludeDuplicate})
			continue
		case r.Score < b.config.ScoreThreshold:
			pack.Excluded = append(pack.Excluded, state.ExcludedChunk{Chunk: chunk, Reason: state.ExcludeBelowThreshold})
			continue
		case len(pack.Retrieved) >= topK || len(r.Text) > budget:
			pack.Excluded = append(pack.Excluded, state.ExcludedChunk{Chunk: chunk, Reason: state.ExcludeBudget})
			if r.Score >= b.config.AlertThreshold && pack.BudgetAlert == "" {
				pack.BudgetAlert = fmt.Sprintf(
					"A highly relevant source (%s, score %.2f) did not fit the context budget. "+
						"Ask to swap the current context for it if the answer seems incomplete.",
					r.Source, r.Score)
			}
			continue
		}

		clean, keep, actions := sanitizeChunk(chunk, b.config.Sanitize)
		pack.SanitizationActions = append(pack.SanitizationActions, actions...)
		if !keep {
			pack.Excluded = append(pack.Excluded, state.ExcludedChunk{Chunk: chunk, Reason: state.ExcludeBelowThreshold})
			continue
		}

		seen[r.ID] = true
		budget -= len(clean.Text)
		pack.Retrieved = append(pack.Retrieved, clean)
	}
}

// sessionText renders Tier 4: the live task plus plan steps.
func sessionText(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", st.TaskDescription)
	if st.TargetLanguage != "" {
		fmt.Fprintf(&b, "Language: %s\n", st.TargetLanguage)
	}
	if st.Plan != nil && len(st.Plan.Steps) > 0 {
		b.WriteString("Plan:\n")
		for i, step := range st.Plan.Steps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, step)
		}
	}
	if st.RevisionStrategy != "" {
		fmt.Fprintf(&b, "Active revision strategy: %s\n", st.RevisionStrategy)
	}
	return b.String()
}

func executionOutput(st *state.State) string {
	if st.ExecutionResult == nil {
		return ""
	}
	return st.ExecutionResult.Execution.Output
}
