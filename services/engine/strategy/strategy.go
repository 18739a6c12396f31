// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package strategy maps failure kinds to revision strategies and bounds
// what each strategy may change.
//
// Selection and constraints are pure decision tables: no I/O, no model
// calls. The monotonicity check classifies regressions of previously
// passed stages as strategy violations unless the worker declares them
// intended.
package strategy

import (
	"github.com/synesis-ai/synesis/services/engine/state"
)

// Strategy names.
const (
	MinimalFix         = "minimal_fix"
	Refactor           = "refactor"
	RevertAndPatch     = "revert_and_patch"
	LSPSymbolFirst     = "lsp_symbol_first"
	SpecAlignmentFirst = "spec_alignment_first"
	SecurityFix        = "security_fix"
)

// Anchor values for preserve-stage enforcement.
const (
	AnchorHard = "hard"
	AnchorSoft = "soft"
)

// Candidate is one weighted strategy option for a failure kind.
type Candidate struct {
	Name string

	// Weight orders candidates; higher is preferred.
	Weight float64

	// Rationale tags why this candidate fits the failure kind.
	Rationale string
}

// candidateTable maps failure type to its ordered candidates.
var candidateTable = map[state.FailureType][]Candidate{
	state.FailureLint: {
		{Name: MinimalFix, Weight: 0.8, Rationale: "targeted_style_fix"},
		{Name: Refactor, Weight: 0.2, Rationale: "structural_cleanup"},
	},
	state.FailureSecurity: {
		{Name: SecurityFix, Weight: 0.7, Rationale: "vulnerability_first"},
		{Name: MinimalFix, Weight: 0.2, Rationale: "targeted_fix"},
		{Name: RevertAndPatch, Weight: 0.1, Rationale: "known_good_baseline"},
	},
	state.FailureLSP: {
		{Name: LSPSymbolFirst, Weight: 0.8, Rationale: "resolve_symbols_first"},
		{Name: MinimalFix, Weight: 0.2, Rationale: "targeted_fix"},
	},
	state.FailureRuntime: {
		{Name: Refactor, Weight: 0.5, Rationale: "behavioral_rework"},
		{Name: RevertAndPatch, Weight: 0.5, Rationale: "known_good_baseline"},
	},
	state.FailureSpecMismatch: {
		{Name: SpecAlignmentFirst, Weight: 0.9, Rationale: "requirements_first"},
	},
}

// defaultCandidates is used for any unmapped failure type.
var defaultCandidates = []Candidate{
	{Name: MinimalFix, Weight: 0.6, Rationale: "targeted_fix"},
	{Name: Refactor, Weight: 0.4, Rationale: "structural_cleanup"},
}

// constraintTable bounds each strategy.
var constraintTable = map[string]state.Constraints{
	MinimalFix: {
		MaxFiles:       1,
		MaxLOCDelta:    30,
		ForbiddenMoves: []string{"extract_module", "rename_symbol"},
		PreserveStages: []string{"lint", "security"},
		Anchor:         AnchorHard,
	},
	Refactor: {
		MaxFiles:    5,
		MaxLOCDelta: 200,
		Anchor:      AnchorSoft,
	},
	RevertAndPatch: {
		MaxFiles:       1,
		MaxLOCDelta:    50,
		PreserveStages: []string{"lint"},
		Anchor:         AnchorHard,
	},
	LSPSymbolFirst: {
		MaxFiles:       2,
		MaxLOCDelta:    40,
		PreserveStages: []string{"lint"},
		Anchor:         AnchorHard,
	},
	SpecAlignmentFirst: {
		MaxFiles:       2,
		MaxLOCDelta:    60,
		PreserveStages: []string{"lint", "security"},
		Anchor:         AnchorHard,
	},
	SecurityFix: {
		MaxFiles:       1,
		MaxLOCDelta:    25,
		ForbiddenMoves: []string{"refactor", "extract_module"},
		PreserveStages: []string{"lint"},
		Anchor:         AnchorHard,
	},
}

// Candidates returns the weighted candidates for a failure type.
func Candidates(failure state.FailureType) []Candidate {
	if c, ok := candidateTable[failure]; ok {
		return c
	}
	return defaultCandidates
}

// ConstraintsFor returns the constraint set for a strategy name.
//
// Unknown strategies get minimal_fix constraints, the most restrictive
// set, so a bad name can never widen the blast radius.
func ConstraintsFor(name string) state.Constraints {
	if c, ok := constraintTable[name]; ok {
		return c
	}
	return constraintTable[MinimalFix]
}

// Select picks the revision strategy for the next attempt.
//
// Description:
//
//	Picks the first candidate not yet tried, in weight order. On late
//	iterations (iteration >= maxIterations-1) refactor is preferred if
//	still untried: constraint degradation buys the final attempt more
//	room. When every candidate has been tried, the top-weighted candidate
//	is returned.
//
// Inputs:
//
//	failure       - The classified failure type.
//	tried         - Strategy names already attempted this traversal.
//	iteration     - Current iteration count.
//	maxIterations - Iteration cap for the traversal.
//
// Outputs:
//
//	Candidate - The selected strategy, never empty.
func Select(failure state.FailureType, tried []string, iteration, maxIterations int) Candidate {
	candidates := Candidates(failure)

	isTried := func(name string) bool {
		for _, t := range tried {
			if t == name {
				return true
			}
		}
		return false
	}

	// Late-iteration degradation: prefer refactor when it is still open.
	if iteration >= maxIterations-1 {
		for _, c := range candidates {
			if c.Name == Refactor && !isTried(Refactor) {
				return c
			}
		}
		if !isTried(Refactor) {
			for _, c := range defaultCandidates {
				if c.Name == Refactor {
					return c
				}
			}
		}
	}

	for _, c := range candidates {
		if !isTried(c.Name) {
			return c
		}
	}
	return candidates[0]
}

// ViolationCheck is the outcome of a monotonicity check.
type ViolationCheck struct {
	// Violated is true when a preserved, previously-passed stage regressed
	// without a declared intention.
	Violated bool

	// Stage is the regressed stage when Violated.
	Stage string

	// WaivedByWorker is true when the regression was declared in
	// regressions_intended; the critic evaluates the justification.
	WaivedByWorker bool
}

// CheckMonotonicity classifies a retry result against the active strategy.
//
// Description:
//
//	For each stage in the strategy's preserve list that is in
//	stages_passed but failed on this attempt: with a hard anchor and no
//	matching regressions_intended entry, the result is a strategy
//	violation (iteration must not advance and the worker is told to
//	revert). A soft anchor, or a declared regression, defers to the
//	critic instead.
//
// Inputs:
//
//	st           - Traversal state (stages_passed, regressions_intended).
//	constraints  - The active strategy's constraints.
//	failedStages - Stages that failed on the current attempt.
//
// Outputs:
//
//	ViolationCheck - Classification result.
func CheckMonotonicity(st *state.State, constraints state.Constraints, failedStages []string) ViolationCheck {
	declared := func(stage string) bool {
		for _, r := range st.RegressionsIntended {
			if r == stage {
				return true
			}
		}
		return false
	}

	for _, preserve := range constraints.PreserveStages {
		if !st.HasPassed(preserve) {
			continue
		}
		for _, failed := range failedStages {
			if failed != preserve {
				continue
			}
			if declared(preserve) && st.RegressionJustification != "" {
				return ViolationCheck{Stage: preserve, WaivedByWorker: true}
			}
			if constraints.Anchor == AnchorHard {
				return ViolationCheck{Violated: true, Stage: preserve}
			}
			// Soft anchor without declaration: not a violation, but the
			// regression still needs a declaration before the critic
			// will accept it.
			return ViolationCheck{Stage: preserve}
		}
	}
	return ViolationCheck{}
}
