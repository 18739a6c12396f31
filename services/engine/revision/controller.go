// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package revision enforces the retry discipline of a traversal:
// forward progress, non-regression, non-repetition, and strategy
// exhaustion. The controller is pure — no I/O, no model calls — and is
// the only code allowed to advance the iteration counter.
package revision

import (
	"github.com/synesis-ai/synesis/services/engine/state"
	"github.com/synesis-ai/synesis/services/engine/strategy"
)

// Verdict describes what the controller decided about a sandbox outcome.
type Verdict string

const (
	// VerdictSuccess routes to the critic for normal review.
	VerdictSuccess Verdict = "success"

	// VerdictRetry routes back through the curator to the worker with a
	// freshly selected strategy; the iteration counter advanced.
	VerdictRetry Verdict = "retry"

	// VerdictSameFailure routes to the critic in postmortem mode; the
	// fingerprint was already seen, so retrying would waste budget.
	VerdictSameFailure Verdict = "same_failure"

	// VerdictExhausted routes to the critic in postmortem mode; the
	// iteration cap was reached.
	VerdictExhausted Verdict = "exhausted"

	// VerdictViolation routes back to the worker with revert guidance;
	// the attempt regressed a preserved stage and the iteration counter
	// did NOT advance.
	VerdictViolation Verdict = "violation"
)

// Decision is the controller's full output for one sandbox outcome.
type Decision struct {
	Verdict Verdict

	// Fingerprint is the normalized failure identity (zero on success).
	Fingerprint state.Fingerprint

	// NewFingerprint is true when the fingerprint was not seen before
	// and must be appended to failure_ids_seen.
	NewFingerprint bool

	// AdvanceIteration is true only for VerdictRetry.
	AdvanceIteration bool

	// NextStrategy is the strategy for the next attempt (retry and
	// violation verdicts).
	NextStrategy strategy.Candidate

	// Constraints bound the next attempt.
	Constraints state.Constraints

	// RegressedStage names the stage that regressed on a violation or a
	// worker-declared regression.
	RegressedStage string

	// RegressionWaived is true when the worker declared the regression
	// and the critic must evaluate the justification.
	RegressionWaived bool
}

// Controller applies the retry discipline. Stateless; all bookkeeping
// lives in the traversal state.
type Controller struct{}

// New creates a Controller.
func New() *Controller { return &Controller{} }

// Evaluate classifies a finished sandbox attempt.
//
// Description:
//
//	Success (exit 0 with lint and security passing) is VerdictSuccess.
//	A failure whose fingerprint was already seen short-circuits to
//	postmortem without advancing the iteration. A regression of a
//	preserved stage under a hard anchor is a strategy violation: no
//	iteration advance, revert guidance to the worker. Otherwise the
//	iteration advances, a strategy is selected excluding tried ones,
//	and the attempt retries — unless the iteration cap was reached.
//
// Inputs:
//
//	st - Traversal state after the sandbox delta was applied.
//	fp - The normalized fingerprint of this attempt's failure (zero
//	     value when the attempt succeeded).
//
// Outputs:
//
//	Decision - Routing verdict plus bookkeeping for the graph to apply.
func (c *Controller) Evaluate(st *state.State, fp state.Fingerprint) Decision {
	if attemptSucceeded(st) {
		return Decision{Verdict: VerdictSuccess}
	}

	// Non-repetition: a known fingerprint terminates the retry loop.
	if st.HasSeenFailure(fp) {
		return Decision{Verdict: VerdictSameFailure, Fingerprint: fp}
	}

	// Non-regression: check the active strategy's preserve list before
	// spending an iteration on this attempt.
	if st.RevisionConstraints != nil {
		check := strategy.CheckMonotonicity(st, *st.RevisionConstraints, failedStages(st))
		if check.Violated {
			return Decision{
				Verdict:        VerdictViolation,
				Fingerprint:    fp,
				NewFingerprint: true,
				RegressedStage: check.Stage,
				NextStrategy:   strategy.Candidate{Name: st.RevisionStrategy},
				Constraints:    *st.RevisionConstraints,
			}
		}
		if check.WaivedByWorker {
			// Declared regression: proceed as a normal retry, the critic
			// will judge the justification.
			d := c.retryDecision(st, fp)
			d.RegressedStage = check.Stage
			d.RegressionWaived = true
			return d
		}
	}

	return c.retryDecision(st, fp)
}

func (c *Controller) retryDecision(st *state.State, fp state.Fingerprint) Decision {
	// Forward progress: the failure is genuine and new, so this cycle
	// costs an iteration. The cap check uses the advanced value.
	if st.IterationCount+1 >= st.MaxIterations {
		return Decision{
			Verdict:        VerdictExhausted,
			Fingerprint:    fp,
			NewFingerprint: true,
		}
	}

	next := strategy.Select(st.FailureType, st.RevisionStrategiesTried, st.IterationCount+1, st.MaxIterations)
	return Decision{
		Verdict:          VerdictRetry,
		Fingerprint:      fp,
		NewFingerprint:   true,
		AdvanceIteration: true,
		NextStrategy:     next,
		Constraints:      strategy.ConstraintsFor(next.Name),
	}
}

// Advance moves the iteration counter. The graph calls this exactly
// when a Decision carries AdvanceIteration; nothing else touches the
// counter, which keeps it monotonically non-decreasing.
func (c *Controller) Advance(st *state.State) {
	st.IterationCount++
}

// attemptSucceeded reports whether the sandbox attempt passed outright.
func attemptSucceeded(st *state.State) bool {
	return st.ExecutionExitCode == 0 &&
		st.ExecutionLintPassed &&
		st.ExecutionSecurityPassed
}

// failedStages derives which preservable stages failed on this attempt.
func failedStages(st *state.State) []string {
	var failed []string
	if !st.ExecutionLintPassed {
		failed = append(failed, "lint")
	}
	if !st.ExecutionSecurityPassed {
		failed = append(failed, "security")
	}
	if st.ExecutionExitCode != 0 {
		failed = append(failed, "runtime")
	}
	return failed
}
