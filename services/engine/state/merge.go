// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

// Delta is the partial update a stage returns.
//
// Scalar fields are pointers: nil means "no change", non-nil overwrites.
// Slice fields append. Fields the merge rule protects (iteration count,
// stages passed regression) are not expressible here; the revision
// controller owns them.
type Delta struct {
	// --- scalars (latest non-null wins) ---
	TaskDescription  *string
	TargetLanguage   *string
	TaskSize         *TaskSize
	InteractionMode  *InteractionMode
	WorkerPromptTier *string
	BypassSupervisor *bool
	BypassPlanner    *bool
	PlanRequired     *bool
	ClarificationBudget *int
	MessageOrigin    *string

	NeedsClarification *bool
	ClarifyQuestion    *string
	RouteTo            *string
	SupervisorGuard    *bool
	Plan               *Plan
	TargetWorkspace    *string

	RAGContext  *string
	ContextPack *ContextPack

	GeneratedCode *string
	PatchOps      []PatchOp // replace-not-append: each worker attempt re-emits the full set
	FilesTouched  []string  // replace-not-append, same reason
	UnifiedDiff   *string
	CodeRef       *string
	ExperimentPlan []string // replace-not-append
	NeedsInput    *bool
	StopReason    *StopReason

	GateFailureCategory *string
	GateRemediation     *string

	ExecutionResult         *ExecutionResult
	ExecutionExitCode       *int
	ExecutionLintPassed     *bool
	ExecutionSecurityPassed *bool
	LSPDiagnostics          []Diagnostic // replace-not-append: per-iteration snapshot

	CriticApproved          *bool
	CriticFeedback          *string
	Postmortem              *bool
	FailureType             *FailureType
	RevisionStrategy        *string
	RevisionConstraints     *Constraints
	StrategyViolation       *bool
	RegressionJustification *string

	FinalContent *string

	// --- append-only ---
	Messages                []Message
	ActiveDomainRefs        []string
	DefaultsUsed            []string
	AllowedTools            []string
	FailFastHints           []string
	RAGCollectionsQueried   []string
	WhatIfAnalyses          []string
	ResidualRisks           []string
	BlockingIssues          []string
	StagesPassed            []string
	FailureIDsSeen          []Fingerprint
	RevisionStrategiesTried []string
	RegressionsIntended     []string
	NodeTraces              []NodeTrace
	ToolRefs                []ToolRef

	// --- budget consumption (additive) ---
	TokensConsumed      int
	SandboxMinutesUsed  float64
	LSPCallsUsed        int
	EvidenceExperiments int
}

// Apply merges the delta into the state under the monotonic merge rule.
//
// Description:
//
//	Append-only fields concatenate in order. StagesPassed entries are
//	de-duplicated so a stage passing twice appears once. Scalar pointers
//	overwrite when non-nil. Budget consumption is additive and never
//	refunds. IterationCount is intentionally absent: only the revision
//	controller advances it.
func (s *State) Apply(d Delta) {
	// Scalars.
	setString(&s.TaskDescription, d.TaskDescription)
	setString(&s.TargetLanguage, d.TargetLanguage)
	if d.TaskSize != nil {
		s.TaskSize = *d.TaskSize
	}
	if d.InteractionMode != nil {
		s.InteractionMode = *d.InteractionMode
	}
	setString(&s.WorkerPromptTier, d.WorkerPromptTier)
	setBool(&s.BypassSupervisor, d.BypassSupervisor)
	setBool(&s.BypassPlanner, d.BypassPlanner)
	setBool(&s.PlanRequired, d.PlanRequired)
	if d.ClarificationBudget != nil {
		s.ClarificationBudget = *d.ClarificationBudget
	}
	setString(&s.MessageOrigin, d.MessageOrigin)

	setBool(&s.NeedsClarification, d.NeedsClarification)
	setString(&s.ClarifyQuestion, d.ClarifyQuestion)
	setString(&s.RouteTo, d.RouteTo)
	setBool(&s.SupervisorGuard, d.SupervisorGuard)
	if d.Plan != nil {
		s.Plan = d.Plan
	}
	setString(&s.TargetWorkspace, d.TargetWorkspace)

	setString(&s.RAGContext, d.RAGContext)
	if d.ContextPack != nil {
		s.ContextPack = d.ContextPack
	}

	setString(&s.GeneratedCode, d.GeneratedCode)
	if d.PatchOps != nil {
		s.PatchOps = d.PatchOps
	}
	if d.FilesTouched != nil {
		s.FilesTouched = d.FilesTouched
	}
	setString(&s.UnifiedDiff, d.UnifiedDiff)
	setString(&s.CodeRef, d.CodeRef)
	if d.ExperimentPlan != nil {
		s.ExperimentPlan = d.ExperimentPlan
	}
	setBool(&s.NeedsInput, d.NeedsInput)
	if d.StopReason != nil {
		s.StopReason = *d.StopReason
	}

	setString(&s.GateFailureCategory, d.GateFailureCategory)
	setString(&s.GateRemediation, d.GateRemediation)

	if d.ExecutionResult != nil {
		s.ExecutionResult = d.ExecutionResult
	}
	if d.ExecutionExitCode != nil {
		s.ExecutionExitCode = *d.ExecutionExitCode
	}
	setBool(&s.ExecutionLintPassed, d.ExecutionLintPassed)
	setBool(&s.ExecutionSecurityPassed, d.ExecutionSecurityPassed)
	if d.LSPDiagnostics != nil {
		s.LSPDiagnostics = d.LSPDiagnostics
	}

	setBool(&s.CriticApproved, d.CriticApproved)
	setString(&s.CriticFeedback, d.CriticFeedback)
	setBool(&s.Postmortem, d.Postmortem)
	if d.FailureType != nil {
		s.FailureType = *d.FailureType
	}
	setString(&s.RevisionStrategy, d.RevisionStrategy)
	if d.RevisionConstraints != nil {
		s.RevisionConstraints = d.RevisionConstraints
	}
	setBool(&s.StrategyViolation, d.StrategyViolation)
	setString(&s.RegressionJustification, d.RegressionJustification)
	setString(&s.FinalContent, d.FinalContent)

	// Append-only.
	s.Messages = append(s.Messages, d.Messages...)
	s.ActiveDomainRefs = append(s.ActiveDomainRefs, d.ActiveDomainRefs...)
	s.DefaultsUsed = append(s.DefaultsUsed, d.DefaultsUsed...)
	s.AllowedTools = append(s.AllowedTools, d.AllowedTools...)
	s.FailFastHints = append(s.FailFastHints, d.FailFastHints...)
	s.RAGCollectionsQueried = append(s.RAGCollectionsQueried, d.RAGCollectionsQueried...)
	s.WhatIfAnalyses = append(s.WhatIfAnalyses, d.WhatIfAnalyses...)
	s.ResidualRisks = append(s.ResidualRisks, d.ResidualRisks...)
	s.BlockingIssues = append(s.BlockingIssues, d.BlockingIssues...)
	for _, stage := range d.StagesPassed {
		if !s.HasPassed(stage) {
			s.StagesPassed = append(s.StagesPassed, stage)
		}
	}
	for _, fp := range d.FailureIDsSeen {
		if !s.HasSeenFailure(fp) {
			s.FailureIDsSeen = append(s.FailureIDsSeen, fp)
		}
	}
	for _, strat := range d.RevisionStrategiesTried {
		if !s.StrategyTried(strat) {
			s.RevisionStrategiesTried = append(s.RevisionStrategiesTried, strat)
		}
	}
	s.RegressionsIntended = append(s.RegressionsIntended, d.RegressionsIntended...)
	s.NodeTraces = append(s.NodeTraces, d.NodeTraces...)
	s.ToolRefs = append(s.ToolRefs, d.ToolRefs...)

	// Budgets only move toward exhaustion.
	if d.TokensConsumed > 0 {
		s.Budgets.TokenRemaining -= d.TokensConsumed
		if s.Budgets.TokenRemaining < 0 {
			s.Budgets.TokenRemaining = 0
		}
	}
	if d.SandboxMinutesUsed > 0 {
		s.Budgets.SandboxMinutesUsed += d.SandboxMinutesUsed
	}
	if d.LSPCallsUsed > 0 {
		s.Budgets.LSPCallsUsed += d.LSPCallsUsed
	}
	if d.EvidenceExperiments > 0 {
		s.Budgets.EvidenceExperiments += d.EvidenceExperiments
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Ptr returns a pointer to v. Convenience for building deltas.
func Ptr[T any](v T) *T { return &v }
