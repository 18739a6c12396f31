// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state defines the typed request state that flows through the
// orchestration graph.
//
// One State instance exists per traversal. Stages never mutate State
// directly; they return a Delta which the graph applies under the monotonic
// merge rule: append-only fields concatenate, scalar fields take the latest
// non-null value, and the iteration counter only moves through the revision
// controller.
//
// Thread Safety:
//
//	A State is owned by a single coordinator goroutine. It is NOT safe for
//	concurrent mutation; cross-traversal state lives in the memory and
//	failcache packages.
package state

import (
	"fmt"
	"time"
)

// =============================================================================
// Enumerations
// =============================================================================

// TaskSize classifies the scope of a coding request.
type TaskSize string

const (
	// SizeTrivial bypasses the supervisor and planner.
	SizeTrivial TaskSize = "trivial"
	// SizeSmall routes through the supervisor with a light plan.
	SizeSmall TaskSize = "small"
	// SizeComplex requires full supervision and planning.
	SizeComplex TaskSize = "complex"
)

// InteractionMode selects between doing the work and teaching it.
type InteractionMode string

const (
	// ModeDo produces the artifact with minimal commentary.
	ModeDo InteractionMode = "do"
	// ModeTeach produces the artifact plus what-if analyses.
	ModeTeach InteractionMode = "teach"
)

// FailureType classifies why a generation attempt failed.
type FailureType string

const (
	FailureLint          FailureType = "lint"
	FailureSecurity      FailureType = "security"
	FailureLSP           FailureType = "lsp"
	FailureRuntime       FailureType = "runtime"
	FailureSpecMismatch  FailureType = "spec_mismatch"
	FailureIntegrityGate FailureType = "integrity_gate"
)

// StopReason is a worker-declared safety stop.
type StopReason string

const (
	StopBlockedExternal     StopReason = "blocked_external"
	StopCannotReproduce     StopReason = "cannot_reproduce"
	StopUnsafeRequest       StopReason = "unsafe_request"
	StopNeedsScopeExpansion StopReason = "needs_scope_expansion"
)

// PatchOpKind is the kind of a single patch operation.
type PatchOpKind string

const (
	OpAdd    PatchOpKind = "add"
	OpModify PatchOpKind = "modify"
	OpDelete PatchOpKind = "delete"
)

// =============================================================================
// Record types
// =============================================================================

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PatchOp is one file-level edit the worker proposes.
type PatchOp struct {
	// Path is workspace-relative.
	Path string `json:"path"`

	// Op is add, modify, or delete.
	Op PatchOpKind `json:"op"`

	// Text is the full new file content (empty for delete).
	Text string `json:"text"`
}

// Fingerprint is the canonical identity of a failure.
//
// Two different commands producing the same normalized failure are treated
// as repeats by the same-failure short-circuit.
type Fingerprint struct {
	// Stage is the failing check family: lint, security, or runtime.
	Stage string `json:"stage"`

	// ExitCode is the process exit code of the failing check.
	ExitCode int `json:"exit_code"`

	// Diagnostic is the first diagnostic id or exception class.
	Diagnostic string `json:"diagnostic"`
}

// String renders the fingerprint as {stage}:{exit_code}:{diagnostic}.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s:%d:%s", f.Stage, f.ExitCode, f.Diagnostic)
}

// NodeTrace is one append-only audit entry.
type NodeTrace struct {
	Node      string `json:"node"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Trace builds a NodeTrace stamped with the current time.
func Trace(node, event, detail string) NodeTrace {
	return NodeTrace{Node: node, Event: event, Detail: detail, Timestamp: time.Now().UnixMilli()}
}

// ToolRef is an evidence record for one external tool invocation.
//
// ParametersHash includes ToolVersion so cached evidence invalidates when
// the tool is upgraded.
type ToolRef struct {
	Tool              string   `json:"tool"`
	RequestID         string   `json:"request_id"`
	ParametersHash    string   `json:"parameters_hash"`
	ResultHash        string   `json:"result_hash"`
	ResultSummary     string   `json:"result_summary"`
	ResultFingerprint string   `json:"result_fingerprint,omitempty"`
	ArtifactHashes    []string `json:"artifact_hashes,omitempty"`
	ToolVersion       string   `json:"tool_version"`
	CreatedAt         int64    `json:"created_at"`
}

// Diagnostic is one static-analysis finding.
type Diagnostic struct {
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Message  string `json:"message"`
	Rule     string `json:"rule"`
	Source   string `json:"source"`
}

// CheckResult is one sandbox check outcome (lint or security).
type CheckResult struct {
	Passed      bool         `json:"passed"`
	Output      string       `json:"output"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Findings    []string     `json:"findings,omitempty"`
}

// ExecutionResult is the structured JSON the sandbox returns.
type ExecutionResult struct {
	ExitCode int         `json:"exit_code"`
	Lint     CheckResult `json:"lint"`
	Security CheckResult `json:"security"`
	Execution struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
	} `json:"execution"`
}

// Plan is the planner's output.
type Plan struct {
	Steps            []string `json:"steps"`
	TouchedFiles     []string `json:"touched_files"`
	RequiresApproval bool     `json:"requires_approval"`
}

// PendingQuestionSource identifies which stage asked a pending question.
type PendingQuestionSource string

const (
	QuestionFromWorker     PendingQuestionSource = "worker"
	QuestionFromPlanner    PendingQuestionSource = "planner"
	QuestionFromSupervisor PendingQuestionSource = "supervisor"
)

// Budgets carries the consumable resource counters for one traversal.
type Budgets struct {
	// TokenRemaining is the token budget left for model calls.
	TokenRemaining int `json:"token_budget_remaining"`

	// SandboxMinutesUsed accumulates wall-clock sandbox time.
	SandboxMinutesUsed float64 `json:"sandbox_minutes_used"`

	// MaxSandboxMinutes caps sandbox time for the traversal.
	MaxSandboxMinutes float64 `json:"max_sandbox_minutes"`

	// LSPCallsUsed counts static-analysis invocations.
	LSPCallsUsed int `json:"lsp_calls_used"`

	// MaxLSPCalls caps static-analysis invocations.
	MaxLSPCalls int `json:"max_lsp_calls"`

	// EvidenceExperiments counts evidence experiments executed.
	EvidenceExperiments int `json:"evidence_experiments_count"`

	// MaxEvidenceExperiments caps evidence experiments.
	MaxEvidenceExperiments int `json:"max_evidence_experiments"`
}

// =============================================================================
// Request State
// =============================================================================

// State is the typed record threaded through the orchestration graph.
//
// Field groups follow the traversal: request context, classifier outputs,
// retrieval, generation, execution, critique, revision bookkeeping, audit,
// and budgets.
type State struct {
	// --- request context ---
	RunID           string    `json:"run_id"`
	UserID          string    `json:"user_id"`
	Messages        []Message `json:"messages"`
	TaskDescription string    `json:"task_description"`
	TargetLanguage  string    `json:"target_language"`

	// --- classifier outputs ---
	TaskSize            TaskSize        `json:"task_size"`
	InteractionMode     InteractionMode `json:"interaction_mode"`
	WorkerPromptTier    string          `json:"worker_prompt_tier"`
	BypassSupervisor    bool            `json:"bypass_supervisor"`
	BypassPlanner       bool            `json:"bypass_planner"`
	PlanRequired        bool            `json:"plan_required"`
	ClarificationBudget int             `json:"clarification_budget"`
	ActiveDomainRefs    []string        `json:"active_domain_refs,omitempty"`
	MessageOrigin       string          `json:"message_origin,omitempty"`
	DefaultsUsed        []string        `json:"defaults_used,omitempty"`
	AllowedTools        []string        `json:"allowed_tools,omitempty"`

	// --- supervision / planning ---
	NeedsClarification bool     `json:"needs_clarification"`
	ClarifyQuestion    string   `json:"clarify_question,omitempty"`
	RouteTo            string   `json:"route_to,omitempty"`
	SupervisorGuard    bool     `json:"supervisor_guard"`
	Plan               *Plan    `json:"plan,omitempty"`
	TargetWorkspace    string   `json:"target_workspace"`
	FailFastHints      []string `json:"fail_fast_hints,omitempty"`

	// --- retrieval ---
	RAGContext            string       `json:"rag_context,omitempty"`
	ContextPack           *ContextPack `json:"context_pack,omitempty"`
	RAGCollectionsQueried []string     `json:"rag_collections_queried,omitempty"`
	RetrievalParams       map[string]string `json:"retrieval_params,omitempty"`

	// --- generation ---
	GeneratedCode  string     `json:"generated_code,omitempty"`
	PatchOps       []PatchOp  `json:"patch_ops,omitempty"`
	FilesTouched   []string   `json:"files_touched,omitempty"`
	UnifiedDiff    string     `json:"unified_diff,omitempty"`
	CodeRef        string     `json:"code_ref,omitempty"`
	ExperimentPlan []string   `json:"experiment_plan,omitempty"`
	NeedsInput     bool       `json:"needs_input"`
	StopReason     StopReason `json:"stop_reason,omitempty"`

	// --- integrity gate ---
	GateFailureCategory string `json:"gate_failure_category,omitempty"`
	GateRemediation     string `json:"gate_remediation,omitempty"`

	// --- execution ---
	ExecutionResult         *ExecutionResult `json:"execution_result,omitempty"`
	ExecutionExitCode       int              `json:"execution_exit_code"`
	ExecutionLintPassed     bool             `json:"execution_lint_passed"`
	ExecutionSecurityPassed bool             `json:"execution_security_passed"`
	LSPDiagnostics          []Diagnostic     `json:"lsp_diagnostics,omitempty"`

	// --- critique ---
	WhatIfAnalyses []string `json:"what_if_analyses,omitempty"`
	CriticApproved bool     `json:"critic_approved"`
	CriticFeedback string   `json:"critic_feedback,omitempty"`
	ResidualRisks  []string `json:"residual_risks,omitempty"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
	Postmortem     bool     `json:"postmortem"`

	// --- revision bookkeeping ---
	IterationCount          int           `json:"iteration_count"`
	MaxIterations           int           `json:"max_iterations"`
	StagesPassed            []string      `json:"stages_passed,omitempty"`
	FailureType             FailureType   `json:"failure_type,omitempty"`
	FailureIDsSeen          []Fingerprint `json:"failure_ids_seen,omitempty"`
	RevisionStrategy        string        `json:"revision_strategy,omitempty"`
	RevisionStrategiesTried []string      `json:"revision_strategies_tried,omitempty"`
	RevisionConstraints     *Constraints  `json:"revision_constraints,omitempty"`
	StrategyViolation       bool          `json:"strategy_violation"`
	RegressionsIntended     []string      `json:"regressions_intended,omitempty"`
	RegressionJustification string        `json:"regression_justification,omitempty"`

	// --- audit ---
	NodeTraces []NodeTrace `json:"node_traces,omitempty"`
	ToolRefs   []ToolRef   `json:"tool_refs,omitempty"`

	// --- budgets ---
	Budgets Budgets `json:"budgets"`

	// --- terminal output ---
	FinalContent string `json:"final_content,omitempty"`
}

// Constraints bounds what a revision strategy may change.
type Constraints struct {
	MaxFiles       int      `json:"max_files"`
	MaxLOCDelta    int      `json:"max_loc_delta"`
	ForbiddenMoves []string `json:"forbidden_moves,omitempty"`
	PreserveStages []string `json:"preserve_stages,omitempty"`

	// Anchor is "hard" or "soft". Hard anchors classify any regression of
	// a preserved stage as a strategy violation unless the worker declares
	// it intended.
	Anchor string `json:"preserve_stages_anchor"`
}

// HasPassed reports whether a stage is in StagesPassed.
func (s *State) HasPassed(stage string) bool {
	for _, p := range s.StagesPassed {
		if p == stage {
			return true
		}
	}
	return false
}

// HasSeenFailure reports whether the fingerprint matches a prior failure.
func (s *State) HasSeenFailure(fp Fingerprint) bool {
	for _, seen := range s.FailureIDsSeen {
		if seen == fp {
			return true
		}
	}
	return false
}

// StrategyTried reports whether a revision strategy was already attempted.
func (s *State) StrategyTried(name string) bool {
	for _, tried := range s.RevisionStrategiesTried {
		if tried == name {
			return true
		}
	}
	return false
}

// LatestUserContent returns the content of the most recent user message.
func (s *State) LatestUserContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content
		}
	}
	return ""
}
