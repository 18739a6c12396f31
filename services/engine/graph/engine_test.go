// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/revision"
	"github.com/synesis-ai/synesis/services/engine/stages"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// stubStage scripts one node's behavior and records its visits.
type stubStage struct {
	name    string
	timeout time.Duration
	visits  *[]string
	run     func(st *state.State) (state.Delta, error)
}

func (s *stubStage) Name() string           { return s.name }
func (s *stubStage) Timeout() time.Duration { return s.timeout }
func (s *stubStage) Run(_ context.Context, st *state.State) (state.Delta, error) {
	*s.visits = append(*s.visits, s.name)
	if s.run == nil {
		return state.Delta{}, nil
	}
	return s.run(st)
}

type harness struct {
	engine *Engine
	visits []string
	stubs  map[string]*stubStage
}

// newHarness wires a full graph of stubs; individual tests override the
// nodes they care about.
func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	h := &harness{stubs: map[string]*stubStage{}}
	names := []string{
		stages.NodeEntry, stages.NodeSupervisor, stages.NodePlanner,
		stages.NodeCurator, stages.NodeWorker, stages.NodeGate,
		stages.NodeLSP, stages.NodeSandbox, stages.NodeCritic, stages.NodeRespond,
	}
	var list []stages.Stage
	for _, name := range names {
		stub := &stubStage{name: name, timeout: time.Second, visits: &h.visits}
		h.stubs[name] = stub
		list = append(list, stub)
	}
	// The real gate stage clears stale remediation on pass; the default
	// stub must do the same or post-violation routing loops.
	h.stubs[stages.NodeGate].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{
			GateFailureCategory: state.Ptr(""),
			GateRemediation:     state.Ptr(""),
		}, nil
	}
	h.engine = New(config, list, revision.New(), logging.Default())
	return h
}

func passingSandbox(st *state.State) (state.Delta, error) {
	result := &state.ExecutionResult{}
	result.Lint.Passed = true
	result.Security.Passed = true
	return state.Delta{
		ExecutionResult:         result,
		ExecutionExitCode:       state.Ptr(0),
		ExecutionLintPassed:     state.Ptr(true),
		ExecutionSecurityPassed: state.Ptr(true),
		StagesPassed:            []string{"lint", "security", "runtime"},
	}, nil
}

func failingSandbox(output string, lintPassed bool) func(*state.State) (state.Delta, error) {
	return func(st *state.State) (state.Delta, error) {
		result := &state.ExecutionResult{}
		result.Lint.Passed = lintPassed
		result.Security.Passed = true
		result.Execution.ExitCode = 1
		result.Execution.Output = output
		delta := state.Delta{
			ExecutionResult:         result,
			ExecutionExitCode:       state.Ptr(1),
			ExecutionLintPassed:     state.Ptr(lintPassed),
			ExecutionSecurityPassed: state.Ptr(true),
			FailureType:             state.Ptr(state.FailureRuntime),
		}
		if !lintPassed {
			delta.FailureType = state.Ptr(state.FailureLint)
		} else {
			delta.StagesPassed = append(delta.StagesPassed, "lint")
		}
		delta.StagesPassed = append(delta.StagesPassed, "security")
		return delta, nil
	}
}

func approvingCritic(st *state.State) (state.Delta, error) {
	return state.Delta{CriticApproved: state.Ptr(true), CriticFeedback: state.Ptr("ok")}, nil
}

// Trivial hello-world: bypasses supervisor and planner, one clean pass
// through curator, worker, gate, sandbox, critic.
func TestTrivialBypassPath(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{
			TaskSize:         state.Ptr(state.SizeTrivial),
			TargetLanguage:   state.Ptr("python"),
			BypassSupervisor: state.Ptr(true),
			BypassPlanner:    state.Ptr(true),
			TaskDescription:  state.Ptr("hello world in python"),
		}, nil
	}
	h.stubs[stages.NodeWorker].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{
			PatchOps:      []state.PatchOp{{Path: "main.py", Op: state.OpAdd, Text: "print(\"Hello, world!\")"}},
			GeneratedCode: state.Ptr("print(\"Hello, world!\")"),
		}, nil
	}
	h.stubs[stages.NodeSandbox].run = passingSandbox
	h.stubs[stages.NodeCritic].run = approvingCritic

	st := &state.State{RunID: "s1", MaxIterations: 3, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	assert.Equal(t, []string{
		stages.NodeEntry, stages.NodeCurator, stages.NodeWorker,
		stages.NodeGate, stages.NodeSandbox, stages.NodeCritic, stages.NodeRespond,
	}, h.visits)
	assert.Equal(t, 0, st.IterationCount)
	assert.NotContains(t, h.visits, stages.NodeSupervisor)
}

// UI-helper traffic terminates at respond with the fixed message and no
// pipeline nodes.
func TestUIHelperShortCircuit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{MessageOrigin: state.Ptr("ui_helper")}, nil
	}
	h.stubs[stages.NodeRespond].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{}, nil
	}

	st := &state.State{RunID: "s2", MaxIterations: 3, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	assert.Equal(t, []string{stages.NodeEntry, stages.NodeRespond}, h.visits)
	assert.Equal(t, "UI helper request; no coding task.", st.FinalContent)
}

// A gate rejection loops back through the curator without advancing the
// iteration counter.
func TestGateRejectionLoopsWithoutAdvancing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{BypassSupervisor: state.Ptr(true), BypassPlanner: state.Ptr(true)}, nil
	}
	attempts := 0
	h.stubs[stages.NodeGate].run = func(st *state.State) (state.Delta, error) {
		attempts++
		if attempts == 1 {
			return state.Delta{
				GateFailureCategory: state.Ptr("scope"),
				GateRemediation:     state.Ptr("Limit the patch to the planned files, or request a Re-Plan."),
				FailureType:         state.Ptr(state.FailureIntegrityGate),
			}, nil
		}
		return state.Delta{GateFailureCategory: state.Ptr(""), GateRemediation: state.Ptr("")}, nil
	}
	h.stubs[stages.NodeSandbox].run = passingSandbox
	h.stubs[stages.NodeCritic].run = approvingCritic

	st := &state.State{RunID: "s3", MaxIterations: 3, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	// gate → curator → worker → gate, then the clean pass continues.
	assert.Equal(t, []string{
		stages.NodeEntry, stages.NodeCurator, stages.NodeWorker, stages.NodeGate,
		stages.NodeCurator, stages.NodeWorker, stages.NodeGate,
		stages.NodeSandbox, stages.NodeCritic, stages.NodeRespond,
	}, h.visits)
	assert.Equal(t, 0, st.IterationCount)
}

// Repeated gate rejections end in a postmortem instead of spinning.
func TestGateRejectionCapForcesPostmortem(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{BypassSupervisor: state.Ptr(true), BypassPlanner: state.Ptr(true)}, nil
	}
	h.stubs[stages.NodeGate].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{
			GateFailureCategory: state.Ptr("secrets"),
			GateRemediation:     state.Ptr("Remove the credential."),
		}, nil
	}

	st := &state.State{RunID: "s3b", MaxIterations: 3, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))
	assert.True(t, st.Postmortem)
	assert.Equal(t, stages.NodeRespond, h.visits[len(h.visits)-1])
}

// Same failure twice short-circuits to postmortem: the fingerprint list
// holds one entry, not two.
func TestSameFailureShortCircuit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{BypassSupervisor: state.Ptr(true), BypassPlanner: state.Ptr(true)}, nil
	}
	h.stubs[stages.NodeSandbox].run = failingSandbox("Traceback (most recent call last):\nNameError: name 'x' is not defined", true)

	st := &state.State{RunID: "s4", MaxIterations: 5, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	require.Len(t, st.FailureIDsSeen, 1)
	assert.Equal(t, "runtime:1:NameError", st.FailureIDsSeen[0].String())
	assert.True(t, st.Postmortem)
	assert.Equal(t, 1, st.IterationCount, "only the first failure costs an iteration")

	// Second sandbox run routed to critic, not back to the worker.
	sandboxVisits := 0
	for _, v := range h.visits {
		if v == stages.NodeSandbox {
			sandboxVisits++
		}
	}
	assert.Equal(t, 2, sandboxVisits)
}

// A hard-anchor regression is a strategy violation: revert guidance,
// no iteration advance.
func TestMonotonicityViolation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{BypassSupervisor: state.Ptr(true), BypassPlanner: state.Ptr(true)}, nil
	}
	calls := 0
	h.stubs[stages.NodeSandbox].run = func(st *state.State) (state.Delta, error) {
		calls++
		switch calls {
		case 1:
			// Security failure with lint passing selects the security_fix
			// strategy, which hard-preserves lint.
			result := &state.ExecutionResult{}
			result.Lint.Passed = true
			result.Security.Passed = false
			result.Security.Findings = []string{"B602 subprocess with shell=True"}
			return state.Delta{
				ExecutionResult:         result,
				ExecutionExitCode:       state.Ptr(0),
				ExecutionLintPassed:     state.Ptr(true),
				ExecutionSecurityPassed: state.Ptr(false),
				FailureType:             state.Ptr(state.FailureSecurity),
				StagesPassed:            []string{"lint"},
			}, nil
		case 2:
			// The retry breaks lint, which the active strategy preserves.
			result := &state.ExecutionResult{}
			result.Lint.Passed = false
			result.Lint.Output = "E501 line too long"
			result.Security.Passed = true
			return state.Delta{
				ExecutionResult:         result,
				ExecutionExitCode:       state.Ptr(0),
				ExecutionLintPassed:     state.Ptr(false),
				ExecutionSecurityPassed: state.Ptr(true),
				FailureType:             state.Ptr(state.FailureLint),
				StagesPassed:            []string{"security"},
			}, nil
		default:
			return passingSandbox(st)
		}
	}
	h.stubs[stages.NodeCritic].run = approvingCritic

	st := &state.State{RunID: "s5", MaxIterations: 5, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	assert.True(t, st.StrategyViolation)
	assert.Equal(t, 1, st.IterationCount, "violation must not advance the iteration")
	assert.Contains(t, st.GateRemediation, "Revert")
	assert.True(t, st.CriticApproved, "third attempt passes and reaches the critic")
}

// A critic rejection re-enters the supervisor in guard mode exactly
// once before forcing a postmortem.
func TestCriticRejectionGuardLoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{BypassSupervisor: state.Ptr(true), BypassPlanner: state.Ptr(true)}, nil
	}
	h.stubs[stages.NodeSupervisor].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{RouteTo: state.Ptr("worker")}, nil
	}
	h.stubs[stages.NodeSandbox].run = passingSandbox
	h.stubs[stages.NodeCritic].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{CriticApproved: state.Ptr(false), CriticFeedback: state.Ptr("missing tests")}, nil
	}

	st := &state.State{RunID: "s5b", MaxIterations: 3, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	guardVisits := 0
	for _, v := range h.visits {
		if v == stages.NodeSupervisor {
			guardVisits++
		}
	}
	assert.Equal(t, 1, guardVisits)
	assert.True(t, st.SupervisorGuard)
	assert.True(t, st.Postmortem)
}

// Worker scope-expansion stop re-plans through the supervisor instead
// of terminating.
func TestScopeExpansionReplans(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{BypassSupervisor: state.Ptr(true), BypassPlanner: state.Ptr(true)}, nil
	}
	h.stubs[stages.NodeSupervisor].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{RouteTo: state.Ptr("planner")}, nil
	}
	workerCalls := 0
	h.stubs[stages.NodeWorker].run = func(st *state.State) (state.Delta, error) {
		workerCalls++
		if workerCalls == 1 {
			return state.Delta{StopReason: state.Ptr(state.StopNeedsScopeExpansion)}, nil
		}
		return state.Delta{PatchOps: []state.PatchOp{{Path: "a.py", Op: state.OpModify, Text: "x"}}}, nil
	}
	h.stubs[stages.NodeSandbox].run = passingSandbox
	h.stubs[stages.NodeCritic].run = approvingCritic

	st := &state.State{RunID: "s5c", MaxIterations: 3, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	assert.Contains(t, h.visits, stages.NodeSupervisor)
	assert.Contains(t, h.visits, stages.NodePlanner)
	assert.Empty(t, st.StopReason)
	assert.True(t, st.CriticApproved)
}

// A failing stage degrades to respond with an honest message instead of
// surfacing an internal error.
func TestStageErrorDegradesToRespond(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.stubs[stages.NodeEntry].run = func(st *state.State) (state.Delta, error) {
		return state.Delta{}, fmt.Errorf("classifier exploded")
	}

	st := &state.State{RunID: "err1", MaxIterations: 3, Budgets: state.Budgets{TokenRemaining: 1000}}
	require.NoError(t, h.engine.Run(context.Background(), st, stages.NodeEntry))

	assert.Equal(t, []string{stages.NodeEntry, stages.NodeRespond}, h.visits)
	assert.Contains(t, st.FinalContent, "could not finish")
}

func TestResumeNodeMapping(t *testing.T) {
	assert.Equal(t, stages.NodeSupervisor, ResumeNode(state.QuestionFromSupervisor))
	assert.Equal(t, stages.NodePlanner, ResumeNode(state.QuestionFromPlanner))
	assert.Equal(t, stages.NodeCurator, ResumeNode(state.QuestionFromWorker))
}
