// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/classifier"
	"github.com/synesis-ai/synesis/services/engine/gate"
	"github.com/synesis-ai/synesis/services/engine/llm"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// fakeClient replays canned responses in order.
type fakeClient struct {
	responses []string
	calls     int
	lastModel string
	lastMsgs  []llm.Message
}

func (f *fakeClient) Chat(_ context.Context, model string, messages []llm.Message, _ llm.Params) (llm.Result, error) {
	f.lastModel = model
	f.lastMsgs = messages
	resp := f.responses[f.calls%len(f.responses)]
	f.calls++
	return llm.Result{Content: resp, Usage: llm.Usage{TotalTokens: 10}}, nil
}

func testRouter() *llm.Router {
	return llm.NewRouter(llm.ModelTable{Default: "test-model"})
}

func testLogger() *logging.Logger { return logging.Default() }

// --- JSON repair -------------------------------------------------------------

func TestDecodeModelJSONHandlesFences(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	raw := "Here is the result:\n```json\n{\"name\": \"x\"}\n```\nDone."
	require.NoError(t, decodeModelJSON(raw, &out))
	assert.Equal(t, "x", out.Name)
}

func TestDecodeModelJSONRepairsTrailingComma(t *testing.T) {
	var out struct {
		Items []string `json:"items"`
	}
	require.NoError(t, decodeModelJSON(`{"items": ["a", "b",]}`, &out))
	assert.Equal(t, []string{"a", "b"}, out.Items)
}

func TestDecodeModelJSONRepairsUnclosedBraces(t *testing.T) {
	var out struct {
		Steps []string `json:"steps"`
	}
	require.NoError(t, decodeModelJSON(`{"steps": ["one", "two"`, &out))
	assert.Equal(t, []string{"one", "two"}, out.Steps)
}

func TestDecodeModelJSONFailsWithoutObject(t *testing.T) {
	var out map[string]any
	assert.Error(t, decodeModelJSON("no json here", &out))
}

// --- entry -------------------------------------------------------------------

func TestEntryClassifiesTrivialRequest(t *testing.T) {
	c := classifier.New(nil, slog.Default())
	entry := NewEntry(c, nil, time.Second, testLogger())

	st := &state.State{
		RunID:    "r1",
		UserID:   "u1",
		Messages: []state.Message{{Role: "user", Content: "hello world in python"}},
	}
	delta, err := entry.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.Equal(t, state.SizeTrivial, st.TaskSize)
	assert.True(t, st.BypassSupervisor)
	assert.NotEmpty(t, st.TaskDescription)
}

func TestEntryFallsBackToMessageAsTask(t *testing.T) {
	c := classifier.New(nil, slog.Default())
	entry := NewEntry(c, nil, time.Second, testLogger())

	st := &state.State{
		RunID:    "r2",
		UserID:   "u1",
		Messages: []state.Message{{Role: "user", Content: "design a rate limiter service with persistence"}},
	}
	delta, err := entry.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)
	assert.Equal(t, "design a rate limiter service with persistence", st.TaskDescription)
}

// --- supervisor ----------------------------------------------------------------

func TestSupervisorClarifies(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"needs_clarification": true, "question": "Which database?"}`,
	}}
	sup := NewSupervisor(client, testRouter(), nil, nil, time.Second, testLogger())

	st := &state.State{RunID: "r1", TaskDescription: "add caching", ClarificationBudget: 1}
	delta, err := sup.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.True(t, st.NeedsClarification)
	assert.Equal(t, "Which database?", st.ClarifyQuestion)
	assert.Equal(t, 0, st.ClarificationBudget)
}

func TestSupervisorSuppressesQuestionWhenBudgetExhausted(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"needs_clarification": true, "question": "Which database?", "route_to": "worker"}`,
	}}
	sup := NewSupervisor(client, testRouter(), nil, nil, time.Second, testLogger())

	st := &state.State{RunID: "r1", TaskDescription: "add caching", ClarificationBudget: 0}
	delta, err := sup.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.False(t, st.NeedsClarification)
	assert.Equal(t, "worker", st.RouteTo)
}

func TestSupervisorGuardModeForbidsPlannerDowngrade(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"needs_clarification": false, "route_to": "planner"}`,
	}}
	sup := NewSupervisor(client, testRouter(), nil, nil, time.Second, testLogger())

	st := &state.State{RunID: "r1", TaskDescription: "fix it", SupervisorGuard: true, CriticFeedback: "missing error handling"}
	delta, err := sup.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.Equal(t, "worker", st.RouteTo)
}

// --- planner -------------------------------------------------------------------

func TestPlannerProducesPlan(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"steps": ["write handler", "add tests"], "touched_files": ["api.py", "test_api.py"], "requires_approval": false}`,
	}}
	p := NewPlanner(client, testRouter(), time.Second, testLogger())

	st := &state.State{RunID: "r1", TaskDescription: "add endpoint", ClarificationBudget: 1}
	delta, err := p.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	require.NotNil(t, st.Plan)
	assert.Len(t, st.Plan.Steps, 2)
	assert.Equal(t, []string{"api.py", "test_api.py"}, st.FilesTouched)
}

func TestPlannerQuestionRespectsBudget(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"steps": ["do it"], "touched_files": ["a.py"], "question": "v1 or v2 API?"}`,
	}}
	p := NewPlanner(client, testRouter(), time.Second, testLogger())

	st := &state.State{RunID: "r1", TaskDescription: "migrate", ClarificationBudget: 0}
	delta, err := p.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.False(t, st.NeedsClarification)
	require.NotNil(t, st.Plan)
}

// --- worker --------------------------------------------------------------------

func TestWorkerParsesPatchOps(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"patch_ops": [{"path": "main.py", "op": "add", "text": "print('hi')"}], "summary": "added"}`,
	}}
	w := NewWorker(client, testRouter(), time.Second, testLogger())

	st := &state.State{RunID: "r1", TaskDescription: "hello world", TargetLanguage: "python"}
	delta, err := w.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	require.Len(t, st.PatchOps, 1)
	assert.Equal(t, "print('hi')", st.GeneratedCode)
	assert.Equal(t, []string{"main.py"}, st.FilesTouched)
	assert.NotEmpty(t, st.CodeRef)
}

func TestWorkerStopReason(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"patch_ops": [], "stop_reason": "needs_scope_expansion"}`,
	}}
	w := NewWorker(client, testRouter(), time.Second, testLogger())

	st := &state.State{RunID: "r1"}
	delta, err := w.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)
	assert.Equal(t, state.StopNeedsScopeExpansion, st.StopReason)
}

func TestWorkerNeedsInput(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"patch_ops": [], "needs_input": true, "question": "Which port?"}`,
	}}
	w := NewWorker(client, testRouter(), time.Second, testLogger())

	st := &state.State{RunID: "r1"}
	delta, err := w.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)
	assert.True(t, st.NeedsInput)
	assert.Equal(t, "Which port?", st.ClarifyQuestion)
}

func TestWorkerEmptyPatchOpsIsError(t *testing.T) {
	client := &fakeClient{responses: []string{`{"patch_ops": [], "summary": "nothing"}`}}
	w := NewWorker(client, testRouter(), time.Second, testLogger())
	_, err := w.Run(context.Background(), &state.State{RunID: "r1"})
	assert.Error(t, err)
}

func TestWorkerPromptCarriesRevisionEvidence(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"patch_ops": [{"path": "main.py", "op": "modify", "text": "x = 1"}]}`,
	}}
	w := NewWorker(client, testRouter(), time.Second, testLogger())

	st := &state.State{
		RunID:            "r1",
		TaskDescription:  "fix the bug",
		IterationCount:   1,
		MaxIterations:    3,
		RevisionStrategy: "minimal_fix",
		RevisionConstraints: &state.Constraints{
			MaxFiles: 2, MaxLOCDelta: 40,
			PreserveStages: []string{"lint"}, Anchor: "hard",
		},
		GateFailureCategory: "secrets",
		GateRemediation:     "Remove the hardcoded token.",
	}
	_, err := w.Run(context.Background(), st)
	require.NoError(t, err)

	prompt := client.lastMsgs[1].Content
	assert.Contains(t, prompt, "minimal_fix")
	assert.Contains(t, prompt, "Remove the hardcoded token.")
	assert.Contains(t, prompt, "lint")
}

// --- integrity gate --------------------------------------------------------------

func TestGateStagePassClearsRemediation(t *testing.T) {
	g := NewGateStage(gate.New(gate.DefaultConfig()), time.Second, testLogger())

	st := &state.State{
		RunID:               "r1",
		TargetLanguage:      "python",
		GeneratedCode:       "print('hi')",
		PatchOps:            []state.PatchOp{{Path: "main.py", Op: state.OpAdd, Text: "print('hi')"}},
		GateFailureCategory: "secrets",
		GateRemediation:     "old remediation",
	}
	delta, err := g.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.Empty(t, st.GateFailureCategory)
	assert.Empty(t, st.GateRemediation)
	assert.True(t, st.HasPassed("integrity_gate"))
}

func TestGateStageRejectionFeedsRemediation(t *testing.T) {
	g := NewGateStage(gate.New(gate.DefaultConfig()), time.Second, testLogger())

	st := &state.State{
		RunID:    "r1",
		PatchOps: []state.PatchOp{{Path: "../../etc/passwd", Op: state.OpModify, Text: "x"}},
	}
	delta, err := g.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.NotEmpty(t, st.GateFailureCategory)
	assert.NotEmpty(t, st.GateRemediation)
	assert.Equal(t, state.FailureIntegrityGate, st.FailureType)
}

// --- critic --------------------------------------------------------------------

func TestCriticRejectsUnacceptedRegression(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"approved": true, "feedback": "looks fine", "regression_accepted": false}`,
	}}
	c := NewCritic(client, testRouter(), nil, nil, time.Second, testLogger())

	st := &state.State{
		RunID:               "r1",
		GeneratedCode:       "x = 1",
		RegressionsIntended: []string{"lint"},
	}
	delta, err := c.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.False(t, st.CriticApproved)
	assert.NotEmpty(t, st.BlockingIssues)
}

func TestCriticPostmortemNeverApproves(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"approved": true, "feedback": "postmortem text", "residual_risks": ["partial migration left behind"]}`,
	}}
	c := NewCritic(client, testRouter(), nil, nil, time.Second, testLogger())

	st := &state.State{RunID: "r1", Postmortem: true, GeneratedCode: "x = 1"}
	delta, err := c.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.False(t, st.CriticApproved)
	assert.Contains(t, st.ResidualRisks, "partial migration left behind")
}

// --- respond -------------------------------------------------------------------

func TestRespondRendersClarification(t *testing.T) {
	r := NewRespond(nil, time.Minute, time.Second, testLogger())
	st := &state.State{RunID: "r1", NeedsClarification: true, ClarifyQuestion: "Which database?"}
	delta, err := r.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)
	assert.Equal(t, "Which database?", st.FinalContent)
}

func TestRespondRendersScopeStop(t *testing.T) {
	r := NewRespond(nil, time.Minute, time.Second, testLogger())
	st := &state.State{RunID: "r1", StopReason: state.StopNeedsScopeExpansion}
	delta, err := r.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)
	assert.Contains(t, st.FinalContent, "outside the agreed scope")
}

func TestRespondDeduplicatesBlockingIssues(t *testing.T) {
	r := NewRespond(nil, time.Minute, time.Second, testLogger())
	st := &state.State{
		RunID:          "r1",
		GeneratedCode:  "x = 1",
		Postmortem:     true,
		CriticFeedback: "could not converge",
		BlockingIssues: []string{"lint E501", "lint E501", "missing tests"},
	}
	delta, err := r.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.Equal(t, 1, countOccurrences(st.FinalContent, "lint E501"))
	assert.Contains(t, st.FinalContent, "missing tests")
}

func TestRespondRendersApprovedArtifact(t *testing.T) {
	r := NewRespond(nil, time.Minute, time.Second, testLogger())
	execResult := &state.ExecutionResult{}
	execResult.Lint.Passed = true
	execResult.Security.Passed = true
	st := &state.State{
		RunID:           "r1",
		TargetLanguage:  "python",
		GeneratedCode:   "print('hi')",
		CriticApproved:  true,
		FilesTouched:    []string{"main.py"},
		ExecutionResult: execResult,
	}
	delta, err := r.Run(context.Background(), st)
	require.NoError(t, err)
	st.Apply(delta)

	assert.Contains(t, st.FinalContent, "```python")
	assert.Contains(t, st.FinalContent, "Verified in sandbox")
}

func TestQuestionSourceAttribution(t *testing.T) {
	st := &state.State{NeedsInput: true}
	assert.Equal(t, state.QuestionFromWorker, questionSource(st))

	st = &state.State{
		NeedsClarification: true,
		NodeTraces:         []state.NodeTrace{{Node: NodePlanner, Event: "clarify"}},
	}
	assert.Equal(t, state.QuestionFromPlanner, questionSource(st))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
			i += len(sub) - 1
		}
	}
	return count
}
