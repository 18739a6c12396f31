// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph runs the orchestration graph: it owns routing between
// stages, per-node timeouts, the revision loop, and budget enforcement.
//
// Stages enrich the state; the graph decides where control goes next.
// That split keeps every routing rule in one file and every stage free
// of knowledge about its neighbors.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/revision"
	"github.com/synesis-ai/synesis/services/engine/sandbox"
	"github.com/synesis-ai/synesis/services/engine/stages"
	"github.com/synesis-ai/synesis/services/engine/state"
)

var tracer = otel.Tracer("synesis.engine.graph")

var (
	nodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synesis_graph_node_executions_total",
		Help: "Stage executions by node and outcome.",
	}, []string{"node", "outcome"})

	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synesis_graph_node_duration_seconds",
		Help:    "Wall-clock stage duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
	}, []string{"node"})

	traversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synesis_graph_traversals_total",
		Help: "Completed traversals by terminal disposition.",
	}, []string{"disposition"})
)

// maxSteps bounds a traversal against routing bugs. The deepest legal
// path (full revision loop at every iteration) stays well under this.
const maxSteps = 64

// Config tunes the engine.
type Config struct {
	// AnalysisMode is when the static-analysis node runs.
	AnalysisMode stages.AnalysisMode

	// MaxGateRejections bounds the worker/gate loop per traversal.
	MaxGateRejections int

	// MaxCriticRejections bounds the guard-mode supervisor loop.
	MaxCriticRejections int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AnalysisMode:        stages.AnalysisOnFailure,
		MaxGateRejections:   3,
		MaxCriticRejections: 1,
	}
}

// Engine executes one traversal of the orchestration graph.
//
// Thread Safety: safe for concurrent use; all per-request state lives
// in the State passed to Run.
type Engine struct {
	config   Config
	stages   map[string]stages.Stage
	revision *revision.Controller
	log      *logging.Logger
}

// New builds an engine over the given stages, registered by name.
func New(config Config, stageList []stages.Stage, rev *revision.Controller, log *logging.Logger) *Engine {
	if config.MaxGateRejections <= 0 {
		config.MaxGateRejections = DefaultConfig().MaxGateRejections
	}
	if config.MaxCriticRejections <= 0 {
		config.MaxCriticRejections = DefaultConfig().MaxCriticRejections
	}
	if config.AnalysisMode == "" {
		config.AnalysisMode = stages.AnalysisOnFailure
	}
	byName := make(map[string]stages.Stage, len(stageList))
	for _, s := range stageList {
		byName[s.Name()] = s
	}
	return &Engine{config: config, stages: byName, revision: rev, log: log}
}

// ResumeNode maps the stage that asked a pending question to the node a
// traversal re-enters when the answer arrives. The worker resumes at
// the curator so its context reflects the new information.
func ResumeNode(source state.PendingQuestionSource) string {
	switch source {
	case state.QuestionFromPlanner:
		return stages.NodePlanner
	case state.QuestionFromWorker:
		return stages.NodeCurator
	default:
		return stages.NodeSupervisor
	}
}

// Run executes the traversal from startNode until the respond stage
// terminates it. Pass stages.NodeEntry for a fresh request.
//
// Description:
//
//	Each step runs one stage under its timeout, applies the returned
//	delta, then routes. Stage errors and timeouts degrade to the
//	respond stage with an explanatory final message; they never bubble
//	a panic or a blank answer to the user. The revision controller is
//	consulted after every sandbox execution.
func (e *Engine) Run(ctx context.Context, st *state.State, startNode string) error {
	return e.RunWithProgress(ctx, st, startNode, nil)
}

// RunWithProgress is Run with a per-node callback, invoked before each
// stage executes. Used by the streaming transport to emit status
// events. The callback runs on the traversal goroutine; it must not
// block.
func (e *Engine) RunWithProgress(ctx context.Context, st *state.State, startNode string, progress func(node string)) error {
	node := startNode
	if node == "" {
		node = stages.NodeEntry
	}
	gateRejections := 0
	criticRejections := 0

	for step := 0; step < maxSteps; step++ {
		stage, ok := e.stages[node]
		if !ok {
			return fmt.Errorf("graph: no stage registered for node %q", node)
		}
		if progress != nil {
			progress(node)
		}

		delta, err := e.runStage(ctx, stage, st)
		st.Apply(delta)
		if err != nil {
			if node == stages.NodeRespond {
				return err
			}
			e.degrade(st, node, err)
			node = stages.NodeRespond
			continue
		}

		if node == stages.NodeRespond {
			traversals.WithLabelValues(disposition(st)).Inc()
			return nil
		}
		node = e.route(node, st, &gateRejections, &criticRejections)
	}
	return fmt.Errorf("graph: traversal exceeded %d steps at node %q", maxSteps, node)
}

// runStage executes one stage under its timeout with tracing.
func (e *Engine) runStage(ctx context.Context, stage stages.Stage, st *state.State) (state.Delta, error) {
	ctx, span := tracer.Start(ctx, "Graph."+stage.Name())
	defer span.End()
	span.SetAttributes(
		attribute.String("graph.node", stage.Name()),
		attribute.Int("graph.iteration", st.IterationCount),
	)

	if stage.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout())
		defer cancel()
	}

	start := time.Now()
	delta, err := stage.Run(ctx, st)
	nodeDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("stage %s timed out after %s", stage.Name(), stage.Timeout())
		delta.NodeTraces = append(delta.NodeTraces, state.Trace(stage.Name(), "TIMEOUT", stage.Timeout().String()))
		nodeExecutions.WithLabelValues(stage.Name(), "timeout").Inc()
		return delta, err
	}
	if err != nil {
		nodeExecutions.WithLabelValues(stage.Name(), "error").Inc()
		return delta, err
	}
	nodeExecutions.WithLabelValues(stage.Name(), "ok").Inc()
	return delta, nil
}

// degrade records a stage failure and prepares an honest terminal
// message instead of a blank response.
func (e *Engine) degrade(st *state.State, node string, err error) {
	e.log.Error("stage failed, degrading to respond",
		"run_id", st.RunID, "node", node, "error", err)
	msg := "I hit an internal problem and could not finish this request. Nothing was changed."
	if err == sandbox.ErrBudgetExhausted {
		msg = "I ran out of sandbox time verifying the change, so I am not returning unverified code."
	}
	st.Apply(state.Delta{
		FinalContent: state.Ptr(msg),
		NodeTraces:   []state.NodeTrace{state.Trace(node, "degraded", err.Error())},
	})
}

// route is the full routing table.
func (e *Engine) route(node string, st *state.State, gateRejections, criticRejections *int) string {
	switch node {
	case stages.NodeEntry:
		return e.routeFromEntry(st)

	case stages.NodeSupervisor:
		if st.NeedsClarification {
			return stages.NodeRespond
		}
		switch st.RouteTo {
		case "respond":
			return stages.NodeRespond
		case "planner":
			return stages.NodePlanner
		default:
			return stages.NodeCurator
		}

	case stages.NodePlanner:
		if st.NeedsClarification {
			return stages.NodeRespond
		}
		if st.Plan != nil && st.Plan.RequiresApproval {
			return stages.NodeRespond
		}
		return stages.NodeCurator

	case stages.NodeCurator:
		return stages.NodeWorker

	case stages.NodeWorker:
		return e.routeFromWorker(st)

	case stages.NodeGate:
		return e.routeFromGate(st, gateRejections)

	case stages.NodeLSP:
		if e.config.AnalysisMode == stages.AnalysisPreExecution {
			return stages.NodeSandbox
		}
		// On-failure mode: diagnostics inform the retry's context.
		return stages.NodeCurator

	case stages.NodeSandbox:
		return e.routeFromSandbox(st)

	case stages.NodeCritic:
		return e.routeFromCritic(st, criticRejections)

	default:
		return stages.NodeRespond
	}
}

func (e *Engine) routeFromEntry(st *state.State) string {
	if st.MessageOrigin == "ui_helper" {
		// UI-helper prompts (followup suggestions, title generation) are
		// not coding tasks; they never enter the pipeline.
		st.Apply(state.Delta{FinalContent: state.Ptr("UI helper request; no coding task.")})
		return stages.NodeRespond
	}
	if st.Budgets.TokenRemaining <= 0 {
		e.degrade(st, stages.NodeEntry, fmt.Errorf("token budget exhausted before start"))
		return stages.NodeRespond
	}
	if st.BypassSupervisor {
		if st.PlanRequired && !st.BypassPlanner {
			return stages.NodePlanner
		}
		return stages.NodeCurator
	}
	return stages.NodeSupervisor
}

func (e *Engine) routeFromWorker(st *state.State) string {
	if st.StopReason == state.StopNeedsScopeExpansion {
		// Scope expansion is a re-plan request, not a terminal stop.
		st.Apply(state.Delta{
			SupervisorGuard: state.Ptr(false),
			RouteTo:         state.Ptr(""),
			StopReason:      state.Ptr(state.StopReason("")),
			PlanRequired:    state.Ptr(true),
		})
		return stages.NodeSupervisor
	}
	if st.StopReason != "" || st.NeedsInput {
		return stages.NodeRespond
	}
	return stages.NodeGate
}

func (e *Engine) routeFromGate(st *state.State, gateRejections *int) string {
	if st.GateFailureCategory != "" {
		*gateRejections++
		if *gateRejections >= e.config.MaxGateRejections {
			st.Apply(state.Delta{Postmortem: state.Ptr(true)})
			return stages.NodeCritic
		}
		// Remediation feeds the next worker attempt; the iteration
		// counter does not advance for pre-execution rejections.
		return stages.NodeCurator
	}
	if e.config.AnalysisMode == stages.AnalysisPreExecution {
		return stages.NodeLSP
	}
	return stages.NodeSandbox
}

func (e *Engine) routeFromSandbox(st *state.State) string {
	fp := state.Fingerprint{}
	if st.ExecutionResult != nil && st.FailureType != "" {
		fp = sandbox.FingerprintOf(st.ExecutionResult, st.FailureType)
	}
	decision := e.revision.Evaluate(st, fp)

	switch decision.Verdict {
	case revision.VerdictSuccess:
		return stages.NodeCritic

	case revision.VerdictSameFailure:
		st.Apply(state.Delta{
			Postmortem: state.Ptr(true),
			NodeTraces: []state.NodeTrace{state.Trace(stages.NodeSandbox, "same_failure", fp.String())},
		})
		return stages.NodeCritic

	case revision.VerdictExhausted:
		delta := state.Delta{
			Postmortem: state.Ptr(true),
			NodeTraces: []state.NodeTrace{state.Trace(stages.NodeSandbox, "exhausted", fp.String())},
		}
		if decision.NewFingerprint {
			delta.FailureIDsSeen = []state.Fingerprint{fp}
		}
		st.Apply(delta)
		return stages.NodeCritic

	case revision.VerdictViolation:
		// The attempt regressed a preserved stage: revert guidance goes
		// to the worker, the iteration does not advance. The fingerprint
		// is still recorded, so repeating the same regression ends in a
		// postmortem instead of looping.
		st.Apply(state.Delta{
			FailureIDsSeen:      []state.Fingerprint{fp},
			StrategyViolation:   state.Ptr(true),
			RevisionStrategy:    state.Ptr(decision.NextStrategy.Name),
			RevisionConstraints: &decision.Constraints,
			GateRemediation: state.Ptr(fmt.Sprintf(
				"The last change broke the previously passing %q check. Revert that regression and re-apply only the intended fix.",
				decision.RegressedStage)),
			GateFailureCategory: state.Ptr("strategy_violation"),
			NodeTraces:          []state.NodeTrace{state.Trace(stages.NodeSandbox, "violation", decision.RegressedStage)},
		})
		return stages.NodeCurator

	default: // VerdictRetry
		e.revision.Advance(st)
		delta := state.Delta{
			RevisionStrategy:        state.Ptr(decision.NextStrategy.Name),
			RevisionConstraints:     &decision.Constraints,
			RevisionStrategiesTried: []string{decision.NextStrategy.Name},
			StrategyViolation:       state.Ptr(false),
		}
		if decision.NewFingerprint {
			delta.FailureIDsSeen = []state.Fingerprint{decision.Fingerprint}
		}
		if decision.RegressionWaived {
			delta.NodeTraces = []state.NodeTrace{
				state.Trace(stages.NodeSandbox, "regression_waived", decision.RegressedStage)}
		}
		st.Apply(delta)
		e.log.Info("revision retry",
			"run_id", st.RunID, "iteration", st.IterationCount,
			"strategy", decision.NextStrategy.Name, "fingerprint", decision.Fingerprint.String())
		if e.config.AnalysisMode == stages.AnalysisOnFailure {
			return stages.NodeLSP
		}
		return stages.NodeCurator
	}
}

func (e *Engine) routeFromCritic(st *state.State, criticRejections *int) string {
	if st.Postmortem || st.CriticApproved {
		return stages.NodeRespond
	}
	*criticRejections++
	if *criticRejections > e.config.MaxCriticRejections {
		st.Apply(state.Delta{Postmortem: state.Ptr(true)})
		return stages.NodeRespond
	}
	// Guard mode: the supervisor may clarify or re-dispatch the worker,
	// never downgrade the pipeline.
	st.Apply(state.Delta{SupervisorGuard: state.Ptr(true)})
	return stages.NodeSupervisor
}

func disposition(st *state.State) string {
	switch {
	case st.NeedsClarification || st.NeedsInput:
		return "question"
	case st.Postmortem:
		return "postmortem"
	case st.CriticApproved:
		return "approved"
	case st.StopReason != "":
		return "stopped"
	default:
		return "answered"
	}
}
