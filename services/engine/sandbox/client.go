// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/state"
)

var tracer = otel.Tracer("synesis.engine.sandbox")

// ErrBudgetExhausted is returned when the traversal's sandbox-minutes
// budget is spent before execution starts.
var ErrBudgetExhausted = errors.New("sandbox: minutes budget exhausted")

// ErrUnavailable is returned when both the warm pool and the ephemeral
// path failed.
var ErrUnavailable = errors.New("sandbox: no execution path available")

// RequestIDHeader correlates tool invocations across service logs.
const RequestIDHeader = "X-Synesis-Request-ID"

var (
	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synesis_sandbox_executions_total",
		Help: "Sandbox executions by path and outcome.",
	}, []string{"path", "outcome"})

	execDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synesis_sandbox_duration_seconds",
		Help:    "Wall-clock sandbox execution time.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// Request is the payload sent to the execution service.
type Request struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Filename string `json:"filename"`
	RunID    string `json:"run_id"`
}

// Outcome reports how an execution went, beyond the structured result.
type Outcome struct {
	// Path is "warm" or "ephemeral".
	Path string

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Config locates the execution services.
type Config struct {
	// WarmPoolURL is the base URL of the pre-warmed worker pool. Empty
	// disables the warm path.
	WarmPoolURL string

	// EphemeralURL is the base URL of the ephemeral-job service.
	EphemeralURL string

	// Timeout bounds one execution round-trip.
	Timeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 120 * time.Second}
}

// Client submits bundled code to the sandbox runtime.
//
// One long-lived http.Client is shared across coordinators for
// connection pooling.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	config Config
	http   *http.Client
	log    *logging.Logger
}

// NewClient creates a sandbox client.
func NewClient(config Config, httpClient *http.Client, log *logging.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{config: config, http: httpClient, log: log}
}

// Execute runs bundled code, preferring the warm pool.
//
// Description:
//
//	Tries the warm pool first; readiness-gated routing means a busy pod
//	rejects with 503 and an idle one accepts. Any warm-path failure
//	falls through silently to the ephemeral-job path. The structured
//	result is returned even on non-zero exit: a failing program is a
//	successful execution.
//
// Inputs:
//
//	ctx       - Deadline context for the round-trip.
//	req       - Bundled code and language.
//	requestID - Correlation id recorded in the X-Synesis-Request-ID header.
//
// Outputs:
//
//	*Result - Parsed structured result (convert with ToExecutionResult).
//	Outcome - Execution path and duration for budget accounting.
//	error   - Non-nil only when no path could execute.
func (c *Client) Execute(ctx context.Context, req Request, requestID string) (*Result, Outcome, error) {
	ctx, span := tracer.Start(ctx, "Sandbox.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.language", req.Language))

	start := time.Now()

	if c.config.WarmPoolURL != "" {
		result, err := c.post(ctx, c.config.WarmPoolURL, req, requestID)
		if err == nil {
			outcome := Outcome{Path: "warm", Duration: time.Since(start)}
			executions.WithLabelValues("warm", outcomeLabel(result)).Inc()
			execDuration.Observe(outcome.Duration.Seconds())
			return result, outcome, nil
		}
		// Warm-pool unavailability falls through to ephemeral mode.
		c.log.Debug("warm pool unavailable, falling through to ephemeral",
			"run_id", req.RunID, "error", err)
		executions.WithLabelValues("warm", "unavailable").Inc()
	}

	if c.config.EphemeralURL == "" {
		return nil, Outcome{}, ErrUnavailable
	}

	result, err := c.post(ctx, c.config.EphemeralURL, req, requestID)
	if err != nil {
		executions.WithLabelValues("ephemeral", "error").Inc()
		return nil, Outcome{}, fmt.Errorf("ephemeral execution: %w", err)
	}
	outcome := Outcome{Path: "ephemeral", Duration: time.Since(start)}
	executions.WithLabelValues("ephemeral", outcomeLabel(result)).Inc()
	execDuration.Observe(outcome.Duration.Seconds())
	return result, outcome, nil
}

// Result wraps the wire-format execution response.
type Result struct {
	ExitCode int `json:"exit_code"`
	Lint     struct {
		Passed      bool   `json:"passed"`
		Output      string `json:"output"`
		Diagnostics []struct {
			Rule    string `json:"rule"`
			Message string `json:"message"`
		} `json:"diagnostics,omitempty"`
	} `json:"lint"`
	Security struct {
		Passed   bool     `json:"passed"`
		Output   string   `json:"output"`
		Findings []string `json:"findings,omitempty"`
	} `json:"security"`
	Execution struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
	} `json:"execution"`
}

func (c *Client) post(ctx context.Context, baseURL string, req Request, requestID string) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, string(data))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}

// Cleanup removes the ephemeral workspace for a run. Best-effort: a
// failed cleanup is logged, never propagated, and runs on success and
// failure alike.
func (c *Client) Cleanup(ctx context.Context, runID, requestID string) {
	if c.config.EphemeralURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/workspaces/%s", c.config.EphemeralURL, runID), nil)
	if err != nil {
		return
	}
	req.Header.Set(RequestIDHeader, requestID)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("workspace cleanup failed", "run_id", runID, "error", err)
		return
	}
	resp.Body.Close()
}

// ToExecutionResult converts the wire format into the state record the
// graph merges.
func ToExecutionResult(r *Result) *state.ExecutionResult {
	out := &state.ExecutionResult{ExitCode: r.ExitCode}
	out.Lint.Passed = r.Lint.Passed
	out.Lint.Output = r.Lint.Output
	for _, d := range r.Lint.Diagnostics {
		out.Lint.Diagnostics = append(out.Lint.Diagnostics, state.Diagnostic{
			Rule:    d.Rule,
			Message: d.Message,
		})
	}
	out.Security.Passed = r.Security.Passed
	out.Security.Output = r.Security.Output
	out.Security.Findings = append(out.Security.Findings, r.Security.Findings...)
	out.Execution.ExitCode = r.Execution.ExitCode
	out.Execution.Output = r.Execution.Output
	return out
}

func outcomeLabel(r *Result) string {
	if r.ExitCode == 0 && r.Lint.Passed && r.Security.Passed {
		return "pass"
	}
	return "fail"
}
