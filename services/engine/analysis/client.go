// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis talks to the deep static-analysis gateway. The
// gateway multiplexes per-language engines; each engine gets its own
// circuit breaker so an outage in one analyzer does not degrade the
// rest.
package analysis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/breaker"
	"github.com/synesis-ai/synesis/services/engine/state"
)

var tracer = otel.Tracer("synesis.engine.analysis")

// ErrBudgetExhausted is returned when the traversal's LSP-call budget
// is spent.
var ErrBudgetExhausted = errors.New("analysis: lsp call budget exhausted")

// toolVersion participates in the ToolRef parameters hash so cached
// evidence invalidates when the gateway is upgraded.
const toolVersion = "analyze/v1"

// RequestIDHeader correlates tool invocations across service logs.
const RequestIDHeader = "X-Synesis-Request-ID"

// Report is the gateway's structured response.
type Report struct {
	Language       string             `json:"language"`
	Engine         string             `json:"engine"`
	Diagnostics    []state.Diagnostic `json:"diagnostics"`
	AnalysisTimeMS int64              `json:"analysis_time_ms"`
	Error          string             `json:"error,omitempty"`
	Skipped        bool               `json:"skipped"`
}

// Config locates the gateway.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client submits code for deep static analysis.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	config   Config
	http     *http.Client
	breakers *breaker.Registry
	log      *logging.Logger
}

// NewClient creates an analysis client. breakers must not be nil: one
// breaker is created per engine as languages are first analyzed.
func NewClient(config Config, httpClient *http.Client, breakers *breaker.Registry, log *logging.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{config: config, http: httpClient, breakers: breakers, log: log}
}

// Analyze runs the gateway against one code body.
//
// Description:
//
//	Consumes one unit of the LSP budget, refuses when exhausted, and
//	skips (with a skipped report, not an error) when the engine's
//	breaker is open. The ToolRef evidence record is returned alongside
//	the report so the graph can append it.
//
// Inputs:
//
//	ctx       - Deadline context.
//	code      - Source to analyze.
//	language  - Engine selector.
//	filename  - Optional filename hint.
//	requestID - Correlation id.
//
// Outputs:
//
//	*Report       - Diagnostics, or a skipped report on open breaker.
//	state.ToolRef - Evidence record for the invocation.
//	error         - Transport or budget failure.
func (c *Client) Analyze(ctx context.Context, code, language, filename, requestID string) (*Report, state.ToolRef, error) {
	ctx, span := tracer.Start(ctx, "Analysis.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("analysis.language", language))

	payload := map[string]string{"code": code, "language": language}
	if filename != "" {
		payload["filename"] = filename
	}
	body, _ := json.Marshal(payload)

	ref := state.ToolRef{
		Tool:           "static_analysis",
		RequestID:      requestID,
		ParametersHash: hashOf(string(body) + toolVersion),
		ToolVersion:    toolVersion,
		CreatedAt:      time.Now().UnixMilli(),
	}

	var report Report
	brk := c.breakers.For("analysis:" + language)
	err := brk.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(RequestIDHeader, requestID)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("analysis gateway returned %d: %s", resp.StatusCode, string(data))
		}
		return json.NewDecoder(resp.Body).Decode(&report)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			// Degraded mode: analysis is advisory, the traversal continues.
			c.log.Warn("analysis breaker open, skipping", "language", language)
			skipped := &Report{Language: language, Skipped: true}
			ref.ResultSummary = "skipped: breaker open"
			return skipped, ref, nil
		}
		return nil, ref, fmt.Errorf("analyze %s: %w", language, err)
	}

	raw, _ := json.Marshal(report)
	ref.ResultHash = hashOf(string(raw))
	ref.ResultSummary = fmt.Sprintf("%d diagnostics from %s", len(report.Diagnostics), report.Engine)
	if len(report.Diagnostics) > 0 {
		ref.ResultFingerprint = fmt.Sprintf("lsp:0:%s", report.Diagnostics[0].Rule)
	}
	return &report, ref, nil
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
