// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"regexp"

	"github.com/synesis-ai/synesis/services/engine/state"
)

// exitTimeout is the conventional exit code the runtime uses when the
// command hit its wall-clock limit.
const exitTimeout = 124

// fingerprintWindow bounds how much stderr participates in diagnostic
// extraction. Long tracebacks repeat the same root cause; the first
// window is enough to identify it.
const fingerprintWindow = 200

// exceptionClassRe matches Python-style exception class names and
// Go-style panic markers in stderr.
var exceptionClassRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]*(?:Error|Exception|Warning)\b|panic:`)

// diagnosticIDRe matches linter rule ids such as E501, W0611, SA1019.
var diagnosticIDRe = regexp.MustCompile(`\b[EWRC]\d{3,4}\b|\b[A-Z]{1,3}\d{4}\b`)

// Classify derives the failure type from a structured sandbox result.
//
// Order matters and mirrors how the checks run: lint, then security,
// then LSP diagnostics from the same iteration, then timeout, then
// general runtime failure. A fully passing result returns the empty
// failure type.
func Classify(result *state.ExecutionResult, lspDiagnostics []state.Diagnostic) state.FailureType {
	switch {
	case result == nil:
		return state.FailureRuntime
	case !result.Lint.Passed:
		return state.FailureLint
	case !result.Security.Passed:
		return state.FailureSecurity
	case len(lspDiagnostics) > 0:
		return state.FailureLSP
	case result.ExitCode == exitTimeout:
		return state.FailureRuntime
	case result.ExitCode != 0:
		return state.FailureRuntime
	}
	return ""
}

// FingerprintOf builds the normalized failure identity for a result.
//
// Description:
//
//	The stage component is lint, security, or runtime. The diagnostic is
//	the first linter rule id, security finding, or exception class found
//	in the first 200 characters of the relevant output. Two different
//	commands producing the same normalized failure fingerprint are
//	treated as repeats by the short-circuit.
//
// Inputs:
//
//	result      - Structured sandbox result; must be a failure.
//	failureType - Output of Classify for the same result.
//
// Outputs:
//
//	state.Fingerprint - Normalized identity, e.g. runtime:1:NameError.
func FingerprintOf(result *state.ExecutionResult, failureType state.FailureType) state.Fingerprint {
	if result == nil {
		return state.Fingerprint{Stage: "runtime", ExitCode: -1, Diagnostic: "no_result"}
	}

	switch failureType {
	case state.FailureLint:
		return state.Fingerprint{
			Stage:      "lint",
			ExitCode:   result.ExitCode,
			Diagnostic: firstDiagnostic(result.Lint),
		}
	case state.FailureSecurity:
		return state.Fingerprint{
			Stage:      "security",
			ExitCode:   result.ExitCode,
			Diagnostic: firstDiagnostic(result.Security),
		}
	default:
		return state.Fingerprint{
			Stage:      "runtime",
			ExitCode:   result.Execution.ExitCode,
			Diagnostic: firstException(result.Execution.Output),
		}
	}
}

// firstDiagnostic extracts the leading rule id or finding from a check.
func firstDiagnostic(check state.CheckResult) string {
	if len(check.Diagnostics) > 0 && check.Diagnostics[0].Rule != "" {
		return check.Diagnostics[0].Rule
	}
	if len(check.Findings) > 0 {
		return truncate(check.Findings[0], 64)
	}
	if id := diagnosticIDRe.FindString(window(check.Output)); id != "" {
		return id
	}
	return "unspecified"
}

// firstException extracts the first exception class from stderr.
func firstException(output string) string {
	w := window(output)
	if m := exceptionClassRe.FindString(w); m != "" {
		if m == "panic:" {
			return "panic"
		}
		return m
	}
	if id := diagnosticIDRe.FindString(w); id != "" {
		return id
	}
	return "unspecified"
}

func window(s string) string {
	if len(s) > fingerprintWindow {
		return s[:fingerprintWindow]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
