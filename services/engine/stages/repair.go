// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// decodeModelJSON parses a model response into out, tolerating the
// usual failure modes once.
//
// Description:
//
//	First pass: extract the outermost JSON object (models wrap output
//	in prose or code fences) and parse it. Second pass on failure: one
//	automatic repair — strip trailing commas and close unbalanced
//	braces/brackets — then retry. A second failure is final; the caller
//	degrades per the error-handling design.
func decodeModelJSON(raw string, out interface{}) error {
	candidate := extractJSON(raw)
	if candidate == "" {
		return fmt.Errorf("no JSON object in model output")
	}

	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	repaired := repairJSON(candidate)
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("model output unparseable after repair: %w", err)
	}
	return nil
}

// extractJSON returns the substring from the first '{' through the
// matching close (or end of input when unbalanced).
func extractJSON(raw string) string {
	// Strip code fences first.
	raw = strings.ReplaceAll(raw, "```json", "")
	raw = strings.ReplaceAll(raw, "```", "")

	start := strings.Index(raw, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return raw[start:]
}

// repairJSON applies the single automatic repair pass.
func repairJSON(s string) string {
	s = trailingCommaRe.ReplaceAllString(s, "$1")

	// Close unbalanced strings, then braces and brackets in stack order.
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			stack = append(stack, c)
		case c == '}' || c == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
