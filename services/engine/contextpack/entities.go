// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextpack

import (
	"regexp"
	"sort"
	"strings"
)

// Entity extractors for adaptive re-curation. On a retry whose failure
// came out of the runtime or LSP stages, the builder re-queries using
// what the stderr actually names rather than the original task text.
var (
	errorCodeRe       = regexp.MustCompile(`\b[EW]\d{3,4}\b|\b[A-Z]{2,5}-\d{3,5}\b`)
	exceptionClassRe  = regexp.MustCompile(`\b[A-Z][a-zA-Z]*(?:Error|Exception|Warning|Panic)\b`)
	missingModuleRe   = regexp.MustCompile(`(?:No module named|cannot find module|module not found:?)\s+'?"?([A-Za-z0-9_./@-]+)`)
	undefinedSymbolRe = regexp.MustCompile(`(?:name|symbol|identifier)\s+'"?([A-Za-z_][A-Za-z0-9_]*)'?"?\s+is\s+not\s+defined|undefined:?\s+([A-Za-z_][A-Za-z0-9_.]*)`)
)

// extractEntities pulls error codes, exception classes, missing module
// names, and unresolved symbols out of execution output. Order is
// deterministic: first appearance wins, duplicates dropped.
func extractEntities(stderr string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(e string) {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			return
		}
		seen[e] = true
		out = append(out, e)
	}

	for _, m := range errorCodeRe.FindAllString(stderr, -1) {
		add(m)
	}
	for _, m := range exceptionClassRe.FindAllString(stderr, -1) {
		add(m)
	}
	for _, m := range missingModuleRe.FindAllStringSubmatch(stderr, -1) {
		add(m[1])
	}
	for _, m := range undefinedSymbolRe.FindAllStringSubmatch(stderr, -1) {
		for _, g := range m[1:] {
			if g != "" {
				add(g)
			}
		}
	}
	return out
}

// stderrKeywords lowercases the extracted entities for snippet matching
// when deciding which previously-excluded chunks to promote.
func stderrKeywords(stderr string) []string {
	entities := extractEntities(stderr)
	kws := make([]string, 0, len(entities))
	for _, e := range entities {
		kws = append(kws, strings.ToLower(e))
	}
	sort.Strings(kws)
	return kws
}

// snippetMatches reports whether a chunk snippet mentions any keyword.
func snippetMatches(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
