// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextpack

import (
	"fmt"
	"regexp"
	"strings"
)

// Conflict heuristics. Two families are detected: container runtime
// (docker vs podman vs containerd) and pinned language versions. The
// builder never resolves a conflict; it injects instructions to surface
// it.
var (
	runtimeRe = regexp.MustCompile(`(?i)\b(docker|podman|containerd)\b`)
	langVerRe = regexp.MustCompile(`(?i)\b(python|go|node|java|rust)\s*:?\s*v?(\d+(?:\.\d+)+)`)
)

// detectTierConflicts compares Tier 2 (org standards) text against Tier 3
// (project manifest) text and returns one message per conflicting facet.
func detectTierConflicts(orgText, projectText string) []string {
	var conflicts []string

	orgRT := firstLower(runtimeRe.FindString(orgText))
	projRT := firstLower(runtimeRe.FindString(projectText))
	if orgRT != "" && projRT != "" && orgRT != projRT {
		conflicts = append(conflicts, fmt.Sprintf(
			"container runtime: org standards say %q, project manifest says %q", orgRT, projRT))
	}

	for lang, orgVer := range langVersions(orgText) {
		if projVer, ok := langVersions(projectText)[lang]; ok && projVer != orgVer {
			conflicts = append(conflicts, fmt.Sprintf(
				"%s version: org standards pin %s, project manifest pins %s", lang, orgVer, projVer))
		}
	}
	return conflicts
}

// detectTrustConflicts compares the pinned (trusted) corpus against one
// retrieved (untrusted) chunk and returns warnings where repository
// content contradicts stated policy.
func detectTrustConflicts(pinnedText string, chunkID, chunkText string) []string {
	var warnings []string

	pinnedRT := firstLower(runtimeRe.FindString(pinnedText))
	chunkRT := firstLower(runtimeRe.FindString(chunkText))
	if pinnedRT != "" && chunkRT != "" && pinnedRT != chunkRT {
		warnings = append(warnings, fmt.Sprintf(
			"chunk %s: repository content references %q but pinned policy requires %q", chunkID, chunkRT, pinnedRT))
	}

	pinnedVers := langVersions(pinnedText)
	for lang, ver := range langVersions(chunkText) {
		if pv, ok := pinnedVers[lang]; ok && pv != ver {
			warnings = append(warnings, fmt.Sprintf(
				"chunk %s: references %s %s but pinned policy pins %s", chunkID, lang, ver, pv))
		}
	}
	return warnings
}

// syntheticConflictText builds the Tier-pinned instruction injected when
// Tier 2 and Tier 3 disagree. Tier 3 wins for the session; the worker
// must surface the conflict rather than resolve it silently.
func syntheticConflictText(conflicts []string) string {
	var b strings.Builder
	b.WriteString("CONTEXT CONFLICT DETECTED between organization standards (Tier 2) and the project manifest (Tier 3):\n")
	for _, c := range conflicts {
		fmt.Fprintf(&b, "  - %s\n", c)
	}
	b.WriteString("For this session the project manifest (Tier 3) overrides. ")
	b.WriteString("You MUST surface this conflict in blocking_issues or residual_risks. ")
	b.WriteString("Never resolve it silently.")
	return b.String()
}

func firstLower(s string) string { return strings.ToLower(s) }

func langVersions(text string) map[string]string {
	out := make(map[string]string)
	for _, m := range langVerRe.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(m[1])
		if _, seen := out[lang]; !seen {
			out[lang] = m[2]
		}
	}
	return out
}
