// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gate implements the deterministic pre-execution integrity gate.
//
// The gate runs thirteen ordered checks against the worker's output,
// short-circuiting on the first failure. A rejection carries an actionable
// remediation string that goes straight into the worker's next prompt.
// Gate rejections route back through the curator and never cost an
// iteration.
//
// The gate is pure: no I/O, no model calls, no clock reads beyond trace
// timestamps added by the caller.
//
// Thread Safety:
//
//	Gate is immutable after construction and safe for concurrent use.
package gate

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/synesis-ai/synesis/services/engine/state"
)

// Failure categories, one per check.
const (
	CategoryWorkspace   = "workspace"
	CategoryScope       = "scope"
	CategoryPatchOp     = "patch_op"
	CategoryFileSize    = "file_size"
	CategoryDiffShape   = "diff_shape"
	CategoryDenylist    = "path_denylist"
	CategoryEvidence    = "evidence"
	CategoryCodeSize    = "code_size"
	CategoryEncoding    = "encoding"
	CategorySecrets     = "secrets"
	CategoryNetwork     = "network"
	CategoryDangerous   = "dangerous_command"
	CategoryImports     = "imports"
)

// IntegrityFailure is the structured rejection the gate produces.
type IntegrityFailure struct {
	// Category names the failing check.
	Category string `json:"category"`

	// Evidence is the offending path, pattern, or snippet.
	Evidence string `json:"evidence"`

	// Remediation is actionable text fed directly to the worker.
	Remediation string `json:"remediation"`
}

// Error implements the error interface.
func (f *IntegrityFailure) Error() string {
	return fmt.Sprintf("integrity gate rejected (%s): %s", f.Category, f.Evidence)
}

// Config bounds the gate's size and policy checks.
type Config struct {
	// MaxPatchFileChars caps each patch op's text length.
	MaxPatchFileChars int

	// MaxCodeChars caps the combined code size (main + patches +
	// experiment script + commands).
	MaxCodeChars int

	// MaxEvidenceCommands caps an experiment plan's command count.
	MaxEvidenceCommands int

	// EvidenceInterpreters is the allowlist for experiment command
	// interpreters (first token).
	EvidenceInterpreters []string

	// TrustedPythonPackages is the import allowlist for Python code.
	// Standard-library modules must be listed explicitly.
	TrustedPythonPackages []string
}

// DefaultConfig returns production limits.
func DefaultConfig() Config {
	return Config{
		MaxPatchFileChars:    64 * 1024,
		MaxCodeChars:         256 * 1024,
		MaxEvidenceCommands:  8,
		EvidenceInterpreters: []string{"python3", "python", "bash", "sh", "node", "go"},
		TrustedPythonPackages: []string{
			"os", "sys", "re", "json", "math", "time", "datetime", "typing",
			"collections", "itertools", "functools", "pathlib", "dataclasses",
			"unittest", "pytest", "abc", "enum", "io", "csv", "random",
			"string", "textwrap", "argparse", "logging", "decimal", "fractions",
			"heapq", "bisect", "copy", "hashlib", "base64", "struct", "uuid",
		},
	}
}

// Gate runs the ordered integrity checks.
type Gate struct {
	config Config
	python *pythonInspector
}

// New creates a gate with the given config.
func New(config Config) *Gate {
	return &Gate{config: config, python: newPythonInspector()}
}

// Check runs all checks in order and returns the first failure, or nil.
//
// Description:
//
//	Order matters and is part of the contract: cheap structural checks
//	(workspace, scope, patch shape) run before policy scans (secrets,
//	network, imports) so the worker always sees the most fundamental
//	problem first.
//
// Inputs:
//
//	st - The traversal state after the worker stage.
//
// Outputs:
//
//	*IntegrityFailure - Nil on pass; the first rejection otherwise.
func (g *Gate) Check(st *state.State) *IntegrityFailure {
	checks := []func(*state.State) *IntegrityFailure{
		g.checkWorkspaceBoundary,
		g.checkScopeAllowlist,
		g.checkPatchOps,
		g.checkPatchFileSize,
		g.checkDiffShape,
		g.checkPathDenylist,
		g.checkEvidencePlan,
		g.checkCodeSize,
		g.checkUTF8,
		g.checkSecrets,
		g.checkNetwork,
		g.checkDangerousCommands,
		g.checkImportIntegrity,
	}
	for _, check := range checks {
		if failure := check(st); failure != nil {
			return failure
		}
	}
	return nil
}

// allPaths yields every path the worker wants to touch.
func allPaths(st *state.State) []string {
	paths := append([]string{}, st.FilesTouched...)
	for _, op := range st.PatchOps {
		paths = append(paths, op.Path)
	}
	return paths
}

// --- check 1: workspace boundary ------------------------------------------

func (g *Gate) checkWorkspaceBoundary(st *state.State) *IntegrityFailure {
	workspace := st.TargetWorkspace
	for _, path := range allPaths(st) {
		if !pathInsideWorkspace(path, workspace) {
			return &IntegrityFailure{
				Category: CategoryWorkspace,
				Evidence: path,
				Remediation: fmt.Sprintf(
					"Path %q is outside the target workspace %q. All edits must stay under the workspace root. If the task genuinely requires files elsewhere, request a Re-Plan instead of widening paths.",
					path, workspace),
			}
		}
	}
	return nil
}

// pathInsideWorkspace reports whether path stays under the workspace root.
// Relative paths are resolved against the workspace; absolute paths must
// have the workspace as a prefix.
func pathInsideWorkspace(path, workspace string) bool {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) {
		if workspace == "" {
			return false
		}
		rel, err := filepath.Rel(filepath.Clean(workspace), clean)
		if err != nil {
			return false
		}
		return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
	}
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// --- check 2: scope allowlist ----------------------------------------------

func (g *Gate) checkScopeAllowlist(st *state.State) *IntegrityFailure {
	if st.Plan == nil {
		return nil // trivial tasks carry a synthesized plan; nothing to check without one
	}
	for _, op := range st.PatchOps {
		if !pathInManifest(op.Path, st.Plan.TouchedFiles) {
			return &IntegrityFailure{
				Category: CategoryScope,
				Evidence: op.Path,
				Remediation: fmt.Sprintf(
					"Path %q is not in the plan's touched_files manifest %v. Either limit the patch to the planned files, or set stop_reason=needs_scope_expansion to request a Re-Plan with the wider scope.",
					op.Path, st.Plan.TouchedFiles),
			}
		}
	}
	return nil
}

// pathInManifest matches exact entries or subdirectory containment.
func pathInManifest(path string, manifest []string) bool {
	clean := filepath.Clean(path)
	for _, entry := range manifest {
		entryClean := filepath.Clean(entry)
		if clean == entryClean {
			return true
		}
		if strings.HasPrefix(clean, entryClean+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// --- check 3: patch op constraints -----------------------------------------

func (g *Gate) checkPatchOps(st *state.State) *IntegrityFailure {
	for _, op := range st.PatchOps {
		if op.Op != state.OpAdd && op.Op != state.OpModify && op.Op != state.OpDelete {
			return &IntegrityFailure{
				Category:    CategoryPatchOp,
				Evidence:    string(op.Op),
				Remediation: "Patch op must be one of add, modify, delete.",
			}
		}
		if strings.Contains(op.Path, "..") || strings.Contains(op.Path, "//") {
			return &IntegrityFailure{
				Category:    CategoryPatchOp,
				Evidence:    op.Path,
				Remediation: "Patch paths must not contain '..' or '//'. Use clean workspace-relative paths.",
			}
		}
		if symlinkCreation.MatchString(op.Text) {
			return &IntegrityFailure{
				Category:    CategoryPatchOp,
				Evidence:    op.Path,
				Remediation: "Patch content must not create symlinks (ln -s). Write regular files only.",
			}
		}
	}
	return nil
}

// --- check 4: per-file size -------------------------------------------------

func (g *Gate) checkPatchFileSize(st *state.State) *IntegrityFailure {
	for _, op := range st.PatchOps {
		if len(op.Text) > g.config.MaxPatchFileChars {
			return &IntegrityFailure{
				Category: CategoryFileSize,
				Evidence: op.Path,
				Remediation: fmt.Sprintf(
					"Patch for %q is %d chars; the per-file limit is %d. Split the change or reduce generated content.",
					op.Path, len(op.Text), g.config.MaxPatchFileChars),
			}
		}
	}
	return nil
}

// --- check 5: diff shape ------------------------------------------------------

func (g *Gate) checkDiffShape(st *state.State) *IntegrityFailure {
	constraints := st.RevisionConstraints
	if constraints == nil {
		return nil // first attempt: no strategy active yet
	}

	files := map[string]bool{}
	for _, op := range st.PatchOps {
		files[op.Path] = true
	}
	if constraints.MaxFiles > 0 && len(files) > constraints.MaxFiles {
		return &IntegrityFailure{
			Category: CategoryDiffShape,
			Evidence: fmt.Sprintf("%d files", len(files)),
			Remediation: fmt.Sprintf(
				"The %s strategy allows at most %d file(s); the patch touches %d. Narrow the change to the failing file(s).",
				st.RevisionStrategy, constraints.MaxFiles, len(files)),
		}
	}

	delta := locDelta(st)
	if constraints.MaxLOCDelta > 0 && delta > constraints.MaxLOCDelta {
		return &IntegrityFailure{
			Category: CategoryDiffShape,
			Evidence: fmt.Sprintf("%d changed lines", delta),
			Remediation: fmt.Sprintf(
				"The %s strategy allows at most %d changed lines; the patch changes %d. Make the smallest change that fixes the failure.",
				st.RevisionStrategy, constraints.MaxLOCDelta, delta),
		}
	}
	return nil
}

// locDelta measures changed lines: from the unified diff when present,
// else by counting patch-op lines.
func locDelta(st *state.State) int {
	if st.UnifiedDiff != "" {
		if fds, err := diff.ParseMultiFileDiff([]byte(st.UnifiedDiff)); err == nil {
			total := 0
			for _, fd := range fds {
				for _, hunk := range fd.Hunks {
					for _, line := range strings.Split(string(hunk.Body), "\n") {
						if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
							total++
						}
					}
				}
			}
			return total
		}
	}
	total := 0
	for _, op := range st.PatchOps {
		if op.Op == state.OpDelete {
			continue
		}
		total += strings.Count(op.Text, "\n") + 1
	}
	return total
}

// --- check 6: path denylist ---------------------------------------------------

func (g *Gate) checkPathDenylist(st *state.State) *IntegrityFailure {
	for _, op := range st.PatchOps {
		base := filepath.Base(op.Path)
		for _, denied := range lockfileNames {
			if base == denied {
				return &IntegrityFailure{
					Category:    CategoryDenylist,
					Evidence:    op.Path,
					Remediation: fmt.Sprintf("Lockfile %q must not be edited directly. Change the manifest and let the package manager regenerate it.", base),
				}
			}
		}
	}

	// Shell writes to lockfiles: write indicator + denylisted name on the
	// same line anywhere in code or experiment commands.
	for _, text := range append([]string{st.GeneratedCode}, st.ExperimentPlan...) {
		for _, line := range strings.Split(text, "\n") {
			if !writeIndicator.MatchString(line) {
				continue
			}
			for _, denied := range lockfileNames {
				if strings.Contains(line, denied) {
					return &IntegrityFailure{
						Category:    CategoryDenylist,
						Evidence:    strings.TrimSpace(line),
						Remediation: fmt.Sprintf("Command writes to lockfile %q. Lockfiles are regenerated by the package manager, never edited by hand.", denied),
					}
				}
			}
		}
	}
	return nil
}

// --- check 7: evidence blast radius ------------------------------------------

func (g *Gate) checkEvidencePlan(st *state.State) *IntegrityFailure {
	if len(st.ExperimentPlan) == 0 {
		return nil
	}
	if len(st.ExperimentPlan) > g.config.MaxEvidenceCommands {
		return &IntegrityFailure{
			Category: CategoryEvidence,
			Evidence: fmt.Sprintf("%d commands", len(st.ExperimentPlan)),
			Remediation: fmt.Sprintf(
				"Experiment plans are capped at %d commands. Keep only the commands needed to demonstrate the failure.",
				g.config.MaxEvidenceCommands),
		}
	}
	for _, cmd := range st.ExperimentPlan {
		if installCommand.MatchString(cmd) {
			return &IntegrityFailure{
				Category:    CategoryEvidence,
				Evidence:    cmd,
				Remediation: "Experiment commands must not install packages. The sandbox image is fixed; work with what is preinstalled.",
			}
		}
		interpreter := firstToken(cmd)
		if !contains(g.config.EvidenceInterpreters, interpreter) {
			return &IntegrityFailure{
				Category: CategoryEvidence,
				Evidence: cmd,
				Remediation: fmt.Sprintf(
					"Interpreter %q is not in the evidence allowlist %v.",
					interpreter, g.config.EvidenceInterpreters),
			}
		}
	}
	return nil
}

// --- check 8: code size --------------------------------------------------------

func (g *Gate) checkCodeSize(st *state.State) *IntegrityFailure {
	total := len(st.GeneratedCode)
	for _, op := range st.PatchOps {
		total += len(op.Text)
	}
	for _, cmd := range st.ExperimentPlan {
		total += len(cmd)
	}
	if total > g.config.MaxCodeChars {
		return &IntegrityFailure{
			Category: CategoryCodeSize,
			Evidence: fmt.Sprintf("%d chars", total),
			Remediation: fmt.Sprintf(
				"Combined code size %d exceeds the %d limit. Generate less content or split the task.",
				total, g.config.MaxCodeChars),
		}
	}
	return nil
}

// --- check 9: UTF-8 -------------------------------------------------------------

func (g *Gate) checkUTF8(st *state.State) *IntegrityFailure {
	if !utf8.ValidString(st.GeneratedCode) {
		return &IntegrityFailure{
			Category:    CategoryEncoding,
			Evidence:    "generated_code",
			Remediation: "Generated code must round-trip through UTF-8. Remove invalid byte sequences.",
		}
	}
	for _, op := range st.PatchOps {
		if !utf8.ValidString(op.Text) {
			return &IntegrityFailure{
				Category:    CategoryEncoding,
				Evidence:    op.Path,
				Remediation: "Patch content must round-trip through UTF-8. Remove invalid byte sequences.",
			}
		}
	}
	return nil
}

// --- check 10: secrets -----------------------------------------------------------

func (g *Gate) checkSecrets(st *state.State) *IntegrityFailure {
	for _, text := range codeBodies(st) {
		for _, pattern := range secretPatterns {
			if loc := pattern.re.FindString(text); loc != "" {
				return &IntegrityFailure{
					Category:    CategorySecrets,
					Evidence:    pattern.name,
					Remediation: "Code must not embed credentials. Read secrets from the environment and document the required variable instead.",
				}
			}
		}
	}
	return nil
}

// --- check 11: network policy ----------------------------------------------------

func (g *Gate) checkNetwork(st *state.State) *IntegrityFailure {
	lang := strings.ToLower(st.TargetLanguage)
	for _, text := range codeBodies(st) {
		var evidence string
		switch lang {
		case "python":
			evidence = g.python.findNetworkUse(text)
		case "bash", "shell", "sh":
			evidence = findShellNetworkUse(text)
		case "javascript", "typescript":
			evidence = findJSNetworkUse(text)
		default:
			// Unknown languages get the shell scan: cheap and catches the
			// common exfiltration commands embedded in scripts.
			evidence = findShellNetworkUse(text)
		}
		if evidence != "" {
			return &IntegrityFailure{
				Category:    CategoryNetwork,
				Evidence:    evidence,
				Remediation: "The sandbox has no network access. Remove network calls; if external data is required, declare it in blocking_issues instead.",
			}
		}
	}
	return nil
}

// --- check 12: dangerous shell commands -------------------------------------------

func (g *Gate) checkDangerousCommands(st *state.State) *IntegrityFailure {
	texts := append(codeBodies(st), st.ExperimentPlan...)
	for _, text := range texts {
		for _, pattern := range dangerousPatterns {
			if pattern.re.MatchString(text) {
				return &IntegrityFailure{
					Category:    CategoryDangerous,
					Evidence:    pattern.name,
					Remediation: fmt.Sprintf("Command pattern %q is never allowed in generated code.", pattern.name),
				}
			}
		}
	}
	return nil
}

// --- check 13: import integrity (Python only) ---------------------------------------

func (g *Gate) checkImportIntegrity(st *state.State) *IntegrityFailure {
	if strings.ToLower(st.TargetLanguage) != "python" {
		return nil
	}
	for _, text := range codeBodies(st) {
		for _, module := range g.python.topLevelImports(text) {
			if !contains(g.config.TrustedPythonPackages, module) {
				return &IntegrityFailure{
					Category: CategoryImports,
					Evidence: module,
					Remediation: fmt.Sprintf(
						"Module %q is not in the trusted-packages list. Use only preapproved packages, or explain in blocking_issues why the task needs it.",
						module),
				}
			}
		}
	}
	return nil
}

// codeBodies returns every code text the gate scans: the main artifact and
// each non-delete patch.
func codeBodies(st *state.State) []string {
	bodies := []string{}
	if st.GeneratedCode != "" {
		bodies = append(bodies, st.GeneratedCode)
	}
	for _, op := range st.PatchOps {
		if op.Op != state.OpDelete && op.Text != "" {
			bodies = append(bodies, op.Text)
		}
	}
	return bodies
}

func firstToken(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
