// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gate

import "regexp"

// namedPattern pairs a compiled regex with a stable evidence name.
type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// symlinkCreation matches symlink creation inside patch content.
var symlinkCreation = regexp.MustCompile(`\bln\s+(-[a-zA-Z]*s[a-zA-Z]*)\s`)

// writeIndicator marks shell constructs that write to a file path.
var writeIndicator = regexp.MustCompile(`(>>?|\bcp\b|\bmv\b|\bsed\s+(-[a-zA-Z]*\s+)*-i\b)`)

// lockfileNames is the write denylist. Lockfiles are machine-generated;
// hand edits break reproducible installs.
var lockfileNames = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"Cargo.lock",
	"poetry.lock",
	"Pipfile.lock",
	"go.sum",
	"composer.lock",
	"Gemfile.lock",
}

// installCommand matches package-installation commands in experiment plans.
var installCommand = regexp.MustCompile(
	`\b(pip3?\s+install|npm\s+install|yarn\s+add|pnpm\s+add|go\s+get|cargo\s+add|gem\s+install|apt(-get)?\s+install|brew\s+install)\b`)

// secretPatterns detect embedded credentials.
var secretPatterns = []namedPattern{
	{
		name: "api_key_assignment",
		re:   regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password)\b\s*[:=]\s*["'][A-Za-z0-9_\-/+=]{16,}["']`),
	},
	{
		name: "private_key_header",
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA|EC|DSA|OPENSSH|PGP)?\s*PRIVATE KEY( BLOCK)?-----`),
	},
	{
		name: "aws_access_key",
		re:   regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
}

// dangerousPatterns are never allowed in generated code or experiments.
var dangerousPatterns = []namedPattern{
	{name: "rm -rf", re: regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*r[a-zA-Z]*f|\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*f[a-zA-Z]*r`)},
	{name: "curl|bash", re: regexp.MustCompile(`\b(curl|wget)\b[^\n|]*\|\s*(ba)?sh\b`)},
	{name: "fork bomb", re: regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
}

// shellNetworkPattern matches network tools after string/comment stripping.
var shellNetworkPattern = regexp.MustCompile(`\b(curl|wget|nc|ncat|netcat)\b|/dev/tcp/`)

// jsNetworkPatterns match network use in JavaScript/TypeScript source.
var jsNetworkPatterns = []namedPattern{
	{name: "fetch", re: regexp.MustCompile(`\bfetch\s*\(`)},
	{name: "axios", re: regexp.MustCompile(`\baxios\b`)},
	{name: "remote require", re: regexp.MustCompile(`\brequire\s*\(\s*["'](https?:)?//`)},
	{name: "http module", re: regexp.MustCompile(`\brequire\s*\(\s*["'](node:)?https?["']\s*\)`)},
}

// shellString matches single- and double-quoted shell string literals.
var shellString = regexp.MustCompile(`'[^']*'|"(\\.|[^"\\])*"`)

// shellComment matches a comment to end of line.
var shellComment = regexp.MustCompile(`(^|\s)#[^\n]*`)

// findShellNetworkUse strips string literals and single-line comments,
// then scans for network tools. Literal mentions inside strings and
// comments are therefore accepted.
func findShellNetworkUse(text string) string {
	stripped := shellString.ReplaceAllString(text, `""`)
	stripped = shellComment.ReplaceAllString(stripped, "")
	if m := shellNetworkPattern.FindString(stripped); m != "" {
		return m
	}
	return ""
}

// findJSNetworkUse scans JavaScript/TypeScript for network calls.
func findJSNetworkUse(text string) string {
	for _, pattern := range jsNetworkPatterns {
		if pattern.re.MatchString(text) {
			return pattern.name
		}
	}
	return ""
}
