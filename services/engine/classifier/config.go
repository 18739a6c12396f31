// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML configuration
// =============================================================================

// Category is one keyword-weighted scoring category.
type Category struct {
	// Weight added to the score when any pattern matches.
	Weight float64 `yaml:"weight"`

	// Patterns are case-insensitive regular expressions.
	Patterns []string `yaml:"patterns"`
}

// Pairing is an ordered keyword tuple that adds a risk multiplier and
// attributes a domain (e.g. cluster + pod -> kubernetes).
type Pairing struct {
	First      string  `yaml:"first"`
	Second     string  `yaml:"second"`
	Multiplier float64 `yaml:"multiplier"`
	Domain     string  `yaml:"domain"`
}

// DensityTax adds a fixed penalty when many categories fire at once.
type DensityTax struct {
	MinCategories int     `yaml:"min_categories"`
	Penalty       float64 `yaml:"penalty"`
}

// EducationalDiscount subtracts from the score when teach triggers fire.
type EducationalDiscount struct {
	Patterns []string `yaml:"patterns"`
	Discount float64  `yaml:"discount"`
}

// Overrides are trigger lists that bypass scoring entirely.
type Overrides struct {
	// ForceManual triggers route through the supervisor, override size to
	// complex, and saturate the score (e.g. "[STRICT]", "/plan", "@plan").
	ForceManual []string `yaml:"force_manual"`

	// ForceTeach triggers set interaction_mode = teach.
	ForceTeach []string `yaml:"force_teach"`

	// ForceProAdvanced triggers set the worker prompt tier to full.
	ForceProAdvanced []string `yaml:"force_pro_advanced"`
}

// Thresholds map score to task size.
type Thresholds struct {
	TrivialMax float64 `yaml:"trivial_max"`
	SmallMax   float64 `yaml:"small_max"`
}

// LanguageRule is one ordered language-detection regex. Specific rules
// (e.g. typescript) must precede general ones (javascript).
type LanguageRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Config is the data-only classifier configuration. No executable content
// is ever loaded from YAML.
type Config struct {
	Categories map[string]Category `yaml:"categories"`
	Pairings   []Pairing           `yaml:"pairings"`
	DensityTax DensityTax          `yaml:"density_tax"`
	Teach      EducationalDiscount `yaml:"educational_discount"`
	Overrides  Overrides           `yaml:"overrides"`
	Thresholds Thresholds          `yaml:"thresholds"`
	Languages  []LanguageRule      `yaml:"languages"`
	UIHelpers  []string            `yaml:"ui_helpers"`
}

// hard fences: behavior YAML can never override.
const (
	// allowQuestionsForTrivial is fenced to false: trivial tasks never
	// get a clarification budget regardless of overlay content.
	allowQuestionsForTrivial = false

	// saturatedScore is the score assigned by force_manual.
	saturatedScore = 100.0
)

// ParseConfig decodes YAML into a Config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse classifier config: %w", err)
	}
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("parse classifier config: no categories defined")
	}
	return &cfg, nil
}

// Merge applies an industry overlay onto the receiver, returning a new
// Config. Merge rules are deterministic:
//
//   - category weights/patterns update by key, later wins
//   - pairings append
//   - override trigger lists merge per key
//   - thresholds override last-wins when non-zero
//   - languages and ui_helpers append
//
// Hard-fenced behavior is compiled in and unaffected by overlays.
func (c *Config) Merge(overlay *Config) *Config {
	merged := Config{
		Categories: make(map[string]Category, len(c.Categories)+len(overlay.Categories)),
		DensityTax: c.DensityTax,
		Teach:      c.Teach,
		Thresholds: c.Thresholds,
	}
	for name, cat := range c.Categories {
		merged.Categories[name] = cat
	}
	for name, cat := range overlay.Categories {
		merged.Categories[name] = cat
	}

	merged.Pairings = append(append([]Pairing{}, c.Pairings...), overlay.Pairings...)

	merged.Overrides.ForceManual = append(append([]string{}, c.Overrides.ForceManual...), overlay.Overrides.ForceManual...)
	merged.Overrides.ForceTeach = append(append([]string{}, c.Overrides.ForceTeach...), overlay.Overrides.ForceTeach...)
	merged.Overrides.ForceProAdvanced = append(append([]string{}, c.Overrides.ForceProAdvanced...), overlay.Overrides.ForceProAdvanced...)

	if overlay.DensityTax.MinCategories > 0 {
		merged.DensityTax = overlay.DensityTax
	}
	if len(overlay.Teach.Patterns) > 0 || overlay.Teach.Discount != 0 {
		merged.Teach = overlay.Teach
	}
	if overlay.Thresholds.TrivialMax != 0 {
		merged.Thresholds.TrivialMax = overlay.Thresholds.TrivialMax
	}
	if overlay.Thresholds.SmallMax != 0 {
		merged.Thresholds.SmallMax = overlay.Thresholds.SmallMax
	}

	merged.Languages = append(append([]LanguageRule{}, c.Languages...), overlay.Languages...)
	merged.UIHelpers = append(append([]string{}, c.UIHelpers...), overlay.UIHelpers...)
	return &merged
}

// defaultConfigYAML is the built-in scoring table. It is also the fallback
// when an external config is malformed.
const defaultConfigYAML = `
categories:
  infra:
    weight: 20
    patterns: ["kubernetes", "\\bcluster\\b", "terraform", "\\bdeploy(ment)?\\b", "helm", "docker"]
  data_migration:
    weight: 25
    patterns: ["migrat(e|ion)", "\\bschema\\b", "backfill", "\\betl\\b"]
  security_sensitive:
    weight: 30
    patterns: ["\\bauth(entication|orization)?\\b", "\\bcredential", "\\bsecret", "\\bencrypt", "\\btoken\\b"]
  concurrency:
    weight: 20
    patterns: ["\\brace\\b", "deadlock", "\\bmutex\\b", "concurren(t|cy)", "\\bgoroutine", "\\bthread"]
  multi_file:
    weight: 15
    patterns: ["refactor", "across (the )?(files|modules|packages)", "rename .* everywhere", "\\bmodules?\\b"]
  simple_script:
    weight: 2
    patterns: ["hello world", "\\bfizzbuzz\\b", "one-?liner", "\\bsnippet\\b", "simple (script|function)"]
  bugfix:
    weight: 10
    patterns: ["\\bfix\\b", "\\bbug\\b", "stack ?trace", "\\berror\\b", "\\bexception\\b"]
  testing:
    weight: 3
    patterns: ["\\btests?\\b", "unit test", "pytest", "coverage"]
pairings:
  - {first: "cluster", second: "pod", multiplier: 1.5, domain: "kubernetes"}
  - {first: "cluster", second: "patient", multiplier: 1.5, domain: "healthcare"}
  - {first: "schema", second: "production", multiplier: 2.0, domain: "data_migration"}
  - {first: "auth", second: "bypass", multiplier: 2.0, domain: "security"}
density_tax:
  min_categories: 3
  penalty: 15
educational_discount:
  patterns: ["explain", "teach me", "walk me through", "what does .* mean", "help me understand"]
  discount: 10
overrides:
  force_manual: ["[STRICT]", "/plan", "@plan"]
  force_teach: ["/teach", "explain like", "teach me"]
  force_pro_advanced: ["/pro", "[ADVANCED]"]
thresholds:
  trivial_max: 5
  small_max: 25
languages:
  - {name: "typescript", pattern: "\\b(typescript|tsx?|\\.ts\\b)"}
  - {name: "javascript", pattern: "\\b(javascript|node(js)?|\\.js\\b)"}
  - {name: "rust", pattern: "\\b(rust|cargo|\\.rs\\b)"}
  - {name: "go", pattern: "\\b(golang|\\bgo\\b func|\\.go\\b)"}
  - {name: "bash", pattern: "\\b(bash|shell script|\\.sh\\b)"}
  - {name: "python", pattern: "\\b(python|py3?|pip|\\.py\\b)"}
ui_helpers:
  - "suggest \\d+(-\\d+)? (relevant )?follow-?up questions"
  - "generate a (short |concise )?title"
  - "summarize (this|the) conversation"
`

// minimalFallbackYAML is the last-resort table used when both external and
// default configs fail to parse. It never fails: it has one category and
// permissive thresholds.
const minimalFallbackYAML = `
categories:
  generic:
    weight: 10
    patterns: ["refactor", "migrate", "auth", "cluster"]
thresholds:
  trivial_max: 5
  small_max: 25
languages:
  - {name: "python", pattern: "python"}
`

// DefaultConfig returns the built-in scoring table.
func DefaultConfig() *Config {
	cfg, err := ParseConfig([]byte(defaultConfigYAML))
	if err != nil {
		// The built-in table is covered by tests; reaching this means a
		// broken build, not a runtime condition.
		panic(fmt.Sprintf("classifier: built-in config invalid: %v", err))
	}
	return cfg
}
