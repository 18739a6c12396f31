// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier implements the deterministic intent classifier.
//
// The classifier is a YAML-driven keyword scorer: no model calls, no I/O.
// It assigns task size, target language, interaction mode, and routing
// hints from the most recent user content. Industry overlays merge into
// the core table with deterministic rules; hard-fenced behavior cannot be
// overridden by YAML.
//
// The classifier never fails a request: a malformed config falls back to
// a built-in minimal table with a warning.
//
// Thread Safety:
//
//	Classifier is immutable after construction and safe for concurrent use.
package classifier

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/synesis-ai/synesis/services/engine/state"
)

// clarification budgets per size class. Trivial is hard-fenced to zero.
const (
	clarificationBudgetSmall   = 1
	clarificationBudgetComplex = 2
)

// Result is the classifier's full output for one request.
type Result struct {
	TaskSize         state.TaskSize
	TargetLanguage   string
	InteractionMode  state.InteractionMode
	WorkerPromptTier string
	BypassSupervisor bool
	BypassPlanner    bool
	PlanRequired     bool

	// ClarificationBudget caps how many questions later stages may ask.
	ClarificationBudget int

	// ActiveDomainRefs lists domains attributed by pairings.
	ActiveDomainRefs []string

	// MessageOrigin is "ui_helper" for suggest-followup / title-generator
	// prompts, else "user".
	MessageOrigin string

	// Score is the raw keyword score that produced TaskSize.
	Score float64

	// CategoriesFired lists the categories that matched, sorted.
	CategoriesFired []string

	// Trivial seeding (populated only when TaskSize == trivial).
	TaskDescription string
	TouchedFiles    []string
	DefaultsUsed    []string
	AllowedTools    []string
}

// compiledCategory holds a category with pre-compiled patterns.
type compiledCategory struct {
	name     string
	weight   float64
	patterns []*regexp.Regexp
}

// compiledLanguage holds one ordered language rule.
type compiledLanguage struct {
	name    string
	pattern *regexp.Regexp
}

// Classifier scores user content against a compiled config.
type Classifier struct {
	categories []compiledCategory
	pairings   []Pairing
	densityTax DensityTax
	teach      EducationalDiscount
	teachRes   []*regexp.Regexp
	overrides  Overrides
	thresholds Thresholds
	languages  []compiledLanguage
	uiHelpers  []*regexp.Regexp
	logger     *slog.Logger
}

// New compiles a classifier from the given config.
//
// Description:
//
//	Pre-compiles every pattern once. A nil config uses the built-in table.
//	Patterns that fail to compile are skipped with a warning; if the
//	entire config is unusable the minimal fallback table is compiled
//	instead, so New never fails.
//
// Inputs:
//
//	cfg    - Parsed configuration, or nil for the default table.
//	logger - Destination for config warnings. Must not be nil.
//
// Outputs:
//
//	*Classifier - Ready-to-use classifier, never nil.
func New(cfg *Config, logger *slog.Logger) *Classifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c, ok := compile(cfg, logger)
	if !ok {
		logger.Warn("classifier config unusable, falling back to minimal table")
		fallback, _ := ParseConfig([]byte(minimalFallbackYAML))
		c, _ = compile(fallback, logger)
	}
	return c
}

// NewFromYAML parses and compiles external YAML, falling back to the
// default table on malformed input. Never returns an error.
func NewFromYAML(data []byte, logger *slog.Logger) *Classifier {
	cfg, err := ParseConfig(data)
	if err != nil {
		logger.Warn("malformed classifier config, using built-in table", "error", err)
		return New(nil, logger)
	}
	return New(cfg, logger)
}

func compile(cfg *Config, logger *slog.Logger) (*Classifier, bool) {
	c := &Classifier{
		pairings:   cfg.Pairings,
		densityTax: cfg.DensityTax,
		teach:      cfg.Teach,
		overrides:  cfg.Overrides,
		thresholds: cfg.Thresholds,
		logger:     logger,
	}

	names := make([]string, 0, len(cfg.Categories))
	for name := range cfg.Categories {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration

	for _, name := range names {
		cat := cfg.Categories[name]
		compiled := compiledCategory{name: name, weight: cat.Weight}
		for _, p := range cat.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				logger.Warn("skipping invalid category pattern", "category", name, "pattern", p, "error", err)
				continue
			}
			compiled.patterns = append(compiled.patterns, re)
		}
		if len(compiled.patterns) > 0 {
			c.categories = append(c.categories, compiled)
		}
	}
	if len(c.categories) == 0 {
		return nil, false
	}

	for _, p := range cfg.Teach.Patterns {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			c.teachRes = append(c.teachRes, re)
		}
	}
	for _, lang := range cfg.Languages {
		if re, err := regexp.Compile("(?i)" + lang.Pattern); err == nil {
			c.languages = append(c.languages, compiledLanguage{name: lang.Name, pattern: re})
		} else {
			logger.Warn("skipping invalid language pattern", "language", lang.Name, "error", err)
		}
	}
	for _, p := range cfg.UIHelpers {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			c.uiHelpers = append(c.uiHelpers, re)
		}
	}
	return c, true
}

// Classify scores the most recent user content.
//
// Description:
//
//	Pure function of the input and the compiled table: keyword weights,
//	ordered pairings with risk multipliers and domain attribution, a
//	density tax when many categories fire, an educational discount for
//	teach triggers, then force_* overrides and threshold mapping. UI
//	helper prompts are classified away from the coding workflow.
//
// Inputs:
//
//	content - Most recent user message content.
//
// Outputs:
//
//	Result - The complete classification. Never an error.
func (c *Classifier) Classify(content string) Result {
	lower := strings.ToLower(content)

	// UI helpers short-circuit everything else.
	for _, re := range c.uiHelpers {
		if re.MatchString(content) {
			return Result{
				MessageOrigin:   "ui_helper",
				TaskSize:        state.SizeTrivial,
				InteractionMode: state.ModeDo,
			}
		}
	}

	res := Result{MessageOrigin: "user", InteractionMode: state.ModeDo}

	// Keyword categories.
	var score float64
	for _, cat := range c.categories {
		for _, re := range cat.patterns {
			if re.MatchString(content) {
				score += cat.weight
				res.CategoriesFired = append(res.CategoriesFired, cat.name)
				break
			}
		}
	}

	// Ordered pairings: second keyword must appear after the first.
	domains := map[string]bool{}
	for _, p := range c.pairings {
		first := strings.Index(lower, strings.ToLower(p.First))
		if first < 0 {
			continue
		}
		second := strings.Index(lower[first+len(p.First):], strings.ToLower(p.Second))
		if second < 0 {
			continue
		}
		score *= p.Multiplier
		if p.Domain != "" && !domains[p.Domain] {
			domains[p.Domain] = true
			res.ActiveDomainRefs = append(res.ActiveDomainRefs, p.Domain)
		}
	}

	// Density tax.
	if c.densityTax.MinCategories > 0 && len(res.CategoriesFired) >= c.densityTax.MinCategories {
		score += c.densityTax.Penalty
	}

	// Educational discount.
	teachTriggered := false
	for _, re := range c.teachRes {
		if re.MatchString(content) {
			teachTriggered = true
			score -= c.teach.Discount
			break
		}
	}
	if score < 0 {
		score = 0
	}

	// Overrides.
	forceManual := containsAnyTrigger(content, c.overrides.ForceManual)
	if containsAnyTrigger(content, c.overrides.ForceTeach) || teachTriggered {
		res.InteractionMode = state.ModeTeach
	}
	forcePro := containsAnyTrigger(content, c.overrides.ForceProAdvanced)

	if forceManual {
		score = saturatedScore
	}
	res.Score = score

	// Thresholds map score to size.
	switch {
	case forceManual:
		res.TaskSize = state.SizeComplex
	case score <= c.thresholds.TrivialMax:
		res.TaskSize = state.SizeTrivial
	case score <= c.thresholds.SmallMax:
		res.TaskSize = state.SizeSmall
	default:
		res.TaskSize = state.SizeComplex
	}

	res.TargetLanguage = c.detectLanguage(content)

	// Routing hints and tier per size.
	switch res.TaskSize {
	case state.SizeTrivial:
		res.BypassSupervisor = !forceManual
		res.BypassPlanner = true
		res.WorkerPromptTier = "lite"
		if allowQuestionsForTrivial {
			res.ClarificationBudget = 1
		}
		c.seedTrivial(&res, content)
	case state.SizeSmall:
		res.WorkerPromptTier = "standard"
		res.ClarificationBudget = clarificationBudgetSmall
	default:
		res.WorkerPromptTier = "full"
		res.PlanRequired = true
		res.ClarificationBudget = clarificationBudgetComplex
	}
	if forcePro {
		res.WorkerPromptTier = "full"
	}
	return res
}

// detectLanguage applies the ordered language regexes (specific before
// general, order preserved from config).
func (c *Classifier) detectLanguage(content string) string {
	for _, lang := range c.languages {
		if lang.pattern.MatchString(content) {
			return lang.name
		}
	}
	return ""
}

// seedTrivial fills the trivial-task seed: task description, touched
// files, defaults used, and the allowed-tool set.
func (c *Classifier) seedTrivial(res *Result, content string) {
	res.TaskDescription = strings.TrimSpace(content)

	lang := res.TargetLanguage
	if lang == "" {
		lang = "python"
		res.DefaultsUsed = append(res.DefaultsUsed, "target_language=python")
	}

	name := "main"
	if regexp.MustCompile(`(?i)\btests?\b`).MatchString(content) {
		name = "test_main"
	}
	ext := extensionFor(lang)
	res.TouchedFiles = []string{fmt.Sprintf("%s%s", name, ext)}
	res.DefaultsUsed = append(res.DefaultsUsed, "touched_files="+res.TouchedFiles[0])
	res.AllowedTools = []string{"sandbox.execute", "analysis.analyze"}
}

func extensionFor(language string) string {
	switch language {
	case "python":
		return ".py"
	case "go":
		return ".go"
	case "rust":
		return ".rs"
	case "typescript":
		return ".ts"
	case "javascript":
		return ".js"
	case "bash":
		return ".sh"
	default:
		return ".txt"
	}
}

func containsAnyTrigger(content string, triggers []string) bool {
	for _, trigger := range triggers {
		if trigger != "" && strings.Contains(strings.ToLower(content), strings.ToLower(trigger)) {
			return true
		}
	}
	return false
}
