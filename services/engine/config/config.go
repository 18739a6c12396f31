// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config resolves every engine tunable from a hierarchical
// defaults policy: code defaults, then the organization YAML, then the
// project YAML, then SYNESIS_-prefixed environment variables. Hard
// fences are applied last and ignore all overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the common prefix for all environment tunables.
const EnvPrefix = "SYNESIS_"

// ServerConfig is the gateway listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	ModelName  string `yaml:"model_name" validate:"required"`
}

// ModelsConfig locates the model backends.
type ModelsConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	Supervisor     string `yaml:"supervisor"`
	Planner        string `yaml:"planner"`
	WorkerLite     string `yaml:"worker_lite"`
	WorkerStandard string `yaml:"worker_standard"`
	WorkerFull     string `yaml:"worker_full"`
	Critic         string `yaml:"critic"`
	Summarizer     string `yaml:"summarizer"`
	Default        string `yaml:"default" validate:"required"`
}

// RetrievalConfig locates the retrieval stack.
type RetrievalConfig struct {
	WeaviateHost    string        `yaml:"weaviate_host"`
	WeaviateScheme  string        `yaml:"weaviate_scheme"`
	EmbeddingsURL   string        `yaml:"embeddings_url"`
	RerankURL       string        `yaml:"rerank_url"`
	BM25RefreshSecs int           `yaml:"bm25_refresh_seconds" validate:"gt=0"`
	Timeout         time.Duration `yaml:"timeout"`
}

// SandboxConfig locates the execution services.
type SandboxConfig struct {
	WarmPoolURL  string        `yaml:"warm_pool_url"`
	EphemeralURL string        `yaml:"ephemeral_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// AnalysisConfig locates the static-analysis gateway.
type AnalysisConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// Mode is "pre_execution", "on_failure", or "off".
	Mode string `yaml:"mode" validate:"oneof=pre_execution on_failure off"`
}

// BudgetsConfig caps per-traversal resource use.
type BudgetsConfig struct {
	MaxIterations          int     `yaml:"max_iterations" validate:"gt=0"`
	TokenBudget            int     `yaml:"token_budget" validate:"gt=0"`
	MaxSandboxMinutes      float64 `yaml:"max_sandbox_minutes" validate:"gt=0"`
	MaxLSPCalls            int     `yaml:"max_lsp_calls" validate:"gte=0"`
	MaxEvidenceExperiments int     `yaml:"max_evidence_experiments" validate:"gte=0"`
	StageTimeout           time.Duration `yaml:"stage_timeout"`
}

// ContextConfig tunes the pack builder.
type ContextConfig struct {
	TopK            int     `yaml:"top_k" validate:"gt=0"`
	Overfetch       int     `yaml:"overfetch" validate:"gt=0"`
	ScoreThreshold  float64 `yaml:"score_threshold"`
	AlertThreshold  float64 `yaml:"alert_threshold"`
	CharBudget      int     `yaml:"char_budget" validate:"gt=0"`
	DriftThreshold  float64 `yaml:"drift_threshold"`
	CurationMode    string  `yaml:"curation_mode" validate:"oneof=adaptive static"`
	SanitizeAction  string  `yaml:"sanitize_action" validate:"oneof=reduce block log"`
	ProjectManifest string  `yaml:"-"`
}

// MemoryConfig tunes conversation memory.
type MemoryConfig struct {
	BadgerPath  string        `yaml:"badger_path"`
	MaxUsers    int           `yaml:"max_users" validate:"gt=0"`
	MaxTurns    int           `yaml:"max_turns" validate:"gt=0"`
	TurnTTL     time.Duration `yaml:"turn_ttl"`
	QuestionTTL time.Duration `yaml:"question_ttl"`
}

// Fences are hard-fenced invariants. They are not YAML-addressable and
// env or overlay values never change them.
type Fences struct {
	// AllowQuestionsForTrivial stays false: trivial tasks never ask.
	AllowQuestionsForTrivial bool

	// SandboxNetworkEnabled stays false: the sandbox contract is
	// no-network.
	SandboxNetworkEnabled bool
}

// Config is the resolved engine configuration.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Models        ModelsConfig    `yaml:"models"`
	Retrieval     RetrievalConfig `yaml:"retrieval"`
	Sandbox       SandboxConfig   `yaml:"sandbox"`
	Analysis      AnalysisConfig  `yaml:"analysis"`
	Budgets       BudgetsConfig   `yaml:"budgets"`
	Context       ContextConfig   `yaml:"context"`
	Memory        MemoryConfig    `yaml:"memory"`
	ClassifierYAML string         `yaml:"-"`

	Fences Fences `yaml:"-"`
}

// Default returns the code-level defaults, the bottom of the override
// hierarchy.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			ModelName:  "synesis",
		},
		Models: ModelsConfig{
			Default: "gpt-4o-mini",
		},
		Retrieval: RetrievalConfig{
			WeaviateScheme:  "http",
			BM25RefreshSecs: 300,
			Timeout:         15 * time.Second,
		},
		Sandbox: SandboxConfig{
			Timeout: 120 * time.Second,
		},
		Analysis: AnalysisConfig{
			Timeout: 30 * time.Second,
			Mode:    "on_failure",
		},
		Budgets: BudgetsConfig{
			MaxIterations:          3,
			TokenBudget:            200_000,
			MaxSandboxMinutes:      10,
			MaxLSPCalls:            10,
			MaxEvidenceExperiments: 3,
			StageTimeout:           90 * time.Second,
		},
		Context: ContextConfig{
			TopK:           6,
			Overfetch:      3,
			ScoreThreshold: 0.25,
			AlertThreshold: 0.75,
			CharBudget:     24000,
			DriftThreshold: 0.2,
			CurationMode:   "adaptive",
			SanitizeAction: "reduce",
		},
		Memory: MemoryConfig{
			MaxUsers:    1000,
			MaxTurns:    20,
			TurnTTL:     24 * time.Hour,
			QuestionTTL: 30 * time.Minute,
		},
	}
}

// Load resolves the full hierarchy.
//
// Description:
//
//	Starts from Default, merges the organization YAML (path in
//	SYNESIS_ORG_DEFAULTS), then the project YAML (path in
//	SYNESIS_PROJECT_MANIFEST, also recorded as the Tier 3 manifest
//	text), then environment variables, then re-applies hard fences and
//	validates. A missing overlay file is not an error; a malformed one
//	is.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvPrefix + "ORG_DEFAULTS"); path != "" {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return nil, fmt.Errorf("org defaults: %w", err)
		}
	}
	if path := os.Getenv(EnvPrefix + "PROJECT_MANIFEST"); path != "" {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return nil, fmt.Errorf("project manifest: %w", err)
		}
		if data, err := os.ReadFile(path); err == nil {
			cfg.Context.ProjectManifest = string(data)
		}
	}

	cfg.applyEnv()
	cfg.enforceFences()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeYAMLFile overlays one YAML file: later values win per key.
func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// Unmarshal into the live struct: absent keys keep prior values,
	// present keys override (last wins).
	return yaml.Unmarshal(data, c)
}

// applyEnv overrides from SYNESIS_-prefixed variables.
func (c *Config) applyEnv() {
	envStr(&c.Server.ListenAddr, "LISTEN_ADDR")
	envStr(&c.Server.ModelName, "MODEL_NAME")
	envStr(&c.Models.BaseURL, "MODEL_BASE_URL")
	envStr(&c.Models.APIKey, "MODEL_API_KEY")
	envStr(&c.Models.Default, "MODEL_DEFAULT")
	envStr(&c.Retrieval.WeaviateHost, "WEAVIATE_HOST")
	envStr(&c.Retrieval.WeaviateScheme, "WEAVIATE_SCHEME")
	envStr(&c.Retrieval.EmbeddingsURL, "EMBEDDINGS_URL")
	envStr(&c.Retrieval.RerankURL, "RERANK_URL")
	envStr(&c.Sandbox.WarmPoolURL, "SANDBOX_WARM_POOL_URL")
	envStr(&c.Sandbox.EphemeralURL, "SANDBOX_EPHEMERAL_URL")
	envStr(&c.Analysis.BaseURL, "ANALYSIS_URL")
	envStr(&c.Analysis.Mode, "ANALYSIS_MODE")
	envStr(&c.Memory.BadgerPath, "BADGER_PATH")
	envStr(&c.Context.CurationMode, "CURATION_MODE")
	envStr(&c.Context.SanitizeAction, "SANITIZE_ACTION")
	envStr(&c.ClassifierYAML, "CLASSIFIER_CONFIG")

	envInt(&c.Budgets.MaxIterations, "MAX_ITERATIONS")
	envInt(&c.Budgets.TokenBudget, "TOKEN_BUDGET")
	envInt(&c.Budgets.MaxLSPCalls, "MAX_LSP_CALLS")
	envInt(&c.Budgets.MaxEvidenceExperiments, "MAX_EVIDENCE_EXPERIMENTS")
	envInt(&c.Context.TopK, "CONTEXT_TOP_K")
	envInt(&c.Context.CharBudget, "CONTEXT_CHAR_BUDGET")
	envInt(&c.Retrieval.BM25RefreshSecs, "BM25_REFRESH_SECONDS")

	envFloat(&c.Budgets.MaxSandboxMinutes, "MAX_SANDBOX_MINUTES")
	envFloat(&c.Context.ScoreThreshold, "CONTEXT_SCORE_THRESHOLD")
	envFloat(&c.Context.DriftThreshold, "CONTEXT_DRIFT_THRESHOLD")
	envFloat(&c.Models.RequestsPerSecond, "MODEL_RPS")
}

// enforceFences re-applies the hard-fenced invariants after all
// overrides.
func (c *Config) enforceFences() {
	c.Fences.AllowQuestionsForTrivial = false
	c.Fences.SandboxNetworkEnabled = false
}

// Validate checks the resolved config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
