// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/analysis"
	"github.com/synesis-ai/synesis/services/engine/breaker"
	"github.com/synesis-ai/synesis/services/engine/classifier"
	"github.com/synesis-ai/synesis/services/engine/config"
	"github.com/synesis-ai/synesis/services/engine/contextpack"
	"github.com/synesis-ai/synesis/services/engine/failcache"
	"github.com/synesis-ai/synesis/services/engine/gate"
	"github.com/synesis-ai/synesis/services/engine/graph"
	"github.com/synesis-ai/synesis/services/engine/llm"
	"github.com/synesis-ai/synesis/services/engine/memory"
	"github.com/synesis-ai/synesis/services/engine/revision"
	"github.com/synesis-ai/synesis/services/engine/sandbox"
	"github.com/synesis-ai/synesis/services/engine/stages"
	"github.com/synesis-ai/synesis/services/gateway"
	"github.com/synesis-ai/synesis/services/gateway/handlers"
	"github.com/synesis-ai/synesis/services/gateway/observability"
	"github.com/synesis-ai/synesis/services/retrieval"
)

// runServe wires the full stack and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	// A local .env is a convenience for development; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	log := logging.New(logging.Config{
		Level:   parseLevel(logLevel),
		LogDir:  logDir,
		Service: "synesis",
		JSON:    logJSON,
	})
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting synesis",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"analysis_mode", cfg.Analysis.Mode,
		"weaviate_host", cfg.Retrieval.WeaviateHost)

	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	llmClient := llm.NewOpenAIClient(llm.BackendConfig{
		BaseURL:           cfg.Models.BaseURL,
		APIKey:            cfg.Models.APIKey,
		RequestsPerSecond: cfg.Models.RequestsPerSecond,
	}, breakers.For("model_backend"), log)

	modelRouter := llm.NewRouter(llm.ModelTable{
		Supervisor:     cfg.Models.Supervisor,
		Planner:        cfg.Models.Planner,
		WorkerLite:     cfg.Models.WorkerLite,
		WorkerStandard: cfg.Models.WorkerStandard,
		WorkerFull:     cfg.Models.WorkerFull,
		Critic:         cfg.Models.Critic,
		Summarizer:     cfg.Models.Summarizer,
		Default:        cfg.Models.Default,
	})

	// The vector store is optional: without it retrieval, analogous
	// failure lookup, and the knowledge backlog degrade to no-ops.
	var weaviateClient *weaviate.Client
	if cfg.Retrieval.WeaviateHost != "" {
		weaviateClient, err = weaviate.NewClient(weaviate.Config{
			Host:   cfg.Retrieval.WeaviateHost,
			Scheme: cfg.Retrieval.WeaviateScheme,
		})
		if err != nil {
			log.Warn("weaviate client init failed, retrieval degraded", "error", err)
			weaviateClient = nil
		}
	} else {
		log.Info("no weaviate host configured, retrieval degraded")
	}

	embeddings := retrieval.NewEmbeddingsClient(retrieval.EmbeddingsConfig{
		EmbeddingsURL: cfg.Retrieval.EmbeddingsURL,
		RerankURL:     cfg.Retrieval.RerankURL,
		Timeout:       cfg.Retrieval.Timeout,
	}, nil, breakers)

	retriever := retrieval.NewService(retrieval.DefaultServiceConfig(), weaviateClient, embeddings, log)
	if weaviateClient != nil {
		interval := time.Duration(cfg.Retrieval.BM25RefreshSecs) * time.Second
		retriever.BM25().StartRefreshLoop(ctx, interval)
	}

	packs := contextpack.New(contextpack.Config{
		TopK:            cfg.Context.TopK,
		Overfetch:       cfg.Context.Overfetch,
		ScoreThreshold:  cfg.Context.ScoreThreshold,
		AlertThreshold:  cfg.Context.AlertThreshold,
		CharBudget:      cfg.Context.CharBudget,
		DriftThreshold:  cfg.Context.DriftThreshold,
		CurationMode:    contextpack.CurationMode(cfg.Context.CurationMode),
		Sanitize:        contextpack.SanitizeAction(cfg.Context.SanitizeAction),
		ProjectManifest: cfg.Context.ProjectManifest,
	}, retriever, log)

	db, err := openMemoryDB(cfg.Memory.BadgerPath, log)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer db.Close()

	summarizer := stages.NewEraSummarizer(llmClient, modelRouter)
	mem := memory.New(memory.Config{
		MaxUsers:    cfg.Memory.MaxUsers,
		MaxTurns:    cfg.Memory.MaxTurns,
		TurnTTL:     cfg.Memory.TurnTTL,
		QuestionTTL: cfg.Memory.QuestionTTL,
	}, db, summarizer, log)

	failfast := failcache.NewFailFast(0, 0)
	failstore := failcache.NewStore(weaviateClient, embeddings, log)

	analysisClient := analysis.NewClient(analysis.Config{
		BaseURL: cfg.Analysis.BaseURL,
		Timeout: cfg.Analysis.Timeout,
	}, nil, breakers, log)

	sandboxClient := sandbox.NewClient(sandbox.Config{
		WarmPoolURL:  cfg.Sandbox.WarmPoolURL,
		EphemeralURL: cfg.Sandbox.EphemeralURL,
		Timeout:      cfg.Sandbox.Timeout,
	}, nil, log)

	stageTimeout := cfg.Budgets.StageTimeout
	analysisMode := stages.AnalysisMode(cfg.Analysis.Mode)
	stageList := []stages.Stage{
		stages.NewEntry(newClassifier(cfg, log), mem, stageTimeout, log),
		stages.NewSupervisor(llmClient, modelRouter, failfast, failstore, stageTimeout, log),
		stages.NewPlanner(llmClient, modelRouter, stageTimeout, log),
		stages.NewCurator(packs, stageTimeout, log),
		stages.NewWorker(llmClient, modelRouter, stageTimeout, log),
		stages.NewGateStage(gate.New(gate.DefaultConfig()), stageTimeout, log),
		stages.NewLSPStage(analysisClient, analysisMode, stageTimeout, log),
		stages.NewSandboxStage(sandboxClient, cfg.Sandbox.Timeout, log),
		stages.NewCritic(llmClient, modelRouter, failfast, failstore, stageTimeout, log),
		stages.NewRespond(mem, cfg.Memory.QuestionTTL, stageTimeout, log),
	}

	graphConfig := graph.DefaultConfig()
	graphConfig.AnalysisMode = analysisMode
	engine := graph.New(graphConfig, stageList, revision.New(), log)

	metrics := observability.New()
	server := handlers.NewServer(engine, mem, cfg, metrics, log)
	server.RegisterProbe("memory", func(context.Context) error {
		if db.IsClosed() {
			return errors.New("memory store closed")
		}
		return nil
	})
	if weaviateClient != nil {
		server.RegisterProbe("weaviate", func(ctx context.Context) error {
			ready, err := weaviateClient.Misc().ReadyChecker().Do(ctx)
			if err != nil {
				return err
			}
			if !ready {
				return errors.New("not ready")
			}
			return nil
		})
	}

	// Overlay edits take effect for new requests without a restart.
	// Listener and backend endpoints still need one.
	if err := config.Watch(ctx, log, server.SwapConfig); err != nil {
		log.Warn("config overlay watch unavailable", "error", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gateway.NewRouter(server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Server.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newClassifier loads the tuned taxonomy when one is configured and
// falls back to the built-in defaults otherwise.
func newClassifier(cfg *config.Config, log *logging.Logger) *classifier.Classifier {
	if cfg.ClassifierYAML == "" {
		return classifier.New(nil, log.Slog())
	}
	data, err := os.ReadFile(cfg.ClassifierYAML)
	if err != nil {
		log.Warn("classifier config unreadable, using defaults",
			"path", cfg.ClassifierYAML, "error", err)
		return classifier.New(nil, log.Slog())
	}
	return classifier.NewFromYAML(data, log.Slog())
}

// openMemoryDB opens the badger store, in-memory when no path is set.
func openMemoryDB(path string, log *logging.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
		log.Info("no badger path configured, conversation memory is process-local")
	}
	return badger.Open(opts)
}

// parseLevel maps the CLI flag to a logging level.
func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
