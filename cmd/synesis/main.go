// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command synesis starts the Synesis orchestration gateway.
//
// The gateway exposes an OpenAI-compatible chat surface in front of the
// staged engine. Configuration resolves from code defaults, then the
// organization YAML, then the project YAML, then SYNESIS_-prefixed
// environment variables.
//
// # Environment Variables
//
//   - SYNESIS_LISTEN_ADDR: HTTP listen address (default: :8080)
//   - SYNESIS_MODEL_BASE_URL: OpenAI-compatible backend (default: OpenAI)
//   - SYNESIS_WEAVIATE_HOST: vector store host (optional; retrieval
//     degrades gracefully when absent)
//   - SYNESIS_ORG_DEFAULTS / SYNESIS_PROJECT_MANIFEST: YAML overlay paths
//
// # Usage
//
//	go build -o synesis ./cmd/synesis
//	./synesis serve
package main

import (
	"log"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	logLevel string
	logJSON  bool
	logDir   string

	rootCmd = &cobra.Command{
		Use:   "synesis",
		Short: "Synesis staged coding-request orchestrator",
		Long: `Synesis fronts a set of model backends with a staged engine:
classification, supervision, planning, context curation, generation,
integrity gating, sandboxed execution, and safety critique.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", true, "emit JSON logs on stderr")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
