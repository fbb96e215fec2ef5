// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Folio chat HTTP server.
//
// Configuration comes from the environment, an optional .env file in the
// working directory and an optional YAML file passed with -config.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: openai, ollama or mock (default: openai)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - SESSION_STORE_BACKEND: sqlite or badger (default: sqlite)
//   - NOTIFIER_BACKEND: log or resend (default: log)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: empty, stdout, or host:port (optional)
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	LLM_BACKEND_TYPE=mock ./orchestrator
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianFolio/pkg/logging"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/config"
)

// shutdownGrace bounds how long open streams get to finish.
const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		LogDir:  cfg.LogDir,
		Service: "orchestrator",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
		"session_store", cfg.SessionStoreBackend,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run() }()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Orchestrator error", "error", err)
			exitCode = 1
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown incomplete", "error", err)
		exitCode = 1
	}

	if exitCode != 0 {
		logger.Close()
		os.Exit(exitCode)
	}
}
