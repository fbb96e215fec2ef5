// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads orchestrator settings from the environment, an
// optional .env file and an optional YAML file.
//
// Precedence, highest first: process environment, .env, YAML file, defaults.
// Every key maps to an environment variable by upper-casing it and replacing
// dots with underscores, so "orchestrator.port" is ORCHESTRATOR_PORT and
// "llm.backend_type" is LLM_BACKEND_TYPE.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.port", 12210)
	v.SetDefault("gin.mode", "")

	v.SetDefault("llm.backend_type", "openai")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("ollama.base_url", "")
	v.SetDefault("ollama.model", "")

	v.SetDefault("embedding.backend", "openai")
	v.SetDefault("embedding.service_url", "")
	v.SetDefault("weaviate.service_url", "")
	v.SetDefault("weaviate.class", "ProfileChunk")

	v.SetDefault("session_store.backend", "sqlite")
	v.SetDefault("sqlite.dsn", "file:folio.db")
	v.SetDefault("badger.path", "./data/badger")

	v.SetDefault("chat.rate_limit", 10)
	v.SetDefault("chat.rate_window", "60s")
	v.SetDefault("notify.rate_limit", 3)
	v.SetDefault("notify.rate_window", "1h")
	v.SetDefault("chat.relevance_floor", 0.6)
	v.SetDefault("search.relevance_floor", 0.7)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("history.limit", 10)

	v.SetDefault("notifier.backend", "log")
	v.SetDefault("resend.api_key", "")
	v.SetDefault("notify.from", "")
	v.SetDefault("notify.to", "")

	v.SetDefault("trusted.proxies", []string{})

	v.SetDefault("otel.exporter_otlp_endpoint", "")
	v.SetDefault("persona.name", "")
	v.SetDefault("contact.fallback", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.dir", "")
}

// Load builds an orchestrator.Config.
//
// # Inputs
//
//   - configPath: Optional YAML file. Empty skips it; a named file that
//     cannot be read is an error.
//   - envFiles: Dotenv files to load. Defaults to DefaultEnvFile. Missing
//     files are skipped. Variables already set in the process win.
func Load(configPath string, envFiles ...string) (orchestrator.Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	for _, p := range envFiles {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return orchestrator.Config{}, fmt.Errorf("failed to load %s: %w", p, err)
		}
		slog.Debug("Loaded environment file", "path", p)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return orchestrator.Config{}, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := orchestrator.Config{
		Port:    v.GetInt("orchestrator.port"),
		GinMode: v.GetString("gin.mode"),

		LLMBackend:    strings.ToLower(v.GetString("llm.backend_type")),
		OpenAIAPIKey:  v.GetString("openai.api_key"),
		OpenAIModel:   v.GetString("openai.model"),
		OpenAIBaseURL: v.GetString("openai.base_url"),
		OllamaBaseURL: v.GetString("ollama.base_url"),
		OllamaModel:   v.GetString("ollama.model"),

		EmbeddingBackend:    strings.ToLower(v.GetString("embedding.backend")),
		EmbeddingServiceURL: v.GetString("embedding.service_url"),
		WeaviateURL:         v.GetString("weaviate.service_url"),
		WeaviateClass:       v.GetString("weaviate.class"),

		SessionStoreBackend: strings.ToLower(v.GetString("session_store.backend")),
		SQLiteDSN:           v.GetString("sqlite.dsn"),
		BadgerPath:          v.GetString("badger.path"),

		ChatRateLimit:        v.GetInt("chat.rate_limit"),
		ChatRateWindow:       v.GetDuration("chat.rate_window"),
		NotifyRateLimit:      v.GetInt("notify.rate_limit"),
		NotifyRateWindow:     v.GetDuration("notify.rate_window"),
		ChatRelevanceFloor:   v.GetFloat64("chat.relevance_floor"),
		SearchRelevanceFloor: v.GetFloat64("search.relevance_floor"),
		RetrievalTopK:        v.GetInt("retrieval.top_k"),
		HistoryLimit:         v.GetInt("history.limit"),

		NotifierBackend: strings.ToLower(v.GetString("notifier.backend")),
		ResendAPIKey:    v.GetString("resend.api_key"),
		NotifyFrom:      v.GetString("notify.from"),
		NotifyTo:        v.GetString("notify.to"),

		TrustedProxies: splitList(v.GetStringSlice("trusted.proxies")),

		OTelEndpoint:    v.GetString("otel.exporter_otlp_endpoint"),
		PersonaName:     v.GetString("persona.name"),
		ContactFallback: v.GetString("contact.fallback"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		LogDir:    v.GetString("log.dir"),
	}

	if err := validate(cfg); err != nil {
		return orchestrator.Config{}, err
	}
	return cfg, nil
}

// splitList flattens comma or space separated entries, so TRUSTED_PROXIES
// accepts "10.0.0.1,10.0.0.0/8" as well as a YAML list.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		out = append(out, strings.FieldsFunc(item, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})...)
	}
	return out
}

func validate(cfg orchestrator.Config) error {
	var errs []error
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("ORCHESTRATOR_PORT out of range: %d", cfg.Port))
	}
	if cfg.ChatRateLimit <= 0 || cfg.ChatRateWindow <= 0 {
		errs = append(errs, errors.New("CHAT_RATE_LIMIT and CHAT_RATE_WINDOW must be positive"))
	}
	if cfg.NotifyRateLimit <= 0 || cfg.NotifyRateWindow <= 0 {
		errs = append(errs, errors.New("NOTIFY_RATE_LIMIT and NOTIFY_RATE_WINDOW must be positive"))
	}
	for name, f := range map[string]float64{
		"CHAT_RELEVANCE_FLOOR":   cfg.ChatRelevanceFloor,
		"SEARCH_RELEVANCE_FLOOR": cfg.SearchRelevanceFloor,
	} {
		// 0 is indistinguishable from unset further down, so it is refused here.
		if f <= 0 || f > 1 {
			errs = append(errs, fmt.Errorf("%s must be within (0, 1]: %v", name, f))
		}
	}
	return errors.Join(errs...)
}
