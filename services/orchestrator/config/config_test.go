// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noEnvFile keeps a stray .env in the package directory out of the test.
func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

// =============================================================================
// Defaults
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 12210, cfg.Port)
	assert.Equal(t, "ProfileChunk", cfg.WeaviateClass)
	assert.Equal(t, "sqlite", cfg.SessionStoreBackend)
	assert.Equal(t, 10, cfg.ChatRateLimit)
	assert.Equal(t, 60*time.Second, cfg.ChatRateWindow)
	assert.Equal(t, 3, cfg.NotifyRateLimit)
	assert.Equal(t, time.Hour, cfg.NotifyRateWindow)
	assert.Equal(t, 0.6, cfg.ChatRelevanceFloor)
	assert.Equal(t, 0.7, cfg.SearchRelevanceFloor)
	assert.Equal(t, 5, cfg.RetrievalTopK)
	assert.Equal(t, 10, cfg.HistoryLimit)
	assert.Empty(t, cfg.TrustedProxies)
}

// =============================================================================
// Sources
// =============================================================================

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_PORT", "9000")
	t.Setenv("LLM_BACKEND_TYPE", "Mock")
	t.Setenv("SESSION_STORE_BACKEND", "badger")
	t.Setenv("CHAT_RATE_WINDOW", "2m")
	t.Setenv("SEARCH_RELEVANCE_FLOOR", "0.8")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "stdout")
	t.Setenv("WEAVIATE_SERVICE_URL", "http://weaviate:8080")

	cfg, err := Load("", noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "mock", cfg.LLMBackend, "backend names are case-insensitive")
	assert.Equal(t, "badger", cfg.SessionStoreBackend)
	assert.Equal(t, 2*time.Minute, cfg.ChatRateWindow)
	assert.Equal(t, 0.8, cfg.SearchRelevanceFloor)
	assert.Equal(t, "stdout", cfg.OTelEndpoint)
	assert.Equal(t, "http://weaviate:8080", cfg.WeaviateURL)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "folio.yaml", `
orchestrator:
  port: 8088
persona:
  name: Alex
chat:
  rate_limit: 20
notify:
  to: owner@site.dev
`)

	cfg, err := Load(path, noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Port)
	assert.Equal(t, "Alex", cfg.PersonaName)
	assert.Equal(t, 20, cfg.ChatRateLimit)
	assert.Equal(t, "owner@site.dev", cfg.NotifyTo)
}

func TestLoad_EnvironmentBeatsYAML(t *testing.T) {
	path := writeFile(t, "folio.yaml", "orchestrator:\n  port: 8088\n")
	t.Setenv("ORCHESTRATOR_PORT", "7000")

	cfg, err := Load(path, noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
}

func TestLoad_DotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	t.Setenv("PERSONA_NAME", "Process")
	t.Setenv("CONTACT_FALLBACK", "")
	os.Unsetenv("CONTACT_FALLBACK")
	t.Cleanup(func() { os.Unsetenv("CONTACT_FALLBACK") })

	envPath := writeFile(t, ".env", "PERSONA_NAME=FromFile\nCONTACT_FALLBACK=alex@site.dev\n")

	cfg, err := Load("", envPath)
	require.NoError(t, err)

	assert.Equal(t, "Process", cfg.PersonaName)
	assert.Equal(t, "alex@site.dev", cfg.ContactFallback)
}

// =============================================================================
// Errors
// =============================================================================

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnvFile(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_MalformedEnvFile(t *testing.T) {
	dir := t.TempDir()

	// A directory cannot be parsed as a dotenv file.
	_, err := Load("", dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load")
}

func TestLoad_TrustedProxies(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1, 172.16.0.0/12")

	cfg, err := Load("", noEnvFile(t))

	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "172.16.0.0/12"}, cfg.TrustedProxies)
}

func TestLoad_TrustedProxiesFromYAML(t *testing.T) {
	path := writeFile(t, "folio.yaml", "trusted:\n  proxies:\n    - 127.0.0.1\n    - \"::1\"\n")

	cfg, err := Load(path, noEnvFile(t))

	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, cfg.TrustedProxies)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"port out of range", "ORCHESTRATOR_PORT", "70000", "ORCHESTRATOR_PORT"},
		{"zero chat limit", "CHAT_RATE_LIMIT", "0", "CHAT_RATE_LIMIT"},
		{"bad notify window", "NOTIFY_RATE_WINDOW", "soon", "NOTIFY_RATE_WINDOW"},
		{"floor above one", "CHAT_RELEVANCE_FLOOR", "1.5", "CHAT_RELEVANCE_FLOOR"},
		{"zero chat floor", "CHAT_RELEVANCE_FLOOR", "0", "CHAT_RELEVANCE_FLOOR"},
		{"zero search floor", "SEARCH_RELEVANCE_FLOOR", "0", "SEARCH_RELEVANCE_FLOOR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := Load("", noEnvFile(t))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
