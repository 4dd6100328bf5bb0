// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8400", cfg.Server.Addr)
	require.Equal(t, "ollama", cfg.Provider.Backend)
	require.Equal(t, 30*time.Minute, cfg.Session.TTL.Duration)
	require.Equal(t, 10, cfg.Session.MaxTurnPairs)
	require.Equal(t, "file", cfg.Audit.Backend)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valor.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = "0.0.0.0:9000"

[provider]
backend = "openrouter"
generate_model = "meta-llama/llama-3.1-70b-instruct"

[session]
ttl = "15m"
max_turn_pairs = 3

[audit]
backend = "sqlite"
dir = "/var/lib/valor/audit"
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	require.Equal(t, "openrouter", cfg.Provider.Backend)
	require.Equal(t, "meta-llama/llama-3.1-70b-instruct", cfg.Provider.GenerateModel)
	require.Equal(t, 15*time.Minute, cfg.Session.TTL.Duration)
	require.Equal(t, 3, cfg.Session.MaxTurnPairs)
	require.Equal(t, "sqlite", cfg.Audit.Backend)

	// Unset sections keep defaults.
	require.Equal(t, 5, cfg.Rag.TopK)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valor.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \"127.0.0.1:7000\"\n"), 0600))

	t.Setenv("VALOR_ADDR", "127.0.0.1:7777")
	t.Setenv("VALOR_SESSION_TTL", "5m")
	t.Setenv("VALOR_MAX_TURN_PAIRS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", cfg.Server.Addr)
	require.Equal(t, 5*time.Minute, cfg.Session.TTL.Duration)
	require.Equal(t, 7, cfg.Session.MaxTurnPairs)
}

func TestLoad_RejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valor.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\naddr = "), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_TightensPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valor.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \"127.0.0.1:7000\"\n"), 0644))

	_, err := Load(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 0600, info.Mode().Perm())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad provider", func(c *Config) { c.Provider.Backend = "bedrock" }, "provider.backend"},
		{"zero ttl", func(c *Config) { c.Session.TTL.Duration = 0 }, "session.ttl"},
		{"zero pairs", func(c *Config) { c.Session.MaxTurnPairs = 0 }, "session.max_turn_pairs"},
		{"bad audit backend", func(c *Config) { c.Audit.Backend = "kafka" }, "audit.backend"},
		{"empty corpus", func(c *Config) { c.Corpus.Path = "" }, "corpus.path"},
		{"zero top_k", func(c *Config) { c.Rag.TopK = 0 }, "rag.top_k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
