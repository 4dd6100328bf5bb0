// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates server configuration.
//
// Precedence, lowest to highest: built-in defaults, the TOML config file,
// VALOR_* environment variables. Secrets (encryption keys, API keys) do not
// live here; they come from the secrets package and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Provider ProviderConfig `toml:"provider"`
	Session  SessionConfig  `toml:"session"`
	Audit    AuditConfig    `toml:"audit"`
	Corpus   CorpusConfig   `toml:"corpus"`
	Rag      RagConfig      `toml:"rag"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:8400").
	Addr string `toml:"addr"`

	// ShutdownGrace is how long to drain connections on shutdown
	// (default: 10s).
	ShutdownGrace duration `toml:"shutdown_grace"`
}

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	// Backend is "ollama" or "openrouter" (default: "ollama").
	Backend string `toml:"backend"`

	BaseURL        string `toml:"base_url"`
	GenerateModel  string `toml:"generate_model"`
	EmbeddingModel string `toml:"embedding_model"`

	// EmbeddingDim is the embedding vector size; must match the corpus
	// (default: 768 for nomic-embed-text).
	EmbeddingDim int `toml:"embedding_dim"`
}

// SessionConfig tunes the conversation store.
type SessionConfig struct {
	// TTL is session idle lifetime (default: 30m).
	TTL duration `toml:"ttl"`

	// MaxTurnPairs caps retained user/assistant pairs (default: 10).
	MaxTurnPairs int `toml:"max_turn_pairs"`

	// SweepInterval is the expiry sweep period (default: 1m).
	SweepInterval duration `toml:"sweep_interval"`
}

// AuditConfig locates the audit chain.
type AuditConfig struct {
	// Backend is "file" or "sqlite" (default: "file").
	Backend string `toml:"backend"`

	// Dir holds the audit log, witness file, and HMAC key file
	// (default: "./data/audit").
	Dir string `toml:"dir"`
}

// CorpusConfig locates the knowledge corpus.
type CorpusConfig struct {
	// Path is the corpus SQLite database (default: "./data/corpus.db").
	Path string `toml:"path"`
}

// RagConfig tunes the retrieval pipeline.
type RagConfig struct {
	TopK              int      `toml:"top_k"`
	MaxContextTokens  int      `toml:"max_context_tokens"`
	GenerationTimeout duration `toml:"generation_timeout"`

	// ProviderRatePerSec limits model-backend calls (default: 5).
	ProviderRatePerSec float64 `toml:"provider_rate_per_sec"`
	ProviderBurst      int     `toml:"provider_burst"`
}

// LogConfig tunes process logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration wraps time.Duration for TOML string decoding ("30m", "10s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          "127.0.0.1:8400",
			ShutdownGrace: duration{10 * time.Second},
		},
		Provider: ProviderConfig{
			Backend:      "ollama",
			EmbeddingDim: 768,
		},
		Session: SessionConfig{
			TTL:           duration{30 * time.Minute},
			MaxTurnPairs:  10,
			SweepInterval: duration{time.Minute},
		},
		Audit: AuditConfig{
			Backend: "file",
			Dir:     "./data/audit",
		},
		Corpus: CorpusConfig{
			Path: "./data/corpus.db",
		},
		Rag: RagConfig{
			TopK:               5,
			MaxContextTokens:   3000,
			GenerationTimeout:  duration{60 * time.Second},
			ProviderRatePerSec: 5,
			ProviderBurst:      10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the config file at path (if path is empty or the file does not
// exist, defaults are used), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := ensureSecurePermissions(path); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
			}
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ensureSecurePermissions tightens the config file to owner-only access.
// The config may name internal hosts and paths; it should not be world-readable.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0077 != 0 {
		return os.Chmod(path, 0600)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies VALOR_* environment variables on top of the
// loaded values.
func (c *Config) ApplyEnvOverrides() {
	if addr := os.Getenv("VALOR_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if backend := os.Getenv("VALOR_PROVIDER"); backend != "" {
		c.Provider.Backend = backend
	}
	if url := os.Getenv("VALOR_PROVIDER_URL"); url != "" {
		c.Provider.BaseURL = url
	}
	if model := os.Getenv("VALOR_GENERATE_MODEL"); model != "" {
		c.Provider.GenerateModel = model
	}
	if model := os.Getenv("VALOR_EMBEDDING_MODEL"); model != "" {
		c.Provider.EmbeddingModel = model
	}
	if dim := os.Getenv("VALOR_EMBEDDING_DIM"); dim != "" {
		if n, err := strconv.Atoi(dim); err == nil {
			c.Provider.EmbeddingDim = n
		}
	}
	if ttl := os.Getenv("VALOR_SESSION_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Session.TTL = duration{d}
		}
	}
	if pairs := os.Getenv("VALOR_MAX_TURN_PAIRS"); pairs != "" {
		if n, err := strconv.Atoi(pairs); err == nil {
			c.Session.MaxTurnPairs = n
		}
	}
	if backend := os.Getenv("VALOR_AUDIT_BACKEND"); backend != "" {
		c.Audit.Backend = backend
	}
	if dir := os.Getenv("VALOR_AUDIT_DIR"); dir != "" {
		c.Audit.Dir = dir
	}
	if path := os.Getenv("VALOR_CORPUS_PATH"); path != "" {
		c.Corpus.Path = path
	}
	if level := os.Getenv("VALOR_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates all validation failures.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for contradictions and bad values.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Addr == "" {
		errs = append(errs, ValidationError{"server.addr", "must not be empty"})
	}
	switch c.Provider.Backend {
	case "ollama", "openrouter":
	default:
		errs = append(errs, ValidationError{"provider.backend",
			fmt.Sprintf("unknown backend %q (want ollama or openrouter)", c.Provider.Backend)})
	}
	if c.Provider.EmbeddingDim <= 0 {
		errs = append(errs, ValidationError{"provider.embedding_dim", "must be positive"})
	}
	if c.Session.TTL.Duration <= 0 {
		errs = append(errs, ValidationError{"session.ttl", "must be positive"})
	}
	if c.Session.MaxTurnPairs <= 0 {
		errs = append(errs, ValidationError{"session.max_turn_pairs", "must be positive"})
	}
	switch c.Audit.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, ValidationError{"audit.backend",
			fmt.Sprintf("unknown backend %q (want file or sqlite)", c.Audit.Backend)})
	}
	if c.Audit.Dir == "" {
		errs = append(errs, ValidationError{"audit.dir", "must not be empty"})
	}
	if c.Corpus.Path == "" {
		errs = append(errs, ValidationError{"corpus.path", "must not be empty"})
	}
	if c.Rag.TopK <= 0 {
		errs = append(errs, ValidationError{"rag.top_k", "must be positive"})
	}
	if c.Rag.ProviderRatePerSec <= 0 {
		errs = append(errs, ValidationError{"rag.provider_rate_per_sec", "must be positive"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
