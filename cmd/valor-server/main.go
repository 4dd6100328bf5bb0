// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// valor-server is the claims-assistant API server.
//
// It wires the encrypted session store, the hash-chained audit recorder, the
// corpus vector store, and the model provider behind the HTTP API. All state
// lives under the configured data directories; keys come from the
// environment or key files, never from the config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/valorassist/valor-core/internal/audit"
	"github.com/valorassist/valor-core/internal/config"
	"github.com/valorassist/valor-core/internal/crypto"
	"github.com/valorassist/valor-core/internal/httpapi"
	"github.com/valorassist/valor-core/internal/intake"
	"github.com/valorassist/valor-core/internal/logging"
	"github.com/valorassist/valor-core/internal/provider"
	"github.com/valorassist/valor-core/internal/rag"
	"github.com/valorassist/valor-core/internal/secrets"
	"github.com/valorassist/valor-core/internal/session"
	"github.com/valorassist/valor-core/internal/vectorstore"

	// Registered provider backends.
	_ "github.com/valorassist/valor-core/internal/provider/ollama"
	_ "github.com/valorassist/valor-core/internal/provider/openrouter"
)

const (
	sessionKeyID = "session-data"
	auditKeyID   = "audit-chain"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "valor.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, logLevel, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Audit.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create audit dir: %w", err)
	}

	// Keys. The session key encrypts stored turns; the audit key signs the
	// hash chain. Distinct keys so compromising one does not expose the other.
	keys := secrets.NewEnvProvider(cfg.Audit.Dir)

	sessionKey, err := keys.Key(sessionKeyID)
	if err != nil {
		return err
	}
	cipher, err := crypto.New(sessionKey)
	if err != nil {
		return err
	}
	defer cipher.Close()
	secrets.ZeroBytes(sessionKey)

	auditKey, err := keys.Key(auditKeyID)
	if err != nil {
		return err
	}

	// Audit chain. NewRecorder verifies the existing chain before resuming;
	// a tampered chain refuses to start the server.
	sink, err := openAuditSink(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	witness := audit.NewWitness(filepath.Join(cfg.Audit.Dir, "witness.log"))
	recorder, err := audit.NewRecorder(sink, auditKey,
		audit.WithWitness(witness),
		audit.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("audit chain: %w", err)
	}
	secrets.ZeroBytes(auditKey)

	// Session store.
	store := session.NewStore(cipher, recorder, session.Config{
		TTL:           cfg.Session.TTL.Duration,
		MaxTurnPairs:  cfg.Session.MaxTurnPairs,
		SweepInterval: cfg.Session.SweepInterval.Duration,
	}, logger)
	defer store.Close()

	// Model provider. The API key never passes through the config file.
	prov, err := provider.New(cfg.Provider.Backend, provider.Settings{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         os.Getenv("VALOR_PROVIDER_API_KEY"),
		GenerateModel:  cfg.Provider.GenerateModel,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
	})
	if err != nil {
		return err
	}

	// Corpus.
	corpus, err := vectorstore.Open(cfg.Corpus.Path, cfg.Provider.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer corpus.Close()

	orchestrator := rag.NewOrchestrator(store, prov, corpus, prov, recorder, rag.Config{
		TopK:              cfg.Rag.TopK,
		MaxContextTokens:  cfg.Rag.MaxContextTokens,
		GenerationTimeout: cfg.Rag.GenerationTimeout.Duration,
		ProviderRate:      rate.Limit(cfg.Rag.ProviderRatePerSec),
		ProviderBurst:     cfg.Rag.ProviderBurst,
	}, logger)

	evaluator := intake.NewEvaluator(prov, corpus, prov, recorder, intake.Config{
		GenerationTimeout: cfg.Rag.GenerationTimeout.Duration,
	}, logger)

	handler := httpapi.NewHandler(store, orchestrator, evaluator, logger)
	router := httpapi.NewRouter(handler, logger)

	// Live reload: only the log level takes effect without a restart.
	watcher, err := config.NewWatcher(*configPath, logger, func(next *config.Config) {
		if err := logLevel.UnmarshalText([]byte(next.Log.Level)); err != nil {
			logger.Warn("ignoring invalid log level from reloaded config",
				zap.String("level", next.Log.Level))
		}
	})
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("provider", cfg.Provider.Backend),
			zap.String("audit_backend", cfg.Audit.Backend))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openAuditSink(cfg *config.Config) (audit.Sink, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		return audit.NewSQLiteSink(filepath.Join(cfg.Audit.Dir, "audit.db"))
	default:
		return audit.NewFileSink(filepath.Join(cfg.Audit.Dir, "audit.jsonl"))
	}
}
