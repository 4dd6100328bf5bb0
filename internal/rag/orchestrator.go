// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/valorassist/valor-core/internal/audit"
	"github.com/valorassist/valor-core/internal/prompt"
	"github.com/valorassist/valor-core/internal/provider"
	"github.com/valorassist/valor-core/internal/session"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds orchestrator tuning.
type Config struct {
	// TopK is how many chunks to request from the retriever (default: 5).
	TopK int

	// MaxContextTokens is the evidence token budget (default: 3000).
	MaxContextTokens int

	// RetryBackoff is the wait before the single retrieval retry
	// (default: 250ms).
	RetryBackoff time.Duration

	// GenerationTimeout bounds one generation call (default: 60s).
	GenerationTimeout time.Duration

	// ProviderRate limits calls to the model backend, both embedding and
	// generation (default: 5/s with burst 10).
	ProviderRate  rate.Limit
	ProviderBurst int
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 3000
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
	if c.ProviderRate <= 0 {
		c.ProviderRate = 5
	}
	if c.ProviderBurst <= 0 {
		c.ProviderBurst = 10
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs the ask pipeline:
// embed + history in parallel, search, assemble, generate, cite, commit.
type Orchestrator struct {
	store     *session.Store
	embedder  provider.Embedder
	retriever Retriever
	generator provider.Generator
	recorder  *audit.Recorder
	counter   TokenCounter
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(
	store *session.Store,
	embedder provider.Embedder,
	retriever Retriever,
	generator provider.Generator,
	recorder *audit.Recorder,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		embedder:  embedder,
		retriever: retriever,
		generator: generator,
		recorder:  recorder,
		counter:   NewTokenCounter(),
		limiter:   rate.NewLimiter(cfg.ProviderRate, cfg.ProviderBurst),
		cfg:       cfg,
		logger:    logger,
	}
}

// Ask answers a question within a session.
//
// The session's history and the question's embedding are fetched in parallel;
// both must succeed before search. Zero retrieved chunks is not an error: the
// model is still asked, with instructions that it has no evidence, and the
// answer carries no citations. The user/assistant pair is appended to the
// session only after generation succeeds.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string) (Answer, error) {
	start := time.Now()

	var (
		history   []session.Message
		embedding []float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = o.store.History(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		embedding, err = o.embed(gctx, question)
		return err
	})
	if err := g.Wait(); err != nil {
		return Answer{}, err
	}

	chunks, err := o.search(ctx, embedding)
	if err != nil {
		return Answer{}, err
	}

	if err := o.recorder.Record(audit.Event{
		EventType: audit.EventRetrievalRun,
		SessionID: sessionID,
		Success:   true,
		Metadata:  map[string]string{"chunks": strconv.Itoa(len(chunks))},
	}); err != nil {
		return Answer{}, err
	}

	kept := fitChunks(chunks, o.cfg.MaxContextTokens, o.counter)
	messages := o.buildMessages(kept, history, question)

	text, err := o.generate(ctx, sessionID, messages)
	if err != nil {
		return Answer{}, err
	}

	answer := Answer{
		Text:      text,
		Citations: ExtractCitations(text, kept),
	}

	// Commit the exchange as one unit. The question is the user's own words;
	// it is encrypted as-is. Any failure here means the exchange is not part
	// of the session, matching what the caller is told.
	if err := o.store.AppendExchange(ctx, sessionID, question, text); err != nil {
		return Answer{}, err
	}

	o.logger.Info("ask completed",
		zap.String("session_id", sessionID),
		zap.Int("chunks_retrieved", len(chunks)),
		zap.Int("chunks_used", len(kept)),
		zap.Int("citations", len(answer.Citations)),
		zap.Duration("elapsed", time.Since(start)))
	return answer, nil
}

// =============================================================================
// PIPELINE STEPS
// =============================================================================

func (o *Orchestrator) embed(ctx context.Context, question string) ([]float32, error) {
	var embedding []float32
	err := o.retryOnce(ctx, func() error {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		embedding, err = o.embedder.Embed(ctx, question)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: embedding failed: %v", ErrRetrievalUnavailable, err)
	}
	return embedding, nil
}

func (o *Orchestrator) search(ctx context.Context, embedding []float32) ([]Chunk, error) {
	var chunks []Chunk
	err := o.retryOnce(ctx, func() error {
		var err error
		chunks, err = o.retriever.Search(ctx, embedding, SearchOptions{Limit: o.cfg.TopK})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: search failed: %v", ErrRetrievalUnavailable, err)
	}
	return chunks, nil
}

func (o *Orchestrator) buildMessages(chunks []Chunk, history []session.Message, question string) []provider.Message {
	sources := make([]prompt.Source, len(chunks))
	for i, chunk := range chunks {
		sources[i] = prompt.Source{Index: i + 1, Label: chunk.SourceType, Text: chunk.Text}
	}

	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{
		Role:    "system",
		Content: prompt.BuildSystem(sources),
	})
	for _, m := range history {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: session.RoleUser, Content: question})
	return messages
}

// generate calls the model with a per-attempt deadline. A failed attempt,
// including a timed-out one, is retried once after the backoff with a fresh
// deadline. An audit write failure or a cancelled caller is never retried.
func (o *Orchestrator) generate(ctx context.Context, sessionID string, messages []provider.Message) (string, error) {
	text, err := o.generateAttempt(ctx, sessionID, messages)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, audit.ErrAuditWriteFailed) || ctx.Err() != nil {
		return "", err
	}
	o.logger.Warn("generation failed, retrying once", zap.Error(err))

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(o.cfg.RetryBackoff):
	}
	return o.generateAttempt(ctx, sessionID, messages)
}

func (o *Orchestrator) generateAttempt(ctx context.Context, sessionID string, messages []provider.Message) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	defer cancel()

	text, err := o.generator.Generate(genCtx, messages)

	success := err == nil
	event := audit.Event{
		EventType: audit.EventGenerationRun,
		SessionID: sessionID,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if recErr := o.recorder.Record(event); recErr != nil {
		return "", recErr
	}

	if err != nil {
		// Only our own deadline is a generation timeout; a cancelled parent
		// context is the caller's cancellation and propagates as such.
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %s", ErrGenerationTimeout, o.cfg.GenerationTimeout)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("generation failed: %w", err)
	}
	return text, nil
}

// retryOnce runs fn, and on failure waits the backoff and tries exactly once
// more. A cancelled context cuts the wait short.
func (o *Orchestrator) retryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	o.logger.Warn("pipeline step failed, retrying once", zap.Error(err))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.RetryBackoff):
	}
	return fn()
}
