// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package intake evaluates a veteran's intake form against the knowledge
// corpus in a single retrieval-augmented pass.
//
// Form fields are classified before anything leaves this package: credential
// fields never travel, identifier fields are dropped from the prompt, and
// free text is redacted. What the model sees is the service profile and the
// claimed conditions, nothing that names the veteran.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/valorassist/valor-core/internal/audit"
	"github.com/valorassist/valor-core/internal/classify"
	"github.com/valorassist/valor-core/internal/prompt"
	"github.com/valorassist/valor-core/internal/provider"
	"github.com/valorassist/valor-core/internal/rag"
)

// =============================================================================
// FORM
// =============================================================================

// Form is a benefits intake submission. Identifier fields are accepted so
// the API can mirror the paper form, but they are filtered out before the
// evaluation prompt is built.
type Form struct {
	FullName      string   `json:"full_name"`
	DateOfBirth   string   `json:"date_of_birth"`
	SSN           string   `json:"ssn"`
	VAFileNumber  string   `json:"va_file_number"`
	ServiceBranch string   `json:"service_branch"`
	ServiceStart  string   `json:"service_start"`
	ServiceEnd    string   `json:"service_end"`
	DischargeType string   `json:"discharge_type"`
	Conditions    []string `json:"conditions"`
	InTreatment   bool     `json:"in_treatment"`
	Narrative     string   `json:"narrative"`
}

// promptFields lists the fields allowed into the evaluation prompt, in
// render order. Everything else on the form is classified as an identifier
// or worse and stays out.
var promptFields = []struct {
	name  string
	value func(f *Form) string
}{
	{"service_branch", func(f *Form) string { return f.ServiceBranch }},
	{"service_start", func(f *Form) string { return f.ServiceStart }},
	{"service_end", func(f *Form) string { return f.ServiceEnd }},
	{"discharge_type", func(f *Form) string { return f.DischargeType }},
	{"conditions", func(f *Form) string { return strings.Join(f.Conditions, "; ") }},
	{"narrative", func(f *Form) string { return f.Narrative }},
}

// summarize renders the redacted evaluation input. Even allowed fields pass
// through the content redactor: a narrative often contains the identifiers
// the form fields were supposed to hold.
func summarize(f *Form) string {
	var b strings.Builder
	b.WriteString("Veteran intake summary:\n")
	for _, field := range promptFields {
		if classify.Classify(field.name) == classify.TagCredential {
			continue
		}
		value := strings.TrimSpace(field.value(f))
		if value == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", field.name, classify.Redact(value))
	}
	if f.InTreatment {
		b.WriteString("- currently receiving treatment: yes\n")
	}
	return b.String()
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Config holds evaluator tuning.
type Config struct {
	// TopK is how many chunks to retrieve (default: 8; evaluations range
	// wider than a single chat question).
	TopK int

	// GenerationTimeout bounds the evaluation call (default: 90s).
	GenerationTimeout time.Duration

	// RetryBackoff is the wait before the single retrieval retry
	// (default: 250ms).
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 8
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 90 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
}

// Evaluator runs one-shot intake evaluations.
type Evaluator struct {
	embedder  provider.Embedder
	retriever rag.Retriever
	generator provider.Generator
	recorder  *audit.Recorder
	cfg       Config
	logger    *zap.Logger
}

// NewEvaluator wires an evaluator.
func NewEvaluator(
	embedder provider.Embedder,
	retriever rag.Retriever,
	generator provider.Generator,
	recorder *audit.Recorder,
	cfg Config,
	logger *zap.Logger,
) *Evaluator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		embedder:  embedder,
		retriever: retriever,
		generator: generator,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Evaluate retrieves evidence for the form's conditions and asks the model
// for an eligibility assessment. Shares the ask pipeline's failure taxonomy:
// rag.ErrRetrievalUnavailable and rag.ErrGenerationTimeout.
func (e *Evaluator) Evaluate(ctx context.Context, form *Form) (rag.Answer, error) {
	summary := summarize(form)

	query := strings.Join(form.Conditions, " ")
	if query == "" {
		query = summary
	}

	embedding, err := retryOnce(ctx, e.cfg.RetryBackoff, e.logger, func() ([]float32, error) {
		return e.embedder.Embed(ctx, query)
	})
	if err != nil {
		if ctx.Err() != nil {
			return rag.Answer{}, ctx.Err()
		}
		return rag.Answer{}, fmt.Errorf("%w: embedding failed: %v", rag.ErrRetrievalUnavailable, err)
	}

	chunks, err := retryOnce(ctx, e.cfg.RetryBackoff, e.logger, func() ([]rag.Chunk, error) {
		return e.retriever.Search(ctx, embedding, rag.SearchOptions{Limit: e.cfg.TopK})
	})
	if err != nil {
		if ctx.Err() != nil {
			return rag.Answer{}, ctx.Err()
		}
		return rag.Answer{}, fmt.Errorf("%w: search failed: %v", rag.ErrRetrievalUnavailable, err)
	}

	if err := e.recorder.Record(audit.Event{
		EventType: audit.EventIntakeEvaluated,
		Success:   true,
		Metadata: map[string]string{
			"chunks":     fmt.Sprintf("%d", len(chunks)),
			"conditions": fmt.Sprintf("%d", len(form.Conditions)),
		},
	}); err != nil {
		return rag.Answer{}, err
	}

	sources := make([]prompt.Source, len(chunks))
	for i, chunk := range chunks {
		sources[i] = prompt.Source{Index: i + 1, Label: chunk.SourceType, Text: chunk.Text}
	}
	messages := []provider.Message{
		{Role: "system", Content: prompt.BuildEvaluation(sources)},
		{Role: "user", Content: summary},
	}

	// Each attempt gets a fresh deadline; a failed or timed-out attempt is
	// retried once, then surfaced.
	text, err := retryOnce(ctx, e.cfg.RetryBackoff, e.logger, func() (string, error) {
		genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
		defer cancel()
		out, err := e.generator.Generate(genCtx, messages)
		if err != nil {
			if genCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return "", fmt.Errorf("%w after %s", rag.ErrGenerationTimeout, e.cfg.GenerationTimeout)
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("evaluation failed: %w", err)
		}
		return out, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return rag.Answer{}, ctx.Err()
		}
		return rag.Answer{}, err
	}

	e.logger.Info("intake evaluated",
		zap.Int("chunks", len(chunks)),
		zap.Int("conditions", len(form.Conditions)))
	return rag.Answer{Text: text, Citations: rag.ExtractCitations(text, chunks)}, nil
}

// retryOnce runs fn, and on failure waits backoff and tries exactly once
// more. A cancelled context cuts the wait short.
func retryOnce[T any](ctx context.Context, backoff time.Duration, logger *zap.Logger, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil {
		return out, nil
	}
	logger.Warn("intake step failed, retrying once", zap.Error(err))

	select {
	case <-ctx.Done():
		return out, ctx.Err()
	case <-time.After(backoff):
	}
	return fn()
}
