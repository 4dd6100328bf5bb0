// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package intake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/valorassist/valor-core/internal/audit"
	"github.com/valorassist/valor-core/internal/provider"
	"github.com/valorassist/valor-core/internal/rag"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.5, 0.5}, nil
}

type fakeRetriever struct {
	chunks []rag.Chunk
}

func (f *fakeRetriever) Search(ctx context.Context, embedding []float32, opts rag.SearchOptions) ([]rag.Chunk, error) {
	return f.chunks, nil
}

type fakeGenerator struct {
	calls    int
	failures int
	reply    string
	delay    time.Duration
	received []provider.Message
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []provider.Message) (string, error) {
	f.calls++
	f.received = messages
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.calls <= f.failures {
		return "", errors.New("transient backend error")
	}
	return f.reply, nil
}

func testForm() *Form {
	return &Form{
		FullName:      "Jane Q. Veteran",
		DateOfBirth:   "04/15/1975",
		SSN:           "123-45-6789",
		VAFileNumber:  "C-1234567",
		ServiceBranch: "Army",
		ServiceStart:  "1995",
		ServiceEnd:    "2003",
		DischargeType: "honorable",
		Conditions:    []string{"tinnitus", "knee strain"},
		InTreatment:   true,
		Narrative:     "Injured during deployment. Contact me at jane@example.com.",
	}
}

func newTestEvaluator(t *testing.T, e *fakeEmbedder, r *fakeRetriever, g *fakeGenerator) *Evaluator {
	t.Helper()
	recorder, err := audit.NewRecorder(audit.NewMemorySink(),
		[]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	cfg := Config{GenerationTimeout: 200 * time.Millisecond, RetryBackoff: time.Millisecond}
	return NewEvaluator(e, r, g, recorder, cfg, zap.NewNop())
}

// =============================================================================
// SANITIZATION
// =============================================================================

func TestSummarize_ExcludesIdentifiers(t *testing.T) {
	summary := summarize(testForm())

	for _, leaked := range []string{"Jane Q. Veteran", "123-45-6789", "C-1234567", "04/15/1975", "jane@example.com"} {
		require.NotContains(t, summary, leaked)
	}
	require.Contains(t, summary, "Army")
	require.Contains(t, summary, "tinnitus")
	require.Contains(t, summary, "[EMAIL-REDACTED]")
	require.Contains(t, summary, "currently receiving treatment")
}

func TestEvaluate_PromptCarriesOnlySanitizedSummary(t *testing.T) {
	gen := &fakeGenerator{reply: "Likely eligible for tinnitus compensation [1]."}
	eval := newTestEvaluator(t, &fakeEmbedder{}, &fakeRetriever{chunks: []rag.Chunk{
		{SourceID: "38-cfr-3.303", SourceType: "regulation", Text: "Service connection rules.", Score: 0.9},
	}}, gen)

	_, err := eval.Evaluate(context.Background(), testForm())
	require.NoError(t, err)

	require.Len(t, gen.received, 2)
	for _, msg := range gen.received {
		require.NotContains(t, msg.Content, "123-45-6789")
		require.NotContains(t, msg.Content, "Jane Q. Veteran")
		require.NotContains(t, msg.Content, "jane@example.com")
	}
}

// =============================================================================
// PIPELINE
// =============================================================================

func TestEvaluate_ReturnsAnswerWithCitations(t *testing.T) {
	gen := &fakeGenerator{reply: "Eligible under service connection [1]."}
	eval := newTestEvaluator(t, &fakeEmbedder{}, &fakeRetriever{chunks: []rag.Chunk{
		{SourceID: "38-cfr-3.303", SourceType: "regulation", ChunkIndex: 0, Text: "Rules.", Score: 0.9},
	}}, gen)

	answer, err := eval.Evaluate(context.Background(), testForm())
	require.NoError(t, err)
	require.Equal(t, gen.reply, answer.Text)
	require.Len(t, answer.Citations, 1)
	require.Equal(t, "38-cfr-3.303", answer.Citations[0].SourceID)
}

func TestEvaluate_EmbedFailureIsRetrievalUnavailable(t *testing.T) {
	eval := newTestEvaluator(t,
		&fakeEmbedder{err: errors.New("backend down")},
		&fakeRetriever{}, &fakeGenerator{reply: "unused"})

	_, err := eval.Evaluate(context.Background(), testForm())
	require.ErrorIs(t, err, rag.ErrRetrievalUnavailable)
}

func TestEvaluate_GenerationRetriesOnceThenSucceeds(t *testing.T) {
	gen := &fakeGenerator{failures: 1, reply: "Assessment after retry. [1]"}
	eval := newTestEvaluator(t, &fakeEmbedder{}, &fakeRetriever{chunks: []rag.Chunk{
		{SourceID: "38-cfr-3.303", SourceType: "regulation", Text: "Service connection requires a current disability.", Score: 0.9},
	}}, gen)

	answer, err := eval.Evaluate(context.Background(), testForm())
	require.NoError(t, err)
	require.Equal(t, "Assessment after retry. [1]", answer.Text)
	require.Equal(t, 2, gen.calls)
}

func TestEvaluate_GenerationDoubleFailureSurfaces(t *testing.T) {
	gen := &fakeGenerator{failures: 2}
	eval := newTestEvaluator(t, &fakeEmbedder{}, &fakeRetriever{}, gen)

	_, err := eval.Evaluate(context.Background(), testForm())
	require.Error(t, err)
	require.Equal(t, 2, gen.calls, "exactly one retry")
}

func TestEvaluate_GenerationTimeout(t *testing.T) {
	gen := &fakeGenerator{reply: "slow", delay: time.Second}
	eval := newTestEvaluator(t, &fakeEmbedder{}, &fakeRetriever{}, gen)

	_, err := eval.Evaluate(context.Background(), testForm())
	require.ErrorIs(t, err, rag.ErrGenerationTimeout)
}

func TestEvaluate_NoConditionsFallsBackToSummaryQuery(t *testing.T) {
	form := testForm()
	form.Conditions = nil

	gen := &fakeGenerator{reply: "Insufficient information."}
	eval := newTestEvaluator(t, &fakeEmbedder{}, &fakeRetriever{}, gen)

	answer, err := eval.Evaluate(context.Background(), form)
	require.NoError(t, err)
	require.Empty(t, answer.Citations)
	require.True(t, strings.Contains(answer.Text, "Insufficient"))
}
