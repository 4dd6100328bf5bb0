// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package rag

import (
	"context"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/valorassist/valor-core/internal/audit"
	"github.com/valorassist/valor-core/internal/crypto"
	"github.com/valorassist/valor-core/internal/provider"
	"github.com/valorassist/valor-core/internal/session"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeEmbedder struct {
	calls    atomic.Int32
	failures int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("embedding backend down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeRetriever struct {
	calls    atomic.Int32
	failures int32
	chunks   []Chunk
}

func (f *fakeRetriever) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]Chunk, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("search backend down")
	}
	return f.chunks, nil
}

type fakeGenerator struct {
	calls    atomic.Int32
	failures int
	reply    string
	delay    time.Duration
	received [][]provider.Message
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []provider.Message) (string, error) {
	n := f.calls.Add(1)
	f.received = append(f.received, messages)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if int(n) <= f.failures {
		return "", errors.New("transient backend error")
	}
	return f.reply, nil
}

func testChunks() []Chunk {
	return []Chunk{
		{SourceID: "38-cfr-3.303", SourceType: "regulation", ChunkIndex: 0, Text: "Service connection requires evidence of a current disability.", Score: 0.92},
		{SourceID: "m21-1-iv", SourceType: "manual", ChunkIndex: 3, Text: "Claims for increased rating require current treatment records.", Score: 0.81},
	}
}

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := crypto.New(key)
	require.NoError(t, err)
	recorder, err := audit.NewRecorder(audit.NewMemorySink(),
		[]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store := session.NewStore(cipher, recorder, session.Config{}, zap.NewNop())
	t.Cleanup(store.Close)
	return store
}

func newTestOrchestrator(t *testing.T, store *session.Store, e *fakeEmbedder, r *fakeRetriever, g *fakeGenerator) (*Orchestrator, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	recorder, err := audit.NewRecorder(sink, []byte("abcdef0123456789abcdef0123456789"))
	require.NoError(t, err)
	cfg := Config{
		RetryBackoff:      time.Millisecond,
		GenerationTimeout: 200 * time.Millisecond,
		ProviderRate:      1000,
		ProviderBurst:     1000,
	}
	return NewOrchestrator(store, e, r, g, recorder, cfg, zap.NewNop()), sink
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestAsk_AnswersAndCommitsExchange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	gen := &fakeGenerator{reply: "You need a current diagnosis [1] and treatment records [2]."}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: testChunks()}, gen)

	answer, err := orch.Ask(ctx, id, "what do I need for service connection?")
	require.NoError(t, err)
	require.Equal(t, gen.reply, answer.Text)
	require.Equal(t, []Citation{
		{SourceID: "38-cfr-3.303", SourceType: "regulation", ChunkIndex: 0},
		{SourceID: "m21-1-iv", SourceType: "manual", ChunkIndex: 3},
	}, answer.Citations)

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, session.RoleUser, history[0].Role)
	require.Equal(t, "what do I need for service connection?", history[0].Content)
	require.Equal(t, session.RoleAssistant, history[1].Role)
	require.Equal(t, gen.reply, history[1].Content)
}

func TestAsk_PriorHistoryReachesGenerator(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(ctx, id, session.RoleUser, "earlier question"))
	require.NoError(t, store.AppendTurn(ctx, id, session.RoleAssistant, "earlier answer"))

	gen := &fakeGenerator{reply: "follow-up answer"}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: testChunks()}, gen)

	_, err = orch.Ask(ctx, id, "follow-up?")
	require.NoError(t, err)

	require.Len(t, gen.received, 1)
	messages := gen.received[0]
	// system, two history turns, then the question.
	require.Len(t, messages, 4)
	require.Equal(t, "system", messages[0].Role)
	require.Equal(t, "earlier question", messages[1].Content)
	require.Equal(t, "earlier answer", messages[2].Content)
	require.Equal(t, "follow-up?", messages[3].Content)
}

// =============================================================================
// ZERO-EVIDENCE PATH
// =============================================================================

func TestAsk_ZeroChunksStillGenerates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	gen := &fakeGenerator{reply: "I cannot answer that from the available documents."}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: nil}, gen)

	answer, err := orch.Ask(ctx, id, "anything about dental claims?")
	require.NoError(t, err)
	require.Equal(t, int32(1), gen.calls.Load(), "generation must run without evidence")
	require.Empty(t, answer.Citations)
}

// =============================================================================
// RETRIEVAL FAILURES
// =============================================================================

func TestAsk_EmbedRetriesOnceThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	embedder := &fakeEmbedder{failures: 1}
	orch, _ := newTestOrchestrator(t, store,
		embedder, &fakeRetriever{chunks: testChunks()}, &fakeGenerator{reply: "ok [1]"})

	_, err = orch.Ask(ctx, id, "question")
	require.NoError(t, err)
	require.Equal(t, int32(2), embedder.calls.Load())
}

func TestAsk_EmbedFailureIsRetrievalUnavailable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	gen := &fakeGenerator{reply: "never used"}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{failures: 2}, &fakeRetriever{chunks: testChunks()}, gen)

	_, err = orch.Ask(ctx, id, "question")
	require.ErrorIs(t, err, ErrRetrievalUnavailable)
	require.Zero(t, gen.calls.Load())

	n, err := store.TurnCount(id)
	require.NoError(t, err)
	require.Zero(t, n, "failed ask must leave no turns behind")
}

func TestAsk_SearchFailureIsRetrievalUnavailable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	retriever := &fakeRetriever{failures: 2, chunks: testChunks()}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, retriever, &fakeGenerator{reply: "never used"})

	_, err = orch.Ask(ctx, id, "question")
	require.ErrorIs(t, err, ErrRetrievalUnavailable)
	require.Equal(t, int32(2), retriever.calls.Load(), "exactly one retry")
}

// =============================================================================
// GENERATION FAILURES
// =============================================================================

func TestAsk_GenerationRetriesOnceThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	gen := &fakeGenerator{failures: 1, reply: "Recovered answer. [1]"}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: testChunks()}, gen)

	answer, err := orch.Ask(ctx, id, "How is service connection established?")
	require.NoError(t, err)
	require.Equal(t, "Recovered answer. [1]", answer.Text)
	require.EqualValues(t, 2, gen.calls.Load())

	n, err := store.TurnCount(id)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestAsk_GenerationDoubleFailureSurfaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	gen := &fakeGenerator{failures: 2}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: testChunks()}, gen)

	_, err = orch.Ask(ctx, id, "question")
	require.Error(t, err)
	require.EqualValues(t, 2, gen.calls.Load(), "exactly one retry")

	n, err := store.TurnCount(id)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAsk_GenerationTimeout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	gen := &fakeGenerator{reply: "too slow", delay: time.Second}
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: testChunks()}, gen)

	_, err = orch.Ask(ctx, id, "question")
	require.ErrorIs(t, err, ErrGenerationTimeout)

	n, err := store.TurnCount(id)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAsk_UnknownSession(t *testing.T) {
	store := newTestStore(t)
	orch, _ := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: testChunks()}, &fakeGenerator{reply: "x"})

	_, err := orch.Ask(context.Background(), "missing-session", "question")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

// =============================================================================
// AUDITING
// =============================================================================

func TestAsk_RecordsPipelineEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx)
	require.NoError(t, err)

	orch, sink := newTestOrchestrator(t, store,
		&fakeEmbedder{}, &fakeRetriever{chunks: testChunks()}, &fakeGenerator{reply: "ok [1]"})

	_, err = orch.Ask(ctx, id, "question")
	require.NoError(t, err)

	records, err := sink.ReadAll()
	require.NoError(t, err)
	var types []string
	for _, rec := range records {
		types = append(types, rec.Event.EventType)
	}
	require.Contains(t, types, audit.EventRetrievalRun)
	require.Contains(t, types, audit.EventGenerationRun)
}

// =============================================================================
// TOKEN BUDGET
// =============================================================================

type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

func TestFitChunks_DropsLowestRelevanceFirst(t *testing.T) {
	chunks := []Chunk{
		{SourceID: "a", Text: "aaaa", Score: 0.9}, // 4 tokens
		{SourceID: "b", Text: "bbbb", Score: 0.8}, // 4 tokens
		{SourceID: "c", Text: "cccc", Score: 0.7}, // 4 tokens
	}

	kept := fitChunks(chunks, 8, charCounter{})
	require.Len(t, kept, 2)
	require.Equal(t, "a", kept[0].SourceID)
	require.Equal(t, "b", kept[1].SourceID)
}

func TestFitChunks_SkipsOversizedChunkKeepsSmaller(t *testing.T) {
	chunks := []Chunk{
		{SourceID: "big", Text: "xxxxxxxxxx", Score: 0.9}, // 10 tokens
		{SourceID: "small", Text: "xx", Score: 0.8},       // 2 tokens
	}

	kept := fitChunks(chunks, 5, charCounter{})
	require.Len(t, kept, 1)
	require.Equal(t, "small", kept[0].SourceID)
}

// =============================================================================
// CITATIONS
// =============================================================================

func TestExtractCitations(t *testing.T) {
	offered := testChunks()

	tests := []struct {
		name   string
		answer string
		want   int
	}{
		{"both cited", "see [1] and [2]", 2},
		{"one cited twice", "see [1], again [1]", 1},
		{"out of range ignored", "see [1] and [9]", 1},
		{"no citations", "general statement", 0},
		{"zero ignored", "see [0]", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			citations := ExtractCitations(tt.answer, offered)
			require.Len(t, citations, tt.want)
		})
	}
}

func TestExtractCitations_OrderedBySourceNumber(t *testing.T) {
	citations := ExtractCitations("conclusion [2], premise [1]", testChunks())
	require.Equal(t, "38-cfr-3.303", citations[0].SourceID)
	require.Equal(t, "m21-1-iv", citations[1].SourceID)
}
