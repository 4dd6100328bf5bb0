// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/valorassist/valor-core/internal/rag"
)

func newTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "corpus.db"), dim)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCorpus(t *testing.T, store *Store) {
	t.Helper()
	err := store.AddBatch(context.Background(), []Document{
		{SourceID: "38-cfr-3.303", SourceType: "regulation", ChunkIndex: 0,
			Text: "Service connection basics.", Embedding: []float32{1, 0, 0}},
		{SourceID: "38-cfr-4.71a", SourceType: "regulation", ChunkIndex: 0,
			Text: "Musculoskeletal rating schedule.", Embedding: []float32{0, 1, 0}},
		{SourceID: "m21-1-iv", SourceType: "manual", ChunkIndex: 2,
			Text: "Developing evidence for increased ratings.", Embedding: []float32{0.9, 0.1, 0}},
	})
	require.NoError(t, err)
}

// =============================================================================
// SEARCH
// =============================================================================

func TestSearch_RanksByCosineSimilarity(t *testing.T) {
	store := newTestStore(t, 3)
	seedCorpus(t, store)

	results, err := store.Search(context.Background(), []float32{1, 0, 0}, rag.SearchOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, "38-cfr-3.303", results[0].SourceID)
	require.InDelta(t, 1.0, results[0].Score, 1e-6)
	require.Equal(t, "m21-1-iv", results[1].SourceID)
	require.Equal(t, "38-cfr-4.71a", results[2].SourceID)
	require.Greater(t, results[0].Score, results[1].Score)
	require.Greater(t, results[1].Score, results[2].Score)
}

func TestSearch_LimitsResults(t *testing.T) {
	store := newTestStore(t, 3)
	seedCorpus(t, store)

	results, err := store.Search(context.Background(), []float32{1, 0, 0}, rag.SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSearch_SourceTypeFilter(t *testing.T) {
	store := newTestStore(t, 3)
	seedCorpus(t, store)

	results, err := store.Search(context.Background(), []float32{1, 0, 0},
		rag.SearchOptions{Limit: 5, SourceType: "manual"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "m21-1-iv", results[0].SourceID)
}

func TestSearch_StableOrderOnTies(t *testing.T) {
	store := newTestStore(t, 2)
	err := store.AddBatch(context.Background(), []Document{
		{SourceID: "b", SourceType: "regulation", ChunkIndex: 0, Text: "b", Embedding: []float32{1, 0}},
		{SourceID: "a", SourceType: "regulation", ChunkIndex: 1, Text: "a1", Embedding: []float32{1, 0}},
		{SourceID: "a", SourceType: "regulation", ChunkIndex: 0, Text: "a0", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)

	results, err := store.Search(context.Background(), []float32{1, 0}, rag.SearchOptions{Limit: 3})
	require.NoError(t, err)
	require.Equal(t, "a", results[0].SourceID)
	require.Equal(t, 0, results[0].ChunkIndex)
	require.Equal(t, 1, results[1].ChunkIndex)
	require.Equal(t, "b", results[2].SourceID)
}

func TestSearch_EmptyCorpus(t *testing.T) {
	store := newTestStore(t, 3)
	results, err := store.Search(context.Background(), []float32{1, 0, 0}, rag.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearch_DimensionMismatch(t *testing.T) {
	store := newTestStore(t, 3)
	_, err := store.Search(context.Background(), []float32{1, 0}, rag.SearchOptions{Limit: 5})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

// =============================================================================
// INGESTION
// =============================================================================

func TestAdd_ReplacesSameChunk(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()

	doc := Document{SourceID: "s", SourceType: "manual", ChunkIndex: 0, Text: "v1", Embedding: []float32{1, 0}}
	require.NoError(t, store.Add(ctx, doc))
	doc.Text = "v2"
	require.NoError(t, store.Add(ctx, doc))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	results, err := store.Search(ctx, []float32{1, 0}, rag.SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, "v2", results[0].Text)
}

func TestAdd_RejectsWrongDimension(t *testing.T) {
	store := newTestStore(t, 3)
	err := store.Add(context.Background(), Document{
		SourceID: "s", SourceType: "manual", Text: "x", Embedding: []float32{1, 0}})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestAddBatch_AtomicOnError(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()

	err := store.AddBatch(ctx, []Document{
		{SourceID: "ok", SourceType: "manual", ChunkIndex: 0, Text: "x", Embedding: []float32{1, 0}},
		{SourceID: "bad", SourceType: "manual", ChunkIndex: 0, Text: "y", Embedding: []float32{1}},
	})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "failed batch must not partially commit")
}

// =============================================================================
// VECTOR ENCODING
// =============================================================================

func TestVectorEncoding_RoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.14159, 0}
	decoded, err := decodeVector(encodeVector(vec))
	require.NoError(t, err)
	require.Equal(t, vec, decoded)
}

func TestDecodeVector_RejectsTruncatedBlob(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}
