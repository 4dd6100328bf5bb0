// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rag orchestrates retrieval-augmented generation over the knowledge
// corpus: embed the question, search for evidence, assemble a token-budgeted
// prompt, generate, and extract citations.
//
// The orchestrator owns the failure taxonomy of the pipeline. Retrieval
// problems (embedding or search) surface as ErrRetrievalUnavailable after one
// retry; a generation deadline surfaces as ErrGenerationTimeout. Conversation
// turns are committed to the session store only after the whole pipeline has
// succeeded, so a failed ask leaves no half-written exchange behind.
package rag

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRetrievalUnavailable means embedding or search failed after retry.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	// ErrGenerationTimeout means the generation model did not answer in time.
	ErrGenerationTimeout = errors.New("generation timed out")
)

// =============================================================================
// TYPES
// =============================================================================

// Chunk is one retrieved piece of corpus evidence.
type Chunk struct {
	SourceID   string
	SourceType string
	ChunkIndex int
	Text       string
	// Score is cosine similarity to the query, higher is more relevant.
	Score float64
}

// Citation points at a chunk the answer actually drew on.
type Citation struct {
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	ChunkIndex int    `json:"chunk_index"`
}

// Answer is the result of one ask.
type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// SearchOptions narrows a corpus search.
type SearchOptions struct {
	// Limit caps the number of returned chunks.
	Limit int
	// SourceType restricts results to one source kind; empty means all.
	SourceType string
}

// Retriever searches the knowledge corpus by embedding similarity.
// Implementations return chunks in descending score order.
type Retriever interface {
	Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]Chunk, error)
}

// =============================================================================
// CITATION EXTRACTION
// =============================================================================

// citationRef matches bracketed source numbers like [1] in generated text.
var citationRef = regexp.MustCompile(`\[(\d+)\]`)

// ExtractCitations maps the answer's [N] references back to the chunks that
// were offered as source N. Unreferenced chunks yield no citation: listing
// evidence the answer never used would overstate its support. References to
// numbers that were never offered are ignored.
func ExtractCitations(answer string, offered []Chunk) []Citation {
	seen := make(map[int]bool)
	var indices []int
	for _, m := range citationRef.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(offered) || seen[n] {
			continue
		}
		seen[n] = true
		indices = append(indices, n)
	}
	sort.Ints(indices)

	citations := make([]Citation, 0, len(indices))
	for _, n := range indices {
		chunk := offered[n-1]
		citations = append(citations, Citation{
			SourceID:   chunk.SourceID,
			SourceType: chunk.SourceType,
			ChunkIndex: chunk.ChunkIndex,
		})
	}
	return citations
}
