// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package rag

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// =============================================================================
// TOKEN COUNTING
// =============================================================================

// TokenCounter measures text against the model context budget.
type TokenCounter interface {
	// Count returns the token count of text.
	Count(text string) int
}

// tiktokenCounter counts with the cl100k_base BPE encoding.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicCounter approximates tokens as one per four characters. Used when
// the BPE encoding cannot be loaded; it overestimates short prose slightly,
// which errs toward smaller prompts.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

var (
	counterOnce sync.Once
	counter     TokenCounter
)

// NewTokenCounter returns the shared token counter, preferring cl100k_base
// and falling back to the character heuristic.
func NewTokenCounter() TokenCounter {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			counter = heuristicCounter{}
			return
		}
		counter = &tiktokenCounter{enc: enc}
	})
	return counter
}

// fitChunks keeps the highest-scoring chunks that fit within budget tokens,
// preserving their incoming (descending score) order. Lower-relevance chunks
// are the ones sacrificed when the budget is tight.
func fitChunks(chunks []Chunk, budget int, counter TokenCounter) []Chunk {
	if budget <= 0 {
		return chunks
	}
	kept := make([]Chunk, 0, len(chunks))
	used := 0
	for _, chunk := range chunks {
		cost := counter.Count(chunk.Text)
		if used+cost > budget {
			continue
		}
		kept = append(kept, chunk)
		used += cost
	}
	return kept
}
