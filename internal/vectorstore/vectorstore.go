// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vectorstore provides the SQLite-backed knowledge corpus with
// embedding similarity search.
//
// Embeddings are stored as little-endian float32 blobs and ranked by cosine
// similarity in Go. Corpus sizes here are tens of thousands of chunks, well
// inside what a full scan handles in milliseconds; an ANN index would buy
// nothing but operational surface.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/valorassist/valor-core/internal/rag"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDimensionMismatch means a query or stored vector has the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   TEXT NOT NULL,
	source_type TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	UNIQUE(source_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_source_type ON chunks(source_type);
`

// =============================================================================
// STORE
// =============================================================================

// Document is one corpus chunk to ingest.
type Document struct {
	SourceID   string
	SourceType string
	ChunkIndex int
	Text       string
	Embedding  []float32
}

// Store is the SQLite-backed corpus. Implements rag.Retriever.
// Safe for concurrent use; database/sql pools connections.
type Store struct {
	db  *sql.DB
	dim int
}

// Open opens (or creates) the corpus database at path. dim is the embedding
// dimension; every ingested and queried vector must match it.
func Open(path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize corpus schema: %w", err)
	}
	return &Store{db: db, dim: dim}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// INGESTION
// =============================================================================

// Add inserts or replaces one chunk. Ingested text must already be redacted;
// the corpus is a shared read surface and must never hold identifiers.
func (s *Store) Add(ctx context.Context, doc Document) error {
	if len(doc.Embedding) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(doc.Embedding), s.dim)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks (source_id, source_type, chunk_index, text, embedding)
		 VALUES (?, ?, ?, ?, ?)`,
		doc.SourceID, doc.SourceType, doc.ChunkIndex, doc.Text, encodeVector(doc.Embedding))
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

// AddBatch ingests documents in one transaction.
func (s *Store) AddBatch(ctx context.Context, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks (source_id, source_type, chunk_index, text, embedding)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		if len(doc.Embedding) != s.dim {
			return fmt.Errorf("%w: source %s chunk %d: got %d, want %d",
				ErrDimensionMismatch, doc.SourceID, doc.ChunkIndex, len(doc.Embedding), s.dim)
		}
		if _, err := stmt.ExecContext(ctx,
			doc.SourceID, doc.SourceType, doc.ChunkIndex, doc.Text, encodeVector(doc.Embedding)); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// =============================================================================
// SEARCH
// =============================================================================

// Search returns the opts.Limit most similar chunks in descending score
// order. Ties break on (source_id, chunk_index) so results are stable across
// runs with equal scores.
func (s *Store) Search(ctx context.Context, embedding []float32, opts rag.SearchOptions) ([]rag.Chunk, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.dim)
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}

	query := `SELECT source_id, source_type, chunk_index, text, embedding FROM chunks`
	args := []any{}
	if opts.SourceType != "" {
		query += ` WHERE source_type = ?`
		args = append(args, opts.SourceType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan corpus: %w", err)
	}
	defer rows.Close()

	var results []rag.Chunk
	for rows.Next() {
		var (
			chunk rag.Chunk
			blob  []byte
		)
		if err := rows.Scan(&chunk.SourceID, &chunk.SourceType, &chunk.ChunkIndex, &chunk.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("corrupt embedding for %s[%d]: %w", chunk.SourceID, chunk.ChunkIndex, err)
		}
		if len(vec) != s.dim {
			return nil, fmt.Errorf("%w: stored %d, want %d", ErrDimensionMismatch, len(vec), s.dim)
		}
		chunk.Score = cosine(embedding, vec)
		results = append(results, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].SourceID != results[j].SourceID {
			return results[i].SourceID < results[j].SourceID
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// =============================================================================
// VECTOR HELPERS
// =============================================================================

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// cosine computes cosine similarity. Zero vectors score zero rather than NaN.
func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
