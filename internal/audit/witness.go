// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/hmac"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// EXTERNAL WITNESS (hash anchoring)
// =============================================================================

// Witness anchors chain hashes in a file separate from the sink. If the
// entire chain is regenerated under the same key, the witness file reveals
// the substitution: its lines no longer match the replacement chain.
//
// The witness lives best on different storage than the sink (another volume,
// a remote mount). Same-disk witnesses still catch naive tampering.
type Witness struct {
	mu   sync.Mutex
	path string
}

// NewWitness creates a witness writing to path.
func NewWitness(path string) *Witness {
	return &Witness{path: path}
}

// Anchor appends a "timestamp|seq|hash" line for the record.
func (w *Witness) Anchor(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open witness file: %w", err)
	}
	defer file.Close()

	line := fmt.Sprintf("%s|%d|%s\n",
		rec.Event.Timestamp.Format(time.RFC3339Nano), rec.Seq, rec.Hash)
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write witness: %w", err)
	}
	return file.Sync()
}

// Verify checks every witness line against the chain records.
func (w *Witness) Verify(records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			if len(records) == 0 {
				return nil
			}
			return fmt.Errorf("%w: witness file missing for non-empty chain", ErrChainBroken)
		}
		return fmt.Errorf("failed to read witness file: %w", err)
	}

	anchored := 0
	for i, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			return fmt.Errorf("%w: witness line %d malformed", ErrChainBroken, i)
		}
		seq, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("%w: witness line %d has invalid sequence", ErrChainBroken, i)
		}
		if seq < 0 || seq >= len(records) {
			return fmt.Errorf("%w: witness line %d references missing record %d",
				ErrChainBroken, i, seq)
		}
		// SECURITY: Constant-time comparison prevents timing attacks
		if !hmac.Equal([]byte(records[seq].Hash), []byte(parts[2])) {
			return fmt.Errorf("%w: witness line %d hash mismatch at record %d",
				ErrChainBroken, i, seq)
		}
		anchored++
	}

	if anchored < len(records) {
		return fmt.Errorf("%w: witness has %d entries for %d records",
			ErrChainBroken, anchored, len(records))
	}
	return nil
}
