// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides tamper-evident audit logging for sensitive-data
// access.
//
// Every event is HMAC-SHA-256 chained to its predecessor: each record carries
// the hash of the previous record, so deletion, insertion, or edit of any
// record breaks verification from that point on. Recording is synchronous and
// fails closed: an operation that cannot be audited does not proceed.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxRetries is the number of append attempts before a record fails.
const DefaultMaxRetries = 3

// DefaultRetryBaseWait is the base wait for exponential backoff between
// append attempts.
const DefaultRetryBaseWait = 100 * time.Millisecond

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAuditWriteFailed means the event could not be durably recorded.
	// The caller must abort the operation the event describes.
	ErrAuditWriteFailed = errors.New("audit write failed: operation halted")
	// ErrChainBroken means verification found tampering in the recorded chain.
	ErrChainBroken = errors.New("audit chain integrity violation")
)

// =============================================================================
// EVENT
// =============================================================================

// Event types recorded by the session and retrieval layers.
const (
	EventSessionCreated   = "SESSION_CREATED"
	EventSessionDestroyed = "SESSION_DESTROYED"
	EventSessionExpired   = "SESSION_EXPIRED"
	EventTurnAppended     = "TURN_APPENDED"
	EventTurnDecrypted    = "TURN_DECRYPTED"
	EventRetrievalRun     = "RETRIEVAL_RUN"
	EventGenerationRun    = "GENERATION_RUN"
	EventIntakeEvaluated  = "INTAKE_EVALUATED"
	EventDecryptFailed    = "DECRYPT_FAILED"
)

// Event is a single audit occurrence. Detail must already be redacted by the
// caller; the recorder stores what it is given and never inspects content.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	Field     string            `json:"field,omitempty"`
	Tag       string            `json:"tag,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Record is an event bound into the hash chain.
type Record struct {
	Seq      int    `json:"seq"`
	Event    Event  `json:"event"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// =============================================================================
// SINK
// =============================================================================

// Sink is the durable store for chain records. Append must not return until
// the record is durable; the recorder's fail-closed guarantee depends on it.
type Sink interface {
	// Append durably stores one record.
	Append(rec Record) error
	// ReadAll returns every stored record in append order.
	ReadAll() ([]Record, error)
	// Close releases sink resources.
	Close() error
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder appends events to a tamper-evident chain.
//
// A single mutex serializes all appends: chain linkage requires a total order,
// and interleaved writers would fork the chain. Contention is acceptable here;
// audit volume is one or two events per user operation.
type Recorder struct {
	mu       sync.Mutex
	sink     Sink
	witness  *Witness // optional external anchor
	hmacKey  []byte
	lastHash string
	seq      int

	maxRetries    int
	retryBaseWait time.Duration
	logger        *zap.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWitness anchors each record's hash in an external witness file.
func WithWitness(w *Witness) Option {
	return func(r *Recorder) { r.witness = w }
}

// WithRetry overrides the append retry policy.
func WithRetry(maxRetries int, baseWait time.Duration) Option {
	return func(r *Recorder) {
		if maxRetries > 0 {
			r.maxRetries = maxRetries
		}
		if baseWait > 0 {
			r.retryBaseWait = baseWait
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder creates a recorder over sink, resuming the chain from the
// sink's existing records. The caller retains ownership of hmacKey.
func NewRecorder(sink Sink, hmacKey []byte, opts ...Option) (*Recorder, error) {
	if len(hmacKey) == 0 {
		return nil, fmt.Errorf("audit recorder requires an HMAC key")
	}

	r := &Recorder{
		sink:          sink,
		hmacKey:       append([]byte(nil), hmacKey...),
		maxRetries:    DefaultMaxRetries,
		retryBaseWait: DefaultRetryBaseWait,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Resume from the tail of the existing chain, verifying it first: a
	// recorder must never extend a chain it cannot vouch for.
	records, err := sink.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}
	if err := verifyRecords(records, r.hmacKey); err != nil {
		return nil, err
	}
	if n := len(records); n > 0 {
		r.lastHash = records[n-1].Hash
		r.seq = records[n-1].Seq + 1
	}

	return r, nil
}

// Record appends an event to the chain. It is synchronous: it returns only
// after the record is durable (or has definitively failed). On failure the
// chain state is unchanged and ErrAuditWriteFailed is returned; the caller
// must treat that as a veto on the operation being audited.
func (r *Recorder) Record(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	rec := Record{
		Seq:      r.seq,
		Event:    event,
		PrevHash: r.lastHash,
	}
	hash, err := chainHash(rec, r.hmacKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	rec.Hash = hash

	if err := r.appendWithRetry(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}

	if r.witness != nil {
		if err := r.witness.Anchor(rec); err != nil {
			// The record is durable; a missing witness line weakens external
			// anchoring but does not fork the chain.
			r.logger.Warn("audit witness write failed",
				zap.Int("seq", rec.Seq),
				zap.Error(err))
		}
	}

	r.lastHash = rec.Hash
	r.seq++
	return nil
}

func (r *Recorder) appendWithRetry(rec Record) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			wait := r.retryBaseWait * time.Duration(1<<uint(attempt-1))
			r.logger.Warn("retrying audit append",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", r.maxRetries),
				zap.Duration("wait", wait))
			time.Sleep(wait)
		}
		if err := r.sink.Append(rec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d append attempts failed: %w", r.maxRetries, lastErr)
}

// Verify re-reads the full chain from the sink and checks linkage, sequence,
// and every record's HMAC. Returns ErrChainBroken with detail on the first
// class of problem found.
func (r *Recorder) Verify() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.sink.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read audit chain: %w", err)
	}
	if err := verifyRecords(records, r.hmacKey); err != nil {
		return err
	}
	if r.witness != nil {
		return r.witness.Verify(records)
	}
	return nil
}

// Len returns the number of records appended so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Close zeros the HMAC key and closes the sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.hmacKey {
		r.hmacKey[i] = 0
	}
	r.hmacKey = nil
	return r.sink.Close()
}

// =============================================================================
// CHAIN HASHING
// =============================================================================

// chainHash computes the HMAC-SHA-256 hash of a record with its Hash field
// cleared. The hash covers PrevHash, so linkage is part of what is signed.
func chainHash(rec Record, key []byte) (string, error) {
	rec.Hash = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyChain checks a full record set against the HMAC key without a live
// recorder. Offline tooling reads a sink and calls this directly.
func VerifyChain(records []Record, hmacKey []byte) error {
	return verifyRecords(records, hmacKey)
}

func verifyRecords(records []Record, key []byte) error {
	prevHash := ""
	for i, rec := range records {
		if rec.Seq != i {
			return fmt.Errorf("%w: record %d has sequence %d", ErrChainBroken, i, rec.Seq)
		}
		if rec.PrevHash != prevHash {
			return fmt.Errorf("%w: record %d has broken linkage", ErrChainBroken, i)
		}
		want, err := chainHash(rec, key)
		if err != nil {
			return err
		}
		// SECURITY: Constant-time comparison prevents timing attacks
		if !hmac.Equal([]byte(rec.Hash), []byte(want)) {
			return fmt.Errorf("%w: record %d has invalid hash", ErrChainBroken, i)
		}
		prevHash = rec.Hash
	}
	return nil
}
