// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session provides an encrypted, audited, in-memory conversation
// store with TTL expiry.
//
// Turn content is encrypted the moment it enters the store and decrypted only
// on read, with every read recorded in the audit chain first. Plaintext never
// rests in a session entry. Externally, an expired session is
// indistinguishable from one that never existed: both return
// ErrSessionNotFound, so callers cannot probe for past session IDs.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valorassist/valor-core/internal/audit"
	"github.com/valorassist/valor-core/internal/crypto"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultTTL is the idle lifetime of a session.
const DefaultTTL = 30 * time.Minute

// DefaultMaxTurnPairs is the default cap on retained user/assistant pairs.
const DefaultMaxTurnPairs = 10

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = 1 * time.Minute

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound is returned for unknown and expired sessions alike.
var ErrSessionNotFound = errors.New("session not found")

// =============================================================================
// TYPES
// =============================================================================

// Turn is one stored conversation turn. Content exists only as ciphertext.
type Turn struct {
	Role      string
	Blob      crypto.Blob
	CreatedAt time.Time
}

// Message is a decrypted turn as returned to callers.
type Message struct {
	Role    string
	Content string
}

// entry is the per-session record. Each entry has its own mutex so slow
// operations on one session (decrypting a long history) never block others.
type entry struct {
	mu           sync.Mutex
	id           string
	createdAt    time.Time
	lastActivity time.Time
	turns        []Turn
}

func (e *entry) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.lastActivity) >= ttl
}

// Config holds store configuration.
type Config struct {
	// TTL is the idle lifetime of a session (default: 30 minutes).
	TTL time.Duration

	// MaxTurnPairs caps retained user/assistant pairs per session
	// (default: 10). When exceeded, the oldest pairs are dropped.
	MaxTurnPairs int

	// SweepInterval is the background expiry sweep period (default: 1 minute).
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxTurnPairs <= 0 {
		c.MaxTurnPairs = DefaultMaxTurnPairs
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// =============================================================================
// STORE
// =============================================================================

// Store holds all live sessions.
//
// The store-level RWMutex guards only the session map; per-session work
// happens under the entry's own mutex. Lock order is always map then entry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cipher   *crypto.Cipher
	recorder *audit.Recorder
	cfg      Config
	logger   *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates a session store and starts its expiry sweeper.
func NewStore(cipher *crypto.Cipher, recorder *audit.Recorder, cfg Config, logger *zap.Logger) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		sessions: make(map[string]*entry),
		cipher:   cipher,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Create starts a new session and returns its ID.
// The creation is audited before the session becomes visible; if the audit
// record cannot be written, no session is created.
func (s *Store) Create(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now()

	if err := s.recorder.Record(audit.Event{
		EventType: audit.EventSessionCreated,
		SessionID: id,
		Success:   true,
	}); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[id] = &entry{
		id:           id,
		createdAt:    now,
		lastActivity: now,
	}
	s.mu.Unlock()

	s.logger.Info("session created", zap.String("session_id", id))
	return id, nil
}

// AppendTurn encrypts content and appends it to the session.
//
// Order of operations is fixed: encrypt, audit, then mutate. An encryption
// failure or audit failure leaves the session unchanged. When the turn cap is
// exceeded, whole pairs are dropped from the front so the oldest retained
// turn is always a user turn.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(s.cfg.TTL, time.Now()) {
		s.expire(e)
		return ErrSessionNotFound
	}

	blob, err := s.cipher.Encrypt([]byte(content))
	if err != nil {
		return fmt.Errorf("failed to encrypt turn: %w", err)
	}

	if err := s.recorder.Record(audit.Event{
		EventType: audit.EventTurnAppended,
		SessionID: sessionID,
		Success:   true,
		Metadata:  map[string]string{"role": role},
	}); err != nil {
		blob.Zero()
		return err
	}

	e.turns = append(e.turns, Turn{Role: role, Blob: blob, CreatedAt: time.Now()})
	e.lastActivity = time.Now()
	s.trimLocked(e)
	return nil
}

// AppendExchange appends a user/assistant pair as a single unit: either both
// turns are committed or neither is, so pair-wise trimming's user-first
// alignment cannot drift when a failure lands between the two appends.
// Order of operations matches AppendTurn: encrypt both, audit both, mutate.
func (s *Store) AppendExchange(ctx context.Context, sessionID, userContent, assistantContent string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(s.cfg.TTL, time.Now()) {
		s.expire(e)
		return ErrSessionNotFound
	}

	userBlob, err := s.cipher.Encrypt([]byte(userContent))
	if err != nil {
		return fmt.Errorf("failed to encrypt turn: %w", err)
	}
	assistantBlob, err := s.cipher.Encrypt([]byte(assistantContent))
	if err != nil {
		userBlob.Zero()
		return fmt.Errorf("failed to encrypt turn: %w", err)
	}

	for _, role := range []string{RoleUser, RoleAssistant} {
		if err := s.recorder.Record(audit.Event{
			EventType: audit.EventTurnAppended,
			SessionID: sessionID,
			Success:   true,
			Metadata:  map[string]string{"role": role},
		}); err != nil {
			userBlob.Zero()
			assistantBlob.Zero()
			return err
		}
	}

	now := time.Now()
	e.turns = append(e.turns,
		Turn{Role: RoleUser, Blob: userBlob, CreatedAt: now},
		Turn{Role: RoleAssistant, Blob: assistantBlob, CreatedAt: now})
	e.lastActivity = now
	s.trimLocked(e)
	return nil
}

// trimLocked drops whole pairs from the front until the turn cap holds.
// Caller holds e.mu.
func (s *Store) trimLocked(e *entry) {
	maxTurns := s.cfg.MaxTurnPairs * 2
	for len(e.turns) > maxTurns {
		drop := 2
		if len(e.turns)-maxTurns == 1 {
			drop = 1
		}
		for i := 0; i < drop; i++ {
			e.turns[i].Blob.Zero()
		}
		e.turns = append(e.turns[:0], e.turns[drop:]...)
	}
}

// History decrypts and returns the session's turns in order.
//
// All-or-nothing: every turn decrypts or the caller gets nothing. Each turn's
// read is audited before its plaintext is released; an audit failure aborts
// the whole read. A decryption failure is surfaced as
// crypto.ErrDecryptionFailed and recorded, never masked.
func (s *Store) History(ctx context.Context, sessionID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(s.cfg.TTL, time.Now()) {
		s.expire(e)
		return nil, ErrSessionNotFound
	}

	messages := make([]Message, 0, len(e.turns))
	for i, turn := range e.turns {
		if err := s.recorder.Record(audit.Event{
			EventType: audit.EventTurnDecrypted,
			SessionID: sessionID,
			Success:   true,
			Metadata:  map[string]string{"role": turn.Role},
		}); err != nil {
			return nil, err
		}

		plaintext, err := s.cipher.Decrypt(turn.Blob)
		if err != nil {
			s.logger.Error("turn decryption failed",
				zap.String("session_id", sessionID),
				zap.Int("turn", i),
				zap.Error(err))
			// Best effort: the read event is already chained, record the
			// failure too so the trail shows what happened.
			if recErr := s.recorder.Record(audit.Event{
				EventType: audit.EventDecryptFailed,
				SessionID: sessionID,
				Success:   false,
				Error:     err.Error(),
			}); recErr != nil {
				s.logger.Error("failed to record decrypt failure", zap.Error(recErr))
			}
			return nil, err
		}
		messages = append(messages, Message{Role: turn.Role, Content: string(plaintext)})
	}

	e.lastActivity = time.Now()
	return messages, nil
}

// Touch resets the session's idle clock without reading or writing turns.
func (s *Store) Touch(sessionID string) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(s.cfg.TTL, time.Now()) {
		s.expire(e)
		return ErrSessionNotFound
	}
	e.lastActivity = time.Now()
	return nil
}

// TurnCount returns the number of stored turns.
func (s *Store) TurnCount(sessionID string) (int, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(s.cfg.TTL, time.Now()) {
		s.expire(e)
		return 0, ErrSessionNotFound
	}
	return len(e.turns), nil
}

// Destroy removes a session and zeros its ciphertext. A session already idle
// past its TTL is expired instead and reported as unknown, the same answer
// every other operation gives for a terminal session.
func (s *Store) Destroy(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(s.cfg.TTL, time.Now()) {
		s.expire(e)
		return ErrSessionNotFound
	}

	if err := s.recorder.Record(audit.Event{
		EventType: audit.EventSessionDestroyed,
		SessionID: sessionID,
		Success:   true,
	}); err != nil {
		return err
	}

	s.remove(e)
	s.logger.Info("session destroyed", zap.String("session_id", sessionID))
	return nil
}

// Len returns the number of live sessions, expired ones included until swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the sweeper and zeros all stored ciphertext.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		drained := make([]*entry, 0, len(s.sessions))
		for _, e := range s.sessions {
			drained = append(drained, e)
		}
		s.sessions = make(map[string]*entry)
		s.mu.Unlock()

		for _, e := range drained {
			e.mu.Lock()
			for i := range e.turns {
				e.turns[i].Blob.Zero()
			}
			e.turns = nil
			e.mu.Unlock()
		}
	})
}

// =============================================================================
// EXPIRY
// =============================================================================

// sweep periodically removes expired sessions.
func (s *Store) sweep() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Store) sweepOnce(now time.Time) {
	// Snapshot entries without touching entry locks: the map lock is never
	// held while waiting on an entry lock, and vice versa only in remove,
	// which holds the entry lock first. Map-then-entry ordering would
	// deadlock against that.
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		candidates = append(candidates, e)
	}
	s.mu.RUnlock()

	for _, e := range candidates {
		e.mu.Lock()
		if e.expired(s.cfg.TTL, now) {
			s.expire(e)
		}
		e.mu.Unlock()
	}
}

// expire audits and removes an expired session. Caller holds e.mu.
// If the expiry cannot be audited the session stays in the map and the next
// sweep retries; its entry is already unreachable through normal operations
// because every access re-checks the TTL.
func (s *Store) expire(e *entry) {
	if err := s.recorder.Record(audit.Event{
		EventType: audit.EventSessionExpired,
		SessionID: e.id,
		Success:   true,
	}); err != nil {
		s.logger.Error("failed to audit session expiry",
			zap.String("session_id", e.id),
			zap.Error(err))
		return
	}
	s.remove(e)
	s.logger.Info("session expired", zap.String("session_id", e.id))
}

// remove deletes the entry from the map and zeros its turns.
// Caller holds e.mu.
func (s *Store) remove(e *entry) {
	s.mu.Lock()
	delete(s.sessions, e.id)
	s.mu.Unlock()

	for i := range e.turns {
		e.turns[i].Blob.Zero()
	}
	e.turns = nil
}

func (s *Store) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}
