// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite"
)

// =============================================================================
// FILE SINK
// =============================================================================

// FileSink stores chain records as JSON lines in an append-only file.
// Every append is fsynced before returning.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileSink opens (or creates) the audit log file at path with restrictive
// permissions.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileSink{path: path, file: file}, nil
}

// Append writes one record as a JSON line and syncs it to stable storage.
func (s *FileSink) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return s.file.Sync()
}

// ReadAll parses every record from the log file in append order.
func (s *FileSink) ReadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%w: malformed record at line %d: %v",
				ErrChainBroken, len(records), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return records, nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// =============================================================================
// SQLITE SINK
// =============================================================================

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq        INTEGER PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
`

// SQLiteSink stores chain records in a SQLite database. Preferred for
// deployments that need queryable audit history (per-session review,
// retention sweeps) rather than a flat log file.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens the database at path and ensures the schema exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append stores one record. The seq primary key rejects duplicate sequence
// numbers, so a forked chain fails at the database rather than on read-back.
func (s *SQLiteSink) Append(rec Record) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events (seq, timestamp, event_type, session_id, payload, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq,
		rec.Event.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		rec.Event.EventType,
		rec.Event.SessionID,
		string(payload),
		rec.PrevHash,
		rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// ReadAll returns every record ordered by sequence.
func (s *SQLiteSink) ReadAll() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT seq, payload, prev_hash, hash FROM audit_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload string
		if err := rows.Scan(&rec.Seq, &payload, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("%w: malformed payload at seq %d: %v",
				ErrChainBroken, rec.Seq, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit records: %w", err)
	}
	return records, nil
}

// CountBySession returns the number of recorded events for a session.
func (s *SQLiteSink) CountBySession(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// =============================================================================
// MEMORY SINK
// =============================================================================

// MemorySink keeps records in memory. For tests and ephemeral deployments.
type MemorySink struct {
	mu      sync.Mutex
	records []Record

	// FailAppends forces Append to fail, for exercising fail-closed paths.
	FailAppends bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores the record in memory.
func (s *MemorySink) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppends {
		return fmt.Errorf("append disabled")
	}
	s.records = append(s.records, rec)
	return nil
}

// ReadAll returns a copy of the stored records.
func (s *MemorySink) ReadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...), nil
}

// Tamper replaces the record at index i, for integrity tests.
func (s *MemorySink) Tamper(i int, mutate func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.records[i])
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }
