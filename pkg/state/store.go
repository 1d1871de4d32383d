// Copyright 2026 KSI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package state holds the daemon's two state backends: the in-memory
// session tracker fed by the completion pipeline, and the SQLite-backed
// shared key-value store agents use to coordinate.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
)

// Scopes for shared KV entries. Private entries are visible only to their
// owner; shared and coordination entries are visible to everyone.
const (
	ScopePrivate      = "private"
	ScopeShared       = "shared"
	ScopeCoordination = "coordination"
)

// ValidScope reports whether s names a known entry scope.
func ValidScope(s string) bool {
	switch s {
	case ScopePrivate, ScopeShared, ScopeCoordination:
		return true
	}
	return false
}

// Entry is one row of the shared key-value store.
type Entry struct {
	Key          string         `json:"key"`
	Value        any            `json:"value"`
	Namespace    string         `json:"namespace"`
	OwnerAgentID string         `json:"owner_agent_id"`
	Scope        string         `json:"scope"`
	CreatedAt    string         `json:"created_at"`
	ExpiresAt    string         `json:"expires_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SetRequest carries one write to the shared store.
type SetRequest struct {
	Key          string
	Value        any
	OwnerAgentID string
	Scope        string
	ExpiresAt    string
	Metadata     map[string]any
}

// ListFilter narrows a listing. Requester gates visibility of private
// entries the same way Get does.
type ListFilter struct {
	Namespace string
	Owner     string
	Requester string
}

// SharedStore provides the persistent keyed coordination store backed by
// SQLite. Writes are upserts; expired rows are reaped lazily on read plus
// by the periodic sweep.
type SharedStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSharedStore opens (creating if necessary) the shared store at the
// configured path and initialises its schema.
func NewSharedStore(config DBConfig) (*SharedStore, error) {
	db, err := OpenDB(config)
	if err != nil {
		return nil, err
	}

	// WAL for concurrent readers alongside the single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SharedStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SharedStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_shared_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		namespace TEXT,
		owner_agent_id TEXT NOT NULL,
		scope TEXT DEFAULT 'shared',
		created_at TEXT NOT NULL,
		expires_at TEXT,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_namespace ON agent_shared_state(namespace);
	CREATE INDEX IF NOT EXISTS idx_owner ON agent_shared_state(owner_agent_id);
	CREATE INDEX IF NOT EXISTS idx_expires ON agent_shared_state(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// DeriveNamespace returns the namespace for a key: its first two dotted
// segments, or "" for single-segment keys.
func DeriveNamespace(key string) string {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// Set upserts one entry and returns its derived namespace. The entry's
// created_at is preserved across updates.
func (s *SharedStore) Set(ctx context.Context, req SetRequest) (string, error) {
	if req.Key == "" {
		return "", fmt.Errorf("key must not be empty")
	}
	scope := req.Scope
	if scope == "" {
		scope = ScopeShared
	}
	if !ValidScope(scope) {
		return "", fmt.Errorf("unknown scope %q", scope)
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return "", fmt.Errorf("expires_at must be RFC 3339: %w", err)
		}
		// Stored in UTC so the sweep's string comparison orders correctly
		// for offset timestamps.
		req.ExpiresAt = t.UTC().Format(time.RFC3339)
	}

	value, err := encodeValue(req.Value)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	var metadata any
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = string(raw)
	}
	var expiresAt any
	if req.ExpiresAt != "" {
		expiresAt = req.ExpiresAt
	}

	namespace := DeriveNamespace(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO agent_shared_state (key, value, namespace, owner_agent_id, scope, created_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			namespace = excluded.namespace,
			owner_agent_id = excluded.owner_agent_id,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata
	`
	_, err = s.db.ExecContext(ctx, query,
		req.Key,
		value,
		namespace,
		req.OwnerAgentID,
		scope,
		nowRFC3339(),
		expiresAt,
		metadata,
	)
	if err != nil {
		return "", fmt.Errorf("failed to set %q: %w", req.Key, err)
	}
	return namespace, nil
}

// Get reads one entry. Expired rows are deleted and reported as absent.
// Private entries belonging to someone other than requester are reported
// as absent, not as an error.
func (s *SharedStore) Get(ctx context.Context, key, requester string) (*Entry, bool, error) {
	s.mu.RLock()
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, namespace, owner_agent_id, scope, created_at, expires_at, metadata
		FROM agent_shared_state
		WHERE key = ?
	`, key)
	entry, err := scanEntry(row)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}

	if expired(entry.ExpiresAt) {
		s.mu.Lock()
		_, derr := s.db.ExecContext(ctx, `DELETE FROM agent_shared_state WHERE key = ?`, key)
		s.mu.Unlock()
		if derr != nil {
			log.Warn("failed to reap expired state entry", zap.String("key", key), zap.Error(derr))
		}
		return nil, false, nil
	}
	if !visible(entry, requester) {
		return nil, false, nil
	}
	return entry, true, nil
}

// List returns the entries matching the filter, newest first. Expired rows
// are excluded; private rows are filtered to the requester.
func (s *SharedStore) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	query := `
		SELECT key, value, namespace, owner_agent_id, scope, created_at, expires_at, metadata
		FROM agent_shared_state
		WHERE 1=1
	`
	args := []any{}
	if filter.Namespace != "" {
		query += " AND namespace = ?"
		args = append(args, filter.Namespace)
	}
	if filter.Owner != "" {
		query += " AND owner_agent_id = ?"
		args = append(args, filter.Owner)
	}
	query += " ORDER BY created_at DESC, key"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if expired(entry.ExpiresAt) || !visible(entry, filter.Requester) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// Delete removes one entry regardless of expiry. Returns whether a row
// existed.
func (s *SharedStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_shared_state WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SweepExpired deletes every expired row and returns the count. Driven by
// the daemon's maintenance scheduler.
func (s *SharedStore) SweepExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_shared_state
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, nowRFC3339())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug("swept expired state entries", zap.Int64("count", n))
	}
	return n, nil
}

// Count returns the number of live (unexpired) entries.
func (s *SharedStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_shared_state
		WHERE expires_at IS NULL OR expires_at > ?
	`, nowRFC3339()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SharedStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var raw string
	var namespace, expiresAt, metadata sql.NullString
	if err := row.Scan(&e.Key, &raw, &namespace, &e.OwnerAgentID, &e.Scope, &e.CreatedAt, &expiresAt, &metadata); err != nil {
		return nil, err
	}
	e.Value = decodeValue(raw)
	e.Namespace = namespace.String
	e.ExpiresAt = expiresAt.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			log.Warn("unparseable state entry metadata", zap.String("key", e.Key), zap.Error(err))
		}
	}
	return &e, nil
}

// encodeValue stores strings raw for backward compatibility; everything
// else is JSON.
func encodeValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decodeValue attempts JSON first, falling back to the raw string.
func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func visible(e *Entry, requester string) bool {
	if e.Scope != ScopePrivate {
		return true
	}
	return requester != "" && requester == e.OwnerAgentID
}

func expired(expiresAt string) bool {
	if expiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		// Unparseable expiry never fires; the row stays until rewritten.
		return false
	}
	return !t.After(time.Now().UTC())
}

func nowRFC3339() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}
