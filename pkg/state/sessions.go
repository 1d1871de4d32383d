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
package state

import (
	"sort"
	"sync"

	"github.com/ksi-project/ksi/internal/csync"
)

// Session is one tracked LLM conversation: the backend's opaque id plus
// the last observed output object. Only the completion pipeline writes
// these.
type Session struct {
	ID              string         `json:"session_id"`
	AgentID         string         `json:"agent_id,omitempty"`
	LastOutput      map[string]any `json:"last_output,omitempty"`
	UpdatedAt       string         `json:"updated_at"`
	CompletionCount int            `json:"completion_count"`
}

// SessionTracker is the in-memory session map. It survives hot reload by
// riding the state snapshot; it does not survive a cold restart.
type SessionTracker struct {
	sessions *csync.Map[string, Session]

	mu     sync.Mutex
	lastID string
}

// NewSessionTracker returns an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: csync.NewMap[string, Session]()}
}

// Record notes a completion's output for a session, creating the session
// on first sight.
func (t *SessionTracker) Record(sessionID, agentID string, output map[string]any) Session {
	sess, ok := t.sessions.Get(sessionID)
	if !ok {
		sess = Session{ID: sessionID}
	}
	if agentID != "" {
		sess.AgentID = agentID
	}
	sess.LastOutput = output
	sess.UpdatedAt = nowRFC3339()
	sess.CompletionCount++
	t.sessions.Set(sessionID, sess)

	t.mu.Lock()
	t.lastID = sessionID
	t.mu.Unlock()
	return sess
}

// Get returns a session by id.
func (t *SessionTracker) Get(sessionID string) (Session, bool) {
	return t.sessions.Get(sessionID)
}

// LastSessionID returns the most recently recorded session id, "" when no
// completion has run yet.
func (t *SessionTracker) LastSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

// Count returns the number of tracked sessions.
func (t *SessionTracker) Count() int {
	return t.sessions.Len()
}

// All returns every session sorted by id.
func (t *SessionTracker) All() []Session {
	var out []Session
	for _, sess := range t.sessions.Seq2() {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops every session and returns how many were dropped. Used by
// CLEANUP sessions.
func (t *SessionTracker) Clear() int {
	n := t.sessions.Len()
	t.sessions.Clear()
	t.mu.Lock()
	t.lastID = ""
	t.mu.Unlock()
	return n
}

// Snapshot returns the sessions for the hot-reload state transfer.
func (t *SessionTracker) Snapshot() []Session {
	return t.All()
}

// Restore loads sessions from a predecessor's snapshot, replacing nothing
// that already exists. Returns the number restored.
func (t *SessionTracker) Restore(sessions []Session) int {
	n := 0
	for _, sess := range sessions {
		if sess.ID == "" {
			continue
		}
		if _, exists := t.sessions.Get(sess.ID); exists {
			continue
		}
		t.sessions.Set(sess.ID, sess)
		n++
	}
	return n
}
