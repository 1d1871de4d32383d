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
// Package identity manages persistent per-agent identities: display
// profile, activity statistics and session history, persisted as one JSON
// document rewritten atomically after every mutation.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
)

// Sentinel errors the daemon maps onto wire codes.
var (
	ErrNotFound = errors.New("identity not found")
	ErrExists   = errors.New("identity already exists")
)

// SessionRef records one session an identity participated in.
type SessionRef struct {
	SessionID string `json:"session_id"`
	StartedAt string `json:"started_at"`
}

// Stats are the identity's activity counters. ToolsUsed has set
// semantics: each tool name appears once.
type Stats struct {
	MessagesSent              int      `json:"messages_sent"`
	ConversationsParticipated int      `json:"conversations_participated"`
	TasksCompleted            int      `json:"tasks_completed"`
	ToolsUsed                 []string `json:"tools_used,omitempty"`
}

// Identity is one agent's persistent identity. IdentityUUID, AgentID and
// CreatedAt are immutable after creation.
type Identity struct {
	IdentityUUID      string         `json:"identity_uuid"`
	AgentID           string         `json:"agent_id"`
	DisplayName       string         `json:"display_name"`
	Role              string         `json:"role"`
	PersonalityTraits []string       `json:"personality_traits,omitempty"`
	Appearance        string         `json:"appearance,omitempty"`
	CreatedAt         string         `json:"created_at"`
	LastActive        string         `json:"last_active"`
	ConversationCount int            `json:"conversation_count"`
	Sessions          []SessionRef   `json:"sessions,omitempty"`
	Preferences       map[string]any `json:"preferences,omitempty"`
	Stats             Stats          `json:"stats"`
}

// CreateRequest carries the caller-settable fields of a new identity.
type CreateRequest struct {
	DisplayName       string
	Role              string
	PersonalityTraits []string
	Appearance        string
	Preferences       map[string]any
}

// Activity kinds accepted by RecordActivity.
const (
	ActivityMessageSent    = "message_sent"
	ActivityConversation   = "conversation"
	ActivityTaskCompleted  = "task_completed"
	ActivityToolUsed       = "tool_used"
	ActivitySessionStarted = "session_started"
)

// document is the on-disk shape.
type document struct {
	Identities map[string]*Identity `json:"identities"`
	SavedAt    string               `json:"saved_at"`
}

// Manager owns the identity document. All mutations rewrite the file via
// temp-file + rename so a crash never leaves a torn document.
type Manager struct {
	path string

	mu         sync.RWMutex
	identities map[string]*Identity
}

// NewManager loads (or initialises) the identity document at path.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path, identities: make(map[string]*Identity)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse identity store %s: %w", path, err)
	}
	if doc.Identities != nil {
		m.identities = doc.Identities
	}
	log.Debug("loaded identities", zap.Int("count", len(m.identities)), zap.String("path", path))
	return m, nil
}

// defaultTraits supplies stock personality traits for well-known roles.
func defaultTraits(role string) []string {
	switch role {
	case "researcher":
		return []string{"curious", "thorough", "analytical"}
	case "analyst":
		return []string{"precise", "methodical", "data-driven"}
	case "coordinator":
		return []string{"organized", "communicative", "decisive"}
	case "developer":
		return []string{"pragmatic", "detail-oriented", "systematic"}
	}
	return nil
}

// Create adds a new identity for agentID.
func (m *Manager) Create(agentID string, req CreateRequest) (*Identity, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent_id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[agentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, agentID)
	}

	now := nowRFC3339()
	id := &Identity{
		IdentityUUID:      uuid.NewString(),
		AgentID:           agentID,
		DisplayName:       req.DisplayName,
		Role:              req.Role,
		PersonalityTraits: req.PersonalityTraits,
		Appearance:        req.Appearance,
		CreatedAt:         now,
		LastActive:        now,
		Preferences:       req.Preferences,
	}
	if id.DisplayName == "" {
		id.DisplayName = agentID
	}
	if len(id.PersonalityTraits) == 0 {
		id.PersonalityTraits = defaultTraits(req.Role)
	}

	m.identities[agentID] = id
	if err := m.saveLocked(); err != nil {
		delete(m.identities, agentID)
		return nil, err
	}
	return id.clone(), nil
}

// protectedFields may never appear in an update.
var protectedFields = []string{"identity_uuid", "agent_id", "created_at"}

// Update merges the given field updates into an identity. Protected
// fields are rejected; unknown fields are rejected by name.
func (m *Manager) Update(agentID string, updates map[string]any) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}

	prev := id.clone()
	for field, value := range updates {
		if slices.Contains(protectedFields, field) {
			return nil, fmt.Errorf("field %q is protected and cannot be updated", field)
		}
		switch field {
		case "display_name":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("field %q must be a string", field)
			}
			id.DisplayName = s
		case "role":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("field %q must be a string", field)
			}
			id.Role = s
		case "appearance":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("field %q must be a string", field)
			}
			id.Appearance = s
		case "personality_traits":
			traits, err := toStringSlice(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field, err)
			}
			id.PersonalityTraits = traits
		case "preferences":
			prefs, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field %q must be an object", field)
			}
			if id.Preferences == nil {
				id.Preferences = make(map[string]any, len(prefs))
			}
			for k, v := range prefs {
				id.Preferences[k] = v
			}
		default:
			return nil, fmt.Errorf("unknown identity field %q", field)
		}
	}
	id.LastActive = nowRFC3339()

	if err := m.saveLocked(); err != nil {
		m.identities[agentID] = prev
		return nil, err
	}
	return id.clone(), nil
}

// Get returns one identity.
func (m *Manager) Get(agentID string) (*Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[agentID]
	if !ok {
		return nil, false
	}
	return id.clone(), true
}

// List returns every identity sorted by agent id.
func (m *Manager) List() []*Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of identities.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities)
}

// Remove deletes an identity.
func (m *Manager) Remove(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	delete(m.identities, agentID)
	if err := m.saveLocked(); err != nil {
		m.identities[agentID] = id
		return err
	}
	return nil
}

// RecordActivity bumps last_active and the counter matching kind. It is
// best-effort: unknown agents and save failures are logged, never fatal,
// so callers on hot paths don't branch on it.
func (m *Manager) RecordActivity(agentID, kind, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[agentID]
	if !ok {
		return
	}

	id.LastActive = nowRFC3339()
	switch kind {
	case ActivityMessageSent:
		id.Stats.MessagesSent++
	case ActivityConversation:
		id.Stats.ConversationsParticipated++
		id.ConversationCount++
	case ActivityTaskCompleted:
		id.Stats.TasksCompleted++
	case ActivityToolUsed:
		if detail != "" && !slices.Contains(id.Stats.ToolsUsed, detail) {
			id.Stats.ToolsUsed = append(id.Stats.ToolsUsed, detail)
			sort.Strings(id.Stats.ToolsUsed)
		}
	case ActivitySessionStarted:
		if detail != "" {
			id.Sessions = append(id.Sessions, SessionRef{SessionID: detail, StartedAt: id.LastActive})
		}
	default:
		log.Warn("unknown identity activity kind", zap.String("kind", kind), zap.String("agent_id", agentID))
		return
	}

	if err := m.saveLocked(); err != nil {
		log.Warn("failed to persist identity activity", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// saveLocked rewrites the document. Caller holds the write lock.
func (m *Manager) saveLocked() error {
	doc := document{Identities: m.identities, SavedAt: nowRFC3339()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity store directory: %w", err)
	}

	// Write-then-rename keeps the document whole across crashes.
	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity store: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace identity store: %w", err)
	}
	return nil
}

func (id *Identity) clone() *Identity {
	out := *id
	out.PersonalityTraits = slices.Clone(id.PersonalityTraits)
	out.Sessions = slices.Clone(id.Sessions)
	out.Stats.ToolsUsed = slices.Clone(id.Stats.ToolsUsed)
	if id.Preferences != nil {
		out.Preferences = make(map[string]any, len(id.Preferences))
		for k, v := range id.Preferences {
			out.Preferences[k] = v
		}
	}
	return &out
}

func toStringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return slices.Clone(vv), nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be a list of strings")
}

func nowRFC3339() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}
