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

package injection

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// Pending is one stored next-mode injection awaiting its session's next
// completion.
type Pending struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Content   string         `json:"content"`
	Position  string         `json:"position"`
	Priority  string         `json:"priority"`
	Mode      string         `json:"mode"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
	ExpiresAt string         `json:"expires_at"`

	expires time.Time
}

func priorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// addPending inserts an entry keeping higher priorities first and FIFO
// order within a priority.
func (r *Router) addPending(entry Pending) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.pending[entry.SessionID]
	idx := len(entries)
	rank := priorityRank(entry.Priority)
	for i, e := range entries {
		if priorityRank(e.Priority) > rank {
			idx = i
			break
		}
	}
	entries = append(entries, Pending{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry
	r.pending[entry.SessionID] = entries
	return len(entries)
}

// drainPending removes and returns the live entries for a session.
func (r *Router) drainPending(sessionID string) []Pending {
	r.mu.Lock()
	entries := r.pending[sessionID]
	delete(r.pending, sessionID)
	r.mu.Unlock()

	now := time.Now()
	live := entries[:0]
	for _, e := range entries {
		if e.expires.After(now) {
			live = append(live, e)
		}
	}
	return live
}

// ListResult is the INJECTION_LIST reply.
type ListResult struct {
	Pending []Pending `json:"pending"`
	Count   int       `json:"count"`
}

// List returns live pending entries for one session, or for every
// session in id order when sessionID is empty.
func (r *Router) List(sessionID string) *ListResult {
	r.mu.Lock()
	var ids []string
	if sessionID != "" {
		ids = []string{sessionID}
	} else {
		ids = make([]string, 0, len(r.pending))
		for id := range r.pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	now := time.Now()
	out := make([]Pending, 0, 8)
	for _, id := range ids {
		for _, e := range r.pending[id] {
			if e.expires.After(now) {
				out = append(out, e)
			}
		}
	}
	r.mu.Unlock()
	return &ListResult{Pending: out, Count: len(out)}
}

// ClearResult is the INJECTION_CLEAR reply.
type ClearResult struct {
	Removed int `json:"removed"`
}

// Clear removes pending entries, narrowed by session and stored mode
// when given.
func (r *Router) Clear(sessionID, mode string) *ClearResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, entries := range r.pending {
		if sessionID != "" && id != sessionID {
			continue
		}
		if mode == "" {
			removed += len(entries)
			delete(r.pending, id)
			continue
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Mode == mode {
				removed++
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, id)
		} else {
			r.pending[id] = kept
		}
	}
	return &ClearResult{Removed: removed}
}

// SweepExpired drops expired pending entries and stale chain records.
// Scheduled from the daemon cron.
func (r *Router) SweepExpired() int {
	now := time.Now()
	removed := r.sweepChains(now)

	r.mu.Lock()
	for id, entries := range r.pending {
		kept := entries[:0]
		for _, e := range entries {
			if e.expires.After(now) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(r.pending, id)
		} else {
			r.pending[id] = kept
		}
	}
	r.mu.Unlock()
	return removed
}

// frame positions injected content for the prompt. Only system_reminder
// adds markup; the other positions are placement instructions.
func frame(content, position string) string {
	if position == PositionSystemReminder {
		return "<system-reminder>\n" + content + "\n</system-reminder>"
	}
	return content
}

// CompletionHook returns the pre-prompt hook that folds a session's
// pending injections into its next completion. Drained entries are gone
// whether or not the completion later succeeds.
func (r *Router) CompletionHook() completion.Hook {
	return completion.Hook{
		Name: "injection_pending",
		Apply: func(_ context.Context, pc *completion.PromptContext) error {
			if pc.SessionID == "" {
				return nil
			}
			entries := r.drainPending(pc.SessionID)
			if len(entries) == 0 {
				return nil
			}
			var before, after []string
			for _, e := range entries {
				switch e.Position {
				case PositionBeforePrompt:
					before = append(before, e.Content)
				case PositionAfterPrompt:
					after = append(after, e.Content)
				default:
					after = append(after, frame(e.Content, PositionSystemReminder))
				}
			}
			parts := make([]string, 0, len(before)+len(after)+1)
			parts = append(parts, before...)
			parts = append(parts, pc.Prompt)
			parts = append(parts, after...)
			pc.Prompt = strings.Join(parts, "\n\n")
			return nil
		},
	}
}

func newPending(requestID, sessionID string, req Request, ttl time.Duration) Pending {
	now := time.Now()
	expires := now.Add(ttl)
	return Pending{
		RequestID: requestID,
		SessionID: sessionID,
		Content:   req.Content,
		Position:  normalizePosition(req.Position),
		Priority:  normalizePriority(req.Priority),
		Mode:      ModeNext,
		Metadata:  req.Metadata,
		CreatedAt: protocol.Timestamp(),
		ExpiresAt: expires.UTC().Format(time.RFC3339),
		expires:   expires,
	}
}
