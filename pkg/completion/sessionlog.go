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

package completion

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ksi-project/ksi/internal/jsonl"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// sessionRecord is one line of a session conversation log.
type sessionRecord struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Content   string         `json:"content"`
	Response  map[string]any `json:"response,omitempty"`
}

// sessionLogger appends conversation turns to <dir>/<session_id>.jsonl
// and keeps <dir>/latest.jsonl pointing at the most recent session.
type sessionLogger struct {
	dir string
}

// Append writes the prompt and the assistant reply as two records.
func (l *sessionLogger) Append(sessionID, prompt, response string, out map[string]any) error {
	if l.dir == "" || sessionID == "" {
		return nil
	}
	w := jsonl.NewWriter(filepath.Join(l.dir, sessionID+".jsonl"))
	defer w.Close()

	ts := protocol.Timestamp()
	if err := w.Append(sessionRecord{TS: ts, Type: "human", SessionID: sessionID, Content: prompt}); err != nil {
		return err
	}
	if err := w.Append(sessionRecord{TS: ts, Type: "assistant", SessionID: sessionID, Content: response, Response: out}); err != nil {
		return err
	}
	return l.pointLatest(sessionID)
}

// pointLatest atomically repoints latest.jsonl at the session's log file.
func (l *sessionLogger) pointLatest(sessionID string) error {
	tmp := filepath.Join(l.dir, ".latest.jsonl.tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(sessionID+".jsonl", tmp); err != nil {
		return fmt.Errorf("failed to stage latest symlink: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, "latest.jsonl")); err != nil {
		return fmt.Errorf("failed to update latest symlink: %w", err)
	}
	return nil
}
