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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTrackerRecord(t *testing.T) {
	tracker := NewSessionTracker()
	assert.Equal(t, 0, tracker.Count())
	assert.Empty(t, tracker.LastSessionID())

	sess := tracker.Record("sess-1", "agent_1", map[string]any{"result": "ok"})
	assert.Equal(t, 1, sess.CompletionCount)
	assert.Equal(t, "agent_1", sess.AgentID)
	assert.Equal(t, "sess-1", tracker.LastSessionID())

	// A later completion on the same session replaces the output and
	// bumps the counter; the agent binding sticks when omitted.
	sess = tracker.Record("sess-1", "", map[string]any{"result": "better"})
	assert.Equal(t, 2, sess.CompletionCount)
	assert.Equal(t, "agent_1", sess.AgentID)
	assert.Equal(t, "better", sess.LastOutput["result"])

	tracker.Record("sess-2", "agent_2", nil)
	assert.Equal(t, 2, tracker.Count())
	assert.Equal(t, "sess-2", tracker.LastSessionID())

	got, ok := tracker.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "better", got.LastOutput["result"])
	_, ok = tracker.Get("sess-9")
	assert.False(t, ok)
}

func TestSessionTrackerClear(t *testing.T) {
	tracker := NewSessionTracker()
	tracker.Record("sess-1", "a1", nil)
	tracker.Record("sess-2", "a2", nil)

	assert.Equal(t, 2, tracker.Clear())
	assert.Equal(t, 0, tracker.Count())
	assert.Empty(t, tracker.LastSessionID())
}

func TestSessionTrackerSnapshotRestore(t *testing.T) {
	tracker := NewSessionTracker()
	tracker.Record("sess-a", "agent_1", map[string]any{"n": float64(1)})
	tracker.Record("sess-b", "agent_2", nil)

	snap := tracker.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "sess-a", snap[0].ID)
	assert.Equal(t, "sess-b", snap[1].ID)

	successor := NewSessionTracker()
	successor.Record("sess-b", "agent_2_local", nil)

	restored := successor.Restore(snap)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 2, successor.Count())

	// Existing entries win over snapshot copies.
	kept, ok := successor.Get("sess-b")
	require.True(t, ok)
	assert.Equal(t, "agent_2_local", kept.AgentID)
}
