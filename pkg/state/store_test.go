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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
)

func TestMain(m *testing.M) {
	log.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *SharedStore {
	t.Helper()
	store, err := NewSharedStore(DBConfig{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDeriveNamespace(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"analysis.results.batch1", "analysis.results"},
		{"analysis.results", "analysis.results"},
		{"solo", ""},
		{"a.b.c.d.e", "a.b"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveNamespace(tt.key), "key %q", tt.key)
	}
}

func TestSharedStoreSetGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// String values are stored raw.
	ns, err := store.Set(ctx, SetRequest{Key: "notes.daily.standup", Value: "all green", OwnerAgentID: "agent_1"})
	require.NoError(t, err)
	assert.Equal(t, "notes.daily", ns)

	entry, found, err := store.Get(ctx, "notes.daily.standup", "agent_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "all green", entry.Value)
	assert.Equal(t, "notes.daily", entry.Namespace)
	assert.Equal(t, "agent_1", entry.OwnerAgentID)
	assert.Equal(t, ScopeShared, entry.Scope)
	assert.NotEmpty(t, entry.CreatedAt)

	// Structured values round-trip through JSON.
	_, err = store.Set(ctx, SetRequest{
		Key:          "analysis.results.batch1",
		Value:        map[string]any{"rows": float64(42), "ok": true},
		OwnerAgentID: "agent_2",
		Metadata:     map[string]any{"source": "pipeline"},
	})
	require.NoError(t, err)

	entry, found, err = store.Get(ctx, "analysis.results.batch1", "")
	require.NoError(t, err)
	require.True(t, found)
	value, ok := entry.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), value["rows"])
	assert.Equal(t, true, value["ok"])
	assert.Equal(t, "pipeline", entry.Metadata["source"])

	_, found, err = store.Get(ctx, "never.set", "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSharedStoreUpsertPreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Set(ctx, SetRequest{Key: "plan.current", Value: "v1", OwnerAgentID: "a1"})
	require.NoError(t, err)
	first, found, err := store.Get(ctx, "plan.current", "")
	require.NoError(t, err)
	require.True(t, found)

	_, err = store.Set(ctx, SetRequest{Key: "plan.current", Value: "v2", OwnerAgentID: "a2"})
	require.NoError(t, err)

	second, found, err := store.Get(ctx, "plan.current", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", second.Value)
	assert.Equal(t, "a2", second.OwnerAgentID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestSharedStorePrivateScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Set(ctx, SetRequest{
		Key:          "scratch.agent1.wip",
		Value:        "secret",
		OwnerAgentID: "agent_1",
		Scope:        ScopePrivate,
	})
	require.NoError(t, err)

	// Owner sees it.
	_, found, err := store.Get(ctx, "scratch.agent1.wip", "agent_1")
	require.NoError(t, err)
	assert.True(t, found)

	// Everyone else does not, including anonymous readers.
	_, found, err = store.Get(ctx, "scratch.agent1.wip", "agent_2")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.Get(ctx, "scratch.agent1.wip", "")
	require.NoError(t, err)
	assert.False(t, found)

	// Coordination entries are readable by anyone.
	_, err = store.Set(ctx, SetRequest{
		Key:          "coord.tasks.next",
		Value:        "t42",
		OwnerAgentID: "agent_1",
		Scope:        ScopeCoordination,
	})
	require.NoError(t, err)
	entry, found, err := store.Get(ctx, "coord.tasks.next", "agent_2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ScopeCoordination, entry.Scope)
}

func TestSharedStoreRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Set(ctx, SetRequest{Key: "", Value: "x"})
	assert.Error(t, err)

	_, err = store.Set(ctx, SetRequest{Key: "k", Value: "x", Scope: "global"})
	assert.Error(t, err)

	_, err = store.Set(ctx, SetRequest{Key: "k", Value: "x", ExpiresAt: "tomorrow"})
	assert.Error(t, err)
}

func TestSharedStoreExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	_, err := store.Set(ctx, SetRequest{Key: "ttl.gone.a", Value: "x", OwnerAgentID: "a1", ExpiresAt: past})
	require.NoError(t, err)
	_, err = store.Set(ctx, SetRequest{Key: "ttl.kept.b", Value: "y", OwnerAgentID: "a1", ExpiresAt: future})
	require.NoError(t, err)

	// Expired entries read as absent (and are reaped on the way).
	_, found, err := store.Get(ctx, "ttl.gone.a", "")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = store.Get(ctx, "ttl.kept.b", "")
	require.NoError(t, err)
	assert.True(t, found)

	// Sweep collects anything the lazy path has not touched yet.
	_, err = store.Set(ctx, SetRequest{Key: "ttl.gone.c", Value: "z", OwnerAgentID: "a1", ExpiresAt: past})
	require.NoError(t, err)
	swept, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSweepCollectsOffsetExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Already past in UTC, but the raw offset string sorts after a Z
	// now-string; the store must normalize it at write time.
	offset := time.FixedZone("ahead", 14*3600)
	past := time.Now().Add(-time.Minute).In(offset).Format(time.RFC3339)

	_, err := store.Set(ctx, SetRequest{Key: "ttl.offset.a", Value: "x", OwnerAgentID: "a1", ExpiresAt: past})
	require.NoError(t, err)

	swept, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
}

func TestSharedStoreList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []SetRequest{
		{Key: "analysis.results.a", Value: "1", OwnerAgentID: "agent_1"},
		{Key: "analysis.results.b", Value: "2", OwnerAgentID: "agent_2"},
		{Key: "analysis.notes.a", Value: "3", OwnerAgentID: "agent_1"},
		{Key: "scratch.agent2.tmp", Value: "4", OwnerAgentID: "agent_2", Scope: ScopePrivate},
	}
	for _, req := range seed {
		_, err := store.Set(ctx, req)
		require.NoError(t, err)
	}

	entries, err := store.List(ctx, ListFilter{Namespace: "analysis.results"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = store.List(ctx, ListFilter{Owner: "agent_1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Private rows only show up for their owner.
	entries, err = store.List(ctx, ListFilter{Owner: "agent_2", Requester: "agent_1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	entries, err = store.List(ctx, ListFilter{Owner: "agent_2", Requester: "agent_2"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSharedStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Set(ctx, SetRequest{Key: "gone.soon", Value: "x", OwnerAgentID: "a1"})
	require.NoError(t, err)

	removed, err := store.Delete(ctx, "gone.soon")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Delete(ctx, "gone.soon")
	require.NoError(t, err)
	assert.False(t, removed)
}
