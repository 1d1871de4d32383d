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
package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/agents"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/protocol"
)

func TestMain(m *testing.M) {
	log.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Daemon.SocketPath = filepath.Join(dir, "run", "ksi.sock")
	cfg.Daemon.PIDFile = filepath.Join(dir, "run", "ksi.pid")
	cfg.Daemon.SocketTimeout = 5
	cfg.Daemon.TmpDir = filepath.Join(dir, "tmp")
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = filepath.Join(dir, "logs")
	cfg.Logging.SessionDir = filepath.Join(dir, "logs", "sessions")
	cfg.State.DBPath = filepath.Join(dir, "db", "state.db")
	cfg.State.IdentityPath = filepath.Join(dir, "db", "identities.json")
	cfg.State.SweepIntervalSeconds = 60
	cfg.Completion.Binary = "true"
	cfg.Completion.TimeoutSeconds = 5
	cfg.Bus.OfflineQueueSize = 10
	cfg.Bus.HistorySize = 100
	cfg.Injection.MaxDepth = 5
	cfg.Injection.MaxChainTokens = 50000
	cfg.Injection.ChainTTLSeconds = 60
	cfg.Injection.QueueSize = 10
	cfg.Injection.PendingTTLSeconds = 60
	cfg.Composer.CompositionsDir = filepath.Join(dir, "prompts", "compositions")
	cfg.Composer.ComponentsDir = filepath.Join(dir, "prompts", "components")
	cfg.Composer.ExtensionDir = filepath.Join(dir, "extension_modules")
	return cfg
}

// startDaemon runs a daemon on a temp socket and blocks until it answers
// HEALTH_CHECK.
func startDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	})

	require.NoError(t, waitHealthy(cfg.Daemon.SocketPath, 5*time.Second))
	return d
}

func call(t *testing.T, socket, cmd string, params any) *protocol.Response {
	t.Helper()
	resp, err := protocol.CallCommand(socket, cmd, params, 5*time.Second)
	require.NoError(t, err)
	return resp
}

func resultMap(t *testing.T, resp *protocol.Response) map[string]any {
	t.Helper()
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result is not an object: %#v", resp.Result)
	return m
}

func TestHealthCheckOverSocket(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg.Daemon.SocketPath, "HEALTH_CHECK", nil)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "HEALTH_CHECK", resp.Command)

	result := resultMap(t, resp)
	assert.Equal(t, "healthy", result["status"])
	assert.EqualValues(t, os.Getpid(), result["pid"])
	managers, ok := result["managers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", managers["state"])
	assert.Equal(t, "ok", managers["bus"])
}

func TestUnknownCommandSuggestions(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg.Daemon.SocketPath, "HEALTH_CHEK", nil)
	require.Equal(t, protocol.StatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrUnknownCommand, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "HEALTH_CHECK")
}

func TestInvalidJSONFrame(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	nc, err := net.Dial("unix", cfg.Daemon.SocketPath)
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("{not json\n"))
	require.NoError(t, err)

	reader := protocol.NewFrameReader(nc)
	frame, err := reader.Read()
	require.NoError(t, err)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(frame, &resp))
	assert.Equal(t, protocol.StatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrInvalidJSON, resp.Error.Code)
}

func TestInvalidParametersNamesField(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	resp := call(t, cfg.Daemon.SocketPath, "CLEANUP", map[string]any{"bogus": 1})
	require.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.ErrInvalidParameters, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "bogus")
}

func TestSpawnAliasEchoesCalledName(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	// Missing prompt keeps the pipeline out of it; only the envelope and
	// alias resolution are under test.
	resp := call(t, cfg.Daemon.SocketPath, "SPAWN", map[string]any{})
	assert.Equal(t, "SPAWN", resp.Command)
	require.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.ErrInvalidParameters, resp.Error.Code)
}

func TestSubscribeAndPublishPush(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	// Persistent subscriber connection for agent "watcher".
	nc, err := net.Dial("unix", cfg.Daemon.SocketPath)
	require.NoError(t, err)
	defer nc.Close()
	fw := protocol.NewFrameWriter(nc)
	reader := protocol.NewFrameReader(nc)

	send := func(cmd string, params any) *protocol.Response {
		t.Helper()
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		req := &protocol.Request{Command: cmd, Version: protocol.Version, Parameters: raw}
		data, err := json.Marshal(req)
		require.NoError(t, err)
		require.NoError(t, fw.Write(data))
		frame, err := reader.Read()
		require.NoError(t, err)
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(frame, &resp))
		return &resp
	}

	resp := send("AGENT_CONNECTION", map[string]any{"action": "connect", "agent_id": "watcher"})
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	resp = send("SUBSCRIBE", map[string]any{"agent_id": "watcher", "event_types": []string{"test:*"}})
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	// Publish from a second, one-shot connection.
	pub := call(t, cfg.Daemon.SocketPath, "PUBLISH", map[string]any{
		"from_agent": "announcer",
		"event_type": "test:ping",
		"payload":    map[string]any{"n": 1},
	})
	require.Equal(t, protocol.StatusSuccess, pub.Status)
	pubResult := resultMap(t, pub)
	assert.EqualValues(t, 1, pubResult["delivered"])

	// The subscriber's next frame is the pushed event, not a response.
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := reader.Read()
	require.NoError(t, err)
	require.True(t, protocol.IsEventFrame(frame))

	var evt map[string]any
	require.NoError(t, json.Unmarshal(frame, &evt))
	assert.Equal(t, "test:ping", evt["type"])
	assert.Equal(t, "announcer", evt["from"])
	assert.EqualValues(t, 1, evt["n"])
}

func TestStateKVOverSocket(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	set := call(t, cfg.Daemon.SocketPath, "SET_AGENT_KV", map[string]any{
		"key":            "team.alpha.leader",
		"value":          "agent_1",
		"owner_agent_id": "agent_1",
	})
	require.Equal(t, protocol.StatusSuccess, set.Status)
	assert.Equal(t, "team.alpha", resultMap(t, set)["namespace"])

	get := call(t, cfg.Daemon.SocketPath, "GET_AGENT_KV", map[string]any{
		"key": "team.alpha.leader",
	})
	require.Equal(t, protocol.StatusSuccess, get.Status)
	result := resultMap(t, get)
	assert.Equal(t, true, result["found"])
	assert.Equal(t, "agent_1", result["value"])
}

func TestShutdownCommand(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.NoError(t, waitHealthy(cfg.Daemon.SocketPath, 5*time.Second))

	resp := call(t, cfg.Daemon.SocketPath, "SHUTDOWN", nil)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "shutting_down", resultMap(t, resp)["status"])

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after SHUTDOWN")
	}
	_, statErr := os.Stat(cfg.Daemon.SocketPath)
	assert.True(t, os.IsNotExist(statErr), "socket file should be removed")
	_, statErr = os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(statErr), "pid file should be removed")
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.close()

	d.sessions.Record("sess_1", "agent_a", map[string]any{"result": "ok"})
	d.sessions.Record("sess_2", "agent_b", nil)
	_, err = d.agents.Register(agents.RegisterRequest{
		AgentID: "agent_a", Role: "researcher", Capabilities: []string{"search"},
	})
	require.NoError(t, err)

	payload, err := d.encodeSnapshot()
	require.NoError(t, err)

	snap, err := decodeSnapshot(payload)
	require.NoError(t, err)
	assert.Equal(t, snapshotVersion, snap.Version)
	assert.Len(t, snap.Sessions, 2)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "agent_a", snap.Agents[0].AgentID)

	// A successor applies it exactly once.
	cfg2 := testConfig(t)
	d2, err := New(cfg2, Options{HotReloadFrom: cfg.Daemon.SocketPath})
	require.NoError(t, err)
	defer d2.close()

	result, err := d2.applySnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, "state_loaded", result["status"])
	assert.Equal(t, 2, result["sessions"])
	assert.Equal(t, 1, result["agents"])
	assert.True(t, d2.agents.Exists("agent_a"))

	_, err = d2.applySnapshot(snap)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrInvalidParameters, protocol.AsDaemonError(err).Code)
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	_, err := decodeSnapshot("not base64!!!")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrLoadStateFailed, protocol.AsDaemonError(err).Code)

	_, err = decodeSnapshot("aGVsbG8=") // valid base64, not zstd
	require.Error(t, err)
	assert.Equal(t, protocol.ErrLoadStateFailed, protocol.AsDaemonError(err).Code)
}

func TestPIDGuardRemovesStaleFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.EnsureRuntimeDirs())

	// A pid that cannot exist: beyond the default pid_max.
	require.NoError(t, os.WriteFile(cfg.Daemon.PIDFile, []byte("4194304\n"), 0o644))

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.close()

	require.NoError(t, d.acquirePID())

	data, err := os.ReadFile(cfg.Daemon.PIDFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data[:len(data)-1]))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestWaitHealthyRejectsDegradedDaemon(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "degraded.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	// A daemon that answers HEALTH_CHECK but is still starting up must not
	// pass the health gate.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := protocol.NewFrameReader(c).Read(); err != nil {
					return
				}
				resp := protocol.NewSuccessResponse("HEALTH_CHECK", map[string]any{"status": "starting"}, nil)
				data, err := json.Marshal(resp)
				if err != nil {
					return
				}
				_ = protocol.NewFrameWriter(c).Write(data)
			}(conn)
		}
	}()

	err = waitHealthy(sock, 600*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not report healthy")
}
