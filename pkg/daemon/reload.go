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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/internal/version"
	"github.com/ksi-project/ksi/pkg/agents"
	"github.com/ksi-project/ksi/pkg/protocol"
	"github.com/ksi-project/ksi/pkg/state"
)

const (
	// snapshotVersion gates LOAD_STATE compatibility across daemon builds.
	snapshotVersion = 1

	// successorHealthTimeout bounds how long RELOAD_DAEMON waits for the
	// successor's socket to answer before rolling back.
	successorHealthTimeout = 15 * time.Second
	successorPollInterval  = 500 * time.Millisecond
)

// snapshot is the hot-reload state handoff: sessions and the agent
// registry. Live child processes, open connections and SQLite contents
// stay where they are; the successor reopens the database itself.
type snapshot struct {
	Version       int             `json:"version"`
	DaemonVersion string          `json:"daemon_version"`
	CreatedAt     time.Time       `json:"created_at"`
	Sessions      []state.Session `json:"sessions"`
	Agents        []agents.Agent  `json:"agents"`
}

// encodeSnapshot serializes the handoff state as base64(zstd(JSON)) so it
// travels inside a single LOAD_STATE frame.
func (d *Daemon) encodeSnapshot() (string, error) {
	snap := snapshot{
		Version:       snapshotVersion,
		DaemonVersion: version.Get(),
		CreatedAt:     time.Now().UTC(),
		Sessions:      d.sessions.Snapshot(),
		Agents:        d.agents.Snapshot(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()
	return base64.StdEncoding.EncodeToString(compressed), nil
}

func decodeSnapshot(payload string) (*snapshot, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrLoadStateFailed, "state_data is not valid base64")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrLoadStateFailed, "state_data is not valid zstd")
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, protocol.NewError(protocol.ErrLoadStateFailed, "state_data is not valid JSON")
	}
	if snap.Version != snapshotVersion {
		return nil, protocol.NewError(protocol.ErrLoadStateFailed,
			"unsupported snapshot version %d (expected %d)", snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// applySnapshot restores handoff state into this daemon. Idempotent per
// frame but guarded so a second LOAD_STATE after real traffic cannot
// clobber live registrations.
func (d *Daemon) applySnapshot(snap *snapshot) (map[string]any, error) {
	if !d.stateLoaded.CompareAndSwap(false, true) {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "state already loaded")
	}
	nSessions := d.sessions.Restore(snap.Sessions)
	nAgents := d.agents.Restore(snap.Agents)
	log.Info("state loaded from predecessor",
		zap.String("predecessor_version", snap.DaemonVersion),
		zap.Int("sessions", nSessions),
		zap.Int("agents", nAgents))
	if d.opts.HotReloadFrom != "" {
		// Take over single-instance ownership now that we are the daemon.
		if err := d.writePIDFile(); err != nil {
			log.Warn("successor could not write pid file", zap.Error(err))
		}
	}
	return map[string]any{
		"status":   "state_loaded",
		"sessions": nSessions,
		"agents":   nAgents,
	}, nil
}

// performReload runs the zero-downtime restart: spawn a successor on a
// shadow socket, wait for health, hand over state, then atomically rename
// the shadow socket onto the primary path and shut down. Any failure
// before the rename rolls back with the incumbent untouched.
func (d *Daemon) performReload() (map[string]any, error) {
	started := time.Now()
	primary := d.cfg.Daemon.SocketPath
	shadow := primary + ".new"
	_ = os.Remove(shadow)

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe, "serve",
		"--socket", shadow,
		"--hot-reload-from", primary)
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, protocol.NewError(protocol.ErrCommandProcessing, "spawn successor: %v", err)
	}
	log.Info("successor spawned",
		zap.Int("successor_pid", cmd.Process.Pid),
		zap.String("shadow_socket", shadow))

	// Rollback replies are success-shaped: the incumbent recovered and is
	// still fully serving. RELOAD_FAILED rides inside the detail.
	rollback := func(reason string, cause error) (map[string]any, error) {
		log.Error("hot reload rolled back", zap.String("reason", reason), zap.Error(cause))
		_ = cmd.Process.Kill()
		go func() { _, _ = cmd.Process.Wait() }()
		_ = os.Remove(shadow)
		detail := reason
		if cause != nil {
			detail = fmt.Sprintf("%s: %v", reason, cause)
		}
		return map[string]any{
			"status": "rollback_complete",
			"error": map[string]any{
				"code":    string(protocol.ErrReloadFailed),
				"message": detail,
			},
		}, nil
	}

	if err := waitHealthy(shadow, successorHealthTimeout); err != nil {
		return rollback("successor never became healthy", err)
	}

	payload, err := d.encodeSnapshot()
	if err != nil {
		return rollback("snapshot encoding failed", err)
	}
	resp, err := protocol.CallCommand(shadow, "LOAD_STATE",
		map[string]any{"state_data": payload}, successorHealthTimeout)
	if err != nil {
		return rollback("state handoff failed", err)
	}
	if resp.Status != protocol.StatusSuccess {
		return rollback("successor rejected state", fmt.Errorf("%v", resp.Error))
	}

	// Point of no return: new connections now reach the successor.
	if err := os.Rename(shadow, primary); err != nil {
		return rollback("socket rename failed", err)
	}
	d.reloading.Store(true)
	log.Info("hot reload complete, retiring",
		zap.Int("successor_pid", cmd.Process.Pid))
	go func() { _, _ = cmd.Process.Wait() }()
	d.scheduleShutdown(100 * time.Millisecond)

	return map[string]any{
		"status":      "reload_complete",
		"new_pid":     cmd.Process.Pid,
		"handover_ms": time.Since(started).Milliseconds(),
	}, nil
}

// waitHealthy polls HEALTH_CHECK on the given socket until it reports
// healthy or the deadline passes. A successful reply with a degraded
// status does not pass the gate.
func waitHealthy(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := protocol.CallCommand(socketPath, "HEALTH_CHECK", nil, successorPollInterval)
		switch {
		case err != nil:
			lastErr = err
		case resp.Status == protocol.StatusSuccess:
			if result, ok := resp.Result.(map[string]any); ok && result["status"] == "healthy" {
				return nil
			}
			lastErr = fmt.Errorf("daemon answered but did not report healthy")
		}
		time.Sleep(successorPollInterval)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("health check never succeeded")
	}
	return fmt.Errorf("socket %s not healthy after %s: %w", socketPath, timeout, lastErr)
}
