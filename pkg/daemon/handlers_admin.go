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
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/internal/version"
	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/protocol"
)

func (d *Daemon) handleHealthCheck(ctx context.Context, inv *command.Invocation) (any, error) {
	return map[string]any{
		"status":          "healthy",
		"pid":             os.Getpid(),
		"version":         version.Get(),
		"uptime_seconds":  int64(time.Since(d.startedAt).Seconds()),
		"active_sessions": d.sessions.Count(),
		"managers":        d.managerHealth(),
	}, nil
}

func (d *Daemon) handleShutdown(ctx context.Context, inv *command.Invocation) (any, error) {
	log.FromContext(ctx).Info("shutdown command received")
	// Delay lets the reply frame flush before the listener closes.
	d.scheduleShutdown(100 * time.Millisecond)
	return map[string]any{"status": "shutting_down"}, nil
}

func (d *Daemon) handleReloadDaemon(ctx context.Context, inv *command.Invocation) (any, error) {
	if d.opts.HotReloadFrom != "" {
		return nil, protocol.NewError(protocol.ErrReloadFailed,
			"successor cannot reload before completing its own takeover")
	}
	return d.performReload()
}

func (d *Daemon) handleLoadState(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		StateData string `json:"state_data"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.StateData == "" {
		return nil, protocol.MissingParam("state_data")
	}
	snap, err := decodeSnapshot(params.StateData)
	if err != nil {
		return nil, err
	}
	return d.applySnapshot(snap)
}

func (d *Daemon) handleCleanup(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		CleanupType string `json:"cleanup_type"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.CleanupType == "" {
		return nil, protocol.MissingParam("cleanup_type")
	}

	removed := map[string]int{}
	switch params.CleanupType {
	case "logs":
		removed["logs"] = d.cleanupLogs()
	case "sessions":
		removed["sessions"] = d.sessions.Clear()
	case "sockets":
		removed["sockets"] = d.cleanupSockets()
	case "all":
		removed["logs"] = d.cleanupLogs()
		removed["sessions"] = d.sessions.Clear()
		removed["sockets"] = d.cleanupSockets()
	default:
		return nil, protocol.NewError(protocol.ErrInvalidParameters,
			"cleanup_type must be logs, sessions, sockets or all, got %q", params.CleanupType)
	}

	log.FromContext(ctx).Info("cleanup complete",
		zap.String("cleanup_type", params.CleanupType),
		zap.Any("removed", removed))
	return map[string]any{
		"status":  "cleaned",
		"removed": removed,
	}, nil
}

// cleanupLogs removes session JSONL files and the bus event log. The
// daemon's own log stays: zap holds it open.
func (d *Daemon) cleanupLogs() int {
	removed := 0
	entries, err := os.ReadDir(d.cfg.Logging.SessionDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
				continue
			}
			if os.Remove(filepath.Join(d.cfg.Logging.SessionDir, e.Name())) == nil {
				removed++
			}
		}
	}
	if os.Remove(d.cfg.BusLogPath()) == nil {
		removed++
	}
	return removed
}

// cleanupSockets unlinks leftover *.sock files in the run directory,
// excluding the socket this daemon is serving on.
func (d *Daemon) cleanupSockets() int {
	removed := 0
	active := filepath.Base(d.cfg.Daemon.SocketPath)
	entries, err := os.ReadDir(d.runDir())
	if err != nil {
		return 0
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sock") || name == active {
			continue
		}
		if os.Remove(filepath.Join(d.runDir(), name)) == nil {
			removed++
		}
	}
	return removed
}

func (d *Daemon) handleReloadModule(ctx context.Context, inv *command.Invocation) (any, error) {
	if d.composer == nil {
		return nil, protocol.NewError(protocol.ErrComposerUnavailable, "prompt composer is not available")
	}
	var params struct {
		ModuleName string `json:"module_name"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.ModuleName == "" {
		return nil, protocol.MissingParam("module_name")
	}
	return d.composer.ReloadModule(params.ModuleName)
}

func (d *Daemon) handleGetCommands(ctx context.Context, inv *command.Invocation) (any, error) {
	docs := d.registry.Describe()
	return map[string]any{
		"commands": docs,
		"count":    len(docs),
	}, nil
}
