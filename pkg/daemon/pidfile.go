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
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// pidProbeTimeout bounds the socket liveness probe during startup. A
// daemon that holds the PID file but cannot answer HEALTH_CHECK within
// this window is treated as wedged and replaced.
const pidProbeTimeout = 2 * time.Second

// acquirePID enforces single-instance operation. A healthy incumbent
// yields ErrAlreadyRunning; a stale or wedged one is cleaned up and this
// process takes over.
func (d *Daemon) acquirePID() error {
	path := d.cfg.Daemon.PIDFile
	if pid, ok := readPIDFile(path); ok {
		switch d.probeIncumbent(pid) {
		case incumbentHealthy:
			log.Info("daemon already running", zap.Int("pid", pid))
			return ErrAlreadyRunning
		case incumbentStale:
			log.Warn("removing stale daemon artifacts",
				zap.Int("stale_pid", pid),
				zap.String("pid_file", path))
			_ = os.Remove(path)
			_ = os.Remove(d.cfg.Daemon.SocketPath)
		}
	}
	return d.writePIDFile()
}

func (d *Daemon) writePIDFile() error {
	path := d.cfg.Daemon.PIDFile
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// releasePID removes the PID file only if this process still owns it; a
// successor that took over during hot reload keeps its own file.
func (d *Daemon) releasePID() {
	path := d.cfg.Daemon.PIDFile
	if pid, ok := readPIDFile(path); ok && pid == os.Getpid() {
		_ = os.Remove(path)
	}
}

type incumbentState int

const (
	incumbentHealthy incumbentState = iota
	incumbentStale
)

// probeIncumbent decides whether the PID file's owner is a live, serving
// daemon. Three checks: the process exists, its cmdline looks like ours
// (PIDs recycle), and the socket answers HEALTH_CHECK within the probe
// window.
func (d *Daemon) probeIncumbent(pid int) incumbentState {
	if pid <= 0 || pid == os.Getpid() {
		return incumbentStale
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return incumbentStale
	}
	if !cmdlineMatches(pid) {
		return incumbentStale
	}
	resp, err := protocol.CallCommand(d.cfg.Daemon.SocketPath, "HEALTH_CHECK", nil, pidProbeTimeout)
	if err != nil || resp.Status != protocol.StatusSuccess {
		log.Warn("pid file owner alive but socket unresponsive", zap.Int("pid", pid))
		return incumbentStale
	}
	return incumbentHealthy
}

// cmdlineMatches reports whether /proc/<pid>/cmdline names the same
// executable as this process. Unreadable cmdline (non-Linux, permissions)
// counts as a match so liveness alone decides.
func cmdlineMatches(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	args := strings.Split(string(data), "\x00")
	if len(args) == 0 || args[0] == "" {
		return true
	}
	return baseName(args[0]) == baseName(os.Args[0])
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
