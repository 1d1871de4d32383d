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
// Package supervisor starts and tracks the daemon's child processes: transient
// LLM calls that produce one JSON object on stdout, and long-lived agent
// workers that connect back over the daemon socket.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/csync"
	"github.com/ksi-project/ksi/internal/log"
)

// Kind distinguishes the two classes of children the supervisor runs.
type Kind string

const (
	KindLLM         Kind = "llm"
	KindAgentWorker Kind = "agent_worker"
)

// Status is a process lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
// Overridable in tests.
var killGrace = 3 * time.Second

const (
	// stderrTailLimit bounds the retained stderr of LLM children.
	stderrTailLimit = 4 * 1024

	// maxTracked bounds the process table; the oldest finished entries are
	// pruned beyond this.
	maxTracked = 1000

	// maxListed caps a single GET_PROCESSES response.
	maxListed = 100
)

// Spec describes a child process to launch.
type Spec struct {
	Kind      Kind
	AgentID   string
	Model     string
	SessionID string
	Argv      []string
	Stdin     string
	Env       map[string]string
	Dir       string

	// ProcessID, when set, names the table entry. Callers that must
	// announce a process id before the child starts supply their own;
	// otherwise one is generated.
	ProcessID string
}

// LLMResult carries everything a finished LLM child produced.
type LLMResult struct {
	ProcessID  string
	Stdout     []byte
	StderrTail string
	ExitCode   int
	Duration   time.Duration
}

// ProcessInfo is the JSON snapshot of one table entry, as served by
// GET_PROCESSES.
type ProcessInfo struct {
	ProcessID string `json:"process_id"`
	Kind      string `json:"kind"`
	AgentID   string `json:"agent_id,omitempty"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PID       int    `json:"pid"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`
}

// Process is one tracked child.
type Process struct {
	id        string
	kind      Kind
	agentID   string
	model     string
	pid       int
	startedAt time.Time
	h         handle
	done      chan struct{}

	mu        sync.Mutex
	sessionID string
	status    Status
	exitCode  int
	errMsg    string
	endedAt   time.Time
	killedBy  bool
}

// ID returns the stable proc_ identifier.
func (p *Process) ID() string { return p.id }

// Info snapshots the table entry.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked()
}

func (p *Process) infoLocked() ProcessInfo {
	info := ProcessInfo{
		ProcessID: p.id,
		Kind:      string(p.kind),
		AgentID:   p.agentID,
		Model:     p.model,
		SessionID: p.sessionID,
		PID:       p.pid,
		Status:    string(p.status),
		StartedAt: p.startedAt.Format(time.RFC3339),
		ExitCode:  p.exitCode,
		Error:     p.errMsg,
	}
	if !p.endedAt.IsZero() {
		info.EndedAt = p.endedAt.Format(time.RFC3339)
	}
	return info
}

func (p *Process) markKillRequested() {
	p.mu.Lock()
	p.killedBy = true
	p.mu.Unlock()
}

// finish records the terminal state derived from Wait's error.
func (p *Process) finish(waitErr error) ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endedAt = time.Now().UTC()
	if waitErr == nil {
		p.status = StatusExited
		p.exitCode = 0
		return p.infoLocked()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		p.exitCode = exitErr.ExitCode()
	} else {
		p.exitCode = -1
	}
	p.errMsg = waitErr.Error()
	if p.killedBy {
		p.status = StatusKilled
	} else {
		p.status = StatusFailed
	}
	return p.infoLocked()
}

// Manager owns the process table.
type Manager struct {
	run   runner
	procs *csync.Map[string, *Process]

	mu     sync.Mutex
	onExit func(ProcessInfo)
}

// NewManager creates a supervisor backed by os/exec.
func NewManager() *Manager {
	return newManagerWithRunner(execRunner{})
}

func newManagerWithRunner(r runner) *Manager {
	return &Manager{run: r, procs: csync.NewMap[string, *Process]()}
}

// OnProcessExit registers fn to run whenever a child reaches a terminal
// state. Registration replaces any previous handler.
func (m *Manager) OnProcessExit(fn func(ProcessInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

func (m *Manager) exitHandler() func(ProcessInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onExit
}

func (m *Manager) start(spec Spec) (*Process, error) {
	h, err := m.run.Start(spec)
	if err != nil {
		return nil, err
	}
	id := spec.ProcessID
	if id == "" {
		id = "proc_" + uuid.NewString()[:8]
	}
	p := &Process{
		id:        id,
		kind:      spec.Kind,
		agentID:   spec.AgentID,
		model:     spec.Model,
		sessionID: spec.SessionID,
		pid:       h.PID(),
		startedAt: time.Now().UTC(),
		h:         h,
		status:    StatusRunning,
		done:      make(chan struct{}),
	}
	m.procs.Set(p.id, p)
	log.Info("process started",
		zap.String("process_id", p.id),
		zap.String("kind", string(p.kind)),
		zap.String("agent_id", p.agentID),
		zap.Int("pid", p.pid))
	return p, nil
}

// RunLLM starts a transient LLM child, feeds it the prompt on stdin and
// returns its whole stdout once it exits. A non-zero exit is reported in the
// result, not as an error. Cancelling ctx terminates the child (SIGTERM, then
// SIGKILL after the grace period) and returns ctx's error.
func (m *Manager) RunLLM(ctx context.Context, spec Spec) (*LLMResult, error) {
	spec.Kind = KindLLM
	start := time.Now()
	p, err := m.start(spec)
	if err != nil {
		return nil, err
	}

	tail := newTailBuffer(stderrTailLimit)
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		_, _ = io.Copy(tail, p.h.Stderr())
	}()

	go func() {
		select {
		case <-ctx.Done():
			m.terminate(p)
		case <-p.done:
		}
	}()

	stdout, readErr := io.ReadAll(p.h.Stdout())
	readers.Wait()
	info := m.reap(p, p.h.Wait())

	res := &LLMResult{
		ProcessID:  p.id,
		Stdout:     stdout,
		StderrTail: tail.String(),
		ExitCode:   info.ExitCode,
		Duration:   time.Since(start),
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if readErr != nil {
		return res, fmt.Errorf("failed to read child output: %w", readErr)
	}
	return res, nil
}

// StartWorker launches a long-lived agent worker and returns its process id.
// Worker output is logged line by line; exit is reported through the
// OnProcessExit handler.
func (m *Manager) StartWorker(spec Spec) (string, error) {
	spec.Kind = KindAgentWorker
	p, err := m.start(spec)
	if err != nil {
		return "", err
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go m.logStream(&readers, p, "stdout", p.h.Stdout())
	go m.logStream(&readers, p, "stderr", p.h.Stderr())

	go func() {
		// Drain both pipes before Wait, per the os/exec contract.
		readers.Wait()
		m.reap(p, p.h.Wait())
	}()
	return p.id, nil
}

func (m *Manager) logStream(wg *sync.WaitGroup, p *Process, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		log.Debug("worker output",
			zap.String("process_id", p.id),
			zap.String("agent_id", p.agentID),
			zap.String("stream", stream),
			zap.String("line", scanner.Text()))
	}
}

// reap records the terminal state, wakes waiters and notifies the exit
// handler. Called exactly once per process.
func (m *Manager) reap(p *Process, waitErr error) ProcessInfo {
	info := p.finish(waitErr)
	close(p.done)

	fields := []zap.Field{
		zap.String("process_id", info.ProcessID),
		zap.String("kind", info.Kind),
		zap.String("status", info.Status),
		zap.Int("exit_code", info.ExitCode),
	}
	if info.AgentID != "" {
		fields = append(fields, zap.String("agent_id", info.AgentID))
	}
	if info.Status == string(StatusExited) {
		log.Info("process exited", fields...)
	} else {
		log.Warn("process exited", fields...)
	}

	if fn := m.exitHandler(); fn != nil {
		fn(info)
	}
	m.prune()
	return info
}

// terminate asks the child to exit and escalates to SIGKILL after the grace
// period. Signals go to the child PID only.
func (m *Manager) terminate(p *Process) {
	p.markKillRequested()
	if err := p.h.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-p.done:
	case <-time.After(killGrace):
		_ = p.h.Signal(syscall.SIGKILL)
	}
}

// Stop terminates one child and waits for it to be reaped.
func (m *Manager) Stop(processID string) error {
	p, ok := m.procs.Get(processID)
	if !ok {
		return fmt.Errorf("unknown process %q", processID)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	m.terminate(p)
	select {
	case <-p.done:
	case <-time.After(killGrace + time.Second):
		return fmt.Errorf("process %q did not exit after SIGKILL", processID)
	}
	return nil
}

// StopAll terminates every live child in parallel and waits for the reapers.
// Used at daemon shutdown.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, p := range m.procs.Seq2() {
		select {
		case <-p.done:
			continue
		default:
		}
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			m.terminate(p)
			select {
			case <-p.done:
			case <-time.After(killGrace + time.Second):
				log.Error("process survived shutdown kill", zap.String("process_id", p.id))
			}
		}(p)
	}
	wg.Wait()
}

// Get returns the table entry for processID.
func (m *Manager) Get(processID string) (ProcessInfo, bool) {
	p, ok := m.procs.Get(processID)
	if !ok {
		return ProcessInfo{}, false
	}
	return p.Info(), true
}

// SetSessionID attaches a session to a tracked process once it is known.
func (m *Manager) SetSessionID(processID, sessionID string) {
	p, ok := m.procs.Get(processID)
	if !ok {
		return
	}
	p.mu.Lock()
	p.sessionID = sessionID
	p.mu.Unlock()
}

// List returns tracked processes, running first, most recent first within
// each group, capped at 100 entries.
func (m *Manager) List() []ProcessInfo {
	infos := make([]ProcessInfo, 0, m.procs.Len())
	for _, p := range m.procs.Seq2() {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		ri := infos[i].Status == string(StatusRunning)
		rj := infos[j].Status == string(StatusRunning)
		if ri != rj {
			return ri
		}
		if infos[i].StartedAt != infos[j].StartedAt {
			return infos[i].StartedAt > infos[j].StartedAt
		}
		return infos[i].ProcessID < infos[j].ProcessID
	})
	if len(infos) > maxListed {
		infos = infos[:maxListed]
	}
	return infos
}

// Running counts children that have not finished yet.
func (m *Manager) Running() int {
	n := 0
	for _, p := range m.procs.Seq2() {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

func (m *Manager) prune() {
	if m.procs.Len() <= maxTracked {
		return
	}
	finished := make([]ProcessInfo, 0, m.procs.Len())
	for _, p := range m.procs.Seq2() {
		info := p.Info()
		if info.Status != string(StatusRunning) {
			finished = append(finished, info)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].EndedAt < finished[j].EndedAt })
	for _, info := range finished {
		if m.procs.Len() <= maxTracked {
			break
		}
		m.procs.Delete(info.ProcessID)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
