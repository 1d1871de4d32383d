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
// Package agents holds the agent registry: registration, worker spawning,
// capability-based task routing and lifecycle bookkeeping.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/csync"
	"github.com/ksi-project/ksi/internal/jsonl"
	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/identity"
	"github.com/ksi-project/ksi/pkg/protocol"
	"github.com/ksi-project/ksi/pkg/supervisor"
)

// Agent statuses.
const (
	StatusActive   = "active"
	StatusBusy     = "busy"
	StatusInactive = "inactive"
)

// Agent is one registry entry.
type Agent struct {
	AgentID        string         `json:"agent_id"`
	Role           string         `json:"role,omitempty"`
	Capabilities   []string       `json:"capabilities"`
	Status         string         `json:"status"`
	Model          string         `json:"model,omitempty"`
	ProcessID      string         `json:"process_id,omitempty"`
	Composition    string         `json:"composition,omitempty"`
	InitialTask    string         `json:"initial_task,omitempty"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	CreatedAt      string         `json:"created_at"`
	LastActive     string         `json:"last_active"`
	Sessions       []string       `json:"sessions,omitempty"`
}

// AgentView is an Agent plus live connection state, as served by GET_AGENTS.
type AgentView struct {
	Agent
	Connected bool `json:"connected"`
}

// Publisher is the slice of the message bus the manager uses to notify
// agents.
type Publisher interface {
	Publish(ctx context.Context, evt *protocol.Event) (int, error)
	IsConnected(agentID string) bool
}

// ProfileComposer renders a named composition into a system prompt.
type ProfileComposer interface {
	ComposeProfile(ctx context.Context, name string, vars map[string]any) (string, error)
}

// WorkerSupervisor starts and stops long-lived agent worker children.
type WorkerSupervisor interface {
	StartWorker(spec supervisor.Spec) (processID string, err error)
	Stop(processID string) error
}

// Options wires the manager's collaborators. Bus may be nil at construction
// and attached later with SetBus; everything else is optional and disables
// the corresponding behavior when absent.
type Options struct {
	Bus           Publisher
	Composer      ProfileComposer
	Workers       WorkerSupervisor
	Identities    *identity.Manager
	WorkerCommand []string
	SocketPath    string
	DefaultModel  string
	MaxAgents     int
	RoutingLog    *jsonl.Writer
}

// Manager owns the agent registry.
type Manager struct {
	mu     sync.Mutex // serialises read-modify-write cycles on agents
	agents *csync.Map[string, Agent]

	busMu sync.RWMutex
	bus   Publisher

	composer     ProfileComposer
	workers      WorkerSupervisor
	identities   *identity.Manager
	workerCmd    []string
	socketPath   string
	defaultModel string
	maxAgents    int
	routing      *jsonl.Writer
}

// NewManager creates an agent manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		agents:       csync.NewMap[string, Agent](),
		bus:          opts.Bus,
		composer:     opts.Composer,
		workers:      opts.Workers,
		identities:   opts.Identities,
		workerCmd:    opts.WorkerCommand,
		socketPath:   opts.SocketPath,
		defaultModel: opts.DefaultModel,
		maxAgents:    opts.MaxAgents,
		routing:      opts.RoutingLog,
	}
}

// SetBus attaches the message bus after construction. The bus and the agent
// manager reference each other, so one side is wired late.
func (m *Manager) SetBus(bus Publisher) {
	m.busMu.Lock()
	m.bus = bus
	m.busMu.Unlock()
}

func (m *Manager) getBus() Publisher {
	m.busMu.RLock()
	defer m.busMu.RUnlock()
	return m.bus
}

// RegisterRequest names an agent and its advertised capabilities.
type RegisterRequest struct {
	AgentID      string
	Role         string
	Capabilities []string
}

// Register adds an agent or updates an existing one in place. Re-registering
// preserves created_at, refreshes role and capabilities when provided, and
// marks the agent active.
func (m *Manager) Register(req RegisterRequest) (Agent, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return Agent{}, protocol.NewError(protocol.ErrInvalidParameters, "agent_id is required")
	}

	m.mu.Lock()
	now := protocol.Timestamp()
	a, existed := m.agents.Get(req.AgentID)
	if !existed {
		if m.maxAgents > 0 && m.agents.Len() >= m.maxAgents {
			m.mu.Unlock()
			return Agent{}, fmt.Errorf("agent limit reached (%d)", m.maxAgents)
		}
		a = Agent{AgentID: req.AgentID, CreatedAt: now}
	}
	if req.Role != "" {
		a.Role = req.Role
	}
	if req.Capabilities != nil {
		a.Capabilities = append([]string(nil), req.Capabilities...)
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	a.Status = StatusActive
	a.LastActive = now
	m.agents.Set(req.AgentID, a)
	m.mu.Unlock()

	m.ensureIdentity(req.AgentID, a.Role)
	log.Info("agent registered",
		zap.String("agent_id", req.AgentID),
		zap.String("role", a.Role),
		zap.Strings("capabilities", a.Capabilities),
		zap.Bool("updated", existed))
	return cloneAgent(a), nil
}

// SpawnRequest describes a new agent and its first task.
type SpawnRequest struct {
	Task         string
	AgentID      string
	Role         string
	Capabilities []string
	ProfileName  string
	Context      map[string]any
	Model        string
}

// SpawnResult is the SPAWN_AGENT reply payload.
type SpawnResult struct {
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
	Profile   string `json:"profile,omitempty"`
	ProcessID string `json:"process_id,omitempty"`
}

// Spawn registers a new agent, composes its system prompt when a profile is
// named, and starts a worker child when a worker command is configured. An
// agent without a worker simply awaits an external process connecting on its
// behalf.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "task is required")
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = "agent_" + uuid.NewString()[:8]
	}

	prompt := ""
	if req.ProfileName != "" {
		if m.composer == nil {
			return nil, protocol.NewError(protocol.ErrComposerUnavailable, "prompt composer is not available")
		}
		vars := make(map[string]any, len(req.Context)+3)
		for k, v := range req.Context {
			vars[k] = v
		}
		vars["agent_id"] = agentID
		vars["role"] = req.Role
		vars["task"] = req.Task
		p, err := m.composer.ComposeProfile(ctx, req.ProfileName, vars)
		if err != nil {
			return nil, err
		}
		prompt = p
	}

	m.mu.Lock()
	now := protocol.Timestamp()
	a, existed := m.agents.Get(agentID)
	if !existed {
		if m.maxAgents > 0 && m.agents.Len() >= m.maxAgents {
			m.mu.Unlock()
			return nil, protocol.NewError(protocol.ErrSpawnFailed, "agent limit reached (%d)", m.maxAgents)
		}
		a = Agent{AgentID: agentID, CreatedAt: now}
	}
	if req.Role != "" {
		a.Role = req.Role
	}
	if req.Capabilities != nil {
		a.Capabilities = append([]string(nil), req.Capabilities...)
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	a.Status = StatusActive
	a.Model = req.Model
	if a.Model == "" {
		a.Model = m.defaultModel
	}
	a.Composition = req.ProfileName
	a.InitialTask = req.Task
	a.InitialContext = req.Context
	a.LastActive = now
	m.agents.Set(agentID, a)
	m.mu.Unlock()

	m.ensureIdentity(agentID, a.Role)

	res := &SpawnResult{AgentID: agentID, Status: "spawned", Profile: req.ProfileName}

	if len(m.workerCmd) > 0 && m.workers != nil {
		spec := supervisor.Spec{
			AgentID: agentID,
			Model:   a.Model,
			Argv:    substituteArgv(m.workerCmd, agentID, m.socketPath),
			Stdin:   prompt,
			Env: map[string]string{
				"KSI_AGENT_ID":    agentID,
				"KSI_SOCKET_PATH": m.socketPath,
			},
		}
		if req.ProfileName != "" {
			spec.Env["KSI_AGENT_PROFILE"] = req.ProfileName
		}
		spec.Env["KSI_INITIAL_TASK"] = req.Task
		if len(req.Context) > 0 {
			if data, err := json.Marshal(req.Context); err == nil {
				spec.Env["KSI_INITIAL_CONTEXT"] = string(data)
			}
		}

		pid, err := m.workers.StartWorker(spec)
		if err != nil {
			m.setStatus(agentID, StatusInactive)
			return nil, protocol.NewError(protocol.ErrSpawnFailed, "failed to start agent worker: %v", err)
		}
		res.ProcessID = pid

		m.mu.Lock()
		if cur, ok := m.agents.Get(agentID); ok {
			cur.ProcessID = pid
			m.agents.Set(agentID, cur)
		}
		m.mu.Unlock()
	}

	m.publish(ctx, "agent:spawned", map[string]any{
		"agent_id":   agentID,
		"role":       a.Role,
		"profile":    req.ProfileName,
		"process_id": res.ProcessID,
	})
	log.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("profile", req.ProfileName),
		zap.String("process_id", res.ProcessID))
	return res, nil
}

// substituteArgv fills the {agent_id} and {socket} placeholders of the
// configured worker command.
func substituteArgv(template []string, agentID, socket string) []string {
	argv := make([]string, len(template))
	for i, arg := range template {
		arg = strings.ReplaceAll(arg, "{agent_id}", agentID)
		arg = strings.ReplaceAll(arg, "{socket}", socket)
		argv[i] = arg
	}
	return argv
}

func (m *Manager) ensureIdentity(agentID, role string) {
	if m.identities == nil {
		return
	}
	if _, ok := m.identities.Get(agentID); ok {
		return
	}
	if _, err := m.identities.Create(agentID, identity.CreateRequest{Role: role}); err != nil && !errors.Is(err, identity.ErrExists) {
		log.Warn("default identity creation failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Get returns a copy of one agent.
func (m *Manager) Get(agentID string) (Agent, bool) {
	a, ok := m.agents.Get(agentID)
	if !ok {
		return Agent{}, false
	}
	return cloneAgent(a), true
}

// Exists reports whether agentID has ever registered.
func (m *Manager) Exists(agentID string) bool {
	_, ok := m.agents.Get(agentID)
	return ok
}

// List returns copies of all agents sorted by id.
func (m *Manager) List() []Agent {
	all := make([]Agent, 0, m.agents.Len())
	for _, a := range m.agents.Seq2() {
		all = append(all, cloneAgent(a))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AgentID < all[j].AgentID })
	return all
}

// Views returns all agents with their bus connection state attached.
func (m *Manager) Views() []AgentView {
	bus := m.getBus()
	list := m.List()
	views := make([]AgentView, 0, len(list))
	for _, a := range list {
		v := AgentView{Agent: a}
		if bus != nil {
			v.Connected = bus.IsConnected(a.AgentID)
		}
		views = append(views, v)
	}
	return views
}

// Count returns the number of registered agents.
func (m *Manager) Count() int {
	return m.agents.Len()
}

// Touch refreshes the agent's last_active timestamp.
func (m *Manager) Touch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents.Get(agentID)
	if !ok {
		return
	}
	a.LastActive = protocol.Timestamp()
	m.agents.Set(agentID, a)
}

// SetStatus moves an agent between active, busy and inactive.
func (m *Manager) SetStatus(agentID, status string) error {
	switch status {
	case StatusActive, StatusBusy, StatusInactive:
	default:
		return protocol.NewError(protocol.ErrInvalidParameters, "invalid agent status %q", status)
	}
	if !m.setStatus(agentID, status) {
		return protocol.NewError(protocol.ErrAgentNotFound, "agent %q not found", agentID)
	}
	return nil
}

func (m *Manager) setStatus(agentID, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents.Get(agentID)
	if !ok {
		return false
	}
	a.Status = status
	a.LastActive = protocol.Timestamp()
	m.agents.Set(agentID, a)
	return true
}

// BeginWork marks an agent busy for the duration of a completion. The
// returned func restores active, unless something else (a termination, a
// newer completion) changed the status in the meantime.
func (m *Manager) BeginWork(agentID string) func() {
	if !m.setStatus(agentID, StatusBusy) {
		return func() {}
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		a, ok := m.agents.Get(agentID)
		if !ok || a.Status != StatusBusy {
			return
		}
		a.Status = StatusActive
		a.LastActive = protocol.Timestamp()
		m.agents.Set(agentID, a)
	}
}

// RecordSession appends a session to the agent's history and refreshes
// last_active. The history is append-only and deduplicated.
func (m *Manager) RecordSession(agentID, sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents.Get(agentID)
	if !ok {
		return
	}
	for _, s := range a.Sessions {
		if s == sessionID {
			a.LastActive = protocol.Timestamp()
			m.agents.Set(agentID, a)
			return
		}
	}
	a.Sessions = append(append([]string(nil), a.Sessions...), sessionID)
	a.LastActive = protocol.Timestamp()
	m.agents.Set(agentID, a)
}

// Terminate stops an agent's worker if one is attached, otherwise marks the
// agent inactive directly. Worker exits flow back through HandleProcessExit,
// which publishes AGENT_TERMINATED.
func (m *Manager) Terminate(ctx context.Context, agentID string) error {
	a, ok := m.agents.Get(agentID)
	if !ok {
		return protocol.NewError(protocol.ErrAgentNotFound, "agent %q not found", agentID)
	}

	if a.ProcessID != "" && m.workers != nil {
		err := m.workers.Stop(a.ProcessID)
		if err == nil {
			return nil
		}
		log.Warn("worker stop failed, marking agent inactive",
			zap.String("agent_id", agentID),
			zap.String("process_id", a.ProcessID),
			zap.Error(err))
	}

	m.setStatus(agentID, StatusInactive)
	m.publish(ctx, "AGENT_TERMINATED", map[string]any{
		"agent_id": agentID,
		"reason":   "terminated",
	})
	return nil
}

// HandleProcessExit is the supervisor exit hook: a dead worker marks its
// agent inactive and announces AGENT_TERMINATED on the bus.
func (m *Manager) HandleProcessExit(info supervisor.ProcessInfo) {
	if info.Kind != string(supervisor.KindAgentWorker) || info.AgentID == "" {
		return
	}
	if !m.setStatus(info.AgentID, StatusInactive) {
		return
	}
	log.Info("agent worker exited",
		zap.String("agent_id", info.AgentID),
		zap.String("process_id", info.ProcessID),
		zap.Int("exit_code", info.ExitCode))

	payload := map[string]any{
		"agent_id":   info.AgentID,
		"process_id": info.ProcessID,
		"exit_code":  info.ExitCode,
	}
	if info.Error != "" {
		payload["error"] = info.Error
	}
	m.publish(context.Background(), "AGENT_TERMINATED", payload)
}

// Snapshot returns all agents for state handoff.
func (m *Manager) Snapshot() []Agent {
	return m.List()
}

// Restore loads agents from a handoff snapshot, skipping entries that are
// already registered. It returns the number restored.
func (m *Manager) Restore(agents []Agent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, a := range agents {
		if a.AgentID == "" {
			continue
		}
		if _, exists := m.agents.Get(a.AgentID); exists {
			continue
		}
		if a.Capabilities == nil {
			a.Capabilities = []string{}
		}
		m.agents.Set(a.AgentID, cloneAgent(a))
		restored++
	}
	return restored
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]any) {
	bus := m.getBus()
	if bus == nil {
		return
	}
	if _, err := bus.Publish(ctx, protocol.NewEvent(eventType, "", payload)); err != nil {
		log.Warn("event publish failed",
			zap.String("event", eventType), zap.Error(err))
	}
}

func cloneAgent(a Agent) Agent {
	c := a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Sessions != nil {
		c.Sessions = append([]string(nil), a.Sessions...)
	}
	if a.InitialContext != nil {
		c.InitialContext = make(map[string]any, len(a.InitialContext))
		for k, v := range a.InitialContext {
			c.InitialContext[k] = v
		}
	}
	return c
}
