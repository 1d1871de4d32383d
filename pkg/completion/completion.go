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
// Package completion runs LLM completions through transient child
// processes: per-agent FIFO serialization, session continuity via resume
// flags, JSONL conversation logs, and event extraction from responses.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/protocol"
	"github.com/ksi-project/ksi/pkg/state"
	"github.com/ksi-project/ksi/pkg/supervisor"
)

// Completion modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// lastSessionKey is where the most recent session id persists across
// restarts.
const lastSessionKey = "system.completion.last_session_id"

// Runner starts LLM children. Implemented by supervisor.Manager.
type Runner interface {
	RunLLM(ctx context.Context, spec supervisor.Spec) (*supervisor.LLMResult, error)
	SetSessionID(processID, sessionID string)
}

// EventSink publishes completion outcomes and extracted events.
// Implemented by bus.Bus.
type EventSink interface {
	Publish(ctx context.Context, evt *protocol.Event) (int, error)
	DeliverTo(ctx context.Context, agentID string, evt *protocol.Event) error
}

// AgentTracker keeps agent records in step with completions. Implemented
// by agents.Manager.
type AgentTracker interface {
	BeginWork(agentID string) func()
	RecordSession(agentID, sessionID string)
}

// StateWriter persists small pieces of pipeline state. Implemented by
// state.SharedStore.
type StateWriter interface {
	Set(ctx context.Context, req state.SetRequest) (string, error)
}

// Options wires a Pipeline.
type Options struct {
	Runner   Runner
	Sessions *state.SessionTracker
	Config   config.CompletionConfig

	// SessionLogDir holds per-session conversation logs and the
	// latest.jsonl symlink. Empty disables conversation logging.
	SessionLogDir string

	// Events, Agents and KV may be nil; the pipeline degrades to plain
	// completions without event emission, agent bookkeeping or
	// last-session persistence.
	Events EventSink
	Agents AgentTracker
	KV     StateWriter
}

// Request is one COMPLETION command.
type Request struct {
	Prompt            string
	Mode              string
	AgentID           string
	SessionID         string
	Model             string
	EnableTools       bool
	RequestID         string
	InjectionMetadata map[string]any
}

// Result is the reply payload for a synchronous completion and the body
// of PROCESS_COMPLETE for an asynchronous one.
type Result struct {
	SessionID  string         `json:"session_id"`
	Response   map[string]any `json:"response"`
	DurationMS int64          `json:"duration_ms"`
	ProcessID  string         `json:"process_id"`
}

// StartAck is the immediate reply for an asynchronous completion.
type StartAck struct {
	ProcessID string `json:"process_id"`
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// ResultFunc runs after session bookkeeping for a finished completion
// that carried injection metadata.
type ResultFunc func(ctx context.Context, req Request, res *Result)

// Pipeline runs completions. Safe for concurrent use.
type Pipeline struct {
	runner   Runner
	sessions *state.SessionTracker
	events   EventSink
	agents   AgentTracker
	kv       StateWriter
	cfg      config.CompletionConfig
	logs     *sessionLogger

	mu       sync.Mutex
	lanes    map[string]chan struct{}
	hooks    []Hook
	onResult []ResultFunc

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewPipeline creates a completion pipeline.
func NewPipeline(opts Options) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		runner:   opts.Runner,
		sessions: opts.Sessions,
		events:   opts.Events,
		agents:   opts.Agents,
		kv:       opts.KV,
		cfg:      opts.Config,
		logs:     &sessionLogger{dir: opts.SessionLogDir},
		lanes:    make(map[string]chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Close cancels every in-flight asynchronous completion.
func (p *Pipeline) Close() {
	p.cancel()
}

// RegisterHook appends a pre-prompt hook. Hooks run in registration order
// on every completion; a failing hook logs and is skipped.
func (p *Pipeline) RegisterHook(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
}

// OnResult registers a callback invoked after session bookkeeping for
// every successful completion that carried injection metadata.
func (p *Pipeline) OnResult(fn ResultFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = append(p.onResult, fn)
}

// Submit dispatches one COMPLETION by mode: sync blocks for the result,
// async (the default) acknowledges immediately and reports the outcome as
// a PROCESS_COMPLETE or PROCESS_FAILED event to the originating agent.
func (p *Pipeline) Submit(ctx context.Context, req Request) (any, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: prompt")
	}
	switch req.Mode {
	case ModeSync:
		return p.Complete(ctx, req)
	case "", ModeAsync:
		return p.Start(ctx, req), nil
	default:
		return nil, protocol.NewError(protocol.ErrInvalidMode, "mode must be %q or %q, got %q", ModeSync, ModeAsync, req.Mode)
	}
}

// Complete runs one completion and blocks until the child finishes.
func (p *Pipeline) Complete(ctx context.Context, req Request) (*Result, error) {
	return p.run(ctx, req, newProcessID(), p.enqueue(serializeKey(req)))
}

// Start launches one completion in the background and returns its process
// id immediately. The lane slot is reserved here, before the ack, so
// children run in the order requests were submitted.
func (p *Pipeline) Start(ctx context.Context, req Request) *StartAck {
	processID := newProcessID()
	tn := p.enqueue(serializeKey(req))
	go p.runAsync(req, processID, tn)
	return &StartAck{ProcessID: processID, Status: "started", RequestID: req.RequestID}
}

func (p *Pipeline) runAsync(req Request, processID string, tn *turn) {
	ctx := p.baseCtx
	res, err := p.run(ctx, req, processID, tn)
	if err != nil {
		derr := protocol.AsDaemonError(err)
		log.Error("async completion failed",
			zap.String("process_id", processID),
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
		payload := map[string]any{
			"process_id": processID,
			"error":      map[string]any{"code": derr.Code, "message": derr.Message},
		}
		if req.RequestID != "" {
			payload["request_id"] = req.RequestID
		}
		p.emit(ctx, req.AgentID, "PROCESS_FAILED", payload)
		return
	}

	payload := map[string]any{
		"process_id":  res.ProcessID,
		"session_id":  res.SessionID,
		"response":    res.Response,
		"duration_ms": res.DurationMS,
	}
	if req.RequestID != "" {
		payload["request_id"] = req.RequestID
	}
	p.emit(ctx, req.AgentID, "PROCESS_COMPLETE", payload)
}

// run is the shared completion path: wait the turn, hook, spawn, record.
func (p *Pipeline) run(ctx context.Context, req Request, processID string, tn *turn) (*Result, error) {
	if err := tn.acquire(ctx); err != nil {
		return nil, protocol.NewError(protocol.ErrCompletionFailed, "cancelled while waiting for a completion slot")
	}
	defer tn.release()

	if req.AgentID != "" && p.agents != nil {
		restore := p.agents.BeginWork(req.AgentID)
		defer restore()
	}

	prompt := p.applyHooks(ctx, &req)
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	spec := supervisor.Spec{
		Kind:      supervisor.KindLLM,
		AgentID:   req.AgentID,
		Model:     model,
		SessionID: req.SessionID,
		Argv:      p.buildArgv(req, model),
		Stdin:     prompt,
		ProcessID: processID,
	}

	log.Info("completion started",
		zap.String("process_id", processID),
		zap.String("agent_id", req.AgentID),
		zap.String("session_id", req.SessionID),
		zap.String("model", model))

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CompletionTimeout())
	defer cancel()
	res, err := p.runner.RunLLM(cctx, spec)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, protocol.NewError(protocol.ErrCompletionTimeout, "completion timed out after %s", p.cfg.CompletionTimeout())
		case errors.Is(err, context.Canceled):
			return nil, protocol.NewError(protocol.ErrCompletionFailed, "completion cancelled")
		default:
			log.Error("completion child failed to run",
				zap.String("process_id", processID), zap.Error(err))
			return nil, protocol.NewError(protocol.ErrCompletionFailed, "failed to run completion child: %v", err)
		}
	}
	return p.finish(ctx, req, processID, prompt, res)
}

// finish parses the child's output, threads session continuity and runs
// the post-completion bookkeeping.
func (p *Pipeline) finish(ctx context.Context, req Request, processID, prompt string, res *supervisor.LLMResult) (*Result, error) {
	if res.ExitCode != 0 {
		if req.SessionID != "" && sessionMissing(res.StderrTail+string(res.Stdout)) {
			return nil, protocol.NewError(protocol.ErrSessionNotFound, "session %s is unknown to the completion backend", req.SessionID)
		}
		msg := strings.TrimSpace(res.StderrTail)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return nil, protocol.NewError(protocol.ErrCompletionFailed, "completion child failed: %s", firstLine(msg))
	}

	var out map[string]any
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		log.Error("completion output is not valid JSON",
			zap.String("process_id", processID), zap.Error(err))
		return nil, protocol.NewError(protocol.ErrCompletionFailed, "completion child produced unparseable output")
	}
	text := responseText(out)
	if isErr, _ := out["is_error"].(bool); isErr {
		if req.SessionID != "" && sessionMissing(text) {
			return nil, protocol.NewError(protocol.ErrSessionNotFound, "session %s is unknown to the completion backend", req.SessionID)
		}
		return nil, protocol.NewError(protocol.ErrCompletionFailed, "completion backend reported an error: %s", firstLine(text))
	}

	sessionID := sessionIDFrom(out)
	switch {
	case sessionID != "":
	case req.SessionID != "":
		sessionID = req.SessionID
	default:
		sessionID = uuid.NewString()
		log.Warn("completion output carried no session id, generated one",
			zap.String("process_id", processID),
			zap.String("session_id", sessionID))
	}

	p.runner.SetSessionID(processID, sessionID)
	if p.sessions != nil {
		p.sessions.Record(sessionID, req.AgentID, out)
	}
	p.persistLastSession(ctx, sessionID)
	if req.AgentID != "" && p.agents != nil {
		p.agents.RecordSession(req.AgentID, sessionID)
	}

	if err := p.logs.Append(sessionID, prompt, text, out); err != nil {
		log.Warn("session log append failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	p.extractAndPublish(ctx, req.AgentID, text)

	result := &Result{
		SessionID:  sessionID,
		Response:   out,
		DurationMS: res.Duration.Milliseconds(),
		ProcessID:  processID,
	}
	log.Info("completion finished",
		zap.String("process_id", processID),
		zap.String("session_id", sessionID),
		zap.String("agent_id", req.AgentID),
		zap.Int64("duration_ms", result.DurationMS))

	p.notifyResult(ctx, req, result)
	return result, nil
}

// buildArgv assembles the child command line. enable_tools gates the
// configured tool flags; without it every tool is disallowed.
func (p *Pipeline) buildArgv(req Request, model string) []string {
	argv := make([]string, 0, len(p.cfg.Args)+9)
	argv = append(argv, p.cfg.Binary)
	argv = append(argv, p.cfg.Args...)
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if req.SessionID != "" {
		argv = append(argv, "--resume", req.SessionID)
	}
	if req.EnableTools {
		if len(p.cfg.AllowedTools) > 0 {
			argv = append(argv, "--allowedTools", strings.Join(p.cfg.AllowedTools, ","))
		}
		if len(p.cfg.DisallowedTools) > 0 {
			argv = append(argv, "--disallowedTools", strings.Join(p.cfg.DisallowedTools, ","))
		}
	} else {
		argv = append(argv, "--disallowedTools", "*")
	}
	return argv
}

// serializeKey picks the FIFO lane: per agent, else per session. Requests
// bound to neither run in parallel.
func serializeKey(req Request) string {
	if req.AgentID != "" {
		return "agent:" + req.AgentID
	}
	if req.SessionID != "" {
		return "session:" + req.SessionID
	}
	return ""
}

// turn is one reserved slot in a serialization lane: wait closes when
// every earlier slot has released, next closes when this one does. A nil
// turn (unkeyed request) is always ready.
type turn struct {
	wait chan struct{}
	next chan struct{}
}

// enqueue reserves the caller's slot in its lane. Lane order is fixed
// here, under the pipeline mutex, before any ack goes back to the caller.
func (p *Pipeline) enqueue(key string) *turn {
	if key == "" {
		return nil
	}
	next := make(chan struct{})
	p.mu.Lock()
	wait := p.lanes[key]
	p.lanes[key] = next
	p.mu.Unlock()
	return &turn{wait: wait, next: next}
}

func (t *turn) acquire(ctx context.Context) error {
	if t == nil || t.wait == nil {
		return nil
	}
	select {
	case <-t.wait:
		return nil
	case <-ctx.Done():
		// Abandoned slot: pass the turn on once the predecessor is done
		// so the lane keeps draining in order.
		go func() {
			<-t.wait
			close(t.next)
		}()
		return ctx.Err()
	}
}

func (t *turn) release() {
	if t != nil {
		close(t.next)
	}
}

func (p *Pipeline) applyHooks(ctx context.Context, req *Request) string {
	p.mu.Lock()
	hooks := append([]Hook(nil), p.hooks...)
	p.mu.Unlock()

	pc := &PromptContext{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		Request:   req,
	}
	for _, h := range hooks {
		if err := h.Apply(ctx, pc); err != nil {
			log.Warn("prompt hook failed",
				zap.String("hook", h.Name), zap.Error(err))
		}
	}
	return pc.Prompt
}

// extractAndPublish re-emits JSON events embedded in the assistant text
// and reports malformed candidates back to the originating agent.
// Extraction never fails the completion.
func (p *Pipeline) extractAndPublish(ctx context.Context, agentID, text string) {
	if p.events == nil || text == "" {
		return
	}
	events, extractErrs := ExtractEvents(text)
	for _, ev := range events {
		payload := ev.Payload
		payload["_agent_id"] = agentID
		payload["_extracted_from_response"] = true
		if _, err := p.events.Publish(ctx, protocol.NewEvent(ev.Type, agentID, payload)); err != nil {
			log.Warn("extracted event publish failed",
				zap.String("event_type", ev.Type),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	if len(events) > 0 {
		log.Debug("events extracted from response",
			zap.String("agent_id", agentID),
			zap.Int("count", len(events)))
	}
	if len(extractErrs) > 0 && agentID != "" {
		evt := protocol.NewEvent("agent:json_extraction_error", "", map[string]any{
			"errors": extractErrs,
		})
		if err := p.events.DeliverTo(ctx, agentID, evt); err != nil {
			log.Warn("extraction diagnostics delivery failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, agentID, eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	evt := protocol.NewEvent(eventType, "", payload)
	var err error
	if agentID != "" {
		err = p.events.DeliverTo(ctx, agentID, evt)
	} else {
		_, err = p.events.Publish(ctx, evt)
	}
	if err != nil {
		log.Warn("completion event publish failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func (p *Pipeline) persistLastSession(ctx context.Context, sessionID string) {
	if p.kv == nil {
		return
	}
	if _, err := p.kv.Set(ctx, state.SetRequest{
		Key:          lastSessionKey,
		Value:        sessionID,
		OwnerAgentID: "daemon",
	}); err != nil {
		log.Warn("last session id persist failed", zap.Error(err))
	}
}

func (p *Pipeline) notifyResult(ctx context.Context, req Request, res *Result) {
	if len(req.InjectionMetadata) == 0 {
		return
	}
	p.mu.Lock()
	fns := append([]ResultFunc(nil), p.onResult...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ctx, req, res)
	}
}

func sessionIDFrom(out map[string]any) string {
	if v, ok := out["sessionId"].(string); ok && v != "" {
		return v
	}
	v, _ := out["session_id"].(string)
	return v
}

// responseText pulls the assistant text out of the child's output. The
// child contract is an assistant message whose content is a list of text
// blocks; flat result/response strings are accepted as fallbacks.
func responseText(out map[string]any) string {
	if msg, ok := out["message"].(map[string]any); ok {
		if blocks, ok := msg["content"].([]any); ok {
			var b strings.Builder
			for _, blk := range blocks {
				m, ok := blk.(map[string]any)
				if !ok {
					continue
				}
				if t, ok := m["text"].(string); ok {
					b.WriteString(t)
				}
			}
			if b.Len() > 0 {
				return b.String()
			}
		}
	}
	if v, ok := out["result"].(string); ok && v != "" {
		return v
	}
	v, _ := out["response"].(string)
	return v
}

func sessionMissing(s string) bool {
	return strings.Contains(s, "No conversation found")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func newProcessID() string {
	return "proc_" + uuid.NewString()[:8]
}
