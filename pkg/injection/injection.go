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
// Package injection schedules content into LLM completions: direct mode
// submits completions immediately, next mode stages content for a
// session's next prompt, and per-chain circuit breakers bound the
// recursion that completion results feeding new injections can cause.
package injection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// Injection modes, positions, and priorities.
const (
	ModeDirect = "direct"
	ModeNext   = "next"

	PositionBeforePrompt   = "before_prompt"
	PositionAfterPrompt    = "after_prompt"
	PositionSystemReminder = "system_reminder"

	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Breaker and queue defaults, applied when the config leaves them zero.
const (
	DefaultMaxDepth       = 5
	DefaultMaxChainTokens = 50000
	DefaultChainTTL       = time.Hour
	DefaultPendingTTL     = time.Hour
	DefaultQueueSize      = 100
)

// Completer submits completions. Implemented by completion.Pipeline.
type Completer interface {
	Submit(ctx context.Context, req completion.Request) (any, error)
}

// EventSink delivers breaker diagnostics to agents. Implemented by
// bus.Bus.
type EventSink interface {
	DeliverTo(ctx context.Context, agentID string, evt *protocol.Event) error
}

// Composer renders follow-up prompts. Implemented by composer.Composer.
type Composer interface {
	Compose(ctx context.Context, name string, vars map[string]any) (string, error)
}

// Options wires a Router.
type Options struct {
	Completer Completer
	Config    config.InjectionConfig

	// Events and Composer may be nil: blocked events are then dropped and
	// follow-up prompts use the plain fallback framing.
	Events   EventSink
	Composer Composer
}

// Request is one INJECTION_INJECT (and the element form of
// INJECTION_BATCH and INJECTION_QUEUE).
type Request struct {
	Content         string         `json:"content"`
	Mode            string         `json:"mode,omitempty"`
	Position        string         `json:"position,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	TargetSessions  []string       `json:"target_sessions,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentRequestID string         `json:"parent_request_id,omitempty"`
	TTLSeconds      int            `json:"ttl_seconds,omitempty"`
}

// ExecuteRequest is one INJECTION_EXECUTE: immediate completion of
// stored content, bypassing the pending store but not the breaker.
type ExecuteRequest struct {
	Content   string         `json:"content"`
	SessionID string         `json:"session_id"`
	Position  string         `json:"position,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ProcessResultRequest is the completion pipeline's callback body for
// completions that carried injection metadata.
type ProcessResultRequest struct {
	RequestID         string         `json:"request_id"`
	Result            map[string]any `json:"result"`
	InjectionMetadata map[string]any `json:"injection_metadata"`
}

// InjectResult is the reply for inject, execute, and process-result
// paths. Status is submitted, queued, blocked, or skipped.
type InjectResult struct {
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	RequestIDs []string `json:"request_ids,omitempty"`
	SessionIDs []string `json:"session_ids,omitempty"`
	Pending    int      `json:"pending,omitempty"`
}

// QueueAck is the INJECTION_QUEUE reply.
type QueueAck struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

// Status is the INJECTION_STATUS reply.
type Status struct {
	QueueDepth      int   `json:"queue_depth"`
	QueueCapacity   int   `json:"queue_capacity"`
	Processed       int64 `json:"processed"`
	Blocked         int64 `json:"blocked"`
	Failed          int64 `json:"failed"`
	PendingSessions int   `json:"pending_sessions"`
}

// Router runs the injection API. Safe for concurrent use.
type Router struct {
	completer Completer
	events    EventSink
	composer  Composer

	maxDepth       int
	maxChainTokens int
	chainTTL       time.Duration
	pendingTTL     time.Duration

	mu      sync.Mutex
	pending map[string][]Pending
	chains  map[string]chainState

	qmu    sync.Mutex
	queue  chan Request
	closed bool

	processed atomic.Int64
	blocked   atomic.Int64
	failed    atomic.Int64
}

// NewRouter creates an injection router and starts its queue processor.
func NewRouter(opts Options) *Router {
	cfg := opts.Config
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxChainTokens <= 0 {
		cfg.MaxChainTokens = DefaultMaxChainTokens
	}
	chainTTL := time.Duration(cfg.ChainTTLSeconds) * time.Second
	if chainTTL <= 0 {
		chainTTL = DefaultChainTTL
	}
	pendingTTL := time.Duration(cfg.PendingTTLSeconds) * time.Second
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	r := &Router{
		completer:      opts.Completer,
		events:         opts.Events,
		composer:       opts.Composer,
		maxDepth:       cfg.MaxDepth,
		maxChainTokens: cfg.MaxChainTokens,
		chainTTL:       chainTTL,
		pendingTTL:     pendingTTL,
		pending:        make(map[string][]Pending),
		chains:         make(map[string]chainState),
		queue:          make(chan Request, queueSize),
	}
	go r.process()
	return r
}

// Close stops the queue processor. Closing the channel is the shutdown
// sentinel; queued items drain first.
func (r *Router) Close() {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
}

// Inject routes one injection by mode. Breaker trips reply blocked but
// are not command errors.
func (r *Router) Inject(ctx context.Context, req Request) (*InjectResult, error) {
	if req.Content == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: content")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeNext
	}
	if mode != ModeDirect && mode != ModeNext {
		return nil, protocol.NewError(protocol.ErrInvalidMode, "mode must be %q or %q, got %q", ModeDirect, ModeNext, req.Mode)
	}
	if !validPosition(normalizePosition(req.Position)) {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "position must be before_prompt, after_prompt or system_reminder")
	}
	if !validPriority(normalizePriority(req.Priority)) {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "priority must be low, normal or high")
	}
	targets := targetsOf(req)
	if len(targets) == 0 {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: session_id or target_sessions")
	}

	requestID := newRequestID()
	st, reason := r.admit(requestID, req.ParentRequestID, req.Metadata, req.Content)
	if reason != "" {
		return r.block(ctx, requestID, req.ParentRequestID, reason, st, req.Metadata), nil
	}

	if mode == ModeNext {
		return r.queueNext(requestID, targets, req), nil
	}
	return r.submitDirect(ctx, requestID, targets, req, st)
}

// queueNext stages next-mode entries, one per target session. Every
// target shares the chain record; each gets its own pending entry id.
func (r *Router) queueNext(requestID string, targets []string, req Request) *InjectResult {
	ttl := r.pendingTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	res := &InjectResult{Status: "queued", SessionIDs: targets}
	for i, sid := range targets {
		id := requestID
		if i > 0 {
			id = newRequestID()
			r.shareChain(requestID, id)
		}
		res.RequestIDs = append(res.RequestIDs, id)
		total := r.addPending(newPending(id, sid, req, ttl))
		res.Pending += total
		log.Debug("injection staged",
			zap.String("request_id", id),
			zap.String("session_id", sid),
			zap.Int("pending", total))
	}
	r.processed.Add(int64(len(targets)))
	return res
}

// submitDirect issues one async completion per target session, tagged
// with the chain tuple so results route back through ProcessResult.
func (r *Router) submitDirect(ctx context.Context, requestID string, targets []string, req Request, st chainState) (*InjectResult, error) {
	res := &InjectResult{Status: "submitted", SessionIDs: targets}
	var firstErr error
	for i, sid := range targets {
		id := requestID
		if i > 0 {
			id = newRequestID()
			r.shareChain(requestID, id)
		}
		meta := r.chainMetadata(id, req.ParentRequestID, st, ModeDirect, normalizePosition(req.Position), sid, req.Metadata)
		_, err := r.completer.Submit(ctx, completion.Request{
			Prompt:            frame(req.Content, normalizePosition(req.Position)),
			Mode:              completion.ModeAsync,
			SessionID:         sid,
			RequestID:         id,
			InjectionMetadata: meta,
		})
		if err != nil {
			r.failed.Add(1)
			log.Error("injection completion submit failed",
				zap.String("request_id", id),
				zap.String("session_id", sid),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.processed.Add(1)
		res.RequestIDs = append(res.RequestIDs, id)
	}
	if len(res.RequestIDs) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return res, nil
}

// Batch runs INJECTION_BATCH: independent per-item results in one
// envelope; item failures do not fail the batch.
func (r *Router) Batch(ctx context.Context, items []Request) []any {
	results := make([]any, 0, len(items))
	for _, item := range items {
		res, err := r.Inject(ctx, item)
		if err != nil {
			derr := protocol.AsDaemonError(err)
			results = append(results, map[string]any{
				"status": "error",
				"error":  map[string]any{"code": derr.Code, "message": derr.Message},
			})
			continue
		}
		results = append(results, res)
	}
	return results
}

// Enqueue hands an injection to the queue processor.
func (r *Router) Enqueue(req Request) (*QueueAck, error) {
	if req.Content == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: content")
	}
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.closed {
		return nil, protocol.NewError(protocol.ErrCommandProcessing, "injection queue is closed")
	}
	select {
	case r.queue <- req:
		return &QueueAck{Status: "queued", QueueDepth: len(r.queue)}, nil
	default:
		return nil, protocol.NewError(protocol.ErrQueueFull, "injection queue is full (capacity %d)", cap(r.queue))
	}
}

// process is the single queue worker. Direct items execute immediately
// with a fresh request id and the is_injection tag; next items take the
// pending-store path. Failures surface as completion events only.
func (r *Router) process() {
	for req := range r.queue {
		ctx := context.Background()
		if req.Mode == ModeDirect {
			meta := req.Metadata
			if req.ParentRequestID != "" {
				meta = cloneMeta(meta)
				meta["parent_request_id"] = req.ParentRequestID
			}
			for _, sid := range targetsOf(req) {
				if _, err := r.Execute(ctx, ExecuteRequest{
					Content:   req.Content,
					SessionID: sid,
					Position:  req.Position,
					Metadata:  meta,
				}); err != nil {
					r.failed.Add(1)
					log.Warn("queued injection failed",
						zap.String("session_id", sid), zap.Error(err))
				}
			}
			continue
		}
		if _, err := r.Inject(ctx, req); err != nil {
			r.failed.Add(1)
			log.Warn("queued injection failed", zap.Error(err))
		}
	}
}

// Execute submits a completion for stored content right now. The
// is_injection tag makes the resulting completion terminal: its result
// will not seed another injection.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (*InjectResult, error) {
	if req.Content == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: content")
	}
	if req.SessionID == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: session_id")
	}
	position := normalizePosition(req.Position)
	if !validPosition(position) {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "position must be before_prompt, after_prompt or system_reminder")
	}

	requestID := newRequestID()
	parentID := stringField(req.Metadata, "parent_request_id")
	st, reason := r.admit(requestID, parentID, req.Metadata, req.Content)
	if reason != "" {
		return r.block(ctx, requestID, parentID, reason, st, req.Metadata), nil
	}

	meta := r.chainMetadata(requestID, parentID, st, ModeDirect, position, req.SessionID, req.Metadata)
	meta["is_injection"] = true
	if _, err := r.completer.Submit(ctx, completion.Request{
		Prompt:            frame(req.Content, position),
		Mode:              completion.ModeAsync,
		SessionID:         req.SessionID,
		RequestID:         requestID,
		InjectionMetadata: meta,
	}); err != nil {
		r.failed.Add(1)
		return nil, err
	}
	r.processed.Add(1)
	return &InjectResult{Status: "submitted", RequestIDs: []string{requestID}, SessionIDs: []string{req.SessionID}}, nil
}

// ProcessResult turns a finished injection-tagged completion into its
// follow-up: compose a prompt from the result, then route it per the
// original mode with the chain extended one link.
func (r *Router) ProcessResult(ctx context.Context, req ProcessResultRequest) (*InjectResult, error) {
	if req.RequestID == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: request_id")
	}
	meta := req.InjectionMetadata
	if isInjection, _ := meta["is_injection"].(bool); isInjection {
		return &InjectResult{Status: "skipped", Reason: "is_injection"}, nil
	}

	sessionID := stringField(meta, "session_id")
	if sessionID == "" {
		sessionID = stringField(req.Result, "session_id")
	}
	if sessionID == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "result carries no session_id")
	}

	content := r.composeFollowUp(ctx, req, sessionID)
	requestID := newRequestID()
	st, reason := r.admit(requestID, req.RequestID, meta, content)
	if reason != "" {
		return r.block(ctx, requestID, req.RequestID, reason, st, meta), nil
	}

	mode := stringField(meta, "mode")
	position := normalizePosition(stringField(meta, "position"))
	if mode == ModeDirect {
		followMeta := r.chainMetadata(requestID, req.RequestID, st, mode, position, sessionID, meta)
		if _, err := r.completer.Submit(ctx, completion.Request{
			Prompt:            frame(content, position),
			Mode:              completion.ModeAsync,
			SessionID:         sessionID,
			RequestID:         requestID,
			InjectionMetadata: followMeta,
		}); err != nil {
			r.failed.Add(1)
			return nil, err
		}
		r.processed.Add(1)
		return &InjectResult{Status: "submitted", RequestIDs: []string{requestID}, SessionIDs: []string{sessionID}}, nil
	}

	total := r.addPending(newPending(requestID, sessionID, Request{
		Content:  content,
		Position: position,
		Metadata: meta,
	}, r.pendingTTL))
	r.processed.Add(1)
	return &InjectResult{Status: "queued", RequestIDs: []string{requestID}, SessionIDs: []string{sessionID}, Pending: total}, nil
}

// HandleCompletionResult adapts the completion pipeline's OnResult
// callback onto ProcessResult.
func (r *Router) HandleCompletionResult(ctx context.Context, req completion.Request, res *completion.Result) {
	if _, err := r.ProcessResult(ctx, ProcessResultRequest{
		RequestID: req.RequestID,
		Result: map[string]any{
			"session_id":  res.SessionID,
			"response":    res.Response,
			"duration_ms": res.DurationMS,
			"process_id":  res.ProcessID,
		},
		InjectionMetadata: req.InjectionMetadata,
	}); err != nil {
		log.Warn("injection result processing failed",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

// composeFollowUp renders the follow-up prompt through the composer's
// async-result template, falling back to plain framing.
func (r *Router) composeFollowUp(ctx context.Context, req ProcessResultRequest, sessionID string) string {
	text := resultText(req.Result)
	if r.composer != nil {
		rendered, err := r.composer.Compose(ctx, "injections/async_completion_result", map[string]any{
			"result":     text,
			"request_id": req.RequestID,
			"session_id": sessionID,
			"timestamp":  protocol.Timestamp(),
		})
		if err == nil {
			return rendered
		}
		log.Warn("follow-up composition failed, using fallback",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
	return "## Async completion result\n\nRequest " + req.RequestID + " finished:\n\n" + text
}

// StatusSnapshot is the INJECTION_STATUS reply.
func (r *Router) StatusSnapshot() *Status {
	r.mu.Lock()
	pendingSessions := len(r.pending)
	r.mu.Unlock()
	return &Status{
		QueueDepth:      len(r.queue),
		QueueCapacity:   cap(r.queue),
		Processed:       r.processed.Load(),
		Blocked:         r.blocked.Load(),
		Failed:          r.failed.Load(),
		PendingSessions: pendingSessions,
	}
}

// chainMetadata builds the injection metadata a completion carries.
func (r *Router) chainMetadata(requestID, parentID string, st chainState, mode, position, sessionID string, caller map[string]any) map[string]any {
	meta := map[string]any{
		"request_id":   requestID,
		"depth":        st.depth,
		"chain_tokens": st.tokens,
		"mode":         mode,
		"position":     position,
		"session_id":   sessionID,
	}
	if parentID != "" {
		meta["parent_request_id"] = parentID
	}
	if agent := stringField(caller, "agent_id"); agent != "" {
		meta["agent_id"] = agent
	}
	return meta
}

// shareChain copies a chain record so sibling request ids (one inject,
// several targets) extend the same chain.
func (r *Router) shareChain(fromID, toID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.chains[fromID]; ok {
		r.chains[toID] = st
	}
}

func targetsOf(req Request) []string {
	if len(req.TargetSessions) > 0 {
		return req.TargetSessions
	}
	if req.SessionID != "" {
		return []string{req.SessionID}
	}
	return nil
}

func normalizePosition(p string) string {
	if p == "" {
		return PositionSystemReminder
	}
	return p
}

func validPosition(p string) bool {
	return p == PositionBeforePrompt || p == PositionAfterPrompt || p == PositionSystemReminder
}

func normalizePriority(p string) string {
	if p == "" {
		return PriorityNormal
	}
	return p
}

func validPriority(p string) bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

func resultText(result map[string]any) string {
	if resp, ok := result["response"].(map[string]any); ok {
		if v, ok := resp["result"].(string); ok && v != "" {
			return v
		}
		if v, ok := resp["response"].(string); ok && v != "" {
			return v
		}
	}
	if v, ok := result["result"].(string); ok {
		return v
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newRequestID() string {
	return "inj_" + uuid.NewString()[:8]
}
