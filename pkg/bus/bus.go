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
// Package bus routes events between agents: typed subscriptions with
// wildcard patterns, direct and broadcast delivery over persistent
// connections, bounded offline queues drained on reconnect, and a history
// ring for diagnostics. All operations are safe for concurrent use.
package bus

import (
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/jsonl"
	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// Routed event types with dedicated delivery semantics. Any other type is
// delivered to its subscribers only.
const (
	EventDirectMessage  = "DIRECT_MESSAGE"
	EventBroadcast      = "BROADCAST"
	EventTaskAssignment = "TASK_ASSIGNMENT"
)

// Default configuration values.
const (
	// DefaultQueueSize bounds each agent's offline queue.
	DefaultQueueSize = 100
	// DefaultHistorySize bounds the diagnostic history ring.
	DefaultHistorySize = 1000
)

// Conn delivers event frames to one connected agent. The daemon's
// persistent connections implement it; writes must be safe to interleave
// with command replies on the same socket.
type Conn interface {
	WriteEvent(evt *protocol.Event) error
}

// Directory is the slice of the agent registry the bus consults: existence
// checks for sender and recipient validation, and target resolution for
// TASK_ASSIGNMENT events published without a recipient.
type Directory interface {
	Exists(agentID string) bool
	ResolveTaskTarget(task string, requiredCapabilities []string) (agentID string, ok bool)
}

// Options configures a Bus.
type Options struct {
	// Directory resolves agent existence and task targets. May be nil, in
	// which case only agents the bus has seen connect are considered known.
	Directory Directory
	// QueueSize bounds each offline queue (default DefaultQueueSize).
	QueueSize int
	// HistorySize bounds the history ring (default DefaultHistorySize).
	HistorySize int
	// EventLog receives every routed event as one JSONL line. May be nil.
	EventLog *jsonl.Writer
}

// Bus is the daemon-wide message bus.
type Bus struct {
	// pubMu serializes event delivery so that every subscriber observes
	// events in publish order. Structural reads and writes take only mu
	// and never wait on socket writes.
	pubMu sync.Mutex

	mu            sync.RWMutex
	connections   map[string]Conn
	subscriptions map[string]map[string]bool
	offline       map[string][]*protocol.Event
	everSeen      map[string]bool
	history       []*protocol.Event
	histNext      int
	histCount     int
	byType        map[string]int64

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	queued    atomic.Int64
	replayed  atomic.Int64

	directory   Directory
	queueSize   int
	historySize int
	eventLog    *jsonl.Writer
}

// Delivery reports the outcome of routing one event.
type Delivery struct {
	Delivered int
	Queued    int
}

// target is one planned write.
type target struct {
	agentID string
	conn    Conn
}

// New creates a message bus.
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Bus{
		connections:   make(map[string]Conn),
		subscriptions: make(map[string]map[string]bool),
		offline:       make(map[string][]*protocol.Event),
		everSeen:      make(map[string]bool),
		history:       make([]*protocol.Event, opts.HistorySize),
		byType:        make(map[string]int64),
		directory:     opts.Directory,
		queueSize:     opts.QueueSize,
		historySize:   opts.HistorySize,
		eventLog:      opts.EventLog,
	}
}

// ConnectionAck is the reply payload for AGENT_CONNECTION.
type ConnectionAck struct {
	Status          string `json:"status"`
	AgentID         string `json:"agent_id"`
	ConnectedAgents int    `json:"connected_agents"`
}

// Connect registers the delivery writer for an agent and drains its offline
// queue in order. A newer writer supersedes any previous one.
func (b *Bus) Connect(agentID string, conn Conn) ConnectionAck {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	b.everSeen[agentID] = true
	b.connections[agentID] = conn
	backlog := b.offline[agentID]
	delete(b.offline, agentID)
	count := len(b.connections)
	b.mu.Unlock()

	replayed := 0
	for i, evt := range backlog {
		if err := conn.WriteEvent(evt); err != nil {
			log.Error("offline replay failed",
				zap.String("agent_id", agentID),
				zap.String("event_id", evt.ID),
				zap.Error(err))
			b.mu.Lock()
			for _, rest := range backlog[i:] {
				b.queueOfflineLocked(agentID, rest)
			}
			b.mu.Unlock()
			break
		}
		replayed++
	}
	b.replayed.Add(int64(replayed))

	log.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.Int("replayed", replayed),
		zap.Int("connected", count))
	return ConnectionAck{Status: "connected", AgentID: agentID, ConnectedAgents: count}
}

// Disconnect drops the agent's writer and clears all its subscriptions.
func (b *Bus) Disconnect(agentID string) ConnectionAck {
	b.mu.Lock()
	b.removeLocked(agentID)
	count := len(b.connections)
	b.mu.Unlock()

	log.Info("agent disconnected",
		zap.String("agent_id", agentID),
		zap.Int("connected", count))
	return ConnectionAck{Status: "disconnected", AgentID: agentID, ConnectedAgents: count}
}

// DropConn performs disconnect cleanup when a connection's read loop ends.
// It is a no-op when the agent has already registered a newer writer, so a
// reconnect racing the old socket's teardown is not torn down with it.
func (b *Bus) DropConn(agentID string, conn Conn) {
	b.mu.Lock()
	cur, ok := b.connections[agentID]
	if !ok || cur != conn {
		b.mu.Unlock()
		return
	}
	b.removeLocked(agentID)
	count := len(b.connections)
	b.mu.Unlock()

	log.Info("agent connection dropped",
		zap.String("agent_id", agentID),
		zap.Int("connected", count))
}

func (b *Bus) removeLocked(agentID string) {
	delete(b.connections, agentID)
	for eventType, set := range b.subscriptions {
		delete(set, agentID)
		if len(set) == 0 {
			delete(b.subscriptions, eventType)
		}
	}
}

// IsConnected reports whether the agent has a live delivery writer.
func (b *Bus) IsConnected(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.connections[agentID]
	return ok
}

// ConnectedAgents returns the ids of all connected agents, sorted.
func (b *Bus) ConnectedAgents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.connections))
	for id := range b.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubscribeResult is the reply payload for SUBSCRIBE and the legacy
// SEND_MESSAGE subscription forms. EventTypes is the agent's full
// subscription set after the change.
type SubscribeResult struct {
	Status     string   `json:"status"`
	AgentID    string   `json:"agent_id"`
	EventTypes []string `json:"event_types"`
}

// Subscribe merges event types into an agent's subscription set. Types may
// be exact names or wildcard patterns such as "agent:*". The agent must be
// connected.
func (b *Bus) Subscribe(agentID string, eventTypes []string) (*SubscribeResult, error) {
	if agentID == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: agent_id")
	}
	if len(eventTypes) == 0 {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "event_types must name at least one event type")
	}

	b.mu.Lock()
	if _, ok := b.connections[agentID]; !ok {
		b.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrAgentNotConnected, "agent %s has no persistent connection", agentID)
	}
	for _, t := range eventTypes {
		if t == "" {
			continue
		}
		set := b.subscriptions[t]
		if set == nil {
			set = make(map[string]bool)
			b.subscriptions[t] = set
		}
		set[agentID] = true
	}
	types := b.subscribedLocked(agentID)
	b.mu.Unlock()

	log.Info("bus subscribe",
		zap.String("agent_id", agentID),
		zap.Strings("event_types", types))
	return &SubscribeResult{Status: "subscribed", AgentID: agentID, EventTypes: types}, nil
}

// Unsubscribe removes event types from an agent's subscription set, or all
// of them when none are named.
func (b *Bus) Unsubscribe(agentID string, eventTypes []string) *SubscribeResult {
	b.mu.Lock()
	if len(eventTypes) == 0 {
		for eventType, set := range b.subscriptions {
			delete(set, agentID)
			if len(set) == 0 {
				delete(b.subscriptions, eventType)
			}
		}
	} else {
		for _, t := range eventTypes {
			set, ok := b.subscriptions[t]
			if !ok {
				continue
			}
			delete(set, agentID)
			if len(set) == 0 {
				delete(b.subscriptions, t)
			}
		}
	}
	types := b.subscribedLocked(agentID)
	b.mu.Unlock()

	log.Info("bus unsubscribe",
		zap.String("agent_id", agentID),
		zap.Strings("remaining", types))
	return &SubscribeResult{Status: "unsubscribed", AgentID: agentID, EventTypes: types}
}

// Subscriptions returns the agent's subscription set, sorted.
func (b *Bus) Subscriptions(agentID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribedLocked(agentID)
}

func (b *Bus) subscribedLocked(agentID string) []string {
	types := make([]string, 0, 4)
	for eventType, set := range b.subscriptions {
		if set[agentID] {
			types = append(types, eventType)
		}
	}
	sort.Strings(types)
	return types
}

// Publish routes one event and reports how many live deliveries were made.
// It satisfies the narrower publisher interfaces of the packages that emit
// lifecycle events.
func (b *Bus) Publish(ctx context.Context, evt *protocol.Event) (int, error) {
	d, err := b.Route(ctx, evt)
	return d.Delivered, err
}

// Route delivers one event according to its type:
//
//   - DIRECT_MESSAGE: a copy to every DIRECT_MESSAGE subscriber except the
//     sender and the recipient, then exactly one frame to the "to" agent,
//     offline-queued when it is not connected.
//   - BROADCAST: every BROADCAST subscriber except the sender.
//   - TASK_ASSIGNMENT: resolved through the directory when no "to" is set,
//     then delivered like a direct message to TASK_ASSIGNMENT subscribers.
//   - anything else: every subscriber of that event type.
//
// Failed writes queue the event offline and log an error; they never
// unsubscribe the agent. Only a dropped connection clears subscriptions.
func (b *Bus) Route(ctx context.Context, evt *protocol.Event) (Delivery, error) {
	if evt == nil || evt.Type == "" {
		return Delivery{}, protocol.NewError(protocol.ErrInvalidParameters, "event must carry a type")
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	// Resolve the recipient before the event is frozen into history and
	// the offline queues.
	if evt.Type == EventTaskAssignment && stringField(evt.Payload, "to") == "" {
		b.resolveTaskTarget(evt)
	}

	plan, queued, err := b.plan(evt)
	if err != nil {
		return Delivery{}, err
	}
	b.published.Add(1)

	delivered := 0
	for _, t := range plan {
		if err := t.conn.WriteEvent(evt); err != nil {
			log.Error("event delivery failed",
				zap.String("agent_id", t.agentID),
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type),
				zap.Error(err))
			b.mu.Lock()
			b.queueOfflineLocked(t.agentID, evt)
			b.mu.Unlock()
			queued++
			continue
		}
		delivered++
	}

	b.delivered.Add(int64(delivered))
	if delivered > 0 {
		b.mu.Lock()
		b.byType[evt.Type] += int64(delivered)
		b.mu.Unlock()
	}
	b.logEvent(evt)

	log.Debug("bus publish",
		zap.String("event_type", evt.Type),
		zap.String("event_id", evt.ID),
		zap.String("from", evt.From),
		zap.Int("delivered", delivered),
		zap.Int("queued", queued))
	return Delivery{Delivered: delivered, Queued: queued}, nil
}

// DeliverTo pushes one event straight to a single agent, bypassing
// subscription routing. Completion results and per-agent diagnostics use
// this path. The event queues offline when the agent is not connected.
func (b *Bus) DeliverTo(ctx context.Context, agentID string, evt *protocol.Event) error {
	if agentID == "" || evt == nil || evt.Type == "" {
		return protocol.NewError(protocol.ErrInvalidParameters, "direct delivery requires an agent id and a typed event")
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	if !b.knowsLocked(agentID) {
		b.mu.Unlock()
		return protocol.NewError(protocol.ErrRecipientNotFound, "unknown recipient: %s", agentID)
	}
	b.recordHistoryLocked(evt)
	conn, ok := b.connections[agentID]
	if !ok {
		b.queueOfflineLocked(agentID, evt)
	}
	b.mu.Unlock()
	b.published.Add(1)

	if ok {
		if err := conn.WriteEvent(evt); err != nil {
			log.Error("event delivery failed",
				zap.String("agent_id", agentID),
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type),
				zap.Error(err))
			b.mu.Lock()
			b.queueOfflineLocked(agentID, evt)
			b.mu.Unlock()
		} else {
			b.delivered.Add(1)
			b.mu.Lock()
			b.byType[evt.Type]++
			b.mu.Unlock()
		}
	}
	b.logEvent(evt)
	return nil
}

// plan validates the event, records it in history and returns the targets
// to write plus the number of copies already queued offline.
func (b *Bus) plan(evt *protocol.Event) ([]target, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	to := stringField(evt.Payload, "to")
	direct := evt.Type == EventDirectMessage || evt.Type == EventTaskAssignment
	if evt.Type == EventDirectMessage && to == "" {
		return nil, 0, protocol.NewError(protocol.ErrInvalidParameters, "DIRECT_MESSAGE requires a to agent")
	}
	if direct && to != "" && !b.knowsLocked(to) {
		return nil, 0, protocol.NewError(protocol.ErrRecipientNotFound, "unknown recipient: %s", to)
	}

	b.recordHistoryLocked(evt)

	switch {
	case direct && to != "":
		// Monitoring subscribers get a copy; the recipient gets exactly
		// one frame even when it subscribes to its own message type.
		plan, queued := b.subscribersLocked(evt, evt.From, to)
		if conn, ok := b.connections[to]; ok {
			plan = append(plan, target{agentID: to, conn: conn})
		} else {
			b.queueOfflineLocked(to, evt)
			queued++
		}
		return plan, queued, nil
	case evt.Type == EventBroadcast, evt.Type == EventTaskAssignment:
		// An unresolvable TASK_ASSIGNMENT degrades to plain subscriber
		// delivery.
		plan, queued := b.subscribersLocked(evt, evt.From)
		return plan, queued, nil
	default:
		plan, queued := b.subscribersLocked(evt)
		return plan, queued, nil
	}
}

// subscribersLocked plans delivery to every subscriber whose pattern
// matches the event type, minus the excluded ids. Subscribers without a
// live connection get an offline copy instead; overlapping patterns still
// produce a single frame per agent.
func (b *Bus) subscribersLocked(evt *protocol.Event, exclude ...string) ([]target, int) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		if id != "" {
			skip[id] = true
		}
	}

	var plan []target
	queued := 0
	seen := make(map[string]bool)
	for pattern, agents := range b.subscriptions {
		if !matchesEventType(pattern, evt.Type) {
			continue
		}
		for id := range agents {
			if skip[id] || seen[id] {
				continue
			}
			seen[id] = true
			if conn, ok := b.connections[id]; ok {
				plan = append(plan, target{agentID: id, conn: conn})
			} else {
				b.queueOfflineLocked(id, evt)
				queued++
			}
		}
	}
	return plan, queued
}

// resolveTaskTarget asks the directory to pick a recipient for a
// TASK_ASSIGNMENT event published without one.
func (b *Bus) resolveTaskTarget(evt *protocol.Event) {
	if b.directory == nil {
		return
	}
	task := stringField(evt.Payload, "task")
	required := stringSlice(evt.Payload["required_capabilities"])
	id, ok := b.directory.ResolveTaskTarget(task, required)
	if !ok {
		log.Warn("no agent available for task assignment",
			zap.String("event_id", evt.ID),
			zap.String("from", evt.From))
		return
	}
	if evt.Payload == nil {
		evt.Payload = make(map[string]any, 1)
	}
	evt.Payload["to"] = id
}

// knowsLocked reports whether the agent is known to the bus or the
// directory. Direct messages to unknown agents are rejected rather than
// queued forever.
func (b *Bus) knowsLocked(agentID string) bool {
	if _, ok := b.connections[agentID]; ok {
		return true
	}
	if b.everSeen[agentID] {
		return true
	}
	if _, ok := b.offline[agentID]; ok {
		return true
	}
	return b.directory != nil && b.directory.Exists(agentID)
}

func (b *Bus) knows(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.knowsLocked(agentID)
}

// queueOfflineLocked appends an event to an agent's offline queue, evicting
// the oldest entries past the bound.
func (b *Bus) queueOfflineLocked(agentID string, evt *protocol.Event) {
	q := append(b.offline[agentID], evt)
	if drop := len(q) - b.queueSize; drop > 0 {
		q = append([]*protocol.Event(nil), q[drop:]...)
		b.dropped.Add(int64(drop))
		log.Warn("offline queue full, dropping oldest",
			zap.String("agent_id", agentID),
			zap.Int("dropped", drop))
	}
	b.offline[agentID] = q
	b.queued.Add(1)
}

func (b *Bus) recordHistoryLocked(evt *protocol.Event) {
	b.history[b.histNext] = evt
	b.histNext = (b.histNext + 1) % b.historySize
	if b.histCount < b.historySize {
		b.histCount++
	}
}

func (b *Bus) logEvent(evt *protocol.Event) {
	if b.eventLog == nil {
		return
	}
	if err := b.eventLog.Append(evt); err != nil {
		log.Warn("bus event log append failed", zap.Error(err))
	}
}

// SendRequest is a parsed SEND_MESSAGE command.
type SendRequest struct {
	FromAgent   string
	MessageType string
	ToAgent     string
	Content     any
	EventTypes  []string
	Metadata    map[string]any
}

// SendResult is the reply payload for the delivery forms of SEND_MESSAGE.
type SendResult struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	ToAgent   string `json:"to_agent,omitempty"`
	Delivered int    `json:"delivered"`
	Queued    int    `json:"queued"`
}

// Send executes one SEND_MESSAGE: direct, broadcast and task framing plus
// the legacy SUBSCRIBE/UNSUBSCRIBE forms. The sender must be known to the
// bus or the directory.
func (b *Bus) Send(ctx context.Context, req SendRequest) (any, error) {
	if req.FromAgent == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "missing required parameter: from_agent")
	}
	if !b.knows(req.FromAgent) {
		return nil, protocol.NewError(protocol.ErrSenderNotFound, "unknown sender: %s", req.FromAgent)
	}

	switch req.MessageType {
	case EventDirectMessage:
		if req.ToAgent == "" {
			return nil, protocol.NewError(protocol.ErrInvalidParameters, "DIRECT_MESSAGE requires to_agent")
		}
		return b.sendEvent(ctx, req, map[string]any{"to": req.ToAgent, "content": req.Content})
	case EventBroadcast:
		return b.sendEvent(ctx, req, map[string]any{"content": req.Content})
	case EventTaskAssignment:
		payload := map[string]any{"task": req.Content}
		if req.ToAgent != "" {
			payload["to"] = req.ToAgent
		}
		return b.sendEvent(ctx, req, payload)
	case "SUBSCRIBE":
		return b.Subscribe(req.FromAgent, req.EventTypes)
	case "UNSUBSCRIBE":
		return b.Unsubscribe(req.FromAgent, req.EventTypes), nil
	default:
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "unknown message_type: %s", req.MessageType)
	}
}

func (b *Bus) sendEvent(ctx context.Context, req SendRequest, payload map[string]any) (*SendResult, error) {
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	evt := protocol.NewEvent(req.MessageType, req.FromAgent, payload)
	d, err := b.Route(ctx, evt)
	if err != nil {
		return nil, err
	}
	return &SendResult{
		Status:    "sent",
		EventID:   evt.ID,
		ToAgent:   stringField(evt.Payload, "to"),
		Delivered: d.Delivered,
		Queued:    d.Queued,
	}, nil
}

// Counters are the bus lifetime totals.
type Counters struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Queued    int64 `json:"queued"`
	Replayed  int64 `json:"replayed"`
}

// Stats is the reply payload for MESSAGE_BUS_STATS.
type Stats struct {
	ConnectedAgents []string         `json:"connected_agents"`
	Subscriptions   map[string]int   `json:"subscriptions"`
	Queued          map[string]int   `json:"queued"`
	HistorySize     int              `json:"history_size"`
	Counters        Counters         `json:"counters"`
	DeliveredByType map[string]int64 `json:"delivered_by_type,omitempty"`
}

// Stats snapshots the bus state.
func (b *Bus) Stats() *Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	connected := make([]string, 0, len(b.connections))
	for id := range b.connections {
		connected = append(connected, id)
	}
	sort.Strings(connected)

	subs := make(map[string]int, len(b.subscriptions))
	for eventType, set := range b.subscriptions {
		subs[eventType] = len(set)
	}
	queued := make(map[string]int, len(b.offline))
	for id, q := range b.offline {
		queued[id] = len(q)
	}
	byType := make(map[string]int64, len(b.byType))
	for eventType, n := range b.byType {
		byType[eventType] = n
	}

	return &Stats{
		ConnectedAgents: connected,
		Subscriptions:   subs,
		Queued:          queued,
		HistorySize:     b.histCount,
		Counters: Counters{
			Published: b.published.Load(),
			Delivered: b.delivered.Load(),
			Dropped:   b.dropped.Load(),
			Queued:    b.queued.Load(),
			Replayed:  b.replayed.Load(),
		},
		DeliveredByType: byType,
	}
}

// History returns up to limit recent events in chronological order. A
// non-positive limit returns the whole ring.
func (b *Bus) History(limit int) []*protocol.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.histCount
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*protocol.Event, 0, n)
	start := b.histNext - n
	for i := 0; i < n; i++ {
		out = append(out, b.history[((start+i)%b.historySize+b.historySize)%b.historySize])
	}
	return out
}

// matchesEventType checks an event type against a subscription pattern.
// Patterns are exact names or path.Match globs such as "agent:*".
func matchesEventType(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	matched, err := path.Match(pattern, eventType)
	if err != nil {
		return false
	}
	return matched
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
