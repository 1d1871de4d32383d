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
package agents

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// Routing outcomes.
const (
	RoutingRouted      = "routed"
	RoutingNoSuitable  = "no_suitable_agent"
	RoutingNoAvailable = "no_available_agent"
)

// RouteRequest describes a task looking for an agent.
type RouteRequest struct {
	Task                 string
	RequiredCapabilities []string
	PreferAgentID        string
	Context              map[string]any
}

// AgentRef identifies the matched agent inside a routing decision.
type AgentRef struct {
	ID           string   `json:"id"`
	Role         string   `json:"role,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// RouteDecision is the ROUTE_TASK result payload. Status is always set;
// the remaining fields only on a successful match.
type RouteDecision struct {
	Status        string    `json:"status"`
	AssignedAgent *AgentRef `json:"assigned_agent,omitempty"`
	MatchScore    int       `json:"match_score,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
}

// routeRecord is one line of the routing decision log.
type routeRecord struct {
	TS         string   `json:"ts"`
	TaskID     string   `json:"task_id"`
	Status     string   `json:"status"`
	AgentID    string   `json:"agent_id,omitempty"`
	MatchScore int      `json:"match_score"`
	Required   []string `json:"required_capabilities,omitempty"`
	Task       string   `json:"task,omitempty"`
}

// RouteTask picks the best agent for a task. Candidates are agents holding
// any required capability (all agents when none are required), scored by the
// size of the capability intersection; ties go to the preferred agent, then
// to the least recently active candidate. The winner gets a TASK_ASSIGNMENT
// event and its last_active refreshed. Every decision is appended to the
// routing log.
func (m *Manager) RouteTask(ctx context.Context, req RouteRequest) *RouteDecision {
	taskID := "task_" + uuid.NewString()[:8]
	decision := m.decide(req)

	record := routeRecord{
		TS:       protocol.Timestamp(),
		TaskID:   taskID,
		Status:   decision.Status,
		Required: req.RequiredCapabilities,
		Task:     truncate(req.Task, 200),
	}

	if decision.Status == RoutingRouted {
		decision.TaskID = taskID
		record.AgentID = decision.AssignedAgent.ID
		record.MatchScore = decision.MatchScore

		m.Touch(decision.AssignedAgent.ID)

		payload := map[string]any{
			"to":          decision.AssignedAgent.ID,
			"task":        req.Task,
			"task_id":     taskID,
			"match_score": decision.MatchScore,
		}
		if len(req.RequiredCapabilities) > 0 {
			payload["required_capabilities"] = req.RequiredCapabilities
		}
		if len(req.Context) > 0 {
			payload["context"] = req.Context
		}
		m.publish(ctx, "TASK_ASSIGNMENT", payload)
	}

	m.appendRouteRecord(record)
	log.Info("task routed",
		zap.String("task_id", taskID),
		zap.String("status", decision.Status),
		zap.String("agent_id", record.AgentID))
	return decision
}

// ResolveTaskTarget picks a recipient for a TASK_ASSIGNMENT event published
// without an explicit target. It runs the same scorer as RouteTask and logs
// the decision, but publishes nothing: the caller already owns the event.
func (m *Manager) ResolveTaskTarget(task string, required []string) (string, bool) {
	decision := m.decide(RouteRequest{Task: task, RequiredCapabilities: required})

	record := routeRecord{
		TS:       protocol.Timestamp(),
		TaskID:   "task_" + uuid.NewString()[:8],
		Status:   decision.Status,
		Required: required,
		Task:     truncate(task, 200),
	}
	if decision.Status != RoutingRouted {
		m.appendRouteRecord(record)
		return "", false
	}
	record.AgentID = decision.AssignedAgent.ID
	record.MatchScore = decision.MatchScore
	m.Touch(decision.AssignedAgent.ID)
	m.appendRouteRecord(record)
	return decision.AssignedAgent.ID, true
}

func (m *Manager) appendRouteRecord(rec routeRecord) {
	if m.routing == nil {
		return
	}
	if err := m.routing.Append(rec); err != nil {
		log.Warn("routing log append failed", zap.Error(err))
	}
}

func (m *Manager) decide(req RouteRequest) *RouteDecision {
	type candidate struct {
		agent Agent
		score int
	}
	var candidates []candidate
	for _, a := range m.agents.Seq2() {
		score := intersectionSize(req.RequiredCapabilities, a.Capabilities)
		if len(req.RequiredCapabilities) > 0 && score == 0 {
			continue
		}
		candidates = append(candidates, candidate{agent: a, score: score})
	}
	if len(candidates) == 0 {
		return &RouteDecision{Status: RoutingNoSuitable}
	}

	active := candidates[:0:0]
	for _, c := range candidates {
		if c.agent.Status == StatusActive {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return &RouteDecision{Status: RoutingNoAvailable}
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].score != active[j].score {
			return active[i].score > active[j].score
		}
		pi := active[i].agent.AgentID == req.PreferAgentID
		pj := active[j].agent.AgentID == req.PreferAgentID
		if pi != pj {
			return pi
		}
		if active[i].agent.LastActive != active[j].agent.LastActive {
			return active[i].agent.LastActive < active[j].agent.LastActive
		}
		return active[i].agent.AgentID < active[j].agent.AgentID
	})

	best := active[0]
	return &RouteDecision{
		Status: RoutingRouted,
		AssignedAgent: &AgentRef{
			ID:           best.agent.AgentID,
			Role:         best.agent.Role,
			Capabilities: append([]string(nil), best.agent.Capabilities...),
		},
		MatchScore: best.score,
	}
}

func intersectionSize(required, held []string) int {
	if len(required) == 0 || len(held) == 0 {
		return 0
	}
	heldSet := make(map[string]bool, len(held))
	for _, c := range held {
		heldSet[c] = true
	}
	seen := make(map[string]bool, len(required))
	n := 0
	for _, c := range required {
		if heldSet[c] && !seen[c] {
			seen[c] = true
			n++
		}
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
