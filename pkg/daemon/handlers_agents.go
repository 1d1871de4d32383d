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

	"github.com/ksi-project/ksi/pkg/agents"
	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/protocol"
)

func (d *Daemon) handleRegisterAgent(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		AgentID      string   `json:"agent_id"`
		Role         string   `json:"role,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.MissingParam("agent_id")
	}
	agent, err := d.agents.Register(agents.RegisterRequest{
		AgentID:      params.AgentID,
		Role:         params.Role,
		Capabilities: params.Capabilities,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "registered",
		"agent":  agent,
	}, nil
}

func (d *Daemon) handleSpawnAgent(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		Task         string         `json:"task"`
		AgentID      string         `json:"agent_id,omitempty"`
		Role         string         `json:"role,omitempty"`
		Capabilities []string       `json:"capabilities,omitempty"`
		ProfileName  string         `json:"profile_name,omitempty"`
		Context      map[string]any `json:"context,omitempty"`
		Model        string         `json:"model,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.Task == "" {
		return nil, protocol.MissingParam("task")
	}
	return d.agents.Spawn(ctx, agents.SpawnRequest{
		Task:         params.Task,
		AgentID:      params.AgentID,
		Role:         params.Role,
		Capabilities: params.Capabilities,
		ProfileName:  params.ProfileName,
		Context:      params.Context,
		Model:        params.Model,
	})
}

func (d *Daemon) handleGetAgents(ctx context.Context, inv *command.Invocation) (any, error) {
	views := d.agents.Views()
	return map[string]any{
		"agents": views,
		"count":  len(views),
	}, nil
}

func (d *Daemon) handleRouteTask(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		Task                 string         `json:"task"`
		RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
		PreferAgentID        string         `json:"prefer_agent_id,omitempty"`
		Context              map[string]any `json:"context,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.Task == "" {
		return nil, protocol.MissingParam("task")
	}
	decision := d.agents.RouteTask(ctx, agents.RouteRequest{
		Task:                 params.Task,
		RequiredCapabilities: params.RequiredCapabilities,
		PreferAgentID:        params.PreferAgentID,
		Context:              params.Context,
	})
	return map[string]any{"routing": decision}, nil
}
