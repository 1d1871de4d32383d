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

	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/protocol"
)

func (d *Daemon) handleSendMessage(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		FromAgent   string         `json:"from_agent"`
		MessageType string         `json:"message_type"`
		ToAgent     string         `json:"to_agent,omitempty"`
		Content     any            `json:"content,omitempty"`
		EventTypes  []string       `json:"event_types,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.FromAgent == "" {
		return nil, protocol.MissingParam("from_agent")
	}
	if params.MessageType == "" {
		return nil, protocol.MissingParam("message_type")
	}
	return d.bus.Send(ctx, bus.SendRequest{
		FromAgent:   params.FromAgent,
		MessageType: params.MessageType,
		ToAgent:     params.ToAgent,
		Content:     params.Content,
		EventTypes:  params.EventTypes,
		Metadata:    params.Metadata,
	})
}

func (d *Daemon) handlePublish(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		FromAgent string         `json:"from_agent"`
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.FromAgent == "" {
		return nil, protocol.MissingParam("from_agent")
	}
	if params.EventType == "" {
		return nil, protocol.MissingParam("event_type")
	}
	evt := protocol.NewEvent(params.EventType, params.FromAgent, params.Payload)
	delivery, err := d.bus.Route(ctx, evt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":    "published",
		"event_id":  evt.ID,
		"delivered": delivery.Delivered,
		"queued":    delivery.Queued,
	}, nil
}

func (d *Daemon) handleSubscribe(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		AgentID    string   `json:"agent_id"`
		EventTypes []string `json:"event_types"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.MissingParam("agent_id")
	}
	if len(params.EventTypes) == 0 {
		return nil, protocol.MissingParam("event_types")
	}
	return d.bus.Subscribe(params.AgentID, params.EventTypes)
}

func (d *Daemon) handleAgentConnection(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		Action  string `json:"action"`
		AgentID string `json:"agent_id"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.MissingParam("agent_id")
	}

	switch params.Action {
	case "connect":
		cc, ok := inv.Conn.(*clientConn)
		if !ok || cc == nil {
			return nil, protocol.NewError(protocol.ErrCommandProcessing,
				"AGENT_CONNECTION requires a client connection")
		}
		ack := d.bus.Connect(params.AgentID, cc)
		cc.bindAgent(params.AgentID)
		cc.SetPersistent()
		log.FromContext(ctx).Info("agent connection bound",
			zap.String("agent_id", params.AgentID),
			zap.String("conn_id", cc.ID()))
		return ack, nil
	case "disconnect":
		ack := d.bus.Disconnect(params.AgentID)
		if cc, ok := inv.Conn.(*clientConn); ok && cc != nil && cc.boundAgent() == params.AgentID {
			cc.bindAgent("")
		}
		return ack, nil
	default:
		return nil, protocol.NewError(protocol.ErrInvalidParameters,
			"action must be connect or disconnect, got %q", params.Action)
	}
}

func (d *Daemon) handleBusStats(ctx context.Context, inv *command.Invocation) (any, error) {
	return d.bus.Stats(), nil
}
