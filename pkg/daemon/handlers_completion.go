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
	"time"

	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// completionParams is the COMPLETION wire shape. Priority is accepted for
// protocol compatibility; the pipeline serializes per agent regardless.
type completionParams struct {
	Prompt            string         `json:"prompt"`
	Mode              string         `json:"mode,omitempty"`
	AgentID           string         `json:"agent_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	Model             string         `json:"model,omitempty"`
	EnableTools       bool           `json:"enable_tools,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	RequestID         string         `json:"request_id,omitempty"`
	InjectionMetadata map[string]any `json:"injection_metadata,omitempty"`
}

func (d *Daemon) handleCompletion(ctx context.Context, inv *command.Invocation) (any, error) {
	var params completionParams
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.Prompt == "" {
		return nil, protocol.MissingParam("prompt")
	}

	req := completion.Request{
		Prompt:            params.Prompt,
		Mode:              params.Mode,
		AgentID:           params.AgentID,
		SessionID:         params.SessionID,
		Model:             params.Model,
		EnableTools:       params.EnableTools,
		RequestID:         params.RequestID,
		InjectionMetadata: params.InjectionMetadata,
	}

	// Sync completions block the handler: the request context carries its
	// own budget of child timeout plus grace so the child's own timeout
	// fires first and maps to COMPLETION_TIMEOUT.
	if req.Mode == completion.ModeSync {
		timeout := d.cfg.Completion.CompletionTimeout() + 10*time.Second
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.pipeline.Submit(ctx, req)
}

func (d *Daemon) handleGetProcesses(ctx context.Context, inv *command.Invocation) (any, error) {
	procs := d.procs.List()
	return map[string]any{
		"processes": procs,
		"count":     len(procs),
	}, nil
}
