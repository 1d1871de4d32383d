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

	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/injection"
	"github.com/ksi-project/ksi/pkg/protocol"
)

func (d *Daemon) handleInjectionInject(ctx context.Context, inv *command.Invocation) (any, error) {
	var req injection.Request
	if err := protocol.DecodeParams(inv.Raw, &req); err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, protocol.MissingParam("content")
	}
	return d.injector.Inject(ctx, req)
}

func (d *Daemon) handleInjectionBatch(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		Injections []injection.Request `json:"injections"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if len(params.Injections) == 0 {
		return nil, protocol.MissingParam("injections")
	}
	results := d.injector.Batch(ctx, params.Injections)
	return map[string]any{
		"results": results,
		"count":   len(results),
	}, nil
}

func (d *Daemon) handleInjectionList(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		SessionID string `json:"session_id,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	return d.injector.List(params.SessionID), nil
}

func (d *Daemon) handleInjectionClear(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		SessionID string `json:"session_id,omitempty"`
		Mode      string `json:"mode,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	return d.injector.Clear(params.SessionID, params.Mode), nil
}

func (d *Daemon) handleInjectionQueue(ctx context.Context, inv *command.Invocation) (any, error) {
	var req injection.Request
	if err := protocol.DecodeParams(inv.Raw, &req); err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, protocol.MissingParam("content")
	}
	return d.injector.Enqueue(req)
}

func (d *Daemon) handleInjectionStatus(ctx context.Context, inv *command.Invocation) (any, error) {
	return d.injector.StatusSnapshot(), nil
}

func (d *Daemon) handleInjectionExecute(ctx context.Context, inv *command.Invocation) (any, error) {
	var req injection.ExecuteRequest
	if err := protocol.DecodeParams(inv.Raw, &req); err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, protocol.MissingParam("content")
	}
	if req.SessionID == "" {
		return nil, protocol.MissingParam("session_id")
	}
	return d.injector.Execute(ctx, req)
}

func (d *Daemon) handleInjectionProcessResult(ctx context.Context, inv *command.Invocation) (any, error) {
	var req injection.ProcessResultRequest
	if err := protocol.DecodeParams(inv.Raw, &req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		return nil, protocol.MissingParam("request_id")
	}
	return d.injector.ProcessResult(ctx, req)
}
