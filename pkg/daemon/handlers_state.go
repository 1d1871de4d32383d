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
	"errors"
	"slices"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/identity"
	"github.com/ksi-project/ksi/pkg/protocol"
	"github.com/ksi-project/ksi/pkg/state"
	"go.uber.org/zap"
)

func (d *Daemon) handleSetAgentKV(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		Key          string         `json:"key"`
		Value        any            `json:"value"`
		OwnerAgentID string         `json:"owner_agent_id,omitempty"`
		Scope        string         `json:"scope,omitempty"`
		ExpiresAt    string         `json:"expires_at,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.Key == "" {
		return nil, protocol.MissingParam("key")
	}
	if params.Value == nil {
		return nil, protocol.MissingParam("value")
	}
	if params.Scope != "" && !state.ValidScope(params.Scope) {
		return nil, protocol.NewError(protocol.ErrInvalidParameters,
			"scope must be private, shared or coordination, got %q", params.Scope)
	}
	namespace, err := d.kv.Set(ctx, state.SetRequest{
		Key:          params.Key,
		Value:        params.Value,
		OwnerAgentID: params.OwnerAgentID,
		Scope:        params.Scope,
		ExpiresAt:    params.ExpiresAt,
		Metadata:     params.Metadata,
	})
	if err != nil {
		log.FromContext(ctx).Warn("kv set failed", zap.String("key", params.Key), zap.Error(err))
		return nil, protocol.NewError(protocol.ErrStateStore, "failed to set %q", params.Key)
	}
	return map[string]any{
		"status":    "set",
		"key":       params.Key,
		"namespace": namespace,
	}, nil
}

func (d *Daemon) handleGetAgentKV(ctx context.Context, inv *command.Invocation) (any, error) {
	var params struct {
		Key          string `json:"key,omitempty"`
		Namespace    string `json:"namespace,omitempty"`
		OwnerAgentID string `json:"owner_agent_id,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}

	// No key means a listing by namespace and/or owner.
	if params.Key == "" {
		if params.Namespace == "" && params.OwnerAgentID == "" {
			return nil, protocol.MissingParam("key")
		}
		entries, err := d.kv.List(ctx, state.ListFilter{
			Namespace: params.Namespace,
			Owner:     params.OwnerAgentID,
			Requester: params.OwnerAgentID,
		})
		if err != nil {
			return nil, protocol.NewError(protocol.ErrStateStore, "listing failed")
		}
		return map[string]any{
			"entries": entries,
			"count":   len(entries),
		}, nil
	}

	entry, found, err := d.kv.Get(ctx, params.Key, params.OwnerAgentID)
	if err != nil {
		log.FromContext(ctx).Warn("kv get failed", zap.String("key", params.Key), zap.Error(err))
		return nil, protocol.NewError(protocol.ErrStateStore, "failed to get %q", params.Key)
	}
	if !found {
		return map[string]any{"found": false, "key": params.Key}, nil
	}
	return map[string]any{
		"found":          true,
		"key":            entry.Key,
		"value":          entry.Value,
		"namespace":      entry.Namespace,
		"owner_agent_id": entry.OwnerAgentID,
		"scope":          entry.Scope,
		"created_at":     entry.CreatedAt,
		"expires_at":     entry.ExpiresAt,
		"metadata":       entry.Metadata,
	}, nil
}

// requireIdentities gates the identity commands when the manager failed to
// come up at startup.
func (d *Daemon) requireIdentities() (*identity.Manager, error) {
	if d.identities == nil {
		return nil, protocol.NewError(protocol.ErrNoIdentityManager, "identity manager is not available")
	}
	return d.identities, nil
}

func (d *Daemon) handleCreateIdentity(ctx context.Context, inv *command.Invocation) (any, error) {
	ids, err := d.requireIdentities()
	if err != nil {
		return nil, err
	}
	var params struct {
		AgentID           string         `json:"agent_id"`
		DisplayName       string         `json:"display_name,omitempty"`
		Role              string         `json:"role,omitempty"`
		PersonalityTraits []string       `json:"personality_traits,omitempty"`
		Appearance        string         `json:"appearance,omitempty"`
		Preferences       map[string]any `json:"preferences,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.MissingParam("agent_id")
	}
	id, err := ids.Create(params.AgentID, identity.CreateRequest{
		DisplayName:       params.DisplayName,
		Role:              params.Role,
		PersonalityTraits: params.PersonalityTraits,
		Appearance:        params.Appearance,
		Preferences:       params.Preferences,
	})
	if err != nil {
		if errors.Is(err, identity.ErrExists) {
			return nil, protocol.NewError(protocol.ErrIdentityExists,
				"identity already exists for agent %s", params.AgentID)
		}
		return nil, err
	}
	return map[string]any{
		"status":   "created",
		"identity": id,
	}, nil
}

func (d *Daemon) handleUpdateIdentity(ctx context.Context, inv *command.Invocation) (any, error) {
	ids, err := d.requireIdentities()
	if err != nil {
		return nil, err
	}
	var params struct {
		AgentID string         `json:"agent_id"`
		Updates map[string]any `json:"updates"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.MissingParam("agent_id")
	}
	if len(params.Updates) == 0 {
		return nil, protocol.MissingParam("updates")
	}
	for field := range params.Updates {
		if slices.Contains([]string{"identity_uuid", "agent_id", "created_at"}, field) {
			return nil, protocol.NewError(protocol.ErrInvalidParameters,
				"field %q is protected and cannot be updated", field)
		}
	}
	id, err := ids.Update(params.AgentID, params.Updates)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, protocol.NewError(protocol.ErrIdentityNotFound,
				"no identity for agent %s", params.AgentID)
		}
		return nil, protocol.NewError(protocol.ErrUpdateFailed, "%s", err.Error())
	}
	return map[string]any{
		"status":   "updated",
		"identity": id,
	}, nil
}

func (d *Daemon) handleGetIdentity(ctx context.Context, inv *command.Invocation) (any, error) {
	ids, err := d.requireIdentities()
	if err != nil {
		return nil, err
	}
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.MissingParam("agent_id")
	}
	id, ok := ids.Get(params.AgentID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrIdentityNotFound, "no identity for agent %s", params.AgentID)
	}
	return map[string]any{"identity": id}, nil
}

func (d *Daemon) handleListIdentities(ctx context.Context, inv *command.Invocation) (any, error) {
	ids, err := d.requireIdentities()
	if err != nil {
		return nil, err
	}
	list := ids.List()
	return map[string]any{
		"identities": list,
		"count":      len(list),
	}, nil
}

func (d *Daemon) handleRemoveIdentity(ctx context.Context, inv *command.Invocation) (any, error) {
	ids, err := d.requireIdentities()
	if err != nil {
		return nil, err
	}
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.MissingParam("agent_id")
	}
	if err := ids.Remove(params.AgentID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, protocol.NewError(protocol.ErrIdentityNotFound,
				"no identity for agent %s", params.AgentID)
		}
		return nil, err
	}
	return map[string]any{
		"status":   "removed",
		"agent_id": params.AgentID,
	}, nil
}
