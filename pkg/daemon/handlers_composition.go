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
	"github.com/ksi-project/ksi/pkg/composer"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// requireComposer gates the composition commands when the composer failed
// to initialise at startup.
func (d *Daemon) requireComposer() (*composer.Composer, error) {
	if d.composer == nil {
		return nil, protocol.NewError(protocol.ErrComposerUnavailable, "prompt composer is not available")
	}
	return d.composer, nil
}

func (d *Daemon) handleGetCompositions(ctx context.Context, inv *command.Invocation) (any, error) {
	comp, err := d.requireComposer()
	if err != nil {
		return nil, err
	}
	var params struct {
		IncludeMetadata bool   `json:"include_metadata,omitempty"`
		Type            string `json:"type,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	infos, err := comp.ListCompositions(params.Type)
	if err != nil {
		return nil, err
	}
	if params.IncludeMetadata {
		return map[string]any{"compositions": infos, "count": len(infos)}, nil
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return map[string]any{"compositions": names, "count": len(names)}, nil
}

func (d *Daemon) handleGetComposition(ctx context.Context, inv *command.Invocation) (any, error) {
	comp, err := d.requireComposer()
	if err != nil {
		return nil, err
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, protocol.MissingParam("name")
	}
	doc, err := comp.GetComposition(params.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"composition": doc}, nil
}

func (d *Daemon) handleValidateComposition(ctx context.Context, inv *command.Invocation) (any, error) {
	comp, err := d.requireComposer()
	if err != nil {
		return nil, err
	}
	var params struct {
		Name    string         `json:"name"`
		Context map[string]any `json:"context,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, protocol.MissingParam("name")
	}
	return comp.Validate(ctx, params.Name, params.Context)
}

func (d *Daemon) handleComposePrompt(ctx context.Context, inv *command.Invocation) (any, error) {
	comp, err := d.requireComposer()
	if err != nil {
		return nil, err
	}
	var params struct {
		Composition string         `json:"composition"`
		Context     map[string]any `json:"context,omitempty"`
		Strict      bool           `json:"strict,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	if params.Composition == "" {
		return nil, protocol.MissingParam("composition")
	}
	return comp.ComposePrompt(ctx, params.Composition, params.Context, params.Strict)
}

func (d *Daemon) handleListComponents(ctx context.Context, inv *command.Invocation) (any, error) {
	comp, err := d.requireComposer()
	if err != nil {
		return nil, err
	}
	var params struct {
		Directory string `json:"directory,omitempty"`
	}
	if err := protocol.DecodeParams(inv.Raw, &params); err != nil {
		return nil, err
	}
	infos, err := comp.ListComponents(params.Directory)
	if err != nil {
		return nil, err
	}
	return map[string]any{"components": infos, "count": len(infos)}, nil
}
