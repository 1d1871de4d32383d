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
// Package command implements the daemon's command registry: named commands
// with declared parameter schemas, alias resolution and the self-description
// behind GET_COMMANDS.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/ksi-project/ksi/pkg/protocol"
)

// HandlerFunc executes one command invocation. The returned value becomes
// the response envelope's result; a returned error becomes the error
// envelope (DaemonError codes pass through, anything else is reported as
// COMMAND_PROCESSING_FAILED).
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// Conn is the slice of a client connection handlers may touch. Commands
// like SUBSCRIBE and AGENT_CONNECTION bind it into the message bus.
type Conn interface {
	// ID identifies the connection for logs and bus bookkeeping.
	ID() string

	// SendEvent pushes an async event frame to this client.
	SendEvent(ev *protocol.Event) error

	// SetPersistent removes the read deadline so the connection can sit
	// idle waiting for pushed events.
	SetPersistent()
}

// Invocation carries one decoded request into a handler.
type Invocation struct {
	// Command is the canonical command name after alias resolution.
	Command string

	// Called is the name the client actually sent (differs under an alias).
	Called string

	// Raw is the undecoded parameters object.
	Raw json.RawMessage

	// Meta echoes the request metadata (may be nil).
	Meta *protocol.RequestMeta

	// Conn is the requesting connection (nil for internal invocations).
	Conn Conn
}

// ParamDoc describes one parameter for GET_COMMANDS self-description.
type ParamDoc struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Spec declares one command: its identity, documentation and handler.
type Spec struct {
	// Name is the canonical command name (SCREAMING_SNAKE on the wire).
	Name string

	// Domain groups commands for documentation (admin, completion,
	// agents, messaging, state, composition, injection).
	Domain string

	// Summary is a one-line description.
	Summary string

	// Params documents the accepted parameters.
	Params []ParamDoc

	// Events lists async event types the command can cause.
	Events []string

	// Handler executes the command.
	Handler HandlerFunc
}

// Registry maps command names to specs. Registration happens once at
// daemon construction; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Spec
	aliases  map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Spec),
		aliases:  make(map[string]string),
	}
}

// Register adds a command spec. Duplicate names are a programming error.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("command spec requires a name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("command %s requires a handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[spec.Name]; exists {
		return fmt.Errorf("command %s already registered", spec.Name)
	}
	if _, exists := r.aliases[spec.Name]; exists {
		return fmt.Errorf("command %s conflicts with an alias", spec.Name)
	}
	r.commands[spec.Name] = spec
	return nil
}

// Alias maps an alternate name onto a registered command. The response
// envelope echoes the alias the client used, not the canonical name.
func (r *Registry) Alias(alias, canonical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[canonical]; !exists {
		return fmt.Errorf("alias %s targets unregistered command %s", alias, canonical)
	}
	if _, exists := r.commands[alias]; exists {
		return fmt.Errorf("alias %s conflicts with a command", alias)
	}
	r.aliases[alias] = canonical
	return nil
}

// Resolve finds the spec for a command or alias. Unknown names return
// UNKNOWN_COMMAND, with close matches suggested when any rank.
func (r *Registry) Resolve(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	if spec, ok := r.commands[name]; ok {
		return spec, nil
	}
	if suggestions := r.suggestLocked(name); len(suggestions) > 0 {
		return nil, protocol.NewError(protocol.ErrUnknownCommand,
			"unknown command: %s (did you mean %s?)", name, strings.Join(suggestions, ", "))
	}
	return nil, protocol.NewError(protocol.ErrUnknownCommand, "unknown command: %s", name)
}

// suggestLocked returns up to three fuzzy matches for an unknown name.
// Callers hold at least the read lock.
func (r *Registry) suggestLocked(name string) []string {
	names := make([]string, 0, len(r.commands)+len(r.aliases))
	for n := range r.commands {
		names = append(names, n)
	}
	for n := range r.aliases {
		names = append(names, n)
	}
	sort.Strings(names)

	matches := fuzzy.Find(name, names)
	limit := 3
	if len(matches) < limit {
		limit = len(matches)
	}
	out := make([]string, 0, limit)
	for _, m := range matches[:limit] {
		out = append(out, m.Str)
	}
	return out
}

// Names returns all canonical command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CommandDoc is one command's entry in the GET_COMMANDS result.
type CommandDoc struct {
	Domain      string     `json:"domain"`
	Summary     string     `json:"summary"`
	Parameters  []ParamDoc `json:"parameters"`
	AsyncEvents []string   `json:"async_events,omitempty"`
	AliasFor    string     `json:"alias_for,omitempty"`
}

// Describe renders the registry for GET_COMMANDS.
func (r *Registry) Describe() map[string]CommandDoc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	docs := make(map[string]CommandDoc, len(r.commands)+len(r.aliases))
	for name, spec := range r.commands {
		params := spec.Params
		if params == nil {
			params = []ParamDoc{}
		}
		docs[name] = CommandDoc{
			Domain:      spec.Domain,
			Summary:     spec.Summary,
			Parameters:  params,
			AsyncEvents: spec.Events,
		}
	}
	for alias, canonical := range r.aliases {
		if spec, ok := r.commands[canonical]; ok {
			docs[alias] = CommandDoc{
				Domain:   spec.Domain,
				Summary:  spec.Summary,
				AliasFor: canonical,
			}
		}
	}
	return docs
}
