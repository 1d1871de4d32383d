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
	"github.com/ksi-project/ksi/pkg/command"
)

// registerCommands declares every command the daemon serves. Parameter
// metadata is written out statically; GET_COMMANDS serves it verbatim.
func (d *Daemon) registerCommands() error {
	specs := []*command.Spec{
		// admin
		{
			Name: "HEALTH_CHECK", Domain: "admin",
			Summary: "Report daemon liveness, version, uptime and per-manager status",
			Handler: d.handleHealthCheck,
		},
		{
			Name: "SHUTDOWN", Domain: "admin",
			Summary: "Gracefully stop the daemon",
			Handler: d.handleShutdown,
		},
		{
			Name: "RELOAD_DAEMON", Domain: "admin",
			Summary: "Hot-reload: hand the socket and state to a fresh daemon process",
			Handler: d.handleReloadDaemon,
		},
		{
			Name: "LOAD_STATE", Domain: "admin",
			Summary: "Restore a hot-reload state snapshot (successor side)",
			Params: []command.ParamDoc{
				{Name: "state_data", Type: "string", Required: true,
					Description: "base64(zstd(JSON)) snapshot from the predecessor"},
			},
			Handler: d.handleLoadState,
		},
		{
			Name: "CLEANUP", Domain: "admin",
			Summary: "Remove daemon artifacts: logs, tracked sessions, stale sockets",
			Params: []command.ParamDoc{
				{Name: "cleanup_type", Type: "string", Required: true,
					Enum: []string{"logs", "sessions", "sockets", "all"}},
			},
			Handler: d.handleCleanup,
		},
		{
			Name: "RELOAD_MODULE", Domain: "admin",
			Summary: "Rescan an extension module's composition and component trees",
			Params: []command.ParamDoc{
				{Name: "module_name", Type: "string", Required: true},
			},
			Handler: d.handleReloadModule,
		},
		{
			Name: "GET_COMMANDS", Domain: "admin",
			Summary: "Describe every registered command and its parameters",
			Handler: d.handleGetCommands,
		},

		// completion
		{
			Name: "COMPLETION", Domain: "completion",
			Summary: "Run an LLM completion (sync blocks, async publishes the result)",
			Params: []command.ParamDoc{
				{Name: "prompt", Type: "string", Required: true},
				{Name: "mode", Type: "string", Default: "async", Enum: []string{"sync", "async"}},
				{Name: "agent_id", Type: "string"},
				{Name: "session_id", Type: "string", Description: "resume an existing session"},
				{Name: "model", Type: "string"},
				{Name: "enable_tools", Type: "boolean", Default: false},
				{Name: "priority", Type: "string"},
				{Name: "request_id", Type: "string"},
				{Name: "injection_metadata", Type: "object"},
			},
			Events:  []string{"PROCESS_COMPLETE", "PROCESS_FAILED"},
			Handler: d.handleCompletion,
		},
		{
			Name: "GET_PROCESSES", Domain: "completion",
			Summary: "List supervised child processes, running first",
			Handler: d.handleGetProcesses,
		},
		{
			Name: "GET_COMPOSITIONS", Domain: "completion",
			Summary: "List available prompt compositions",
			Params: []command.ParamDoc{
				{Name: "include_metadata", Type: "boolean", Default: false},
				{Name: "type", Type: "string", Enum: []string{"prompt", "profile", "system"}},
			},
			Handler: d.handleGetCompositions,
		},
		{
			Name: "GET_COMPOSITION", Domain: "completion",
			Summary: "Return one composition's full parsed document",
			Params: []command.ParamDoc{
				{Name: "name", Type: "string", Required: true},
			},
			Handler: d.handleGetComposition,
		},
		{
			Name: "VALIDATE_COMPOSITION", Domain: "completion",
			Summary: "Check a composition's structure and context requirements",
			Params: []command.ParamDoc{
				{Name: "name", Type: "string", Required: true},
				{Name: "context", Type: "object"},
			},
			Handler: d.handleValidateComposition,
		},
		{
			Name: "COMPOSE_PROMPT", Domain: "completion",
			Summary: "Render a composition with the given context",
			Params: []command.ParamDoc{
				{Name: "composition", Type: "string", Required: true},
				{Name: "context", Type: "object"},
				{Name: "strict", Type: "boolean", Default: false,
					Description: "fail on unresolved variables instead of leaving placeholders"},
			},
			Handler: d.handleComposePrompt,
		},
		{
			Name: "LIST_COMPONENTS", Domain: "completion",
			Summary: "List prompt components, optionally under one directory",
			Params: []command.ParamDoc{
				{Name: "directory", Type: "string"},
			},
			Handler: d.handleListComponents,
		},
		{
			Name: "INJECTION_INJECT", Domain: "completion",
			Summary: "Inject content into sessions, immediately or at their next completion",
			Params: []command.ParamDoc{
				{Name: "content", Type: "string", Required: true},
				{Name: "mode", Type: "string", Default: "next", Enum: []string{"direct", "next"}},
				{Name: "position", Type: "string", Default: "system_reminder",
					Enum: []string{"before_prompt", "after_prompt", "system_reminder"}},
				{Name: "session_id", Type: "string"},
				{Name: "target_sessions", Type: "array"},
				{Name: "priority", Type: "string", Default: "normal", Enum: []string{"low", "normal", "high"}},
				{Name: "metadata", Type: "object"},
				{Name: "parent_request_id", Type: "string"},
				{Name: "ttl_seconds", Type: "integer"},
			},
			Events:  []string{"injection:blocked"},
			Handler: d.handleInjectionInject,
		},
		{
			Name: "INJECTION_BATCH", Domain: "completion",
			Summary: "Run several injections in one envelope",
			Params: []command.ParamDoc{
				{Name: "injections", Type: "array", Required: true},
			},
			Handler: d.handleInjectionBatch,
		},
		{
			Name: "INJECTION_LIST", Domain: "completion",
			Summary: "List pending next-mode injections",
			Params: []command.ParamDoc{
				{Name: "session_id", Type: "string"},
			},
			Handler: d.handleInjectionList,
		},
		{
			Name: "INJECTION_CLEAR", Domain: "completion",
			Summary: "Remove pending injections",
			Params: []command.ParamDoc{
				{Name: "session_id", Type: "string"},
				{Name: "mode", Type: "string"},
			},
			Handler: d.handleInjectionClear,
		},
		{
			Name: "INJECTION_QUEUE", Domain: "completion",
			Summary: "Enqueue an injection onto the async worker queue",
			Params: []command.ParamDoc{
				{Name: "content", Type: "string", Required: true},
				{Name: "mode", Type: "string", Default: "next"},
				{Name: "position", Type: "string", Default: "system_reminder"},
				{Name: "session_id", Type: "string"},
				{Name: "target_sessions", Type: "array"},
				{Name: "priority", Type: "string", Default: "normal"},
				{Name: "metadata", Type: "object"},
				{Name: "parent_request_id", Type: "string"},
				{Name: "ttl_seconds", Type: "integer"},
			},
			Handler: d.handleInjectionQueue,
		},
		{
			Name: "INJECTION_STATUS", Domain: "completion",
			Summary: "Report injection queue depth and counters",
			Handler: d.handleInjectionStatus,
		},
		{
			Name: "INJECTION_EXECUTE", Domain: "completion",
			Summary: "Run stored injection content as a completion immediately",
			Params: []command.ParamDoc{
				{Name: "content", Type: "string", Required: true},
				{Name: "session_id", Type: "string", Required: true},
				{Name: "position", Type: "string"},
				{Name: "metadata", Type: "object"},
			},
			Handler: d.handleInjectionExecute,
		},
		{
			Name: "INJECTION_PROCESS_RESULT", Domain: "completion",
			Summary: "Route an async completion result back into its injection chain",
			Params: []command.ParamDoc{
				{Name: "request_id", Type: "string", Required: true},
				{Name: "result", Type: "object"},
				{Name: "injection_metadata", Type: "object"},
			},
			Handler: d.handleInjectionProcessResult,
		},

		// agents
		{
			Name: "REGISTER_AGENT", Domain: "agents",
			Summary: "Register an agent or refresh its role and capabilities",
			Params: []command.ParamDoc{
				{Name: "agent_id", Type: "string", Required: true},
				{Name: "role", Type: "string"},
				{Name: "capabilities", Type: "array"},
			},
			Handler: d.handleRegisterAgent,
		},
		{
			Name: "SPAWN_AGENT", Domain: "agents",
			Summary: "Create an agent with a composed profile and optional worker process",
			Params: []command.ParamDoc{
				{Name: "task", Type: "string", Required: true},
				{Name: "agent_id", Type: "string"},
				{Name: "role", Type: "string"},
				{Name: "capabilities", Type: "array"},
				{Name: "profile_name", Type: "string"},
				{Name: "context", Type: "object"},
				{Name: "model", Type: "string"},
			},
			Events:  []string{"agent:spawned"},
			Handler: d.handleSpawnAgent,
		},
		{
			Name: "GET_AGENTS", Domain: "agents",
			Summary: "List registered agents with live connection state",
			Handler: d.handleGetAgents,
		},
		{
			Name: "ROUTE_TASK", Domain: "agents",
			Summary: "Pick the best-matching agent for a task by capability",
			Params: []command.ParamDoc{
				{Name: "task", Type: "string", Required: true},
				{Name: "required_capabilities", Type: "array"},
				{Name: "prefer_agent_id", Type: "string"},
				{Name: "context", Type: "object"},
			},
			Events:  []string{"TASK_ASSIGNMENT"},
			Handler: d.handleRouteTask,
		},

		// messaging
		{
			Name: "SEND_MESSAGE", Domain: "messaging",
			Summary: "Send a direct, broadcast or task message between agents",
			Params: []command.ParamDoc{
				{Name: "from_agent", Type: "string", Required: true},
				{Name: "message_type", Type: "string", Required: true,
					Enum: []string{"DIRECT_MESSAGE", "BROADCAST", "TASK_ASSIGNMENT", "SUBSCRIBE", "UNSUBSCRIBE"}},
				{Name: "to_agent", Type: "string"},
				{Name: "content", Type: "any"},
				{Name: "event_types", Type: "array"},
				{Name: "metadata", Type: "object"},
			},
			Handler: d.handleSendMessage,
		},
		{
			Name: "PUBLISH", Domain: "messaging",
			Summary: "Publish an event to its subscribers",
			Params: []command.ParamDoc{
				{Name: "from_agent", Type: "string", Required: true},
				{Name: "event_type", Type: "string", Required: true},
				{Name: "payload", Type: "object"},
			},
			Handler: d.handlePublish,
		},
		{
			Name: "SUBSCRIBE", Domain: "messaging",
			Summary: "Subscribe a connected agent to event types (wildcards allowed)",
			Params: []command.ParamDoc{
				{Name: "agent_id", Type: "string", Required: true},
				{Name: "event_types", Type: "array", Required: true},
			},
			Handler: d.handleSubscribe,
		},
		{
			Name: "AGENT_CONNECTION", Domain: "messaging",
			Summary: "Bind or unbind this connection as an agent's event channel",
			Params: []command.ParamDoc{
				{Name: "action", Type: "string", Required: true, Enum: []string{"connect", "disconnect"}},
				{Name: "agent_id", Type: "string", Required: true},
			},
			Handler: d.handleAgentConnection,
		},
		{
			Name: "MESSAGE_BUS_STATS", Domain: "messaging",
			Summary: "Report bus connections, subscriptions, queues and counters",
			Handler: d.handleBusStats,
		},

		// state
		{
			Name: "SET_AGENT_KV", Domain: "state",
			Summary: "Write a key to the shared coordination store",
			Params: []command.ParamDoc{
				{Name: "key", Type: "string", Required: true},
				{Name: "value", Type: "any", Required: true},
				{Name: "owner_agent_id", Type: "string"},
				{Name: "scope", Type: "string", Default: "shared",
					Enum: []string{"private", "shared", "coordination"}},
				{Name: "expires_at", Type: "string", Description: "RFC 3339 expiry"},
				{Name: "metadata", Type: "object"},
			},
			Handler: d.handleSetAgentKV,
		},
		{
			Name: "GET_AGENT_KV", Domain: "state",
			Summary: "Read a key, or list entries by namespace/owner when key is omitted",
			Params: []command.ParamDoc{
				{Name: "key", Type: "string"},
				{Name: "namespace", Type: "string"},
				{Name: "owner_agent_id", Type: "string"},
			},
			Handler: d.handleGetAgentKV,
		},
		{
			Name: "CREATE_IDENTITY", Domain: "state",
			Summary: "Create a persistent identity for an agent",
			Params: []command.ParamDoc{
				{Name: "agent_id", Type: "string", Required: true},
				{Name: "display_name", Type: "string"},
				{Name: "role", Type: "string"},
				{Name: "personality_traits", Type: "array"},
				{Name: "appearance", Type: "string"},
				{Name: "preferences", Type: "object"},
			},
			Handler: d.handleCreateIdentity,
		},
		{
			Name: "UPDATE_IDENTITY", Domain: "state",
			Summary: "Merge updates into an identity (protected fields rejected)",
			Params: []command.ParamDoc{
				{Name: "agent_id", Type: "string", Required: true},
				{Name: "updates", Type: "object", Required: true},
			},
			Handler: d.handleUpdateIdentity,
		},
		{
			Name: "GET_IDENTITY", Domain: "state",
			Summary: "Fetch one agent's identity",
			Params: []command.ParamDoc{
				{Name: "agent_id", Type: "string", Required: true},
			},
			Handler: d.handleGetIdentity,
		},
		{
			Name: "LIST_IDENTITIES", Domain: "state",
			Summary: "List all identities sorted by agent id",
			Handler: d.handleListIdentities,
		},
		{
			Name: "REMOVE_IDENTITY", Domain: "state",
			Summary: "Delete an agent's identity",
			Params: []command.ParamDoc{
				{Name: "agent_id", Type: "string", Required: true},
			},
			Handler: d.handleRemoveIdentity,
		},
	}

	for _, spec := range specs {
		if err := d.registry.Register(spec); err != nil {
			return err
		}
	}
	return d.registry.Alias("SPAWN", "COMPLETION")
}
