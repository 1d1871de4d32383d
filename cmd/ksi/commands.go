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
package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("HEALTH_CHECK", nil)
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Gracefully stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("SHUTDOWN", nil)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Hot-reload the daemon without dropping the socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("RELOAD_DAEMON", nil)
	},
}

var sendParams string

var sendCmd = &cobra.Command{
	Use:   "send <COMMAND>",
	Short: "Send an arbitrary command envelope",
	Long: heredoc.Doc(`
		Send any daemon command by name with raw JSON parameters. Use
		"ksi send GET_COMMANDS" to discover what the daemon accepts.

		Examples:
		  ksi send SET_AGENT_KV --params '{"key": "team.lead", "value": "a1"}'
		  ksi send INJECTION_INJECT --params '{"content": "wrap up", "session_id": "s1"}'
	`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.ToUpper(args[0])
		var params any
		if sendParams != "" {
			if err := json.Unmarshal([]byte(sendParams), &params); err != nil {
				return fmt.Errorf("--params is not valid JSON: %w", err)
			}
		}
		return run(command, params)
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("GET_AGENTS", nil)
	},
}

var processesCmd = &cobra.Command{
	Use:   "processes",
	Short: "List supervised child processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("GET_PROCESSES", nil)
	},
}

var composeContext string

var composeCmd = &cobra.Command{
	Use:   "compose <name>",
	Short: "Render a prompt composition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"composition": args[0]}
		if composeContext != "" {
			var ctx map[string]any
			if err := json.Unmarshal([]byte(composeContext), &ctx); err != nil {
				return fmt.Errorf("--context is not valid JSON: %w", err)
			}
			params["context"] = ctx
		}
		return run("COMPOSE_PROMPT", params)
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendParams, "params", "", "JSON parameters object")
	composeCmd.Flags().StringVar(&composeContext, "context", "", "JSON context object")
}
