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

// ksi is the human-facing client for the KSI daemon: one envelope per
// invocation, JSON replies on stdout.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/ksi-project/ksi/internal/version"
	"github.com/ksi-project/ksi/pkg/protocol"
)

var (
	socketPath string
	rawOutput  bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ksi",
	Short: "Client for the KSI daemon",
	Long: heredoc.Doc(`
		ksi talks to a running ksid over its Unix socket. Each subcommand
		sends one command envelope and prints the JSON reply; "listen" keeps
		the connection open and streams events.

		Examples:
		  ksi health
		  ksi send COMPLETION --params '{"prompt": "hello", "mode": "sync"}'
		  ksi compose ksi_agent_default --context '{"user_prompt": "hi"}'
		  ksi listen --agent watcher --events 'agent:*'
	`),
	Version:      version.Get(),
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s",
		defaultSocket(), "daemon socket path")
	rootCmd.PersistentFlags().BoolVar(&rawOutput, "raw", false,
		"print replies as single-line JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"request timeout")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(processesCmd)
	rootCmd.AddCommand(composeCmd)
	rootCmd.AddCommand(listenCmd)
}

func defaultSocket() string {
	if s := os.Getenv("KSI_SOCKET_PATH"); s != "" {
		return s
	}
	return "var/run/ksi_daemon.sock"
}

// run sends one command and prints the reply. An error-status reply exits
// non-zero after printing, so scripts can branch on it.
func run(cmd string, params any) error {
	resp, err := protocol.CallCommand(socketPath, cmd, params, timeout)
	if err != nil {
		return err
	}
	printJSON(resp)
	if resp.Status != protocol.StatusSuccess {
		os.Exit(1)
	}
	return nil
}

func printJSON(v any) {
	var data []byte
	var err error
	if rawOutput {
		data, err = json.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}
