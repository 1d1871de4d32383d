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
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ksi-project/ksi/pkg/protocol"
)

var (
	listenAgent  string
	listenEvents []string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect as an agent and stream matching events",
	Long: `Open a persistent connection, bind it as the given agent's event
channel, subscribe to the given event type patterns, and print each
pushed event as JSON until interrupted.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringVar(&listenAgent, "agent", "", "agent id to connect as (required)")
	listenCmd.Flags().StringSliceVar(&listenEvents, "events", nil, "event type patterns, e.g. agent:* (required)")
	_ = listenCmd.MarkFlagRequired("agent")
	_ = listenCmd.MarkFlagRequired("events")
}

func runListen(cmd *cobra.Command, args []string) error {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer nc.Close()

	fw := protocol.NewFrameWriter(nc)
	reader := protocol.NewFrameReader(nc)

	send := func(command string, params any) error {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req := &protocol.Request{Command: command, Version: protocol.Version, Parameters: raw}
		frame, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := fw.Write(frame); err != nil {
			return err
		}
		data, err := reader.Read()
		if err != nil {
			return err
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		if resp.Status != protocol.StatusSuccess {
			if resp.Error != nil {
				return fmt.Errorf("%s failed: %s (%s)", command, resp.Error.Message, resp.Error.Code)
			}
			return fmt.Errorf("%s failed", command)
		}
		return nil
	}

	if err := send("AGENT_CONNECTION", map[string]any{
		"action": "connect", "agent_id": listenAgent,
	}); err != nil {
		return err
	}
	if err := send("SUBSCRIBE", map[string]any{
		"agent_id": listenAgent, "event_types": listenEvents,
	}); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "listening as %s for %v (Ctrl+C to stop)\n", listenAgent, listenEvents)

	// Close on signal so the blocking Read returns.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		nc.Close()
	}()

	for {
		frame, err := reader.Read()
		if err != nil {
			return nil
		}
		var evt map[string]any
		if err := json.Unmarshal(frame, &evt); err != nil {
			continue
		}
		printJSON(evt)
	}
}
