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
package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Call dials the daemon socket, sends one request frame and reads frames
// until the command reply arrives, skipping any interleaved event pushes.
// The timeout bounds the whole exchange.
func Call(socketPath string, req *Request, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if req.Version == "" {
		req.Version = Version
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := NewFrameWriter(conn).Write(frame); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	reader := NewFrameReader(conn)
	for {
		data, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if IsEventFrame(data) {
			continue
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &resp, nil
	}
}

// CallCommand is Call with the envelope built from a command name and a
// parameters value.
func CallCommand(socketPath, cmd string, params any, timeout time.Duration) (*Response, error) {
	req := &Request{Command: cmd, Metadata: &RequestMeta{Timestamp: Timestamp()}}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal parameters: %w", err)
		}
		req.Parameters = raw
	}
	return Call(socketPath, req, timeout)
}
