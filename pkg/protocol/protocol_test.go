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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"command":"HEALTH_CHECK"}`))
	require.NoError(t, err)
	assert.Equal(t, "HEALTH_CHECK", req.Command)
	assert.Nil(t, req.Metadata)

	req, err = ParseRequest([]byte(`{"command":"COMPLETION","version":"2.0","parameters":{"prompt":"hi"},"metadata":{"client_id":"c1","request_id":"r1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "COMPLETION", req.Command)
	assert.Equal(t, "2.0", req.Version)
	require.NotNil(t, req.Metadata)
	assert.Equal(t, "c1", req.Metadata.ClientID)
	assert.Equal(t, "r1", req.Metadata.RequestID)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(req.Parameters))
}

func TestParseRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		code ErrorCode
	}{
		{"malformed json", `{"command":`, ErrInvalidJSON},
		{"empty frame", ``, ErrInvalidJSON},
		{"not an object", `[1,2]`, ErrInvalidCommand},
		{"missing command", `{"parameters":{}}`, ErrInvalidCommand},
		{"empty command", `{"command":""}`, ErrInvalidCommand},
		{"unknown envelope key", `{"command":"X","extra":1}`, ErrInvalidCommand},
		{"unknown metadata key", `{"command":"X","metadata":{"trace_id":"t"}}`, ErrInvalidCommand},
		{"non-object parameters", `{"command":"X","parameters":[1]}`, ErrInvalidCommand},
		{"command wrong type", `{"command":42}`, ErrInvalidCommand},
		{"trailing data", `{"command":"X"} {"command":"Y"}`, ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.in))
			require.Error(t, err)
			assert.Equal(t, tt.code, AsDaemonError(err).Code)
		})
	}
}

func TestParseRequestUnknownMetadataKeyNamed(t *testing.T) {
	_, err := ParseRequest([]byte(`{"command":"X","metadata":{"trace_id":"t"}}`))
	require.Error(t, err)
	assert.Contains(t, AsDaemonError(err).Message, "trace_id")
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp()
	parsed, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
	assert.True(t, len(ts) > 0 && ts[len(ts)-1] == 'Z', "timestamp must carry Z suffix: %s", ts)
}

func TestResponseEnvelopes(t *testing.T) {
	meta := &RequestMeta{RequestID: "r9", ClientID: "cli"}

	ok := NewSuccessResponse("HEALTH_CHECK", map[string]any{"status": "healthy"}, meta)
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.Equal(t, "HEALTH_CHECK", ok.Command)
	assert.Nil(t, ok.Error)
	assert.Equal(t, "r9", ok.Metadata.RequestID)
	assert.Equal(t, "cli", ok.Metadata.ClientID)
	assert.NotEmpty(t, ok.Metadata.Timestamp)

	fail := NewErrorResponse("COMPLETION", NewError(ErrCompletionTimeout, "completion timed out after 300s"), nil)
	assert.Equal(t, StatusError, fail.Status)
	require.NotNil(t, fail.Error)
	assert.Equal(t, ErrCompletionTimeout, fail.Error.Code)
	assert.Equal(t, "completion timed out after 300s", fail.Error.Message)
	assert.NotEmpty(t, fail.Error.Timestamp)
	assert.Empty(t, fail.Metadata.RequestID)
}

func TestErrorResponseHidesInternalChains(t *testing.T) {
	resp := NewErrorResponse("SET_AGENT_KV", assert.AnError, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCommandProcessing, resp.Error.Code)
	assert.Equal(t, "command processing failed", resp.Error.Message)
	assert.NotContains(t, resp.Error.Message, assert.AnError.Error())
}

func TestDecodeParams(t *testing.T) {
	type params struct {
		Prompt    string `json:"prompt"`
		SessionID string `json:"session_id"`
		Priority  int    `json:"priority"`
	}

	var p params
	require.NoError(t, DecodeParams(json.RawMessage(`{"prompt":"hi","priority":2}`), &p))
	assert.Equal(t, "hi", p.Prompt)
	assert.Equal(t, 2, p.Priority)

	// nil raw decodes as defaults
	p = params{}
	require.NoError(t, DecodeParams(nil, &p))
	assert.Empty(t, p.Prompt)

	err := DecodeParams(json.RawMessage(`{"prompt":"x","bogus":true}`), &p)
	require.Error(t, err)
	derr := AsDaemonError(err)
	assert.Equal(t, ErrInvalidParameters, derr.Code)
	assert.Contains(t, derr.Message, "bogus")

	err = DecodeParams(json.RawMessage(`{"priority":"high"}`), &p)
	require.Error(t, err)
	derr = AsDaemonError(err)
	assert.Equal(t, ErrInvalidParameters, derr.Code)
	assert.Contains(t, derr.Message, "priority")
}

func TestEventFrameShape(t *testing.T) {
	ev := NewEvent("DIRECT_MESSAGE", "agent_1", map[string]any{
		"to":      "agent_2",
		"message": "hello",
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	// Flat frame: payload keys sit next to id/type/from/timestamp, and
	// there is no status key.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "DIRECT_MESSAGE", decoded["type"])
	assert.Equal(t, "agent_1", decoded["from"])
	assert.Equal(t, "hello", decoded["message"])
	assert.Equal(t, "agent_2", decoded["to"])
	assert.NotEmpty(t, decoded["id"])
	assert.NotEmpty(t, decoded["timestamp"])
	assert.NotContains(t, decoded, "status")
}

func TestEventPayloadCannotOverrideIdentity(t *testing.T) {
	ev := NewEvent("BROADCAST", "agent_9", map[string]any{
		"type":    "spoofed",
		"from":    "someone_else",
		"message": "hi",
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "BROADCAST", decoded["type"])
	assert.Equal(t, "agent_9", decoded["from"])
	assert.Equal(t, "hi", decoded["message"])
}

func TestEventRoundTrip(t *testing.T) {
	ev := NewEvent("TASK_ASSIGNMENT", "", map[string]any{"task_id": "t1"})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, "TASK_ASSIGNMENT", back.Type)
	assert.Empty(t, back.From)
	assert.Equal(t, "t1", back.Payload["task_id"])
}

func TestIsEventFrame(t *testing.T) {
	assert.True(t, IsEventFrame([]byte(`{"id":"e1","type":"BROADCAST","from":"a1","timestamp":"2026-01-01T00:00:00Z","message":"hi"}`)))
	assert.False(t, IsEventFrame([]byte(`{"status":"success","command":"HEALTH_CHECK","metadata":{}}`)))
	assert.False(t, IsEventFrame([]byte(`not json`)))
	// An error reply never counts as an event even without result.
	assert.False(t, IsEventFrame([]byte(`{"status":"error","command":"X","error":{"code":"UNKNOWN_COMMAND","message":"m","timestamp":"t"},"metadata":{}}`)))
}
