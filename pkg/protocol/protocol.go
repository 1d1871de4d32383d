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
// Package protocol defines the newline-delimited JSON wire protocol spoken
// over the daemon's Unix domain socket: request/response envelopes, async
// event frames, the error taxonomy and the frame codec.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status values for response envelopes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Version is the protocol version stamped on request envelopes.
const Version = "2.0"

// Request is the envelope clients send. Parameters stays raw until the
// command registry decodes it against the command's typed schema.
type Request struct {
	Command    string          `json:"command"`
	Version    string          `json:"version,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Metadata   *RequestMeta    `json:"metadata,omitempty"`
}

// RequestMeta is the only metadata clients may attach to a request.
// Anything else is rejected at parse time.
type RequestMeta struct {
	Timestamp string `json:"timestamp,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Response is the envelope for every command reply, success or error.
type Response struct {
	Status   string       `json:"status"`
	Command  string       `json:"command"`
	Result   any          `json:"result,omitempty"`
	Error    *ErrorDetail `json:"error,omitempty"`
	Metadata ResponseMeta `json:"metadata"`
}

// ErrorDetail is the error object inside an error response.
type ErrorDetail struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
}

// ResponseMeta always carries the daemon timestamp and echoes request
// correlation fields when the client supplied them.
type ResponseMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// Event is an async frame pushed from the daemon to a persistent
// connection. On the wire it is a flat object: id, type, from and
// timestamp at the top level with the payload keys merged alongside
// them. Events never carry a "status" key, which is how clients tell
// them apart from command replies.
type Event struct {
	ID        string
	Type      string
	From      string
	Timestamp string
	Payload   map[string]any
}

// reserved keys the payload may not override.
var eventReserved = map[string]bool{
	"id": true, "type": true, "from": true, "timestamp": true,
}

// MarshalJSON flattens the event into a single wire object.
func (e *Event) MarshalJSON() ([]byte, error) {
	frame := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		if eventReserved[k] {
			continue
		}
		frame[k] = v
	}
	frame["id"] = e.ID
	frame["type"] = e.Type
	if e.From != "" {
		frame["from"] = e.From
	}
	frame["timestamp"] = e.Timestamp
	return json.Marshal(frame)
}

// UnmarshalJSON splits the flat wire object back into identity fields
// and payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	e.ID, _ = frame["id"].(string)
	e.Type, _ = frame["type"].(string)
	e.From, _ = frame["from"].(string)
	e.Timestamp, _ = frame["timestamp"].(string)
	for k := range eventReserved {
		delete(frame, k)
	}
	e.Payload = frame
	return nil
}

// IsEventFrame reports whether a raw frame is a pushed event rather than
// a command reply: events carry "type" and never "status".
func IsEventFrame(data []byte) bool {
	var probe struct {
		Status string `json:"status"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Status == "" && probe.Type != ""
}

// Timestamp returns the wire timestamp format: RFC 3339, UTC, "Z" suffix,
// second precision.
func Timestamp() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseRequest parses and validates one request frame. Malformed JSON maps
// to INVALID_JSON; a structurally invalid envelope (missing command, unknown
// envelope or metadata keys, wrong field types) maps to INVALID_COMMAND.
func ParseRequest(data []byte) (*Request, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, NewError(ErrInvalidJSON, "empty frame")
	}

	// Syntax check first so shape errors don't mask parse errors.
	if !json.Valid(data) {
		return nil, NewError(ErrInvalidJSON, "malformed JSON frame")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var req Request
	if err := dec.Decode(&req); err != nil {
		if field, ok := unknownField(err); ok {
			return nil, NewError(ErrInvalidCommand, "unexpected envelope field %q", field)
		}
		return nil, NewError(ErrInvalidCommand, "invalid request envelope: %v", err)
	}
	if dec.More() {
		return nil, NewError(ErrInvalidCommand, "trailing data after request envelope")
	}
	if req.Command == "" {
		return nil, NewError(ErrInvalidCommand, "missing required field: command")
	}
	if len(req.Parameters) > 0 {
		trimmed := bytes.TrimSpace(req.Parameters)
		if len(trimmed) > 0 && trimmed[0] != '{' {
			return nil, NewError(ErrInvalidCommand, "parameters must be a JSON object")
		}
	}
	return &req, nil
}

// unknownField picks the field name out of encoding/json's unknown-field
// error. The stdlib gives no typed error for this case.
func unknownField(err error) (string, bool) {
	const marker = `unknown field "`
	msg := err.Error()
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	rest := msg[idx+len(marker):]
	if end := strings.Index(rest, `"`); end >= 0 {
		return rest[:end], true
	}
	return "", false
}

// NewSuccessResponse builds a success envelope echoing request metadata.
func NewSuccessResponse(command string, result any, meta *RequestMeta) *Response {
	return &Response{
		Status:   StatusSuccess,
		Command:  command,
		Result:   result,
		Metadata: responseMeta(meta),
	}
}

// NewErrorResponse builds an error envelope from any error. Non-DaemonError
// values surface as COMMAND_PROCESSING_FAILED.
func NewErrorResponse(command string, err error, meta *RequestMeta) *Response {
	derr := AsDaemonError(err)
	return &Response{
		Status:  StatusError,
		Command: command,
		Error: &ErrorDetail{
			Code:      derr.Code,
			Message:   derr.Message,
			Timestamp: Timestamp(),
		},
		Metadata: responseMeta(meta),
	}
}

// NewEvent builds an async event frame with a fresh id and timestamp.
func NewEvent(eventType, from string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		From:      from,
		Timestamp: Timestamp(),
		Payload:   payload,
	}
}

func responseMeta(meta *RequestMeta) ResponseMeta {
	out := ResponseMeta{Timestamp: Timestamp()}
	if meta != nil {
		out.RequestID = meta.RequestID
		out.ClientID = meta.ClientID
	}
	return out
}

// DecodeParams decodes raw request parameters into a typed params struct,
// rejecting unknown keys. A nil/empty raw payload decodes as all-defaults.
func DecodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if field, ok := unknownField(err); ok {
			return NewError(ErrInvalidParameters, "unexpected parameter %q", field)
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return NewError(ErrInvalidParameters, "parameter %q: expected %s", typeErr.Field, typeErr.Type)
		}
		return NewError(ErrInvalidParameters, "invalid parameters: %v", err)
	}
	return nil
}

// MissingParam is the conventional error for an absent required parameter.
func MissingParam(name string) error {
	return NewError(ErrInvalidParameters, "missing required parameter: %s", name)
}
