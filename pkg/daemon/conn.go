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
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// clientConn is one accepted socket connection. It implements command.Conn
// for handlers and bus.Conn for event delivery; the shared FrameWriter
// keeps replies and pushed events from interleaving mid-frame.
type clientConn struct {
	d  *Daemon
	nc net.Conn
	fw *protocol.FrameWriter
	id string

	persistent atomic.Bool
	closed     atomic.Bool

	mu      sync.Mutex
	agentID string
}

func newClientConn(d *Daemon, nc net.Conn) *clientConn {
	return &clientConn{
		d:  d,
		nc: nc,
		fw: protocol.NewFrameWriter(nc),
		id: "conn_" + uuid.NewString()[:8],
	}
}

// ID implements command.Conn.
func (c *clientConn) ID() string { return c.id }

// SetPersistent implements command.Conn: the connection stops refreshing
// its read deadline and may idle indefinitely waiting for pushed events.
func (c *clientConn) SetPersistent() {
	if c.persistent.CompareAndSwap(false, true) {
		_ = c.nc.SetReadDeadline(time.Time{})
	}
}

// SendEvent implements command.Conn.
func (c *clientConn) SendEvent(ev *protocol.Event) error {
	return c.WriteEvent(ev)
}

// WriteEvent implements bus.Conn.
func (c *clientConn) WriteEvent(ev *protocol.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.fw.Write(frame)
}

// bindAgent records which agent this connection delivers for, so teardown
// can detach it from the bus.
func (c *clientConn) bindAgent(agentID string) {
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
}

func (c *clientConn) boundAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *clientConn) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.nc.Close()
	}
}

// serveConn runs one connection's read-dispatch-reply loop until EOF,
// error, or shutdown.
func (d *Daemon) serveConn(nc net.Conn) {
	c := newClientConn(d, nc)
	d.conns.Set(c.id, c)
	logger := log.With(zap.String("conn_id", c.id))
	logger.Debug("connection opened")

	defer func() {
		if agentID := c.boundAgent(); agentID != "" {
			d.bus.DropConn(agentID, c)
		}
		c.close()
		d.conns.Delete(c.id)
		logger.Debug("connection closed")
	}()

	reader := protocol.NewFrameReader(nc)
	timeout := d.cfg.Daemon.SocketTimeoutDuration()
	for {
		if !c.persistent.Load() && timeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(timeout))
		}
		frame, err := reader.Read()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, protocol.ErrPartialFrame):
				logger.Warn("connection closed mid-frame")
			case errors.Is(err, protocol.ErrFrameTooLarge):
				logger.Warn("oversized frame", zap.Int("max_bytes", protocol.MaxFrameSize))
				c.writeResponse(protocol.NewErrorResponse("",
					protocol.NewError(protocol.ErrInvalidJSON, "frame exceeds %d bytes", protocol.MaxFrameSize), nil))
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					logger.Debug("idle connection timed out")
				} else if !d.shuttingDown() {
					logger.Warn("read failed", zap.Error(err))
				}
			}
			return
		}

		resp := d.dispatch(c, frame)
		if !c.writeResponse(resp) {
			return
		}
		if d.shuttingDown() {
			return
		}
	}
}

func (c *clientConn) writeResponse(resp *protocol.Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err), zap.String("command", resp.Command))
		fallback := protocol.NewErrorResponse(resp.Command,
			protocol.NewError(protocol.ErrCommandProcessing, "response serialization failed"), nil)
		data, err = json.Marshal(fallback)
		if err != nil {
			return false
		}
	}
	if err := c.fw.Write(data); err != nil {
		if !c.closed.Load() {
			log.Warn("write reply failed", zap.String("conn_id", c.id), zap.Error(err))
		}
		return false
	}
	return true
}

func (d *Daemon) shuttingDown() bool {
	select {
	case <-d.shutdownCh:
		return true
	default:
		return false
	}
}

// dispatch parses, validates, routes and executes one request frame,
// always producing a well-formed response envelope.
func (d *Daemon) dispatch(c *clientConn, frame []byte) *protocol.Response {
	req, err := protocol.ParseRequest(frame)
	if err != nil {
		return protocol.NewErrorResponse("", err, nil)
	}
	spec, err := d.registry.Resolve(req.Command)
	if err != nil {
		return protocol.NewErrorResponse(req.Command, err, req.Metadata)
	}

	meta := req.Metadata
	requestID := ""
	clientID := ""
	if meta != nil {
		requestID = meta.RequestID
		clientID = meta.ClientID
	}
	if requestID == "" {
		requestID = "req_" + uuid.NewString()[:8]
		if meta == nil {
			meta = &protocol.RequestMeta{}
		}
		meta.RequestID = requestID
	}

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("command", req.Command),
		zap.String("functional_domain", spec.Domain),
		zap.String("conn_id", c.id),
	}
	if clientID != "" {
		fields = append(fields, zap.String("client_id", clientID))
	}
	logger := log.With(fields...)
	ctx := log.NewContext(d.rootCtx, logger)

	inv := &command.Invocation{
		Command: spec.Name,
		Called:  req.Command,
		Raw:     req.Parameters,
		Meta:    meta,
		Conn:    c,
	}

	start := time.Now()
	result, err := d.invoke(ctx, spec, inv, logger)
	if err != nil {
		derr := protocol.AsDaemonError(err)
		logger.Warn("command failed",
			zap.String("code", string(derr.Code)),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)))
		return protocol.NewErrorResponse(req.Command, err, meta)
	}
	logger.Debug("command handled", zap.Duration("duration", time.Since(start)))
	return protocol.NewSuccessResponse(req.Command, result, meta)
}

// invoke runs the handler with panic containment: a handler panic becomes
// COMMAND_PROCESSING_FAILED on the wire and a stack trace in the log, never
// a dead connection.
func (d *Daemon) invoke(ctx context.Context, spec *command.Spec, inv *command.Invocation, logger *zap.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", zap.Any("panic", r), zap.Stack("stack"))
			result = nil
			err = protocol.NewError(protocol.ErrCommandProcessing, "internal error handling %s", inv.Command)
		}
	}()
	return spec.Handler(ctx, inv)
}
