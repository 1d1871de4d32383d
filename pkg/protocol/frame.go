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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds one newline-delimited frame in either direction.
const MaxFrameSize = 1 << 20 // 1 MiB

var (
	// ErrFrameTooLarge reports a frame exceeding MaxFrameSize. The
	// connection is unrecoverable after this: the reader cannot resync.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrPartialFrame reports EOF in the middle of a frame.
	ErrPartialFrame = errors.New("connection closed mid-frame")
)

// FrameReader reads newline-delimited frames from a stream.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps r with a frame scanner sized for MaxFrameSize.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	scanner.Split(scanFrames)
	return &FrameReader{scanner: scanner}
}

// scanFrames is like bufio.ScanLines but refuses an unterminated final
// frame: data after the last newline at EOF means the peer died mid-write,
// and half a JSON frame must not be parsed.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF && len(data) > 0 {
		return 0, nil, ErrPartialFrame
	}
	return 0, nil, nil
}

// Read returns the next frame without its trailing newline. io.EOF after a
// complete frame means a clean close; ErrPartialFrame means the peer went
// away mid-write.
func (fr *FrameReader) Read() ([]byte, error) {
	if fr.scanner.Scan() {
		// Copy out: the scanner reuses its buffer on the next Scan.
		line := fr.scanner.Bytes()
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := fr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// FrameWriter writes newline-delimited frames. Writes are serialized so a
// command reply and a pushed event never interleave on the wire.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write sends one frame. The payload must not contain a newline; marshaled
// JSON never does.
func (fw *FrameWriter) Write(frame []byte) error {
	if len(frame)+1 > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := fw.w.Write(buf)
	return err
}
