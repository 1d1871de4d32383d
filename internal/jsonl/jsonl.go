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
// Package jsonl appends newline-delimited JSON records to log files.
package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends one JSON object per line to a single file. The file and its
// directory are created lazily on first append.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewWriter creates a writer for path. Nothing is opened until Append.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the target file path.
func (w *Writer) Path() string { return w.path }

// Append marshals v and writes it as one line.
func (w *Writer) Append(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		if dir := filepath.Dir(w.path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304 -- log file path from daemon config
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", w.path, err)
		}
		w.f = f
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// Close closes the underlying file if it was opened.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
