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
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// handle is the running-child surface the manager drives; the real
// implementation wraps exec.Cmd and tests substitute their own.
type handle interface {
	PID() int
	Signal(sig os.Signal) error
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
}

// runner starts child processes described by a Spec.
type runner interface {
	Start(spec Spec) (handle, error)
}

type execRunner struct{}

func (execRunner) Start(spec Spec) (handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	// #nosec G204 -- Intentional: children come from operator-controlled config templates
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	return &execHandle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }

func (h *execHandle) Stdout() io.Reader { return h.stdout }

func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Wait() error { return h.cmd.Wait() }
