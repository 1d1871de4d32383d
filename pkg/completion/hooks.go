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

package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/ksi-project/ksi/pkg/state"
)

// PromptContext is what a Hook sees and may rewrite before the prompt
// reaches the child.
type PromptContext struct {
	Prompt    string
	SessionID string
	AgentID   string

	// Request is the originating request, read-only to hooks.
	Request *Request
}

// Hook rewrites prompts before completion. Hooks run in registration
// order; each sees the previous hook's output.
type Hook struct {
	Name  string
	Apply func(ctx context.Context, pc *PromptContext) error
}

// TemporalHook prepends the current time and, when the session has run
// before, the elapsed time since its last completion.
func TemporalHook(sessions *state.SessionTracker) Hook {
	return Hook{
		Name: "temporal_context",
		Apply: func(_ context.Context, pc *PromptContext) error {
			header := "Current time: " + time.Now().UTC().Format(time.RFC3339)
			if sessions != nil && pc.SessionID != "" {
				if sess, ok := sessions.Get(pc.SessionID); ok {
					if prev, err := time.Parse(time.RFC3339, sess.UpdatedAt); err == nil {
						since := time.Since(prev).Round(time.Second)
						header += fmt.Sprintf("\nTime since previous completion: %s", since)
					}
				}
			}
			pc.Prompt = header + "\n\n" + pc.Prompt
			return nil
		},
	}
}
