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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/protocol"
	"github.com/ksi-project/ksi/pkg/state"
	"github.com/ksi-project/ksi/pkg/supervisor"
)

func TestMain(m *testing.M) {
	log.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type fakeRunner struct {
	mu     sync.Mutex
	specs  []supervisor.Spec
	linked map[string]string
	run    func(ctx context.Context, spec supervisor.Spec) (*supervisor.LLMResult, error)
}

func (r *fakeRunner) RunLLM(ctx context.Context, spec supervisor.Spec) (*supervisor.LLMResult, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	return r.run(ctx, spec)
}

func (r *fakeRunner) SetSessionID(processID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.linked == nil {
		r.linked = make(map[string]string)
	}
	r.linked[processID] = sessionID
}

func (r *fakeRunner) lastSpec(t *testing.T) supervisor.Spec {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.specs)
	return r.specs[len(r.specs)-1]
}

// childOutput scripts a successful child whose stdout is the given JSON.
func childOutput(fields map[string]any) func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
	data, _ := json.Marshal(fields)
	return func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
		return &supervisor.LLMResult{Stdout: data, ExitCode: 0, Duration: 1500 * time.Millisecond}, nil
	}
}

type fakeSink struct {
	mu        sync.Mutex
	published []*protocol.Event
	direct    map[string][]*protocol.Event
}

func (s *fakeSink) Publish(_ context.Context, evt *protocol.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, evt)
	return 1, nil
}

func (s *fakeSink) DeliverTo(_ context.Context, agentID string, evt *protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direct == nil {
		s.direct = make(map[string][]*protocol.Event)
	}
	s.direct[agentID] = append(s.direct[agentID], evt)
	return nil
}

func (s *fakeSink) directTo(agentID string) []*protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Event(nil), s.direct[agentID]...)
}

func (s *fakeSink) publishedEvents() []*protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Event(nil), s.published...)
}

type fakeAgents struct {
	mu       sync.Mutex
	busy     []string
	restored []string
	sessions map[string]string
}

func (a *fakeAgents) BeginWork(agentID string) func() {
	a.mu.Lock()
	a.busy = append(a.busy, agentID)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.restored = append(a.restored, agentID)
	}
}

func (a *fakeAgents) RecordSession(agentID, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions == nil {
		a.sessions = make(map[string]string)
	}
	a.sessions[agentID] = sessionID
}

type fakeKV struct {
	mu   sync.Mutex
	sets []state.SetRequest
}

func (k *fakeKV) Set(_ context.Context, req state.SetRequest) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sets = append(k.sets, req)
	return "system.completion", nil
}

type testHarness struct {
	pipeline *Pipeline
	runner   *fakeRunner
	sink     *fakeSink
	agents   *fakeAgents
	kv       *fakeKV
	sessions *state.SessionTracker
}

func newHarness(t *testing.T, run func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error), mutate func(*Options)) *testHarness {
	t.Helper()
	h := &testHarness{
		runner:   &fakeRunner{run: run},
		sink:     &fakeSink{},
		agents:   &fakeAgents{},
		kv:       &fakeKV{},
		sessions: state.NewSessionTracker(),
	}
	opts := Options{
		Runner:   h.runner,
		Sessions: h.sessions,
		Events:   h.sink,
		Agents:   h.agents,
		KV:       h.kv,
		Config: config.CompletionConfig{
			Binary:         "claude",
			Args:           []string{"--print", "--output-format", "json"},
			DefaultModel:   "sonnet",
			TimeoutSeconds: 30,
			AllowedTools:   []string{"Bash", "Read"},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.pipeline = NewPipeline(opts)
	t.Cleanup(h.pipeline.Close)
	return h
}

func TestSyncCompletionSuccess(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{
		"sessionId": "sess-1",
		"result":    "done and dusted",
	}), nil)

	res, err := h.pipeline.Complete(context.Background(), Request{
		Prompt:  "write a haiku",
		AgentID: "poet",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, "done and dusted", res.Response["result"])
	assert.Equal(t, int64(1500), res.DurationMS)
	assert.True(t, strings.HasPrefix(res.ProcessID, "proc_"))

	spec := h.runner.lastSpec(t)
	assert.Equal(t, supervisor.KindLLM, spec.Kind)
	assert.Equal(t, "poet", spec.AgentID)
	assert.Equal(t, "write a haiku", spec.Stdin)
	assert.Equal(t, res.ProcessID, spec.ProcessID)
	assert.Equal(t,
		[]string{"claude", "--print", "--output-format", "json", "--model", "sonnet", "--disallowedTools", "*"},
		spec.Argv)

	// Session bookkeeping: tracker, process table, agent record, KV.
	sess, ok := h.sessions.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "poet", sess.AgentID)
	assert.Equal(t, "sess-1", h.runner.linked[res.ProcessID])
	assert.Equal(t, "sess-1", h.agents.sessions["poet"])
	require.Len(t, h.kv.sets, 1)
	assert.Equal(t, lastSessionKey, h.kv.sets[0].Key)
	assert.Equal(t, "sess-1", h.kv.sets[0].Value)
	assert.Equal(t, "daemon", h.kv.sets[0].OwnerAgentID)

	// Busy while running, restored after.
	assert.Equal(t, []string{"poet"}, h.agents.busy)
	assert.Equal(t, []string{"poet"}, h.agents.restored)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s"}), nil)

	_, err := h.pipeline.Submit(context.Background(), Request{Prompt: "   "})
	var derr *protocol.DaemonError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrInvalidParameters, derr.Code)

	_, err = h.pipeline.Submit(context.Background(), Request{Prompt: "hi", Mode: "banana"})
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrInvalidMode, derr.Code)
	assert.Contains(t, derr.Message, "banana")
}

func TestSubmitSyncReturnsResult(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s-sync", "result": "ok"}), nil)

	reply, err := h.pipeline.Submit(context.Background(), Request{Prompt: "hi", Mode: ModeSync})
	require.NoError(t, err)
	res, ok := reply.(*Result)
	require.True(t, ok)
	assert.Equal(t, "s-sync", res.SessionID)
}

func TestAsyncCompletionDeliversProcessComplete(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{
		"sessionId": "s-async",
		"result":    "later",
	}), nil)

	reply, err := h.pipeline.Submit(context.Background(), Request{
		Prompt:    "take your time",
		AgentID:   "worker",
		RequestID: "req-42",
	})
	require.NoError(t, err)
	ack, ok := reply.(*StartAck)
	require.True(t, ok)
	assert.Equal(t, "started", ack.Status)
	assert.Equal(t, "req-42", ack.RequestID)
	assert.True(t, strings.HasPrefix(ack.ProcessID, "proc_"))

	require.Eventually(t, func() bool {
		return len(h.sink.directTo("worker")) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	evts := h.sink.directTo("worker")
	require.Len(t, evts, 1)
	assert.Equal(t, "PROCESS_COMPLETE", evts[0].Type)
	assert.Equal(t, ack.ProcessID, evts[0].Payload["process_id"])
	assert.Equal(t, "s-async", evts[0].Payload["session_id"])
	assert.Equal(t, "req-42", evts[0].Payload["request_id"])
	assert.Equal(t, int64(1500), evts[0].Payload["duration_ms"])
}

func TestAsyncFailureDeliversProcessFailed(t *testing.T) {
	h := newHarness(t, func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
		return nil, errors.New("exec format error")
	}, nil)

	reply, err := h.pipeline.Submit(context.Background(), Request{
		Prompt:    "doomed",
		AgentID:   "worker",
		Mode:      ModeAsync,
		RequestID: "req-9",
	})
	require.NoError(t, err)
	ack := reply.(*StartAck)

	require.Eventually(t, func() bool {
		return len(h.sink.directTo("worker")) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	evts := h.sink.directTo("worker")
	require.Len(t, evts, 1)
	assert.Equal(t, "PROCESS_FAILED", evts[0].Type)
	assert.Equal(t, ack.ProcessID, evts[0].Payload["process_id"])
	assert.Equal(t, "req-9", evts[0].Payload["request_id"])
	errInfo, ok := evts[0].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCompletionFailed, errInfo["code"])
	assert.Contains(t, errInfo["message"].(string), "exec format error")
}

func TestAsyncWithoutAgentBroadcasts(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s-anon"}), nil)

	_, err := h.pipeline.Submit(context.Background(), Request{Prompt: "anonymous"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.sink.publishedEvents()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	evts := h.sink.publishedEvents()
	assert.Equal(t, "PROCESS_COMPLETE", evts[len(evts)-1].Type)
}

func TestArgvModelResumeAndTools(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s2"}), func(o *Options) {
		o.Config.DisallowedTools = []string{"WebSearch"}
	})

	_, err := h.pipeline.Complete(context.Background(), Request{
		Prompt:      "continue where we left off",
		SessionID:   "s1",
		Model:       "opus",
		EnableTools: true,
	})
	require.NoError(t, err)

	spec := h.runner.lastSpec(t)
	assert.Equal(t, []string{
		"claude", "--print", "--output-format", "json",
		"--model", "opus",
		"--resume", "s1",
		"--allowedTools", "Bash,Read",
		"--disallowedTools", "WebSearch",
	}, spec.Argv)
	assert.Equal(t, "s1", spec.SessionID)
	assert.Equal(t, "opus", spec.Model)
}

func TestPerAgentCompletionsRunInOrder(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	h := newHarness(t, func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return &supervisor.LLMResult{Stdout: []byte(`{"sessionId":"s"}`), Duration: time.Millisecond}, nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p", AgentID: "shared"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, overlapped.Load(), "completions for one agent must not overlap")
}

func TestAsyncSubmissionOrderIsPreserved(t *testing.T) {
	var mu sync.Mutex
	var order []string
	h := newHarness(t, func(_ context.Context, spec supervisor.Spec) (*supervisor.LLMResult, error) {
		mu.Lock()
		order = append(order, spec.Stdin)
		mu.Unlock()
		return &supervisor.LLMResult{Stdout: []byte(`{"sessionId":"s"}`), Duration: time.Millisecond}, nil
	}, nil)

	var want []string
	for i := 0; i < 20; i++ {
		prompt := fmt.Sprintf("r%02d", i)
		want = append(want, prompt)
		_, err := h.pipeline.Submit(context.Background(), Request{Prompt: prompt, AgentID: "shared"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(want)
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order, "children must run in the order requests were submitted")
}

func TestUnkeyedCompletionsRunInParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
		if n := inFlight.Add(1); n > peak.Load() {
			peak.Store(n)
		}
		<-release
		inFlight.Add(-1)
		return &supervisor.LLMResult{Stdout: []byte(`{"sessionId":"s"}`), Duration: time.Millisecond}, nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p"})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 2, peak.Load())
}

func TestCompletionTimeout(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ supervisor.Spec) (*supervisor.LLMResult, error) {
		return nil, context.DeadlineExceeded
	}, nil)

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "slow"})
	var derr *protocol.DaemonError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrCompletionTimeout, derr.Code)
	assert.Contains(t, derr.Message, "timed out")
}

func TestChildExitFailure(t *testing.T) {
	h := newHarness(t, func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
		return &supervisor.LLMResult{
			ExitCode:   2,
			StderrTail: "fatal: model not available\nmore detail here",
		}, nil
	}, nil)

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p"})
	var derr *protocol.DaemonError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrCompletionFailed, derr.Code)
	assert.Contains(t, derr.Message, "fatal: model not available")
	assert.NotContains(t, derr.Message, "more detail")
}

func TestResumeUnknownSession(t *testing.T) {
	h := newHarness(t, func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
		return &supervisor.LLMResult{
			ExitCode:   1,
			StderrTail: "No conversation found with session ID: stale-1",
		}, nil
	}, nil)

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p", SessionID: "stale-1"})
	var derr *protocol.DaemonError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrSessionNotFound, derr.Code)
	assert.Contains(t, derr.Message, "stale-1")
}

func TestBackendErrorResponse(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{
		"is_error": true,
		"result":   "credit balance exhausted",
	}), nil)

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p"})
	var derr *protocol.DaemonError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrCompletionFailed, derr.Code)
	assert.Contains(t, derr.Message, "credit balance exhausted")
}

func TestBackendErrorForMissingSession(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{
		"is_error": true,
		"result":   "No conversation found with session ID: gone-7",
	}), nil)

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p", SessionID: "gone-7"})
	var derr *protocol.DaemonError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrSessionNotFound, derr.Code)
}

func TestUnparseableChildOutput(t *testing.T) {
	h := newHarness(t, func(context.Context, supervisor.Spec) (*supervisor.LLMResult, error) {
		return &supervisor.LLMResult{Stdout: []byte("segmentation fault (core dumped)")}, nil
	}, nil)

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p"})
	var derr *protocol.DaemonError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, protocol.ErrCompletionFailed, derr.Code)
	assert.Contains(t, derr.Message, "unparseable")
}

func TestSessionIDFallbacks(t *testing.T) {
	t.Run("snake_case key", func(t *testing.T) {
		h := newHarness(t, childOutput(map[string]any{"session_id": "snake-1"}), nil)
		res, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p"})
		require.NoError(t, err)
		assert.Equal(t, "snake-1", res.SessionID)
	})

	t.Run("request session on silent output", func(t *testing.T) {
		h := newHarness(t, childOutput(map[string]any{"result": "no id here"}), nil)
		res, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p", SessionID: "keep-me"})
		require.NoError(t, err)
		assert.Equal(t, "keep-me", res.SessionID)
	})

	t.Run("generated when absent everywhere", func(t *testing.T) {
		h := newHarness(t, childOutput(map[string]any{"result": "fresh"}), nil)
		res, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p"})
		require.NoError(t, err)
		assert.NotEmpty(t, res.SessionID)
	})
}

func TestSessionLogAndLatestSymlink(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, childOutput(map[string]any{
		"sessionId": "logged-1",
		"result":    "the reply",
	}), func(o *Options) {
		o.SessionLogDir = dir
	})

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "the prompt"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "logged-1.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var human, assistant sessionRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &human))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &assistant))
	assert.Equal(t, "human", human.Type)
	assert.Equal(t, "the prompt", human.Content)
	assert.Equal(t, "assistant", assistant.Type)
	assert.Equal(t, "the reply", assistant.Content)
	assert.Equal(t, "logged-1", assistant.SessionID)
	assert.Equal(t, "the reply", assistant.Response["result"])

	target, err := os.Readlink(filepath.Join(dir, "latest.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "logged-1.jsonl", target)

	// A later session moves the pointer.
	h2 := newHarness(t, childOutput(map[string]any{"sessionId": "logged-2", "result": "x"}), func(o *Options) {
		o.SessionLogDir = dir
	})
	_, err = h2.pipeline.Complete(context.Background(), Request{Prompt: "again"})
	require.NoError(t, err)
	target, err = os.Readlink(filepath.Join(dir, "latest.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "logged-2.jsonl", target)
}

func TestTemporalHookPrependsTimestamp(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s-temporal"}), nil)
	h.pipeline.RegisterHook(TemporalHook(h.sessions))

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "what day is it"})
	require.NoError(t, err)

	stdin := h.runner.lastSpec(t).Stdin
	assert.True(t, strings.HasPrefix(stdin, "Current time: "))
	assert.True(t, strings.HasSuffix(stdin, "\n\nwhat day is it"))
	assert.NotContains(t, stdin, "Time since previous completion")
}

func TestTemporalHookReportsElapsed(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s-elapsed"}), nil)
	h.pipeline.RegisterHook(TemporalHook(h.sessions))
	h.sessions.Record("s-elapsed", "a1", map[string]any{})

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "and now?", SessionID: "s-elapsed"})
	require.NoError(t, err)

	stdin := h.runner.lastSpec(t).Stdin
	assert.Contains(t, stdin, "Time since previous completion: ")
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s-hooks"}), nil)
	h.pipeline.RegisterHook(Hook{Name: "first", Apply: func(_ context.Context, pc *PromptContext) error {
		pc.Prompt = "[one]" + pc.Prompt
		return nil
	}})
	h.pipeline.RegisterHook(Hook{Name: "broken", Apply: func(context.Context, *PromptContext) error {
		return errors.New("hook exploded")
	}})
	h.pipeline.RegisterHook(Hook{Name: "second", Apply: func(_ context.Context, pc *PromptContext) error {
		pc.Prompt = "[two]" + pc.Prompt
		return nil
	}})

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "base"})
	require.NoError(t, err)
	assert.Equal(t, "[two][one]base", h.runner.lastSpec(t).Stdin)
}

func TestOnResultFiresOnlyForInjectionRequests(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s-cb"}), nil)
	var calls atomic.Int32
	var gotMeta map[string]any
	var mu sync.Mutex
	h.pipeline.OnResult(func(_ context.Context, req Request, _ *Result) {
		calls.Add(1)
		mu.Lock()
		gotMeta = req.InjectionMetadata
		mu.Unlock()
	})

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "plain"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, calls.Load())

	_, err = h.pipeline.Complete(context.Background(), Request{
		Prompt:            "injected",
		InjectionMetadata: map[string]any{"is_injection": true, "request_id": "inj-1"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	mu.Lock()
	assert.Equal(t, "inj-1", gotMeta["request_id"])
	mu.Unlock()
}

func TestExtractedEventsArePublished(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{
		"sessionId": "s-extract",
		"result":    `Finished. {"event": "task:completed", "task_id": "t7"} Also this is broken: {'event': 'nope'}`,
	}), nil)

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p", AgentID: "worker"})
	require.NoError(t, err)

	pub := h.sink.publishedEvents()
	require.Len(t, pub, 1)
	assert.Equal(t, "task:completed", pub[0].Type)
	assert.Equal(t, "worker", pub[0].From)
	assert.Equal(t, "t7", pub[0].Payload["task_id"])
	assert.Equal(t, "worker", pub[0].Payload["_agent_id"])
	assert.Equal(t, true, pub[0].Payload["_extracted_from_response"])

	diag := h.sink.directTo("worker")
	require.Len(t, diag, 1)
	assert.Equal(t, "agent:json_extraction_error", diag[0].Type)
	reported, ok := diag[0].Payload["errors"].([]ExtractionError)
	require.True(t, ok)
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Suggestions, "use double quotes for JSON strings and keys")
}

func TestAssistantMessageBlocksCarryText(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, childOutput(map[string]any{
		"type":      "assistant",
		"sessionId": "blocks-1",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "Task done. "},
				map[string]any{"type": "tool_use", "name": "Bash"},
				map[string]any{"type": "text", "text": `{"event": "task:completed", "task_id": "t1"}`},
			},
		},
	}), func(o *Options) {
		o.SessionLogDir = dir
	})

	_, err := h.pipeline.Complete(context.Background(), Request{Prompt: "go", AgentID: "worker"})
	require.NoError(t, err)

	// Text blocks concatenate into the logged assistant turn.
	data, err := os.ReadFile(filepath.Join(dir, "blocks-1.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var assistant sessionRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &assistant))
	assert.Equal(t, `Task done. {"event": "task:completed", "task_id": "t1"}`, assistant.Content)

	// Embedded events surface from the block text too.
	pub := h.sink.publishedEvents()
	require.Len(t, pub, 1)
	assert.Equal(t, "task:completed", pub[0].Type)
	assert.Equal(t, "t1", pub[0].Payload["task_id"])
}

func TestNilCollaboratorsDegradeGracefully(t *testing.T) {
	h := newHarness(t, childOutput(map[string]any{"sessionId": "s-bare", "result": "ok"}), func(o *Options) {
		o.Events = nil
		o.Agents = nil
		o.KV = nil
	})

	res, err := h.pipeline.Complete(context.Background(), Request{Prompt: "p", AgentID: "loner"})
	require.NoError(t, err)
	assert.Equal(t, "s-bare", res.SessionID)
}
