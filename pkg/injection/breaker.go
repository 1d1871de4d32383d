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

package injection

import (
	"context"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// Circuit breaker block reasons, carried on injection:blocked events.
const (
	blockedDepth  = "max_depth_exceeded"
	blockedTokens = "max_chain_tokens_exceeded"
	blockedAge    = "chain_age_exceeded"
)

// chainState is the accumulated breaker state of one injection chain
// member, keyed by request id.
type chainState struct {
	depth   int
	tokens  int
	started time.Time
}

// chainFor derives the breaker state a new request would have. A request
// without a parent seeds a chain at depth zero. A known parent extends
// its chain; an unknown parent falls back to the depth the caller's
// metadata claims, else counts as one link deep.
func (r *Router) chainFor(parentID string, meta map[string]any, content string) chainState {
	grow := countTokens(content)
	now := time.Now()
	if parentID == "" {
		return chainState{depth: 0, tokens: grow, started: now}
	}

	r.mu.Lock()
	parent, ok := r.chains[parentID]
	r.mu.Unlock()
	if ok {
		return chainState{depth: parent.depth + 1, tokens: parent.tokens + grow, started: parent.started}
	}
	if d, found := intFrom(meta["depth"]); found {
		t, _ := intFrom(meta["chain_tokens"])
		return chainState{depth: d + 1, tokens: t + grow, started: now}
	}
	return chainState{depth: 1, tokens: grow, started: now}
}

// admit runs the circuit breaker. It returns the chain state the request
// carries and, when blocked, the reason. Admitted requests are recorded
// so their children can extend the chain.
func (r *Router) admit(requestID, parentID string, meta map[string]any, content string) (chainState, string) {
	st := r.chainFor(parentID, meta, content)
	switch {
	case time.Since(st.started) > r.chainTTL:
		return st, blockedAge
	case st.depth >= r.maxDepth:
		return st, blockedDepth
	case st.tokens > r.maxChainTokens:
		return st, blockedTokens
	}
	r.mu.Lock()
	r.chains[requestID] = st
	r.mu.Unlock()
	return st, ""
}

// block reports a breaker trip: counter, log, an injection:blocked event
// to the originating agent when one is named, and the success-shaped
// blocked reply. Breaker trips are not command errors.
func (r *Router) block(ctx context.Context, requestID, parentID, reason string, st chainState, meta map[string]any) *InjectResult {
	r.blocked.Add(1)
	log.Warn("injection blocked",
		zap.String("request_id", requestID),
		zap.String("reason", reason),
		zap.Int("depth", st.depth),
		zap.Int("chain_tokens", st.tokens))

	if agent := stringField(meta, "agent_id"); agent != "" && r.events != nil {
		evt := protocol.NewEvent("injection:blocked", "", map[string]any{
			"reason":            reason,
			"request_id":        requestID,
			"parent_request_id": parentID,
			"depth":             st.depth,
			"chain_tokens":      st.tokens,
		})
		if err := r.events.DeliverTo(ctx, agent, evt); err != nil {
			log.Warn("blocked event delivery failed",
				zap.String("agent_id", agent), zap.Error(err))
		}
	}
	return &InjectResult{Status: "blocked", Reason: "circuit_breaker"}
}

// sweepChains drops chain records past their TTL. Children arriving
// after the sweep reseed rather than extend.
func (r *Router) sweepChains(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, st := range r.chains {
		if now.Sub(st.started) > r.chainTTL {
			delete(r.chains, id)
			removed++
		}
	}
	return removed
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// countTokens measures content against the chain token budget with the
// cl100k_base encoding, falling back to a character heuristic when the
// encoding cannot be loaded.
func countTokens(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn("tiktoken encoding unavailable, estimating token counts", zap.Error(err))
			return
		}
		enc = e
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len([]rune(text)) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

func intFrom(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
