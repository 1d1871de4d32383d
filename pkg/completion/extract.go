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
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// ExtractedEvent is one event object found in assistant text. Payload is
// the object minus its "event" key.
type ExtractedEvent struct {
	Type    string
	Payload map[string]any
}

// ExtractionError describes a brace-balanced candidate that failed to
// parse. It is reported to the agent, never to the completion caller.
type ExtractionError struct {
	Offset      int      `json:"offset"`
	Snippet     string   `json:"snippet"`
	Error       string   `json:"error"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type candidate struct {
	offset int
	raw    string
}

var trailingComma = regexp.MustCompile(`,\s*[}\]]`)

// ExtractEvents finds JSON event objects embedded in assistant text, in
// fenced ```json blocks and as inline balanced-brace objects. An object
// is an event when it carries a non-empty string "event" key; other
// valid JSON is ignored. Candidates that fail to parse are returned as
// errors with repair suggestions. Offsets index into the original text.
func ExtractEvents(text string) ([]ExtractedEvent, []ExtractionError) {
	var (
		events []ExtractedEvent
		errs   []ExtractionError
		cands  []candidate
	)

	// Fenced blocks are scanned first and blanked out so the inline pass
	// cannot see their contents twice. Blanking keeps offsets stable.
	buf := []byte(text)
	pos := 0
	for {
		open := strings.Index(text[pos:], "```json")
		if open < 0 {
			break
		}
		open += pos
		bodyStart := open + len("```json")
		end := strings.Index(text[bodyStart:], "```")
		if end < 0 {
			break
		}
		end += bodyStart
		for _, c := range braceCandidates(text[bodyStart:end]) {
			cands = append(cands, candidate{offset: bodyStart + c.offset, raw: c.raw})
		}
		for k := open; k < end+3; k++ {
			buf[k] = ' '
		}
		pos = end + 3
	}

	cands = append(cands, braceCandidates(string(buf))...)
	sort.Slice(cands, func(i, j int) bool { return cands[i].offset < cands[j].offset })

	for _, c := range cands {
		// Braces without a colon are prose, not an object literal.
		if !strings.Contains(c.raw, ":") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(c.raw), &obj); err != nil {
			errs = append(errs, ExtractionError{
				Offset:      c.offset,
				Snippet:     snippet(c.raw),
				Error:       err.Error(),
				Suggestions: suggestions(c.raw),
			})
			continue
		}
		name, _ := obj["event"].(string)
		if name == "" {
			continue
		}
		payload := make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "event" {
				payload[k] = v
			}
		}
		events = append(events, ExtractedEvent{Type: name, Payload: payload})
	}
	return events, errs
}

// braceCandidates scans for top-level balanced {...} spans. String
// contents are skipped so braces inside values cannot end a span.
// Unclosed spans are dropped. The scanner keys on ASCII bytes only,
// which multi-byte UTF-8 sequences never contain.
func braceCandidates(text string) []candidate {
	var (
		cands    []candidate
		depth    int
		start    int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					cands = append(cands, candidate{offset: start, raw: text[start : i+1]})
				}
			}
		}
	}
	return cands
}

func suggestions(raw string) []string {
	var s []string
	if strings.Contains(raw, "'") {
		s = append(s, "use double quotes for JSON strings and keys")
	}
	if trailingComma.MatchString(raw) {
		s = append(s, "remove trailing commas before } or ]")
	}
	if strings.Contains(raw, "True") || strings.Contains(raw, "False") || strings.Contains(raw, "None") {
		s = append(s, "use lowercase true/false and null")
	}
	return s
}

func snippet(raw string) string {
	if len(raw) > 120 {
		return raw[:120]
	}
	return raw
}
