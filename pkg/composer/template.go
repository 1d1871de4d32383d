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
package composer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ksi-project/ksi/pkg/protocol"
)

// Placeholder grammar:
//
//	{{var}}                 lookup, dotted paths and list indices allowed
//	{{var|default}}         fall back to a literal when the lookup misses
//	{{$}}                   the whole context as compact JSON
//	{{_ksi_context.key}}    reach the caller's original context past local vars
//	{{func(arg)}}           builtin call; arg is a path or a literal
//
// Unresolved placeholders are left in place; strict renders turn the
// collected misses into a context validation error afterwards.
var (
	placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	funcPattern        = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\((.*)\)$`)
)

func (r *renderState) renderText(tmpl string, vars map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		expr := strings.TrimSpace(m[2 : len(m)-2])
		if expr == "" {
			return m
		}
		val, ok := r.eval(expr, vars)
		if !ok {
			r.noteMissing(expr)
			return m
		}
		return stringify(val)
	})
}

// renderValue resolves a component var declared in a composition. A value
// that is exactly one placeholder keeps the resolved value's type so lists
// and maps pass through intact; anything else renders as text.
func (r *renderState) renderValue(s string, vars map[string]any) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "{{") {
			if val, ok := r.eval(inner, vars); ok {
				return val
			}
		}
	}
	return r.renderText(s, vars)
}

func (r *renderState) eval(expr string, vars map[string]any) (any, bool) {
	if i := strings.IndexByte(expr, '|'); i >= 0 {
		base := strings.TrimSpace(expr[:i])
		if v, ok := r.eval(base, vars); ok {
			return v, true
		}
		return literalValue(strings.TrimSpace(expr[i+1:])), true
	}
	if m := funcPattern.FindStringSubmatch(expr); m != nil {
		return r.callBuiltin(m[1], strings.TrimSpace(m[2]), vars)
	}
	if expr == "$" {
		view := make(map[string]any, len(vars))
		for k, v := range vars {
			if k == callerContextKey {
				continue
			}
			view[k] = v
		}
		b, err := json.Marshal(view)
		if err != nil {
			return nil, false
		}
		return string(b), true
	}
	return lookupPath(vars, expr)
}

func (r *renderState) callBuiltin(name, arg string, vars map[string]any) (any, bool) {
	val, ok := r.argValue(arg, vars)
	if !ok {
		return nil, false
	}
	switch name {
	case "timestamp_utc":
		return protocol.Timestamp(), true
	case "time":
		return time.Now().Format("15:04:05"), true
	case "len":
		switch t := val.(type) {
		case nil:
			return 0, true
		case string:
			return len(t), true
		case []any:
			return len(t), true
		case map[string]any:
			return len(t), true
		default:
			return len(stringify(t)), true
		}
	case "str":
		return stringify(val), true
	case "int":
		return coerceInt(val)
	case "float":
		f, ok := coerceFloat(val)
		return f, ok
	case "json":
		b, err := json.Marshal(val)
		if err != nil {
			return nil, false
		}
		return string(b), true
	case "upper":
		return strings.ToUpper(stringify(val)), true
	case "lower":
		return strings.ToLower(stringify(val)), true
	default:
		r.noteWarning(fmt.Sprintf("unknown function %q", name))
		return nil, false
	}
}

// argValue resolves a builtin argument: quoted strings and numbers are
// literals, anything else must resolve as a context path.
func (r *renderState) argValue(arg string, vars map[string]any) (any, bool) {
	if arg == "" {
		return nil, true
	}
	if len(arg) >= 2 {
		if (arg[0] == '"' && arg[len(arg)-1] == '"') || (arg[0] == '\'' && arg[len(arg)-1] == '\'') {
			return arg[1 : len(arg)-1], true
		}
	}
	if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return f, true
	}
	return lookupPath(vars, arg)
}

func literalValue(s string) any {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// lookupPath walks a dotted path through nested maps and lists. Numeric
// segments index into lists.
func lookupPath(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func coerceInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Comparison operators in match order; two-character forms first so ">="
// is not read as ">".
var conditionOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// evalCondition evaluates a component or mixin condition against the render
// context. Supported forms are a bare key (truthy test) and binary
// comparisons; numbers compare numerically when both sides parse, otherwise
// the comparison is lexical. Malformed expressions are false.
func (r *renderState) evalCondition(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	for _, op := range conditionOps {
		i := strings.Index(expr, op)
		if i < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:i])
		right := strings.TrimSpace(expr[i+len(op):])
		if left == "" || right == "" {
			r.noteWarning(fmt.Sprintf("invalid condition %q", expr))
			return false
		}
		return compareValues(r.conditionOperand(left), r.conditionOperand(right), op)
	}
	v, ok := lookupPath(r.caller, expr)
	if !ok {
		return false
	}
	return truthy(v)
}

// conditionOperand resolves one side of a comparison: context paths win,
// then literals.
func (r *renderState) conditionOperand(s string) any {
	if v, ok := lookupPath(r.caller, s); ok {
		return v
	}
	return literalValue(s)
}

func compareValues(left, right any, op string) bool {
	lf, lok := coerceFloat(left)
	rf, rok := coerceFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		}
		return false
	}
	ls, rs := stringify(left), stringify(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	}
	return false
}
