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
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ksi-project/ksi/pkg/protocol"
)

// callerContextKey exposes the caller's original context to templates even
// when component vars shadow individual keys.
const callerContextKey = "_ksi_context"

// renderState carries one render through the composition graph. It owns the
// cycle-detection stack and collects the component list, warnings, and
// unresolved variables for the final reply.
type renderState struct {
	c      *Composer
	caller map[string]any
	strict bool

	// skipRequired relaxes required_context checks for structural
	// validation runs that have no caller context to check against.
	skipRequired bool

	stack   []string
	inStack map[string]bool

	used    []string
	usedSet map[string]bool

	warnings   []string
	warningSet map[string]bool
	missing    []string
	missingSet map[string]bool
}

func newRenderState(c *Composer, ctx map[string]any, strict bool) *renderState {
	caller := make(map[string]any, len(ctx))
	for k, v := range ctx {
		caller[k] = v
	}
	return &renderState{
		c:          c,
		caller:     caller,
		strict:     strict,
		inStack:    make(map[string]bool),
		usedSet:    make(map[string]bool),
		warningSet: make(map[string]bool),
		missingSet: make(map[string]bool),
	}
}

// composition renders a composition by name. Resolution order: the extends
// parent first, then declared mixins, then any conditional mixins whose
// condition holds, then the composition's own components.
func (r *renderState) composition(name string) (string, error) {
	if r.inStack[name] {
		cycle := append(append([]string{}, r.stack...), name)
		return "", protocol.NewError(protocol.ErrCompositionInvalid,
			"composition cycle: %s", strings.Join(cycle, " -> "))
	}
	doc, err := r.c.composition(name)
	if err != nil {
		return "", err
	}
	r.push(name)
	defer r.pop(name)

	if err := r.requireContext(doc); err != nil {
		return "", err
	}

	var parts []string
	if doc.Extends != "" {
		if _, ok := r.c.compositionPath(doc.Extends); !ok {
			return "", protocol.NewError(protocol.ErrComponentNotFound,
				"parent composition %q of %q not found", doc.Extends, name)
		}
		s, err := r.composition(doc.Extends)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}

	mixins := append([]string{}, doc.Mixins...)
	for _, cond := range doc.Conditions {
		if r.evalCondition(cond.Condition) {
			mixins = append(mixins, cond.Mixins...)
		}
	}
	for _, m := range mixins {
		s, err := r.include(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}

	for _, ref := range doc.Components {
		if ref.Condition != "" && !r.evalCondition(ref.Condition) {
			continue
		}
		s, err := r.componentRef(name, ref)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return joinParts(parts), nil
}

// include resolves a mixin name: a composition when one exists under that
// name, otherwise a component file.
func (r *renderState) include(name string) (string, error) {
	if _, ok := r.c.compositionPath(name); ok {
		return r.composition(name)
	}
	return r.componentBody(name, nil)
}

func (r *renderState) componentRef(owner string, ref ComponentRef) (string, error) {
	switch {
	case ref.Composition != "":
		if _, ok := r.c.compositionPath(ref.Composition); !ok {
			return "", protocol.NewError(protocol.ErrComponentNotFound,
				"nested composition %q referenced by %q not found", ref.Composition, owner)
		}
		return r.composition(ref.Composition)
	case ref.Source != "":
		return r.componentBody(ref.Source, ref.Vars)
	case ref.Template != "":
		local := r.localContext(nil, ref.Vars)
		name := ref.Name
		if name == "" {
			name = "inline"
		}
		r.markUsed(name)
		return r.renderText(ref.Template, local), nil
	default:
		return "", protocol.NewError(protocol.ErrCompositionInvalid,
			"component %q in %q has no source, template, or composition", ref.Name, owner)
	}
}

// componentBody renders a component file: its own mixins first, then the
// body against the caller context merged with declared vars and defaults.
func (r *renderState) componentBody(source string, vars map[string]any) (string, error) {
	comp, err := r.c.component(source)
	if err != nil {
		return "", err
	}
	key := "component:" + comp.Rel
	if r.inStack[key] {
		cycle := append(append([]string{}, r.stack...), comp.Rel)
		return "", protocol.NewError(protocol.ErrCompositionInvalid,
			"component cycle: %s", strings.Join(cycle, " -> "))
	}
	r.push(key)
	defer r.pop(key)

	var parts []string
	for _, m := range comp.Mixins {
		s, err := r.include(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	local := r.localContext(comp, vars)
	parts = append(parts, r.renderText(comp.Body, local))
	r.markUsed(comp.Rel)
	return joinParts(parts), nil
}

// localContext builds the render context for one component: the caller
// context, overlaid with frontmatter defaults for absent keys, overlaid with
// the composition's declared vars. Declared var values render against the
// caller context first so they can forward or reshape caller values.
func (r *renderState) localContext(comp *Component, vars map[string]any) map[string]any {
	local := make(map[string]any, len(r.caller)+len(vars)+1)
	for k, v := range r.caller {
		local[k] = v
	}
	if comp != nil {
		for k, cv := range comp.Variables {
			if _, ok := local[k]; !ok && cv.Default != nil {
				local[k] = cv.Default
			}
		}
		for k, cv := range comp.Variables {
			if !cv.Required {
				continue
			}
			if _, ok := local[k]; ok {
				continue
			}
			if _, ok := vars[k]; ok {
				continue
			}
			r.noteMissing(k)
		}
	}
	for k, v := range vars {
		if s, ok := v.(string); ok {
			local[k] = r.renderValue(s, local)
		} else {
			local[k] = v
		}
	}
	local[callerContextKey] = r.caller
	return local
}

// requireContext enforces a composition's required_context block: every key
// must be present (or carry a default in its fragment), and non-empty
// fragments are validated as JSON schema against the value.
func (r *renderState) requireContext(doc *Composition) error {
	if r.skipRequired || len(doc.RequiredContext) == 0 {
		return nil
	}
	keys := make([]string, 0, len(doc.RequiredContext))
	for k := range doc.RequiredContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		frag := doc.RequiredContext[key]
		val, present := r.caller[key]
		if !present {
			if def, ok := frag["default"]; ok {
				r.caller[key] = def
				continue
			}
			return protocol.NewError(protocol.ErrContextValidation,
				"composition %q requires context key %q (available: %s)",
				doc.Name, key, r.availableNames())
		}
		if len(frag) == 0 {
			continue
		}
		res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(frag), gojsonschema.NewGoLoader(val))
		if err != nil {
			r.noteWarning(fmt.Sprintf("required_context schema for %q is invalid: %v", key, err))
			continue
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return protocol.NewError(protocol.ErrContextValidation,
				"context key %q failed validation: %s", key, strings.Join(msgs, "; "))
		}
	}
	return nil
}

func (r *renderState) push(key string) {
	r.stack = append(r.stack, key)
	r.inStack[key] = true
}

func (r *renderState) pop(key string) {
	r.stack = r.stack[:len(r.stack)-1]
	delete(r.inStack, key)
}

func (r *renderState) markUsed(name string) {
	if r.usedSet[name] {
		return
	}
	r.usedSet[name] = true
	r.used = append(r.used, name)
}

func (r *renderState) noteWarning(msg string) {
	if r.warningSet[msg] {
		return
	}
	r.warningSet[msg] = true
	r.warnings = append(r.warnings, msg)
}

func (r *renderState) noteMissing(expr string) {
	if r.missingSet[expr] {
		return
	}
	r.missingSet[expr] = true
	r.missing = append(r.missing, expr)
}

func (r *renderState) availableNames() string {
	if len(r.caller) == 0 {
		return "none"
	}
	names := make([]string, 0, len(r.caller))
	for k := range r.caller {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func joinParts(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
