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

// Package composer renders agent system prompts from composition documents:
// YAML recipes that assemble markdown components through extends chains,
// mixins, conditions and variable substitution.
package composer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/protocol"
)

// searchRoot is one (compositions dir, components dir) pair. The base
// configuration contributes the first root; RELOAD_MODULE appends one per
// extension module. Later roots win name collisions so a module can
// override a stock composition.
type searchRoot struct {
	module          string
	compositionsDir string
	componentsDir   string
}

// Composer loads and renders prompt compositions.
type Composer struct {
	cfg config.ComposerConfig

	mu    sync.RWMutex
	roots []searchRoot

	compositions map[string]*Composition // parsed, by name
	components   map[string]*Component   // parsed, by rel path
	renders      map[string]renderEntry  // rendered, by name+context hash

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type renderEntry struct {
	result *ComposeResult
}

// ComposeResult is the reply payload for COMPOSE_PROMPT.
type ComposeResult struct {
	Composition    string   `json:"composition"`
	Prompt         string   `json:"prompt"`
	ComponentsUsed []string `json:"components_used"`
	Warnings       []string `json:"warnings"`
	FromCache      bool     `json:"from_cache"`
	DurationMS     int64    `json:"duration_ms"`
}

// New creates a composer over the configured prompt trees. The directories
// need not exist yet; missing trees just resolve nothing. When cfg.Watch is
// set, an fsnotify watcher invalidates caches as files change on disk.
func New(cfg config.ComposerConfig) (*Composer, error) {
	c := &Composer{
		cfg: cfg,
		roots: []searchRoot{{
			compositionsDir: cfg.CompositionsDir,
			componentsDir:   cfg.ComponentsDir,
		}},
		compositions: make(map[string]*Composition),
		components:   make(map[string]*Component),
		renders:      make(map[string]renderEntry),
		done:         make(chan struct{}),
	}
	if cfg.Watch {
		if err := c.startWatcher(); err != nil {
			// A broken watcher degrades to manual invalidation, it does
			// not stop the daemon.
			log.Warn("composer watcher unavailable", zap.Error(err))
		}
	}
	return c, nil
}

// Close stops the file watcher.
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		close(c.done)
		_ = c.watcher.Close()
		c.watcher = nil
	}
}

// ClearCache drops every parsed document and rendered prompt. Rendering
// after a clear produces identical output for identical input.
func (c *Composer) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Composer) invalidateLocked() {
	c.compositions = make(map[string]*Composition)
	c.components = make(map[string]*Component)
	c.renders = make(map[string]renderEntry)
}

// ComposePrompt renders a composition against the caller's context. Strict
// renders fail on any unresolved variable; lax renders leave the
// placeholder and report it as a warning.
func (c *Composer) ComposePrompt(ctx context.Context, name string, vars map[string]any, strict bool) (*ComposeResult, error) {
	start := time.Now()
	key := renderKey(name, vars, strict)

	c.mu.RLock()
	entry, hit := c.renders[key]
	c.mu.RUnlock()
	if hit {
		out := *entry.result
		out.FromCache = true
		out.DurationMS = time.Since(start).Milliseconds()
		return &out, nil
	}

	st := newRenderState(c, vars, strict)
	prompt, err := st.composition(name)
	if err != nil {
		return nil, err
	}
	if strict && len(st.missing) > 0 {
		sort.Strings(st.missing)
		return nil, protocol.NewError(protocol.ErrContextValidation,
			"unresolved variables in %q: %s (available: %s)",
			name, strings.Join(st.missing, ", "), st.availableNames())
	}
	warnings := append([]string{}, st.warnings...)
	if !strict {
		for _, m := range st.missing {
			warnings = append(warnings, fmt.Sprintf("unresolved variable %q", m))
		}
	}
	if warnings == nil {
		warnings = []string{}
	}
	used := st.used
	if used == nil {
		used = []string{}
	}

	result := &ComposeResult{
		Composition:    name,
		Prompt:         prompt,
		ComponentsUsed: used,
		Warnings:       warnings,
	}
	c.mu.Lock()
	c.renders[key] = renderEntry{result: result}
	c.mu.Unlock()

	out := *result
	out.DurationMS = time.Since(start).Milliseconds()
	return &out, nil
}

// Compose renders a composition and returns just the prompt text. This is
// the interface the injection router and agent manager consume.
func (c *Composer) Compose(ctx context.Context, name string, vars map[string]any) (string, error) {
	res, err := c.ComposePrompt(ctx, name, vars, false)
	if err != nil {
		return "", err
	}
	return res.Prompt, nil
}

// ComposeProfile renders an agent profile composition into its system
// prompt. Profiles render strict: a spawned agent with holes in its system
// prompt is worse than a failed spawn.
func (c *Composer) ComposeProfile(ctx context.Context, name string, vars map[string]any) (string, error) {
	res, err := c.ComposePrompt(ctx, name, vars, true)
	if err != nil {
		return "", err
	}
	return res.Prompt, nil
}

// ValidationResult is the reply payload for VALIDATE_COMPOSITION. Structural
// problems land in Issues; a composition with any issue is invalid but the
// command itself still succeeds.
type ValidationResult struct {
	Name            string                    `json:"name"`
	Valid           bool                      `json:"valid"`
	Issues          []string                  `json:"issues"`
	Warnings        []string                  `json:"warnings"`
	RequiredContext map[string]map[string]any `json:"required_context,omitempty"`
}

// Validate checks a composition without requiring a complete context: it
// resolves the whole graph (catching cycles and missing files), then checks
// required_context only when the caller supplied a context to check.
func (c *Composer) Validate(ctx context.Context, name string, vars map[string]any) (*ValidationResult, error) {
	doc, err := c.composition(name)
	if err != nil {
		return nil, err
	}
	out := &ValidationResult{
		Name:            name,
		Issues:          []string{},
		Warnings:        []string{},
		RequiredContext: doc.RequiredContext,
	}

	st := newRenderState(c, vars, false)
	st.skipRequired = len(vars) == 0
	if _, rerr := st.composition(name); rerr != nil {
		out.Issues = append(out.Issues, protocol.AsDaemonError(rerr).Message)
	}
	out.Warnings = append(out.Warnings, st.warnings...)
	for _, m := range st.missing {
		out.Warnings = append(out.Warnings, fmt.Sprintf("unresolved variable %q", m))
	}
	out.Valid = len(out.Issues) == 0
	return out, nil
}

// CompositionInfo is one entry in the GET_COMPOSITIONS listing.
type CompositionInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// ListCompositions names every composition on the search path, optionally
// filtered by type.
func (c *Composer) ListCompositions(typ string) ([]CompositionInfo, error) {
	names := c.compositionNames()
	out := make([]CompositionInfo, 0, len(names))
	for _, name := range names {
		doc, err := c.composition(name)
		if err != nil {
			log.Warn("skipping unparseable composition", zap.String("name", name), zap.Error(err))
			continue
		}
		if typ != "" && doc.Type != typ {
			continue
		}
		out = append(out, CompositionInfo{
			Name:        name,
			Type:        doc.Type,
			Version:     doc.Version,
			Description: doc.Description,
		})
	}
	return out, nil
}

// GetComposition returns the parsed document for one composition.
func (c *Composer) GetComposition(name string) (*Composition, error) {
	return c.composition(name)
}

// ComponentInfo is one entry in the LIST_COMPONENTS listing.
type ComponentInfo struct {
	Name        string                  `json:"name"`
	Path        string                  `json:"path"`
	Description string                  `json:"description,omitempty"`
	Variables   map[string]ComponentVar `json:"variables,omitempty"`
}

// ListComponents walks the component trees, optionally restricted to one
// subdirectory.
func (c *Composer) ListComponents(dir string) ([]ComponentInfo, error) {
	rels := c.componentRels()
	prefix := strings.Trim(filepath.ToSlash(dir), "/")
	out := make([]ComponentInfo, 0, len(rels))
	for _, rel := range rels {
		noExt := strings.TrimSuffix(rel, ".md")
		if prefix != "" && noExt != prefix && !strings.HasPrefix(noExt, prefix+"/") {
			continue
		}
		comp, err := c.component(rel)
		if err != nil {
			log.Warn("skipping unparseable component", zap.String("path", rel), zap.Error(err))
			continue
		}
		out = append(out, ComponentInfo{
			Name:        comp.Name,
			Path:        comp.Rel,
			Description: comp.Description,
			Variables:   comp.Variables,
		})
	}
	return out, nil
}

// ModuleInfo is the RELOAD_MODULE reply payload.
type ModuleInfo struct {
	Module       string `json:"module"`
	Compositions int    `json:"compositions"`
	Components   int    `json:"components"`
}

// ReloadModule registers (or refreshes) one extension module: a directory
// under the configured extension root holding compositions/ and/or
// components/ trees. Module files shadow base files of the same name.
func (c *Composer) ReloadModule(name string) (*ModuleInfo, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "invalid module name: %q", name)
	}
	moduleDir := filepath.Join(c.cfg.ExtensionDir, name)
	if fi, err := os.Stat(moduleDir); err != nil || !fi.IsDir() {
		return nil, protocol.NewError(protocol.ErrInvalidParameters,
			"extension module directory not found: %s", moduleDir)
	}
	root := searchRoot{
		module:          name,
		compositionsDir: filepath.Join(moduleDir, "compositions"),
		componentsDir:   filepath.Join(moduleDir, "components"),
	}

	c.mu.Lock()
	replaced := false
	for i, r := range c.roots {
		if r.module == name {
			c.roots[i] = root
			replaced = true
		}
	}
	if !replaced {
		c.roots = append(c.roots, root)
	}
	c.invalidateLocked()
	watcher := c.watcher
	c.mu.Unlock()

	if watcher != nil {
		c.watchTree(watcher, root.compositionsDir)
		c.watchTree(watcher, root.componentsDir)
	}

	info := &ModuleInfo{Module: name}
	info.Compositions = countFiles(root.compositionsDir, ".yaml")
	info.Components = countFiles(root.componentsDir, ".md")
	log.Info("extension module loaded",
		zap.String("module", name),
		zap.Int("compositions", info.Compositions),
		zap.Int("components", info.Components))
	return info, nil
}

// compositionPath resolves a composition name to its file, later roots
// first so extension modules shadow the base tree.
func (c *Composer) compositionPath(name string) (string, bool) {
	if name == "" || strings.Contains(name, "..") {
		return "", false
	}
	c.mu.RLock()
	roots := append([]searchRoot{}, c.roots...)
	c.mu.RUnlock()
	for i := len(roots) - 1; i >= 0; i-- {
		p := filepath.Join(roots[i].compositionsDir, filepath.FromSlash(name)+".yaml")
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, true
		}
	}
	return "", false
}

// composition loads and caches one composition document by name.
func (c *Composer) composition(name string) (*Composition, error) {
	c.mu.RLock()
	doc, ok := c.compositions[name]
	c.mu.RUnlock()
	if ok {
		return doc, nil
	}

	path, found := c.compositionPath(name)
	if !found {
		return nil, c.notFound(name)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is rooted in the configured prompt trees
	if err != nil {
		return nil, protocol.NewError(protocol.ErrCompositionFailed,
			"failed to read composition %q: %v", name, err)
	}
	doc, err = parseComposition(name, data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compositions[name] = doc
	c.mu.Unlock()
	return doc, nil
}

// notFound builds the COMPOSITION_NOT_FOUND error, suggesting close names
// when any rank.
func (c *Composer) notFound(name string) error {
	names := c.compositionNames()
	matches := fuzzy.Find(name, names)
	if len(matches) > 0 {
		limit := 3
		if len(matches) < limit {
			limit = len(matches)
		}
		suggestions := make([]string, 0, limit)
		for _, m := range matches[:limit] {
			suggestions = append(suggestions, m.Str)
		}
		return protocol.NewError(protocol.ErrCompositionNotFound,
			"composition not found: %s (did you mean %s?)", name, strings.Join(suggestions, ", "))
	}
	return protocol.NewError(protocol.ErrCompositionNotFound, "composition not found: %s", name)
}

// component loads and caches one component file by reference.
func (c *Composer) component(source string) (*Component, error) {
	rel := normalizeComponentRel(source)
	if rel == "" || strings.Contains(rel, "..") {
		return nil, protocol.NewError(protocol.ErrComponentNotFound, "invalid component reference: %q", source)
	}

	c.mu.RLock()
	comp, ok := c.components[rel]
	roots := append([]searchRoot{}, c.roots...)
	c.mu.RUnlock()
	if ok {
		return comp, nil
	}

	for i := len(roots) - 1; i >= 0; i-- {
		p := filepath.Join(roots[i].componentsDir, filepath.FromSlash(rel))
		data, err := os.ReadFile(p) // #nosec G304 -- path is rooted in the configured prompt trees
		if err != nil {
			continue
		}
		comp, err = parseComponent(rel, data)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.components[rel] = comp
		c.mu.Unlock()
		return comp, nil
	}
	return nil, protocol.NewError(protocol.ErrComponentNotFound, "component not found: %s", rel)
}

// compositionNames lists every composition on the search path, sorted and
// deduplicated.
func (c *Composer) compositionNames() []string {
	c.mu.RLock()
	roots := append([]searchRoot{}, c.roots...)
	c.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, root := range roots {
		_ = filepath.WalkDir(root.compositionsDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".yaml") {
				return nil //nolint:nilerr // a missing tree lists nothing
			}
			rel, rerr := filepath.Rel(root.compositionsDir, path)
			if rerr != nil {
				return nil
			}
			name := strings.TrimSuffix(filepath.ToSlash(rel), ".yaml")
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			return nil
		})
	}
	sort.Strings(names)
	return names
}

// componentRels lists every component file path, sorted and deduplicated.
func (c *Composer) componentRels() []string {
	c.mu.RLock()
	roots := append([]searchRoot{}, c.roots...)
	c.mu.RUnlock()

	seen := make(map[string]bool)
	var rels []string
	for _, root := range roots {
		_ = filepath.WalkDir(root.componentsDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
				return nil //nolint:nilerr
			}
			rel, rerr := filepath.Rel(root.componentsDir, path)
			if rerr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				rels = append(rels, rel)
			}
			return nil
		})
	}
	sort.Strings(rels)
	return rels
}

func (c *Composer) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	c.watcher = watcher
	c.watchTree(watcher, c.cfg.CompositionsDir)
	c.watchTree(watcher, c.cfg.ComponentsDir)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.Debug("prompt tree changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
				c.mu.Lock()
				c.invalidateLocked()
				c.mu.Unlock()
				// New subdirectories need their own watches.
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						c.watchTree(watcher, ev.Name)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("composer watcher error", zap.Error(err))
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// watchTree adds a directory and its subdirectories to the watcher.
// Missing directories are skipped quietly; they get picked up when their
// parent reports the create.
func (c *Composer) watchTree(watcher *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() {
			if werr := watcher.Add(path); werr != nil {
				log.Debug("watch add failed", zap.String("path", path), zap.Error(werr))
			}
		}
		return nil
	})
}

// renderKey keys the render cache on the composition name, a stable hash of
// the caller context and the strictness flag.
func renderKey(name string, vars map[string]any, strict bool) string {
	h := sha256.New()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b, err := json.Marshal(vars[k])
		if err != nil {
			b = []byte(fmt.Sprintf("%v", vars[k]))
		}
		fmt.Fprintf(h, "%s=%s;", k, b)
	}
	mode := "lax"
	if strict {
		mode = "strict"
	}
	return name + ":" + mode + ":" + hex.EncodeToString(h.Sum(nil))
}

func countFiles(dir, ext string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(d.Name(), ext) {
			n++
		}
		return nil
	})
	return n
}
