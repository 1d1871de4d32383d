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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/protocol"
)

func TestMain(m *testing.M) {
	log.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

// promptTree writes a composition/component tree under a temp dir and
// returns a composer over it.
func promptTree(t *testing.T, files map[string]string) *Composer {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	c, err := New(config.ComposerConfig{
		CompositionsDir: filepath.Join(root, "compositions"),
		ComponentsDir:   filepath.Join(root, "components"),
		ExtensionDir:    filepath.Join(root, "extension_modules"),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestComposeBasic(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/greeting.yaml": `
name: greeting
components:
  - name: hello
    source: core/hello.md
`,
		"components/core/hello.md": "Hello, {{name|world}}.",
	})

	res, err := c.ComposePrompt(context.Background(), "greeting", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", res.Prompt)
	assert.Contains(t, res.ComponentsUsed, "core/hello")
	assert.Empty(t, res.Warnings)
	assert.False(t, res.FromCache)

	res, err = c.ComposePrompt(context.Background(), "greeting", map[string]any{"name": "ksi"}, false)
	require.NoError(t, err)
	assert.Equal(t, "Hello, ksi.", res.Prompt)
}

func TestComposeExtendsAndMixins(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/base.yaml": `
name: base
components:
  - name: base_part
    template: "base content"
`,
		"compositions/child.yaml": `
name: child
extends: base
mixins: [guidelines]
components:
  - name: own
    template: "child content"
`,
		"components/guidelines.md": "mixin content",
	})

	res, err := c.ComposePrompt(context.Background(), "child", nil, false)
	require.NoError(t, err)
	// Parent first, then mixins, then the composition's own components.
	assert.Equal(t, "base content\n\nmixin content\n\nchild content", res.Prompt)
}

func TestComposeConditionalMixins(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/multi.yaml": `
name: multi
components:
  - name: core
    template: "core"
conditions:
  - condition: "agent_count > 1"
    mixins: [coordination]
`,
		"components/coordination.md": "coordinate with peers",
	})

	res, err := c.ComposePrompt(context.Background(), "multi", map[string]any{"agent_count": 1}, false)
	require.NoError(t, err)
	assert.NotContains(t, res.Prompt, "coordinate")

	res, err = c.ComposePrompt(context.Background(), "multi", map[string]any{"agent_count": 3}, false)
	require.NoError(t, err)
	assert.Contains(t, res.Prompt, "coordinate with peers")
}

func TestComposeComponentCondition(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/cond.yaml": `
name: cond
components:
  - name: always
    template: "always"
  - name: tools
    template: "tools enabled"
    condition: "enable_tools"
`,
	})

	res, err := c.ComposePrompt(context.Background(), "cond", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "always", res.Prompt)

	res, err = c.ComposePrompt(context.Background(), "cond", map[string]any{"enable_tools": true}, false)
	require.NoError(t, err)
	assert.Equal(t, "always\n\ntools enabled", res.Prompt)
}

func TestComposeCycleDetection(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/a.yaml": "name: a\nextends: b\n",
		"compositions/b.yaml": "name: b\nextends: a\n",
		"compositions/self.yaml": "name: self\nextends: self\n",
	})

	_, err := c.ComposePrompt(context.Background(), "a", nil, false)
	require.Error(t, err)
	var derr *protocol.DaemonError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, protocol.ErrCompositionInvalid, derr.Code)
	// The diagnostic names every node in the cycle.
	assert.Contains(t, derr.Message, "a")
	assert.Contains(t, derr.Message, "b")

	_, err = c.ComposePrompt(context.Background(), "self", nil, false)
	require.Error(t, err)
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, protocol.ErrCompositionInvalid, derr.Code)

	// VALIDATE reports the same cycle as invalid inside a success shape.
	res, err := c.Validate(context.Background(), "self", nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Issues)
	assert.Contains(t, res.Issues[0], "self")
}

func TestComposeRequiredContext(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/strictdoc.yaml": `
name: strictdoc
components:
  - name: body
    template: "prompt: {{user_prompt}}"
required_context:
  user_prompt:
    type: string
    minLength: 1
  role:
    default: assistant
`,
	})

	// Missing required key without default fails.
	_, err := c.ComposePrompt(context.Background(), "strictdoc", map[string]any{"role": "x"}, false)
	require.Error(t, err)
	var derr *protocol.DaemonError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, protocol.ErrContextValidation, derr.Code)
	assert.Contains(t, derr.Message, "user_prompt")

	// Schema violation fails.
	_, err = c.ComposePrompt(context.Background(), "strictdoc", map[string]any{"user_prompt": ""}, false)
	require.Error(t, err)
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, protocol.ErrContextValidation, derr.Code)

	// Default fills the optional key.
	res, err := c.ComposePrompt(context.Background(), "strictdoc", map[string]any{"user_prompt": "hi"}, false)
	require.NoError(t, err)
	assert.Equal(t, "prompt: hi", res.Prompt)
}

func TestComposeStrictMode(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/holes.yaml": `
name: holes
components:
  - name: body
    template: "value is {{missing_var}}"
`,
	})

	// Lax render leaves the placeholder and warns.
	res, err := c.ComposePrompt(context.Background(), "holes", nil, false)
	require.NoError(t, err)
	assert.Contains(t, res.Prompt, "{{missing_var}}")
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "missing_var")

	// Strict render fails naming the missing key.
	_, err = c.ComposePrompt(context.Background(), "holes", nil, true)
	require.Error(t, err)
	var derr *protocol.DaemonError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, protocol.ErrContextValidation, derr.Code)
	assert.Contains(t, derr.Message, "missing_var")
}

func TestComposeVariableGrammar(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/vars.yaml": `
name: vars
components:
  - name: body
    source: body.md
`,
		"components/body.md": "name={{user.name}} first={{items.0}} up={{upper(user.name)}} n={{len(items)}} caller={{_ksi_context.tag}}",
	})

	ctx := map[string]any{
		"user":  map[string]any{"name": "ada"},
		"items": []any{"one", "two"},
		"tag":   "t1",
	}
	res, err := c.ComposePrompt(context.Background(), "vars", ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "name=ada first=one up=ADA n=2 caller=t1", res.Prompt)
}

func TestComposeFrontmatterDefaults(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/front.yaml": `
name: front
components:
  - name: ident
    source: identity.md
    vars:
      role: "{{role|analyst}}"
`,
		"components/identity.md": `---
name: identity
description: agent identity block
variables:
  tone:
    default: neutral
---
You are a {{role}} with a {{tone}} tone.`,
	})

	res, err := c.ComposePrompt(context.Background(), "front", nil, true)
	require.NoError(t, err)
	assert.Equal(t, "You are a analyst with a neutral tone.", res.Prompt)
}

func TestComposeCacheIdempotence(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/stable.yaml": `
name: stable
components:
  - name: body
    template: "hello {{who}}"
`,
	})

	ctx := map[string]any{"who": "there"}
	first, err := c.ComposePrompt(context.Background(), "stable", ctx, false)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := c.ComposePrompt(context.Background(), "stable", ctx, false)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Prompt, second.Prompt)

	// Clearing the cache does not change the output.
	c.ClearCache()
	third, err := c.ComposePrompt(context.Background(), "stable", ctx, false)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, first.Prompt, third.Prompt)

	// A different context is a different cache entry.
	other, err := c.ComposePrompt(context.Background(), "stable", map[string]any{"who": "you"}, false)
	require.NoError(t, err)
	assert.False(t, other.FromCache)
	assert.NotEqual(t, first.Prompt, other.Prompt)
}

func TestCompositionNotFoundSuggests(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/ksi_agent_default.yaml": "name: ksi_agent_default\n",
	})

	_, err := c.ComposePrompt(context.Background(), "ksi_agent_defalt", nil, false)
	require.Error(t, err)
	var derr *protocol.DaemonError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, protocol.ErrCompositionNotFound, derr.Code)
	assert.Contains(t, derr.Message, "ksi_agent_default")
}

func TestListCompositionsAndComponents(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/one.yaml": "name: one\ntype: prompt\nversion: \"1.0\"\n",
		"compositions/two.yaml": "name: two\ntype: profile\n",
		"components/core/a.md":  "a",
		"components/core/b.md":  "b",
		"components/other/c.md": "c",
	})

	all, err := c.ListCompositions("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "one", all[0].Name)

	profiles, err := c.ListCompositions("profile")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "two", profiles[0].Name)

	comps, err := c.ListComponents("")
	require.NoError(t, err)
	assert.Len(t, comps, 3)

	core, err := c.ListComponents("core")
	require.NoError(t, err)
	assert.Len(t, core, 2)
}

func TestReloadModule(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("compositions/base.yaml", "name: base\ncomponents:\n  - name: b\n    template: \"stock\"\n")
	write("extension_modules/research/compositions/survey.yaml",
		"name: survey\ncomponents:\n  - name: s\n    template: \"survey prompt\"\n")
	write("extension_modules/research/components/notes.md", "notes")

	c, err := New(config.ComposerConfig{
		CompositionsDir: filepath.Join(root, "compositions"),
		ComponentsDir:   filepath.Join(root, "components"),
		ExtensionDir:    filepath.Join(root, "extension_modules"),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// Before the module loads, its compositions are invisible.
	_, err = c.ComposePrompt(context.Background(), "survey", nil, false)
	require.Error(t, err)

	info, err := c.ReloadModule("research")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Compositions)
	assert.Equal(t, 1, info.Components)

	res, err := c.ComposePrompt(context.Background(), "survey", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "survey prompt", res.Prompt)

	_, err = c.ReloadModule("no_such_module")
	require.Error(t, err)
	var derr *protocol.DaemonError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, protocol.ErrInvalidParameters, derr.Code)
}

func TestNestedCompositionComponent(t *testing.T) {
	c := promptTree(t, map[string]string{
		"compositions/outer.yaml": `
name: outer
components:
  - name: inner_ref
    composition: inner
  - name: own
    template: "outer part"
`,
		"compositions/inner.yaml": `
name: inner
components:
  - name: body
    template: "inner part"
`,
	})

	res, err := c.ComposePrompt(context.Background(), "outer", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "inner part\n\nouter part", res.Prompt)
}
