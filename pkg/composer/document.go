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
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ksi-project/ksi/pkg/protocol"
)

// Composition is a parsed composition document. Compositions are YAML files
// that assemble markdown components, inline templates, and other compositions
// into a single prompt.
type Composition struct {
	Name        string         `yaml:"name" json:"name"`
	Type        string         `yaml:"type" json:"type,omitempty"`
	Version     string         `yaml:"version" json:"version,omitempty"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Author      string         `yaml:"author" json:"author,omitempty"`
	Extends     string         `yaml:"extends" json:"extends,omitempty"`
	Mixins      []string       `yaml:"mixins" json:"mixins,omitempty"`
	Components  []ComponentRef `yaml:"components" json:"components,omitempty"`

	// RequiredContext maps context keys to optional JSON schema fragments.
	// A nil fragment requires presence only; a fragment with a "default"
	// entry supplies the value when the caller omits the key.
	RequiredContext map[string]map[string]any `yaml:"required_context" json:"required_context,omitempty"`

	Metadata   map[string]any      `yaml:"metadata" json:"metadata,omitempty"`
	Conditions []ConditionalMixins `yaml:"conditions" json:"conditions,omitempty"`
}

// ComponentRef is one entry in a composition's components list. Exactly one
// of Source, Template, or Composition names the content.
type ComponentRef struct {
	Name        string         `yaml:"name" json:"name,omitempty"`
	Source      string         `yaml:"source" json:"source,omitempty"`
	Template    string         `yaml:"template" json:"template,omitempty"`
	Composition string         `yaml:"composition" json:"composition,omitempty"`
	Vars        map[string]any `yaml:"vars" json:"vars,omitempty"`
	Condition   string         `yaml:"condition" json:"condition,omitempty"`
}

// ConditionalMixins appends extra mixins when its condition holds against
// the render context.
type ConditionalMixins struct {
	Condition string   `yaml:"condition" json:"condition"`
	Mixins    []string `yaml:"mixins" json:"mixins"`
}

// ComponentVar declares a variable a component consumes, with an optional
// default applied when the render context omits it.
type ComponentVar struct {
	Default     any    `yaml:"default" json:"default,omitempty"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Component is a parsed markdown component file. The optional YAML
// frontmatter declares its name, variables, and mixins; everything after the
// closing delimiter is the body.
type Component struct {
	Name        string
	Rel         string // slash-separated path under the components root, extension stripped
	Description string
	Variables   map[string]ComponentVar
	Mixins      []string
	Body        string
}

type componentFront struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	Variables   map[string]ComponentVar `yaml:"variables"`
	Mixins      []string                `yaml:"mixins"`
}

func parseComposition(name string, data []byte) (*Composition, error) {
	var doc Composition
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, protocol.NewError(protocol.ErrCompositionInvalid, "failed to parse composition %q: %v", name, err)
	}
	if doc.Name == "" {
		doc.Name = name
	}
	return &doc, nil
}

func parseComponent(rel string, data []byte) (*Component, error) {
	comp := &Component{
		Name: strings.TrimSuffix(rel, ".md"),
		Rel:  strings.TrimSuffix(rel, ".md"),
	}
	body := string(data)
	if strings.HasPrefix(body, "---") {
		parts := strings.SplitN(body, "---", 3)
		if len(parts) == 3 {
			var front componentFront
			if err := yaml.Unmarshal([]byte(parts[1]), &front); err != nil {
				return nil, protocol.NewError(protocol.ErrCompositionInvalid,
					"failed to parse frontmatter of component %q: %v", comp.Rel, err)
			}
			if front.Name != "" {
				comp.Name = front.Name
			}
			comp.Description = front.Description
			comp.Variables = front.Variables
			comp.Mixins = front.Mixins
			comp.Body = strings.TrimSpace(parts[2])
			return comp, nil
		}
	}
	comp.Body = strings.TrimSpace(body)
	return comp, nil
}

// normalizeComponentRel turns a component reference from a composition into
// the canonical slash-separated path under the components root. References
// may carry a leading "components/" and may omit the ".md" extension.
func normalizeComponentRel(source string) string {
	s := filepath.ToSlash(strings.TrimSpace(source))
	s = strings.TrimPrefix(s, "./")
	s = strings.TrimPrefix(s, "components/")
	if path.Ext(s) == "" {
		s += ".md"
	}
	return s
}
