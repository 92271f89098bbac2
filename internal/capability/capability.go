// Package capability answers whether a model can deliver incremental output.
//
// The built-in table is embedded YAML; deployments extend or override it from
// configuration without code changes. Lookups are exact-match first, then the
// longest matching prefix.
package capability

import (
	_ "embed"
	"fmt"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
)

//go:embed models.yaml
var builtinYAML []byte

// Table is the on-disk shape of models.yaml.
type Table struct {
	Version      string `yaml:"version"`
	NonStreaming Rules  `yaml:"non_streaming"`
	Streaming    Rules  `yaml:"streaming"`
}

// Rules lists exact model ids and id prefixes.
type Rules struct {
	Exact    []string `yaml:"exact"`
	Prefixes []string `yaml:"prefixes"`
}

// Capability is derived per model, never stored.
type Capability struct {
	Model     string
	Streaming bool
}

// Lookup resolves model capabilities.
type Lookup interface {
	Lookup(model string) Capability
}

// Registry is an immutable Lookup built from a table plus overrides.
type Registry struct {
	exact    map[string]bool
	prefixes []prefixRule
}

type prefixRule struct {
	prefix    string
	streaming bool
}

// ParseTable decodes a YAML capability table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse capability table: %w", err)
	}
	return &t, nil
}

// Builtin returns the embedded table.
func Builtin() *Table {
	t, err := ParseTable(builtinYAML)
	if err != nil {
		panic(err)
	}
	return t
}

// NewRegistry builds a registry from the given tables; later tables win.
func NewRegistry(tables ...*Table) *Registry {
	r := &Registry{exact: make(map[string]bool)}
	for _, t := range tables {
		if t == nil {
			continue
		}
		r.add(t.NonStreaming, false)
		r.add(t.Streaming, true)
	}
	return r
}

// FromConfig layers configured overrides on top of the built-in table.
func FromConfig(cfg config.CapabilitiesConfig) *Registry {
	override := &Table{
		NonStreaming: Rules{Exact: cfg.NonStreamingExact, Prefixes: cfg.NonStreamingPrefixes},
		Streaming:    Rules{Exact: cfg.StreamingExact},
	}
	return NewRegistry(Builtin(), override)
}

func (r *Registry) add(rules Rules, streaming bool) {
	for _, m := range rules.Exact {
		r.exact[normalize(m)] = streaming
	}
	for _, p := range rules.Prefixes {
		p = normalize(p)
		replaced := false
		for i := range r.prefixes {
			if r.prefixes[i].prefix == p {
				r.prefixes[i].streaming = streaming
				replaced = true
			}
		}
		if !replaced {
			r.prefixes = append(r.prefixes, prefixRule{prefix: p, streaming: streaming})
		}
	}
}

// Lookup returns the capability for model. Unknown models are assumed to stream.
func (r *Registry) Lookup(model string) Capability {
	key := normalize(model)
	if streaming, ok := r.exact[key]; ok {
		return Capability{Model: model, Streaming: streaming}
	}

	best := -1
	streaming := true
	for _, rule := range r.prefixes {
		if len(rule.prefix) > best && strings.HasPrefix(key, rule.prefix) {
			best = len(rule.prefix)
			streaming = rule.streaming
		}
	}
	return Capability{Model: model, Streaming: streaming}
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// Dynamic is a Lookup whose registry can be replaced at runtime, for example
// after a config reload.
type Dynamic struct {
	current atomic.Pointer[Registry]
}

func NewDynamic(r *Registry) *Dynamic {
	d := &Dynamic{}
	d.current.Store(r)
	return d
}

// Store replaces the active registry.
func (d *Dynamic) Store(r *Registry) {
	d.current.Store(r)
}

func (d *Dynamic) Lookup(model string) Capability {
	return d.current.Load().Lookup(model)
}
