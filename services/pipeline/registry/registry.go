// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry resolves "module/name" references to plugin
// implementations.
//
// Plugins are grouped into modules. Loading a module is an explicit,
// ordered step that fails on any name collision and never overwrites an
// existing entry. After loading, lookups are lock-free: every Load
// publishes a fresh immutable snapshot.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Sentinel errors for the registry package.
var (
	// ErrNotFound is returned when a name does not resolve.
	ErrNotFound = errors.New("not found in registry")

	// ErrCollision is returned when a module registers the same name twice
	// for one kind.
	ErrCollision = errors.New("registry name collision")

	// ErrModuleLoaded is returned when a module name is loaded twice.
	ErrModuleLoaded = errors.New("module already loaded")

	// ErrInvalidName is returned for empty names or names containing "/".
	ErrInvalidName = errors.New("invalid registry name")
)

// Kind names the three registrable kinds.
type Kind string

const (
	KindProvider Kind = "provider"
	KindAction   Kind = "action"
	KindStream   Kind = "stream"
)

// Module is a namespaced bundle of plugins. Entry names are local to the
// module; the registry key is "<module>/<name>".
type Module struct {
	Name      string
	Providers []Provider
	Actions   []Action
	Streams   []Stream
}

// Entry describes one registered plugin for catalogue listings.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`
	ClientTag ClientTag `json:"clientTag,omitempty"`
	Source    bool      `json:"source,omitempty"`
	Target    bool      `json:"target,omitempty"`
	Input     DataType  `json:"input,omitempty"`
	Output    DataType  `json:"output,omitempty"`
}

type snapshot struct {
	modules   map[string]struct{}
	providers map[string]Provider
	actions   map[string]Action
	streams   map[string]Stream
}

// Registry maps "module/name" keys to providers, actions and streams.
//
// # Thread Safety
//
// Load serializes writers. Lookups read an atomically published snapshot
// and take no lock.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		modules:   map[string]struct{}{},
		providers: map[string]Provider{},
		actions:   map[string]Action{},
		streams:   map[string]Stream{},
	})
	return r
}

// Key joins a module and a local name.
func Key(module, name string) string {
	return module + "/" + name
}

// Load registers every entry of m.
//
// # Description
//
// Loading is all-or-nothing. Every collision in the module is reported in
// a single error; nothing is registered when any is found.
//
// # Outputs
//
//   - error: ErrModuleLoaded, ErrInvalidName or ErrCollision, wrapped.
func (r *Registry) Load(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !validName(m.Name) {
		return fmt.Errorf("%w: module %q", ErrInvalidName, m.Name)
	}
	cur := r.snap.Load()
	if _, ok := cur.modules[m.Name]; ok {
		return fmt.Errorf("%w: %s", ErrModuleLoaded, m.Name)
	}

	next := &snapshot{
		modules:   cloneMap(cur.modules),
		providers: cloneMap(cur.providers),
		actions:   cloneMap(cur.actions),
		streams:   cloneMap(cur.streams),
	}

	var problems []string
	for _, p := range m.Providers {
		problems = add(next.providers, m.Name, KindProvider, p.Name(), p, problems)
	}
	for _, a := range m.Actions {
		problems = add(next.actions, m.Name, KindAction, a.Name(), a, problems)
	}
	for _, s := range m.Streams {
		problems = add(next.streams, m.Name, KindStream, s.Name(), s, problems)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCollision, strings.Join(problems, "; "))
	}

	next.modules[m.Name] = struct{}{}
	r.snap.Store(next)
	return nil
}

func add[T any](dst map[string]T, module string, kind Kind, name string, v T, problems []string) []string {
	if !validName(name) {
		return append(problems, fmt.Sprintf("%s %q in module %s has an invalid name", kind, name, module))
	}
	key := Key(module, name)
	if _, ok := dst[key]; ok {
		return append(problems, fmt.Sprintf("%s %s registered twice", kind, key))
	}
	dst[key] = v
	return problems
}

// GetProvider resolves a provider or returns ErrNotFound.
func (r *Registry) GetProvider(name string) (Provider, error) {
	if p, ok := r.FindProvider(name); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: provider %s", ErrNotFound, name)
}

// FindProvider probes for a provider.
func (r *Registry) FindProvider(name string) (Provider, bool) {
	p, ok := r.snap.Load().providers[name]
	return p, ok
}

// GetAction resolves an action or returns ErrNotFound.
func (r *Registry) GetAction(name string) (Action, error) {
	if a, ok := r.FindAction(name); ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: action %s", ErrNotFound, name)
}

// FindAction probes for an action.
func (r *Registry) FindAction(name string) (Action, bool) {
	a, ok := r.snap.Load().actions[name]
	return a, ok
}

// GetStream resolves a stream or returns ErrNotFound.
func (r *Registry) GetStream(name string) (Stream, error) {
	if s, ok := r.FindStream(name); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: stream %s", ErrNotFound, name)
}

// FindStream probes for a stream.
func (r *Registry) FindStream(name string) (Stream, bool) {
	s, ok := r.snap.Load().streams[name]
	return s, ok
}

// Modules returns the loaded module names in sorted order.
func (r *Registry) Modules() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.modules))
	for m := range snap.modules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Catalogue lists every registered entry sorted by kind then name.
func (r *Registry) Catalogue() []Entry {
	snap := r.snap.Load()
	var out []Entry
	for name, p := range snap.providers {
		out = append(out, Entry{Kind: KindProvider, Name: name, ClientTag: p.ClientTag()})
	}
	for name, a := range snap.actions {
		out = append(out, Entry{
			Kind:      KindAction,
			Name:      name,
			ClientTag: a.ClientTag(),
			Input:     a.InputType(),
			Output:    a.OutputType(),
		})
	}
	for name, s := range snap.streams {
		e := Entry{Kind: KindStream, Name: name, ClientTag: s.ClientTag()}
		if src, ok := s.(SourceStream); ok {
			e.Source = true
			e.Output = src.OutputType()
		}
		if tgt, ok := s.(TargetStream); ok {
			e.Target = true
			e.Input = tgt.InputType()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, "/")
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+8)
	for k, v := range m {
		out[k] = v
	}
	return out
}
