// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loader converts raw external bytes into structured items.
//
// When an action or target expects documents or records but receives a
// *registry.Blob, the engine asks a Registry for a Loader matching the
// blob's content type or file extension and the type the consumer wants.
// A per-run Cache guarantees each blob is converted at most once.
package loader

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// ErrNoLoader is returned when no loader matches a blob.
var ErrNoLoader = errors.New("no loader for item")

// ErrDuplicateLoader is returned when two loaders claim the same name.
var ErrDuplicateLoader = errors.New("loader already registered")

// Loader converts a blob into items of one DataType.
type Loader interface {
	Name() string
	Produces() registry.DataType
	Extensions() []string
	ContentTypes() []string
	Load(ctx context.Context, blob *registry.Blob) ([]any, error)
}

// Registry indexes loaders by content type and by file extension.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	names  map[string]struct{}
	byType map[string][]Loader
	byExt  map[string][]Loader
}

// NewRegistry creates a Registry holding loaders.
func NewRegistry(loaders ...Loader) (*Registry, error) {
	r := &Registry{
		names:  map[string]struct{}{},
		byType: map[string][]Loader{},
		byExt:  map[string][]Loader{},
	}
	for _, l := range loaders {
		if err := r.Register(l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds l. Later registrations for the same extension or content
// type are consulted after earlier ones.
func (r *Registry) Register(l Loader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[l.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLoader, l.Name())
	}
	r.names[l.Name()] = struct{}{}
	for _, ct := range l.ContentTypes() {
		ct = strings.ToLower(ct)
		r.byType[ct] = append(r.byType[ct], l)
	}
	for _, ext := range l.Extensions() {
		ext = strings.ToLower(ext)
		r.byExt[ext] = append(r.byExt[ext], l)
	}
	return nil
}

// Find returns the loader for blob producing want. The content type is
// consulted first, then the extension of the blob name.
func (r *Registry) Find(blob *registry.Blob, want registry.DataType) (Loader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if blob.ContentType != "" {
		mt, _, err := mime.ParseMediaType(blob.ContentType)
		if err == nil {
			if l, ok := pick(r.byType[strings.ToLower(mt)], want); ok {
				return l, true
			}
		}
	}
	ext := strings.ToLower(filepath.Ext(blob.Name))
	if ext != "" {
		if l, ok := pick(r.byExt[ext], want); ok {
			return l, true
		}
	}
	return nil, false
}

func pick(candidates []Loader, want registry.DataType) (Loader, bool) {
	for _, l := range candidates {
		if l.Produces() == want {
			return l, true
		}
	}
	return nil, false
}
