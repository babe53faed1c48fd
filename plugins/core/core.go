// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package core is the built-in "core" connector module.
//
// It needs no external system: the "local" provider hands out a Local
// client that owns an output writer and named in-memory collections.
//
//	core/local          provider
//	core/values         source: items listed in params
//	core/files          source: local files as blobs
//	core/collect        target: append to a named collection
//	core/stdout         target: JSON lines on the output writer
//	core/jsonl          target: JSON lines appended to a file
//	core/discard        target: drop everything
//	core/passthrough    action: forward items unchanged
//	core/select         action: keep listed record fields
//	core/filter         action: keep records matching a field
//	core/batch          action: group items into fixed-size slices
//	core/to-record      action: document to record
package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// Name is the module name.
const Name = "core"

// Tag is the client tag of the local provider.
const Tag registry.ClientTag = "local"

// Options configures the module.
type Options struct {
	// Stdout receives core/stdout output. Nil means os.Stdout.
	Stdout io.Writer
	Logger *slog.Logger
}

// Local is the client of the core/local provider.
//
// # Thread Safety
//
// Safe for concurrent use.
type Local struct {
	out    io.Writer
	outMu  sync.Mutex
	mu     sync.Mutex
	sets   map[string][]any
	logger *slog.Logger
}

// Collected returns a copy of the named collection.
func (l *Local) Collected(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.sets[name]...)
}

// Reset empties the named collection.
func (l *Local) Reset(name string) {
	l.mu.Lock()
	delete(l.sets, name)
	l.mu.Unlock()
}

func (l *Local) collect(name string, item any) {
	l.mu.Lock()
	l.sets[name] = append(l.sets[name], item)
	l.mu.Unlock()
}

func (l *Local) writeLine(b []byte) error {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	if _, err := l.out.Write(b); err != nil {
		return err
	}
	_, err := l.out.Write([]byte{'\n'})
	return err
}

// New returns the shared Local client and the module exposing it.
func New(opts Options) (*Local, registry.Module) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	local := &Local{out: opts.Stdout, sets: map[string][]any{}, logger: opts.Logger}

	provider := &registry.ProviderDef{
		ID:  "local",
		Tag: Tag,
		ConnectFn: func(context.Context, any) (*registry.Client, error) {
			return &registry.Client{Value: local}, nil
		},
	}
	return local, registry.Module{
		Name:      Name,
		Providers: []registry.Provider{provider},
		Streams: []registry.Stream{
			valuesSource(),
			filesSource(),
			collectTarget(),
			stdoutTarget(),
			jsonlTarget(),
			discardTarget(),
		},
		Actions: []registry.Action{
			passthroughAction(),
			selectAction(),
			filterAction(),
			batchAction(),
			toRecordAction(),
		},
	}
}

// Module returns the module with default options.
func Module() registry.Module {
	_, m := New(Options{})
	return m
}
