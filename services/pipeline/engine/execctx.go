// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/loader"
)

// DefaultBufferSize sizes edge queues when no policy sets one.
const DefaultBufferSize = 64

// ExecutionContext is the mutable state of one run: a queue per edge, a
// completion signal per node and the per-run loader cache. It is created
// fresh for every run and never shared.
type ExecutionContext struct {
	RunID    string
	Plan     *compiler.Plan
	Bindings *compiler.Bindings
	Loaders  *loader.Cache
	Mode     graph.Mode

	in   map[string][]*Queue
	out  map[string][]*Queue
	done map[string]chan struct{}

	progress func(ProgressEvent)
	logger   *slog.Logger

	mu      sync.Mutex
	results map[string]NodeResult
}

func newExecutionContext(runID string, plan *compiler.Plan, bindings *compiler.Bindings,
	cache *loader.Cache, defaultBuffer int, progress func(ProgressEvent), logger *slog.Logger) *ExecutionContext {
	if defaultBuffer < 1 {
		defaultBuffer = DefaultBufferSize
	}
	ec := &ExecutionContext{
		RunID:    runID,
		Plan:     plan,
		Bindings: bindings,
		Loaders:  cache,
		Mode:     plan.Definition.GraphMode(),
		in:       make(map[string][]*Queue, len(plan.Order)),
		out:      make(map[string][]*Queue, len(plan.Order)),
		done:     make(map[string]chan struct{}, len(plan.Order)),
		progress: progress,
		logger:   logger,
		results:  make(map[string]NodeResult, len(plan.Order)),
	}
	for _, id := range plan.Order {
		ec.done[id] = make(chan struct{})
	}
	for _, e := range plan.Edges {
		size := defaultBuffer
		if rn := plan.Node(e.From); rn != nil && rn.Concurrency.BufferSize > 0 {
			size = rn.Concurrency.BufferSize
		}
		q := NewQueue(size)
		ec.out[e.From] = append(ec.out[e.From], q)
		ec.in[e.To] = append(ec.in[e.To], q)
	}
	return ec
}

// Inputs returns the queues feeding nodeID, one per incoming edge.
func (ec *ExecutionContext) Inputs(nodeID string) []*Queue { return ec.in[nodeID] }

// Outputs returns the queues nodeID feeds, one per outgoing edge.
func (ec *ExecutionContext) Outputs(nodeID string) []*Queue { return ec.out[nodeID] }

// Done returns the channel closed when nodeID completes.
func (ec *ExecutionContext) Done(nodeID string) <-chan struct{} { return ec.done[nodeID] }

func (ec *ExecutionContext) emit(ev ProgressEvent) {
	if ec.progress == nil {
		return
	}
	ev.RunID = ec.RunID
	ev.GraphID = ec.Plan.Definition.ID
	ec.progress(ev)
}

func (ec *ExecutionContext) record(r NodeResult) {
	ec.mu.Lock()
	ec.results[r.NodeID] = r
	ec.mu.Unlock()
}

func (ec *ExecutionContext) snapshot() map[string]NodeResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]NodeResult, len(ec.results))
	for k, v := range ec.results {
		out[k] = v
	}
	return out
}
