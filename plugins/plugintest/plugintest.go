// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugintest runs small linear graphs against connector modules
// in tests.
package plugintest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// Quiet discards log output.
var Quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// GraphID is the ID of every graph built by Chain.
const GraphID = "7f0c1d2e-3a4b-4c5d-8e6f-708192a3b4c5"

// NodeID returns a deterministic node UUID for position i.
func NodeID(i int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", i)
}

// Source returns a source node. conn may be empty.
func Source(provider, stream, conn string, params any) graph.Node {
	return graph.Node{Type: graph.NodeSource, Provider: provider, Stream: stream, CredentialsRef: conn, Params: params}
}

// Action returns an action node. provider and conn are empty for actions
// without a client.
func Action(action, provider, conn string, params any) graph.Node {
	return graph.Node{Type: graph.NodeAction, Action: action, Provider: provider, CredentialsRef: conn, Params: params}
}

// Target returns a target node.
func Target(provider, stream, conn string, params any) graph.Node {
	return graph.Node{Type: graph.NodeTarget, Provider: provider, Stream: stream, CredentialsRef: conn, Params: params}
}

// Chain links nodes in order into a graph.
func Chain(nodes ...graph.Node) *graph.Definition {
	def := &graph.Definition{ID: GraphID}
	for i, n := range nodes {
		n.ID = NodeID(i + 1)
		def.Nodes = append(def.Nodes, n)
		if i > 0 {
			def.Edges = append(def.Edges, graph.Edge{From: NodeID(i), To: NodeID(i + 1)})
		}
	}
	return def
}

// Engine returns an engine over the given modules, shut down with the test.
func Engine(t *testing.T, modules ...registry.Module) *pipeline.Engine {
	t.Helper()
	reg := registry.New()
	for _, m := range modules {
		require.NoError(t, reg.Load(m))
	}
	e, err := pipeline.New(pipeline.Options{Registry: reg, Logger: Quiet})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// Run executes def to completion and returns its result.
func Run(t *testing.T, e *pipeline.Engine, def *graph.Definition, conns pipeline.Connections) *engine.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := e.ExecuteSync(ctx, def, conns, pipeline.RunOptions{})
	require.NoError(t, err)
	return res
}
