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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/loader"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

const testGraphID = "0b6f3c4e-1a2b-4c3d-8e9f-a0b1c2d3e4f5"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func uid(i int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012x", i)
}

// sink collects whatever a target stream writes.
type sink struct {
	mu    sync.Mutex
	items []any
}

func (s *sink) got() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.items...)
}

func (s *sink) target(id string) *registry.TargetDef {
	return &registry.TargetDef{ID: id, Tag: "mem", WriteFn: func(_ context.Context, _ any, items <-chan any, _ any) error {
		for item := range items {
			s.mu.Lock()
			s.items = append(s.items, item)
			s.mu.Unlock()
		}
		return nil
	}}
}

// rows is a resumable source: the context is the index of the next row.
func rows(id string, data ...any) *registry.SourceDef {
	return &registry.SourceDef{ID: id, Tag: "mem", ReadFn: func(_ context.Context, _ any, resume any, _ any, emit registry.Emit) error {
		start, _ := resume.(int)
		for i := start; i < len(data); i++ {
			if err := emit(data[i], i+1); err != nil {
				return err
			}
		}
		return nil
	}}
}

func source(id int, stream string) graph.Node {
	return graph.Node{ID: uid(id), Type: graph.NodeSource, Provider: "t/mem", Stream: "t/" + stream}
}

func action(id int, name string) graph.Node {
	return graph.Node{ID: uid(id), Type: graph.NodeAction, Action: "t/" + name}
}

func target(id int, stream string) graph.Node {
	return graph.Node{ID: uid(id), Type: graph.NodeTarget, Provider: "t/mem", Stream: "t/" + stream}
}

func edge(from, to int) graph.Edge {
	return graph.Edge{From: uid(from), To: uid(to)}
}

func newRegistry(t *testing.T, streams []registry.Stream, actions ...registry.Action) *registry.Registry {
	t.Helper()
	pass := registry.MapAction("pass", registry.TypeAny, registry.TypeAny, nil, func(_ context.Context, item any, _ any) (any, error) {
		return item, nil
	})
	reg := registry.New()
	require.NoError(t, reg.Load(registry.Module{
		Name:      "t",
		Providers: []registry.Provider{&registry.ProviderDef{ID: "mem", Tag: "mem"}},
		Streams:   streams,
		Actions:   append([]registry.Action{pass}, actions...),
	}))
	return reg
}

func runGraph(t *testing.T, ctx context.Context, reg *registry.Registry, def *graph.Definition, cfg Config, opts ExecuteOptions) (*RunResult, error) {
	t.Helper()
	plan, bindings, err := compiler.Prepare(def, nil, reg)
	require.NoError(t, err)
	if cfg.Logger == nil {
		cfg.Logger = quiet
	}
	return NewScheduler(cfg).Run(ctx, plan, bindings, opts)
}

func TestRun_FanOutDeliversToEveryBranch(t *testing.T) {
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{rows("rows", 1, 2, 3), out.target("sink")})
	def := &graph.Definition{
		ID:    testGraphID,
		Nodes: []graph.Node{source(1, "rows"), action(2, "pass"), action(3, "pass"), target(4, "sink")},
		Edges: []graph.Edge{edge(1, 2), edge(1, 3), edge(2, 4), edge(3, 4)},
	}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.ElementsMatch(t, []any{1, 1, 2, 2, 3, 3}, out.got())
	assert.Equal(t, int64(3), res.Nodes[uid(1)].ItemsOut)
	assert.Equal(t, int64(6), res.Nodes[uid(4)].ItemsIn)
	for _, n := range res.Nodes {
		assert.Equal(t, NodeSuccess, n.Status)
		assert.Equal(t, 1, n.Attempts)
	}
}

func TestRun_RetryRecoversFromTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := &registry.SourceDef{ID: "flaky", Tag: "mem", ReadFn: func(_ context.Context, _ any, _ any, _ any, emit registry.Emit) error {
		if calls.Add(1) <= 2 {
			return errors.New("connection reset")
		}
		return emit("ok", nil)
	}}
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{flaky, out.target("sink")})

	src := source(1, "flaky")
	src.Retry = &graph.RetryPolicy{MaxRetries: 2, Backoff: graph.BackoffExponential, InitialDelayMs: 1}
	def := &graph.Definition{ID: testGraphID, Nodes: []graph.Node{src, target(2, "sink")}, Edges: []graph.Edge{edge(1, 2)}}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, res.Nodes[uid(1)].Attempts)
	assert.Equal(t, []any{"ok"}, out.got())
}

func TestRun_NonRetryableErrorFailsAfterOneAttempt(t *testing.T) {
	var calls atomic.Int32
	broken := &registry.SourceDef{ID: "broken", Tag: "mem", ReadFn: func(context.Context, any, any, any, registry.Emit) error {
		calls.Add(1)
		return pipeerr.Permanent(errors.New("table does not exist"))
	}}
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{broken, out.target("sink")})

	src := source(1, "broken")
	src.Retry = &graph.RetryPolicy{MaxRetries: 5, InitialDelayMs: 1}
	def := &graph.Definition{ID: testGraphID, Nodes: []graph.Node{src, target(2, "sink")}, Edges: []graph.Edge{edge(1, 2)}}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, NodeFailure, res.Nodes[uid(1)].Status)
	assert.Contains(t, res.Nodes[uid(1)].Error, "table does not exist")

	// The starved target still succeeds with nothing to write.
	assert.Equal(t, NodeSuccess, res.Nodes[uid(2)].Status)
	assert.Equal(t, int64(0), res.Nodes[uid(2)].ItemsIn)
	assert.Equal(t, RunPartialFailure, res.Status)
}

func TestRun_PartialFailureIsolatesBranches(t *testing.T) {
	good := &sink{}
	bad := &registry.TargetDef{ID: "bad", Tag: "mem", WriteFn: func(_ context.Context, _ any, items <-chan any, _ any) error {
		for range items {
			return pipeerr.Permanent(errors.New("disk full"))
		}
		return nil
	}}
	reg := newRegistry(t, []registry.Stream{rows("rows", "a", "b", "c"), good.target("good"), bad})
	def := &graph.Definition{
		ID:    testGraphID,
		Nodes: []graph.Node{source(1, "rows"), target(2, "good"), target(3, "bad")},
		Edges: []graph.Edge{edge(1, 2), edge(1, 3)},
	}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunPartialFailure, res.Status)
	assert.Equal(t, NodeSuccess, res.Nodes[uid(2)].Status)
	assert.Equal(t, NodeFailure, res.Nodes[uid(3)].Status)
	assert.Equal(t, []any{"a", "b", "c"}, good.got())
	assert.ElementsMatch(t, []string{uid(3)}, res.Failed())
}

func TestRun_AllNodesFailing(t *testing.T) {
	broken := &registry.SourceDef{ID: "broken", Tag: "mem", ReadFn: func(context.Context, any, any, any, registry.Emit) error {
		return pipeerr.Permanent(errors.New("nope"))
	}}
	reg := newRegistry(t, []registry.Stream{broken})
	def := &graph.Definition{ID: testGraphID, Nodes: []graph.Node{source(1, "broken")}}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunFailure, res.Status)
}

func TestRun_PreCancelledContextStartsNothing(t *testing.T) {
	var calls atomic.Int32
	src := &registry.SourceDef{ID: "src", Tag: "mem", ReadFn: func(context.Context, any, any, any, registry.Emit) error {
		calls.Add(1)
		return nil
	}}
	reg := newRegistry(t, []registry.Stream{src})
	def := &graph.Definition{ID: testGraphID, Nodes: []graph.Node{source(1, "src")}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := runGraph(t, ctx, reg, def, Config{}, ExecuteOptions{})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, pipeerr.ErrCancelled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRun_CancelMidRunSettles(t *testing.T) {
	started := make(chan struct{})
	var disconnected atomic.Bool
	blocking := &registry.SourceDef{ID: "blocking", Tag: "mem", ReadFn: func(ctx context.Context, _ any, _ any, _ any, emit registry.Emit) error {
		if err := emit("first", nil); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	out := &sink{}
	reg := registry.New()
	require.NoError(t, reg.Load(registry.Module{
		Name: "t",
		Providers: []registry.Provider{&registry.ProviderDef{ID: "mem", Tag: "mem",
			ConnectFn: func(context.Context, any) (*registry.Client, error) {
				return &registry.Client{Disconnect: func(context.Context) error {
					disconnected.Store(true)
					return nil
				}}, nil
			}}},
		Streams: []registry.Stream{blocking, out.target("sink")},
	}))
	def := &graph.Definition{
		ID:          testGraphID,
		Nodes:       []graph.Node{source(1, "blocking"), target(2, "sink")},
		Edges:       []graph.Edge{edge(1, 2)},
		Concurrency: &graph.ConcurrencyPolicy{Mode: graph.ModeStreaming},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *RunResult, 1)
	go func() {
		res, err := runGraph(t, ctx, reg, def, Config{}, ExecuteOptions{})
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	cancel()

	select {
	case res := <-done:
		assert.True(t, res.Cancelled)
		assert.Equal(t, NodeFailure, res.Nodes[uid(1)].Status)
		assert.Contains(t, res.Nodes[uid(1)].Error, "cancel")
		assert.True(t, disconnected.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run did not settle")
	}
}

func TestRun_EmptySourceStillSucceeds(t *testing.T) {
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{rows("empty"), out.target("sink")})
	def := &graph.Definition{
		ID:    testGraphID,
		Nodes: []graph.Node{source(1, "empty"), action(2, "pass"), target(3, "sink")},
		Edges: []graph.Edge{edge(1, 2), edge(2, 3)},
	}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, NodeSuccess, res.Nodes[uid(3)].Status)
	assert.Equal(t, int64(0), res.Nodes[uid(3)].ItemsIn)
	assert.Empty(t, out.got())
}

func TestRun_CacheSlotBridgesFragments(t *testing.T) {
	for _, mode := range []graph.Mode{graph.ModeStaged, graph.ModeStreaming} {
		t.Run(string(mode), func(t *testing.T) {
			out := &sink{}
			reg := newRegistry(t, []registry.Stream{rows("rows", 1, 2, 3), out.target("sink")})
			def := &graph.Definition{
				ID:          testGraphID,
				Concurrency: &graph.ConcurrencyPolicy{Mode: mode},
				Nodes: []graph.Node{
					source(1, "rows"),
					{ID: uid(2), Type: graph.NodeCacheOutput, Slot: "S"},
					{ID: uid(3), Type: graph.NodeCacheInput, Slot: "S"},
					target(4, "sink"),
				},
				Edges: []graph.Edge{edge(1, 2), edge(3, 4)},
			}

			var mu sync.Mutex
			seen := map[string]bool{}
			res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{
				OnProgress: func(ev ProgressEvent) {
					mu.Lock()
					seen[ev.NodeID] = true
					mu.Unlock()
				},
			})
			require.NoError(t, err)

			assert.Equal(t, RunSuccess, res.Status)
			assert.Equal(t, []any{1, 2, 3}, out.got())
			assert.Len(t, res.Nodes, 2)
			assert.Equal(t, int64(3), res.Nodes[uid(4)].ItemsIn)
			assert.NotContains(t, res.Nodes, uid(2))
			assert.NotContains(t, res.Nodes, uid(3))

			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[uid(2)], "cache-output never runs")
			assert.False(t, seen[uid(3)], "cache-input never runs")
		})
	}
}

func TestRun_TimeoutFailsNodeAndClosesEdges(t *testing.T) {
	hang := &registry.SourceDef{ID: "hang", Tag: "mem", ReadFn: func(ctx context.Context, _ any, _ any, _ any, _ registry.Emit) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{hang, out.target("sink")})

	src := source(1, "hang")
	src.Timeout = &graph.TimeoutPolicy{Ms: 30}
	src.Retry = &graph.RetryPolicy{MaxRetries: 3}
	def := &graph.Definition{ID: testGraphID, Nodes: []graph.Node{src, target(2, "sink")}, Edges: []graph.Edge{edge(1, 2)}}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, NodeFailure, res.Nodes[uid(1)].Status)
	assert.Contains(t, res.Nodes[uid(1)].Error, "exceeded time budget")
	assert.Equal(t, NodeSuccess, res.Nodes[uid(2)].Status)
	assert.Equal(t, RunPartialFailure, res.Status)
	assert.False(t, res.Cancelled)
}

func TestRun_SourceRetryResumesFromLastContext(t *testing.T) {
	var calls atomic.Int32
	var starts []any
	data := []any{"a", "b", "c", "d"}
	src := &registry.SourceDef{ID: "src", Tag: "mem", ReadFn: func(_ context.Context, _ any, resume any, _ any, emit registry.Emit) error {
		call := calls.Add(1)
		starts = append(starts, resume)
		start, _ := resume.(int)
		for i := start; i < len(data); i++ {
			if call == 1 && i == 2 {
				return errors.New("stream interrupted")
			}
			if err := emit(data[i], i+1); err != nil {
				return err
			}
		}
		return nil
	}}
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{src, out.target("sink")})

	n := source(1, "src")
	n.Retry = &graph.RetryPolicy{MaxRetries: 1}
	def := &graph.Definition{ID: testGraphID, Nodes: []graph.Node{n, target(2, "sink")}, Edges: []graph.Edge{edge(1, 2)}}

	var mu sync.Mutex
	var contexts []any
	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{
		OnProgress: func(ev ProgressEvent) {
			if ev.NodeID == uid(1) && ev.Context != nil {
				mu.Lock()
				contexts = append(contexts, ev.Context)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, []any{nil, 2}, starts)
	assert.Equal(t, data, out.got())
	assert.Equal(t, []any{1, 2, 3, 4}, contexts)
}

func TestRun_ActionRetryDoesNotDuplicateOutputs(t *testing.T) {
	var attempts atomic.Int32
	flaky := &registry.ActionDef{ID: "flaky", ExecuteFn: func(_ context.Context, _ any, items <-chan any, _ any, emit func(any) error) error {
		attempt := attempts.Add(1)
		seen := 0
		for item := range items {
			if err := emit(item); err != nil {
				return err
			}
			seen++
			if attempt == 1 && seen == 2 {
				return errors.New("worker crashed")
			}
		}
		return nil
	}}
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{rows("rows", 1, 2, 3, 4), out.target("sink")}, flaky)

	act := action(2, "flaky")
	act.Retry = &graph.RetryPolicy{MaxRetries: 2}
	def := &graph.Definition{
		ID:    testGraphID,
		Nodes: []graph.Node{source(1, "rows"), act, target(3, "sink")},
		Edges: []graph.Edge{edge(1, 2), edge(2, 3)},
	}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, 2, res.Nodes[uid(2)].Attempts)
	assert.Equal(t, []any{1, 2, 3, 4}, out.got())
	assert.Equal(t, int64(4), res.Nodes[uid(2)].ItemsIn)
}

func TestRun_LoaderBridgeConvertsEachBlobOnce(t *testing.T) {
	var loads atomic.Int32
	counting := loader.New("counting", registry.TypeDocument, []string{".txt"}, nil,
		func(_ context.Context, blob *registry.Blob) ([]any, error) {
			loads.Add(1)
			return []any{registry.Document{ID: blob.ID, Content: string(blob.Data)}}, nil
		})
	loaders, err := loader.NewRegistry(counting)
	require.NoError(t, err)

	one := &registry.Blob{ID: "gs://b/one.txt", Name: "one.txt", Data: []byte("one")}
	two := &registry.Blob{ID: "gs://b/two.txt", Name: "two.txt", Data: []byte("two")}
	docs := registry.MapAction("docs", registry.TypeDocument, registry.TypeDocument, nil, func(_ context.Context, item any, _ any) (any, error) {
		return item, nil
	})
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{rows("blobs", one, one, two), out.target("sink")}, docs)
	def := &graph.Definition{
		ID:    testGraphID,
		Nodes: []graph.Node{source(1, "blobs"), action(2, "docs"), action(3, "docs"), target(4, "sink")},
		Edges: []graph.Edge{edge(1, 2), edge(1, 3), edge(2, 4), edge(3, 4)},
	}

	res, err := runGraph(t, context.Background(), reg, def, Config{Loaders: loaders}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, int32(2), loads.Load())
	got := out.got()
	require.Len(t, got, 6)
	for _, item := range got {
		assert.IsType(t, registry.Document{}, item)
	}
}

func TestRun_LoaderMissSkipsOrFails(t *testing.T) {
	img := &registry.Blob{ID: "img", Name: "cat.png", Data: []byte{0x89}}
	docs := registry.MapAction("docs", registry.TypeDocument, registry.TypeDocument, nil, func(_ context.Context, item any, _ any) (any, error) {
		return item, nil
	})

	for _, strict := range []bool{false, true} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			out := &sink{}
			reg := newRegistry(t, []registry.Stream{rows("blobs", img), out.target("sink")}, docs)
			def := &graph.Definition{
				ID:    testGraphID,
				Nodes: []graph.Node{source(1, "blobs"), action(2, "docs"), target(3, "sink")},
				Edges: []graph.Edge{edge(1, 2), edge(2, 3)},
			}

			res, err := runGraph(t, context.Background(), reg, def, Config{StrictLoaders: strict}, ExecuteOptions{})
			require.NoError(t, err)
			assert.Empty(t, out.got())
			if strict {
				assert.Equal(t, NodeFailure, res.Nodes[uid(2)].Status)
				assert.Contains(t, res.Nodes[uid(2)].Error, "no loader")
			} else {
				assert.Equal(t, RunSuccess, res.Status)
			}
		})
	}
}

func TestRun_StreamingModeWithSmallBuffers(t *testing.T) {
	data := make([]any, 200)
	for i := range data {
		data[i] = i
	}
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{rows("rows", data...), out.target("sink")})
	def := &graph.Definition{
		ID:          testGraphID,
		Nodes:       []graph.Node{source(1, "rows"), action(2, "pass"), target(3, "sink")},
		Edges:       []graph.Edge{edge(1, 2), edge(2, 3)},
		Concurrency: &graph.ConcurrencyPolicy{Mode: graph.ModeStreaming, BufferSize: 1},
	}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, data, out.got())
}

func TestRun_MaxParallelBoundsRunningNodes(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(id string) *registry.SourceDef {
		return &registry.SourceDef{ID: id, Tag: "mem", ReadFn: func(context.Context, any, any, any, registry.Emit) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}}
	}
	reg := newRegistry(t, []registry.Stream{slow("a"), slow("b"), slow("c")})
	def := &graph.Definition{
		ID:          testGraphID,
		Nodes:       []graph.Node{source(1, "a"), source(2, "b"), source(3, "c")},
		Concurrency: &graph.ConcurrencyPolicy{MaxParallel: 1},
	}

	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_ProgressReportsNodeLifecycle(t *testing.T) {
	out := &sink{}
	reg := newRegistry(t, []registry.Stream{rows("rows", 1), out.target("sink")})
	def := &graph.Definition{ID: testGraphID, Nodes: []graph.Node{source(1, "rows"), target(2, "sink")}, Edges: []graph.Edge{edge(1, 2)}}

	var mu sync.Mutex
	statuses := map[string][]NodeStatus{}
	res, err := runGraph(t, context.Background(), reg, def, Config{}, ExecuteOptions{
		RunID: "run-1",
		OnProgress: func(ev ProgressEvent) {
			assert.Equal(t, "run-1", ev.RunID)
			assert.Equal(t, testGraphID, ev.GraphID)
			mu.Lock()
			statuses[ev.NodeID] = append(statuses[ev.NodeID], ev.Status)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []NodeStatus{NodeRunning, NodeRunning, NodeSuccess}, statuses[uid(1)])
	assert.Equal(t, []NodeStatus{NodeRunning, NodeSuccess}, statuses[uid(2)])
}
