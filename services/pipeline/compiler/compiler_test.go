// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

const testGraphID = "6f1c2b8e-3d4a-4f5b-9c6d-7e8f9a0b1c2d"

type memCreds struct {
	Token string `json:"token" validate:"required"`
}

type memCursor struct {
	Offset int `json:"offset" validate:"min=0"`
}

type chunkParams struct {
	Size int `json:"size" validate:"required,min=1"`
}

func uid(i int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012x", i)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	noop := func(context.Context, any, any, any, registry.Emit) error { return nil }
	reg := registry.New()
	require.NoError(t, reg.Load(registry.Module{
		Name: "t",
		Providers: []registry.Provider{
			&registry.ProviderDef{ID: "mem", Tag: "mem", Credentials: schema.Struct[memCreds]()},
			&registry.ProviderDef{ID: "open", Tag: "mem"},
			&registry.ProviderDef{ID: "ai", Tag: "ai"},
		},
		Actions: []registry.Action{
			registry.MapAction("pass", registry.TypeAny, registry.TypeAny, nil, func(_ context.Context, item any, _ any) (any, error) {
				return item, nil
			}),
			registry.MapAction("chunk", registry.TypeAny, registry.TypeAny, schema.Struct[chunkParams](), func(_ context.Context, item any, _ any) (any, error) {
				return item, nil
			}),
			&registry.ActionDef{ID: "embed", Tag: "ai"},
		},
		Streams: []registry.Stream{
			&registry.SourceDef{ID: "rows", Tag: "mem", Context: schema.Struct[memCursor]().WithDefault(memCursor{Offset: 0}), ReadFn: noop},
			&registry.TargetDef{ID: "sink", Tag: "mem"},
			&registry.SourceDef{ID: "feed", Tag: "ai", ReadFn: noop},
		},
	}))
	return reg
}

func source(id int, ref string) graph.Node {
	return graph.Node{ID: uid(id), Type: graph.NodeSource, Provider: "t/mem", Stream: "t/rows", CredentialsRef: ref}
}

func action(id int, name string) graph.Node {
	return graph.Node{ID: uid(id), Type: graph.NodeAction, Action: name}
}

func target(id int, ref string) graph.Node {
	return graph.Node{ID: uid(id), Type: graph.NodeTarget, Provider: "t/mem", Stream: "t/sink", CredentialsRef: ref}
}

func edge(from, to int) graph.Edge {
	return graph.Edge{From: uid(from), To: uid(to)}
}

func def(nodes []graph.Node, edges ...graph.Edge) *graph.Definition {
	return &graph.Definition{ID: testGraphID, Nodes: nodes, Edges: edges}
}

func validConns() map[string]Connection {
	return map[string]Connection{"db": {Type: "t/mem", Credentials: map[string]any{"token": "s3cret"}}}
}

// =============================================================================
// Validator
// =============================================================================

func TestValidate_ListsEveryDuplicate(t *testing.T) {
	d := def([]graph.Node{action(1, "t/pass"), action(1, "t/pass"), action(2, "t/pass"), action(2, "t/pass")})

	err := Validate(d, testRegistry(t))
	require.ErrorIs(t, err, ErrDuplicateNode)
	require.ErrorIs(t, err, pipeerr.ErrValidation)
	details := pipeerr.Details(err)
	assert.Len(t, details, 2)
}

func TestValidate_ListsEveryDanglingEdge(t *testing.T) {
	d := def([]graph.Node{action(1, "t/pass")}, edge(1, 8), edge(9, 1))

	err := Validate(d, testRegistry(t))
	require.ErrorIs(t, err, ErrDanglingEdge)
	details := pipeerr.Details(err)
	require.Len(t, details, 2)
	assert.Contains(t, details[0], uid(8))
	assert.Contains(t, details[1], uid(9))
}

func TestValidate_Cycle(t *testing.T) {
	d := def([]graph.Node{action(1, "t/pass"), action(2, "t/pass"), action(3, "t/pass")},
		edge(1, 2), edge(2, 3), edge(3, 2))

	err := Validate(d, testRegistry(t))
	require.ErrorIs(t, err, graph.ErrCycle)
	assert.Contains(t, err.Error(), "graph contains a cycle")

	_, err = CompileDefinition(d, testRegistry(t))
	assert.ErrorIs(t, err, graph.ErrCycle)
}

func TestValidate_ListsEveryUnresolvedName(t *testing.T) {
	d := def([]graph.Node{
		{ID: uid(1), Type: graph.NodeSource, Provider: "x/nope", Stream: "t/rows"},
		{ID: uid(2), Type: graph.NodeSource, Provider: "t/mem", Stream: "t/sink"},
		action(3, "x/missing"),
		{ID: uid(4), Type: graph.NodeAction, Action: "t/embed"},
		{ID: uid(5), Type: graph.NodeAction, Action: "t/pass", Provider: "t/mem"},
	})

	err := Validate(d, testRegistry(t))
	require.ErrorIs(t, err, ErrUnresolvedName)
	details := strings.Join(pipeerr.Details(err), "\n")
	assert.Contains(t, details, "provider x/nope is not registered")
	assert.Contains(t, details, "stream t/sink cannot be read as a source")
	assert.Contains(t, details, "action x/missing is not registered")
	assert.Contains(t, details, "action t/embed requires a ai provider")
	assert.Contains(t, details, "action t/pass takes no provider")
}

// =============================================================================
// CacheSlotResolver
// =============================================================================

func TestResolveCacheSlots_BridgesWriterToReader(t *testing.T) {
	// P -> W(S)    R(S) -> Q
	d := def([]graph.Node{
		action(1, "t/pass"),
		{ID: uid(2), Type: graph.NodeCacheOutput, Slot: "S"},
		{ID: uid(3), Type: graph.NodeCacheInput, Slot: "S"},
		action(4, "t/pass"),
	}, edge(1, 2), edge(3, 4))

	res := ResolveCacheSlots(d)
	assert.Equal(t, []graph.Edge{edge(1, 4)}, res.Edges)
	assert.Empty(t, res.Unbridged)

	plan, err := CompileDefinition(d, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, []string{uid(1), uid(4)}, plan.Order)
	for _, e := range plan.Edges {
		assert.NotContains(t, []string{uid(2), uid(3)}, e.From)
		assert.NotContains(t, []string{uid(2), uid(3)}, e.To)
	}
	assert.Nil(t, plan.Node(uid(2)))
}

func TestResolveCacheSlots_EveryPairIsBridged(t *testing.T) {
	d := def([]graph.Node{
		action(1, "t/pass"), action(2, "t/pass"),
		{ID: uid(3), Type: graph.NodeCacheOutput, Slot: "S"},
		{ID: uid(4), Type: graph.NodeCacheInput, Slot: "S"},
		action(5, "t/pass"), action(6, "t/pass"), action(7, "t/pass"),
	}, edge(1, 3), edge(2, 3), edge(4, 5), edge(4, 6), edge(6, 7))

	res := ResolveCacheSlots(d)
	assert.ElementsMatch(t, []graph.Edge{edge(6, 7), edge(1, 5), edge(1, 6), edge(2, 5), edge(2, 6)}, res.Edges)
}

func TestResolveCacheSlots_OneSidedSlotsAreDropped(t *testing.T) {
	d := def([]graph.Node{
		action(1, "t/pass"),
		{ID: uid(2), Type: graph.NodeCacheOutput, Slot: "only-writer"},
		{ID: uid(3), Type: graph.NodeCacheInput, Slot: "only-reader"},
		action(4, "t/pass"),
	}, edge(1, 2), edge(3, 4), edge(1, 4))

	res := ResolveCacheSlots(d)
	assert.Equal(t, []graph.Edge{edge(1, 4)}, res.Edges)
	assert.Equal(t, []string{"only-writer", "only-reader"}, res.Unbridged)

	plan, err := CompileDefinition(d, testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"only-writer", "only-reader"}, plan.Unbridged)
}

func TestBuildPlan_ResolutionCycleIsInternal(t *testing.T) {
	// A -> W(S), R(S) -> A: acyclic raw graph, cyclic once bridged.
	d := def([]graph.Node{
		action(1, "t/pass"),
		{ID: uid(2), Type: graph.NodeCacheOutput, Slot: "S"},
		{ID: uid(3), Type: graph.NodeCacheInput, Slot: "S"},
	}, edge(1, 2), edge(3, 1))

	_, err := CompileDefinition(d, testRegistry(t))
	require.ErrorIs(t, err, ErrResolutionCycle)
	assert.Equal(t, pipeerr.KindRuntime, pipeerr.KindOf(err))
}

// =============================================================================
// Planner
// =============================================================================

func TestBuildPlan_BindsNodes(t *testing.T) {
	d := def([]graph.Node{
		target(3, "db"),
		source(1, "db"),
		{ID: uid(2), Type: graph.NodeAction, Action: "t/chunk", Params: map[string]any{"size": 4},
			Retry: &graph.RetryPolicy{MaxRetries: 3, Backoff: graph.BackoffJitter}},
	}, edge(1, 2), edge(2, 3))
	d.Timeout = &graph.TimeoutPolicy{Ms: 250}

	plan, err := CompileDefinition(d, testRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, []string{uid(1), uid(2), uid(3)}, plan.Order)
	assert.NotNil(t, plan.Node(uid(1)).Source)
	assert.NotNil(t, plan.Node(uid(3)).Target)
	assert.Equal(t, chunkParams{Size: 4}, plan.Node(uid(2)).Params)
	assert.Equal(t, 3, plan.Node(uid(2)).Retry.MaxRetries)
	assert.Equal(t, int64(250), plan.Node(uid(3)).Timeout.Milliseconds())
	assert.Same(t, d, plan.Definition)
}

func TestBuildPlan_RejectsInvalidParamsAndClientMismatch(t *testing.T) {
	d := def([]graph.Node{
		action(1, "t/chunk"),
		{ID: uid(2), Type: graph.NodeSource, Provider: "t/ai", Stream: "t/rows"},
	})

	_, err := CompileDefinition(d, testRegistry(t))
	require.Error(t, err)
	details := strings.Join(pipeerr.Details(err), "\n")
	assert.Contains(t, details, uid(1)+": invalid params")
	assert.Contains(t, details, "needs a mem client but provider ai supplies ai")
}

// TestBuildPlan_OrderProperty checks that for any DAG every edge u->v
// places u before v, including isolated nodes and parallel edges.
func TestBuildPlan_OrderProperty(t *testing.T) {
	reg := testRegistry(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every edge goes forward in the order", prop.ForAll(
		func(n int, density int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			perm := rng.Perm(n)

			nodes := make([]graph.Node, n)
			for i := 0; i < n; i++ {
				// Definition order is shuffled relative to the DAG rank.
				nodes[i] = action(perm[i], "t/pass")
			}
			var edges []graph.Edge
			for i := 0; i < n; i++ {
				for j := i + 1; j < n; j++ {
					if rng.Intn(100) < density {
						edges = append(edges, edge(i, j))
						if rng.Intn(10) == 0 {
							edges = append(edges, edge(i, j))
						}
					}
				}
			}

			plan, err := CompileDefinition(def(nodes, edges...), reg)
			if err != nil {
				return false
			}
			if len(plan.Order) != n {
				return false
			}
			pos := make(map[string]int, n)
			for i, id := range plan.Order {
				pos[id] = i
			}
			for _, e := range plan.Edges {
				if pos[e.From] >= pos[e.To] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 14),
		gen.IntRange(0, 60),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestValidate_CycleProperty checks that any graph with a directed cycle is
// rejected and never planned.
func TestValidate_CycleProperty(t *testing.T) {
	reg := testRegistry(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("cycles are always rejected", prop.ForAll(
		func(n int, start int, length int) bool {
			start = start % n
			if length > n {
				length = n
			}
			nodes := make([]graph.Node, n)
			for i := range nodes {
				nodes[i] = action(i, "t/pass")
			}
			var edges []graph.Edge
			for i := 0; i+1 < n; i++ {
				edges = append(edges, edge(i, i+1))
			}
			// Close a loop over [start, start+length-1].
			end := start + length - 1
			if end >= n {
				end = n - 1
			}
			edges = append(edges, edge(end, start))

			plan, err := CompileDefinition(def(nodes, edges...), reg)
			return plan == nil && err != nil && strings.Contains(err.Error(), "graph contains a cycle")
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 11),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

// =============================================================================
// ConnectionValidator
// =============================================================================

func TestValidateConnections_RoundTrip(t *testing.T) {
	d := def([]graph.Node{source(1, "db"), target(2, "db")}, edge(1, 2))
	reg := testRegistry(t)

	plan, err := CompileDefinition(d, reg)
	require.NoError(t, err)

	b, err := ValidateConnections(plan, validConns())
	require.NoError(t, err)
	require.Len(t, b.Connections, 1)
	assert.Equal(t, memCreds{Token: "s3cret"}, b.Connections["db"].Credentials)
	assert.Same(t, b.Node(uid(1)).Connection, b.Node(uid(2)).Connection, "shared connection is decoded once")
	assert.Equal(t, memCursor{Offset: 0}, b.Node(uid(1)).Resume)

	report := Check(d, validConns(), reg)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)
}

func TestValidateConnections_MissingFieldNamesConnection(t *testing.T) {
	d := def([]graph.Node{source(1, "warehouse")})
	conns := map[string]Connection{"warehouse": {Credentials: map[string]any{}}}

	report := Check(d, conns, testRegistry(t))
	assert.False(t, report.Valid)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "warehouse")
}

func TestValidateConnections_CollectsEveryProblem(t *testing.T) {
	d := def([]graph.Node{
		source(1, "absent"),
		target(2, "wrong-type"),
		{ID: uid(3), Type: graph.NodeSource, Provider: "t/mem", Stream: "t/rows"},
	})
	conns := map[string]Connection{
		"wrong-type": {Type: "t/ai", Credentials: map[string]any{"token": "x"}},
	}

	plan, err := CompileDefinition(d, testRegistry(t))
	require.NoError(t, err)

	_, err = ValidateConnections(plan, conns)
	require.ErrorIs(t, err, ErrInvalidConnection)
	details := strings.Join(pipeerr.Details(err), "\n")
	assert.Contains(t, details, `connection "absent" referenced by node`)
	assert.Contains(t, details, `connection "wrong-type" has type t/ai`)
	assert.Contains(t, details, "invalid credentials for t/mem")
}

func TestValidateConnections_ResumptionContext(t *testing.T) {
	d := def([]graph.Node{source(1, "db")})
	plan, err := CompileDefinition(d, testRegistry(t))
	require.NoError(t, err)

	conns := validConns()
	c := conns["db"]
	c.ResumptionContext = map[string]any{"offset": 42}
	conns["db"] = c

	b, err := ValidateConnections(plan, conns)
	require.NoError(t, err)
	assert.Equal(t, memCursor{Offset: 42}, b.Node(uid(1)).Resume)

	c.ResumptionContext = map[string]any{"offset": -3}
	conns["db"] = c
	_, err = ValidateConnections(plan, conns)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid resumption context")
}

func TestValidateConnections_OpenProviderNeedsNoRef(t *testing.T) {
	d := def([]graph.Node{{ID: uid(1), Type: graph.NodeTarget, Provider: "t/open", Stream: "t/sink"}})
	plan, err := CompileDefinition(d, testRegistry(t))
	require.NoError(t, err)

	b, err := ValidateConnections(plan, nil)
	require.NoError(t, err)
	require.NotNil(t, b.Node(uid(1)))
	assert.Empty(t, b.Connections)
}
