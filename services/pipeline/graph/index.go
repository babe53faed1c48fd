// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycle is returned when a graph contains a directed cycle.
var ErrCycle = errors.New("graph contains a cycle")

// CycleError lists the nodes left over by Kahn's algorithm: every node on
// a cycle plus everything downstream of one.
type CycleError struct {
	Nodes []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: unresolved nodes %v", ErrCycle.Error(), e.Nodes)
}

// Unwrap returns ErrCycle.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// Index is an adjacency index over a node table and an edge list. Nodes are
// addressed by position; the index is built once and never mutated.
//
// # Thread Safety
//
// Safe for concurrent reads.
type Index struct {
	ids   []string
	pos   map[string]int
	out   [][]int
	in    [][]int
	edges []Edge
}

// NewIndex builds an index. Edges whose endpoints are not in ids are
// skipped; callers check for dangling edges before indexing.
func NewIndex(ids []string, edges []Edge) *Index {
	ix := &Index{
		ids: append([]string(nil), ids...),
		pos: make(map[string]int, len(ids)),
		out: make([][]int, len(ids)),
		in:  make([][]int, len(ids)),
	}
	for i, id := range ids {
		ix.pos[id] = i
	}
	for _, e := range edges {
		from, okFrom := ix.pos[e.From]
		to, okTo := ix.pos[e.To]
		if !okFrom || !okTo {
			continue
		}
		ix.out[from] = append(ix.out[from], to)
		ix.in[to] = append(ix.in[to], from)
		ix.edges = append(ix.edges, e)
	}
	return ix
}

// Len returns the number of nodes.
func (ix *Index) Len() int { return len(ix.ids) }

// Has reports whether id is indexed.
func (ix *Index) Has(id string) bool {
	_, ok := ix.pos[id]
	return ok
}

// Edges returns the indexed edges.
func (ix *Index) Edges() []Edge {
	return append([]Edge(nil), ix.edges...)
}

// Successors returns the targets of id's outgoing edges, one entry per edge.
func (ix *Index) Successors(id string) []string {
	return ix.names(ix.out, id)
}

// Predecessors returns the sources of id's incoming edges, one entry per
// edge.
func (ix *Index) Predecessors(id string) []string {
	return ix.names(ix.in, id)
}

func (ix *Index) names(adj [][]int, id string) []string {
	p, ok := ix.pos[id]
	if !ok {
		return nil
	}
	out := make([]string, len(adj[p]))
	for i, n := range adj[p] {
		out[i] = ix.ids[n]
	}
	return out
}

// TopologicalOrder runs Kahn's algorithm.
//
// # Description
//
// Nodes with no remaining incoming edges are taken in definition order, so
// the result is deterministic. Parallel edges count once each toward the
// in-degree.
//
// # Outputs
//
//   - []string: node IDs such that every edge u->v has u before v.
//   - error: *CycleError when nodes remain after the queue empties.
func (ix *Index) TopologicalOrder() ([]string, error) {
	inDegree := make([]int, len(ix.ids))
	for i := range ix.ids {
		inDegree[i] = len(ix.in[i])
	}

	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, len(ix.ids))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, ix.ids[n])

		for _, next := range ix.out[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = insertSorted(queue, next)
			}
		}
	}

	if len(order) != len(ix.ids) {
		var remaining []string
		for i, d := range inDegree {
			if d > 0 {
				remaining = append(remaining, ix.ids[i])
			}
		}
		return nil, &CycleError{Nodes: remaining}
	}
	return order, nil
}

func insertSorted(queue []int, v int) []int {
	i := sort.SearchInts(queue, v)
	queue = append(queue, 0)
	copy(queue[i+1:], queue[i:])
	queue[i] = v
	return queue
}
