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
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
)

// SlotResolution is the edge set left after cache slots are bridged.
type SlotResolution struct {
	// Edges references no cache node.
	Edges []graph.Edge

	// CacheNodes holds the IDs of every cache-input and cache-output node.
	CacheNodes map[string]struct{}

	// Unbridged lists slots that had only writers or only readers, in
	// order of first appearance. They are dropped without error.
	Unbridged []string
}

// ResolveCacheSlots rewrites named-slot indirection into direct edges.
//
// # Description
//
// For every slot with both writers and readers, each predecessor of a
// writer is connected to each successor of a reader, once per
// writer/reader pair. Edges that touch no cache node pass through. Edges
// into or out of unbridged slots vanish, as does any bridged edge whose
// endpoint is itself a cache node.
func ResolveCacheSlots(def *graph.Definition) SlotResolution {
	res := SlotResolution{CacheNodes: map[string]struct{}{}}

	var slotOrder []string
	writers := map[string][]string{}
	readers := map[string][]string{}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if !n.IsCache() {
			continue
		}
		res.CacheNodes[n.ID] = struct{}{}
		if _, seen := writers[n.Slot]; !seen {
			if _, seen := readers[n.Slot]; !seen {
				slotOrder = append(slotOrder, n.Slot)
			}
		}
		if n.Type == graph.NodeCacheOutput {
			writers[n.Slot] = append(writers[n.Slot], n.ID)
			if _, ok := readers[n.Slot]; !ok {
				readers[n.Slot] = nil
			}
		} else {
			readers[n.Slot] = append(readers[n.Slot], n.ID)
			if _, ok := writers[n.Slot]; !ok {
				writers[n.Slot] = nil
			}
		}
	}

	preds := map[string][]string{}
	succs := map[string][]string{}
	for _, e := range def.Edges {
		_, toCache := res.CacheNodes[e.To]
		_, fromCache := res.CacheNodes[e.From]
		if toCache {
			preds[e.To] = append(preds[e.To], e.From)
		}
		if fromCache {
			succs[e.From] = append(succs[e.From], e.To)
		}
		if !toCache && !fromCache {
			res.Edges = append(res.Edges, e)
		}
	}

	for _, slot := range slotOrder {
		ws, rs := writers[slot], readers[slot]
		if len(ws) == 0 || len(rs) == 0 {
			res.Unbridged = append(res.Unbridged, slot)
			continue
		}
		for _, w := range ws {
			for _, r := range rs {
				for _, p := range preds[w] {
					if _, ok := res.CacheNodes[p]; ok {
						continue
					}
					for _, s := range succs[r] {
						if _, ok := res.CacheNodes[s]; ok {
							continue
						}
						res.Edges = append(res.Edges, graph.Edge{From: p, To: s})
					}
				}
			}
		}
	}
	return res
}
