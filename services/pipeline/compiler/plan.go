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
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// ErrResolutionCycle is the internal failure raised when cache-slot
// bridging produced a cycle that raw-graph validation could not see.
var ErrResolutionCycle = errors.New("cache-slot resolution introduced a cycle")

// ResolvedNode is a graph node bound to its concrete implementation.
// Exactly one of Source, Target or Action is set, matching Kind.
type ResolvedNode struct {
	Node *graph.Node
	Kind graph.NodeType

	// Provider is nil for actions that take no client.
	Provider registry.Provider
	Source   registry.SourceStream
	Target   registry.TargetStream
	Action   registry.Action

	// Params is the value returned by the param schema.
	Params any

	Retry       graph.RetryPolicy
	Timeout     time.Duration
	Concurrency graph.ConcurrencyPolicy
}

// ID returns the node ID.
func (r *ResolvedNode) ID() string { return r.Node.ID }

// InputType returns the item type the node consumes.
func (r *ResolvedNode) InputType() registry.DataType {
	switch r.Kind {
	case graph.NodeAction:
		return r.Action.InputType()
	case graph.NodeTarget:
		return r.Target.InputType()
	}
	return registry.TypeAny
}

// Plan is a validated, resolved and ordered graph ready to execute.
//
// The Definition is never mutated; resolution lives in Nodes and Edges.
type Plan struct {
	Definition *graph.Definition
	Nodes      map[string]*ResolvedNode
	Edges      []graph.Edge
	Order      []string
	Index      *graph.Index

	// Unbridged lists cache slots dropped during resolution.
	Unbridged []string
}

// Node returns the resolved node with id, or nil.
func (p *Plan) Node(id string) *ResolvedNode {
	return p.Nodes[id]
}

// BuildPlan orders the resolved graph and binds every node to the registry.
//
// # Description
//
// Kahn's algorithm runs over the resolved edges with cache nodes removed.
// A cycle at this stage is an internal error. Each node's params are
// decoded by its param schema and its client tag is checked against its
// provider's tag. All binding problems are reported together.
func BuildPlan(def *graph.Definition, res SlotResolution, reg *registry.Registry) (*Plan, error) {
	ids := make([]string, 0, len(def.Nodes))
	for i := range def.Nodes {
		if !def.Nodes[i].IsCache() {
			ids = append(ids, def.Nodes[i].ID)
		}
	}

	ix := graph.NewIndex(ids, res.Edges)
	order, err := ix.TopologicalOrder()
	if err != nil {
		e := pipeerr.Runtime(fmt.Errorf("%w: %v", ErrResolutionCycle, err), false)
		e.Op = "plan"
		return nil, e
	}

	plan := &Plan{
		Definition: def,
		Nodes:      make(map[string]*ResolvedNode, len(ids)),
		Edges:      ix.Edges(),
		Order:      order,
		Index:      ix,
		Unbridged:  res.Unbridged,
	}

	var errs error
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.IsCache() {
			continue
		}
		rn, err := resolveNode(def, n, reg)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		plan.Nodes[n.ID] = rn
	}
	if errs != nil {
		return nil, phaseError("node resolution failed", ErrUnresolvedName, errs)
	}
	return plan, nil
}

func resolveNode(def *graph.Definition, n *graph.Node, reg *registry.Registry) (*ResolvedNode, error) {
	rn := &ResolvedNode{
		Node:        n,
		Kind:        n.Type,
		Retry:       def.EffectiveRetry(n),
		Timeout:     def.EffectiveTimeout(n),
		Concurrency: def.EffectiveConcurrency(n),
	}

	var (
		paramSchema schema.Schema
		wantTag     registry.ClientTag
	)

	if n.Provider != "" {
		p, err := reg.GetProvider(n.Provider)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		rn.Provider = p
	}

	switch n.Type {
	case graph.NodeSource, graph.NodeTarget:
		s, err := reg.GetStream(n.Stream)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		if n.Type == graph.NodeSource {
			src, ok := s.(registry.SourceStream)
			if !ok {
				return nil, fmt.Errorf("node %s: stream %s is not a source", n.ID, n.Stream)
			}
			rn.Source = src
		} else {
			tgt, ok := s.(registry.TargetStream)
			if !ok {
				return nil, fmt.Errorf("node %s: stream %s is not a target", n.ID, n.Stream)
			}
			rn.Target = tgt
		}
		paramSchema = s.ParamSchema()
		wantTag = s.ClientTag()

	case graph.NodeAction:
		a, err := reg.GetAction(n.Action)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		rn.Action = a
		paramSchema = a.ParamSchema()
		wantTag = a.ClientTag()
		if wantTag != registry.NoClient && rn.Provider == nil {
			return nil, fmt.Errorf("node %s: action %s requires a %s provider", n.ID, n.Action, wantTag)
		}

	default:
		return nil, fmt.Errorf("node %s: unsupported node type %s", n.ID, n.Type)
	}

	if wantTag != registry.NoClient && rn.Provider != nil && rn.Provider.ClientTag() != wantTag {
		return nil, fmt.Errorf("node %s: needs a %s client but provider %s supplies %s",
			n.ID, wantTag, rn.Provider.Name(), rn.Provider.ClientTag())
	}

	params, err := paramSchema.Validate(n.Params)
	if err != nil {
		return nil, fmt.Errorf("node %s: invalid params: %v", n.ID, err)
	}
	rn.Params = params
	return rn, nil
}
