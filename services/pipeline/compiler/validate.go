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

	"go.uber.org/multierr"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// Structural defect classes, checked in this order.
var (
	ErrDuplicateNode  = errors.New("duplicate node id")
	ErrDanglingEdge   = errors.New("edge references unknown node")
	ErrUnresolvedName = errors.New("unresolved registry name")
)

// Validate checks a parsed definition for structural soundness.
//
// # Description
//
// Phases run in order: duplicate IDs, dangling edges, cycles over the raw
// graph (cache nodes included), then registry resolution of every
// provider, stream and action name. Within a phase every defect is
// collected; the first failing phase stops validation.
//
// # Outputs
//
//   - error: a validation *pipeerr.Error whose Details list every defect of
//     the failing phase, and which wraps the phase sentinel.
func Validate(def *graph.Definition, reg *registry.Registry) error {
	if err := checkDuplicates(def); err != nil {
		return phaseError("duplicate node ids", ErrDuplicateNode, err)
	}
	if err := checkDangling(def); err != nil {
		return phaseError("edges reference unknown nodes", ErrDanglingEdge, err)
	}

	ix := graph.NewIndex(def.NodeIDs(), def.Edges)
	if _, err := ix.TopologicalOrder(); err != nil {
		e := pipeerr.Validation("validate", graph.ErrCycle.Error(), err.Error())
		e.Err = err
		return e
	}

	if err := checkNames(def, reg); err != nil {
		return phaseError("unresolved names", ErrUnresolvedName, err)
	}
	return nil
}

func phaseError(msg string, sentinel error, accumulated error) error {
	var details []string
	for _, err := range multierr.Errors(accumulated) {
		details = append(details, err.Error())
	}
	e := pipeerr.Validation("validate", msg, details...)
	e.Err = sentinel
	return e
}

func checkDuplicates(def *graph.Definition) error {
	var errs error
	seen := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		seen[n.ID]++
		if seen[n.ID] == 2 {
			errs = multierr.Append(errs, fmt.Errorf("node id %s is used more than once", n.ID))
		}
	}
	return errs
}

func checkDangling(def *graph.Definition) error {
	known := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		known[n.ID] = struct{}{}
	}

	var errs error
	for i, e := range def.Edges {
		if _, ok := known[e.From]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("edge %d: unknown source node %s", i, e.From))
		}
		if _, ok := known[e.To]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("edge %d: unknown target node %s", i, e.To))
		}
	}
	return errs
}

func checkNames(def *graph.Definition, reg *registry.Registry) error {
	var errs error
	for i := range def.Nodes {
		n := &def.Nodes[i]
		switch n.Type {
		case graph.NodeSource, graph.NodeTarget:
			if _, ok := reg.FindProvider(n.Provider); !ok {
				errs = multierr.Append(errs, fmt.Errorf("node %s: provider %s is not registered", n.ID, n.Provider))
			}
			s, ok := reg.FindStream(n.Stream)
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("node %s: stream %s is not registered", n.ID, n.Stream))
				continue
			}
			if n.Type == graph.NodeSource {
				if _, ok := s.(registry.SourceStream); !ok {
					errs = multierr.Append(errs, fmt.Errorf("node %s: stream %s cannot be read as a source", n.ID, n.Stream))
				}
			} else if _, ok := s.(registry.TargetStream); !ok {
				errs = multierr.Append(errs, fmt.Errorf("node %s: stream %s cannot be written as a target", n.ID, n.Stream))
			}

		case graph.NodeAction:
			a, ok := reg.FindAction(n.Action)
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("node %s: action %s is not registered", n.ID, n.Action))
				continue
			}
			if a.ClientTag() == registry.NoClient {
				if n.Provider != "" {
					errs = multierr.Append(errs, fmt.Errorf("node %s: action %s takes no provider", n.ID, n.Action))
				}
				continue
			}
			if n.Provider == "" {
				errs = multierr.Append(errs, fmt.Errorf("node %s: action %s requires a %s provider", n.ID, n.Action, a.ClientTag()))
				continue
			}
			if _, ok := reg.FindProvider(n.Provider); !ok {
				errs = multierr.Append(errs, fmt.Errorf("node %s: provider %s is not registered", n.ID, n.Provider))
			}
		}
	}
	return errs
}
