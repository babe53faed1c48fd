// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compiler turns a graph definition into an execution plan.
//
// The pipeline is Parse -> Validate -> ResolveCacheSlots -> BuildPlan ->
// ValidateConnections. Compile runs the first four; connection validation
// happens per run because connections are supplied per run.
package compiler

import (
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// Report is the outcome of a side-effect-free validation pass.
type Report struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Compile parses, validates, resolves and plans raw.
func Compile(raw any, reg *registry.Registry) (*Plan, error) {
	def, err := graph.Parse(raw)
	if err != nil {
		return nil, err
	}
	return CompileDefinition(def, reg)
}

// CompileDefinition is Compile for an already parsed definition.
func CompileDefinition(def *graph.Definition, reg *registry.Registry) (*Plan, error) {
	if err := Validate(def, reg); err != nil {
		return nil, err
	}
	return BuildPlan(def, ResolveCacheSlots(def), reg)
}

// Prepare compiles raw and validates conns against the plan.
func Prepare(raw any, conns map[string]Connection, reg *registry.Registry) (*Plan, *Bindings, error) {
	plan, err := Compile(raw, reg)
	if err != nil {
		return nil, nil, err
	}
	bindings, err := ValidateConnections(plan, conns)
	if err != nil {
		return nil, nil, err
	}
	return plan, bindings, nil
}

// Check runs Prepare and reports every problem instead of returning an
// error. It has no side effects: nothing connects to a provider.
func Check(raw any, conns map[string]Connection, reg *registry.Registry) Report {
	if _, _, err := Prepare(raw, conns, reg); err != nil {
		return Report{Valid: false, Errors: pipeerr.Details(err)}
	}
	return Report{Valid: true, Errors: []string{}}
}
