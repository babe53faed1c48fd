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
	"time"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
)

// RunStatus is the aggregated outcome of a run.
type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunFailure        RunStatus = "failure"
	RunPartialFailure RunStatus = "partial_failure"
)

// NodeStatus is the externally visible state of one node. Retries happen
// inside NodeRunning.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeFailure NodeStatus = "failure"
)

// NodeResult records how one node finished.
type NodeResult struct {
	NodeID   string         `json:"nodeId"`
	Name     string         `json:"name,omitempty"`
	Kind     graph.NodeType `json:"kind"`
	Status   NodeStatus     `json:"status"`
	Error    string         `json:"error,omitempty"`
	ItemsIn  int64          `json:"itemsIn"`
	ItemsOut int64          `json:"itemsOut"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// RunResult is returned by a completed run, whatever its outcome.
type RunResult struct {
	RunID       string                `json:"runId"`
	GraphID     string                `json:"graphId"`
	Status      RunStatus             `json:"status"`
	Cancelled   bool                  `json:"cancelled,omitempty"`
	Nodes       map[string]NodeResult `json:"nodes"`
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt time.Time             `json:"completedAt"`
}

// Failed returns the IDs of failed nodes in no particular order.
func (r *RunResult) Failed() []string {
	var ids []string
	for id, n := range r.Nodes {
		if n.Status == NodeFailure {
			ids = append(ids, id)
		}
	}
	return ids
}

// ProgressEvent reports node activity. Sources send one per emitted item
// with Context set to the resumption context that follows it; every node
// sends one when it starts and one when it finishes.
type ProgressEvent struct {
	RunID        string     `json:"runId"`
	GraphID      string     `json:"graphId"`
	NodeID       string     `json:"nodeId"`
	Status       NodeStatus `json:"status"`
	ConnectionID string     `json:"connectionId,omitempty"`
	Context      any        `json:"context,omitempty"`
	Items        int64      `json:"items"`
	Error        string     `json:"error,omitempty"`
}

// ExecuteOptions tunes a single run.
type ExecuteOptions struct {
	// RunID names the run. A random UUID is used when empty.
	RunID string

	// OnProgress receives progress events from node goroutines. It must be
	// safe for concurrent use and return quickly.
	OnProgress func(ProgressEvent)
}

// classify aggregates node outcomes.
func classify(nodes map[string]NodeResult) RunStatus {
	failed := 0
	for _, n := range nodes {
		if n.Status == NodeFailure {
			failed++
		}
	}
	switch {
	case failed == 0:
		return RunSuccess
	case failed == len(nodes):
		return RunFailure
	default:
		return RunPartialFailure
	}
}
