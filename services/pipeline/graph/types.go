// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph defines the pipeline graph definition, decodes it from
// untyped input and indexes it for traversal.
//
// A Definition is immutable once parsed. Nodes and edges are flat tables
// keyed by node ID; adjacency lives in a separately built Index.
package graph

import (
	"bytes"
	"encoding/json"
	"time"
)

// NodeType discriminates the node variants.
type NodeType string

const (
	NodeSource NodeType = "source"
	NodeAction NodeType = "action"
	NodeTarget NodeType = "target"

	// NodeCacheOutput writes into a named cache slot.
	NodeCacheOutput NodeType = "cache-output"

	// NodeCacheInput reads from a named cache slot.
	NodeCacheInput NodeType = "cache-input"
)

// Backoff selects the delay curve between retry attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
	BackoffJitter      Backoff = "jitter"
)

// Mode selects how nodes are gated on their upstream nodes.
type Mode string

const (
	// ModeStaged starts a node once every upstream node has completed.
	// Edge queues buffer until then, so memory grows with each upstream's
	// total output.
	ModeStaged Mode = "staged"

	// ModeStreaming starts every node at once; bounded edge queues provide
	// backpressure between concurrently running nodes.
	ModeStreaming Mode = "streaming"
)

// RetryPolicy configures attempts after a retryable failure.
type RetryPolicy struct {
	MaxRetries     int     `json:"maxRetries" validate:"min=0,max=100"`
	Backoff        Backoff `json:"backoff,omitempty" validate:"omitempty,oneof=fixed exponential jitter"`
	InitialDelayMs int     `json:"initialDelayMs,omitempty" validate:"min=0"`
	MaxDelayMs     int     `json:"maxDelayMs,omitempty" validate:"min=0"`

	// maxRetriesSet records an explicit maxRetries in the decoded document,
	// so a node can override a graph policy with zero.
	maxRetriesSet bool
}

// UnmarshalJSON decodes p and notes whether maxRetries was present.
func (p *RetryPolicy) UnmarshalJSON(b []byte) error {
	type plain RetryPolicy
	var aux struct {
		plain
		MaxRetries *int `json:"maxRetries"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	*p = RetryPolicy(aux.plain)
	if aux.MaxRetries != nil {
		p.MaxRetries = *aux.MaxRetries
		p.maxRetriesSet = true
	}
	return nil
}

// TimeoutPolicy bounds a node's total execution time, retries included.
type TimeoutPolicy struct {
	Ms int `json:"ms" validate:"min=0"`
}

// Duration returns the budget, or 0 when unset.
func (t *TimeoutPolicy) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.Ms) * time.Millisecond
}

// ConcurrencyPolicy configures queueing and parallelism. At node level only
// BufferSize, RatePerSecond and Burst apply.
type ConcurrencyPolicy struct {
	MaxParallel   int     `json:"maxParallel,omitempty" validate:"min=0"`
	BufferSize    int     `json:"bufferSize,omitempty" validate:"min=0"`
	RatePerSecond float64 `json:"ratePerSecond,omitempty" validate:"min=0"`
	Burst         int     `json:"burst,omitempty" validate:"min=0"`
	Mode          Mode    `json:"mode,omitempty" validate:"omitempty,oneof=staged streaming"`
}

// Node is one vertex of the graph. Type selects which fields apply:
//
//   - source, target: Provider, Stream, CredentialsRef, Params
//   - action: Action, Params, and Provider + CredentialsRef when the
//     action needs a client
//   - cache-output, cache-input: Slot
type Node struct {
	ID             string             `json:"id" validate:"required,uuid"`
	Type           NodeType           `json:"type" validate:"required,oneof=source action target cache-output cache-input"`
	Name           string             `json:"name,omitempty"`
	Provider       string             `json:"provider,omitempty"`
	Stream         string             `json:"stream,omitempty"`
	Action         string             `json:"action,omitempty"`
	CredentialsRef string             `json:"credentialsRef,omitempty"`
	Slot           string             `json:"slot,omitempty"`
	Params         any                `json:"params,omitempty"`
	Retry          *RetryPolicy       `json:"retry,omitempty"`
	Timeout        *TimeoutPolicy     `json:"timeout,omitempty"`
	Concurrency    *ConcurrencyPolicy `json:"concurrency,omitempty"`
}

// IsCache reports whether n is a cache-slot pseudo-node.
func (n *Node) IsCache() bool {
	return n.Type == NodeCacheOutput || n.Type == NodeCacheInput
}

// Label returns the node name when set, else its ID.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Edge is a directed data-flow connection. Parallel edges are legal.
type Edge struct {
	From string `json:"from" validate:"required,uuid"`
	To   string `json:"to" validate:"required,uuid"`
}

// Definition is a parsed graph.
type Definition struct {
	ID          string             `json:"id" validate:"required,uuid"`
	Nodes       []Node             `json:"nodes" validate:"dive"`
	Edges       []Edge             `json:"edges" validate:"dive"`
	Retry       *RetryPolicy       `json:"retry,omitempty"`
	Timeout     *TimeoutPolicy     `json:"timeout,omitempty"`
	Concurrency *ConcurrencyPolicy `json:"concurrency,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// Node returns the node with id, or nil.
func (d *Definition) Node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeIDs returns every node ID in definition order.
func (d *Definition) NodeIDs() []string {
	ids := make([]string, len(d.Nodes))
	for i := range d.Nodes {
		ids[i] = d.Nodes[i].ID
	}
	return ids
}

// EffectiveRetry merges node fields over graph fields one by one. A node
// maxRetries of zero overrides only when it was written explicitly.
func (d *Definition) EffectiveRetry(n *Node) RetryPolicy {
	var out RetryPolicy
	if d.Retry != nil {
		out = *d.Retry
	}
	if r := n.Retry; r != nil {
		if r.maxRetriesSet || r.MaxRetries > 0 {
			out.MaxRetries = r.MaxRetries
		}
		if r.Backoff != "" {
			out.Backoff = r.Backoff
		}
		if r.InitialDelayMs > 0 {
			out.InitialDelayMs = r.InitialDelayMs
		}
		if r.MaxDelayMs > 0 {
			out.MaxDelayMs = r.MaxDelayMs
		}
	}
	out.maxRetriesSet = false
	if out.Backoff == "" {
		out.Backoff = BackoffFixed
	}
	return out
}

// EffectiveTimeout returns the node budget, falling back to the graph's.
func (d *Definition) EffectiveTimeout(n *Node) time.Duration {
	if n.Timeout != nil && n.Timeout.Ms > 0 {
		return n.Timeout.Duration()
	}
	return d.Timeout.Duration()
}

// EffectiveConcurrency merges node fields over graph fields one by one.
func (d *Definition) EffectiveConcurrency(n *Node) ConcurrencyPolicy {
	var out ConcurrencyPolicy
	if d.Concurrency != nil {
		out = *d.Concurrency
	}
	if n.Concurrency != nil {
		if n.Concurrency.BufferSize > 0 {
			out.BufferSize = n.Concurrency.BufferSize
		}
		if n.Concurrency.RatePerSecond > 0 {
			out.RatePerSecond = n.Concurrency.RatePerSecond
		}
		if n.Concurrency.Burst > 0 {
			out.Burst = n.Concurrency.Burst
		}
	}
	return out
}

// GraphMode returns the configured mode, defaulting to ModeStaged.
func (d *Definition) GraphMode() Mode {
	if d.Concurrency == nil || d.Concurrency.Mode == "" {
		return ModeStaged
	}
	return d.Concurrency.Mode
}

// MaxParallel returns the graph-wide cap on running nodes, 0 for none.
func (d *Definition) MaxParallel() int {
	if d.Concurrency == nil {
		return 0
	}
	return d.Concurrency.MaxParallel
}
