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
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// ErrInvalidConnection marks connection validation failures.
var ErrInvalidConnection = errors.New("invalid connection")

// Connection is a caller-supplied connection entry. Type, when set, must
// name the provider ("module/name") of every node that references it.
type Connection struct {
	Type              string `json:"type,omitempty" yaml:"type,omitempty"`
	Credentials       any    `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	ResumptionContext any    `json:"resumptionContext,omitempty" yaml:"resumptionContext,omitempty"`
}

// ResolvedConnection is a connection whose credentials were decoded by the
// provider's credential schema.
type ResolvedConnection struct {
	ID          string
	Provider    registry.Provider
	Credentials any
}

// NodeBinding is what a node needs from its connection at run time.
type NodeBinding struct {
	ConnectionID string
	Connection   *ResolvedConnection

	// Resume is the decoded resumption context for source nodes.
	Resume any
}

// Bindings maps node IDs to their validated connections. Nodes that need
// no provider client have no entry.
type Bindings struct {
	Connections map[string]*ResolvedConnection
	Nodes       map[string]*NodeBinding
}

// Node returns the binding of nodeID, or nil.
func (b *Bindings) Node(nodeID string) *NodeBinding {
	if b == nil {
		return nil
	}
	return b.Nodes[nodeID]
}

// ValidateConnections checks credentials and resumption contexts.
//
// # Description
//
// Every node with a provider resolves its credentialsRef in conns and has
// the credentials decoded by the provider's credential schema. A shared
// connection is validated once per provider. A node without a
// credentialsRef validates empty credentials, which passes only for
// providers that need none. Source nodes additionally decode the
// connection's resumption context with the stream's context schema,
// substituting the schema default when the context is absent.
//
// Every problem is collected and returned as one validation error whose
// details name the offending connection id.
func ValidateConnections(plan *Plan, conns map[string]Connection) (*Bindings, error) {
	b := &Bindings{
		Connections: map[string]*ResolvedConnection{},
		Nodes:       map[string]*NodeBinding{},
	}

	var errs error
	for _, id := range plan.Order {
		rn := plan.Nodes[id]
		if rn == nil || rn.Provider == nil {
			continue
		}
		n := rn.Node

		var conn Connection
		if n.CredentialsRef != "" {
			c, ok := conns[n.CredentialsRef]
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("connection %q referenced by node %s is missing", n.CredentialsRef, n.ID))
				continue
			}
			if c.Type != "" && c.Type != n.Provider {
				errs = multierr.Append(errs, fmt.Errorf("connection %q has type %s but node %s uses provider %s",
					n.CredentialsRef, c.Type, n.ID, n.Provider))
				continue
			}
			conn = c
		}

		key := n.CredentialsRef + "\x00" + n.Provider
		rc, done := b.Connections[key]
		if !done {
			creds, err := rn.Provider.CredentialSchema().Validate(conn.Credentials)
			if err != nil {
				label := n.CredentialsRef
				if label == "" {
					label = "(none) for node " + n.ID
				}
				errs = multierr.Append(errs, fmt.Errorf("connection %q: invalid credentials for %s: %v", label, n.Provider, err))
				b.Connections[key] = nil
				continue
			}
			rc = &ResolvedConnection{ID: n.CredentialsRef, Provider: rn.Provider, Credentials: creds}
			b.Connections[key] = rc
		}
		if rc == nil {
			continue
		}

		binding := &NodeBinding{ConnectionID: n.CredentialsRef, Connection: rc}
		if rn.Kind == graph.NodeSource {
			resume, err := decodeResume(rn.Source, conn.ResumptionContext)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("connection %q: invalid resumption context for node %s: %v",
					n.CredentialsRef, n.ID, err))
				continue
			}
			binding.Resume = resume
		}
		b.Nodes[n.ID] = binding
	}

	if errs != nil {
		return nil, phaseError("connection validation failed", ErrInvalidConnection, errs)
	}

	// Re-key by connection id for callers.
	out := make(map[string]*ResolvedConnection, len(b.Connections))
	for _, rc := range b.Connections {
		if rc != nil && rc.ID != "" {
			out[rc.ID] = rc
		}
	}
	b.Connections = out
	return b, nil
}

func decodeResume(src registry.SourceStream, raw any) (any, error) {
	s := src.ContextSchema()
	if raw == nil {
		raw = schema.Initial(s)
	}
	return s.Validate(raw)
}
