// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// ClientTag is the capability tag a Provider's client carries. A Stream or
// Action that needs a client declares the tag it expects, and the planner
// rejects nodes whose provider tag differs.
type ClientTag string

// NoClient marks an Action that runs without a provider client.
const NoClient ClientTag = ""

// DataType tags the items flowing out of a source or action and into an
// action or target. It drives the loader bridge.
type DataType string

const (
	// TypeAny accepts every item as is.
	TypeAny DataType = "any"

	// TypeBlob is raw external bytes, carried as *Blob.
	TypeBlob DataType = "blob"

	// TypeDocument is a parsed text document, carried as Document.
	TypeDocument DataType = "document"

	// TypeRecord is a structured row, carried as map[string]any.
	TypeRecord DataType = "record"

	// TypeVector is an embedded document, carried as Vector.
	TypeVector DataType = "vector"
)

// Structured reports whether items of type t need parsing from raw bytes.
func (t DataType) Structured() bool {
	return t != TypeAny && t != TypeBlob && t != ""
}

// Blob is an item of raw external bytes, such as an object read from a
// bucket. ID identifies the source item and keys the loader cache.
type Blob struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType,omitempty"`
	Data        []byte            `json:"data"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Document is parsed text with metadata.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Vector is a document paired with its embedding.
type Vector struct {
	Document
	Embedding []float32 `json:"embedding"`
}

// Client is a live provider connection. Value is opaque to the engine and
// handed unchanged to streams and actions.
type Client struct {
	Value      any
	Disconnect func(ctx context.Context) error
}

// Close runs Disconnect when set.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Disconnect == nil {
		return nil
	}
	return c.Disconnect(ctx)
}

// Provider connects to an external system.
type Provider interface {
	Name() string
	ClientTag() ClientTag
	CredentialSchema() schema.Schema
	Connect(ctx context.Context, credentials any) (*Client, error)
}

// Stream is the common part of sources and targets.
type Stream interface {
	Name() string
	ClientTag() ClientTag
	ParamSchema() schema.Schema
}

// Emit hands one item and the resumption context that follows it to the
// engine. A non-nil return means the engine can accept no more items and
// the source must stop.
type Emit func(data any, resume any) error

// SourceStream reads items from a provider client.
//
// Read must call emit once per item, in order, passing the context a
// caller would persist to resume after that item. resume is the decoded
// context to start from.
type SourceStream interface {
	Stream
	ContextSchema() schema.Schema
	OutputType() DataType
	Read(ctx context.Context, client any, resume any, params any, emit Emit) error
}

// TargetStream writes items to a provider client. Write must drain items
// until it is closed or return an error.
type TargetStream interface {
	Stream
	InputType() DataType
	Write(ctx context.Context, client any, items <-chan any, params any) error
}

// Action transforms a sequence of items. client is nil when ClientTag is
// NoClient.
type Action interface {
	Name() string
	ClientTag() ClientTag
	InputType() DataType
	OutputType() DataType
	ParamSchema() schema.Schema
	Execute(ctx context.Context, client any, items <-chan any, params any, emit func(any) error) error
}
