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

// The Def types implement the contracts from plain fields and functions.
// Plugins use them instead of declaring a type per stream.

// ProviderDef is a Provider built from fields.
type ProviderDef struct {
	ID          string
	Tag         ClientTag
	Credentials schema.Schema
	ConnectFn   func(ctx context.Context, credentials any) (*Client, error)
}

func (p *ProviderDef) Name() string         { return p.ID }
func (p *ProviderDef) ClientTag() ClientTag { return p.Tag }

func (p *ProviderDef) CredentialSchema() schema.Schema {
	if p.Credentials == nil {
		return schema.Any()
	}
	return p.Credentials
}

func (p *ProviderDef) Connect(ctx context.Context, credentials any) (*Client, error) {
	if p.ConnectFn == nil {
		return &Client{}, nil
	}
	return p.ConnectFn(ctx, credentials)
}

// SourceDef is a SourceStream built from fields.
type SourceDef struct {
	ID      string
	Tag     ClientTag
	Params  schema.Schema
	Context schema.Schema
	Output  DataType
	ReadFn  func(ctx context.Context, client any, resume any, params any, emit Emit) error
}

func (s *SourceDef) Name() string                 { return s.ID }
func (s *SourceDef) ClientTag() ClientTag         { return s.Tag }
func (s *SourceDef) ParamSchema() schema.Schema   { return orAny(s.Params) }
func (s *SourceDef) ContextSchema() schema.Schema { return orAny(s.Context) }

func (s *SourceDef) OutputType() DataType {
	if s.Output == "" {
		return TypeAny
	}
	return s.Output
}

func (s *SourceDef) Read(ctx context.Context, client any, resume any, params any, emit Emit) error {
	return s.ReadFn(ctx, client, resume, params, emit)
}

// TargetDef is a TargetStream built from fields.
type TargetDef struct {
	ID      string
	Tag     ClientTag
	Params  schema.Schema
	Input   DataType
	WriteFn func(ctx context.Context, client any, items <-chan any, params any) error
}

func (t *TargetDef) Name() string               { return t.ID }
func (t *TargetDef) ClientTag() ClientTag       { return t.Tag }
func (t *TargetDef) ParamSchema() schema.Schema { return orAny(t.Params) }

func (t *TargetDef) InputType() DataType {
	if t.Input == "" {
		return TypeAny
	}
	return t.Input
}

func (t *TargetDef) Write(ctx context.Context, client any, items <-chan any, params any) error {
	return t.WriteFn(ctx, client, items, params)
}

// ActionDef is an Action built from fields.
type ActionDef struct {
	ID        string
	Tag       ClientTag
	Params    schema.Schema
	Input     DataType
	Output    DataType
	ExecuteFn func(ctx context.Context, client any, items <-chan any, params any, emit func(any) error) error
}

func (a *ActionDef) Name() string               { return a.ID }
func (a *ActionDef) ClientTag() ClientTag       { return a.Tag }
func (a *ActionDef) ParamSchema() schema.Schema { return orAny(a.Params) }

func (a *ActionDef) InputType() DataType {
	if a.Input == "" {
		return TypeAny
	}
	return a.Input
}

func (a *ActionDef) OutputType() DataType {
	if a.Output == "" {
		return TypeAny
	}
	return a.Output
}

func (a *ActionDef) Execute(ctx context.Context, client any, items <-chan any, params any, emit func(any) error) error {
	return a.ExecuteFn(ctx, client, items, params, emit)
}

// MapAction returns an Action applying fn to each item independently.
func MapAction(id string, in, out DataType, params schema.Schema, fn func(ctx context.Context, item any, params any) (any, error)) *ActionDef {
	return &ActionDef{
		ID:     id,
		Params: params,
		Input:  in,
		Output: out,
		ExecuteFn: func(ctx context.Context, _ any, items <-chan any, p any, emit func(any) error) error {
			for item := range items {
				v, err := fn(ctx, item, p)
				if err != nil {
					return err
				}
				if err := emit(v); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func orAny(s schema.Schema) schema.Schema {
	if s == nil {
		return schema.Any()
	}
	return s
}

var (
	_ Provider     = (*ProviderDef)(nil)
	_ SourceStream = (*SourceDef)(nil)
	_ TargetStream = (*TargetDef)(nil)
	_ Action       = (*ActionDef)(nil)
)
