// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redis reads and appends Redis streams.
//
//	redis/server   provider
//	redis/xread    source: stream entries as records, resumable by entry ID
//	redis/xadd     target: one entry per item
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "redis"

// Tag is the client tag of the server provider.
const Tag registry.ClientTag = "redis"

// IDField carries the entry ID in records read from a stream.
const IDField = "_id"

// Streams is the subset of *redis.Client the streams use.
type Streams interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Credentials configure redis/server. URL is a redis:// or rediss:// URL.
type Credentials struct {
	URL string `json:"url" validate:"required"`
}

// Module returns the redis module.
func Module() registry.Module {
	return NewModule(func(ctx context.Context, creds Credentials) (Streams, func() error, error) {
		opts, err := redis.ParseURL(creds.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return rdb, rdb.Close, nil
	})
}

// NewModule returns the redis module using connect for the provider.
func NewModule(connect func(ctx context.Context, creds Credentials) (Streams, func() error, error)) registry.Module {
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "server",
			Tag:         Tag,
			Credentials: schema.Struct[Credentials](),
			ConnectFn: func(ctx context.Context, credentials any) (*registry.Client, error) {
				s, closeFn, err := connect(ctx, credentials.(Credentials))
				if err != nil {
					return nil, err
				}
				return &registry.Client{
					Value: s,
					Disconnect: func(context.Context) error {
						if closeFn == nil {
							return nil
						}
						return closeFn()
					},
				}, nil
			},
		}},
		Streams: []registry.Stream{readSource(), addTarget()},
	}
}

// ReadParams configure redis/xread. Without Follow the source stops at the
// end of the stream; with it, it blocks for new entries until cancelled.
type ReadParams struct {
	Stream  string `json:"stream" validate:"required"`
	Count   int64  `json:"count" validate:"omitempty,min=1"`
	Follow  bool   `json:"follow"`
	BlockMs int    `json:"blockMs" validate:"omitempty,min=1"`
}

// Cursor is the resumption context of redis/xread.
type Cursor struct {
	LastID string `json:"lastId"`
}

func readSource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:      "xread",
		Tag:     Tag,
		Params:  schema.Struct[ReadParams](),
		Context: schema.Struct[Cursor](),
		Output:  registry.TypeRecord,
		ReadFn: func(ctx context.Context, client any, resume any, params any, emit registry.Emit) error {
			return Read(ctx, client.(Streams), params.(ReadParams), resume.(Cursor), emit)
		},
	}
}

// Read emits entries after cur.LastID.
func Read(ctx context.Context, s Streams, p ReadParams, cur Cursor, emit registry.Emit) error {
	last := cur.LastID
	if last == "" {
		last = "0"
	}
	count := p.Count
	if count == 0 {
		count = 100
	}
	block := time.Duration(-1)
	if p.Follow {
		block = time.Second
		if p.BlockMs > 0 {
			block = time.Duration(p.BlockMs) * time.Millisecond
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.XRead(ctx, &redis.XReadArgs{Streams: []string{p.Stream, last}, Count: count, Block: block}).Result()
		if errors.Is(err, redis.Nil) {
			if !p.Follow {
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return pipeerr.Storage("redis xread", err)
		}

		n := 0
		for _, stream := range res {
			for _, msg := range stream.Messages {
				rec := make(map[string]any, len(msg.Values)+1)
				for k, v := range msg.Values {
					rec[k] = v
				}
				rec[IDField] = msg.ID
				last = msg.ID
				n++
				if err := emit(rec, Cursor{LastID: msg.ID}); err != nil {
					return err
				}
			}
		}
		if n == 0 && !p.Follow {
			return nil
		}
	}
}

// AddParams configure redis/xadd. MaxLen trims the stream approximately.
type AddParams struct {
	Stream string `json:"stream" validate:"required"`
	MaxLen int64  `json:"maxLen" validate:"omitempty,min=1"`
}

func addTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "xadd",
		Tag:    Tag,
		Params: schema.Struct[AddParams](),
		WriteFn: func(ctx context.Context, client any, items <-chan any, params any) error {
			s := client.(Streams)
			p := params.(AddParams)
			for item := range items {
				values, err := Values(item)
				if err != nil {
					return err
				}
				args := &redis.XAddArgs{Stream: p.Stream, Values: values}
				if p.MaxLen > 0 {
					args.MaxLen = p.MaxLen
					args.Approx = true
				}
				if err := s.XAdd(ctx, args).Err(); err != nil {
					return pipeerr.Storage("redis xadd", err)
				}
			}
			return nil
		},
	}
}

// Values flattens an item into entry fields. Records keep their scalar
// fields; nested values are JSON encoded. Other items become a single
// "data" field holding their JSON encoding.
func Values(item any) (map[string]any, error) {
	rec, ok := item.(map[string]any)
	if !ok {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, pipeerr.Permanent(fmt.Errorf("encode item: %w", err))
		}
		return map[string]any{"data": string(b)}, nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == IDField {
			continue
		}
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, []byte:
			out[k] = v
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, pipeerr.Permanent(fmt.Errorf("encode field %s: %w", k, err))
			}
			out[k] = string(b)
		}
	}
	if len(out) == 0 {
		return nil, pipeerr.Permanent(errors.New("record has no fields"))
	}
	return out, nil
}
