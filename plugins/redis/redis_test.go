// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/plugins/core"
	"github.com/AleutianAI/AleutianFlow/plugins/plugintest"
	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
)

// memStreams is an in-memory stand-in for a single Redis server.
type memStreams struct {
	mu      sync.Mutex
	entries map[string][]redis.XMessage
	seq     int
	failAdd error
}

func newMem() *memStreams { return &memStreams{entries: map[string][]redis.XMessage{}} }

func idNum(id string) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(id, "-0"))
	return n
}

func (m *memStreams) XRead(_ context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, after := a.Streams[0], idNum(a.Streams[1])
	var msgs []redis.XMessage
	for _, e := range m.entries[name] {
		if idNum(e.ID) > after && int64(len(msgs)) < a.Count {
			msgs = append(msgs, e)
		}
	}
	if len(msgs) == 0 {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: name, Messages: msgs}}, nil)
}

func (m *memStreams) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdd != nil {
		return redis.NewStringResult("", m.failAdd)
	}
	m.seq++
	id := strconv.Itoa(m.seq) + "-0"
	m.entries[a.Stream] = append(m.entries[a.Stream], redis.XMessage{ID: id, Values: a.Values.(map[string]any)})
	return redis.NewStringResult(id, nil)
}

func TestRead_PagesUntilEnd(t *testing.T) {
	mem := newMem()
	for i := 0; i < 5; i++ {
		mem.XAdd(context.Background(), &redis.XAddArgs{Stream: "s", Values: map[string]any{"n": strconv.Itoa(i)}})
	}

	var got []any
	var last Cursor
	err := Read(context.Background(), mem, ReadParams{Stream: "s", Count: 2}, Cursor{LastID: "2-0"}, func(data, resume any) error {
		got = append(got, data)
		last = resume.(Cursor)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, map[string]any{"n": "2", IDField: "3-0"}, got[0])
	assert.Equal(t, Cursor{LastID: "5-0"}, last)
}

func TestRead_FollowStopsOnCancel(t *testing.T) {
	mem := newMem()
	mem.XAdd(context.Background(), &redis.XAddArgs{Stream: "s", Values: map[string]any{"n": "0"}})

	ctx, cancel := context.WithCancel(context.Background())
	err := Read(ctx, mem, ReadParams{Stream: "s", Follow: true}, Cursor{}, func(any, any) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValues(t *testing.T) {
	v, err := Values(map[string]any{"a": 1, "b": map[string]any{"x": true}, IDField: "1-0", "c": nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": `{"x":true}`, "c": ""}, v)

	v, err = Values([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "[1,2]"}, v)

	_, err = Values(map[string]any{IDField: "1-0"})
	assert.Error(t, err)
}

func TestModule_CopiesBetweenStreams(t *testing.T) {
	mem := newMem()
	for i := 0; i < 3; i++ {
		mem.XAdd(context.Background(), &redis.XAddArgs{Stream: "in", Values: map[string]any{"n": strconv.Itoa(i)}})
	}
	m := NewModule(func(context.Context, Credentials) (Streams, func() error, error) { return mem, nil, nil })
	_, cm := core.New(core.Options{Logger: plugintest.Quiet})
	e := plugintest.Engine(t, cm, m)

	conns := pipeline.Connections{"r": {Type: "redis/server", Credentials: map[string]any{"url": "redis://localhost:6379/0"}}}
	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source("redis/server", "redis/xread", "r", map[string]any{"stream": "in"}),
		plugintest.Target("redis/server", "redis/xadd", "r", map[string]any{"stream": "out"}),
	), conns)
	require.Equal(t, engine.RunSuccess, res.Status)

	require.Len(t, mem.entries["out"], 3)
	assert.Equal(t, map[string]any{"n": "2"}, mem.entries["out"][2].Values)
}

func TestModule_AddFailureFailsTarget(t *testing.T) {
	mem := newMem()
	mem.failAdd = errors.New("READONLY")
	m := NewModule(func(context.Context, Credentials) (Streams, func() error, error) { return mem, nil, nil })
	_, cm := core.New(core.Options{Logger: plugintest.Quiet})
	e := plugintest.Engine(t, cm, m)

	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source("core/local", "core/values", "", map[string]any{"items": []any{map[string]any{"a": "b"}}}),
		plugintest.Target("redis/server", "redis/xadd", "r", map[string]any{"stream": "out"}),
	), pipeline.Connections{"r": {Type: "redis/server", Credentials: map[string]any{"url": "redis://x"}}})
	assert.NotEqual(t, engine.RunSuccess, res.Status)
	assert.Contains(t, res.Nodes[plugintest.NodeID(2)].Error, "READONLY")
}
