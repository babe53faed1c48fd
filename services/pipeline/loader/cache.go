// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// CacheStats counts cache activity.
type CacheStats struct {
	Hits   int64
	Loads  int64
	Misses int64
}

// Cache converts blobs through a Registry, remembering each conversion for
// the lifetime of the Cache. The engine creates one per run.
//
// # Description
//
// Conversions are keyed by blob ID and wanted type. Concurrent requests for
// the same key share one Load call through singleflight, so a blob fanned
// out to several consumers is still converted once.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	reg    *Registry
	strict bool

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string][]any

	hits   atomic.Int64
	loads  atomic.Int64
	misses atomic.Int64
}

// NewCache creates a Cache. With strict set, a blob no loader matches is
// an error; otherwise it converts to nothing and the consumer skips it.
func NewCache(reg *Registry, strict bool) *Cache {
	if reg == nil {
		reg = Default()
	}
	return &Cache{
		reg:     reg,
		strict:  strict,
		entries: map[string][]any{},
	}
}

// Convert returns the items blob converts to for a consumer wanting want.
//
// # Outputs
//
//   - []any: the converted items, shared between callers. Do not mutate.
//   - error: ErrNoLoader in strict mode when nothing matches, or the
//     loader's error. Failed conversions are not cached.
func (c *Cache) Convert(ctx context.Context, blob *registry.Blob, want registry.DataType) ([]any, error) {
	key := string(want) + "\x00" + blob.ID
	if blob.ID == "" {
		key = string(want) + "\x00name:" + blob.Name
	}

	c.mu.RLock()
	items, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return items, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		items, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			c.hits.Add(1)
			return items, nil
		}

		l, found := c.reg.Find(blob, want)
		if !found {
			c.misses.Add(1)
			if c.strict {
				return nil, fmt.Errorf("%w: %s (content type %q) as %s", ErrNoLoader, blob.Name, blob.ContentType, want)
			}
			c.store(key, nil)
			return []any(nil), nil
		}

		c.loads.Add(1)
		out, err := l.Load(ctx, blob)
		if err != nil {
			return nil, err
		}
		c.store(key, out)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

func (c *Cache) store(key string, items []any) {
	c.mu.Lock()
	c.entries[key] = items
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Loads:  c.loads.Load(),
		Misses: c.misses.Load(),
	}
}
