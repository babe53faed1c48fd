// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// CollectParams configures core/collect.
type CollectParams struct {
	Name string `json:"name" validate:"required"`
}

func collectTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "collect",
		Tag:    Tag,
		Params: schema.Struct[CollectParams](),
		WriteFn: func(_ context.Context, client any, items <-chan any, params any) error {
			local := client.(*Local)
			name := params.(CollectParams).Name
			for item := range items {
				local.collect(name, item)
			}
			return nil
		},
	}
}

func stdoutTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:  "stdout",
		Tag: Tag,
		WriteFn: func(_ context.Context, client any, items <-chan any, _ any) error {
			local := client.(*Local)
			for item := range items {
				b, err := json.Marshal(item)
				if err != nil {
					return pipeerr.Permanent(fmt.Errorf("encode item: %w", err))
				}
				if err := local.writeLine(b); err != nil {
					return pipeerr.Storage("write stdout", err)
				}
			}
			return nil
		},
	}
}

// JSONLParams configures core/jsonl.
type JSONLParams struct {
	Path string `json:"path" validate:"required"`
}

func jsonlTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "jsonl",
		Tag:    Tag,
		Params: schema.Struct[JSONLParams](),
		WriteFn: func(_ context.Context, _ any, items <-chan any, params any) (err error) {
			path := params.(JSONLParams).Path
			if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
				return pipeerr.Storage("create output directory", err)
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err != nil {
				return pipeerr.Storage("open output", err)
			}
			defer func() {
				if cerr := f.Close(); cerr != nil && err == nil {
					err = pipeerr.Storage("close output", cerr)
				}
			}()

			w := bufio.NewWriter(f)
			enc := json.NewEncoder(w)
			for item := range items {
				if err := enc.Encode(item); err != nil {
					return pipeerr.Storage("write output", err)
				}
			}
			if err := w.Flush(); err != nil {
				return pipeerr.Storage("flush output", err)
			}
			return nil
		},
	}
}

func discardTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:  "discard",
		Tag: Tag,
		WriteFn: func(_ context.Context, _ any, items <-chan any, _ any) error {
			for range items {
			}
			return nil
		},
	}
}
