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
	"context"
	"fmt"
	"reflect"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

func passthroughAction() *registry.ActionDef {
	return registry.MapAction("passthrough", registry.TypeAny, registry.TypeAny, nil,
		func(_ context.Context, item any, _ any) (any, error) {
			return item, nil
		})
}

// SelectParams configures core/select.
type SelectParams struct {
	Fields []string `json:"fields" validate:"required,min=1"`
}

func selectAction() *registry.ActionDef {
	return registry.MapAction("select", registry.TypeRecord, registry.TypeRecord, schema.Struct[SelectParams](),
		func(_ context.Context, item any, params any) (any, error) {
			rec, err := asRecord(item)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(params.(SelectParams).Fields))
			for _, f := range params.(SelectParams).Fields {
				if v, ok := rec[f]; ok {
					out[f] = v
				}
			}
			return out, nil
		})
}

// FilterParams configures core/filter. Records whose Field equals Equals
// are kept; values are compared after JSON normalization, so 3 matches
// 3.0.
type FilterParams struct {
	Field  string `json:"field" validate:"required"`
	Equals any    `json:"equals"`
}

func filterAction() *registry.ActionDef {
	return &registry.ActionDef{
		ID:     "filter",
		Params: schema.Struct[FilterParams](),
		Input:  registry.TypeRecord,
		Output: registry.TypeRecord,
		ExecuteFn: func(_ context.Context, _ any, items <-chan any, params any, emit func(any) error) error {
			p := params.(FilterParams)
			want := normalize(p.Equals)
			for item := range items {
				rec, err := asRecord(item)
				if err != nil {
					return err
				}
				if !reflect.DeepEqual(normalize(rec[p.Field]), want) {
					continue
				}
				if err := emit(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// BatchParams configures core/batch.
type BatchParams struct {
	Size int `json:"size" validate:"required,min=1"`
}

func batchAction() *registry.ActionDef {
	return &registry.ActionDef{
		ID:     "batch",
		Params: schema.Struct[BatchParams](),
		ExecuteFn: func(_ context.Context, _ any, items <-chan any, params any, emit func(any) error) error {
			size := params.(BatchParams).Size
			batch := make([]any, 0, size)
			for item := range items {
				batch = append(batch, item)
				if len(batch) < size {
					continue
				}
				if err := emit(batch); err != nil {
					return err
				}
				batch = make([]any, 0, size)
			}
			if len(batch) > 0 {
				return emit(batch)
			}
			return nil
		},
	}
}

func toRecordAction() *registry.ActionDef {
	return registry.MapAction("to-record", registry.TypeDocument, registry.TypeRecord, nil,
		func(_ context.Context, item any, _ any) (any, error) {
			var doc registry.Document
			switch v := item.(type) {
			case registry.Document:
				doc = v
			case *registry.Document:
				doc = *v
			default:
				return nil, pipeerr.Permanent(fmt.Errorf("to-record: expected a document, got %T", item))
			}
			rec := make(map[string]any, len(doc.Metadata)+2)
			for k, v := range doc.Metadata {
				rec[k] = v
			}
			rec["id"] = doc.ID
			rec["content"] = doc.Content
			return rec, nil
		})
}

func asRecord(item any) (map[string]any, error) {
	rec, ok := item.(map[string]any)
	if !ok {
		return nil, pipeerr.Permanent(fmt.Errorf("expected a record, got %T", item))
	}
	return rec, nil
}

// normalize widens numbers to float64 so values decoded from JSON, YAML
// or Go literals compare equal.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case interface{ Float64() (float64, error) }:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}
