// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema provides the validator interface used for provider
// credentials, stream and action params, and source resumption contexts.
//
// A Schema turns an untyped value (usually decoded JSON or YAML) into the
// concrete value a plugin expects, or rejects it. Two implementations are
// provided: Struct, backed by go-playground/validator struct tags, and JSON,
// backed by a compiled JSON Schema document.
package schema

import (
	"encoding/json"
	"fmt"
)

// Schema validates and decodes a raw value.
type Schema interface {
	// Validate checks raw and returns the decoded value on success.
	Validate(raw any) (any, error)
}

// Defaulter is implemented by schemas that supply an initial value when the
// caller provides none. Source context schemas use it for the empty
// resumption context.
type Defaulter interface {
	Default() any
}

// Initial returns the default value of s, or nil when s has none.
func Initial(s Schema) any {
	if d, ok := s.(Defaulter); ok {
		return d.Default()
	}
	return nil
}

// anySchema accepts every value unchanged.
type anySchema struct{}

func (anySchema) Validate(raw any) (any, error) { return raw, nil }

// Any returns a Schema that accepts every value unchanged.
func Any() Schema { return anySchema{} }

// Func adapts a plain function to a Schema.
type Func func(raw any) (any, error)

// Validate calls f.
func (f Func) Validate(raw any) (any, error) { return f(raw) }

// decodeInto re-encodes raw through JSON into out. Values that are already
// the target type pass through the round trip unchanged.
func decodeInto(raw any, out any) error {
	if raw == nil {
		return nil
	}
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		b, err := json.Marshal(normalize(raw))
		if err != nil {
			return fmt.Errorf("encode value: %w", err)
		}
		data = b
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// normalize converts map[any]any values, which yaml decoders may produce,
// into map[string]any so they can be JSON encoded.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = normalize(val)
		}
		return s
	default:
		return v
	}
}
