// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONSchema validates raw values against a compiled JSON Schema document
// and decodes accepted values into T. Use T = any to keep the generic
// map/slice representation.
type JSONSchema[T any] struct {
	name     string
	compiled *jsonschema.Schema
	def      any
	hasDef   bool
}

// JSON compiles doc under name. name only needs to be unique within the
// document's own references.
func JSON[T any](name string, doc []byte) (*JSONSchema[T], error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &JSONSchema[T]{name: name, compiled: compiled}, nil
}

// MustJSON is JSON that panics on error. For package-level schema vars.
func MustJSON[T any](name string, doc string) *JSONSchema[T] {
	s, err := JSON[T](name, []byte(doc))
	if err != nil {
		panic(err)
	}
	return s
}

// WithDefault sets the value returned by Default.
func (s *JSONSchema[T]) WithDefault(v any) *JSONSchema[T] {
	s.def = v
	s.hasDef = true
	return s
}

// Default returns the configured default value, or nil.
func (s *JSONSchema[T]) Default() any {
	if s.hasDef {
		return s.def
	}
	return nil
}

// Validate checks raw against the schema and decodes it into T.
func (s *JSONSchema[T]) Validate(raw any) (any, error) {
	encoded, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: encode value: %w", s.name, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%s: decode value: %w", s.name, err)
	}
	if err := s.compiled.Validate(instance); err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}

	var out T
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("%s: decode value: %w", s.name, err)
	}
	return out, nil
}
