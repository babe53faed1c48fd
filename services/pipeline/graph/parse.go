// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
)

// ErrParse marks graph decode failures.
var ErrParse = errors.New("graph parse error")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes raw into a Definition.
//
// # Description
//
// raw may be a *Definition, a Definition, JSON or YAML bytes, a string, or
// an already decoded value such as map[string]any. Unknown fields are
// rejected. Every shape problem found is reported together.
//
// # Outputs
//
//   - *Definition: the decoded graph. Callers must not mutate it.
//   - error: a validation *pipeerr.Error wrapping ErrParse.
func Parse(raw any) (*Definition, error) {
	def, err := decode(raw)
	if err != nil {
		return nil, parseError(err.Error())
	}
	if problems := checkShape(def); len(problems) > 0 {
		return nil, parseError(problems...)
	}
	return def, nil
}

func parseError(details ...string) error {
	e := pipeerr.Validation("parse", ErrParse.Error(), details...)
	e.Err = ErrParse
	return e
}

func decode(raw any) (*Definition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, errors.New("graph definition is empty")
	case *Definition:
		if v == nil {
			return nil, errors.New("graph definition is empty")
		}
		c := *v
		return &c, nil
	case Definition:
		return &v, nil
	case string:
		return decodeBytes([]byte(v))
	case []byte:
		return decodeBytes(v)
	case json.RawMessage:
		return decodeBytes(v)
	default:
		b, err := json.Marshal(normalize(v))
		if err != nil {
			return nil, fmt.Errorf("encode graph: %w", err)
		}
		return decodeStrict(b)
	}
}

// decodeBytes accepts JSON directly and falls back to YAML.
func decodeBytes(b []byte) (*Definition, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, errors.New("graph definition is empty")
	}
	if trimmed[0] == '{' {
		return decodeStrict(trimmed)
	}
	var generic any
	if err := yaml.Unmarshal(trimmed, &generic); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	j, err := json.Marshal(normalize(generic))
	if err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	return decodeStrict(j)
}

func decodeStrict(b []byte) (*Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &def, nil
}

// checkShape runs struct-tag validation plus the per-variant field rules.
func checkShape(def *Definition) []string {
	var problems []string
	if err := validate.Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		where := fmt.Sprintf("node %s", n.ID)
		switch n.Type {
		case NodeSource, NodeTarget:
			if n.Provider == "" {
				problems = append(problems, where+": provider is required")
			}
			if n.Stream == "" {
				problems = append(problems, where+": stream is required")
			}
			if n.Action != "" || n.Slot != "" {
				problems = append(problems, where+": action and slot are not allowed on "+string(n.Type)+" nodes")
			}
		case NodeAction:
			if n.Action == "" {
				problems = append(problems, where+": action is required")
			}
			if n.Stream != "" || n.Slot != "" {
				problems = append(problems, where+": stream and slot are not allowed on action nodes")
			}
		case NodeCacheInput, NodeCacheOutput:
			if n.Slot == "" {
				problems = append(problems, where+": slot is required")
			}
			if n.Provider != "" || n.Stream != "" || n.Action != "" {
				problems = append(problems, where+": cache nodes only carry a slot")
			}
		}
	}
	return problems
}

// normalize converts yaml's map[any]any into map[string]any.
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
