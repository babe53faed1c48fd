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
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Validator returns the package-level struct validator so callers can
// register custom tags shared by every Struct schema.
func Validator() *validator.Validate {
	return validate
}

// StructSchema decodes raw values into T and checks T's `validate` tags.
//
// # Description
//
// The raw value is re-encoded through JSON, so `json` tags control field
// names. A nil raw value validates the zero T, which fails when T has
// required fields and passes otherwise. Validate returns a T, never *T.
type StructSchema[T any] struct {
	def   *T
	label string
}

// Struct returns a StructSchema for T.
func Struct[T any]() *StructSchema[T] {
	var zero T
	return &StructSchema[T]{label: fmt.Sprintf("%T", zero)}
}

// WithDefault sets the value returned by Default.
func (s *StructSchema[T]) WithDefault(v T) *StructSchema[T] {
	s.def = &v
	return s
}

// Default returns the configured default, or the zero T.
func (s *StructSchema[T]) Default() any {
	if s.def != nil {
		return *s.def
	}
	var zero T
	return zero
}

// Validate decodes raw into T and runs struct validation.
func (s *StructSchema[T]) Validate(raw any) (any, error) {
	if v, ok := raw.(T); ok {
		return v, s.check(v)
	}
	var out T
	if err := decodeInto(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", s.label, err)
	}
	if err := s.check(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *StructSchema[T]) check(v T) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// Not a struct; nothing to validate.
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("field %s failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%s: %s", s.label, strings.Join(msgs, ", "))
	}
	return fmt.Errorf("%s: %w", s.label, err)
}
