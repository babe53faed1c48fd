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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCreds struct {
	Host string `json:"host" validate:"required"`
	Port int    `json:"port" validate:"omitempty,min=1,max=65535"`
}

type testCursor struct {
	Offset int `json:"offset" validate:"min=0"`
}

func TestStruct_DecodesMap(t *testing.T) {
	s := Struct[testCreds]()

	v, err := s.Validate(map[string]any{"host": "db", "port": 5432})
	require.NoError(t, err)
	assert.Equal(t, testCreds{Host: "db", Port: 5432}, v)
}

func TestStruct_RejectsMissingRequired(t *testing.T) {
	s := Struct[testCreds]()

	_, err := s.Validate(map[string]any{"port": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Host")

	_, err = s.Validate(nil)
	require.Error(t, err)
}

func TestStruct_AcceptsTypedValue(t *testing.T) {
	v, err := Struct[testCreds]().Validate(testCreds{Host: "x"})
	require.NoError(t, err)
	assert.Equal(t, testCreds{Host: "x"}, v)
}

func TestStruct_YAMLStyleMap(t *testing.T) {
	v, err := Struct[testCreds]().Validate(map[any]any{"host": "h"})
	require.NoError(t, err)
	assert.Equal(t, "h", v.(testCreds).Host)
}

func TestStruct_Default(t *testing.T) {
	assert.Equal(t, testCursor{}, Initial(Struct[testCursor]()))
	assert.Equal(t, testCursor{Offset: 3}, Initial(Struct[testCursor]().WithDefault(testCursor{Offset: 3})))
	assert.Nil(t, Initial(Any()))
}

func TestJSON_ValidatesAgainstDocument(t *testing.T) {
	s, err := JSON[map[string]any]("creds", []byte(`{
		"type": "object",
		"required": ["apiKey"],
		"properties": {"apiKey": {"type": "string", "minLength": 1}}
	}`))
	require.NoError(t, err)

	v, err := s.Validate(map[string]any{"apiKey": "k"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"apiKey": "k"}, v)

	_, err = s.Validate(map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creds")
}

func TestJSON_DecodesIntoStruct(t *testing.T) {
	s := MustJSON[testCursor]("cursor", `{"type":"object","properties":{"offset":{"type":"integer","minimum":0}}}`).
		WithDefault(map[string]any{"offset": 0})

	v, err := s.Validate(map[string]any{"offset": 7})
	require.NoError(t, err)
	assert.Equal(t, testCursor{Offset: 7}, v)

	_, err = s.Validate(map[string]any{"offset": -1})
	assert.Error(t, err)
	assert.Equal(t, map[string]any{"offset": 0}, Initial(s))
}

func TestJSON_BadDocument(t *testing.T) {
	_, err := JSON[any]("broken", []byte(`{"type": 12`))
	assert.Error(t, err)
}

func TestAnyAndFunc(t *testing.T) {
	v, err := Any().Validate(42)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	f := Func(func(raw any) (any, error) { return "seen", nil })
	v, err = f.Validate(nil)
	require.NoError(t, err)
	assert.Equal(t, "seen", v)
}
