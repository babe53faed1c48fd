// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModule(name string) Module {
	return Module{
		Name:      name,
		Providers: []Provider{&ProviderDef{ID: "db", Tag: "sql"}},
		Actions: []Action{MapAction("upper", TypeAny, TypeAny, nil, func(_ context.Context, item any, _ any) (any, error) {
			return item, nil
		})},
		Streams: []Stream{
			&SourceDef{ID: "rows", Tag: "sql"},
			&TargetDef{ID: "sink", Tag: "sql"},
		},
	}
}

func TestRegistry_LoadAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(testModule("sql")))

	p, err := r.GetProvider("sql/db")
	require.NoError(t, err)
	assert.Equal(t, ClientTag("sql"), p.ClientTag())

	_, ok := r.FindAction("sql/upper")
	assert.True(t, ok)

	s, err := r.GetStream("sql/rows")
	require.NoError(t, err)
	_, isSource := s.(SourceStream)
	assert.True(t, isSource)

	assert.Equal(t, []string{"sql"}, r.Modules())
}

func TestRegistry_Miss(t *testing.T) {
	r := New()

	_, err := r.GetProvider("nope/db")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetAction("nope/a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetStream("nope/s")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := r.FindStream("nope/s")
	assert.False(t, ok)
}

func TestRegistry_DuplicateModule(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(testModule("sql")))

	err := r.Load(testModule("sql"))
	assert.ErrorIs(t, err, ErrModuleLoaded)
}

func TestRegistry_CollisionIsAtomic(t *testing.T) {
	r := New()
	m := Module{
		Name: "dup",
		Providers: []Provider{
			&ProviderDef{ID: "a"},
			&ProviderDef{ID: "a"},
		},
		Streams: []Stream{&SourceDef{ID: "x"}, &SourceDef{ID: "x"}},
	}

	err := r.Load(m)
	require.ErrorIs(t, err, ErrCollision)
	assert.Contains(t, err.Error(), "provider dup/a")
	assert.Contains(t, err.Error(), "stream dup/x")

	_, ok := r.FindProvider("dup/a")
	assert.False(t, ok, "nothing registered on collision")
	assert.Empty(t, r.Modules())
}

func TestRegistry_InvalidNames(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Load(Module{Name: ""}), ErrInvalidName)
	assert.ErrorIs(t, r.Load(Module{Name: "a/b"}), ErrInvalidName)

	err := r.Load(Module{Name: "m", Actions: []Action{&ActionDef{ID: "x/y"}}})
	assert.ErrorIs(t, err, ErrCollision)
}

func TestRegistry_Catalogue(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(testModule("sql")))

	cat := r.Catalogue()
	require.Len(t, cat, 4)
	assert.Equal(t, KindAction, cat[0].Kind)
	assert.Equal(t, KindProvider, cat[1].Kind)
	assert.Equal(t, "sql/rows", cat[2].Name)
	assert.True(t, cat[2].Source)
	assert.True(t, cat[3].Target)
}

func TestRegistry_ConcurrentLookups(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(testModule("sql")))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = r.GetProvider("sql/db")
				_, _ = r.FindStream("sql/rows")
			}
		}()
	}
	require.NoError(t, r.Load(testModule("other")))
	wg.Wait()

	assert.Equal(t, []string{"other", "sql"}, r.Modules())
}

func TestDataType_Structured(t *testing.T) {
	assert.False(t, TypeAny.Structured())
	assert.False(t, TypeBlob.Structured())
	assert.True(t, TypeDocument.Structured())
	assert.True(t, TypeRecord.Structured())
}
