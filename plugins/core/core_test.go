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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/plugins/plugintest"
	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

const provider = "core/local"

func newLocal(t *testing.T) (*Local, *bytes.Buffer, registry.Module) {
	t.Helper()
	var out bytes.Buffer
	local, m := New(Options{Stdout: &out, Logger: plugintest.Quiet})
	return local, &out, m
}

func TestValuesToCollect(t *testing.T) {
	local, _, m := newLocal(t)
	e := plugintest.Engine(t, m)

	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source(provider, "core/values", "", map[string]any{"items": []any{"a", "b", "c"}}),
		plugintest.Action("core/passthrough", "", "", nil),
		plugintest.Target(provider, "core/collect", "", map[string]any{"name": "out"}),
	), nil)

	assert.Equal(t, engine.RunSuccess, res.Status)
	assert.Equal(t, []any{"a", "b", "c"}, local.Collected("out"))

	local.Reset("out")
	assert.Empty(t, local.Collected("out"))
}

func TestValuesResumesFromOffset(t *testing.T) {
	local, _, m := newLocal(t)
	e := plugintest.Engine(t, m)

	def := plugintest.Chain(
		plugintest.Source(provider, "core/values", "c", map[string]any{"items": []any{1, 2, 3, 4}}),
		plugintest.Target(provider, "core/collect", "c", map[string]any{"name": "out"}),
	)
	conns := pipeline.Connections{"c": {Type: provider, ResumptionContext: map[string]any{"next": 2}}}
	res := plugintest.Run(t, e, def, conns)
	assert.Equal(t, engine.RunSuccess, res.Status)
	// Params round-trip through JSON, so numbers arrive as float64.
	assert.Equal(t, []any{3.0, 4.0}, local.Collected("out"))
}

func TestSelectAndFilter(t *testing.T) {
	local, _, m := newLocal(t)
	e := plugintest.Engine(t, m)

	items := []any{
		map[string]any{"id": 1, "kind": "a", "noise": true},
		map[string]any{"id": 2, "kind": "b", "noise": true},
		map[string]any{"id": 3, "kind": "a", "noise": false},
	}
	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source(provider, "core/values", "", map[string]any{"items": items}),
		plugintest.Action("core/filter", "", "", map[string]any{"field": "kind", "equals": "a"}),
		plugintest.Action("core/select", "", "", map[string]any{"fields": []string{"id"}}),
		plugintest.Target(provider, "core/collect", "", map[string]any{"name": "out"}),
	), nil)

	assert.Equal(t, engine.RunSuccess, res.Status)
	assert.Equal(t, []any{map[string]any{"id": 1.0}, map[string]any{"id": 3.0}}, local.Collected("out"))
}

func TestFilterComparesNumbersLoosely(t *testing.T) {
	assert.Equal(t, normalize(3), normalize(3.0))
	assert.Equal(t, normalize(json.Number("3")), normalize(int64(3)))
	assert.Equal(t, "x", normalize("x"))
}

func TestBatchFlushesRemainder(t *testing.T) {
	local, _, m := newLocal(t)
	e := plugintest.Engine(t, m)

	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source(provider, "core/values", "", map[string]any{"items": []any{1, 2, 3, 4, 5}}),
		plugintest.Action("core/batch", "", "", map[string]any{"size": 2}),
		plugintest.Target(provider, "core/collect", "", map[string]any{"name": "out"}),
	), nil)

	assert.Equal(t, engine.RunSuccess, res.Status)
	assert.Equal(t, []any{[]any{1.0, 2.0}, []any{3.0, 4.0}, []any{5.0}}, local.Collected("out"))
}

func TestSelectRejectsNonRecords(t *testing.T) {
	_, _, m := newLocal(t)
	e := plugintest.Engine(t, m)

	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source(provider, "core/values", "", map[string]any{"items": []any{"plain"}}),
		plugintest.Action("core/select", "", "", map[string]any{"fields": []string{"id"}}),
		plugintest.Target(provider, "core/discard", "", nil),
	), nil)

	assert.NotEqual(t, engine.RunSuccess, res.Status)
	assert.Contains(t, res.Nodes[plugintest.NodeID(2)].Error, "expected a record")
}

func TestFilesToRecordToStdout(t *testing.T) {
	_, out, m := newLocal(t)
	e := plugintest.Engine(t, m)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("second"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("first"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.bin"), []byte{0, 1}, 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "c.txt"), []byte("nested"), 0600))

	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source(provider, "core/files", "", map[string]any{"root": root, "pattern": "*.txt"}),
		plugintest.Action("core/to-record", "", "", nil),
		plugintest.Target(provider, "core/stdout", "", nil),
	), nil)
	require.Equal(t, engine.RunSuccess, res.Status)

	var contents []string
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		contents = append(contents, rec["content"].(string))
	}
	assert.Equal(t, []string{"first", "second"}, contents)
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0750))
	for _, name := range []string{"b.csv", "a.txt", "sub/c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0600))
	}

	got, err := listFiles(FilesParams{Root: root})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.csv"}, got)

	got, err = listFiles(FilesParams{Root: root, Pattern: "*.txt", Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "sub/c.txt"}, got)

	_, err = listFiles(FilesParams{Root: root, Pattern: "["})
	assert.Error(t, err)
}

func TestJSONLAppends(t *testing.T) {
	_, _, m := newLocal(t)
	e := plugintest.Engine(t, m)
	path := filepath.Join(t.TempDir(), "out", "items.jsonl")

	def := plugintest.Chain(
		plugintest.Source(provider, "core/values", "", map[string]any{"items": []any{map[string]any{"n": 1}}}),
		plugintest.Target(provider, "core/jsonl", "", map[string]any{"path": path}),
	)
	plugintest.Run(t, e, def, nil)
	plugintest.Run(t, e, def, nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":1}\n{\"n\":1}\n", string(data))
}
