// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package text

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/plugins/core"
	"github.com/AleutianAI/AleutianFlow/plugins/plugintest"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

func TestSplit_ChunksCarryParentMetadata(t *testing.T) {
	doc := registry.Document{
		ID:       "notes.txt",
		Content:  strings.Repeat("word ", 100),
		Metadata: map[string]any{"owner": "ops"},
	}
	chunks, err := Split(doc, ChunkParams{Size: 100, Overlap: 10})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), 100)
		assert.Equal(t, "notes.txt", c.Metadata["parent_source"])
		assert.Equal(t, i, c.Metadata["chunk_index"])
		assert.Equal(t, "ops", c.Metadata["owner"])
	}
	assert.Equal(t, "notes.txt_part_1", chunks[0].ID)
}

func TestSplit_ShortDocumentIsOneChunk(t *testing.T) {
	chunks, err := Split(registry.Document{ID: "d", Content: "short"}, ChunkParams{})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short", chunks[0].Content)
}

func TestSeparators(t *testing.T) {
	assert.Equal(t, markdownSeparators, separators("", "README.md"))
	assert.Equal(t, pythonSeparators, separators("", "main.py"))
	assert.Equal(t, cStyleSeparators, separators("", "main.go"))
	assert.Equal(t, defaultSeparators, separators("", "notes.txt"))
	assert.Equal(t, markdownSeparators, separators("markdown", "notes.txt"))
}

func TestAsDocument(t *testing.T) {
	doc, err := asDocument(map[string]any{"id": "x", "content": "body", "lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, registry.Document{ID: "x", Content: "body", Metadata: map[string]any{"lang": "en"}}, doc)

	_, err = asDocument(42)
	assert.Error(t, err)
}

func TestHTMLToMarkdownInGraph(t *testing.T) {
	local, cm := core.New(core.Options{Logger: plugintest.Quiet})
	e := plugintest.Engine(t, cm, Module())

	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source("core/local", "core/values", "", map[string]any{"items": []any{
			map[string]any{"id": "page", "content": "<h1>Title</h1><p>Body <strong>bold</strong></p>"},
		}}),
		plugintest.Action("text/html-markdown", "", "", nil),
		plugintest.Action("text/chunk", "", "", map[string]any{"format": "markdown"}),
		plugintest.Target("core/local", "core/collect", "", map[string]any{"name": "out"}),
	), nil)
	require.Equal(t, engine.RunSuccess, res.Status)

	got := local.Collected("out")
	require.Len(t, got, 1)
	doc := got[0].(registry.Document)
	assert.Contains(t, doc.Content, "# Title")
	assert.Contains(t, doc.Content, "**bold**")
	assert.Equal(t, "markdown", doc.Metadata["format"])
	assert.Equal(t, "page_part_1", doc.ID)
}
