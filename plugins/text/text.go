// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package text holds document transforms: chunking and HTML to markdown.
package text

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "text"

const (
	DefaultChunkSize = 1000

	// DefaultOverlapRatio sets the overlap to 10% of the chunk size.
	DefaultOverlapRatio = 0.10
)

var (
	defaultSeparators = []string{"\n\n", "\n", " ", ""}
	pythonSeparators  = []string{"\nclass ", "\ndef ", "\n\t", "\n", " "}
	cStyleSeparators  = []string{
		"\nfunction ", "\nclass ", "\ninterface ",
		"\npublic ", "\nprivate ", "\nprotected ",
		"\nfunc", "\ntype",
		"\n\n", "\n", " ", "",
	}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// ChunkParams configures text/chunk.
type ChunkParams struct {
	Size    int `json:"size" validate:"omitempty,min=1"`
	Overlap int `json:"overlap" validate:"omitempty,min=0,ltfield=Size"`

	// Format picks the separators: markdown, python, code or plain. Empty
	// means guess from the document's source name.
	Format string `json:"format" validate:"omitempty,oneof=markdown python code plain"`
}

// Module returns the text module.
func Module() registry.Module {
	return registry.Module{
		Name: Name,
		Actions: []registry.Action{
			chunkAction(),
			markdownAction(),
		},
	}
}

func chunkAction() *registry.ActionDef {
	return &registry.ActionDef{
		ID:     "chunk",
		Params: schema.Struct[ChunkParams](),
		Input:  registry.TypeDocument,
		Output: registry.TypeDocument,
		ExecuteFn: func(ctx context.Context, _ any, items <-chan any, params any, emit func(any) error) error {
			p := params.(ChunkParams)
			for item := range items {
				doc, err := asDocument(item)
				if err != nil {
					return err
				}
				chunks, err := Split(doc, p)
				if err != nil {
					return err
				}
				for _, c := range chunks {
					if err := emit(c); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// Split cuts doc into overlapping chunks. Each chunk keeps the document
// metadata plus parent_source and chunk_index, and gets the ID
// "<doc id>_part_<n>" counted from 1.
func Split(doc registry.Document, p ChunkParams) ([]registry.Document, error) {
	chunks, err := splitterFor(doc, p).SplitText(doc.Content)
	if err != nil {
		return nil, pipeerr.Permanent(fmt.Errorf("split %s: %w", doc.ID, err))
	}
	out := make([]registry.Document, 0, len(chunks))
	for i, c := range chunks {
		md := make(map[string]any, len(doc.Metadata)+2)
		for k, v := range doc.Metadata {
			md[k] = v
		}
		md["parent_source"] = doc.ID
		md["chunk_index"] = i
		out = append(out, registry.Document{
			ID:       fmt.Sprintf("%s_part_%d", doc.ID, i+1),
			Content:  c,
			Metadata: md,
		})
	}
	return out, nil
}

func splitterFor(doc registry.Document, p ChunkParams) textsplitter.TextSplitter {
	size := p.Size
	if size == 0 {
		size = DefaultChunkSize
	}
	overlap := p.Overlap
	if overlap == 0 && p.Size == 0 {
		overlap = int(float64(size) * DefaultOverlapRatio)
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(separators(p.Format, sourceName(doc))),
	)
}

func separators(format, name string) []string {
	if format == "" {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".md", ".markdown":
			format = "markdown"
		case ".py":
			format = "python"
		case ".js", ".ts", ".java", ".c", ".cpp", ".h", ".hpp", ".rs", ".go":
			format = "code"
		}
	}
	switch format {
	case "markdown":
		return markdownSeparators
	case "python":
		return pythonSeparators
	case "code":
		return cStyleSeparators
	default:
		return defaultSeparators
	}
}

func sourceName(doc registry.Document) string {
	if s, ok := doc.Metadata["source"].(string); ok && s != "" {
		return s
	}
	return doc.ID
}

func markdownAction() *registry.ActionDef {
	return registry.MapAction("html-markdown", registry.TypeDocument, registry.TypeDocument, nil,
		func(_ context.Context, item any, _ any) (any, error) {
			doc, err := asDocument(item)
			if err != nil {
				return nil, err
			}
			md, err := htmltomarkdown.ConvertString(doc.Content)
			if err != nil {
				return nil, pipeerr.Permanent(fmt.Errorf("convert %s: %w", doc.ID, err))
			}
			meta := make(map[string]any, len(doc.Metadata)+1)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			meta["format"] = "markdown"
			return registry.Document{ID: doc.ID, Content: md, Metadata: meta}, nil
		})
}

func asDocument(item any) (registry.Document, error) {
	switch v := item.(type) {
	case registry.Document:
		return v, nil
	case *registry.Document:
		return *v, nil
	case string:
		return registry.Document{Content: v}, nil
	case map[string]any:
		doc := registry.Document{Metadata: map[string]any{}}
		for k, val := range v {
			switch k {
			case "id":
				doc.ID = fmt.Sprint(val)
			case "content":
				doc.Content = fmt.Sprint(val)
			default:
				doc.Metadata[k] = val
			}
		}
		return doc, nil
	}
	return registry.Document{}, pipeerr.Permanent(fmt.Errorf("expected a document, got %T", item))
}
