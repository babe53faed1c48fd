// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/kaptinlin/jsonrepair"
	"github.com/tmc/langchaingo/documentloaders"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// Default returns a Registry with every built-in loader.
func Default() *Registry {
	r, err := NewRegistry(Text(), HTML(), JSON(), CSVDocuments(), CSVRecords())
	if err != nil {
		// Built-in names are distinct.
		panic(err)
	}
	return r
}

type funcLoader struct {
	name     string
	produces registry.DataType
	exts     []string
	types    []string
	load     func(ctx context.Context, blob *registry.Blob) ([]any, error)
}

func (f *funcLoader) Name() string                { return f.name }
func (f *funcLoader) Produces() registry.DataType { return f.produces }
func (f *funcLoader) Extensions() []string        { return f.exts }
func (f *funcLoader) ContentTypes() []string      { return f.types }

func (f *funcLoader) Load(ctx context.Context, blob *registry.Blob) ([]any, error) {
	return f.load(ctx, blob)
}

// New builds a Loader from a function.
func New(name string, produces registry.DataType, exts, contentTypes []string,
	load func(ctx context.Context, blob *registry.Blob) ([]any, error)) Loader {
	return &funcLoader{name: name, produces: produces, exts: exts, types: contentTypes, load: load}
}

// Text loads plain text and markdown as a single document.
func Text() Loader {
	return New("text", registry.TypeDocument,
		[]string{".txt", ".md", ".markdown", ".log", ".rst"},
		[]string{"text/plain", "text/markdown", "text/x-markdown"},
		func(ctx context.Context, blob *registry.Blob) ([]any, error) {
			docs, err := documentloaders.NewText(bytes.NewReader(blob.Data)).Load(ctx)
			if err != nil {
				return nil, fmt.Errorf("load text %s: %w", blob.Name, err)
			}
			return fromLangchain(blob, docs), nil
		})
}

// HTML converts HTML to markdown and yields one document.
func HTML() Loader {
	return New("html", registry.TypeDocument,
		[]string{".html", ".htm", ".xhtml"},
		[]string{"text/html", "application/xhtml+xml"},
		func(_ context.Context, blob *registry.Blob) ([]any, error) {
			md, err := htmltomarkdown.ConvertString(string(blob.Data))
			if err != nil {
				return nil, fmt.Errorf("convert html %s: %w", blob.Name, err)
			}
			return []any{registry.Document{
				ID:       blob.ID,
				Content:  md,
				Metadata: blobMetadata(blob, map[string]any{"format": "markdown"}),
			}}, nil
		})
}

// JSON decodes records, repairing malformed input first. A top-level array
// yields one record per object element.
func JSON() Loader {
	return New("json", registry.TypeRecord,
		[]string{".json", ".jsonl", ".ndjson"},
		[]string{"application/json", "application/x-ndjson"},
		func(_ context.Context, blob *registry.Blob) ([]any, error) {
			var out []any
			for _, chunk := range jsonChunks(blob) {
				records, err := decodeRecords(chunk)
				if err != nil {
					return nil, fmt.Errorf("load json %s: %w", blob.Name, err)
				}
				out = append(out, records...)
			}
			return out, nil
		})
}

// jsonChunks splits newline-delimited JSON into lines and leaves other
// JSON whole.
func jsonChunks(blob *registry.Blob) []string {
	text := strings.TrimSpace(string(blob.Data))
	ext := strings.ToLower(filepath.Ext(blob.Name))
	if ext != ".jsonl" && ext != ".ndjson" && !strings.Contains(blob.ContentType, "ndjson") {
		return []string{text}
	}
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}

func decodeRecords(text string) ([]any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, errors.Join(err, repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return nil, err
		}
	}
	switch t := v.(type) {
	case map[string]any:
		return []any{t}, nil
	case []any:
		out := make([]any, 0, len(t))
		for i, el := range t {
			m, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not an object", i, el)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("top-level %T is not an object or array", v)
	}
}

// CSVDocuments renders each CSV row as a "column: value" document.
func CSVDocuments() Loader {
	return New("csv-documents", registry.TypeDocument,
		[]string{".csv"},
		[]string{"text/csv"},
		func(ctx context.Context, blob *registry.Blob) ([]any, error) {
			docs, err := documentloaders.NewCSV(bytes.NewReader(blob.Data)).Load(ctx)
			if err != nil {
				return nil, fmt.Errorf("load csv %s: %w", blob.Name, err)
			}
			return fromLangchain(blob, docs), nil
		})
}

// CSVRecords yields each CSV row as a record keyed by the header row.
func CSVRecords() Loader {
	return New("csv-records", registry.TypeRecord,
		[]string{".csv"},
		[]string{"text/csv"},
		func(_ context.Context, blob *registry.Blob) ([]any, error) {
			rd := csv.NewReader(bytes.NewReader(blob.Data))
			var header []string
			var out []any
			for {
				row, err := rd.Read()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return nil, fmt.Errorf("load csv %s: %w", blob.Name, err)
				}
				if header == nil {
					header = row
					continue
				}
				rec := make(map[string]any, len(header))
				for i, col := range header {
					if i < len(row) {
						rec[col] = row[i]
					}
				}
				out = append(out, rec)
			}
			return out, nil
		})
}

func fromLangchain(blob *registry.Blob, docs []lcschema.Document) []any {
	out := make([]any, 0, len(docs))
	for i, d := range docs {
		id := blob.ID
		if len(docs) > 1 {
			id = fmt.Sprintf("%s#%d", blob.ID, i)
		}
		out = append(out, registry.Document{
			ID:       id,
			Content:  d.PageContent,
			Metadata: blobMetadata(blob, d.Metadata),
		})
	}
	return out
}

func blobMetadata(blob *registry.Blob, extra map[string]any) map[string]any {
	md := make(map[string]any, len(blob.Metadata)+len(extra)+2)
	for k, v := range blob.Metadata {
		md[k] = v
	}
	for k, v := range extra {
		md[k] = v
	}
	md["source"] = blob.Name
	if blob.ContentType != "" {
		md["contentType"] = blob.ContentType
	}
	return md
}
