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
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// ValuesParams configures core/values.
type ValuesParams struct {
	Items []any `json:"items" validate:"required"`
}

// Offset is the resumption context of core/values: the index of the next
// item.
type Offset struct {
	Next int `json:"next" validate:"min=0"`
}

func valuesSource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:      "values",
		Tag:     Tag,
		Params:  schema.Struct[ValuesParams](),
		Context: schema.Struct[Offset](),
		ReadFn: func(ctx context.Context, _ any, resume any, params any, emit registry.Emit) error {
			p := params.(ValuesParams)
			for i := resume.(Offset).Next; i < len(p.Items); i++ {
				if err := emit(p.Items[i], Offset{Next: i + 1}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// FilesParams configures core/files.
type FilesParams struct {
	Root      string `json:"root" validate:"required"`
	Pattern   string `json:"pattern"`
	Recursive bool   `json:"recursive"`
}

// FilesCursor is the resumption context of core/files: the last path
// emitted, relative to the root. Files are read in lexical order.
type FilesCursor struct {
	After string `json:"after"`
}

func filesSource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:      "files",
		Tag:     Tag,
		Params:  schema.Struct[FilesParams](),
		Context: schema.Struct[FilesCursor](),
		Output:  registry.TypeBlob,
		ReadFn: func(ctx context.Context, _ any, resume any, params any, emit registry.Emit) error {
			p := params.(FilesParams)
			paths, err := listFiles(p)
			if err != nil {
				return pipeerr.Storage("list files", err)
			}
			after := resume.(FilesCursor).After
			for _, rel := range paths {
				if rel <= after {
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				data, err := os.ReadFile(filepath.Join(p.Root, rel))
				if err != nil {
					return pipeerr.Storage("read file", err)
				}
				blob := &registry.Blob{
					ID:          rel,
					Name:        rel,
					ContentType: mime.TypeByExtension(filepath.Ext(rel)),
					Data:        data,
					Metadata:    map[string]string{"root": p.Root},
				}
				if err := emit(blob, FilesCursor{After: rel}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// listFiles returns slash-separated paths relative to p.Root, sorted.
func listFiles(p FilesParams) ([]string, error) {
	pattern := p.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, pipeerr.Permanent(fmt.Errorf("bad pattern %q: %w", pattern, err))
	}

	var out []string
	err := filepath.WalkDir(p.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != p.Root && !p.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(p.Root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
