// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs connects pipelines to Google Cloud Storage buckets.
//
//	gcs/bucket    provider
//	gcs/objects   source: objects under a prefix as blobs, in name order
//	gcs/upload    target: one object per item
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "gcs"

// Tag is the client tag of the bucket provider.
const Tag registry.ClientTag = "gcs-bucket"

// Credentials configure gcs/bucket. KeyFile is a service account key;
// Endpoint points at an emulator and disables authentication.
type Credentials struct {
	ProjectID string `json:"projectId"`
	Bucket    string `json:"bucket" validate:"required"`
	KeyFile   string `json:"keyFile" validate:"required_without=Endpoint"`
	Endpoint  string `json:"endpoint" validate:"omitempty,url"`
}

// Bucket is the client handed to gcs streams.
type Bucket struct {
	client *storage.Client
	handle *storage.BucketHandle
	Name   string
}

// NewBucket opens a storage client for creds.
func NewBucket(ctx context.Context, creds Credentials) (*Bucket, error) {
	var opts []option.ClientOption
	if creds.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(creds.Endpoint), option.WithoutAuthentication())
	} else {
		if _, err := os.Stat(creds.KeyFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", creds.KeyFile)
		}
		opts = append(opts, option.WithCredentialsFile(creds.KeyFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Bucket{client: client, handle: client.Bucket(creds.Bucket), Name: creds.Bucket}, nil
}

// Close releases the storage client.
func (b *Bucket) Close() error { return b.client.Close() }

// Module returns the gcs module.
func Module() registry.Module {
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "bucket",
			Tag:         Tag,
			Credentials: schema.Struct[Credentials](),
			ConnectFn: func(ctx context.Context, credentials any) (*registry.Client, error) {
				b, err := NewBucket(ctx, credentials.(Credentials))
				if err != nil {
					return nil, err
				}
				return &registry.Client{
					Value:      b,
					Disconnect: func(context.Context) error { return b.Close() },
				}, nil
			},
		}},
		Streams: []registry.Stream{objectsSource(), objectsTarget()},
	}
}

// ReadParams configure the gcs/objects source.
type ReadParams struct {
	Prefix string `json:"prefix"`
}

// Cursor is the resumption context of the source: the last object name
// read.
type Cursor struct {
	After string `json:"after"`
}

func objectsSource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:      "objects",
		Tag:     Tag,
		Params:  schema.Struct[ReadParams](),
		Context: schema.Struct[Cursor](),
		Output:  registry.TypeBlob,
		ReadFn: func(ctx context.Context, client any, resume any, params any, emit registry.Emit) error {
			b := client.(*Bucket)
			after := resume.(Cursor).After
			q := &storage.Query{Prefix: params.(ReadParams).Prefix, StartOffset: after}
			if err := q.SetAttrSelection([]string{"Name", "ContentType", "Metadata"}); err != nil {
				return pipeerr.Permanent(err)
			}

			it := b.handle.Objects(ctx, q)
			for {
				attrs, err := it.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				if err != nil {
					return pipeerr.Storage("list objects", err)
				}
				// StartOffset is inclusive.
				if attrs.Name == after {
					continue
				}
				data, err := b.read(ctx, attrs.Name)
				if err != nil {
					return err
				}
				blob := &registry.Blob{
					ID:          "gs://" + b.Name + "/" + attrs.Name,
					Name:        attrs.Name,
					ContentType: attrs.ContentType,
					Data:        data,
					Metadata:    attrs.Metadata,
				}
				if err := emit(blob, Cursor{After: attrs.Name}); err != nil {
					return err
				}
			}
		},
	}
}

func (b *Bucket) read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if err != nil {
		return nil, pipeerr.Storage("open object", fmt.Errorf("%s: %w", name, err))
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, pipeerr.Storage("read object", fmt.Errorf("%s: %w", name, err))
	}
	return data, nil
}

// WriteParams configure the gcs/upload target. Blobs keep their name
// under Prefix; other items are written as JSON named by their ID.
type WriteParams struct {
	Prefix       string `json:"prefix"`
	CacheControl string `json:"cacheControl"`
}

func objectsTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "upload",
		Tag:    Tag,
		Params: schema.Struct[WriteParams](),
		WriteFn: func(ctx context.Context, client any, items <-chan any, params any) error {
			b := client.(*Bucket)
			p := params.(WriteParams)
			n := 0
			for item := range items {
				obj, err := toObject(item, p, n)
				if err != nil {
					return err
				}
				if err := b.write(ctx, obj, p.CacheControl); err != nil {
					return err
				}
				n++
			}
			return nil
		},
	}
}

type object struct {
	name        string
	contentType string
	data        []byte
	metadata    map[string]string
}

// toObject maps an item to the object written for it. n numbers items
// that carry no ID.
func toObject(item any, p WriteParams, n int) (object, error) {
	switch v := item.(type) {
	case *registry.Blob:
		ct := v.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return object{name: path.Join(p.Prefix, v.Name), contentType: ct, data: v.Data, metadata: v.Metadata}, nil
	case registry.Blob:
		return toObject(&v, p, n)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return object{}, pipeerr.Permanent(fmt.Errorf("encode item: %w", err))
	}
	return object{
		name:        path.Join(p.Prefix, itemID(item, n)+".json"),
		contentType: "application/json",
		data:        data,
	}, nil
}

func itemID(item any, n int) string {
	switch v := item.(type) {
	case registry.Document:
		if v.ID != "" {
			return v.ID
		}
	case registry.Vector:
		if v.ID != "" {
			return v.ID
		}
	case map[string]any:
		if id, ok := v["id"]; ok {
			return fmt.Sprint(id)
		}
	}
	return fmt.Sprintf("item-%06d", n)
}

func (b *Bucket) write(ctx context.Context, obj object, cacheControl string) error {
	w := b.handle.Object(obj.name).NewWriter(ctx)
	w.ContentType = obj.contentType
	w.Metadata = obj.metadata
	if cacheControl != "" {
		w.CacheControl = cacheControl
	}
	if _, err := w.Write(obj.data); err != nil {
		_ = w.Close()
		return pipeerr.Storage("write object", fmt.Errorf("%s: %w", obj.name, err))
	}
	if err := w.Close(); err != nil {
		return pipeerr.Storage("write object", fmt.Errorf("%s: %w", obj.name, err))
	}
	return nil
}
