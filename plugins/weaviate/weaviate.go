// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate writes embedded documents into a Weaviate class.
//
//	weaviate/server    provider
//	weaviate/objects   target: vectors, imported in batches
package weaviate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "weaviate"

// Tag is the client tag of the server provider.
const Tag registry.ClientTag = "weaviate"

// DefaultBatchSize is the number of objects per batch request.
const DefaultBatchSize = 100

// Credentials configure weaviate/server.
type Credentials struct {
	URL    string `json:"url" validate:"required,url"`
	APIKey string `json:"apiKey"`
}

// NewClient builds a client for creds.
func NewClient(creds Credentials) (*weaviate.Client, error) {
	// Trim quotes in case they were passed through literally.
	raw := strings.Trim(creds.URL, "\"' ")
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", raw)
	}
	cfg := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if creds.APIKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + creds.APIKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// Module returns the weaviate module.
func Module(logger *slog.Logger) registry.Module {
	if logger == nil {
		logger = slog.Default()
	}
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "server",
			Tag:         Tag,
			Credentials: schema.Struct[Credentials](),
			ConnectFn: func(_ context.Context, credentials any) (*registry.Client, error) {
				c, err := NewClient(credentials.(Credentials))
				if err != nil {
					return nil, err
				}
				return &registry.Client{Value: c}, nil
			},
		}},
		Streams: []registry.Stream{objectsTarget(logger)},
	}
}

// ObjectParams configure weaviate/objects.
type ObjectParams struct {
	Class     string         `json:"class" validate:"required"`
	BatchSize int            `json:"batchSize" validate:"omitempty,min=1,max=10000"`
	Tenant    string         `json:"tenant"`
	Extra     map[string]any `json:"properties"`

	// AllowPartial logs rejected objects instead of failing the node.
	AllowPartial bool `json:"allowPartial"`
}

func objectsTarget(logger *slog.Logger) *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "objects",
		Tag:    Tag,
		Params: schema.Struct[ObjectParams](),
		Input:  registry.TypeVector,
		WriteFn: func(ctx context.Context, client any, items <-chan any, params any) error {
			imp := &importer{client: client.(*weaviate.Client), params: params.(ObjectParams), logger: logger, now: time.Now}
			if imp.params.BatchSize == 0 {
				imp.params.BatchSize = DefaultBatchSize
			}
			batch := make([]*models.Object, 0, imp.params.BatchSize)
			for item := range items {
				v, err := asVector(item)
				if err != nil {
					return err
				}
				batch = append(batch, imp.object(v))
				if len(batch) < imp.params.BatchSize {
					continue
				}
				if err := imp.flush(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
			if len(batch) > 0 {
				return imp.flush(ctx, batch)
			}
			return nil
		},
	}
}

type importer struct {
	client *weaviate.Client
	params ObjectParams
	logger *slog.Logger
	now    func() time.Time
}

// ObjectID derives a stable object UUID from a document, so re-imports
// overwrite instead of duplicating. A document ID that already is a UUID
// is used as is.
func ObjectID(doc registry.Document) strfmt.UUID {
	if id, err := uuid.Parse(doc.ID); err == nil {
		return strfmt.UUID(id.String())
	}
	hash := sha256.Sum256([]byte(doc.ID + "\x00" + doc.Content))
	id, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(id.String())
}

func (imp *importer) object(v registry.Vector) *models.Object {
	props := make(map[string]any, len(v.Metadata)+len(imp.params.Extra)+3)
	for k, val := range imp.params.Extra {
		props[k] = val
	}
	for k, val := range v.Metadata {
		props[k] = val
	}
	props["content"] = v.Content
	props["source"] = v.ID
	props["ingested_at"] = imp.now().UnixMilli()
	return &models.Object{
		Class:      imp.params.Class,
		ID:         ObjectID(v.Document),
		Vector:     v.Embedding,
		Properties: props,
		Tenant:     imp.params.Tenant,
	}
}

func (imp *importer) flush(ctx context.Context, batch []*models.Object) error {
	resp, err := imp.client.Batch().ObjectsBatcher().WithObjects(batch...).Do(ctx)
	if err != nil {
		return pipeerr.Storage("weaviate batch import", err)
	}

	var failures []string
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			continue
		}
		msg := "status unknown"
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			msgs := make([]string, 0, len(item.Result.Errors.Error))
			for _, e := range item.Result.Errors.Error {
				msgs = append(msgs, e.Message)
			}
			msg = strings.Join(msgs, "; ")
		} else if item.Result != nil && item.Result.Status != nil {
			msg = "status " + *item.Result.Status
		}
		failures = append(failures, fmt.Sprintf("%s: %s", item.ID, msg))
		imp.logger.Warn("weaviate rejected object",
			slog.String("class", imp.params.Class),
			slog.String("id", string(item.ID)),
			slog.String("error", msg),
		)
	}
	if len(failures) > 0 && !imp.params.AllowPartial {
		return pipeerr.Permanent(fmt.Errorf("weaviate rejected %d of %d objects: %s",
			len(failures), len(batch), strings.Join(failures, ", ")))
	}
	return nil
}

func asVector(item any) (registry.Vector, error) {
	switch v := item.(type) {
	case registry.Vector:
		return v, nil
	case *registry.Vector:
		return *v, nil
	}
	return registry.Vector{}, pipeerr.Permanent(fmt.Errorf("weaviate/objects expects vectors, got %T", item))
}
