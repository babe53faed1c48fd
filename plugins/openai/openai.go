// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package openai embeds documents with the OpenAI embeddings API.
//
//	openai/api     provider
//	openai/embed   action: document -> vector, batched
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "openai"

// Tag is the client tag of the api provider.
const Tag registry.ClientTag = "openai"

const (
	DefaultModel     = string(openai.SmallEmbedding3)
	DefaultBatchSize = 64

	// DefaultKeyFile is read when neither apiKey nor apiKeyFile is set.
	DefaultKeyFile = "/run/secrets/openai_api_key"
)

// Credentials configure openai/api. The key comes from APIKey, then
// APIKeyFile, then OPENAI_API_KEY, then DefaultKeyFile.
type Credentials struct {
	APIKey       string `json:"apiKey"`
	APIKeyFile   string `json:"apiKeyFile"`
	BaseURL      string `json:"baseURL" validate:"omitempty,url"`
	Organization string `json:"organization"`
}

// NewClient builds an API client for creds.
func NewClient(creds Credentials) (*openai.Client, error) {
	key, err := resolveKey(creds)
	if err != nil {
		return nil, err
	}
	cfg := openai.DefaultConfig(key)
	if creds.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(creds.BaseURL, "/")
	}
	cfg.OrgID = creds.Organization
	return openai.NewClientWithConfig(cfg), nil
}

func resolveKey(creds Credentials) (string, error) {
	if creds.APIKey != "" {
		return creds.APIKey, nil
	}
	path := creds.APIKeyFile
	if path == "" {
		if env := os.Getenv("OPENAI_API_KEY"); env != "" {
			return env, nil
		}
		path = DefaultKeyFile
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("OpenAI API key not set and not readable from %s: %w", path, err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", fmt.Errorf("OpenAI API key file %s is empty", path)
	}
	return key, nil
}

// Module returns the openai module.
func Module() registry.Module {
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "api",
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
		Actions: []registry.Action{embedAction()},
	}
}

// EmbedParams configure openai/embed.
type EmbedParams struct {
	Model      string `json:"model"`
	BatchSize  int    `json:"batchSize" validate:"omitempty,min=1,max=2048"`
	Dimensions int    `json:"dimensions" validate:"omitempty,min=1"`
}

func embedAction() *registry.ActionDef {
	return &registry.ActionDef{
		ID:     "embed",
		Tag:    Tag,
		Params: schema.Struct[EmbedParams](),
		Input:  registry.TypeDocument,
		Output: registry.TypeVector,
		ExecuteFn: func(ctx context.Context, client any, items <-chan any, params any, emit func(any) error) error {
			e := &embedder{client: client.(*openai.Client), params: params.(EmbedParams)}
			if e.params.Model == "" {
				e.params.Model = DefaultModel
			}
			if e.params.BatchSize == 0 {
				e.params.BatchSize = DefaultBatchSize
			}

			batch := make([]registry.Document, 0, e.params.BatchSize)
			for item := range items {
				doc, err := asDocument(item)
				if err != nil {
					return err
				}
				batch = append(batch, doc)
				if len(batch) < e.params.BatchSize {
					continue
				}
				if err := e.flush(ctx, batch, emit); err != nil {
					return err
				}
				batch = batch[:0]
			}
			if len(batch) > 0 {
				return e.flush(ctx, batch, emit)
			}
			return nil
		},
	}
}

type embedder struct {
	client *openai.Client
	params EmbedParams
}

// flush embeds batch and emits one Vector per document, in input order.
func (e *embedder) flush(ctx context.Context, batch []registry.Document, emit func(any) error) error {
	inputs := make([]string, len(batch))
	for i, d := range batch {
		inputs[i] = d.Content
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      inputs,
		Model:      openai.EmbeddingModel(e.params.Model),
		Dimensions: e.params.Dimensions,
	})
	if err != nil {
		return classify(err)
	}
	if len(resp.Data) != len(batch) {
		return pipeerr.Runtime(fmt.Errorf("embedding service returned %d vectors for %d inputs", len(resp.Data), len(batch)), false)
	}

	vectors := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return pipeerr.Runtime(fmt.Errorf("embedding index %d out of range", d.Index), false)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, doc := range batch {
		if err := emit(registry.Vector{Document: doc, Embedding: vectors[i]}); err != nil {
			return err
		}
	}
	return nil
}

// classify marks rate limits and server errors retryable.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retry := apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
		return pipeerr.Runtime(fmt.Errorf("OpenAI embeddings call failed: %w", err), retry)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		retry := reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
		return pipeerr.Runtime(fmt.Errorf("OpenAI embeddings call failed: %w", err), retry)
	}
	return pipeerr.Runtime(fmt.Errorf("OpenAI embeddings call failed: %w", err), true)
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
		content, ok := v["content"].(string)
		if !ok {
			return registry.Document{}, pipeerr.Permanent(errors.New("record has no string content field"))
		}
		doc := registry.Document{Content: content, Metadata: map[string]any{}}
		for k, val := range v {
			switch k {
			case "content":
			case "id":
				doc.ID = fmt.Sprint(val)
			default:
				doc.Metadata[k] = val
			}
		}
		return doc, nil
	}
	return registry.Document{}, pipeerr.Permanent(fmt.Errorf("expected a document, got %T", item))
}
