// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package openai

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/plugins/core"
	"github.com/AleutianAI/AleutianFlow/plugins/plugintest"
	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// fakeAPI answers /v1/embeddings with [len(input), i] per input and
// records the batch sizes it saw.
type fakeAPI struct {
	mu      sync.Mutex
	batches []int
	status  int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/embeddings" || r.Header.Get("Authorization") != "Bearer test-key" {
		http.Error(w, "unexpected request", http.StatusBadRequest)
		return
	}
	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
		return
	}
	var req struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.batches = append(f.batches, len(req.Input))
	f.mu.Unlock()

	data := make([]map[string]any, len(req.Input))
	// Answer in reverse order to exercise index mapping.
	for i := range req.Input {
		j := len(req.Input) - 1 - i
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     j,
			"embedding": []float32{float32(len(req.Input[j])), float32(j)},
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "model": req.Model, "data": data})
}

func runEmbed(t *testing.T, api *fakeAPI, items []any, params map[string]any) (*engine.RunResult, []any) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	local, cm := core.New(core.Options{Logger: plugintest.Quiet})
	e := plugintest.Engine(t, cm, Module())
	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source("core/local", "core/values", "", map[string]any{"items": items}),
		plugintest.Action("openai/embed", "openai/api", "oa", params),
		plugintest.Target("core/local", "core/collect", "", map[string]any{"name": "out"}),
	), pipeline.Connections{
		"oa": {Type: "openai/api", Credentials: map[string]any{"apiKey": "test-key", "baseURL": srv.URL + "/v1"}},
	})
	return res, local.Collected("out")
}

func TestEmbed_BatchesAndKeepsOrder(t *testing.T) {
	api := &fakeAPI{}
	items := []any{
		map[string]any{"id": "a", "content": "x"},
		map[string]any{"id": "b", "content": "xx"},
		map[string]any{"id": "c", "content": "xxx", "lang": "en"},
	}
	res, out := runEmbed(t, api, items, map[string]any{"batchSize": 2})
	require.Equal(t, engine.RunSuccess, res.Status)

	require.Len(t, out, 3)
	for i, item := range out {
		v := item.(registry.Vector)
		assert.Equal(t, float32(i+1), v.Embedding[0], "vector %d follows its document", i)
	}
	assert.Equal(t, "c", out[2].(registry.Vector).ID)
	assert.Equal(t, "en", out[2].(registry.Vector).Metadata["lang"])
	assert.Equal(t, []int{2, 1}, api.batches)
}

func TestEmbed_APIErrorFailsNode(t *testing.T) {
	api := &fakeAPI{status: http.StatusBadRequest}
	res, out := runEmbed(t, api, []any{"hello"}, nil)
	assert.NotEqual(t, engine.RunSuccess, res.Status)
	assert.Empty(t, out)
	assert.Contains(t, res.Nodes[plugintest.NodeID(2)].Error, "OpenAI embeddings call failed")
}

func TestClassify(t *testing.T) {
	assert.True(t, pipeerr.IsRetryable(classify(&openai.APIError{HTTPStatusCode: 429})))
	assert.True(t, pipeerr.IsRetryable(classify(&openai.APIError{HTTPStatusCode: 503})))
	assert.False(t, pipeerr.IsRetryable(classify(&openai.APIError{HTTPStatusCode: 401})))
	assert.True(t, pipeerr.IsRetryable(classify(errors.New("connection reset"))))
}

func TestResolveKey(t *testing.T) {
	key, err := resolveKey(Credentials{APIKey: "direct"})
	require.NoError(t, err)
	assert.Equal(t, "direct", key)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(" from-file\n"), 0600))
	key, err = resolveKey(Credentials{APIKeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, "from-file", key)

	t.Setenv("OPENAI_API_KEY", "from-env")
	key, err = resolveKey(Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	_, err = resolveKey(Credentials{APIKeyFile: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestAsDocument(t *testing.T) {
	_, err := asDocument(map[string]any{"id": 1})
	assert.Error(t, err)

	doc, err := asDocument("text")
	require.NoError(t, err)
	assert.Equal(t, "text", doc.Content)
}
