// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/plugins/plugintest"
)

func TestRegistry_LoadsEveryModule(t *testing.T) {
	reg, err := Registry(Options{Stdout: &bytes.Buffer{}, Logger: plugintest.Quiet})
	require.NoError(t, err)

	assert.Equal(t, []string{"core", "gcs", "influx", "kafka", "mongo", "openai", "postgres", "redis", "text", "weaviate"}, reg.Modules())

	names := map[string]bool{}
	for _, e := range reg.Catalogue() {
		names[e.Name] = true
	}
	for _, want := range []string{
		"core/local", "core/values", "text/chunk", "gcs/objects", "openai/embed",
		"weaviate/objects", "influx/points", "postgres/table", "redis/xread",
		"mongo/find", "kafka/produce",
	} {
		assert.True(t, names[want], want)
	}
}
