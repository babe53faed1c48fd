// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugins bundles every connector module shipped with AleutianFlow.
package plugins

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/AleutianFlow/plugins/core"
	"github.com/AleutianAI/AleutianFlow/plugins/gcs"
	"github.com/AleutianAI/AleutianFlow/plugins/influx"
	"github.com/AleutianAI/AleutianFlow/plugins/kafka"
	"github.com/AleutianAI/AleutianFlow/plugins/mongo"
	"github.com/AleutianAI/AleutianFlow/plugins/openai"
	"github.com/AleutianAI/AleutianFlow/plugins/postgres"
	"github.com/AleutianAI/AleutianFlow/plugins/redis"
	"github.com/AleutianAI/AleutianFlow/plugins/text"
	"github.com/AleutianAI/AleutianFlow/plugins/weaviate"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

// Options configures the bundled modules.
type Options struct {
	// Stdout receives core/stdout output. Nil means os.Stdout.
	Stdout io.Writer
	Logger *slog.Logger
}

// Modules returns the bundled modules, core first.
func Modules(opts Options) []registry.Module {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	_, local := core.New(core.Options{Stdout: opts.Stdout, Logger: opts.Logger})
	return []registry.Module{
		local,
		text.Module(),
		gcs.Module(),
		openai.Module(),
		weaviate.Module(opts.Logger),
		influx.Module(),
		postgres.Module(),
		redis.Module(),
		mongo.Module(),
		kafka.Module(),
	}
}

// Registry returns a registry with every bundled module loaded.
func Registry(opts Options) (*registry.Registry, error) {
	reg := registry.New()
	for _, m := range Modules(opts) {
		if err := reg.Load(m); err != nil {
			return nil, fmt.Errorf("load module %s: %w", m.Name, err)
		}
	}
	return reg, nil
}
