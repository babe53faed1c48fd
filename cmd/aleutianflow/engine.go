// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/plugins"
	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
)

func (a *app) registry() (*registry.Registry, error) {
	return plugins.Registry(plugins.Options{Stdout: a.out.Writer(), Logger: a.logger.Slog()})
}

func (a *app) openStore() (*checkpoint.Store, error) {
	cc := a.cfg.StoreOptions()
	cc.Logger = a.logger.Slog()
	return checkpoint.Open(cc)
}

// newEngine builds an Engine over every bundled plugin. store may be nil.
func (a *app) newEngine(store *checkpoint.Store) (*pipeline.Engine, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Registry:    reg,
		Scheduler:   a.cfg.SchedulerOptions(),
		Runs:        a.cfg.RunOptions(),
		Checkpoints: store,
		Logger:      a.logger.Slog(),
	})
}

// readGraph returns the raw definition at path; "-" reads stdin.
func readGraph(path string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	return data, nil
}

// readConnections loads a YAML or JSON map of connection IDs to
// connections. ${VAR} references are expanded from the environment so
// secrets stay out of the file.
func readConnections(path string) (pipeline.Connections, error) {
	conns := pipeline.Connections{}
	if path == "" {
		return conns, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &conns); err != nil {
		return nil, fmt.Errorf("parse connections %s: %w", path, err)
	}
	return conns, nil
}
