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
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
)

type runFlags struct {
	connections string
	async       bool
	resume      bool
	checkpoint  bool
	runID       string
	timeout     time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Run a graph to completion and print its result",
		Long: `Run compiles the graph, executes it and prints the per-node result.

With --async (the default) node lifecycle events are printed while the run
executes; --async=false prints only the final result. The command exits
non-zero unless every node succeeded. Interrupting it cancels the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.connections, "connections", "c", "", "YAML or JSON file of connections")
	flags.BoolVar(&f.async, "async", true, "stream node events while the run executes")
	flags.BoolVar(&f.resume, "resume", false, "resume sources from their saved checkpoints")
	flags.BoolVar(&f.checkpoint, "checkpoint", false, "save source checkpoints while running")
	flags.StringVar(&f.runID, "run-id", "", "run ID (default: random UUID)")
	flags.DurationVar(&f.timeout, "timeout", 0, "cancel the run after this long (0 means no limit)")
	return cmd
}

func (a *app) run(cmd *cobra.Command, path string, f runFlags) error {
	raw, err := readGraph(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	conns, err := readConnections(f.connections)
	if err != nil {
		return err
	}

	var store *checkpoint.Store
	if f.resume || f.checkpoint || a.cfg.Checkpoint.Enabled {
		if store, err = a.openStore(); err != nil {
			return err
		}
		defer store.Close()
	}
	e, err := a.newEngine(store)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	opts := pipeline.RunOptions{RunID: f.runID, Resume: f.resume, Checkpoint: f.checkpoint}
	if f.async {
		var mu sync.Mutex
		opts.OnProgress = func(ev engine.ProgressEvent) {
			// Per-item events carry a resumption context; only lifecycle
			// transitions are printed.
			if ev.Context != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_ = a.out.Event(ev)
		}
	}

	res, err := e.ExecuteSync(ctx, raw, conns, opts)
	if err != nil {
		return err
	}
	a.logger.Slog().Info("run finished",
		slog.String("run_id", res.RunID),
		slog.String("status", string(res.Status)),
	)
	if err := a.out.RunResult(res); err != nil {
		return err
	}
	if res.Status != engine.RunSuccess || res.Cancelled {
		return fmt.Errorf("run %s finished with status %s", res.RunID, res.Status)
	}
	return nil
}
