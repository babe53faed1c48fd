// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the public entry point of the data-pipeline runtime.
//
// An Engine ties the compiler, the scheduler and the run manager together
// behind six operations:
//
//	Validate     pure check of a graph and its connections
//	Execute      start a run in the background, return its ID
//	ExecuteSync  run to completion, return the RunResult
//	GetRun       snapshot of a run
//	ListRuns     summaries, optionally filtered by status
//	CancelRun    stop a run
//
// Configuration errors (graph shape, unknown names, credential shape) are
// returned from Execute and ExecuteSync before any node runs. Failures
// inside a run are reported in its RunResult instead.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/runs"
)

// ErrNoRegistry is returned by New without a registry.
var ErrNoRegistry = errors.New("pipeline: registry is required")

// Connections maps connection IDs to caller-supplied connection entries.
type Connections = map[string]compiler.Connection

// Options configures an Engine.
type Options struct {
	Registry  *registry.Registry
	Scheduler engine.Config
	Runs      runs.Config

	// Checkpoints, when set, backs RunOptions.Resume and
	// RunOptions.Checkpoint.
	Checkpoints *checkpoint.Store

	Logger *slog.Logger
}

// RunOptions are the per-run options of Execute and ExecuteSync.
type RunOptions struct {
	// RunID overrides the generated run ID.
	RunID string

	// OnProgress receives every progress event of the run.
	OnProgress func(engine.ProgressEvent)

	// Resume fills connections that carry no resumption context with the
	// context last saved for the graph. Needs Options.Checkpoints.
	Resume bool

	// Checkpoint saves the context of every source item as it is emitted.
	// Needs Options.Checkpoints.
	Checkpoint bool
}

// Engine runs pipeline graphs.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	reg         *registry.Registry
	scheduler   *engine.Scheduler
	runs        *runs.Manager
	checkpoints *checkpoint.Store
	logger      *slog.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, ErrNoRegistry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Scheduler.Logger == nil {
		opts.Scheduler.Logger = opts.Logger
	}
	if opts.Runs.Logger == nil {
		opts.Runs.Logger = opts.Logger
	}
	sched := engine.NewScheduler(opts.Scheduler)
	return &Engine{
		reg:         opts.Registry,
		scheduler:   sched,
		runs:        runs.NewManager(sched, opts.Runs),
		checkpoints: opts.Checkpoints,
		logger:      opts.Logger,
	}, nil
}

// Registry returns the registry graphs are resolved against.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Checkpoints returns the checkpoint store, or nil.
func (e *Engine) Checkpoints() *checkpoint.Store { return e.checkpoints }

// Validate reports every defect of raw and conns without connecting to
// anything.
func (e *Engine) Validate(raw any, conns Connections) compiler.Report {
	return compiler.Check(raw, conns, e.reg)
}

// Execute compiles raw and starts it in the background.
//
// # Outputs
//
//   - string: The run ID, usable with GetRun, CancelRun and Subscribe.
//   - error: A validation error when raw or conns are invalid, or a
//     cancellation error when ctx is already done. No node has run.
func (e *Engine) Execute(ctx context.Context, raw any, conns Connections, opts RunOptions) (string, error) {
	plan, bindings, exec, err := e.prepare(ctx, raw, conns, opts)
	if err != nil {
		return "", err
	}
	return e.runs.Submit(ctx, plan, bindings, exec)
}

// ExecuteSync compiles raw and runs it to completion.
//
// # Description
//
// The run is registered like any other and shows up in ListRuns.
// Cancelling ctx cancels the run; the partial RunResult is still
// returned. A result is returned for failed and partially failed runs
// too: only compilation failures and cancellation before the start are
// errors.
func (e *Engine) ExecuteSync(ctx context.Context, raw any, conns Connections, opts RunOptions) (*engine.RunResult, error) {
	id, err := e.Execute(ctx, raw, conns, opts)
	if err != nil {
		return nil, err
	}

	state, err := e.runs.Wait(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			return nil, err
		}
		e.runs.Cancel(id)
		if state, err = e.runs.Wait(context.WithoutCancel(ctx), id); err != nil {
			return nil, err
		}
	}
	if state.Result == nil {
		if state.Status == runs.StatusCancelled {
			return nil, pipeerr.Cancelled(context.Canceled)
		}
		return nil, pipeerr.Runtime(errors.New(state.Error), false)
	}
	return state.Result, nil
}

// GetRun returns a snapshot of a run.
func (e *Engine) GetRun(id string) (runs.RunState, bool) {
	return e.runs.Get(id)
}

// ListRuns returns run summaries ordered by start time. An empty status
// lists every run.
func (e *Engine) ListRuns(status runs.Status) []runs.Summary {
	return e.runs.List(status)
}

// CancelRun cancels an active run and reports whether it was active.
func (e *Engine) CancelRun(id string) bool {
	return e.runs.Cancel(id)
}

// Wait blocks until the run finishes or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (runs.RunState, error) {
	return e.runs.Wait(ctx, id)
}

// Subscribe streams the progress events of an active run.
func (e *Engine) Subscribe(id string) (<-chan engine.ProgressEvent, func(), error) {
	return e.runs.Subscribe(id)
}

// Start launches background eviction of finished runs.
func (e *Engine) Start(ctx context.Context) error {
	return e.runs.Start(ctx)
}

// Shutdown stops the sweeper and cancels active runs, waiting for them up
// to ctx's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.runs.Shutdown(ctx)
}

func (e *Engine) prepare(ctx context.Context, raw any, conns Connections, opts RunOptions) (*compiler.Plan, *compiler.Bindings, engine.ExecuteOptions, error) {
	exec := engine.ExecuteOptions{RunID: opts.RunID, OnProgress: opts.OnProgress}
	if err := ctx.Err(); err != nil {
		return nil, nil, exec, pipeerr.Cancelled(err)
	}

	def, err := graph.Parse(raw)
	if err != nil {
		return nil, nil, exec, err
	}
	plan, err := compiler.CompileDefinition(def, e.reg)
	if err != nil {
		return nil, nil, exec, err
	}

	if (opts.Resume || opts.Checkpoint) && e.checkpoints == nil {
		return nil, nil, exec, pipeerr.Validation("prepare run", "checkpoints are not configured")
	}
	if opts.Resume {
		var filled int
		conns, filled, err = e.checkpoints.Apply(ctx, def.ID, conns)
		if err != nil {
			return nil, nil, exec, err
		}
		if filled > 0 {
			e.logger.Info("resuming from checkpoints",
				slog.String("graph_id", def.ID),
				slog.Int("connections", filled),
			)
		}
	}

	bindings, err := compiler.ValidateConnections(plan, conns)
	if err != nil {
		return nil, nil, exec, err
	}

	if opts.Checkpoint {
		record := e.checkpoints.Recorder(def.ID)
		user := opts.OnProgress
		exec.OnProgress = func(ev engine.ProgressEvent) {
			record(ev)
			if user != nil {
				user(ev)
			}
		}
	}
	return plan, bindings, exec, nil
}
