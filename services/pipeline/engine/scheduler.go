// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs compiled plans.
//
// The Scheduler starts one goroutine per plan node. Nodes exchange items
// through per-edge Queues, are gated on their upstream nodes, and run their
// bodies inside a retry and timeout wrapper. A failed node closes its
// outgoing queues like a successful one, so downstream branches see end
// of stream instead of hanging and siblings are never unwound.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/loader"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
)

// timeoutGrace is how long a timed-out node body may take to release its
// resources before the scheduler stops waiting for it.
const timeoutGrace = 5 * time.Second

// Config configures a Scheduler.
type Config struct {
	// Logger receives run and node logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Loaders converts raw blobs for consumers that expect structured
	// items. Nil uses loader.Default().
	Loaders *loader.Registry

	// StrictLoaders turns a blob no loader matches into a node failure
	// instead of a skipped item.
	StrictLoaders bool

	// BufferSize sizes edge queues when the plan sets none.
	BufferSize int

	// MaxParallel bounds staged graphs that set no maxParallel of their
	// own. Zero means unbounded.
	MaxParallel int
}

// Scheduler executes plans.
//
// # Thread Safety
//
// Safe for concurrent use. Every Run has its own ExecutionContext.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Loaders == nil {
		cfg.Loaders = loader.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Scheduler{cfg: cfg, logger: cfg.Logger}
}

// Run executes plan to completion.
//
// # Description
//
// Every node is started at once. In staged mode (the default) a node
// waits for every upstream node to complete before its body runs, and
// the graph's maxParallel bounds how many bodies run together. In
// streaming mode all bodies run concurrently and bounded queues apply
// backpressure.
//
// # Inputs
//
//   - ctx: Cancelling it halts every node at its next suspension point.
//   - plan: A compiled plan.
//   - bindings: Validated connections for plan.
//   - opts: Run ID and progress callback.
//
// # Outputs
//
//   - *RunResult: Returned for every run that started, including failed,
//     partially failed and cancelled ones.
//   - error: A cancellation error when ctx is already done. No node runs.
func (s *Scheduler) Run(ctx context.Context, plan *compiler.Plan, bindings *compiler.Bindings, opts ExecuteOptions) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeerr.Cancelled(err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	m := initMetrics(s.logger)
	logger := s.logger.With(slog.String("run_id", runID), slog.String("graph_id", plan.Definition.ID))

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("pipeline.run_id", runID),
			attribute.String("pipeline.graph_id", plan.Definition.ID),
			attribute.Int("pipeline.node_count", len(plan.Order)),
		),
	)
	defer span.End()

	start := time.Now()
	ec := newExecutionContext(runID, plan, bindings,
		loader.NewCache(s.cfg.Loaders, s.cfg.StrictLoaders),
		s.cfg.BufferSize, opts.OnProgress, logger)

	var sem *semaphore.Weighted
	mp := plan.Definition.MaxParallel()
	if mp == 0 {
		mp = s.cfg.MaxParallel
	}
	if mp > 0 {
		if ec.Mode == graph.ModeStaged {
			sem = semaphore.NewWeighted(int64(mp))
		} else {
			logger.Debug("maxParallel ignored in streaming mode", slog.Int("max_parallel", mp))
		}
	}
	for _, slot := range plan.Unbridged {
		logger.Info("cache slot has no matching reader or writer, dropped", slog.String("slot", slot))
	}

	logger.Info("run started",
		slog.Int("nodes", len(plan.Order)),
		slog.String("mode", string(ec.Mode)),
	)

	var wg sync.WaitGroup
	for _, id := range plan.Order {
		rn := plan.Node(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runNode(ctx, ec, rn, sem, m, logger)
		}()
	}
	wg.Wait()

	result := &RunResult{
		RunID:       runID,
		GraphID:     plan.Definition.ID,
		Nodes:       ec.snapshot(),
		Cancelled:   ctx.Err() != nil,
		StartedAt:   start,
		CompletedAt: time.Now(),
	}
	result.Status = classify(result.Nodes)
	duration := result.CompletedAt.Sub(start)
	m.runFinished(ctx, result.Status, duration)

	stats := ec.Loaders.Stats()
	attrs := []any{
		slog.String("status", string(result.Status)),
		slog.Duration("duration", duration),
		slog.Int64("loader_loads", stats.Loads),
		slog.Int64("loader_hits", stats.Hits),
	}
	switch result.Status {
	case RunSuccess:
		span.SetStatus(codes.Ok, "")
		logger.Info("run completed", attrs...)
	default:
		span.SetStatus(codes.Error, string(result.Status))
		logger.Warn("run completed with failures", append(attrs, slog.Any("failed_nodes", result.Failed()))...)
	}
	return result, nil
}

// runNode drives one node through pending, running and a terminal state.
// Its outgoing queues are closed and its completion signal fired however
// it ends.
func (s *Scheduler) runNode(ctx context.Context, ec *ExecutionContext, rn *compiler.ResolvedNode,
	sem *semaphore.Weighted, m *instruments, logger *slog.Logger) {
	id := rn.ID()
	defer close(ec.done[id])
	defer func() {
		for _, q := range ec.Outputs(id) {
			q.Close()
		}
	}()

	res := NodeResult{NodeID: id, Name: rn.Node.Name, Kind: rn.Kind, Status: NodePending}

	fail := func(err error) {
		res.Status = NodeFailure
		res.Error = err.Error()
		ec.record(res)
		ec.emit(ProgressEvent{NodeID: id, Status: NodeFailure, Error: res.Error})
		for _, q := range ec.Inputs(id) {
			q.Discard()
		}
	}

	if ec.Mode == graph.ModeStaged {
		for _, up := range ec.Plan.Index.Predecessors(id) {
			select {
			case <-ec.Done(up):
			case <-ctx.Done():
				fail(pipeerr.Cancelled(ctx.Err()).WithNode(id))
				return
			}
		}
	}
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(pipeerr.Cancelled(err).WithNode(id))
			return
		}
		defer sem.Release(1)
	}

	ctx, span := tracer.Start(ctx, "pipeline.node",
		trace.WithAttributes(
			attribute.String("pipeline.node_id", id),
			attribute.String("pipeline.node_kind", string(rn.Kind)),
			attribute.String("pipeline.node_label", rn.Node.Label()),
		),
	)
	defer span.End()

	nodeCtx, cancelNode := context.WithCancel(ctx)
	defer cancelNode()

	nlog := logger.With(slog.String("node_id", id), slog.String("kind", string(rn.Kind)))
	x := newNodeExecutor(nodeCtx, ec, rn, m, logger)

	res.Status = NodeRunning
	ec.emit(ProgressEvent{NodeID: id, Status: NodeRunning})
	nlog.Debug("node started")
	m.nodeStarted(ctx, string(rn.Kind))
	start := time.Now()

	type outcome struct {
		attempts int
		err      error
	}
	body := make(chan outcome, 1)
	go func() {
		n, err := retry(nodeCtx, rn.Retry, nlog, id, x.attempt)
		body <- outcome{attempts: n, err: err}
	}()

	var timeout <-chan time.Time
	if rn.Timeout > 0 {
		t := time.NewTimer(rn.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var err error
	select {
	case o := <-body:
		res.Attempts = o.attempts
		err = o.err
	case <-timeout:
		cancelNode()
		err = pipeerr.Timeout(id, rn.Timeout)
		res.Attempts = int(x.attempts.Load())
		select {
		case <-body:
		case <-time.After(timeoutGrace):
			nlog.Warn("node body still running after timeout")
		}
	}
	cancelNode()

	if err != nil && ctx.Err() != nil && pipeerr.KindOf(err) != pipeerr.KindTimeout {
		err = pipeerr.Cancelled(ctx.Err()).WithNode(id)
	}

	res.Duration = time.Since(start)
	res.ItemsIn = x.itemsIn.Load()
	res.ItemsOut = x.itemsOut.Load()
	m.nodeFinished(ctx, string(rn.Kind), res.Duration, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		nlog.Warn("node failed",
			slog.Int("attempts", res.Attempts),
			slog.Duration("duration", res.Duration),
			slog.String("error", err.Error()),
		)
		fail(err)
		return
	}

	for _, q := range ec.Inputs(id) {
		q.Discard()
	}
	res.Status = NodeSuccess
	ec.record(res)
	ec.emit(ProgressEvent{NodeID: id, Status: NodeSuccess, Items: res.ItemsOut})
	span.SetStatus(codes.Ok, "")
	nlog.Debug("node finished",
		slog.Int("attempts", res.Attempts),
		slog.Int64("items_in", res.ItemsIn),
		slog.Int64("items_out", res.ItemsOut),
		slog.Duration("duration", res.Duration),
	)
}
