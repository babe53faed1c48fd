// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// disconnectTimeout bounds provider disconnects, which run on a fresh
// context so cancelled runs still release their clients.
const disconnectTimeout = 10 * time.Second

// nodeExecutor runs one resolved node. Its state spans attempts: a source
// remembers the last resumption context it emitted, an action or target
// remembers the input it consumed and how many outputs it delivered.
//
// # Thread Safety
//
// Attempts run one at a time. Counters are atomic because the scheduler
// may read them after a timeout while the last attempt is winding down.
type nodeExecutor struct {
	ec      *ExecutionContext
	rn      *compiler.ResolvedNode
	binding *compiler.NodeBinding
	outs    []*Queue
	input   *mergedInput
	limiter *rate.Limiter
	metrics *instruments
	logger  *slog.Logger

	itemsIn   atomic.Int64
	itemsOut  atomic.Int64
	attempts  atomic.Int32
	delivered atomic.Int64

	mu     sync.Mutex
	resume any

	keepReplay bool
	replay     []any
}

func newNodeExecutor(ctx context.Context, ec *ExecutionContext, rn *compiler.ResolvedNode, m *instruments, logger *slog.Logger) *nodeExecutor {
	x := &nodeExecutor{
		ec:         ec,
		rn:         rn,
		binding:    ec.Bindings.Node(rn.ID()),
		outs:       ec.Outputs(rn.ID()),
		metrics:    m,
		logger:     logger.With(slog.String("node_id", rn.ID()), slog.String("kind", string(rn.Kind))),
		keepReplay: rn.Retry.MaxRetries > 0,
	}
	if rps := rn.Concurrency.RatePerSecond; rps > 0 {
		burst := rn.Concurrency.Burst
		if burst < 1 {
			burst = 1
		}
		x.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	switch rn.Kind {
	case graph.NodeSource:
		if x.binding != nil && x.binding.Resume != nil {
			x.resume = x.binding.Resume
		} else {
			x.resume = schema.Initial(rn.Source.ContextSchema())
		}
	default:
		x.input = mergeInputs(ctx, ec.Inputs(rn.ID()))
	}
	return x
}

// attempt is the retried node body.
func (x *nodeExecutor) attempt(ctx context.Context, n int) error {
	x.attempts.Store(int32(n))
	switch x.rn.Kind {
	case graph.NodeSource:
		return x.runSource(ctx)
	case graph.NodeAction:
		return x.runAction(ctx)
	case graph.NodeTarget:
		return x.runTarget(ctx)
	}
	return pipeerr.Runtime(fmt.Errorf("unsupported node type %s", x.rn.Kind), false)
}

func (x *nodeExecutor) runSource(ctx context.Context) error {
	client, err := x.connect(ctx)
	if err != nil {
		return err
	}
	defer x.disconnect(client)

	connID := ""
	if x.binding != nil {
		connID = x.binding.ConnectionID
	}
	emit := func(data any, resume any) error {
		if err := x.push(ctx, data); err != nil {
			return err
		}
		x.mu.Lock()
		x.resume = resume
		x.mu.Unlock()
		x.ec.emit(ProgressEvent{
			NodeID:       x.rn.ID(),
			Status:       NodeRunning,
			ConnectionID: connID,
			Context:      resume,
			Items:        x.itemsOut.Load(),
		})
		return nil
	}

	x.mu.Lock()
	from := x.resume
	x.mu.Unlock()

	if err := x.rn.Source.Read(ctx, client.Value, from, x.rn.Params, emit); err != nil {
		return x.classify("read", err)
	}
	return nil
}

func (x *nodeExecutor) runAction(ctx context.Context) error {
	var client *registry.Client
	if x.rn.Action.ClientTag() != registry.NoClient {
		c, err := x.connect(ctx)
		if err != nil {
			return err
		}
		defer x.disconnect(c)
		client = c
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	items, wait := x.feed(actx, x.rn.Action.InputType())

	var produced int64
	emit := func(v any) error {
		produced++
		if produced <= x.delivered.Load() {
			return nil
		}
		if err := x.push(actx, v); err != nil {
			return err
		}
		x.delivered.Store(produced)
		return nil
	}

	err := x.rn.Action.Execute(actx, clientValue(client), items, x.rn.Params, emit)
	cancel()
	if ferr := wait(); ferr != nil {
		return ferr
	}
	if err != nil {
		return x.classify("execute", err)
	}
	return ctx.Err()
}

func (x *nodeExecutor) runTarget(ctx context.Context) error {
	client, err := x.connect(ctx)
	if err != nil {
		return err
	}
	defer x.disconnect(client)

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	items, wait := x.feed(tctx, x.rn.Target.InputType())

	err = x.rn.Target.Write(tctx, clientValue(client), items, x.rn.Params)
	cancel()
	if ferr := wait(); ferr != nil {
		return ferr
	}
	if err != nil {
		return x.classify("write", err)
	}
	// A cancelled run truncates input; that is not a clean finish.
	return ctx.Err()
}

// classify maps a plugin error into the taxonomy. Pipeline and context
// errors pass through; anything else is a retryable storage or runtime
// failure.
func (x *nodeExecutor) classify(op string, err error) error {
	var pe *pipeerr.Error
	if errors.As(err, &pe) {
		if pe.NodeID == "" {
			return pe.WithNode(x.rn.ID())
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var out *pipeerr.Error
	if op == "execute" {
		out = pipeerr.Runtime(err, true)
	} else {
		out = pipeerr.Storage(op, err)
	}
	out.Op = op
	out.NodeID = x.rn.ID()
	return out
}

func (x *nodeExecutor) connect(ctx context.Context) (*registry.Client, error) {
	if x.rn.Provider == nil {
		return &registry.Client{}, nil
	}
	var creds any
	if x.binding != nil && x.binding.Connection != nil {
		creds = x.binding.Connection.Credentials
	}
	c, err := x.rn.Provider.Connect(ctx, creds)
	if err != nil {
		var pe *pipeerr.Error
		if errors.As(err, &pe) {
			return nil, pe.WithNode(x.rn.ID())
		}
		return nil, pipeerr.Connection(x.rn.ID(), err, false)
	}
	if c == nil {
		c = &registry.Client{}
	}
	return c, nil
}

func (x *nodeExecutor) disconnect(c *registry.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		x.logger.Warn("provider disconnect failed", slog.String("error", err.Error()))
	}
}

func clientValue(c *registry.Client) any {
	if c == nil {
		return nil
	}
	return c.Value
}

// push sends item to every outgoing queue, honouring the rate limit.
func (x *nodeExecutor) push(ctx context.Context, item any) error {
	if x.limiter != nil {
		if err := x.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	for _, q := range x.outs {
		if err := q.Push(ctx, item); err != nil {
			return err
		}
	}
	x.itemsOut.Add(1)
	x.metrics.emitted(ctx, string(x.rn.Kind), 1)
	return nil
}

// feed starts a goroutine delivering input to a consumer: first the items
// consumed by earlier attempts, then fresh items from the merged input
// queues. wait blocks until the feeder exits and returns its error,
// ignoring the context error left by the caller cancelling ctx.
func (x *nodeExecutor) feed(ctx context.Context, want registry.DataType) (<-chan any, func() error) {
	ch := make(chan any)
	errc := make(chan error, 1)
	go func() {
		defer close(ch)
		errc <- x.pump(ctx, ch, want)
	}()
	return ch, func() error {
		err := <-errc
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

func (x *nodeExecutor) pump(ctx context.Context, ch chan<- any, want registry.DataType) error {
	for _, item := range x.replay {
		if err := x.deliver(ctx, ch, item, want); err != nil {
			return err
		}
	}
	for {
		item, ok, err := x.input.next(ctx)
		if err != nil || !ok {
			return err
		}
		x.itemsIn.Add(1)
		if x.keepReplay {
			x.replay = append(x.replay, item)
		}
		if err := x.deliver(ctx, ch, item, want); err != nil {
			return err
		}
	}
}

// deliver hands item to the consumer, converting raw blobs first when the
// consumer expects a structured type.
func (x *nodeExecutor) deliver(ctx context.Context, ch chan<- any, item any, want registry.DataType) error {
	blob, isBlob := asBlob(item)
	if !isBlob || !want.Structured() {
		return send(ctx, ch, item)
	}

	converted, err := x.ec.Loaders.Convert(ctx, blob, want)
	if err != nil {
		e := pipeerr.Runtime(fmt.Errorf("convert %s to %s: %w", blob.Name, want, err), false)
		e.Op = "load"
		e.NodeID = x.rn.ID()
		return e
	}
	if len(converted) == 0 {
		x.logger.Warn("item produced nothing after conversion, skipping",
			slog.String("blob", blob.Name),
			slog.String("content_type", blob.ContentType),
			slog.String("want", string(want)),
		)
		return nil
	}
	for _, v := range converted {
		if err := send(ctx, ch, v); err != nil {
			return err
		}
	}
	return nil
}

func asBlob(item any) (*registry.Blob, bool) {
	switch b := item.(type) {
	case *registry.Blob:
		return b, b != nil
	case registry.Blob:
		return &b, true
	}
	return nil, false
}

func send(ctx context.Context, ch chan<- any, v any) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mergedInput interleaves every incoming queue of a node in arrival
// order. Forwarders live for the whole node, so an item popped during a
// failed attempt is handed to the next one.
type mergedInput struct {
	ch chan any
}

func mergeInputs(ctx context.Context, queues []*Queue) *mergedInput {
	m := &mergedInput{ch: make(chan any)}
	var wg sync.WaitGroup
	for _, q := range queues {
		q.Attach()
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			for {
				item, ok, err := q.Pop(ctx)
				if err != nil || !ok {
					return
				}
				select {
				case m.ch <- item:
				case <-ctx.Done():
					return
				}
			}
		}(q)
	}
	go func() {
		wg.Wait()
		close(m.ch)
	}()
	return m
}

func (m *mergedInput) next(ctx context.Context) (any, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case item, ok := <-m.ch:
		if !ok {
			return nil, false, ctx.Err()
		}
		return item, true, nil
	}
}
