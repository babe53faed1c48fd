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
	"sync"
)

// ErrQueueClosed is returned by Push after the producer closed the queue.
var ErrQueueClosed = errors.New("edge queue closed")

// Queue is the bounded FIFO behind one graph edge.
//
// # Description
//
// The producer pushes and finally closes. The consumer pops until Pop
// reports end of stream. Capacity is only enforced once the consumer has
// attached: before that, pushes are buffered without limit so a producer
// that finishes before its consumer starts never blocks. Once attached, a
// full queue blocks the producer until the consumer catches up.
//
// When the consumer finishes without draining, Discard drops the buffer
// and turns further pushes into no-ops so the producer is never stranded.
//
// # Thread Safety
//
// Safe for one producer and one consumer running concurrently.
type Queue struct {
	mu        sync.Mutex
	items     []any
	head      int
	capacity  int
	attached  bool
	closed    bool
	discarded bool
	dropped   int
	changed   chan struct{}
}

// NewQueue creates a queue holding at most capacity items once attached.
// A capacity below 1 is treated as 1.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity, changed: make(chan struct{})}
}

// broadcast wakes every waiter. Callers hold mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) size() int { return len(q.items) - q.head }

// Push appends item, blocking while an attached queue is full.
func (q *Queue) Push(ctx context.Context, item any) error {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return ErrQueueClosed
		case q.discarded:
			q.dropped++
			q.mu.Unlock()
			return nil
		case !q.attached || q.size() < q.capacity:
			q.items = append(q.items, item)
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Pop removes the oldest item. ok is false once the queue is closed and
// drained.
func (q *Queue) Pop(ctx context.Context) (item any, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.size() > 0 {
			item = q.items[q.head]
			q.items[q.head] = nil
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			q.broadcast()
			q.mu.Unlock()
			return item, true, nil
		}
		if q.closed || q.discarded {
			q.mu.Unlock()
			return nil, false, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wait:
		}
	}
}

// Attach marks the consumer as running and enables backpressure.
func (q *Queue) Attach() {
	q.mu.Lock()
	q.attached = true
	q.broadcast()
	q.mu.Unlock()
}

// Close signals end of stream. Closing twice is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	q.mu.Unlock()
}

// Discard drops buffered items and makes later pushes no-ops.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.dropped += q.size()
	q.items = nil
	q.head = 0
	q.discarded = true
	q.broadcast()
	q.mu.Unlock()
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Dropped returns how many items were thrown away by Discard.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
