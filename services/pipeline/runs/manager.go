// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runs tracks background pipeline runs.
//
// A Manager starts runs without blocking the caller, records per-node
// progress from the engine's progress events, supports cooperative
// cancellation, and evicts finished runs after a TTL so a long-lived
// server does not accumulate them.
package runs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
)

// ErrRunNotFound is returned for unknown or evicted run IDs.
var ErrRunNotFound = errors.New("run not found")

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeProgress is the latest known state of one node.
type NodeProgress struct {
	Status    engine.NodeStatus `json:"status"`
	Items     int64             `json:"items"`
	Context   any               `json:"context,omitempty"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// RunState is a snapshot of a run.
type RunState struct {
	RunID       string                  `json:"runId"`
	GraphID     string                  `json:"graphId"`
	Status      Status                  `json:"status"`
	Nodes       map[string]NodeProgress `json:"nodes"`
	Result      *engine.RunResult       `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
	StartedAt   time.Time               `json:"startedAt"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
}

// Summary is the listing form of a run.
type Summary struct {
	RunID       string     `json:"runId"`
	GraphID     string     `json:"graphId"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Executor runs a compiled plan. *engine.Scheduler implements it.
type Executor interface {
	Run(ctx context.Context, plan *compiler.Plan, bindings *compiler.Bindings, opts engine.ExecuteOptions) (*engine.RunResult, error)
}

// Config configures a Manager.
type Config struct {
	// TTL is how long finished runs stay queryable. Zero evicts a finished
	// run at the first sweep after it completes, so the sweeper's
	// CleanupInterval alone bounds how long it is visible.
	TTL time.Duration

	// CleanupInterval is the period of the background sweeper.
	CleanupInterval time.Duration

	Logger *slog.Logger

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultConfig returns a one hour TTL swept every minute.
func DefaultConfig() Config {
	return Config{TTL: time.Hour, CleanupInterval: time.Minute}
}

type run struct {
	state       RunState
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers map[int]chan engine.ProgressEvent
	nextSub     int
}

// Manager is the registry of background runs.
//
// # Thread Safety
//
// Safe for concurrent use. Submit, Get, Cancel, List and the sweeper are
// serialised on one mutex; run execution happens outside it.
type Manager struct {
	exec   Executor
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	sweepMu sync.Mutex
	sweeper *sweeper
}

// NewManager creates a Manager running plans on exec.
func NewManager(exec Executor, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		exec:   exec,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    now,
		runs:   map[string]*run{},
	}
}

// Submit starts plan in the background and returns its run ID.
//
// # Description
//
// ctx is checked for cancellation and its values (trace span, logger)
// flow into the run, but its cancellation does not: a submitted run
// outlives the request that started it and stops only through Cancel or
// Shutdown. opts.OnProgress, when set, is called after the Manager has
// recorded each event.
//
// # Outputs
//
//   - string: The run ID, opts.RunID when set.
//   - error: A cancellation error when ctx is already done.
func (m *Manager) Submit(ctx context.Context, plan *compiler.Plan, bindings *compiler.Bindings, opts engine.ExecuteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", pipeerr.Cancelled(err)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	id := opts.RunID

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		state: RunState{
			RunID:     id,
			GraphID:   plan.Definition.ID,
			Status:    StatusPending,
			Nodes:     make(map[string]NodeProgress, len(plan.Order)),
			StartedAt: m.now(),
		},
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: map[int]chan engine.ProgressEvent{},
	}
	for _, nodeID := range plan.Order {
		r.state.Nodes[nodeID] = NodeProgress{Status: engine.NodePending, UpdatedAt: r.state.StartedAt}
	}

	m.mu.Lock()
	if _, exists := m.runs[id]; exists {
		m.mu.Unlock()
		cancel()
		return "", pipeerr.Validation("submit", "run id already in use", id)
	}
	m.runs[id] = r
	m.mu.Unlock()

	user := opts.OnProgress
	opts.OnProgress = func(ev engine.ProgressEvent) {
		m.record(id, ev)
		if user != nil {
			user(ev)
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.setStatus(id, StatusRunning)
		res, err := m.exec.Run(runCtx, plan, bindings, opts)
		m.finish(id, res, err)
	}()

	m.logger.Info("run submitted", slog.String("run_id", id), slog.String("graph_id", plan.Definition.ID))
	return id, nil
}

func (m *Manager) setStatus(id string, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok && !r.state.Status.Terminal() {
		r.state.Status = s
	}
}

// record applies a progress event and forwards it to subscribers. Slow
// subscribers miss events rather than stall the run.
func (m *Manager) record(id string, ev engine.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return
	}
	p := r.state.Nodes[ev.NodeID]
	p.Status = ev.Status
	if ev.Items > p.Items {
		p.Items = ev.Items
	}
	if ev.Context != nil {
		p.Context = ev.Context
	}
	if ev.Error != "" {
		p.Error = ev.Error
	}
	p.UpdatedAt = m.now()
	r.state.Nodes[ev.NodeID] = p

	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) finish(id string, res *engine.RunResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return
	}
	now := m.now()
	r.state.CompletedAt = &now
	r.state.Result = res

	switch {
	case err != nil:
		r.state.Status = StatusFailed
		if pipeerr.KindOf(err) == pipeerr.KindCancellation {
			r.state.Status = StatusCancelled
		}
		r.state.Error = err.Error()
	case res.Cancelled:
		r.state.Status = StatusCancelled
	case res.Status == engine.RunFailure:
		r.state.Status = StatusFailed
	default:
		r.state.Status = StatusCompleted
	}
	if res != nil {
		for nodeID, nr := range res.Nodes {
			p := r.state.Nodes[nodeID]
			p.Status = nr.Status
			p.Error = nr.Error
			if nr.ItemsOut > p.Items {
				p.Items = nr.ItemsOut
			}
			p.UpdatedAt = now
			r.state.Nodes[nodeID] = p
		}
	}

	for key, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, key)
	}
	r.cancel()
	close(r.done)

	m.logger.Info("run finished",
		slog.String("run_id", id),
		slog.String("status", string(r.state.Status)),
		slog.Duration("duration", now.Sub(r.state.StartedAt)),
	)
}

// Get returns a snapshot of the run.
func (m *Manager) Get(id string) (RunState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return RunState{}, false
	}
	return r.state.clone(), true
}

func (s RunState) clone() RunState {
	c := s
	c.Nodes = make(map[string]NodeProgress, len(s.Nodes))
	for k, v := range s.Nodes {
		c.Nodes[k] = v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Cancel requests cooperative cancellation. It returns false for unknown
// runs and for runs that already finished.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.state.Status.Terminal() {
		return false
	}
	r.cancel()
	m.logger.Info("run cancellation requested", slog.String("run_id", id))
	return true
}

// List returns summaries ordered by start time, optionally filtered by
// status. An empty status lists every run.
func (m *Manager) List(status Status) []Summary {
	m.mu.Lock()
	out := make([]Summary, 0, len(m.runs))
	for _, r := range m.runs {
		if status != "" && r.state.Status != status {
			continue
		}
		s := Summary{
			RunID:     r.state.RunID,
			GraphID:   r.state.GraphID,
			Status:    r.state.Status,
			StartedAt: r.state.StartedAt,
		}
		if r.state.CompletedAt != nil {
			t := *r.state.CompletedAt
			s.CompletedAt = &t
		}
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (RunState, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return RunState{}, ErrRunNotFound
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return RunState{}, ctx.Err()
	}
	state, ok := m.Get(id)
	if !ok {
		return RunState{}, ErrRunNotFound
	}
	return state, nil
}

// Subscribe streams the run's progress events. The channel is closed when
// the run finishes; a finished run yields an already closed channel.
// Call the returned function to unsubscribe early.
func (m *Manager) Subscribe(id string) (<-chan engine.ProgressEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil, ErrRunNotFound
	}
	ch := make(chan engine.ProgressEvent, 256)
	if r.state.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	key := r.nextSub
	r.nextSub++
	r.subscribers[key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := r.subscribers[key]; ok {
				close(c)
				delete(r.subscribers, key)
			}
		})
	}, nil
}

// Sweep evicts runs that finished more than the TTL before now and
// returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, r := range m.runs {
		if r.state.CompletedAt == nil {
			continue
		}
		if now.Sub(*r.state.CompletedAt) > m.cfg.TTL {
			delete(m.runs, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels every active run, stops the sweeper and waits for the
// runs to settle or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()

	m.mu.Lock()
	for _, r := range m.runs {
		if !r.state.Status.Terminal() {
			r.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
