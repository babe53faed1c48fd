// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runs

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrSweeperRunning is returned by Start when the sweeper is active.
var ErrSweeperRunning = errors.New("run sweeper is already running")

type sweeper struct {
	done chan struct{}
}

// Start launches the background sweeper evicting expired runs every
// CleanupInterval. It stops when ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweeper != nil {
		return ErrSweeperRunning
	}
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	s := &sweeper{done: make(chan struct{})}
	m.sweeper = s

	m.logger.Info("run sweeper starting",
		slog.Duration("interval", interval),
		slog.Duration("ttl", m.cfg.TTL),
	)
	go m.sweepLoop(ctx, s, interval)
	return nil
}

// Stop halts the sweeper. Stopping a stopped sweeper is a no-op.
func (m *Manager) Stop() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweeper == nil {
		return
	}
	close(m.sweeper.done)
	m.sweeper = nil
}

func (m *Manager) sweepLoop(ctx context.Context, s *sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("run sweeper stopped (context cancelled)")
			return
		case <-s.done:
			m.logger.Info("run sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Info("evicted expired runs", slog.Int("count", n))
			} else {
				m.logger.Debug("run sweep found nothing to evict")
			}
		}
	}
}
