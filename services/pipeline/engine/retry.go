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
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/graph"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
)

// maxBackoff caps uncapped exponential policies.
const maxBackoff = time.Hour

// attemptFunc is one try of a node body. attempt starts at 1.
type attemptFunc func(ctx context.Context, attempt int) error

// Backoff returns the wait before retry number retry (0 for the first
// retry).
//
//   - fixed: InitialDelayMs
//   - exponential: min(InitialDelayMs * 2^retry, MaxDelayMs)
//   - jitter: the exponential delay scaled by a uniform factor in [0, 1)
//
// A zero MaxDelayMs caps the exponential delay at maxBackoff.
func Backoff(p graph.RetryPolicy, retry int) time.Duration {
	initial := time.Duration(p.InitialDelayMs) * time.Millisecond
	if p.Backoff == graph.BackoffFixed || p.Backoff == "" {
		return initial
	}

	ceiling := maxBackoff
	if p.MaxDelayMs > 0 {
		ceiling = time.Duration(p.MaxDelayMs) * time.Millisecond
	}
	d := initial
	for i := 0; i < retry && d > 0 && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	if p.Backoff == graph.BackoffJitter {
		d = time.Duration(float64(d) * rand.Float64())
	}
	return d
}

// retry runs fn until it succeeds, returns a non-retryable error, or
// p.MaxRetries extra attempts are used up. It returns the number of
// attempts made and the last error.
func retry(ctx context.Context, p graph.RetryPolicy, logger *slog.Logger, nodeID string, fn attemptFunc) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempt - 1, err
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !pipeerr.IsRetryable(err) || attempt > p.MaxRetries {
			return attempt, err
		}

		wait := Backoff(p, attempt-1)
		logger.Warn("node attempt failed, retrying",
			slog.String("node_id", nodeID),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", p.MaxRetries),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, err
			case <-timer.C:
			}
		}
	}
}
