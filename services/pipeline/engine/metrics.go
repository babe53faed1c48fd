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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutianflow.pipeline")
	meter  = otel.Meter("aleutianflow.pipeline")
)

// instruments holds the scheduler's otel metrics. Any of them may be nil
// when creation failed; recording then becomes a no-op.
type instruments struct {
	nodeLatency  metric.Float64Histogram
	nodeSuccess  metric.Int64Counter
	nodeFailure  metric.Int64Counter
	activeNodes  metric.Int64UpDownCounter
	itemsEmitted metric.Int64Counter
	runLatency   metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metrics     instruments
)

// initMetrics creates the instruments once per process. Failures are
// logged and leave the affected instrument nil.
func initMetrics(logger *slog.Logger) *instruments {
	metricsOnce.Do(func() {
		var failed []string
		var err error

		metrics.nodeLatency, err = meter.Float64Histogram("pipeline_node_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "node_latency: "+err.Error())
		}

		metrics.nodeSuccess, err = meter.Int64Counter("pipeline_node_success_total",
			metric.WithDescription("Number of nodes that finished successfully"),
		)
		if err != nil {
			failed = append(failed, "node_success: "+err.Error())
		}

		metrics.nodeFailure, err = meter.Int64Counter("pipeline_node_failure_total",
			metric.WithDescription("Number of nodes that failed"),
		)
		if err != nil {
			failed = append(failed, "node_failure: "+err.Error())
		}

		metrics.activeNodes, err = meter.Int64UpDownCounter("pipeline_active_nodes",
			metric.WithDescription("Number of node bodies currently executing"),
		)
		if err != nil {
			failed = append(failed, "active_nodes: "+err.Error())
		}

		metrics.itemsEmitted, err = meter.Int64Counter("pipeline_items_emitted_total",
			metric.WithDescription("Items pushed onto edge queues"),
		)
		if err != nil {
			failed = append(failed, "items_emitted: "+err.Error())
		}

		metrics.runLatency, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total run execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "run_latency: "+err.Error())
		}

		if len(failed) > 0 {
			logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(failed)),
				slog.Any("errors", failed),
			)
		}
	})
	return &metrics
}

func (m *instruments) nodeStarted(ctx context.Context, kind string) {
	if m.activeNodes != nil {
		m.activeNodes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *instruments) nodeFinished(ctx context.Context, kind string, d time.Duration, ok bool) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if m.activeNodes != nil {
		m.activeNodes.Add(ctx, -1, attrs)
	}
	if m.nodeLatency != nil {
		m.nodeLatency.Record(ctx, d.Seconds(), attrs)
	}
	if ok && m.nodeSuccess != nil {
		m.nodeSuccess.Add(ctx, 1, attrs)
	}
	if !ok && m.nodeFailure != nil {
		m.nodeFailure.Add(ctx, 1, attrs)
	}
}

func (m *instruments) emitted(ctx context.Context, kind string, n int64) {
	if m.itemsEmitted != nil && n > 0 {
		m.itemsEmitted.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *instruments) runFinished(ctx context.Context, status RunStatus, d time.Duration) {
	if m.runLatency != nil {
		m.runLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", string(status))))
	}
}
