// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the pipeline engine over HTTP.
//
// Routes:
//
//	GET    /health
//	GET    /metrics
//	POST   /v1/graphs/validate
//	POST   /v1/runs              (?sync=true waits for the RunResult)
//	GET    /v1/runs              (?status= filters)
//	GET    /v1/runs/:id
//	DELETE /v1/runs/:id
//	GET    /v1/runs/:id/events   websocket stream of progress events
//	GET    /v1/plugins
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianFlow/services/pipeline"
)

// Options configures a Server.
type Options struct {
	Logger *slog.Logger

	// Metrics defaults to DefaultMetrics().
	Metrics *Metrics

	// MetricsHandler serves /metrics. Nil uses promhttp.Handler().
	MetricsHandler http.Handler

	// WebSockets enables GET /v1/runs/:id/events.
	WebSockets bool

	// ServiceName names the otelgin server spans.
	ServiceName string
}

// Server is the HTTP front of an Engine.
type Server struct {
	engine   *pipeline.Engine
	logger   *slog.Logger
	metrics  *Metrics
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a Server for e.
func NewServer(e *pipeline.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = DefaultMetrics()
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "aleutianflow"
	}
	return &Server{
		engine:  e,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.opts.ServiceName))
	router.Use(s.metrics.middleware())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(s.opts.MetricsHandler))

	v1 := router.Group("/v1")
	{
		v1.POST("/graphs/validate", s.validateGraph)
		v1.GET("/plugins", s.listPlugins)

		runs := v1.Group("/runs")
		{
			runs.POST("", s.submitRun)
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
			runs.DELETE("/:id", s.cancelRun)
			if s.opts.WebSockets {
				runs.GET("/:id/events", s.streamEvents)
			}
		}
	}
	return router
}

// ListenAndServe serves on addr until ctx ends, then shuts the HTTP
// server down gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
