// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/runs"
)

// ValidateRequest is the body of POST /v1/graphs/validate.
type ValidateRequest struct {
	Graph       json.RawMessage      `json:"graph" binding:"required"`
	Connections pipeline.Connections `json:"connections"`
}

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Graph       json.RawMessage      `json:"graph" binding:"required"`
	Connections pipeline.Connections `json:"connections"`
	RunID       string               `json:"runId" binding:"omitempty,max=128"`
	Resume      bool                 `json:"resume"`
	Checkpoint  bool                 `json:"checkpoint"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) validateGraph(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: string(pipeerr.KindValidation)})
		return
	}
	c.JSON(http.StatusOK, s.engine.Validate([]byte(req.Graph), req.Connections))
}

func (s *Server) submitRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: string(pipeerr.KindValidation)})
		return
	}
	opts := pipeline.RunOptions{RunID: req.RunID, Resume: req.Resume, Checkpoint: req.Checkpoint}
	ctx := c.Request.Context()

	if c.Query("sync") == "true" {
		res, err := s.engine.ExecuteSync(ctx, []byte(req.Graph), req.Connections, opts)
		if err != nil {
			s.reject(c, err)
			return
		}
		s.metrics.RunsSubmitted.WithLabelValues("sync").Inc()
		status := runs.StatusCompleted
		if state, ok := s.engine.GetRun(res.RunID); ok {
			status = state.Status
		}
		s.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
		c.JSON(http.StatusOK, res)
		return
	}

	id, err := s.engine.Execute(ctx, []byte(req.Graph), req.Connections, opts)
	if err != nil {
		s.reject(c, err)
		return
	}
	s.metrics.RunsSubmitted.WithLabelValues("async").Inc()
	go s.observe(id)
	c.JSON(http.StatusAccepted, gin.H{"runId": id})
}

// observe counts the terminal status of a background run.
func (s *Server) observe(id string) {
	state, err := s.engine.Wait(context.Background(), id)
	if err != nil {
		return
	}
	s.metrics.RunsFinished.WithLabelValues(string(state.Status)).Inc()
}

func (s *Server) reject(c *gin.Context, err error) {
	kind := pipeerr.KindOf(err)
	s.metrics.RunsRejected.WithLabelValues(string(kind)).Inc()

	code := http.StatusInternalServerError
	switch kind {
	case pipeerr.KindValidation:
		code = http.StatusBadRequest
	case pipeerr.KindCancellation:
		code = http.StatusServiceUnavailable
	default:
		s.logger.Error("run submission failed", slog.String("error", err.Error()))
	}
	c.JSON(code, ErrorResponse{Error: err.Error(), Kind: string(kind), Details: pipeerr.Details(err)})
}

func (s *Server) listRuns(c *gin.Context) {
	status := runs.Status(c.Query("status"))
	switch status {
	case "", runs.StatusPending, runs.StatusRunning, runs.StatusCompleted, runs.StatusFailed, runs.StatusCancelled:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown status " + string(status), Kind: string(pipeerr.KindValidation)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": s.engine.ListRuns(status)})
}

func (s *Server) getRun(c *gin.Context) {
	state, ok := s.engine.GetRun(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: runs.ErrRunNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.engine.GetRun(id); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: runs.ErrRunNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": s.engine.CancelRun(id)})
}

func (s *Server) listPlugins(c *gin.Context) {
	reg := s.engine.Registry()
	c.JSON(http.StatusOK, gin.H{
		"modules": reg.Modules(),
		"entries": reg.Catalogue(),
	})
}
