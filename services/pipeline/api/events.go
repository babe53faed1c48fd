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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/runs"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// EventMessage is one websocket frame of GET /v1/runs/:id/events.
// Type is "progress" for engine events and "finished" for the final
// frame, which carries the run state.
type EventMessage struct {
	Type  string                `json:"type"`
	Event *engine.ProgressEvent `json:"event,omitempty"`
	State *runs.RunState        `json:"state,omitempty"`
}

func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	events, unsubscribe, err := s.engine.Subscribe(id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	defer unsubscribe()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("run_id", id), slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	s.metrics.EventStreams.Inc()
	defer s.metrics.EventStreams.Dec()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	logger := s.logger.With(slog.String("run_id", id))
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.finishStream(ws, id, logger)
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(EventMessage{Type: "progress", Event: &ev}); err != nil {
				logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			logger.Debug("event stream client disconnected")
			return
		}
	}
}

func (s *Server) finishStream(ws *websocket.Conn, id string, logger *slog.Logger) {
	msg := EventMessage{Type: "finished"}
	if state, ok := s.engine.GetRun(id); ok {
		msg.State = &state
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(msg); err != nil {
		logger.Debug("event stream write failed", slog.String("error", err.Error()))
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(writeWait))
}
