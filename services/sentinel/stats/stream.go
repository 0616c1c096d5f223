// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

const (
	streamBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// handleStream pushes every new event as one JSON message. The optional
// severity and target query parameters filter the feed. Events are sent
// only after they are durably appended; a slow client misses events
// rather than stalling the engine.
func (s *Server) handleStream(c *gin.Context) {
	var minSev model.Severity
	if raw := c.Query("severity"); raw != "" {
		sev, err := model.ParseSeverity(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		minSev = sev
	}
	target := c.Query("target")

	// Subscribe before the handshake completes so no event appended after
	// the client connects is missed.
	events, cancel := s.events.Subscribe(streamBuffer)
	defer cancel()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// The reader only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event log closed"), time.Now().Add(writeTimeout))
				return
			}
			if ev.Severity() < minSev || (target != "" && !touches(ev, target)) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func touches(ev model.Event, target string) bool {
	if ev.Target() == target {
		return true
	}
	if ev.Remediation == nil {
		return false
	}
	for _, t := range ev.Remediation.Targets {
		if t == target {
			return true
		}
	}
	return false
}
