// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats serves Sentinel's read API and the manual-clear endpoint
// over gin.
//
// # Endpoints
//
//	GET  /health                 engine liveness
//	GET  /v1/status              services and host snapshot
//	GET  /v1/stats               action counts and MTBF over a window
//	GET  /v1/events              paginated event query
//	GET  /v1/events/stream       websocket live event feed
//	POST /v1/services/:id/clear  lift a suspension
//	GET  /metrics                Prometheus
package stats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/pkg/validation"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/eventlog"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// Engine is the live state the API reads and the clear operation.
type Engine interface {
	Services() []model.ServiceSnapshot
	Host() model.HostSnapshot
	// LastProcessed is when the engine last finished handling an
	// observation, or its start time.
	LastProcessed() time.Time
	// ClearService lifts a suspension. It returns model.ErrUnknownService
	// for ids not in the configuration.
	ClearService(ctx context.Context, id string) (bool, error)
}

// EventSource is the subset of *eventlog.Store the API reads.
type EventSource interface {
	Query(ctx context.Context, q eventlog.Query) (eventlog.Page, error)
	Scan(ctx context.Context, since, until time.Time, fn func(model.Event) bool) error
	Subscribe(buffer int) (<-chan model.Event, func())
}

// Options configures a Server.
type Options struct {
	Engine Engine
	Events EventSource
	// Metrics serves /metrics. Default: promhttp.Handler().
	Metrics http.Handler
	Logger  *logging.Logger
	// LivenessTimeout is how stale LastProcessed may be before /health
	// reports 503.
	LivenessTimeout time.Duration
	// Window returns the default stats window, normally the restart window
	// in force.
	Window      func() time.Duration
	ServiceName string
	Now         func() time.Time
}

// Server is the HTTP API.
type Server struct {
	engine   Engine
	events   EventSource
	logger   *logging.Logger
	liveness time.Duration
	window   func() time.Duration
	now      func() time.Time
	router   *gin.Engine
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil || opts.Events == nil {
		return nil, errors.New("stats: engine and event source are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 2 * time.Minute
	}
	if opts.Window == nil {
		opts.Window = func() time.Duration { return time.Hour }
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "aleutian-sentinel"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		engine:   opts.Engine,
		events:   opts.Events,
		logger:   opts.Logger.Component("stats"),
		liveness: opts.LivenessTimeout,
		window:   opts.Window,
		now:      opts.Now,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(opts.Metrics))

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/stats", s.handleStats)
		v1.GET("/events", s.handleEvents)
		v1.GET("/events/stream", s.handleStream)
		v1.POST("/services/:id/clear", s.handleClear)
	}
	s.router = router
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("stats API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("stats API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stats API shutdown: %w", err)
		}
		return nil
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	last := s.engine.LastProcessed()
	age := s.now().Sub(last)
	body := gin.H{
		"last_processed": last,
		"age_seconds":    age.Seconds(),
	}
	if age > s.liveness {
		body["status"] = "stalled"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

// StatusResponse is the /v1/status payload.
type StatusResponse struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Host        model.HostSnapshot      `json:"host"`
	Services    []model.ServiceSnapshot `json:"services"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		GeneratedAt: s.now(),
		Host:        s.engine.Host(),
		Services:    s.engine.Services(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	window := s.window()
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid window %q", raw)})
			return
		}
		window = d
	}
	until := s.now()
	since := until.Add(-window)

	acc := NewAccumulator(since, until)
	if err := s.events.Scan(c.Request.Context(), since, until, acc.Add); err != nil {
		s.logger.Error("stats scan failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event log"})
		return
	}
	c.JSON(http.StatusOK, acc.Report())
}

func (s *Server) handleEvents(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := s.events.Query(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, eventlog.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("event query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event log"})
		return
	}
	if page.Events == nil {
		page.Events = []model.Event{}
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleClear(c *gin.Context) {
	id, err := validation.SanitizeServiceName(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	was, err := s.engine.ClearService(c.Request.Context(), id)
	switch {
	case errors.Is(err, model.ErrUnknownService):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown service %q", id)})
		return
	case err != nil:
		s.logger.Error("manual clear failed", "service", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("service cleared via API", "service", id, "was_suspended", was)
	c.JSON(http.StatusOK, gin.H{"service": id, "was_suspended": was})
}

// parseQuery maps query parameters onto an eventlog.Query.
func parseQuery(c *gin.Context) (eventlog.Query, error) {
	var q eventlog.Query
	if raw := c.Query("severity"); raw != "" {
		sev, err := model.ParseSeverity(raw)
		if err != nil {
			return q, err
		}
		q.MinSeverity = sev
	}
	q.Target = c.Query("target")
	switch kind := model.EventKind(c.Query("kind")); kind {
	case "", model.EventTransition, model.EventRemediation:
		q.Kind = kind
	default:
		return q, fmt.Errorf("invalid kind %q", kind)
	}
	var err error
	if q.Since, err = parseTime(c.Query("since")); err != nil {
		return q, fmt.Errorf("invalid since: %w", err)
	}
	if q.Until, err = parseTime(c.Query("until")); err != nil {
		return q, fmt.Errorf("invalid until: %w", err)
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = n
	}
	q.Cursor = c.Query("cursor")
	return q, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
