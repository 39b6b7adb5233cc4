// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the analysis engine over HTTP.
//
// Routes:
//
//	POST /v1/nma/analyze    full report for a dataset
//	POST /v1/nma/validate   validation only
//	GET  /v1/nma/health     liveness
//	GET  /metrics           Prometheus, when the exporter is active
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianNMA/services/nma/batch"
	"github.com/AleutianAI/AleutianNMA/services/nma/dataset"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
	"github.com/AleutianAI/AleutianNMA/services/nma/pipeline"
	"github.com/AleutianAI/AleutianNMA/services/nma/ranking"
	"github.com/AleutianAI/AleutianNMA/services/nma/telemetry"
)

// RequestIDHeader carries the request ID in and out.
const RequestIDHeader = "X-Request-ID"

// Options configures the router.
type Options struct {
	// ServiceName labels server spans.
	ServiceName string

	// MaxBodyBytes limits request bodies. Zero means 8 MiB.
	MaxBodyBytes int64

	// Logger receives request logs. Nil discards them.
	Logger *slog.Logger

	// Metrics serves /metrics when non-nil.
	Metrics http.Handler

	// RateLimit caps analyze requests per second across all clients.
	// Zero disables the limit.
	RateLimit float64

	// RateBurst is the limiter bucket size. Values below 1 mean 1.
	RateBurst int
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Kind      string                 `json:"kind"`
	RequestID string                 `json:"request_id,omitempty"`
	Detail    *model.ValidationError `json:"detail,omitempty"`

	// Treatments names the treatments implicated in a singular network.
	Treatments []string `json:"treatments,omitempty"`
}

// ValidateResponse is the body of a successful validation.
type ValidateResponse struct {
	Valid      bool     `json:"valid"`
	Treatments []string `json:"treatments"`
	Reference  string   `json:"reference"`
	Studies    int      `json:"studies"`
	Contrasts  int      `json:"contrasts"`
}

type server struct {
	engine  *pipeline.Engine
	logger  *slog.Logger
	started time.Time
}

// NewRouter builds the gin engine.
func NewRouter(engine *pipeline.Engine, opts Options) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "netmeta"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	s := &server{engine: engine, logger: opts.Logger, started: time.Now()}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(requestID())
	router.Use(accessLog(opts.Logger))
	router.Use(limitBody(opts.MaxBodyBytes))

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := router.Group("/v1/nma")
	{
		v1.GET("/health", s.health)
		v1.POST("/validate", s.validate)
		v1.POST("/analyze", throttle(opts.RateLimit, opts.RateBurst), s.analyze)
	}
	return router
}

// NewDefaultRouter uses the global Prometheus handler from telemetry.Init.
func NewDefaultRouter(engine *pipeline.Engine, opts Options) *gin.Engine {
	if opts.Metrics == nil {
		opts.Metrics = telemetry.MetricsHandler()
	}
	return NewRouter(engine, opts)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// throttle rejects requests beyond the limiter with 429. A non-positive
// limit returns a pass-through handler.
func throttle(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "analysis rate limit exceeded",
				Kind:      "rate_limited",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *server) validate(c *gin.Context) {
	ds, ok := s.bind(c)
	if !ok {
		return
	}
	set, err := s.engine.Validate(ds)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{
		Valid:      true,
		Treatments: set.Labels(),
		Reference:  set.Reference(),
		Studies:    len(model.GroupStudies(ds.Contrasts)),
		Contrasts:  len(ds.Contrasts),
	})
}

func (s *server) analyze(c *gin.Context) {
	ds, ok := s.bind(c)
	if !ok {
		return
	}
	rep, err := s.engine.Run(c.Request.Context(), ds)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *server) bind(c *gin.Context) (*dataset.Dataset, bool) {
	var ds dataset.Dataset
	if err := c.ShouldBindJSON(&ds); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.AbortWithStatusJSON(status, ErrorResponse{
			Error:     err.Error(),
			Kind:      "bad_request",
			RequestID: c.GetString("request_id"),
		})
		return nil, false
	}
	return &ds, true
}

// fail maps an engine error onto a status code.
func (s *server) fail(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error(), RequestID: c.GetString("request_id")}
	status := http.StatusInternalServerError

	var verr *model.ValidationError
	var serr *network.SingularityError
	switch {
	case errors.As(err, &verr):
		status, resp.Kind, resp.Detail = http.StatusUnprocessableEntity, "validation", verr
	case errors.Is(err, model.ErrValidation):
		status, resp.Kind = http.StatusUnprocessableEntity, "validation"
	case errors.As(err, &serr):
		status, resp.Kind, resp.Treatments = http.StatusUnprocessableEntity, "numerical_singularity", serr.Treatments
	case errors.Is(err, ranking.ErrNoValidResamples):
		status, resp.Kind = http.StatusUnprocessableEntity, "no_valid_resamples"
	case errors.Is(err, batch.ErrCancelled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, resp.Kind = http.StatusServiceUnavailable, "cancelled"
	default:
		resp.Kind = "internal"
		s.logger.Error("analysis failed", "request_id", resp.RequestID, "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}
