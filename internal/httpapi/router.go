// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package httpapi exposes the claims-assistant API over HTTP.
//
// Error bodies are deliberately flat: a machine-readable status code and a
// generic message. Request content, session contents, and provider errors
// never appear in a response body; the details go to the (redacting) log.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// requestIDHeader carries the per-request correlation ID, generated here if
// the caller did not send one.
const requestIDHeader = "X-Request-ID"

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(requestID())
	r.Use(recovery(logger))
	r.Use(accessLog(logger))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.GET("/healthz", h.Health)

	v1 := r.Group("/v1")
	v1.POST("/sessions", h.CreateSession)
	v1.POST("/sessions/:id/ask", h.Ask)
	v1.DELETE("/sessions/:id", h.DestroySession)
	v1.POST("/evaluate", h.Evaluate)

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// recovery turns a handler panic into a 500 instead of tearing down the
// process. The panic value goes through the redacting logger, not the body.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", c.FullPath()),
					zap.String("request_id", c.GetString("request_id")))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// accessLog logs one line per request. Paths carry no content (session IDs
// are random), and the query string is never logged.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("request_id", c.GetString("request_id")))
	}
}
