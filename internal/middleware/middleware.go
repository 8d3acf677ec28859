// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides the gin middleware mounted on the control
// surface (spec §6, §9): request logging with a correlation id, panic
// recovery that never leaks a stack trace to the client, bearer-token auth
// for the admin routes, and project-apiKey auth for the /monitor and
// /error-logs route groups.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/logging"
)

const correlationHeader = "X-Correlation-Id"

// CorrelationID attaches a correlation id to every request — generating
// one when the caller didn't send one — and binds a request-scoped logger
// to the gin context so handlers never log without it (spec §9).
func CorrelationID(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(correlationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx, reqLogger := logging.WithCorrelationID(c.Request.Context(), base, cid)
		c.Request = c.Request.WithContext(ctx)
		c.Set("logger", reqLogger)
		c.Header(correlationHeader, cid)
		c.Next()
	}
}

// LoggerFrom retrieves the request-scoped logger set by CorrelationID,
// falling back to base if the middleware wasn't mounted (e.g. in tests).
func LoggerFrom(c *gin.Context, base *logging.Logger) *logging.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*logging.Logger); ok {
			return l
		}
	}
	return base
}

// Recovery converts a panic in any handler into a 500 Internal envelope
// instead of letting gin's default recovery print a bare stack trace.
func Recovery(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				LoggerFrom(c, base).Error("panic recovered", "panic", r, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"message": "internal server error",
					"error":   string(apperrors.KindInternal),
				})
			}
		}()
		c.Next()
	}
}

// RequestLog logs method/path/status/duration for every request at Info,
// mirroring how the ingestion pipeline needs a visible audit trail without
// needing to read it out of a reverse-proxy log.
func RequestLog(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		LoggerFrom(c, base).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// BearerAuth extracts "Authorization: Bearer <token>" and rejects the
// request unless it equals expected. A request without a bearer token is
// always rejected; an empty expected value accepts any non-empty token.
func BearerAuth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "missing bearer token",
				"error":   string(apperrors.KindUnauthorized),
			})
			return
		}
		if expected != "" && token != expected {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "invalid bearer token",
				"error":   string(apperrors.KindForbidden),
			})
			return
		}
		c.Set("bearer_token", token)
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// APIKeyAuth validates the project apiKey used by the /monitor and
// /error-logs route groups, looking it up via lookupProjectByKey and
// storing the resolved projectId.
func APIKeyAuth(lookupProjectByKey func(apiKey string) (projectID string, ok bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("apiKey")
		}
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "missing project api key",
				"error":   string(apperrors.KindUnauthorized),
			})
			return
		}
		projectID, ok := lookupProjectByKey(apiKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "invalid project api key",
				"error":   string(apperrors.KindForbidden),
			})
			return
		}
		c.Set("project_id", projectID)
		c.Next()
	}
}
