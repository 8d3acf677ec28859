// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lqt0707/monitor-sub002/pkg/sourcemap"
	"github.com/lqt0707/monitor-sub002/pkg/stackparser"
)

// LocationResolver is the source-map resolution port the control surface
// drives (spec §4.3, §6 /error-location).
type LocationResolver interface {
	Resolve(ctx context.Context, projectID, version string, frames []stackparser.Frame) ([]sourcemap.ResolvedFrame, error)
	ClearCache()
	CacheLen() int
}

type resolveLocationRequest struct {
	ProjectID      string `json:"projectId" binding:"required"`
	ProjectVersion string `json:"projectVersion" binding:"required"`
	File           string `json:"file" binding:"required"`
	Line           int    `json:"line" binding:"required"`
	Column         int    `json:"column"`
	Function       string `json:"function"`
}

// postResolveLocation handles POST /error-location/resolve: resolves one
// minified stack frame against the source-map stored for the requested
// project version (spec
// §4.3). A frame whose map is missing resolves to {resolved: false}
// rather than an error.
func (a *API) postResolveLocation(c *gin.Context) {
	var req resolveLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	frame := stackparser.Frame{Function: req.Function, File: req.File, Line: req.Line, Col: req.Column}
	resolved, err := a.Location.Resolve(c.Request.Context(), req.ProjectID, req.ProjectVersion, []stackparser.Frame{frame})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, resolved[0])
}

// getErrorSourceCode handles GET /error-location/error/:errorId/source-code:
// resolves every frame of a stored ErrorLog's stack trace in one call,
// reusing the same stack text the ingestion path already parsed once to
// populate ErrorLog.SourceFile/SourceLine.
func (a *API) getErrorSourceCode(c *gin.Context) {
	errID, err := strconv.ParseInt(c.Param("errorId"), 10, 64)
	if err != nil {
		badRequest(c, "errorId must be numeric")
		return
	}

	log, err := a.ErrorLogs.GetErrorLog(c.Request.Context(), errID)
	if err != nil {
		fail(c, err)
		return
	}
	if log.ErrorStack == nil || log.ProjectVersion == nil {
		ok(c, http.StatusOK, gin.H{"errorId": errID, "frames": []sourcemap.ResolvedFrame{}})
		return
	}

	frames := stackparser.Parse(*log.ErrorStack)
	resolved, err := a.Location.Resolve(c.Request.Context(), log.ProjectID, *log.ProjectVersion, frames)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"errorId": errID, "frames": resolved})
}

// postClearLocationCache handles POST /error-location/clear-cache: evicts
// every cached source-map consumer (spec §4.3 cache-bust control, §6).
func (a *API) postClearLocationCache(c *gin.Context) {
	sizeBefore := a.Location.CacheLen()
	a.Location.ClearCache()
	ok(c, http.StatusOK, gin.H{"evicted": sizeBefore})
}
