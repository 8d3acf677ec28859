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
)

// DiagnosisService is the AI diagnosis port the control surface drives
// (spec §4.11, §6 /ai-diagnosis).
type DiagnosisService interface {
	AnalyzeError(ctx context.Context, aggregationID int64, projectVersion string, force bool) error
}

// postAnalyzeError handles POST /ai-diagnosis/error/:id/analyze: runs the
// full diagnosis pipeline for one aggregation (spec §4.11). force=true
// re-invokes the LLM and appends a new history entry even if the
// aggregation already carries an aiDiagnosis; omitted/false is a no-op in
// that case.
func (a *API) postAnalyzeError(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be numeric")
		return
	}
	var req struct {
		ProjectVersion string `json:"projectVersion"`
		Force          bool   `json:"force"`
	}
	_ = c.ShouldBindJSON(&req)
	if !req.Force {
		req.Force = c.Query("force") == "true"
	}

	if err := a.Diagnosis.AnalyzeError(c.Request.Context(), id, req.ProjectVersion, req.Force); err != nil {
		fail(c, err)
		return
	}
	agg, err := a.Aggregation.GetAggregation(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, agg)
}

// postComprehensiveAnalysis handles POST /ai-diagnosis/comprehensive-analysis:
// the same pipeline addressed by aggregationId in the request body rather
// than a path parameter, matching the batch-friendly dashboard action that
// can target any aggregation without a route per id.
func (a *API) postComprehensiveAnalysis(c *gin.Context) {
	var req struct {
		AggregationID  int64  `json:"aggregationId" binding:"required"`
		ProjectVersion string `json:"projectVersion"`
		Force          bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	if err := a.Diagnosis.AnalyzeError(c.Request.Context(), req.AggregationID, req.ProjectVersion, req.Force); err != nil {
		fail(c, err)
		return
	}
	agg, err := a.Aggregation.GetAggregation(c.Request.Context(), req.AggregationID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, agg)
}
