// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lqt0707/monitor-sub002/internal/models"
	"github.com/lqt0707/monitor-sub002/pkg/metadata"
)

// AggregationStore is the error-aggregation CRUD port the control surface
// drives (spec §6 /error-aggregations).
type AggregationStore interface {
	ListAggregations(ctx context.Context, projectID string, status *models.AggregationStatus, page, pageSize int) ([]models.ErrorAggregation, int, error)
	GetAggregation(ctx context.Context, id int64) (models.ErrorAggregation, error)
	UpdateAggregationFields(ctx context.Context, id int64, upd metadata.AggregationUpdate) error
	DeleteAggregation(ctx context.Context, id int64) error
}

// AggregationRunner drives the aggregation engine pass immediately, backing
// POST /error-aggregations/trigger (spec §4.9 manual invocation).
type AggregationRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// getAggregations handles GET /error-aggregations.
func (a *API) getAggregations(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}
	var status *models.AggregationStatus
	if v := c.Query("status"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s := models.AggregationStatus(n)
			status = &s
		}
	}
	page, pageSize := paginationFrom(c)

	aggs, total, err := a.Aggregation.ListAggregations(c.Request.Context(), projectID, status, page, pageSize)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"aggregations": aggs, "total": total, "page": page, "pageSize": pageSize})
}

// getAggregation handles GET /error-aggregations/:id.
func (a *API) getAggregation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be numeric")
		return
	}
	agg, err := a.Aggregation.GetAggregation(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, agg)
}

type aggregationUpdateRequest struct {
	Status     *int            `json:"status"`
	ErrorLevel *int            `json:"errorLevel"`
	Notes      *string         `json:"notes"`
	AssignedTo *string         `json:"assignedTo"`
	Tags       json.RawMessage `json:"tags"`
}

// putAggregation handles PUT /error-aggregations/:id: the triage update
// (status/errorLevel/notes/assignedTo/tags) used by the dashboard.
func (a *API) putAggregation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be numeric")
		return
	}
	var req aggregationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}

	upd := metadata.AggregationUpdate{ErrorLevel: req.ErrorLevel, Notes: req.Notes, AssignedTo: req.AssignedTo, Tags: req.Tags}
	if req.Status != nil {
		s := models.AggregationStatus(*req.Status)
		upd.Status = &s
	}

	if err := a.Aggregation.UpdateAggregationFields(c.Request.Context(), id, upd); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id})
}

// deleteAggregation handles DELETE /error-aggregations/:id.
func (a *API) deleteAggregation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be numeric")
		return
	}
	if err := a.Aggregation.DeleteAggregation(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// postTriggerAggregation handles POST /error-aggregations/trigger: runs
// one aggregation engine pass synchronously instead of waiting for the
// worker's next poll (spec §4.9).
func (a *API) postTriggerAggregation(c *gin.Context) {
	processed, err := a.AggregationEngine.RunOnce(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"processed": processed})
}

// postReanalyzeAggregation handles POST /error-aggregations/:id/reanalyze:
// an alias for the AI diagnosis analyze operation, scoped under the
// aggregation resource for the dashboard's "re-run diagnosis" action.
func (a *API) postReanalyzeAggregation(c *gin.Context) {
	a.postAnalyzeError(c)
}
