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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lqt0707/monitor-sub002/internal/models"
	"github.com/lqt0707/monitor-sub002/pkg/columnar"
	"github.com/lqt0707/monitor-sub002/pkg/metadata"
)

// ErrorLogStore is the relational ErrorLog read port the control surface
// drives (spec §6 /error-logs).
type ErrorLogStore interface {
	GetErrorLog(ctx context.Context, id int64) (models.ErrorLog, error)
	ListErrorLogs(ctx context.Context, filter metadata.ErrorLogFilter, page, pageSize int) ([]models.ErrorLog, int, error)
}

const dateLayout = "2006-01-02"

// getErrorLogs handles GET /error-logs: a filtered, paged listing over the
// relational store (spec §6).
func (a *API) getErrorLogs(c *gin.Context) {
	projectID := c.GetString("project_id")
	if projectID == "" {
		projectID = c.Query("projectId")
	}
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}

	filter := metadata.ErrorLogFilter{ProjectID: projectID, SortField: c.Query("sortField"), SortOrder: c.Query("sortOrder")}
	if v := c.Query("type"); v != "" {
		t := models.ErrorType(v)
		filter.Type = &t
	}
	if v := c.Query("level"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Level = &n
		}
	}
	if v := c.Query("keyword"); v != "" {
		filter.Keyword = &v
	}
	if v := c.Query("sourceFile"); v != "" {
		filter.SourceFile = &v
	}
	if v := c.Query("pageUrl"); v != "" {
		filter.PageURL = &v
	}
	if v := c.Query("userId"); v != "" {
		filter.UserID = &v
	}
	if v := c.Query("startDate"); v != "" {
		if t, err := time.Parse(dateLayout, v); err == nil {
			filter.StartDate = &t
		}
	}
	if v := c.Query("endDate"); v != "" {
		if t, err := time.Parse(dateLayout, v); err == nil {
			filter.EndDate = &t
		}
	}
	page, pageSize := paginationFrom(c)

	logs, total, err := a.ErrorLogs.ListErrorLogs(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"logs": logs, "total": total, "page": page, "pageSize": pageSize})
}

// getErrorLog handles GET /error-logs/:id.
func (a *API) getErrorLog(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be numeric")
		return
	}
	log, err := a.ErrorLogs.GetErrorLog(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, log)
}

// getErrorLogsRaw handles GET /error-logs/raw?projectId&startDate&endDate&
// type&limit&offset&sample: a direct read of the columnar store's base
// table, bypassing the relational store entirely (spec §4.5 C5 Query).
// sample, when given, asks ClickHouse to scan only that fraction of the
// table via SAMPLE instead of scanning every row.
func (a *API) getErrorLogsRaw(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}

	var filter columnar.QueryFilter
	if v := c.Query("startDate"); v != "" {
		if t, err := time.Parse(dateLayout, v); err == nil {
			filter.StartTime = &t
		}
	}
	if v := c.Query("endDate"); v != "" {
		if t, err := time.Parse(dateLayout, v); err == nil {
			filter.EndTime = &t
		}
	}
	if v := c.Query("type"); v != "" {
		t := models.ErrorType(v)
		filter.Type = &t
	}
	page, pageSize := paginationFrom(c)
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize
	if v := c.Query("sample"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			filter.Sample = &f
		}
	}

	logs, err := a.Columnar.Query(c.Request.Context(), projectID, filter)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"logs": logs})
}

func statsWindow(c *gin.Context) (from, to time.Time) {
	to = time.Now().UTC()
	from = to.Add(-7 * 24 * time.Hour)
	if v := c.Query("startDate"); v != "" {
		if t, err := time.Parse(dateLayout, v); err == nil {
			from = t
		}
	}
	if v := c.Query("endDate"); v != "" {
		if t, err := time.Parse(dateLayout, v); err == nil {
			to = t
		}
	}
	return from, to
}

// getErrorLogStatsSummary handles GET /error-logs/stats/summary: an
// aggregate count breakdown over the columnar store (spec §4.5, §6).
func (a *API) getErrorLogStatsSummary(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}
	from, to := statsWindow(c)

	stats, err := a.Columnar.Stats(c.Request.Context(), projectID, from, to)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, stats)
}

// getErrorLogStatsTrend handles GET /error-logs/stats/trend: a bucketed
// occurrence count, granularity chosen automatically by window size
// (spec §4.5 GranularityFor).
func (a *API) getErrorLogStatsTrend(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}
	from, to := statsWindow(c)
	granularity := columnar.GranularityFor(from, to)
	if v := c.Query("granularity"); v != "" {
		granularity = columnar.Granularity(v)
	}

	points, err := a.Columnar.Trend(c.Request.Context(), projectID, from, to, granularity)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"granularity": granularity, "points": points})
}
