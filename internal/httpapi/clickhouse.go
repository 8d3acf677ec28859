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
)

// ColumnarOps is the ClickHouse operations port the control surface drives
// (spec §4.5, §4.10, §6 /clickhouse/performance and /error-logs/stats).
type ColumnarOps interface {
	Query(ctx context.Context, projectID string, filter columnar.QueryFilter) ([]models.ErrorLog, error)
	Stats(ctx context.Context, projectID string, from, to time.Time) (columnar.Stats, error)
	Trend(ctx context.Context, projectID string, from, to time.Time, granularity columnar.Granularity) ([]columnar.TrendPoint, error)
	Health(ctx context.Context) error
	CleanupOlderThan(ctx context.Context, projectID string, cutoff time.Time) error
	OptimizeTable(ctx context.Context, table string) error
}

var rollupTables = []string{"error_logs_columnar", "error_logs_hourly_rollup", "error_logs_daily_rollup"}

// getClickhouseTableStats handles GET /clickhouse/performance/table-stats:
// a per-table occurrence summary for the admin dashboard's storage panel.
func (a *API) getClickhouseTableStats(c *gin.Context) {
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
	ok(c, http.StatusOK, gin.H{"tables": rollupTables, "stats": stats})
}

// getClickhouseQueryMetrics handles GET /clickhouse/performance/query-metrics:
// the trend query is reused here as the representative workload sample for
// the performance panel, since this store keeps no separate query log.
func (a *API) getClickhouseQueryMetrics(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}
	from, to := statsWindow(c)
	granularity := columnar.GranularityFor(from, to)

	points, err := a.Columnar.Trend(c.Request.Context(), projectID, from, to, granularity)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"granularity": granularity, "sampleSize": len(points)})
}

// getClickhouseHealth handles GET /clickhouse/performance/health.
func (a *API) getClickhouseHealth(c *gin.Context) {
	if err := a.Columnar.Health(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"healthy": true})
}

// getClickhouseDashboard handles GET /clickhouse/performance/dashboard: a
// combined view of health and the project's current totals.
func (a *API) getClickhouseDashboard(c *gin.Context) {
	projectID := c.Query("projectId")
	healthErr := a.Columnar.Health(c.Request.Context())

	resp := gin.H{"healthy": healthErr == nil}
	if healthErr != nil {
		resp["healthError"] = healthErr.Error()
	}
	if projectID != "" {
		from, to := statsWindow(c)
		if stats, err := a.Columnar.Stats(c.Request.Context(), projectID, from, to); err == nil {
			resp["stats"] = stats
		}
	}
	ok(c, http.StatusOK, resp)
}

// getClickhouseCleanup handles GET /clickhouse/performance/cleanup?days=N:
// an on-demand counterpart to the retention scheduler's nightly sweep
// (spec §4.10), scoped to one project and one explicit cutoff.
func (a *API) getClickhouseCleanup(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}
	days, err := strconv.Atoi(c.Query("days"))
	if err != nil || days <= 0 {
		badRequest(c, "days must be a positive integer")
		return
	}

	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	if err := a.Columnar.CleanupOlderThan(c.Request.Context(), projectID, cutoff); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"projectId": projectID, "cutoff": cutoff})
}

// getClickhouseOptimizeTable handles GET /clickhouse/performance/optimize-table?table=.
func (a *API) getClickhouseOptimizeTable(c *gin.Context) {
	table := c.Query("table")
	if table == "" {
		badRequest(c, "table is required")
		return
	}
	valid := false
	for _, t := range rollupTables {
		if t == table {
			valid = true
			break
		}
	}
	if !valid {
		badRequest(c, "unknown table")
		return
	}
	if err := a.Columnar.OptimizeTable(c.Request.Context(), table); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"table": table, "optimized": true})
}
