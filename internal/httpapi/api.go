// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lqt0707/monitor-sub002/internal/logging"
	"github.com/lqt0707/monitor-sub002/internal/middleware"
)

// API holds every port the control surface drives and wires them onto a
// gin.Engine (spec §6).
type API struct {
	Ingestion         IngestionService
	Archive           ArchiveStore
	Queue             QueueStore
	Aggregation       AggregationStore
	AggregationEngine AggregationRunner
	Diagnosis         DiagnosisService
	ErrorLogs         ErrorLogStore
	Location          LocationResolver
	Columnar          ColumnarOps

	// LookupProjectByKey resolves a project API key for APIKeyAuth.
	LookupProjectByKey func(apiKey string) (projectID string, ok bool)

	Logger      *logging.Logger
	BearerToken string
}

// NewRouter builds a gin.Engine with every spec §6 route mounted. NewRouter
// does not call gin.SetMode; callers choose release/debug mode themselves.
func (a *API) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(otelgin.Middleware("telemetry-server"))
	router.Use(middleware.CorrelationID(a.Logger), middleware.Recovery(a.Logger), middleware.RequestLog(a.Logger))

	router.GET("/health", a.getHealth)

	monitor := router.Group("/monitor")
	monitor.Use(middleware.APIKeyAuth(a.LookupProjectByKey))
	{
		monitor.POST("/report", a.postReport)
		monitor.POST("/report/batch", a.postReportBatch)
	}

	errorLogs := router.Group("/error-logs")
	errorLogs.Use(middleware.APIKeyAuth(a.LookupProjectByKey))
	{
		errorLogs.POST("", a.postReport)
		errorLogs.POST("/batch", a.postReportBatch)
		errorLogs.GET("", a.getErrorLogs)
		errorLogs.GET("/raw", a.getErrorLogsRaw)
		errorLogs.GET("/:id", a.getErrorLog)
		errorLogs.GET("/stats/summary", a.getErrorLogStatsSummary)
		errorLogs.GET("/stats/trend", a.getErrorLogStatsTrend)
	}

	admin := router.Group("")
	admin.Use(middleware.BearerAuth(a.BearerToken))
	{
		aggregations := admin.Group("/error-aggregations")
		aggregations.GET("", a.getAggregations)
		aggregations.GET("/:id", a.getAggregation)
		aggregations.PUT("/:id", a.putAggregation)
		aggregations.DELETE("/:id", a.deleteAggregation)
		aggregations.POST("/trigger", a.postTriggerAggregation)
		aggregations.POST("/:id/reanalyze", a.postReanalyzeAggregation)

		diagnosis := admin.Group("/ai-diagnosis")
		diagnosis.POST("/error/:id/analyze", a.postAnalyzeError)
		diagnosis.POST("/comprehensive-analysis", a.postComprehensiveAnalysis)

		location := admin.Group("/error-location")
		location.POST("/resolve", a.postResolveLocation)
		location.GET("/error/:errorId/source-code", a.getErrorSourceCode)
		location.POST("/clear-cache", a.postClearLocationCache)

		sourceVersion := admin.Group("/source-code-version")
		sourceVersion.POST("/upload", a.postUploadSourceArchive)
		sourceVersion.GET("/versions", a.getSourceArchiveVersions)
		sourceVersion.GET("/files", a.getSourceArchiveFiles)
		sourceVersion.GET("/file-content/:projectId/:version", a.getSourceArchiveFileContent)
		sourceVersion.POST("/set-active/:projectId/:versionId", a.postSourceArchiveSetActiveParams)
		sourceVersion.DELETE("/:projectId/:version", a.deleteSourceArchiveVersion)

		clickhouse := admin.Group("/clickhouse/performance")
		clickhouse.GET("/table-stats", a.getClickhouseTableStats)
		clickhouse.GET("/query-metrics", a.getClickhouseQueryMetrics)
		clickhouse.GET("/health", a.getClickhouseHealth)
		clickhouse.GET("/dashboard", a.getClickhouseDashboard)
		clickhouse.GET("/cleanup", a.getClickhouseCleanup)
		clickhouse.GET("/optimize-table", a.getClickhouseOptimizeTable)

		queue := admin.Group("/queue")
		queue.GET("/stats", a.getQueueStats)
		queue.POST("/:name/pause", a.postQueuePause)
		queue.POST("/:name/resume", a.postQueueResume)
		queue.POST("/:name/clean", a.postQueueClean)
	}

	return router
}

func (a *API) getHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if a.Columnar != nil {
		if err := a.Columnar.Health(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["columnar"] = err.Error()
		}
	}
	ok(c, 200, status)
}
