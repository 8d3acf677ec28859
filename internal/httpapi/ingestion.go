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

	"github.com/gin-gonic/gin"

	"github.com/lqt0707/monitor-sub002/internal/models"
	"github.com/lqt0707/monitor-sub002/pkg/ingestion"
)

// IngestionService is the port the control surface drives intake through.
type IngestionService interface {
	Report(ctx context.Context, r ingestion.Report) (int64, error)
	ReportBatch(ctx context.Context, reports []ingestion.Report) ([]int64, error)
}

type reportRequest struct {
	Type            models.ErrorType `json:"type" binding:"required"`
	ErrorMessage    string           `json:"errorMessage" binding:"required"`
	ErrorStack      string           `json:"errorStack"`
	PageURL         string           `json:"pageUrl"`
	UserID          string           `json:"userId"`
	UserAgent       string           `json:"userAgent"`
	DeviceInfo      json.RawMessage  `json:"deviceInfo"`
	NetworkInfo     json.RawMessage  `json:"networkInfo"`
	PerformanceData json.RawMessage  `json:"performanceData"`
	ProjectVersion  string           `json:"projectVersion"`
	BuildID         string           `json:"buildId"`
	ErrorLevel      int              `json:"errorLevel"`
	// SourceFile/SourceLine/SourceColumn are a pre-resolved crash
	// location supplied directly by the reporter, distinct from whatever
	// toErrorLog can parse out of ErrorStack's first frame. When present
	// they take priority and the sourcemap-processing job is not enqueued
	// for this report (spec §4.8 C8).
	SourceFile   *string `json:"sourceFile"`
	SourceLine   *int    `json:"sourceLine"`
	SourceColumn *int    `json:"sourceColumn"`
}

func (r reportRequest) toReport(projectID string) ingestion.Report {
	return ingestion.Report{
		ProjectID:       projectID,
		Type:            r.Type,
		ErrorMessage:    r.ErrorMessage,
		ErrorStack:      r.ErrorStack,
		PageURL:         r.PageURL,
		UserID:          r.UserID,
		UserAgent:       r.UserAgent,
		DeviceInfo:      r.DeviceInfo,
		NetworkInfo:     r.NetworkInfo,
		PerformanceData: r.PerformanceData,
		ProjectVersion:  r.ProjectVersion,
		BuildID:         r.BuildID,
		ErrorLevel:      r.ErrorLevel,
		SourceFile:      r.SourceFile,
		SourceLine:      r.SourceLine,
		SourceColumn:    r.SourceColumn,
	}
}

// postReport handles POST /monitor/report (spec §6).
func (a *API) postReport(c *gin.Context) {
	projectID := c.GetString("project_id")

	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid report payload: "+err.Error())
		return
	}

	id, err := a.Ingestion.Report(c.Request.Context(), req.toReport(projectID))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusAccepted, gin.H{"logId": id})
}

// postReportBatch handles POST /monitor/report/batch (spec §6, §4.8
// MaxBatchSize limit).
func (a *API) postReportBatch(c *gin.Context) {
	projectID := c.GetString("project_id")

	var reqs []reportRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		badRequest(c, "invalid batch payload: "+err.Error())
		return
	}

	reports := make([]ingestion.Report, len(reqs))
	for i, r := range reqs {
		reports[i] = r.toReport(projectID)
	}

	ids, err := a.Ingestion.ReportBatch(c.Request.Context(), reports)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusAccepted, gin.H{"logIds": ids, "accepted": len(ids)})
}
