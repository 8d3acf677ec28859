// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingestion implements the ingestion API (spec §4.8): intake of
// single and batched error reports, dual persistence to the relational
// and columnar stores, fingerprint computation, sampling, and enqueuing
// the downstream processing jobs.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
	"github.com/lqt0707/monitor-sub002/pkg/fingerprint"
	"github.com/lqt0707/monitor-sub002/pkg/queue"
	"github.com/lqt0707/monitor-sub002/pkg/stackparser"
)

// MaxBatchSize bounds one ReportBatch call (spec §4.8).
const MaxBatchSize = 500

// RelationalStore is the metadata-store port ingestion writes through.
type RelationalStore interface {
	InsertErrorLog(ctx context.Context, log *models.ErrorLog) (int64, error)
	InsertErrorLogBatch(ctx context.Context, logs []models.ErrorLog) ([]int64, error)
	GetProject(ctx context.Context, projectID string) (models.Project, error)
}

// ColumnarStore is the columnar-store port ingestion mirrors writes to.
// Failures here are logged, not propagated: the relational write is the
// record of truth for a single report (spec §4.8 "dual persistence").
type ColumnarStore interface {
	InsertBatch(ctx context.Context, logs []models.ErrorLog) error
}

// Enqueuer is the queue-fabric port ingestion schedules downstream work
// through.
type Enqueuer interface {
	Add(ctx context.Context, queueName, jobType string, payload json.RawMessage, priority models.Priority) (string, error)
}

// Report is the inbound payload for one error occurrence (spec §4.8,
// mirrors the client SDK's report shape).
type Report struct {
	ProjectID       string
	Type            models.ErrorType
	ErrorMessage    string
	ErrorStack      string
	PageURL         string
	UserID          string
	UserAgent       string
	DeviceInfo      json.RawMessage
	NetworkInfo     json.RawMessage
	PerformanceData json.RawMessage
	ProjectVersion  string
	BuildID         string
	ErrorLevel      int

	// SourceFile/SourceLine/SourceColumn are a pre-resolved crash location
	// supplied directly by the reporter. When SourceFile is set, it takes
	// priority over whatever toErrorLog would otherwise parse out of
	// ErrorStack's first frame, and the sourcemap-processing job is not
	// enqueued for this report (spec §4.8 C8).
	SourceFile   *string
	SourceLine   *int
	SourceColumn *int
}

type sourcemapJobPayload struct {
	LogID          int64  `json:"logId"`
	ProjectID      string `json:"projectId"`
	ProjectVersion string `json:"projectVersion"`
	SourceFile     string `json:"sourceFile"`
	Line           int    `json:"line"`
	Column         int    `json:"column"`
}

type processJobPayload struct {
	LogID int64 `json:"logId"`
}

// Service implements the ingestion operations.
type Service struct {
	Relational RelationalStore
	Columnar   ColumnarStore
	Queue      Enqueuer

	// rand is overridden in tests for deterministic sampling decisions.
	rand func() float64
}

// New builds a Service.
func New(relational RelationalStore, columnar ColumnarStore, enqueuer Enqueuer) *Service {
	return &Service{Relational: relational, Columnar: columnar, Queue: enqueuer, rand: rand.Float64}
}

// Report ingests a single error occurrence (spec §6 POST /monitor/report).
// A sampled-out report returns (0, nil): not an error, just not stored.
func (s *Service) Report(ctx context.Context, r Report) (int64, error) {
	project, err := s.Relational.GetProject(ctx, r.ProjectID)
	if err != nil {
		return 0, err
	}
	if !s.sampled(project) {
		return 0, nil
	}

	log, needsSourceMap := toErrorLog(r)
	id, err := s.Relational.InsertErrorLog(ctx, &log)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "persist error log", err)
	}
	log.ID = id

	s.mirrorToColumnar(ctx, []models.ErrorLog{log})
	s.enqueueDownstream(ctx, log, needsSourceMap)

	return id, nil
}

// ReportBatch ingests up to MaxBatchSize reports. Partial success is not
// possible: every sampled-in row is persisted in a single relational
// transaction, or none are (spec §4.8 "Batch boundary"). Rows that are
// sampled out are silently dropped before the transaction, same as a
// single Report call.
func (s *Service) ReportBatch(ctx context.Context, reports []Report) ([]int64, error) {
	if len(reports) > MaxBatchSize {
		return nil, apperrors.New(apperrors.KindBadRequest, fmt.Sprintf("batch exceeds max size of %d", MaxBatchSize))
	}
	if len(reports) == 0 {
		return nil, nil
	}

	projectCache := make(map[string]models.Project)
	logs := make([]models.ErrorLog, 0, len(reports))
	needsSourceMap := make([]bool, 0, len(reports))

	for _, r := range reports {
		project, ok := projectCache[r.ProjectID]
		if !ok {
			p, err := s.Relational.GetProject(ctx, r.ProjectID)
			if err != nil {
				return nil, err
			}
			project = p
			projectCache[r.ProjectID] = project
		}
		if !s.sampled(project) {
			continue
		}
		log, needsMap := toErrorLog(r)
		logs = append(logs, log)
		needsSourceMap = append(needsSourceMap, needsMap)
	}

	if len(logs) == 0 {
		return nil, nil
	}

	ids, err := s.Relational.InsertErrorLogBatch(ctx, logs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "persist error log batch", err)
	}
	for i := range logs {
		logs[i].ID = ids[i]
	}

	s.mirrorToColumnar(ctx, logs)
	for i, log := range logs {
		s.enqueueDownstream(ctx, log, needsSourceMap[i])
	}

	return ids, nil
}

func (s *Service) sampled(project models.Project) bool {
	rate := project.ErrorSamplingRate
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return s.rand() < rate
}

func (s *Service) mirrorToColumnar(ctx context.Context, logs []models.ErrorLog) {
	if len(logs) == 0 || s.Columnar == nil {
		return
	}
	if err := s.Columnar.InsertBatch(ctx, logs); err != nil {
		slog.Warn("ingestion: columnar mirror failed", "error", err, "rows", len(logs))
	}
}

// enqueueDownstream enqueues the per-report error-aggregation job, and
// the sourcemap-processing job only when
// needsSourceMap is true: the reporter did not supply a direct sourceFile
// and a stack trace was available to resolve one from (spec §4.8 C8:
// "if !sourceFile ∧ errorStack then sourcemap-processing"). A log whose
// SourceFile was supplied directly already carries a resolved location
// and must not be re-queued for resolution even though the field is
// populated identically to the stack-derived case. No error-processing
// job is enqueued for a report.
func (s *Service) enqueueDownstream(ctx context.Context, log models.ErrorLog, needsSourceMap bool) {
	if s.Queue == nil {
		return
	}

	priority := models.PriorityNormal
	if log.ErrorLevel >= 3 {
		priority = models.PriorityHigh
	}
	if payload, err := json.Marshal(processJobPayload{LogID: log.ID}); err == nil {
		_, _ = s.Queue.Add(ctx, queue.QueueErrorAggregation, "fold-error-log", payload, priority)
	}

	if needsSourceMap && log.SourceFile != nil && *log.SourceFile != "" && log.ProjectVersion != nil {
		payload := sourcemapJobPayload{
			LogID: log.ID, ProjectID: log.ProjectID, ProjectVersion: *log.ProjectVersion,
			SourceFile: *log.SourceFile,
		}
		if log.SourceLine != nil {
			payload.Line = *log.SourceLine
		}
		if log.SourceColumn != nil {
			payload.Column = *log.SourceColumn
		}
		if data, err := json.Marshal(payload); err == nil {
			_, _ = s.Queue.Add(ctx, queue.QueueSourcemapProcessing, "resolve-source-location", data, models.PriorityNormal)
		}
	}
}

// toErrorLog maps a Report onto its ErrorLog row. It also reports whether
// the row still needs sourcemap resolution: true when the reporter gave
// no direct sourceFile and a stack trace was parsed into one instead
// (spec §4.8 C8).
func toErrorLog(r Report) (log models.ErrorLog, needsSourceMap bool) {
	log = models.ErrorLog{
		ProjectID:       r.ProjectID,
		Type:            r.Type,
		ErrorMessage:    r.ErrorMessage,
		DeviceInfo:      r.DeviceInfo,
		NetworkInfo:     r.NetworkInfo,
		PerformanceData: r.PerformanceData,
		ErrorLevel:      r.ErrorLevel,
		CreatedAt:       time.Now().UTC(),
	}
	if r.ErrorStack != "" {
		log.ErrorStack = &r.ErrorStack
	}
	if r.PageURL != "" {
		log.PageURL = &r.PageURL
	}
	if r.UserID != "" {
		log.UserID = &r.UserID
	}
	if r.UserAgent != "" {
		log.UserAgent = &r.UserAgent
	}
	if r.ProjectVersion != "" {
		log.ProjectVersion = &r.ProjectVersion
	}
	if r.BuildID != "" {
		log.BuildID = &r.BuildID
	}

	var topFile string
	if r.SourceFile != nil {
		log.SourceFile = r.SourceFile
		log.SourceLine = r.SourceLine
		log.SourceColumn = r.SourceColumn
		topFile = *r.SourceFile
	} else if frames := stackparser.Parse(r.ErrorStack); len(frames) > 0 {
		top := frames[0]
		file, line, col := top.File, top.Line, top.Col
		log.SourceFile = &file
		log.SourceLine = &line
		log.SourceColumn = &col
		topFile = file
		needsSourceMap = true
	}

	log.ErrorHash = fingerprint.Fingerprint(r.ErrorStack, r.ErrorMessage, topFile)
	return log, needsSourceMap
}
