// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package aggregation implements the aggregation engine (spec §4.9): a
// worker that folds newly ingested ErrorLogs into their ErrorAggregation
// rollup, and enqueues an email-notification job the moment an
// aggregation's occurrence count crosses its project's alert threshold.
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lqt0707/monitor-sub002/internal/models"
)

// BatchSize bounds how many unaggregated logs one RunOnce call pulls, keeping
// a single pass bounded regardless of ingestion burst size (spec §4.9).
const BatchSize = 1000

// Repository is the metadata persistence port the engine depends on.
type Repository interface {
	ListUnaggregatedErrorLogs(ctx context.Context, limit int) ([]models.ErrorLog, error)
	MarkProcessed(ctx context.Context, logIDs []int64) error
	GetProject(ctx context.Context, projectID string) (models.Project, error)

	// UpsertAggregation folds log into its rollup and reports whether this
	// call crossed the project's alertThreshold for the first time.
	UpsertAggregation(ctx context.Context, log models.ErrorLog, alertThreshold int64) (AggregationResult, error)
}

// AggregationResult is the outcome of one UpsertAggregation call.
type AggregationResult struct {
	AggregationID    int64
	CrossedThreshold bool
}

// Notifier enqueues the email-notification job (spec §4.7 queue names);
// kept as a narrow port so the engine doesn't import pkg/queue directly.
type Notifier interface {
	NotifyThresholdCrossed(ctx context.Context, aggregationID int64, projectID, errorHash string) error
}

// Engine runs the aggregation pass.
type Engine struct {
	Repo     Repository
	Notifier Notifier
	Logger   *slog.Logger
}

// New builds an Engine.
func New(repo Repository, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Repo: repo, Notifier: notifier, Logger: logger}
}

// RunOnce pulls up to BatchSize unaggregated ErrorLogs, upserts each into
// its aggregation, marks them processed, and fires threshold-crossing
// notifications. Returns the number of logs processed.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	logs, err := e.Repo.ListUnaggregatedErrorLogs(ctx, BatchSize)
	if err != nil {
		return 0, fmt.Errorf("aggregation: list unaggregated logs: %w", err)
	}
	if len(logs) == 0 {
		return 0, nil
	}

	projectThresholds := make(map[string]int64)
	processedIDs := make([]int64, 0, len(logs))

	for _, log := range logs {
		threshold, ok := projectThresholds[log.ProjectID]
		if !ok {
			project, err := e.Repo.GetProject(ctx, log.ProjectID)
			if err != nil {
				e.Logger.Warn("aggregation: could not load project, skipping log", "project_id", log.ProjectID, "log_id", log.ID, "error", err)
				continue
			}
			threshold = project.AlertThreshold
			projectThresholds[log.ProjectID] = threshold
		}

		result, err := e.Repo.UpsertAggregation(ctx, log, threshold)
		if err != nil {
			e.Logger.Error("aggregation: upsert failed", "log_id", log.ID, "error_hash", log.ErrorHash, "error", err)
			continue
		}
		processedIDs = append(processedIDs, log.ID)

		if result.CrossedThreshold && e.Notifier != nil {
			if err := e.Notifier.NotifyThresholdCrossed(ctx, result.AggregationID, log.ProjectID, log.ErrorHash); err != nil {
				e.Logger.Error("aggregation: could not enqueue threshold notification", "aggregation_id", result.AggregationID, "error", err)
			}
		}
	}

	if len(processedIDs) > 0 {
		if err := e.Repo.MarkProcessed(ctx, processedIDs); err != nil {
			return len(processedIDs), fmt.Errorf("aggregation: mark processed: %w", err)
		}
	}
	return len(processedIDs), nil
}

// notificationPayload is the email-notification job body.
type notificationPayload struct {
	AggregationID int64  `json:"aggregationId"`
	ProjectID     string `json:"projectId"`
	ErrorHash     string `json:"errorHash"`
}

// MarshalNotification encodes a threshold-crossing payload for the queue
// fabric; exported so pkg/queue-backed Notifier implementations share one
// wire format with whatever reads it back out in the email worker.
func MarshalNotification(aggregationID int64, projectID, errorHash string) ([]byte, error) {
	return json.Marshal(notificationPayload{AggregationID: aggregationID, ProjectID: projectID, ErrorHash: errorHash})
}
