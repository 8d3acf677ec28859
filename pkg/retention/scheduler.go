// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retention implements the retention and cleanup scheduler (spec
// §4.10): a daily sweep of expired source archives and columnar rows per
// project, plus a weekly compaction pass over the columnar store.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSourcemapTTL is the fallback source-archive retention window when
// a project carries no explicit override (spec §4.10, SOURCEMAP_STORAGE_TTL).
const DefaultSourcemapTTL = 30 * 24 * time.Hour

// ProjectLister enumerates the tenants the sweep runs against.
type ProjectLister interface {
	ListProjectIDs(ctx context.Context) ([]string, error)
}

// ArchiveStore is the source-archive cleanup port (pkg/archive.Store
// already exposes DeleteVersion per-version; retention needs the bulk,
// age-based view instead).
type ArchiveStore interface {
	DeleteVersionsOlderThan(ctx context.Context, projectID string, cutoff time.Time) (int, error)
}

// ColumnarStore is the columnar cleanup+compaction port.
type ColumnarStore interface {
	CleanupOlderThan(ctx context.Context, projectID string, cutoff time.Time) error
	OptimizeTable(ctx context.Context, table string) error
}

// ProjectRetentionDays reports the per-project override (0 means "use
// DefaultSourcemapTTL").
type ProjectRetentionDays interface {
	DataRetentionDays(ctx context.Context, projectID string) (int, error)
}

// Scheduler wires retention sweeps onto a cron schedule, grounded in the
// same ticker/done-channel lifecycle the rest of this module uses for
// background loops, but driven by robfig/cron so the two sweeps can run
// on independent, human-readable schedules instead of one fixed interval.
type Scheduler struct {
	Projects ProjectLister
	Archive  ArchiveStore
	Columnar ColumnarStore
	Retain   ProjectRetentionDays
	Logger   *slog.Logger

	cron *cron.Cron
}

// New builds a Scheduler. Call Start to register and run the two jobs.
func New(projects ProjectLister, archive ArchiveStore, columnar ColumnarStore, retain ProjectRetentionDays, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Projects: projects, Archive: archive, Columnar: columnar, Retain: retain, Logger: logger}
}

// Start registers the daily sourcemap/columnar sweep (02:00) and the
// weekly compaction pass (Monday 03:00) and begins running them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc("0 2 * * *", func() { s.runDailySweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 3 * * 1", func() { s.runWeeklyCompaction(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.Logger.Info("retention scheduler started", "daily", "02:00", "weekly", "Mon 03:00")
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunDailySweepNow runs the daily sweep immediately, for manual/admin
// invocation (spec §6 POST /admin/retention/run) and tests.
func (s *Scheduler) RunDailySweepNow(ctx context.Context) {
	s.runDailySweep(ctx)
}

func (s *Scheduler) runDailySweep(ctx context.Context) {
	projectIDs, err := s.Projects.ListProjectIDs(ctx)
	if err != nil {
		s.Logger.Error("retention: list projects failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, projectID := range projectIDs {
		cutoff := s.cutoffFor(ctx, projectID, now)

		if s.Archive != nil {
			n, err := s.Archive.DeleteVersionsOlderThan(ctx, projectID, cutoff)
			if err != nil {
				s.Logger.Error("retention: archive sweep failed", "project_id", projectID, "error", err)
			} else if n > 0 {
				s.Logger.Info("retention: archive versions deleted", "project_id", projectID, "count", n)
			}
		}

		if s.Columnar != nil {
			if err := s.Columnar.CleanupOlderThan(ctx, projectID, cutoff); err != nil {
				s.Logger.Error("retention: columnar sweep failed", "project_id", projectID, "error", err)
			}
		}
	}
}

func (s *Scheduler) runWeeklyCompaction(ctx context.Context) {
	if s.Columnar == nil {
		return
	}
	for _, table := range []string{"error_logs_columnar", "error_logs_hourly_rollup", "error_logs_daily_rollup"} {
		if err := s.Columnar.OptimizeTable(ctx, table); err != nil {
			s.Logger.Error("retention: optimize table failed", "table", table, "error", err)
		}
	}
}

func (s *Scheduler) cutoffFor(ctx context.Context, projectID string, now time.Time) time.Time {
	ttl := DefaultSourcemapTTL
	if s.Retain != nil {
		if days, err := s.Retain.DataRetentionDays(ctx, projectID); err == nil && days > 0 {
			ttl = time.Duration(days) * 24 * time.Hour
		}
	}
	return now.Add(-ttl)
}
