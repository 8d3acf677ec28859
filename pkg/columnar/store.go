// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package columnar implements the columnar log store (spec §4.5) on
// ClickHouse: high-volume append-mostly writes of ErrorLog rows plus the
// trend/stat queries the aggregation and control-surface layers run
// against them. Random single-row lookups (by ID) stay in pkg/metadata;
// this store only ever scans/aggregates.
package columnar

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
)

// baseQueryTimeout and rollupQueryTimeout bound every round trip so a slow
// ClickHouse node can't stall the control-surface path indefinitely (spec
// §4.5: "query hard timeout 30s (base) / 10s (rollup)"). Which one applies
// depends on which table the query actually routes to, not the operation
// name: Stats, Query and CleanupOlderThan always hit the base table (30s);
// Trend picks base or rollup per rollupTarget's routing.
// insertTimeout is unrelated to either — it bounds the InsertBatch round
// trip, not a query — and happens to share the 10s value only by
// coincidence.
const (
	baseQueryTimeout   = 30 * time.Second
	rollupQueryTimeout = 10 * time.Second
	insertTimeout      = 10 * time.Second
)

// Config connects Store to a ClickHouse cluster.
type Config struct {
	Addr     []string
	Database string
	Username string
	Password string
	UseTLS   bool
}

// Store wraps a ClickHouse native connection.
type Store struct {
	conn driver.Conn
}

// Open connects to ClickHouse per cfg.
func Open(cfg Config) (*Store, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("columnar: open connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), baseQueryTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("columnar: ping: %w", err)
	}
	return &Store{conn: conn}, nil
}

// New wraps an already-open driver.Conn, used by tests against a fake.
func New(conn driver.Conn) *Store { return &Store{conn: conn} }

// Insert writes one ErrorLog row (spec §4.5 append path from ingestion).
func (s *Store) Insert(ctx context.Context, log models.ErrorLog) error {
	return s.InsertBatch(ctx, []models.ErrorLog{log})
}

// InsertBatch writes multiple ErrorLog rows as one native batch insert,
// which is how ClickHouse expects bulk writes for acceptable throughput
// (row-at-a-time INSERTs are explicitly discouraged by ClickHouse itself).
func (s *Store) InsertBatch(ctx context.Context, logs []models.ErrorLog) error {
	if len(logs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO error_logs_columnar
		(project_id, type, error_hash, error_message, page_url, user_id, user_agent,
		 source_file, source_line, source_column, project_version, build_id, error_level, created_at)`)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "prepare columnar batch", err)
	}

	for _, log := range logs {
		pageURL, userID, userAgent, sourceFile, projectVersion, buildID := deref(log.PageURL), deref(log.UserID), deref(log.UserAgent), deref(log.SourceFile), deref(log.ProjectVersion), deref(log.BuildID)
		sourceLine, sourceColumn := derefInt(log.SourceLine), derefInt(log.SourceColumn)

		if err := batch.Append(
			log.ProjectID, string(log.Type), log.ErrorHash, log.ErrorMessage, pageURL, userID, userAgent,
			sourceFile, sourceLine, sourceColumn, projectVersion, buildID, log.ErrorLevel, log.CreatedAt,
		); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "append to columnar batch", err)
		}
	}

	if err := batch.Send(); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "send columnar batch", err)
	}
	return nil
}

// QueryFilter narrows a Query call (spec §4.5 C5 contract).
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Type      *models.ErrorType
	Limit     int
	Offset    int
	// Sample, when set in (0, 1], asks ClickHouse to scan only that
	// fraction of granules via SAMPLE — a cheap way to eyeball trends over
	// a high-volume project without paying for an exact scan.
	Sample *float64
}

// Query returns raw rows from the base table for projectID matching
// filter, newest first (spec §4.5 C5 contract). Unlike Trend/Stats this
// never routes to a rollup table, since rollups only carry aggregate
// counts, not individual rows.
func (s *Store) Query(ctx context.Context, projectID string, filter QueryFilter) ([]models.ErrorLog, error) {
	ctx, cancel := context.WithTimeout(ctx, baseQueryTimeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	table := "error_logs_columnar"
	if filter.Sample != nil && *filter.Sample > 0 && *filter.Sample <= 1 {
		table = fmt.Sprintf("error_logs_columnar SAMPLE %f", *filter.Sample)
	}

	query := fmt.Sprintf(`SELECT project_id, type, error_hash, error_message, page_url, user_id, user_agent,
		source_file, source_line, source_column, project_version, build_id, error_level, created_at
		FROM %s WHERE project_id = ?`, table)
	args := []any{projectID}

	if filter.StartTime != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		query += " AND created_at < ?"
		args = append(args, *filter.EndTime)
	}
	if filter.Type != nil {
		query += " AND type = ?"
		args = append(args, string(*filter.Type))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "query error logs", err)
	}
	defer rows.Close()

	var logs []models.ErrorLog
	for rows.Next() {
		var (
			log                                    models.ErrorLog
			errType                                string
			pageURL, userID, userAgent, sourceFile string
			projectVersion, buildID                string
			sourceLine, sourceColumn                int32
			errorLevel                              int
		)
		if err := rows.Scan(&log.ProjectID, &errType, &log.ErrorHash, &log.ErrorMessage, &pageURL, &userID, &userAgent,
			&sourceFile, &sourceLine, &sourceColumn, &projectVersion, &buildID, &errorLevel, &log.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan error log row", err)
		}
		log.Type = models.ErrorType(errType)
		log.ErrorLevel = errorLevel
		log.PageURL = nonEmpty(pageURL)
		log.UserID = nonEmpty(userID)
		log.UserAgent = nonEmpty(userAgent)
		log.SourceFile = nonEmpty(sourceFile)
		if sourceFile != "" {
			line, col := int(sourceLine), int(sourceColumn)
			log.SourceLine = &line
			log.SourceColumn = &col
		}
		log.ProjectVersion = nonEmpty(projectVersion)
		log.BuildID = nonEmpty(buildID)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int32 {
	if i == nil {
		return 0
	}
	return int32(*i)
}

// Granularity selects the rollup table a Trend query reads from (spec
// §4.5 query router).
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityTotal Granularity = "total"
)

// GranularityFor picks the coarsest granularity that still gives a
// reasonable number of buckets over [from, to) (spec §4.5): more than 14
// days rolls up to daily; more than 3 days rolls up to hourly; otherwise
// hourly still applies as the finest granularity this store keeps.
func GranularityFor(from, to time.Time) Granularity {
	span := to.Sub(from)
	switch {
	case span > 14*24*time.Hour:
		return GranularityDay
	default:
		return GranularityHour
	}
}

// TrendPoint is one bucket of an error-count trend.
type TrendPoint struct {
	Bucket time.Time
	Count  uint64
}

// Trend returns occurrence counts for projectID bucketed by granularity
// over [from, to).
func (s *Store) Trend(ctx context.Context, projectID string, from, to time.Time, granularity Granularity) ([]TrendPoint, error) {
	table, bucketExpr := s.rollupTarget(granularity)
	ctx, cancel := context.WithTimeout(ctx, s.timeoutFor(table))
	defer cancel()

	query := fmt.Sprintf(`SELECT %s AS bucket, count() AS cnt FROM %s
		WHERE project_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY bucket ORDER BY bucket`, bucketExpr, table)

	rows, err := s.conn.Query(ctx, query, projectID, from, to)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "query trend", err)
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Bucket, &p.Count); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan trend row", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *Store) rollupTarget(granularity Granularity) (table, bucketExpr string) {
	switch granularity {
	case GranularityDay:
		return "error_logs_daily_rollup", "toStartOfDay(created_at)"
	case GranularityTotal:
		return "error_logs_columnar", "toStartOfYear(created_at)"
	default:
		return "error_logs_hourly_rollup", "toStartOfHour(created_at)"
	}
}

// timeoutFor picks the query hard timeout for table: the base table gets
// baseQueryTimeout, either materialized rollup gets rollupQueryTimeout
// (spec §4.5).
func (s *Store) timeoutFor(table string) time.Duration {
	if table == "error_logs_columnar" {
		return baseQueryTimeout
	}
	return rollupQueryTimeout
}

// Stats is an aggregate count summary for a project over a window (spec
// §6 GET /stats).
type Stats struct {
	Total      uint64
	ByType     map[string]uint64
	ByLevel    map[int]uint64
}

// Stats computes a summary for projectID over [from, to).
func (s *Store) Stats(ctx context.Context, projectID string, from, to time.Time) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, baseQueryTimeout)
	defer cancel()

	rows, err := s.conn.Query(ctx,
		`SELECT type, error_level, count() FROM error_logs_columnar
		 WHERE project_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY type, error_level`, projectID, from, to)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.KindInternal, "query stats", err)
	}
	defer rows.Close()

	result := Stats{ByType: make(map[string]uint64), ByLevel: make(map[int]uint64)}
	for rows.Next() {
		var errType string
		var level int32
		var count uint64
		if err := rows.Scan(&errType, &level, &count); err != nil {
			return Stats{}, apperrors.Wrap(apperrors.KindInternal, "scan stats row", err)
		}
		result.Total += count
		result.ByType[errType] += count
		result.ByLevel[int(level)] += count
	}
	return result, rows.Err()
}

// CleanupOlderThan deletes rows older than cutoff for projectID, backing
// the retention sweep (spec §4.10). ClickHouse deletes are asynchronous
// mutations; callers treat the call as fire-and-forget once accepted.
func (s *Store) CleanupOlderThan(ctx context.Context, projectID string, cutoff time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, baseQueryTimeout)
	defer cancel()
	err := s.conn.Exec(ctx,
		`ALTER TABLE error_logs_columnar DELETE WHERE project_id = ? AND created_at < ?`, projectID, cutoff)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "cleanup older rows", err)
	}
	return nil
}

// OptimizeTable forces ClickHouse to merge parts immediately, reclaiming
// space after a CleanupOlderThan mutation (spec §4.10 weekly sweep).
func (s *Store) OptimizeTable(ctx context.Context, table string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeoutFor(table))
	defer cancel()
	if err := s.conn.Exec(ctx, fmt.Sprintf("OPTIMIZE TABLE %s FINAL", table)); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "optimize table "+table, err)
	}
	return nil
}

// Health reports whether ClickHouse is reachable (spec §6 GET /health).
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.Ping(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "columnar store unreachable", err)
	}
	return nil
}
