// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metadata implements the relational metadata store (spec §4.6)
// on MySQL: projects, source versions/files, error aggregations, and the
// ErrorLog rows that need random access by ID (as opposed to the
// columnar store's append-mostly scan workload). It satisfies the
// Repository ports declared by pkg/archive and pkg/diagnosis so those
// packages never import database/sql directly.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/go-sql-driver/mysql"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
	"github.com/lqt0707/monitor-sub002/pkg/aggregation"
	"github.com/lqt0707/monitor-sub002/pkg/archive"
)

// Store wraps a *sqlx.DB and implements every metadata-backed operation
// the spec's components need.
type Store struct {
	db *sqlx.DB
}

// Open connects to MySQL at dsn and verifies the connection with a ping.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata: connect: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an already-open *sqlx.DB, used by tests against go-sqlmock.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

func wrapNotFound(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.New(apperrors.KindNotFound, message)
	}
	return apperrors.Wrap(apperrors.KindInternal, message, err)
}

// --- archive.Repository ---

var _ archive.Repository = (*Store)(nil)

// ReplaceVersion implements archive.Repository.
func (s *Store) ReplaceVersion(ctx context.Context, version models.SourceCodeVersion, files []models.SourceCodeFile) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE f FROM source_code_files f JOIN source_code_versions v ON f.version_id = v.id
		 WHERE v.project_id = ? AND v.version = ?`, version.ProjectID, version.Version); err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "delete old source files", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM source_code_versions WHERE project_id = ? AND version = ?`,
		version.ProjectID, version.Version); err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "delete old source version", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO source_code_versions
		 (project_id, version, build_id, branch_name, commit_message, storage_path, archive_name,
		  archive_size, uploaded_by, description, is_active, has_sourcemap, sourcemap_version,
		  sourcemap_associated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ProjectID, version.Version, version.BuildID, version.BranchName, version.CommitMessage,
		version.StoragePath, version.ArchiveName, version.ArchiveSize, version.UploadedBy, version.Description,
		version.IsActive, version.HasSourcemap, version.SourcemapVersion, version.SourcemapAssociatedAt, version.CreatedAt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "insert source version", err)
	}
	versionID, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "read inserted version id", err)
	}

	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_code_files
			 (version_id, project_id, file_path, file_name, file_type, file_size, file_hash,
			  is_source_file, source_content, line_count, char_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			versionID, f.ProjectID, f.FilePath, f.FileName, f.FileType, f.FileSize, f.FileHash,
			f.IsSourceFile, f.SourceContent, f.LineCount, f.CharCount); err != nil {
			return 0, apperrors.Wrap(apperrors.KindInternal, "insert source file "+f.FilePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "commit source version upload", err)
	}
	return versionID, nil
}

// GetVersion implements archive.Repository.
func (s *Store) GetVersion(ctx context.Context, versionID int64) (models.SourceCodeVersion, error) {
	var v models.SourceCodeVersion
	err := s.db.GetContext(ctx, &v, `SELECT * FROM source_code_versions WHERE id = ?`, versionID)
	if err != nil {
		return models.SourceCodeVersion{}, wrapNotFound(err, "source code version not found")
	}
	return v, nil
}

// FindVersion implements archive.Repository.
func (s *Store) FindVersion(ctx context.Context, projectID, version string) (models.SourceCodeVersion, error) {
	var v models.SourceCodeVersion
	err := s.db.GetContext(ctx, &v,
		`SELECT * FROM source_code_versions WHERE project_id = ? AND version = ?`, projectID, version)
	if err != nil {
		return models.SourceCodeVersion{}, wrapNotFound(err, "source code version not found")
	}
	return v, nil
}

// ListVersions implements archive.Repository.
func (s *Store) ListVersions(ctx context.Context, projectID string, version *string, page, pageSize int) ([]models.SourceCodeVersion, int, error) {
	offset := (page - 1) * pageSize
	query := `SELECT * FROM source_code_versions WHERE project_id = ?`
	countQuery := `SELECT COUNT(*) FROM source_code_versions WHERE project_id = ?`
	args := []interface{}{projectID}
	if version != nil {
		query += ` AND version = ?`
		countQuery += ` AND version = ?`
		args = append(args, *version)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "count source versions", err)
	}

	var versions []models.SourceCodeVersion
	listArgs := append(append([]interface{}{}, args...), pageSize, offset)
	if err := s.db.SelectContext(ctx, &versions, query, listArgs...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "list source versions", err)
	}
	return versions, total, nil
}

// ListFiles implements archive.Repository.
func (s *Store) ListFiles(ctx context.Context, filter archive.FileFilter, page, pageSize int) ([]models.SourceCodeFile, int, error) {
	offset := (page - 1) * pageSize
	query := `SELECT f.* FROM source_code_files f`
	countQuery := `SELECT COUNT(*) FROM source_code_files f`
	where := " WHERE 1=1"
	var args []interface{}

	if filter.ProjectID != nil || filter.Version != nil {
		query += ` JOIN source_code_versions v ON f.version_id = v.id`
		countQuery += ` JOIN source_code_versions v ON f.version_id = v.id`
	}
	if filter.VersionID != nil {
		where += ` AND f.version_id = ?`
		args = append(args, *filter.VersionID)
	}
	if filter.ProjectID != nil {
		where += ` AND v.project_id = ?`
		args = append(args, *filter.ProjectID)
	}
	if filter.Version != nil {
		where += ` AND v.version = ?`
		args = append(args, *filter.Version)
	}
	if filter.FileName != nil {
		where += ` AND f.file_name = ?`
		args = append(args, *filter.FileName)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery+where, args...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "count source files", err)
	}

	var files []models.SourceCodeFile
	listArgs := append(append([]interface{}{}, args...), pageSize, offset)
	if err := s.db.SelectContext(ctx, &files, query+where+" ORDER BY f.file_path LIMIT ? OFFSET ?", listArgs...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "list source files", err)
	}
	return files, total, nil
}

// GetFile implements archive.Repository.
func (s *Store) GetFile(ctx context.Context, versionID int64, filePath string) (models.SourceCodeFile, error) {
	var f models.SourceCodeFile
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM source_code_files WHERE version_id = ? AND file_path = ?`, versionID, filePath)
	if err != nil {
		return models.SourceCodeFile{}, wrapNotFound(err, "source file not found")
	}
	return f, nil
}

// SetActive implements archive.Repository.
func (s *Store) SetActive(ctx context.Context, projectID string, versionID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE source_code_versions SET is_active = FALSE WHERE project_id = ?`, projectID); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "clear active versions", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE source_code_versions SET is_active = TRUE WHERE id = ? AND project_id = ?`, versionID, projectID); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "set active version", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "commit set active", err)
	}
	return nil
}

// DeleteVersion implements archive.Repository.
func (s *Store) DeleteVersion(ctx context.Context, projectID, version string) (string, error) {
	var storagePath string
	err := s.db.GetContext(ctx, &storagePath,
		`SELECT storage_path FROM source_code_versions WHERE project_id = ? AND version = ?`, projectID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "lookup storage path", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE f FROM source_code_files f JOIN source_code_versions v ON f.version_id = v.id
		 WHERE v.project_id = ? AND v.version = ?`, projectID, version); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "delete source files", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM source_code_versions WHERE project_id = ? AND version = ?`, projectID, version); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "delete source version", err)
	}
	if err := tx.Commit(); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "commit delete version", err)
	}
	return storagePath, nil
}

// --- Project / User ---

// GetProjectByAPIKey resolves a Project from its API key (spec §6 auth).
func (s *Store) GetProjectByAPIKey(ctx context.Context, apiKey string) (models.Project, bool, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE api_key = ?`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, false, nil
	}
	if err != nil {
		return models.Project{}, false, apperrors.Wrap(apperrors.KindInternal, "lookup project by api key", err)
	}
	return p, true, nil
}

// GetProject fetches a Project by ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE project_id = ?`, projectID)
	if err != nil {
		return models.Project{}, wrapNotFound(err, "project not found")
	}
	return p, nil
}

// ListProjectIDs enumerates every registered tenant (pkg/retention's daily
// sweep driver, spec §4.10).
func (s *Store) ListProjectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT project_id FROM projects`); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list project ids", err)
	}
	return ids, nil
}

// DataRetentionDays implements retention.ProjectRetentionDays.
func (s *Store) DataRetentionDays(ctx context.Context, projectID string) (int, error) {
	var days int
	if err := s.db.GetContext(ctx, &days, `SELECT data_retention_days FROM projects WHERE project_id = ?`, projectID); err != nil {
		return 0, wrapNotFound(err, "project not found")
	}
	return days, nil
}

// ListProjects returns every registered tenant (spec §6 GET /admin/projects).
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	if err := s.db.SelectContext(ctx, &projects, `SELECT * FROM projects ORDER BY project_id`); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list projects", err)
	}
	return projects, nil
}

// CreateProject inserts a new tenant (spec §6 POST /admin/projects).
func (s *Store) CreateProject(ctx context.Context, p models.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects
		 (project_id, project_name, error_sampling_rate, performance_sampling_rate,
		  data_retention_days, api_key, alert_threshold)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.ProjectName, p.ErrorSamplingRate, p.PerformanceSamplingRate,
		p.DataRetentionDays, p.APIKey, p.AlertThreshold)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "create project", err)
	}
	return nil
}

// UpdateProject overwrites the mutable configuration fields of an existing
// project (spec §6 PATCH /admin/projects/:id).
func (s *Store) UpdateProject(ctx context.Context, p models.Project) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET project_name = ?, error_sampling_rate = ?, performance_sampling_rate = ?,
		 data_retention_days = ?, alert_threshold = ? WHERE project_id = ?`,
		p.ProjectName, p.ErrorSamplingRate, p.PerformanceSamplingRate, p.DataRetentionDays,
		p.AlertThreshold, p.ProjectID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "update project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "read update project result", err)
	}
	if n == 0 {
		return apperrors.New(apperrors.KindNotFound, "project not found")
	}
	return nil
}

// --- ErrorLog (relational side: random-access lookups the columnar store
// is not optimized for; bulk scan/aggregation workloads live in
// pkg/columnar) ---

// InsertErrorLog inserts one ErrorLog row and returns its ID.
func (s *Store) InsertErrorLog(ctx context.Context, log *models.ErrorLog) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs
		 (project_id, type, error_hash, error_message, error_stack, page_url, user_id, user_agent,
		  device_info, network_info, performance_data, source_file, source_line, source_column,
		  project_version, build_id, error_level, is_processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ProjectID, log.Type, log.ErrorHash, log.ErrorMessage, log.ErrorStack, log.PageURL, log.UserID, log.UserAgent,
		log.DeviceInfo, log.NetworkInfo, log.PerformanceData, log.SourceFile, log.SourceLine, log.SourceColumn,
		log.ProjectVersion, log.BuildID, log.ErrorLevel, log.IsProcessed, log.CreatedAt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "insert error log", err)
	}
	return res.LastInsertId()
}

// InsertErrorLogBatch inserts every row of logs as one transaction: a
// batch report is atomically persisted or rejected in full (spec §4.8
// "Batch boundary"), unlike the best-effort columnar mirror. The
// generated IDs are returned in row order; logs itself is not modified.
func (s *Store) InsertErrorLogBatch(ctx context.Context, logs []models.ErrorLog) ([]int64, error) {
	if len(logs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(logs))
	for i, log := range logs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO error_logs
			 (project_id, type, error_hash, error_message, error_stack, page_url, user_id, user_agent,
			  device_info, network_info, performance_data, source_file, source_line, source_column,
			  project_version, build_id, error_level, is_processed, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			log.ProjectID, log.Type, log.ErrorHash, log.ErrorMessage, log.ErrorStack, log.PageURL, log.UserID, log.UserAgent,
			log.DeviceInfo, log.NetworkInfo, log.PerformanceData, log.SourceFile, log.SourceLine, log.SourceColumn,
			log.ProjectVersion, log.BuildID, log.ErrorLevel, log.IsProcessed, log.CreatedAt)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "insert batch error log", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "read batch error log id", err)
		}
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "commit error log batch", err)
	}
	return ids, nil
}

// GetErrorLog fetches a single ErrorLog by id (spec §6 GET
// /error-location/error/:errorId/source-code and AI diagnosis fallback
// lookup by log rather than aggregation).
func (s *Store) GetErrorLog(ctx context.Context, id int64) (models.ErrorLog, error) {
	var log models.ErrorLog
	if err := s.db.GetContext(ctx, &log, `SELECT * FROM error_logs WHERE id = ?`, id); err != nil {
		return models.ErrorLog{}, wrapNotFound(err, "error log not found")
	}
	return log, nil
}

// ErrorLogFilter narrows ListErrorLogs (spec §6 GET /error-logs).
type ErrorLogFilter struct {
	ProjectID  string
	Type       *models.ErrorType
	Level      *int
	Keyword    *string
	SourceFile *string
	PageURL    *string
	UserID     *string
	StartDate  *time.Time
	EndDate    *time.Time
	SortField  string
	SortOrder  string
}

var errorLogSortFields = map[string]string{
	"createdAt":  "created_at",
	"errorLevel": "error_level",
	"id":         "id",
}

// ListErrorLogs returns a page of ErrorLog rows matching filter (spec §6
// GET /error-logs, relational fallback for the admin list view).
func (s *Store) ListErrorLogs(ctx context.Context, filter ErrorLogFilter, page, pageSize int) ([]models.ErrorLog, int, error) {
	offset := (page - 1) * pageSize
	where := " WHERE project_id = ?"
	args := []interface{}{filter.ProjectID}

	if filter.Type != nil {
		where += " AND type = ?"
		args = append(args, *filter.Type)
	}
	if filter.Level != nil {
		where += " AND error_level = ?"
		args = append(args, *filter.Level)
	}
	if filter.SourceFile != nil {
		where += " AND source_file = ?"
		args = append(args, *filter.SourceFile)
	}
	if filter.PageURL != nil {
		where += " AND page_url = ?"
		args = append(args, *filter.PageURL)
	}
	if filter.UserID != nil {
		where += " AND user_id = ?"
		args = append(args, *filter.UserID)
	}
	if filter.Keyword != nil {
		where += " AND error_message LIKE ?"
		args = append(args, "%"+*filter.Keyword+"%")
	}
	if filter.StartDate != nil {
		where += " AND created_at >= ?"
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		where += " AND created_at <= ?"
		args = append(args, *filter.EndDate)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM error_logs`+where, args...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "count error logs", err)
	}

	sortCol := "created_at"
	if col, ok := errorLogSortFields[filter.SortField]; ok {
		sortCol = col
	}
	sortDir := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		sortDir = "ASC"
	}

	query := fmt.Sprintf(`SELECT * FROM error_logs%s ORDER BY %s %s LIMIT ? OFFSET ?`, where, sortCol, sortDir)
	listArgs := append(append([]interface{}{}, args...), pageSize, offset)

	var logs []models.ErrorLog
	if err := s.db.SelectContext(ctx, &logs, query, listArgs...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "list error logs", err)
	}
	return logs, total, nil
}

// UpdateSourceResolution fills in the original-source fields once
// (spec §4.3): called at most once per ErrorLog, from the
// sourcemap-processing worker.
func (s *Store) UpdateSourceResolution(ctx context.Context, logID int64, originalSource string, originalLine, originalColumn int, functionName, snippet string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE error_logs SET original_source = ?, original_line = ?, original_column = ?,
		 function_name = ?, source_snippet = ?, is_source_resolved = TRUE
		 WHERE id = ? AND is_source_resolved = FALSE`,
		originalSource, originalLine, originalColumn, functionName, snippet, logID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "update source resolution", err)
	}
	return nil
}

// ListUnaggregatedErrorLogs returns up to limit ErrorLogs not yet folded
// into an ErrorAggregation (spec §4.9 worker input, bounded batch).
func (s *Store) ListUnaggregatedErrorLogs(ctx context.Context, limit int) ([]models.ErrorLog, error) {
	var logs []models.ErrorLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM error_logs WHERE is_processed = FALSE ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list unaggregated error logs", err)
	}
	return logs, nil
}

// MarkProcessed flags the given ErrorLog IDs as aggregated.
func (s *Store) MarkProcessed(ctx context.Context, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE error_logs SET is_processed = TRUE WHERE id IN (?)`, logIDs)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "build mark-processed query", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "mark error logs processed", err)
	}
	return nil
}

// --- ErrorAggregation ---

var _ aggregation.Repository = (*Store)(nil)

// UpsertAggregation folds one ErrorLog into its (projectId, errorHash)
// aggregation row, creating it if absent (spec §4.9). The row is locked
// with SELECT ... FOR UPDATE for the duration of the read-modify-write so
// concurrent aggregation workers serialize on the same hash.
func (s *Store) UpsertAggregation(ctx context.Context, log models.ErrorLog, alertThreshold int64) (aggregation.AggregationResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	var agg models.ErrorAggregation
	err = tx.GetContext(ctx, &agg,
		`SELECT * FROM error_aggregations WHERE project_id = ? AND error_hash = ? FOR UPDATE`,
		log.ProjectID, log.ErrorHash)

	crossedThreshold := false
	if errors.Is(err, sql.ErrNoRows) {
		initialAffectedUsers := 0
		if log.UserID != nil {
			initialAffectedUsers = 1
		}
		res, insertErr := tx.ExecContext(ctx,
			`INSERT INTO error_aggregations
			 (project_id, error_hash, type, error_message, error_stack, source_file, source_line,
			  source_column, first_seen, last_seen, occurrence_count, affected_users, status, error_level)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			log.ProjectID, log.ErrorHash, log.Type, log.ErrorMessage, log.ErrorStack, log.SourceFile, log.SourceLine,
			log.SourceColumn, log.CreatedAt, log.CreatedAt, initialAffectedUsers, models.StatusOpen, log.ErrorLevel)
		if insertErr != nil {
			return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "insert new aggregation", insertErr)
		}
		aggID, idErr := res.LastInsertId()
		if idErr != nil {
			return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "read new aggregation id", idErr)
		}
		if log.UserID != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT IGNORE INTO error_aggregation_users (aggregation_id, user_id) VALUES (?, ?)`,
				aggID, *log.UserID); err != nil {
				return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "record first affected user", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "commit new aggregation", err)
		}
		crossedThreshold = alertThreshold == 1
		return aggregation.AggregationResult{AggregationID: aggID, CrossedThreshold: crossedThreshold}, nil
	}
	if err != nil {
		return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "lock aggregation row", err)
	}

	wasBelow := agg.OccurrenceCount < alertThreshold
	newCount := agg.OccurrenceCount + 1
	if wasBelow && newCount >= alertThreshold {
		crossedThreshold = true
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE error_aggregations SET last_seen = ?, occurrence_count = occurrence_count + 1 WHERE id = ?`,
		log.CreatedAt, agg.ID); err != nil {
		return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "update aggregation occurrence", err)
	}
	if log.UserID != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO error_aggregation_users (aggregation_id, user_id) VALUES (?, ?)`,
			agg.ID, *log.UserID); err != nil {
			return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "record affected user", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE error_aggregations SET affected_users = (SELECT COUNT(*) FROM error_aggregation_users WHERE aggregation_id = ?) WHERE id = ?`,
			agg.ID, agg.ID); err != nil {
			return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "recompute affected users", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return aggregation.AggregationResult{}, apperrors.Wrap(apperrors.KindInternal, "commit aggregation update", err)
	}
	return aggregation.AggregationResult{AggregationID: agg.ID, CrossedThreshold: crossedThreshold}, nil
}

// --- diagnosis.Repository ---

// GetAggregation fetches one ErrorAggregation by ID, decoding its
// diagnosis history from the JSON column (spec §4.11.5).
func (s *Store) GetAggregation(ctx context.Context, id int64) (models.ErrorAggregation, error) {
	var agg models.ErrorAggregation
	var historyJSON sql.NullString
	row := s.db.QueryRowxContext(ctx, `SELECT * FROM error_aggregations WHERE id = ?`, id)
	if err := row.StructScan(&agg); err != nil {
		return models.ErrorAggregation{}, wrapNotFound(err, "aggregation not found")
	}
	if err := s.db.GetContext(ctx, &historyJSON, `SELECT ai_diagnosis_history FROM error_aggregations WHERE id = ?`, id); err == nil && historyJSON.Valid {
		_ = json.Unmarshal([]byte(historyJSON.String), &agg.AiDiagnosisHistory)
	}
	return agg, nil
}

// UpdateDiagnosis implements diagnosis.Repository: persists the new
// diagnosis plus history onto the aggregation, and mirrors it onto every
// ErrorLog sharing the same errorHash (spec §4.11.6).
func (s *Store) UpdateDiagnosis(ctx context.Context, aggregationID int64, analysis, fixSuggestion string, history []models.DiagnosisHistoryEntry, report []byte) error {
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal diagnosis history", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	var errorHash string
	if err := tx.GetContext(ctx, &errorHash, `SELECT error_hash FROM error_aggregations WHERE id = ? FOR UPDATE`, aggregationID); err != nil {
		return wrapNotFound(err, "aggregation not found")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE error_aggregations SET ai_diagnosis = ?, ai_fix_suggestion = ?, ai_diagnosis_history = ?,
		 comprehensive_analysis_report = ? WHERE id = ?`,
		analysis, fixSuggestion, historyJSON, report, aggregationID); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "update aggregation diagnosis", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE error_logs SET ai_diagnosis = ?, comprehensive_analysis_report = ?,
		 comprehensive_analysis_generated_at = ? WHERE error_hash = ?`,
		analysis, report, time.Now().UTC(), errorHash); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "mirror diagnosis onto error logs", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "commit diagnosis update", err)
	}
	return nil
}

// Lock implements diagnosis.Repository using MySQL's named lock functions,
// which natively support a wait timeout (spec §4.11 "per-aggregation
// advisory lock").
func (s *Store) Lock(ctx context.Context, aggregationID int64, timeout time.Duration) (func(), error) {
	lockName := fmt.Sprintf("telemetry_diagnosis_%d", aggregationID)
	var acquired int
	err := s.db.GetContext(ctx, &acquired, `SELECT GET_LOCK(?, ?)`, lockName, int(timeout.Seconds()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "acquire advisory lock", err)
	}
	if acquired != 1 {
		return nil, apperrors.New(apperrors.KindUnavailable, "diagnosis lock busy")
	}
	return func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, lockName)
	}, nil
}

// ListAggregations returns a page of ErrorAggregations for projectID,
// optionally filtered by status (spec §6 GET /admin/aggregations).
func (s *Store) ListAggregations(ctx context.Context, projectID string, status *models.AggregationStatus, page, pageSize int) ([]models.ErrorAggregation, int, error) {
	offset := (page - 1) * pageSize
	query := `SELECT * FROM error_aggregations WHERE project_id = ?`
	countQuery := `SELECT COUNT(*) FROM error_aggregations WHERE project_id = ?`
	args := []interface{}{projectID}
	if status != nil {
		query += ` AND status = ?`
		countQuery += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY last_seen DESC LIMIT ? OFFSET ?`

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "count aggregations", err)
	}

	var aggs []models.ErrorAggregation
	listArgs := append(append([]interface{}{}, args...), pageSize, offset)
	if err := s.db.SelectContext(ctx, &aggs, query, listArgs...); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindInternal, "list aggregations", err)
	}
	return aggs, total, nil
}

// SetAggregationStatus transitions agg's status, rejecting a disallowed
// move per models.AggregationStatus.ValidTransition (spec §3).
func (s *Store) SetAggregationStatus(ctx context.Context, id int64, next models.AggregationStatus) error {
	var current models.AggregationStatus
	if err := s.db.GetContext(ctx, &current, `SELECT status FROM error_aggregations WHERE id = ?`, id); err != nil {
		return wrapNotFound(err, "aggregation not found")
	}
	if !current.ValidTransition(next) {
		return apperrors.New(apperrors.KindConflict, "invalid status transition")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE error_aggregations SET status = ? WHERE id = ?`, next, id); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "update aggregation status", err)
	}
	return nil
}

// AggregationUpdate carries the mutable triage fields of PUT
// /error-aggregations/:id (spec §6); nil fields are left untouched.
type AggregationUpdate struct {
	Status     *models.AggregationStatus
	ErrorLevel *int
	Notes      *string
	AssignedTo *string
	Tags       json.RawMessage
}

// UpdateAggregationFields applies a partial triage update to an
// aggregation, validating any status transition the same way
// SetAggregationStatus does.
func (s *Store) UpdateAggregationFields(ctx context.Context, id int64, upd AggregationUpdate) error {
	if upd.Status != nil {
		var current models.AggregationStatus
		if err := s.db.GetContext(ctx, &current, `SELECT status FROM error_aggregations WHERE id = ?`, id); err != nil {
			return wrapNotFound(err, "aggregation not found")
		}
		if !current.ValidTransition(*upd.Status) {
			return apperrors.New(apperrors.KindConflict, "invalid status transition")
		}
	}

	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.ErrorLevel != nil {
		sets = append(sets, "error_level = ?")
		args = append(args, *upd.ErrorLevel)
	}
	if upd.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *upd.Notes)
	}
	if upd.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, *upd.AssignedTo)
	}
	if upd.Tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, []byte(upd.Tags))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE error_aggregations SET %s WHERE id = ?`, strings.Join(sets, ", "))
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "update aggregation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "aggregation not found")
	}
	return nil
}

// DeleteAggregation removes an aggregation row (spec §6 DELETE
// /error-aggregations/:id). ErrorLogs that reference it by hash are left
// in place: the aggregation is a rollup view, not the source of truth.
func (s *Store) DeleteAggregation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM error_aggregations WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "delete aggregation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "aggregation not found")
	}
	return nil
}
