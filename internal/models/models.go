// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package models holds the shared data model for the ingestion and
// diagnosis core: the append-only columnar ErrorLog, the mutable
// relational ErrorAggregation, the source-archive entities, and the
// job-queue envelope. Nothing in this package talks to a store; it is
// pure data plus the small invariants that are cheap to check in memory.
package models

import (
	"encoding/json"
	"time"
)

// ErrorType enumerates the telemetry categories the ingestion API accepts.
type ErrorType string

const (
	ErrorTypeJS          ErrorType = "jsError"
	ErrorTypePromise     ErrorType = "promiseRejection"
	ErrorTypeResource    ErrorType = "resourceError"
	ErrorTypeHTTP        ErrorType = "httpError"
	ErrorTypeCustom      ErrorType = "customError"
)

// AggregationStatus is the status column of an ErrorAggregation row.
type AggregationStatus int

const (
	StatusOpen AggregationStatus = iota
	StatusResolved
	StatusIgnored
)

// ValidTransition reports whether moving from s to next is allowed by the
// DAG in spec §3: open<->resolved, open<->ignored. resolved and ignored do
// not transition directly into each other.
func (s AggregationStatus) ValidTransition(next AggregationStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusOpen:
		return next == StatusResolved || next == StatusIgnored
	case StatusResolved, StatusIgnored:
		return next == StatusOpen
	}
	return false
}

// ErrorLog is the append-only columnar record of a single error occurrence.
// All fields besides the resolution/diagnosis group are immutable once
// written; see IsSourceResolved and AiDiagnosis for the two fields allowed
// to transition from unset to set exactly once.
type ErrorLog struct {
	ID        int64     `json:"id" db:"id"`
	ProjectID string    `json:"projectId" db:"project_id"`
	Type      ErrorType `json:"type" db:"type"`
	ErrorHash string    `json:"errorHash" db:"error_hash"`

	ErrorMessage string  `json:"errorMessage" db:"error_message"`
	ErrorStack   *string `json:"errorStack,omitempty" db:"error_stack"`
	PageURL      *string `json:"pageUrl,omitempty" db:"page_url"`
	UserID       *string `json:"userId,omitempty" db:"user_id"`
	UserAgent    *string `json:"userAgent,omitempty" db:"user_agent"`

	DeviceInfo      json.RawMessage `json:"deviceInfo,omitempty" db:"device_info"`
	NetworkInfo     json.RawMessage `json:"networkInfo,omitempty" db:"network_info"`
	PerformanceData json.RawMessage `json:"performanceData,omitempty" db:"performance_data"`

	SourceFile   *string `json:"sourceFile,omitempty" db:"source_file"`
	SourceLine   *int    `json:"sourceLine,omitempty" db:"source_line"`
	SourceColumn *int    `json:"sourceColumn,omitempty" db:"source_column"`

	ProjectVersion *string `json:"projectVersion,omitempty" db:"project_version"`
	BuildID        *string `json:"buildId,omitempty" db:"build_id"`

	OriginalSource *string `json:"originalSource,omitempty" db:"original_source"`
	OriginalLine   *int    `json:"originalLine,omitempty" db:"original_line"`
	OriginalColumn *int    `json:"originalColumn,omitempty" db:"original_column"`
	FunctionName   *string `json:"functionName,omitempty" db:"function_name"`
	SourceSnippet  *string `json:"sourceSnippet,omitempty" db:"source_snippet"`
	IsSourceResolved bool  `json:"isSourceResolved" db:"is_source_resolved"`

	AiDiagnosis                      *string         `json:"aiDiagnosis,omitempty" db:"ai_diagnosis"`
	ComprehensiveAnalysisReport      json.RawMessage `json:"comprehensiveAnalysisReport,omitempty" db:"comprehensive_analysis_report"`
	ComprehensiveAnalysisGeneratedAt *time.Time      `json:"comprehensiveAnalysisGeneratedAt,omitempty" db:"comprehensive_analysis_generated_at"`

	ErrorLevel  int  `json:"errorLevel" db:"error_level"`
	IsProcessed bool `json:"isProcessed" db:"is_processed"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// DiagnosisHistoryEntry is one ring-buffer slot of ErrorAggregation's
// AiDiagnosisHistory, capturing a superseded diagnosis.
type DiagnosisHistoryEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Analysis      string    `json:"analysis"`
	FixSuggestion string    `json:"fixSuggestion"`
}

// MaxDiagnosisHistory bounds the ring buffer kept per aggregation (spec §3,
// §8 scenario 5).
const MaxDiagnosisHistory = 10

// ErrorAggregation is the mutable rollup of every ErrorLog sharing a
// (ProjectID, ErrorHash) key.
type ErrorAggregation struct {
	ID        int64  `json:"id" db:"id"`
	ProjectID string `json:"projectId" db:"project_id"`
	ErrorHash string `json:"errorHash" db:"error_hash"`

	Type         ErrorType `json:"type" db:"type"`
	ErrorMessage string    `json:"errorMessage" db:"error_message"`
	ErrorStack   *string   `json:"errorStack,omitempty" db:"error_stack"`
	SourceFile   *string   `json:"sourceFile,omitempty" db:"source_file"`
	SourceLine   *int      `json:"sourceLine,omitempty" db:"source_line"`
	SourceColumn *int      `json:"sourceColumn,omitempty" db:"source_column"`

	FirstSeen       time.Time `json:"firstSeen" db:"first_seen"`
	LastSeen        time.Time `json:"lastSeen" db:"last_seen"`
	OccurrenceCount int64     `json:"occurrenceCount" db:"occurrence_count"`
	AffectedUsers   int64     `json:"affectedUsers" db:"affected_users"`

	Status     AggregationStatus `json:"status" db:"status"`
	ErrorLevel int               `json:"errorLevel" db:"error_level"`
	AssignedTo *string           `json:"assignedTo,omitempty" db:"assigned_to"`
	Notes      *string           `json:"notes,omitempty" db:"notes"`
	Tags       json.RawMessage   `json:"tags,omitempty" db:"tags"`

	AiDiagnosis                 *string                 `json:"aiDiagnosis,omitempty" db:"ai_diagnosis"`
	AiFixSuggestion              *string                `json:"aiFixSuggestion,omitempty" db:"ai_fix_suggestion"`
	AiDiagnosisHistory           []DiagnosisHistoryEntry `json:"aiDiagnosisHistory,omitempty" db:"-"`
	ComprehensiveAnalysisReport  json.RawMessage         `json:"comprehensiveAnalysisReport,omitempty" db:"comprehensive_analysis_report"`
}

// PushDiagnosisHistory appends the aggregation's current diagnosis onto the
// history ring, trimming to MaxDiagnosisHistory, before the caller
// overwrites AiDiagnosis/AiFixSuggestion with a new result (spec §4.11.5).
func (a *ErrorAggregation) PushDiagnosisHistory(at time.Time) {
	if a.AiDiagnosis == nil {
		return
	}
	fix := ""
	if a.AiFixSuggestion != nil {
		fix = *a.AiFixSuggestion
	}
	entry := DiagnosisHistoryEntry{Timestamp: at, Analysis: *a.AiDiagnosis, FixSuggestion: fix}
	a.AiDiagnosisHistory = append(a.AiDiagnosisHistory, entry)
	if len(a.AiDiagnosisHistory) > MaxDiagnosisHistory {
		a.AiDiagnosisHistory = a.AiDiagnosisHistory[len(a.AiDiagnosisHistory)-MaxDiagnosisHistory:]
	}
}

// SourceCodeVersion is one immutable upload of a project's built source
// tree, optionally paired with source-maps.
type SourceCodeVersion struct {
	ID             int64   `json:"id" db:"id"`
	ProjectID      string  `json:"projectId" db:"project_id"`
	Version        string  `json:"version" db:"version"`
	BuildID        *string `json:"buildId,omitempty" db:"build_id"`
	BranchName     *string `json:"branchName,omitempty" db:"branch_name"`
	CommitMessage  *string `json:"commitMessage,omitempty" db:"commit_message"`
	StoragePath    string  `json:"storagePath" db:"storage_path"`
	ArchiveName    string  `json:"archiveName" db:"archive_name"`
	ArchiveSize    int64   `json:"archiveSize" db:"archive_size"`
	UploadedBy     *string `json:"uploadedBy,omitempty" db:"uploaded_by"`
	Description    *string `json:"description,omitempty" db:"description"`
	IsActive       bool    `json:"isActive" db:"is_active"`
	HasSourcemap   bool    `json:"hasSourcemap" db:"has_sourcemap"`
	SourcemapVersion      *string    `json:"sourcemapVersion,omitempty" db:"sourcemap_version"`
	SourcemapAssociatedAt *time.Time `json:"sourcemapAssociatedAt,omitempty" db:"sourcemap_associated_at"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// SourceCodeFile is one archive entry belonging to a SourceCodeVersion.
type SourceCodeFile struct {
	ID            int64   `json:"id" db:"id"`
	VersionID     int64   `json:"versionId" db:"version_id"`
	ProjectID     string  `json:"projectId" db:"project_id"`
	FilePath      string  `json:"filePath" db:"file_path"`
	FileName      string  `json:"fileName" db:"file_name"`
	FileType      string  `json:"fileType" db:"file_type"`
	FileSize      int64   `json:"fileSize" db:"file_size"`
	FileHash      string  `json:"fileHash" db:"file_hash"`
	IsSourceFile  bool    `json:"isSourceFile" db:"is_source_file"`
	SourceContent *string `json:"sourceContent,omitempty" db:"source_content"`
	LineCount     *int    `json:"lineCount,omitempty" db:"line_count"`
	CharCount     *int    `json:"charCount,omitempty" db:"char_count"`
}

// SourcemapConfig controls whether/how a project expects source-maps to be
// resolved; embedded as JSON in Project.
type SourcemapConfig struct {
	Enabled      bool `json:"enabled"`
	ContextLines int  `json:"contextLines"`
}

// Project carries per-tenant configuration; tenant isolation beyond this tag
// is explicitly out of scope (spec §1 Non-goals).
type Project struct {
	ProjectID               string          `json:"projectId" db:"project_id"`
	ProjectName             string          `json:"projectName" db:"project_name"`
	ErrorSamplingRate       float64         `json:"errorSamplingRate" db:"error_sampling_rate"`
	PerformanceSamplingRate float64         `json:"performanceSamplingRate" db:"performance_sampling_rate"`
	DataRetentionDays       int             `json:"dataRetentionDays" db:"data_retention_days"`
	SourcemapConfig         SourcemapConfig `json:"sourcemapConfig" db:"-"`
	APIKey                  string          `json:"apiKey" db:"api_key"`
	AlertThreshold          int64           `json:"alertThreshold" db:"alert_threshold"`
}

// User is a minimal principal record: the control surface needs something
// to attach bearer-token identity to even though user/role administration
// itself is an external collaborator (spec §1).
type User struct {
	ID        string `json:"id" db:"id"`
	ProjectID string `json:"projectId" db:"project_id"`
	Role      string `json:"role" db:"role"`
}

// JobState is the lifecycle state of a queued Job (spec §3, §4.7).
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
)

// Priority levels for job scheduling; ties are broken FIFO (spec §4.7).
type Priority int

const (
	PriorityLow      Priority = -5
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 5
	PriorityCritical Priority = 10
)

// Job is one unit of work handed to the queue fabric.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	Attempts   int             `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	State      JobState        `json:"state"`
	DelayUntil *time.Time      `json:"delayUntil,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
	// StalledCount counts how many times a worker has gone silent on this
	// job past its Policy.StalledTimeout. RecoverStalled hard-fails the
	// job once this exceeds the queue's Policy.MaxStalled.
	StalledCount int `json:"stalledCount,omitempty"`
}
