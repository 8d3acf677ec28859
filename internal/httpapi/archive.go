// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lqt0707/monitor-sub002/internal/models"
	"github.com/lqt0707/monitor-sub002/pkg/archive"
)

// ArchiveStore is the source-archive port the control surface drives.
type ArchiveStore interface {
	Upload(ctx context.Context, archiveBytes []byte, meta archive.UploadMeta, archiveName string) (archive.UploadResult, error)
	Query(ctx context.Context, projectID string, version *string, page, pageSize int) ([]models.SourceCodeVersion, int, error)
	ListFiles(ctx context.Context, filter archive.FileFilter, page, pageSize int) ([]models.SourceCodeFile, int, error)
	GetByLocation(ctx context.Context, projectID, version, filePath string, lineNumber *int, contextLines int) (archive.LocationResult, error)
	SetActive(ctx context.Context, projectID string, versionID int64) error
	Delete(ctx context.Context, projectID, version string) error
}

// postUploadSourceArchive handles POST /source-code-version/upload: a
// multipart zip plus the version metadata fields (spec §6).
func (a *API) postUploadSourceArchive(c *gin.Context) {
	file, header, err := c.Request.FormFile("archive")
	if err != nil {
		badRequest(c, "missing archive file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		badRequest(c, "could not read archive")
		return
	}

	meta := archive.UploadMeta{
		ProjectID:     c.PostForm("projectId"),
		Version:       c.PostForm("version"),
		BuildID:       c.PostForm("buildId"),
		BranchName:    c.PostForm("branchName"),
		CommitMessage: c.PostForm("commitMessage"),
		UploadedBy:    c.PostForm("uploadedBy"),
		Description:   c.PostForm("description"),
		SetAsActive:   c.PostForm("setAsActive") == "true",
	}

	result, err := a.Archive.Upload(c.Request.Context(), data, meta, header.Filename)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, result)
}

// getSourceArchiveVersions handles GET /source-code-version/versions.
func (a *API) getSourceArchiveVersions(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		badRequest(c, "projectId is required")
		return
	}
	var version *string
	if v := c.Query("version"); v != "" {
		version = &v
	}
	page, pageSize := paginationFrom(c)

	versions, total, err := a.Archive.Query(c.Request.Context(), projectID, version, page, pageSize)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"versions": versions, "total": total, "page": page, "pageSize": pageSize})
}

// getSourceArchiveFiles handles GET /source-code-version/files.
func (a *API) getSourceArchiveFiles(c *gin.Context) {
	var filter archive.FileFilter
	if v := c.Query("projectId"); v != "" {
		filter.ProjectID = &v
	}
	if v := c.Query("version"); v != "" {
		filter.Version = &v
	}
	if v := c.Query("fileName"); v != "" {
		filter.FileName = &v
	}
	if v := c.Query("versionId"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.VersionID = &id
		}
	}
	page, pageSize := paginationFrom(c)

	files, total, err := a.Archive.ListFiles(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"files": files, "total": total, "page": page, "pageSize": pageSize})
}

// getSourceArchiveFileContent handles GET
// /source-code-version/file-content/:projectId/:version: the raw-content
// counterpart to sourcemap resolution, used when a project has no
// source-map and the stack trace already points at original source.
func (a *API) getSourceArchiveFileContent(c *gin.Context) {
	projectID := c.Param("projectId")
	version := c.Param("version")
	filePath := c.Query("filePath")
	if filePath == "" {
		badRequest(c, "filePath is required")
		return
	}

	result, err := a.Archive.GetByLocation(c.Request.Context(), projectID, version, filePath, nil, 0)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

// postSourceArchiveSetActiveParams handles POST
// /source-code-version/set-active/:projectId/:versionId.
func (a *API) postSourceArchiveSetActiveParams(c *gin.Context) {
	projectID := c.Param("projectId")
	versionID, err := strconv.ParseInt(c.Param("versionId"), 10, 64)
	if err != nil {
		badRequest(c, "versionId must be numeric")
		return
	}
	if err := a.Archive.SetActive(c.Request.Context(), projectID, versionID); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"projectId": projectID, "versionId": versionID})
}

// deleteSourceArchiveVersion handles DELETE /source-code-version/:projectId/:version.
func (a *API) deleteSourceArchiveVersion(c *gin.Context) {
	projectID := c.Param("projectId")
	version := c.Param("version")
	if err := a.Archive.Delete(c.Request.Context(), projectID, version); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func paginationFrom(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(c.Query("pageSize")); err == nil && v > 0 && v <= 200 {
		pageSize = v
	}
	return page, pageSize
}
