// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package archive implements the source-archive store (spec §4.4): it
// accepts a zip upload, extracts and inlines small text files, persists
// the version/file metadata through a Repository, and serves file content
// back out — lazily re-reading the zip when content wasn't inlined.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
)

// maxInlineSize is the 200KB cutoff below which a text file's content is
// stored inline in the database (spec §4.4).
const maxInlineSize = 200 * 1024

var ignoredDirs = []string{"/node_modules/", "/.git/", "/dist/", "/build/", "/coverage/"}

var ignoredNames = map[string]bool{
	".DS_Store":        true,
	"package-lock.json": true,
	"yarn.lock":        true,
}

var textExtensions = map[string]bool{
	".js": true, ".ts": true, ".jsx": true, ".tsx": true, ".vue": true,
	".css": true, ".scss": true, ".less": true, ".html": true, ".json": true,
	".xml": true, ".yaml": true, ".yml": true, ".md": true, ".txt": true, ".csv": true,
}

// Repository is the metadata persistence port C4 depends on (implemented
// by pkg/metadata against MySQL). Every method that mutates more than one
// row documents the transactional scope spec §4.6 requires.
type Repository interface {
	// ReplaceVersion deletes every existing (projectId, version) row (and
	// its files) and inserts the new version + files as one transaction,
	// implementing the "all such rows are deleted" upload conflict rule.
	ReplaceVersion(ctx context.Context, version models.SourceCodeVersion, files []models.SourceCodeFile) (versionID int64, err error)

	GetVersion(ctx context.Context, versionID int64) (models.SourceCodeVersion, error)
	FindVersion(ctx context.Context, projectID, version string) (models.SourceCodeVersion, error)
	ListVersions(ctx context.Context, projectID string, version *string, page, pageSize int) ([]models.SourceCodeVersion, int, error)

	ListFiles(ctx context.Context, filter FileFilter, page, pageSize int) ([]models.SourceCodeFile, int, error)
	GetFile(ctx context.Context, versionID int64, filePath string) (models.SourceCodeFile, error)

	// SetActive clears isActive for every version of projectId then sets
	// it for versionID, as one transaction (spec §4.4 SetActive).
	SetActive(ctx context.Context, projectID string, versionID int64) error

	// DeleteVersion removes the version and its files; the caller removes
	// the on-disk directory separately once this succeeds.
	DeleteVersion(ctx context.Context, projectID, version string) (storagePath string, err error)
}

// FileFilter narrows ListFiles queries (spec §6 GET /source-code-version/files).
type FileFilter struct {
	VersionID *int64
	ProjectID *string
	Version   *string
	FileName  *string
}

// UploadMeta carries the multipart form fields accompanying an upload
// (spec §6 POST /source-code-version/upload).
type UploadMeta struct {
	ProjectID      string
	Version        string
	BuildID        string
	BranchName     string
	CommitMessage  string
	UploadedBy     string
	Description    string
	SetAsActive    bool
}

type manifest struct {
	ProjectID     string `json:"projectId"`
	Version       string `json:"version"`
	BuildID       string `json:"buildId"`
	BranchName    string `json:"branchName"`
	CommitMessage string `json:"commitMessage"`
}

// UploadResult is C4's Upload return value.
type UploadResult struct {
	VersionID int64
	FileCount int
}

// Store is the archive subsystem. StorageBase is the root directory zips
// are written under: <StorageBase>/<projectId>/<version>/<archiveName>.
type Store struct {
	StorageBase string
	Repo        Repository

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

// New builds a Store rooted at storageBase.
func New(storageBase string, repo Repository) *Store {
	return &Store{StorageBase: storageBase, Repo: repo, locks: make(map[string]*sync.RWMutex)}
}

// lockFor returns the exclusive per-(projectId,version) lock Upload holds
// and GetFileContent takes shared, per spec §5.
func (s *Store) lockFor(projectID, version string) *sync.RWMutex {
	key := projectID + "/" + version
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.RWMutex{}
	s.locks[key] = l
	return l
}

// Upload parses archiveBytes as a zip, applies the ignore rules, persists
// accepted files (inlining small text ones), and writes the zip verbatim
// to disk. Conflict resolution: any existing (projectId, version) rows are
// replaced wholesale (spec §4.4).
func (s *Store) Upload(ctx context.Context, archiveBytes []byte, meta UploadMeta, archiveName string) (UploadResult, error) {
	if len(archiveBytes) == 0 {
		return UploadResult{}, apperrors.New(apperrors.KindBadRequest, "empty upload")
	}

	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return UploadResult{}, apperrors.Wrap(apperrors.KindBadRequest, "not a valid zip archive", err)
	}

	projectID, version, buildID, branchName, commitMessage, err := resolveManifest(zr, meta)
	if err != nil {
		return UploadResult{}, err
	}

	files, hasSourcemap, sourcemapVersion, err := extractFiles(zr, projectID)
	if err != nil {
		return UploadResult{}, err
	}

	lock := s.lockFor(projectID, version)
	lock.Lock()
	defer lock.Unlock()

	storagePath := filepath.Join(s.StorageBase, projectID, version)
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return UploadResult{}, apperrors.Wrap(apperrors.KindInternal, "could not create storage directory", err)
	}
	zipPath := filepath.Join(storagePath, archiveName)
	if err := os.WriteFile(zipPath, archiveBytes, 0o644); err != nil {
		return UploadResult{}, apperrors.Wrap(apperrors.KindInternal, "could not write archive to disk", err)
	}

	now := time.Now().UTC()
	sv := models.SourceCodeVersion{
		ProjectID:     projectID,
		Version:       version,
		StoragePath:   storagePath,
		ArchiveName:   archiveName,
		ArchiveSize:   int64(len(archiveBytes)),
		IsActive:      meta.SetAsActive,
		HasSourcemap:  hasSourcemap,
		CreatedAt:     now,
	}
	if buildID != "" {
		sv.BuildID = &buildID
	}
	if branchName != "" {
		sv.BranchName = &branchName
	}
	if commitMessage != "" {
		sv.CommitMessage = &commitMessage
	}
	if meta.UploadedBy != "" {
		sv.UploadedBy = &meta.UploadedBy
	}
	if meta.Description != "" {
		sv.Description = &meta.Description
	}
	if hasSourcemap {
		sv.SourcemapVersion = &sourcemapVersion
		sv.SourcemapAssociatedAt = &now
	}

	versionID, err := s.Repo.ReplaceVersion(ctx, sv, files)
	if err != nil {
		return UploadResult{}, apperrors.Wrap(apperrors.KindInternal, "could not persist source version", err)
	}

	if meta.SetAsActive {
		if err := s.Repo.SetActive(ctx, projectID, versionID); err != nil {
			return UploadResult{}, apperrors.Wrap(apperrors.KindInternal, "could not mark version active", err)
		}
	}

	return UploadResult{VersionID: versionID, FileCount: len(files)}, nil
}

func resolveManifest(zr *zip.Reader, meta UploadMeta) (projectID, version, buildID, branchName, commitMessage string, err error) {
	projectID, version, buildID, branchName, commitMessage = meta.ProjectID, meta.Version, meta.BuildID, meta.BranchName, meta.CommitMessage

	for _, f := range zr.File {
		if filepath.Base(f.Name) != "manifest.json" {
			continue
		}
		rc, openErr := f.Open()
		if openErr != nil {
			return "", "", "", "", "", apperrors.Wrap(apperrors.KindBadRequest, "could not open manifest.json", openErr)
		}
		data, readErr := io.ReadAll(rc)
		rc.Close()
		if readErr != nil {
			return "", "", "", "", "", apperrors.Wrap(apperrors.KindBadRequest, "could not read manifest.json", readErr)
		}

		var m manifest
		if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
			return "", "", "", "", "", apperrors.Wrap(apperrors.KindBadRequest, "invalid manifest.json", jsonErr)
		}

		if m.ProjectID != "" {
			if projectID != "" && projectID != m.ProjectID {
				return "", "", "", "", "", apperrors.New(apperrors.KindBadRequest, "projectId mismatch between form and manifest.json")
			}
			projectID = m.ProjectID
		}
		if m.Version != "" {
			if version != "" && version != m.Version {
				return "", "", "", "", "", apperrors.New(apperrors.KindBadRequest, "version mismatch between form and manifest.json")
			}
			version = m.Version
		}
		if buildID == "" {
			buildID = m.BuildID
		}
		if branchName == "" {
			branchName = m.BranchName
		}
		if commitMessage == "" {
			commitMessage = m.CommitMessage
		}
		break
	}

	if projectID == "" {
		return "", "", "", "", "", apperrors.New(apperrors.KindBadRequest, "projectId is required (form field or manifest.json)")
	}
	if version == "" {
		version = fmt.Sprintf("v%d", time.Now().UnixMilli())
	}

	return projectID, version, buildID, branchName, commitMessage, nil
}

func extractFiles(zr *zip.Reader, projectID string) ([]models.SourceCodeFile, bool, string, error) {
	files := make([]models.SourceCodeFile, 0, len(zr.File))
	hasSourcemap := false
	sourcemapVersion := ""

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := f.Name
		base := filepath.Base(name)
		if base == "manifest.json" || ignoredNames[base] || strings.HasSuffix(base, ".log") || strings.HasPrefix(base, ".env") {
			continue
		}
		if isIgnoredPath(name) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, false, "", apperrors.Wrap(apperrors.KindBadRequest, "could not open archive entry "+name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, false, "", apperrors.Wrap(apperrors.KindBadRequest, "could not read archive entry "+name, err)
		}

		sum := md5.Sum(content)
		ext := strings.ToLower(filepath.Ext(base))
		isText := textExtensions[ext] && int64(len(content)) <= maxInlineSize && utf8.Valid(content)

		sf := models.SourceCodeFile{
			ProjectID:    projectID,
			FilePath:     name,
			FileName:     base,
			FileType:     strings.TrimPrefix(ext, "."),
			FileSize:     int64(len(content)),
			FileHash:     hex.EncodeToString(sum[:]),
			IsSourceFile: isText,
		}

		if isText {
			text := string(content)
			lineCount := strings.Count(text, "\n") + 1
			charCount := utf8.RuneCountInString(text)
			sf.SourceContent = &text
			sf.LineCount = &lineCount
			sf.CharCount = &charCount
		}

		if strings.HasSuffix(base, ".map") {
			hasSourcemap = true
			sourcemapVersion = base
		}

		files = append(files, sf)
	}

	return files, hasSourcemap, sourcemapVersion, nil
}

func isIgnoredPath(name string) bool {
	normalized := "/" + filepath.ToSlash(name) + "/"
	for _, marker := range ignoredDirs {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// Query lists versions for a project, paged (spec §6 GET .../versions).
func (s *Store) Query(ctx context.Context, projectID string, version *string, page, pageSize int) ([]models.SourceCodeVersion, int, error) {
	return s.Repo.ListVersions(ctx, projectID, version, page, pageSize)
}

// ListFiles lists files matching filter, paged (spec §6 GET .../files).
func (s *Store) ListFiles(ctx context.Context, filter FileFilter, page, pageSize int) ([]models.SourceCodeFile, int, error) {
	return s.Repo.ListFiles(ctx, filter, page, pageSize)
}

// GetFileContent returns a file's content, lazily decoding it from the
// on-disk zip if it wasn't inlined at upload time (spec §4.4).
func (s *Store) GetFileContent(ctx context.Context, versionID int64, filePath string) (models.SourceCodeFile, string, error) {
	file, err := s.Repo.GetFile(ctx, versionID, filePath)
	if err != nil {
		return models.SourceCodeFile{}, "", err
	}
	if file.SourceContent != nil {
		return file, *file.SourceContent, nil
	}

	version, err := s.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return models.SourceCodeFile{}, "", err
	}

	content, err := s.readFromZip(version, filePath)
	if err != nil {
		return models.SourceCodeFile{}, "", err
	}
	return file, content, nil
}

func (s *Store) readFromZip(version models.SourceCodeVersion, filePath string) (string, error) {
	lock := s.lockFor(version.ProjectID, version.Version)
	lock.RLock()
	defer lock.RUnlock()

	zipPath := filepath.Join(version.StoragePath, version.ArchiveName)
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "could not open archive on disk", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name == filePath {
			rc, err := f.Open()
			if err != nil {
				return "", apperrors.Wrap(apperrors.KindInternal, "could not open archive entry", err)
			}
			defer rc.Close()
			content, err := io.ReadAll(rc)
			if err != nil {
				return "", apperrors.Wrap(apperrors.KindInternal, "could not read archive entry", err)
			}
			return string(content), nil
		}
	}
	return "", apperrors.New(apperrors.KindNotFound, "file not found in archive: "+filePath)
}

// LocationResult is the response shape for GetByLocation (spec §4.4).
type LocationResult struct {
	File       models.SourceCodeFile
	Content    string
	Lines      []string
	TargetLine int
	StartLine  int
	EndLine    int
}

// GetByLocation returns a context window of filePath centered on
// lineNumber, clamped to the file's bounds (spec §4.4, §8 boundary case).
func (s *Store) GetByLocation(ctx context.Context, projectID, version, filePath string, lineNumber *int, contextLines int) (LocationResult, error) {
	sv, err := s.Repo.FindVersion(ctx, projectID, version)
	if err != nil {
		return LocationResult{}, err
	}

	file, content, err := s.GetFileContent(ctx, sv.ID, filePath)
	if err != nil {
		return LocationResult{}, err
	}

	result := LocationResult{File: file, Content: content}
	if lineNumber == nil {
		return result, nil
	}

	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return result, nil
	}

	target := *lineNumber
	result.TargetLine = target

	start := target - contextLines
	if start < 1 {
		start = 1
	}
	end := target + contextLines
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return result, nil
	}

	result.StartLine = start
	result.EndLine = end
	result.Lines = append([]string(nil), lines[start-1:end]...)
	return result, nil
}

// SetActive marks versionID as the sole active version of projectID.
func (s *Store) SetActive(ctx context.Context, projectID string, versionID int64) error {
	return s.Repo.SetActive(ctx, projectID, versionID)
}

// Delete removes a version's metadata and its on-disk directory,
// cascading to files (spec §3 ownership, §4.4 Delete).
func (s *Store) Delete(ctx context.Context, projectID, version string) error {
	lock := s.lockFor(projectID, version)
	lock.Lock()
	defer lock.Unlock()

	storagePath, err := s.Repo.DeleteVersion(ctx, projectID, version)
	if err != nil {
		return err
	}
	if storagePath == "" {
		return nil
	}
	if err := os.RemoveAll(storagePath); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "could not remove archive directory", err)
	}
	return nil
}

// deleteBatchPageSize bounds how many versions DeleteVersionsOlderThan
// inspects per ListVersions call.
const deleteBatchPageSize = 200

// DeleteVersionsOlderThan removes every inactive version of projectID
// created before cutoff, backing the retention sweep (spec §4.10). The
// active version is never swept, even if stale, since it is still serving
// live source-map resolution.
func (s *Store) DeleteVersionsOlderThan(ctx context.Context, projectID string, cutoff time.Time) (int, error) {
	deleted := 0
	for page := 1; ; page++ {
		versions, total, err := s.Repo.ListVersions(ctx, projectID, nil, page, deleteBatchPageSize)
		if err != nil {
			return deleted, err
		}
		if len(versions) == 0 {
			break
		}
		for _, v := range versions {
			if v.IsActive || !v.CreatedAt.Before(cutoff) {
				continue
			}
			if err := s.Delete(ctx, projectID, v.Version); err != nil {
				return deleted, err
			}
			deleted++
		}
		if page*deleteBatchPageSize >= total {
			break
		}
	}
	return deleted, nil
}
