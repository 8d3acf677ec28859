package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
)

// fakeRepo is an in-memory Repository used to exercise Store without a
// database, mirroring the teacher's pattern of hand-written fakes for
// narrow interfaces (cheaper than sqlmock when no SQL shape matters).
type fakeRepo struct {
	nextID   int64
	versions map[int64]models.SourceCodeVersion
	files    map[int64][]models.SourceCodeFile
	active   map[string]int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		versions: make(map[int64]models.SourceCodeVersion),
		files:    make(map[int64][]models.SourceCodeFile),
		active:   make(map[string]int64),
	}
}

func (f *fakeRepo) ReplaceVersion(_ context.Context, version models.SourceCodeVersion, files []models.SourceCodeFile) (int64, error) {
	for id, v := range f.versions {
		if v.ProjectID == version.ProjectID && v.Version == version.Version {
			delete(f.versions, id)
			delete(f.files, id)
		}
	}
	f.nextID++
	version.ID = f.nextID
	for i := range files {
		files[i].VersionID = version.ID
	}
	f.versions[version.ID] = version
	f.files[version.ID] = files
	return version.ID, nil
}

func (f *fakeRepo) GetVersion(_ context.Context, versionID int64) (models.SourceCodeVersion, error) {
	v, ok := f.versions[versionID]
	if !ok {
		return models.SourceCodeVersion{}, apperrors.New(apperrors.KindNotFound, "version not found")
	}
	return v, nil
}

func (f *fakeRepo) FindVersion(_ context.Context, projectID, version string) (models.SourceCodeVersion, error) {
	for _, v := range f.versions {
		if v.ProjectID == projectID && v.Version == version {
			return v, nil
		}
	}
	return models.SourceCodeVersion{}, apperrors.New(apperrors.KindNotFound, "version not found")
}

func (f *fakeRepo) ListVersions(_ context.Context, projectID string, version *string, page, pageSize int) ([]models.SourceCodeVersion, int, error) {
	var out []models.SourceCodeVersion
	for _, v := range f.versions {
		if v.ProjectID != projectID {
			continue
		}
		if version != nil && v.Version != *version {
			continue
		}
		out = append(out, v)
	}
	return out, len(out), nil
}

func (f *fakeRepo) ListFiles(_ context.Context, filter FileFilter, page, pageSize int) ([]models.SourceCodeFile, int, error) {
	var out []models.SourceCodeFile
	for id, files := range f.files {
		if filter.VersionID != nil && id != *filter.VersionID {
			continue
		}
		out = append(out, files...)
	}
	return out, len(out), nil
}

func (f *fakeRepo) GetFile(_ context.Context, versionID int64, filePath string) (models.SourceCodeFile, error) {
	for _, file := range f.files[versionID] {
		if file.FilePath == filePath {
			return file, nil
		}
	}
	return models.SourceCodeFile{}, apperrors.New(apperrors.KindNotFound, "file not found")
}

func (f *fakeRepo) SetActive(_ context.Context, projectID string, versionID int64) error {
	f.active[projectID] = versionID
	for id, v := range f.versions {
		if v.ProjectID == projectID {
			v.IsActive = id == versionID
			f.versions[id] = v
		}
	}
	return nil
}

func (f *fakeRepo) DeleteVersion(_ context.Context, projectID, version string) (string, error) {
	for id, v := range f.versions {
		if v.ProjectID == projectID && v.Version == version {
			path := v.StoragePath
			delete(f.versions, id)
			delete(f.files, id)
			return path, nil
		}
	}
	return "", nil
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUpload_InlinesSmallTextFilesAndSkipsIgnored(t *testing.T) {
	repo := newFakeRepo()
	store := New(t.TempDir(), repo)

	data := buildZip(t, map[string]string{
		"manifest.json":                `{"projectId":"p1","version":"1.0.0"}`,
		"src/app.js":                   "console.log('hi')\nconsole.log('bye')",
		"node_modules/dep/index.js":    "should be ignored",
		"package-lock.json":            "should be ignored",
		".DS_Store":                    "junk",
	})

	result, err := store.Upload(context.Background(), data, UploadMeta{}, "upload.zip")
	require.NoError(t, err)
	assert.Equal(t, 1, result.FileCount)

	files, _, err := store.ListFiles(context.Background(), FileFilter{VersionID: &result.VersionID}, 1, 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "src/app.js", files[0].FilePath)
	require.NotNil(t, files[0].SourceContent)
	assert.Equal(t, 2, *files[0].LineCount)
}

func TestUpload_MissingProjectIDIsBadRequest(t *testing.T) {
	store := New(t.TempDir(), newFakeRepo())
	data := buildZip(t, map[string]string{"a.js": "x"})

	_, err := store.Upload(context.Background(), data, UploadMeta{}, "upload.zip")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindBadRequest, apperrors.KindOf(err))
}

func TestUpload_ReplacesExistingVersionOnConflict(t *testing.T) {
	repo := newFakeRepo()
	store := New(t.TempDir(), repo)
	meta := UploadMeta{ProjectID: "p1", Version: "1.0.0"}

	first, err := store.Upload(context.Background(), buildZip(t, map[string]string{"a.js": "one"}), meta, "a.zip")
	require.NoError(t, err)

	second, err := store.Upload(context.Background(), buildZip(t, map[string]string{"b.js": "two"}), meta, "b.zip")
	require.NoError(t, err)

	assert.NotEqual(t, first.VersionID, second.VersionID)
	_, err = repo.GetVersion(context.Background(), first.VersionID)
	assert.Error(t, err, "old version should be gone after replace")
}

func TestUpload_SetAsActiveMarksVersion(t *testing.T) {
	repo := newFakeRepo()
	store := New(t.TempDir(), repo)
	meta := UploadMeta{ProjectID: "p1", Version: "1.0.0", SetAsActive: true}

	result, err := store.Upload(context.Background(), buildZip(t, map[string]string{"a.js": "x"}), meta, "a.zip")
	require.NoError(t, err)

	v, err := repo.GetVersion(context.Background(), result.VersionID)
	require.NoError(t, err)
	assert.True(t, v.IsActive)
}

func TestGetFileContent_FallsBackToZipWhenNotInlined(t *testing.T) {
	repo := newFakeRepo()
	store := New(t.TempDir(), repo)
	meta := UploadMeta{ProjectID: "p1", Version: "1.0.0"}

	bigContent := make([]byte, maxInlineSize+1)
	for i := range bigContent {
		bigContent[i] = 'a'
	}
	result, err := store.Upload(context.Background(), buildZip(t, map[string]string{"big.js": string(bigContent)}), meta, "a.zip")
	require.NoError(t, err)

	file, content, err := store.GetFileContent(context.Background(), result.VersionID, "big.js")
	require.NoError(t, err)
	assert.Nil(t, file.SourceContent)
	assert.Equal(t, len(bigContent), len(content))
}

func TestGetByLocation_ClampsContextWindowToFileBounds(t *testing.T) {
	repo := newFakeRepo()
	store := New(t.TempDir(), repo)
	meta := UploadMeta{ProjectID: "p1", Version: "1.0.0"}

	result, err := store.Upload(context.Background(), buildZip(t, map[string]string{"a.js": "l1\nl2\nl3"}), meta, "a.zip")
	require.NoError(t, err)

	line := 1
	loc, err := store.GetByLocation(context.Background(), "p1", "1.0.0", "a.js", &line, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, loc.StartLine)
	assert.Equal(t, 3, loc.EndLine)
	assert.Equal(t, []string{"l1", "l2", "l3"}, loc.Lines)
}

func TestDelete_RemovesVersionAndFiles(t *testing.T) {
	repo := newFakeRepo()
	store := New(t.TempDir(), repo)
	meta := UploadMeta{ProjectID: "p1", Version: "1.0.0"}

	_, err := store.Upload(context.Background(), buildZip(t, map[string]string{"a.js": "x"}), meta, "a.zip")
	require.NoError(t, err)

	err = store.Delete(context.Background(), "p1", "1.0.0")
	require.NoError(t, err)

	_, err = repo.FindVersion(context.Background(), "p1", "1.0.0")
	assert.Error(t, err)
}

func TestDeleteVersionsOlderThan_SkipsActiveAndRecentVersions(t *testing.T) {
	repo := newFakeRepo()
	store := New(t.TempDir(), repo)
	ctx := context.Background()

	uploadAt := func(version string, createdAt time.Time, active bool) {
		meta := UploadMeta{ProjectID: "p1", Version: version, SetAsActive: active}
		_, err := store.Upload(ctx, buildZip(t, map[string]string{"a.js": "x"}), meta, "a.zip")
		require.NoError(t, err)
		v, err := repo.FindVersion(ctx, "p1", version)
		require.NoError(t, err)
		v.CreatedAt = createdAt
		repo.versions[v.ID] = v
	}

	now := time.Now().UTC()
	uploadAt("1.0.0", now.Add(-60*24*time.Hour), false)
	uploadAt("2.0.0", now.Add(-60*24*time.Hour), true)
	uploadAt("3.0.0", now.Add(-1*time.Hour), false)

	deleted, err := store.DeleteVersionsOlderThan(ctx, "p1", now.Add(-30*24*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = repo.FindVersion(ctx, "p1", "1.0.0")
	assert.Error(t, err)
	_, err = repo.FindVersion(ctx, "p1", "2.0.0")
	assert.NoError(t, err)
	_, err = repo.FindVersion(ctx, "p1", "3.0.0")
	assert.NoError(t, err)
}
