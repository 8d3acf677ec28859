package ingestion

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
)

type fakeRelational struct {
	projects  map[string]models.Project
	inserted  []models.ErrorLog
	nextID    int64
	insertErr error
}

func (f *fakeRelational) GetProject(_ context.Context, projectID string) (models.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return models.Project{}, apperrors.New(apperrors.KindNotFound, "no such project")
	}
	return p, nil
}

func (f *fakeRelational) InsertErrorLog(_ context.Context, log *models.ErrorLog) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.nextID++
	f.inserted = append(f.inserted, *log)
	return f.nextID, nil
}

func (f *fakeRelational) InsertErrorLogBatch(_ context.Context, logs []models.ErrorLog) ([]int64, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	ids := make([]int64, len(logs))
	for i, log := range logs {
		f.nextID++
		f.inserted = append(f.inserted, log)
		ids[i] = f.nextID
	}
	return ids, nil
}

type fakeColumnar struct {
	batches [][]models.ErrorLog
}

func (f *fakeColumnar) InsertBatch(_ context.Context, logs []models.ErrorLog) error {
	f.batches = append(f.batches, logs)
	return nil
}

type enqueuedJob struct {
	queue, jobType string
	payload        json.RawMessage
	priority       models.Priority
}

type fakeEnqueuer struct {
	jobs []enqueuedJob
}

func (f *fakeEnqueuer) Add(_ context.Context, queueName, jobType string, payload json.RawMessage, priority models.Priority) (string, error) {
	f.jobs = append(f.jobs, enqueuedJob{queueName, jobType, payload, priority})
	return "job-1", nil
}

func newTestService(relational *fakeRelational, columnar *fakeColumnar, enqueuer *fakeEnqueuer) *Service {
	s := New(relational, columnar, enqueuer)
	s.rand = func() float64 { return 0 }
	return s
}

func TestReport_PersistsToBothStoresAndEnqueuesAggregation(t *testing.T) {
	relational := &fakeRelational{projects: map[string]models.Project{
		"proj1": {ProjectID: "proj1", ErrorSamplingRate: 1},
	}}
	columnar := &fakeColumnar{}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(relational, columnar, enqueuer)

	id, err := svc.Report(context.Background(), Report{
		ProjectID:    "proj1",
		Type:         models.ErrorTypeJS,
		ErrorMessage: "boom",
		ErrorStack:   "at foo (https://cdn.example.com/a.js:10:5)",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.Len(t, relational.inserted, 1)
	assert.NotEmpty(t, relational.inserted[0].ErrorHash)
	require.Len(t, columnar.batches, 1)
	assert.Len(t, columnar.batches[0], 1)
	require.Len(t, enqueuer.jobs, 1)
	assert.Equal(t, "error-aggregation", enqueuer.jobs[0].queue)
}

func TestReport_ZeroSamplingRateSkipsStorageEntirely(t *testing.T) {
	relational := &fakeRelational{projects: map[string]models.Project{
		"proj1": {ProjectID: "proj1", ErrorSamplingRate: 0},
	}}
	columnar := &fakeColumnar{}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(relational, columnar, enqueuer)

	id, err := svc.Report(context.Background(), Report{ProjectID: "proj1", ErrorMessage: "boom"})

	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Empty(t, relational.inserted)
	assert.Empty(t, columnar.batches)
	assert.Empty(t, enqueuer.jobs)
}

func TestReport_SourcemapCandidateEnqueuesSourcemapJob(t *testing.T) {
	relational := &fakeRelational{projects: map[string]models.Project{
		"proj1": {ProjectID: "proj1", ErrorSamplingRate: 1},
	}}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(relational, &fakeColumnar{}, enqueuer)

	_, err := svc.Report(context.Background(), Report{
		ProjectID:      "proj1",
		ErrorMessage:   "boom",
		ErrorStack:     "at foo (https://cdn.example.com/bundle.min.js:1:2345)",
		ProjectVersion: "1.2.3",
	})

	require.NoError(t, err)
	require.Len(t, enqueuer.jobs, 2)
	assert.Equal(t, "sourcemap-processing", enqueuer.jobs[1].queue)

	var payload sourcemapJobPayload
	require.NoError(t, json.Unmarshal(enqueuer.jobs[1].payload, &payload))
	assert.Equal(t, "https://cdn.example.com/bundle.min.js", payload.SourceFile)
	assert.Equal(t, "1.2.3", payload.ProjectVersion)
}

func TestReport_DirectSourceFieldsSkipSourcemapJobAndTakePriority(t *testing.T) {
	relational := &fakeRelational{projects: map[string]models.Project{
		"proj1": {ProjectID: "proj1", ErrorSamplingRate: 1},
	}}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(relational, &fakeColumnar{}, enqueuer)

	line, col := 1, 100
	_, err := svc.Report(context.Background(), Report{
		ProjectID:      "proj1",
		ErrorMessage:   "boom",
		ProjectVersion: "1.2.3",
		SourceFile:     strPtr("a.js"),
		SourceLine:     &line,
		SourceColumn:   &col,
	})

	require.NoError(t, err)
	require.Len(t, relational.inserted, 1)
	require.NotNil(t, relational.inserted[0].SourceFile)
	assert.Equal(t, "a.js", *relational.inserted[0].SourceFile)
	assert.Equal(t, 1, *relational.inserted[0].SourceLine)
	assert.Equal(t, 100, *relational.inserted[0].SourceColumn)

	require.Len(t, enqueuer.jobs, 1, "a direct sourceFile must not enqueue sourcemap-processing")
	assert.Equal(t, "error-aggregation", enqueuer.jobs[0].queue)
}

func strPtr(s string) *string { return &s }

func TestReportBatch_RejectsOversizedBatch(t *testing.T) {
	svc := newTestService(&fakeRelational{}, &fakeColumnar{}, &fakeEnqueuer{})

	reports := make([]Report, MaxBatchSize+1)
	_, err := svc.ReportBatch(context.Background(), reports)

	require.Error(t, err)
	assert.Equal(t, apperrors.KindBadRequest, apperrors.KindOf(err))
}

func TestReportBatch_PersistsOnlySampledRowsInOneTransaction(t *testing.T) {
	relational := &fakeRelational{projects: map[string]models.Project{
		"sampled":   {ProjectID: "sampled", ErrorSamplingRate: 1},
		"unsampled": {ProjectID: "unsampled", ErrorSamplingRate: 0},
	}}
	columnar := &fakeColumnar{}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(relational, columnar, enqueuer)

	ids, err := svc.ReportBatch(context.Background(), []Report{
		{ProjectID: "sampled", ErrorMessage: "a"},
		{ProjectID: "unsampled", ErrorMessage: "b"},
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
	assert.Len(t, relational.inserted, 1)
	require.Len(t, columnar.batches, 1)
	assert.Len(t, columnar.batches[0], 1)
}

func TestReportBatch_UnknownProjectRejectsWholeBatch(t *testing.T) {
	relational := &fakeRelational{projects: map[string]models.Project{
		"sampled": {ProjectID: "sampled", ErrorSamplingRate: 1},
	}}
	columnar := &fakeColumnar{}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(relational, columnar, enqueuer)

	ids, err := svc.ReportBatch(context.Background(), []Report{
		{ProjectID: "sampled", ErrorMessage: "a"},
		{ProjectID: "missing-project", ErrorMessage: "c"},
	})

	require.Error(t, err)
	assert.Nil(t, ids)
	assert.Empty(t, relational.inserted)
	assert.Empty(t, columnar.batches)
}

func TestReportBatch_EmptyInputIsNoop(t *testing.T) {
	svc := newTestService(&fakeRelational{}, &fakeColumnar{}, &fakeEnqueuer{})

	ids, err := svc.ReportBatch(context.Background(), nil)

	require.NoError(t, err)
	assert.Nil(t, ids)
}
