package aggregation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqt0707/monitor-sub002/internal/models"
)

type fakeRepo struct {
	logs       []models.ErrorLog
	projects   map[string]models.Project
	upserts    []models.ErrorLog
	processed  []int64
	nextResult AggregationResult
	upsertErr  error
}

func (f *fakeRepo) ListUnaggregatedErrorLogs(_ context.Context, limit int) ([]models.ErrorLog, error) {
	return f.logs, nil
}

func (f *fakeRepo) MarkProcessed(_ context.Context, logIDs []int64) error {
	f.processed = append(f.processed, logIDs...)
	return nil
}

func (f *fakeRepo) GetProject(_ context.Context, projectID string) (models.Project, error) {
	return f.projects[projectID], nil
}

func (f *fakeRepo) UpsertAggregation(_ context.Context, log models.ErrorLog, alertThreshold int64) (AggregationResult, error) {
	f.upserts = append(f.upserts, log)
	if f.upsertErr != nil {
		return AggregationResult{}, f.upsertErr
	}
	return f.nextResult, nil
}

type fakeNotifier struct {
	notified []int64
}

func (n *fakeNotifier) NotifyThresholdCrossed(_ context.Context, aggregationID int64, projectID, errorHash string) error {
	n.notified = append(n.notified, aggregationID)
	return nil
}

func TestRunOnce_ProcessesAllLogsAndMarksThemDone(t *testing.T) {
	repo := &fakeRepo{
		logs:       []models.ErrorLog{{ID: 1, ProjectID: "p1", ErrorHash: "h1"}, {ID: 2, ProjectID: "p1", ErrorHash: "h2"}},
		projects:   map[string]models.Project{"p1": {ProjectID: "p1", AlertThreshold: 10}},
		nextResult: AggregationResult{AggregationID: 100, CrossedThreshold: false},
	}
	notifier := &fakeNotifier{}
	engine := New(repo, notifier, nil)

	n, err := engine.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []int64{1, 2}, repo.processed)
	assert.Empty(t, notifier.notified)
}

func TestRunOnce_NotifiesOnThresholdCross(t *testing.T) {
	repo := &fakeRepo{
		logs:       []models.ErrorLog{{ID: 1, ProjectID: "p1", ErrorHash: "h1"}},
		projects:   map[string]models.Project{"p1": {ProjectID: "p1", AlertThreshold: 5}},
		nextResult: AggregationResult{AggregationID: 7, CrossedThreshold: true},
	}
	notifier := &fakeNotifier{}
	engine := New(repo, notifier, nil)

	_, err := engine.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int64{7}, notifier.notified)
}

func TestRunOnce_NoLogsIsNoop(t *testing.T) {
	repo := &fakeRepo{}
	engine := New(repo, nil, nil)

	n, err := engine.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunOnce_SkipsLogWhenUpsertFailsButContinues(t *testing.T) {
	repo := &fakeRepo{
		logs:      []models.ErrorLog{{ID: 1, ProjectID: "p1"}, {ID: 2, ProjectID: "p1"}},
		projects:  map[string]models.Project{"p1": {ProjectID: "p1", AlertThreshold: 5}},
		upsertErr: assertErr{},
	}
	engine := New(repo, nil, nil)

	n, err := engine.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, repo.processed)
}

type assertErr struct{}

func (assertErr) Error() string { return "upsert failed" }
