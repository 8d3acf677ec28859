package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProjects struct {
	ids []string
	err error
}

func (f *fakeProjects) ListProjectIDs(_ context.Context) ([]string, error) { return f.ids, f.err }

type fakeArchive struct {
	calls   []string
	cutoffs []time.Time
	deleted int
	err     error
}

func (f *fakeArchive) DeleteVersionsOlderThan(_ context.Context, projectID string, cutoff time.Time) (int, error) {
	f.calls = append(f.calls, projectID)
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

type fakeColumnar struct {
	cleanedProjects []string
	optimizedTables []string
}

func (f *fakeColumnar) CleanupOlderThan(_ context.Context, projectID string, _ time.Time) error {
	f.cleanedProjects = append(f.cleanedProjects, projectID)
	return nil
}

func (f *fakeColumnar) OptimizeTable(_ context.Context, table string) error {
	f.optimizedTables = append(f.optimizedTables, table)
	return nil
}

type fakeRetain struct {
	days map[string]int
}

func (f *fakeRetain) DataRetentionDays(_ context.Context, projectID string) (int, error) {
	return f.days[projectID], nil
}

func TestRunDailySweepNow_SweepsEveryProjectThroughBothStores(t *testing.T) {
	projects := &fakeProjects{ids: []string{"p1", "p2"}}
	archive := &fakeArchive{deleted: 3}
	columnar := &fakeColumnar{}
	retain := &fakeRetain{days: map[string]int{"p1": 7}}
	s := New(projects, archive, columnar, retain, nil)

	s.RunDailySweepNow(context.Background())

	assert.ElementsMatch(t, []string{"p1", "p2"}, archive.calls)
	assert.ElementsMatch(t, []string{"p1", "p2"}, columnar.cleanedProjects)
}

func TestRunDailySweepNow_UsesProjectOverrideOverDefaultTTL(t *testing.T) {
	projects := &fakeProjects{ids: []string{"p1"}}
	archive := &fakeArchive{}
	retain := &fakeRetain{days: map[string]int{"p1": 7}}
	s := New(projects, archive, &fakeColumnar{}, retain, nil)

	before := time.Now().UTC()
	s.RunDailySweepNow(context.Background())

	require.Len(t, archive.cutoffs, 1)
	expected := before.Add(-7 * 24 * time.Hour)
	assert.WithinDuration(t, expected, archive.cutoffs[0], 5*time.Second)
}

func TestRunDailySweepNow_FallsBackToDefaultTTLWhenNoOverride(t *testing.T) {
	projects := &fakeProjects{ids: []string{"p1"}}
	archive := &fakeArchive{}
	s := New(projects, archive, &fakeColumnar{}, &fakeRetain{days: map[string]int{}}, nil)

	before := time.Now().UTC()
	s.RunDailySweepNow(context.Background())

	require.Len(t, archive.cutoffs, 1)
	expected := before.Add(-DefaultSourcemapTTL)
	assert.WithinDuration(t, expected, archive.cutoffs[0], 5*time.Second)
}

func TestRunWeeklyCompaction_OptimizesAllThreeTables(t *testing.T) {
	columnar := &fakeColumnar{}
	s := New(&fakeProjects{}, nil, columnar, nil, nil)

	s.runWeeklyCompaction(context.Background())

	assert.ElementsMatch(t, []string{"error_logs_columnar", "error_logs_hourly_rollup", "error_logs_daily_rollup"}, columnar.optimizedTables)
}

func TestRunDailySweepNow_ListProjectsErrorAbortsSweepWithoutPanic(t *testing.T) {
	projects := &fakeProjects{err: assertErr{}}
	archive := &fakeArchive{}
	s := New(projects, archive, &fakeColumnar{}, nil, nil)

	s.RunDailySweepNow(context.Background())

	assert.Empty(t, archive.calls)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
