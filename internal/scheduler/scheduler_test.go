package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/baeeng/batch-acquisition-engine/internal/decode"
	"github.com/baeeng/batch-acquisition-engine/internal/planner"
	"github.com/baeeng/batch-acquisition-engine/internal/progress"
	"github.com/baeeng/batch-acquisition-engine/internal/remote"
	"github.com/baeeng/batch-acquisition-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	outcome remote.Outcome
}

func (f *fakeFetcher) Fetch(ctx context.Context, req planner.Request, productID, apiKey string) remote.Result {
	if f.outcome != remote.HasData {
		return remote.Result{Outcome: f.outcome}
	}
	// Enough pixels that the encoded granule clears the 1 KB minimum a
	// saved file must reach to be accepted.
	no2 := make([]float64, 256)
	ref := make([]float64, 256)
	for i := range no2 {
		no2[i] = float64(i + 1)
		ref[i] = 2 * float64(i+1)
	}
	return remote.Result{
		Outcome: remote.HasData,
		Sample: decode.Sample{
			Date: req.Date, Hour: req.Hour,
			Values: map[string][]float64{"no2": no2, "ref": ref},
		},
	}
}

func newTestScheduler(t *testing.T, fetcher remote.Fetcher) (*BatchScheduler, *storage.Storage) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.NewStorage(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sched := New(store, fetcher, progress.NoopSink{}, logger, dataDir,
		ProductConfig{ProductID: "TEST_PRODUCT", NumeratorVar: "no2", DenominatorVar: "ref"},
		func() string { return "" }, func() int { return 2 })
	return sched, store
}

func daysJSON(t *testing.T) string {
	b, err := json.Marshal([]int{0, 1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	return string(b)
}

func hoursJSON(t *testing.T, hours ...int) string {
	b, err := json.Marshal(hours)
	require.NoError(t, err)
	return string(b)
}

func TestRunCompletesJobWithOneSite(t *testing.T) {
	sched, store := newTestScheduler(t, &fakeFetcher{outcome: remote.HasData})

	job := &storage.BatchJob{
		Name: "job1", TotalSites: 1, BatchSize: 2,
		DateStart: "2024-06-01", DateEnd: "2024-06-01",
		DayFilterJSON: daysJSON(t), HourFilterJSON: hoursJSON(t, 16),
		MaxCloud: 0.3, MaxSZA: 70,
	}
	require.NoError(t, store.CreateJob(job))

	site := &storage.BatchSite{
		BatchJobID: job.ID, SequenceNumber: 1, SiteName: "Site One",
		BBoxWest: -112, BBoxSouth: 39, BBoxEast: -110, BBoxNorth: 41,
	}
	require.NoError(t, store.CreateSitesBatch([]*storage.BatchSite{site}))

	require.NoError(t, sched.Run(context.Background(), job.ID))

	gotJob, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", gotJob.Status)
	assert.Equal(t, 1, gotJob.CompletedSites)

	gotSite, err := store.GetSite(site.ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", gotSite.Status)
	require.NotNil(t, gotSite.DatasetID)

	ds, err := store.GetDataset(*gotSite.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", ds.Status)
	assert.NotEmpty(t, ds.FilePath)
}

func TestRunWithNoDataMarksSiteErrorAndCountsItFailed(t *testing.T) {
	sched, store := newTestScheduler(t, &fakeFetcher{outcome: remote.NoData})

	job := &storage.BatchJob{
		Name: "job2", TotalSites: 1, BatchSize: 2,
		DateStart: "2024-06-01", DateEnd: "2024-06-01",
		DayFilterJSON: daysJSON(t), HourFilterJSON: hoursJSON(t, 16),
	}
	require.NoError(t, store.CreateJob(job))
	site := &storage.BatchSite{
		BatchJobID: job.ID, SequenceNumber: 1, SiteName: "Site Two",
		BBoxWest: -112, BBoxSouth: 39, BBoxEast: -110, BBoxNorth: 41,
	}
	require.NoError(t, store.CreateSitesBatch([]*storage.BatchSite{site}))

	require.NoError(t, sched.Run(context.Background(), job.ID))

	gotJob, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotJob.FailedSites)

	gotSite, err := store.GetSite(site.ID)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", gotSite.Status)
}

func TestRunRejectsAlreadyRunningJob(t *testing.T) {
	sched, store := newTestScheduler(t, &fakeFetcher{outcome: remote.HasData})
	job := &storage.BatchJob{Name: "job3", Status: "RUNNING", TotalSites: 0}
	require.NoError(t, store.CreateJob(job))

	err := sched.Run(context.Background(), job.ID)
	assert.Error(t, err)
}

func TestCancelBeforeDispatchLeavesJobErrorAndSitesPending(t *testing.T) {
	sched, store := newTestScheduler(t, &fakeFetcher{outcome: remote.HasData})

	job := &storage.BatchJob{
		Name: "job4", TotalSites: 1, BatchSize: 2,
		DateStart: "2024-06-01", DateEnd: "2024-06-01",
		DayFilterJSON: daysJSON(t), HourFilterJSON: hoursJSON(t, 16),
	}
	require.NoError(t, store.CreateJob(job))
	site := &storage.BatchSite{
		BatchJobID: job.ID, SequenceNumber: 1, SiteName: "Site Four",
		BBoxWest: -112, BBoxSouth: 39, BBoxEast: -110, BBoxNorth: 41,
	}
	require.NoError(t, store.CreateSitesBatch([]*storage.BatchSite{site}))

	sched.Cancel(job.ID)
	require.NoError(t, sched.Run(context.Background(), job.ID))

	gotJob, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", gotJob.Status)
	assert.Equal(t, "Cancelled by user", gotJob.ErrorMessage)

	gotSite, err := store.GetSite(site.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", gotSite.Status)
}
