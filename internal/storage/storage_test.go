package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// Every new connection to ":memory:" opens its own empty database, so
	// the pool is held to one connection for concurrent tests to share it.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	db.Exec("PRAGMA journal_mode=WAL;")

	require.NoError(t, db.AutoMigrate(&BatchJob{}, &BatchSite{}, &Dataset{}, &Granule{}, &AppSetting{}))
	return &Storage{DB: db}
}

func TestJobCRUD(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	job := &BatchJob{Name: "test job", TotalSites: 2}
	require.NoError(t, s.CreateJob(job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "PENDING", job.Status)

	job.Status = "RUNNING"
	require.NoError(t, s.UpdateJob(job))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", got.Status)

	_, err = s.GetJob("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSitesBatchAndGetPendingSitesOrdering(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	job := &BatchJob{Name: "j"}
	require.NoError(t, s.CreateJob(job))

	sites := []*BatchSite{
		{BatchJobID: job.ID, SiteName: "B", SequenceNumber: 2},
		{BatchJobID: job.ID, SiteName: "A", SequenceNumber: 1},
	}
	require.NoError(t, s.CreateSitesBatch(sites))

	pending, err := s.GetPendingSites(job.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "A", pending[0].SiteName)
	assert.Equal(t, "B", pending[1].SiteName)
}

func TestResetInterruptedSites(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	job := &BatchJob{Name: "j"}
	require.NoError(t, s.CreateJob(job))

	sites := []*BatchSite{
		{BatchJobID: job.ID, SiteName: "A", SequenceNumber: 1, Status: "DOWNLOADING"},
		{BatchJobID: job.ID, SiteName: "B", SequenceNumber: 2, Status: "COMPLETED"},
	}
	require.NoError(t, s.CreateSitesBatch(sites))

	n, err := s.ResetInterruptedSites(job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	reset, err := s.GetSite(sites[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", reset.Status)
	assert.Equal(t, "Interrupted by app restart", reset.ErrorMessage)

	untouched, err := s.GetSite(sites[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", untouched.Status)
}

func TestFindGranuleByHashDedup(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	ds := &Dataset{Name: "d"}
	require.NoError(t, s.CreateDataset(ds))

	g1 := &Granule{DatasetID: ds.ID, Date: "2024-06-01", Hour: 16, ContentHash: "same-hash", Downloaded: true}
	g2 := &Granule{DatasetID: ds.ID, Date: "2024-06-02", Hour: 16, ContentHash: "same-hash", Downloaded: false}
	require.NoError(t, s.CreateGranulesBatch([]*Granule{g1, g2}))

	found, err := s.FindGranuleByHash("same-hash")
	require.NoError(t, err)
	assert.Equal(t, g1.ID, found.ID)

	_, err = s.FindGranuleByHash("no-such-hash")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateGranulesBatchIgnoresDuplicates(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	ds := &Dataset{Name: "d"}
	require.NoError(t, s.CreateDataset(ds))

	g := &Granule{DatasetID: ds.ID, Date: "2024-06-01", Hour: 16, ContentHash: "h"}
	require.NoError(t, s.CreateGranulesBatch([]*Granule{g}))

	dup := &Granule{DatasetID: ds.ID, Date: "2024-06-01", Hour: 16, ContentHash: "h2"}
	require.NoError(t, s.CreateGranulesBatch([]*Granule{dup}))

	all, err := s.GetGranulesForDataset(ds.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "h", all[0].ContentHash)
}

func TestDeleteJobFullCascades(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	tmpDir := t.TempDir()
	jobDir := filepath.Join(tmpDir, "job-1")
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "marker.txt"), []byte("x"), 0o644))

	job := &BatchJob{Name: "j"}
	require.NoError(t, s.CreateJob(job))

	ds := &Dataset{Name: "d", BatchJobID: &job.ID}
	require.NoError(t, s.CreateDataset(ds))

	site := &BatchSite{BatchJobID: job.ID, SiteName: "A", SequenceNumber: 1, DatasetID: &ds.ID}
	require.NoError(t, s.CreateSitesBatch([]*BatchSite{site}))

	g := &Granule{DatasetID: ds.ID, Date: "2024-06-01", Hour: 16}
	require.NoError(t, s.CreateGranulesBatch([]*Granule{g}))

	require.NoError(t, s.DeleteJobFull(job.ID, jobDir))

	_, err := s.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDataset(ds.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSite(site.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var granuleCount int64
	s.DB.Model(&Granule{}).Where("dataset_id = ?", ds.ID).Count(&granuleCount)
	assert.Zero(t, granuleCount)

	_, statErr := os.Stat(jobDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAppSettingsRoundTrip(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	require.NoError(t, s.SetString("data_dir", "/tmp/bae"))
	val, err := s.GetString("data_dir")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bae", val)

	require.NoError(t, s.SetString("data_dir", "/tmp/bae2"))
	val, err = s.GetString("data_dir")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bae2", val)

	missing, err := s.GetString("nope")
	require.NoError(t, err)
	assert.Equal(t, "", missing)
}

// TestIncrementJobSiteCounterConcurrent drives many sites "completing"
// at once and asserts the job's counters land on the true total instead
// of losing increments to a read-modify-write race.
func TestIncrementJobSiteCounterConcurrent(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	const totalSites = 40
	job := &BatchJob{Name: "concurrent completion", TotalSites: totalSites}
	require.NoError(t, s.CreateJob(job))

	var wg sync.WaitGroup
	for i := 0; i < totalSites; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.IncrementJobSiteCounter(job.ID, i%2 == 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, totalSites, got.CompletedSites+got.FailedSites)
	assert.Equal(t, totalSites/2, got.CompletedSites)
	assert.Equal(t, totalSites/2, got.FailedSites)
}
