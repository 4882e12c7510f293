package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/baeeng/batch-acquisition-engine/internal/config"
	"github.com/baeeng/batch-acquisition-engine/internal/planner"
	"github.com/baeeng/batch-acquisition-engine/internal/progress"
	"github.com/baeeng/batch-acquisition-engine/internal/remote"
	"github.com/baeeng/batch-acquisition-engine/internal/scheduler"
	"github.com/baeeng/batch-acquisition-engine/internal/security"
	"github.com/baeeng/batch-acquisition-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, _ planner.Request, _, _ string) remote.Result {
	return remote.Result{Outcome: remote.NoData}
}

func newTestServer(t *testing.T) (*Server, *storage.Storage, string) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.NewStorage(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.NewConfigManager(store)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	audit := security.NewAuditLogger(dataDir, logger)

	sched := scheduler.New(store, &stubFetcher{}, progress.NoopSink{}, logger, dataDir,
		scheduler.ProductConfig{ProductID: "TEST", NumeratorVar: "no2", DenominatorVar: "ref"},
		func() string { return "" }, func() int { return 2 })

	return New(store, sched, cfg, audit, logger), store, dataDir
}

func writeCSV(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "sites.csv")
	content := "name,lat,lon\nSite A,40.0,-111.0\nSite B,41.0,-112.0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCreateJobParsesSitesAndPersists(t *testing.T) {
	srv, store, dataDir := newTestServer(t)
	csvPath := writeCSV(t, dataDir)

	body, _ := json.Marshal(CreateJobRequest{
		Name: "job1", SourceFile: csvPath,
		DateStart: "2024-06-01", DateEnd: "2024-06-01",
		DayFilter: []int{0, 1, 2, 3, 4, 5, 6}, HourStart: 16, HourEnd: 16,
		MaxCloud: 0.3, MaxSZA: 70, DefaultRadiusKm: 10, BatchSize: 2,
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var job storage.BatchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, 2, job.TotalSites)

	sites, err := store.GetSitesForJob(job.ID)
	require.NoError(t, err)
	assert.Len(t, sites, 2)
}

func TestSecurityMiddlewareRejectsNonLoopback(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nonexistent", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nonexistent", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
