// Package scheduler is the Batch Scheduler: it drives one job through its
// sites with a bounded worker pool, delegating planning to internal/planner,
// fetching to internal/remote, and fusion to internal/dataset. Grounded on
// the teacher's queueWorker/executeTask dispatch idiom (internal/core
// engine.go) generalized from a single download queue into the two-level
// job/site pool this engine's domain needs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/baeeng/batch-acquisition-engine/internal/batcherr"
	"github.com/baeeng/batch-acquisition-engine/internal/dataset"
	"github.com/baeeng/batch-acquisition-engine/internal/decode"
	"github.com/baeeng/batch-acquisition-engine/internal/filesystem"
	"github.com/baeeng/batch-acquisition-engine/internal/planner"
	"github.com/baeeng/batch-acquisition-engine/internal/progress"
	"github.com/baeeng/batch-acquisition-engine/internal/remote"
	"github.com/baeeng/batch-acquisition-engine/internal/security"
	"github.com/baeeng/batch-acquisition-engine/internal/storage"
)

// ProductConfig names the remote product and the two variables the
// Combiner divides to produce the derived RATIO column.
type ProductConfig struct {
	ProductID      string
	NumeratorVar   string
	DenominatorVar string
}

const defaultGranuleConcurrency = 4

// defaultBatchSize is the site pool width used when a job carries none.
const defaultBatchSize = 5

// BatchScheduler runs batch jobs to completion, one goroutine pool of
// sites per Run call. A single instance is safe to drive multiple jobs
// concurrently; each job's pause/cancel token is independent.
type BatchScheduler struct {
	store     *storage.Storage
	fetcher   remote.Fetcher
	sink      progress.Sink
	logger    *slog.Logger
	dataDir   string
	product   ProductConfig
	apiKeyFn  func() string
	granuleW  func() int
	controls  *controlRegistry
	allocator *filesystem.Allocator
	scanner   security.Scanner
}

func New(store *storage.Storage, fetcher remote.Fetcher, sink progress.Sink, logger *slog.Logger, dataDir string, product ProductConfig, apiKeyFn func() string, granuleWFn func() int) *BatchScheduler {
	if sink == nil {
		sink = progress.NoopSink{}
	}
	if granuleWFn == nil {
		granuleWFn = func() int { return defaultGranuleConcurrency }
	}
	return &BatchScheduler{
		store: store, fetcher: fetcher, sink: sink, logger: logger,
		dataDir: dataDir, product: product, apiKeyFn: apiKeyFn,
		granuleW: granuleWFn, controls: newControlRegistry(),
		allocator: filesystem.NewAllocator(),
		scanner:   security.NewScanner(logger),
	}
}

// estimatedGranuleBytes is a conservative per-granule size used only to
// decide whether a site's worth of downloads plausibly fits on disk; the
// real file size is only known once fetched.
const estimatedGranuleBytes = 5 * 1024 * 1024

// Pause signals a running job to stop dispatching new sites; in-flight
// sites stop at their next check (a fetch already running completes) and
// keep their current status for the next Run to reset. The job lands in
// PAUSED once its pool drains.
func (s *BatchScheduler) Pause(jobID string) { s.controls.get(jobID).paused.set(true) }

// Cancel signals a running job to stop; it lands in ERROR once drained.
func (s *BatchScheduler) Cancel(jobID string) { s.controls.get(jobID).cancelled.set(true) }

func nowISO() string { return time.Now().UTC().Format("2006-01-02 15:04:05") }

// Run drives jobID's pending sites to completion. It rejects a job that
// is already RUNNING, transitions the job to RUNNING, resets any site
// left over from a prior interrupted run, then dispatches the pending
// sites through a batch-size-wide pool.
func (s *BatchScheduler) Run(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return batcherr.New(batcherr.KindFatalJob, "scheduler.Run", err)
	}
	if job.Status == "RUNNING" {
		return batcherr.New(batcherr.KindFatalJob, "scheduler.Run", fmt.Errorf("job %s is already running", jobID))
	}

	job.Status = "RUNNING"
	job.ErrorMessage = ""
	if err := s.store.UpdateJob(job); err != nil {
		return batcherr.New(batcherr.KindFatalJob, "scheduler.Run", err)
	}

	if _, err := s.store.ResetInterruptedSites(jobID); err != nil {
		return batcherr.New(batcherr.KindFatalJob, "scheduler.Run", err)
	}

	sites, err := s.store.GetPendingSites(jobID)
	if err != nil {
		return batcherr.New(batcherr.KindFatalJob, "scheduler.Run", err)
	}

	ctl := s.controls.get(jobID)
	defer s.controls.clear(jobID)

	if len(sites) == 0 {
		return s.finalize(jobID, ctl)
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	sem := make(chan struct{}, batchSize)
	var wg sync.WaitGroup

	for _, site := range sites {
		if ctl.shouldStop() {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(site *storage.BatchSite) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processSite(ctx, ctl, jobID, site)
		}(site)
	}
	wg.Wait()

	return s.finalize(jobID, ctl)
}

// finalize re-reads the job row (sites mutate its counters concurrently)
// and assigns its terminal status.
func (s *BatchScheduler) finalize(jobID string, ctl *control) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return batcherr.New(batcherr.KindFatalJob, "scheduler.finalize", err)
	}

	switch {
	case ctl.cancelled.get():
		job.Status = "ERROR"
		job.ErrorMessage = "Cancelled by user"
	case ctl.paused.get():
		job.Status = "PAUSED"
	case job.CompletedSites+job.FailedSites >= job.TotalSites:
		job.Status = "COMPLETED"
	default:
		job.Status = "PAUSED"
	}
	job.LastProcessedAt = nowISO()

	if err := s.store.UpdateJob(job); err != nil {
		return batcherr.New(batcherr.KindFatalJob, "scheduler.finalize", err)
	}
	s.sink.OnJobComplete(job)
	return nil
}

// processSite runs one site through its full lifecycle: dataset creation,
// planning, downloading, combining. Every failure short of a panic is
// recorded on the site/dataset rows rather than propagated — the pool
// must keep draining the other sites.
func (s *BatchScheduler) processSite(ctx context.Context, ctl *control, jobID string, site *storage.BatchSite) {
	if ctl.shouldStop() {
		return
	}

	job, err := s.store.GetJob(jobID)
	if err != nil {
		return
	}

	site.Status = "DOWNLOADING"
	site.StartedAt = nowISO()
	if err := s.store.UpdateSite(site); err != nil {
		s.logger.Error("update site to DOWNLOADING", "site", site.ID, "err", err)
		return
	}
	s.sink.OnProgress(job, site, progress.LevelInfo, fmt.Sprintf("starting site %s", site.SiteName), 0)

	params, err := resolveParams(job, site)
	if err != nil {
		s.failSite(job, site, "resolve parameters: "+err.Error())
		return
	}

	siteDir := filepath.Join(s.dataDir, jobID, safeName(site.SiteName))
	if err := os.MkdirAll(siteDir, 0o755); err != nil {
		s.failSite(job, site, "create site directory: "+err.Error())
		return
	}

	ds := &storage.Dataset{
		Name:       site.SiteName,
		BatchJobID: &jobID,
		BBoxWest:   params.BBox.West, BBoxSouth: params.BBox.South,
		BBoxEast: params.BBox.East, BBoxNorth: params.BBox.North,
		DateStart: params.DateStart, DateEnd: params.DateEnd,
		MaxCloud: params.MaxCloud, MaxSZA: params.MaxSZA,
		Status: "DOWNLOADING",
	}
	if dayJSON, err := json.Marshal(params.DayFilter); err == nil {
		ds.DayFilterJSON = string(dayJSON)
	}
	if hourJSON, err := json.Marshal(params.HourList); err == nil {
		ds.HourFilterJSON = string(hourJSON)
	}
	if err := s.store.CreateDataset(ds); err != nil {
		s.failSite(job, site, "create dataset: "+err.Error())
		return
	}
	site.DatasetID = &ds.ID
	if err := s.store.UpdateSite(site); err != nil {
		s.failSite(job, site, "link dataset to site: "+err.Error())
		return
	}

	reqs, err := planner.Plan(params)
	if err != nil {
		s.failSiteAndDataset(job, site, ds, "plan granules: "+err.Error())
		return
	}

	planned, err := s.persistGranulePlan(ds.ID, reqs)
	if err != nil {
		s.failSiteAndDataset(job, site, ds, "persist granule plan: "+err.Error())
		return
	}

	if ctl.shouldStop() {
		return
	}

	if err := s.allocator.EnsureSpace(siteDir, int64(len(reqs))*estimatedGranuleBytes); err != nil {
		s.failSiteAndDataset(job, site, ds, "disk space check: "+err.Error())
		return
	}

	w := s.granuleW()
	apiKey := ""
	if s.apiKeyFn != nil {
		apiKey = s.apiKeyFn()
	}
	outcomes := downloadSite(ctx, w, siteDir, planned, s.fetcher, s.scanner, s.product.ProductID, apiKey, ctl.shouldStop,
		func(completed, total int, message string) {
			fraction := 0.0
			if total > 0 {
				fraction = float64(completed) / float64(total)
			}
			s.sink.OnProgress(job, site, progress.LevelDownload, message, fraction)
		})

	if ctl.shouldStop() {
		return
	}

	savedPaths := s.applyGranuleOutcomes(ds, outcomes)

	site.Status = "PROCESSING"
	if err := s.store.UpdateSite(site); err != nil {
		s.logger.Error("update site to PROCESSING", "site", site.ID, "err", err)
	}

	s.finishSite(job, site, ds, siteDir, savedPaths)
}

// persistGranulePlan writes one Granule row per planned request (ignoring
// duplicates on re-plan) and returns them paired with their requests so
// the downloader can write results back onto the right row.
func (s *BatchScheduler) persistGranulePlan(datasetID string, reqs []planner.Request) ([]PlannedGranule, error) {
	rows := make([]*storage.Granule, 0, len(reqs))
	for _, r := range reqs {
		hash, err := planner.ContentHash(r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &storage.Granule{
			DatasetID: datasetID, Date: r.Date, Hour: r.Hour,
			BBoxWest: r.BBox.West, BBoxSouth: r.BBox.South,
			BBoxEast: r.BBox.East, BBoxNorth: r.BBox.North,
			MaxCloud: r.MaxCloud, MaxSZA: r.MaxSZA, ContentHash: hash,
		})
	}
	if err := s.store.CreateGranulesBatch(rows); err != nil {
		return nil, err
	}

	stored, err := s.store.GetGranulesForDataset(datasetID)
	if err != nil {
		return nil, err
	}
	byDateHour := make(map[string]string, len(stored))
	for _, g := range stored {
		byDateHour[g.Date+"|"+itoa(g.Hour)] = g.ID
	}

	planned := make([]PlannedGranule, 0, len(reqs))
	for _, r := range reqs {
		id := byDateHour[r.Date+"|"+itoa(r.Hour)]
		planned = append(planned, PlannedGranule{GranuleID: id, Req: r})
	}
	return planned, nil
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// applyGranuleOutcomes writes fetch results back onto their Granule rows
// and returns the file paths of every granule that landed on disk
// (whether freshly fetched or already present from a prior run).
func (s *BatchScheduler) applyGranuleOutcomes(ds *storage.Dataset, outcomes []GranuleOutcome) []string {
	var saved []string
	downloaded := 0
	for _, o := range outcomes {
		if o.GranuleID == "" {
			continue
		}
		g, err := s.lookupGranule(ds.ID, o.GranuleID)
		if err != nil {
			continue
		}
		switch o.Outcome {
		case remote.HasData:
			g.Downloaded = true
			g.DownloadedAt = nowISO()
			g.FilePath = o.FilePath
			g.FileSizeBytes = o.FileSize
			if pixels, means, err := marshalStats(o.Stats); err == nil {
				g.ValidPixelsJSON, g.MeansJSON = pixels, means
			}
			downloaded++
			saved = append(saved, o.FilePath)
		default:
			// NoData, Transient, Fatal: row stays Downloaded=false. A
			// later re-run may pick it up again via re-planning.
		}
		_ = s.store.UpdateGranule(g)
	}
	ds.GranuleCount = len(outcomes)
	ds.GranulesDownloaded = downloaded
	return saved
}

func (s *BatchScheduler) lookupGranule(datasetID, granuleID string) (*storage.Granule, error) {
	rows, err := s.store.GetGranulesForDataset(datasetID)
	if err != nil {
		return nil, err
	}
	for _, g := range rows {
		if g.ID == granuleID {
			return g, nil
		}
	}
	return nil, fmt.Errorf("granule %s not found", granuleID)
}

// marshalStats splits a per-variable stats map into the two JSON columns
// a Granule row stores them in.
func marshalStats(stats map[string]decode.VariableStats) (pixelsJSON, meansJSON string, err error) {
	pixels := make(map[string]int, len(stats))
	means := make(map[string]float64, len(stats))
	for name, st := range stats {
		pixels[name] = st.ValidPixels
		means[name] = st.Mean
	}
	pixelsBytes, err := json.Marshal(pixels)
	if err != nil {
		return "", "", err
	}
	meansBytes, err := json.Marshal(means)
	if err != nil {
		return "", "", err
	}
	return string(pixelsBytes), string(meansBytes), nil
}

// finishSite combines every saved granule file for a site into one
// processed artifact and marks the site/dataset terminal.
func (s *BatchScheduler) finishSite(job *storage.BatchJob, site *storage.BatchSite, ds *storage.Dataset, siteDir string, savedPaths []string) {
	combined, loadErrors, err := dataset.Combine(savedPaths, s.product.NumeratorVar, s.product.DenominatorVar)
	for _, le := range loadErrors {
		s.logger.Warn("granule file failed to load during combine", "site", site.ID, "err", le)
	}
	if err != nil {
		s.markComplete(job, site, ds, "ERROR", "ERROR", err.Error(), "", 0)
		return
	}

	outPath := filepath.Join(siteDir, safeName(site.SiteName)+"_processed.nc")
	size, err := dataset.Save(combined, outPath)
	if err != nil {
		s.markComplete(job, site, ds, "ERROR", "ERROR", "save combined artifact: "+err.Error(), "", 0)
		return
	}

	s.markComplete(job, site, ds, "COMPLETE", "COMPLETED", "", outPath, size)
}

func (s *BatchScheduler) markComplete(job *storage.BatchJob, site *storage.BatchSite, ds *storage.Dataset, dsStatus, siteStatus, errMsg, filePath string, size int64) {
	ds.Status = dsStatus
	if filePath != "" {
		ds.FilePath = filePath
		ds.FileSizeBytes = size
	}
	_ = s.store.UpdateDataset(ds)

	site.Status = siteStatus
	site.CompletedAt = nowISO()
	site.ErrorMessage = errMsg
	_ = s.store.UpdateSite(site)

	if freshJob, err := s.store.IncrementJobSiteCounter(job.ID, siteStatus == "COMPLETED"); err == nil {
		job = freshJob
	}

	s.sink.OnSiteComplete(site)
	level := progress.LevelOK
	if siteStatus != "COMPLETED" {
		level = progress.LevelError
	}
	s.sink.OnProgress(job, site, level, fmt.Sprintf("site %s finished: %s", site.SiteName, siteStatus), 1)
}

func (s *BatchScheduler) failSite(job *storage.BatchJob, site *storage.BatchSite, message string) {
	site.Status = "ERROR"
	site.ErrorMessage = message
	site.CompletedAt = nowISO()
	_ = s.store.UpdateSite(site)

	if freshJob, err := s.store.IncrementJobSiteCounter(job.ID, false); err == nil {
		job = freshJob
	}
	s.sink.OnSiteComplete(site)
	s.sink.OnProgress(job, site, progress.LevelError, message, 1)
}

func (s *BatchScheduler) failSiteAndDataset(job *storage.BatchJob, site *storage.BatchSite, ds *storage.Dataset, message string) {
	ds.Status = "ERROR"
	_ = s.store.UpdateDataset(ds)
	s.failSite(job, site, message)
}
