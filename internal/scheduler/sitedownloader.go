// Site Downloader: a bounded-parallel pool of Fetchers for one site.
// Grounded on the original's asyncio.Semaphore-gated downloader and the
// teacher's raw sync.WaitGroup + buffered-channel worker pool
// (internal/core/engine.go executeTask) rather than an ungrounded
// errgroup dependency.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/baeeng/batch-acquisition-engine/internal/decode"
	"github.com/baeeng/batch-acquisition-engine/internal/planner"
	"github.com/baeeng/batch-acquisition-engine/internal/remote"
	"github.com/baeeng/batch-acquisition-engine/internal/security"
)

// PlannedGranule pairs a stored Granule row's id with the request it was
// planned from, so a fetch result can be written back to the right row.
type PlannedGranule struct {
	GranuleID string
	Req       planner.Request
}

// GranuleOutcome is one completed (or skipped) fetch, ready to be
// persisted onto its Granule row.
type GranuleOutcome struct {
	GranuleID string
	Outcome   remote.Outcome
	FilePath  string
	FileSize  int64
	Stats     map[string]decode.VariableStats
	Err       error
	Skipped   bool // file already existed on disk and validated; not re-fetched
}

const minValidFileBytes = 1024

// progressFn reports (completed, total, message) after each granule
// resolves, matching the contract in spec.md §4.5.
type progressFn func(completed, total int, message string)

// downloadSite drives reqs through a W-wide worker pool. shouldStop is
// polled at every suspension point (semaphore acquire, before each
// fetch) so a pause or cancel signalled mid-flight causes an early,
// silent return — the site stays in DOWNLOADING for Recovery to reset.
func downloadSite(ctx context.Context, w int, siteDir string, granules []PlannedGranule, fetcher remote.Fetcher, scanner security.Scanner, productID, apiKey string, shouldStop func() bool, onProgress progressFn) []GranuleOutcome {
	if w <= 0 {
		w = 4
	}
	sem := make(chan struct{}, w)
	var mu sync.Mutex
	var wg sync.WaitGroup

	results := make([]GranuleOutcome, len(granules))
	completed := 0
	total := len(granules)

	for i, pg := range granules {
		if shouldStop() {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, pg PlannedGranule) {
			defer wg.Done()
			defer func() { <-sem }()

			if shouldStop() {
				return
			}

			outcome := fetchAndSaveOne(ctx, siteDir, pg, fetcher, scanner, productID, apiKey)

			mu.Lock()
			results[i] = outcome
			completed++
			msg := fmt.Sprintf("granule %s hour %02d: %s", pg.Req.Date, pg.Req.Hour, outcome.Outcome)
			if outcome.Skipped {
				msg = fmt.Sprintf("granule %s hour %02d: already on disk", pg.Req.Date, pg.Req.Hour)
			}
			c := completed
			mu.Unlock()

			if onProgress != nil {
				onProgress(c, total, msg)
			}
		}(i, pg)
	}
	wg.Wait()
	return results
}

func granuleFilename(req planner.Request) string {
	return fmt.Sprintf("tempo_%s_%02d.nc", req.Date, req.Hour)
}

func fetchAndSaveOne(ctx context.Context, siteDir string, pg PlannedGranule, fetcher remote.Fetcher, scanner security.Scanner, productID, apiKey string) GranuleOutcome {
	path := filepath.Join(siteDir, granuleFilename(pg.Req))

	// Non-goal: do not re-download a granule whose file already exists
	// on disk and passes validation.
	if info, err := os.Stat(path); err == nil && info.Size() >= minValidFileBytes {
		return GranuleOutcome{GranuleID: pg.GranuleID, Outcome: remote.HasData, FilePath: path, FileSize: info.Size(), Skipped: true}
	}

	result := fetcher.Fetch(ctx, pg.Req, productID, apiKey)
	switch result.Outcome {
	case remote.HasData:
		size, err := saveGranuleFile(path, result.Sample)
		if err != nil {
			_ = os.Remove(path)
			return GranuleOutcome{GranuleID: pg.GranuleID, Outcome: remote.Transient, Err: err}
		}
		if size < minValidFileBytes {
			_ = os.Remove(path)
			return GranuleOutcome{GranuleID: pg.GranuleID, Outcome: remote.Transient, Err: fmt.Errorf("saved file below minimum size")}
		}
		if scanner != nil {
			if err := scanner.ScanFile(ctx, path); err != nil {
				_ = os.Remove(path)
				return GranuleOutcome{GranuleID: pg.GranuleID, Outcome: remote.Fatal, Err: fmt.Errorf("rejected by %s: %w", scanner.Name(), err)}
			}
		}
		return GranuleOutcome{
			GranuleID: pg.GranuleID,
			Outcome:   remote.HasData,
			FilePath:  path,
			FileSize:  size,
			Stats:     result.Sample.Stats(),
		}
	case remote.NoData:
		return GranuleOutcome{GranuleID: pg.GranuleID, Outcome: remote.NoData}
	default:
		return GranuleOutcome{GranuleID: pg.GranuleID, Outcome: result.Outcome, Err: result.Err}
	}
}

// saveGranuleFile writes a sample destructively: an existing target is
// unlinked first, with one retry after a short delay if the unlink hits
// a sharing violation — the same discipline the original implementation
// used around transient file locks on Windows.
func saveGranuleFile(path string, sample decode.Sample) (int64, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			time.Sleep(500 * time.Millisecond)
			if err := os.Remove(path); err != nil {
				return 0, fmt.Errorf("remove existing file: %w", err)
			}
		}
	}

	encoded, err := decode.Encode(sample)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
